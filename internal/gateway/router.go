package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/park285/cheese-arena/internal/identity"
	"github.com/park285/cheese-arena/internal/matchmaker"
	"github.com/park285/cheese-arena/internal/obslog"
	"github.com/park285/cheese-arena/internal/rules"
	"github.com/park285/cheese-arena/internal/session"
	"github.com/park285/cheese-arena/pkg/arenadto"
)

// dispatch routes one inbound envelope. The payload set is closed: anything
// outside it is rejected, and everything except authenticate requires a
// verified principal first.
func (s *Server) dispatch(ctx context.Context, c *client, env arenadto.Envelope) {
	if env.Type == arenadto.TypeAuthenticate {
		s.handleAuthenticate(ctx, c, env)
		return
	}
	if c.principal == nil {
		c.sendError(ctx, arenadto.CodeUnauthenticated, "authenticate first")
		return
	}
	s.conns.Touch(c.principal.Identity)

	switch env.Type {
	case arenadto.TypeJoinMatchmaking:
		s.handleJoinMatchmaking(ctx, c, env)
	case arenadto.TypeCancelMatchmaking:
		s.handleCancelMatchmaking(ctx, c)
	case arenadto.TypeJoinGame:
		s.handleJoinGame(ctx, c, env)
	case arenadto.TypeReconnectToGame:
		s.handleReconnect(ctx, c, env)
	case arenadto.TypeMakeMove:
		s.handleMakeMove(ctx, c, env)
	case arenadto.TypeResign:
		s.handleResign(ctx, c, env)
	case arenadto.TypeOfferDraw:
		s.handleOfferDraw(ctx, c, env)
	case arenadto.TypeRespondDraw:
		s.handleRespondDraw(ctx, c, env)
	case arenadto.TypeChatMessage:
		s.handleChat(ctx, c, env)
	default:
		c.sendError(ctx, arenadto.CodeValidation, fmt.Sprintf("unknown message type %q", env.Type))
	}
}

func (s *Server) handleAuthenticate(ctx context.Context, c *client, env arenadto.Envelope) {
	req, err := decode[arenadto.AuthenticateRequest](env)
	if err != nil {
		c.sendError(ctx, arenadto.CodeValidation, "bad authenticate payload")
		return
	}
	p, err := s.verifier.Verify(ctx, req.Token)
	if err != nil {
		if errors.Is(err, identity.ErrTokenRejected) {
			c.sendError(ctx, arenadto.CodeUnauthenticated, "token rejected")
		} else {
			obslog.L().Error("identity_verify_error", zap.Error(err))
			c.sendError(ctx, arenadto.CodeInternal, "identity provider unavailable")
		}
		return
	}

	c.principal = p
	s.conns.Bind(p.Identity, c.conn.ID(), c.conn)
	obslog.L().Info("client_authenticated",
		zap.String("identity", p.Identity),
		zap.String("conn_id", c.conn.ID()),
	)
	c.send(ctx, arenadto.MustEnvelope(arenadto.TypeAuthenticated, arenadto.AuthenticatedEvent{
		Identity: p.Identity,
		Name:     p.Name,
		Rating:   p.Rating,
	}))
}

func (s *Server) handleJoinMatchmaking(ctx context.Context, c *client, env arenadto.Envelope) {
	req, err := decode[arenadto.JoinMatchmakingRequest](env)
	if err != nil {
		c.sendError(ctx, arenadto.CodeValidation, "bad join_matchmaking payload")
		return
	}
	control, family, err := s.controls.Resolve(req.TimeControl)
	if err != nil {
		c.sendError(ctx, arenadto.CodeValidation, err.Error())
		return
	}

	ticket := &matchmaker.Ticket{
		Identity: c.principal.Identity,
		Name:     c.principal.Name,
		Rating:   c.principal.Rating,
		Control:  control,
		Family:   family,
	}
	switch err := s.match.Enqueue(ticket); {
	case errors.Is(err, matchmaker.ErrAlreadyQueued):
		c.sendError(ctx, arenadto.CodeAlreadyQueued, "already in the matchmaking queue")
	case errors.Is(err, matchmaker.ErrAlreadyInGame):
		c.sendError(ctx, arenadto.CodeAlreadyInGame, "finish or resign the current game first")
	case err != nil:
		c.sendError(ctx, arenadto.CodeInternal, "matchmaking unavailable")
	default:
		c.send(ctx, arenadto.MustEnvelope(arenadto.TypeMatchmakingQueued, arenadto.MatchmakingQueuedEvent{
			TimeControl: control.String(),
		}))
	}
}

func (s *Server) handleCancelMatchmaking(ctx context.Context, c *client) {
	// Idempotent: cancelling without a ticket is a no-op, not an error.
	s.match.Cancel(c.principal.Identity)
	c.send(ctx, arenadto.MustEnvelope(arenadto.TypeMatchmakingCancelled, nil))
}

func (s *Server) handleJoinGame(ctx context.Context, c *client, env arenadto.Envelope) {
	req, err := decode[arenadto.JoinGameRequest](env)
	if err != nil {
		c.sendError(ctx, arenadto.CodeValidation, "bad join_game payload")
		return
	}
	live, ok := s.sessions.Get(req.GameID)
	if !ok {
		c.sendJoinError(ctx, req.GameID, "game_not_found")
		return
	}

	state, color, err := live.Join(c.principal.Identity, c.conn.ID())
	switch {
	case errors.Is(err, session.ErrNotParticipant):
		c.sendJoinError(ctx, req.GameID, "not_participant")
	case errors.Is(err, session.ErrAlreadyJoined):
		c.sendJoinError(ctx, req.GameID, "already_joined")
	case errors.Is(err, session.ErrGameNotActive):
		c.sendJoinError(ctx, req.GameID, "game_over")
	case err != nil:
		c.sendError(ctx, arenadto.CodeInternal, "join failed")
	default:
		c.send(ctx, arenadto.MustEnvelope(arenadto.TypeGameJoined, arenadto.GameJoinedEvent{
			Success:     true,
			GameState:   state,
			PlayerColor: string(color),
		}))
	}
}

// handleReconnect serves the explicit rejoin intent: rebind the slot on a
// live game, or replay the final result for a terminal one. The two intents
// never mix; a never-joined slot cannot sneak in through reconnect.
func (s *Server) handleReconnect(ctx context.Context, c *client, env arenadto.Envelope) {
	req, err := decode[arenadto.ReconnectToGameRequest](env)
	if err != nil {
		c.sendError(ctx, arenadto.CodeValidation, "bad reconnect_to_game payload")
		return
	}

	if live, ok := s.sessions.Get(req.GameID); ok {
		state, color, rebound, err := live.Reconnect(c.principal.Identity, c.conn.ID())
		switch {
		case errors.Is(err, session.ErrNotParticipant):
			c.sendError(ctx, arenadto.CodeStaleConnection, "identity does not match this game")
			return
		case errors.Is(err, session.ErrGameNotActive):
			c.sendError(ctx, arenadto.CodeGameNotActive, "use join_game for the first join")
			return
		case err != nil:
			c.sendError(ctx, arenadto.CodeInternal, "reconnect failed")
			return
		}
		c.send(ctx, arenadto.MustEnvelope(arenadto.TypeGameRejoined, arenadto.GameRejoinedEvent{
			Success:     true,
			GameState:   state,
			PlayerColor: string(color),
		}))
		if !rebound {
			c.replayGameEnded(ctx, state)
		}
		return
	}

	// Evicted from the live registry; the archive may still have the final
	// state during retention.
	state, err := s.sessions.FetchState(ctx, req.GameID)
	if err != nil {
		if errors.Is(err, session.ErrGameNotFound) {
			c.sendError(ctx, arenadto.CodeGameNotFound, "game not found")
		} else {
			obslog.L().Error("fetch_state_error", zap.String("game_id", req.GameID), zap.Error(err))
			c.sendError(ctx, arenadto.CodeInternal, "state fetch failed")
		}
		return
	}
	c.send(ctx, arenadto.MustEnvelope(arenadto.TypeGameRejoined, arenadto.GameRejoinedEvent{
		Success:   true,
		GameState: state,
	}))
	c.replayGameEnded(ctx, state)
}

func (s *Server) handleMakeMove(ctx context.Context, c *client, env arenadto.Envelope) {
	req, err := decode[arenadto.MakeMoveRequest](env)
	if err != nil {
		c.sendError(ctx, arenadto.CodeValidation, "bad make_move payload")
		return
	}
	live, ok := s.sessions.Get(req.GameID)
	if !ok {
		c.sendError(ctx, arenadto.CodeGameNotFound, "game not found")
		return
	}

	mv := rules.Move{From: req.Move.From, To: req.Move.To, Promotion: req.Move.Promotion}
	switch err := live.ApplyMove(c.principal.Identity, mv); {
	case err == nil:
	case errors.Is(err, rules.ErrInvalidSyntax):
		c.sendError(ctx, arenadto.CodeValidation, err.Error())
	case errors.Is(err, rules.ErrIllegalMove):
		// Echo the authoritative state so a desynced client can resync
		// without diffing.
		c.sendErrorState(ctx, arenadto.CodeIllegalMove, err.Error(), live.Snapshot())
	case errors.Is(err, session.ErrNotYourTurn):
		c.sendError(ctx, arenadto.CodeNotYourTurn, "not your turn")
	case errors.Is(err, session.ErrGameNotActive):
		c.sendError(ctx, arenadto.CodeGameNotActive, "game is not active")
	case errors.Is(err, session.ErrNotParticipant):
		c.sendError(ctx, arenadto.CodeValidation, "not a participant in this game")
	default:
		c.sendError(ctx, arenadto.CodeInternal, "move failed")
	}
}

func (s *Server) handleResign(ctx context.Context, c *client, env arenadto.Envelope) {
	req, err := decode[arenadto.ResignRequest](env)
	if err != nil {
		c.sendError(ctx, arenadto.CodeValidation, "bad resign payload")
		return
	}
	live, ok := s.sessions.Get(req.GameID)
	if !ok {
		c.sendError(ctx, arenadto.CodeGameNotFound, "game not found")
		return
	}
	c.sendGameOpResult(ctx, live.Resign(c.principal.Identity))
}

func (s *Server) handleOfferDraw(ctx context.Context, c *client, env arenadto.Envelope) {
	req, err := decode[arenadto.OfferDrawRequest](env)
	if err != nil {
		c.sendError(ctx, arenadto.CodeValidation, "bad offer_draw payload")
		return
	}
	live, ok := s.sessions.Get(req.GameID)
	if !ok {
		c.sendError(ctx, arenadto.CodeGameNotFound, "game not found")
		return
	}
	c.sendGameOpResult(ctx, live.OfferDraw(c.principal.Identity))
}

func (s *Server) handleRespondDraw(ctx context.Context, c *client, env arenadto.Envelope) {
	req, err := decode[arenadto.RespondDrawRequest](env)
	if err != nil {
		c.sendError(ctx, arenadto.CodeValidation, "bad respond_draw payload")
		return
	}
	live, ok := s.sessions.Get(req.GameID)
	if !ok {
		c.sendError(ctx, arenadto.CodeGameNotFound, "game not found")
		return
	}
	c.sendGameOpResult(ctx, live.RespondDraw(c.principal.Identity, req.Accept))
}

func (s *Server) handleChat(ctx context.Context, c *client, env arenadto.Envelope) {
	req, err := decode[arenadto.ChatMessageRequest](env)
	if err != nil {
		c.sendError(ctx, arenadto.CodeValidation, "bad chat_message payload")
		return
	}
	msg := strings.TrimSpace(req.Message)
	if msg == "" || len(msg) > 500 {
		c.sendError(ctx, arenadto.CodeValidation, "message must be 1-500 characters")
		return
	}
	live, ok := s.sessions.Get(req.GameID)
	if !ok {
		c.sendError(ctx, arenadto.CodeGameNotFound, "game not found")
		return
	}
	c.sendGameOpResult(ctx, live.Chat(c.principal.Identity, msg))
}

// sendGameOpResult maps the shared session sentinels for operations whose
// success is signalled by the session's own broadcasts.
func (c *client) sendGameOpResult(ctx context.Context, err error) {
	switch {
	case err == nil:
	case errors.Is(err, session.ErrGameNotActive):
		c.sendError(ctx, arenadto.CodeGameNotActive, "game is not active")
	case errors.Is(err, session.ErrNotParticipant):
		c.sendError(ctx, arenadto.CodeValidation, "not a participant in this game")
	case errors.Is(err, session.ErrNoDrawOffer):
		c.sendError(ctx, arenadto.CodeValidation, "no draw offer pending")
	default:
		c.sendError(ctx, arenadto.CodeInternal, "operation failed")
	}
}

func (c *client) replayGameEnded(ctx context.Context, state *arenadto.GameState) {
	if state == nil || state.Result == nil {
		return
	}
	result := state.Result.Winner
	if result == "" {
		result = "draw"
	}
	c.send(ctx, arenadto.MustEnvelope(arenadto.TypeGameEnded, arenadto.GameEndedEvent{
		GameID: state.GameID,
		Result: result,
		Reason: state.Result.Reason,
	}))
}

func (c *client) send(ctx context.Context, env arenadto.Envelope) {
	_ = c.conn.Send(ctx, env)
}

func (c *client) sendError(ctx context.Context, code, message string) {
	c.send(ctx, arenadto.MustEnvelope(arenadto.TypeError, arenadto.ErrorEvent{Code: code, Message: message}))
}

func (c *client) sendErrorState(ctx context.Context, code, message string, state *arenadto.GameState) {
	c.send(ctx, arenadto.MustEnvelope(arenadto.TypeError, arenadto.ErrorEvent{Code: code, Message: message, State: state}))
}

func (c *client) sendJoinError(ctx context.Context, gameID, reason string) {
	c.send(ctx, arenadto.MustEnvelope(arenadto.TypeJoinGameError, arenadto.JoinGameErrorEvent{
		GameID: gameID,
		Reason: reason,
	}))
}

func decode[T any](env arenadto.Envelope) (T, error) {
	var v T
	if len(env.Payload) == 0 {
		return v, fmt.Errorf("missing payload for %s", env.Type)
	}
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return v, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return v, nil
}
