package arenadto

import (
	"encoding/json"
	"fmt"
)

// Envelope is the single wire frame. Type selects the payload shape; the
// payload set is closed — the router rejects anything outside it.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Inbound message types (client → server).
const (
	TypeAuthenticate      = "authenticate"
	TypeJoinMatchmaking   = "join_matchmaking"
	TypeCancelMatchmaking = "cancel_matchmaking"
	TypeJoinGame          = "join_game"
	TypeReconnectToGame   = "reconnect_to_game"
	TypeMakeMove          = "make_move"
	TypeResign            = "resign"
	TypeOfferDraw         = "offer_draw"
	TypeRespondDraw       = "respond_draw"
	TypeChatMessage       = "chat_message"
)

// Outbound message types (server → client).
const (
	TypeAuthenticated        = "authenticated"
	TypeGameStarted          = "game_started"
	TypeGameJoined           = "game_joined"
	TypeGameRejoined         = "game_rejoined"
	TypeMoveMade             = "move_made"
	TypeGameEnded            = "game_ended"
	TypeOpponentReconnected  = "opponent_reconnected"
	TypeOpponentDisconnected = "opponent_disconnected"
	TypeDrawOffered          = "draw_offered"
	TypeDrawDeclined         = "draw_declined"
	TypeJoinGameError        = "join_game_error"
	TypeMatchmakingQueued    = "matchmaking_queued"
	TypeMatchmakingCancelled = "matchmaking_cancelled"
	TypeMatchmakingTimeout   = "matchmaking_timeout"
	TypeError                = "error"
)

// NewEnvelope marshals payload into a typed envelope.
func NewEnvelope(typ string, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: typ}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Envelope{Type: typ, Payload: raw}, nil
}

// MustEnvelope is NewEnvelope for payload types that cannot fail to marshal.
func MustEnvelope(typ string, payload any) Envelope {
	env, err := NewEnvelope(typ, payload)
	if err != nil {
		panic(err)
	}
	return env
}
