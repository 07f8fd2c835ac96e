package session

import (
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/park285/cheese-arena/internal/clock"
	"github.com/park285/cheese-arena/internal/obslog"
	"github.com/park285/cheese-arena/internal/rules"
	"github.com/park285/cheese-arena/pkg/arenadto"
)

var (
	ErrGameNotActive  = errors.New("game not active")
	ErrNotYourTurn    = errors.New("not your turn")
	ErrNotParticipant = errors.New("identity not in game")
	ErrAlreadyJoined  = errors.New("slot already joined, use reconnect_to_game")
	ErrNoDrawOffer    = errors.New("no draw offer pending")
)

// Status is the session lifecycle state. Transitions are monotonic: a
// session never re-enters WAITING after going ACTIVE, and terminal states
// are final.
type Status string

const (
	StatusWaiting          Status = "WAITING_FOR_PLAYERS"
	StatusActive           Status = "ACTIVE"
	StatusEndedCheckmate   Status = "ENDED_CHECKMATE"
	StatusEndedResignation Status = "ENDED_RESIGNATION"
	StatusEndedTimeout     Status = "ENDED_TIMEOUT"
	StatusEndedDraw        Status = "ENDED_DRAW"
	StatusEndedAbandoned   Status = "ENDED_ABANDONED"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusEndedCheckmate, StatusEndedResignation, StatusEndedTimeout, StatusEndedDraw, StatusEndedAbandoned:
		return true
	}
	return false
}

// Notifier pushes an outbound envelope to whatever transport currently
// serves the identity. Offline identities are dropped silently.
type Notifier interface {
	Notify(identity string, env arenadto.Envelope)
}

// Seed is the player material handed over by the matchmaker.
type Seed struct {
	Identity string
	Name     string
	Rating   int
}

// PlayerSlot is one side of the game, owned exclusively by the session.
type PlayerSlot struct {
	Identity               string
	Name                   string
	Rating                 int
	Color                  rules.Color
	ConnID                 string
	Connected              bool
	ConsecutiveDisconnects int
	joined                 bool
}

// Result of a terminal session. Winner "" means drawn or abandoned with no
// winner.
type Result struct {
	Winner rules.Color
	Reason string
}

// Session is the authoritative record of one match. Every mutating
// operation is serialized behind mu; clock expiry and grace timers funnel
// through the same lock before touching state.
type Session struct {
	ID      string
	control clock.TimeControl

	clk    clockwork.Clock
	notify Notifier
	grace  time.Duration

	mu          sync.Mutex
	board       *rules.Board
	clock       *clock.Clock
	white       *PlayerSlot
	black       *PlayerSlot
	movesUCI    []string
	movesSAN    []string
	status      Status
	createdAt   time.Time
	lastMoveAt  time.Time
	endedAt     time.Time
	result      *Result
	drawOfferBy rules.Color
	graceTimers map[rules.Color]clockwork.Timer
	flagTimer   clockwork.Timer

	// onTerminal runs once, off the session lock, after a terminal
	// transition. Wired by the registry for archival and eviction.
	onTerminal func(*Session, *arenadto.GameState)
}

// Options tune a single session.
type Options struct {
	Grace      time.Duration
	Clock      clockwork.Clock
	Notify     Notifier
	OnTerminal func(*Session, *arenadto.GameState)
}

// New creates a session in WAITING_FOR_PLAYERS with both join-grace timers
// armed: a pairing whose clients never arrive is abandoned, not leaked.
func New(id string, whiteSeed, blackSeed Seed, control clock.TimeControl, opts Options) *Session {
	clk := opts.Clock
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	grace := opts.Grace
	if grace <= 0 {
		grace = 30 * time.Second
	}
	s := &Session{
		ID:      id,
		control: control,
		clk:     clk,
		notify:  opts.Notify,
		grace:   grace,
		board:   rules.NewBoard(),
		clock:   clock.New(control, clk),
		white: &PlayerSlot{
			Identity: whiteSeed.Identity, Name: whiteSeed.Name,
			Rating: whiteSeed.Rating, Color: rules.White,
		},
		black: &PlayerSlot{
			Identity: blackSeed.Identity, Name: blackSeed.Name,
			Rating: blackSeed.Rating, Color: rules.Black,
		},
		status:      StatusWaiting,
		createdAt:   clk.Now(),
		graceTimers: make(map[rules.Color]clockwork.Timer),
		onTerminal:  opts.OnTerminal,
	}
	s.mu.Lock()
	s.startGraceLocked(rules.White)
	s.startGraceLocked(rules.Black)
	s.mu.Unlock()
	return s
}

func (s *Session) Control() clock.TimeControl { return s.control }

// Players returns both identities.
func (s *Session) Players() (white, black string) {
	return s.white.Identity, s.black.Identity
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Snapshot returns the full client-facing state.
func (s *Session) Snapshot() *arenadto.GameState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Join performs the first binding of a slot after matchmaking. The second
// join activates the game and starts white's clock. A slot that already
// joined must use Reconnect; inferring the intent server-side is exactly
// the duplicate-session bug this protocol exists to avoid.
func (s *Session) Join(identity, connID string) (*arenadto.GameState, rules.Color, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot := s.slotOfLocked(identity)
	if slot == nil {
		return nil, "", ErrNotParticipant
	}
	if s.status.Terminal() {
		return nil, "", ErrGameNotActive
	}
	if slot.joined {
		return nil, "", ErrAlreadyJoined
	}
	slot.joined = true
	slot.Connected = true
	slot.ConnID = connID
	s.cancelGraceLocked(slot.Color)

	if s.status == StatusWaiting && s.white.joined && s.black.joined {
		s.status = StatusActive
		s.lastMoveAt = s.clk.Now()
		s.clock.Start(rules.White)
		s.scheduleFlagLocked()
		obslog.L().Info("session_active",
			zap.String("game_id", s.ID),
			zap.String("white", s.white.Identity),
			zap.String("black", s.black.Identity),
			zap.String("time_control", s.control.String()),
		)
		// Refresh the first joiner, who last saw WAITING_FOR_PLAYERS.
		opp := s.opponentLocked(slot.Color)
		s.notifyLocked(opp.Identity, arenadto.MustEnvelope(arenadto.TypeGameJoined, arenadto.GameJoinedEvent{
			Success:     true,
			GameState:   s.snapshotLocked(),
			PlayerColor: string(opp.Color),
		}))
	}
	return s.snapshotLocked(), slot.Color, nil
}

// Reconnect rebinds a slot mid-game. For a terminal session it returns the
// final snapshot without rebinding (rebound=false); the caller replays
// game_ended from it.
func (s *Session) Reconnect(identity, connID string) (state *arenadto.GameState, color rules.Color, rebound bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot := s.slotOfLocked(identity)
	if slot == nil {
		return nil, "", false, ErrNotParticipant
	}
	if s.status.Terminal() {
		return s.snapshotLocked(), slot.Color, false, nil
	}
	if !slot.joined {
		// Nothing to re-bind: this slot never performed its first join.
		return nil, "", false, ErrGameNotActive
	}

	slot.Connected = true
	slot.ConnID = connID
	s.cancelGraceLocked(slot.Color)

	opp := s.opponentLocked(slot.Color)
	s.notifyLocked(opp.Identity, arenadto.MustEnvelope(arenadto.TypeOpponentReconnected, arenadto.OpponentReconnectedEvent{GameID: s.ID}))
	obslog.L().Info("session_reconnect",
		zap.String("game_id", s.ID),
		zap.String("identity", identity),
		zap.String("color", string(slot.Color)),
	)
	return s.snapshotLocked(), slot.Color, true, nil
}

// MarkDisconnected flags a slot's transport as lost and arms the grace
// timer. The clock keeps running: disconnection buys no free pause. ConnID
// guards against a stale socket's teardown racing a fresh rebind.
func (s *Session) MarkDisconnected(identity, connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot := s.slotOfLocked(identity)
	if slot == nil || slot.ConnID != connID || !slot.Connected {
		return
	}
	slot.Connected = false
	slot.ConsecutiveDisconnects++
	if s.status.Terminal() {
		return
	}
	s.startGraceLocked(slot.Color)

	opp := s.opponentLocked(slot.Color)
	s.notifyLocked(opp.Identity, arenadto.MustEnvelope(arenadto.TypeOpponentDisconnected, arenadto.OpponentDisconnectedEvent{
		GameID:  s.ID,
		GraceMs: s.grace.Milliseconds(),
	}))
	obslog.L().Info("session_disconnect",
		zap.String("game_id", s.ID),
		zap.String("identity", identity),
		zap.String("color", string(slot.Color)),
		zap.Int("consecutive", slot.ConsecutiveDisconnects),
	)
}

// ApplyMove validates and commits a move for the identity. On any rejection
// the board, move list and clocks are untouched.
func (s *Session) ApplyMove(identity string, mv rules.Move) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusActive {
		return ErrGameNotActive
	}
	slot := s.slotOfLocked(identity)
	if slot == nil {
		return ErrNotParticipant
	}
	if slot.Color != s.turnLocked() {
		return ErrNotYourTurn
	}
	if s.clock.Remaining(slot.Color) <= 0 {
		// Flag fell before the move arrived; transition first, accept nothing.
		s.timeoutLocked(slot.Color)
		return ErrGameNotActive
	}

	applied, err := s.board.Apply(mv)
	if err != nil {
		if errors.Is(err, rules.ErrInvalidSyntax) || errors.Is(err, rules.ErrIllegalMove) {
			return err
		}
		// The adapter rejected state it previously validated. Park the
		// session somewhere safe instead of leaving it wedged.
		obslog.L().Error("session_invariant_violation",
			zap.String("game_id", s.ID),
			zap.String("identity", identity),
			zap.Error(err),
		)
		s.endLocked(StatusEndedAbandoned, &Result{Reason: "internal_error"})
		return err
	}

	s.movesUCI = append(s.movesUCI, applied.UCI)
	s.movesSAN = append(s.movesSAN, applied.SAN)
	s.lastMoveAt = s.clk.Now()
	s.drawOfferBy = ""

	var endStatus Status
	var endResult *Result
	if _, flagged := s.clock.Press(slot.Color); flagged {
		// Sub-millisecond race between the precheck and the press: the move
		// stands in the record but the game ends on time.
		endStatus, endResult = s.timeoutOutcomeLocked(slot.Color)
	} else if applied.Classification.Terminal() {
		endStatus, endResult = s.classificationOutcomeLocked(applied.Classification)
	} else {
		s.scheduleFlagLocked()
	}

	whiteMs, blackMs := s.clock.Snapshot()
	event := arenadto.MoveMadeEvent{
		GameID:      s.ID,
		Position:    s.board.FEN(),
		WhiteTimeMs: whiteMs,
		BlackTimeMs: blackMs,
		Turn:        string(s.turnLocked()),
		MoveNumber:  len(s.movesUCI),
		LastMove:    applied.UCI,
	}
	if endResult != nil {
		event.GameResult = &arenadto.GameResult{Winner: string(endResult.Winner), Reason: endResult.Reason}
	}
	// The final move is announced before game_ended; clients never learn of
	// a move only from the terminal snapshot.
	s.broadcastLocked(arenadto.MustEnvelope(arenadto.TypeMoveMade, event))

	obslog.L().Info("session_move",
		zap.String("game_id", s.ID),
		zap.String("identity", identity),
		zap.String("uci", applied.UCI),
		zap.String("san", applied.SAN),
		zap.Int("move_number", len(s.movesUCI)),
		zap.String("classification", string(applied.Classification)),
	)
	if endResult != nil {
		s.endLocked(endStatus, endResult)
	}
	return nil
}

// Resign ends the game in the opponent's favor.
func (s *Session) Resign(identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusActive {
		return ErrGameNotActive
	}
	slot := s.slotOfLocked(identity)
	if slot == nil {
		return ErrNotParticipant
	}
	s.endLocked(StatusEndedResignation, &Result{Winner: slot.Color.Opponent(), Reason: "resignation"})
	return nil
}

// OfferDraw registers a draw offer. Offers do not persist across moves; a
// new one is required after each move.
func (s *Session) OfferDraw(identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusActive {
		return ErrGameNotActive
	}
	slot := s.slotOfLocked(identity)
	if slot == nil {
		return ErrNotParticipant
	}
	if s.drawOfferBy == slot.Color {
		return nil
	}
	s.drawOfferBy = slot.Color
	opp := s.opponentLocked(slot.Color)
	s.notifyLocked(opp.Identity, arenadto.MustEnvelope(arenadto.TypeDrawOffered, arenadto.DrawOfferedEvent{GameID: s.ID}))
	return nil
}

// RespondDraw accepts or declines the opponent's pending offer.
func (s *Session) RespondDraw(identity string, accept bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusActive {
		return ErrGameNotActive
	}
	slot := s.slotOfLocked(identity)
	if slot == nil {
		return ErrNotParticipant
	}
	if s.drawOfferBy == "" || s.drawOfferBy == slot.Color {
		return ErrNoDrawOffer
	}
	if accept {
		s.endLocked(StatusEndedDraw, &Result{Reason: "agreement"})
		return nil
	}
	offerer := s.drawOfferBy
	s.drawOfferBy = ""
	s.notifyLocked(s.slotByColorLocked(offerer).Identity,
		arenadto.MustEnvelope(arenadto.TypeDrawDeclined, arenadto.DrawDeclinedEvent{GameID: s.ID}))
	return nil
}

// Chat relays a message to the opponent. Simple relay only.
func (s *Session) Chat(identity, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot := s.slotOfLocked(identity)
	if slot == nil {
		return ErrNotParticipant
	}
	opp := s.opponentLocked(slot.Color)
	s.notifyLocked(opp.Identity, arenadto.MustEnvelope(arenadto.TypeChatMessage, arenadto.ChatMessageEvent{
		GameID:  s.ID,
		From:    slot.Name,
		Message: message,
	}))
	return nil
}

// CheckFlag is the on-demand expiry check: if the side to move is out of
// time, force the timeout transition. Safe to call from sweeps.
func (s *Session) CheckFlag() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkFlagLocked()
}

func (s *Session) checkFlagLocked() {
	if s.status != StatusActive {
		return
	}
	if color, expired := s.clock.Expired(); expired {
		s.timeoutLocked(color)
	} else {
		s.scheduleFlagLocked()
	}
}

// --- internals, all called with mu held ---

func (s *Session) slotOfLocked(identity string) *PlayerSlot {
	switch identity {
	case s.white.Identity:
		return s.white
	case s.black.Identity:
		return s.black
	}
	return nil
}

func (s *Session) slotByColorLocked(c rules.Color) *PlayerSlot {
	if c == rules.White {
		return s.white
	}
	return s.black
}

func (s *Session) opponentLocked(c rules.Color) *PlayerSlot {
	return s.slotByColorLocked(c.Opponent())
}

// turnLocked derives the side to move from move list parity: even means
// white.
func (s *Session) turnLocked() rules.Color {
	if len(s.movesUCI)%2 == 0 {
		return rules.White
	}
	return rules.Black
}

func (s *Session) startGraceLocked(c rules.Color) {
	s.cancelGraceLocked(c)
	s.graceTimers[c] = s.clk.AfterFunc(s.grace, func() {
		s.onGraceExpired(c)
	})
}

func (s *Session) cancelGraceLocked(c rules.Color) {
	if t, ok := s.graceTimers[c]; ok {
		t.Stop()
		delete(s.graceTimers, c)
	}
}

// onGraceExpired fires off the timer goroutine and funnels through the
// session lock. Once fired it is irrevocable.
func (s *Session) onGraceExpired(c rules.Color) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.Terminal() {
		return
	}
	slot := s.slotByColorLocked(c)
	if slot.Connected {
		return
	}
	res := &Result{Reason: "abandonment"}
	if s.opponentLocked(c).Connected {
		res.Winner = c.Opponent()
	}
	obslog.L().Info("session_abandoned",
		zap.String("game_id", s.ID),
		zap.String("absent", string(c)),
		zap.String("winner", string(res.Winner)),
	)
	s.endLocked(StatusEndedAbandoned, res)
}

// scheduleFlagLocked arms the flag timer for the side to move's remaining
// time. The callback re-checks under the lock; timers never mutate state
// directly.
func (s *Session) scheduleFlagLocked() {
	if s.flagTimer != nil {
		s.flagTimer.Stop()
	}
	remaining := s.clock.Remaining(s.turnLocked())
	s.flagTimer = s.clk.AfterFunc(time.Duration(remaining)*time.Millisecond+10*time.Millisecond, func() {
		s.CheckFlag()
	})
}

func (s *Session) timeoutLocked(flagged rules.Color) {
	s.endLocked(s.timeoutOutcomeLocked(flagged))
}

func (s *Session) timeoutOutcomeLocked(flagged rules.Color) (Status, *Result) {
	opp := flagged.Opponent()
	if !s.board.HasMatingMaterial(opp) {
		// No sequence of legal moves lets the opponent mate: a flag cannot
		// hand them a win they could never score over the board.
		return StatusEndedDraw, &Result{Reason: "timeout_insufficient_material"}
	}
	return StatusEndedTimeout, &Result{Winner: opp, Reason: "timeout"}
}

func (s *Session) classificationOutcomeLocked(class rules.Classification) (Status, *Result) {
	switch class {
	case rules.ClassCheckmate:
		return StatusEndedCheckmate, &Result{Winner: s.board.Winner(), Reason: "checkmate"}
	default:
		return StatusEndedDraw, &Result{Reason: string(class)}
	}
}

// endLocked performs the single terminal transition: stop the clock, tear
// down every timer handle, broadcast game_ended and hand off to the
// registry hook.
func (s *Session) endLocked(status Status, res *Result) {
	if s.status.Terminal() {
		return
	}
	s.status = status
	s.result = res
	s.endedAt = s.clk.Now()
	s.clock.Stop()
	if s.flagTimer != nil {
		s.flagTimer.Stop()
		s.flagTimer = nil
	}
	s.cancelGraceLocked(rules.White)
	s.cancelGraceLocked(rules.Black)
	s.drawOfferBy = ""

	s.broadcastLocked(arenadto.MustEnvelope(arenadto.TypeGameEnded, arenadto.GameEndedEvent{
		GameID: s.ID,
		Result: resultString(res),
		Reason: res.Reason,
	}))
	obslog.L().Info("session_ended",
		zap.String("game_id", s.ID),
		zap.String("status", string(status)),
		zap.String("winner", string(res.Winner)),
		zap.String("reason", res.Reason),
	)
	if s.onTerminal != nil {
		state := s.snapshotLocked()
		go s.onTerminal(s, state)
	}
}

func resultString(res *Result) string {
	switch res.Winner {
	case rules.White:
		return "white"
	case rules.Black:
		return "black"
	}
	return "draw"
}

func (s *Session) snapshotLocked() *arenadto.GameState {
	whiteMs, blackMs := s.clock.Snapshot()
	state := &arenadto.GameState{
		GameID:      s.ID,
		FEN:         s.board.FEN(),
		MovesUCI:    append([]string(nil), s.movesUCI...),
		MovesSAN:    append([]string(nil), s.movesSAN...),
		Turn:        string(s.turnLocked()),
		Status:      string(s.status),
		WhiteTimeMs: whiteMs,
		BlackTimeMs: blackMs,
		White:       arenadto.PlayerInfo{Name: s.white.Name, Rating: s.white.Rating, Connected: s.white.Connected},
		Black:       arenadto.PlayerInfo{Name: s.black.Name, Rating: s.black.Rating, Connected: s.black.Connected},
		CreatedAt:   s.createdAt,
		EndedAt:     s.endedAt,
	}
	if s.result != nil {
		state.Result = &arenadto.GameResult{Winner: string(s.result.Winner), Reason: s.result.Reason}
	}
	return state
}

func (s *Session) notifyLocked(identity string, env arenadto.Envelope) {
	if s.notify == nil {
		return
	}
	s.notify.Notify(identity, env)
}

func (s *Session) broadcastLocked(env arenadto.Envelope) {
	s.notifyLocked(s.white.Identity, env)
	s.notifyLocked(s.black.Identity, env)
}
