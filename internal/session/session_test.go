package session

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/park285/cheese-arena/internal/clock"
	"github.com/park285/cheese-arena/internal/rules"
	"github.com/park285/cheese-arena/pkg/arenadto"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events map[string][]arenadto.Envelope
}

func (n *recordingNotifier) Notify(identity string, env arenadto.Envelope) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.events == nil {
		n.events = make(map[string][]arenadto.Envelope)
	}
	n.events[identity] = append(n.events[identity], env)
}

func (n *recordingNotifier) typesFor(identity string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, env := range n.events[identity] {
		out = append(out, env.Type)
	}
	return out
}

func (n *recordingNotifier) lastOf(identity, typ string) (arenadto.Envelope, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.events[identity]) - 1; i >= 0; i-- {
		if n.events[identity][i].Type == typ {
			return n.events[identity][i], true
		}
	}
	return arenadto.Envelope{}, false
}

func (n *recordingNotifier) countOf(identity, typ string) int {
	count := 0
	for _, got := range n.typesFor(identity) {
		if got == typ {
			count++
		}
	}
	return count
}

func newActiveSession(t *testing.T, control clock.TimeControl) (*Session, *recordingNotifier, *clockwork.FakeClock) {
	t.Helper()
	fc := clockwork.NewFakeClock()
	notify := &recordingNotifier{}
	s := New("game-1",
		Seed{Identity: "alice", Name: "Alice", Rating: 1500},
		Seed{Identity: "bob", Name: "Bob", Rating: 1480},
		control,
		Options{Grace: 30 * time.Second, Clock: fc, Notify: notify},
	)
	if _, _, err := s.Join("alice", "conn-a"); err != nil {
		t.Fatalf("alice join: %v", err)
	}
	if s.Status() != StatusWaiting {
		t.Fatalf("expected WAITING after first join, got %s", s.Status())
	}
	if _, _, err := s.Join("bob", "conn-b"); err != nil {
		t.Fatalf("bob join: %v", err)
	}
	if s.Status() != StatusActive {
		t.Fatalf("expected ACTIVE after both joins, got %s", s.Status())
	}
	return s, notify, fc
}

// waitStatus polls for timer-driven transitions, which fire on their own
// goroutines.
func waitStatus(t *testing.T, s *Session, want Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Status() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("status never reached %s, still %s", want, s.Status())
}

func blitz() clock.TimeControl {
	return clock.TimeControl{Name: "blitz", InitialMs: 180000, IncrementMs: 2000}
}

func TestJoinActivatesAndRefreshesFirstJoiner(t *testing.T) {
	_, notify, _ := newActiveSession(t, blitz())

	// Alice joined first and last saw WAITING; activation pushes a fresh
	// snapshot to her.
	if got := notify.countOf("alice", arenadto.TypeGameJoined); got != 1 {
		t.Fatalf("alice should get one game_joined refresh, got %d", got)
	}
	if got := notify.countOf("bob", arenadto.TypeGameJoined); got != 0 {
		t.Fatalf("bob gets his snapshot as the join reply, not a push; got %d", got)
	}
}

func TestJoinRejectsOutsiderAndDoubleJoin(t *testing.T) {
	s, _, _ := newActiveSession(t, blitz())

	if _, _, err := s.Join("mallory", "conn-m"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
	if _, _, err := s.Join("alice", "conn-a2"); !errors.Is(err, ErrAlreadyJoined) {
		t.Fatalf("expected ErrAlreadyJoined, got %v", err)
	}
}

func TestApplyMoveTurnOrder(t *testing.T) {
	s, notify, _ := newActiveSession(t, blitz())
	white, black := s.Players()

	if err := s.ApplyMove(black, rules.Move{From: "e7", To: "e5"}); !errors.Is(err, ErrNotYourTurn) {
		t.Fatalf("expected ErrNotYourTurn for black, got %v", err)
	}
	if err := s.ApplyMove(white, rules.Move{From: "e2", To: "e4"}); err != nil {
		t.Fatalf("white move: %v", err)
	}
	if err := s.ApplyMove(white, rules.Move{From: "d2", To: "d4"}); !errors.Is(err, ErrNotYourTurn) {
		t.Fatalf("expected ErrNotYourTurn for white double move, got %v", err)
	}
	if err := s.ApplyMove(black, rules.Move{From: "e7", To: "e5"}); err != nil {
		t.Fatalf("black move: %v", err)
	}

	// move_made broadcast to both per move
	if got := notify.countOf(white, arenadto.TypeMoveMade); got != 2 {
		t.Fatalf("white move_made count: %d", got)
	}
	if got := notify.countOf(black, arenadto.TypeMoveMade); got != 2 {
		t.Fatalf("black move_made count: %d", got)
	}
}

func TestApplyMoveRejectionLeavesStateUntouched(t *testing.T) {
	s, _, _ := newActiveSession(t, blitz())
	white, _ := s.Players()

	before := s.Snapshot()
	if err := s.ApplyMove(white, rules.Move{From: "e2", To: "e5"}); !errors.Is(err, rules.ErrIllegalMove) {
		t.Fatalf("expected ErrIllegalMove, got %v", err)
	}
	after := s.Snapshot()
	if after.FEN != before.FEN || len(after.MovesUCI) != 0 {
		t.Fatalf("rejected move mutated state: %+v", after)
	}
}

func TestCheckmateEndsSession(t *testing.T) {
	s, notify, _ := newActiveSession(t, blitz())
	white, black := s.Players()

	moves := []struct {
		who string
		uci string
	}{
		{white, "e2e4"}, {black, "e7e5"},
		{white, "f1c4"}, {black, "b8c6"},
		{white, "d1h5"}, {black, "g8f6"},
		{white, "h5f7"},
	}
	for _, m := range moves {
		if err := s.ApplyMove(m.who, rules.Move{From: m.uci[:2], To: m.uci[2:4]}); err != nil {
			t.Fatalf("ApplyMove %s: %v", m.uci, err)
		}
	}

	if s.Status() != StatusEndedCheckmate {
		t.Fatalf("expected ENDED_CHECKMATE, got %s", s.Status())
	}
	state := s.Snapshot()
	if state.Result == nil || state.Result.Winner != "white" || state.Result.Reason != "checkmate" {
		t.Fatalf("unexpected result: %+v", state.Result)
	}
	if got := notify.countOf(white, arenadto.TypeGameEnded); got != 1 {
		t.Fatalf("white game_ended count: %d", got)
	}
	if got := notify.countOf(black, arenadto.TypeGameEnded); got != 1 {
		t.Fatalf("black game_ended count: %d", got)
	}

	// Nothing works after the end.
	if err := s.ApplyMove(black, rules.Move{From: "e8", To: "f7"}); !errors.Is(err, ErrGameNotActive) {
		t.Fatalf("expected ErrGameNotActive after checkmate, got %v", err)
	}
	if err := s.Resign(white); !errors.Is(err, ErrGameNotActive) {
		t.Fatalf("expected ErrGameNotActive for resign, got %v", err)
	}
}

func TestResign(t *testing.T) {
	s, _, _ := newActiveSession(t, blitz())
	white, _ := s.Players()

	if err := s.Resign(white); err != nil {
		t.Fatalf("resign: %v", err)
	}
	if s.Status() != StatusEndedResignation {
		t.Fatalf("expected ENDED_RESIGNATION, got %s", s.Status())
	}
	state := s.Snapshot()
	if state.Result.Winner != "black" || state.Result.Reason != "resignation" {
		t.Fatalf("unexpected result: %+v", state.Result)
	}
}

func TestDrawOfferLifecycle(t *testing.T) {
	s, notify, _ := newActiveSession(t, blitz())
	white, black := s.Players()

	if err := s.RespondDraw(black, true); !errors.Is(err, ErrNoDrawOffer) {
		t.Fatalf("expected ErrNoDrawOffer, got %v", err)
	}
	if err := s.OfferDraw(white); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if got := notify.countOf(black, arenadto.TypeDrawOffered); got != 1 {
		t.Fatalf("black draw_offered count: %d", got)
	}
	// The offerer cannot answer their own offer.
	if err := s.RespondDraw(white, true); !errors.Is(err, ErrNoDrawOffer) {
		t.Fatalf("expected ErrNoDrawOffer for self-response, got %v", err)
	}

	if err := s.RespondDraw(black, false); err != nil {
		t.Fatalf("decline: %v", err)
	}
	if got := notify.countOf(white, arenadto.TypeDrawDeclined); got != 1 {
		t.Fatalf("white draw_declined count: %d", got)
	}
	if s.Status() != StatusActive {
		t.Fatalf("declined draw should not end the game")
	}

	// Offer again, accept this time.
	if err := s.OfferDraw(black); err != nil {
		t.Fatalf("offer 2: %v", err)
	}
	if err := s.RespondDraw(white, true); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if s.Status() != StatusEndedDraw {
		t.Fatalf("expected ENDED_DRAW, got %s", s.Status())
	}
	if s.Snapshot().Result.Reason != "agreement" {
		t.Fatalf("unexpected reason: %s", s.Snapshot().Result.Reason)
	}
}

func TestDrawOfferClearedByMove(t *testing.T) {
	s, _, _ := newActiveSession(t, blitz())
	white, black := s.Players()

	if err := s.OfferDraw(black); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if err := s.ApplyMove(white, rules.Move{From: "e2", To: "e4"}); err != nil {
		t.Fatalf("move: %v", err)
	}
	// The move voided the offer.
	if err := s.RespondDraw(white, true); !errors.Is(err, ErrNoDrawOffer) {
		t.Fatalf("expected ErrNoDrawOffer after move, got %v", err)
	}
}

func TestFlagFall(t *testing.T) {
	s, _, fc := newActiveSession(t, clock.TimeControl{InitialMs: 1000, IncrementMs: 0})

	fc.Advance(1100 * time.Millisecond)
	s.CheckFlag()

	if s.Status() != StatusEndedTimeout {
		t.Fatalf("expected ENDED_TIMEOUT, got %s", s.Status())
	}
	state := s.Snapshot()
	if state.Result.Winner != "black" || state.Result.Reason != "timeout" {
		t.Fatalf("unexpected result: %+v", state.Result)
	}
}

func TestMoveAfterFlagRejected(t *testing.T) {
	s, _, fc := newActiveSession(t, clock.TimeControl{InitialMs: 1000, IncrementMs: 0})
	white, _ := s.Players()

	fc.Advance(1100 * time.Millisecond)
	if err := s.ApplyMove(white, rules.Move{From: "e2", To: "e4"}); !errors.Is(err, ErrGameNotActive) {
		t.Fatalf("expected ErrGameNotActive for move after flag, got %v", err)
	}
	if s.Status() != StatusEndedTimeout {
		t.Fatalf("expected ENDED_TIMEOUT, got %s", s.Status())
	}
	if got := len(s.Snapshot().MovesUCI); got != 0 {
		t.Fatalf("no move should be recorded, got %d", got)
	}
}

func TestFinalMoveAnnouncedBeforeGameEnded(t *testing.T) {
	s, notify, _ := newActiveSession(t, blitz())
	white, black := s.Players()

	// Fool's mate: black delivers mate on move two.
	moves := []struct {
		who string
		uci string
	}{
		{white, "f2f3"}, {black, "e7e5"},
		{white, "g2g4"}, {black, "d8h4"},
	}
	for _, m := range moves {
		if err := s.ApplyMove(m.who, rules.Move{From: m.uci[:2], To: m.uci[2:4]}); err != nil {
			t.Fatalf("ApplyMove %s: %v", m.uci, err)
		}
	}

	// The mating move reaches both players before game_ended, carrying the
	// result itself.
	types := notify.typesFor(white)
	lastMove, ended := -1, -1
	for i, typ := range types {
		switch typ {
		case arenadto.TypeMoveMade:
			lastMove = i
		case arenadto.TypeGameEnded:
			ended = i
		}
	}
	if ended < 0 || lastMove < 0 || lastMove > ended {
		t.Fatalf("mating move announced after game_ended: %v", types)
	}
	env, ok := notify.lastOf(white, arenadto.TypeMoveMade)
	if !ok {
		t.Fatalf("no move_made recorded")
	}
	var ev arenadto.MoveMadeEvent
	if err := json.Unmarshal(env.Payload, &ev); err != nil {
		t.Fatalf("decode move_made: %v", err)
	}
	if ev.LastMove != "d8h4" {
		t.Fatalf("unexpected last move: %s", ev.LastMove)
	}
	if ev.GameResult == nil || ev.GameResult.Winner != "black" || ev.GameResult.Reason != "checkmate" {
		t.Fatalf("final move_made should carry the result: %+v", ev.GameResult)
	}
}

// steppingClock advances a fixed step on every reading, so consecutive
// observations inside a single call see time passing the way a loaded wall
// clock would.
type steppingClock struct {
	*clockwork.FakeClock
	step time.Duration
}

func (c *steppingClock) Now() time.Time {
	if c.step > 0 {
		c.FakeClock.Advance(c.step)
	}
	return c.FakeClock.Now()
}

func (c *steppingClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

func TestPressFlagRaceRecordsAndAnnouncesMove(t *testing.T) {
	sc := &steppingClock{FakeClock: clockwork.NewFakeClock()}
	notify := &recordingNotifier{}
	s := New("game-race",
		Seed{Identity: "alice", Name: "Alice", Rating: 1500},
		Seed{Identity: "bob", Name: "Bob", Rating: 1480},
		clock.TimeControl{InitialMs: 60000, IncrementMs: 0},
		Options{Grace: 30 * time.Second, Clock: sc, Notify: notify},
	)
	if _, _, err := s.Join("alice", "conn-a"); err != nil {
		t.Fatalf("alice join: %v", err)
	}
	if _, _, err := s.Join("bob", "conn-b"); err != nil {
		t.Fatalf("bob join: %v", err)
	}
	white, black := s.Players()

	// Each clock reading now jumps 25s: the pre-move check still sees time
	// on the clock, the press that lands the move does not. The move stands
	// in the record and the game ends on time.
	sc.step = 25 * time.Second
	if err := s.ApplyMove(white, rules.Move{From: "e2", To: "e4"}); err != nil {
		t.Fatalf("move during flag race: %v", err)
	}

	if s.Status() != StatusEndedTimeout {
		t.Fatalf("expected ENDED_TIMEOUT, got %s", s.Status())
	}
	state := s.Snapshot()
	if len(state.MovesUCI) != 1 || state.MovesUCI[0] != "e2e4" {
		t.Fatalf("racing move should stand in the record: %v", state.MovesUCI)
	}

	// The opponent sees the move itself, result attached, before game_ended.
	types := notify.typesFor(black)
	lastMove, ended := -1, -1
	for i, typ := range types {
		switch typ {
		case arenadto.TypeMoveMade:
			lastMove = i
		case arenadto.TypeGameEnded:
			ended = i
		}
	}
	if ended < 0 || lastMove < 0 || lastMove > ended {
		t.Fatalf("racing move announced after game_ended: %v", types)
	}
	env, _ := notify.lastOf(black, arenadto.TypeMoveMade)
	var ev arenadto.MoveMadeEvent
	if err := json.Unmarshal(env.Payload, &ev); err != nil {
		t.Fatalf("decode move_made: %v", err)
	}
	if ev.LastMove != "e2e4" {
		t.Fatalf("unexpected last move: %s", ev.LastMove)
	}
	if ev.GameResult == nil || ev.GameResult.Winner != "black" || ev.GameResult.Reason != "timeout" {
		t.Fatalf("final move_made should carry the timeout result: %+v", ev.GameResult)
	}
}

func TestDisconnectAndReconnectWithinGrace(t *testing.T) {
	s, notify, fc := newActiveSession(t, blitz())
	white, black := s.Players()

	s.MarkDisconnected(white, "conn-a")
	if got := notify.countOf(black, arenadto.TypeOpponentDisconnected); got != 1 {
		t.Fatalf("black opponent_disconnected count: %d", got)
	}

	// Clock keeps running through the disconnection.
	fc.Advance(10 * time.Second)
	state := s.Snapshot()
	if state.WhiteTimeMs != 170000 {
		t.Fatalf("white clock should keep running, got %d", state.WhiteTimeMs)
	}

	state, color, rebound, err := s.Reconnect(white, "conn-a2")
	if err != nil || !rebound {
		t.Fatalf("reconnect: rebound=%v err=%v", rebound, err)
	}
	if color != rules.White {
		t.Fatalf("unexpected color: %s", color)
	}
	if state.Status != string(StatusActive) {
		t.Fatalf("unexpected status: %s", state.Status)
	}
	if got := notify.countOf(black, arenadto.TypeOpponentReconnected); got != 1 {
		t.Fatalf("black opponent_reconnected count: %d", got)
	}

	// Grace timer was cancelled; advancing far past it must not abandon.
	fc.Advance(5 * time.Minute)
	time.Sleep(20 * time.Millisecond)
	if s.Status() == StatusEndedAbandoned {
		t.Fatalf("reconnected session was abandoned")
	}
}

func TestStaleDisconnectIgnoredAfterRebind(t *testing.T) {
	s, _, fc := newActiveSession(t, blitz())
	white, _ := s.Players()

	s.MarkDisconnected(white, "conn-a")
	if _, _, rebound, err := s.Reconnect(white, "conn-a2"); err != nil || !rebound {
		t.Fatalf("reconnect: %v", err)
	}

	// The old socket's teardown arrives late; it must not count.
	s.MarkDisconnected(white, "conn-a")
	fc.Advance(31 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if s.Status() != StatusActive {
		t.Fatalf("stale disconnect terminated the session: %s", s.Status())
	}
}

func TestGraceExpiryAbandonsWithWinner(t *testing.T) {
	s, _, fc := newActiveSession(t, blitz())
	white, _ := s.Players()

	s.MarkDisconnected(white, "conn-a")
	fc.Advance(31 * time.Second)
	waitStatus(t, s, StatusEndedAbandoned)

	state := s.Snapshot()
	if state.Result.Winner != "black" || state.Result.Reason != "abandonment" {
		t.Fatalf("unexpected result: %+v", state.Result)
	}
}

func TestBothDisconnectedAbandonsWithoutWinner(t *testing.T) {
	s, _, fc := newActiveSession(t, blitz())
	white, black := s.Players()

	s.MarkDisconnected(white, "conn-a")
	s.MarkDisconnected(black, "conn-b")
	fc.Advance(31 * time.Second)
	waitStatus(t, s, StatusEndedAbandoned)

	state := s.Snapshot()
	if state.Result.Winner != "" {
		t.Fatalf("expected no winner, got %q", state.Result.Winner)
	}
}

func TestJoinGraceAbandonsNoShow(t *testing.T) {
	fc := clockwork.NewFakeClock()
	notify := &recordingNotifier{}
	s := New("game-2",
		Seed{Identity: "alice", Name: "Alice", Rating: 1500},
		Seed{Identity: "bob", Name: "Bob", Rating: 1480},
		blitz(),
		Options{Grace: 30 * time.Second, Clock: fc, Notify: notify},
	)
	if _, _, err := s.Join("alice", "conn-a"); err != nil {
		t.Fatalf("join: %v", err)
	}

	// Bob never shows up; the joined player wins by abandonment.
	fc.Advance(31 * time.Second)
	waitStatus(t, s, StatusEndedAbandoned)
	state := s.Snapshot()
	if state.Result.Winner != "white" || state.Result.Reason != "abandonment" {
		t.Fatalf("unexpected result: %+v", state.Result)
	}
}

func TestReconnectTerminalSessionReturnsFinalState(t *testing.T) {
	s, _, _ := newActiveSession(t, blitz())
	white, _ := s.Players()

	if err := s.Resign(white); err != nil {
		t.Fatalf("resign: %v", err)
	}
	state, color, rebound, err := s.Reconnect(white, "conn-a3")
	if err != nil {
		t.Fatalf("reconnect after end: %v", err)
	}
	if rebound {
		t.Fatalf("terminal session must not rebind")
	}
	if color != rules.White {
		t.Fatalf("unexpected color: %s", color)
	}
	if state.Result == nil || state.Result.Reason != "resignation" {
		t.Fatalf("unexpected final state: %+v", state.Result)
	}
}

func TestReconnectBeforeJoinRejected(t *testing.T) {
	fc := clockwork.NewFakeClock()
	s := New("game-3",
		Seed{Identity: "alice", Name: "Alice", Rating: 1500},
		Seed{Identity: "bob", Name: "Bob", Rating: 1480},
		blitz(),
		Options{Grace: 30 * time.Second, Clock: fc, Notify: &recordingNotifier{}},
	)
	if _, _, _, err := s.Reconnect("alice", "conn-a"); !errors.Is(err, ErrGameNotActive) {
		t.Fatalf("expected ErrGameNotActive for reconnect-before-join, got %v", err)
	}
}

// setPosition swaps in a fixed board. Test-only shortcut for positions that
// would take dozens of moves to reach.
func setPosition(t *testing.T, s *Session, fen string) {
	t.Helper()
	board, err := rules.NewBoardFEN(fen)
	if err != nil {
		t.Fatalf("NewBoardFEN: %v", err)
	}
	s.mu.Lock()
	s.board = board
	s.mu.Unlock()
}

func TestTimeoutAgainstBareKingIsDraw(t *testing.T) {
	s, _, fc := newActiveSession(t, clock.TimeControl{InitialMs: 1000, IncrementMs: 0})

	// White to move with a queen, black down to a bare king. White flags:
	// black could never mate, so the flag is a draw, not a loss.
	setPosition(t, s, "8/8/4k3/8/8/4K3/4Q3/8 w - - 0 1")
	fc.Advance(1100 * time.Millisecond)
	s.CheckFlag()

	if s.Status() != StatusEndedDraw {
		t.Fatalf("expected ENDED_DRAW, got %s", s.Status())
	}
	if got := s.Snapshot().Result.Reason; got != "timeout_insufficient_material" {
		t.Fatalf("unexpected reason: %s", got)
	}
}

func TestTimeoutAgainstTwoKnightsIsLoss(t *testing.T) {
	s, _, fc := newActiveSession(t, clock.TimeControl{InitialMs: 1000, IncrementMs: 0})

	// Two knights can mate with cooperation, so the flag stands as a loss.
	setPosition(t, s, "8/8/2nnk3/8/8/4K3/8/8 w - - 0 1")
	fc.Advance(1100 * time.Millisecond)
	s.CheckFlag()

	if s.Status() != StatusEndedTimeout {
		t.Fatalf("expected ENDED_TIMEOUT, got %s", s.Status())
	}
	state := s.Snapshot()
	if state.Result.Winner != "black" || state.Result.Reason != "timeout" {
		t.Fatalf("unexpected result: %+v", state.Result)
	}
}

func TestChatRelaysToOpponentOnly(t *testing.T) {
	s, notify, _ := newActiveSession(t, blitz())
	white, black := s.Players()

	if err := s.Chat(white, "good luck"); err != nil {
		t.Fatalf("chat: %v", err)
	}
	if got := notify.countOf(black, arenadto.TypeChatMessage); got != 1 {
		t.Fatalf("black chat count: %d", got)
	}
	if got := notify.countOf(white, arenadto.TypeChatMessage); got != 0 {
		t.Fatalf("sender must not be echoed, got %d", got)
	}
	if err := s.Chat("mallory", "hi"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
}
