package matchmaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/park285/cheese-arena/internal/clock"
	"github.com/park285/cheese-arena/internal/obslog"
	"github.com/park285/cheese-arena/internal/session"
	"github.com/park285/cheese-arena/pkg/arenadto"
)

var (
	ErrAlreadyQueued = errors.New("player already queued")
	ErrAlreadyInGame = errors.New("player already in an active game")
)

// Ticket is one queued matchmaking request. Removed the instant it is
// paired or cancelled.
type Ticket struct {
	Identity   string
	Name       string
	Rating     int
	Control    clock.TimeControl
	Family     string
	EnqueuedAt time.Time
}

// Config tunes the fairness window and queue lifetime.
type Config struct {
	// InitialWindow is the starting ± rating tolerance.
	InitialWindow int
	// WindowDouble is how long a ticket waits before its window doubles.
	WindowDouble time.Duration
	// MaxWindow caps the widening.
	MaxWindow int
	// MaxWait expires tickets idle past it.
	MaxWait time.Duration
	// SweepInterval is the pairing/expiry retry cadence.
	SweepInterval time.Duration
}

func (c *Config) fill() {
	if c.InitialWindow <= 0 {
		c.InitialWindow = 50
	}
	if c.WindowDouble <= 0 {
		c.WindowDouble = 10 * time.Second
	}
	if c.MaxWindow <= 0 {
		c.MaxWindow = 800
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 2 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 2 * time.Second
	}
}

// Matchmaker pairs waiting tickets by closest rating within a time-control
// family. The queue is one shared resource: pairing is an atomic
// compare-and-remove-two, so every operation runs under one lock.
type Matchmaker struct {
	cfg      Config
	clk      clockwork.Clock
	registry *session.Registry
	notify   session.Notifier

	mu     sync.Mutex
	queues map[string][]*Ticket // family → FIFO of waiting tickets
}

func New(cfg Config, registry *session.Registry, notify session.Notifier, clk clockwork.Clock) *Matchmaker {
	cfg.fill()
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	return &Matchmaker{
		cfg:      cfg,
		clk:      clk,
		registry: registry,
		notify:   notify,
		queues:   make(map[string][]*Ticket),
	}
}

// Enqueue queues a ticket and attempts an immediate pairing. Players with a
// live game or a queued ticket are rejected.
func (m *Matchmaker) Enqueue(t *Ticket) error {
	if _, busy := m.registry.ActiveSession(t.Identity); busy {
		return ErrAlreadyInGame
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, q := range m.queues {
		for _, waiting := range q {
			if waiting.Identity == t.Identity {
				return ErrAlreadyQueued
			}
		}
	}
	t.EnqueuedAt = m.clk.Now()
	m.queues[t.Family] = append(m.queues[t.Family], t)
	obslog.L().Info("matchmaking_enqueue",
		zap.String("identity", t.Identity),
		zap.String("family", t.Family),
		zap.Int("rating", t.Rating),
	)
	m.pairFamilyLocked(t.Family)
	return nil
}

// Cancel removes the identity's queued ticket. Pre-pairing only: once
// paired the ticket is gone and only resignation ends the game.
func (m *Matchmaker) Cancel(identity string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for family, q := range m.queues {
		for i, t := range q {
			if t.Identity == identity {
				m.queues[family] = append(q[:i], q[i+1:]...)
				obslog.L().Info("matchmaking_cancel", zap.String("identity", identity))
				return true
			}
		}
	}
	return false
}

// Run sweeps the queue until the context ends: pairing is retried and
// expired tickets evicted opportunistically, not busy-looped.
func (m *Matchmaker) Run(ctx context.Context) {
	ticker := m.clk.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m.Sweep()
		}
	}
}

// Sweep retries pairing in every family and expires overdue tickets.
func (m *Matchmaker) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.Now()
	for family, q := range m.queues {
		kept := q[:0]
		for _, t := range q {
			if now.Sub(t.EnqueuedAt) >= m.cfg.MaxWait {
				obslog.L().Info("matchmaking_timeout", zap.String("identity", t.Identity), zap.String("family", family))
				m.notify.Notify(t.Identity, arenadto.MustEnvelope(arenadto.TypeMatchmakingTimeout, nil))
				continue
			}
			kept = append(kept, t)
		}
		m.queues[family] = kept
		m.pairFamilyLocked(family)
	}
}

// pairFamilyLocked repeatedly extracts the closest-rating pair whose
// mutual fairness windows overlap.
func (m *Matchmaker) pairFamilyLocked(family string) {
	for {
		q := m.queues[family]
		if len(q) < 2 {
			return
		}
		ai, bi := m.bestPairLocked(q)
		if ai < 0 {
			return
		}
		a, b := q[ai], q[bi]
		// remove the higher index first
		q = append(q[:bi], q[bi+1:]...)
		q = append(q[:ai], q[ai+1:]...)
		m.queues[family] = q
		m.startGame(a, b)
	}
}

// bestPairLocked returns the indices (ai < bi) of the closest-rating
// same-budget pair admissible under both tickets' windows, or (-1, -1).
func (m *Matchmaker) bestPairLocked(q []*Ticket) (int, int) {
	now := m.clk.Now()
	bestA, bestB, bestGap := -1, -1, 0
	for i := 0; i < len(q); i++ {
		for j := i + 1; j < len(q); j++ {
			// A family keeps kindred presets in one queue, but a pairing
			// only happens on the exact budget both asked for.
			if q[i].Control.InitialMs != q[j].Control.InitialMs ||
				q[i].Control.IncrementMs != q[j].Control.IncrementMs {
				continue
			}
			gap := q[i].Rating - q[j].Rating
			if gap < 0 {
				gap = -gap
			}
			if gap > m.window(q[i], now) || gap > m.window(q[j], now) {
				continue
			}
			if bestA < 0 || gap < bestGap {
				bestA, bestB, bestGap = i, j, gap
			}
		}
	}
	return bestA, bestB
}

// window widens with wait time: ±InitialWindow, doubling every WindowDouble
// up to MaxWindow.
func (m *Matchmaker) window(t *Ticket, now time.Time) int {
	w := m.cfg.InitialWindow
	waited := now.Sub(t.EnqueuedAt)
	for waited >= m.cfg.WindowDouble && w < m.cfg.MaxWindow {
		w *= 2
		waited -= m.cfg.WindowDouble
	}
	if w > m.cfg.MaxWindow {
		w = m.cfg.MaxWindow
	}
	return w
}

// startGame creates the session for a pairing and emits game_started to
// both players. Exactly one session per pairing: the registry refuses a
// double-issue, in which case both tickets are simply dropped.
func (m *Matchmaker) startGame(a, b *Ticket) {
	s, err := m.registry.Create(
		session.Seed{Identity: a.Identity, Name: a.Name, Rating: a.Rating},
		session.Seed{Identity: b.Identity, Name: b.Name, Rating: b.Rating},
		a.Control,
	)
	if err != nil {
		obslog.L().Warn("matchmaking_pair_rejected",
			zap.String("a", a.Identity),
			zap.String("b", b.Identity),
			zap.Error(err),
		)
		return
	}

	state := s.Snapshot()
	whiteID, blackID := s.Players()
	for _, p := range []struct {
		identity string
		color    string
		opponent arenadto.PlayerInfo
	}{
		{whiteID, "white", state.Black},
		{blackID, "black", state.White},
	} {
		m.notify.Notify(p.identity, arenadto.MustEnvelope(arenadto.TypeGameStarted, arenadto.GameStartedEvent{
			GameID:      s.ID,
			Color:       p.color,
			Opponent:    p.opponent,
			TimeControl: s.Control().String(),
		}))
	}
	obslog.L().Info("matchmaking_paired",
		zap.String("game_id", s.ID),
		zap.String("white", whiteID),
		zap.String("black", blackID),
		zap.String("family", a.Family),
	)
}
