package session

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/park285/cheese-arena/internal/clock"
	"github.com/park285/cheese-arena/internal/obslog"
	"github.com/park285/cheese-arena/pkg/arenadto"
)

var (
	ErrGameNotFound  = errors.New("game not found")
	ErrAlreadyInGame = errors.New("player already in an active game")
)

// Archiver persists terminal game states and serves them back after the
// live session is evicted. Optional; a nil archiver only loses late
// replays.
type Archiver interface {
	SaveFinal(ctx context.Context, state *arenadto.GameState) error
	LoadFinal(ctx context.Context, gameID string) (*arenadto.GameState, error)
}

// RegistryConfig tunes session creation and retention.
type RegistryConfig struct {
	Grace     time.Duration
	Retention time.Duration
}

// Registry owns every live session: create-once per pairing, lookup,
// identity→session index and retain-then-evict on terminal transition.
type Registry struct {
	clk     clockwork.Clock
	notify  Notifier
	archive Archiver
	cfg     RegistryConfig

	mu          sync.RWMutex
	sessions    map[string]*Session
	byIdentity  map[string]string
	evictTimers map[string]clockwork.Timer
}

func NewRegistry(cfg RegistryConfig, notify Notifier, archive Archiver, clk clockwork.Clock) *Registry {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 5 * time.Minute
	}
	return &Registry{
		clk:         clk,
		notify:      notify,
		archive:     archive,
		cfg:         cfg,
		sessions:    make(map[string]*Session),
		byIdentity:  make(map[string]string),
		evictTimers: make(map[string]clockwork.Timer),
	}
}

// Create builds exactly one session for a pairing, with colors assigned at
// random. Fails when either player is already indexed to a live game, so a
// pairing event can never double-issue.
func (r *Registry) Create(a, b Seed, control clock.TimeControl) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, busy := r.byIdentity[a.Identity]; busy {
		return nil, ErrAlreadyInGame
	}
	if _, busy := r.byIdentity[b.Identity]; busy {
		return nil, ErrAlreadyInGame
	}

	whiteSeed, blackSeed := a, b
	if n, err := rand.Int(rand.Reader, big.NewInt(2)); err == nil && n.Int64() == 0 {
		whiteSeed, blackSeed = b, a
	}

	id := uuid.NewString()
	s := New(id, whiteSeed, blackSeed, control, Options{
		Grace:      r.cfg.Grace,
		Clock:      r.clk,
		Notify:     r.notify,
		OnTerminal: r.handleTerminal,
	})
	r.sessions[id] = s
	r.byIdentity[a.Identity] = id
	r.byIdentity[b.Identity] = id

	obslog.L().Info("session_create",
		zap.String("game_id", id),
		zap.String("white", whiteSeed.Identity),
		zap.String("black", blackSeed.Identity),
		zap.String("time_control", control.String()),
	)
	return s, nil
}

// Get returns a live session.
func (r *Registry) Get(gameID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[gameID]
	return s, ok
}

// ActiveSession returns the live session the identity is bound to, if any.
func (r *Registry) ActiveSession(identity string) (*Session, bool) {
	r.mu.RLock()
	id, ok := r.byIdentity[identity]
	if !ok {
		r.mu.RUnlock()
		return nil, false
	}
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	return s, ok
}

// FetchState resolves a game id to its state: live sessions first, then
// the archive, so a late reconnect can still fetch the final result.
func (r *Registry) FetchState(ctx context.Context, gameID string) (*arenadto.GameState, error) {
	if s, ok := r.Get(gameID); ok {
		return s.Snapshot(), nil
	}
	if r.archive != nil {
		state, err := r.archive.LoadFinal(ctx, gameID)
		if err != nil {
			return nil, err
		}
		if state != nil {
			return state, nil
		}
	}
	return nil, ErrGameNotFound
}

// handleTerminal runs once per session, off the session lock: free the
// players for matchmaking, archive the result and schedule eviction so late
// reconnects can still fetch the outcome during retention.
func (r *Registry) handleTerminal(s *Session, state *arenadto.GameState) {
	white, black := s.Players()

	r.mu.Lock()
	if r.byIdentity[white] == s.ID {
		delete(r.byIdentity, white)
	}
	if r.byIdentity[black] == s.ID {
		delete(r.byIdentity, black)
	}
	r.evictTimers[s.ID] = r.clk.AfterFunc(r.cfg.Retention, func() {
		r.evict(s.ID)
	})
	r.mu.Unlock()

	if r.archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.archive.SaveFinal(ctx, state); err != nil {
		obslog.L().Error("session_archive_error", zap.String("game_id", s.ID), zap.Error(err))
	}
}

func (r *Registry) evict(gameID string) {
	r.mu.Lock()
	delete(r.sessions, gameID)
	if t, ok := r.evictTimers[gameID]; ok {
		t.Stop()
		delete(r.evictTimers, gameID)
	}
	r.mu.Unlock()
	obslog.L().Info("session_evict", zap.String("game_id", gameID))
}

// Close stops every eviction timer. Live sessions are abandoned by process
// exit; in-flight games are not durable by design.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.evictTimers {
		t.Stop()
		delete(r.evictTimers, id)
	}
}
