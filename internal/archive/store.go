package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/cheese-arena/internal/obslog"
	"github.com/park285/cheese-arena/pkg/arenadto"
)

// Store keeps terminal game states in Redis so a completed game's final
// move list and result survive a process restart. In-flight sessions are
// deliberately not persisted.
type Store struct {
	rdb  *redis.Client
	ttl  time.Duration
	repo *Repository
}

func NewStore(redisURL string, ttl time.Duration) (*Store, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("REDIS_URL required for archive store")
	}
	opts, err := parseRedisURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{rdb: rdb, ttl: ttl}, nil
}

func (s *Store) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

// AttachRepository wires a database repository for long-term result rows.
func (s *Store) AttachRepository(r *Repository) {
	if s != nil {
		s.repo = r
	}
}

// SaveFinal writes the terminal state under its game id and, when a
// repository is attached, upserts the result row as well.
func (s *Store) SaveFinal(ctx context.Context, state *arenadto.GameState) error {
	if s == nil || s.rdb == nil || state == nil {
		return nil
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal final state: %w", err)
	}
	if err := s.rdb.Set(ctx, finalKey(state.GameID), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("store final state: %w", err)
	}
	if s.repo != nil {
		if err := s.repo.SaveResult(ctx, state); err != nil {
			obslog.L().Error("archive_repo_error", zap.String("game_id", state.GameID), zap.Error(err))
		}
	}
	obslog.L().Info("archive_final",
		zap.String("game_id", state.GameID),
		zap.String("status", state.Status),
		zap.Int("moves", len(state.MovesUCI)),
	)
	return nil
}

// LoadFinal returns the archived terminal state, or nil when unknown.
func (s *Store) LoadFinal(ctx context.Context, gameID string) (*arenadto.GameState, error) {
	if s == nil || s.rdb == nil {
		return nil, nil
	}
	raw, err := s.rdb.Get(ctx, finalKey(gameID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var state arenadto.GameState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decode final state: %w", err)
	}
	return &state, nil
}

func finalKey(id string) string { return "arena:final:" + strings.TrimSpace(id) }

func parseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			db = n
		}
	}
	pass, _ := u.User.Password()
	return &redis.Options{Addr: u.Host, Password: pass, DB: db}, nil
}
