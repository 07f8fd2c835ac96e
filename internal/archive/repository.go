package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/park285/cheese-arena/pkg/arenadto"
)

// Repository stores completed-game rows in Postgres, with a PGN rendering
// for export.
type Repository struct {
	db *sql.DB
}

func NewRepository(databaseURL string) (*Repository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// SaveResult upserts one terminal game.
func (r *Repository) SaveResult(ctx context.Context, state *arenadto.GameState) error {
	if r == nil || r.db == nil || state == nil {
		return nil
	}

	result, reason := "", ""
	if state.Result != nil {
		result = resultToken(state.Result.Winner)
		reason = state.Result.Reason
	}
	pgn := buildPGN(state, mapResultToPGN(result), reason)

	movesUCIRaw, _ := json.Marshal(state.MovesUCI)
	movesSANRaw, _ := json.Marshal(state.MovesSAN)
	endedAt := state.EndedAt
	if endedAt.IsZero() {
		endedAt = time.Now()
	}
	duration := endedAt.Sub(state.CreatedAt).Milliseconds()
	if duration < 0 {
		duration = 0
	}

	q := `INSERT INTO arena_games (
        game_id, white_name, black_name,
        result, result_reason, moves_uci, moves_san, pgn,
        started_at, ended_at, duration_ms
      ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
      ) ON CONFLICT (game_id) DO UPDATE SET
        white_name=EXCLUDED.white_name,
        black_name=EXCLUDED.black_name,
        result=EXCLUDED.result,
        result_reason=EXCLUDED.result_reason,
        moves_uci=EXCLUDED.moves_uci,
        moves_san=EXCLUDED.moves_san,
        pgn=EXCLUDED.pgn,
        started_at=EXCLUDED.started_at,
        ended_at=EXCLUDED.ended_at,
        duration_ms=EXCLUDED.duration_ms`

	_, err := r.db.ExecContext(ctx, q,
		state.GameID,
		state.White.Name, state.Black.Name,
		result, strings.TrimSpace(reason), string(movesUCIRaw), string(movesSANRaw), pgn,
		state.CreatedAt, endedAt, duration,
	)
	return err
}

func resultToken(winner string) string {
	switch strings.ToLower(strings.TrimSpace(winner)) {
	case "white":
		return "white"
	case "black":
		return "black"
	default:
		return "draw"
	}
}

func mapResultToPGN(result string) string {
	switch result {
	case "white":
		return "1-0"
	case "black":
		return "0-1"
	case "draw":
		return "1/2-1/2"
	default:
		return "*"
	}
}

func buildPGN(state *arenadto.GameState, pgnResult, reason string) string {
	if state == nil {
		return ""
	}
	var b strings.Builder
	date := state.EndedAt
	if date.IsZero() {
		date = time.Now()
	}
	b.WriteString("[Event \"Arena\"]\n")
	b.WriteString("[Site \"cheese-arena\"]\n")
	b.WriteString(fmt.Sprintf("[Date \"%04d.%02d.%02d\"]\n", date.Year(), int(date.Month()), date.Day()))
	b.WriteString(fmt.Sprintf("[White \"%s\"]\n", sanitizePGN(state.White.Name)))
	b.WriteString(fmt.Sprintf("[Black \"%s\"]\n", sanitizePGN(state.Black.Name)))
	if strings.TrimSpace(reason) != "" {
		b.WriteString(fmt.Sprintf("[Termination \"%s\"]\n", sanitizePGN(strings.ToLower(reason))))
	}
	b.WriteString(fmt.Sprintf("[Result \"%s\"]\n\n", pgnResult))

	for i := 0; i < len(state.MovesSAN); i += 2 {
		turn := (i / 2) + 1
		b.WriteString(fmt.Sprintf("%d. %s", turn, strings.TrimSpace(state.MovesSAN[i])))
		if i+1 < len(state.MovesSAN) {
			b.WriteString(" ")
			b.WriteString(strings.TrimSpace(state.MovesSAN[i+1]))
		}
		b.WriteString(" ")
	}
	b.WriteString(pgnResult)
	return b.String()
}

func sanitizePGN(s string) string {
	s = strings.ReplaceAll(s, "\\", " ")
	s = strings.ReplaceAll(s, "\"", "'")
	return strings.TrimSpace(s)
}
