package arenadto

import "time"

// PlayerInfo is the per-slot view included in snapshots.
type PlayerInfo struct {
	Name      string `json:"name"`
	Rating    int    `json:"rating"`
	Connected bool   `json:"connected"`
}

// GameState is the full snapshot a client needs to resume without diffing.
type GameState struct {
	GameID      string      `json:"gameId"`
	FEN         string      `json:"fen"`
	MovesUCI    []string    `json:"movesUci"`
	MovesSAN    []string    `json:"movesSan"`
	Turn        string      `json:"turn"`
	Status      string      `json:"status"`
	WhiteTimeMs int64       `json:"whiteTimeMs"`
	BlackTimeMs int64       `json:"blackTimeMs"`
	White       PlayerInfo  `json:"white"`
	Black       PlayerInfo  `json:"black"`
	Result      *GameResult `json:"result,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	EndedAt     time.Time   `json:"endedAt,omitzero"`
}

// GameResult reports how a terminal game ended. Winner is "white", "black"
// or "" for drawn/abandoned-without-winner outcomes.
type GameResult struct {
	Winner string `json:"winner"`
	Reason string `json:"reason"`
}

type AuthenticatedEvent struct {
	Identity string `json:"identity"`
	Name     string `json:"name"`
	Rating   int    `json:"rating"`
}

type GameStartedEvent struct {
	GameID      string     `json:"gameId"`
	Color       string     `json:"color"`
	Opponent    PlayerInfo `json:"opponent"`
	TimeControl string     `json:"timeControl"`
}

type GameJoinedEvent struct {
	Success     bool       `json:"success"`
	GameState   *GameState `json:"gameState,omitempty"`
	PlayerColor string     `json:"playerColor,omitempty"`
}

type GameRejoinedEvent struct {
	Success     bool       `json:"success"`
	GameState   *GameState `json:"gameState,omitempty"`
	PlayerColor string     `json:"playerColor,omitempty"`
}

type MoveMadeEvent struct {
	GameID      string      `json:"gameId"`
	Position    string      `json:"position"` // FEN after the move
	WhiteTimeMs int64       `json:"whiteTimeMs"`
	BlackTimeMs int64       `json:"blackTimeMs"`
	Turn        string      `json:"turn"`
	MoveNumber  int         `json:"moveNumber"`
	LastMove    string      `json:"lastMove"` // UCI
	GameResult  *GameResult `json:"gameResult,omitempty"`
}

type GameEndedEvent struct {
	GameID string `json:"gameId"`
	Result string `json:"result"` // "white" | "black" | "draw"
	Reason string `json:"reason"`
}

type OpponentDisconnectedEvent struct {
	GameID  string `json:"gameId"`
	GraceMs int64  `json:"graceMs"`
}

type OpponentReconnectedEvent struct {
	GameID string `json:"gameId"`
}

type DrawOfferedEvent struct {
	GameID string `json:"gameId"`
}

type DrawDeclinedEvent struct {
	GameID string `json:"gameId"`
}

type JoinGameErrorEvent struct {
	GameID string `json:"gameId"`
	Reason string `json:"reason"`
}

type MatchmakingQueuedEvent struct {
	TimeControl string `json:"timeControl"`
}

type ChatMessageEvent struct {
	GameID  string `json:"gameId"`
	From    string `json:"from"`
	Message string `json:"message"`
}
