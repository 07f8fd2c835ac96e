package arenadto

// Move is a square-to-square move spec. Promotion is one of "q", "r", "b",
// "n" when set.
type Move struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion,omitempty"`
}

type AuthenticateRequest struct {
	Token string `json:"token"`
}

type JoinMatchmakingRequest struct {
	// TimeControl is a catalog preset name ("blitz") or "initial+increment"
	// seconds notation ("180+2").
	TimeControl string `json:"timeControl"`
}

type JoinGameRequest struct {
	GameID string `json:"gameId"`
}

type ReconnectToGameRequest struct {
	GameID string `json:"gameId"`
}

type MakeMoveRequest struct {
	GameID string `json:"gameId"`
	Move   Move   `json:"move"`
	// TimeLeft is the client's displayed clock in ms. Cosmetic only; the
	// server clock is authoritative.
	TimeLeft int64 `json:"timeLeft,omitempty"`
}

type ResignRequest struct {
	GameID string `json:"gameId"`
}

type OfferDrawRequest struct {
	GameID string `json:"gameId"`
}

type RespondDrawRequest struct {
	GameID string `json:"gameId"`
	Accept bool   `json:"accept"`
}

type ChatMessageRequest struct {
	GameID  string `json:"gameId"`
	Message string `json:"message"`
}
