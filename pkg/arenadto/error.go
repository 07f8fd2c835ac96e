package arenadto

// Error codes carried in ErrorEvent. Each maps to one sentinel in the
// owning package; recovered locally and sent only to the offending client.
const (
	CodeValidation      = "validation"
	CodeIllegalMove     = "illegal_move"
	CodeNotYourTurn     = "not_your_turn"
	CodeGameNotFound    = "game_not_found"
	CodeGameNotActive   = "game_not_active"
	CodeAlreadyInGame   = "already_in_game"
	CodeAlreadyQueued   = "already_queued"
	CodeStaleConnection = "stale_connection"
	CodeUnauthenticated = "unauthenticated"
	CodeInternal        = "internal"
)

type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// State carries the authoritative game state on rejections that leave
	// the client's local view suspect (e.g. an illegal move), so it can
	// resync without diffing.
	State *GameState `json:"state,omitempty"`
}
