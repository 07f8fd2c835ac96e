package clock

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/park285/cheese-arena/internal/rules"
)

// TimeControl is the per-game budget in milliseconds.
type TimeControl struct {
	Name        string `json:"name,omitempty"`
	InitialMs   int64  `json:"initialMs"`
	IncrementMs int64  `json:"incrementMs"`
}

// String renders "initial+increment" in seconds, e.g. "180+2".
func (tc TimeControl) String() string {
	return fmt.Sprintf("%d+%d", tc.InitialMs/1000, tc.IncrementMs/1000)
}

// Parse reads "initial+increment" seconds notation.
func Parse(s string) (TimeControl, error) {
	parts := strings.SplitN(strings.TrimSpace(s), "+", 2)
	if len(parts) != 2 {
		return TimeControl{}, fmt.Errorf("invalid time control %q", s)
	}
	initial, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil || initial <= 0 {
		return TimeControl{}, fmt.Errorf("invalid time control %q", s)
	}
	increment, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil || increment < 0 {
		return TimeControl{}, fmt.Errorf("invalid time control %q", s)
	}
	return TimeControl{InitialMs: initial * 1000, IncrementMs: increment * 1000}, nil
}

// Clock is a dual countdown for one game. Remaining time for the running
// side is always derived from the absolute timestamp of the last press, so
// correctness survives process pauses. Not safe for concurrent use; the
// owning session serializes access.
type Clock struct {
	clk clockwork.Clock

	control   TimeControl
	whiteMs   int64
	blackMs   int64
	running   rules.Color // "" while stopped
	lastStamp time.Time
}

func New(control TimeControl, clk clockwork.Clock) *Clock {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	return &Clock{
		clk:     clk,
		control: control,
		whiteMs: control.InitialMs,
		blackMs: control.InitialMs,
	}
}

func (c *Clock) Control() TimeControl { return c.control }

// Start begins the countdown for the side to move. No-op when running.
func (c *Clock) Start(turn rules.Color) {
	if c.running != "" {
		return
	}
	c.running = turn
	c.lastStamp = c.clk.Now()
}

// Stop freezes both sides, banking the running side's elapsed time.
func (c *Clock) Stop() {
	if c.running == "" {
		return
	}
	c.debit(c.running)
	c.running = ""
}

// Remaining reports a side's time with the running side's elapsed debited
// on the fly. Never negative.
func (c *Clock) Remaining(color rules.Color) int64 {
	ms := c.banked(color)
	if c.running == color {
		ms -= c.clk.Since(c.lastStamp).Milliseconds()
	}
	if ms < 0 {
		ms = 0
	}
	return ms
}

// Snapshot returns both remaining times.
func (c *Clock) Snapshot() (whiteMs, blackMs int64) {
	return c.Remaining(rules.White), c.Remaining(rules.Black)
}

// Expired reports the running side if its time is gone.
func (c *Clock) Expired() (rules.Color, bool) {
	if c.running == "" {
		return "", false
	}
	if c.Remaining(c.running) <= 0 {
		return c.running, true
	}
	return "", false
}

// Press records the mover completing a move: debit wall-clock elapsed,
// credit the increment, hand the countdown to the opponent. When the debit
// exhausted the budget the press is an expiry, not a move — no increment,
// no handover.
func (c *Clock) Press(mover rules.Color) (remainingMs int64, expired bool) {
	if c.running != mover {
		return c.banked(mover), false
	}
	left := c.debit(mover)
	if left <= 0 {
		c.running = ""
		return 0, true
	}
	left = c.credit(mover, c.control.IncrementMs)
	c.running = mover.Opponent()
	return left, false
}

func (c *Clock) banked(color rules.Color) int64 {
	if color == rules.White {
		return c.whiteMs
	}
	return c.blackMs
}

func (c *Clock) debit(color rules.Color) int64 {
	now := c.clk.Now()
	elapsed := now.Sub(c.lastStamp).Milliseconds()
	c.lastStamp = now
	return c.credit(color, -elapsed)
}

func (c *Clock) credit(color rules.Color, deltaMs int64) int64 {
	if color == rules.White {
		c.whiteMs += deltaMs
		if c.whiteMs < 0 {
			c.whiteMs = 0
		}
		return c.whiteMs
	}
	c.blackMs += deltaMs
	if c.blackMs < 0 {
		c.blackMs = 0
	}
	return c.blackMs
}
