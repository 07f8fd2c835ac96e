package rules

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	nchess "github.com/corentings/chess/v2"
)

// The adapter is the only package that touches the chess library. Sessions
// sequence calls into it and never reimplement legality.

var (
	ErrInvalidSyntax = errors.New("malformed move")
	ErrIllegalMove   = errors.New("illegal move")
)

// Color identifies a chess side.
type Color string

const (
	White Color = "white"
	Black Color = "black"
)

func (c Color) Opponent() Color {
	if c == White {
		return Black
	}
	return White
}

// Classification of the position after the latest move.
type Classification string

const (
	ClassNormal               Classification = "normal"
	ClassCheck                Classification = "check"
	ClassCheckmate            Classification = "checkmate"
	ClassStalemate            Classification = "stalemate"
	ClassInsufficientMaterial Classification = "insufficient_material"
	ClassThreefold            Classification = "threefold"
	ClassFiftyMove            Classification = "fifty_move"
)

// Terminal reports whether no further moves can follow.
func (c Classification) Terminal() bool {
	switch c {
	case ClassCheckmate, ClassStalemate, ClassInsufficientMaterial, ClassThreefold, ClassFiftyMove:
		return true
	}
	return false
}

// Move is a square-to-square move spec. Promotion is "q", "r", "b" or "n".
type Move struct {
	From      string
	To        string
	Promotion string
}

var squareRe = regexp.MustCompile(`^[a-h][1-8]$`)

// UCI returns the move in coordinate notation, or an error when the input is
// not even well-formed (legality is a separate question).
func (m Move) UCI() (string, error) {
	from := strings.ToLower(strings.TrimSpace(m.From))
	to := strings.ToLower(strings.TrimSpace(m.To))
	promo := strings.ToLower(strings.TrimSpace(m.Promotion))
	if !squareRe.MatchString(from) || !squareRe.MatchString(to) {
		return "", fmt.Errorf("%w: %q-%q", ErrInvalidSyntax, m.From, m.To)
	}
	switch promo {
	case "", "q", "r", "b", "n":
	default:
		return "", fmt.Errorf("%w: promotion %q", ErrInvalidSyntax, m.Promotion)
	}
	return from + to + promo, nil
}

// Board is the authoritative position for one session. Not safe for
// concurrent use; callers serialize access.
type Board struct {
	game *nchess.Game
}

func NewBoard() *Board {
	return &Board{game: nchess.NewGame()}
}

// NewBoardFEN builds a board from an arbitrary FEN position.
func NewBoardFEN(fen string) (*Board, error) {
	option, err := nchess.FEN(fen)
	if err != nil {
		return nil, fmt.Errorf("parse fen %q: %w", fen, err)
	}
	return &Board{game: nchess.NewGame(option)}, nil
}

// Replay rebuilds a board by applying stored UCI moves from the start
// position. Used when restoring archived games.
func Replay(movesUCI []string) (*Board, error) {
	game := nchess.NewGame()
	for i, mv := range movesUCI {
		if err := game.PushNotationMove(mv, nchess.UCINotation{}, nil); err != nil {
			return nil, fmt.Errorf("replay move %d (%s): %w", i+1, mv, err)
		}
	}
	return &Board{game: game}, nil
}

func (b *Board) FEN() string {
	return b.game.FEN()
}

// PGN returns the library's PGN rendering of the game so far.
func (b *Board) PGN() string {
	return b.game.String()
}

func (b *Board) SideToMove() Color {
	if b.game.Position().Turn() == nchess.White {
		return White
	}
	return Black
}

// LegalMoves lists every legal move from the current position in UCI.
func (b *Board) LegalMoves() []string {
	valid := b.game.ValidMoves()
	out := make([]string, 0, len(valid))
	notation := nchess.UCINotation{}
	pos := b.game.Position()
	for i := range valid {
		out = append(out, strings.ToLower(notation.Encode(pos, &valid[i])))
	}
	return out
}

// Applied describes a committed move.
type Applied struct {
	UCI            string
	SAN            string
	Classification Classification
}

// Apply validates the move against the current position and commits it. The
// trial runs on a clone; the live game is swapped in only on success, so a
// rejected move leaves the board byte-for-byte unchanged.
func (b *Board) Apply(m Move) (*Applied, error) {
	uci, err := m.UCI()
	if err != nil {
		return nil, err
	}

	trial := b.game.Clone()
	pos := trial.Position()
	notationUCI := nchess.UCINotation{}
	mv, err := notationUCI.Decode(pos, uci)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrIllegalMove, uci)
	}
	san := nchess.AlgebraicNotation{}.Encode(pos, mv)
	if err := trial.Move(mv, nil); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrIllegalMove, uci)
	}
	claimEligibleDraw(trial)

	b.game = trial
	return &Applied{UCI: uci, SAN: san, Classification: classify(trial, mv)}, nil
}

// Classify reports the state of the current position.
func (b *Board) Classify() Classification {
	return classify(b.game, lastMove(b.game))
}

// claimEligibleDraw claims threefold/fifty-move draws on the server's
// behalf; there is no claim protocol on the wire.
func claimEligibleDraw(game *nchess.Game) {
	for _, method := range game.EligibleDraws() {
		switch method {
		case nchess.ThreefoldRepetition, nchess.FiftyMoveRule:
			_ = game.Draw(method)
			return
		}
	}
}

func classify(game *nchess.Game, mv *nchess.Move) Classification {
	if game.Outcome() != nchess.NoOutcome {
		switch game.Method() {
		case nchess.Checkmate:
			return ClassCheckmate
		case nchess.Stalemate:
			return ClassStalemate
		case nchess.InsufficientMaterial:
			return ClassInsufficientMaterial
		case nchess.ThreefoldRepetition, nchess.FivefoldRepetition:
			return ClassThreefold
		case nchess.FiftyMoveRule, nchess.SeventyFiveMoveRule:
			return ClassFiftyMove
		}
	}
	if mv != nil && mv.HasTag(nchess.Check) {
		return ClassCheck
	}
	return ClassNormal
}

func lastMove(game *nchess.Game) *nchess.Move {
	moves := game.Moves()
	if len(moves) == 0 {
		return nil
	}
	return moves[len(moves)-1]
}

// Winner returns the winning color for a terminal classification reached by
// play ("" when drawn). Only meaningful after Classify reports terminal.
func (b *Board) Winner() Color {
	switch b.game.Outcome() {
	case nchess.WhiteWon:
		return White
	case nchess.BlackWon:
		return Black
	}
	return ""
}

// HasMatingMaterial reports whether the side could still deliver checkmate
// by some legal sequence. A bare king, king+bishop and king+knight cannot;
// two knights can (a helpmate exists), which settles flag adjudication.
func (b *Board) HasMatingMaterial(c Color) bool {
	color := nchess.White
	if c == Black {
		color = nchess.Black
	}
	board := b.game.Position().Board()
	minors := 0
	for file := nchess.FileA; file <= nchess.FileH; file++ {
		for rank := nchess.Rank1; rank <= nchess.Rank8; rank++ {
			piece := board.Piece(nchess.NewSquare(file, rank))
			if piece == nchess.NoPiece || piece.Color() != color {
				continue
			}
			switch piece.Type() {
			case nchess.Pawn, nchess.Rook, nchess.Queen:
				return true
			case nchess.Bishop, nchess.Knight:
				minors++
			}
		}
	}
	return minors >= 2
}
