// Package board reads FEN piece placements. It knows just enough about the
// board to sanity-check a move's origin square and to score how busy a
// position is; it is not a move generator.
package board

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/ChuLiYu/plysync/pkg/types"
)

var (
	ErrBadPlacement  = errors.New("board: malformed piece placement")
	ErrMalformedMove = errors.New("board: malformed move")
	ErrEmptyOrigin   = errors.New("board: origin square is empty")
	ErrWrongSide     = errors.New("board: piece does not belong to side to move")
)

// Grid holds pieces indexed [rank][file], rank 0 = rank 1, file 0 = file a.
// Empty squares are 0.
type Grid [8][8]byte

// Parse decodes the placement field of a FEN string. Extra FEN fields after a
// space are ignored.
func Parse(placement string) (Grid, error) {
	var g Grid
	if i := strings.IndexByte(placement, ' '); i >= 0 {
		placement = placement[:i]
	}
	rows := strings.Split(placement, "/")
	if len(rows) != 8 {
		return g, fmt.Errorf("%w: %d ranks", ErrBadPlacement, len(rows))
	}
	for i, row := range rows {
		rank := 7 - i // FEN lists rank 8 first
		file := 0
		for _, ch := range row {
			switch {
			case ch >= '1' && ch <= '8':
				file += int(ch - '0')
			case strings.ContainsRune("pnbrqkPNBRQK", ch):
				if file > 7 {
					return g, fmt.Errorf("%w: rank %d overflows", ErrBadPlacement, rank+1)
				}
				g[rank][file] = byte(ch)
				file++
			default:
				return g, fmt.Errorf("%w: unexpected %q", ErrBadPlacement, ch)
			}
		}
		if file != 8 {
			return g, fmt.Errorf("%w: rank %d has %d files", ErrBadPlacement, rank+1, file)
		}
	}
	return g, nil
}

// PieceAt returns the piece on square ("e2"), or 0 when empty.
func (g Grid) PieceAt(square string) byte {
	file, rank, ok := squareIndex(square)
	if !ok {
		return 0
	}
	return g[rank][file]
}

// Owner returns the side a piece letter belongs to.
func Owner(piece byte) types.Side {
	if piece == 0 {
		return ""
	}
	if unicode.IsUpper(rune(piece)) {
		return types.White
	}
	return types.Black
}

func squareIndex(square string) (file, rank int, ok bool) {
	if len(square) != 2 {
		return 0, 0, false
	}
	file = int(square[0] - 'a')
	rank = int(square[1] - '1')
	if file < 0 || file > 7 || rank < 0 || rank > 7 {
		return 0, 0, false
	}
	return file, rank, true
}

// Validate checks that m is well formed and that its origin square holds a
// piece of the side to move in pos.
func Validate(m types.Move, pos types.Position) error {
	if !m.WellFormed() {
		return fmt.Errorf("%w: %q", ErrMalformedMove, m)
	}
	g, err := Parse(pos.Board)
	if err != nil {
		return err
	}
	from := m.From()
	piece := g.PieceAt(from)
	if piece == 0 {
		return fmt.Errorf("%w: %s in %s", ErrEmptyOrigin, from, m)
	}
	if Owner(piece) != pos.SideToMove {
		return fmt.Errorf("%w: %c on %s, %s to move", ErrWrongSide, piece, from, pos.SideToMove)
	}
	return nil
}
