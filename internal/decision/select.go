package decision

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/plysync/internal/board"
	"github.com/ChuLiYu/plysync/pkg/types"
)

var (
	ErrNoCandidates     = errors.New("decision: engine produced no candidates")
	ErrNoLegalCandidate = errors.New("decision: no candidate passes the legality check")
)

// Choice is the outcome of Select.
type Choice struct {
	Move     types.Move
	Policy   string // policy that produced the move, "top" or "fallback"
	Rank     int    // index in the candidate set, -1 for off-list moves (book)
	Rejected []Rejection
}

// Rejection records a candidate dropped by the legality check.
type Rejection struct {
	Move types.Move
	Err  error
}

// Select runs the policy pipeline over set and checks the result against
// pos. When the chosen move fails, exactly one fallback is tried: the best
// untransformed candidate other than the chosen move. If that fails too,
// ErrNoLegalCandidate is returned and the cycle must be aborted.
func Select(p Pipeline, set types.CandidateSet, pos types.Position) (Choice, error) {
	if len(set) == 0 {
		return Choice{}, ErrNoCandidates
	}

	chosen, name := p.Choose(set, pos)
	err := board.Validate(chosen, pos)
	if err == nil {
		return Choice{Move: chosen, Policy: name, Rank: rank(set, chosen)}, nil
	}
	rejected := []Rejection{{Move: chosen, Err: err}}

	fb := 0
	if set[0].Move == chosen {
		fb = 1
	}
	if fb >= len(set) {
		return Choice{Rejected: rejected}, fmt.Errorf("%w: %d tried", ErrNoLegalCandidate, len(rejected))
	}
	if err := board.Validate(set[fb].Move, pos); err != nil {
		rejected = append(rejected, Rejection{Move: set[fb].Move, Err: err})
		return Choice{Rejected: rejected}, fmt.Errorf("%w: %d tried", ErrNoLegalCandidate, len(rejected))
	}
	return Choice{Move: set[fb].Move, Policy: "fallback", Rank: fb, Rejected: rejected}, nil
}

func rank(set types.CandidateSet, m types.Move) int {
	for i, c := range set {
		if c.Move == m {
			return i
		}
	}
	return -1
}
