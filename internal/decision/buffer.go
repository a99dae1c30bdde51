package decision

import (
	"sort"

	"github.com/ChuLiYu/plysync/pkg/types"
)

// Buffer accumulates progress for one computation. It is local to the
// computation and is thrown away afterwards.
type Buffer struct {
	lines    map[types.Move]types.CandidateMove
	order    []types.Move // first-seen order, for stable ties
	bestMove types.Move
}

// NewBuffer returns an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{lines: make(map[types.Move]types.CandidateMove)}
}

// Observe merges a progress or final snapshot. Deeper lines replace
// shallower ones for the same move.
func (b *Buffer) Observe(set types.CandidateSet, bestMove types.Move) {
	for _, c := range set {
		if !c.Move.WellFormed() {
			continue
		}
		prev, seen := b.lines[c.Move]
		if !seen {
			b.order = append(b.order, c.Move)
		}
		if !seen || c.Depth >= prev.Depth {
			b.lines[c.Move] = c
		}
	}
	if bestMove.WellFormed() {
		b.bestMove = bestMove
	}
}

// Len reports the number of distinct candidate moves seen.
func (b *Buffer) Len() int { return len(b.lines) }

// Candidates returns the merged set best-first: the engine's declared best
// move leads, then the rest by score, deeper lines winning ties.
func (b *Buffer) Candidates() types.CandidateSet {
	out := make(types.CandidateSet, 0, len(b.lines)+1)
	for _, m := range b.order {
		out = append(out, b.lines[m])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Depth > out[j].Depth
	})

	if b.bestMove == "" {
		return out
	}
	for i, c := range out {
		if c.Move == b.bestMove {
			copy(out[1:i+1], out[:i])
			out[0] = c
			return out
		}
	}
	// bestmove without a scored line
	top := types.CandidateMove{Move: b.bestMove}
	if len(out) > 0 {
		top.Score, top.Depth = out[0].Score, out[0].Depth
	}
	return append(types.CandidateSet{top}, out...)
}
