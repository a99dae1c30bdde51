package engine

import (
	"strconv"
	"strings"

	"github.com/ChuLiYu/plysync/pkg/types"
)

// mateScore is the centipawn value of "mate in 0".
const mateScore = 10000

// Line is one parsed "info ... pv" line.
type Line struct {
	MultiPV   int
	Candidate types.CandidateMove
}

// ParseInfo extracts the first pv move, score and depth from an info line.
// Lines without a score or a well-formed pv move are rejected.
//
//	info depth 18 seldepth 24 multipv 2 score cp -31 nodes 1 pv g8f6 c2c4
func ParseInfo(line string) (Line, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 || fields[0] != "info" {
		return Line{}, false
	}
	out := Line{MultiPV: 1}
	haveScore := false
	for i := 1; i < len(fields); i++ {
		switch fields[i] {
		case "depth":
			if i+1 < len(fields) {
				out.Candidate.Depth, _ = strconv.Atoi(fields[i+1])
				i++
			}
		case "multipv":
			if i+1 < len(fields) {
				if n, err := strconv.Atoi(fields[i+1]); err == nil && n > 0 {
					out.MultiPV = n
				}
				i++
			}
		case "score":
			if i+2 >= len(fields) {
				return Line{}, false
			}
			n, err := strconv.Atoi(fields[i+2])
			if err != nil {
				return Line{}, false
			}
			switch fields[i+1] {
			case "cp":
				out.Candidate.Score = n
			case "mate":
				out.Candidate.Score = mateToCP(n)
			default:
				return Line{}, false
			}
			haveScore = true
			i += 2
		case "pv":
			if i+1 >= len(fields) {
				return Line{}, false
			}
			out.Candidate.Move = types.Move(fields[i+1])
			if !haveScore || !out.Candidate.Move.WellFormed() {
				return Line{}, false
			}
			return out, true
		}
	}
	return Line{}, false
}

// ParseBestMove parses "bestmove e2e4 [ponder e7e5]". A "(none)" or
// "0000" answer yields an empty move with ok=true.
func ParseBestMove(line string) (types.Move, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 || fields[0] != "bestmove" {
		return "", false
	}
	m := types.Move(fields[1])
	if !m.WellFormed() {
		return "", true
	}
	return m, true
}

func mateToCP(n int) int {
	switch {
	case n > 0:
		return mateScore - n
	case n < 0:
		return -mateScore - n
	default:
		return -mateScore
	}
}
