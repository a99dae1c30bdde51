package decision

import (
	"github.com/ChuLiYu/plysync/internal/board"
	"github.com/ChuLiYu/plysync/pkg/types"
)

// Policy is a pure style transform. It returns ok=false when it has no
// opinion. Randomness is injected through the Rand each constructor takes.
type Policy interface {
	Name() string
	Pick(set types.CandidateSet, pos types.Position, phase types.Phase) (types.Move, bool)
}

// Rand yields values in [0,1).
type Rand func() float64

// Pipeline runs policies in a fixed order; the first opinion wins.
type Pipeline []Policy

// PolicyConfig tunes the style policies.
type PolicyConfig struct {
	DrawAvoidance DrawAvoidanceConfig `yaml:"draw_avoidance"`
	Alternative   AlternativeConfig   `yaml:"elegant_alternative"`
}

// DefaultPolicyConfig returns the tuned defaults.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{DrawAvoidance: DefaultDrawAvoidance(), Alternative: DefaultAlternative()}
}

// NewPipeline is book, then draw avoidance, then the elegant alternative.
func NewPipeline(cfg PolicyConfig, rnd Rand) Pipeline {
	return Pipeline{
		OpeningBook(DefaultBook(), rnd),
		DrawAvoidance(cfg.DrawAvoidance, rnd),
		ElegantAlternative(cfg.Alternative, rnd),
	}
}

// Choose returns the transformed move and the policy name that produced
// it, or the top candidate with name "top" when no policy fires. A set with
// a single candidate skips the policies.
func (p Pipeline) Choose(set types.CandidateSet, pos types.Position) (types.Move, string) {
	top, ok := set.Top()
	if !ok {
		return "", ""
	}
	if len(set) < 2 {
		return top.Move, "top"
	}
	for _, policy := range p {
		if m, ok := policy.Pick(set, pos, pos.Phase); ok {
			return m, policy.Name()
		}
	}
	return top.Move, "top"
}

// ============================================================================
// Opening book
// ============================================================================

// BookEntry is one weighted book move.
type BookEntry struct {
	Move   types.Move
	Weight float64
}

// Book maps Position.BookKey to weighted replies.
type Book map[string][]BookEntry

// DefaultBook covers the first move for White and Black's reply to 1.e4
// and 1.d4.
func DefaultBook() Book {
	return Book{
		"rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq -": {
			{"e2e4", 0.50}, {"d2d4", 0.25}, {"c2c4", 0.15}, {"g1f3", 0.10},
		},
		"rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq -": {
			{"c7c5", 0.50}, {"e7e5", 0.20}, {"c7c6", 0.15}, {"e7e6", 0.10}, {"g7g6", 0.05},
		},
		"rnbqkbnr/pppppppp/8/8/3P4/8/PPP1PPPP/RNBQKBNR b KQkq -": {
			{"g8f6", 0.45}, {"d7d5", 0.25}, {"e7e6", 0.15}, {"g7g6", 0.10}, {"c7c5", 0.05},
		},
	}
}

type bookPolicy struct {
	book Book
	rnd  Rand
}

// OpeningBook plays weighted book replies during the opening.
func OpeningBook(book Book, rnd Rand) Policy {
	return bookPolicy{book: book, rnd: rnd}
}

func (bookPolicy) Name() string { return "book" }

func (p bookPolicy) Pick(_ types.CandidateSet, pos types.Position, phase types.Phase) (types.Move, bool) {
	if phase != types.PhaseOpening {
		return "", false
	}
	entries := p.book[pos.BookKey()]
	if len(entries) == 0 {
		return "", false
	}
	total := 0.0
	for _, e := range entries {
		total += e.Weight
	}
	r := p.rnd() * total
	for _, e := range entries {
		r -= e.Weight
		if r <= 0 {
			return e.Move, true
		}
	}
	return entries[0].Move, true
}

// ============================================================================
// Draw avoidance
// ============================================================================

// DrawAvoidanceConfig tunes the draw avoidance policy.
type DrawAvoidanceConfig struct {
	Rate      float64 `yaml:"rate"`      // chance to fire when not losing
	Tolerance int     `yaml:"tolerance"` // max centipawn loss vs. top line
	Floor     int     `yaml:"losing_cp"` // top score at or below this counts as losing
	Lines     int     `yaml:"max_lines"` // alternatives examined after the top line
}

// DefaultDrawAvoidance returns the tuned defaults.
func DefaultDrawAvoidance() DrawAvoidanceConfig {
	return DrawAvoidanceConfig{Rate: 0.85, Tolerance: 60, Floor: -100, Lines: 3}
}

type drawPolicy struct {
	cfg DrawAvoidanceConfig
	rnd Rand
}

// DrawAvoidance prefers a near-equal alternative to the top line when the
// position is not lost, to keep the game unbalanced.
func DrawAvoidance(cfg DrawAvoidanceConfig, rnd Rand) Policy {
	return drawPolicy{cfg: cfg, rnd: rnd}
}

func (drawPolicy) Name() string { return "draw_avoidance" }

func (p drawPolicy) Pick(set types.CandidateSet, pos types.Position, _ types.Phase) (types.Move, bool) {
	top := set[0]
	if top.Score <= p.cfg.Floor || p.rnd() >= p.cfg.Rate {
		return "", false
	}
	for i := 1; i < len(set) && i <= p.cfg.Lines; i++ {
		if abs(top.Score-set[i].Score) < p.cfg.Tolerance && board.Validate(set[i].Move, pos) == nil {
			return set[i].Move, true
		}
	}
	return "", false
}

// ============================================================================
// Elegant alternative
// ============================================================================

// AlternativeConfig tunes the elegant alternative policy.
type AlternativeConfig struct {
	Rate         float64 `yaml:"rate"`          // base chance
	ComplexBonus float64 `yaml:"complex_bonus"` // added when complexity > 0.7
	MinComplex   float64 `yaml:"min_complexity"`
	SecondWithin int     `yaml:"second_within"` // centipawns
	ThirdWithin  int     `yaml:"third_within"`
}

// DefaultAlternative returns the tuned defaults.
func DefaultAlternative() AlternativeConfig {
	return AlternativeConfig{Rate: 0.35, ComplexBonus: 0.45, MinComplex: 0.65, SecondWithin: 40, ThirdWithin: 50}
}

type alternativePolicy struct {
	cfg AlternativeConfig
	rnd Rand
}

// ElegantAlternative occasionally plays the second or third line in
// complex positions when it costs little.
func ElegantAlternative(cfg AlternativeConfig, rnd Rand) Policy {
	return alternativePolicy{cfg: cfg, rnd: rnd}
}

func (alternativePolicy) Name() string { return "alternative" }

func (p alternativePolicy) Pick(set types.CandidateSet, pos types.Position, _ types.Phase) (types.Move, bool) {
	complexity := board.Analyze(pos.Board).Complexity
	rate := p.cfg.Rate
	if complexity > 0.7 {
		rate += p.cfg.ComplexBonus
	}

	top := set[0].Score
	second := set[1]
	if complexity > p.cfg.MinComplex && abs(top-second.Score) < p.cfg.SecondWithin && p.rnd() < rate {
		if board.Validate(second.Move, pos) == nil {
			return second.Move, true
		}
	}

	if len(set) > 2 && complexity > 0.75 && abs(top-set[2].Score) < p.cfg.ThirdWithin && p.rnd() < rate*0.5 {
		third := set[2].Move
		if board.Validate(third, pos) == nil && elegant(third, set, complexity) {
			return third, true
		}
	}
	return "", false
}

// elegant reports whether m is a quiet move in a complex position or a
// near-best non-forcing line.
func elegant(m types.Move, set types.CandidateSet, complexity float64) bool {
	if len(m) == 4 && complexity > 0.6 {
		return true
	}
	if len(set) < 3 {
		return false
	}
	for i := 1; i <= 2; i++ {
		if set[i].Move == m && abs(set[i].Score-set[0].Score) < 40 {
			return true
		}
	}
	return false
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
