// Package decision turns engine output into one move: it sizes the search,
// buffers progress, runs the style policies and enforces the legality check
// with fallback.
package decision

import (
	"time"

	"github.com/ChuLiYu/plysync/internal/board"
	"github.com/ChuLiYu/plysync/pkg/types"
)

// BudgetConfig holds the search sizing knobs.
type BudgetConfig struct {
	ThinkMin    time.Duration `yaml:"think_time_min"`
	ThinkMax    time.Duration `yaml:"think_time_max"`
	ThinkSpread float64       `yaml:"think_spread"` // share of [min,max] used at speed 1.0

	BaseDepth      int `yaml:"base_depth"`
	StrategicDepth int `yaml:"strategic_depth"`
	EndgameDepth   int `yaml:"endgame_depth"`
	OpeningDepth   int `yaml:"opening_depth"`

	OpeningSpeed    float64 `yaml:"opening_speed"`
	MiddlegameSpeed float64 `yaml:"middlegame_speed"`
	EndgameSpeed    float64 `yaml:"endgame_speed"`

	CeilingSlack     time.Duration `yaml:"ceiling_slack"`
	DefaultRemaining time.Duration `yaml:"default_remaining"`
}

// DefaultBudgetConfig returns the tuned defaults.
func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{
		ThinkMin:         700 * time.Millisecond,
		ThinkMax:         6 * time.Second,
		ThinkSpread:      0.5,
		BaseDepth:        18,
		StrategicDepth:   24,
		EndgameDepth:     22,
		OpeningDepth:     17,
		OpeningSpeed:     1.2,
		MiddlegameSpeed:  1.7,
		EndgameSpeed:     1.4,
		CeilingSlack:     2 * time.Second,
		DefaultRemaining: 60 * time.Second,
	}
}

const (
	minMoveTime      = 600 * time.Millisecond
	strategicCapBase = 12 * time.Second
)

// MaxMoveTime is the largest move time ComputeBudget can return.
func MaxMoveTime() time.Duration { return strategicCapBase }

// MaxCeiling is the largest ceiling ComputeBudget can return under cfg.
func (cfg BudgetConfig) MaxCeiling() time.Duration {
	return MaxMoveTime() + cfg.CeilingSlack
}

// ComputeBudget sizes one search. It is pure, never decreases when the
// remaining time grows, and never exceeds MaxMoveTime.
func ComputeBudget(cfg BudgetConfig, pos types.Position, a board.Analysis) types.Budget {
	remaining := pos.Remaining
	if remaining <= 0 {
		remaining = cfg.DefaultRemaining
	}

	depth := cfg.BaseDepth
	switch {
	case pos.Phase == types.PhaseOpening:
		depth = cfg.OpeningDepth
	case pos.Phase == types.PhaseEndgame:
		depth = cfg.EndgameDepth
	case a.Strategic:
		depth = cfg.StrategicDepth
	}
	switch {
	case remaining > 40*time.Second:
		depth = max(depth, min(depth+2, 26))
	case remaining > 30*time.Second:
		depth = max(depth, min(depth+1, 24))
	}
	if a.Complexity > 0.75 && depth < 25 {
		depth++
	}

	speed := phaseSpeed(cfg, pos.Phase)
	if a.Strategic {
		speed *= 1.5
	}
	if a.Complexity > 0.7 {
		speed *= 1.3
	}
	speed *= pressureFactor(remaining)

	spread := float64(cfg.ThinkMax-cfg.ThinkMin) * cfg.ThinkSpread * speed
	moveTime := cfg.ThinkMin + time.Duration(spread)
	if moveTime < minMoveTime {
		moveTime = minMoveTime
	}

	limit := remainingCap(remaining)
	if a.Strategic && remaining > 25*time.Second {
		limit = min(time.Duration(float64(limit)*1.2), strategicCapBase)
	}
	moveTime = min(moveTime, limit)
	moveTime = moveTime.Truncate(time.Millisecond)

	return types.Budget{
		Depth:    depth,
		MoveTime: moveTime,
		Ceiling:  moveTime + cfg.CeilingSlack,
	}
}

func phaseSpeed(cfg BudgetConfig, p types.Phase) float64 {
	switch p {
	case types.PhaseOpening:
		return cfg.OpeningSpeed
	case types.PhaseEndgame:
		return cfg.EndgameSpeed
	default:
		return cfg.MiddlegameSpeed
	}
}

// pressureFactor shrinks thinking as the clock runs down.
func pressureFactor(remaining time.Duration) float64 {
	switch {
	case remaining > 35*time.Second:
		return 1.15
	case remaining >= 20*time.Second:
		return 1.0
	case remaining >= 10*time.Second:
		return 0.85
	case remaining >= 5*time.Second:
		return 0.75
	default:
		return 0.65
	}
}

func remainingCap(remaining time.Duration) time.Duration {
	switch {
	case remaining < 10*time.Second:
		return 4 * time.Second
	case remaining < 20*time.Second:
		return 6 * time.Second
	case remaining < 35*time.Second:
		return 8 * time.Second
	default:
		return 10 * time.Second
	}
}
