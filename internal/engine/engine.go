// Package engine talks to the external decision engine.
package engine

import (
	"context"
	"errors"

	"github.com/ChuLiYu/plysync/pkg/types"
)

var (
	ErrEngineClosed = errors.New("engine: closed")
	ErrSearchActive = errors.New("engine: previous search still running")
)

// Option is one engine setting, applied in order.
type Option struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

// DefaultOptions is the tuned option set.
func DefaultOptions() []Option {
	return []Option{
		{Name: "MultiPV", Value: "5"},
		{Name: "Hash", Value: "256"},
		{Name: "Contempt", Value: "45"},
		{Name: "Move Overhead", Value: "25"},
		{Name: "Skill Level", Value: "20"},
		{Name: "Threads", Value: "2"},
	}
}

// Snapshot is one report from a running search. Progress snapshots carry the
// lines seen so far; the last snapshot of a completed search has Final set.
type Snapshot struct {
	Candidates types.CandidateSet
	BestMove   types.Move // only on Final
	Final      bool
}

// Engine is the decision engine contract.
//
// Search returns a channel that yields progress snapshots and, if the search
// ran to completion, a final one; the channel is closed afterwards. A
// cancelled or stopped search may close without a final snapshot.
type Engine interface {
	Configure(ctx context.Context, opts []Option) error
	Search(ctx context.Context, pos types.Position, budget types.Budget) (<-chan Snapshot, error)
	Stop() error
	Close() error
}
