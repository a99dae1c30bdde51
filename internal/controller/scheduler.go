package controller

import (
	"context"
	"errors"
	"time"

	"github.com/ChuLiYu/plysync/internal/decision"
	"github.com/ChuLiYu/plysync/internal/feed"
	"github.com/ChuLiYu/plysync/internal/gate"
	"github.com/ChuLiYu/plysync/pkg/types"
)

// cycle is one computation, from Started to its single clear.
type cycle struct {
	id        uint64
	pos       types.Position
	budget    types.Budget
	startedAt time.Time
	cancel    context.CancelFunc
	buffer    *decision.Buffer
	finished  bool // a move was chosen; remaining snapshots are ignored

	// submission state, set once a move is chosen
	move     types.Move
	policy   string
	attempts int
}

func (c *Controller) onFeed(raw []byte, at time.Time) {
	pos, err := c.ingestor.Ingest(raw, at)
	if err != nil {
		switch {
		case errors.Is(err, feed.ErrNotPosition):
			c.metrics.RecordFeed("ignored")
			c.logger.Debug("Ignoring non-position frame")
		case errors.Is(err, feed.ErrStale):
			c.metrics.RecordFeed("stale")
			c.logger.Debug("Dropping stale notification", "error", err)
		default:
			c.metrics.RecordFeed("malformed")
			c.logger.Warn("Dropping malformed notification", "error", err)
		}
		return
	}
	c.metrics.RecordFeed("accepted")

	origin := c.classifier.Classify(c.lastVisual, at, c.pending != nil)
	if origin == types.OriginHuman {
		c.raiseOverride(at)
	}

	if c.pending != nil && c.pending.ConfirmedBy(pos) {
		c.confirm(pos)
	}

	c.latest = pos
	c.hasPosition = true
	if c.ours(pos) {
		c.apply(gate.TurnArmed{})
	} else {
		c.apply(gate.TurnConsumed{})
	}

	// A computation for an older version is superseded. A human change is
	// left running and its answer is discarded on arrival.
	if c.cycle != nil && c.cycle.pos.Version != pos.Version && origin != types.OriginHuman {
		c.abortCycle("superseded by newer position")
	}

	c.logger.Debug("Position applied",
		"version", pos.Version,
		"side", pos.SideToMove.String(),
		"origin", origin.String())
	c.arm(timerDebounce, c.cfg.Debounce)
}

func (c *Controller) raiseOverride(at time.Time) {
	c.apply(gate.OverrideRaised{})
	c.arm(timerCooldown, c.cfg.HumanCooldown)
	c.metrics.RecordHumanOverride()
	c.logger.Info("Human move detected, pausing",
		"delta", at.Sub(c.lastVisual),
		"cooldown", c.cfg.HumanCooldown)
}

// tryStart starts a computation when every gate condition holds. It returns
// false and logs the first blocker otherwise.
func (c *Controller) tryStart() bool {
	blocker := gate.Blocker(c.gate, c.hasPosition)
	switch {
	case blocker != "":
	case c.pending != nil:
		blocker = "awaiting confirmation"
	case c.armed(timerDebounce):
		// A newer revision is still settling.
		blocker = "debounce pending"
	}
	if blocker != "" {
		c.metrics.RecordRefusal(blocker)
		c.logger.Debug("Computation not started", "blocker", blocker)
		return false
	}

	id := c.nextCycle + 1
	if !c.apply(gate.Started{Cycle: id}) {
		return false
	}
	c.nextCycle = id
	c.apply(gate.TurnConsumed{})

	pos := c.latest
	budget := decision.ComputeBudget(c.cfg.Budget, pos, analyze(pos))
	ctx, cancel := context.WithCancel(context.Background())
	c.cycle = &cycle{
		id:        id,
		pos:       pos,
		budget:    budget,
		startedAt: c.clock.Now(),
		cancel:    cancel,
		buffer:    decision.NewBuffer(),
	}
	c.metrics.RecordComputationStarted()
	c.arm(timerCeiling, budget.Ceiling)

	c.logger.Info("Computation started",
		"cycle", id,
		"version", pos.Version,
		"side", pos.SideToMove.String(),
		"depth", budget.Depth,
		"move_time", budget.MoveTime)

	go c.search(ctx, id, pos, budget)
	return true
}
