package controller

import (
	"context"

	"github.com/ChuLiYu/plysync/internal/board"
	"github.com/ChuLiYu/plysync/internal/decision"
	"github.com/ChuLiYu/plysync/internal/gate"
	"github.com/ChuLiYu/plysync/pkg/types"
)

func analyze(pos types.Position) board.Analysis {
	return board.Analyze(pos.Board)
}

// search runs off the loop. Everything it learns is posted back tagged with
// the cycle id.
func (c *Controller) search(ctx context.Context, id uint64, pos types.Position, budget types.Budget) {
	ch, err := c.engine.Search(ctx, pos, budget)
	if err != nil {
		c.post(searchEndedEvent{cycle: id, err: err})
		return
	}
	for snap := range ch {
		if !c.post(snapshotEvent{cycle: id, snap: snap}) {
			return
		}
	}
	c.post(searchEndedEvent{cycle: id})
}

// current returns the live cycle when id matches it.
func (c *Controller) current(id uint64) *cycle {
	if c.cycle == nil || c.cycle.id != id || c.cycle.finished {
		return nil
	}
	return c.cycle
}

func (c *Controller) onSnapshot(e snapshotEvent) {
	cyc := c.current(e.cycle)
	if cyc == nil {
		c.logger.Debug("Discarding late engine output", "cycle", e.cycle)
		return
	}
	// Progress only feeds the local buffer.
	cyc.buffer.Observe(e.snap.Candidates, e.snap.BestMove)
	if !e.snap.Final {
		return
	}

	if cyc.pos.Version != c.latest.Version {
		c.abortCycle("answer computed for an older position")
		c.tryStart()
		return
	}
	c.decide(cyc, "final")
}

func (c *Controller) onSearchEnded(e searchEndedEvent) {
	cyc := c.current(e.cycle)
	if cyc == nil {
		return
	}
	if e.err != nil {
		c.logger.Warn("Engine search failed", "cycle", e.cycle, "error", e.err)
	}
	// Ended without a final answer: treat like the ceiling.
	c.useBestSoFar(cyc, "search ended without final answer")
}

func (c *Controller) onCeiling() {
	cyc := c.cycle
	if cyc == nil || cyc.finished {
		return
	}
	c.logger.Warn("Decision ceiling reached", "cycle", cyc.id, "ceiling", cyc.budget.Ceiling)
	if err := c.engine.Stop(); err != nil {
		c.logger.Warn("Engine stop failed", "error", err)
	}
	c.useBestSoFar(cyc, "decision ceiling reached")
}

func (c *Controller) useBestSoFar(cyc *cycle, why string) {
	if cyc.buffer.Len() == 0 || cyc.pos.Version != c.latest.Version {
		c.abortCycle(why)
		return
	}
	c.decide(cyc, "best_so_far")
}

// decide picks the move for cyc and hands it to the submitter.
func (c *Controller) decide(cyc *cycle, source string) {
	cyc.finished = true
	c.disarm(timerCeiling)
	cyc.cancel()

	set := cyc.buffer.Candidates()
	choice, err := decision.Select(c.pipeline, set, cyc.pos)
	for _, r := range choice.Rejected {
		c.logger.Warn("Candidate failed legality check", "cycle", cyc.id, "move", r.Move, "error", r.Err)
	}
	if err != nil {
		// ErrNoCandidates or ErrNoLegalCandidate: nothing is submitted.
		c.abortCycle(err.Error())
		return
	}

	took := c.clock.Now().Sub(cyc.startedAt)
	cyc.move = choice.Move
	cyc.policy = choice.Policy
	c.metrics.RecordDecision(choice.Policy, took)
	c.logger.Info("Move chosen",
		"cycle", cyc.id,
		"move", choice.Move,
		"policy", choice.Policy,
		"rank", choice.Rank,
		"source", source,
		"took", took)

	c.submit(cyc)
}

// abortCycle ends the live cycle without a move.
func (c *Controller) abortCycle(why string) {
	cyc := c.cycle
	if cyc == nil {
		return
	}
	c.logger.Info("Computation aborted", "cycle", cyc.id, "reason", why)
	c.dropCycle()
	c.apply(gate.Cleared{By: gate.ClearAbort, Cycle: cyc.id})
}

// dropCycle cancels the engine side of the live cycle and forgets it. It
// does not touch the gate.
func (c *Controller) dropCycle() {
	cyc := c.cycle
	if cyc == nil {
		return
	}
	c.cycle = nil
	cyc.cancel()
	c.disarm(timerCeiling)
	c.disarm(timerRetry)
}
