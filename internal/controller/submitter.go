package controller

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ChuLiYu/plysync/internal/board"
	"github.com/ChuLiYu/plysync/internal/gate"
	"github.com/ChuLiYu/plysync/pkg/types"
)

var errPositionMoved = errors.New("position changed since the decision")

// submit sends the chosen move of cyc, or resolves the cycle without a send.
func (c *Controller) submit(cyc *cycle) {
	if err := c.revalidate(cyc); err != nil {
		c.invalidate(cyc, err)
		return
	}

	switch state := c.channel.State(); state {
	case types.ChannelOpen:
		c.send(cyc)
	case types.ChannelConnecting:
		c.scheduleRetry(cyc)
	default:
		c.abortCycle(fmt.Sprintf("channel %s, move %s abandoned", state, cyc.move))
	}
}

// revalidate checks the move against the current Position.
func (c *Controller) revalidate(cyc *cycle) error {
	if c.latest.Version != cyc.pos.Version || c.latest.SideToMove != cyc.pos.SideToMove {
		return fmt.Errorf("%w: v%d -> v%d", errPositionMoved, cyc.pos.Version, c.latest.Version)
	}
	return board.Validate(cyc.move, c.latest)
}

// invalidate drops cyc and recomputes against the current Position.
func (c *Controller) invalidate(cyc *cycle, err error) {
	c.logger.Warn("Move failed revalidation, recomputing",
		"cycle", cyc.id,
		"move", cyc.move,
		"error", err)
	c.dropCycle()
	c.apply(gate.Cleared{By: gate.ClearInvalid, Cycle: cyc.id})
	if c.hasPosition && c.ours(c.latest) {
		c.apply(gate.TurnArmed{})
	}
	c.tryStart()
}

func (c *Controller) send(cyc *cycle) {
	err := c.channel.Send(cyc.move)
	if err != nil {
		c.logger.Warn("Send failed, retrying once", "move", cyc.move, "error", err)
		err = c.channel.Send(cyc.move)
	}
	if err != nil {
		c.logger.Error("Send failed twice", "move", cyc.move, "error", err)
		c.recover("send_error")
		return
	}

	now := c.clock.Now()
	c.pending = &types.PendingSubmission{
		ID:     uuid.NewString(),
		Move:   cyc.move,
		Before: cyc.pos,
		SentAt: now,
	}
	c.dropCycle()
	c.apply(gate.Cleared{By: gate.ClearDone, Cycle: cyc.id})
	c.arm(timerConfirm, c.cfg.ConfirmTimeout)
	c.wd.MarkProgress(now)
	c.wd.ResetRecoveries()
	c.metrics.RecordSent()

	c.logger.Info("Move sent",
		"submission", c.pending.ID,
		"move", cyc.move,
		"version", cyc.pos.Version,
		"attempts", cyc.attempts+1)
}

func (c *Controller) scheduleRetry(cyc *cycle) {
	cyc.attempts++
	if cyc.attempts > c.cfg.SendRetries {
		c.abortCycle(fmt.Sprintf("channel still connecting after %d attempts", cyc.attempts-1))
		return
	}
	backoff := c.cfg.SendBackoff << (cyc.attempts - 1)
	c.logger.Info("Channel connecting, retrying send",
		"move", cyc.move,
		"attempt", cyc.attempts,
		"backoff", backoff)
	c.arm(timerRetry, backoff)
}

func (c *Controller) retrySubmit() {
	cyc := c.cycle
	if cyc == nil || !cyc.finished || cyc.move == "" {
		return
	}
	c.submit(cyc)
}

// confirm closes the pending submission proven by pos.
func (c *Controller) confirm(pos types.Position) {
	p := c.pending
	p.Confirmed = true
	now := c.clock.Now()
	took := now.Sub(p.SentAt)
	c.clearPending()
	c.wd.MarkProgress(now)
	c.metrics.RecordConfirmed(took)
	c.logger.Info("Move confirmed",
		"submission", p.ID,
		"move", p.Move,
		"version", pos.Version,
		"took", took)
}

func (c *Controller) clearPending() {
	c.pending = nil
	c.disarm(timerConfirm)
}

func (c *Controller) onConfirmTimeout() {
	if c.pending == nil {
		return
	}
	c.logger.Warn("Sent move was not confirmed",
		"submission", c.pending.ID,
		"move", c.pending.Move,
		"timeout", c.cfg.ConfirmTimeout)
	c.recover("move not confirmed")
}
