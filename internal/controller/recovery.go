package controller

import (
	"github.com/ChuLiYu/plysync/internal/gate"
	"github.com/ChuLiYu/plysync/internal/watchdog"
)

// audit is one watchdog tick.
func (c *Controller) audit() {
	obs := watchdog.Observation{
		Now:         c.clock.Now(),
		InFlight:    c.gate.ComputationInFlight,
		HasPosition: c.hasPosition,
	}
	if c.cycle != nil {
		obs.InFlightSince = c.cycle.startedAt
	}
	if v := c.wd.Audit(obs); v.Recover {
		c.recover(v.Reason)
	}
}

// recover is the single last-resort path. It is idempotent: every step
// checks before acting and nothing in it can fail.
func (c *Controller) recover(reason string) {
	attempt, escalated := c.wd.Begin(reason)
	c.lastReason = reason
	c.metrics.RecordRecovery(reason)
	c.logger.Warn("Recovering",
		"reason", reason,
		"attempt", attempt,
		"escalated", escalated)

	c.dropCycle()
	c.clearPending()
	for _, kind := range []timerKind{timerDebounce, timerCooldown, timerCeiling, timerRetry, timerConfirm} {
		c.disarm(kind)
	}
	if c.gate.ComputationInFlight {
		c.apply(gate.Cleared{By: gate.ClearRecovery, Cycle: c.gate.Cycle})
	}
	c.apply(gate.Reset{})

	restarted := false
	if c.hasPosition && c.gate.ChannelReady && c.ours(c.latest) {
		c.apply(gate.TurnArmed{})
		restarted = c.tryStart()
	}

	c.wd.End(c.clock.Now())
	c.logger.Info("Recovery complete", "reason", reason, "restarted", restarted)
}
