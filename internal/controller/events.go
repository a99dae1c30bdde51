package controller

import (
	"time"

	"github.com/jonboulle/clockwork"

		"github.com/ChuLiYu/plysync/internal/engine"
	"github.com/ChuLiYu/plysync/internal/gate"
	"github.com/ChuLiYu/plysync/pkg/types"
)

type event interface{}

type feedEvent struct {
	raw []byte
	at  time.Time
}

type snapshotEvent struct {
	cycle uint64
	snap  engine.Snapshot
}

type searchEndedEvent struct {
	cycle uint64
	err   error
}

type timerEvent struct {
	kind timerKind
	tag  uint64
}

type visualEvent struct{ at time.Time }

type channelEvent struct{ state types.ChannelState }

type newGameEvent struct{ id string }

type recoverEvent struct{ reason string }

// syncEvent runs f (if set) on the loop and then closes done.
type syncEvent struct {
	f    func()
	done chan struct{}
}

// ============================================================================
// Timers
// ============================================================================

type timerKind int

const (
	timerDebounce timerKind = iota
	timerCooldown
	timerCeiling
	timerRetry
	timerConfirm
	timerWatchdog
)

func (k timerKind) String() string {
	switch k {
	case timerDebounce:
		return "debounce"
	case timerCooldown:
		return "human_cooldown"
	case timerCeiling:
		return "decision_ceiling"
	case timerRetry:
		return "send_retry"
	case timerConfirm:
		return "confirm_timeout"
	case timerWatchdog:
		return "watchdog"
	default:
		return "unknown"
	}
}

type armedTimer struct {
	timer    clockwork.Timer
	tag      uint64
	deadline time.Time
}

// arm (re)starts the timer of kind. A previous timer of the same kind is
// superseded; its late fire carries an old tag and is dropped.
func (c *Controller) arm(kind timerKind, d time.Duration) {
	c.disarm(kind)
	c.timerSeq++
	tag := c.timerSeq
	t := c.clock.AfterFunc(d, func() {
		c.post(timerEvent{kind: kind, tag: tag})
	})
	c.timers[kind] = armedTimer{timer: t, tag: tag, deadline: c.clock.Now().Add(d)}
}

func (c *Controller) disarm(kind timerKind) {
	if a, ok := c.timers[kind]; ok {
		a.timer.Stop()
		delete(c.timers, kind)
	}
}

func (c *Controller) armed(kind timerKind) bool {
	_, ok := c.timers[kind]
	return ok
}

func (c *Controller) onTimer(e timerEvent) {
	a, ok := c.timers[e.kind]
	if !ok || a.tag != e.tag {
		return
	}
	delete(c.timers, e.kind)

	switch e.kind {
	case timerDebounce:
		c.tryStart()
	case timerCooldown:
		c.apply(gate.OverrideCleared{})
		c.logger.Debug("Human override cooldown over")
		c.tryStart()
	case timerCeiling:
		c.onCeiling()
	case timerRetry:
		c.retrySubmit()
	case timerConfirm:
		c.onConfirmTimeout()
	case timerWatchdog:
		c.audit()
		c.arm(timerWatchdog, c.cfg.Watchdog.Interval)
	}
}
