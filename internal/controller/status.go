package controller

import (
	"time"

	"github.com/ChuLiYu/plysync/internal/gate"
	"github.com/ChuLiYu/plysync/internal/watchdog"
	"github.com/ChuLiYu/plysync/pkg/types"
)

// Status is a read-only view of the controller, published after every
// event.
type Status struct {
	Gate            gate.State               `json:"gate"`
	Blocker         string                   `json:"blocker,omitempty"`
	Live            bool                     `json:"live"` // loop running and not degraded
	Degraded        bool                     `json:"degraded"`
	Watchdog        watchdog.State           `json:"watchdog"`
	Channel         types.ChannelState       `json:"channel"`
	HasPosition     bool                     `json:"has_position"`
	Position        types.Position           `json:"position"`
	Pending         *types.PendingSubmission `json:"pending,omitempty"`
	LastProgress    time.Time                `json:"last_progress"`
	Recoveries      int                      `json:"recoveries"`       // consecutive
	TotalRecoveries int                      `json:"total_recoveries"` // since start
	LastRecovery    string                   `json:"last_recovery,omitempty"`
}

// Status returns the latest published view. Safe from any goroutine.
func (c *Controller) Status() Status {
	if st := c.status.Load(); st != nil {
		return *st
	}
	return Status{}
}

func (c *Controller) publish() {
	wd := c.wd.Stats()
	st := &Status{
		Gate:            c.gate,
		Blocker:         gate.Blocker(c.gate, c.hasPosition),
		Live:            !c.stopped && !wd.Degraded,
		Degraded:        wd.Degraded,
		Watchdog:        wd.State,
		Channel:         c.channelSt,
		HasPosition:     c.hasPosition,
		Position:        c.latest,
		LastProgress:    wd.LastProgress,
		Recoveries:      wd.Consecutive,
		TotalRecoveries: wd.Total,
		LastRecovery:    c.lastReason,
	}
	if c.pending != nil {
		p := *c.pending
		st.Pending = &p
	}
	c.status.Store(st)
}
