// ============================================================================
// Gate state - the shared flags checked before a computation may start
// ============================================================================
//
// Package: internal/gate
// File: gate.go
//
// State is a plain value. Every mutation goes through Apply, which returns
// the next State for one Event and never blocks; the controller loop is the
// only caller, so each transition is a single atomic step.
//
// Clearers of ComputationInFlight are enumerated (ClearReason). A clear that
// names a cycle other than the current one, or arrives when nothing is in
// flight, is a no-op; the second clearer in a race loses quietly.
//
// ============================================================================

package gate

import (
	"errors"
	"fmt"
)

// ErrAlreadyInFlight is returned when a start is applied while a computation
// is outstanding.
var ErrAlreadyInFlight = errors.New("gate: computation already in flight")

// State is the gate flag bundle.
type State struct {
	ComputationInFlight bool   `json:"computation_in_flight"`
	HumanOverride       bool   `json:"human_override"`
	ChannelReady        bool   `json:"channel_ready"`
	TurnConfirmed       bool   `json:"turn_confirmed"` // latest Position is ours to act on
	Cycle               uint64 `json:"cycle"`          // id of the last started computation
}

// ClearReason names who cleared ComputationInFlight.
type ClearReason string

const (
	ClearDone     ClearReason = "orchestrator_done"
	ClearAbort    ClearReason = "orchestrator_abort"
	ClearInvalid  ClearReason = "submitter_invalid"
	ClearRecovery ClearReason = "watchdog_recovery"
)

// Event is one gate transition request.
type Event interface{ isEvent() }

type (
	// Started marks a new computation. Only the scheduler emits it.
	Started struct{ Cycle uint64 }
	// Cleared ends the computation tagged Cycle.
	Cleared struct {
		By    ClearReason
		Cycle uint64
	}
	OverrideRaised  struct{}
	OverrideCleared struct{}
	ChannelChanged  struct{ Ready bool }
	// TurnArmed marks the latest Position as ours to act on.
	TurnArmed struct{}
	// TurnConsumed records that the scheduler took the turn.
	TurnConsumed struct{}
	// Reset drops every transient flag. Channel readiness is an observation
	// of the transport and survives.
	Reset struct{}
)

func (Started) isEvent()         {}
func (Cleared) isEvent()         {}
func (OverrideRaised) isEvent()  {}
func (OverrideCleared) isEvent() {}
func (ChannelChanged) isEvent()  {}
func (TurnArmed) isEvent()       {}
func (TurnConsumed) isEvent()    {}
func (Reset) isEvent()           {}

// Apply returns the state after ev. The input is never modified. The only
// error is ErrAlreadyInFlight, in which case s is returned unchanged.
func Apply(s State, ev Event) (State, error) {
	switch e := ev.(type) {
	case Started:
		if s.ComputationInFlight {
			return s, fmt.Errorf("%w (cycle %d)", ErrAlreadyInFlight, s.Cycle)
		}
		s.ComputationInFlight = true
		s.Cycle = e.Cycle
	case Cleared:
		if s.ComputationInFlight && s.Cycle == e.Cycle {
			s.ComputationInFlight = false
		}
	case OverrideRaised:
		s.HumanOverride = true
	case OverrideCleared:
		s.HumanOverride = false
	case ChannelChanged:
		s.ChannelReady = e.Ready
	case TurnArmed:
		s.TurnConfirmed = true
	case TurnConsumed:
		s.TurnConfirmed = false
	case Reset:
		s = State{ChannelReady: s.ChannelReady, Cycle: s.Cycle}
	}
	return s, nil
}

// Blocker returns the first gating condition that prevents a start, or ""
// when all hold. hasPosition reports whether any Position was accepted yet.
func Blocker(s State, hasPosition bool) string {
	switch {
	case s.ComputationInFlight:
		return "computation in flight"
	case s.HumanOverride:
		return "human override active"
	case !s.ChannelReady:
		return "channel not open"
	case !hasPosition:
		return "no position"
	case !s.TurnConfirmed:
		return "turn not confirmed"
	default:
		return ""
	}
}
