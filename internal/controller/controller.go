// ============================================================================
// plysync Controller - move synchronization core
// ============================================================================
//
// Package: internal/controller
// File: controller.go
//
// The controller is the single owner of GateState, the current Position, the
// PendingSubmission and every timer. Nothing else mutates them.
//
// Event sources (each runs on its own goroutine and only posts events):
//   - bridge: feed frames, board mutations, page socket state, new game
//   - engine search: progress and final snapshots, tagged with the cycle id
//   - timers: debounce, human cooldown, decision ceiling, send retry,
//     confirmation timeout, watchdog tick; each tagged so a late fire after
//     disarm is ignored
//
// The loop applies one event at a time to completion, so every GateState
// transition is a single step with no interleaving:
//
//	feed ──► ingest ──► classify ──► confirm? ──► arm turn ──► debounce
//	                                                             │
//	     ┌──────────────────── tryStart ◄────────────────────────┘
//	     ▼
//	  Started{cycle} ──► engine.Search ──► snapshots ──► Select ──► submit
//	                                                                 │
//	  Cleared{done|abort|invalid|recovery} ◄─────────────────────────┘
//
// Clearers of ComputationInFlight: orchestrator done (move sent), orchestrator
// abort, submitter invalid, watchdog recovery. Gate.Apply turns a second
// clear of the same cycle into a no-op.
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ChuLiYu/plysync/internal/classifier"
	"github.com/ChuLiYu/plysync/internal/decision"
	"github.com/ChuLiYu/plysync/internal/engine"
	"github.com/ChuLiYu/plysync/internal/feed"
	"github.com/ChuLiYu/plysync/internal/gate"
	"github.com/ChuLiYu/plysync/internal/metrics"
	"github.com/ChuLiYu/plysync/internal/watchdog"
	"github.com/ChuLiYu/plysync/pkg/types"
)

// ErrStopped is returned by calls made after Run has returned.
var ErrStopped = errors.New("controller: stopped")

// Channel is the outbound move channel.
type Channel interface {
	State() types.ChannelState
	Send(m types.Move) error
}

// Config holds the synchronization knobs.
type Config struct {
	PlayAs         string        // "both", "w" or "b"
	Debounce       time.Duration // feed burst window
	HumanCooldown  time.Duration // override hold after a HUMAN change
	ConfirmTimeout time.Duration // sent move to feed echo
	SendRetries    int           // attempts while the channel is connecting
	SendBackoff    time.Duration // first retry delay, doubled per attempt

	Window        classifier.Window
	Feed          feed.Config
	Budget        decision.BudgetConfig
	Watchdog      watchdog.Config
	EngineOptions []engine.Option
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	budget := decision.DefaultBudgetConfig()
	wd := watchdog.DefaultConfig()
	wd.StuckAfter = StuckThreshold(budget)
	return Config{
		PlayAs:         "both",
		Debounce:       150 * time.Millisecond,
		HumanCooldown:  600 * time.Millisecond,
		ConfirmTimeout: 10 * time.Second,
		SendRetries:    3,
		SendBackoff:    250 * time.Millisecond,
		Window:         classifier.DefaultWindow,
		Feed:           feed.DefaultConfig(),
		Budget:         budget,
		Watchdog:       wd,
		EngineOptions:  engine.DefaultOptions(),
	}
}

// StuckThreshold is 1.5x the largest decision ceiling.
func StuckThreshold(b decision.BudgetConfig) time.Duration {
	return b.MaxCeiling() * 3 / 2
}

// Deps are the collaborators. Engine and Channel are required.
type Deps struct {
	Engine   engine.Engine
	Channel  Channel
	Clock    clockwork.Clock
	Metrics  *metrics.Collector
	Pipeline decision.Pipeline
}

// DefaultPipeline runs the style policies with their tuned defaults.
func DefaultPipeline() decision.Pipeline {
	return decision.NewPipeline(decision.DefaultPolicyConfig(), rand.Float64)
}

// Controller runs the synchronization loop.
type Controller struct {
	cfg        Config
	engine     engine.Engine
	channel    Channel
	clock      clockwork.Clock
	metrics    *metrics.Collector
	pipeline   decision.Pipeline
	ingestor   *feed.Ingestor
	classifier classifier.Classifier
	wd         *watchdog.Watchdog
	logger     *slog.Logger

	events  chan event
	done    chan struct{}
	running atomic.Bool
	status  atomic.Pointer[Status]

	// Loop-owned state below.
	gate        gate.State
	latest      types.Position
	hasPosition bool
	lastVisual  time.Time
	channelSt   types.ChannelState
	cycle       *cycle
	nextCycle   uint64
	pending     *types.PendingSubmission
	timers      map[timerKind]armedTimer
	timerSeq    uint64
	lastReason  string
	stopped     bool
}

// New builds a controller. It does not start anything.
func New(cfg Config, deps Deps) (*Controller, error) {
	if deps.Engine == nil {
		return nil, fmt.Errorf("controller: engine is required")
	}
	if deps.Channel == nil {
		return nil, fmt.Errorf("controller: channel is required")
	}
	switch cfg.PlayAs {
	case "", "both":
		cfg.PlayAs = "both"
	default:
		if _, ok := types.ParseSide(cfg.PlayAs); !ok {
			return nil, fmt.Errorf("controller: invalid play_as %q", cfg.PlayAs)
		}
	}
	if err := cfg.Watchdog.Validate(); err != nil {
		return nil, fmt.Errorf("controller: %w", err)
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewCollector(prometheus.NewRegistry())
	}
	if deps.Pipeline == nil {
		deps.Pipeline = DefaultPipeline()
	}

	c := &Controller{
		cfg:        cfg,
		engine:     deps.Engine,
		channel:    deps.Channel,
		clock:      deps.Clock,
		metrics:    deps.Metrics,
		pipeline:   deps.Pipeline,
		classifier: classifier.New(cfg.Window),
		wd:         watchdog.New(cfg.Watchdog, deps.Clock.Now()),
		logger:     slog.With("component", "controller"),
		events:     make(chan event, 256),
		done:       make(chan struct{}),
		channelSt:  types.ChannelClosed,
		timers:     make(map[timerKind]armedTimer),
	}
	c.ingestor = feed.NewIngestor(cfg.Feed, localProgress{c})
	c.publish()
	return c, nil
}

// localProgress stamps progress with the controller clock rather than the
// browser timestamp carried by the frame.
type localProgress struct{ c *Controller }

func (p localProgress) MarkProgress(time.Time) { p.c.wd.MarkProgress(p.c.clock.Now()) }

// Run configures the engine and processes events until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return fmt.Errorf("controller: already running")
	}
	defer close(c.done)

	if err := c.engine.Configure(ctx, c.cfg.EngineOptions); err != nil {
		return fmt.Errorf("configure engine: %w", err)
	}

	c.arm(timerWatchdog, c.cfg.Watchdog.Interval)
	c.logger.Info("Controller started",
		"play_as", c.cfg.PlayAs,
		"debounce", c.cfg.Debounce,
		"stuck_after", c.cfg.Watchdog.StuckAfter)

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			c.logger.Info("Controller stopped")
			return nil
		case ev := <-c.events:
			c.handle(ev)
			c.publish()
		}
	}
}

func (c *Controller) shutdown() {
	c.dropCycle()
	for kind := range c.timers {
		c.disarm(kind)
	}
	c.stopped = true
	c.publish()
}

// post hands an event to the loop. It never blocks once Run has returned.
func (c *Controller) post(ev event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (c *Controller) handle(ev event) {
	switch e := ev.(type) {
	case feedEvent:
		c.onFeed(e.raw, e.at)
	case visualEvent:
		if e.at.After(c.lastVisual) {
			c.lastVisual = e.at
		}
	case channelEvent:
		c.onChannel(e.state)
	case newGameEvent:
		c.onNewGame(e.id)
	case snapshotEvent:
		c.onSnapshot(e)
	case searchEndedEvent:
		c.onSearchEnded(e)
	case timerEvent:
		c.onTimer(e)
	case recoverEvent:
		c.recover(e.reason)
	case syncEvent:
		if e.f != nil {
			e.f()
		}
		close(e.done)
	default:
		c.logger.Warn("Unknown event", "type", fmt.Sprintf("%T", ev))
	}
}

// apply runs one gate transition. ErrAlreadyInFlight is the only error and
// is logged, never propagated.
func (c *Controller) apply(ev gate.Event) bool {
	next, err := gate.Apply(c.gate, ev)
	if err != nil {
		c.logger.Error("Gate transition refused", "event", fmt.Sprintf("%T", ev), "error", err)
		return false
	}
	wasInFlight := c.gate.ComputationInFlight
	c.gate = next
	if wasInFlight && !next.ComputationInFlight {
		c.metrics.RecordComputationCleared()
	}
	return true
}

// ours reports whether pos is for a side this bot plays.
func (c *Controller) ours(pos types.Position) bool {
	if c.cfg.PlayAs == "both" {
		return true
	}
	side, _ := types.ParseSide(c.cfg.PlayAs)
	return pos.SideToMove == side
}

// ============================================================================
// bridge.Sink
// ============================================================================

func (c *Controller) OnFeed(raw []byte, at time.Time) {
	c.post(feedEvent{raw: append([]byte(nil), raw...), at: at})
}

func (c *Controller) OnVisualChange(at time.Time) {
	c.post(visualEvent{at: at})
}

func (c *Controller) OnChannelState(state types.ChannelState) {
	c.post(channelEvent{state: state})
}

func (c *Controller) OnNewGame(id string) {
	c.post(newGameEvent{id: id})
}

// ForceRecover asks the loop to run a recovery pass now.
func (c *Controller) ForceRecover(reason string) error {
	if reason == "" {
		reason = "manual"
	}
	if !c.post(recoverEvent{reason: reason}) {
		return ErrStopped
	}
	return nil
}

func (c *Controller) onChannel(state types.ChannelState) {
	prev := c.channelSt
	c.channelSt = state
	c.metrics.SetChannelState(int(state))
	c.apply(gate.ChannelChanged{Ready: state == types.ChannelOpen})
	if prev != state {
		c.logger.Info("Channel state changed", "from", prev.String(), "to", state.String())
	}
	if state == types.ChannelOpen && prev != types.ChannelOpen {
		c.tryStart()
	}
}

func (c *Controller) onNewGame(id string) {
	c.logger.Info("New game, resetting position state", "game", id)
	c.ingestor.Reset()
	c.dropCycle()
	c.clearPending()
	c.disarm(timerDebounce)
	c.disarm(timerRetry)
	c.apply(gate.Reset{})
	c.latest = types.Position{}
	c.hasPosition = false
	c.wd.MarkProgress(c.clock.Now())
}
