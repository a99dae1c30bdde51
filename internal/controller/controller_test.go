package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/plysync/internal/decision"
	"github.com/ChuLiYu/plysync/internal/engine"
	"github.com/ChuLiYu/plysync/internal/gate"
	"github.com/ChuLiYu/plysync/internal/metrics"
	"github.com/ChuLiYu/plysync/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

const (
	startFEN  = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"
	afterE4   = "rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq e3 0 1"
	afterE4E5 = "rnbqkbnr/pppp1ppp/8/4p3/4P3/8/PPPP1PPP/RNBQKBNR w KQkq e6 0 2"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeSearch struct {
	ctx    context.Context
	pos    types.Position
	budget types.Budget
	in     chan engine.Snapshot
}

type fakeEngine struct {
	mu         sync.Mutex
	searches   chan *fakeSearch
	configured []engine.Option
	stops      int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{searches: make(chan *fakeSearch, 16)}
}

func (e *fakeEngine) Configure(_ context.Context, opts []engine.Option) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.configured = opts
	return nil
}

func (e *fakeEngine) Search(ctx context.Context, pos types.Position, budget types.Budget) (<-chan engine.Snapshot, error) {
	s := &fakeSearch{ctx: ctx, pos: pos, budget: budget, in: make(chan engine.Snapshot, 16)}
	out := make(chan engine.Snapshot, 16)
	go func() {
		defer close(out)
		for {
			select {
			case snap, ok := <-s.in:
				if !ok {
					return
				}
				select {
				case out <- snap:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	e.searches <- s
	return out, nil
}

func (e *fakeEngine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stops++
	return nil
}

func (e *fakeEngine) Close() error { return nil }

type fakeChannel struct {
	mu    sync.Mutex
	state types.ChannelState
	sent  []types.Move
	failN int
}

func (f *fakeChannel) State() types.ChannelState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeChannel) Send(m types.Move) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != types.ChannelOpen {
		return errors.New("not open")
	}
	if f.failN > 0 {
		f.failN--
		return errors.New("write: broken pipe")
	}
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeChannel) setState(s types.ChannelState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *fakeChannel) setFail(n int) {
	f.mu.Lock()
	f.failN = n
	f.mu.Unlock()
}

func (f *fakeChannel) moves() []types.Move {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Move(nil), f.sent...)
}

type harness struct {
	t   *testing.T
	c   *Controller
	clk *clockwork.FakeClock
	reg *prometheus.Registry
	eng *fakeEngine
	ch  *fakeChannel
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PlayAs = "w"
	if mutate != nil {
		mutate(&cfg)
	}
	h := &harness{
		t:   t,
		clk: clockwork.NewFakeClockAt(t0),
		reg: prometheus.NewRegistry(),
		eng: newFakeEngine(),
		ch:  &fakeChannel{state: types.ChannelClosed},
	}
	c, err := New(cfg, Deps{
		Engine:   h.eng,
		Channel:  h.ch,
		Clock:    h.clk,
		Metrics:  metrics.NewCollector(h.reg),
		Pipeline: decision.Pipeline{},
	})
	require.NoError(t, err)
	h.c = c

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	h.sync()
	return h
}

// sync returns once every event posted so far has been handled.
func (h *harness) sync() {
	h.t.Helper()
	done := make(chan struct{})
	require.True(h.t, h.c.post(syncEvent{done: done}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		h.t.Fatal("controller loop did not drain")
	}
}

// advance moves the fake clock and waits until every timer that came due has
// been handled. Fake timers fire their callbacks on separate goroutines, so
// the loop is polled until no armed timer is past its deadline.
func (h *harness) advance(d time.Duration) {
	h.t.Helper()
	h.clk.Advance(d)
	deadline := time.Now().Add(2 * time.Second)
	for {
		due := make(chan bool, 1)
		done := make(chan struct{})
		require.True(h.t, h.c.post(syncEvent{f: func() { due <- h.c.anyDue() }, done: done}))
		<-done
		if !<-due {
			return
		}
		if time.Now().After(deadline) {
			h.t.Fatal("timers did not fire")
		}
		time.Sleep(time.Millisecond)
	}
}

func (h *harness) open() {
	h.ch.setState(types.ChannelOpen)
	h.c.OnChannelState(types.ChannelOpen)
	h.sync()
}

func (h *harness) feed(version int64, fen string) {
	h.c.OnFeed([]byte(fmt.Sprintf(`{"t":"move","v":%d,"d":{"fen":%q}}`, version, fen)), h.clk.Now())
	h.sync()
}

func (h *harness) nextSearch() *fakeSearch {
	h.t.Helper()
	select {
	case s := <-h.eng.searches:
		return s
	case <-time.After(2 * time.Second):
		h.t.Fatal("no search started")
		return nil
	}
}

func (h *harness) noSearch() {
	h.t.Helper()
	select {
	case s := <-h.eng.searches:
		h.t.Fatalf("unexpected search for version %d", s.pos.Version)
	case <-time.After(50 * time.Millisecond):
	}
}

// deliver hands a snapshot to the loop as if the engine goroutine posted it.
func (h *harness) deliver(cycle uint64, snap engine.Snapshot) {
	require.True(h.t, h.c.post(snapshotEvent{cycle: cycle, snap: snap}))
	h.sync()
}

// startCycle opens the channel, delivers a white-to-move position and lets
// the debounce expire.
func (h *harness) startCycle(version int64, fen string) *fakeSearch {
	h.t.Helper()
	h.open()
	h.feed(version, fen)
	h.advance(h.c.cfg.Debounce)
	return h.nextSearch()
}

// refusals reads the gate refusal counter for blocker.
func (h *harness) refusals(blocker string) float64 {
	h.t.Helper()
	families, err := h.reg.Gather()
	require.NoError(h.t, err)
	for _, mf := range families {
		if mf.GetName() != "plysync_gate_refusals_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "blocker" && l.GetValue() == blocker {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func candidates(pairs ...any) types.CandidateSet {
	var set types.CandidateSet
	for i := 0; i < len(pairs); i += 2 {
		set = append(set, types.CandidateMove{Move: types.Move(pairs[i].(string)), Score: pairs[i+1].(int), Depth: 20})
	}
	return set
}

// ============================================================================
// Construction
// ============================================================================

func TestNewValidatesDeps(t *testing.T) {
	_, err := New(DefaultConfig(), Deps{Channel: &fakeChannel{}})
	assert.Error(t, err)

	_, err = New(DefaultConfig(), Deps{Engine: newFakeEngine()})
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.PlayAs = "red"
	_, err = New(cfg, Deps{Engine: newFakeEngine(), Channel: &fakeChannel{}})
	assert.Error(t, err)
}

func TestStatusBeforeRun(t *testing.T) {
	c, err := New(DefaultConfig(), Deps{Engine: newFakeEngine(), Channel: &fakeChannel{}})
	require.NoError(t, err)

	st := c.Status()
	assert.False(t, st.HasPosition)
	assert.Equal(t, types.ChannelClosed, st.Channel)
	assert.Equal(t, "channel not open", st.Blocker)
}

func TestRunConfiguresEngine(t *testing.T) {
	h := newHarness(t, nil)
	h.sync()

	h.eng.mu.Lock()
	defer h.eng.mu.Unlock()
	assert.Equal(t, engine.DefaultOptions(), h.eng.configured)
}

// ============================================================================
// Scenarios
// ============================================================================

func TestNormalCycle(t *testing.T) {
	h := newHarness(t, nil)
	s := h.startCycle(10, startFEN)

	assert.Equal(t, int64(10), s.pos.Version)
	assert.Equal(t, types.White, s.pos.SideToMove)
	assert.True(t, h.c.Status().Gate.ComputationInFlight)

	s.in <- engine.Snapshot{Candidates: candidates("e2e4", 120, "d2d4", 100), BestMove: "e2e4", Final: true}
	require.Eventually(t, func() bool { return h.c.Status().Pending != nil }, 2*time.Second, 5*time.Millisecond)

	st := h.c.Status()
	assert.Equal(t, []types.Move{"e2e4"}, h.ch.moves())
	assert.Equal(t, types.Move("e2e4"), st.Pending.Move)
	assert.Equal(t, int64(10), st.Pending.Before.Version)
	assert.NotEmpty(t, st.Pending.ID)
	assert.False(t, st.Gate.ComputationInFlight, "cleared once the move is sent")

	h.feed(11, afterE4)
	st = h.c.Status()
	assert.Nil(t, st.Pending)
	if diff := cmp.Diff(gate.State{ChannelReady: true, Cycle: 1}, st.Gate); diff != "" {
		t.Errorf("gate not fully cleared (-want +got):\n%s", diff)
	}
	h.advance(h.c.cfg.Debounce)
	h.noSearch()
}

func TestBothSidesKeepsPlaying(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.PlayAs = "both" })
	s := h.startCycle(10, startFEN)
	h.deliver(1, engine.Snapshot{Candidates: candidates("e2e4", 30), BestMove: "e2e4", Final: true})

	h.feed(11, afterE4)
	h.advance(h.c.cfg.Debounce)
	next := h.nextSearch()
	assert.Equal(t, types.Black, next.pos.SideToMove)
	assert.Error(t, s.ctx.Err(), "finished search was released")
}

func TestLegalityFallback(t *testing.T) {
	h := newHarness(t, nil)
	h.startCycle(10, startFEN)

	// e3 is empty in the start position.
	h.deliver(1, engine.Snapshot{Candidates: candidates("e3e4", 120, "d2d4", 100), BestMove: "e3e4", Final: true})
	assert.Equal(t, []types.Move{"d2d4"}, h.ch.moves())
}

func TestLegalityAbortSubmitsNothing(t *testing.T) {
	h := newHarness(t, nil)
	h.startCycle(10, startFEN)

	// e3 is empty and d7 holds a black pawn.
	h.deliver(1, engine.Snapshot{Candidates: candidates("e3e4", 120, "d7d5", 100), BestMove: "e3e4", Final: true})

	assert.Empty(t, h.ch.moves())
	st := h.c.Status()
	assert.False(t, st.Gate.ComputationInFlight)
	assert.Nil(t, st.Pending)
	h.noSearch()
}

func TestLegalityAbortsAfterOneFallback(t *testing.T) {
	h := newHarness(t, nil)
	h.startCycle(10, startFEN)

	// g1f3 is legal but ranked below two failures.
	h.deliver(1, engine.Snapshot{Candidates: candidates("e3e4", 120, "d7d5", 100, "g1f3", 90), BestMove: "e3e4", Final: true})

	assert.Empty(t, h.ch.moves())
	st := h.c.Status()
	assert.False(t, st.Gate.ComputationInFlight)
	assert.Nil(t, st.Pending)
}

func TestHumanInterruption(t *testing.T) {
	h := newHarness(t, nil)
	h.open()

	h.c.OnVisualChange(t0.Add(100 * time.Millisecond))
	h.c.OnFeed([]byte(fmt.Sprintf(`{"t":"move","v":10,"d":{"fen":%q}}`, startFEN)), t0.Add(260*time.Millisecond))
	h.sync()

	st := h.c.Status()
	assert.True(t, st.Gate.HumanOverride)
	assert.Equal(t, "human override active", st.Blocker)

	h.advance(h.c.cfg.Debounce)
	h.noSearch()
	assert.False(t, h.c.tryStartFromTest())

	h.advance(h.c.cfg.HumanCooldown - h.c.cfg.Debounce)
	s := h.nextSearch()
	assert.Equal(t, int64(10), s.pos.Version)
	assert.False(t, h.c.Status().Gate.HumanOverride)
}

func TestRemoteChangeIsNotHuman(t *testing.T) {
	h := newHarness(t, nil)
	h.open()

	// Feed first, board repaint afterwards.
	h.c.OnFeed([]byte(fmt.Sprintf(`{"t":"move","v":10,"d":{"fen":%q}}`, startFEN)), t0.Add(100*time.Millisecond))
	h.c.OnVisualChange(t0.Add(130 * time.Millisecond))
	h.sync()
	assert.False(t, h.c.Status().Gate.HumanOverride)
}

func TestStuckRecovery(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Budget.CeilingSlack = time.Hour
		c.Watchdog.Interval = time.Second
		c.Watchdog.StuckAfter = 2 * time.Second
	})
	first := h.startCycle(10, startFEN)

	h.advance(850 * time.Millisecond) // t=1s
	h.advance(time.Second)            // t=2s
	assert.Equal(t, 0, h.c.Status().TotalRecoveries)
	h.advance(time.Second) // t=3s, in flight for 2.85s

	second := h.nextSearch()
	st := h.c.Status()
	assert.Equal(t, 1, st.TotalRecoveries)
	assert.Contains(t, st.LastRecovery, "in flight")
	assert.True(t, st.Gate.ComputationInFlight)
	assert.Equal(t, uint64(2), st.Gate.Cycle)
	assert.Equal(t, int64(10), second.pos.Version)
	assert.Error(t, first.ctx.Err(), "stuck search was cancelled")

	// The late answer of the first cycle is ignored.
	h.deliver(1, engine.Snapshot{Candidates: candidates("e2e4", 10), BestMove: "e2e4", Final: true})
	assert.Empty(t, h.ch.moves())
	assert.True(t, h.c.Status().Gate.ComputationInFlight)
}

func TestRecoveryIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.startCycle(10, startFEN)

	require.NoError(t, h.c.ForceRecover("first"))
	h.sync()
	once := h.c.Status().Gate
	require.NoError(t, h.c.ForceRecover("second"))
	h.sync()
	twice := h.c.Status().Gate

	if diff := cmp.Diff(once, twice, cmpopts.IgnoreFields(gate.State{}, "Cycle")); diff != "" {
		t.Errorf("second recovery changed the gate (-once +twice):\n%s", diff)
	}
}

func TestRecoveryWithNothingToRecover(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.c.ForceRecover(""))
	h.sync()
	once := h.c.Status()
	require.NoError(t, h.c.ForceRecover(""))
	h.sync()
	twice := h.c.Status()

	assert.Equal(t, once.Gate, twice.Gate)
	assert.Equal(t, "manual", twice.LastRecovery)
	assert.Equal(t, 2, twice.TotalRecoveries)
	h.noSearch()
}

func TestRepeatedRecoveriesDropLiveness(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Watchdog.EscalateAfter = 2 })
	assert.True(t, h.c.Status().Live)

	for i := 0; i < 2; i++ {
		require.NoError(t, h.c.ForceRecover("stall"))
	}
	h.sync()
	assert.True(t, h.c.Status().Live, "below the escalation threshold")

	require.NoError(t, h.c.ForceRecover("stall"))
	h.sync()
	st := h.c.Status()
	assert.True(t, st.Degraded)
	assert.False(t, st.Live)
	assert.Equal(t, 0, st.Recoveries, "counter reset on escalation")

	// A sent move is forward progress and restores liveness.
	h.startCycle(10, startFEN)
	h.deliver(1, engine.Snapshot{Candidates: candidates("e2e4", 30), BestMove: "e2e4", Final: true})
	st = h.c.Status()
	assert.False(t, st.Degraded)
	assert.True(t, st.Live)
}

func TestSingleFlight(t *testing.T) {
	h := newHarness(t, nil)
	h.startCycle(10, startFEN)

	// Nothing that re-runs tryStart may start a second computation.
	h.c.OnChannelState(types.ChannelConnecting)
	h.c.OnChannelState(types.ChannelOpen)
	h.sync()
	assert.False(t, h.c.tryStartFromTest())
	h.advance(time.Second)

	h.noSearch()
	assert.Equal(t, uint64(1), h.c.Status().Gate.Cycle)
}

func TestConfirmationNeedsBoardAndSide(t *testing.T) {
	h := newHarness(t, nil)
	h.startCycle(10, startFEN)
	h.deliver(1, engine.Snapshot{Candidates: candidates("e2e4", 30), BestMove: "e2e4", Final: true})
	require.NotNil(t, h.c.Status().Pending)

	// Same board, new version: a clock-only update.
	h.feed(11, startFEN)
	assert.NotNil(t, h.c.Status().Pending)
	h.advance(h.c.cfg.Debounce)
	h.noSearch()

	h.feed(12, afterE4)
	assert.Nil(t, h.c.Status().Pending)
}

func TestDebounceKeepsOnlyLastRevision(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.PlayAs = "both" })
	h.open()

	h.feed(10, startFEN)
	h.advance(h.c.cfg.Debounce / 2)
	h.feed(12, afterE4E5)
	h.advance(h.c.cfg.Debounce / 2)
	h.noSearch()

	h.advance(h.c.cfg.Debounce / 2)
	s := h.nextSearch()
	assert.Equal(t, int64(12), s.pos.Version)
	h.noSearch()
	assert.Equal(t, uint64(1), h.c.Status().Gate.Cycle)
}

func TestRefusalsAreCounted(t *testing.T) {
	h := newHarness(t, nil)

	// Position first, channel afterwards: the open transition finds the
	// debounce still running.
	h.ch.setState(types.ChannelOpen)
	h.feed(10, startFEN)
	h.c.OnChannelState(types.ChannelOpen)
	h.sync()
	assert.Equal(t, float64(1), h.refusals("debounce pending"))

	h.advance(h.c.cfg.Debounce)
	h.nextSearch()
	h.deliver(1, engine.Snapshot{Candidates: candidates("e2e4", 30), BestMove: "e2e4", Final: true})
	require.NotNil(t, h.c.Status().Pending)

	// A clock-only update re-arms the turn while the move is unconfirmed.
	h.feed(11, startFEN)
	h.advance(h.c.cfg.Debounce)
	h.noSearch()
	assert.Equal(t, float64(1), h.refusals("awaiting confirmation"))
}

func TestConfirmTimeoutRecovers(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Watchdog.IdleThreshold = time.Hour })
	h.startCycle(10, startFEN)
	h.deliver(1, engine.Snapshot{Candidates: candidates("e2e4", 30), BestMove: "e2e4", Final: true})

	h.advance(h.c.cfg.ConfirmTimeout)

	st := h.c.Status()
	assert.Equal(t, "move not confirmed", st.LastRecovery)
	assert.Nil(t, st.Pending)
	// Still our turn on the same position, so the cycle is retried.
	s := h.nextSearch()
	assert.Equal(t, int64(10), s.pos.Version)
}

func TestConnectingRetriesThenSends(t *testing.T) {
	h := newHarness(t, nil)
	h.startCycle(10, startFEN)
	h.ch.setState(types.ChannelConnecting)

	h.deliver(1, engine.Snapshot{Candidates: candidates("e2e4", 30), BestMove: "e2e4", Final: true})
	assert.Empty(t, h.ch.moves())
	assert.True(t, h.c.Status().Gate.ComputationInFlight, "held while the send is retried")

	h.advance(h.c.cfg.SendBackoff)
	assert.Empty(t, h.ch.moves())

	h.ch.setState(types.ChannelOpen)
	h.advance(2 * h.c.cfg.SendBackoff)
	assert.Equal(t, []types.Move{"e2e4"}, h.ch.moves())
	assert.False(t, h.c.Status().Gate.ComputationInFlight)
}

func TestConnectingGivesUp(t *testing.T) {
	h := newHarness(t, nil)
	h.startCycle(10, startFEN)
	h.ch.setState(types.ChannelConnecting)

	h.deliver(1, engine.Snapshot{Candidates: candidates("e2e4", 30), BestMove: "e2e4", Final: true})
	backoff := h.c.cfg.SendBackoff
	for i := 0; i < h.c.cfg.SendRetries; i++ {
		h.advance(backoff)
		backoff *= 2
	}

	assert.Empty(t, h.ch.moves())
	st := h.c.Status()
	assert.False(t, st.Gate.ComputationInFlight)
	assert.Nil(t, st.Pending)
}

func TestClosedChannelAbandons(t *testing.T) {
	h := newHarness(t, nil)
	h.startCycle(10, startFEN)
	h.ch.setState(types.ChannelClosed)

	h.deliver(1, engine.Snapshot{Candidates: candidates("e2e4", 30), BestMove: "e2e4", Final: true})
	assert.Empty(t, h.ch.moves())
	assert.False(t, h.c.Status().Gate.ComputationInFlight)
}

func TestSendErrorRetriedOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.startCycle(10, startFEN)
	h.ch.setFail(1)

	h.deliver(1, engine.Snapshot{Candidates: candidates("e2e4", 30), BestMove: "e2e4", Final: true})
	assert.Equal(t, []types.Move{"e2e4"}, h.ch.moves())
	assert.Equal(t, 0, h.c.Status().TotalRecoveries)
}

func TestSendErrorTwiceRecovers(t *testing.T) {
	h := newHarness(t, nil)
	h.startCycle(10, startFEN)
	h.ch.setFail(2)

	h.deliver(1, engine.Snapshot{Candidates: candidates("e2e4", 30), BestMove: "e2e4", Final: true})
	st := h.c.Status()
	assert.Equal(t, "send_error", st.LastRecovery)
	assert.Equal(t, uint64(2), st.Gate.Cycle, "recovery restarted the cycle")
}

func TestSupersededCycleIsDiscarded(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.PlayAs = "both" })
	first := h.startCycle(10, startFEN)

	h.feed(12, afterE4E5)
	assert.Error(t, first.ctx.Err(), "older computation cancelled")
	assert.False(t, h.c.Status().Gate.ComputationInFlight)

	h.advance(h.c.cfg.Debounce)
	second := h.nextSearch()
	assert.Equal(t, int64(12), second.pos.Version)

	h.deliver(1, engine.Snapshot{Candidates: candidates("e2e4", 50), BestMove: "e2e4", Final: true})
	assert.Empty(t, h.ch.moves(), "late answer of the old cycle")

	h.deliver(2, engine.Snapshot{Candidates: candidates("g1f3", 20), BestMove: "g1f3", Final: true})
	assert.Equal(t, []types.Move{"g1f3"}, h.ch.moves())
}

func TestCeilingUsesBestSoFar(t *testing.T) {
	h := newHarness(t, nil)
	s := h.startCycle(10, startFEN)

	h.deliver(1, engine.Snapshot{Candidates: candidates("d2d4", 25, "c2c4", 20)})
	assert.Empty(t, h.ch.moves(), "progress never submits")

	h.advance(s.budget.Ceiling)
	assert.Equal(t, []types.Move{"d2d4"}, h.ch.moves())

	h.eng.mu.Lock()
	defer h.eng.mu.Unlock()
	assert.Equal(t, 1, h.eng.stops)
}

func TestCeilingWithoutCandidatesAborts(t *testing.T) {
	h := newHarness(t, nil)
	s := h.startCycle(10, startFEN)

	h.advance(s.budget.Ceiling)
	assert.Empty(t, h.ch.moves())
	assert.False(t, h.c.Status().Gate.ComputationInFlight)
}

func TestStaleAndMalformedFeedIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.open()
	h.feed(10, startFEN)
	h.feed(9, afterE4)
	h.c.OnFeed([]byte(`{"t":"crowd","d":{"watchers":3}}`), h.clk.Now())
	h.c.OnFeed([]byte(`{"t":"move","v":"x","d":{"fen":"8/8/8/8/8/8/8/8"}}`), h.clk.Now())
	h.sync()

	st := h.c.Status()
	assert.Equal(t, int64(10), st.Position.Version)
	assert.Equal(t, startFEN[:len("rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR")], st.Position.Board)
}

func TestNewGameResetsVersions(t *testing.T) {
	h := newHarness(t, nil)
	h.open()
	h.feed(40, afterE4E5)

	h.c.OnNewGame("g2")
	h.sync()
	assert.False(t, h.c.Status().HasPosition)

	h.feed(0, startFEN)
	st := h.c.Status()
	assert.True(t, st.HasPosition)
	assert.Equal(t, int64(0), st.Position.Version)
}

func TestIdleRecoveryOnlyWithPosition(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Watchdog.Interval = 5 * time.Second
		c.Watchdog.IdleThreshold = 12 * time.Second
	})
	for i := 0; i < 3; i++ {
		h.advance(5 * time.Second)
	}
	assert.Equal(t, 0, h.c.Status().TotalRecoveries, "no position yet")

	// Black to move while we play white: waiting on the opponent.
	h.open()
	h.feed(11, afterE4)
	for i := 0; i < 3; i++ {
		h.advance(5 * time.Second)
	}
	st := h.c.Status()
	assert.Equal(t, 1, st.TotalRecoveries)
	assert.Contains(t, st.LastRecovery, "no progress")
	h.noSearch()
}

// anyDue reports whether an armed timer has reached its deadline but its
// event has not been handled yet.
func (c *Controller) anyDue() bool {
	now := c.clock.Now()
	for _, a := range c.timers {
		if !a.deadline.After(now) {
			return true
		}
	}
	return false
}

// tryStartFromTest runs tryStart on the loop and reports its result.
func (c *Controller) tryStartFromTest() bool {
	result := make(chan bool, 1)
	done := make(chan struct{})
	c.post(syncEvent{f: func() { result <- c.tryStart() }, done: done})
	<-done
	return <-result
}
