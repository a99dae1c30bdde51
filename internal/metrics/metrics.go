// ============================================================================
// plysync Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
//
// Metric families:
//
//  1. Counters:
//     - plysync_feed_notifications_total{result}: accepted / stale / malformed / ignored
//     - plysync_computations_started_total
//     - plysync_decisions_total{policy}: which selection policy produced the move
//     - plysync_moves_sent_total
//     - plysync_moves_confirmed_total
//     - plysync_recoveries_total{reason}
//     - plysync_gate_refusals_total{blocker}
//     - plysync_human_overrides_total
//
//  2. Histograms:
//     - plysync_decision_seconds: cycle start to move chosen
//     - plysync_confirm_seconds: move sent to feed echo
//
//  3. Gauges:
//     - plysync_computation_in_flight (0/1)
//     - plysync_channel_state (0 connecting, 1 open, 2 closing, 3 closed)
//
// Example queries:
//
//	# decisions per minute
//	rate(plysync_decisions_total[1m])
//
//	# 95th percentile think-to-move latency
//	histogram_quantile(0.95, rate(plysync_decision_seconds_bucket[5m]))
//
//	# recovery rate by cause
//	sum by (reason) (rate(plysync_recoveries_total[10m]))
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the plysync metric families.
type Collector struct {
	feedNotifications *prometheus.CounterVec
	computations      prometheus.Counter
	decisions         *prometheus.CounterVec
	movesSent         prometheus.Counter
	movesConfirmed    prometheus.Counter
	recoveries        *prometheus.CounterVec
	gateRefusals      *prometheus.CounterVec
	humanOverrides    prometheus.Counter

	decisionLatency prometheus.Histogram
	confirmLatency  prometheus.Histogram

	inFlight     prometheus.Gauge
	channelState prometheus.Gauge
}

var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 6, 8, 10, 12, 15}

// NewCollector creates the metric families and registers them on reg. A nil
// reg uses the default registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		feedNotifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "plysync_feed_notifications_total",
			Help: "Position feed notifications by ingest result",
		}, []string{"result"}),
		computations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plysync_computations_started_total",
			Help: "Engine computations started",
		}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "plysync_decisions_total",
			Help: "Moves chosen, by selection policy",
		}, []string{"policy"}),
		movesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plysync_moves_sent_total",
			Help: "Move frames written to the game channel",
		}),
		movesConfirmed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plysync_moves_confirmed_total",
			Help: "Sent moves confirmed by the position feed",
		}),
		recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "plysync_recoveries_total",
			Help: "Watchdog recoveries by reason",
		}, []string{"reason"}),
		gateRefusals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "plysync_gate_refusals_total",
			Help: "Computation start refusals by blocking condition",
		}, []string{"blocker"}),
		humanOverrides: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plysync_human_overrides_total",
			Help: "Board changes attributed to the human operator",
		}),
		decisionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "plysync_decision_seconds",
			Help:    "Time from computation start to chosen move",
			Buckets: latencyBuckets,
		}),
		confirmLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "plysync_confirm_seconds",
			Help:    "Time from move sent to feed confirmation",
			Buckets: prometheus.DefBuckets,
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "plysync_computation_in_flight",
			Help: "1 while an engine computation is running",
		}),
		channelState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "plysync_channel_state",
			Help: "Game channel ready state (0 connecting, 1 open, 2 closing, 3 closed)",
		}),
	}
	c.channelState.Set(3)

	reg.MustRegister(
		c.feedNotifications,
		c.computations,
		c.decisions,
		c.movesSent,
		c.movesConfirmed,
		c.recoveries,
		c.gateRefusals,
		c.humanOverrides,
		c.decisionLatency,
		c.confirmLatency,
		c.inFlight,
		c.channelState,
	)
	return c
}

// RecordFeed counts one feed notification outcome.
func (c *Collector) RecordFeed(result string) {
	c.feedNotifications.WithLabelValues(result).Inc()
}

// RecordComputationStarted counts a computation and raises the in-flight gauge.
func (c *Collector) RecordComputationStarted() {
	c.computations.Inc()
	c.inFlight.Set(1)
}

// RecordComputationCleared lowers the in-flight gauge.
func (c *Collector) RecordComputationCleared() {
	c.inFlight.Set(0)
}

// RecordDecision records the chosen policy and the think time.
func (c *Collector) RecordDecision(policy string, took time.Duration) {
	c.decisions.WithLabelValues(policy).Inc()
	c.decisionLatency.Observe(took.Seconds())
}

func (c *Collector) RecordSent() {
	c.movesSent.Inc()
}

// RecordConfirmed records a confirmation and its round trip.
func (c *Collector) RecordConfirmed(took time.Duration) {
	c.movesConfirmed.Inc()
	c.confirmLatency.Observe(took.Seconds())
}

func (c *Collector) RecordRecovery(reason string) {
	c.recoveries.WithLabelValues(reason).Inc()
}

func (c *Collector) RecordRefusal(blocker string) {
	c.gateRefusals.WithLabelValues(blocker).Inc()
}

func (c *Collector) RecordHumanOverride() {
	c.humanOverrides.Inc()
}

// SetChannelState mirrors the game channel ready state.
func (c *Collector) SetChannelState(state int) {
	c.channelState.Set(float64(state))
}

// Handler serves the metrics of gatherer in Prometheus text format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on port until ctx is cancelled.
func StartServer(ctx context.Context, port int, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
