// Package metrics exposes delivery counters for Prometheus.
package metrics

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors. A nil *Metrics records nothing, so callers
// never need to check whether metrics are enabled.
type Metrics struct {
	postsDelivered     *prometheus.CounterVec
	postsFailed        *prometheus.CounterVec
	postsSkipped       *prometheus.CounterVec
	attachmentsDropped *prometheus.CounterVec
	channelFailures    *prometheus.CounterVec
	runDuration        *prometheus.HistogramVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		// Labels: binding
		postsDelivered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reposter",
			Name:      "posts_delivered_total",
			Help:      "Posts delivered to every reachable destination",
		}, []string{"binding"}),
		postsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reposter",
			Name:      "posts_failed_total",
			Help:      "Posts whose processing or publishing failed",
		}, []string{"binding"}),
		postsSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reposter",
			Name:      "posts_skipped_total",
			Help:      "Posts with nothing to publish",
		}, []string{"binding"}),
		attachmentsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reposter",
			Name:      "attachments_dropped_total",
			Help:      "Attachments that could not be staged",
		}, []string{"binding"}),
		// Labels: binding, channel
		channelFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reposter",
			Name:      "channel_failures_total",
			Help:      "Failed deliveries to a single channel",
		}, []string{"binding", "channel"}),
		runDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "reposter",
			Name:      "binding_run_duration_seconds",
			Help:      "Duration of one binding run",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"binding"}),
	}
}

func (m *Metrics) PostDelivered(binding string) {
	if m == nil {
		return
	}
	m.postsDelivered.WithLabelValues(binding).Inc()
}

func (m *Metrics) PostFailed(binding string) {
	if m == nil {
		return
	}
	m.postsFailed.WithLabelValues(binding).Inc()
}

func (m *Metrics) PostSkipped(binding string) {
	if m == nil {
		return
	}
	m.postsSkipped.WithLabelValues(binding).Inc()
}

func (m *Metrics) AttachmentsDropped(binding string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.attachmentsDropped.WithLabelValues(binding).Add(float64(n))
}

func (m *Metrics) ChannelFailed(binding, channel string) {
	if m == nil {
		return
	}
	m.channelFailures.WithLabelValues(binding, channel).Inc()
}

func (m *Metrics) ObserveRun(binding string, d time.Duration) {
	if m == nil {
		return
	}
	m.runDuration.WithLabelValues(binding).Observe(d.Seconds())
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Printf("[Metrics] Listening on %s", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
