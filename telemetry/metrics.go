// Package telemetry provides Prometheus metrics, OpenTelemetry tracing setup,
// and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	PollTicks      prometheus.Counter
	MessagesFetched prometheus.Counter
	RepliesPosted  prometheus.Counter
	RepliesFailed  prometheus.Counter
	RepliesSkipped prometheus.Counter

	// Labeled counters
	ProbeErrors        *prometheus.CounterVec // class: transient|permanent|auth
	SessionTransitions *prometheus.CounterVec // from, to

	// Histograms (seconds)
	TickDuration  prometheus.Observer
	ReplyDuration prometheus.Observer
	FetchDuration prometheus.Observer

	// Gauges
	SessionStateGauge   prometheus.Gauge // numeric State value
	SessionHealthyGauge prometheus.Gauge // 1=healthy, 0=not
	PollIntervalGauge   prometheus.Gauge // current tick interval in seconds
	AnsweredTotalGauge  prometheus.Gauge // rows in answered memory
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		PollTicks = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_poll_ticks_total", Help: "Number of polling loop ticks"})
		MessagesFetched = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_messages_fetched_total", Help: "Number of chat messages fetched"})
		RepliesPosted = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_replies_posted_total", Help: "Number of replies successfully posted"})
		RepliesFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_replies_failed_total", Help: "Number of reply generation or post failures"})
		RepliesSkipped = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_replies_skipped_total", Help: "Number of messages skipped (already answered, owner, screening)"})
		ProbeErrors = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_probe_errors_total", Help: "Probe and fetch errors by class"}, []string{"class"})
		SessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_session_transitions_total", Help: "Session state transitions"}, []string{"from", "to"})
		TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chat_tick_duration_seconds", Help: "Polling tick duration seconds", Buckets: prometheus.DefBuckets})
		ReplyDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chat_reply_duration_seconds", Help: "Reply generation duration seconds", Buckets: prometheus.DefBuckets})
		FetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chat_fetch_duration_seconds", Help: "Chat fetch duration seconds", Buckets: prometheus.DefBuckets})
		SessionStateGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_session_state", Help: "Session lifecycle state (0=no_session 1=creating 2=waiting_for_chat 3=upcoming 4=live 5=stale)"})
		SessionHealthyGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_session_healthy", Help: "Session health verdict (1=healthy)"})
		PollIntervalGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_poll_interval_seconds", Help: "Current tick interval including backoff"})
		AnsweredTotalGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_answered_memory_total", Help: "Answered-message records currently retained"})
	})
}

// RecordTransition counts one state transition. Safe before Init.
func RecordTransition(from, to string) {
	if SessionTransitions != nil {
		SessionTransitions.WithLabelValues(from, to).Inc()
	}
}

// RecordProbeError counts one classified probe/fetch error. Safe before Init.
func RecordProbeError(class string) {
	if ProbeErrors != nil {
		ProbeErrors.WithLabelValues(class).Inc()
	}
}

// SetSessionState publishes the numeric state and health gauges. Safe before Init.
func SetSessionState(state int, healthy bool) {
	if SessionStateGauge != nil {
		SessionStateGauge.Set(float64(state))
	}
	if SessionHealthyGauge != nil {
		if healthy {
			SessionHealthyGauge.Set(1)
		} else {
			SessionHealthyGauge.Set(0)
		}
	}
}

// SetPollInterval records the current tick interval. Safe before Init.
func SetPollInterval(d time.Duration) {
	if PollIntervalGauge != nil {
		PollIntervalGauge.Set(d.Seconds())
	}
}

// SetAnsweredTotal records the current answered-memory size. Safe before Init.
func SetAnsweredTotal(n int) {
	if AnsweredTotalGauge != nil {
		AnsweredTotalGauge.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------

type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns the correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with a corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
