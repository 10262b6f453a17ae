package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	registry       *prometheus.Registry
	registryOnce   sync.Once
	metricsEnabled = true

	// Call metrics
	ActiveCalls      prometheus.Gauge
	CallsStarted     prometheus.Counter
	CallsEnded       prometheus.Counter
	CallDuration     prometheus.Histogram
	AudioPacketsIn   *prometheus.CounterVec
	AudioBytesIn     *prometheus.CounterVec
	BacklogDropped   *prometheus.CounterVec
	FinalTranscripts *prometheus.CounterVec

	// Transcription session metrics
	STTConnects          *prometheus.CounterVec
	STTReconnectAttempts *prometheus.CounterVec
	STTTerminalFailures  *prometheus.CounterVec

	// Coaching metrics
	CoachingCycles       *prometheus.CounterVec
	CoachingLatency      prometheus.Histogram
	CoachingFailures     *prometheus.CounterVec
	CoachingScores       prometheus.Histogram
	InvalidCoachingDrops prometheus.Counter

	// Attention metrics
	AlertsRaised    *prometheus.CounterVec
	AlertsResolved  prometheus.Counter
	AlertsDismissed prometheus.Counter

	// Realtime hub metrics
	ManagerConnections prometheus.Gauge
	ListenInSubs       prometheus.Gauge
	StaleConnections   prometheus.Counter

	// Messaging metrics
	AMQPPublished        *prometheus.CounterVec
	AMQPConnectionErrors prometheus.Counter
)

// EnableMetrics enables or disables metrics recording. Tests disable it so
// they don't need a live registry.
func EnableMetrics(enabled bool) {
	metricsEnabled = enabled
}

// IsEnabled returns whether metrics recording is active
func IsEnabled() bool {
	return metricsEnabled
}

// Init initializes all metrics and registers them with Prometheus
func Init(logger *logrus.Logger) {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		ActiveCalls = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "salescoach_active_calls",
			Help: "Number of currently active call sessions",
		})

		CallsStarted = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "salescoach_calls_started_total",
			Help: "Total number of call sessions started",
		})

		CallsEnded = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "salescoach_calls_ended_total",
			Help: "Total number of call sessions ended",
		})

		CallDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "salescoach_call_duration_seconds",
			Help:    "Duration of completed calls",
			Buckets: prometheus.ExponentialBuckets(30, 2, 8), // 30s to ~64min
		})

		AudioPacketsIn = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "salescoach_audio_packets_received_total",
			Help: "Total number of audio packets received",
		}, []string{"role"})

		AudioBytesIn = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "salescoach_audio_bytes_received_total",
			Help: "Total number of audio bytes received",
		}, []string{"role"})

		BacklogDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "salescoach_audio_backlog_dropped_total",
			Help: "Audio frames dropped because the pre-connection backlog was full",
		}, []string{"role"})

		FinalTranscripts = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "salescoach_final_transcripts_total",
			Help: "Total number of finalized transcript segments recorded",
		}, []string{"role"})

		STTConnects = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "salescoach_stt_connects_total",
			Help: "Total number of transcription provider connections established",
		}, []string{"role"})

		STTReconnectAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "salescoach_stt_reconnect_attempts_total",
			Help: "Total number of transcription reconnect attempts",
		}, []string{"role"})

		STTTerminalFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "salescoach_stt_terminal_failures_total",
			Help: "Transcription sessions that gave up after exhausting reconnects",
		}, []string{"role"})

		CoachingCycles = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "salescoach_coaching_cycles_total",
			Help: "Total number of coaching inference cycles",
		}, []string{"outcome"})

		CoachingLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "salescoach_coaching_latency_seconds",
			Help:    "Latency of coaching inference calls",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		})

		CoachingFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "salescoach_coaching_failures_total",
			Help: "Coaching cycles that produced no result",
		}, []string{"reason"})

		CoachingScores = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "salescoach_coaching_scores",
			Help:    "Distribution of coaching scores",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		})

		InvalidCoachingDrops = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "salescoach_invalid_coaching_results_total",
			Help: "Inference responses discarded for failing validation",
		})

		AlertsRaised = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "salescoach_alerts_raised_total",
			Help: "Total number of attention alerts raised",
		}, []string{"severity"})

		AlertsResolved = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "salescoach_alerts_resolved_total",
			Help: "Total number of attention alerts auto-resolved",
		})

		AlertsDismissed = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "salescoach_alerts_dismissed_total",
			Help: "Total number of attention alerts dismissed by managers",
		})

		ManagerConnections = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "salescoach_manager_connections",
			Help: "Number of connected manager dashboard sockets",
		})

		ListenInSubs = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "salescoach_listen_in_subscriptions",
			Help: "Number of active per-call listen-in subscriptions",
		})

		StaleConnections = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "salescoach_stale_connections_total",
			Help: "Manager connections terminated for failing health checks",
		})

		AMQPPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "salescoach_amqp_published_total",
			Help: "Messages published to the AMQP queue",
		}, []string{"kind"})

		AMQPConnectionErrors = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "salescoach_amqp_connection_errors_total",
			Help: "AMQP connection failures",
		})

		registry.MustRegister(
			ActiveCalls, CallsStarted, CallsEnded, CallDuration,
			AudioPacketsIn, AudioBytesIn, BacklogDropped, FinalTranscripts,
			STTConnects, STTReconnectAttempts, STTTerminalFailures,
			CoachingCycles, CoachingLatency, CoachingFailures, CoachingScores, InvalidCoachingDrops,
			AlertsRaised, AlertsResolved, AlertsDismissed,
			ManagerConnections, ListenInSubs, StaleConnections,
			AMQPPublished, AMQPConnectionErrors,
		)

		logger.Info("Prometheus metrics initialized")
	})
}

// Handler returns the HTTP handler exposing the metrics registry
func Handler() http.Handler {
	if registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Recording helpers. Each is a no-op when metrics are disabled or Init has
// not run, so library code can call them unconditionally.

// RecordAudioPacket records an ingested audio packet for a role
func RecordAudioPacket(role string, bytes int) {
	if !metricsEnabled || AudioPacketsIn == nil {
		return
	}
	AudioPacketsIn.WithLabelValues(role).Inc()
	AudioBytesIn.WithLabelValues(role).Add(float64(bytes))
}

// RecordBacklogDrop records a dropped backlog frame
func RecordBacklogDrop(role string) {
	if !metricsEnabled || BacklogDropped == nil {
		return
	}
	BacklogDropped.WithLabelValues(role).Inc()
}

// RecordFinalTranscript records a stored final transcript segment
func RecordFinalTranscript(role string) {
	if !metricsEnabled || FinalTranscripts == nil {
		return
	}
	FinalTranscripts.WithLabelValues(role).Inc()
}

// RecordSTTConnect records an established provider connection
func RecordSTTConnect(role string) {
	if !metricsEnabled || STTConnects == nil {
		return
	}
	STTConnects.WithLabelValues(role).Inc()
}

// RecordSTTReconnect records a reconnect attempt
func RecordSTTReconnect(role string) {
	if !metricsEnabled || STTReconnectAttempts == nil {
		return
	}
	STTReconnectAttempts.WithLabelValues(role).Inc()
}

// RecordSTTTerminalFailure records a session that exhausted its reconnects
func RecordSTTTerminalFailure(role string) {
	if !metricsEnabled || STTTerminalFailures == nil {
		return
	}
	STTTerminalFailures.WithLabelValues(role).Inc()
}

// RecordCoachingCycle records the outcome and latency of a coaching cycle
func RecordCoachingCycle(outcome string, elapsed time.Duration) {
	if !metricsEnabled || CoachingCycles == nil {
		return
	}
	CoachingCycles.WithLabelValues(outcome).Inc()
	CoachingLatency.Observe(elapsed.Seconds())
}

// RecordCoachingFailure records a cycle that produced no result
func RecordCoachingFailure(reason string) {
	if !metricsEnabled || CoachingFailures == nil {
		return
	}
	CoachingFailures.WithLabelValues(reason).Inc()
}

// RecordInvalidCoachingResult records a coaching result discarded for
// violating the output contract
func RecordInvalidCoachingResult() {
	if !metricsEnabled || InvalidCoachingDrops == nil {
		return
	}
	InvalidCoachingDrops.Inc()
}

// RecordCoachingScore records a validated coaching score
func RecordCoachingScore(score float64) {
	if !metricsEnabled || CoachingScores == nil {
		return
	}
	CoachingScores.Observe(score)
}

// RecordAlertRaised records a raised attention alert
func RecordAlertRaised(severity string) {
	if !metricsEnabled || AlertsRaised == nil {
		return
	}
	AlertsRaised.WithLabelValues(severity).Inc()
}

// RecordAlertResolved records an auto-resolved alert
func RecordAlertResolved() {
	if !metricsEnabled || AlertsResolved == nil {
		return
	}
	AlertsResolved.Inc()
}

// RecordAlertDismissed records a manager dismissal
func RecordAlertDismissed() {
	if !metricsEnabled || AlertsDismissed == nil {
		return
	}
	AlertsDismissed.Inc()
}

// RecordManagerConnected records a manager socket registering with the hub
func RecordManagerConnected() {
	if !metricsEnabled || ManagerConnections == nil {
		return
	}
	ManagerConnections.Inc()
}

// RecordManagerDisconnected records a manager socket unregistering
func RecordManagerDisconnected() {
	if !metricsEnabled || ManagerConnections == nil {
		return
	}
	ManagerConnections.Dec()
}

// RecordListenInSubscription records a per-call listen-in subscription
func RecordListenInSubscription() {
	if !metricsEnabled || ListenInSubs == nil {
		return
	}
	ListenInSubs.Inc()
}

// RecordListenInEnded records a listen-in subscription going away
func RecordListenInEnded() {
	if !metricsEnabled || ListenInSubs == nil {
		return
	}
	ListenInSubs.Dec()
}

// RecordStaleConnection records a connection terminated for missing pings
func RecordStaleConnection() {
	if !metricsEnabled || StaleConnections == nil {
		return
	}
	StaleConnections.Inc()
}

// RecordAMQPPublish records a published message
func RecordAMQPPublish(kind string) {
	if !metricsEnabled || AMQPPublished == nil {
		return
	}
	AMQPPublished.WithLabelValues(kind).Inc()
}

// RecordAMQPConnectionError records an AMQP connection failure
func RecordAMQPConnectionError() {
	if !metricsEnabled || AMQPConnectionErrors == nil {
		return
	}
	AMQPConnectionErrors.Inc()
}

// RecordCallStarted records a new call session
func RecordCallStarted() {
	if !metricsEnabled || CallsStarted == nil {
		return
	}
	CallsStarted.Inc()
	ActiveCalls.Inc()
}

// RecordCallEnded records a completed call session
func RecordCallEnded(duration time.Duration) {
	if !metricsEnabled || CallsEnded == nil {
		return
	}
	CallsEnded.Inc()
	ActiveCalls.Dec()
	CallDuration.Observe(duration.Seconds())
}
