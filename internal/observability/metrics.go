package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Capture metrics
	captureActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_dictation_capture_active",
		Help: "Whether the microphone capture loop is running (1) or not (0)",
	})

	framesCaptured = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_dictation_frames_captured_total",
		Help: "Total number of 40ms audio frames produced by the capture engine",
	})

	framesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_dictation_frames_dropped_total",
		Help: "Total number of captured frames dropped before reaching the session",
	}, []string{"reason"})

	audioLevel = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_dictation_audio_level",
		Help:    "Post-gain normalized RMS of captured frames",
		Buckets: []float64{0.001, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.4, 0.8},
	})

	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_dictation_active_sessions",
		Help: "Number of open transcription sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_dictation_sessions_total",
		Help: "Total number of transcription sessions opened",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_dictation_session_duration_seconds",
		Help:    "Duration of transcription sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	})

	sessionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_dictation_session_state",
		Help: "Current session state (0=disconnected ... 7=errored)",
	})

	messagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_dictation_messages_sent_total",
		Help: "Protocol messages sent to the transcription service",
	}, []string{"type"})

	messagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_dictation_messages_received_total",
		Help: "Protocol messages received from the transcription service",
	}, []string{"type"})

	appendsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_dictation_appends_skipped_total",
		Help: "Audio appends not sent, by reason",
	}, []string{"reason"})

	commits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_dictation_commits_total",
		Help: "Stop requests by outcome (sent or skipped)",
	}, []string{"outcome"})

	transcripts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_dictation_transcripts_total",
		Help: "Transcript events delivered, by kind",
	}, []string{"kind"})

	rateLimitWindows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_dictation_rate_limit_windows_total",
		Help: "Number of rate-limit backoff windows opened",
	})

	// Transcription result metrics
	transcriptionRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_dictation_transcriptions_total",
		Help: "Total number of committed segments by result",
	}, []string{"status"})

	transcriptionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_dictation_transcription_latency_seconds",
		Help:    "Time from commit to transcription result in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 20.0},
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_dictation_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_dictation_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_dictation_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_dictation_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "captured" or "sent"

	// Relay metrics
	relayClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_dictation_relay_clients",
		Help: "Number of connected event relay clients",
	})
)

// Metrics tracks metrics for a single transcription session
type Metrics struct {
	sessionID  string
	startTime  time.Time
	commitTime time.Time
	mu         sync.Mutex
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID string) *Metrics {
	return &Metrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// SessionID returns the session this tracker belongs to
func (m *Metrics) SessionID() string {
	return m.sessionID
}

// RecordSessionStart records the start of a session
func (m *Metrics) RecordSessionStart() {
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a session
func (m *Metrics) RecordSessionEnd() {
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordCommit records a stop request; sent reports whether a commit went out
func (m *Metrics) RecordCommit(sent bool) {
	if !sent {
		commits.WithLabelValues("skipped").Inc()
		return
	}
	commits.WithLabelValues("sent").Inc()

	m.mu.Lock()
	m.commitTime = time.Now()
	m.mu.Unlock()
}

// RecordTranscriptionEnd records the result of a committed segment
func (m *Metrics) RecordTranscriptionEnd(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.commitTime.IsZero() {
		transcriptionLatency.Observe(time.Since(m.commitTime).Seconds())
		m.commitTime = time.Time{}
	}

	status := "success"
	if !success {
		status = "error"
	}
	transcriptionRequests.WithLabelValues(status).Inc()
}

// RecordMessageSent records an outbound protocol message
func (m *Metrics) RecordMessageSent(msgType string) {
	messagesSent.WithLabelValues(msgType).Inc()
}

// RecordMessageReceived records an inbound protocol message
func (m *Metrics) RecordMessageReceived(msgType string) {
	messagesReceived.WithLabelValues(msgType).Inc()
}

// RecordAppendSkipped records an audio append that was not sent
func (m *Metrics) RecordAppendSkipped(reason string) {
	appendsSkipped.WithLabelValues(reason).Inc()
}

// RecordTranscript records a delivered transcript event
func (m *Metrics) RecordTranscript(kind string) {
	transcripts.WithLabelValues(kind).Inc()
}

// RecordRateLimit records the opening of a rate-limit window
func (m *Metrics) RecordRateLimit() {
	rateLimitWindows.Inc()
}

// SetSessionState publishes the session state as a gauge
func (m *Metrics) SetSessionState(state int) {
	sessionState.Set(float64(state))
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordAudioBytes records audio bytes processed
func (m *Metrics) RecordAudioBytes(direction string, bytes int64) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// SetCaptureActive marks the capture loop as running or stopped
func SetCaptureActive(active bool) {
	if active {
		captureActive.Set(1)
	} else {
		captureActive.Set(0)
	}
}

// RecordFrameCaptured records one emitted frame and its post-gain level
func RecordFrameCaptured(bytes int, level float64) {
	framesCaptured.Inc()
	audioLevel.Observe(level)
	audioBytesProcessed.WithLabelValues("captured").Add(float64(bytes))
}

// RecordFrameDropped records a frame that could not be handed off
func RecordFrameDropped(reason string) {
	framesDropped.WithLabelValues(reason).Inc()
}

// RecordCaptureError records a capture failure
func RecordCaptureError(errorType string) {
	errorsTotal.WithLabelValues(errorType, "capture").Inc()
}

// SetRelayClients publishes the number of connected relay clients
func SetRelayClients(n int) {
	relayClients.Set(float64(n))
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
