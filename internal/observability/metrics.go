package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics
	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "transcribe_gateway_active_connections",
		Help: "Number of currently connected clients",
	})

	totalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transcribe_gateway_connections_total",
		Help: "Total number of client connections accepted",
	})

	connectionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "transcribe_gateway_connection_duration_seconds",
		Help:    "Duration of client connections in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	})

	authFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcribe_gateway_auth_failures_total",
		Help: "Total number of rejected connection attempts",
	}, []string{"reason"})

	// Streaming metrics
	audioBytesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transcribe_gateway_audio_bytes_total",
		Help: "Total audio bytes received from clients",
	})

	audioQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "transcribe_gateway_audio_queue_depth",
		Help: "Audio chunks queued and not yet submitted to the backend, across all sessions",
	})

	transcriptEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcribe_gateway_transcript_events_total",
		Help: "Total transcript events forwarded to clients",
	}, []string{"finality"}) // "partial" or "final"

	streamingSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcribe_gateway_streaming_sessions_total",
		Help: "Total streaming sessions opened against the transcription backend",
	}, []string{"status"}) // "started" or "failed"

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcribe_gateway_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Directory metrics
	directoryOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcribe_gateway_directory_operations_total",
		Help: "Total connection directory operations",
	}, []string{"op", "status"})
)

// RecordConnectionStart records an accepted client connection.
func RecordConnectionStart() {
	activeConnections.Inc()
	totalConnections.Inc()
}

// RecordConnectionEnd records a closed client connection and its duration.
func RecordConnectionEnd(seconds float64) {
	activeConnections.Dec()
	connectionDuration.Observe(seconds)
}

// RecordAuthFailure records a rejected connection attempt by reason.
func RecordAuthFailure(reason string) {
	authFailures.WithLabelValues(reason).Inc()
}

// RecordAudioBytes records audio bytes received from a client.
func RecordAudioBytes(n int) {
	audioBytesReceived.Add(float64(n))
}

// RecordQueueDepth adjusts the aggregate audio queue depth gauge.
// Pass a positive delta on enqueue and a negative one on dequeue.
func RecordQueueDepth(delta int) {
	audioQueueDepth.Add(float64(delta))
}

// ResetQueueDepth removes a cancelled session's remaining chunks from the gauge.
func ResetQueueDepth(remaining int) {
	if remaining > 0 {
		audioQueueDepth.Sub(float64(remaining))
	}
}

// RecordTranscriptEvent records a transcript event forwarded to a client.
func RecordTranscriptEvent(isFinal bool) {
	finality := "partial"
	if isFinal {
		finality = "final"
	}
	transcriptEvents.WithLabelValues(finality).Inc()
}

// RecordSessionStart records a streaming session opened against the backend.
func RecordSessionStart(ok bool) {
	status := "started"
	if !ok {
		status = "failed"
	}
	streamingSessions.WithLabelValues(status).Inc()
}

// RecordError records an error by type and component.
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordDirectoryOp records a connection directory operation outcome.
func RecordDirectoryOp(op string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	directoryOps.WithLabelValues(op, status).Inc()
}
