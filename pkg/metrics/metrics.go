// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// SessionsActive tracks currently active agent sessions.
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agent_sessions_active",
			Help: "Number of active agent sessions",
		},
	)

	// SessionsStartedTotal tracks session starts by link type.
	SessionsStartedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_sessions_started_total",
			Help: "Total agent sessions started",
		},
		[]string{"link_type"},
	)

	// SessionsEndedTotal tracks session ends by terminal status.
	SessionsEndedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_sessions_ended_total",
			Help: "Total agent sessions ended",
		},
		[]string{"status"},
	)

	// SessionStartRejectedTotal tracks rejected session starts by reason.
	SessionStartRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_session_start_rejected_total",
			Help: "Total rejected session start attempts",
		},
		[]string{"reason"},
	)

	// TurnDuration tracks end-to-end agent turn duration.
	TurnDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agent_turn_duration_seconds",
			Help:    "Agent turn duration in seconds",
			Buckets: []float64{.5, 1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"status"},
	)

	// FramesSentTotal tracks protocol frames written to turn streams.
	FramesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_frames_sent_total",
			Help: "Total protocol frames sent",
		},
		[]string{"type"},
	)

	// LLMStreamDuration tracks LLM streaming response duration.
	LLMStreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_stream_duration_seconds",
			Help:    "LLM streaming response duration",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"model", "status"},
	)

	// LLMTokensTotal tracks total LLM tokens processed.
	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total LLM tokens processed",
		},
		[]string{"model", "direction"},
	)

	// PeerConnectionsActive tracks open WebRTC peer connections.
	PeerConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "webrtc_peer_connections_active",
			Help: "Number of open WebRTC peer connections",
		},
	)

	// DatagramsReceivedTotal tracks keepalive datagrams received.
	DatagramsReceivedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "webrtc_datagrams_received_total",
			Help: "Total datagrams received on the unreliable channel",
		},
	)

	// ConversationsAbandonedTotal tracks conversations reaped for idleness.
	ConversationsAbandonedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agent_conversations_abandoned_total",
			Help: "Total conversations marked abandoned by the reaper",
		},
	)

	// NATSStreamMessages tracks messages in NATS stream.
	NATSStreamMessages = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nats_stream_messages",
			Help: "Number of messages in NATS stream",
		},
		[]string{"stream"},
	)

	// NATSStreamBytes tracks bytes in NATS stream.
	NATSStreamBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nats_stream_bytes",
			Help: "Bytes in NATS stream",
		},
		[]string{"stream"},
	)

	// MessagesTotal tracks total messages persisted.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages persisted",
		},
		[]string{"business_id", "role"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordLLMStream records metrics for an LLM streaming response.
func RecordLLMStream(model, status string, duration float64, tokensIn, tokensOut int) {
	LLMStreamDuration.WithLabelValues(model, status).Observe(duration)
	LLMTokensTotal.WithLabelValues(model, "in").Add(float64(tokensIn))
	LLMTokensTotal.WithLabelValues(model, "out").Add(float64(tokensOut))
}

// RecordTurn records metrics for one agent turn.
func RecordTurn(status string, duration float64) {
	TurnDuration.WithLabelValues(status).Observe(duration)
}
