// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesDecoded counts frames decoded per source
	FramesDecoded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "charlotte_frames_decoded_total",
		Help: "Frames successfully decoded per source",
	}, []string{"source"})

	// DecodeErrors counts frame spans that failed to decode
	DecodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "charlotte_decode_errors_total",
		Help: "Frame spans that failed to decode per source",
	}, []string{"source"})

	// StreamErrors counts stream failures by category
	StreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "charlotte_stream_errors_total",
		Help: "Stream failures leading to reconnect, by error category",
	}, []string{"source", "category"})

	// SourceConnected is 1 while a source is streaming
	SourceConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "charlotte_source_connected",
		Help: "Whether the source is currently connected (1) or not (0)",
	}, []string{"source"})

	// SourceRate is the rolling decode rate per source
	SourceRate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "charlotte_source_rate",
		Help: "Rolling decoded frames per second per source",
	}, []string{"source"})

	// FactsPublished counts facts derived by the observation loop
	FactsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "charlotte_facts_published_total",
		Help: "Facts published, by kind",
	}, []string{"kind"})

	// DetectErrors counts detector failures per source
	DetectErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "charlotte_detect_errors_total",
		Help: "Detector failures per source",
	}, []string{"source"})

	// TickDuration tracks observation tick latency
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "charlotte_tick_duration_seconds",
		Help:    "Duration of one observation tick",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	// BusDelivered counts messages delivered per subscriber
	BusDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "charlotte_bus_delivered_total",
		Help: "Messages delivered to subscribers",
	}, []string{"subscriber"})

	// BusDropped counts messages dropped because a subscriber was full
	BusDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "charlotte_bus_dropped_total",
		Help: "Messages dropped because the subscriber queue was full",
	}, []string{"subscriber"})

	// HistorySize is the number of facts currently retained
	HistorySize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "charlotte_history_size",
		Help: "Facts currently retained in the history ring",
	})

	// HistoryEvicted counts facts evicted from the history ring
	HistoryEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "charlotte_history_evicted_total",
		Help: "Facts evicted from the history ring at capacity",
	})

	// SinkErrors counts failed deliveries to external sinks
	SinkErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "charlotte_sink_errors_total",
		Help: "Failed deliveries to external sinks",
	}, []string{"sink"})

	// WebSocketClients is the number of connected WebSocket subscribers
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "charlotte_websocket_clients",
		Help: "Connected WebSocket subscribers",
	})

	// MeetingActive is 1 while a protocol run is in progress
	MeetingActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "charlotte_meeting_active",
		Help: "1 while a meeting is running",
	})
)

// ForgetSource drops per-source series after deregistration
func ForgetSource(id string) {
	FramesDecoded.DeleteLabelValues(id)
	DecodeErrors.DeleteLabelValues(id)
	SourceConnected.DeleteLabelValues(id)
	SourceRate.DeleteLabelValues(id)
	DetectErrors.DeleteLabelValues(id)
	StreamErrors.DeletePartialMatch(prometheus.Labels{"source": id})
}
