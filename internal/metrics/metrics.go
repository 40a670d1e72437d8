// Package metrics provides Prometheus metrics for edgewire.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "edgewire"
)

// Metrics contains all Prometheus metrics for the relay and agent.
type Metrics struct {
	// Device session metrics
	DevicesOnline      prometheus.Gauge
	DeviceRegistrations *prometheus.CounterVec
	DeviceDisconnects  *prometheus.CounterVec
	SessionsReplaced   prometheus.Counter

	// Channel metrics
	ChannelsActive     prometheus.Gauge
	ChannelsOpened     *prometheus.CounterVec
	ChannelsRejected   *prometheus.CounterVec
	ChannelOpenLatency prometheus.Histogram

	// Data transfer metrics
	BytesRelayed *prometheus.CounterVec

	// Authorization metrics
	AuthDecisions *prometheus.CounterVec

	// Deployment metrics
	JobsEnqueued  prometheus.Counter
	JobsDelivered prometheus.Counter
	JobsAcked     prometheus.Counter
	JobsFailed    prometheus.Counter

	// Protocol metrics
	HandshakeLatency prometheus.Histogram
	HandshakeErrors  *prometheus.CounterVec
	KeepaliveRTT     prometheus.Histogram
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		// Device session metrics
		DevicesOnline: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices_online",
			Help:      "Number of devices with a live session",
		}),
		DeviceRegistrations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_registrations_total",
			Help:      "Total device registrations by transport type",
		}, []string{"transport"}),
		DeviceDisconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_disconnects_total",
			Help:      "Total device disconnections by reason",
		}, []string{"reason"}),
		SessionsReplaced: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_replaced_total",
			Help:      "Total device sessions displaced by a newer registration",
		}),

		// Channel metrics
		ChannelsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channels_active",
			Help:      "Number of currently active channels",
		}),
		ChannelsOpened: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channels_opened_total",
			Help:      "Total channels opened by channel type",
		}, []string{"channel_type"}),
		ChannelsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channels_rejected_total",
			Help:      "Total channel opens rejected by reason",
		}, []string{"reason"}),
		ChannelOpenLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "channel_open_latency_seconds",
			Help:      "Histogram of channel open latency in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),

		// Data transfer metrics
		BytesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_relayed_total",
			Help:      "Total payload bytes relayed by direction",
		}, []string{"direction"}),

		// Authorization metrics
		AuthDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_decisions_total",
			Help:      "Total authorization decisions by result",
		}, []string{"result"}),

		// Deployment metrics
		JobsEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deploy_jobs_enqueued_total",
			Help:      "Total deployment jobs enqueued",
		}),
		JobsDelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deploy_jobs_delivered_total",
			Help:      "Total deployment jobs delivered to devices",
		}),
		JobsAcked: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deploy_jobs_acked_total",
			Help:      "Total deployment jobs acknowledged by devices",
		}),
		JobsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deploy_jobs_failed_total",
			Help:      "Total deployment jobs marked failed",
		}),

		// Protocol metrics
		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_seconds",
			Help:      "Histogram of session handshake latency",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		HandshakeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_errors_total",
			Help:      "Total handshake errors by type",
		}, []string{"error_type"}),
		KeepaliveRTT: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "keepalive_rtt_seconds",
			Help:      "Histogram of keepalive round-trip time",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
	}

	return m
}

// RecordDeviceOnline records a device session coming up.
func (m *Metrics) RecordDeviceOnline(transport string) {
	m.DevicesOnline.Inc()
	m.DeviceRegistrations.WithLabelValues(transport).Inc()
}

// RecordDeviceOffline records a device session going away.
func (m *Metrics) RecordDeviceOffline(reason string) {
	m.DevicesOnline.Dec()
	m.DeviceDisconnects.WithLabelValues(reason).Inc()
}

// RecordSessionReplaced records a session displaced by a newer one.
func (m *Metrics) RecordSessionReplaced() {
	m.SessionsReplaced.Inc()
}

// RecordChannelOpen records a channel being opened.
func (m *Metrics) RecordChannelOpen(channelType string, latencySeconds float64) {
	m.ChannelsActive.Inc()
	m.ChannelsOpened.WithLabelValues(channelType).Inc()
	m.ChannelOpenLatency.Observe(latencySeconds)
}

// RecordChannelClose records a channel being closed.
func (m *Metrics) RecordChannelClose() {
	m.ChannelsActive.Dec()
}

// RecordChannelReject records a rejected channel open.
func (m *Metrics) RecordChannelReject(reason string) {
	m.ChannelsRejected.WithLabelValues(reason).Inc()
}

// RecordBytesRelayed records relayed payload bytes.
func (m *Metrics) RecordBytesRelayed(direction string, bytes int) {
	m.BytesRelayed.WithLabelValues(direction).Add(float64(bytes))
}

// RecordAuthDecision records an authorization decision.
func (m *Metrics) RecordAuthDecision(result string) {
	m.AuthDecisions.WithLabelValues(result).Inc()
}

// RecordJobEnqueued records a deployment job being enqueued.
func (m *Metrics) RecordJobEnqueued() {
	m.JobsEnqueued.Inc()
}

// RecordJobDelivered records a deployment job delivery.
func (m *Metrics) RecordJobDelivered() {
	m.JobsDelivered.Inc()
}

// RecordJobAcked records a deployment job acknowledgment.
func (m *Metrics) RecordJobAcked() {
	m.JobsAcked.Inc()
}

// RecordJobFailed records a deployment job failure.
func (m *Metrics) RecordJobFailed() {
	m.JobsFailed.Inc()
}

// RecordHandshake records a successful handshake.
func (m *Metrics) RecordHandshake(latencySeconds float64) {
	m.HandshakeLatency.Observe(latencySeconds)
}

// RecordHandshakeError records a handshake error.
func (m *Metrics) RecordHandshakeError(errorType string) {
	m.HandshakeErrors.WithLabelValues(errorType).Inc()
}

// RecordKeepaliveRTT records a keepalive round trip.
func (m *Metrics) RecordKeepaliveRTT(rttSeconds float64) {
	m.KeepaliveRTT.Observe(rttSeconds)
}
