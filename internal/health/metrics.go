package health

import (
	"github.com/eleven-am/audio-bridge/internal/stream"
	"github.com/eleven-am/audio-bridge/internal/supervisor"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes the bridge's operational gauges and counters on
// /metrics. Per-stream values are collected on scrape from the manager's
// statistics snapshot rather than pushed on the hot path.
type Metrics struct {
	registry *prometheus.Registry
	manager  *stream.Manager
	sup      *supervisor.Supervisor

	activeStreams   prometheus.GaugeFunc
	healthyServers  prometheus.GaugeFunc
	failovers       prometheus.GaugeFunc
	queuedBytes     *prometheus.Desc
	queueUtilized   *prometheus.Desc
	droppedMessages *prometheus.Desc
	packetsLost     *prometheus.Desc
	reconnects      *prometheus.Desc
}

func NewMetrics(manager *stream.Manager, sup *supervisor.Supervisor) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		manager:  manager,
		sup:      sup,
		queuedBytes: prometheus.NewDesc(
			"audio_bridge_stream_queue_bytes",
			"Bytes currently held in the stream's admission queue.",
			[]string{"stream_id"}, nil),
		queueUtilized: prometheus.NewDesc(
			"audio_bridge_stream_queue_utilization",
			"Admission queue byte usage over configured capacity.",
			[]string{"stream_id"}, nil),
		droppedMessages: prometheus.NewDesc(
			"audio_bridge_stream_dropped_messages_total",
			"Messages rejected at admission for the stream.",
			[]string{"stream_id"}, nil),
		packetsLost: prometheus.NewDesc(
			"audio_bridge_stream_packets_lost_total",
			"Inbound sequence gaps detected for the stream.",
			[]string{"stream_id"}, nil),
		reconnects: prometheus.NewDesc(
			"audio_bridge_stream_reconnect_attempts",
			"Connection attempts made by the stream's transport.",
			[]string{"stream_id"}, nil),
	}

	m.activeStreams = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "audio_bridge_active_streams",
		Help: "Streams currently registered.",
	}, func() float64 { return float64(manager.Count()) })
	m.healthyServers = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "audio_bridge_healthy_servers",
		Help: "Remote endpoints currently marked healthy.",
	}, func() float64 { return float64(sup.Health().HealthyServers) })
	m.failovers = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "audio_bridge_failovers_total",
		Help: "Server failovers since start.",
	}, func() float64 { return float64(sup.Health().Failovers) })

	m.registry.MustRegister(m.activeStreams, m.healthyServers, m.failovers, m)
	return m
}

func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.queuedBytes
	ch <- m.queueUtilized
	ch <- m.droppedMessages
	ch <- m.packetsLost
	ch <- m.reconnects
}

func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, st := range m.manager.StatsAll() {
		qs := st.Transport.QueueStats
		ch <- prometheus.MustNewConstMetric(m.queuedBytes, prometheus.GaugeValue,
			float64(qs.CurrentBytes), st.StreamID)
		ch <- prometheus.MustNewConstMetric(m.queueUtilized, prometheus.GaugeValue,
			qs.Utilization, st.StreamID)
		ch <- prometheus.MustNewConstMetric(m.droppedMessages, prometheus.CounterValue,
			float64(qs.DroppedMessages), st.StreamID)
		ch <- prometheus.MustNewConstMetric(m.packetsLost, prometheus.CounterValue,
			float64(st.Recovery.PacketsLost), st.StreamID)
		ch <- prometheus.MustNewConstMetric(m.reconnects, prometheus.GaugeValue,
			float64(st.Transport.Attempts), st.StreamID)
	}
}

func (m *Metrics) RegisterRoutes(e *echo.Echo) {
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})))
}
