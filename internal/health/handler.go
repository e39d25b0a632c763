package health

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/eleven-am/audio-bridge/internal/stream"
	"github.com/eleven-am/audio-bridge/internal/supervisor"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

type ComponentStatus struct {
	Status    Status `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

type RuntimeStats struct {
	Goroutines         int    `json:"goroutines"`
	MemoryAllocMB      uint64 `json:"memory_alloc_mb"`
	MemoryTotalAllocMB uint64 `json:"memory_total_alloc_mb"`
	MemorySysMB        uint64 `json:"memory_sys_mb"`
	NumGC              uint32 `json:"num_gc"`
}

type StreamSummary struct {
	StreamID       string  `json:"stream_id"`
	SessionID      string  `json:"session_id,omitempty"`
	State          string  `json:"state"`
	UptimeSeconds  int64   `json:"uptime_seconds"`
	QueueDepth     int     `json:"queue_depth"`
	QueueBytes     int     `json:"queue_bytes"`
	Dropped        uint64  `json:"dropped"`
	Underruns      uint64  `json:"underruns"`
	Overruns       uint64  `json:"overruns"`
	Utilization    float64 `json:"utilization"`
	RecommendedKB  int     `json:"recommended_kb"`
	LatencyMs      int64   `json:"latency_ms"`
	JitterDelayMs  int64   `json:"jitter_delay_ms"`
	PacketsLost    uint64  `json:"packets_lost"`
	Recovered      uint64  `json:"recovered"`
	Transmitted    uint32  `json:"transmitted_chunks"`
	Generated      uint32  `json:"generated_chunks"`
	GracefulClose  bool    `json:"graceful_close"`
	ReconnectCount int     `json:"reconnect_count"`
}

type Stats struct {
	ActiveStreams int                     `json:"active_streams"`
	Servers       supervisor.SystemHealth `json:"servers"`
	Runtime       RuntimeStats            `json:"runtime"`
}

type HealthResponse struct {
	Status        Status                     `json:"status"`
	Timestamp     time.Time                  `json:"timestamp"`
	Version       string                     `json:"version"`
	UptimeSeconds int64                      `json:"uptime_seconds"`
	Stats         Stats                      `json:"stats"`
	Components    map[string]ComponentStatus `json:"components"`
}

type StreamsResponse struct {
	Total   int             `json:"total"`
	Streams []StreamSummary `json:"streams"`
}

type Handler struct {
	redis     *redis.Client
	sup       *supervisor.Supervisor
	manager   *stream.Manager
	version   string
	startTime time.Time
}

func NewHandler(redisClient *redis.Client, sup *supervisor.Supervisor, manager *stream.Manager, version string) *Handler {
	return &Handler{
		redis:     redisClient,
		sup:       sup,
		manager:   manager,
		version:   version,
		startTime: time.Now(),
	}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Liveness)
	e.GET("/health/ready", h.Readiness)
	e.GET("/health/streams", h.Streams)
}

func (h *Handler) Liveness(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func (h *Handler) Readiness(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	components := map[string]ComponentStatus{
		"servers": h.checkServers(),
	}
	if h.redis != nil {
		components["redis"] = h.checkRedis(ctx)
	}

	overall := h.computeOverallStatus(components)

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	resp := HealthResponse{
		Status:        overall,
		Timestamp:     time.Now().UTC(),
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Stats: Stats{
			ActiveStreams: h.manager.Count(),
			Servers:       h.sup.Health(),
			Runtime: RuntimeStats{
				Goroutines:         runtime.NumGoroutine(),
				MemoryAllocMB:      memStats.Alloc / 1024 / 1024,
				MemoryTotalAllocMB: memStats.TotalAlloc / 1024 / 1024,
				MemorySysMB:        memStats.Sys / 1024 / 1024,
				NumGC:              memStats.NumGC,
			},
		},
		Components: components,
	}

	statusCode := http.StatusOK
	if overall == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	return c.JSON(statusCode, resp)
}

func (h *Handler) Streams(c echo.Context) error {
	all := h.manager.StatsAll()

	summaries := make([]StreamSummary, 0, len(all))
	for _, st := range all {
		summaries = append(summaries, StreamSummary{
			StreamID:       st.StreamID,
			SessionID:      st.SessionID,
			State:          st.Transport.State,
			UptimeSeconds:  int64(st.Uptime.Seconds()),
			QueueDepth:     st.Transport.QueueDepth,
			QueueBytes:     st.Transport.QueueStats.CurrentBytes,
			Dropped:        st.Transport.QueueStats.DroppedMessages,
			Underruns:      st.Transport.QueueStats.UnderrunEvents,
			Overruns:       st.Transport.QueueStats.OverrunEvents,
			Utilization:    st.Transport.QueueStats.Utilization,
			RecommendedKB:  st.Transport.QueueStats.RecommendedSize / 1024,
			LatencyMs:      st.Transport.QueueStats.CurrentLatency.Milliseconds(),
			JitterDelayMs:  st.Delay.Milliseconds(),
			PacketsLost:    st.Recovery.PacketsLost,
			Recovered:      st.Recovery.PacketsRecovered,
			Transmitted:    st.Transport.TransmittedChunks,
			Generated:      st.Transport.GeneratedChunks,
			GracefulClose:  st.Transport.GracefulShutdown,
			ReconnectCount: st.Transport.Attempts,
		})
	}

	return c.JSON(http.StatusOK, StreamsResponse{
		Total:   len(summaries),
		Streams: summaries,
	})
}

func (h *Handler) checkServers() ComponentStatus {
	start := time.Now()
	sys := h.sup.Health()
	status := StatusHealthy
	errMsg := ""
	switch {
	case sys.TotalServers == 0:
		status = StatusDegraded
		errMsg = "no servers registered"
	case sys.HealthyServers == 0:
		status = StatusUnhealthy
		errMsg = "no healthy servers"
	case sys.HealthyServers < sys.TotalServers:
		status = StatusDegraded
	}
	return ComponentStatus{
		Status:    status,
		LatencyMs: time.Since(start).Milliseconds(),
		Error:     errMsg,
	}
}

func (h *Handler) checkRedis(ctx context.Context) ComponentStatus {
	start := time.Now()
	if err := h.redis.Ping(ctx).Err(); err != nil {
		return ComponentStatus{
			Status:    StatusUnhealthy,
			LatencyMs: time.Since(start).Milliseconds(),
			Error:     "ping failed",
		}
	}
	return ComponentStatus{
		Status:    StatusHealthy,
		LatencyMs: time.Since(start).Milliseconds(),
	}
}

func (h *Handler) computeOverallStatus(components map[string]ComponentStatus) Status {
	if status, ok := components["servers"]; ok && status.Status == StatusUnhealthy {
		return StatusUnhealthy
	}

	for _, status := range components {
		if status.Status != StatusHealthy {
			return StatusDegraded
		}
	}
	return StatusHealthy
}
