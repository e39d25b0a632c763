package bootstrap

import (
	"github.com/eleven-am/audio-bridge/internal/health"
	"github.com/eleven-am/audio-bridge/internal/stream"
	"github.com/eleven-am/audio-bridge/internal/supervisor"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

func ProvideHealthHandler(cfg *Config, redisClient *redis.Client, sup *supervisor.Supervisor, manager *stream.Manager) *health.Handler {
	return health.NewHandler(redisClient, sup, manager, cfg.Version)
}

func ProvideMetrics(manager *stream.Manager, sup *supervisor.Supervisor) *health.Metrics {
	return health.NewMetrics(manager, sup)
}

func RegisterHealthRoutes(e *echo.Echo, h *health.Handler, m *health.Metrics) {
	h.RegisterRoutes(e)
	m.RegisterRoutes(e)
}

var HealthModule = fx.Options(
	fx.Provide(
		ProvideHealthHandler,
		ProvideMetrics,
	),
	fx.Invoke(RegisterHealthRoutes),
)
