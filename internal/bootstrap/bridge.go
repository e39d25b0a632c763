package bootstrap

import (
	"context"
	"log/slog"
	"time"

	"github.com/eleven-am/audio-bridge/internal/driver"
	"github.com/eleven-am/audio-bridge/internal/recovery"
	"github.com/eleven-am/audio-bridge/internal/stream"
	"github.com/eleven-am/audio-bridge/internal/supervisor"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

func ProvideSupervisor(cfg *Config, logger *slog.Logger) *supervisor.Supervisor {
	return supervisor.New(cfg.ReconnectPolicy, logger)
}

func ProvideDriver(cfg *Config, sup *supervisor.Supervisor, logger *slog.Logger) *driver.Driver {
	return driver.New(cfg.WorkerCount, sup, logger)
}

func ProvideEventPublisher(client *redis.Client, logger *slog.Logger) *stream.EventPublisher {
	return stream.NewEventPublisher(client, logger)
}

func ProvideStreamManager(cfg *Config, drv *driver.Driver, sup *supervisor.Supervisor, pub *stream.EventPublisher, logger *slog.Logger) *stream.Manager {
	opts := stream.Options{
		HeartbeatInterval: time.Duration(cfg.HeartbeatSecs) * time.Second,
		RecoveryStrategy:  recovery.Strategy(cfg.RecoveryStrategy),
		JitterInitialMs:   cfg.JitterInitialMs,
		JitterMaxMs:       cfg.JitterMaxMs,
	}
	return stream.NewManager(drv, sup, pub, opts, logger)
}

func StartDriver(lc fx.Lifecycle, drv *driver.Driver, manager *stream.Manager) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return drv.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			if err := manager.Close(ctx); err != nil {
				return err
			}
			return drv.Stop(ctx)
		},
	})
}

var BridgeModule = fx.Options(
	fx.Provide(
		ProvideSupervisor,
		ProvideDriver,
		ProvideEventPublisher,
		ProvideStreamManager,
	),
	fx.Invoke(StartDriver),
)
