package bootstrap

import (
	"os"
	"strconv"
)

type Config struct {
	ServerAddr string
	Version    string
	LogLevel   string

	WorkerCount   int
	BufferSeconds int
	BufferProfile string

	ReconnectPolicy  string
	RecoveryStrategy string

	HeartbeatSecs   int
	JitterInitialMs int
	JitterMaxMs     int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

func LoadConfig() *Config {
	return &Config{
		ServerAddr: getEnv("SERVER_ADDR", ":8080"),
		Version:    getEnv("VERSION", "dev"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),

		WorkerCount:   getEnvInt("WORKER_COUNT", 4),
		BufferSeconds: getEnvInt("BUFFER_SECONDS", 20),
		BufferProfile: getEnv("BUFFER_PROFILE", "balanced"),

		ReconnectPolicy:  getEnv("RECONNECT_POLICY", "balanced"),
		RecoveryStrategy: getEnv("RECOVERY_STRATEGY", "interpolation"),

		HeartbeatSecs:   getEnvInt("HEARTBEAT_SECS", 60),
		JitterInitialMs: getEnvInt("JITTER_INITIAL_MS", 60),
		JitterMaxMs:     getEnvInt("JITTER_MAX_MS", 500),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       0,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
