package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/birddrop/backend/internal/service/relay"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server  ServerConfig
	Log     LogConfig
	Metrics MetricsConfig
	Relay   relay.Limits
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	logCfg, err := loadLogConfig()
	if err != nil {
		return nil, err
	}

	metricsCfg, err := loadMetricsConfig()
	if err != nil {
		return nil, err
	}

	limits, err := loadRelayLimits()
	if err != nil {
		return nil, err
	}

	return &Config{Server: server, Log: logCfg, Metrics: metricsCfg, Relay: limits}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
}

var defaultAllowedOrigins = []string{"http://localhost:5173", "http://127.0.0.1:5173"}

// loadServerConfig 解析服务器监听地址与允许的来源。
func loadServerConfig() (ServerConfig, error) {
	origins := splitList(os.Getenv("ALLOWED_ORIGINS"))
	if len(origins) == 0 {
		origins = append([]string(nil), defaultAllowedOrigins...)
	}

	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port, AllowedOrigins: origins}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port, AllowedOrigins: origins}, nil
}

// LogConfig 描述日志级别与输出格式。
type LogConfig struct {
	Level  logrus.Level
	Format string
}

// Apply 将配置应用到指定 logger。
func (c LogConfig) Apply(logger *logrus.Logger) {
	logger.SetLevel(c.Level)
	if c.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
		return
	}
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

func loadLogConfig() (LogConfig, error) {
	raw := getEnvOrDefault("LOG_LEVEL", "info")
	level, err := logrus.ParseLevel(raw)
	if err != nil {
		return LogConfig{}, fmt.Errorf("invalid LOG_LEVEL value %q: %w", raw, err)
	}

	format := strings.ToLower(getEnvOrDefault("LOG_FORMAT", "text"))
	if format != "text" && format != "json" {
		return LogConfig{}, fmt.Errorf("invalid LOG_FORMAT value %q", format)
	}

	return LogConfig{Level: level, Format: format}, nil
}

// MetricsConfig 控制 /metrics 是否暴露。
type MetricsConfig struct {
	Enabled bool
}

func loadMetricsConfig() (MetricsConfig, error) {
	enabled, err := parseBoolEnv("METRICS_ENABLED", true)
	if err != nil {
		return MetricsConfig{}, err
	}
	return MetricsConfig{Enabled: enabled}, nil
}

// loadRelayLimits 在默认上限之上应用环境变量覆盖，非正数视为错误。
func loadRelayLimits() (relay.Limits, error) {
	limits := relay.DefaultLimits()

	ints := []struct {
		key string
		dst *int
	}{
		{"RELAY_MAX_SESSIONS", &limits.MaxSessions},
		{"RELAY_MAX_GEO_ENTRIES", &limits.MaxGeoEntries},
		{"RELAY_MAX_MESSAGE_BYTES", &limits.MaxMessageBytes},
		{"RELAY_MAX_MESSAGES_PER_SECOND", &limits.MaxMessagesPerSecond},
	}
	for _, item := range ints {
		val, err := parseOptionalIntEnv(item.key)
		if err != nil {
			return relay.Limits{}, err
		}
		if val == nil {
			continue
		}
		if *val <= 0 {
			return relay.Limits{}, fmt.Errorf("invalid %s value %d: must be positive", item.key, *val)
		}
		*item.dst = *val
	}

	radius, err := parseOptionalFloatEnv("RELAY_GEO_RADIUS_METERS")
	if err != nil {
		return relay.Limits{}, err
	}
	if radius != nil {
		if *radius <= 0 {
			return relay.Limits{}, fmt.Errorf("invalid RELAY_GEO_RADIUS_METERS value %v: must be positive", *radius)
		}
		limits.GeoRadiusMeters = *radius
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"RELAY_SESSION_TIMEOUT", &limits.SessionTimeout},
		{"RELAY_GEO_TTL", &limits.GeoTTL},
		{"RELAY_HEARTBEAT_INTERVAL", &limits.HeartbeatInterval},
		{"RELAY_SESSION_SWEEP_INTERVAL", &limits.SessionSweepInterval},
		{"RELAY_GEO_SWEEP_INTERVAL", &limits.GeoSweepInterval},
	}
	for _, item := range durations {
		val, err := parseOptionalDurationEnv(item.key)
		if err != nil {
			return relay.Limits{}, err
		}
		if val != nil {
			*item.dst = *val
		}
	}

	return limits, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

// parseOptionalDurationEnv 接受 "30s"、"5m" 之类的写法，必须为正数。
func parseOptionalDurationEnv(key string) (*time.Duration, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := time.ParseDuration(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	if val <= 0 {
		return nil, fmt.Errorf("invalid %s value %q: must be positive", key, value)
	}
	return &val, nil
}
