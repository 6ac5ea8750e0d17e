package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"peerchat/internal/constants"
	"peerchat/internal/models"
	"peerchat/internal/security"
	"peerchat/internal/tracing"
	"peerchat/internal/validation"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Environment variables that override the config file.
const (
	EnvHost      = "PEERCHAT_HOST"
	EnvPort      = "PEERCHAT_PORT"
	EnvNickname  = "PEERCHAT_NICKNAME"
	EnvDBPath    = "PEERCHAT_DB_PATH"
	EnvRedisAddr = "PEERCHAT_REDIS_ADDR"
	EnvLogLevel  = "PEERCHAT_LOG_LEVEL"
	EnvAdminAddr = "PEERCHAT_ADMIN_ADDR"
)

var (
	ErrMissingDBPath    = models.ConfigError{Message: "missing database path"}
	ErrMissingRedisAddr = models.ConfigError{Message: "pubsub enabled without a redis address"}
	ErrMissingAdminAddr = models.ConfigError{Message: "admin server enabled without a listen address"}
)

// Defaults returns a configuration with every field set to its default.
func Defaults() *models.Config {
	return &models.Config{
		Node: models.NodeConfig{
			Host: constants.DefaultHost,
			Port: constants.DefaultPort,
		},
		Database: models.DatabaseConfig{Path: constants.DefaultDBPath},
		Delivery: models.DeliveryConfig{
			SendTimeoutSec:  constants.DefaultSendTimeoutSec,
			MaxPayloadBytes: constants.DefaultMaxPayloadBytes,
			MaxConnections:  constants.DefaultMaxConnections,
		},
		Scheduler: models.SchedulerConfig{
			IntervalSec: constants.DefaultSchedulerIntervalSec,
			Retry: models.RetryConfig{
				MaxAttempts:      constants.DefaultScheduleMaxAttempts,
				InitialBackoffMs: constants.DefaultScheduleInitialBackoffMs,
				MaxBackoffMs:     constants.DefaultScheduleMaxBackoffMs,
			},
			MonitorIntervalSec:    constants.DefaultDeliveryMonitorIntervalSec,
			StalePendingThreshold: constants.DefaultStalePendingThresholdSec,
		},
		PubSub: models.PubSubConfig{RedisAddr: constants.DefaultRedisAddr},
		Notifications: models.NotificationConfig{
			Enabled: true,
			AppName: constants.DefaultAppName,
		},
		Admin:    models.AdminConfig{Addr: constants.DefaultAdminAddr},
		Tracing:  tracing.DefaultConfig(),
		LogLevel: "info",
	}
}

// LoadConfig reads the JSON file at path over the defaults, then applies
// environment overrides and validates the result. A missing file yields the
// defaults.
func LoadConfig(path string) (*models.Config, error) {
	if err := security.ValidateFilePath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	config := Defaults()

	file, err := os.ReadFile(path) // #nosec G304 - Path validated by security.ValidateFilePath above
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := json.Unmarshal(file, config); err != nil {
			return nil, models.ConfigError{Message: fmt.Sprintf("invalid config file %s: %v", path, err)}
		}
	}

	if err := applyEnvironmentOverrides(config); err != nil {
		return nil, err
	}

	if err := Validate(config); err != nil {
		return nil, err
	}

	return config, nil
}

// LoadDotEnv loads variables from a .env file without overriding ones that
// are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return models.ConfigError{Message: fmt.Sprintf("invalid env file %s: %v", path, err)}
	}
	return nil
}

func applyEnvironmentOverrides(c *models.Config) error {
	if host := os.Getenv(EnvHost); host != "" {
		c.Node.Host = host
	}
	if port := os.Getenv(EnvPort); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return models.ConfigError{Message: fmt.Sprintf("invalid %s %q", EnvPort, port)}
		}
		c.Node.Port = n
	}
	if nickname := os.Getenv(EnvNickname); nickname != "" {
		c.Node.Nickname = nickname
	}
	if path := os.Getenv(EnvDBPath); path != "" {
		c.Database.Path = path
	}
	if addr := os.Getenv(EnvRedisAddr); addr != "" {
		c.PubSub.RedisAddr = addr
	}
	if level := os.Getenv(EnvLogLevel); level != "" {
		c.LogLevel = level
	}
	if addr := os.Getenv(EnvAdminAddr); addr != "" {
		c.Admin.Addr = addr
	}
	return nil
}

// Validate checks a fully merged configuration. The nickname may be empty,
// in which case the shell asks for one.
func Validate(c *models.Config) error {
	checks := []error{
		validation.ValidateHost(c.Node.Host),
		validation.ValidateListenPort(c.Node.Port),
		validation.ValidateTimeout(c.Delivery.SendTimeoutSec, "delivery.sendTimeoutSec"),
		validation.ValidateNumericRange(c.Delivery.MaxPayloadBytes, "delivery.maxPayloadBytes", 1, 16*1024*1024),
		validation.ValidateNumericRange(c.Delivery.MaxConnections, "delivery.maxConnections", 0, 65535),
		validation.ValidateTimeout(c.Scheduler.IntervalSec, "scheduler.intervalSec"),
		validation.ValidateNumericRange(c.Scheduler.Retry.MaxAttempts, "scheduler.retry.maxAttempts", 0, 1000000),
		validation.ValidateNumericRange(c.Scheduler.MonitorIntervalSec, "scheduler.monitorIntervalSec", 0, 86400),
		validation.ValidateNumericRange(c.Scheduler.StalePendingThreshold, "scheduler.stalePendingThresholdSec", 0, 30*86400),
	}
	if c.Node.Nickname != "" {
		checks = append(checks, validation.ValidateNickname(c.Node.Nickname))
	}
	if c.Scheduler.Retry.Backoff {
		checks = append(checks,
			validation.ValidateNumericRange(c.Scheduler.Retry.InitialBackoffMs, "scheduler.retry.initialBackoffMs", 1, 24*3600*1000),
			validation.ValidateNumericRange(c.Scheduler.Retry.MaxBackoffMs, "scheduler.retry.maxBackoffMs", c.Scheduler.Retry.InitialBackoffMs, 24*3600*1000),
		)
	}
	for _, err := range checks {
		if err != nil {
			return models.ConfigError{Message: err.Error()}
		}
	}

	if c.Database.Path == "" {
		return ErrMissingDBPath
	}
	if err := security.ValidateFilePath(c.Database.Path); err != nil {
		return models.ConfigError{Message: fmt.Sprintf("invalid database path: %v", err)}
	}
	if c.PubSub.Enabled && c.PubSub.RedisAddr == "" {
		return ErrMissingRedisAddr
	}
	if c.Admin.Enabled && c.Admin.Addr == "" {
		return ErrMissingAdminAddr
	}
	if c.LogLevel != "" {
		if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
			return models.ConfigError{Message: fmt.Sprintf("invalid log_level %q", c.LogLevel)}
		}
	}
	if c.Tracing.Enabled && (c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1) {
		return models.ConfigError{Message: "tracing.sampleRate must be between 0 and 1"}
	}

	return nil
}
