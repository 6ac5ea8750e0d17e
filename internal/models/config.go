package models

// Config holds the application configuration
type Config struct {
	Node          NodeConfig         `json:"node"`
	Database      DatabaseConfig     `json:"database"`
	Delivery      DeliveryConfig     `json:"delivery"`
	Scheduler     SchedulerConfig    `json:"scheduler"`
	PubSub        PubSubConfig       `json:"pubsub"`
	Notifications NotificationConfig `json:"notifications"`
	Admin         AdminConfig        `json:"admin"`
	Tracing       TracingConfig      `json:"tracing"`
	LogLevel      string             `json:"log_level"`
}

// NodeConfig identifies this peer and where it listens.
// Port 0 asks the OS for any free port.
type NodeConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Nickname string `json:"nickname"`
}

// DatabaseConfig holds database related configurations
type DatabaseConfig struct {
	Path string `json:"path"`
}

// DeliveryConfig controls the point-to-point send/acknowledge exchange.
type DeliveryConfig struct {
	SendTimeoutSec  int `json:"sendTimeoutSec"`
	MaxPayloadBytes int `json:"maxPayloadBytes"`
	// MaxConnections bounds concurrent inbound handlers; 0 disables the bound.
	MaxConnections int `json:"maxConnections"`
}

// SchedulerConfig controls the deferred-message poller.
type SchedulerConfig struct {
	IntervalSec           int         `json:"intervalSec"`
	Retry                 RetryConfig `json:"retry"`
	MonitorIntervalSec    int         `json:"monitorIntervalSec"`
	StalePendingThreshold int         `json:"stalePendingThresholdSec"`
}

// RetryConfig holds retry related configurations. MaxAttempts of 0 retries
// a scheduled message forever.
type RetryConfig struct {
	MaxAttempts      int  `json:"maxAttempts"`
	Backoff          bool `json:"backoff"`
	InitialBackoffMs int  `json:"initialBackoffMs"`
	MaxBackoffMs     int  `json:"maxBackoffMs"`
}

// PubSubConfig configures the optional topic broker.
type PubSubConfig struct {
	Enabled       bool   `json:"enabled"`
	RedisAddr     string `json:"redisAddr"`
	RedisPassword string `json:"redisPassword"`
	RedisDB       int    `json:"redisDB"`
}

// NotificationConfig configures desktop notifications on inbound messages.
type NotificationConfig struct {
	Enabled bool   `json:"enabled"`
	AppName string `json:"appName"`
}

// AdminConfig configures the optional inspection HTTP server.
type AdminConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

// TracingConfig contains OpenTelemetry configuration
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	ServiceName    string  `json:"serviceName"`
	ServiceVersion string  `json:"serviceVersion"`
	Environment    string  `json:"environment"`
	OTLPEndpoint   string  `json:"otlpEndpoint"`
	SampleRate     float64 `json:"sampleRate"`
	UseStdout      bool    `json:"useStdout"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
