package constants

// Default node configuration values
const (
	DefaultHost       = "127.0.0.1"
	DefaultPort       = 0
	DefaultDBPath     = "messages.db"
	DefaultConfigPath = "peerchat.json"
	DefaultAppName    = "P2P Chat"
)

// Default delivery configuration values
const (
	DefaultSendTimeoutSec       = 5
	DefaultMaxPayloadBytes      = 64 * 1024
	DefaultMaxConnections       = 64
	DefaultMaxMessageLength     = 4096
	DefaultMaxNicknameLength    = 64
	DefaultMaxTopicLength       = 128
	DefaultListenerAcceptBackMs = 50
)

// TopicReceiverPrefix marks ledger rows addressed to a topic rather than a peer.
// Nicknames may not start with it.
const TopicReceiverPrefix = "#"

// Default scheduler configuration values
const (
	DefaultSchedulerIntervalSec       = 10
	DefaultScheduleMaxAttempts        = 0
	DefaultScheduleInitialBackoffMs   = 10000
	DefaultScheduleMaxBackoffMs       = 600000
	DefaultDeliveryMonitorIntervalSec = 60
	DefaultStalePendingThresholdSec   = 300
)

// Default storage retry values
const (
	DefaultDatabaseRetryAttempts = 3
	DefaultRetryBackoffMs        = 50
	DefaultMaxBackoffMs          = 1000
	DefaultDatabaseInitAttempts  = 3
	DefaultDatabaseInitBackoffMs = 200
)

// Default pub/sub configuration values
const (
	DefaultRedisAddr          = "127.0.0.1:6379"
	DefaultSubscriptionBuffer = 64
)

// Admin server values
const (
	DefaultAdminAddr             = "127.0.0.1:8082"
	DefaultServerReadTimeoutSec  = 15
	DefaultServerWriteTimeoutSec = 15
	DefaultServerIdleTimeoutSec  = 60
	DefaultGracefulShutdownSec   = 10
	DefaultHistoryLimit          = 50
	MaxHistoryLimit              = 1000
	DefaultEventBufferSize       = 32
)

// Privacy settings
const (
	DefaultNameMaskKeep = 2
)

// ScheduleTimeLayout is the layout accepted by the schedule command and used
// for scheduled due timestamps in the store.
const ScheduleTimeLayout = "2006-01-02 15:04:05"
