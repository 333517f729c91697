package common

import (
	"time"

	"github.com/spf13/viper"
)

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
}

// ===============================================================================
// Telemetry Ingest Related Config

// IngestWorkerConfig defines the ingest worker pool
type IngestWorkerConfig struct {
	// Workers is the number of parallel ingest workers
	Workers int `mapstructure:"workers" json:"workers" validate:"gte=1"`
	// QueueDepth is the number of inbound messages buffered ahead of the workers
	QueueDepth int `mapstructure:"queue_depth" json:"queue_depth" validate:"gte=1"`
}

// TelemetryConfig defines how telemetry messages are received and published
type TelemetryConfig struct {
	// SubscriptionTopics are the topics to subscribe to on startup.
	//
	// Topics are "/" separated. "+" matches one level, "#" matches the remaining levels.
	SubscriptionTopics []string `mapstructure:"subscription_topics" json:"subscription_topics" validate:"required,min=1,dive,required"`
	// DefaultPublishTopic is used when no publish topic pattern is configured
	DefaultPublishTopic string `mapstructure:"default_publish_topic" json:"default_publish_topic"`
	// PublishTopicPattern computes publish topics, e.g. "water/{deviceId}/{clientId}/cmd"
	PublishTopicPattern string `mapstructure:"publish_topic_pattern" json:"publish_topic_pattern,omitempty"`
	// TopicDeviceIDIndex is the 0-based topic segment holding the device ID. Unset to disable.
	TopicDeviceIDIndex *int `mapstructure:"topic_device_id_index" json:"topic_device_id_index,omitempty" validate:"omitempty,gte=0"`
	// TopicClientIDIndex is the 0-based topic segment holding the client ID. Unset to disable.
	TopicClientIDIndex *int `mapstructure:"topic_client_id_index" json:"topic_client_id_index,omitempty" validate:"omitempty,gte=0"`
	// DefaultQoS is the QoS used for publish when none is requested
	DefaultQoS int `mapstructure:"default_qos" json:"default_qos" validate:"gte=0,lte=2"`
	// SenderIDHeader is the transport header carrying the sender's client ID
	SenderIDHeader string `mapstructure:"sender_id_header" json:"sender_id_header" validate:"required"`
	// Ingest defines the ingest worker pool
	Ingest IngestWorkerConfig `mapstructure:"ingest" json:"ingest" validate:"required,dive"`
}

// ===============================================================================
// Storage Related Config

// SeedConfig defines demo data seeding
type SeedConfig struct {
	// DemoData whether to insert the demo readings on startup
	DemoData bool `mapstructure:"demo_data" json:"demo_data"`
	// FixtureFile is an optional YAML file replacing the built-in demo readings
	FixtureFile string `mapstructure:"fixture_file" json:"fixture_file,omitempty" validate:"omitempty,file"`
}

// StorageConfig defines the event store parameters
type StorageConfig struct {
	// DBPath is the SQLite database file
	DBPath string `mapstructure:"db_path" json:"db_path" validate:"required"`
	// HistoryPageSize is the max number of events returned by a history query
	HistoryPageSize int `mapstructure:"history_page_size" json:"history_page_size" validate:"gte=1"`
	// Seed defines demo data seeding
	Seed SeedConfig `mapstructure:"seed" json:"seed" validate:"required,dive"`
}

// ===============================================================================
// Live Feed Related Config

// LiveFeedConfig defines how persisted events are pushed to live viewers
type LiveFeedConfig struct {
	// BatchSize is the max number of events in one delivered batch
	BatchSize int `mapstructure:"batch_size" json:"batch_size" validate:"gte=1"`
	// FlushWindow is the max wait in milliseconds after the first buffered event
	FlushWindow int `mapstructure:"flush_window_ms" json:"flush_window_ms" validate:"gte=1"`
	// SubscriberBuffer is the per viewer buffer of undelivered live events
	SubscriberBuffer int `mapstructure:"subscriber_buffer" json:"subscriber_buffer" validate:"gte=1"`
	// HeartbeatInterval is the websocket ping interval in seconds. 0 disables it.
	HeartbeatInterval int `mapstructure:"heartbeat_interval_sec" json:"heartbeat_interval_sec" validate:"gte=0"`
}

// FlushWindowDuration helper function to read the flush window as a time.Duration
func (c LiveFeedConfig) FlushWindowDuration() time.Duration {
	return time.Millisecond * time.Duration(c.FlushWindow)
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	//
	// Live feed connections are long lived; keep this at 0 unless a proxy enforces one.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// APIEndpointConfig defines API endpoint config
type APIEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// APIServerConfig defines configuration for the API server
type APIServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters
	Endpoints APIEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config
type SystemConfig struct {
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
	// Telemetry are the telemetry ingest and publish parameters
	Telemetry TelemetryConfig `mapstructure:"telemetry" json:"telemetry" validate:"required,dive"`
	// Storage are the event store parameters
	Storage StorageConfig `mapstructure:"storage" json:"storage" validate:"required,dive"`
	// LiveFeed are the live viewer delivery parameters
	LiveFeed LiveFeedConfig `mapstructure:"live_feed" json:"live_feed" validate:"required,dive"`
	// API are the API server configs
	API APIServerConfig `mapstructure:"api" json:"api" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)

	// Default telemetry settings
	viper.SetDefault("telemetry.subscription_topics", []string{"water/#"})
	viper.SetDefault("telemetry.default_publish_topic", "water/data")
	viper.SetDefault("telemetry.default_qos", 0)
	viper.SetDefault("telemetry.sender_id_header", "Telemetry-Sender-Id")
	viper.SetDefault("telemetry.ingest.workers", 4)
	viper.SetDefault("telemetry.ingest.queue_depth", 256)

	// Default storage settings
	viper.SetDefault("storage.db_path", "telemetryhub.db")
	viper.SetDefault("storage.history_page_size", 50)
	viper.SetDefault("storage.seed.demo_data", false)

	// Default live feed settings
	viper.SetDefault("live_feed.batch_size", 10)
	viper.SetDefault("live_feed.flush_window_ms", 1000)
	viper.SetDefault("live_feed.subscriber_buffer", 256)
	viper.SetDefault("live_feed.heartbeat_interval_sec", 30)

	// Default API server settings
	viper.SetDefault("api.endpoint_config.path_prefix", "/")
	viper.SetDefault("api.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("api.api_server.server_config.listen_port", 8080)
	viper.SetDefault("api.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("api.api_server.server_config.write_timeout_sec", 0)
	viper.SetDefault("api.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"api.api_server.logging_config.request_id_header", "Telemetryhub-Request-ID",
	)
	viper.SetDefault(
		"api.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}
