// Copyright 2021-2022 The natsdash Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

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

// NATSSubscriptionConfig defines the per subscription buffering limits. A subscription
// holding more than this drops messages until it catches up.
type NATSSubscriptionConfig struct {
	// PendingMsgLimit max messages held per subscription
	PendingMsgLimit int `mapstructure:"pending_msg_limit" json:"pending_msg_limit" validate:"gte=1"`
	// PendingBytesLimit max bytes held per subscription
	PendingBytesLimit int `mapstructure:"pending_bytes_limit" json:"pending_bytes_limit" validate:"gte=1024"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required"`
	// Subscription defines the per subscription buffering limits
	Subscription NATSSubscriptionConfig `mapstructure:"subscription" json:"subscription" validate:"required"`
	// KVBuckets is the list of JetStream KV buckets to create at start if missing
	KVBuckets []string `mapstructure:"kv_buckets" json:"kv_buckets,omitempty"`
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
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required"`
}

// APIServerConfig defines configuration for the feed API server
type APIServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required"`
	// PathPrefix is the end-point path prefix for the APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// ===============================================================================
// Feed Related Config

// IngestConfig defines the ingestion queue parameters
type IngestConfig struct {
	// MaxQueueSize is the queue length at which the oldest entries are shed
	MaxQueueSize int `mapstructure:"max_queue_size" json:"max_queue_size" validate:"gte=1"`
	// DropBatch is the number of oldest entries shed on overflow
	DropBatch int `mapstructure:"drop_batch" json:"drop_batch" validate:"gte=1,ltefield=MaxQueueSize"`
	// FlushIntervalMsec is the flush tick in milliseconds
	FlushIntervalMsec int `mapstructure:"flush_interval_msec" json:"flush_interval_msec" validate:"gte=1"`
	// OverflowWarnIntervalSec is the min duration between two overflow warnings in seconds
	OverflowWarnIntervalSec int `mapstructure:"overflow_warn_interval_sec" json:"overflow_warn_interval_sec" validate:"gte=1"`
}

// FlushInterval the flush tick as time.Duration
func (c IngestConfig) FlushInterval() time.Duration {
	return time.Millisecond * time.Duration(c.FlushIntervalMsec)
}

// OverflowWarnInterval the overflow warning interval as time.Duration
func (c IngestConfig) OverflowWarnInterval() time.Duration {
	return time.Second * time.Duration(c.OverflowWarnIntervalSec)
}

// BufferConfig defines the per-consumer buffer store parameters
type BufferConfig struct {
	// DefaultCapacity is the capacity of a buffer created without explicit capacity
	DefaultCapacity int `mapstructure:"default_capacity" json:"default_capacity" validate:"gte=1,ltefield=MaxCapacity"`
	// MaxCapacity is the hard ceiling on any buffer capacity
	MaxCapacity int `mapstructure:"max_capacity" json:"max_capacity" validate:"gte=1"`
	// GlobalMaxMessages is the total buffered message count triggering pruning
	GlobalMaxMessages int `mapstructure:"global_max_messages" json:"global_max_messages" validate:"gte=1"`
	// PruneFraction is the fraction of entries trimmed from each large buffer when pruning
	PruneFraction float64 `mapstructure:"prune_fraction" json:"prune_fraction" validate:"gt=0,lte=1"`
	// PruneMinEntries buffers with this many entries or less are not pruned
	PruneMinEntries int `mapstructure:"prune_min_entries" json:"prune_min_entries" validate:"gte=0"`
	// PressureHighWatermark is the utilization at which the memory pressure flag is raised
	PressureHighWatermark float64 `mapstructure:"pressure_high_watermark" json:"pressure_high_watermark" validate:"gt=0,lte=1"`
	// PressureLowWatermark is the utilization below which the memory pressure flag is cleared
	PressureLowWatermark float64 `mapstructure:"pressure_low_watermark" json:"pressure_low_watermark" validate:"gt=0,ltfield=PressureHighWatermark"`
}

// ControlConfig defines the interactive control parameters
type ControlConfig struct {
	// ConfirmTimeoutSec is how long a toggle waits for an echo before unlocking in seconds
	ConfirmTimeoutSec int `mapstructure:"confirm_timeout_sec" json:"confirm_timeout_sec" validate:"gte=1"`
	// WriteTimeoutSec is the max duration of a control write in seconds
	WriteTimeoutSec int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=1"`
}

// ConfirmTimeout the confirmation watchdog as time.Duration
func (c ControlConfig) ConfirmTimeout() time.Duration {
	return time.Second * time.Duration(c.ConfirmTimeoutSec)
}

// WriteTimeout the write timeout as time.Duration
func (c ControlConfig) WriteTimeout() time.Duration {
	return time.Second * time.Duration(c.WriteTimeoutSec)
}

// LayoutConfig defines where widget blueprints are loaded from
type LayoutConfig struct {
	// Bucket is the JetStream KV bucket holding the blueprints. Empty to disable.
	Bucket string `mapstructure:"bucket" json:"bucket"`
	// LoadTimeoutSec is the max duration for loading the blueprints in seconds
	LoadTimeoutSec int `mapstructure:"load_timeout_sec" json:"load_timeout_sec" validate:"gte=1"`
}

// FeedConfig defines the widget feed parameters
type FeedConfig struct {
	// Ingest are the ingestion queue parameters
	Ingest IngestConfig `mapstructure:"ingest" json:"ingest" validate:"required"`
	// Buffer are the buffer store parameters
	Buffer BufferConfig `mapstructure:"buffer" json:"buffer" validate:"required"`
	// Control are the interactive control parameters
	Control ControlConfig `mapstructure:"control" json:"control" validate:"required"`
	// Layout are the blueprint loading parameters
	Layout LayoutConfig `mapstructure:"layout" json:"layout" validate:"required"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config
type SystemConfig struct {
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required"`
	// Feed are the widget feed parameters
	Feed FeedConfig `mapstructure:"feed" json:"feed" validate:"required"`
	// API are the API server configs
	API APIServerConfig `mapstructure:"api" json:"api" validate:"required"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)
	viper.SetDefault("nats.subscription.pending_msg_limit", 1024*1024)
	viper.SetDefault("nats.subscription.pending_bytes_limit", 128*1024*1024)

	// Default feed settings
	viper.SetDefault("feed.ingest.max_queue_size", 5000)
	viper.SetDefault("feed.ingest.drop_batch", 1000)
	viper.SetDefault("feed.ingest.flush_interval_msec", 16)
	viper.SetDefault("feed.ingest.overflow_warn_interval_sec", 5)
	viper.SetDefault("feed.buffer.default_capacity", 100)
	viper.SetDefault("feed.buffer.max_capacity", 2000)
	viper.SetDefault("feed.buffer.global_max_messages", 20000)
	viper.SetDefault("feed.buffer.prune_fraction", 0.2)
	viper.SetDefault("feed.buffer.prune_min_entries", 10)
	viper.SetDefault("feed.buffer.pressure_high_watermark", 0.9)
	viper.SetDefault("feed.buffer.pressure_low_watermark", 0.75)
	viper.SetDefault("feed.control.confirm_timeout_sec", 5)
	viper.SetDefault("feed.control.write_timeout_sec", 5)
	viper.SetDefault("feed.layout.bucket", "")
	viper.SetDefault("feed.layout.load_timeout_sec", 30)

	// Default API server settings
	viper.SetDefault("api.path_prefix", "/")
	viper.SetDefault("api.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("api.api_server.server_config.listen_port", 3000)
	viper.SetDefault("api.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("api.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("api.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"api.api_server.logging_config.request_id_header", "Natsdash-Request-ID",
	)
	viper.SetDefault(
		"api.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}
