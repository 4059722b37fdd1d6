// Copyright 2024 The chatmesh Authors
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

import "github.com/spf13/viper"

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
// Session Store Related Config

// EtcdConfig defines parameters for connecting to the etcd session store
type EtcdConfig struct {
	// Endpoints is the list of etcd server endpoints
	Endpoints []string `mapstructure:"endpoints" json:"endpoints" validate:"required,min=1,dive,required"`
	// DialTimeout is the max duration for connecting to etcd in seconds
	DialTimeout int `mapstructure:"dial_timeout_sec" json:"dial_timeout_sec" validate:"gte=1"`
	// SessionTTL is the liveness TTL on session records in seconds.
	//
	// A record not refreshed within this window expires, which is treated as
	// an implicit unregister. Edge nodes re-announce their registrations at a
	// shorter interval to keep live records refreshed.
	SessionTTL int `mapstructure:"session_ttl_sec" json:"session_ttl_sec" validate:"gte=5"`
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
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// ===============================================================================
// Session Registry Related Config

// RegistryConfig defines configuration for the session registry process.
//
// Per-user ordering of lifecycle events is a deployment contract, not a code
// guarantee: when multiple registry instances share the queue group, the
// lifecycle subject must be partitioned by userId or register / unregister
// races become more likely.
type RegistryConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the registry ops API server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// QueueGroup is the bus consumer queue group shared by registry instances
	QueueGroup string `mapstructure:"queue_group" json:"queue_group" validate:"required"`
	// PresenceCallbackURL is the CRUD service endpoint notified on presence
	// changes. Leave empty to disable the callback.
	PresenceCallbackURL string `mapstructure:"presence_callback_url" json:"presence_callback_url" validate:"omitempty,url"`
}

// ===============================================================================
// Edge Node Related Config

// EdgeConfig defines configuration for an edge node process
type EdgeConfig struct {
	// HTTPSetting is the HTTP / WebSocket server parameters for client connections
	HTTPSetting HTTPConfig `mapstructure:"client_server" json:"client_server" validate:"required,dive"`
	// AnnounceInterval is the interval in seconds at which the node
	// re-announces its live connections to refresh their registry TTL
	AnnounceInterval int `mapstructure:"announce_interval_sec" json:"announce_interval_sec" validate:"gte=5"`
}

// ===============================================================================
// Local Delivery Gateway Related Config

// DatabaseConfig defines parameters for connecting to the message database
type DatabaseConfig struct {
	// DSN is the postgres connection string
	DSN string `mapstructure:"dsn" json:"dsn" validate:"required"`
}

// GatewayConfig defines configuration for the local delivery gateway process
type GatewayConfig struct {
	// EdgeSetting is the edge node parameters the gateway also operates with
	EdgeSetting EdgeConfig `mapstructure:",squash" json:"edge" validate:"required,dive"`
	// Database is the message persistence parameters
	Database DatabaseConfig `mapstructure:"database" json:"database" validate:"required,dive"`
	// ForwardQueueGroup is the queue group for consuming forwarded chat payloads
	ForwardQueueGroup string `mapstructure:"forward_queue_group" json:"forward_queue_group" validate:"required"`
	// GroupDirectoryURL is the CRUD service endpoint for group membership reads.
	// Leave empty when group fan-out is not in use.
	GroupDirectoryURL string `mapstructure:"group_directory_url" json:"group_directory_url" validate:"omitempty,url"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config used by any process role
type SystemConfig struct {
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
	// Etcd are the session store related config parameters
	Etcd EtcdConfig `mapstructure:"etcd" json:"etcd" validate:"required,dive"`
	// Registry are the session registry configs
	Registry *RegistryConfig `mapstructure:"registry,omitempty" json:"registry,omitempty" validate:"omitempty,dive"`
	// Edge are the edge node configs
	Edge *EdgeConfig `mapstructure:"edge,omitempty" json:"edge,omitempty" validate:"omitempty,dive"`
	// Gateway are the local delivery gateway configs
	Gateway *GatewayConfig `mapstructure:"gateway,omitempty" json:"gateway,omitempty" validate:"omitempty,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)

	// Default session store settings
	viper.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	viper.SetDefault("etcd.dial_timeout_sec", 5)
	viper.SetDefault("etcd.session_ttl_sec", 60)

	// Default registry settings
	viper.SetDefault("registry.queue_group", "session-registry")
	viper.SetDefault("registry.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("registry.api_server.server_config.listen_port", 3000)
	viper.SetDefault("registry.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("registry.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("registry.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"registry.api_server.logging_config.request_id_header", "Chatmesh-Request-ID",
	)
	viper.SetDefault(
		"registry.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)

	// Default edge node settings
	viper.SetDefault("edge.announce_interval_sec", 20)
	viper.SetDefault("edge.client_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("edge.client_server.server_config.listen_port", 3001)
	viper.SetDefault("edge.client_server.server_config.read_timeout_sec", 0)
	viper.SetDefault("edge.client_server.server_config.write_timeout_sec", 0)
	viper.SetDefault("edge.client_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"edge.client_server.logging_config.request_id_header", "Chatmesh-Request-ID",
	)
	viper.SetDefault(
		"edge.client_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)

	// Default gateway settings
	viper.SetDefault("gateway.announce_interval_sec", 20)
	viper.SetDefault("gateway.forward_queue_group", "delivery-gateway")
	viper.SetDefault("gateway.client_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("gateway.client_server.server_config.listen_port", 3002)
	viper.SetDefault("gateway.client_server.server_config.read_timeout_sec", 0)
	viper.SetDefault("gateway.client_server.server_config.write_timeout_sec", 0)
	viper.SetDefault("gateway.client_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"gateway.client_server.logging_config.request_id_header", "Chatmesh-Request-ID",
	)
	viper.SetDefault(
		"gateway.client_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}
