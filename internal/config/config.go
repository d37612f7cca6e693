// Package config provides bridge configuration loaded from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const logPrefix = "config:LoadConfig"

// Config holds extension-bridge configuration.
type Config struct {
	// COMMS: embedded server by default; set EMBEDDED_COMMS=false to connect
	// to a standalone server at COMMS_URL instead.
	COMMSURL      string `envconfig:"COMMS_URL" default:"nats://127.0.0.1:4222"`
	COMMSName     string `envconfig:"SERVICE_NAME" default:"extension-bridge"`
	EmbeddedCOMMS bool   `envconfig:"EMBEDDED_COMMS" default:"true"`
	EmbeddedHost  string `envconfig:"EMBEDDED_COMMS_HOST" default:"127.0.0.1"`
	EmbeddedPort  int    `envconfig:"EMBEDDED_COMMS_PORT" default:"4222"`

	// Invoke subject override (empty = ext.invoke.v1)
	InvokeSubject string `envconfig:"INVOKE_SUBJECT"`

	// Host interface version and optional extra compatibility range
	HostInterfaceVersion string `envconfig:"HOST_INTERFACE_VERSION" default:"1.4.0"`
	CompatRange          string `envconfig:"COMPAT_RANGE"`

	// Extension manifest
	ManifestFile string `envconfig:"EXTENSION_MANIFEST_FILE"`

	// Bus and dispatch tuning
	ChannelCapacity int           `envconfig:"CHANNEL_CAPACITY" default:"64"`
	RequestTimeout  time.Duration `envconfig:"REQUEST_TIMEOUT" default:"5s"`
	SendTimeout     time.Duration `envconfig:"SEND_TIMEOUT" default:"2s"`
	ReapInterval    time.Duration `envconfig:"REAP_INTERVAL" default:"100ms"`

	// Lifecycle tuning
	InitTimeout      time.Duration `envconfig:"INIT_TIMEOUT" default:"10s"`
	TeardownTimeout  time.Duration `envconfig:"TEARDOWN_TIMEOUT" default:"5s"`
	DrainGrace       time.Duration `envconfig:"DRAIN_GRACE" default:"10s"`
	LivenessInterval time.Duration `envconfig:"LIVENESS_INTERVAL" default:"5s"`

	// HTTP status endpoint (BRIDGE_HTTP_ADDR preferred, e.g. "0.0.0.0:8080")
	HTTPAddr           string        `envconfig:"BRIDGE_HTTP_ADDR"`
	HTTPPort           int           `envconfig:"HTTP_PORT" default:"8080"`
	HealthCheckTimeout time.Duration `envconfig:"HEALTH_CHECK_TIMEOUT" default:"5s"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ValidateForServe checks required config when running the bridge.
func (c *Config) ValidateForServe() error {
	if c.HostInterfaceVersion == "" {
		return fmt.Errorf("%s - HOST_INTERFACE_VERSION is required for serve", logPrefix)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%s - REQUEST_TIMEOUT must be positive", logPrefix)
	}
	if c.SendTimeout <= 0 {
		return fmt.Errorf("%s - SEND_TIMEOUT must be positive", logPrefix)
	}
	if c.ChannelCapacity <= 0 {
		return fmt.Errorf("%s - CHANNEL_CAPACITY must be positive", logPrefix)
	}
	if c.HealthCheckTimeout <= 0 {
		return fmt.Errorf("%s - HEALTH_CHECK_TIMEOUT must be positive", logPrefix)
	}
	return nil
}
