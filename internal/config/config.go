// Package config provides the configuration schema, loader, hot-reload
// watcher and room transport registry for the flowone client.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Defaults applied by [Config.WithDefaults].
const (
	DefaultBaseURL        = "http://localhost:8000"
	DefaultRequestTimeout = 15 * time.Second
	DefaultJoinTimeout    = 30 * time.Second
	DefaultTransport      = "whep"
	DefaultServiceName    = "flowone"
)

// Config is the root configuration structure for flowone.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Backend   BackendConfig   `yaml:"backend"`
	Session   SessionConfig   `yaml:"session"`
	Avatar    AvatarConfig    `yaml:"avatar"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds logging settings and the debug HTTP endpoint.
type ServerConfig struct {
	// ListenAddr is the address of the debug server serving /healthz,
	// /readyz and /metrics (e.g., ":9090"). Empty disables it.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`
}

// BackendConfig locates the session backend.
type BackendConfig struct {
	// BaseURL is the http(s) root of the backend API. The event stream is
	// reached at the equivalent ws(s) URL.
	BaseURL string `yaml:"base_url"`

	// APIKey is sent as a bearer token when set.
	APIKey string `yaml:"api_key"`

	// RequestTimeout bounds each control request.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// OpenTimeout bounds session creation plus stream connection. Zero
	// means no bound.
	OpenTimeout time.Duration `yaml:"open_timeout"`

	// Breaker tunes the circuit breaker guarding control requests.
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the control API circuit breaker. Zero values select
// the breaker's defaults.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// SessionConfig selects the agent to talk to.
type SessionConfig struct {
	// AgentID is the backend agent a session is opened with.
	AgentID string `yaml:"agent_id"`

	// EnableAvatar requests avatar video at session creation.
	EnableAvatar bool `yaml:"enable_avatar"`
}

// AvatarConfig configures room transports for avatar video.
type AvatarConfig struct {
	// Transport names the registered room joiner (see [Registry]).
	Transport string `yaml:"transport"`

	// ICEServers lists STUN/TURN URLs used by the room joiner.
	ICEServers []string `yaml:"ice_servers"`

	// JoinTimeout bounds the time from joining a room until the first video
	// track arrives. Zero disables the bound.
	JoinTimeout time.Duration `yaml:"join_timeout"`

	// SignalRetries is how often a transient signalling failure is retried.
	// Zero keeps the transport default.
	SignalRetries int `yaml:"signal_retries"`

	// Options holds transport-specific settings.
	Options map[string]any `yaml:"options"`
}

// TelemetryConfig configures OpenTelemetry resource attributes.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`
}

// WithDefaults returns a copy of cfg with unset fields filled in.
func (cfg Config) WithDefaults() Config {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Backend.BaseURL == "" {
		cfg.Backend.BaseURL = DefaultBaseURL
	}
	if cfg.Backend.RequestTimeout == 0 {
		cfg.Backend.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Avatar.Transport == "" {
		cfg.Avatar.Transport = DefaultTransport
	}
	if cfg.Avatar.JoinTimeout == 0 {
		cfg.Avatar.JoinTimeout = DefaultJoinTimeout
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
	return cfg
}
