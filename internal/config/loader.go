package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// An empty document yields the zero Config. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Backend
	if cfg.Backend.BaseURL != "" {
		u, err := url.Parse(cfg.Backend.BaseURL)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("backend.base_url: %w", err))
		case u.Scheme != "http" && u.Scheme != "https":
			errs = append(errs, fmt.Errorf("backend.base_url %q must use http or https", cfg.Backend.BaseURL))
		case u.Host == "":
			errs = append(errs, fmt.Errorf("backend.base_url %q has no host", cfg.Backend.BaseURL))
		}
		if err == nil && u.Scheme == "http" && cfg.Backend.APIKey != "" && !isLoopback(u.Hostname()) {
			slog.Warn("backend.api_key is sent over plain http", "host", u.Hostname())
		}
	}
	if cfg.Backend.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("backend.request_timeout must not be negative"))
	}
	if cfg.Backend.OpenTimeout < 0 {
		errs = append(errs, fmt.Errorf("backend.open_timeout must not be negative"))
	}
	if cfg.Backend.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("backend.breaker.max_failures must not be negative"))
	}
	if cfg.Backend.Breaker.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("backend.breaker.reset_timeout must not be negative"))
	}
	if cfg.Backend.Breaker.HalfOpenMax < 0 {
		errs = append(errs, fmt.Errorf("backend.breaker.half_open_max must not be negative"))
	}

	// Session
	if strings.TrimSpace(cfg.Session.AgentID) != cfg.Session.AgentID {
		errs = append(errs, fmt.Errorf("session.agent_id %q has surrounding whitespace", cfg.Session.AgentID))
	}

	// Avatar
	if cfg.Avatar.JoinTimeout < 0 {
		errs = append(errs, fmt.Errorf("avatar.join_timeout must not be negative"))
	}
	if cfg.Avatar.SignalRetries < 0 {
		errs = append(errs, fmt.Errorf("avatar.signal_retries must not be negative"))
	}
	for i, s := range cfg.Avatar.ICEServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") && !strings.HasPrefix(s, "turns:") {
			errs = append(errs, fmt.Errorf("avatar.ice_servers[%d] %q must be a stun:, turn: or turns: url", i, s))
		}
	}
	if !cfg.Session.EnableAvatar && len(cfg.Avatar.ICEServers) > 0 {
		slog.Warn("avatar.ice_servers is set but session.enable_avatar is false; avatar video will not be requested")
	}

	return errors.Join(errs...)
}

func isLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// parseBytes decodes and validates an in-memory config.
func parseBytes(data []byte) (*Config, error) {
	return LoadFromReader(bytes.NewReader(data))
}
