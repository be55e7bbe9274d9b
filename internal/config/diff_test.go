package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/flowone/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server:  config.ServerConfig{ListenAddr: ":9090", LogLevel: config.LogInfo},
		Backend: config.BackendConfig{BaseURL: "http://localhost:8000", RequestTimeout: time.Second},
		Session: config.SessionConfig{AgentID: "a1"},
		Avatar: config.AvatarConfig{
			Transport:  "whep",
			ICEServers: []string{"stun:one"},
			Options:    map[string]any{"codec": "vp8"},
		},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	d := config.Diff(baseConfig(), baseConfig())
	if !d.Empty() {
		t.Errorf("expected empty diff, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("diff = %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v", d.RestartRequired)
	}
}

func TestDiff_SessionChanged(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Session.EnableAvatar = true

	d := config.Diff(old, new)
	if !d.SessionChanged || !d.NewSession.EnableAvatar || d.NewSession.AgentID != "a1" {
		t.Errorf("diff = %+v", d)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"listen addr", func(c *config.Config) { c.Server.ListenAddr = ":9191" }, "server.listen_addr"},
		{"base url", func(c *config.Config) { c.Backend.BaseURL = "http://other" }, "backend"},
		{"breaker", func(c *config.Config) { c.Backend.Breaker.MaxFailures = 9 }, "backend"},
		{"ice servers", func(c *config.Config) { c.Avatar.ICEServers = append(c.Avatar.ICEServers, "stun:two") }, "avatar"},
		{"avatar options", func(c *config.Config) { c.Avatar.Options["codec"] = "h264" }, "avatar"},
		{"telemetry", func(c *config.Config) { c.Telemetry.ServiceName = "x" }, "telemetry"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			old, new := baseConfig(), baseConfig()
			tc.mutate(new)
			d := config.Diff(old, new)
			if !slices.Contains(d.RestartRequired, tc.want) {
				t.Errorf("RestartRequired = %v, want %q", d.RestartRequired, tc.want)
			}
			if d.LogLevelChanged || d.SessionChanged {
				t.Errorf("unexpected hot changes: %+v", d)
			}
		})
	}
}
