package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/flowone/internal/config"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "valid minimal",
			yaml: "session:\n  agent_id: a1\n",
		},
		{
			name:    "bad log level",
			yaml:    "server:\n  log_level: bananas\n",
			wantErr: "server.log_level",
		},
		{
			name:    "websocket base url",
			yaml:    "backend:\n  base_url: ws://localhost:8000\n",
			wantErr: "must use http or https",
		},
		{
			name:    "base url without host",
			yaml:    "backend:\n  base_url: http://\n",
			wantErr: "has no host",
		},
		{
			name:    "negative request timeout",
			yaml:    "backend:\n  request_timeout: -1s\n",
			wantErr: "backend.request_timeout",
		},
		{
			name:    "negative open timeout",
			yaml:    "backend:\n  open_timeout: -5s\n",
			wantErr: "backend.open_timeout",
		},
		{
			name:    "negative breaker failures",
			yaml:    "backend:\n  breaker:\n    max_failures: -1\n",
			wantErr: "backend.breaker.max_failures",
		},
		{
			name:    "agent id whitespace",
			yaml:    "session:\n  agent_id: \" a1\"\n",
			wantErr: "session.agent_id",
		},
		{
			name:    "bad ice server",
			yaml:    "avatar:\n  ice_servers: [\"http://stun.example\"]\n",
			wantErr: "avatar.ice_servers[0]",
		},
		{
			name:    "negative retries",
			yaml:    "avatar:\n  signal_retries: -2\n",
			wantErr: "avatar.signal_retries",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tc.yaml))
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q does not contain %q", err, tc.wantErr)
			}
		})
	}
}

func TestValidate_ReportsAllErrors(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server:  config.ServerConfig{LogLevel: "loud"},
		Backend: config.BackendConfig{BaseURL: "ftp://host"},
		Avatar:  config.AvatarConfig{SignalRetries: -1},
	}
	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"server.log_level", "backend.base_url", "avatar.signal_retries"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q: %v", want, err)
		}
	}
}
