package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	// LogLevelChanged is applied immediately.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged means the next opened session uses a different agent
	// or avatar preference. The running session is left alone.
	SessionChanged bool
	NewSession     SessionConfig

	// RestartRequired lists top-level keys whose changes only take effect
	// after a restart.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.SessionChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Session != new.Session {
		d.SessionChanged = true
		d.NewSession = new.Session
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !reflect.DeepEqual(old.Backend, new.Backend) {
		d.RestartRequired = append(d.RestartRequired, "backend")
	}
	if !avatarEqual(old.Avatar, new.Avatar) {
		d.RestartRequired = append(d.RestartRequired, "avatar")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	return d
}

func avatarEqual(a, b AvatarConfig) bool {
	return a.Transport == b.Transport &&
		a.JoinTimeout == b.JoinTimeout &&
		a.SignalRetries == b.SignalRetries &&
		slices.Equal(a.ICEServers, b.ICEServers) &&
		reflect.DeepEqual(a.Options, b.Options)
}
