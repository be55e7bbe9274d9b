// Command flowone is an interactive terminal client for the agent session
// backend. It opens a session, streams transcript and avatar events, and
// serves health and metrics on an optional debug address.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/flowone/internal/api"
	"github.com/MrWong99/flowone/internal/avatar"
	"github.com/MrWong99/flowone/internal/config"
	"github.com/MrWong99/flowone/internal/health"
	"github.com/MrWong99/flowone/internal/observe"
	"github.com/MrWong99/flowone/internal/resilience"
	"github.com/MrWong99/flowone/internal/session"
	"github.com/MrWong99/flowone/internal/stream"
	"github.com/MrWong99/flowone/pkg/media"
	"github.com/MrWong99/flowone/pkg/media/webrtc"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "flowone.yaml", "path to the YAML configuration file")
	agentID := flag.String("agent", "", "agent id to open a session with (overrides session.agent_id)")
	flag.Parse()

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	// ── Configuration ─────────────────────────────────────────────────────────
	var sessionCfg atomic.Pointer[config.SessionConfig]
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyReload(&level, &sessionCfg, *agentID, config.Diff(old, new))
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "flowone: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "flowone: %v\n", err)
		}
		return 1
	}
	cfg := watcher.Current().WithDefaults()
	level.Set(slogLevel(cfg.Server.LogLevel))
	if *agentID != "" {
		cfg.Session.AgentID = *agentID
	}
	sessionCfg.Store(&cfg.Session)

	slog.Info("flowone starting",
		"version", version,
		"config", *configPath,
		"backend", cfg.Backend.BaseURL,
		"agent_id", cfg.Session.AgentID,
		"avatar", cfg.Session.EnableAvatar,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	provider, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Session stack ─────────────────────────────────────────────────────────
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "control-api",
		MaxFailures:  cfg.Backend.Breaker.MaxFailures,
		ResetTimeout: cfg.Backend.Breaker.ResetTimeout,
		HalfOpenMax:  cfg.Backend.Breaker.HalfOpenMax,
		IsFailure:    api.IsBackendFailure,
	})
	reg := config.NewRegistry()
	registerTransports(reg)
	ctl, err := buildController(cfg, reg, breaker, metrics)
	if err != nil {
		slog.Error("failed to build session controller", "err", err)
		return 1
	}
	defer func() {
		_ = ctl.Close()
		ctl.WaitIdle()
	}()

	// ── Run ───────────────────────────────────────────────────────────────────
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error { return watcher.Run(gctx) })

	if cfg.Server.ListenAddr != "" {
		mux := http.NewServeMux()
		health.New(
			health.Breaker("control-api", breaker),
			health.Stream(ctl),
		).Register(mux)
		mux.Handle("GET /metrics", provider.Handler())
		srv := &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           observe.Middleware(metrics)(mux),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			slog.Info("debug server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("debug server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	con := newConsole(ctl, os.Stdin, os.Stdout, func() config.SessionConfig { return *sessionCfg.Load() })
	g.Go(func() error {
		defer cancel()
		return con.Run(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// buildController wires the backend client, event stream, room transport
// and avatar manager into a session controller. The room transport is built
// even when avatar video is off at startup: a reload may enable it for the
// next opened session.
func buildController(cfg config.Config, reg *config.Registry, breaker *resilience.CircuitBreaker, metrics *observe.Metrics) (*session.Controller, error) {
	apiOpts := []api.Option{
		api.WithTimeout(cfg.Backend.RequestTimeout),
		api.WithBreaker(breaker),
		api.WithMetrics(metrics),
	}
	streamOpts := []stream.Option{stream.WithMetrics(metrics)}
	if cfg.Backend.APIKey != "" {
		apiOpts = append(apiOpts, api.WithHeader("Authorization", "Bearer "+cfg.Backend.APIKey))
		streamOpts = append(streamOpts, stream.WithHeader("Authorization", "Bearer "+cfg.Backend.APIKey))
	}

	backend, err := api.New(cfg.Backend.BaseURL, apiOpts...)
	if err != nil {
		return nil, err
	}
	streams, err := stream.NewClient(cfg.Backend.BaseURL, streamOpts...)
	if err != nil {
		return nil, err
	}

	joiner, err := reg.CreateJoiner(cfg.Avatar)
	if err != nil {
		return nil, err
	}
	slog.Info("avatar transport ready", "transport", cfg.Avatar.Transport, "ice_servers", len(cfg.Avatar.ICEServers))

	return session.New(backend, session.Streams(streams),
		session.WithMetrics(metrics),
		session.WithOpenTimeout(cfg.Backend.OpenTimeout),
		session.WithAvatar(avatar.New(joiner,
			avatar.WithJoinTimeout(cfg.Avatar.JoinTimeout),
			avatar.WithMetrics(metrics),
		)),
	), nil
}

// registerTransports wires the built-in room transports into reg.
func registerTransports(reg *config.Registry) {
	reg.RegisterJoiner("whep", func(ac config.AvatarConfig) (media.RoomJoiner, error) {
		var opts []webrtc.Option
		if ac.SignalRetries > 0 {
			opts = append(opts, webrtc.WithMaxRetries(ac.SignalRetries))
		}
		if len(ac.ICEServers) > 0 {
			opts = append(opts, webrtc.WithICEServers(ac.ICEServers...))
		}
		if d, ok := ac.Options["retry_interval"].(string); ok {
			interval, err := time.ParseDuration(d)
			if err != nil {
				return nil, fmt.Errorf("avatar.options.retry_interval: %w", err)
			}
			opts = append(opts, webrtc.WithRetryInterval(interval))
		}
		return webrtc.New(opts...), nil
	})
}

// applyReload applies the hot-reloadable parts of a config change.
// A non-empty agentOverride from the command line wins over the file.
func applyReload(level *slog.LevelVar, sessionCfg *atomic.Pointer[config.SessionConfig], agentOverride string, d config.ConfigDiff) {
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SessionChanged {
		s := d.NewSession
		if agentOverride != "" {
			s.AgentID = agentOverride
		}
		sessionCfg.Store(&s)
		slog.Info("session settings changed; applies to the next opened session",
			"agent_id", s.AgentID, "avatar", s.EnableAvatar)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "keys", d.RestartRequired)
	}
}

func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
