// Package app wires the turnloop subsystems into a running server.
//
// The App struct owns the HTTP surface and the session lifecycle: New builds
// the session manager, the WebSocket gateway and the health endpoints around
// a set of [Providers], Handler exposes them as one [http.Handler], and
// Shutdown drains live sessions and releases providers.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/MrWong99/turnloop/internal/config"
	"github.com/MrWong99/turnloop/internal/gateway"
	"github.com/MrWong99/turnloop/internal/health"
	"github.com/MrWong99/turnloop/internal/observe"
)

// App owns all subsystem lifetimes of the turnloop server.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics

	sessions *SessionManager
	gateway  *gateway.Server
	health   *health.Handler
	handler  http.Handler

	levelVar       *slog.LevelVar
	metricsHandler http.Handler
	gatewayOpts    []gateway.Option

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics records session and HTTP metrics on m instead of
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets config reloads change the log level of the handler
// backed by lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = lv }
}

// WithMetricsHandler mounts h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithGatewayOptions passes extra options to the WebSocket gateway.
func WithGatewayOptions(opts ...gateway.Option) Option {
	return func(a *App) { a.gatewayOpts = append(a.gatewayOpts, opts...) }
}

// New creates an App serving sessions with the given providers.
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		return nil, errors.New("app: providers are required")
	}
	if err := providers.Validate(); err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	format := cfg.AudioFormat()
	a.sessions = NewSessionManager(SessionManagerConfig{
		Providers: providers,
		Voice:     cfg.Voice,
		STTFormat: format,
		Metrics:   a.metrics,
	})

	gwOpts := append([]gateway.Option{gateway.WithFormat(format), gateway.WithOutputFormat(cfg.OutputFormat())}, a.gatewayOpts...)
	a.gateway = gateway.New(a.sessions, gwOpts...)

	a.health = health.New(
		health.Configured("providers", map[string]string{
			"llm": cfg.Providers.LLM.Name,
			"stt": cfg.Providers.STT.Name,
			"tts": cfg.Providers.TTS.Name,
		}),
		health.Func("gateway", a.gateway.Accepting, "not accepting sessions"),
	)

	mux := http.NewServeMux()
	a.gateway.Register(mux)
	a.health.Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	a.handler = observe.Middleware(a.metrics)(mux)

	return a, nil
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Gateway returns the WebSocket gateway.
func (a *App) Gateway() *gateway.Server { return a.gateway }

// Health returns the health handler.
func (a *App) Health() *health.Handler { return a.health }

// ApplyConfig applies the hot-reloadable parts of a config change. It has
// the signature expected by [config.NewWatcher].
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.VoiceChanged {
		a.sessions.SetVoice(d.NewVoice)
		slog.Info("voice settings updated for new sessions",
			"silence_timeout", d.VoiceOptions().SilenceTimeout,
			"greeting", d.NewVoice.Greeting != "",
		)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "sections", d.RestartRequired)
	}
}

// Shutdown marks the server as draining, waits for live sessions to end and
// then releases providers. If ctx expires first, providers are still closed
// and the drain error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "active_sessions", a.gateway.Active())
		a.health.SetDraining(true)

		var errs []error
		if err := a.gateway.Drain(ctx); err != nil {
			slog.Warn("shutdown deadline exceeded", "err", err)
			errs = append(errs, err)
		}
		if err := a.providers.Close(); err != nil {
			errs = append(errs, fmt.Errorf("app: close providers: %w", err))
		}
		shutdownErr = errors.Join(errs...)
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// SlogLevel converts a config log level to its slog equivalent. Unknown
// levels map to info.
func SlogLevel(l config.LogLevel) slog.Level {
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
