// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package app wires the token cache, the device gateway and the renderer
// behind the exporter's HTTP server and owns the process lifecycle.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/soothill/nest-device-exporter/auth"
	"github.com/soothill/nest-device-exporter/config"
	"github.com/soothill/nest-device-exporter/exposition"
	"github.com/soothill/nest-device-exporter/pkg/interfaces"
	"github.com/soothill/nest-device-exporter/pkg/logger"
	"github.com/soothill/nest-device-exporter/sdm"
	"github.com/soothill/nest-device-exporter/traits"
	"golang.org/x/time/rate"
)

const (
	signalChannelSize = 1
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// DeviceLister returns the current device listing.
type DeviceLister interface {
	FetchDevices(ctx context.Context) ([]sdm.Device, error)
}

// tokenStater is implemented by token sources that can describe themselves
// in a state dump.
type tokenStater interface {
	State() auth.TokenState
}

// App represents the main application
type App struct {
	cfg           *config.Config
	cfgMu         sync.RWMutex
	scrapeTimeout atomic.Int64
	server        *http.Server
	tokens        interfaces.TokenLifecycle
	devices       DeviceLister
	renderer      *exposition.Renderer
	configWatcher *config.Watcher
	shutdownOnce  sync.Once
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Option configures an App.
type Option func(*App)

// WithTokenSource replaces the OAuth token cache.
func WithTokenSource(tokens interfaces.TokenLifecycle) Option {
	return func(a *App) { a.tokens = tokens }
}

// WithDeviceLister replaces the Smart Device Management gateway.
func WithDeviceLister(devices DeviceLister) Option {
	return func(a *App) { a.devices = devices }
}

// New creates a new application instance. configPath is re-read on SIGHUP;
// an empty path disables reloading.
func New(cfg *config.Config, configPath string, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil configuration")
	}

	a := &App{
		cfg:      cfg,
		renderer: exposition.NewRenderer(),
	}
	a.scrapeTimeout.Store(int64(cfg.Server.ScrapeTimeout))
	for _, opt := range opts {
		opt(a)
	}
	a.initializeComponents()

	if configPath != "" {
		a.configWatcher = config.NewWatcher(configPath)
	}
	return a, nil
}

// initializeComponents builds the default token cache and gateway unless
// options supplied them, then the HTTP server.
func (a *App) initializeComponents() {
	if a.tokens == nil {
		a.tokens = auth.NewTokenCache(auth.Credentials{
			ClientID:     a.cfg.DeviceAccess.ClientID,
			ClientSecret: a.cfg.DeviceAccess.ClientSecret,
			RefreshToken: a.cfg.DeviceAccess.RefreshToken,
		},
			auth.WithTokenURL(a.cfg.Auth.TokenURL),
			auth.WithTimeout(a.cfg.Auth.Timeout),
			auth.WithRefreshMargin(a.cfg.Auth.RefreshMargin),
		)
	}

	if a.devices == nil {
		a.devices = sdm.NewGateway(a.cfg.DeviceAccess.ProjectID, a.tokens,
			sdm.WithBaseURL(a.cfg.SDM.BaseURL),
			sdm.WithTimeout(a.cfg.SDM.Timeout),
		)
	}

	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddress,
		Handler:           a.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

// Handler returns the exporter's HTTP routes.
func (a *App) Handler() http.Handler {
	healthLimiter := rate.NewLimiter(10, 20)
	readyLimiter := rate.NewLimiter(10, 20)

	mux := http.NewServeMux()
	mux.HandleFunc("/devices", a.devicesHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", rateLimitMiddleware(healthLimiter, healthCheckHandler))
	mux.HandleFunc("/ready", rateLimitMiddleware(readyLimiter, a.readinessCheckHandler))
	return loggingMiddleware(mux)
}

// ScrapeTimeout returns the current bound on a /devices request.
func (a *App) ScrapeTimeout() time.Duration {
	return time.Duration(a.scrapeTimeout.Load())
}

// Config returns the configuration currently in effect.
func (a *App) Config() *config.Config {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	return a.cfg
}

// Run obtains the first access token, then serves until ctx is cancelled,
// SIGINT or SIGTERM arrives, or the server fails. A failed first token
// exchange is returned before anything is served.
func (a *App) Run(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)
	defer a.cancel()

	logger.Info().Msg("Obtaining initial access token")
	if err := a.tokens.Start(a.ctx); err != nil {
		a.tokens.Close()
		return fmt.Errorf("initial token exchange failed: %w", err)
	}

	logger.Info().Strs("traits", traits.Known()).Msg("Trait translators registered")

	serverErr := a.startServer()
	a.setupSignalHandler()
	if a.configWatcher != nil {
		a.configWatcher.Start(a.ctx)
		a.startConfigWatcher()
	}

	var runErr error
	select {
	case <-a.ctx.Done():
	case runErr = <-serverErr:
	}

	a.Shutdown()
	a.performCleanup()
	return runErr
}

// startServer starts the HTTP server. A listen failure is delivered on the
// returned channel.
func (a *App) startServer() <-chan error {
	errCh := make(chan error, 1)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		logger.Info().Str("addr", a.server.Addr).Msg("Starting exporter HTTP server")
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("HTTP server failed")
			errCh <- err
		}
	}()
	return errCh
}

// setupSignalHandler sets up graceful shutdown on interrupt signals
func (a *App) setupSignalHandler() {
	sigChan := make(chan os.Signal, signalChannelSize)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
			a.Shutdown()
		case <-a.ctx.Done():
		}
	}()
}

// Shutdown stops the HTTP server and the config watcher and ends Run.
// It is safe to call more than once.
func (a *App) Shutdown() {
	a.shutdownOnce.Do(func() {
		logger.Info().Msg("Initiating graceful shutdown...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("HTTP server shutdown error")
		} else {
			logger.Info().Msg("HTTP server stopped")
		}

		if a.configWatcher != nil {
			a.configWatcher.Stop()
		}
		if a.cancel != nil {
			a.cancel()
		}
	})
}

// performCleanup releases the token cache and waits for goroutines to finish
func (a *App) performCleanup() {
	a.tokens.Close()

	logger.Info().Msg("Waiting for goroutines to finish...")
	a.wg.Wait()
	logger.Info().Msg("All goroutines finished, exiting")
}

// UpdateConfig applies the reloadable parts of newCfg: the log level and
// the scrape timeout. Credentials, endpoints and the listen address need a
// restart.
func (a *App) UpdateConfig(newCfg *config.Config) {
	a.cfgMu.Lock()
	old := a.cfg
	a.cfg = newCfg
	a.cfgMu.Unlock()

	if err := logger.SetLevel(newCfg.Logging.Level); err != nil {
		logger.Error().Err(err).Msg("Failed to apply reloaded log level")
	}
	a.scrapeTimeout.Store(int64(newCfg.Server.ScrapeTimeout))

	logger.Info().
		Str("log_level", newCfg.Logging.Level).
		Dur("scrape_timeout", newCfg.Server.ScrapeTimeout).
		Msg("Application configuration updated")

	if old.DeviceAccess != newCfg.DeviceAccess || old.Server.ListenAddress != newCfg.Server.ListenAddress ||
		old.Auth != newCfg.Auth || old.SDM != newCfg.SDM {
		logger.Warn().Msg("Credential, endpoint and listen address changes take effect after a restart")
	}
}

// startConfigWatcher starts a goroutine to apply reloaded configuration
func (a *App) startConfigWatcher() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-a.ctx.Done():
				logger.Info().Msg("Config watcher goroutine shutting down")
				return
			case newCfg := <-a.configWatcher.Updates():
				a.UpdateConfig(newCfg)
			}
		}
	}()
}

// DumpApplicationState dumps current application state to logs
func (a *App) DumpApplicationState() {
	logger.Info().Msg("=== APPLICATION STATE DUMP (SIGUSR1) ===")

	cfg := a.Config()
	logger.Info().
		Str("project_id", cfg.DeviceAccess.ProjectID).
		Str("listen_address", cfg.Server.ListenAddress).
		Dur("scrape_timeout", a.ScrapeTimeout()).
		Str("log_level", logger.Level().String()).
		Msg("Configuration state")

	if st, ok := a.tokens.(tokenStater); ok {
		state := st.State()
		ev := logger.Info().
			Bool("has_token", state.HasToken).
			Time("expires_at", state.ExpiresAt).
			Bool("refreshing", state.Refreshing).
			Int("refreshes", state.Refreshes).
			Uint64("generation", state.Generation)
		if state.LastError != nil {
			ev = ev.AnErr("last_error", state.LastError)
		}
		ev.Msg("Token cache state")
	} else {
		logger.Info().Bool("ready", a.tokens.Ready()).Msg("Token source state")
	}

	if gw, ok := a.devices.(*sdm.Gateway); ok {
		logger.Info().Str("breaker", gw.BreakerState()).Msg("Device gateway state")
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	logger.Info().
		Uint64("alloc_mb", m.Alloc/1024/1024).
		Uint64("total_alloc_mb", m.TotalAlloc/1024/1024).
		Uint32("num_gc", m.NumGC).
		Int("num_goroutines", runtime.NumGoroutine()).
		Msg("Runtime statistics")

	logger.Info().Msg("=== END STATE DUMP ===")
}

// DumpGoroutineStackTraces dumps all goroutine stack traces to logs
func DumpGoroutineStackTraces() {
	logger.Info().Msg("=== GOROUTINE STACK TRACES (SIGUSR2) ===")
	logger.Info().Int("num_goroutines", runtime.NumGoroutine()).Msg("Current goroutine count")

	buf := make([]byte, 1024*1024) // 1MB buffer
	stackLen := runtime.Stack(buf, true)
	logger.Info().Str("stack_traces", string(buf[:stackLen])).Msg("Full stack trace")

	logger.Info().Msg("=== END STACK TRACES ===")
}
