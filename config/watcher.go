// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package config

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/soothill/nest-device-exporter/pkg/logger"
)

// Watcher reloads the configuration file on SIGHUP and publishes each
// successfully validated result on its channel.
type Watcher struct {
	path       string
	configChan chan *Config
	reloadChan chan os.Signal
	cancelFunc context.CancelFunc
}

// NewWatcher creates a new configuration watcher.
func NewWatcher(path string) *Watcher {
	return &Watcher{
		path:       path,
		configChan: make(chan *Config),
		reloadChan: make(chan os.Signal, 1),
	}
}

// Updates returns the channel on which reloaded configurations are delivered.
func (w *Watcher) Updates() <-chan *Config {
	return w.configChan
}

// Start begins watching for SIGHUP signals to trigger a configuration reload.
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancelFunc = context.WithCancel(ctx)
	signal.Notify(w.reloadChan, syscall.SIGHUP)

	go w.watch(ctx)
}

// Stop stops the configuration watcher.
func (w *Watcher) Stop() {
	if w.cancelFunc != nil {
		w.cancelFunc()
	}
	signal.Stop(w.reloadChan)
}

// Reload triggers a reload as if SIGHUP had been received.
func (w *Watcher) Reload() {
	select {
	case w.reloadChan <- syscall.SIGHUP:
	default:
	}
}

// watch listens for reload signals and reloads the configuration.
func (w *Watcher) watch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.reloadChan:
			logger.Info().Str("path", w.path).Msg("SIGHUP received, reloading configuration")
			cfg, err := Load(w.path)
			if err != nil {
				logger.Error().Err(err).Msg("failed to reload configuration")
				continue
			}
			select {
			case w.configChan <- cfg:
				logger.Info().Msg("configuration reloaded successfully")
			case <-ctx.Done():
				return
			}
		}
	}
}
