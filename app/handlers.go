// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package app

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/soothill/nest-device-exporter/exposition"
	"github.com/soothill/nest-device-exporter/pkg/errors"
	"github.com/soothill/nest-device-exporter/pkg/logger"
	"github.com/soothill/nest-device-exporter/pkg/metrics"
)

const targetParam = "target"

// devicesHandler serves the device samples of the structure named by the
// target query parameter.
func (a *App) devicesHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	status := http.StatusOK
	defer func() {
		metrics.ScrapesTotal.WithLabelValues(strconv.Itoa(status)).Inc()
		metrics.ScrapeDuration.Observe(time.Since(start).Seconds())
	}()

	structure := r.URL.Query().Get(targetParam)
	if structure == "" {
		status = http.StatusBadRequest
		http.Error(w, "target parameter required", status)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.ScrapeTimeout())
	defer cancel()

	body, err := a.scrape(ctx, structure)
	if err != nil {
		status = statusFor(err)
		logger.Error().Err(err).Str("target", structure).Int("status", status).Msg("Device scrape failed")
		http.Error(w, http.StatusText(status), status)
		return
	}

	w.Header().Set("Content-Type", exposition.ContentType)
	w.WriteHeader(status)
	if _, writeErr := w.Write([]byte(body)); writeErr != nil {
		logger.Error().Err(writeErr).Msg("Failed to write device scrape response")
	}
}

func (a *App) scrape(ctx context.Context, structure string) (string, error) {
	devices, err := a.devices.FetchDevices(ctx)
	if err != nil {
		return "", err
	}
	body, err := a.renderer.Render(devices, structure)
	if err != nil {
		return "", err
	}
	if body == "" {
		return "", nil
	}
	return body + "\n", nil
}

// statusFor maps an error class to the response status of a failed scrape.
func statusFor(err error) int {
	switch {
	case errors.IsAuthError(err), errors.Is(err, errors.ErrCacheClosed):
		return http.StatusServiceUnavailable
	case errors.IsRemoteAPIError(err), errors.IsShapeMismatchError(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// healthCheckHandler handles health check requests
func healthCheckHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, writeErr := w.Write([]byte("OK")); writeErr != nil {
		logger.Error().Err(writeErr).Msg("Failed to write health check response")
	}
}

// readinessCheckHandler reports ready once a valid access token is held.
func (a *App) readinessCheckHandler(w http.ResponseWriter, _ *http.Request) {
	if !a.tokens.Ready() {
		logger.Warn().Msg("Readiness check failed: no valid access token")
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, writeErr := w.Write([]byte("NOT READY: no valid access token")); writeErr != nil {
			logger.Error().Err(writeErr).Msg("Failed to write readiness check response")
		}
		return
	}

	w.WriteHeader(http.StatusOK)
	if _, writeErr := w.Write([]byte("READY")); writeErr != nil {
		logger.Error().Err(writeErr).Msg("Failed to write readiness check response")
	}
}
