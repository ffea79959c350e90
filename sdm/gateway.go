// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package sdm is a thin client for the Smart Device Management device
// listing, plus parsing of the resource paths devices carry.
package sdm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/soothill/nest-device-exporter/pkg/errors"
	"github.com/soothill/nest-device-exporter/pkg/interfaces"
	"github.com/soothill/nest-device-exporter/pkg/logger"
	"github.com/soothill/nest-device-exporter/pkg/metrics"
)

const (
	// DefaultBaseURL is the Smart Device Management API root.
	DefaultBaseURL = "https://smartdevicemanagement.googleapis.com/v1"

	defaultTimeout = 10 * time.Second
	maxBodySize    = 8 << 20
	opListDevices  = "list devices"
)

// Gateway fetches the device list for one Device Access project.
type Gateway struct {
	projectID string
	baseURL   string
	tokens    interfaces.TokenSource
	client    *http.Client
	timeout   time.Duration
	breaker   *CircuitBreaker
	log       zerolog.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithBaseURL overrides the API root.
func WithBaseURL(u string) Option {
	return func(g *Gateway) {
		if u != "" {
			g.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithHTTPClient sets the client used for API calls.
func WithHTTPClient(client *http.Client) Option {
	return func(g *Gateway) { g.client = client }
}

// WithTimeout bounds each device-listing call. Non-positive values keep
// the default.
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithBreaker replaces the default circuit breaker settings.
func WithBreaker(s BreakerSettings) Option {
	return func(g *Gateway) { g.breaker = NewCircuitBreaker("sdm", s) }
}

// NewGateway creates a gateway that authenticates with tokens.
func NewGateway(projectID string, tokens interfaces.TokenSource, opts ...Option) *Gateway {
	g := &Gateway{
		projectID: projectID,
		baseURL:   DefaultBaseURL,
		tokens:    tokens,
		client:    &http.Client{},
		timeout:   defaultTimeout,
		log:       logger.Component("sdm"),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.breaker == nil {
		g.breaker = NewCircuitBreaker("sdm", DefaultBreakerSettings)
	}
	return g
}

// BreakerState reports the state of the gateway's circuit breaker.
func (g *Gateway) BreakerState() string {
	return g.breaker.State()
}

type listDevicesResponse struct {
	Devices []Device        `json:"devices"`
	Error   json.RawMessage `json:"error"`
}

// FetchDevices returns every device of the project. Token failures are
// returned unchanged; everything the listing endpoint does wrong is a
// *errors.RemoteAPIError. No retry is attempted.
func (g *Gateway) FetchDevices(ctx context.Context) ([]Device, error) {
	token, err := g.tokens.Token(ctx)
	if err != nil {
		metrics.DeviceFetchErrors.Inc()
		return nil, err
	}

	start := time.Now()
	var devices []Device
	err = g.breaker.Execute(ctx, func(ctx context.Context) error {
		var listErr error
		devices, listErr = g.listDevices(ctx, token)
		return listErr
	})
	metrics.DeviceFetchDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.DeviceFetchErrors.Inc()
		if errors.Is(err, errors.ErrCircuitBreakerOpen) {
			err = errors.NewRemoteAPIError(opListDevices, 0, "", err)
		}
		g.log.Error().Err(err).Msg("Device listing failed")
		return nil, err
	}

	metrics.DevicesListed.Set(float64(len(devices)))
	g.log.Debug().Int("devices", len(devices)).Dur("duration", time.Since(start)).Msg("Fetched devices")
	return devices, nil
}

func (g *Gateway) listDevices(ctx context.Context, token string) ([]Device, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/enterprises/%s/devices", g.baseURL, url.PathEscape(g.projectID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.NewRemoteAPIError(opListDevices, 0, "", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, errors.NewRetryableError(opListDevices, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, errors.NewRetryableError(opListDevices, err)
	}

	var parsed listDevicesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, errors.NewRemoteAPIError(opListDevices, resp.StatusCode, truncate(string(body)), err)
	}
	if len(parsed.Error) > 0 && string(parsed.Error) != "null" {
		return nil, errors.NewRemoteAPIError(opListDevices, resp.StatusCode, string(parsed.Error), nil)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.NewRemoteAPIError(opListDevices, resp.StatusCode, truncate(string(body)), nil)
	}

	return parsed.Devices, nil
}

func truncate(s string) string {
	const limit = 512
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
