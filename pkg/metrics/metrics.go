// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package metrics provides Prometheus metrics describing the exporter itself.
// They are served on /metrics next to the Go runtime and process collectors;
// device samples are rendered separately on /devices.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Token refresh results.
const (
	ResultSuccess = "success"
	ResultAuth    = "auth_error"
	ResultRemote  = "remote_error"
)

var (
	// TokenRefreshes counts access token exchanges by result
	TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nest_exporter_token_refreshes_total",
		Help: "Total number of OAuth access token exchanges, by result",
	}, []string{"result"})

	// TokenExpiry holds the expiry of the current access token
	TokenExpiry = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nest_exporter_token_expiry_timestamp_seconds",
		Help: "Unix timestamp at which the current access token expires",
	})

	// AuthenticationValid is 1 while the token cache holds a usable token
	AuthenticationValid = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nest_exporter_authentication_valid",
		Help: "Set to 1 if the exporter holds a valid access token, 0 otherwise",
	})

	// DeviceFetchDuration tracks how long the device-listing call takes
	DeviceFetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nest_exporter_device_fetch_duration_seconds",
		Help:    "Duration of device-listing calls in seconds",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 8),
	})

	// DeviceFetchErrors counts failed device-listing calls
	DeviceFetchErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nest_exporter_device_fetch_errors_total",
		Help: "Total number of failed device-listing calls",
	})

	// DevicesListed tracks the number of devices in the last listing
	DevicesListed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nest_exporter_devices_listed",
		Help: "Number of devices returned by the last successful device listing",
	})

	// ScrapesTotal counts /devices requests by HTTP status code
	ScrapesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nest_exporter_scrapes_total",
		Help: "Total number of device scrape requests, by response code",
	}, []string{"code"})

	// ScrapeDuration tracks the end-to-end duration of /devices requests
	ScrapeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nest_exporter_scrape_duration_seconds",
		Help:    "Duration of device scrape requests in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// SamplesRendered tracks the number of samples in the last rendered scrape
	SamplesRendered = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nest_exporter_samples_rendered",
		Help: "Number of samples written by the last successful device scrape",
	})

	// TraitDecodeErrors counts trait payloads that could not be translated
	TraitDecodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nest_exporter_trait_decode_errors_total",
		Help: "Total number of known trait payloads skipped because they could not be decoded",
	}, []string{"trait"})
)
