// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Command nest-device-exporter serves Google Nest device state from the
// Smart Device Management API as Prometheus metrics.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/soothill/nest-device-exporter/app"
	"github.com/soothill/nest-device-exporter/config"
	"github.com/soothill/nest-device-exporter/pkg/logger"
)

const (
	defaultConfigPath  = "config.yml"
	healthCheckTimeout = 5 * time.Second
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file (may also be given as the first argument)")
	healthCheck := flag.Bool("health-check", false, "Query the running exporter's /health endpoint and exit")
	validateConfig := flag.Bool("validate-config", false, "Validate configuration file and exit")
	flag.Parse()

	path := resolveConfigPath(*configPath, flag.Args())

	if *healthCheck {
		os.Exit(performHealthCheck(path))
	}

	if *validateConfig {
		os.Exit(performConfigValidation(path, os.Stdout, os.Stderr))
	}

	cfg, err := config.Load(path)
	if err != nil {
		logger.Initialize("error")
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger.Initialize(cfg.Logging.Level)

	logger.Info().Msg("Starting Nest device exporter")
	logger.Info().
		Str("project_id", cfg.DeviceAccess.ProjectID).
		Str("listen_address", cfg.Server.ListenAddress).
		Dur("scrape_timeout", cfg.Server.ScrapeTimeout).
		Dur("refresh_margin", cfg.Auth.RefreshMargin).
		Msg("Configuration loaded")

	application, err := app.New(cfg, path)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create application")
	}

	setupDebugSignalHandlers(application)

	if err := application.Run(context.Background()); err != nil {
		logger.Fatal().Err(err).Msg("Exporter stopped")
	}
}

// resolveConfigPath lets a positional argument name the configuration file
// when -config was left at its default.
func resolveConfigPath(flagValue string, args []string) string {
	if flagValue == defaultConfigPath && len(args) > 0 && args[0] != "" {
		return args[0]
	}
	return flagValue
}

// healthURL returns the /health URL of an exporter listening on addr.
func healthURL(addr string) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port) + "/health", nil
}

// performHealthCheck performs a health check and returns exit code
func performHealthCheck(configPath string) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: could not load config: %v\n", err)
		return 1
	}
	return checkHealth(cfg.Server.ListenAddress)
}

func checkHealth(listenAddress string) int {
	url, err := healthURL(listenAddress)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		return 1
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: exporter unreachable: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: %s returned %d\n", url, resp.StatusCode)
		return 1
	}

	fmt.Println("Health check passed: exporter is healthy")
	return 0
}

// performConfigValidation validates the configuration file and returns exit code
func performConfigValidation(configPath string, stdout, stderr io.Writer) int {
	logger.Initialize("info")
	logger.Info().Str("path", configPath).Msg("Validating configuration file")

	if err := config.ValidateWithSchema(configPath); err != nil {
		logger.Error().Err(err).Msg("Configuration schema validation failed")
		fmt.Fprintf(stderr, "\n❌ Configuration validation FAILED\n")
		fmt.Fprintf(stderr, "Error: %v\n\n", err)
		return 1
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error().Err(err).Msg("Configuration validation failed")
		fmt.Fprintf(stderr, "\n❌ Configuration validation FAILED\n")
		fmt.Fprintf(stderr, "Error: %v\n\n", err)
		return 1
	}

	fmt.Fprintln(stdout, "\n✅ Configuration validation PASSED")
	fmt.Fprintln(stdout, "\nConfiguration summary:")
	fmt.Fprintf(stdout, "  Project ID: %s\n", cfg.DeviceAccess.ProjectID)
	fmt.Fprintf(stdout, "  Listen Address: %s\n", cfg.Server.ListenAddress)
	fmt.Fprintf(stdout, "  Scrape Timeout: %s\n", cfg.Server.ScrapeTimeout)
	fmt.Fprintf(stdout, "  Token URL: %s\n", cfg.Auth.TokenURL)
	fmt.Fprintf(stdout, "  Token Timeout: %s\n", cfg.Auth.Timeout)
	fmt.Fprintf(stdout, "  Refresh Margin: %s\n", cfg.Auth.RefreshMargin)
	fmt.Fprintf(stdout, "  SDM Base URL: %s\n", cfg.SDM.BaseURL)
	fmt.Fprintf(stdout, "  SDM Timeout: %s\n", cfg.SDM.Timeout)
	fmt.Fprintf(stdout, "  Log Level: %s\n", cfg.Logging.Level)

	fmt.Fprintln(stdout, "\nAll validation checks passed. Configuration is ready for use.")
	return 0
}
