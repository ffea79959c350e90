// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package config provides configuration management for the Nest device exporter.
package config

import (
	stderrors "errors"
	"fmt"
	"net"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/soothill/nest-device-exporter/pkg/errors"
	"github.com/soothill/nest-device-exporter/pkg/util"
	"gopkg.in/yaml.v3"
)

// Defaults for optional settings.
const (
	DefaultListenAddress = ":9896"
	DefaultScrapeTimeout = 15 * time.Second
	DefaultTokenURL      = "https://www.googleapis.com/oauth2/v4/token"
	DefaultSDMBaseURL    = "https://smartdevicemanagement.googleapis.com/v1"
	DefaultHTTPTimeout   = 10 * time.Second
	DefaultLogLevel      = "info"
)

// Config represents the application configuration
type Config struct {
	DeviceAccess DeviceAccessConfig `yaml:"google_device_access"`
	Server       ServerConfig       `yaml:"server"`
	Auth         AuthConfig         `yaml:"auth"`
	SDM          SDMConfig          `yaml:"sdm"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// DeviceAccessConfig holds the Google Device Access credential.
type DeviceAccessConfig struct {
	ProjectID    string `yaml:"project_id" validate:"required"`
	ClientID     string `yaml:"client_id" validate:"required"`
	ClientSecret string `yaml:"client_secret" validate:"required"`
	RefreshToken string `yaml:"refresh_token" validate:"required"`
}

// ServerConfig holds HTTP listener settings
type ServerConfig struct {
	ListenAddress string        `yaml:"listen_address" validate:"required"`
	ScrapeTimeout time.Duration `yaml:"scrape_timeout" validate:"min=1s,max=5m"`
}

// AuthConfig holds OAuth token endpoint settings
type AuthConfig struct {
	TokenURL string        `yaml:"token_url" validate:"required,url"`
	Timeout  time.Duration `yaml:"timeout" validate:"min=1s,max=2m"`
	// RefreshMargin is subtracted from the token lifetime when scheduling
	// renewal. Zero renews exactly at expiry.
	RefreshMargin time.Duration `yaml:"refresh_margin" validate:"min=0s,max=30m"`
}

// SDMConfig holds Smart Device Management API settings
type SDMConfig struct {
	BaseURL string        `yaml:"base_url" validate:"required,url"`
	Timeout time.Duration `yaml:"timeout" validate:"min=1s,max=2m"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn warning error fatal panic"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Load reads configuration from a YAML file and applies environment variable overrides
func Load(path string) (*Config, error) {
	data, err := util.ReadFileSafely(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes a YAML document, applies environment overrides and defaults,
// and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides to the configuration
func (c *Config) applyEnvironmentOverrides() {
	overrides := map[string]*string{
		"SDM_PROJECT_ID":    &c.DeviceAccess.ProjectID,
		"SDM_CLIENT_ID":     &c.DeviceAccess.ClientID,
		"SDM_CLIENT_SECRET": &c.DeviceAccess.ClientSecret,
		"SDM_REFRESH_TOKEN": &c.DeviceAccess.RefreshToken,
		"LISTEN_ADDRESS":    &c.Server.ListenAddress,
		"LOG_LEVEL":         &c.Logging.Level,
	}
	for env, field := range overrides {
		if v := os.Getenv(env); v != "" {
			*field = v
		}
	}

	// PORT only takes effect when no explicit listen address is set.
	if port := os.Getenv("PORT"); port != "" && c.Server.ListenAddress == "" {
		c.Server.ListenAddress = ":" + port
	}
	if timeout := os.Getenv("SCRAPE_TIMEOUT"); timeout != "" {
		duration, parseErr := time.ParseDuration(timeout)
		if parseErr == nil {
			c.Server.ScrapeTimeout = duration
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Failed to parse SCRAPE_TIMEOUT '%s': %v\n", timeout, parseErr)
		}
	}
}

// setDefaults sets default values for configuration fields if not provided
func (c *Config) setDefaults() {
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = DefaultListenAddress
	}
	if c.Server.ScrapeTimeout == 0 {
		c.Server.ScrapeTimeout = DefaultScrapeTimeout
	}
	if c.Auth.TokenURL == "" {
		c.Auth.TokenURL = DefaultTokenURL
	}
	if c.Auth.Timeout == 0 {
		c.Auth.Timeout = DefaultHTTPTimeout
	}
	if c.SDM.BaseURL == "" {
		c.SDM.BaseURL = DefaultSDMBaseURL
	}
	if c.SDM.Timeout == 0 {
		c.SDM.Timeout = DefaultHTTPTimeout
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
}

// Validate checks if the configuration is valid. The first failure is
// returned as a *errors.ConfigError naming the YAML path of the field.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !stderrors.As(err, &verrs) || len(verrs) == 0 {
			return errors.NewConfigError("", "", err)
		}
		return toConfigError(verrs[0])
	}

	if _, _, err := net.SplitHostPort(c.Server.ListenAddress); err != nil {
		return errors.NewConfigError("server.listen_address", c.Server.ListenAddress, err)
	}

	return nil
}

func toConfigError(fe validator.FieldError) *errors.ConfigError {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")

	var reason error
	switch fe.Tag() {
	case "required":
		reason = fmt.Errorf("%w: is required", errors.ErrInvalidConfig)
	case "oneof":
		reason = fmt.Errorf("%w: must be one of: %s", errors.ErrInvalidConfig, fe.Param())
	case "min", "max":
		reason = fmt.Errorf("%w: must satisfy %s=%s", errors.ErrInvalidConfig, fe.Tag(), fe.Param())
	default:
		reason = fmt.Errorf("%w: failed %q validation", errors.ErrInvalidConfig, fe.Tag())
	}

	// Credentials are never echoed back.
	value := ""
	if !strings.HasPrefix(field, "google_device_access.") {
		value = fmt.Sprint(fe.Value())
	}
	return errors.NewConfigError(field, value, reason)
}
