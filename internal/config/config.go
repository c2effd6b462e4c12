// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration.
type Config struct {
	ListenAddress     string
	OrthancURL        string
	OrthancUsername   string
	OrthancPassword   string
	HttpClientTimeout time.Duration
	Debug             bool
	MaxUploadBytes    int64
	CORSOrigins       []string

	OtelEndpoint       string // empty disables the OTLP exporters
	OtelServiceName    string
	OtelServiceVersion string
}

// fileConfig mirrors Config with the env var names used as keys so the
// same names work in a config file and in the environment.
type fileConfig struct {
	ListenAddress      string `mapstructure:"LISTEN_ADDRESS"`
	OrthancURL         string `mapstructure:"ORTHANC_URL"`
	OrthancUsername    string `mapstructure:"ORTHANC_USERNAME"`
	OrthancPassword    string `mapstructure:"ORTHANC_PASSWORD"`
	TimeoutSeconds     int    `mapstructure:"HTTP_CLIENT_TIMEOUT_SECONDS"`
	Debug              bool   `mapstructure:"DEBUG"`
	MaxUploadBytes     int64  `mapstructure:"MAX_UPLOAD_BYTES"`
	CORSOrigins        string `mapstructure:"CORS_ORIGINS"`
	OtelEndpoint       string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OtelServiceName    string `mapstructure:"OTEL_SERVICE_NAME"`
	OtelServiceVersion string `mapstructure:"OTEL_SERVICE_VERSION"`
}

var keys = []string{
	"LISTEN_ADDRESS",
	"ORTHANC_URL",
	"ORTHANC_USERNAME",
	"ORTHANC_PASSWORD",
	"HTTP_CLIENT_TIMEOUT_SECONDS",
	"DEBUG",
	"MAX_UPLOAD_BYTES",
	"CORS_ORIGINS",
	"OTEL_EXPORTER_OTLP_ENDPOINT",
	"OTEL_SERVICE_NAME",
	"OTEL_SERVICE_VERSION",
}

// Load reads configuration from environment variables and, when present,
// from a config file. An empty path looks for ./config.yaml and silently
// continues without it; an explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("LISTEN_ADDRESS", ":5001")
	v.SetDefault("ORTHANC_URL", "http://localhost:8042")
	v.SetDefault("HTTP_CLIENT_TIMEOUT_SECONDS", 15)
	v.SetDefault("DEBUG", false)
	v.SetDefault("MAX_UPLOAD_BYTES", 50<<20)
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("OTEL_SERVICE_NAME", "pacs-report-bridge")
	v.SetDefault("OTEL_SERVICE_VERSION", "1.0.0")

	v.AutomaticEnv()
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var fc fileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	timeout := time.Duration(fc.TimeoutSeconds) * time.Second
	if fc.TimeoutSeconds <= 0 {
		timeout = 15 * time.Second // Default on bad input, same as before
	}

	cfg := &Config{
		ListenAddress:      fc.ListenAddress,
		OrthancURL:         strings.TrimRight(fc.OrthancURL, "/"),
		OrthancUsername:    fc.OrthancUsername,
		OrthancPassword:    fc.OrthancPassword,
		HttpClientTimeout:  timeout,
		Debug:              fc.Debug,
		MaxUploadBytes:     fc.MaxUploadBytes,
		CORSOrigins:        splitList(fc.CORSOrigins),
		OtelEndpoint:       fc.OtelEndpoint,
		OtelServiceName:    fc.OtelServiceName,
		OtelServiceVersion: fc.OtelServiceVersion,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values a running server depends on.
func (c *Config) Validate() error {
	if c.ListenAddress == "" {
		return errors.New("LISTEN_ADDRESS must not be empty")
	}
	u, err := url.Parse(c.OrthancURL)
	if err != nil {
		return fmt.Errorf("ORTHANC_URL is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("ORTHANC_URL must use http or https, got %q", c.OrthancURL)
	}
	if u.Host == "" {
		return fmt.Errorf("ORTHANC_URL has no host: %q", c.OrthancURL)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive, got %d", c.MaxUploadBytes)
	}
	return nil
}

// TracingEnabled reports whether an OTLP endpoint was configured.
func (c *Config) TracingEnabled() bool {
	return c.OtelEndpoint != ""
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
