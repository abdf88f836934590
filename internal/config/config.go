package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

const (
	// DefaultFileName is the primary config file name that is auto-discovered.
	DefaultFileName = ".kafkarelay.yaml"
	alternateName   = ".kafkarelay.yml"
)

// Config holds defaults loaded from .kafkarelay.yaml. Unset values are left
// zero (or nil) so that flags and environment variables can take over.
type Config struct {
	Listen           string
	BootstrapServers string
	AuthMechanism    string
	AllowedOrigins   []string
	IncludeInternal  *bool
	MetadataRPS      *float64
	StreamRateLimit  *float64
	StreamBurst      *int
	Format           string
	LogFormat        string
	TokenTTL         time.Duration
	WriteTimeout     time.Duration
	Timeout          time.Duration
	HasTimeout       bool
}

type fileConfig struct {
	Listen           string   `yaml:"listen"`
	BootstrapServers string   `yaml:"bootstrap_servers"`
	AuthMechanism    string   `yaml:"auth_mechanism"`
	TokenTTL         string   `yaml:"token_ttl"`
	Timeout          string   `yaml:"timeout"`
	AllowedOrigins   []string `yaml:"allowed_origins"`
	IncludeInternal  *bool    `yaml:"include_internal"`
	MetadataRPS      *float64 `yaml:"metadata_rps"`
	StreamRateLimit  *float64 `yaml:"stream_rate_limit"`
	StreamBurst      *int     `yaml:"stream_burst"`
	WriteTimeout     string   `yaml:"write_timeout"`
	LogFormat        string   `yaml:"log_format"`
	Format           string   `yaml:"format"`
}

// Load auto-discovers and loads a config file.
// Search order:
// 1) current working directory
// 2) user home directory
func Load() (*Config, string, error) {
	paths, err := defaultPaths()
	if err != nil {
		return nil, "", err
	}

	for _, path := range paths {
		cfg, found, err := loadOptionalPath(path)
		if err != nil {
			return nil, "", err
		}
		if found {
			return cfg, path, nil
		}
	}

	return nil, "", nil
}

// LoadFromPath loads and parses a config file from an explicit path.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}

	cfg, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}

	return cfg, nil
}

func defaultPaths() ([]string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve current directory: %w", err)
	}

	paths := []string{
		filepath.Join(cwd, DefaultFileName),
		filepath.Join(cwd, alternateName),
	}

	home, err := os.UserHomeDir()
	if err == nil && home != "" {
		for _, p := range []string{filepath.Join(home, DefaultFileName), filepath.Join(home, alternateName)} {
			if !containsPath(paths, p) {
				paths = append(paths, p)
			}
		}
	}

	return paths, nil
}

func containsPath(paths []string, target string) bool {
	for _, path := range paths {
		if path == target {
			return true
		}
	}
	return false
}

func loadOptionalPath(path string) (*Config, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read config %q: %w", path, err)
	}

	cfg, err := parse(data)
	if err != nil {
		return nil, false, fmt.Errorf("parse config %q: %w", path, err)
	}

	return cfg, true, nil
}

func parse(data []byte) (*Config, error) {
	text := strings.TrimPrefix(string(data), "\uFEFF")

	var raw fileConfig
	if strings.TrimSpace(text) != "" {
		if err := yaml.UnmarshalWithOptions([]byte(text), &raw, yaml.DisallowUnknownField()); err != nil {
			return nil, err
		}
	}

	cfg := &Config{
		Listen:           strings.TrimSpace(raw.Listen),
		BootstrapServers: strings.TrimSpace(raw.BootstrapServers),
		AuthMechanism:    strings.TrimSpace(raw.AuthMechanism),
		AllowedOrigins:   normalizeList(raw.AllowedOrigins),
		IncludeInternal:  raw.IncludeInternal,
		MetadataRPS:      raw.MetadataRPS,
		StreamRateLimit:  raw.StreamRateLimit,
		StreamBurst:      raw.StreamBurst,
	}

	var err error
	if cfg.Format, err = parseFormat("format", raw.Format); err != nil {
		return nil, err
	}
	if cfg.LogFormat, err = parseFormat("log_format", raw.LogFormat); err != nil {
		return nil, err
	}
	if cfg.TokenTTL, _, err = parseDuration("token_ttl", raw.TokenTTL); err != nil {
		return nil, err
	}
	if cfg.WriteTimeout, _, err = parseDuration("write_timeout", raw.WriteTimeout); err != nil {
		return nil, err
	}
	if cfg.Timeout, cfg.HasTimeout, err = parseDuration("timeout", raw.Timeout); err != nil {
		return nil, err
	}

	if cfg.MetadataRPS != nil && *cfg.MetadataRPS < 0 {
		return nil, errors.New("metadata_rps must not be negative")
	}
	if cfg.StreamRateLimit != nil && *cfg.StreamRateLimit < 0 {
		return nil, errors.New("stream_rate_limit must not be negative")
	}
	if cfg.StreamBurst != nil && *cfg.StreamBurst < 0 {
		return nil, errors.New("stream_burst must not be negative")
	}

	return cfg, nil
}

func parseFormat(key, value string) (string, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	switch value {
	case "", "text", "json":
		return value, nil
	default:
		return "", fmt.Errorf("%s: unsupported format %q (expected text or json)", key, value)
	}
}

func parseDuration(key, value string) (time.Duration, bool, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, false, fmt.Errorf("parse %s as duration: %w", key, err)
	}
	if d <= 0 {
		return 0, false, fmt.Errorf("%s must be positive", key)
	}
	return d, true, nil
}

func normalizeList(items []string) []string {
	if len(items) == 0 {
		return nil
	}

	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}

	if len(out) == 0 {
		return nil
	}

	return out
}
