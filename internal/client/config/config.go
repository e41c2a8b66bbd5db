// Package config loads the client settings from an optional YAML file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Значения по умолчанию
const (
	DefaultPath      = "fleetsync.yaml"
	DefaultServerURL = "http://localhost:8080"
	DefaultDBPath    = "fleetsync-client.db"
	DefaultTimeout   = 30 * time.Second
)

// Config настройки клиента
type Config struct {
	ServerURL     string        `yaml:"server_url"`
	DBPath        string        `yaml:"db_path"`
	Timeout       time.Duration `yaml:"timeout"`
	PullPageLimit int           `yaml:"pull_page_limit"` // 0 - лимит сервера
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ServerURL: DefaultServerURL,
		DBPath:    DefaultDBPath,
		Timeout:   DefaultTimeout,
	}
}

// Load reads path over the defaults. A missing file is not an error when
// the path was not given explicitly.
func Load(path string, explicit bool) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.ServerURL == "" {
		errs = append(errs, errors.New("server_url is required"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if c.Timeout < 0 {
		errs = append(errs, errors.New("timeout cannot be negative"))
	}
	if c.PullPageLimit < 0 {
		errs = append(errs, errors.New("pull_page_limit cannot be negative"))
	}
	return errors.Join(errs...)
}
