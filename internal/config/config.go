// RoomSync - Real-Time Collaborative Interview Rooms
// Copyright 2026 RoomSync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/collabforge/roomsync

// Package config loads layered configuration: struct defaults, then an
// optional YAML file, then environment variables, highest priority last.
//
// Environment variables use the ROOMSYNC_ prefix with the section as the
// first underscore-separated token: ROOMSYNC_SERVER_PORT=8080 sets
// server.port, ROOMSYNC_SANDBOX_URL sets sandbox.url.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, in order.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/roomsync/config.yaml",
	"/etc/roomsync/config.yml",
}

// ConfigPathEnvVar overrides the config file search.
const ConfigPathEnvVar = "ROOMSYNC_CONFIG_PATH"

const envPrefix = "ROOMSYNC_"

// Config is the full process configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Storage  StorageConfig  `koanf:"storage"`
	Sandbox  SandboxConfig  `koanf:"sandbox"`
	FileSync FileSyncConfig `koanf:"filesync"`
	Room     RoomConfig     `koanf:"room"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host            string        `koanf:"host" validate:"required"`
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"min=0"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs" validate:"min=0"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window" validate:"min=0"`
}

// StorageConfig configures the embedded snapshot store.
type StorageConfig struct {
	Path string `koanf:"path" validate:"required"`
}

// SandboxConfig configures the execution-service client. An empty URL
// disables execution, previews, and file projection.
type SandboxConfig struct {
	URL         string        `koanf:"url"`
	Timeout     time.Duration `koanf:"timeout" validate:"min=0"`
	PreviewWait time.Duration `koanf:"preview_wait" validate:"min=0"`
}

// FileSyncConfig configures the workspace projector.
type FileSyncConfig struct {
	Debounce time.Duration `koanf:"debounce" validate:"min=0"`
}

// RoomConfig configures coordinator lifecycle.
type RoomConfig struct {
	IdleTimeout   time.Duration `koanf:"idle_timeout" validate:"min=0"`
	SweepInterval time.Duration `koanf:"sweep_interval" validate:"min=0"`
}

// LoggingConfig configures the zerolog backend.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error fatal disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: 15 * time.Second,
			CORSOrigins:     []string{"*"},
			RateLimitReqs:   300,
			RateLimitWindow: time.Minute,
		},
		Storage: StorageConfig{
			Path: "/data/roomsync",
		},
		Sandbox: SandboxConfig{
			URL:         "",
			Timeout:     30 * time.Second,
			PreviewWait: 30 * time.Second,
		},
		FileSync: FileSyncConfig{
			Debounce: 500 * time.Millisecond,
		},
		Room: RoomConfig{
			IdleTimeout:   30 * time.Minute,
			SweepInterval: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults, file, and environment.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration invalid: %w", err)
	}
	return cfg, nil
}

// Validate checks structural constraints on the configuration.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return err
	}
	return nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransform maps ROOMSYNC_SERVER_RATE_LIMIT_REQS to
// server.rate_limit_reqs: strip the prefix, lowercase, and only the first
// underscore becomes a section separator.
func envTransform(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
	return strings.Replace(key, "_", ".", 1)
}

// sliceConfigPaths are parsed from comma-separated strings when they
// arrive via environment variables.
var sliceConfigPaths = []string{
	"server.cors_origins",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}
		str, ok := val.(string)
		if !ok {
			continue // already a slice, from YAML or defaults
		}
		parts := strings.Split(str, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		if err := k.Set(path, parts); err != nil {
			return fmt.Errorf("parse %s as list: %w", path, err)
		}
	}
	return nil
}
