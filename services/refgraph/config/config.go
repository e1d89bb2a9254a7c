// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads refgraph settings.
//
// Priority: environment variables > config file > defaults. The file is
// parsed as YAML first and JSON second. Load validates the result.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/refgraph/pkg/logging"
	"github.com/AleutianAI/refgraph/services/refgraph/archive"
	"github.com/AleutianAI/refgraph/services/refgraph/history"
	"github.com/AleutianAI/refgraph/services/refgraph/serializer"
	store "github.com/AleutianAI/refgraph/services/refgraph/storage/badger"
)

// Environment variables read by Load.
const (
	EnvHistoryMode     = "REFGRAPH_HISTORY_MODE"
	EnvHistoryCapacity = "REFGRAPH_HISTORY_CAPACITY"
	EnvPrecision       = "REFGRAPH_PRECISION"
	EnvStoragePath     = "REFGRAPH_STORAGE_PATH"
	EnvStorageInMemory = "REFGRAPH_STORAGE_IN_MEMORY"
	EnvLogLevel        = "REFGRAPH_LOG_LEVEL"
	EnvLogJSON         = "REFGRAPH_LOG_JSON"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid refgraph config")

var validate = validator.New()

// Config is the complete refgraph configuration.
type Config struct {
	History    HistoryConfig    `json:"history" yaml:"history"`
	Serializer SerializerConfig `json:"serializer" yaml:"serializer"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
}

// HistoryConfig configures the history engine.
type HistoryConfig struct {
	Mode     string `json:"mode" yaml:"mode" validate:"oneof=snapshot delta"`
	Capacity int    `json:"capacity" yaml:"capacity" validate:"min=1,max=100000"`
}

// SerializerConfig configures the graph serializer.
type SerializerConfig struct {
	// Precision is the number of decimals kept for non-integral numbers.
	// -1 disables rounding.
	Precision int `json:"precision" yaml:"precision" validate:"min=-1,max=15"`
}

// StorageConfig configures the document archive.
type StorageConfig struct {
	Path             string        `json:"path" yaml:"path" validate:"required_unless=InMemory true"`
	InMemory         bool          `json:"in_memory" yaml:"in_memory"`
	SyncWrites       bool          `json:"sync_writes" yaml:"sync_writes"`
	CompressionLevel int           `json:"compression_level" yaml:"compression_level" validate:"min=1,max=9"`
	GCInterval       time.Duration `json:"gc_interval" yaml:"gc_interval" validate:"gte=0"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" validate:"oneof=debug info warn warning error"`
	JSON   bool   `json:"json" yaml:"json"`
	LogDir string `json:"log_dir" yaml:"log_dir"`
	Quiet  bool   `json:"quiet" yaml:"quiet"`
}

// Default returns the built-in defaults.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		History: HistoryConfig{
			Mode:     history.ModeDelta.String(),
			Capacity: history.DefaultCapacity,
		},
		Serializer: SerializerConfig{Precision: serializer.DefaultPrecision},
		Storage: StorageConfig{
			Path:             filepath.Join(home, ".refgraph", "db"),
			SyncWrites:       true,
			CompressionLevel: archive.DefaultCompressionLevel,
			GCInterval:       5 * time.Minute,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load returns defaults overlaid by the file at path (if it exists) and
// then by environment variables, validated.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}
	if err := loadEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if yerr := yaml.Unmarshal(data, cfg); yerr != nil {
		if jerr := json.Unmarshal(data, cfg); jerr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", yerr, jerr)
		}
	}
	return nil
}

// loadEnv applies environment overrides. Malformed numbers and booleans
// are errors rather than silently ignored.
func loadEnv(cfg *Config) error {
	if v := os.Getenv(EnvHistoryMode); v != "" {
		cfg.History.Mode = v
	}
	if v := os.Getenv(EnvHistoryCapacity); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, EnvHistoryCapacity, err)
		}
		cfg.History.Capacity = n
	}
	if v := os.Getenv(EnvPrecision); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, EnvPrecision, err)
		}
		cfg.Serializer.Precision = n
	}
	if v := os.Getenv(EnvStoragePath); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv(EnvStorageInMemory); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, EnvStorageInMemory, err)
		}
		cfg.Storage.InMemory = b
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv(EnvLogJSON); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, EnvLogJSON, err)
		}
		cfg.Logging.JSON = b
	}
	return nil
}

// Validate checks every section.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// EngineConfig converts to history.Config.
func (c Config) EngineConfig(logger *slog.Logger) (history.Config, error) {
	mode, err := history.ParseMode(c.History.Mode)
	if err != nil {
		return history.Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return history.Config{Mode: mode, Capacity: c.History.Capacity, Logger: logger}, nil
}

// SerializerOptions converts to serializer options.
func (c Config) SerializerOptions(logger *slog.Logger) []serializer.Option {
	return []serializer.Option{
		serializer.WithPrecision(c.Serializer.Precision),
		serializer.WithLogger(logger),
	}
}

// ArchiveConfig converts to archive.Config.
func (c Config) ArchiveConfig(logger *slog.Logger) archive.Config {
	sc := store.DefaultConfig()
	sc.Path = c.Storage.Path
	sc.InMemory = c.Storage.InMemory
	sc.SyncWrites = c.Storage.SyncWrites
	sc.GCInterval = c.Storage.GCInterval
	if c.Storage.InMemory {
		sc.Path = ""
		sc.GCInterval = 0
	}
	return archive.Config{Storage: sc, CompressionLevel: c.Storage.CompressionLevel, Logger: logger}
}

// LoggerConfig converts to logging.Config.
func (c Config) LoggerConfig() (logging.Config, error) {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return logging.Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return logging.Config{
		Level:   level,
		JSON:    c.Logging.JSON,
		LogDir:  c.Logging.LogDir,
		Quiet:   c.Logging.Quiet,
		Service: logging.DefaultService,
	}, nil
}
