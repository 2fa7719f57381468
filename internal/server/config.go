package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// validate is the singleton validator instance
var validate = validator.New()

// Config is the gateway configuration, loaded from YAML with env-var
// overrides.
type Config struct {
	Listen   string `yaml:"listen" validate:"required,hostname_port"`
	Root     string `yaml:"root" validate:"required"`
	Database string `yaml:"database"` // default: {root}/catalog.db

	Logging LoggingConfig `yaml:"logging"`
	Jobs    JobsConfig    `yaml:"jobs"`
}

// LoggingConfig controls log level and destination.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error"`
	File  string `yaml:"file"` // empty = stderr
}

// JobsConfig controls the post-processing runner.
type JobsConfig struct {
	Interval    time.Duration     `yaml:"interval"` // default: 30s
	FFmpegBin   string            `yaml:"ffmpeg_bin"`
	FFprobeBin  string            `yaml:"ffprobe_bin"`
	Classifiers map[string]string `yaml:"classifiers" validate:"dive,url"` // task type -> endpoint
}

// ApplyDefaults fills zero-value fields with their defaults.
func (cfg *Config) ApplyDefaults() {
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:8264"
	}
	if cfg.Database == "" && cfg.Root != "" {
		cfg.Database = filepath.Join(cfg.Root, "catalog.db")
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Jobs.Interval <= 0 {
		cfg.Jobs.Interval = 30 * time.Second
	}
}

// applyEnv overlays DEPOTFS_* environment variables on top of the file
// values. Env wins, mirroring how the catalog busy timeout works.
func (cfg *Config) applyEnv() {
	if v := os.Getenv("DEPOTFS_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("DEPOTFS_ROOT"); v != "" {
		cfg.Root = v
	}
	if v := os.Getenv("DEPOTFS_DATABASE"); v != "" {
		cfg.Database = v
	}
	if v := os.Getenv("DEPOTFS_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration using struct tags plus rules that
// tags cannot express.
func (cfg *Config) Validate() error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	fi, err := os.Stat(cfg.Root)
	if err != nil {
		return fmt.Errorf("root: %w", err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("root: %s is not a directory", cfg.Root)
	}
	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}

// LoadConfig reads the configuration file at path, overlays env vars,
// applies defaults and validates. An empty path loads from env/defaults
// alone.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ConfigureLogging applies the logging section to the global logger.
func ConfigureLogging(cfg LoggingConfig) error {
	level, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	logrus.SetLevel(level)
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		logrus.SetOutput(f)
	}
	return nil
}
