// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package logging constructs the zerolog loggers used by skyline programs.
package logging

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Environment variables that override a Config.
const (
	EnvLogLevel   = "SKYLINE_LOG_LEVEL"
	EnvLogFormat  = "SKYLINE_LOG_FORMAT"
	EnvLogNoColor = "SKYLINE_LOG_NOCOLOR"
)

// Profile selects the defaults for a Config.
type Profile int

const (
	ProfileRuntime Profile = iota
	ProfileTest
)

// Config describes how to construct a logger.
type Config struct {
	Level     string `toml:"level"`
	Format    string `toml:"format"` // "console" or "json"
	NoColor   bool   `toml:"no_color" envconfig:"no_color"`
	Timestamp bool   `toml:"timestamp"`
}

// DefaultConfig returns the default configuration for the given profile.
func DefaultConfig(p Profile) Config {
	switch p {
	case ProfileTest:
		return Config{Level: "debug", Format: "console", NoColor: true}
	default:
		return Config{Level: "info", Format: "console", Timestamp: true}
	}
}

// New constructs a logger writing to w as described by cfg, after applying
// any overrides set in the environment.
func New(w io.Writer, cfg Config) (zerolog.Logger, error) {
	applyEnvOverrides(&cfg)
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), err
	}
	switch strings.ToLower(cfg.Format) {
	case "", "console":
		w = zerolog.ConsoleWriter{Out: w, NoColor: cfg.NoColor, TimeFormat: time.TimeOnly}
	case "json":
		// OK, use w as given
	default:
		return zerolog.Nop(), fmt.Errorf("unknown log format %q", cfg.Format)
	}
	ctx := zerolog.New(w).Level(level).With()
	if cfg.Timestamp {
		ctx = ctx.Timestamp()
	}
	return ctx.Logger(), nil
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.Level = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogFormat)); v != "" {
		cfg.Format = v
	}
	if v, err := strconv.ParseBool(os.Getenv(EnvLogNoColor)); err == nil {
		cfg.NoColor = v
	}
}

// ParseLevel parses the name of a log level. The empty string denotes the
// info level.
func ParseLevel(s string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "", "info":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	case "disabled", "off", "none":
		return zerolog.Disabled, nil
	default:
		return zerolog.NoLevel, fmt.Errorf("unknown log level %q", s)
	}
}
