// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package config loads the configuration of the skyctl tool.
//
// Settings are layered: the defaults, then an optional TOML file, then
// environment variables with the prefix SKYLINE (for example
// SKYLINE_ADDRESS or SKYLINE_LOG_LEVEL).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/creachadair/skyline"
	"github.com/creachadair/skyline/dict"
	"github.com/creachadair/skyline/internal/logging"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is the prefix of environment variables read by Load.
const EnvPrefix = "SKYLINE"

// Transport names accepted by Config.Transport.
const (
	TCP       = "tcp"
	WebSocket = "websocket"
	NATS      = "nats"
)

// Config is the configuration of skyctl.
type Config struct {
	// Client settings.
	Address        string        `toml:"address"`
	Transport      string        `toml:"transport"`
	Name           string        `toml:"name"`
	Token          string        `toml:"token"`
	RequestTimeout time.Duration `toml:"request_timeout" envconfig:"request_timeout"`

	// Server settings.
	Listen      string `toml:"listen"`
	Dictionary  string `toml:"dictionary"`
	Compression string `toml:"compression"`

	// MetricsAddr, if set, is the address of a Prometheus metrics endpoint.
	MetricsAddr string `toml:"metrics_addr" envconfig:"metrics_addr"`

	NATS NATSConfig     `toml:"nats"`
	Log  logging.Config `toml:"log"`
}

// NATSConfig names the subjects used by the NATS transport. Subjects are
// named from the client's point of view.
type NATSConfig struct {
	Send string `toml:"send"`
	Recv string `toml:"recv"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Address:        "localhost:7600",
		Transport:      TCP,
		RequestTimeout: skyline.DefaultRequestTimeout,
		Listen:         "localhost:7600",
		Compression:    "none",
		NATS:           NATSConfig{Send: "skyline.server", Recv: "skyline.client"},
		Log:            logging.DefaultConfig(logging.ProfileRuntime),
	}
}

// Load returns the default configuration, updated by the TOML file at path
// if path != "", and then by the environment. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("load config %q: %w", path, err)
		}
		if keys := md.Undecoded(); len(keys) != 0 {
			return nil, fmt.Errorf("load config %q: unknown keys %v", path, keys)
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("load config from environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports an error if c is not usable.
func (c *Config) Validate() error {
	var errs []error
	switch c.Transport {
	case TCP, WebSocket, NATS:
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("request_timeout must be positive"))
	}
	if _, err := c.CompressionAlg(); err != nil {
		errs = append(errs, err)
	}
	if c.Transport == NATS && (c.NATS.Send == "" || c.NATS.Recv == "") {
		errs = append(errs, errors.New("nats transport requires send and recv subjects"))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// CompressionAlg returns the dictionary compression named by c.Compression.
func (c *Config) CompressionAlg() (dict.Compression, error) {
	switch strings.ToLower(c.Compression) {
	case "", "none":
		return dict.CompressNone, nil
	case "zlib":
		return dict.CompressZlib, nil
	case "gzip":
		return dict.CompressGzip, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", c.Compression)
	}
}

// LoadDictionary loads the dictionary named by c.Dictionary.
func (c *Config) LoadDictionary() (*dict.Dictionary, error) {
	if c.Dictionary == "" {
		return nil, errors.New("no dictionary file is configured")
	}
	if _, err := os.Stat(c.Dictionary); err != nil {
		return nil, err
	}
	return dict.LoadFile(c.Dictionary)
}

// Options returns client options populated from c.
func (c *Config) Options() skyline.Options {
	return skyline.Options{
		Name:           c.Name,
		Token:          c.Token,
		RequestTimeout: c.RequestTimeout,
	}
}
