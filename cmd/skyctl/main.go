// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Program skyctl is a command-line utility for working with skyline
// dictionaries, frames and servers.
package main

import (
	"os"
	"path/filepath"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/skyline/internal/config"
	"github.com/creachadair/skyline/internal/logging"
	"github.com/rs/zerolog"
)

var rootFlags struct {
	Config string `flag:"config,Configuration file (TOML; default $SKYLINE_CONFIG)"`
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: `Utilities for working with skyline dictionaries, frames and servers.

Settings are read from the file named by --config or $SKYLINE_CONFIG, and then from
environment variables prefixed with SKYLINE_ (for example SKYLINE_ADDRESS,
SKYLINE_TRANSPORT or SKYLINE_LOG_LEVEL).`,
		SetFlags: command.Flags(flax.MustBind, &rootFlags),
		Commands: []*command.C{
			dictCommand,
			encodeCommand,
			decodeCommand,
			serveCommand,
			watchCommand,
			sendCommand,
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

// loadConfig loads the configuration and constructs a logger from it.
func loadConfig() (*config.Config, zerolog.Logger, error) {
	path := rootFlags.Config
	if path == "" {
		path = os.Getenv("SKYLINE_CONFIG")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	log, err := logging.New(os.Stderr, cfg.Log)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, log, nil
}
