// SPDX-FileCopyrightText: Copyright (C) 2025 the groupwire authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package config provides the delivery service configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/groupwire/groupwire/core/log"
)

const (
	defaultAddress        = ":8440"
	defaultLogLevel       = "NOTICE"
	defaultStorageBackend = "bolt"
)

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := lCfg.Level
	if lvl == "" {
		lCfg.Level = defaultLogLevel
	} else if !log.ValidLevel(lvl) {
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lvl)
	}
	return nil
}

// QueueService configures how the delivery service reaches queue
// services.
type QueueService struct {
	// Endpoints maps homeserver domains to base URLs, overriding the
	// default of https://<domain>.
	Endpoints map[string]string
}

// Config is the top level delivery service configuration.
type Config struct {
	// Domain is the fully qualified domain name this delivery service
	// owns groups for.
	Domain string

	// DataDir is the absolute path to the server's state directory.
	DataDir string

	// Address is the address the request listener binds to.
	Address string

	// MetricsAddress is the address the prometheus endpoint binds to,
	// empty disables it.
	MetricsAddress string

	// StorageBackend selects the group state store: "mem", "bolt" or
	// "postgres".
	StorageBackend string

	// DataSourceName is the pgx connection string, required for the
	// postgres backend.
	DataSourceName string

	Logging      *Logging
	QueueService *QueueService
}

// FixupAndValidate applies defaults and validates the configuration.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Domain == "" {
		return errors.New("config: Domain is not set")
	}
	if cfg.Address == "" {
		cfg.Address = defaultAddress
	}
	if cfg.StorageBackend == "" {
		cfg.StorageBackend = defaultStorageBackend
	}
	switch cfg.StorageBackend {
	case "mem":
	case "bolt":
		if !filepath.IsAbs(cfg.DataDir) {
			return fmt.Errorf("config: DataDir '%v' is not an absolute path", cfg.DataDir)
		}
	case "postgres":
		if cfg.DataSourceName == "" {
			return errors.New("config: DataSourceName is required for the postgres backend")
		}
	default:
		return fmt.Errorf("config: unknown StorageBackend '%v'", cfg.StorageBackend)
	}
	if cfg.Logging == nil {
		cfg.Logging = &Logging{}
	}
	if cfg.QueueService == nil {
		cfg.QueueService = &QueueService{}
	}
	return cfg.Logging.validate()
}

// Load parses and validates a configuration document.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: document contains unknown keys: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the configuration at path.
func LoadFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
