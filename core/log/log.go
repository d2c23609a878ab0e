// SPDX-FileCopyrightText: Copyright (C) 2025 the groupwire authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package log provides the logging backend shared by all groupwire
// components, built on the go-logging package.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"gopkg.in/op/go-logging.v1"
)

const logFormat = "%{time:15:04:05.000} %{level:.4s} %{module}: %{message}"

// Backend is a log backend handing out per-module loggers.
type Backend struct {
	logging.LeveledBackend
	sync.RWMutex

	inner logging.LeveledBackend
	w     io.WriteCloser

	file    string
	level   string
	disable bool
}

// Log implements the logging.Backend interface.
func (b *Backend) Log(level logging.Level, calldepth int, record *logging.Record) error {
	b.RLock()
	defer b.RUnlock()
	return b.inner.Log(level, calldepth, record)
}

// GetLevel implements the logging.Leveled interface.
func (b *Backend) GetLevel(module string) logging.Level {
	b.RLock()
	defer b.RUnlock()
	return b.inner.GetLevel(module)
}

// SetLevel sets the logging level for the specified module.
func (b *Backend) SetLevel(level logging.Level, module string) {
	b.RLock()
	defer b.RUnlock()
	b.inner.SetLevel(level, module)
}

// IsEnabledFor implements the logging.Leveled interface.
func (b *Backend) IsEnabledFor(level logging.Level, module string) bool {
	b.RLock()
	defer b.RUnlock()
	return b.inner.IsEnabledFor(level, module)
}

// GetLogger returns a per-module logger that writes to the backend.
func (b *Backend) GetLogger(module string) *logging.Logger {
	l := logging.MustGetLogger(module)
	l.SetBackend(b)
	return l
}

// Rotate reopens the log file for writing, for use from a HUP handler.
func (b *Backend) Rotate() error {
	b.Lock()
	defer b.Unlock()

	if b.file == "" || b.disable {
		return nil
	}
	if err := b.w.Close(); err != nil {
		return err
	}
	return b.initBackend()
}

func (b *Backend) initBackend() error {
	lvl, err := logLevelFromString(b.level)
	if err != nil {
		return err
	}

	switch {
	case b.disable:
		b.w = discardCloser{}
	case b.file == "":
		b.w = os.Stdout
	default:
		const fileMode = 0600
		flags := os.O_CREATE | os.O_APPEND | os.O_WRONLY
		b.w, err = os.OpenFile(b.file, flags, fileMode)
		if err != nil {
			return fmt.Errorf("log: failed to create log file: %v", err)
		}
	}

	base := logging.NewLogBackend(b.w, "", 0)
	formatted := logging.NewBackendFormatter(base, logging.MustStringFormatter(logFormat))
	b.inner = logging.AddModuleLevel(formatted)
	b.inner.SetLevel(lvl, "")
	return nil
}

// New initializes a logging backend, writing to the given file, or to
// stdout if f is empty.
func New(f string, level string, disable bool) (*Backend, error) {
	b := &Backend{
		file:    f,
		level:   level,
		disable: disable,
	}
	if err := b.initBackend(); err != nil {
		return nil, err
	}
	return b, nil
}

// ValidLevel returns true if the given string parses as a log level.
func ValidLevel(level string) bool {
	_, err := logLevelFromString(level)
	return err == nil
}

func logLevelFromString(l string) (logging.Level, error) {
	switch strings.ToUpper(l) {
	case "ERROR":
		return logging.ERROR, nil
	case "WARNING":
		return logging.WARNING, nil
	case "NOTICE":
		return logging.NOTICE, nil
	case "INFO":
		return logging.INFO, nil
	case "DEBUG":
		return logging.DEBUG, nil
	default:
		return logging.CRITICAL, fmt.Errorf("log: invalid level: '%v'", l)
	}
}

type discardCloser struct{}

func (discardCloser) Write(p []byte) (int, error) { return len(p), nil }
func (discardCloser) Close() error                { return nil }
