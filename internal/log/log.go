// log.go - logging backend
// Copyright (C) 2026  Mixcore Contributors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package log wraps gopkg.in/op/go-logging.v1 the way the teacher's
// core/log package does: a single backend constructed once per process,
// handing out named *logging.Logger instances to subsystems.
package log

import (
	"fmt"
	"os"

	logging "gopkg.in/op/go-logging.v1"
)

var stderrFormat = logging.MustStringFormatter(
	`%{color}%{time:15:04:05.000} %{level:.4s} %{module}:%{color:reset} %{message}`,
)

var fileFormat = logging.MustStringFormatter(
	`%{time:2006-01-02 15:04:05.000} %{level:.4s} %{module}: %{message}`,
)

// Backend is a single process-wide logging backend which GetLogger
// instances are derived from.
type Backend struct {
	backend logging.LeveledBackend
}

// New constructs a Backend writing to logFile (or stderr if logFile is
// empty) at the given level ("DEBUG", "INFO", "NOTICE", "WARNING",
// "ERROR", "CRITICAL").
func New(logFile, level string, disableColors bool) (*Backend, error) {
	lvl, err := logging.LogLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log: invalid level %q: %w", level, err)
	}

	var base logging.Backend
	if logFile == "" {
		fmtter := stderrFormat
		if disableColors {
			fmtter = fileFormat
		}
		base = logging.NewBackendFormatter(logging.NewLogBackend(os.Stderr, "", 0), fmtter)
	} else {
		f, err := os.OpenFile(logFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
		if err != nil {
			return nil, fmt.Errorf("log: opening %s: %w", logFile, err)
		}
		base = logging.NewBackendFormatter(logging.NewLogBackend(f, "", 0), fileFormat)
	}

	leveled := logging.AddModuleLevel(base)
	leveled.SetLevel(lvl, "")
	return &Backend{backend: leveled}, nil
}

// GetLogger returns a logger for the named subsystem.
func (b *Backend) GetLogger(name string) *logging.Logger {
	l := logging.MustGetLogger(name)
	l.SetBackend(b.backend)
	return l
}
