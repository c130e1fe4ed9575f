// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package logger

import (
	"github.com/juju/loggo"
)

// Logger is the interface used by the refresh packages to emit log
// messages. A loggo.Logger satisfies it.
type Logger interface {
	Criticalf(message string, args ...interface{})
	Errorf(message string, args ...interface{})
	Warningf(message string, args ...interface{})
	Infof(message string, args ...interface{})
	Debugf(message string, args ...interface{})
	Tracef(message string, args ...interface{})

	IsTraceEnabled() bool
}

// Root is the parent module of every logger in this repository.
const Root = "rollingrefresh"

// GetLogger returns the loggo backed logger for the named module, prefixed
// with the root module.
func GetLogger(name string) Logger {
	return loggo.GetLogger(Root + "." + name)
}
