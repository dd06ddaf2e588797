// Copyright 2024 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package fifo

import (
	"bytes"
	"io"

	"github.com/sirupsen/logrus"
)

// Logger is the logging interface used throughout this module. It is
// satisfied by *logrus.Logger and *logrus.Entry.
type Logger interface {
	Trace(...interface{})
	Debug(...interface{})
	Info(...interface{})
	Warn(...interface{})
	Error(...interface{})
	Tracef(string, ...interface{})
	Debugf(string, ...interface{})
	Infof(string, ...interface{})
	Warnf(string, ...interface{})
	Errorf(string, ...interface{})
	WithField(key string, value interface{}) *logrus.Entry
}

// NewLogger returns a new logrus logger writing to stderr at the info level.
func NewLogger() *logrus.Logger {
	return logrus.New()
}

// NewNullLogger returns a logger that discards everything.
func NewNullLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// NewBufferLogger returns a logger that records everything at the trace level
// to the supplied buffer. It is mainly useful in tests.
func NewBufferLogger(b *bytes.Buffer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(b)
	l.SetLevel(logrus.TraceLevel)
	l.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true, DisableColors: true})
	return l
}

// Log subsystems, used as the value of the "subsystem" field.
const (
	subsystemTPM  = "tpm"
	subsystemTask = "task"
)
