// Copyright 2024 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package fifo

import (
	"context"
	"strings"
	"sync/atomic"
)

// event is a set of events delivered to the task loop.
type event uint32

const (
	eventReset event = 1 << iota
	eventWake
	eventCommit
	eventPower
)

func (e event) String() string {
	var names []string
	for _, n := range []struct {
		e    event
		name string
	}{
		{eventReset, "RESET"},
		{eventWake, "WAKE"},
		{eventCommit, "COMMIT"},
		{eventPower, "POWER"},
	} {
		if e&n.e != 0 {
			names = append(names, n.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// eventMailbox accumulates events posted from any context. Posting never
// blocks. The task loop waits on notify and then takes the whole set.
type eventMailbox struct {
	pending atomic.Uint32
	notify  chan struct{}
}

func newEventMailbox() *eventMailbox {
	return &eventMailbox{notify: make(chan struct{}, 1)}
}

func (m *eventMailbox) post(e event) {
	m.pending.Or(uint32(e))
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *eventMailbox) take() event {
	return event(m.pending.Swap(0))
}

type contextKey int

const (
	interruptContextKey contextKey = iota
	taskContextKey
)

// WithInterruptContext marks ctx as belonging to a bus transport callback.
// Code running with such a context must not block, and so cannot wait for a
// reset to complete.
func WithInterruptContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, interruptContextKey, true)
}

// InInterruptContext indicates whether ctx was marked with
// WithInterruptContext.
func InInterruptContext(ctx context.Context) bool {
	v, _ := ctx.Value(interruptContextKey).(bool)
	return v
}

func withTaskContext(ctx context.Context, d *Device) context.Context {
	return context.WithValue(ctx, taskContextKey, d)
}

// inTaskContext indicates whether ctx belongs to the task loop of d.
func (d *Device) inTaskContext(ctx context.Context) bool {
	v, _ := ctx.Value(taskContextKey).(*Device)
	return v == d
}
