// Copyright 2024 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package testutil

import (
	"bytes"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	. "gopkg.in/check.v1"

	"github.com/canonical/go-tpm2-fifo"
)

// LogBuffer is a goroutine safe buffer for capturing log output.
type LogBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *LogBuffer) Write(data []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(data)
}

func (b *LogBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// NewLogger returns a trace level logger that writes to b.
func (b *LogBuffer) NewLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(b)
	l.SetLevel(logrus.TraceLevel)
	l.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true, DisableColors: true})
	return l
}

// BaseTest is a base test suite for all tests.
type BaseTest struct {
	cleanupHandlers []func()
}

func (b *BaseTest) SetUpTest(c *C) {
	if len(b.cleanupHandlers) > 0 {
		panic("cleanup handlers were not executed at the end of the previous test, missing BaseTest.TearDownTest call?")
	}
}

func (b *BaseTest) TearDownTest(c *C) {
	for len(b.cleanupHandlers) > 0 {
		l := len(b.cleanupHandlers)
		fn := b.cleanupHandlers[l-1]
		b.cleanupHandlers = b.cleanupHandlers[:l-1]
		fn()
	}
}

// AddCleanup queues a function to be called at the end of the test.
// Handlers run in reverse order.
func (b *BaseTest) AddCleanup(fn func()) {
	b.cleanupHandlers = append(b.cleanupHandlers, fn)
}

// DeviceTest is a base test suite for tests that need a running
// fifo.Device backed by mock collaborators. A fresh set of mocks is
// created for each test.
type DeviceTest struct {
	BaseTest

	Calls     *CallLog
	Library   *MockLibrary
	Storage   *MockStorage
	Companion *MockCompanion
	Power     *MockPowerMonitor
	Hooks     *MockHooks
	LogBuffer *LogBuffer

	// Device is created by StartDevice.
	Device *fifo.Device
}

func (b *DeviceTest) SetUpTest(c *C) {
	b.BaseTest.SetUpTest(c)

	b.Calls = new(CallLog)
	b.Library = NewMockLibrary(b.Calls, true)
	b.Storage = NewMockStorage(b.Calls)
	b.Companion = &MockCompanion{Log: b.Calls}
	b.Power = NewMockPowerMonitor(fifo.PowerStateOn)
	b.Hooks = &MockHooks{Log: b.Calls}
	b.LogBuffer = new(LogBuffer)
	b.Device = nil
}

// NewDevice creates a new device wired to the mocks in this suite. Options
// supplied by the caller override the defaults.
func (b *DeviceTest) NewDevice(opts ...fifo.Option) *fifo.Device {
	defaults := []fifo.Option{
		fifo.WithLogger(b.LogBuffer.NewLogger()),
		fifo.WithStorage(b.Storage),
		fifo.WithCompanion(b.Companion),
		fifo.WithPowerMonitor(b.Power),
		fifo.WithPlatformHooks(b.Hooks),
	}
	return fifo.NewDevice(b.Library, append(defaults, opts...)...)
}

// WaitForLog waits for the log to contain the specified text.
func (b *DeviceTest) WaitForLog(c *C, text string) {
	WaitFor(c, func() bool {
		return strings.Contains(b.LogBuffer.String(), text)
	}, time.Second)
}

// StartDevice creates and starts a new device, and waits for it to finish
// initializing. The device is stopped at the end of the test.
func (b *DeviceTest) StartDevice(c *C, opts ...fifo.Option) *fifo.Device {
	b.Device = b.NewDevice(opts...)
	b.Device.Start()
	dev := b.Device
	b.AddCleanup(func() {
		c.Check(dev.Stop(), IsNil)
	})

	WaitFor(c, dev.Initialized, time.Second)
	// The initial reset is complete once the register gate opens.
	WaitFor(c, func() bool { return !dev.Snapshot().ResetInProgress }, time.Second)
	return dev
}

// WaitFor polls cond until it returns true, failing the test if that
// doesn't happen within timeout.
func WaitFor(c *C, cond func() bool, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			c.Fatalf("timeout waiting for condition")
		}
		time.Sleep(time.Millisecond)
	}
}
