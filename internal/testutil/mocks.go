// Copyright 2024 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package testutil

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/canonical/go-tpm2-fifo"
)

// CallLog records the calls made to the mock collaborators in order, so
// that tests can check the sequencing between them.
type CallLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *CallLog) record(call string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

// Calls returns a copy of the recorded calls.
func (l *CallLog) Calls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

// Count returns the number of times that call was recorded.
func (l *CallLog) Count(call string) (n int) {
	for _, c := range l.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

// Clear discards the recorded calls.
func (l *CallLog) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = nil
}

// SuccessResponse returns a response packet with no parameters and a
// success response code.
func SuccessResponse() fifo.ResponsePacket {
	rsp := make(fifo.ResponsePacket, fifo.CommandHeaderSize)
	binary.BigEndian.PutUint16(rsp[0:], uint16(fifo.TagNoSessions))
	binary.BigEndian.PutUint32(rsp[2:], uint32(len(rsp)))
	return rsp
}

// MockLibrary is a fifo.Library that records every call and command.
type MockLibrary struct {
	Log *CallLog

	// Respond produces the response to each command. By default a
	// success response is returned.
	Respond func(cmd fifo.CommandPacket) (fifo.ResponsePacket, error)

	// Block, if not nil, makes ExecuteCommand wait until it is closed or
	// the supplied context is done.
	Block chan struct{}

	// Executed receives a copy of every command. It is buffered and
	// commands are dropped if nobody reads them.
	Executed chan fifo.CommandPacket

	manufactured atomic.Bool

	mu       sync.Mutex
	commands []fifo.CommandPacket
}

// NewMockLibrary returns a new MockLibrary that records calls to log.
func NewMockLibrary(log *CallLog, manufactured bool) *MockLibrary {
	l := &MockLibrary{
		Log:      log,
		Executed: make(chan fifo.CommandPacket, 16)}
	l.manufactured.Store(manufactured)
	return l
}

// Commands returns the commands executed so far.
func (l *MockLibrary) Commands() []fifo.CommandPacket {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]fifo.CommandPacket(nil), l.commands...)
}

func (l *MockLibrary) ExecuteCommand(ctx context.Context, cmd fifo.CommandPacket) (fifo.ResponsePacket, error) {
	cmd = append(fifo.CommandPacket(nil), cmd...)

	l.Log.record("execute")
	l.mu.Lock()
	l.commands = append(l.commands, cmd)
	l.mu.Unlock()

	select {
	case l.Executed <- cmd:
	default:
	}

	if l.Block != nil {
		select {
		case <-l.Block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if l.Respond != nil {
		return l.Respond(cmd)
	}
	return SuccessResponse(), nil
}

func (l *MockLibrary) PowerOn() error {
	l.Log.record("power-on")
	return nil
}

func (l *MockLibrary) Init() error {
	l.Log.record("init")
	return nil
}

func (l *MockLibrary) IsManufactured() (bool, error) {
	return l.manufactured.Load(), nil
}

func (l *MockLibrary) Manufacture() error {
	l.Log.record("manufacture")
	l.manufactured.Store(true)
	return nil
}

func (l *MockLibrary) SetNVAvailable() error {
	l.Log.record("nv-available")
	return nil
}

func (l *MockLibrary) ClearVolatile() error {
	l.Log.record("clear-volatile")
	return nil
}

// MockStorage is a fifo.Storage that records every call.
type MockStorage struct {
	Log *CallLog

	// EraseErr is returned from EraseUserData.
	EraseErr error

	// Enabled receives a value every time commits are enabled. It is
	// buffered and values are dropped if nobody reads them.
	Enabled chan struct{}

	commitsEnabled atomic.Bool
}

// NewMockStorage returns a new MockStorage that records calls to log.
func NewMockStorage(log *CallLog) *MockStorage {
	s := &MockStorage{
		Log:     log,
		Enabled: make(chan struct{}, 16)}
	s.commitsEnabled.Store(true)
	return s
}

// CommitsEnabled indicates whether commits are currently enabled.
func (s *MockStorage) CommitsEnabled() bool {
	return s.commitsEnabled.Load()
}

func (s *MockStorage) EraseUserData(region fifo.UserRegion) error {
	s.Log.record("erase-" + region.String())
	return s.EraseErr
}

func (s *MockStorage) EnableCommits() error {
	s.Log.record("enable-commits")
	s.commitsEnabled.Store(true)
	select {
	case s.Enabled <- struct{}{}:
	default:
	}
	return nil
}

func (s *MockStorage) DisableCommits() {
	s.Log.record("disable-commits")
	s.commitsEnabled.Store(false)
}

// MockCompanion is a fifo.Companion that records every call.
type MockCompanion struct {
	Log *CallLog
}

func (c *MockCompanion) HoldInReset() error {
	c.Log.record("hold-companion")
	return nil
}

func (c *MockCompanion) ReleaseReset() error {
	c.Log.record("release-companion")
	return nil
}

// MockPowerMonitor is a fifo.PowerMonitor with a settable state.
type MockPowerMonitor struct {
	state atomic.Int32
}

// NewMockPowerMonitor returns a new MockPowerMonitor in the specified state.
func NewMockPowerMonitor(state fifo.PowerState) *MockPowerMonitor {
	m := new(MockPowerMonitor)
	m.Set(state)
	return m
}

// Set changes the reported power state.
func (m *MockPowerMonitor) Set(state fifo.PowerState) {
	m.state.Store(int32(state))
}

func (m *MockPowerMonitor) PowerState() fifo.PowerState {
	return fifo.PowerState(m.state.Load())
}

// MockHooks is a fifo.PlatformHooks that records every call.
type MockHooks struct {
	Log *CallLog
}

func (h *MockHooks) ProcessRetryCounter() {
	h.Log.record("retry-counter")
}

func (h *MockHooks) ReadFWMP() {
	h.Log.record("read-fwmp")
}

func (h *MockHooks) Endorse() error {
	h.Log.record("endorse")
	return nil
}
