// Copyright 2024 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

/*
Package fifo emulates the register interface of a TPM2 device in FIFO mode.

A bus transport calls Device.Put and Device.Get for every register access made
by the host. These never block, and can be called from any goroutine. Complete
commands are executed on a single task goroutine, started with Device.Start,
which delegates standard TPM2 commands to a Library and vendor-specific
commands to an ExtensionRouter.
*/
package fifo

import (
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/tomb.v2"
)

// Identity contains the values of the read-only identity registers.
type Identity struct {
	VendorID   uint16
	DeviceID   uint16
	RevisionID uint8
}

// DefaultIdentity is the identity advertised unless WithIdentity is used.
var DefaultIdentity = Identity{
	VendorID:   DefaultVendorID,
	DeviceID:   DefaultDeviceID,
	RevisionID: DefaultRevisionID}

// Option configures a Device.
type Option func(*Device)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger Logger) Option {
	return func(d *Device) {
		d.logger = logger
	}
}

// WithExtensionRouter sets the handler for extension and vendor-specific
// commands. The default rejects every command with VendorRCNoSuchCommand.
func WithExtensionRouter(router ExtensionRouter) Option {
	return func(d *Device) {
		d.router = router
	}
}

// WithStorage sets the persistent storage backend.
func WithStorage(storage Storage) Option {
	return func(d *Device) {
		d.storage = storage
	}
}

// WithCompanion sets the reset control for the companion processor, which is
// held in reset whilst persistent storage is wiped.
func WithCompanion(companion Companion) Option {
	return func(d *Device) {
		d.companion = companion
	}
}

// WithPowerMonitor sets the source of the companion processor power state.
// The task loop does not initialize the TPM until the companion is powered
// on. The default reports that it is always on.
func WithPowerMonitor(monitor PowerMonitor) Option {
	return func(d *Device) {
		d.power = monitor
	}
}

// WithPlatformHooks sets the hooks that are called after specific commands.
func WithPlatformHooks(hooks PlatformHooks) Option {
	return func(d *Device) {
		d.hooks = hooks
	}
}

// WithVersionInfo sets the function used to obtain version information
// whenever the version string is rebuilt.
func WithVersionInfo(fn func() VersionInfo) Option {
	return func(d *Device) {
		d.versionInfo = fn
	}
}

// WithIdentity overrides the values of the identity registers.
func WithIdentity(id Identity) Option {
	return func(d *Device) {
		d.identity = id
	}
}

// WithResetWaitTimeout sets how long RequestReset waits for a reset to
// complete.
func WithResetWaitTimeout(timeout time.Duration) Option {
	return func(d *Device) {
		d.resetWaitTimeout = timeout
	}
}

// WithCommitReinstateDelay sets the delay after a reset before persistent
// storage commits are reinstated.
func WithCommitReinstateDelay(delay time.Duration) Option {
	return func(d *Device) {
		d.commitReinstateDelay = delay
	}
}

// Device is an emulated TPM2 FIFO interface.
type Device struct {
	lib                  Library
	router               ExtensionRouter
	storage              Storage
	companion            Companion
	power                PowerMonitor
	hooks                PlatformHooks
	versionInfo          func() VersionInfo
	identity             Identity
	resetWaitTimeout     time.Duration
	commitReinstateDelay time.Duration

	logger Logger
	log    Logger

	// mu serializes register access between the bus and the task loop.
	mu   sync.Mutex
	regs registerFile

	resetInProgress atomic.Bool
	reset           resetCoordinator
	events          *eventMailbox

	restartMu sync.Mutex
	restart   func()

	tomb        *tomb.Tomb
	running     atomic.Bool
	initialized atomic.Bool

	// Accessed only from the task loop.
	scratch [FIFOSize]byte
}

// NewDevice returns a new device that delegates commands to the supplied
// library. The device does nothing until Start is called.
func NewDevice(lib Library, opts ...Option) *Device {
	d := &Device{
		lib:                  lib,
		router:               nullRouter{},
		storage:              nullStorage{},
		companion:            nullCompanion{},
		power:                alwaysOn{},
		hooks:                nullHooks{},
		versionInfo:          func() VersionInfo { return VersionInfo{} },
		identity:             DefaultIdentity,
		resetWaitTimeout:     DefaultResetWaitTimeout,
		commitReinstateDelay: DefaultCommitReinstateDelay,
		logger:               NewNullLogger(),
		events:               newEventMailbox()}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.logger.WithField("subsystem", subsystemTPM)
	d.resetRegisters()
	return d
}

// RegisterInterface sets the function that is called at the end of every
// TPM initialization so that the bus transport can restart itself.
func (d *Device) RegisterInterface(restart func()) {
	d.restartMu.Lock()
	defer d.restartMu.Unlock()
	d.restart = restart
}

func (d *Device) restartInterface() {
	d.restartMu.Lock()
	restart := d.restart
	d.restartMu.Unlock()
	if restart != nil {
		restart()
	}
}

// Start starts the task loop. It returns immediately. The TPM is
// initialized once the companion processor is powered on, or once a reset
// is requested.
func (d *Device) Start() {
	d.tomb = new(tomb.Tomb)
	d.running.Store(true)
	d.tomb.Go(d.run)
}

// Stop stops the task loop and waits for it to exit. A reset that is in
// progress runs to completion first.
func (d *Device) Stop() error {
	if d.tomb == nil {
		return nil
	}
	d.tomb.Kill(nil)
	err := d.tomb.Wait()
	d.running.Store(false)
	d.reset.stopCommitTimer()
	return err
}

// Dead returns a channel that is closed when the task loop has exited.
func (d *Device) Dead() <-chan struct{} {
	if d.tomb == nil {
		dead := make(chan struct{})
		close(dead)
		return dead
	}
	return d.tomb.Dead()
}

// NotifyPowerChange is called when the power state of the companion
// processor changes. It wakes the task loop if it is waiting for the
// companion to power on.
func (d *Device) NotifyPowerChange() {
	d.events.post(eventPower)
}

// ReinstateCommits asks the task loop to re-enable persistent storage
// commits. It never blocks.
func (d *Device) ReinstateCommits() {
	d.events.post(eventCommit)
}

// resetRegisters restores the registers to their boot values.
func (d *Device) resetRegisters() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.setState(StateIdle)
	d.regs.access = AccessRegValidSts
	// I2C writes must limit the burst size to 63 for FIFO writes to work.
	d.regs.sts = statusFamilyTPM2.withBurstCount(MaxBurstCount) | StatusValid
	clear(d.regs.fifo[:])
	d.setVersionString()
}
