// Copyright 2024 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package fifo

import (
	"context"
	"fmt"
)

// Executor executes standard TPM2 commands. The supplied command is a complete
// command packet. The returned response must be a complete response packet.
//
// ExecuteCommand is only ever called from the device task, one command at a
// time.
type Executor interface {
	ExecuteCommand(ctx context.Context, command CommandPacket) (ResponsePacket, error)
}

// Library is the TPM2 command library that the device delegates to. It is
// opaque to the interface layer.
type Library interface {
	Executor

	// PowerOn signals that the platform has powered on.
	PowerOn() error

	// Init performs the equivalent of _TPM_Init.
	Init() error

	// IsManufactured indicates whether the TPM has been through the
	// manufacturing sequence.
	IsManufactured() (bool, error)

	// Manufacture runs the manufacturing sequence, which wipes the
	// library's persistent state.
	Manufacture() error

	// SetNVAvailable indicates that persistent storage is ready.
	SetNVAvailable() error

	// ClearVolatile discards all of the library's volatile state.
	ClearVolatile() error
}

// ExtensionRouter handles extension and vendor-specific commands.
//
// The buffer is shared between the command payload and the response. On entry,
// the first commandSize bytes contain the command payload (without header)
// and len(buf) is the space available for the response. The router returns
// the number of response bytes it placed at the start of buf.
type ExtensionRouter interface {
	RouteCommand(ctx context.Context, code VendorCommandCode, buf []byte, commandSize int) (responseSize int, rc VendorResponseCode)
}

// UserRegion identifies a user region of persistent storage.
type UserRegion uint8

const (
	// UserRegionTPM is the region owned by the TPM2 library.
	UserRegionTPM UserRegion = iota

	// UserRegionPlatform holds platform data such as counters and the
	// firmware management parameters.
	UserRegionPlatform
)

func (r UserRegion) String() string {
	switch r {
	case UserRegionTPM:
		return "tpm"
	case UserRegionPlatform:
		return "platform"
	default:
		return fmt.Sprintf("region%d", uint8(r))
	}
}

// Storage is the persistent storage backend.
type Storage interface {
	// EraseUserData erases the specified region.
	EraseUserData(region UserRegion) error

	// EnableCommits permits changes to be written to the backing store,
	// and writes any changes that accumulated whilst commits were disabled.
	EnableCommits() error

	// DisableCommits prevents changes from being written to the backing
	// store until the next call to EnableCommits.
	DisableCommits()
}

// Companion controls the reset line of the companion application processor.
type Companion interface {
	HoldInReset() error
	ReleaseReset() error
}

// PowerState is the power state of the companion application processor.
type PowerState int

const (
	PowerStateUnknown PowerState = iota
	PowerStateOff
	PowerStateOn
)

func (s PowerState) String() string {
	switch s {
	case PowerStateOff:
		return "off"
	case PowerStateOn:
		return "on"
	default:
		return "unknown"
	}
}

// PowerMonitor reports the power state of the companion processor.
type PowerMonitor interface {
	PowerState() PowerState
}

// PlatformHooks is called by the device task at points where the platform
// needs to do some bookkeeping.
type PlatformHooks interface {
	// ProcessRetryCounter is called after a successful TPM2_PCR_Read,
	// which indicates that the companion processor booted far enough to
	// talk to the TPM.
	ProcessRetryCounter()

	// ReadFWMP is called after TPM2_Startup to refresh the firmware
	// management parameters.
	ReadFWMP()

	// Endorse is called after the TPM has been manufactured.
	Endorse() error
}

type nullStorage struct{}

func (nullStorage) EraseUserData(UserRegion) error { return nil }
func (nullStorage) EnableCommits() error           { return nil }
func (nullStorage) DisableCommits()                {}

type nullCompanion struct{}

func (nullCompanion) HoldInReset() error  { return nil }
func (nullCompanion) ReleaseReset() error { return nil }

type alwaysOn struct{}

func (alwaysOn) PowerState() PowerState { return PowerStateOn }

type nullHooks struct{}

func (nullHooks) ProcessRetryCounter() {}
func (nullHooks) ReadFWMP()            {}
func (nullHooks) Endorse() error       { return nil }

type nullRouter struct{}

func (nullRouter) RouteCommand(context.Context, VendorCommandCode, []byte, int) (int, VendorResponseCode) {
	return 0, VendorRCNoSuchCommand
}
