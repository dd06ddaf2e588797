// Copyright 2024 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

/*
Package bus exposes the registers of a device over a stream connection, so
that a host driver running in another process can talk to an emulated device
during development.

Every request starts with a one byte opcode. All integers are big-endian.

	put:   0x01 | addr uint32 | len uint16 | data[len]
	get:   0x02 | addr uint32 | len uint16          -> data[len]
	reset: 0x03 | flags uint8                       -> status uint8

There is no response to a put. For a reset, bit 0 of flags requests that
persistent storage is wiped, and the status is one of the Reset* values.
*/
package bus

import (
	"errors"
	"fmt"
)

const (
	opPut   uint8 = 0x01
	opGet   uint8 = 0x02
	opReset uint8 = 0x03
)

const resetFlagWipe uint8 = 1 << 0

// ResetStatus is the status returned in response to a reset request.
type ResetStatus uint8

const (
	ResetOK     ResetStatus = 0
	ResetBusy   ResetStatus = 1
	ResetFailed ResetStatus = 2
)

func (s ResetStatus) String() string {
	switch s {
	case ResetOK:
		return "ok"
	case ResetBusy:
		return "busy"
	case ResetFailed:
		return "failed"
	default:
		return fmt.Sprintf("status %d", uint8(s))
	}
}

// MaxTransferSize is the largest transfer accepted by the server. The device
// itself may accept less.
const MaxTransferSize = 4096

var (
	// ErrResetBusy is returned from Client.Reset when the device already
	// has a reset pending.
	ErrResetBusy = errors.New("device reset is already in progress")

	// ErrResetFailed is returned from Client.Reset when the device
	// rejected the request.
	ErrResetFailed = errors.New("device reset failed")
)
