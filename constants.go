// Copyright 2024 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package fifo

import "time"

// Register addresses for FIFO mode. Only locality 0 is decoded.
const (
	RegAccess         uint32 = 0x000
	RegIntfCapability uint32 = 0x014
	RegStatus         uint32 = 0x018
	RegDataFIFO       uint32 = 0x024
	RegInterfaceID    uint32 = 0x030
	RegDIDVID         uint32 = 0xf00
	RegRID            uint32 = 0xf04
	RegFWVersion      uint32 = 0xf90
)

// MaxTransferSize is the largest number of bytes a bus master may move in
// one register access.
const MaxTransferSize = 64

// FIFOSize is the depth of the data FIFO, and therefore the upper bound for
// both commands and responses.
const FIFOSize = 2048

// Identity register values.
const (
	DefaultVendorID   uint16 = 0x1ae0
	DefaultDeviceID   uint16 = 0x0028
	DefaultRevisionID uint8  = 0

	// IntfCapability advertises a TPM2.0 interface (version 1.3) that
	// supports transfers of up to 64 bytes. The low bits are mandatory.
	IntfCapability uint32 = (3 << 28) | (3 << 9) | 0x15
)

// AccessBits are the bits of the TPM_ACCESS register.
type AccessBits uint8

const (
	AccessEstablishment  AccessBits = 1 << 0
	AccessRequestUse     AccessBits = 1 << 1
	AccessActiveLocality AccessBits = 1 << 5
	AccessRegValidSts    AccessBits = 1 << 7
)

// StatusBits are the bits of the TPM_STS register.
type StatusBits uint32

const (
	StatusResponseRetry      StatusBits = 1 << 1
	StatusSelfTestDone       StatusBits = 1 << 2
	StatusExpect             StatusBits = 1 << 3
	StatusDataAvail          StatusBits = 1 << 4
	StatusGo                 StatusBits = 1 << 5
	StatusCommandReady       StatusBits = 1 << 6
	StatusValid              StatusBits = 1 << 7
	StatusCommandCancel      StatusBits = 1 << 24
	StatusResetEstablishment StatusBits = 1 << 25

	statusBurstCountShift            = 8
	statusBurstCountMask  StatusBits = 0xffff << statusBurstCountShift
	statusFamilyShift                = 26
	statusFamilyTPM2      StatusBits = 1 << statusFamilyShift
)

// MaxBurstCount is the largest burst count ever advertised. I2C masters
// spend one byte of a 64 byte transfer on the register address, so FIFO
// writes are limited to 63 bytes.
const MaxBurstCount = 63

// BurstCount returns the burst count field.
func (s StatusBits) BurstCount() int {
	return int((s & statusBurstCountMask) >> statusBurstCountShift)
}

func (s StatusBits) withBurstCount(n int) StatusBits {
	return (s &^ statusBurstCountMask) | (StatusBits(n)<<statusBurstCountShift)&statusBurstCountMask
}

// Default timings for the reset protocol.
const (
	DefaultResetWaitTimeout      = 5 * time.Second
	DefaultCommitReinstateDelay  = 3 * time.Second
	fwVersionSize                = 80
	minHeaderSizeForDeclaredSize = 6
)
