// Copyright 2024 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package testutil

import (
	"encoding/binary"
	"time"

	. "gopkg.in/check.v1"

	"github.com/canonical/go-tpm2-fifo"
)

// RegisterBus is the register interface of a device.
type RegisterBus interface {
	Put(addr uint32, data []byte)
	Get(addr uint32, dest []byte)
}

// PutStatus writes a 4-byte value to TPM_STS.
func PutStatus(bus RegisterBus, value fifo.StatusBits) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(value))
	bus.Put(fifo.RegStatus, b[:])
}

// GetStatus reads TPM_STS.
func GetStatus(bus RegisterBus) fifo.StatusBits {
	var b [4]byte
	bus.Get(fifo.RegStatus, b[:])
	return fifo.StatusBits(binary.LittleEndian.Uint32(b[:]))
}

// PutAccess writes a single byte to TPM_ACCESS.
func PutAccess(bus RegisterBus, value fifo.AccessBits) {
	bus.Put(fifo.RegAccess, []byte{byte(value)})
}

// GetAccess reads TPM_ACCESS.
func GetAccess(bus RegisterBus) fifo.AccessBits {
	var b [1]byte
	bus.Get(fifo.RegAccess, b[:])
	return fifo.AccessBits(b[0])
}

// WriteFIFO writes data to the FIFO in chunks of the specified size.
func WriteFIFO(bus RegisterBus, data []byte, chunk int) {
	for len(data) > 0 {
		n := min(chunk, len(data))
		bus.Put(fifo.RegDataFIFO, data[:n])
		data = data[n:]
	}
}

// SubmitCommand claims the locality, moves the device to the ready state
// and then writes cmd and triggers its execution.
func SubmitCommand(c *C, bus RegisterBus, cmd []byte) {
	PutAccess(bus, fifo.AccessRequestUse)
	PutStatus(bus, fifo.StatusCommandReady)
	c.Assert(GetStatus(bus)&fifo.StatusCommandReady, Equals, fifo.StatusCommandReady)
	WriteFIFO(bus, cmd, fifo.MaxBurstCount)
	c.Assert(GetStatus(bus)&fifo.StatusExpect, Equals, fifo.StatusBits(0))
	PutStatus(bus, fifo.StatusGo)
}

// WaitForResponse waits for the data available bit to be set and then reads
// the entire response, honoring the burst count.
func WaitForResponse(c *C, bus RegisterBus, timeout time.Duration) []byte {
	WaitFor(c, func() bool {
		return GetStatus(bus)&fifo.StatusDataAvail != 0
	}, timeout)

	var rsp []byte
	for {
		sts := GetStatus(bus)
		if sts&fifo.StatusDataAvail == 0 {
			return rsp
		}
		buf := make([]byte, sts.BurstCount())
		bus.Get(fifo.RegDataFIFO, buf)
		rsp = append(rsp, buf...)
	}
}
