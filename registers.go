// Copyright 2024 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package fifo

import (
	"encoding/binary"
	"fmt"
)

// State is the state of the command life-cycle.
type State int

const (
	StateIdle State = iota
	StateReady
	StateReceivingCommand
	StateExecutingCommand
	StateCompletingCommand
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReady:
		return "ready"
	case StateReceivingCommand:
		return "receiving"
	case StateExecutingCommand:
		return "executing"
	case StateCompletingCommand:
		return "completing"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// registerFile contains the volatile registers for FIFO mode. Only one
// locality is supported.
type registerFile struct {
	state      State
	access     AccessBits
	sts        StatusBits
	fifo       [FIFOSize]byte
	readIndex  int // for responses
	writeIndex int // for commands

	// commandSeq is incremented every time a command is handed to the
	// task, so that the task can tell whether the host abandoned it.
	commandSeq uint64

	fwVer      [fwVersionSize]byte
	fwVerIndex int
}

// RegisterSnapshot is a copy of the register state, for diagnostics.
type RegisterSnapshot struct {
	State           State
	Access          AccessBits
	Status          StatusBits
	ReadIndex       int
	WriteIndex      int
	ResetInProgress bool
}

// singleBitSet verifies that exactly one bit is set, which is a requirement
// for writes to some registers.
func singleBitSet(v uint32) bool {
	return v != 0 && v&(v-1) == 0
}

// copyRegister copies the little-endian representation of a 32-bit register
// to dest. Bytes past the register width are zeroed.
func copyRegister(dest []byte, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	n := copy(dest, b[:])
	clear(dest[n:])
}

func (d *Device) setState(state State) {
	d.log.Debugf("state transition from %v to %v", d.regs.state, state)
	d.regs.state = state

	if state == StateIdle {
		// Make sure the FIFO is empty.
		d.regs.readIndex = 0
		d.regs.writeIndex = 0
	}
}

func (d *Device) accessRegWrite(data byte) {
	if !singleBitSet(uint32(data)) {
		d.log.Debugf("attempt to set access reg to %02x", data)
		return
	}

	switch AccessBits(data) {
	case AccessRequestUse:
		// Multiple localities are not supported, so always honor this.
		d.regs.access |= AccessActiveLocality
	case AccessActiveLocality:
		switch d.regs.state {
		case StateIdle, StateReady:
		default:
			d.log.Infof("locality released in state %v", d.regs.state)
		}
		d.regs.access &^= AccessActiveLocality
		// Always drop to idle, whatever the current state.
		d.setState(StateIdle)
	default:
		d.log.Debugf("attempt to set access reg to an unsupported value of 0x%02x", data)
	}
}

func (d *Device) stsRegWriteCommandReady() {
	switch d.regs.state {
	case StateIdle:
		d.setState(StateReady)
		d.regs.sts |= StatusCommandReady
	case StateReady:
		d.regs.sts |= StatusCommandReady
	case StateReceivingCommand, StateExecutingCommand, StateCompletingCommand:
		d.setState(StateIdle)
		d.regs.sts &^= StatusCommandReady
	}
}

func (d *Device) stsRegWriteGo() {
	if d.regs.state != StateReceivingCommand {
		return
	}
	if d.regs.sts&StatusExpect != 0 {
		d.log.Debugf("tpmGo ignored with %d bytes received", d.regs.writeIndex)
		return
	}
	d.setState(StateExecutingCommand)
	d.regs.commandSeq++
	d.events.post(eventWake)
}

func (d *Device) stsRegWriteResponseRetry() {
	if d.regs.state == StateCompletingCommand {
		d.regs.readIndex = 0
	}
}

// stsRegWrite handles writes to TPM_STS, which both reports and controls
// the state machine.
func (d *Device) stsRegWrite(data []byte) {
	var b [4]byte
	copy(b[:], data)
	value := StatusBits(binary.LittleEndian.Uint32(b[:]))

	if !singleBitSet(uint32(value)) {
		d.log.Debugf("attempt to set status reg to %08x", uint32(value))
		return
	}

	switch value {
	case StatusCommandReady:
		d.stsRegWriteCommandReady()
	case StatusGo:
		d.stsRegWriteGo()
	case StatusResponseRetry:
		d.stsRegWriteResponseRetry()
	case StatusCommandCancel:
		// Cancellation is recorded but not acted upon.
		d.log.Infof("command cancel requested in state %v", d.regs.state)
	default:
		d.log.Debugf("requested to write %08x to sts", uint32(value))
	}
}

// fifoRegWrite collects received command bytes and updates the state.
func (d *Device) fifoRegWrite(data []byte) {
	if d.regs.state == StateReady && d.regs.writeIndex == 0 {
		d.setState(StateReceivingCommand)
	}

	if d.regs.state != StateReceivingCommand {
		d.log.Debugf("ignoring data in state %v", d.regs.state)
		return
	}

	if d.regs.writeIndex+len(data) > len(d.regs.fifo) {
		d.log.Warnf("receive buffer overflow: %d in addition to %d", len(data), d.regs.writeIndex)
		d.regs.writeIndex = 0
		d.regs.readIndex = 0
		d.setState(StateReady)
		return
	}

	copy(d.regs.fifo[d.regs.writeIndex:], data)
	d.regs.writeIndex += len(data)

	if d.regs.writeIndex < minHeaderSizeForDeclaredSize {
		d.regs.sts |= StatusExpect
		return
	}

	if uint64(d.regs.writeIndex) < uint64(CommandPacket(d.regs.fifo[:]).DeclaredSize()) {
		d.regs.sts |= StatusExpect
		return
	}

	// The whole command has arrived and we're ready for tpmGo.
	d.regs.sts &^= StatusExpect
}

// fifoRegRead drains response bytes and updates the burst count. Bytes of
// dest beyond the end of the response are zeroed.
func (d *Device) fifoRegRead(dest []byte) {
	n := copy(dest, d.regs.fifo[d.regs.readIndex:d.regs.writeIndex])
	clear(dest[n:])
	d.regs.readIndex += n

	sts := d.regs.sts
	if remaining := d.regs.writeIndex - d.regs.readIndex; remaining == 0 {
		sts &^= StatusDataAvail | StatusCommandReady
		// Burst size for the next command.
		sts = sts.withBurstCount(MaxBurstCount)
	} else {
		// Tell the host how much there is to read in the next burst.
		sts = sts.withBurstCount(min(remaining, MaxBurstCount))
	}
	d.regs.sts = sts
}

// fwVerRead streams the version string. Once the terminator is reached the
// index stops advancing, so subsequent reads return zeros.
func (d *Device) fwVerRead(dest []byte) {
	for i := range dest {
		if d.regs.fwVerIndex >= len(d.regs.fwVer) {
			dest[i] = 0
			continue
		}
		dest[i] = d.regs.fwVer[d.regs.fwVerIndex]
		if dest[i] != 0 {
			d.regs.fwVerIndex++
		}
	}
}

// Put is called by the bus transport when the host writes to a register.
// It is safe to call from any goroutine and never blocks on the device task.
// There is no error reporting at this level.
func (d *Device) Put(addr uint32, data []byte) {
	if d.resetInProgress.Load() {
		return
	}

	switch {
	case len(data) == 0:
		return
	case len(data) > MaxTransferSize:
		d.log.Warnf("ignoring %d byte write to register 0x%03x", len(data), addr)
		return
	}

	d.log.Tracef("put(0x%03x, %d, % x)", addr, len(data), data[:min(len(data), 4)])

	d.mu.Lock()
	defer d.mu.Unlock()

	switch addr {
	case RegAccess:
		// This is a one byte register. Ignore extra data.
		d.accessRegWrite(data[0])
	case RegStatus:
		d.stsRegWrite(data)
	case RegDataFIFO:
		d.fifoRegWrite(data)
	case RegFWVersion:
		// Reset the read index.
		d.regs.fwVerIndex = 0
	default:
		d.log.Debugf("write of %d bytes to unsupported register 0x%06x", len(data), addr)
	}
}

// Get is called by the bus transport when the host reads from a register.
// It fills dest, which the host sized. It is safe to call from any goroutine
// and never blocks on the device task. During a reset, dest is left
// untouched.
func (d *Device) Get(addr uint32, dest []byte) {
	if d.resetInProgress.Load() {
		return
	}

	if len(dest) > MaxTransferSize {
		clear(dest[MaxTransferSize:])
		dest = dest[:MaxTransferSize]
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	switch addr {
	case RegDIDVID:
		copyRegister(dest, uint32(d.identity.DeviceID)<<16|uint32(d.identity.VendorID))
	case RegRID:
		copyRegister(dest, uint32(d.identity.RevisionID))
	case RegIntfCapability:
		copyRegister(dest, IntfCapability)
	case RegAccess:
		copyRegister(dest, uint32(d.regs.access))
	case RegStatus:
		copyRegister(dest, uint32(d.regs.sts))
	case RegDataFIFO:
		d.fifoRegRead(dest)
	case RegFWVersion:
		d.fwVerRead(dest)
	default:
		d.log.Debugf("read of %d bytes from unsupported register 0x%06x", len(dest), addr)
		clear(dest)
		return
	}

	d.log.Tracef("get(0x%03x, %d) = % x", addr, len(dest), dest[:min(len(dest), 4)])
}

// BurstSize returns the current value of the burst count field of the
// status register.
func (d *Device) BurstSize() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.regs.sts.BurstCount()
}

// Snapshot returns a copy of the register state.
func (d *Device) Snapshot() RegisterSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return RegisterSnapshot{
		State:           d.regs.state,
		Access:          d.regs.access,
		Status:          d.regs.sts,
		ReadIndex:       d.regs.readIndex,
		WriteIndex:      d.regs.writeIndex,
		ResetInProgress: d.resetInProgress.Load()}
}
