// Copyright 2024 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package fifo

import (
	"context"
	"encoding/binary"
)

// processCommand executes the command that is currently in the FIFO and
// stages the response. It is only called from the task loop.
func (d *Device) processCommand(ctx context.Context) {
	d.mu.Lock()
	if d.regs.state != StateExecutingCommand {
		d.mu.Unlock()
		return
	}
	seq := d.regs.commandSeq
	n := copy(d.scratch[:], d.regs.fifo[:d.regs.writeIndex])
	d.mu.Unlock()

	code, rsp := d.dispatch(ctx, n)
	d.log.Debugf("got %d bytes in response", len(rsp))
	d.stageResponse(seq, code, rsp)
}

// dispatch executes the first n bytes of the scratch buffer as a command.
// Extension commands are processed in place in the scratch buffer.
func (d *Device) dispatch(ctx context.Context, n int) (CommandCode, []byte) {
	var code CommandCode
	if n >= CommandHeaderSize {
		code = CommandCode(binary.BigEndian.Uint32(d.scratch[6:10]))
	}
	d.log.Debugf("received fifo command %v", code)

	if code.IsExtension() {
		return code, d.callExtensionCommand(ctx, n)
	}

	rsp, err := d.lib.ExecuteCommand(ctx, CommandPacket(d.scratch[:n:n]))
	if err != nil {
		d.log.Warn(&ExecuteError{Command: code, err: err})
		return code, nil
	}
	return code, rsp
}

// callExtensionCommand strips the extension header, passes the payload to
// the router and then rewrites the header to describe the response.
func (d *Device) callExtensionCommand(ctx context.Context, n int) []byte {
	buf := d.scratch[:]

	commandSize := min(int(CommandPacket(buf).DeclaredSize()), n)
	if commandSize < ExtensionHeaderSize {
		// Not enough room for the subcommand, so send the command back.
		return buf[:commandSize]
	}

	subcommand := VendorCommandCode(binary.BigEndian.Uint16(buf[10:12]))
	payload := buf[ExtensionHeaderSize:]
	responseSize, rc := d.router.RouteCommand(ctx, subcommand, payload, commandSize-ExtensionHeaderSize)
	switch {
	case responseSize < 0:
		responseSize = 0
	case responseSize > len(payload):
		d.log.Warnf("extension command %d returned too large a response (%d bytes)", subcommand, responseSize)
		responseSize = len(payload)
	}
	if rc != VendorRCSuccess {
		d.log.Debugf("extension command %d failed: %v", subcommand, rc)
	}

	total := responseSize + ExtensionHeaderSize
	putExtensionResponseHeader(buf, uint32(total), rc.ResponseCode())
	return buf[:total]
}

// stageResponse copies rsp to the FIFO so that the host can read it. The
// response is discarded if the host abandoned the command whilst it was
// executing.
func (d *Device) stageResponse(seq uint64, code CommandCode, rsp []byte) {
	if len(rsp) == 0 || len(rsp) > FIFOSize {
		d.log.Warnf("dropping response of %d bytes to command %v", len(rsp), code)
		return
	}

	switch code {
	case CommandPCRRead:
		d.hooks.ProcessRetryCounter()
	case CommandStartup:
		d.hooks.ReadFWMP()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.regs.state != StateExecutingCommand || d.regs.commandSeq != seq {
		d.log.Infof("discarding response to aborted command %v", code)
		return
	}

	copy(d.regs.fifo[:], rsp)
	d.regs.readIndex = 0
	d.regs.writeIndex = len(rsp)
	d.setState(StateCompletingCommand)
	d.regs.sts = d.regs.sts.withBurstCount(min(len(rsp), MaxBurstCount)) | StatusDataAvail
}
