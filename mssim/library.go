// Copyright 2024 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package mssim

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/xerrors"

	"github.com/canonical/go-tpm2-fifo"
)

// maxResponseSize bounds the size of a response that will be read from the
// simulator.
const maxResponseSize = 4096

// ErrManufactureNotSupported is returned from Library.Manufacture. The
// simulator manufactures itself when its NV storage is created.
var ErrManufactureNotSupported = errors.New("the simulator cannot be manufactured over its wire protocol")

// PlatformCommandError corresponds to an error code in response to a
// platform command executed on a TPM simulator.
type PlatformCommandError struct {
	commandCode uint32
	Code        uint32
}

func (e *PlatformCommandError) Error() string {
	return fmt.Sprintf("received error code %d in response to platform command %d", e.Code, e.commandCode)
}

// Library drives a TPM simulator on behalf of a fifo.Device. It implements
// fifo.Library. Commands are serialized, so it is safe to use from more than
// one goroutine, although the device only ever submits one command at a time.
type Library struct {
	tpm      net.Conn
	platform net.Conn

	locality    uint8
	retryParams RetryParams

	mu     sync.Mutex
	closed bool
}

func (l *Library) platformCommand(cmd uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return net.ErrClosed
	}
	if err := binary.Write(l.platform, binary.BigEndian, cmd); err != nil {
		return xerrors.Errorf("cannot send command: %w", err)
	}

	var rc uint32
	if err := binary.Read(l.platform, binary.BigEndian, &rc); err != nil {
		return xerrors.Errorf("cannot read response to command: %w", err)
	}
	if rc != 0 {
		return &PlatformCommandError{cmd, rc}
	}
	return nil
}

// sendCommand submits one command on the TPM channel and returns the
// response. The caller must hold l.mu.
func (l *Library) sendCommand(ctx context.Context, cmd fifo.CommandPacket) (fifo.ResponsePacket, error) {
	deadline, _ := ctx.Deadline()
	if err := l.tpm.SetDeadline(deadline); err != nil {
		return nil, xerrors.Errorf("cannot set deadline: %w", err)
	}

	buf := make([]byte, 9+len(cmd))
	binary.BigEndian.PutUint32(buf[0:], cmdTPMSendCommand)
	buf[4] = l.locality
	binary.BigEndian.PutUint32(buf[5:], uint32(len(cmd)))
	copy(buf[9:], cmd)
	if _, err := l.tpm.Write(buf); err != nil {
		return nil, xerrors.Errorf("cannot send command: %w", err)
	}

	var size uint32
	if err := binary.Read(l.tpm, binary.BigEndian, &size); err != nil {
		return nil, xerrors.Errorf("cannot read response size: %w", err)
	}
	if size > maxResponseSize {
		return nil, fmt.Errorf("invalid response size (%d bytes)", size)
	}
	rsp := make(fifo.ResponsePacket, size)
	if _, err := io.ReadFull(l.tpm, rsp); err != nil {
		return nil, xerrors.Errorf("cannot read response: %w", err)
	}

	var trailer uint32
	if err := binary.Read(l.tpm, binary.BigEndian, &trailer); err != nil {
		return nil, xerrors.Errorf("cannot read response trailer: %w", err)
	}
	return rsp, nil
}

// ExecuteCommand implements [fifo.Executor.ExecuteCommand].
//
// Commands that fail with TPM_RC_RETRY or TPM_RC_YIELDED are resubmitted,
// as are commands other than TPM2_SelfTest that fail with TPM_RC_TESTING.
func (l *Library) ExecuteCommand(ctx context.Context, cmd fifo.CommandPacket) (fifo.ResponsePacket, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, net.ErrClosed
	}
	return fifo.ExecuteWithRetry(ctx, l.retryParams, cmd, l.sendCommand)
}

// PowerOn implements [fifo.Library.PowerOn].
func (l *Library) PowerOn() error {
	return l.platformCommand(cmdPowerOn)
}

// Init implements [fifo.Library.Init] by resetting the simulator, which
// results in the execution of _TPM_Init.
func (l *Library) Init() error {
	return l.platformCommand(cmdReset)
}

// IsManufactured implements [fifo.Library.IsManufactured]. A simulator is
// always manufactured.
func (l *Library) IsManufactured() (bool, error) {
	return true, nil
}

// Manufacture implements [fifo.Library.Manufacture].
func (l *Library) Manufacture() error {
	return ErrManufactureNotSupported
}

// SetNVAvailable implements [fifo.Library.SetNVAvailable].
func (l *Library) SetNVAvailable() error {
	return l.platformCommand(cmdNVOn)
}

// ClearVolatile implements [fifo.Library.ClearVolatile] by powering the
// simulator off. It is powered on again when the TPM is next initialized.
func (l *Library) ClearVolatile() error {
	return l.platformCommand(cmdPowerOff)
}

// Cancel asserts or deasserts the simulator's cancel signal.
func (l *Library) Cancel(on bool) error {
	if on {
		return l.platformCommand(cmdCancelOn)
	}
	return l.platformCommand(cmdCancelOff)
}

// Stop asks the simulator to shut down, and closes the connection.
func (l *Library) Stop() error {
	return l.close(cmdStop)
}

// Close ends the session with the simulator. The simulator keeps running.
func (l *Library) Close() error {
	return l.close(cmdSessionEnd)
}

func (l *Library) close(cmd uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return net.ErrClosed
	}
	l.closed = true

	var result *multierror.Error
	for _, ch := range []struct {
		name string
		conn net.Conn
	}{
		{"platform", l.platform},
		{"TPM command", l.tpm},
	} {
		if err := binary.Write(ch.conn, binary.BigEndian, cmd); err != nil {
			result = multierror.Append(result, xerrors.Errorf("cannot end session on %s channel: %w", ch.name, err))
		}
		if err := ch.conn.Close(); err != nil {
			result = multierror.Append(result, xerrors.Errorf("cannot close %s channel: %w", ch.name, err))
		}
	}
	return result.ErrorOrNil()
}
