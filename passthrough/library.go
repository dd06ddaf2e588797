// Copyright 2024 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

/*
Package passthrough provides a TPM2 command library that forwards commands to
a TPM on the host, either via a Linux TPM character device or a unix socket.

The host TPM is already powered on and started by the host, so the lifecycle
operations of the library don't touch it, with the exception of
ClearVolatile, which flushes every transient object.

The kernel driver resubmits commands that fail with a warning that asks for
a retry. There's no kernel driver behind a socket, so Open configures the
library to retry those commands itself.
*/
package passthrough

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
	"github.com/google/go-tpm/tpm2/transport/linuxtpm"
	"golang.org/x/xerrors"

	"github.com/canonical/go-tpm2-fifo"
)

// ErrManufactureNotSupported is returned from Library.Manufacture. A host
// TPM can't be returned to its manufactured state.
var ErrManufactureNotSupported = errors.New("cannot manufacture a host TPM")

var (
	openCharDevice = linuxtpm.Open
	netDial        = net.Dial
	osStat         = os.Stat
)

// maxTransientHandles is the number of handles requested at a time when
// flushing transient objects.
const maxTransientHandles = 16

// Library is a fifo.Library that forwards commands to a host TPM.
type Library struct {
	log   fifo.Logger
	retry *fifo.RetryParams

	mu     sync.Mutex
	tpm    transport.TPMCloser
	closed bool
}

// Option configures a Library.
type Option func(*Library)

// WithRetryParams makes the library resubmit commands that fail with a
// warning that asks for a retry.
func WithRetryParams(params fifo.RetryParams) Option {
	return func(l *Library) {
		l.retry = &params
	}
}

// NewLibrary returns a new library that forwards commands to the supplied
// transport. The library takes ownership of it.
func NewLibrary(tpm transport.TPMCloser, logger fifo.Logger, opts ...Option) *Library {
	l := &Library{
		log: logger.WithField("subsystem", "passthrough"),
		tpm: tpm}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Open connects to the host TPM at the specified path, which is either a
// TPM character device or a unix socket.
func Open(path string, logger fifo.Logger) (*Library, error) {
	fi, err := osStat(path)
	if err != nil {
		return nil, err
	}

	if fi.Mode()&os.ModeSocket != 0 {
		conn, err := netDial("unix", path)
		if err != nil {
			return nil, xerrors.Errorf("cannot connect to TPM socket: %w", err)
		}
		return NewLibrary(transport.FromReadWriteCloser(conn), logger, WithRetryParams(fifo.DefaultRetryParams)), nil
	}

	tpm, err := openCharDevice(path)
	if err != nil {
		return nil, xerrors.Errorf("cannot open TPM device: %w", err)
	}
	return NewLibrary(tpm, logger), nil
}

func (l *Library) connLocked() (transport.TPM, error) {
	if l.closed {
		return nil, net.ErrClosed
	}
	return l.tpm, nil
}

// ExecuteCommand implements [fifo.Executor.ExecuteCommand]. Commands are
// only retried if the library was created with WithRetryParams.
func (l *Library) ExecuteCommand(ctx context.Context, command fifo.CommandPacket) (fifo.ResponsePacket, error) {
	if _, err := command.Header(); err != nil {
		return nil, xerrors.Errorf("invalid command: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tpm, err := l.connLocked()
	if err != nil {
		return nil, err
	}

	send := func(_ context.Context, cmd fifo.CommandPacket) (fifo.ResponsePacket, error) {
		rsp, err := tpm.Send(cmd)
		if err != nil {
			return nil, xerrors.Errorf("cannot send command: %w", err)
		}
		if _, err := fifo.ResponsePacket(rsp).Header(); err != nil {
			return nil, xerrors.Errorf("invalid response: %w", err)
		}
		return rsp, nil
	}
	if l.retry == nil {
		return send(ctx, command)
	}
	return fifo.ExecuteWithRetry(ctx, *l.retry, command, send)
}

// PowerOn implements [fifo.Library.PowerOn].
func (l *Library) PowerOn() error {
	return nil
}

// Init implements [fifo.Library.Init].
func (l *Library) Init() error {
	return nil
}

// IsManufactured implements [fifo.Library.IsManufactured].
func (l *Library) IsManufactured() (bool, error) {
	return true, nil
}

// Manufacture implements [fifo.Library.Manufacture].
func (l *Library) Manufacture() error {
	return ErrManufactureNotSupported
}

// SetNVAvailable implements [fifo.Library.SetNVAvailable].
func (l *Library) SetNVAvailable() error {
	return nil
}

func (l *Library) transientHandles(tpm transport.TPM) ([]tpm2.TPMHandle, error) {
	var handles []tpm2.TPMHandle
	property := uint32(tpm2.TPMHTTransient) << 24
	for {
		rsp, err := tpm2.GetCapability{
			Capability:    tpm2.TPMCapHandles,
			Property:      property,
			PropertyCount: maxTransientHandles}.Execute(tpm)
		if err != nil {
			return nil, err
		}
		list, err := rsp.CapabilityData.Data.Handles()
		if err != nil {
			return nil, err
		}
		handles = append(handles, list.Handle...)
		if !rsp.MoreData || len(list.Handle) == 0 {
			return handles, nil
		}
		property = uint32(list.Handle[len(list.Handle)-1]) + 1
	}
}

// ClearVolatile implements [fifo.Library.ClearVolatile] by flushing every
// transient object.
func (l *Library) ClearVolatile() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tpm, err := l.connLocked()
	if err != nil {
		return err
	}

	handles, err := l.transientHandles(tpm)
	if err != nil {
		return xerrors.Errorf("cannot obtain transient handles: %w", err)
	}

	for _, handle := range handles {
		l.log.Debugf("flushing handle %#08x", uint32(handle))
		if _, err := (tpm2.FlushContext{FlushHandle: handle}).Execute(tpm); err != nil {
			return xerrors.Errorf("cannot flush handle %#08x: %w", uint32(handle), err)
		}
	}
	return nil
}

// Close closes the connection to the host TPM.
func (l *Library) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return net.ErrClosed
	}
	l.closed = true
	return l.tpm.Close()
}
