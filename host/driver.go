// Copyright 2024 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

/*
Package host implements the host side of the FIFO register interface. A
Driver talks to a device through register reads and writes, in the same way
that a kernel TPM driver does, and implements the transport interface used by
github.com/google/go-tpm so that TPM2 commands can be built and decoded with
that package.
*/
package host

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/go-tpm/tpm2/transport"
	"golang.org/x/xerrors"

	"github.com/canonical/go-tpm2-fifo"
)

// Bus provides access to the registers of a device.
type Bus interface {
	Put(addr uint32, data []byte)
	Get(addr uint32, dest []byte)
}

// Errer is implemented by buses that can fail, such as a network
// connection. Once Err returns an error, the bus is unusable.
type Errer interface {
	Err() error
}

var (
	// ErrTimeout is returned when the device doesn't reach an expected
	// state in time.
	ErrTimeout = errors.New("timeout waiting for device")

	// ErrProtocol is returned when the device deviates from the FIFO
	// protocol.
	ErrProtocol = errors.New("FIFO protocol error")
)

// Timeouts for the FIFO protocol.
type Timeouts struct {
	Locality time.Duration // waiting for the locality to become active
	Ready    time.Duration // waiting for commandReady
	Command  time.Duration // waiting for a response
	Poll     time.Duration // interval between status polls
}

// DefaultTimeouts are the timeouts used by a Driver unless overridden.
var DefaultTimeouts = Timeouts{
	Locality: 750 * time.Millisecond,
	Ready:    2 * time.Second,
	Command:  2 * time.Minute,
	Poll:     100 * time.Microsecond,
}

// Option is an option supplied to NewDriver.
type Option func(*Driver)

// WithTimeouts overrides the driver timeouts.
func WithTimeouts(timeouts Timeouts) Option {
	return func(d *Driver) {
		d.timeouts = timeouts
	}
}

// WithLogger sets the logger used by the driver.
func WithLogger(logger fifo.Logger) Option {
	return func(d *Driver) {
		d.log = logger.WithField("subsystem", "host")
	}
}

// Driver is the host side of the FIFO interface. It implements
// transport.TPMCloser. A driver must not be used from more than one
// goroutine at a time.
type Driver struct {
	bus      Bus
	timeouts Timeouts
	log      fifo.Logger

	hasLocality bool
}

var _ transport.TPMCloser = (*Driver)(nil)

// NewDriver returns a new driver for the device on the supplied bus.
func NewDriver(bus Bus, opts ...Option) *Driver {
	d := &Driver{
		bus:      bus,
		timeouts: DefaultTimeouts,
		log:      fifo.NewNullLogger()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Driver) busErr() error {
	if e, ok := d.bus.(Errer); ok {
		return e.Err()
	}
	return nil
}

func (d *Driver) status() fifo.StatusBits {
	var b [4]byte
	d.bus.Get(fifo.RegStatus, b[:])
	return fifo.StatusBits(binary.LittleEndian.Uint32(b[:]))
}

func (d *Driver) putStatus(value fifo.StatusBits) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(value))
	d.bus.Put(fifo.RegStatus, b[:])
}

func (d *Driver) access() fifo.AccessBits {
	var b [1]byte
	d.bus.Get(fifo.RegAccess, b[:])
	return fifo.AccessBits(b[0])
}

// poll calls cond until it returns true, ctx is done or timeout elapses.
func (d *Driver) poll(ctx context.Context, timeout time.Duration, what string, cond func() bool) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		if cond() {
			return nil
		}
		if err := d.busErr(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w: %s", ErrTimeout, what)
		case <-time.After(d.timeouts.Poll):
		}
	}
}

func (d *Driver) waitForStatus(ctx context.Context, timeout time.Duration, mask, value fifo.StatusBits) error {
	return d.poll(ctx, timeout, fmt.Sprintf("status %#08x", uint32(value)), func() bool {
		return d.status()&(mask|fifo.StatusValid) == value|fifo.StatusValid
	})
}

// RequestLocality claims locality 0.
func (d *Driver) RequestLocality(ctx context.Context) error {
	if d.hasLocality {
		return nil
	}
	d.bus.Put(fifo.RegAccess, []byte{byte(fifo.AccessRequestUse)})
	if err := d.poll(ctx, d.timeouts.Locality, "locality", func() bool {
		return d.access()&fifo.AccessActiveLocality != 0
	}); err != nil {
		return xerrors.Errorf("cannot request locality: %w", err)
	}
	d.hasLocality = true
	return nil
}

// ReleaseLocality gives up locality 0, which also returns the device to
// the idle state.
func (d *Driver) ReleaseLocality() {
	if !d.hasLocality {
		return
	}
	d.bus.Put(fifo.RegAccess, []byte{byte(fifo.AccessActiveLocality)})
	d.hasLocality = false
}

func (d *Driver) burstCount(ctx context.Context) (int, error) {
	var burst int
	if err := d.poll(ctx, d.timeouts.Ready, "burst count", func() bool {
		burst = d.status().BurstCount()
		return burst > 0
	}); err != nil {
		return 0, err
	}
	return min(burst, fifo.MaxBurstCount), nil
}

func (d *Driver) writeCommand(ctx context.Context, cmd []byte) error {
	for len(cmd) > 0 {
		burst, err := d.burstCount(ctx)
		if err != nil {
			return err
		}
		n := min(burst, len(cmd))
		d.bus.Put(fifo.RegDataFIFO, cmd[:n])
		cmd = cmd[n:]

		sts := d.status()
		switch {
		case sts&fifo.StatusValid == 0:
			return fmt.Errorf("%w: status not valid during write", ErrProtocol)
		case len(cmd) > 0 && sts&fifo.StatusExpect == 0:
			return fmt.Errorf("%w: device stopped expecting data with %d bytes remaining", ErrProtocol, len(cmd))
		case len(cmd) == 0 && sts&fifo.StatusExpect != 0:
			return fmt.Errorf("%w: device expects more data", ErrProtocol)
		}
	}
	return nil
}

func (d *Driver) readFIFO(ctx context.Context, dest []byte) error {
	for len(dest) > 0 {
		burst, err := d.burstCount(ctx)
		if err != nil {
			return err
		}
		n := min(burst, len(dest))
		d.bus.Get(fifo.RegDataFIFO, dest[:n])
		dest = dest[n:]
	}
	return nil
}

func (d *Driver) readResponse(ctx context.Context) ([]byte, error) {
	rsp := make([]byte, fifo.CommandHeaderSize)
	if err := d.readFIFO(ctx, rsp); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(rsp[2:])
	if size < fifo.CommandHeaderSize || size > fifo.FIFOSize {
		return nil, fmt.Errorf("%w: invalid response size %d", ErrProtocol, size)
	}

	rsp = append(rsp, make([]byte, int(size)-fifo.CommandHeaderSize)...)
	if err := d.readFIFO(ctx, rsp[fifo.CommandHeaderSize:]); err != nil {
		return nil, err
	}

	if d.status()&fifo.StatusDataAvail != 0 {
		return nil, fmt.Errorf("%w: unexpected data after response", ErrProtocol)
	}
	return rsp, nil
}

// SendContext submits a command and returns its response.
func (d *Driver) SendContext(ctx context.Context, cmd []byte) (rsp []byte, err error) {
	if len(cmd) < fifo.CommandHeaderSize || len(cmd) > fifo.FIFOSize {
		return nil, fmt.Errorf("invalid command size %d", len(cmd))
	}

	if err := d.RequestLocality(ctx); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			// Abort the command and start from scratch next time.
			d.ReleaseLocality()
		}
	}()

	d.putStatus(fifo.StatusCommandReady)
	if err := d.waitForStatus(ctx, d.timeouts.Ready, fifo.StatusCommandReady, fifo.StatusCommandReady); err != nil {
		return nil, xerrors.Errorf("device not ready: %w", err)
	}

	if err := d.writeCommand(ctx, cmd); err != nil {
		return nil, xerrors.Errorf("cannot write command: %w", err)
	}
	d.putStatus(fifo.StatusGo)

	if err := d.waitForStatus(ctx, d.timeouts.Command, fifo.StatusDataAvail, fifo.StatusDataAvail); err != nil {
		return nil, xerrors.Errorf("no response: %w", err)
	}

	rsp, err = d.readResponse(ctx)
	if errors.Is(err, ErrProtocol) {
		d.log.Debugf("retrying response read: %v", err)
		d.putStatus(fifo.StatusResponseRetry)
		rsp, err = d.readResponse(ctx)
	}
	if err != nil {
		return nil, xerrors.Errorf("cannot read response: %w", err)
	}

	// Return the device to the idle state.
	d.putStatus(fifo.StatusCommandReady)
	return rsp, nil
}

// Send implements [transport.TPM.Send].
func (d *Driver) Send(cmd []byte) ([]byte, error) {
	return d.SendContext(context.Background(), cmd)
}

// Close implements [io.Closer]. It releases the locality but leaves the
// bus open.
func (d *Driver) Close() error {
	d.ReleaseLocality()
	return d.busErr()
}

// Identity contains the identity registers of a device.
type Identity struct {
	VendorID       uint16
	DeviceID       uint16
	RevisionID     uint8
	IntfCapability uint32
}

func (i Identity) String() string {
	return fmt.Sprintf("vid:%04x did:%04x rid:%02x", i.VendorID, i.DeviceID, i.RevisionID)
}

// ReadIdentity reads the identity registers.
func (d *Driver) ReadIdentity() (Identity, error) {
	var b [4]byte
	d.bus.Get(fifo.RegDIDVID, b[:])
	didvid := binary.LittleEndian.Uint32(b[:])

	var rid [1]byte
	d.bus.Get(fifo.RegRID, rid[:])

	d.bus.Get(fifo.RegIntfCapability, b[:])

	return Identity{
		VendorID:       uint16(didvid),
		DeviceID:       uint16(didvid >> 16),
		RevisionID:     rid[0],
		IntfCapability: binary.LittleEndian.Uint32(b[:])}, d.busErr()
}

// FirmwareVersion reads the firmware version string.
func (d *Driver) FirmwareVersion() (string, error) {
	// Rewind the version string.
	d.bus.Put(fifo.RegFWVersion, []byte{0})

	var version []byte
	for {
		var b [fifo.MaxTransferSize]byte
		d.bus.Get(fifo.RegFWVersion, b[:])
		if err := d.busErr(); err != nil {
			return "", err
		}
		for _, c := range b {
			if c == 0 {
				return string(version), nil
			}
			version = append(version, c)
		}
	}
}
