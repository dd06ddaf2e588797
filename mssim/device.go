// Copyright 2024 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

/*
Package mssim provides a command library backend that forwards TPM2 commands
to a TPM simulator implementing the Microsoft TPM2 simulator interface.
*/
package mssim

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/xerrors"

	"github.com/canonical/go-tpm2-fifo"
)

const (
	DefaultPort uint = 2321

	// DefaultLocality is the locality that commands are submitted at.
	DefaultLocality uint8 = 0
)

var netDial = net.Dial

type deviceAddr struct {
	Host string
	Port uint
}

func (a deviceAddr) Network() string {
	return "tcp"
}

func (a deviceAddr) String() string {
	return net.JoinHostPort(a.Host, strconv.FormatUint(uint64(a.Port), 10))
}

// RetryParams controls how commands that complete with a retryable
// warning are resubmitted.
type RetryParams = fifo.RetryParams

var defaultRetryParams = fifo.DefaultRetryParams

// Option configures a Device.
type Option func(*Device)

// WithHost sets the host that the simulator runs on. The default is
// localhost.
func WithHost(host string) Option {
	return func(d *Device) {
		d.tpm.Host = host
		d.platform.Host = host
	}
}

// WithPort sets the port of the TPM command channel. The platform channel
// is assumed to be on the next port.
func WithPort(port uint) Option {
	return func(d *Device) {
		d.tpm.Port = port
		d.platform.Port = port + 1
	}
}

// WithTPMPort sets the port of the TPM command channel only.
func WithTPMPort(port uint) Option {
	return func(d *Device) {
		d.tpm.Port = port
	}
}

// WithPlatformPort sets the port of the platform channel only.
func WithPlatformPort(port uint) Option {
	return func(d *Device) {
		d.platform.Port = port
	}
}

// WithRetryParams customizes the command retry behaviour.
func WithRetryParams(maxRetries uint, initialBackoff time.Duration, backoffRate uint) Option {
	return func(d *Device) {
		d.retryParams = RetryParams{
			MaxRetries:     maxRetries,
			InitialBackoff: initialBackoff,
			BackoffRate:    backoffRate,
		}
	}
}

// WithLocality sets the locality that commands are submitted at.
func WithLocality(locality uint8) Option {
	return func(d *Device) {
		d.locality = locality
	}
}

// Device describes a TPM simulator. It is safe to use from multiple
// goroutines simultaneously.
type Device struct {
	tpm         deviceAddr
	platform    deviceAddr
	retryParams RetryParams
	locality    uint8
}

// NewDevice returns a new device for a simulator at localhost:2321 unless
// configured otherwise.
func NewDevice(opts ...Option) *Device {
	d := &Device{
		tpm:         deviceAddr{Host: "localhost", Port: DefaultPort},
		platform:    deviceAddr{Host: "localhost", Port: DefaultPort + 1},
		retryParams: defaultRetryParams,
		locality:    DefaultLocality,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// TPMAddr returns the address of the TPM channel for this device.
func (d *Device) TPMAddr() net.Addr {
	return d.tpm
}

// PlatformAddr returns the address of the platform channel for this device.
func (d *Device) PlatformAddr() net.Addr {
	return d.platform
}

// RetryParams returns the parameters used to retry commands.
func (d *Device) RetryParams() RetryParams {
	return d.retryParams
}

// String implements [fmt.Stringer].
func (d *Device) String() string {
	return fmt.Sprintf("mssim device, tpm=%s, platform=%s", d.tpm, d.platform)
}

// Open connects to the simulator and returns a library that drives it.
// Unlike a direct connection, this doesn't send any platform commands. The
// simulator is powered on when the device initializes the library.
func (d *Device) Open() (*Library, error) {
	tpm, err := netDial(d.tpm.Network(), d.tpm.String())
	if err != nil {
		return nil, xerrors.Errorf("cannot connect to TPM socket: %w", err)
	}

	platform, err := netDial(d.platform.Network(), d.platform.String())
	if err != nil {
		tpm.Close()
		return nil, xerrors.Errorf("cannot connect to platform socket: %w", err)
	}

	return &Library{
		tpm:         tpm,
		platform:    platform,
		locality:    d.locality,
		retryParams: d.retryParams}, nil
}
