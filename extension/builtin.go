// Copyright 2024 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package extension

import (
	"context"
	"errors"

	"github.com/canonical/go-tpm2-fifo"
)

// Device is the part of fifo.Device that the built-in handlers use.
type Device interface {
	RequestReset(ctx context.Context, wait, wipe bool) error
	ReinstateCommits()
	Snapshot() fifo.RegisterSnapshot
	Initialized() bool
	VersionString() string
}

// Flags returned by VENDOR_CC_REPORT_TPM_STATE.
const (
	TPMStateResetInProgress uint8 = 1 << 0
	TPMStateInitialized     uint8 = 1 << 1
)

// RegisterDeviceCommands registers the handlers for the vendor commands that
// operate on the device itself:
//   - VENDOR_CC_SYSINFO returns the firmware version string.
//   - VENDOR_CC_IMMEDIATE_RESET schedules a TPM reset without waiting for it.
//   - VENDOR_CC_COMMIT_NVMEM reinstates persistent storage commits.
//   - VENDOR_CC_REPORT_TPM_STATE returns the interface state and a flags byte.
func RegisterDeviceCommands(r *Router, dev Device) {
	r.RegisterFunc(fifo.VendorSysInfo, func(ctx context.Context, code fifo.VendorCommandCode, buf []byte, commandSize int) (int, fifo.VendorResponseCode) {
		if commandSize != 0 {
			return 0, fifo.VendorRCBogusArgs
		}
		version := dev.VersionString()
		if len(version) > len(buf) {
			return 0, fifo.VendorRCResponseTooBig
		}
		return copy(buf, version), fifo.VendorRCSuccess
	})

	r.RegisterFunc(fifo.VendorImmediateReset, func(ctx context.Context, code fifo.VendorCommandCode, buf []byte, commandSize int) (int, fifo.VendorResponseCode) {
		err := dev.RequestReset(ctx, false, false)
		switch {
		case err == nil, errors.Is(err, fifo.ErrResetBusy):
			// Either way, a reset is coming.
			return 0, fifo.VendorRCSuccess
		default:
			r.log.Warnf("cannot schedule reset: %v", err)
			return 0, fifo.VendorRCBogusArgs
		}
	})

	r.RegisterFunc(fifo.VendorCommitNVMem, func(ctx context.Context, code fifo.VendorCommandCode, buf []byte, commandSize int) (int, fifo.VendorResponseCode) {
		dev.ReinstateCommits()
		return 0, fifo.VendorRCSuccess
	})

	r.RegisterFunc(fifo.VendorReportTPMState, func(ctx context.Context, code fifo.VendorCommandCode, buf []byte, commandSize int) (int, fifo.VendorResponseCode) {
		if len(buf) < 2 {
			return 0, fifo.VendorRCResponseTooBig
		}
		snapshot := dev.Snapshot()
		var flags uint8
		if snapshot.ResetInProgress {
			flags |= TPMStateResetInProgress
		}
		if dev.Initialized() {
			flags |= TPMStateInitialized
		}
		buf[0] = uint8(snapshot.State)
		buf[1] = flags
		return 2, fifo.VendorRCSuccess
	})
}
