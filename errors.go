// Copyright 2024 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package fifo

import (
	"errors"
	"fmt"
)

var (
	// ErrResetBusy is returned from Device.RequestReset if a reset is
	// already pending.
	ErrResetBusy = errors.New("TPM reset already scheduled")

	// ErrResetTimeout is returned from Device.RequestReset if the caller
	// asked to wait and the reset did not complete in time. The reset is
	// not cancelled.
	ErrResetTimeout = errors.New("timeout waiting for TPM reset to complete")

	// ErrResetWaitNotAllowed is returned from Device.RequestReset when the
	// caller asked to wait from the task loop itself or from interrupt
	// context. The reset is still scheduled. It wraps ErrResetBusy.
	ErrResetWaitNotAllowed = fmt.Errorf("%w: cannot wait for reset from this context", ErrResetBusy)

	// ErrDeviceStopped is returned when a request is made to a device
	// whose task loop is not running.
	ErrDeviceStopped = errors.New("TPM task is not running")
)

// ExecuteError is logged when the command library fails to produce a
// response for a command.
type ExecuteError struct {
	Command CommandCode
	err     error
}

func (e *ExecuteError) Error() string {
	return fmt.Sprintf("cannot execute command %v: %v", e.Command, e.err)
}

func (e *ExecuteError) Unwrap() error {
	return e.err
}

// WipeError is returned from Device.RequestReset when the caller waited for
// a reset that was asked to wipe persistent storage, and the erase failed.
type WipeError struct {
	err error
}

func (e *WipeError) Error() string {
	return "cannot erase TPM persistent storage: " + e.err.Error()
}

func (e *WipeError) Unwrap() error {
	return e.err
}
