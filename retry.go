// Copyright 2024 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package fifo

import (
	"context"
	"time"

	"golang.org/x/xerrors"
)

// RetryParams controls how commands that complete with a warning that asks
// for them to be resubmitted are retried.
type RetryParams struct {
	// MaxRetries is the maximum number of times a command is retried.
	// A command is always submitted once. Setting this to zero disables
	// retries.
	MaxRetries uint

	// InitialBackoff is the amount of time to wait before submitting the
	// first retry.
	InitialBackoff time.Duration

	// BackoffRate determines how much more time to wait before submitting
	// each subsequent retry. Eg, if InitialBackoff is 20ms and this field
	// is 2, the first retry will be attempted after a delay of 20ms, then
	// the next retry after 40ms, then 80ms etc.
	BackoffRate uint
}

// DefaultRetryParams are used by executors that retry commands unless
// configured otherwise.
var DefaultRetryParams = RetryParams{
	MaxRetries:     4,
	InitialBackoff: 20 * time.Millisecond,
	BackoffRate:    2,
}

// ExecuteWithRetry submits cmd with send and returns the response. Commands
// that fail with TPM_RC_RETRY or TPM_RC_YIELDED are resubmitted, as are
// commands other than TPM2_SelfTest that fail with TPM_RC_TESTING, until
// params.MaxRetries is exhausted. The response to the last attempt is
// returned.
func ExecuteWithRetry(ctx context.Context, params RetryParams, cmd CommandPacket, send func(context.Context, CommandPacket) (ResponsePacket, error)) (ResponsePacket, error) {
	code, err := cmd.GetCommandCode()
	if err != nil {
		return nil, xerrors.Errorf("invalid command: %w", err)
	}

	retryDelay := params.InitialBackoff
	for retries := params.MaxRetries; ; retries-- {
		rsp, err := send(ctx, cmd)
		if err != nil {
			return nil, err
		}

		hdr, err := rsp.Header()
		if err != nil {
			return nil, xerrors.Errorf("invalid response: %w", err)
		}
		if retries == 0 || !hdr.ResponseCode.ShouldRetry(code) {
			return rsp, nil
		}

		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		retryDelay *= time.Duration(params.BackoffRate)
	}
}
