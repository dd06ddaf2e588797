// Copyright 2024 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package fifo

import (
	"context"
	"sync"
	"time"
)

type resetPhase int

const (
	resetIdle resetPhase = iota
	resetPending
	resetRunning
)

// resetCycle is shared between the task loop and a caller waiting for a
// reset. err is written before done is closed.
type resetCycle struct {
	done chan struct{}
	err  error
}

type resetCoordinator struct {
	mu          sync.Mutex
	phase       resetPhase
	wipe        bool
	cycle       *resetCycle
	commitTimer *time.Timer
}

func (r *resetCoordinator) stopCommitTimer() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.commitTimer != nil {
		r.commitTimer.Stop()
		r.commitTimer = nil
	}
}

// RequestReset asks the task loop to reset the TPM. If wipe is true, the
// TPM's persistent storage is erased first. Once a wipe has been requested
// it cannot be withdrawn, and it is honored by the next reset even if the
// request that asked for it was rejected as busy.
//
// If wait is false, this returns as soon as the reset is scheduled.
// Otherwise, it blocks until the reset completes, the reset wait timeout
// expires or ctx is done. A timeout or cancellation doesn't stop the reset.
// Waiting is not permitted from the task loop itself or from a context
// marked with WithInterruptContext, in which case ErrResetWaitNotAllowed is
// returned after the reset is scheduled.
//
// If a reset is already scheduled or running, ErrResetBusy is returned. If
// the caller waited for a reset that wiped persistent storage and the erase
// failed, a *WipeError is returned.
func (d *Device) RequestReset(ctx context.Context, wait, wipe bool) error {
	d.log.Infof("reset requested (wait=%t, wipe=%t)", wait, wipe)

	if !d.running.Load() {
		return ErrDeviceStopped
	}

	r := &d.reset
	r.mu.Lock()
	switch r.phase {
	case resetPending:
		// We can't change our minds about wiping.
		r.wipe = r.wipe || wipe
		fallthrough
	case resetRunning:
		r.mu.Unlock()
		d.log.Info("reset already scheduled")
		return ErrResetBusy
	}

	r.phase = resetPending
	r.wipe = r.wipe || wipe
	cycle := &resetCycle{done: make(chan struct{})}
	r.cycle = cycle
	r.mu.Unlock()

	d.resetInProgress.Store(true)
	d.events.post(eventReset)

	if !wait {
		return nil
	}
	if InInterruptContext(ctx) || d.inTaskContext(ctx) {
		return ErrResetWaitNotAllowed
	}

	timer := time.NewTimer(d.resetWaitTimeout)
	defer timer.Stop()

	select {
	case <-cycle.done:
		return cycle.err
	case <-timer.C:
		return ErrResetTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resetNow performs a reset from the task loop and completes the pending
// request, if there is one.
func (d *Device) resetNow() {
	r := &d.reset
	r.mu.Lock()
	r.phase = resetRunning
	wipe := r.wipe
	r.wipe = false
	cycle := r.cycle
	r.cycle = nil
	r.mu.Unlock()

	// Requests made from here on are rejected as busy.
	d.resetInProgress.Store(true)

	err := d.doReset(wipe)

	r.mu.Lock()
	r.phase = resetIdle
	r.mu.Unlock()
	d.resetInProgress.Store(false)

	if cycle != nil {
		cycle.err = err
		close(cycle.done)
	}
}

func (d *Device) doReset(wipe bool) (err error) {
	log := d.logger.WithField("subsystem", subsystemTask)
	log.Infof("resetting TPM (wipe=%t)", wipe)

	if wipe {
		// Erasing the TPM's storage whilst the companion is talking to it
		// will break both, so hold the companion in reset.
		log.Info("holding companion in reset")
		if err := d.companion.HoldInReset(); err != nil {
			log.Warnf("cannot hold companion in reset: %v", err)
		}
		if e := d.storage.EraseUserData(UserRegionTPM); e != nil {
			log.Errorf("cannot erase TPM storage: %v", e)
			err = &WipeError{err: e}
		}
	}

	if e := d.lib.ClearVolatile(); e != nil {
		log.Warnf("cannot clear volatile state: %v", e)
	}

	// Save whatever changes accumulated whilst commits were disabled, and
	// then prevent further commits until they are reinstated.
	if e := d.storage.EnableCommits(); e != nil {
		log.Warnf("cannot enable commits: %v", e)
	}
	d.storage.DisableCommits()

	d.initTPM()

	if wipe {
		log.Info("releasing companion from reset")
		if e := d.companion.ReleaseReset(); e != nil {
			log.Warnf("cannot release companion from reset: %v", e)
		}
	}

	// Make sure commits don't stay disabled for too long.
	d.armCommitTimer()

	log.Info("reset done")
	return err
}

func (d *Device) armCommitTimer() {
	r := &d.reset
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.commitTimer != nil {
		r.commitTimer.Stop()
	}
	r.commitTimer = time.AfterFunc(d.commitReinstateDelay, d.ReinstateCommits)
}

// abandonReset completes a request that the task loop will never service
// because it is exiting.
func (d *Device) abandonReset() {
	r := &d.reset
	r.mu.Lock()
	cycle := r.cycle
	r.cycle = nil
	r.phase = resetIdle
	r.wipe = false
	r.mu.Unlock()

	d.resetInProgress.Store(false)
	if cycle != nil {
		cycle.err = ErrDeviceStopped
		close(cycle.done)
	}
}
