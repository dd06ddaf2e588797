// Copyright 2024 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

/*
Package platform implements the platform bookkeeping that the TPM task
performs after specific commands: the companion boot retry counter, the
firmware management parameters (FWMP) and the board ID. All state is kept in
variables in the platform region of persistent storage.
*/
package platform

import (
	"encoding/binary"
	"sync"

	"golang.org/x/xerrors"

	"github.com/canonical/go-tpm2-fifo"
	"github.com/canonical/go-tpm2-fifo/nvmem"
)

// Variable names in the platform region.
const (
	varRetryCounter = "retry_counter"
	varFWMP         = "fwmp"
	varBoardID      = "board_id"
	varEndorsed     = "endorsed"
)

// Platform implements fifo.PlatformHooks.
type Platform struct {
	vars *nvmem.Vars
	log  fifo.Logger

	mu   sync.Mutex
	fwmp FWMP
}

// New returns a new platform that keeps its state in vars.
func New(vars *nvmem.Vars, logger fifo.Logger) *Platform {
	return &Platform{
		vars: vars,
		log:  logger.WithField("subsystem", "platform"),
		fwmp: defaultFWMP}
}

func (p *Platform) getUint32(name string) uint32 {
	val, ok := p.vars.Get(name)
	if !ok || len(val) != 4 {
		return 0
	}
	return binary.LittleEndian.Uint32(val)
}

func (p *Platform) setUint32(name string, v uint32) error {
	var val []byte
	if v != 0 {
		val = binary.LittleEndian.AppendUint32(nil, v)
	}
	if err := p.vars.Set(name, val); err != nil {
		return err
	}
	return p.vars.Commit()
}

// RetryCounter returns the number of times the companion processor has
// started booting since it last reached the point of talking to the TPM.
func (p *Platform) RetryCounter() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.getUint32(varRetryCounter)
}

// RecordBootAttempt increments the retry counter. It is called whenever the
// companion processor is released from reset.
func (p *Platform) RecordBootAttempt() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := p.getUint32(varRetryCounter) + 1
	if err := p.setUint32(varRetryCounter, n); err != nil {
		return xerrors.Errorf("cannot update retry counter: %w", err)
	}
	return nil
}

// ProcessRetryCounter implements [fifo.PlatformHooks.ProcessRetryCounter].
// A successful TPM2_PCR_Read means that the companion booted, so the
// counter is cleared.
func (p *Platform) ProcessRetryCounter() {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := p.getUint32(varRetryCounter)
	if n == 0 {
		return
	}
	p.log.Infof("companion booted after %d attempt(s)", n)
	if err := p.setUint32(varRetryCounter, 0); err != nil {
		p.log.Warnf("cannot clear retry counter: %v", err)
	}
}

// Endorse implements [fifo.PlatformHooks.Endorse].
func (p *Platform) Endorse() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.vars.Set(varEndorsed, []byte{1}); err != nil {
		return err
	}
	if err := p.vars.Commit(); err != nil {
		return xerrors.Errorf("cannot record endorsement: %w", err)
	}
	p.log.Info("TPM endorsed")
	return nil
}

// Endorsed indicates whether Endorse has been called since the platform
// region was last erased.
func (p *Platform) Endorsed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.vars.Get(varEndorsed)
	return ok
}

type bootCountingCompanion struct {
	fifo.Companion
	p *Platform
}

func (c *bootCountingCompanion) ReleaseReset() error {
	if err := c.Companion.ReleaseReset(); err != nil {
		return err
	}
	if err := c.p.RecordBootAttempt(); err != nil {
		c.p.log.Warnf("%v", err)
	}
	return nil
}

// WrapCompanion returns a companion that records a boot attempt each time
// the supplied companion is released from reset.
func (p *Platform) WrapCompanion(companion fifo.Companion) fifo.Companion {
	return &bootCountingCompanion{Companion: companion, p: p}
}
