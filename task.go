// Copyright 2024 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package fifo

import "golang.org/x/xerrors"

// wait blocks until events are posted or the task is dying. It returns
// false in the latter case.
func (d *Device) wait() (event, bool) {
	select {
	case <-d.tomb.Dying():
		return 0, false
	case <-d.events.notify:
		return d.events.take(), true
	}
}

// run is the task loop. It owns command execution and resets.
func (d *Device) run() error {
	defer d.abandonReset()

	ctx := withTaskContext(d.tomb.Context(nil), d)
	log := d.logger.WithField("subsystem", subsystemTask)

	// Don't proceed until the companion is actually up. The only event we
	// expect before then is a reset request.
waitPower:
	for d.power.PowerState() != PowerStateOn {
		evts, ok := d.wait()
		switch {
		case !ok:
			return nil
		case evts&eventReset != 0:
			break waitPower
		case evts&^eventPower != 0:
			log.Infof("unexpected events %v whilst waiting for power on", evts)
		}
	}

	d.resetNow()

	for {
		evts, ok := d.wait()
		if !ok {
			return nil
		}
		log.Tracef("events %v", evts)

		if evts&eventReset != 0 {
			// The reset commits storage and makes any pending command
			// irrelevant, so there's no point looking at the other events.
			d.resetNow()
			continue
		}

		if evts&eventCommit != 0 {
			if err := d.storage.EnableCommits(); err != nil {
				log.Warnf("cannot reinstate commits: %v", err)
			}
		}

		if evts&eventWake == 0 {
			continue
		}

		d.processCommand(ctx)
	}
}

// initTPM reinitializes the registers and the command library. Errors are
// logged because there is nobody to report them to.
func (d *Device) initTPM() {
	log := d.logger.WithField("subsystem", subsystemTask)
	log.Info("initializing TPM")

	d.resetRegisters()

	if err := d.initLibrary(); err != nil {
		log.Errorf("cannot initialize TPM: %v", err)
	}
	d.initialized.Store(true)

	// Reinitialize the bus interface.
	d.restartInterface()
}

func (d *Device) initLibrary() error {
	if err := d.lib.PowerOn(); err != nil {
		return xerrors.Errorf("cannot signal power on: %w", err)
	}

	// This is needed to be able to check the manufactured status, and is
	// repeated below if the TPM has to be manufactured.
	if err := d.lib.Init(); err != nil {
		return xerrors.Errorf("cannot initialize library: %w", err)
	}

	manufactured, err := d.lib.IsManufactured()
	if err != nil {
		return xerrors.Errorf("cannot determine manufactured status: %w", err)
	}
	if manufactured {
		if err := d.lib.SetNVAvailable(); err != nil {
			return xerrors.Errorf("cannot mark NV available: %w", err)
		}
		return nil
	}

	// This wipes out the library's persistent state.
	d.log.Info("manufacturing TPM")
	if err := d.lib.Manufacture(); err != nil {
		return xerrors.Errorf("cannot manufacture TPM: %w", err)
	}
	if err := d.lib.Init(); err != nil {
		return xerrors.Errorf("cannot initialize library after manufacture: %w", err)
	}
	if err := d.lib.SetNVAvailable(); err != nil {
		return xerrors.Errorf("cannot mark NV available: %w", err)
	}
	if err := d.hooks.Endorse(); err != nil {
		return xerrors.Errorf("cannot endorse TPM: %w", err)
	}
	return nil
}

// Initialized indicates whether the TPM has been initialized at least once.
func (d *Device) Initialized() bool {
	return d.initialized.Load()
}
