// Copyright 2024 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package main

import (
	"context"
	"io"
	"net"
	"os"
	"os/signal"

	"github.com/hashicorp/go-multierror"
	"github.com/sanity-io/litter"
	"github.com/spf13/cobra"
	"github.com/twpayne/go-vfs"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/canonical/go-tpm2-fifo"
	"github.com/canonical/go-tpm2-fifo/bus"
	"github.com/canonical/go-tpm2-fifo/config"
	"github.com/canonical/go-tpm2-fifo/extension"
	"github.com/canonical/go-tpm2-fifo/mssim"
	"github.com/canonical/go-tpm2-fifo/nvmem"
	"github.com/canonical/go-tpm2-fifo/passthrough"
	"github.com/canonical/go-tpm2-fifo/platform"
)

// library is a fifo.Library that owns a connection.
type library interface {
	fifo.Library
	io.Closer
}

var (
	openSimulator = func(cfg *config.Config) (library, error) {
		lib, err := mssim.NewDevice(
			mssim.WithHost(cfg.Simulator.Host),
			mssim.WithPort(cfg.Simulator.Port),
			mssim.WithLocality(cfg.Simulator.Locality)).Open()
		if err != nil {
			return nil, err
		}
		return lib, nil
	}
	openHostDevice = func(cfg *config.Config, logger fifo.Logger) (library, error) {
		path := cfg.Device.Path
		if path == "" {
			dev, err := passthrough.DefaultHostDevice(vfs.OSFS)
			if err != nil {
				return nil, err
			}
			path = dev.PreferredPath()
		}
		lib, err := passthrough.Open(path, logger)
		if err != nil {
			return nil, err
		}
		return lib, nil
	}
)

func openLibrary(cfg *config.Config, logger fifo.Logger) (library, error) {
	switch cfg.Backend {
	case config.BackendMssim:
		return openSimulator(cfg)
	case config.BackendDevice:
		return openHostDevice(cfg, logger)
	default:
		return nil, xerrors.Errorf("invalid backend %q", cfg.Backend)
	}
}

// logCompanion stands in for the companion processor, which the daemon
// has no control over.
type logCompanion struct {
	log fifo.Logger
}

func (c logCompanion) HoldInReset() error {
	c.log.Info("companion held in reset")
	return nil
}

func (c logCompanion) ReleaseReset() error {
	c.log.Info("companion released from reset")
	return nil
}

// daemon is a device with its collaborators, served on the bus.
type daemon struct {
	log      fifo.Logger
	lib      library
	store    *nvmem.Store
	platform *platform.Platform
	router   *extension.Router
	dev      *fifo.Device
	server   *bus.Server
}

func newDaemon(cfg *config.Config, fs vfs.FS, lib library, logger fifo.Logger) (*daemon, error) {
	store, err := nvmem.Open(fs, cfg.Storage.Dir, nvmem.WithLogger(logger))
	if err != nil {
		return nil, xerrors.Errorf("cannot open persistent storage: %w", err)
	}

	d := &daemon{
		log:      logger,
		lib:      lib,
		store:    store,
		platform: platform.New(nvmem.NewVars(store, fifo.UserRegionPlatform), logger),
		router:   extension.NewRouter(logger)}

	opts := append(cfg.DeviceOptions(),
		fifo.WithLogger(logger),
		fifo.WithStorage(store),
		fifo.WithExtensionRouter(d.router),
		fifo.WithPlatformHooks(d.platform),
		fifo.WithCompanion(d.platform.WrapCompanion(logCompanion{log: logger.WithField("subsystem", "companion")})))
	if cfg.ImageInfo != "" {
		path := cfg.ImageInfo
		opts = append(opts, fifo.WithVersionInfo(func() fifo.VersionInfo {
			info, err := fifo.LoadVersionInfo(fs, path)
			if err != nil {
				logger.Warnf("%v", err)
			}
			return info
		}))
	}

	d.dev = fifo.NewDevice(lib, opts...)
	extension.RegisterDeviceCommands(d.router, d.dev)
	d.platform.RegisterCommands(d.router)
	d.server = bus.NewServer(d.dev, logger)
	return d, nil
}

// start starts the device and serves it on l.
func (d *daemon) start(l net.Listener) {
	d.dev.Start()
	d.server.Serve(l)
}

// stop stops serving the device, stops the device and closes the library.
func (d *daemon) stop() error {
	var err *multierror.Error
	err = multierror.Append(err, d.server.Stop())
	err = multierror.Append(err, d.dev.Stop())
	err = multierror.Append(err, d.lib.Close())
	return err.ErrorOrNil()
}

type daemonState struct {
	Registers    fifo.RegisterSnapshot
	Initialized  bool
	Version      string
	RetryCounter uint32
	BoardID      platform.BoardID
	FWMP         platform.FWMP
	Endorsed     bool
}

func (d *daemon) state() daemonState {
	return daemonState{
		Registers:    d.dev.Snapshot(),
		Initialized:  d.dev.Initialized(),
		Version:      d.dev.VersionString(),
		RetryCounter: d.platform.RetryCounter(),
		BoardID:      d.platform.BoardID(),
		FWMP:         d.platform.FWMP(),
		Endorsed:     d.platform.Endorsed()}
}

// handleSignal handles a signal other than a termination signal.
func (d *daemon) handleSignal(sig os.Signal) {
	ctx := fifo.WithInterruptContext(context.Background())
	switch sig {
	case unix.SIGHUP:
		d.log.Info("SIGHUP: requesting reset")
		if err := d.dev.RequestReset(ctx, false, false); err != nil {
			d.log.Warnf("cannot reset device: %v", err)
		}
	case unix.SIGUSR1:
		d.log.Infof("state:\n%s", litter.Sdump(d.state()))
	case unix.SIGUSR2:
		d.log.Info("SIGUSR2: reinstating persistent storage commits")
		d.dev.ReinstateCommits()
	}
}

func runServe(cmd *cobra.Command, cfg *config.Config) error {
	logger, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	lib, err := openLibrary(cfg, logger)
	if err != nil {
		return xerrors.Errorf("cannot open %s backend: %w", cfg.Backend, err)
	}

	d, err := newDaemon(cfg, vfs.OSFS, lib, logger)
	if err != nil {
		lib.Close()
		return err
	}

	l, err := net.Listen(cfg.Bus.Network, cfg.Bus.Address)
	if err != nil {
		lib.Close()
		return xerrors.Errorf("cannot listen: %w", err)
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, unix.SIGINT, unix.SIGTERM, unix.SIGHUP, unix.SIGUSR1, unix.SIGUSR2)
	defer signal.Stop(signals)

	d.start(l)

	for {
		select {
		case sig := <-signals:
			if sig == unix.SIGINT || sig == unix.SIGTERM {
				logger.Infof("%v: shutting down", sig)
				return d.stop()
			}
			d.handleSignal(sig)
		case <-d.dev.Dead():
			logger.Error("device task stopped unexpectedly")
			return d.stop()
		}
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Args:  cobra.ExactArgs(0),
		Short: "Serve an emulated TPM2 FIFO interface on the register bus",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runServe(cmd, cfg)
		},
	}
}
