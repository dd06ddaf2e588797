// Copyright 2024 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package main

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/canonical/go-tpm2-fifo/config"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "tpm2-fifo",
		Short:        "TPM2 FIFO interface emulator",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().String("config-dir", config.DefaultConfigDir, "Directory containing config.yaml")
	config.AddFlags(cmd.PersistentFlags())

	cmd.AddCommand(
		newServeCmd(),
		newScriptCmd(),
		newConfigCmd(),
		newVersionCmd())
	return cmd
}

// loadConfig loads the configuration for cmd, applying any flags that were
// supplied on the command line.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	dir, err := cmd.Flags().GetString("config-dir")
	if err != nil {
		return nil, err
	}
	return config.Load(dir, cmd.Flags())
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

// newLogger returns a logger for cfg that writes to w, with colours if w is
// a terminal.
func newLogger(cfg *config.Config, w io.Writer) (*logrus.Logger, error) {
	l, err := cfg.Logger()
	if err != nil {
		return nil, err
	}
	l.SetOutput(w)
	tty := isTerminal(w)
	l.SetFormatter(&logrus.TextFormatter{
		ForceColors:   tty,
		DisableColors: !tty,
		FullTimestamp: true})
	return l, nil
}
