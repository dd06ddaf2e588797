// Copyright 2024 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package main

import (
	"fmt"
	"runtime"

	"github.com/sanity-io/litter"
	"github.com/spf13/cobra"
)

// Set at link time.
var (
	Version   = "0.0.0-dev"
	GitCommit = ""
)

type buildInfo struct {
	Version   string
	GitCommit string
	GoVersion string
	Platform  string
}

func getBuildInfo() buildInfo {
	return buildInfo{
		Version:   Version,
		GitCommit: GitCommit,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH}
}

func newVersionCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "version",
		Args:  cobra.ExactArgs(0),
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			v := getBuildInfo()
			if long, _ := cmd.Flags().GetBool("long"); long {
				fmt.Fprintln(cmd.OutOrStdout(), litter.Sdump(v))
				return
			}
			commit := v.GitCommit
			if len(commit) > 7 {
				commit = commit[:7]
			}
			if commit == "" {
				fmt.Fprintln(cmd.OutOrStdout(), v.Version)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s+g%s\n", v.Version, commit)
			}
		},
	}
	c.Flags().Bool("long", false, "Show long version info")
	return c
}
