// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// netmerge merges independently defined network graphs into one, and trains or inspects them with the
// reference runtime.
//
// Example:
//
//	netmerge merge -o ensemble.hcl a.hcl b.hcl
//	netmerge train --solver solver.hcl --steps 1000 --store ~/snapshots --save ensemble --progress
//	netmerge compare --store ~/snapshots --graph 1 b ensemble
//
// Logging is controlled with the klog flags, e.g. "-v=1".
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gomlx/netmerge/pkg/core/merge"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, diagnostic(err))
		klog.Flush()
		os.Exit(1)
	}
	klog.Flush()
}

// newRootCmd creates the command tree. A new tree is created for every execution, so flags don't leak
// between runs.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "netmerge",
		Short:         "Merge network graphs so they train side by side",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	klogFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(klogFlags)
	rootCmd.PersistentFlags().AddGoFlagSet(klogFlags)

	rootCmd.AddCommand(
		newMergeCmd(),
		newNormalizeCmd(),
		newInspectCmd(),
		newTrainCmd(),
		newCompareCmd(),
	)
	return rootCmd
}

// diagnostic formats err for the user, prefixed by the kind of merge failure when there is one.
func diagnostic(err error) string {
	if kind := merge.Kind(err); kind != "" {
		return fmt.Sprintf("%s: %v", kind, err)
	}
	return fmt.Sprintf("Error: %v", err)
}
