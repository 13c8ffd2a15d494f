// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/gomlx/netmerge/pkg/core/merge"
	"github.com/gomlx/netmerge/pkg/ml/equivalence"
	"github.com/gomlx/netmerge/pkg/ml/snapshot"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newCompareCmd() *cobra.Command {
	var (
		storeDir    string
		stripSuffix bool
		graph       int
	)
	cmd := &cobra.Command{
		Use:   "compare --store DIR WANT GOT",
		Short: "Check that two snapshots hold bit-identical parameters",
		Long: "Check that every operation of snapshot WANT is in snapshot GOT with bit-identical parameters.\n\n" +
			"To compare a standalone network with its copy in a merged one, use --graph with the index of the network " +
			"in the merge, or --strip-suffix if the merged snapshot has a single network.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if storeDir == "" {
				return errors.New("no snapshot store given, use --store")
			}
			store, err := snapshot.NewStore(storeDir)
			if err != nil {
				return err
			}
			want, err := store.Load(args[0])
			if err != nil {
				return err
			}
			got, err := store.Load(args[1])
			if err != nil {
				return err
			}
			if stripSuffix || graph >= 0 {
				if got, err = stripMergeIndex(got, merge.GraphID(graph)); err != nil {
					return err
				}
			}
			report := equivalence.Compare(want, got)
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), report)
			if !report.Equal() {
				return errors.Errorf("snapshots %q and %q are not equivalent", args[0], args[1])
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&storeDir, "store", "", "Directory of the snapshot store.")
	flags.BoolVar(&stripSuffix, "strip-suffix", false, "Remove the merge index from the operation names of GOT.")
	flags.IntVar(&graph, "graph", -1, "Only compare the operations of GOT from this merged graph, with the merge index removed.")
	return cmd
}

// stripMergeIndex returns snap with the merge index removed from the operation names. If graph is not
// merge.SharedGraph, only the operations of that graph are kept.
func stripMergeIndex(snap *snapshot.Snapshot, graph merge.GraphID) (*snapshot.Snapshot, error) {
	names := make([]string, 0, snap.Len())
	for _, name := range snap.Names() {
		if _, id := merge.StripIndex(name); graph == merge.SharedGraph || id == graph {
			names = append(names, name)
		}
	}
	selected, err := snap.Select(names...)
	if err != nil {
		return nil, err
	}
	return selected.Rename(func(name string) string {
		stripped, _ := merge.StripIndex(name)
		return stripped
	})
}
