// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/netmerge/pkg/core/merge"
	"github.com/gomlx/netmerge/pkg/core/netdef"
	"github.com/gomlx/netmerge/pkg/ml/runtime"
	"github.com/gomlx/netmerge/pkg/support/sets"
	"github.com/spf13/cobra"
)

func newInspectCmd() *cobra.Command {
	var withParams bool
	cmd := &cobra.Command{
		Use:   "inspect [--params] FILE",
		Short: "Print a summary and the operations of a network definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := netdef.ParseFile(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintln(out, titleStyle.Render("Summary"))
			_, _ = fmt.Fprintln(out, summaryTable(args[0], g).String())
			_, _ = fmt.Fprintln(out, titleStyle.Render("Operations"))
			_, _ = fmt.Fprintln(out, operationsTable(g, withParams).String())
			return nil
		},
	}
	cmd.Flags().BoolVar(&withParams, "params", false, "Include the parameters of each operation.")
	return cmd
}

func summaryTable(path string, g *netdef.Graph) *table {
	t := newPlainTable(lipgloss.Right, lipgloss.Left)
	t.Row(false, "file", path)
	t.Row(false, "name", g.Name)
	var numDataSources int
	tensors := sets.Make[string]()
	graphs := sets.Make[merge.GraphID]()
	for _, op := range g.Operations {
		if op.IsDataSource() {
			numDataSources++
		}
		tensors.Insert(op.Inputs...)
		tensors.Insert(op.Outputs...)
		if _, id := merge.StripIndex(op.Name); id != merge.SharedGraph {
			graphs.Insert(id)
		}
	}
	t.Row(false, "# operations", humanize.Comma(int64(len(g.Operations))))
	t.Row(false, "# data sources", humanize.Comma(int64(numDataSources)))
	t.Row(false, "# tensors", humanize.Comma(int64(len(tensors))))
	t.Row(false, "data tensors", strings.Join(sets.Sorted(g.DataTensors()), ", "))
	if len(graphs) > 0 {
		t.Row(false, "# merged graphs", humanize.Comma(int64(len(graphs))))
	}
	for _, phase := range netdef.AllPhases {
		t.Row(false, fmt.Sprintf("# parameters (%s)", phase), countParameters(g, phase))
	}
	return t
}

// countParameters returns the humanized number of learnable values of g in phase, or the reason the
// reference runtime can't instantiate it.
func countParameters(g *netdef.Graph, phase netdef.Phase) string {
	net, err := runtime.New(g, phase)
	if err != nil {
		return "n/a: " + firstLine(err.Error())
	}
	return humanize.Comma(int64(net.Snapshot().NumValues()))
}

func firstLine(s string) string {
	if pos := strings.IndexByte(s, '\n'); pos >= 0 {
		return s[:pos]
	}
	return s
}

// operationsTable lists the operations of g, with data sources highlighted.
func operationsTable(g *netdef.Graph, withParams bool) *table {
	t := newPlainTable(lipgloss.Right, lipgloss.Left)
	headers := []string{"#", "Name", "Graph", "Type", "Phases", "Inputs", "Outputs"}
	if withParams {
		headers = append(headers, "Params")
	}
	t.Headers(headers...)
	for ii, op := range g.Operations {
		_, id := merge.StripIndex(op.Name)
		phases := "all"
		if len(op.Phases) > 0 {
			names := make([]string, len(op.Phases))
			for jj, phase := range op.Phases {
				names[jj] = phase.String()
			}
			phases = strings.Join(names, ",")
		}
		row := []string{
			humanize.Comma(int64(ii)), op.Name, id.String(), op.Type, phases,
			strings.Join(op.Inputs, ", "), strings.Join(op.Outputs, ", "),
		}
		if withParams {
			row = append(row, op.Params.String())
		}
		t.Row(op.IsDataSource(), row...)
	}
	return t
}
