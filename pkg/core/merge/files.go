// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package merge

import (
	"github.com/gomlx/netmerge/pkg/core/netdef"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// MergeFiles parses the definitions in inputs, merges them with m (the default Merger if nil) and writes the
// merged definition to output.
//
// Everything is parsed, merged and serialized in memory before output is touched, and the output itself is
// written atomically: on any failure nothing is written.
func MergeFiles(m *Merger, inputs []string, output string) error {
	if m == nil {
		m = Build().MustDone()
	}
	if len(inputs) == 0 {
		return errors.WithStack(&EmptyInputError{})
	}
	graphs := make([]*netdef.Graph, 0, len(inputs))
	for _, path := range inputs {
		g, err := netdef.ParseFile(path)
		if err != nil {
			return err
		}
		graphs = append(graphs, g)
	}
	merged, err := m.Merge(graphs...)
	if err != nil {
		return errors.WithMessagef(err, "failed to merge %q", inputs)
	}
	if err = netdef.WriteFile(merged, output); err != nil {
		return errors.WithMessagef(err, "failed to write merged definition to %q", output)
	}
	klog.V(1).Infof("merge: wrote %q (%d operations) from %d files", output, len(merged.Operations), len(inputs))
	return nil
}

// NormalizeFile applies NormalizePhases to the definition in input and writes the result to output.
// On any failure nothing is written.
func NormalizeFile(input, output string) error {
	g, err := netdef.ParseFile(input)
	if err != nil {
		return err
	}
	normalized, err := NormalizePhases(g)
	if err != nil {
		return errors.WithMessagef(err, "failed to normalize %q", input)
	}
	return netdef.WriteFile(normalized, output)
}
