// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package merge

import (
	"slices"
	"strings"

	"github.com/gomlx/netmerge/pkg/core/netdef"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// PhaseSuffixSeparator separates a data source name (or one of its output tensors) from the phase it was
// built for, in graphs that follow the suffix convention: e.g. "mnist__TRAIN" and "mnist__TEST".
const PhaseSuffixSeparator = "__"

// PhaseSuffix returns the suffix used for phase in the suffix convention, e.g. "__TRAIN".
func PhaseSuffix(phase netdef.Phase) string {
	return PhaseSuffixSeparator + phase.String()
}

// splitPhaseSuffix returns name without its phase suffix, and the phase. ok is false if name carries no suffix.
func splitPhaseSuffix(name string) (base string, phase netdef.Phase, ok bool) {
	for _, phase = range netdef.AllPhases {
		if base, ok = strings.CutSuffix(name, PhaseSuffix(phase)); ok {
			return base, phase, true
		}
	}
	return name, netdef.PhaseTrain, false
}

// NormalizePhases returns a copy of g where data sources built with the suffix convention (a TRAIN/TEST
// pair of operations named "X__TRAIN" and "X__TEST", optionally with their outputs suffixed the same way)
// are renamed to the single logical source "X", bound to their phase by the phase filter only.
// References to the suffixed outputs anywhere in the graph are rewritten accordingly.
//
// It returns a PhaseBindingError if the convention is not followed unambiguously: a suffixed data source
// whose phase filter isn't exactly the phase of its suffix, a missing or duplicate partner, partners with
// different outputs, or a stripped name that is already used by another operation or tensor.
//
// NormalizePhases is idempotent, and g is not modified.
func NormalizePhases(g *netdef.Graph) (*netdef.Graph, error) {
	return normalizePhases(g, GraphID(0))
}

// suffixedPair holds the TRAIN and TEST definitions of one logical data source.
type suffixedPair struct {
	base string
	ops  [netdef.NumPhases]*netdef.Operation
}

func normalizePhases(g *netdef.Graph, graph GraphID) (*netdef.Graph, error) {
	normalized := g.Clone()

	var pairs []*suffixedPair
	pairsByBase := make(map[string]*suffixedPair)
	renamedTensors := make(map[string]string)
	for _, op := range normalized.Operations {
		if !op.IsDataSource() {
			continue
		}
		base, phase, ok := splitPhaseSuffix(op.Name)
		if !ok {
			continue
		}
		if base == "" {
			return nil, phaseBindingf(graph, op.Name, "nothing left of the name after removing the phase suffix")
		}
		if _, _, again := splitPhaseSuffix(base); again {
			return nil, phaseBindingf(graph, op.Name, "name carries more than one phase suffix")
		}
		if !slices.Equal(op.Phases, []netdef.Phase{phase}) {
			return nil, phaseBindingf(graph, op.Name, "suffix %q requires the phase filter to be exactly [%s], got %v",
				PhaseSuffix(phase), phase, op.Phases)
		}
		pair := pairsByBase[base]
		if pair == nil {
			pair = &suffixedPair{base: base}
			pairsByBase[base] = pair
			pairs = append(pairs, pair)
		}
		if pair.ops[phase] != nil {
			return nil, phaseBindingf(graph, op.Name, "defined more than once")
		}
		pair.ops[phase] = op

		for ii, output := range op.Outputs {
			stripped, outputPhase, ok := splitPhaseSuffix(output)
			if !ok {
				continue
			}
			if outputPhase != phase {
				return nil, phaseBindingf(graph, op.Name, "output %q is suffixed with a different phase", output)
			}
			renamedTensors[output] = stripped
			op.Outputs[ii] = stripped
		}
		op.Name = base
	}
	if len(pairs) == 0 {
		return normalized, nil
	}

	for _, pair := range pairs {
		for _, phase := range netdef.AllPhases {
			if pair.ops[phase] == nil {
				return nil, phaseBindingf(graph, pair.base+PhaseSuffix(phase),
					"missing, but it is required to pair %q", pair.base+PhaseSuffix(phase.Other()))
			}
		}
		train, test := pair.ops[netdef.PhaseTrain], pair.ops[netdef.PhaseTest]
		if !slices.Equal(train.Outputs, test.Outputs) {
			return nil, phaseBindingf(graph, pair.base, "TRAIN outputs %q and TEST outputs %q differ after removing the suffix",
				train.Outputs, test.Outputs)
		}
	}

	// Stripped names must not clash with anything else in the graph.
	paired := make(map[*netdef.Operation]bool)
	for _, pair := range pairs {
		for _, op := range pair.ops {
			paired[op] = true
		}
	}
	strippedTensors := make(map[string]bool, len(renamedTensors))
	for _, stripped := range renamedTensors {
		strippedTensors[stripped] = true
	}
	for _, op := range normalized.Operations {
		if paired[op] {
			continue
		}
		if pair, found := pairsByBase[op.Name]; found {
			return nil, phaseBindingf(graph, pair.base, "normalized name is already used by a %q operation", op.Type)
		}
		for ii, output := range op.Outputs {
			if strippedTensors[output] {
				return nil, phaseBindingf(graph, op.Name,
					"normalized tensor name %q is already produced by operation %q", output, op.Name)
			}
			stripped, found := renamedTensors[output]
			if !found {
				continue
			}
			if !slices.Contains(op.Inputs, output) {
				return nil, phaseBindingf(graph, op.Name,
					"tensor %q is produced both by the data source and by operation %q", output, op.Name)
			}
			// In-place operation on a suffixed data tensor.
			op.Outputs[ii] = stripped
		}
	}

	for _, op := range normalized.Operations {
		for ii, input := range op.Inputs {
			if stripped, found := renamedTensors[input]; found {
				op.Inputs[ii] = stripped
			}
		}
	}
	if klog.V(1).Enabled() {
		klog.Infof("merge: graph %s (%q): normalized %d phase-suffixed data sources, %d tensors renamed",
			graph, g.Name, len(pairs), len(renamedTensors))
	}
	if err := normalized.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "graph %s (%q) after phase normalization", graph, g.Name)
	}
	return normalized, nil
}
