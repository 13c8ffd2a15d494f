// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package netdef

import (
	"slices"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Phase is the execution mode of a network: it selects which phase-filtered operations are active.
// Its String method returns the name used in the persisted format, "TRAIN" or "TEST".
type Phase int

//go:generate go tool enumer -type=Phase -trimprefix=Phase -transform=upper -output=gen_phase_enumer.go phase.go

const (
	// PhaseTrain is the training phase.
	PhaseTrain Phase = iota

	// PhaseTest is the evaluation phase.
	PhaseTest
)

// NumPhases is the number of known phases.
const NumPhases = int(PhaseTest) + 1

// AllPhases lists the known phases, in canonical order.
var AllPhases = []Phase{PhaseTrain, PhaseTest}

// Other returns the complementary phase: PhaseTest for PhaseTrain and vice versa.
func (p Phase) Other() Phase {
	if p == PhaseTrain {
		return PhaseTest
	}
	return PhaseTrain
}

// ParsePhase converts the persisted name of a phase ("TRAIN" or "TEST", case-insensitive) to a Phase.
func ParsePhase(s string) (Phase, error) {
	p, err := PhaseString(strings.ToUpper(s))
	if err != nil {
		return PhaseTrain, errors.Errorf("unknown phase %q, valid values are %s", s, strings.Join(PhaseStrings(), " and "))
	}
	return p, nil
}

// canonicalPhases returns a sorted copy of phases without duplicates.
func canonicalPhases(phases []Phase) []Phase {
	if len(phases) == 0 {
		return nil
	}
	out := slices.Clone(phases)
	slices.Sort(out)
	return slices.Compact(out)
}

// Kind is the closed set of operation categories the transform dispatches on.
// It is resolved once, from the operation type, when the operation is created or parsed.
type Kind int

//go:generate go tool enumer -type=Kind -trimprefix=Kind -output=gen_kind_enumer.go phase.go

const (
	// KindCompute is any operation that reads tensors produced by other operations.
	KindCompute Kind = iota

	// KindDataSource is an operation that injects external data (files, generated data) into the graph.
	// Data sources are parameterized by the execution phase and are shared (not renamed) when merging.
	KindDataSource
)

var (
	dataSourceTypesMu sync.RWMutex
	dataSourceTypes   = map[string]bool{
		"Data":       true,
		"ImageData":  true,
		"HDF5Data":   true,
		"MemoryData": true,
		"DummyData":  true,
		"WindowData": true,
		"Input":      true,
	}
)

// RegisterDataSourceType marks operations of the given type as data sources.
//
// It only affects operations created or parsed after the call, so it should be called
// during initialization.
func RegisterDataSourceType(opType string) {
	dataSourceTypesMu.Lock()
	defer dataSourceTypesMu.Unlock()
	dataSourceTypes[opType] = true
}

// KindOf returns the Kind of operations with the given type.
func KindOf(opType string) Kind {
	dataSourceTypesMu.RLock()
	defer dataSourceTypesMu.RUnlock()
	if dataSourceTypes[opType] {
		return KindDataSource
	}
	return KindCompute
}
