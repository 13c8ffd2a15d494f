// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package netdef

import (
	"fmt"
	"slices"
)

// Operation is one node of a computation graph (a "layer"): named, typed, with declared input
// and output tensor names (TensorRefs). Two operations are connected iff one's output equals
// (exact, case-sensitive) the other's input.
type Operation struct {
	// Name of the operation, unique within its graph (see Graph.Validate for the data-source exception).
	Name string

	// Type tag, e.g. "InnerProduct" or "Data".
	Type string

	// Kind is resolved from Type when the operation is created or parsed.
	Kind Kind

	// Inputs ("bottom") and Outputs ("top") tensor names, in order.
	Inputs, Outputs []string

	// Phases filter: the operation is only active in the listed phases. Empty means all phases.
	Phases []Phase

	// Params holds the type-specific parameters, opaque to the transform.
	Params *Params
}

// NewOperation creates an operation of the given type, with its Kind resolved from the type.
func NewOperation(name, opType string) *Operation {
	return &Operation{
		Name:   name,
		Type:   opType,
		Kind:   KindOf(opType),
		Params: NewParams(),
	}
}

// WithInputs sets the inputs of the operation and returns it, for chaining.
func (op *Operation) WithInputs(inputs ...string) *Operation {
	op.Inputs = slices.Clone(inputs)
	return op
}

// WithOutputs sets the outputs of the operation and returns it, for chaining.
func (op *Operation) WithOutputs(outputs ...string) *Operation {
	op.Outputs = slices.Clone(outputs)
	return op
}

// WithPhases sets the phase filter of the operation and returns it, for chaining.
func (op *Operation) WithPhases(phases ...Phase) *Operation {
	op.Phases = canonicalPhases(phases)
	return op
}

// WithParams sets the parameters bag of the operation and returns it, for chaining.
func (op *Operation) WithParams(params *Params) *Operation {
	op.Params = params
	return op
}

// IsDataSource returns whether the operation injects external data into the graph.
func (op *Operation) IsDataSource() bool {
	return op.Kind == KindDataSource
}

// ActiveIn returns whether the operation runs in the given phase.
func (op *Operation) ActiveIn(phase Phase) bool {
	return len(op.Phases) == 0 || slices.Contains(op.Phases, phase)
}

// Clone returns a deep copy of the operation.
func (op *Operation) Clone() *Operation {
	return &Operation{
		Name:    op.Name,
		Type:    op.Type,
		Kind:    op.Kind,
		Inputs:  slices.Clone(op.Inputs),
		Outputs: slices.Clone(op.Outputs),
		Phases:  slices.Clone(op.Phases),
		Params:  op.Params.Clone(),
	}
}

// Equal returns whether both operations are structurally equal.
func (op *Operation) Equal(o *Operation) bool {
	return op.Name == o.Name && op.Type == o.Type && op.Kind == o.Kind &&
		slices.Equal(op.Inputs, o.Inputs) && slices.Equal(op.Outputs, o.Outputs) &&
		slices.Equal(op.Phases, o.Phases) && op.Params.Equal(o.Params)
}

// String implements fmt.Stringer.
func (op *Operation) String() string {
	s := fmt.Sprintf("%s(%q: %v -> %v)", op.Type, op.Name, op.Inputs, op.Outputs)
	if len(op.Phases) > 0 {
		s += fmt.Sprintf("@%v", op.Phases)
	}
	return s
}
