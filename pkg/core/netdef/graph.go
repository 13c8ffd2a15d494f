// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package netdef holds the in-memory model of network definitions (computation graphs of named
// operations connected by named tensors) and its persisted textual format.
//
// A Graph is an ordered list of Operation. Order only matters for deterministic
// re-serialization: by convention definitions are listed in topological order, and
// transformations preserve the relative order of the operations.
//
// The persisted format is HCL native syntax:
//
//	name = "regression"
//
//	layer "data" {
//	  type = "DummyData"
//	  top  = ["data", "target"]
//	  include { phase = "TRAIN" }
//	  dummy_data_param {
//	    shape = [[4, 3], [4, 2]]
//	  }
//	}
//
//	layer "ip" {
//	  type   = "InnerProduct"
//	  bottom = ["data"]
//	  top    = ["ip"]
//	  inner_product_param { num_output = 2 }
//	}
//
// Fields other than `type`, `bottom`, `top` and `include` are kept opaque in Operation.Params,
// so definitions round-trip through Parse and Serialize without the package having to understand
// every operation type.
package netdef

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/netmerge/pkg/support/sets"
)

// Graph is a network definition: an ordered sequence of operations plus net-level attributes.
type Graph struct {
	// Name of the network, optional.
	Name string

	// Attributes holds net-level fields other than the name, kept opaque.
	Attributes *Params

	// Operations in definition order.
	Operations []*Operation
}

// NewGraph returns an empty graph with the given name.
func NewGraph(name string) *Graph {
	return &Graph{Name: name, Attributes: NewParams()}
}

// Add appends operations to the graph and returns it, for chaining.
func (g *Graph) Add(ops ...*Operation) *Graph {
	g.Operations = append(g.Operations, ops...)
	return g
}

// Find returns the first operation with the given name, or nil if there is none.
func (g *Graph) Find(name string) *Operation {
	for _, op := range g.Operations {
		if op.Name == name {
			return op
		}
	}
	return nil
}

// DataTensors returns the set of tensors produced (owned) by data-source operations.
func (g *Graph) DataTensors() sets.Set[string] {
	owned := sets.Make[string]()
	for _, op := range g.Operations {
		if op.IsDataSource() {
			owned.Insert(op.Outputs...)
		}
	}
	return owned
}

// Clone returns a deep copy of the graph.
func (g *Graph) Clone() *Graph {
	c := &Graph{
		Name:       g.Name,
		Attributes: g.Attributes.Clone(),
		Operations: make([]*Operation, len(g.Operations)),
	}
	for ii, op := range g.Operations {
		c.Operations[ii] = op.Clone()
	}
	return c
}

// Equal returns whether both graphs are structurally equal.
func (g *Graph) Equal(o *Graph) bool {
	if g.Name != o.Name || !g.Attributes.Equal(o.Attributes) || len(g.Operations) != len(o.Operations) {
		return false
	}
	for ii, op := range g.Operations {
		if !op.Equal(o.Operations[ii]) {
			return false
		}
	}
	return true
}

// Validate checks the naming invariants of the graph:
//
//   - Every operation has a non-empty name and type, and no empty tensor names.
//   - Operation names are unique, except for data sources sharing a name (one logical source
//     bound to different phases): in that case every operation with that name must be a data
//     source with a non-empty phase filter, and the filters must be pairwise disjoint.
//   - Opaque parameters don't use the names interpreted by the persisted format: "name" and "layer"
//     in the graph attributes, "type", "bottom", "top" and "include" in the operation parameters.
//
// It returns a *MalformedDefinitionError describing the first violation found.
func (g *Graph) Validate() error {
	if name, found := reservedEntry(g.Attributes, netReservedNames); found {
		return malformedf("", "graph attribute %q uses a name reserved by the definition format", name)
	}
	byName := make(map[string][]*Operation, len(g.Operations))
	for ii, op := range g.Operations {
		if op.Name == "" {
			return malformedf("", "operation #%d has an empty name", ii)
		}
		if op.Type == "" {
			return malformedf("", "operation %q has no type", op.Name)
		}
		if name, found := reservedEntry(op.Params, layerReservedNames); found {
			return malformedf("", "operation %q: parameter %q uses a name reserved by the definition format",
				op.Name, name)
		}
		for _, tensors := range [][]string{op.Inputs, op.Outputs} {
			if slices.Contains(tensors, "") {
				return malformedf("", "operation %q has an empty tensor name", op.Name)
			}
		}
		byName[op.Name] = append(byName[op.Name], op)
	}
	for _, op := range g.Operations {
		same := byName[op.Name]
		if len(same) < 2 || same[0] != op {
			continue
		}
		seen := sets.Make[Phase]()
		for _, dup := range same {
			if !dup.IsDataSource() || len(dup.Phases) == 0 {
				return malformedf("", "operation name %q is defined %d times: only data sources bound to "+
					"disjoint phases may share a name", op.Name, len(same))
			}
			for _, phase := range dup.Phases {
				if seen.Has(phase) {
					return malformedf("", "data source %q is defined more than once for phase %s", op.Name, phase)
				}
				seen.Insert(phase)
			}
		}
	}
	return nil
}

var (
	netReservedNames   = []string{NameAttribute, LayerBlock}
	layerReservedNames = []string{TypeAttribute, InputsField, OutputsField, IncludeBlock}
)

// reservedEntry returns the name of the first top-level entry of params, attribute or block, named
// like one of reserved.
func reservedEntry(params *Params, reserved []string) (name string, found bool) {
	for _, e := range params.Entries() {
		if slices.Contains(reserved, e.Name) {
			return e.Name, true
		}
	}
	return "", false
}

// String returns a multi-line description of the graph, for debugging.
func (g *Graph) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "Graph %q (%d operations):\n", g.Name, len(g.Operations))
	for _, op := range g.Operations {
		_, _ = fmt.Fprintf(&sb, "\t%s\n", op)
	}
	return sb.String()
}
