// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package merge

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gomlx/netmerge/pkg/core/netdef"
)

// ReservedToken separates an original name from its graph index in merged names.
// Input graphs may not use it in any operation or tensor name.
const ReservedToken = "_nidx_"

// DefaultIndexWidth is the number of (zero-padded) digits of the graph index in merged names.
// With the default a merge takes at most 100 graphs.
const DefaultIndexWidth = 2

// GraphID identifies the input graph an operation or tensor came from, by its position in the merge.
type GraphID int

// SharedGraph is the GraphID of names shared by all graphs: data sources and the tensors they produce.
const SharedGraph GraphID = -1

// String implements fmt.Stringer.
func (id GraphID) String() string {
	if id == SharedGraph {
		return "shared"
	}
	return fmt.Sprintf("#%d", int(id))
}

// OperationID is the identity of an operation in the merged graph: its original name plus the graph it
// belongs to. It is only flattened to a string when the merged graph is built.
type OperationID struct {
	Name  string
	Graph GraphID
}

// Flatten returns the operation name used in the merged graph, see flatten.
func (id OperationID) Flatten(width int) string {
	return flatten(id.Name, id.Graph, width)
}

// TensorID is the identity of a tensor (TensorRef) in the merged graph.
type TensorID struct {
	Name  string
	Graph GraphID
}

// Flatten returns the tensor name used in the merged graph, see flatten.
func (id TensorID) Flatten(width int) string {
	return flatten(id.Name, id.Graph, width)
}

// flatten converts a (name, graph) pair into "{name}_nidx_{graph:0<width>d}", or name itself for shared names.
//
// It is injective as long as names don't contain the ReservedToken: the original name is everything
// before the last occurrence of the token, and the digits after it are the graph index.
func flatten(name string, graph GraphID, width int) string {
	if graph == SharedGraph {
		return name
	}
	return fmt.Sprintf("%s%s%0*d", name, ReservedToken, width, int(graph))
}

// Renamer is the name-rewrite function of one input graph.
//
// It is the identity on data-source operation names and on the tensors produced by the graph's data sources,
// and scopes every other operation and tensor name to the graph.
type Renamer struct {
	graph       GraphID
	width       int
	dataTensors map[string]bool
}

func newRenamer(g *netdef.Graph, graph GraphID, width int) *Renamer {
	r := &Renamer{graph: graph, width: width, dataTensors: make(map[string]bool)}
	for name := range g.DataTensors() {
		r.dataTensors[name] = true
	}
	return r
}

// Graph returns the GraphID this Renamer scopes names to.
func (r *Renamer) Graph() GraphID {
	return r.graph
}

// OperationID returns the merged identity of op.
func (r *Renamer) OperationID(op *netdef.Operation) OperationID {
	if op.IsDataSource() {
		return OperationID{Name: op.Name, Graph: SharedGraph}
	}
	return OperationID{Name: op.Name, Graph: r.graph}
}

// TensorID returns the merged identity of the tensor name.
func (r *Renamer) TensorID(name string) TensorID {
	if r.dataTensors[name] {
		return TensorID{Name: name, Graph: SharedGraph}
	}
	return TensorID{Name: name, Graph: r.graph}
}

// TensorName returns the merged name of the tensor.
func (r *Renamer) TensorName(name string) string {
	return r.TensorID(name).Flatten(r.width)
}

// OperationName returns the merged name of a non-data-source operation with the given name.
// Data-source names are never rewritten, use OperationID for those.
func (r *Renamer) OperationName(name string) string {
	return OperationID{Name: name, Graph: r.graph}.Flatten(r.width)
}

// Rename returns a new operation with its name and all its tensor names rewritten.
// All other fields are copied verbatim, and op itself is not modified.
func (r *Renamer) Rename(op *netdef.Operation) *netdef.Operation {
	renamed := op.Clone()
	renamed.Name = r.OperationID(op).Flatten(r.width)
	for ii, name := range renamed.Inputs {
		renamed.Inputs[ii] = r.TensorName(name)
	}
	for ii, name := range renamed.Outputs {
		renamed.Outputs[ii] = r.TensorName(name)
	}
	return renamed
}

// StripIndex undoes the renaming of a merged name: it returns the original name and the graph index.
// For names without the ReservedToken (shared names) it returns the name itself and SharedGraph.
func StripIndex(merged string) (name string, graph GraphID) {
	pos := strings.LastIndex(merged, ReservedToken)
	if pos < 0 {
		return merged, SharedGraph
	}
	idx, err := strconv.Atoi(merged[pos+len(ReservedToken):])
	if err != nil || idx < 0 {
		return merged, SharedGraph
	}
	return merged[:pos], GraphID(idx)
}
