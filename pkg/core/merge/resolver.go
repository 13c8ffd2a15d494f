// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package merge

import (
	"fmt"
	"math"
	"strings"

	"github.com/gomlx/netmerge/pkg/core/netdef"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Resolver computes, for a sequence of graphs, the name-rewrite function (Renamer) of each graph,
// guaranteeing that no two distinct operations or produced tensors of the merged graph share a name.
type Resolver struct {
	width int
}

// NewResolver returns a Resolver that uses width digits for the graph index. It panics if width < 1.
func NewResolver(width int) *Resolver {
	if width < 1 {
		panic(errors.Errorf("merge.NewResolver(width=%d): index width must be >= 1", width))
	}
	return &Resolver{width: width}
}

// MaxGraphs returns the maximum number of graphs the Resolver can disambiguate.
func (r *Resolver) MaxGraphs() int {
	if r.width >= 18 {
		return math.MaxInt
	}
	return int(math.Pow10(r.width))
}

// Resolve returns one Renamer per graph, in the same order.
//
// It fails with:
//
//   - EmptyInputError if no graph is given.
//   - ReservedTokenError if any operation or tensor name already contains ReservedToken. This is
//     checked before anything is renamed.
//   - NameCollisionError if there are more graphs than the index width allows, or if after renaming
//     two distinct operations (or two distinct producers of a tensor) end up with the same name. The
//     latter can only happen with data sources, which are not renamed: a data source (or a tensor
//     it produces) may only appear in more than one graph if the definitions are identical.
func (r *Resolver) Resolve(graphs []*netdef.Graph) ([]*Renamer, error) {
	if len(graphs) == 0 {
		return nil, errors.WithStack(&EmptyInputError{})
	}
	if len(graphs) > r.MaxGraphs() {
		return nil, errors.WithStack(&NameCollisionError{
			Name:        flatten("*", GraphID(r.MaxGraphs()), r.width),
			FirstGraph:  GraphID(0),
			SecondGraph: GraphID(len(graphs) - 1),
			Detail: fmt.Sprintf("%d graphs exceed the %d-digit graph index (max %d graphs)",
				len(graphs), r.width, r.MaxGraphs()),
		})
	}
	for ii, g := range graphs {
		if err := checkReservedToken(g, GraphID(ii)); err != nil {
			return nil, err
		}
	}

	renamers := make([]*Renamer, len(graphs))
	for ii, g := range graphs {
		renamers[ii] = newRenamer(g, GraphID(ii), r.width)
	}
	if err := r.checkCollisions(graphs, renamers); err != nil {
		return nil, err
	}
	return renamers, nil
}

func checkReservedToken(g *netdef.Graph, graph GraphID) error {
	for _, op := range g.Operations {
		if strings.Contains(op.Name, ReservedToken) {
			return errors.WithStack(&ReservedTokenError{Graph: graph, Operation: op.Name, Name: op.Name})
		}
		for _, tensors := range [][]string{op.Inputs, op.Outputs} {
			for _, name := range tensors {
				if strings.Contains(name, ReservedToken) {
					return errors.WithStack(&ReservedTokenError{Graph: graph, Operation: op.Name, Name: name})
				}
			}
		}
	}
	return nil
}

// owner of a name in the merged graph.
type owner struct {
	graph GraphID
	op    *netdef.Operation
}

// sameSharedSource returns whether a and b are the same data source, defined in (possibly) different graphs.
func sameSharedSource(a, b *netdef.Operation) bool {
	return a.IsDataSource() && b.IsDataSource() && a.Equal(b)
}

// phasesOverlap returns whether there is a phase in which both operations are active.
func phasesOverlap(a, b *netdef.Operation) bool {
	for _, phase := range netdef.AllPhases {
		if a.ActiveIn(phase) && b.ActiveIn(phase) {
			return true
		}
	}
	return false
}

func (r *Resolver) checkCollisions(graphs []*netdef.Graph, renamers []*Renamer) error {
	opOwners := make(map[string][]owner)
	tensorOwners := make(map[string]owner)
	for ii, g := range graphs {
		graph := GraphID(ii)
		renamer := renamers[ii]
		for _, op := range g.Operations {
			name := renamer.OperationID(op).Flatten(r.width)
			for _, prev := range opOwners[name] {
				if prev.graph == graph {
					// Same graph: only data sources bound to disjoint phases share names, see netdef.Graph.Validate.
					continue
				}
				if phasesOverlap(prev.op, op) && !sameSharedSource(prev.op, op) {
					return errors.WithStack(&NameCollisionError{
						Name: name, FirstGraph: prev.graph, SecondGraph: graph,
						Detail: "data sources with the same name must have identical definitions to be shared",
					})
				}
			}
			opOwners[name] = append(opOwners[name], owner{graph: graph, op: op})

			for _, tensor := range op.Outputs {
				tensorName := renamer.TensorName(tensor)
				prev, found := tensorOwners[tensorName]
				if !found || prev.graph == graph {
					tensorOwners[tensorName] = owner{graph: graph, op: op}
					continue
				}
				if !op.IsDataSource() || !prev.op.IsDataSource() || prev.op.Name != op.Name {
					return errors.WithStack(&NameCollisionError{
						Name: tensorName, FirstGraph: prev.graph, SecondGraph: graph,
						Detail: fmt.Sprintf("tensor produced by both %q and %q", prev.op.Name, op.Name),
					})
				}
			}
		}
	}
	if klog.V(2).Enabled() {
		klog.Infof("merge.Resolver: %d graphs, %d operation names, %d produced tensors, no collisions",
			len(graphs), len(opOwners), len(tensorOwners))
	}
	return nil
}
