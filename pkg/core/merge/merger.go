// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package merge combines N independently defined network graphs into a single graph where all of them
// run side by side, sharing only their data sources.
//
// Every operation and tensor name of graph j is rewritten as "{name}_nidx_{j:02d}" (see ReservedToken and
// DefaultIndexWidth), so intra-graph edges are preserved exactly and no edge can cross graphs. Data-source
// operations and the tensors they produce are not renamed: all graphs keep reading from their
// configured sources, and identical data sources defined by several graphs are emitted only once.
//
// Because each sub-graph of the merged graph keeps exactly the operations and connectivity it had
// standalone, training the merged graph is numerically equivalent to training each graph independently.
//
// Example:
//
//	merger := merge.Build().IndexWidth(2).Name("ensemble").NormalizePhases(true).MustDone()
//	merged, err := merger.Merge(g0, g1)
//
// Or, from files, with nothing written unless the merge succeeds:
//
//	err := merge.MergeFiles(merger, []string{"a.hcl", "b.hcl"}, "merged.hcl")
package merge

import (
	"fmt"
	"slices"

	"github.com/gomlx/netmerge/pkg/core/netdef"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Config for a Merger. Create it with Build, set the options and call Done.
type Config struct {
	width     int
	name      string
	normalize bool
	err       error
}

// Build returns a configuration for a Merger with the default options: DefaultIndexWidth digits for the
// graph index, merged graph named after the first graph, and no phase normalization.
func Build() *Config {
	return &Config{width: DefaultIndexWidth}
}

// IndexWidth sets the number of digits used for the graph index in merged names.
// A merge with width w accepts at most 10^w graphs.
func (c *Config) IndexWidth(width int) *Config {
	if width < 1 && c.err == nil {
		c.err = errors.Errorf("merge.Config.IndexWidth(%d): width must be >= 1", width)
	}
	c.width = width
	return c
}

// Name sets the name of the merged graph. If empty (the default), "{first graph name}_merged" is used.
func (c *Config) Name(name string) *Config {
	c.name = name
	return c
}

// NormalizePhases configures whether NormalizePhases is applied to every input graph before merging.
func (c *Config) NormalizePhases(enable bool) *Config {
	c.normalize = enable
	return c
}

// Done returns the configured Merger, or an error if the configuration is invalid.
func (c *Config) Done() (*Merger, error) {
	if c.err != nil {
		return nil, c.err
	}
	return &Merger{width: c.width, name: c.name, normalize: c.normalize}, nil
}

// MustDone returns the configured Merger, or panics if the configuration is invalid.
func (c *Config) MustDone() *Merger {
	m, err := c.Done()
	if err != nil {
		panic(errors.WithMessage(err, "failed to create merge.Merger"))
	}
	return m
}

// Merger merges network graphs. It holds no state besides its configuration and can be used concurrently.
//
// Create it with Build. The zero value is usable and merges with DefaultIndexWidth, the name derived from
// the first graph and no phase normalization.
type Merger struct {
	width     int
	name      string
	normalize bool
}

// Merge merges graphs with the default configuration. See Merger.Merge.
func Merge(graphs ...*netdef.Graph) (*netdef.Graph, error) {
	return Build().MustDone().Merge(graphs...)
}

// String implements fmt.Stringer.
func (m *Merger) String() string {
	return fmt.Sprintf("merge.Merger(width=%d, name=%q, normalize=%v)", m.indexWidth(), m.name, m.normalize)
}

// indexWidth returns the configured width, or DefaultIndexWidth if it was left unset.
func (m *Merger) indexWidth() int {
	if m.width == 0 {
		return DefaultIndexWidth
	}
	return m.width
}

// Merge returns a new graph with the operations of all graphs, renamed and concatenated in order.
// The input graphs are not modified.
//
// It fails with:
//
//   - EmptyInputError if no graph is given.
//   - PhaseBindingError if a data source's TRAIN/TEST binding is ambiguous within a graph, or bound
//     with different phase conventions across graphs (or if phase normalization fails).
//   - netdef.MalformedDefinitionError if a graph breaks the naming invariants (see netdef.Graph.Validate).
//   - ReservedTokenError or NameCollisionError from the Resolver.
func (m *Merger) Merge(graphs ...*netdef.Graph) (*netdef.Graph, error) {
	if len(graphs) == 0 {
		return nil, errors.WithStack(&EmptyInputError{})
	}
	if m.normalize {
		normalized := make([]*netdef.Graph, len(graphs))
		for ii, g := range graphs {
			var err error
			normalized[ii], err = normalizePhases(g, GraphID(ii))
			if err != nil {
				return nil, err
			}
		}
		graphs = normalized
	}
	if err := checkPhaseBindings(graphs); err != nil {
		return nil, err
	}
	for ii, g := range graphs {
		if err := g.Validate(); err != nil {
			return nil, errors.WithMessagef(err, "graph #%d (%q)", ii, g.Name)
		}
	}

	renamers, err := NewResolver(m.indexWidth()).Resolve(graphs)
	if err != nil {
		return nil, err
	}

	merged := netdef.NewGraph(m.name)
	if merged.Name == "" {
		merged.Name = graphs[0].Name + "_merged"
	}
	merged.Attributes = graphs[0].Attributes.Clone()

	type sharedKey struct {
		name   string
		phases string
	}
	emitted := make(map[sharedKey]bool)
	var numShared int
	for ii, g := range graphs {
		renamer := renamers[ii]
		for _, op := range g.Operations {
			if op.IsDataSource() {
				key := sharedKey{name: op.Name, phases: fmt.Sprint(op.Phases)}
				if emitted[key] {
					// Identical definition already emitted by an earlier graph, see Resolver.
					klog.V(1).Infof("merge: graph #%d shares data source %q", ii, op.Name)
					continue
				}
				emitted[key] = true
				numShared++
			}
			merged.Operations = append(merged.Operations, renamer.Rename(op))
		}
	}

	if err := merged.Validate(); err != nil {
		return nil, errors.WithMessage(err, "merged graph is invalid")
	}
	klog.V(1).Infof("merge: %d graphs merged into %q: %d operations (%d data sources)",
		len(graphs), merged.Name, len(merged.Operations), numShared)
	return merged, nil
}

// checkPhaseBindings verifies that every data source name is bound to phases unambiguously within each graph,
// and with the same convention in all graphs that use it.
func checkPhaseBindings(graphs []*netdef.Graph) error {
	type binding struct {
		graph  GraphID
		phases [][]netdef.Phase
	}
	conventions := make(map[string]binding)
	for ii, g := range graphs {
		graph := GraphID(ii)
		var names []string
		phasesByName := make(map[string][][]netdef.Phase)
		for _, op := range g.Operations {
			if !op.IsDataSource() {
				continue
			}
			if _, found := phasesByName[op.Name]; !found {
				names = append(names, op.Name)
			}
			phasesByName[op.Name] = append(phasesByName[op.Name], op.Phases)
		}

		for _, name := range names {
			bound := phasesByName[name]
			if len(bound) > 1 {
				seen := make(map[netdef.Phase]bool)
				for _, phases := range bound {
					if len(phases) == 0 {
						return phaseBindingf(graph, name,
							"defined %d times, but one of the definitions is not bound to any phase", len(bound))
					}
					for _, phase := range phases {
						if seen[phase] {
							return phaseBindingf(graph, name, "defined more than once for phase %s", phase)
						}
						seen[phase] = true
					}
				}
			}
			slices.SortFunc(bound, func(a, b []netdef.Phase) int { return slices.Compare(a, b) })
			prev, found := conventions[name]
			if !found {
				conventions[name] = binding{graph: graph, phases: bound}
				continue
			}
			if !slices.EqualFunc(prev.phases, bound, func(a, b []netdef.Phase) bool { return slices.Equal(a, b) }) {
				return phaseBindingf(graph, name, "bound to phases %v, but graph %s binds it to %v",
					bound, prev.graph, prev.phases)
			}
		}
	}
	return nil
}

func isMalformed(err error) bool {
	var malformed *netdef.MalformedDefinitionError
	return errors.As(err, &malformed)
}
