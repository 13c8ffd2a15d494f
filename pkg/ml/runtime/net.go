// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package runtime is a small reference training runtime for network definitions: it runs the forward and
// backward passes of a netdef.Graph on the CPU, in float64, and trains it with SGD (see Trainer and Loop).
//
// It supports only a handful of operation types (see SupportedTypes), enough to train small networks and,
// in particular, to verify that a merged graph trains exactly like its original graphs.
//
// Every computation is deterministic: the same graph, with the same initial state and the same data,
// produces bit-identical states. Operations never read state from other operations except through their
// declared inputs, so independent sub-graphs of a merged graph don't interfere with each other.
//
// All tensors are 2D: the first axis is the batch.
package runtime

import (
	"fmt"
	"hash/fnv"
	"maps"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/netmerge/pkg/core/merge"
	"github.com/gomlx/netmerge/pkg/core/netdef"
	"github.com/gomlx/netmerge/pkg/ml/snapshot"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"
)

// blob is a named tensor of the network: its values and, after Backward, the gradient of the loss with
// respect to it.
type blob struct {
	name       string
	data, diff *mat.Dense
}

func newBlob(name string, rows, cols int) *blob {
	return &blob{name: name, data: mat.NewDense(rows, cols, nil), diff: mat.NewDense(rows, cols, nil)}
}

// param is a learnable parameter of a layer.
type param struct {
	value, grad *mat.Dense

	// lrMult and decayMult scale the learning rate and weight decay of the parameter.
	lrMult, decayMult float64
}

// layer is the implementation of one operation type.
//
// Layer methods are graph building style code: they panic (with exceptions.Panicf) on errors, and the
// public methods of Net convert the panics back to errors.
type layer interface {
	// setup checks the inputs, creates the outputs (with net.output) and the parameters.
	setup(net *Net)

	// forward computes the outputs for the given step.
	forward(step int)

	// backward accumulates the gradients of the inputs and parameters, given the gradients of the outputs.
	backward()

	// params returns the learnable parameters, in a fixed order.
	params() []*param
}

// lossLayer is a layer whose (scalar) output is part of the objective.
type lossLayer interface {
	layer
	loss() float64
	lossWeight() float64
}

// layerFactory creates the layer for an operation.
type layerFactory func(op *netdef.Operation) layer

var layerFactories = map[string]layerFactory{}

// registerLayer makes a layer type available to New. It panics if typeName is already registered.
func registerLayer(typeName string, factory layerFactory) {
	if _, found := layerFactories[typeName]; found {
		exceptions.Panicf("runtime: layer type %q registered twice", typeName)
	}
	layerFactories[typeName] = factory
}

// SupportedTypes returns the sorted operation types the runtime can execute.
func SupportedTypes() []string {
	return slices.Sorted(maps.Keys(layerFactories))
}

// Net is a network definition instantiated for one phase: blobs for every tensor and the learnable
// parameters of every operation.
//
// A Net is not safe for concurrent use.
type Net struct {
	graph *netdef.Graph
	phase netdef.Phase
	seed  uint64

	ops    []*netdef.Operation
	layers []layer
	blobs  map[string]*blob

	// Parameter owners by operation name, only operations with parameters.
	paramsByOp map[string]layer
	paramNames []string

	lastLoss float64
}

// Option configures New.
type Option func(net *Net)

// WithSeed sets the seed used to derive the initial values of the parameters. The default is 0.
func WithSeed(seed uint64) Option {
	return func(net *Net) {
		net.seed = seed
	}
}

// New instantiates g for the given phase: operations whose phase filter excludes phase are skipped.
//
// Parameters are initialized with their fillers, seeded by the Net seed and the operation name. Names
// renamed by a merge (see merge.StripIndex) are seeded by their original name, so a merged graph is
// initialized exactly like its original graphs.
func New(g *netdef.Graph, phase netdef.Phase, opts ...Option) (*Net, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	net := &Net{
		graph:      g.Clone(),
		phase:      phase,
		blobs:      make(map[string]*blob),
		paramsByOp: make(map[string]layer),
	}
	for _, opt := range opts {
		opt(net)
	}
	err := exceptions.TryCatch[error](func() {
		for _, op := range net.graph.Operations {
			if !op.ActiveIn(phase) {
				continue
			}
			factory, found := layerFactories[op.Type]
			if !found {
				exceptions.Panicf("operation %q: type %q is not supported by the runtime, supported types are %q",
					op.Name, op.Type, SupportedTypes())
			}
			l := factory(op)
			l.setup(net)
			net.ops = append(net.ops, op)
			net.layers = append(net.layers, l)
			if len(l.params()) > 0 {
				net.paramsByOp[op.Name] = l
				net.paramNames = append(net.paramNames, op.Name)
			}
		}
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "runtime.New(graph %q, phase %s)", g.Name, phase)
	}
	slices.Sort(net.paramNames)
	klog.V(1).Infof("runtime: graph %q instantiated for %s: %d operations, %d with parameters, %d tensors",
		g.Name, phase, len(net.layers), len(net.paramNames), len(net.blobs))
	return net, nil
}

// Graph returns (a copy of) the graph the Net was built from.
func (net *Net) Graph() *netdef.Graph {
	return net.graph.Clone()
}

// Phase the Net was built for.
func (net *Net) Phase() netdef.Phase {
	return net.phase
}

// String implements fmt.Stringer.
func (net *Net) String() string {
	return fmt.Sprintf("runtime.Net(%q, %s)", net.graph.Name, net.phase)
}

// input returns the blob of an input tensor, which must have been produced by an earlier operation.
func (net *Net) input(op *netdef.Operation, name string) *blob {
	b, found := net.blobs[name]
	if !found {
		exceptions.Panicf("operation %q: input %q is not produced by any earlier operation active in phase %s",
			op.Name, name, net.phase)
	}
	return b
}

// output returns the blob for an output tensor, creating it with the given shape. In-place operations
// (output with the same name as an input) reuse the input blob, and the shape must match.
func (net *Net) output(op *netdef.Operation, name string, rows, cols int) *blob {
	if b, found := net.blobs[name]; found {
		if !slices.Contains(op.Inputs, name) {
			exceptions.Panicf("operation %q: output %q is already produced by another operation", op.Name, name)
		}
		if r, c := b.data.Dims(); r != rows || c != cols {
			exceptions.Panicf("operation %q: in-place output %q has shape [%d %d], expected [%d %d]",
				op.Name, name, r, c, rows, cols)
		}
		return b
	}
	b := newBlob(name, rows, cols)
	net.blobs[name] = b
	return b
}

// fillerSeed returns the seed of a parameter filler of op.
func (net *Net) fillerSeed(op *netdef.Operation, paramIdx int) uint64 {
	name, _ := merge.StripIndex(op.Name)
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%d/%s/%d", net.seed, name, paramIdx)
	return h.Sum64()
}

// Forward runs the forward pass for the given step (which selects the data of data sources) and
// returns the total weighted loss.
func (net *Net) Forward(step int) (loss float64, err error) {
	err = exceptions.TryCatch[error](func() {
		for _, l := range net.layers {
			l.forward(step)
			if ll, ok := l.(lossLayer); ok {
				loss += ll.lossWeight() * ll.loss()
			}
		}
	})
	if err != nil {
		return 0, errors.WithMessagef(err, "%s.Forward(step=%d)", net, step)
	}
	net.lastLoss = loss
	return loss, nil
}

// Backward computes the gradients of the loss of the last Forward with respect to every parameter.
func (net *Net) Backward() error {
	err := exceptions.TryCatch[error](func() {
		for _, b := range net.blobs {
			b.diff.Zero()
		}
		for _, l := range net.layers {
			for _, p := range l.params() {
				p.grad.Zero()
			}
		}
		for ii := len(net.layers) - 1; ii >= 0; ii-- {
			net.layers[ii].backward()
		}
	})
	if err != nil {
		return errors.WithMessagef(err, "%s.Backward()", net)
	}
	return nil
}

// LastLoss returns the loss computed by the last call to Forward.
func (net *Net) LastLoss() float64 {
	return net.lastLoss
}

// Blob returns a copy of the current value of a tensor, after Forward.
func (net *Net) Blob(name string) (*snapshot.Tensor, bool) {
	b, found := net.blobs[name]
	if !found {
		return nil, false
	}
	return toTensor(b.data), true
}

// ParamOperations returns the sorted names of the operations with learnable parameters.
func (net *Net) ParamOperations() []string {
	return slices.Clone(net.paramNames)
}

// State returns copies of the parameters of the operation name.
func (net *Net) State(name string) ([]*snapshot.Tensor, bool) {
	l, found := net.paramsByOp[name]
	if !found {
		return nil, false
	}
	params := l.params()
	blobs := make([]*snapshot.Tensor, len(params))
	for ii, p := range params {
		blobs[ii] = toTensor(p.value)
	}
	return blobs, true
}

// SetState sets the parameters of the operation name. The number of blobs and their shapes must match.
func (net *Net) SetState(name string, blobs ...*snapshot.Tensor) error {
	l, found := net.paramsByOp[name]
	if !found {
		return errors.Errorf("%s: no operation %q with parameters", net, name)
	}
	params := l.params()
	if len(params) != len(blobs) {
		return errors.Errorf("%s: operation %q has %d parameters, %d given", net, name, len(params), len(blobs))
	}
	for ii, p := range params {
		rows, cols := p.value.Dims()
		if shape := blobs[ii].Shape(); !slices.Equal(shape, []int{rows, cols}) {
			return errors.Errorf("%s: operation %q parameter #%d has shape [%d %d], got %v",
				net, name, ii, rows, cols, shape)
		}
	}
	for ii, p := range params {
		p.value.Copy(toDense(blobs[ii]))
	}
	return nil
}

// Snapshot returns the parameters of all operations.
func (net *Net) Snapshot() *snapshot.Snapshot {
	b := snapshot.Build()
	for _, name := range net.paramNames {
		blobs, _ := net.State(name)
		b.Set(name, blobs...)
	}
	snap, err := b.Done()
	if err != nil {
		// Names and blobs come from the Net itself.
		panic(errors.WithMessagef(err, "%s.Snapshot()", net))
	}
	return snap
}

// Restore sets the parameters of every operation in snap. It fails, without changing anything, if
// snap has an operation the Net doesn't have or if shapes don't match.
func (net *Net) Restore(snap *snapshot.Snapshot) error {
	for _, name := range snap.Names() {
		if _, found := net.paramsByOp[name]; !found {
			return errors.Errorf("%s: snapshot has operation %q, which has no parameters in the network", net, name)
		}
	}
	previous := net.Snapshot()
	for _, name := range snap.Names() {
		blobs, _ := snap.Get(name)
		if err := net.SetState(name, blobs...); err != nil {
			// Roll back the operations already set.
			for _, prevName := range previous.Names() {
				prevBlobs, _ := previous.Get(prevName)
				_ = net.SetState(prevName, prevBlobs...)
			}
			return err
		}
	}
	return nil
}

// toTensor copies a matrix to a snapshot.Tensor.
func toTensor(m *mat.Dense) *snapshot.Tensor {
	rows, cols := m.Dims()
	data := make([]float64, 0, rows*cols)
	for r := range rows {
		data = append(data, m.RawRowView(r)...)
	}
	t, err := snapshot.NewTensor([]int{rows, cols}, data)
	if err != nil {
		panic(err)
	}
	return t
}

// toDense copies a 2D tensor to a matrix.
func toDense(t *snapshot.Tensor) *mat.Dense {
	shape := t.Shape()
	return mat.NewDense(shape[0], shape[1], t.Data())
}
