// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"math"
	"testing"
	"time"

	"github.com/gomlx/netmerge/pkg/core/merge"
	"github.com/gomlx/netmerge/pkg/core/netdef"
	"github.com/gomlx/netmerge/pkg/ml/equivalence"
	"github.com/gomlx/netmerge/pkg/ml/snapshot"
	"github.com/gomlx/netmerge/pkg/ml/solver"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

func intsVal(values ...int64) cty.Value {
	elems := make([]cty.Value, len(values))
	for ii, v := range values {
		elems[ii] = cty.NumberIntVal(v)
	}
	return cty.TupleVal(elems)
}

// dataSource returns a DummyData operation with 8 examples of dimension 3 and regression targets of dimension 2.
func dataSource(name string, seed int64, phases ...netdef.Phase) *netdef.Operation {
	params := netdef.NewParams().AppendBlock("dummy_data_param", nil, netdef.NewParams().
		SetAttribute("shape", cty.TupleVal([]cty.Value{intsVal(8, 3), intsVal(8, 2)})).
		SetAttribute("seed", cty.NumberIntVal(seed)))
	return netdef.NewOperation(name, "DummyData").WithOutputs("data", "target").WithParams(params).WithPhases(phases...)
}

func innerProductOp(name, input, output string, numOutput int64) *netdef.Operation {
	params := netdef.NewParams().AppendBlock("inner_product_param", nil, netdef.NewParams().
		SetAttribute("num_output", cty.NumberIntVal(numOutput)).
		AppendBlock("weight_filler", nil, netdef.NewParams().
			SetAttribute("type", cty.StringVal(FillerGaussian)).
			SetAttribute("std", cty.NumberFloatVal(0.5))))
	return netdef.NewOperation(name, "InnerProduct").WithInputs(input).WithOutputs(output).WithParams(params)
}

// regressionGraph: data -> ip -> EuclideanLoss(ip, target).
func regressionGraph(name string) *netdef.Graph {
	return netdef.NewGraph(name).Add(
		dataSource("data", 11),
		innerProductOp("ip", "data", "ip", 2),
		netdef.NewOperation("loss", "EuclideanLoss").WithInputs("ip", "target").WithOutputs("loss"),
	)
}

func sgd() *solver.Solver {
	return &solver.Solver{Type: "SGD", BaseLR: 0.05, LRPolicy: solver.PolicyFixed, Momentum: 0.9, WeightDecay: 0.001}
}

func tensor(shape []int, data ...float64) *snapshot.Tensor {
	return must.M1(snapshot.NewTensor(shape, data))
}

func ipState(weights []float64, bias ...float64) *snapshot.Snapshot {
	return must.M1(snapshot.Build().Set("ip", tensor([]int{2, 3}, weights...), tensor([]int{1, 2}, bias...)).Done())
}

func train(t *testing.T, g *netdef.Graph, init *snapshot.Snapshot, steps int) *snapshot.Snapshot {
	net, err := New(g, netdef.PhaseTrain)
	require.NoError(t, err)
	require.NoError(t, net.Restore(init))
	loop := NewLoop(NewTrainer(net, sgd()))
	_, err = loop.RunSteps(steps)
	require.NoError(t, err)
	return net.Snapshot()
}

func TestTrainingEquivalence(t *testing.T) {
	const numSteps = 5
	g0, g1 := regressionGraph("g0"), regressionGraph("g1")

	// Initial weights go through snapshot files.
	store := must.M1(snapshot.NewStore(t.TempDir()))
	require.NoError(t, store.Save("w0", ipState([]float64{0.1, -0.2, 0.3, 0.4, 0.5, -0.6}, 0.01, -0.02)))
	require.NoError(t, store.Save("w1", ipState([]float64{-1, 0.25, 0.75, 0.5, -0.5, 2}, 0.5, 0)))
	w0, err := store.Load("w0")
	require.NoError(t, err)
	w1, err := store.Load("w1")
	require.NoError(t, err)

	// Standalone training.
	standalone0 := train(t, g0, w0, numSteps)
	standalone1 := train(t, g1, w1, numSteps)
	assert.NotEmpty(t, equivalence.Changed(w0, standalone0), "training didn't change the weights")

	// Joint training of the merged graph.
	merged, err := merge.Merge(g0, g1)
	require.NoError(t, err)
	init, err := snapshot.Build().
		Merge(must.M1(w0.Rename(func(name string) string { return name + "_nidx_00" }))).
		Merge(must.M1(w1.Rename(func(name string) string { return name + "_nidx_01" }))).
		Done()
	require.NoError(t, err)
	joint := train(t, merged, init, numSteps)
	assert.Equal(t, []string{"ip_nidx_00", "ip_nidx_01"}, joint.Names())

	report := equivalence.Compare(standalone0, joint,
		equivalence.WithRename(func(name string) string { return name + "_nidx_00" }))
	assert.True(t, report.Equal(), "graph 0: %s", report)
	assert.Equal(t, 1, report.Compared)
	assert.Equal(t, 8, report.Values)
	report = equivalence.Compare(standalone1, joint,
		equivalence.WithRename(func(name string) string { return name + "_nidx_01" }))
	assert.True(t, report.Equal(), "graph 1: %s", report)

	// Non-interference: different initial weights lead to different final states.
	state0, _ := joint.Get("ip_nidx_00")
	state1, _ := joint.Get("ip_nidx_01")
	assert.True(t, equivalence.Differ(state0, state1))

	// Changing the weights of one sub-graph doesn't change the training of the other.
	init2, err := snapshot.Build().Merge(init).
		Set("ip_nidx_01", tensor([]int{2, 3}, 3, 3, 3, 3, 3, 3), tensor([]int{1, 2}, 1, 1)).Done()
	require.NoError(t, err)
	joint2 := train(t, merged, init2, numSteps)
	assert.Equal(t, []string{"ip_nidx_01"}, equivalence.Changed(joint, joint2))
}

func TestMergedInitialization(t *testing.T) {
	g := regressionGraph("g")
	merged := must.M1(merge.Merge(g, g.Clone()))
	standalone := must.M1(New(g, netdef.PhaseTrain, WithSeed(3)))
	joint := must.M1(New(merged, netdef.PhaseTrain, WithSeed(3)))

	// Fillers are seeded by the original operation name.
	want := standalone.Snapshot()
	for _, suffix := range []string{"_nidx_00", "_nidx_01"} {
		report := equivalence.Compare(want, joint.Snapshot(),
			equivalence.WithRename(func(name string) string { return name + suffix }))
		assert.True(t, report.Equal(), "%s: %s", suffix, report)
	}

	// A different seed gives different weights.
	other := must.M1(New(g, netdef.PhaseTrain, WithSeed(4)))
	assert.Equal(t, []string{"ip"}, equivalence.Changed(want, other.Snapshot()))
}

func TestDeterminism(t *testing.T) {
	g := regressionGraph("g")
	run := func() *snapshot.Snapshot {
		net := must.M1(New(g, netdef.PhaseTrain, WithSeed(7)))
		loss, err := NewTrainer(net, sgd()).Run(3)
		require.NoError(t, err)
		assert.Equal(t, loss, net.LastLoss())
		return net.Snapshot()
	}
	first, second := run(), run()
	assert.True(t, first.Equal(second))
	assert.Equal(t, first.Digest(), second.Digest())
}

func TestPhases(t *testing.T) {
	g := netdef.NewGraph("phases").Add(
		dataSource("data", 1, netdef.PhaseTrain),
		dataSource("data", 2, netdef.PhaseTest),
		innerProductOp("ip", "data", "ip", 2),
		netdef.NewOperation("loss", "EuclideanLoss").WithInputs("ip", "target").WithOutputs("loss").
			WithPhases(netdef.PhaseTrain),
	)
	trainNet, err := New(g, netdef.PhaseTrain)
	require.NoError(t, err)
	testNet, err := New(g, netdef.PhaseTest)
	require.NoError(t, err)
	assert.Equal(t, netdef.PhaseTest, testNet.Phase())

	trainLoss, err := trainNet.Forward(0)
	require.NoError(t, err)
	assert.Greater(t, trainLoss, 0.0)
	testLoss, err := testNet.Forward(0)
	require.NoError(t, err)
	assert.Equal(t, 0.0, testLoss, "no loss operation is active in TEST")
	_, found := testNet.Blob("loss")
	assert.False(t, found)

	trainData, _ := trainNet.Blob("data")
	testData, _ := testNet.Blob("data")
	assert.False(t, trainData.Equal(testData), "each phase reads its own data source")

	// Data changes with the step, but not between calls for the same step.
	again, err := trainNet.Forward(0)
	require.NoError(t, err)
	assert.Equal(t, trainLoss, again)
	_, err = trainNet.Forward(1)
	require.NoError(t, err)
	nextData, _ := trainNet.Blob("data")
	assert.False(t, trainData.Equal(nextData))
}

func TestNewErrors(t *testing.T) {
	testCases := []struct {
		name string
		op   *netdef.Operation
		want string
	}{
		{"unsupported", netdef.NewOperation("conv", "Convolution").WithInputs("data").WithOutputs("conv"), "not supported"},
		{"missing input", innerProductOp("ip2", "nope", "ip2", 2), `"nope"`},
		{"in-place inner product", innerProductOp("ip2", "ip", "ip", 2), "in-place"},
		{"missing num_output", netdef.NewOperation("ip2", "InnerProduct").WithInputs("data").WithOutputs("ip2"), "num_output"},
		{"loss shapes", netdef.NewOperation("l2", "EuclideanLoss").WithInputs("data", "target").WithOutputs("l2"), "different shapes"},
		{"arity", netdef.NewOperation("r", "ReLU").WithInputs("ip", "target").WithOutputs("r"), "requires 1 inputs"},
		{"filler", netdef.NewOperation("ip2", "InnerProduct").WithInputs("data").WithOutputs("ip2").
			WithParams(netdef.NewParams().AppendBlock("inner_product_param", nil, netdef.NewParams().
				SetAttribute("num_output", cty.NumberIntVal(1)).
				AppendBlock("weight_filler", nil, netdef.NewParams().SetAttribute("type", cty.StringVal("msra"))))),
			"unknown filler type"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			g := regressionGraph("g").Add(tc.op)
			_, err := New(g, netdef.PhaseTrain)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
	assert.Equal(t, []string{"DummyData", "EuclideanLoss", "InnerProduct", "ReLU", "Sigmoid", "SoftmaxWithLoss"},
		SupportedTypes())
}

func TestState(t *testing.T) {
	net := must.M1(New(regressionGraph("g"), netdef.PhaseTrain))
	assert.Equal(t, []string{"ip"}, net.ParamOperations())
	blobs, found := net.State("ip")
	require.True(t, found)
	require.Len(t, blobs, 2)
	assert.Equal(t, []int{2, 3}, blobs[0].Shape())
	assert.Equal(t, []int{1, 2}, blobs[1].Shape())
	_, found = net.State("loss")
	assert.False(t, found)

	weights := tensor([]int{2, 3}, 1, 2, 3, 4, 5, 6)
	bias := tensor([]int{1, 2}, 7, 8)
	require.NoError(t, net.SetState("ip", weights, bias))
	blobs, _ = net.State("ip")
	assert.True(t, blobs[0].Equal(weights))
	assert.True(t, blobs[1].Equal(bias))

	require.Error(t, net.SetState("ip", weights))
	require.Error(t, net.SetState("ip", bias, bias))
	require.Error(t, net.SetState("nope", weights, bias))

	// Restore is all or nothing.
	before := net.Snapshot()
	require.Error(t, net.Restore(must.M1(snapshot.Build().Set("other", weights).Done())))
	require.Error(t, net.Restore(must.M1(snapshot.Build().Set("ip", weights, weights).Done())))
	assert.True(t, before.Equal(net.Snapshot()))
}

// lossFor returns the loss of net at step 0.
func lossFor(t *testing.T, net *Net) float64 {
	loss, err := net.Forward(0)
	require.NoError(t, err)
	return loss
}

// checkGradients compares the gradients of every parameter of net with finite differences.
func checkGradients(t *testing.T, net *Net) {
	lossFor(t, net)
	require.NoError(t, net.Backward())
	const eps = 1e-6
	for _, name := range net.ParamOperations() {
		for pIdx, p := range net.paramsByOp[name].params() {
			values, grads := p.value.RawMatrix().Data, p.grad.RawMatrix().Data
			for ii := range values {
				original := values[ii]
				values[ii] = original + eps
				plus := lossFor(t, net)
				values[ii] = original - eps
				minus := lossFor(t, net)
				values[ii] = original
				numerical := (plus - minus) / (2 * eps)
				assert.InDelta(t, numerical, grads[ii], 1e-5, "%s param #%d element %d", name, pIdx, ii)
			}
		}
	}
}

func TestGradients(t *testing.T) {
	t.Run("regression", func(t *testing.T) {
		g := netdef.NewGraph("regression").Add(
			dataSource("data", 5),
			innerProductOp("hidden", "data", "hidden", 4),
			netdef.NewOperation("sigmoid", "Sigmoid").WithInputs("hidden").WithOutputs("hidden"),
			innerProductOp("ip", "hidden", "ip", 2),
			netdef.NewOperation("leaky", "ReLU").WithInputs("ip").WithOutputs("leaky").
				WithParams(netdef.NewParams().AppendBlock("relu_param", nil,
					netdef.NewParams().SetAttribute("negative_slope", cty.NumberFloatVal(0.1)))),
			netdef.NewOperation("loss", "EuclideanLoss").WithInputs("leaky", "target").WithOutputs("loss").
				WithParams(netdef.NewParams().SetAttribute("loss_weight", cty.NumberFloatVal(2))),
		)
		checkGradients(t, must.M1(New(g, netdef.PhaseTrain, WithSeed(1))))
	})
	t.Run("classification", func(t *testing.T) {
		data := netdef.NewOperation("data", "DummyData").WithOutputs("data", "label").
			WithParams(netdef.NewParams().AppendBlock("dummy_data_param", nil, netdef.NewParams().
				SetAttribute("shape", cty.TupleVal([]cty.Value{intsVal(6, 3), intsVal(6, 1)})).
				SetAttribute("seed", cty.NumberIntVal(3)).
				SetAttribute("num_classes", intsVal(0, 3))))
		g := netdef.NewGraph("classification").Add(
			data,
			innerProductOp("ip", "data", "ip", 3),
			netdef.NewOperation("loss", "SoftmaxWithLoss").WithInputs("ip", "label").WithOutputs("loss"),
		)
		net := must.M1(New(g, netdef.PhaseTrain, WithSeed(2)))
		checkGradients(t, net)
		labels, _ := net.Blob("label")
		for _, label := range labels.Data() {
			assert.Contains(t, []float64{0, 1, 2}, label)
		}
	})
}

func TestTrainer(t *testing.T) {
	g := regressionGraph("g")
	ipOp := g.Find("ip")
	// Freeze the weights, train only the bias.
	ipOp.Params.AppendBlock("param", nil, netdef.NewParams().SetAttribute("lr_mult", cty.NumberIntVal(0)).
		SetAttribute("decay_mult", cty.NumberIntVal(0)))
	net := must.M1(New(g, netdef.PhaseTrain))
	trainer := NewTrainer(net, sgd())
	before := net.Snapshot()
	firstLoss, err := trainer.TrainStep()
	require.NoError(t, err)
	assert.Equal(t, 1, trainer.Step())
	after, _ := net.State("ip")
	initial, _ := before.Get("ip")
	assert.True(t, initial[0].Equal(after[0]), "weights with lr_mult=0 must not change")
	assert.False(t, initial[1].Equal(after[1]), "bias must be trained")

	// Training repeatedly on the same batch decreases its loss.
	for range 10 {
		trainer.SetStep(0)
		_, err = trainer.TrainStep()
		require.NoError(t, err)
	}
	trainer.ResetHistory()
	loss, err := net.Forward(0)
	require.NoError(t, err)
	assert.Less(t, loss, firstLoss)
}

func TestLoop(t *testing.T) {
	net := must.M1(New(regressionGraph("g"), netdef.PhaseTrain))
	loop := NewLoop(NewTrainer(net, sgd()))
	var calls []string
	loop.OnStart("start", 0, func(loop *Loop) error {
		calls = append(calls, "start")
		return nil
	})
	loop.OnStep("second", 10, func(loop *Loop, loss float64) error {
		calls = append(calls, "second")
		return nil
	})
	loop.OnStep("first", -1, func(loop *Loop, loss float64) error {
		calls = append(calls, "first")
		return nil
	})
	var everyTwo []int
	EveryNSteps(loop, 2, "every-two", 0, func(loop *Loop, loss float64) error {
		everyTwo = append(everyTwo, loop.LoopStep)
		return nil
	})
	var endStep int
	loop.OnEnd("end", 0, func(loop *Loop, loss float64) error {
		endStep = loop.LoopStep
		calls = append(calls, "end")
		return nil
	})
	_, err := loop.RunSteps(5)
	require.NoError(t, err)
	assert.Equal(t, []string{"start", "first", "second", "first", "second", "first", "second", "first", "second",
		"first", "second", "end"}, calls)
	assert.Equal(t, []int{1, 3}, everyTwo)
	assert.Equal(t, 5, endStep)
	assert.Equal(t, 5, loop.Trainer.Step())
	assert.Len(t, loop.TrainStepDurations, 5)

	// A second run continues from the trainer step.
	_, err = loop.RunSteps(2)
	require.NoError(t, err)
	assert.Equal(t, 5, loop.StartStep)
	assert.Equal(t, 7, loop.Trainer.Step())

	// Hook errors are reported with the hook name.
	loop.OnStep("failing", 0, func(loop *Loop, loss float64) error { return errors.New("boom") })
	_, err = loop.RunSteps(1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"failing"`)
}

func TestLoopNaN(t *testing.T) {
	net := must.M1(New(regressionGraph("g"), netdef.PhaseTrain))
	nan := math.NaN()
	require.NoError(t, net.SetState("ip", tensor([]int{2, 3}, nan, nan, nan, nan, nan, nan), tensor([]int{1, 2}, 0, 0)))
	_, err := NewLoop(NewTrainer(net, sgd())).RunSteps(3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NaN")
}

func TestLoopCallbacks(t *testing.T) {
	net := must.M1(New(regressionGraph("g"), netdef.PhaseTrain))
	loop := NewLoop(NewTrainer(net, sgd()))
	var nTimesSteps []int
	NTimesDuringLoop(loop, 3, "n-times", 0, func(loop *Loop, loss float64) error {
		nTimesSteps = append(nTimesSteps, loop.LoopStep)
		return nil
	})
	var periodicCalls int
	PeriodicCallback(loop, time.Hour, true, "periodic", 0, func(loop *Loop, loss float64) error {
		periodicCalls++
		return nil
	})
	_, err := loop.RunSteps(10)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 3, 6, 9}, nTimesSteps)
	assert.Equal(t, 1, periodicCalls, "only the call at the end of the loop is expected")

	// Counting restarts with each run.
	nTimesSteps = nil
	_, err = loop.RunSteps(10)
	require.NoError(t, err)
	assert.Equal(t, []int{10, 13, 16, 19}, nTimesSteps)
}
