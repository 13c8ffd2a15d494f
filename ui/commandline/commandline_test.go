// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gomlx/netmerge/pkg/core/netdef"
	"github.com/gomlx/netmerge/pkg/ml/runtime"
	"github.com/gomlx/netmerge/pkg/ml/solver"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

func createTestSolver(t *testing.T) *solver.Solver {
	s, err := solver.Parse([]byte("net = \"net.hcl\"\nbase_lr = 0.01\n"), "solver.hcl")
	require.NoError(t, err)
	return s
}

func TestParseSolverSettings(t *testing.T) {
	s := createTestSolver(t)
	paramsSet, err := ParseSolverSettings(s, "base_lr=0.5;momentum=0.9; max_iter=1_000;lr_policy=step;stepsize=10;random_seed=3;")
	require.NoError(t, err)
	assert.Equal(t, []string{"base_lr", "momentum", "max_iter", "lr_policy", "stepsize", "random_seed"}, paramsSet)
	assert.Equal(t, 0.5, s.BaseLR)
	assert.Equal(t, 0.9, s.Momentum)
	assert.Equal(t, 1000, s.MaxIter)
	assert.Equal(t, solver.PolicyStep, s.LRPolicy)
	assert.Equal(t, int64(3), s.RandomSeed)
	assert.Contains(t, SprintModifiedSolverSettings(s, append(paramsSet, "momentum")), `"momentum": 0.9`)

	// Settings from a file.
	settingsPath := filepath.Join(t.TempDir(), "settings.txt")
	require.NoError(t, os.WriteFile(settingsPath, []byte("# Comment\nweight_decay=0.001\n\ngamma=0.5;power=2\n"), 0644))
	paramsSet, err = ParseSolverSettings(s, "file:"+settingsPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"weight_decay", "gamma", "power"}, paramsSet)
	assert.Equal(t, 0.001, s.WeightDecay)

	// Errors.
	for _, bad := range []string{"unknown=3", "max_iter=3.14", "momentum", "momentum=1.5", "file:/does/not/exist"} {
		_, err = ParseSolverSettings(createTestSolver(t), bad)
		require.Error(t, err, "setting %q", bad)
	}
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "1.23ms", FormatDuration(1234567*time.Nanosecond))
	assert.Equal(t, "12.00µs", FormatDuration(12*time.Microsecond))
	assert.Equal(t, "1m2.5s", FormatDuration(time.Minute+2500*time.Millisecond))
}

func testNet(t *testing.T, phase netdef.Phase) *runtime.Net {
	shape := cty.TupleVal([]cty.Value{
		cty.TupleVal([]cty.Value{cty.NumberIntVal(4), cty.NumberIntVal(3)}),
		cty.TupleVal([]cty.Value{cty.NumberIntVal(4), cty.NumberIntVal(1)}),
	})
	g := netdef.NewGraph("test").Add(
		netdef.NewOperation("data", "DummyData").WithOutputs("data", "target").
			WithParams(netdef.NewParams().AppendBlock("dummy_data_param", nil,
				netdef.NewParams().SetAttribute("shape", shape))),
		netdef.NewOperation("ip", "InnerProduct").WithInputs("data").WithOutputs("ip").
			WithParams(netdef.NewParams().AppendBlock("inner_product_param", nil,
				netdef.NewParams().SetAttribute("num_output", cty.NumberIntVal(1)))),
		netdef.NewOperation("loss", "EuclideanLoss").WithInputs("ip", "target").WithOutputs("loss"),
	)
	return must.M1(runtime.New(g, phase))
}

func withOutput(t *testing.T) *bytes.Buffer {
	var buf bytes.Buffer
	previous := Output
	Output = &buf
	t.Cleanup(func() { Output = previous })
	return &buf
}

func TestProgressBar(t *testing.T) {
	buf := withOutput(t)
	maxUpdateFrequency = 0
	net := testNet(t, netdef.PhaseTrain)
	loop := runtime.NewLoop(runtime.NewTrainer(net, createTestSolver(t)))
	AttachProgressBar(loop, func() (string, string) { return "Graph", "test" })
	_, err := loop.RunSteps(20)
	require.NoError(t, err)
	out := buf.String()
	assert.Contains(t, out, "Median train step duration")
	assert.Contains(t, out, "20 of 20")
	assert.Contains(t, out, "Graph")

	// The progress bar can be reused for another run.
	buf.Reset()
	_, err = loop.RunSteps(5)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "25 of 25")
}

func TestReportEval(t *testing.T) {
	buf := withOutput(t)
	loss, err := ReportEval(testNet(t, netdef.PhaseTest), 3)
	require.NoError(t, err)
	assert.Greater(t, loss, 0.0)
	assert.Contains(t, buf.String(), "Results on TEST (3 steps)")
	_, err = ReportEval(testNet(t, netdef.PhaseTest), 0)
	require.Error(t, err)
}
