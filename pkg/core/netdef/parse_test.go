// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package netdef

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

const lenetLike = `
name = "lenet"
force_backward = true
input_dim = [1, 1, 28, 28]

layer "mnist" {
  type = "Data"
  top  = ["data", "label"]
  include { phase = "TRAIN" }
  data_param {
    source     = "examples/mnist/mnist_train_lmdb"
    batch_size = 64
    backend    = "LMDB"
  }
  transform_param { scale = 0.00390625 }
}

layer "mnist" {
  type = "Data"
  top  = ["data", "label"]
  include { phase = "TEST" }
  data_param {
    source     = "examples/mnist/mnist_test_lmdb"
    batch_size = 100
  }
}

layer "ip1" {
  type   = "InnerProduct"
  bottom = ["data"]
  top    = ["ip1"]
  param { lr_mult = 1 }
  param { lr_mult = 2 }
  inner_product_param {
    num_output = 500
    weight_filler { type = "xavier" }
  }
}

layer "relu1" {
  type   = "ReLU"
  bottom = "ip1"
  top    = "ip1"
}

layer "loss" {
  type        = "SoftmaxWithLoss"
  bottom      = ["ip1", "label"]
  top         = ["loss"]
  loss_weight = 1
  custom_plugin "v2" "fast" { unknown_knob = { a = 1, b = [true, false] } }
}
`

func TestParse(t *testing.T) {
	g, err := Parse([]byte(lenetLike), "lenet.hcl")
	require.NoError(t, err)
	assert.Equal(t, "lenet", g.Name)
	require.Len(t, g.Operations, 5)

	// Net-level attributes are kept in order, without the name.
	entries := g.Attributes.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "force_backward", entries[0].Name)
	assert.Equal(t, "input_dim", entries[1].Name)

	train, test := g.Operations[0], g.Operations[1]
	assert.Equal(t, KindDataSource, train.Kind)
	assert.Equal(t, []Phase{PhaseTrain}, train.Phases)
	assert.Equal(t, []Phase{PhaseTest}, test.Phases)
	assert.Equal(t, []string{"data", "label"}, train.Outputs)
	assert.True(t, train.ActiveIn(PhaseTrain))
	assert.False(t, train.ActiveIn(PhaseTest))

	var batchSize int
	found, err := train.Params.Block("data_param").Decode("batch_size", &batchSize)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 64, batchSize)

	ip := g.Find("ip1")
	require.NotNil(t, ip)
	assert.Equal(t, KindCompute, ip.Kind)
	assert.Empty(t, ip.Phases)
	assert.True(t, ip.ActiveIn(PhaseTest))
	assert.Len(t, ip.Params.Blocks("param"), 2)
	var numOutput int
	_, err = ip.Params.Block("inner_product_param").Decode("num_output", &numOutput)
	require.NoError(t, err)
	assert.Equal(t, 500, numOutput)

	// A single string is accepted where a list is expected.
	relu := g.Find("relu1")
	assert.Equal(t, []string{"ip1"}, relu.Inputs)
	assert.Equal(t, []string{"ip1"}, relu.Outputs)

	// Unknown, labeled blocks are kept opaque.
	loss := g.Find("loss")
	entries = loss.Params.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "loss_weight", entries[0].Name)
	assert.Equal(t, "custom_plugin", entries[1].Name)
	assert.Equal(t, []string{"v2", "fast"}, entries[1].Labels)
	knob, found := entries[1].Body.Attribute("unknown_knob")
	require.True(t, found)
	assert.True(t, knob.Type().IsObjectType())
}

func TestRoundTrip(t *testing.T) {
	g, err := Parse([]byte(lenetLike), "lenet.hcl")
	require.NoError(t, err)

	text, err := Serialize(g)
	require.NoError(t, err)
	g2, err := Parse(text, "serialized.hcl")
	require.NoError(t, err, "serialized text:\n%s", text)
	assert.True(t, g.Equal(g2), "round trip changed the graph:\nbefore: %s\nafter: %s", g, g2)

	// Serialization is deterministic and a fixed point after one round.
	text2, err := Serialize(g2)
	require.NoError(t, err)
	assert.Equal(t, string(text), string(text2))
}

func TestRoundTripProgrammatic(t *testing.T) {
	params := NewParams().
		SetAttribute("num_output", cty.NumberIntVal(10)).
		SetAttribute("lr", cty.NumberFloatVal(0.25)).
		SetAttribute("dims", cty.ListVal([]cty.Value{cty.NumberIntVal(2), cty.NumberIntVal(3)})).
		SetAttribute("tags", cty.SetVal([]cty.Value{cty.StringVal("b"), cty.StringVal("a")})).
		SetAttribute("scales", cty.MapVal(map[string]cty.Value{
			"x": cty.ListVal([]cty.Value{cty.NumberFloatVal(0.5)}),
			"y": cty.ListVal([]cty.Value{cty.NumberFloatVal(1.5), cty.NumberIntVal(2)}),
		})).
		SetAttribute("empty", cty.ListValEmpty(cty.String)).
		SetAttribute("unset", cty.NullVal(cty.String)).
		AppendBlock("weight_filler", nil, NewParams().SetAttribute("type", cty.StringVal("constant")))
	g := NewGraph("prog").Add(
		NewOperation("data", "DummyData").WithOutputs("x", "y").WithPhases(PhaseTest, PhaseTrain),
		NewOperation("ip", "InnerProduct").WithInputs("x").WithOutputs("ip").WithParams(params),
		NewOperation("loss", "EuclideanLoss").WithInputs("ip", "y").WithOutputs("loss"),
	)
	assert.Equal(t, []Phase{PhaseTrain, PhaseTest}, g.Operations[0].Phases)

	text, err := Serialize(g)
	require.NoError(t, err)
	g2, err := Parse(text, "prog.hcl")
	require.NoError(t, err)
	assert.True(t, g.Equal(g2), "serialized:\n%s", text)
	dims, found := g.Operations[1].Params.Attribute("dims")
	require.True(t, found)
	assert.True(t, dims.Type().IsTupleType())
	var decoded []int
	found, err = g2.Operations[1].Params.Decode("dims", &decoded)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []int{2, 3}, decoded)

	// Clone is deep: changing the clone doesn't affect the original.
	c := g.Clone()
	c.Operations[1].Inputs[0] = "changed"
	c.Operations[1].Params.SetAttribute("num_output", cty.NumberIntVal(3))
	assert.Equal(t, "x", g.Operations[1].Inputs[0])
	v, _ := g.Operations[1].Params.Attribute("num_output")
	assert.True(t, v.RawEquals(cty.NumberIntVal(10)))
	assert.False(t, g.Equal(c))
}

func TestSerializeReservedNames(t *testing.T) {
	layerGraph := func(params *Params) *Graph {
		return NewGraph("reserved").Add(
			NewOperation("data", "DummyData").WithOutputs("x"),
			NewOperation("ip", "InnerProduct").WithInputs("x").WithOutputs("ip").WithParams(params))
	}
	testCases := []struct {
		name string
		g    *Graph
	}{
		{"layer type", layerGraph(NewParams().SetAttribute(TypeAttribute, cty.StringVal("Evil")))},
		{"layer bottom", layerGraph(NewParams().SetAttribute(InputsField, cty.StringVal("y")))},
		{"layer top", layerGraph(NewParams().SetAttribute(OutputsField, cty.StringVal("y")))},
		{"layer include", layerGraph(NewParams().AppendBlock(IncludeBlock, nil,
			NewParams().SetAttribute(PhaseAttribute, cty.StringVal("TEST"))))},
		{"net name", func() *Graph {
			g := layerGraph(NewParams())
			g.Attributes.SetAttribute(NameAttribute, cty.StringVal("other"))
			return g
		}()},
		{"net layer", func() *Graph {
			g := layerGraph(NewParams())
			g.Attributes.AppendBlock(LayerBlock, []string{"ghost"}, NewParams().SetAttribute(TypeAttribute, cty.StringVal("ReLU")))
			return g
		}()},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Serialize(tc.g)
			require.Error(t, err)
			var malformed *MalformedDefinitionError
			require.True(t, errors.As(err, &malformed), "unexpected error type %T: %v", err, err)
			assert.Contains(t, err.Error(), "reserved")
		})
	}

	// Reserved names nested in opaque blocks are fine.
	g := layerGraph(NewParams().AppendBlock("bias_filler", nil,
		NewParams().SetAttribute(TypeAttribute, cty.StringVal("constant")).SetAttribute(OutputsField, cty.NumberIntVal(1))))
	text, err := Serialize(g)
	require.NoError(t, err)
	g2, err := Parse(text, "nested.hcl")
	require.NoError(t, err)
	assert.True(t, g.Equal(g2), "serialized:\n%s", text)
}

func TestParseMalformed(t *testing.T) {
	testCases := []struct {
		name, src, want string
	}{
		{"syntax", `layer "a" { type = `, "malformed"},
		{"missing type", `layer "a" { top = ["a"] }`, "missing the required"},
		{"no label", `layer { type = "ReLU" }`, "exactly one label"},
		{"bottom type", `layer "a" {
  type   = "ReLU"
  bottom = 3
}`, "list of strings"},
		{"top element type", `layer "a" {
  type = "ReLU"
  top  = ["x", 1]
}`, "list of strings"},
		{"variables", `layer "a" {
  type = "ReLU"
  top  = [var.x]
}`, "literal value"},
		{"bad phase", `layer "a" {
  type = "Data"
  include { phase = "VALIDATION" }
}`, "unknown phase"},
		{"include extra", `layer "a" {
  type = "Data"
  include {
    phase = "TRAIN"
    stage = "x"
  }
}`, "only the"},
		{"duplicate compute", `
layer "a" { type = "ReLU" }
layer "a" { type = "ReLU" }`, "defined 2 times"},
		{"duplicate data same phase", `
layer "d" {
  type = "Data"
  include { phase = "TRAIN" }
}
layer "d" {
  type = "Data"
  include { phase = "TRAIN" }
}`, "more than once for phase TRAIN"},
		{"duplicate data no phase", `
layer "d" { type = "Data" }
layer "d" {
  type = "Data"
  include { phase = "TEST" }
}`, "disjoint phases"},
		{"empty tensor", `layer "a" {
  type = "ReLU"
  top  = [""]
}`, "empty tensor name"},
		{"name type", `name = 3`, "must be a string"},
		{"net layer attribute", `layer = 3`, "reserved"},
		{"net name block", `name {}`, "reserved"},
		{"layer top block", `layer "a" {
  type = "ReLU"
  top {}
}`, "reserved"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.src), tc.name+".hcl")
			require.Error(t, err)
			var malformed *MalformedDefinitionError
			require.True(t, errors.As(err, &malformed), "unexpected error type %T: %v", err, err)
			assert.Equal(t, tc.name+".hcl", malformed.File)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestFiles(t *testing.T) {
	dir := t.TempDir()
	g, err := Parse([]byte(lenetLike), "lenet.hcl")
	require.NoError(t, err)

	path := filepath.Join(dir, "net.hcl")
	require.NoError(t, WriteFile(g, path))
	g2, err := ParseFile(path)
	require.NoError(t, err)
	assert.True(t, g.Equal(g2))

	// Nothing is written for invalid graphs.
	bad := NewGraph("bad").Add(NewOperation("a", "ReLU"), NewOperation("a", "ReLU"))
	badPath := filepath.Join(dir, "bad.hcl")
	require.Error(t, WriteFile(bad, badPath))
	_, err = os.Stat(badPath)
	assert.True(t, os.IsNotExist(err))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files should be left behind")

	_, err = ParseFile(filepath.Join(dir, "missing.hcl"))
	require.Error(t, err)
}

func TestPhaseAndKind(t *testing.T) {
	p, err := ParsePhase("test")
	require.NoError(t, err)
	assert.Equal(t, PhaseTest, p)
	assert.Equal(t, "TRAIN", PhaseTrain.String())
	p, err = ParsePhase("Train")
	require.NoError(t, err)
	assert.Equal(t, PhaseTrain, p)
	assert.Equal(t, []string{"TRAIN", "TEST"}, PhaseStrings())
	assert.Equal(t, AllPhases, PhaseValues())
	assert.Equal(t, NumPhases, len(PhaseValues()))
	assert.False(t, Phase(5).IsAPhase())
	_, err = ParsePhase("deploy")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "valid values are TRAIN and TEST")

	assert.Equal(t, KindCompute, KindOf("CustomSource"))
	RegisterDataSourceType("CustomSource")
	assert.Equal(t, KindDataSource, KindOf("CustomSource"))
	assert.Equal(t, KindDataSource, NewOperation("src", "CustomSource").Kind)
	assert.Equal(t, "DataSource", KindDataSource.String())
	kind, err := KindString("datasource")
	require.NoError(t, err)
	assert.Equal(t, KindDataSource, kind)
}
