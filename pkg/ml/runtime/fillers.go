// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"math"
	"math/rand/v2"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/netmerge/pkg/core/netdef"
	"gonum.org/v1/gonum/mat"
)

// Filler types, set in the "type" attribute of a filler block (e.g. "weight_filler").
const (
	FillerConstant = "constant"
	FillerGaussian = "gaussian"
	FillerUniform  = "uniform"
	FillerXavier   = "xavier"
)

// filler initializes a parameter.
type filler struct {
	Type      string
	Value     float64
	Mean, Std float64
	Min, Max  float64
}

// newFiller decodes a filler block. A nil block is a constant 0 filler.
func newFiller(op *netdef.Operation, block *netdef.Params) *filler {
	f := &filler{Type: FillerConstant, Std: 1, Max: 1}
	if block == nil {
		return f
	}
	decodeParam(op, block, "type", &f.Type)
	decodeParam(op, block, "value", &f.Value)
	decodeParam(op, block, "mean", &f.Mean)
	decodeParam(op, block, "std", &f.Std)
	decodeParam(op, block, "min", &f.Min)
	decodeParam(op, block, "max", &f.Max)
	switch f.Type {
	case FillerConstant, FillerGaussian, FillerXavier:
	case FillerUniform:
		if f.Min > f.Max {
			exceptions.Panicf("operation %q: uniform filler with min=%g > max=%g", op.Name, f.Min, f.Max)
		}
	default:
		exceptions.Panicf("operation %q: unknown filler type %q, valid types are %q", op.Name, f.Type,
			[]string{FillerConstant, FillerGaussian, FillerUniform, FillerXavier})
	}
	return f
}

// fill m with values drawn with the given seed. fanIn is used by the "xavier" filler.
func (f *filler) fill(m *mat.Dense, fanIn int, seed uint64) {
	rng := rand.New(rand.NewPCG(seed, 0))
	rows, cols := m.Dims()
	for r := range rows {
		row := m.RawRowView(r)
		for c := range cols {
			switch f.Type {
			case FillerConstant:
				row[c] = f.Value
			case FillerGaussian:
				row[c] = f.Mean + f.Std*rng.NormFloat64()
			case FillerUniform:
				row[c] = f.Min + (f.Max-f.Min)*rng.Float64()
			case FillerXavier:
				scale := math.Sqrt(3 / float64(max(fanIn, 1)))
				row[c] = scale * (2*rng.Float64() - 1)
			}
		}
	}
}
