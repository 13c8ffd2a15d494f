// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"math"
	"math/rand/v2"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/netmerge/pkg/core/netdef"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

func init() {
	registerLayer("DummyData", func(op *netdef.Operation) layer { return &dummyData{base: base{op: op}} })
	registerLayer("InnerProduct", func(op *netdef.Operation) layer { return &innerProduct{base: base{op: op}} })
	registerLayer("ReLU", newReLU)
	registerLayer("Sigmoid", newSigmoid)
	registerLayer("EuclideanLoss", func(op *netdef.Operation) layer { return &euclideanLoss{base: base{op: op}} })
	registerLayer("SoftmaxWithLoss", func(op *netdef.Operation) layer { return &softmaxWithLoss{base: base{op: op}} })
}

// decodeParam decodes the attribute name of block into target. It panics if the value has the wrong type.
func decodeParam(op *netdef.Operation, block *netdef.Params, name string, target any) bool {
	found, err := block.Decode(name, target)
	if err != nil {
		exceptions.Panicf("operation %q: %v", op.Name, err)
	}
	return found
}

// base implements the common parts of layers.
type base struct {
	op *netdef.Operation
}

func (b *base) params() []*param { return nil }

func (b *base) checkArity(numInputs, numOutputs int) {
	if len(b.op.Inputs) != numInputs || len(b.op.Outputs) != numOutputs {
		exceptions.Panicf("operation %q (%s) requires %d inputs and %d outputs, got %d and %d",
			b.op.Name, b.op.Type, numInputs, numOutputs, len(b.op.Inputs), len(b.op.Outputs))
	}
}

func (b *base) notInPlace() {
	for _, output := range b.op.Outputs {
		if slices.Contains(b.op.Inputs, output) {
			exceptions.Panicf("operation %q (%s) cannot run in-place on %q", b.op.Name, b.op.Type, output)
		}
	}
}

// lossWeightParam returns the "loss_weight" attribute of the operation, 1 by default.
func (b *base) lossWeightParam() float64 {
	weight := 1.0
	decodeParam(b.op, b.op.Params, "loss_weight", &weight)
	return weight
}

// dummyData generates deterministic data: gaussian values, or class labels if num_classes is set
// for the output. The values of a step depend only on the seed and the step.
//
//	dummy_data_param {
//	  shape       = [[64, 10], [64, 1]]
//	  seed        = 1
//	  num_classes = [0, 3]
//	}
type dummyData struct {
	base
	shapes     [][]int
	seed       int64
	numClasses []int
	tops       []*blob
}

func (l *dummyData) setup(net *Net) {
	if len(l.op.Inputs) != 0 || len(l.op.Outputs) == 0 {
		exceptions.Panicf("operation %q (DummyData) requires no inputs and at least one output", l.op.Name)
	}
	block := l.op.Params.Block("dummy_data_param")
	if !decodeParam(l.op, block, "shape", &l.shapes) {
		exceptions.Panicf("operation %q (DummyData) requires dummy_data_param.shape", l.op.Name)
	}
	if len(l.shapes) != len(l.op.Outputs) {
		exceptions.Panicf("operation %q (DummyData) has %d outputs but %d shapes", l.op.Name, len(l.op.Outputs), len(l.shapes))
	}
	decodeParam(l.op, block, "seed", &l.seed)
	if decodeParam(l.op, block, "num_classes", &l.numClasses) && len(l.numClasses) != len(l.op.Outputs) {
		exceptions.Panicf("operation %q (DummyData) has %d outputs but %d num_classes",
			l.op.Name, len(l.op.Outputs), len(l.numClasses))
	}
	for ii, shape := range l.shapes {
		if len(shape) != 2 || shape[0] <= 0 || shape[1] <= 0 {
			exceptions.Panicf("operation %q (DummyData): shape #%d must be [batch, dim] with positive values, got %v",
				l.op.Name, ii, shape)
		}
		l.tops = append(l.tops, net.output(l.op, l.op.Outputs[ii], shape[0], shape[1]))
	}
}

func (l *dummyData) forward(step int) {
	rng := rand.New(rand.NewPCG(uint64(l.seed), uint64(step)))
	for ii, top := range l.tops {
		numClasses := 0
		if l.numClasses != nil {
			numClasses = l.numClasses[ii]
		}
		rows, _ := top.data.Dims()
		for r := range rows {
			row := top.data.RawRowView(r)
			for c := range row {
				if numClasses > 0 {
					row[c] = float64(rng.IntN(numClasses))
				} else {
					row[c] = rng.NormFloat64()
				}
			}
		}
	}
}

func (l *dummyData) backward() {}

// innerProduct is a fully connected layer: top = bottom · Wᵀ + b, with W shaped [num_output, input_dim]
// and b shaped [1, num_output].
type innerProduct struct {
	base
	bottom, top *blob
	ps          []*param
}

func (l *innerProduct) setup(net *Net) {
	l.checkArity(1, 1)
	l.notInPlace()
	block := l.op.Params.Block("inner_product_param")
	var numOutput int
	if !decodeParam(l.op, block, "num_output", &numOutput) || numOutput <= 0 {
		exceptions.Panicf("operation %q (InnerProduct) requires inner_product_param.num_output > 0", l.op.Name)
	}
	biasTerm := true
	decodeParam(l.op, block, "bias_term", &biasTerm)

	l.bottom = net.input(l.op, l.op.Inputs[0])
	batchSize, inputDim := l.bottom.data.Dims()
	l.top = net.output(l.op, l.op.Outputs[0], batchSize, numOutput)

	multipliers := l.op.Params.Blocks("param")
	newParam := func(idx, rows, cols int, fillerBlock string) *param {
		p := &param{
			value:     mat.NewDense(rows, cols, nil),
			grad:      mat.NewDense(rows, cols, nil),
			lrMult:    1,
			decayMult: 1,
		}
		if idx < len(multipliers) {
			decodeParam(l.op, multipliers[idx], "lr_mult", &p.lrMult)
			decodeParam(l.op, multipliers[idx], "decay_mult", &p.decayMult)
		}
		newFiller(l.op, block.Block(fillerBlock)).fill(p.value, inputDim, net.fillerSeed(l.op, idx))
		return p
	}
	l.ps = append(l.ps, newParam(0, numOutput, inputDim, "weight_filler"))
	if biasTerm {
		l.ps = append(l.ps, newParam(1, 1, numOutput, "bias_filler"))
	}
}

func (l *innerProduct) params() []*param { return l.ps }

func (l *innerProduct) forward(int) {
	l.top.data.Mul(l.bottom.data, l.ps[0].value.T())
	if len(l.ps) > 1 {
		bias := l.ps[1].value.RawRowView(0)
		rows, _ := l.top.data.Dims()
		for r := range rows {
			floats.Add(l.top.data.RawRowView(r), bias)
		}
	}
}

func (l *innerProduct) backward() {
	weights := l.ps[0]
	_, inputDim := weights.value.Dims()
	batchSize, _ := l.bottom.data.Dims()

	var gradW mat.Dense
	gradW.Mul(l.top.diff.T(), l.bottom.data)
	weights.grad.Add(weights.grad, &gradW)
	if len(l.ps) > 1 {
		biasGrad := l.ps[1].grad.RawRowView(0)
		for r := range batchSize {
			floats.Add(biasGrad, l.top.diff.RawRowView(r))
		}
	}

	gradX := mat.NewDense(batchSize, inputDim, nil)
	gradX.Mul(l.top.diff, weights.value)
	l.bottom.diff.Add(l.bottom.diff, gradX)
}

// activation is an element-wise layer, that can run in-place. Its derivative is expressed as a function of
// its output, so in-place operation doesn't need the original input.
type activation struct {
	base
	fn          func(x float64) float64
	derivative  func(y float64) float64
	bottom, top *blob
}

func newReLU(op *netdef.Operation) layer {
	var slope float64
	decodeParam(op, op.Params.Block("relu_param"), "negative_slope", &slope)
	if slope < 0 {
		exceptions.Panicf("operation %q (ReLU): negative_slope must be >= 0, got %g", op.Name, slope)
	}
	return &activation{
		base: base{op: op},
		fn: func(x float64) float64 {
			if x > 0 {
				return x
			}
			return slope * x
		},
		derivative: func(y float64) float64 {
			if y > 0 {
				return 1
			}
			return slope
		},
	}
}

func newSigmoid(op *netdef.Operation) layer {
	return &activation{
		base:       base{op: op},
		fn:         func(x float64) float64 { return 1 / (1 + math.Exp(-x)) },
		derivative: func(y float64) float64 { return y * (1 - y) },
	}
}

func (l *activation) setup(net *Net) {
	l.checkArity(1, 1)
	l.bottom = net.input(l.op, l.op.Inputs[0])
	rows, cols := l.bottom.data.Dims()
	l.top = net.output(l.op, l.op.Outputs[0], rows, cols)
}

func (l *activation) inPlace() bool { return l.top == l.bottom }

func (l *activation) forward(int) {
	rows, _ := l.bottom.data.Dims()
	for r := range rows {
		x, y := l.bottom.data.RawRowView(r), l.top.data.RawRowView(r)
		for c := range x {
			y[c] = l.fn(x[c])
		}
	}
}

func (l *activation) backward() {
	rows, _ := l.top.data.Dims()
	inPlace := l.inPlace()
	for r := range rows {
		y, dy, dx := l.top.data.RawRowView(r), l.top.diff.RawRowView(r), l.bottom.diff.RawRowView(r)
		for c := range y {
			if inPlace {
				dx[c] = dy[c] * l.derivative(y[c])
			} else {
				dx[c] += dy[c] * l.derivative(y[c])
			}
		}
	}
}

// euclideanLoss is sum((a-b)²) / (2·batchSize).
type euclideanLoss struct {
	base
	a, b, top  *blob
	difference *mat.Dense
	weight     float64
}

func (l *euclideanLoss) setup(net *Net) {
	l.checkArity(2, 1)
	l.notInPlace()
	l.a, l.b = net.input(l.op, l.op.Inputs[0]), net.input(l.op, l.op.Inputs[1])
	rowsA, colsA := l.a.data.Dims()
	rowsB, colsB := l.b.data.Dims()
	if rowsA != rowsB || colsA != colsB {
		exceptions.Panicf("operation %q (EuclideanLoss): inputs %q and %q have different shapes [%d %d] and [%d %d]",
			l.op.Name, l.op.Inputs[0], l.op.Inputs[1], rowsA, colsA, rowsB, colsB)
	}
	l.difference = mat.NewDense(rowsA, colsA, nil)
	l.top = net.output(l.op, l.op.Outputs[0], 1, 1)
	l.weight = l.lossWeightParam()
}

func (l *euclideanLoss) forward(int) {
	l.difference.Sub(l.a.data, l.b.data)
	rows, _ := l.difference.Dims()
	var sum float64
	for r := range rows {
		row := l.difference.RawRowView(r)
		sum += floats.Dot(row, row)
	}
	l.top.data.Set(0, 0, sum/float64(2*rows))
}

func (l *euclideanLoss) backward() {
	rows, _ := l.difference.Dims()
	scale := l.weight / float64(rows)
	for r := range rows {
		d := l.difference.RawRowView(r)
		floats.AddScaled(l.a.diff.RawRowView(r), scale, d)
		floats.AddScaled(l.b.diff.RawRowView(r), -scale, d)
	}
}

func (l *euclideanLoss) loss() float64       { return l.top.data.At(0, 0) }
func (l *euclideanLoss) lossWeight() float64 { return l.weight }

// softmaxWithLoss is the mean cross-entropy of the softmax of the scores, given integer labels
// shaped [batch, 1].
type softmaxWithLoss struct {
	base
	scores, labels, top *blob
	probs               *mat.Dense
	weight              float64
}

func (l *softmaxWithLoss) setup(net *Net) {
	l.checkArity(2, 1)
	l.notInPlace()
	l.scores, l.labels = net.input(l.op, l.op.Inputs[0]), net.input(l.op, l.op.Inputs[1])
	rows, cols := l.scores.data.Dims()
	if labelRows, labelCols := l.labels.data.Dims(); labelRows != rows || labelCols != 1 {
		exceptions.Panicf("operation %q (SoftmaxWithLoss): labels %q must be shaped [%d 1], got [%d %d]",
			l.op.Name, l.op.Inputs[1], rows, labelRows, labelCols)
	}
	l.probs = mat.NewDense(rows, cols, nil)
	l.top = net.output(l.op, l.op.Outputs[0], 1, 1)
	l.weight = l.lossWeightParam()
}

func (l *softmaxWithLoss) label(r int) int {
	_, numClasses := l.scores.data.Dims()
	value := l.labels.data.At(r, 0)
	label := int(value)
	if float64(label) != value || label < 0 || label >= numClasses {
		exceptions.Panicf("operation %q (SoftmaxWithLoss): label %g at row %d is not a class in [0, %d)",
			l.op.Name, value, r, numClasses)
	}
	return label
}

func (l *softmaxWithLoss) forward(int) {
	rows, _ := l.scores.data.Dims()
	var sum float64
	for r := range rows {
		scores, probs := l.scores.data.RawRowView(r), l.probs.RawRowView(r)
		maxScore := floats.Max(scores)
		for c, s := range scores {
			probs[c] = math.Exp(s - maxScore)
		}
		floats.Scale(1/floats.Sum(probs), probs)
		sum -= math.Log(max(probs[l.label(r)], math.SmallestNonzeroFloat64))
	}
	l.top.data.Set(0, 0, sum/float64(rows))
}

func (l *softmaxWithLoss) backward() {
	rows, _ := l.scores.data.Dims()
	scale := l.weight / float64(rows)
	for r := range rows {
		diff := l.scores.diff.RawRowView(r)
		floats.AddScaled(diff, scale, l.probs.RawRowView(r))
		diff[l.label(r)] -= scale
	}
}

func (l *softmaxWithLoss) loss() float64       { return l.top.data.At(0, 0) }
func (l *softmaxWithLoss) lossWeight() float64 { return l.weight }
