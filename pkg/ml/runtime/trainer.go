// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"github.com/gomlx/netmerge/pkg/ml/solver"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"
)

// Trainer runs SGD training steps on a Net, with the hyperparameters of a solver.Solver.
//
// Each parameter is updated independently with the rule:
//
//	grad    += weight_decay * decay_mult * value
//	history  = momentum * history + learning_rate(step) * lr_mult * grad
//	value   -= history
type Trainer struct {
	net     *Net
	solver  *solver.Solver
	history map[*param]*mat.Dense
	step    int
}

// NewTrainer creates a Trainer for net. Only the hyperparameters of s are used, s.Net is ignored.
func NewTrainer(net *Net, s *solver.Solver) *Trainer {
	return &Trainer{
		net:     net,
		solver:  s,
		history: make(map[*param]*mat.Dense),
	}
}

// Net being trained.
func (t *Trainer) Net() *Net {
	return t.net
}

// Solver with the hyperparameters used.
func (t *Trainer) Solver() *solver.Solver {
	return t.solver
}

// Step returns the number of training steps executed so far, which is also the step of the next TrainStep.
func (t *Trainer) Step() int {
	return t.step
}

// SetStep sets the step of the next TrainStep, e.g. when resuming training from a snapshot.
func (t *Trainer) SetStep(step int) {
	t.step = step
}

// TrainStep runs forward, backward and the SGD update for the current step, and returns the loss
// (computed before the update).
func (t *Trainer) TrainStep() (loss float64, err error) {
	loss, err = t.net.Forward(t.step)
	if err != nil {
		return 0, err
	}
	if err = t.net.Backward(); err != nil {
		return 0, err
	}
	lr := t.solver.LearningRate(t.step)
	for _, l := range t.net.layers {
		for _, p := range l.params() {
			t.update(p, lr)
		}
	}
	if klog.V(2).Enabled() {
		klog.Infof("%s: step %d, lr=%g, loss=%g", t.net, t.step, lr, loss)
	}
	t.step++
	return loss, nil
}

func (t *Trainer) update(p *param, lr float64) {
	history, found := t.history[p]
	if !found {
		rows, cols := p.value.Dims()
		history = mat.NewDense(rows, cols, nil)
		t.history[p] = history
	}
	value, grad, h := p.value.RawMatrix().Data, p.grad.RawMatrix().Data, history.RawMatrix().Data
	if decay := t.solver.WeightDecay * p.decayMult; decay != 0 {
		floats.AddScaled(grad, decay, value)
	}
	floats.Scale(t.solver.Momentum, h)
	floats.AddScaled(h, lr*p.lrMult, grad)
	floats.Sub(value, h)
}

// ResetHistory clears the momentum history, e.g. after restoring parameters with Net.Restore.
func (t *Trainer) ResetHistory() {
	clear(t.history)
}

// Run executes steps training steps and returns the loss of the last one.
// It's a shortcut for when no hooks are needed, see Loop otherwise.
func (t *Trainer) Run(steps int) (loss float64, err error) {
	for range steps {
		loss, err = t.TrainStep()
		if err != nil {
			return 0, errors.WithMessagef(err, "Trainer.Run(%d)", steps)
		}
	}
	return loss, nil
}
