// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package solver reads solver definitions: which network to train and the hyperparameters of its
// stochastic gradient descent.
//
// A solver file uses the same HCL syntax as network definitions:
//
//	net          = "regression.hcl"   # Relative to the solver file.
//	base_lr      = 0.01
//	lr_policy    = "step"
//	gamma        = 0.5
//	stepsize     = 100
//	momentum     = 0.9
//	weight_decay = 0.0005
//	max_iter     = 1000
//	random_seed  = 1
//
// Fields not listed in Solver (e.g. snapshot_prefix) are accepted and ignored.
package solver

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sort"

	"github.com/gomlx/netmerge/pkg/core/netdef"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Learning rate policies.
const (
	PolicyFixed = "fixed"
	PolicyStep  = "step"
	PolicyExp   = "exp"
	PolicyInv   = "inv"
	PolicyPoly  = "poly"
)

// Policies lists the supported learning rate policies.
var Policies = []string{PolicyFixed, PolicyStep, PolicyExp, PolicyInv, PolicyPoly}

// Solver is the decoded solver definition.
type Solver struct {
	// Net is the path to the network definition, as written in the file.
	Net string `hcl:"net"`

	// Type of the solver. Only "SGD" (the default) is supported.
	Type string `hcl:"type,optional"`

	BaseLR      float64 `hcl:"base_lr"`
	LRPolicy    string  `hcl:"lr_policy,optional"`
	Gamma       float64 `hcl:"gamma,optional"`
	StepSize    int     `hcl:"stepsize,optional"`
	Power       float64 `hcl:"power,optional"`
	Momentum    float64 `hcl:"momentum,optional"`
	WeightDecay float64 `hcl:"weight_decay,optional"`
	MaxIter     int     `hcl:"max_iter,optional"`
	RandomSeed  int64   `hcl:"random_seed,optional"`

	// Display is the interval, in steps, for reporting the loss. 0 disables it.
	Display int `hcl:"display,optional"`

	// Remain holds the fields not interpreted.
	Remain hcl.Body `hcl:",remain"`

	// file the solver was read from, used to resolve Net.
	file string
}

// Load reads and validates the solver definition at path.
func Load(path string) (*Solver, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read solver definition %q", path)
	}
	return Parse(src, path)
}

// Parse decodes and validates the solver definition in src. filename is used to resolve the network path
// and to identify the definition in errors, which are *netdef.MalformedDefinitionError.
func Parse(src []byte, filename string) (*Solver, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, malformedf(filename, "%s", diags.Error())
	}
	s := &Solver{file: filename}
	if diags = gohcl.DecodeBody(file.Body, nil, s); diags.HasErrors() {
		return nil, malformedf(filename, "%s", diags.Error())
	}
	if s.Type == "" {
		s.Type = "SGD"
	}
	if s.LRPolicy == "" {
		s.LRPolicy = PolicyFixed
	}
	if err := s.Validate(); err != nil {
		return nil, malformedf(filename, "%s", err)
	}
	if klog.V(1).Enabled() {
		klog.Infof("solver %q: %s, ignored fields %q", filename, s, s.IgnoredFields())
	}
	return s, nil
}

func malformedf(file, format string, args ...any) error {
	return errors.WithStack(&netdef.MalformedDefinitionError{File: file, Detail: fmt.Sprintf(format, args...)})
}

// Validate checks the values of the fields, e.g. after changing them programmatically.
func (s *Solver) Validate() error {
	switch {
	case s.Net == "":
		return errors.New(`"net" must not be empty`)
	case s.Type != "SGD":
		return errors.Errorf("solver type %q is not supported, only \"SGD\" is", s.Type)
	case !slices.Contains(Policies, s.LRPolicy):
		return errors.Errorf("unknown lr_policy %q, valid values are %q", s.LRPolicy, Policies)
	case s.LRPolicy == PolicyStep && s.StepSize <= 0:
		return errors.Errorf("lr_policy %q requires stepsize > 0, got %d", PolicyStep, s.StepSize)
	case s.LRPolicy == PolicyPoly && s.MaxIter <= 0:
		return errors.Errorf("lr_policy %q requires max_iter > 0, got %d", PolicyPoly, s.MaxIter)
	case s.BaseLR < 0 || math.IsNaN(s.BaseLR) || math.IsInf(s.BaseLR, 0):
		return errors.Errorf("base_lr must be a finite value >= 0, got %g", s.BaseLR)
	case s.Momentum < 0 || s.Momentum >= 1:
		return errors.Errorf("momentum must be in [0, 1), got %g", s.Momentum)
	case s.WeightDecay < 0:
		return errors.Errorf("weight_decay must be >= 0, got %g", s.WeightDecay)
	case s.MaxIter < 0 || s.Display < 0:
		return errors.New("max_iter and display must be >= 0")
	}
	return nil
}

// Fields returns pointers to the settable fields of the solver, keyed by their attribute name in the file.
// Values are *string, *float64, *int or *int64.
func (s *Solver) Fields() map[string]any {
	return map[string]any{
		"net":          &s.Net,
		"type":         &s.Type,
		"base_lr":      &s.BaseLR,
		"lr_policy":    &s.LRPolicy,
		"gamma":        &s.Gamma,
		"stepsize":     &s.StepSize,
		"power":        &s.Power,
		"momentum":     &s.Momentum,
		"weight_decay": &s.WeightDecay,
		"max_iter":     &s.MaxIter,
		"random_seed":  &s.RandomSeed,
		"display":      &s.Display,
	}
}

// NetPath returns the path of the network definition: Net, resolved relative to the directory of the
// solver file if it is not absolute.
func (s *Solver) NetPath() string {
	if filepath.IsAbs(s.Net) || s.file == "" {
		return s.Net
	}
	return filepath.Join(filepath.Dir(s.file), s.Net)
}

// LearningRate returns the learning rate for the given (0-based) step, following LRPolicy:
//
//   - fixed: base_lr
//   - step: base_lr * gamma ^ floor(step / stepsize)
//   - exp: base_lr * gamma ^ step
//   - inv: base_lr * (1 + gamma * step) ^ (-power)
//   - poly: base_lr * (1 - step / max_iter) ^ power
func (s *Solver) LearningRate(step int) float64 {
	switch s.LRPolicy {
	case PolicyStep:
		return s.BaseLR * math.Pow(s.Gamma, float64(step/s.StepSize))
	case PolicyExp:
		return s.BaseLR * math.Pow(s.Gamma, float64(step))
	case PolicyInv:
		return s.BaseLR * math.Pow(1+s.Gamma*float64(step), -s.Power)
	case PolicyPoly:
		return s.BaseLR * math.Pow(1-float64(step)/float64(s.MaxIter), s.Power)
	default:
		return s.BaseLR
	}
}

// IgnoredFields returns the sorted names of the attributes in the file that Solver doesn't interpret.
func (s *Solver) IgnoredFields() []string {
	if s.Remain == nil {
		return nil
	}
	attrs, _ := s.Remain.JustAttributes()
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// String implements fmt.Stringer.
func (s *Solver) String() string {
	return fmt.Sprintf("%s(net=%q, base_lr=%g, lr_policy=%s, momentum=%g, weight_decay=%g, max_iter=%d, seed=%d)",
		s.Type, s.Net, s.BaseLR, s.LRPolicy, s.Momentum, s.WeightDecay, s.MaxIter, s.RandomSeed)
}
