// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package equivalence compares the learned state of networks bit by bit.
//
// It is the oracle used to verify that a merged network, trained for K steps, holds exactly the same
// parameters as each of its original networks trained independently for K steps:
//
//	report := equivalence.Compare(standalone, merged,
//		equivalence.WithRename(func(name string) string { return name + "_nidx_01" }))
//	if !report.Equal() {
//		return report.Err()
//	}
package equivalence

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/gomlx/netmerge/pkg/ml/snapshot"
	"github.com/pkg/errors"
)

// MaxReportedMismatches is the maximum number of mismatches kept in full in a Report.
var MaxReportedMismatches = 20

// Option configures Compare.
type Option func(c *comparison)

type comparison struct {
	rename     func(string) string
	operations []string
}

// WithRename maps each operation name of the expected snapshot to the name it has in the actual snapshot,
// e.g. to compare a standalone network against its renamed copy in a merged network.
func WithRename(fn func(name string) string) Option {
	return func(c *comparison) {
		c.rename = fn
	}
}

// WithOperations restricts the comparison to the given operations (names in the expected snapshot).
// By default all operations of the expected snapshot are compared.
func WithOperations(names ...string) Option {
	return func(c *comparison) {
		c.operations = slices.Clone(names)
	}
}

// Mismatch describes one difference found.
type Mismatch struct {
	// Operation name in the expected snapshot, and the name it was looked up with in the actual one.
	Operation, ActualOperation string

	// Blob index, or -1 if the mismatch is about the operation as a whole.
	Blob int

	// Index of the first differing element, or -1 if the mismatch is about the blob as a whole.
	Index int

	// Detail describes the difference.
	Detail string
}

// String implements fmt.Stringer.
func (m Mismatch) String() string {
	location := fmt.Sprintf("%q", m.Operation)
	if m.ActualOperation != m.Operation {
		location += fmt.Sprintf(" (as %q)", m.ActualOperation)
	}
	if m.Blob >= 0 {
		location += fmt.Sprintf(" blob #%d", m.Blob)
	}
	if m.Index >= 0 {
		location += fmt.Sprintf(" element #%d", m.Index)
	}
	return location + ": " + m.Detail
}

// Report is the result of Compare.
type Report struct {
	// Compared is the number of operations compared.
	Compared int

	// Values is the number of values compared.
	Values int

	// Mismatches found, at most MaxReportedMismatches of them.
	Mismatches []Mismatch

	// NumMismatches is the total number of mismatches, including those not listed.
	NumMismatches int
}

// Equal returns whether no mismatch was found.
func (r *Report) Equal() bool {
	return r.NumMismatches == 0
}

func (r *Report) add(m Mismatch) {
	r.NumMismatches++
	if len(r.Mismatches) < MaxReportedMismatches {
		r.Mismatches = append(r.Mismatches, m)
	}
}

// String implements fmt.Stringer.
func (r *Report) String() string {
	if r.Equal() {
		return fmt.Sprintf("equivalent: %d operations, %d values bit-identical", r.Compared, r.Values)
	}
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "not equivalent: %d mismatches in %d operations", r.NumMismatches, r.Compared)
	for _, m := range r.Mismatches {
		_, _ = fmt.Fprintf(&sb, "\n\t- %s", m)
	}
	if hidden := r.NumMismatches - len(r.Mismatches); hidden > 0 {
		_, _ = fmt.Fprintf(&sb, "\n\t... and %d more", hidden)
	}
	return sb.String()
}

// Err returns nil if the snapshots are equivalent, or an error with the report otherwise.
func (r *Report) Err() error {
	if r.Equal() {
		return nil
	}
	return errors.New(r.String())
}

// Compare checks that every operation of want is present in got (after renaming, see WithRename) with
// the same number of blobs, the same shapes and bit-identical values. Comparison is by the bits of
// each float64, so a NaN matches a NaN with the same bits, and 0 doesn't match -0.
//
// Operations in got that are not in want are ignored.
func Compare(want, got *snapshot.Snapshot, opts ...Option) *Report {
	c := &comparison{rename: func(name string) string { return name }}
	for _, opt := range opts {
		opt(c)
	}
	names := c.operations
	if names == nil {
		names = want.Names()
	}

	report := &Report{}
	for _, name := range names {
		actualName := c.rename(name)
		report.Compared++
		wantBlobs, found := want.Get(name)
		if !found {
			report.add(Mismatch{Operation: name, ActualOperation: actualName, Blob: -1, Index: -1,
				Detail: "missing in the expected snapshot"})
			continue
		}
		gotBlobs, found := got.Get(actualName)
		if !found {
			report.add(Mismatch{Operation: name, ActualOperation: actualName, Blob: -1, Index: -1,
				Detail: "missing in the actual snapshot"})
			continue
		}
		if len(wantBlobs) != len(gotBlobs) {
			report.add(Mismatch{Operation: name, ActualOperation: actualName, Blob: -1, Index: -1,
				Detail: fmt.Sprintf("%d blobs expected, got %d", len(wantBlobs), len(gotBlobs))})
			continue
		}
		for blobIdx, wantBlob := range wantBlobs {
			gotBlob := gotBlobs[blobIdx]
			if !slices.Equal(wantBlob.Shape(), gotBlob.Shape()) {
				report.add(Mismatch{Operation: name, ActualOperation: actualName, Blob: blobIdx, Index: -1,
					Detail: fmt.Sprintf("shape %v expected, got %v", wantBlob.Shape(), gotBlob.Shape())})
				continue
			}
			report.Values += wantBlob.Size()
			for ii := range wantBlob.Size() {
				w, g := wantBlob.At(ii), gotBlob.At(ii)
				if math.Float64bits(w) != math.Float64bits(g) {
					report.add(Mismatch{Operation: name, ActualOperation: actualName, Blob: blobIdx, Index: ii,
						Detail: fmt.Sprintf("%v expected, got %v (difference %g)", w, g, g-w)})
					// Only the first differing element of each blob is reported.
					break
				}
			}
		}
	}
	return report
}

// Differ returns whether the two blob lists differ in any way: number of blobs, shapes or any value bit.
// It is used to verify that training one network doesn't touch the state of another.
func Differ(a, b []*snapshot.Tensor) bool {
	return !slices.EqualFunc(a, b, (*snapshot.Tensor).Equal)
}

// Changed returns the sorted names of the operations whose blobs differ between before and after,
// including operations present in only one of them.
func Changed(before, after *snapshot.Snapshot) []string {
	var changed []string
	names := append(before.Names(), after.Names()...)
	slices.Sort(names)
	names = slices.Compact(names)
	for _, name := range names {
		a, foundA := before.Get(name)
		b, foundB := after.Get(name)
		if foundA != foundB || Differ(a, b) {
			changed = append(changed, name)
		}
	}
	return changed
}
