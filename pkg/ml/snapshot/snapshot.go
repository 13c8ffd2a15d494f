// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package snapshot holds the learnable state of a network (for each operation an ordered list of
// parameter blobs: weights, bias, ...) as an immutable value, and a Store to save and load it.
//
// Snapshots are created with a builder:
//
//	snap, err := snapshot.Build().
//		Set("ip", weights, bias).
//		Done()
//
// A Snapshot and its Tensors are never modified after creation: every accessor returns copies,
// so they can be shared freely between goroutines.
package snapshot

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/gomlx/netmerge/pkg/support/sets"
	"github.com/pkg/errors"
)

// Tensor is an immutable dense float64 array with a shape.
type Tensor struct {
	shape []int
	data  []float64
}

// NewTensor creates a tensor with a copy of data. The size of data must match the shape.
// A scalar has an empty shape and one element.
func NewTensor(shape []int, data []float64) (*Tensor, error) {
	size := 1
	for _, dim := range shape {
		if dim <= 0 {
			return nil, errors.Errorf("snapshot.NewTensor(shape=%v): dimensions must be positive", shape)
		}
		size *= dim
	}
	if size != len(data) {
		return nil, errors.Errorf("snapshot.NewTensor(shape=%v): shape has %d elements, but %d values were given",
			shape, size, len(data))
	}
	return &Tensor{shape: slices.Clone(shape), data: slices.Clone(data)}, nil
}

// Shape returns a copy of the tensor dimensions.
func (t *Tensor) Shape() []int {
	return slices.Clone(t.shape)
}

// Size returns the number of elements.
func (t *Tensor) Size() int {
	return len(t.data)
}

// Data returns a copy of the values, in row-major order.
func (t *Tensor) Data() []float64 {
	return slices.Clone(t.data)
}

// At returns the value at the flat (row-major) index.
func (t *Tensor) At(index int) float64 {
	return t.data[index]
}

// Equal returns whether both tensors have the same shape and bit-identical values.
// Unlike ==, a NaN equals a NaN with the same bits, and 0 differs from -0.
func (t *Tensor) Equal(o *Tensor) bool {
	if !slices.Equal(t.shape, o.shape) || len(t.data) != len(o.data) {
		return false
	}
	for ii, v := range t.data {
		if math.Float64bits(v) != math.Float64bits(o.data[ii]) {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	const maxValues = 8
	if len(t.data) <= maxValues {
		return fmt.Sprintf("(%v)%v", t.shape, t.data)
	}
	return fmt.Sprintf("(%v)%v...", t.shape, t.data[:maxValues])
}

// Snapshot maps operation names to their ordered parameter blobs.
type Snapshot struct {
	names []string
	blobs map[string][]*Tensor
}

// Builder accumulates the contents of a Snapshot. Create it with Build.
type Builder struct {
	blobs map[string][]*Tensor
	err   error
}

// Build starts a new Snapshot.
func Build() *Builder {
	return &Builder{blobs: make(map[string][]*Tensor)}
}

// Set the blobs of the operation name, replacing any previous value.
func (b *Builder) Set(name string, blobs ...*Tensor) *Builder {
	if b.err != nil {
		return b
	}
	if name == "" {
		b.err = errors.New("snapshot.Builder.Set(): empty operation name")
		return b
	}
	if slices.Contains(blobs, nil) {
		b.err = errors.Errorf("snapshot.Builder.Set(%q): nil blob", name)
		return b
	}
	b.blobs[name] = slices.Clone(blobs)
	return b
}

// Merge copies all the entries of snap into the builder, replacing entries with the same name.
func (b *Builder) Merge(snap *Snapshot) *Builder {
	for _, name := range snap.names {
		b.Set(name, snap.blobs[name]...)
	}
	return b
}

// Done returns the immutable Snapshot, or the first error found while building it.
func (b *Builder) Done() (*Snapshot, error) {
	if b.err != nil {
		return nil, b.err
	}
	snap := &Snapshot{blobs: make(map[string][]*Tensor, len(b.blobs))}
	for name, blobs := range b.blobs {
		snap.blobs[name] = slices.Clone(blobs)
		snap.names = append(snap.names, name)
	}
	slices.Sort(snap.names)
	return snap, nil
}

// Names returns the sorted names of the operations in the snapshot.
func (s *Snapshot) Names() []string {
	return slices.Clone(s.names)
}

// Len returns the number of operations in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.names)
}

// Get returns the blobs of the operation name.
func (s *Snapshot) Get(name string) (blobs []*Tensor, found bool) {
	blobs, found = s.blobs[name]
	return slices.Clone(blobs), found
}

// Select returns a new Snapshot with only the given operations. It fails if any of them is missing.
func (s *Snapshot) Select(names ...string) (*Snapshot, error) {
	b := Build()
	for _, name := range names {
		blobs, found := s.blobs[name]
		if !found {
			return nil, errors.Errorf("snapshot has no operation %q, it has %s", name, s.namesList())
		}
		b.Set(name, blobs...)
	}
	return b.Done()
}

// Rename returns a new Snapshot where every operation name is mapped by fn.
// It fails if two operations are mapped to the same name.
func (s *Snapshot) Rename(fn func(name string) string) (*Snapshot, error) {
	b := Build()
	seen := sets.Make[string](len(s.names))
	for _, name := range s.names {
		renamed := fn(name)
		if seen.Has(renamed) {
			return nil, errors.Errorf("snapshot.Rename: more than one operation renamed to %q", renamed)
		}
		seen.Insert(renamed)
		b.Set(renamed, s.blobs[name]...)
	}
	return b.Done()
}

// NumValues returns the total number of values over all blobs.
func (s *Snapshot) NumValues() int {
	var total int
	for _, blobs := range s.blobs {
		for _, blob := range blobs {
			total += blob.Size()
		}
	}
	return total
}

// Digest returns the hex encoded sha256 of the contents: names, shapes and the bits of every value.
// Two snapshots have the same Digest iff (barring hash collisions) they are equal.
func (s *Snapshot) Digest() string {
	h := sha256.New()
	var buf []byte
	for _, name := range s.names {
		buf = binary.LittleEndian.AppendUint64(buf[:0], uint64(len(name)))
		buf = append(buf, name...)
		blobs := s.blobs[name]
		buf = binary.LittleEndian.AppendUint64(buf, uint64(len(blobs)))
		for _, blob := range blobs {
			buf = binary.LittleEndian.AppendUint64(buf, uint64(len(blob.shape)))
			for _, dim := range blob.shape {
				buf = binary.LittleEndian.AppendUint64(buf, uint64(dim))
			}
			for _, v := range blob.data {
				buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
			}
		}
		_, _ = h.Write(buf)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Equal returns whether both snapshots hold the same operations, with bit-identical blobs.
func (s *Snapshot) Equal(o *Snapshot) bool {
	if !slices.Equal(s.names, o.names) {
		return false
	}
	for _, name := range s.names {
		if !slices.EqualFunc(s.blobs[name], o.blobs[name], (*Tensor).Equal) {
			return false
		}
	}
	return true
}

func (s *Snapshot) namesList() string {
	if len(s.names) == 0 {
		return "no operations"
	}
	return "[" + strings.Join(s.names, ", ") + "]"
}

// String implements fmt.Stringer.
func (s *Snapshot) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "Snapshot(%d operations, %d values):", len(s.names), s.NumValues())
	for _, name := range s.names {
		_, _ = fmt.Fprintf(&sb, "\n\t%q:", name)
		for _, blob := range s.blobs[name] {
			_, _ = fmt.Fprintf(&sb, " %v", blob.shape)
		}
	}
	return sb.String()
}
