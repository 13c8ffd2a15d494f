// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package netdef

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/gocty"
)

// Entry is one field of a Params bag: either an attribute (`name = value`) or a nested block
// (`name "label" { ... }`), in which case Body is not nil.
type Entry struct {
	// Name of the attribute, or type of the block.
	Name string

	// Labels of a block. Always empty for attributes.
	Labels []string

	// Value of an attribute. Not used for blocks.
	Value cty.Value

	// Body of a block, nil for attributes.
	Body *Params
}

// IsBlock returns whether the entry is a nested block.
func (e *Entry) IsBlock() bool {
	return e.Body != nil
}

func (e *Entry) clone() *Entry {
	c := &Entry{Name: e.Name, Value: e.Value}
	if e.IsBlock() {
		c.Labels = slices.Clone(e.Labels)
		c.Body = e.Body.Clone()
	}
	return c
}

func (e *Entry) equal(o *Entry) bool {
	if e.Name != o.Name || e.IsBlock() != o.IsBlock() {
		return false
	}
	if e.IsBlock() {
		return slices.Equal(e.Labels, o.Labels) && e.Body.Equal(o.Body)
	}
	return literalShape(e.Value).RawEquals(literalShape(o.Value))
}

// literalShape returns v typed the way the definition text types it once written and parsed back:
// lists and sets become tuples, maps become objects and nulls lose their type.
func literalShape(v cty.Value) cty.Value {
	if !v.IsKnown() {
		return v
	}
	if v.IsNull() {
		return cty.NullVal(cty.DynamicPseudoType)
	}
	ty := v.Type()
	switch {
	case ty.IsListType() || ty.IsSetType() || ty.IsTupleType():
		elems := make([]cty.Value, 0, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			_, elem := it.Element()
			elems = append(elems, literalShape(elem))
		}
		return cty.TupleVal(elems)
	case ty.IsMapType() || ty.IsObjectType():
		attrs := make(map[string]cty.Value, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			key, elem := it.Element()
			attrs[key.AsString()] = literalShape(elem)
		}
		return cty.ObjectVal(attrs)
	}
	return v
}

// Params is an ordered bag of type-specific operation parameters.
//
// The transform doesn't interpret them: they are kept opaque, in the order they were
// defined, and written back verbatim. Consumers that do understand an operation type
// (e.g. a training runtime) read them with Params.Decode or Params.Block.
//
// A nil *Params behaves as an empty bag for all read methods.
type Params struct {
	entries []*Entry
}

// NewParams returns an empty Params bag.
func NewParams() *Params {
	return &Params{}
}

// Len returns the number of entries (attributes and blocks) in the bag.
func (p *Params) Len() int {
	if p == nil {
		return 0
	}
	return len(p.entries)
}

// Entries returns the entries in definition order. The returned slice is a copy, but the
// entries themselves are shared and should be treated as read-only.
func (p *Params) Entries() []*Entry {
	if p == nil {
		return nil
	}
	return slices.Clone(p.entries)
}

// SetAttribute sets the value of the attribute name, replacing it in place if it already
// exists, or appending it otherwise. It returns p for chaining.
//
// Collections are stored with the literal types the definition text gives them: lists and sets
// as tuples, maps as objects.
func (p *Params) SetAttribute(name string, value cty.Value) *Params {
	value = literalShape(value)
	for _, e := range p.entries {
		if !e.IsBlock() && e.Name == name {
			e.Value = value
			return p
		}
	}
	p.entries = append(p.entries, &Entry{Name: name, Value: value})
	return p
}

// AppendBlock appends a nested block. If body is nil an empty one is created. It returns p for chaining.
func (p *Params) AppendBlock(blockType string, labels []string, body *Params) *Params {
	if body == nil {
		body = NewParams()
	}
	p.entries = append(p.entries, &Entry{Name: blockType, Labels: slices.Clone(labels), Body: body})
	return p
}

// Attribute returns the value of the attribute name, if present.
func (p *Params) Attribute(name string) (cty.Value, bool) {
	if p == nil {
		return cty.NilVal, false
	}
	for _, e := range p.entries {
		if !e.IsBlock() && e.Name == name {
			return e.Value, true
		}
	}
	return cty.NilVal, false
}

// Block returns the body of the first block of the given type, or nil if there is none.
func (p *Params) Block(blockType string) *Params {
	if p == nil {
		return nil
	}
	for _, e := range p.entries {
		if e.IsBlock() && e.Name == blockType {
			return e.Body
		}
	}
	return nil
}

// Blocks returns the bodies of all blocks of the given type, in order.
func (p *Params) Blocks(blockType string) []*Params {
	if p == nil {
		return nil
	}
	var bodies []*Params
	for _, e := range p.entries {
		if e.IsBlock() && e.Name == blockType {
			bodies = append(bodies, e.Body)
		}
	}
	return bodies
}

// Decode converts the attribute name into target, which must be a pointer to a Go value
// that go-cty knows how to map (numbers, bools, strings, slices, maps, structs with `cty` tags).
//
// It returns false (and leaves target untouched) if the attribute is not set.
func (p *Params) Decode(name string, target any) (found bool, err error) {
	value, found := p.Attribute(name)
	if !found {
		return false, nil
	}
	ty, err := gocty.ImpliedType(target)
	if err != nil {
		return true, errors.Wrapf(err, "cannot decode parameter %q into %T", name, target)
	}
	converted, err := convert.Convert(value, ty)
	if err != nil {
		return true, errors.Wrapf(err, "parameter %q has an invalid value for %T", name, target)
	}
	if err = gocty.FromCtyValue(converted, target); err != nil {
		return true, errors.Wrapf(err, "parameter %q has an invalid value for %T", name, target)
	}
	return true, nil
}

// Clone returns a deep copy of the bag. cty.Value are immutable and hence shared.
func (p *Params) Clone() *Params {
	if p == nil {
		return NewParams()
	}
	c := &Params{entries: make([]*Entry, len(p.entries))}
	for ii, e := range p.entries {
		c.entries[ii] = e.clone()
	}
	return c
}

// Equal returns whether both bags hold the same entries, in the same order.
// A nil bag equals an empty one.
func (p *Params) Equal(o *Params) bool {
	if p.Len() != o.Len() {
		return false
	}
	for ii := range p.Len() {
		if !p.entries[ii].equal(o.entries[ii]) {
			return false
		}
	}
	return true
}

// String returns a compact one-line description of the bag, for debugging.
func (p *Params) String() string {
	parts := make([]string, 0, p.Len())
	for _, e := range p.Entries() {
		if e.IsBlock() {
			parts = append(parts, fmt.Sprintf("%s%q{%s}", e.Name, e.Labels, e.Body))
		} else {
			parts = append(parts, fmt.Sprintf("%s=%s", e.Name, e.Value.GoString()))
		}
	}
	return strings.Join(parts, ", ")
}
