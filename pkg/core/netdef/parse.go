// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package netdef

import (
	"os"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/pkg/errors"
	"github.com/zclconf/go-cty/cty"
	"k8s.io/klog/v2"
)

// Names of the fields of the persisted format that are interpreted by the package.
const (
	LayerBlock     = "layer"
	NameAttribute  = "name"
	TypeAttribute  = "type"
	InputsField    = "bottom"
	OutputsField   = "top"
	IncludeBlock   = "include"
	PhaseAttribute = "phase"
)

// ParseFile reads and parses the definition at path. See Parse.
func ParseFile(path string) (*Graph, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read network definition %q", path)
	}
	return Parse(src, path)
}

// Parse converts the textual definition in src to a Graph. filename is only used to identify
// the definition in errors.
//
// It returns a *MalformedDefinitionError if src is not valid HCL, if a field has the wrong type,
// if a required field is missing, if values are not literals, or if the resulting graph breaks
// the naming invariants (see Graph.Validate).
func Parse(src []byte, filename string) (*Graph, error) {
	file, diags := hclsyntax.ParseConfig(src, filename, hcl.InitialPos)
	if diags.HasErrors() {
		return nil, malformedf(filename, "%s", diags.Error())
	}
	body, ok := file.Body.(*hclsyntax.Body)
	if !ok {
		return nil, malformedf(filename, "unexpected body type %T", file.Body)
	}

	g := NewGraph("")
	for _, attr := range sortedAttributes(body.Attributes) {
		value, err := literalValue(filename, attr)
		if err != nil {
			return nil, err
		}
		if attr.Name == NameAttribute {
			if value.Type() != cty.String || value.IsNull() {
				return nil, malformedf(filename, "%s: %q must be a string", attr.SrcRange, NameAttribute)
			}
			g.Name = value.AsString()
			continue
		}
		g.Attributes.SetAttribute(attr.Name, value)
	}
	for _, block := range body.Blocks {
		if block.Type != LayerBlock {
			// Unknown net-level blocks are preserved opaquely.
			params, err := parseParams(filename, block.Body)
			if err != nil {
				return nil, err
			}
			g.Attributes.AppendBlock(block.Type, block.Labels, params)
			continue
		}
		op, err := parseLayer(filename, block)
		if err != nil {
			return nil, err
		}
		g.Operations = append(g.Operations, op)
	}

	if err := g.Validate(); err != nil {
		return nil, withFile(err, filename)
	}
	klog.V(2).Infof("parsed %q: graph %q with %d operations", filename, g.Name, len(g.Operations))
	return g, nil
}

// bodyItem is either an attribute or a block, used to recover definition order.
type bodyItem struct {
	pos   int
	attr  *hclsyntax.Attribute
	block *hclsyntax.Block
}

// orderedItems returns the attributes and blocks of body in the order they were defined.
func orderedItems(body *hclsyntax.Body) []bodyItem {
	items := make([]bodyItem, 0, len(body.Attributes)+len(body.Blocks))
	for _, attr := range body.Attributes {
		items = append(items, bodyItem{pos: attr.SrcRange.Start.Byte, attr: attr})
	}
	for _, block := range body.Blocks {
		items = append(items, bodyItem{pos: block.TypeRange.Start.Byte, block: block})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].pos < items[j].pos })
	return items
}

func sortedAttributes(attrs hclsyntax.Attributes) []*hclsyntax.Attribute {
	sorted := make([]*hclsyntax.Attribute, 0, len(attrs))
	for _, attr := range attrs {
		sorted = append(sorted, attr)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SrcRange.Start.Byte < sorted[j].SrcRange.Start.Byte })
	return sorted
}

// literalValue evaluates the attribute without any variables or functions available.
func literalValue(filename string, attr *hclsyntax.Attribute) (cty.Value, error) {
	value, diags := attr.Expr.Value(nil)
	if diags.HasErrors() {
		return cty.NilVal, malformedf(filename, "%s: attribute %q must be a literal value: %s",
			attr.SrcRange, attr.Name, diags.Error())
	}
	if !value.IsWhollyKnown() {
		return cty.NilVal, malformedf(filename, "%s: attribute %q has an unknown value", attr.SrcRange, attr.Name)
	}
	return value, nil
}

func parseLayer(filename string, block *hclsyntax.Block) (*Operation, error) {
	if len(block.Labels) != 1 {
		return nil, malformedf(filename, "%s: %q blocks take exactly one label (the operation name), got %d",
			block.TypeRange, LayerBlock, len(block.Labels))
	}
	op := &Operation{Name: block.Labels[0], Params: NewParams()}
	var hasType bool
	for _, item := range orderedItems(block.Body) {
		if item.block != nil {
			if item.block.Type == IncludeBlock {
				phase, err := parseInclude(filename, op.Name, item.block)
				if err != nil {
					return nil, err
				}
				op.Phases = append(op.Phases, phase)
				continue
			}
			params, err := parseParams(filename, item.block.Body)
			if err != nil {
				return nil, err
			}
			op.Params.AppendBlock(item.block.Type, item.block.Labels, params)
			continue
		}

		attr := item.attr
		value, err := literalValue(filename, attr)
		if err != nil {
			return nil, err
		}
		switch attr.Name {
		case TypeAttribute:
			if value.Type() != cty.String || value.IsNull() || value.AsString() == "" {
				return nil, malformedf(filename, "%s: layer %q: %q must be a non-empty string",
					attr.SrcRange, op.Name, TypeAttribute)
			}
			op.Type = value.AsString()
			hasType = true
		case InputsField, OutputsField:
			names, err := stringList(value)
			if err != nil {
				return nil, malformedf(filename, "%s: layer %q: %q %s", attr.SrcRange, op.Name, attr.Name, err)
			}
			if attr.Name == InputsField {
				op.Inputs = names
			} else {
				op.Outputs = names
			}
		default:
			op.Params.SetAttribute(attr.Name, value)
		}
	}
	if !hasType {
		return nil, malformedf(filename, "%s: layer %q is missing the required %q attribute",
			block.TypeRange, op.Name, TypeAttribute)
	}
	op.Kind = KindOf(op.Type)
	op.Phases = canonicalPhases(op.Phases)
	return op, nil
}

func parseInclude(filename, opName string, block *hclsyntax.Block) (Phase, error) {
	if len(block.Labels) != 0 || len(block.Body.Blocks) != 0 || len(block.Body.Attributes) != 1 {
		return PhaseTrain, malformedf(filename, "%s: layer %q: %q block must contain only the %q attribute",
			block.TypeRange, opName, IncludeBlock, PhaseAttribute)
	}
	attr, found := block.Body.Attributes[PhaseAttribute]
	if !found {
		return PhaseTrain, malformedf(filename, "%s: layer %q: %q block is missing %q",
			block.TypeRange, opName, IncludeBlock, PhaseAttribute)
	}
	value, err := literalValue(filename, attr)
	if err != nil {
		return PhaseTrain, err
	}
	if value.Type() != cty.String || value.IsNull() {
		return PhaseTrain, malformedf(filename, "%s: layer %q: %q must be a string", attr.SrcRange, opName, PhaseAttribute)
	}
	phase, err := ParsePhase(value.AsString())
	if err != nil {
		return PhaseTrain, malformedf(filename, "%s: layer %q: %s", attr.SrcRange, opName, err)
	}
	return phase, nil
}

// parseParams converts a block body into an opaque Params bag, recursively.
func parseParams(filename string, body *hclsyntax.Body) (*Params, error) {
	params := NewParams()
	for _, item := range orderedItems(body) {
		if item.block != nil {
			nested, err := parseParams(filename, item.block.Body)
			if err != nil {
				return nil, err
			}
			params.AppendBlock(item.block.Type, item.block.Labels, nested)
			continue
		}
		value, err := literalValue(filename, item.attr)
		if err != nil {
			return nil, err
		}
		params.SetAttribute(item.attr.Name, value)
	}
	return params, nil
}

// stringList accepts a list/tuple of strings, or a single string.
func stringList(value cty.Value) ([]string, error) {
	if value.IsNull() {
		return nil, errors.New("must not be null")
	}
	ty := value.Type()
	if ty == cty.String {
		return []string{value.AsString()}, nil
	}
	if !ty.IsTupleType() && !ty.IsListType() {
		return nil, errors.Errorf("must be a list of strings, got %s", ty.FriendlyName())
	}
	names := make([]string, 0, value.LengthInt())
	for it := value.ElementIterator(); it.Next(); {
		_, elem := it.Element()
		if elem.Type() != cty.String || elem.IsNull() {
			return nil, errors.Errorf("must be a list of strings, got element of type %s", elem.Type().FriendlyName())
		}
		names = append(names, elem.AsString())
	}
	return names, nil
}
