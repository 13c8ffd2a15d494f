// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package netdef

import (
	"os"

	"github.com/gomlx/netmerge/pkg/support/fsutil"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/pkg/errors"
	"github.com/zclconf/go-cty/cty"
)

// FilePermMode is the permission (before umask) of the files written by WriteFile.
var FilePermMode = os.FileMode(0644)

// Serialize converts the graph to its textual definition. It is the left inverse of Parse:
// Parse(Serialize(g)) is structurally equal to g for any valid graph g.
//
// The interpreted fields of each layer are written first (`type`, `bottom`, `top`, `include`),
// followed by the opaque parameters in their original order.
func Serialize(g *Graph) ([]byte, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	f := hclwrite.NewEmptyFile()
	root := f.Body()
	if g.Name != "" {
		root.SetAttributeValue(NameAttribute, cty.StringVal(g.Name))
	}
	if err := writeParams(root, g.Attributes); err != nil {
		return nil, errors.WithMessagef(err, "graph %q attributes", g.Name)
	}

	for _, op := range g.Operations {
		root.AppendNewline()
		body := root.AppendNewBlock(LayerBlock, []string{op.Name}).Body()
		body.SetAttributeValue(TypeAttribute, cty.StringVal(op.Type))
		if len(op.Inputs) > 0 {
			body.SetAttributeValue(InputsField, stringsValue(op.Inputs))
		}
		if len(op.Outputs) > 0 {
			body.SetAttributeValue(OutputsField, stringsValue(op.Outputs))
		}
		for _, phase := range op.Phases {
			include := body.AppendNewBlock(IncludeBlock, nil)
			include.Body().SetAttributeValue(PhaseAttribute, cty.StringVal(phase.String()))
		}
		if err := writeParams(body, op.Params); err != nil {
			return nil, errors.WithMessagef(err, "layer %q", op.Name)
		}
	}
	return hclwrite.Format(f.Bytes()), nil
}

// WriteFile serializes the graph and writes it to path atomically: the contents are first written
// to a temporary file in the same directory, which is then renamed. Nothing is written if
// serialization fails.
func WriteFile(g *Graph, path string) error {
	contents, err := Serialize(g)
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, contents, FilePermMode)
}

func writeParams(body *hclwrite.Body, params *Params) error {
	for _, e := range params.Entries() {
		if !hclsyntax.ValidIdentifier(e.Name) {
			return errors.Errorf("invalid parameter name %q", e.Name)
		}
		if e.IsBlock() {
			nested := body.AppendNewBlock(e.Name, e.Labels)
			if err := writeParams(nested.Body(), e.Body); err != nil {
				return errors.WithMessagef(err, "block %q", e.Name)
			}
			continue
		}
		if e.Value == cty.NilVal || !e.Value.IsWhollyKnown() {
			return errors.Errorf("parameter %q has no known value", e.Name)
		}
		body.SetAttributeValue(e.Name, e.Value)
	}
	return nil
}

func stringsValue(names []string) cty.Value {
	values := make([]cty.Value, len(names))
	for ii, name := range names {
		values[ii] = cty.StringVal(name)
	}
	return cty.ListVal(values)
}
