// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gomlx/netmerge/pkg/core/merge"
	"github.com/gomlx/netmerge/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// Manifest describes a merge in a YAML file. Relative paths are relative to the manifest's directory.
type Manifest struct {
	Inputs          []string `yaml:"inputs"`
	Output          string   `yaml:"output"`
	Name            string   `yaml:"name"`
	IndexWidth      int      `yaml:"index_width"`
	NormalizePhases bool     `yaml:"normalize_phases"`
}

// loadManifest reads a Manifest, rejecting unknown fields.
func loadManifest(path string) (*Manifest, error) {
	path, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open manifest")
	}
	defer func() { _ = f.Close() }()

	m := &Manifest{}
	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err = decoder.Decode(m); err != nil && err != io.EOF {
		return nil, errors.Wrapf(err, "failed to parse manifest %q", path)
	}
	dir := filepath.Dir(path)
	relativeTo := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}
	for ii, input := range m.Inputs {
		m.Inputs[ii] = relativeTo(input)
	}
	m.Output = relativeTo(m.Output)
	return m, nil
}

func newMergeCmd() *cobra.Command {
	var (
		output, name, manifestPath string
		indexWidth                 int
		normalize                  bool
	)
	cmd := &cobra.Command{
		Use:   "merge -o OUT [flags] IN...",
		Short: "Merge network definitions into one where all graphs run side by side",
		Long: "Merge network definitions into one where all graphs run side by side.\n\n" +
			"The inputs and options can also be given in a YAML manifest (--manifest), with the fields " +
			"inputs, output, name, index_width and normalize_phases. Flags override the manifest.\n\n" +
			"Data sources paired with the suffix convention (X__TRAIN and X__TEST) are merged as they are by " +
			"default: each one is shared under its suffixed name and no PhaseBindingError is reported. Use " +
			"--normalize-phases to strip the suffixes first, so they are shared with graphs that use a single " +
			"phase-bound source X.",
		RunE: func(cmd *cobra.Command, args []string) error {
			plan := &Manifest{}
			if manifestPath != "" {
				var err error
				plan, err = loadManifest(manifestPath)
				if err != nil {
					return err
				}
			}
			flags := cmd.Flags()
			if len(args) > 0 {
				plan.Inputs = args
			}
			if flags.Changed("output") {
				plan.Output = output
			}
			if flags.Changed("name") {
				plan.Name = name
			}
			if flags.Changed("index-width") || plan.IndexWidth == 0 {
				plan.IndexWidth = indexWidth
			}
			if flags.Changed("normalize-phases") {
				plan.NormalizePhases = normalize
			}
			if plan.Output == "" {
				return errors.New("no output given, use -o or the manifest's \"output\" field")
			}

			merger, err := merge.Build().
				IndexWidth(plan.IndexWidth).
				Name(plan.Name).
				NormalizePhases(plan.NormalizePhases).
				Done()
			if err != nil {
				return err
			}
			klog.V(1).Infof("%s: merging %q", merger, plan.Inputs)
			if err = merge.MergeFiles(merger, plan.Inputs, plan.Output); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Merged %d graphs into %q\n", len(plan.Inputs), plan.Output)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&output, "output", "o", "", "Path where to write the merged definition.")
	flags.StringVar(&name, "name", "", "Name of the merged graph. Defaults to the first graph's name with a \"_merged\" suffix.")
	flags.IntVar(&indexWidth, "index-width", merge.DefaultIndexWidth,
		"Number of digits of the graph index appended to every name. Width w merges at most 10^w graphs.")
	flags.BoolVar(&normalize, "normalize-phases", false,
		"Strip the __TRAIN/__TEST suffix from paired data sources of every input before merging.")
	flags.StringVar(&manifestPath, "manifest", "", "YAML file describing the merge.")
	return cmd
}

func newNormalizeCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "normalize -o OUT IN",
		Short: "Strip the __TRAIN/__TEST suffix from the paired data sources of a network definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				return errors.New("no output given, use -o")
			}
			if err := merge.NormalizeFile(args[0], output); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Normalized %q into %q\n", args[0], output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Path where to write the normalized definition.")
	return cmd
}
