// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/gomlx/netmerge/pkg/ml/solver"
	"github.com/gomlx/netmerge/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// ParseSolverSettings from settings, typically the contents of a flag set by the user.
// The settings are a list separated by ";": e.g.: "base_lr=0.1;momentum=0.9;...".
//
// Only the fields listed by solver.Solver.Fields can be set, and values are parsed according to the
// type of the field. For integer fields "_" is removed: it allows one to enter large numbers using it
// as a separator, like in Go. E.g.: 1_000_000 = 1000000.
//
// A setting "file:<path>" reads settings from the file, one or more per line, with lines
// starting with "#" treated as comments.
//
// It updates s accordingly, validates it, and returns the names of the fields set.
func ParseSolverSettings(s *solver.Solver, settings string) (paramsSet []string, err error) {
	fields := s.Fields()
	for _, setting := range strings.Split(settings, ";") {
		paramsSet, err = parseSolverSetting(fields, setting, paramsSet)
		if err != nil {
			return nil, err
		}
	}
	if err = s.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "invalid solver after settings %q", settings)
	}
	return paramsSet, nil
}

func parseSolverSetting(fields map[string]any, setting string, paramsSet []string) (newParamsSet []string, err error) {
	newParamsSet = paramsSet
	setting = strings.TrimSpace(setting)
	if setting == "" {
		return
	}
	if filePath, found := strings.CutPrefix(setting, "file:"); found {
		filePath, err = fsutil.ReplaceTildeInDir(filePath)
		if err != nil {
			return
		}
		var contents []byte
		contents, err = os.ReadFile(filePath)
		if err != nil {
			err = errors.Wrapf(err, "failed to read settings from file %q", filePath)
			return
		}
		for _, line := range strings.Split(string(contents), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			for _, lineSetting := range strings.Split(line, ";") {
				newParamsSet, err = parseSolverSetting(fields, lineSetting, newParamsSet)
				if err != nil {
					return
				}
			}
		}
		return
	}

	name, valueStr, found := strings.Cut(setting, "=")
	if !found {
		err = errors.Errorf("can't parse setting %q: each setting requires the format \"<param>=<value>\"", setting)
		return
	}
	name, valueStr = strings.TrimSpace(name), strings.TrimSpace(valueStr)
	field, found := fields[name]
	if !found {
		err = errors.Errorf("can't set solver parameter %q, valid parameters are %q",
			name, slices.Sorted(maps.Keys(fields)))
		return
	}
	switch v := field.(type) {
	case *string:
		*v = strings.Trim(valueStr, `"`)
	case *float64:
		err = json.Unmarshal([]byte(valueStr), v)
	case *int:
		err = json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), v)
	case *int64:
		err = json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), v)
	default:
		err = errors.Errorf("don't know how to parse type %T for solver parameter %q", field, name)
	}
	if err != nil {
		err = errors.Wrapf(err, "failed to parse value %q for solver parameter %q", valueStr, name)
		return
	}
	newParamsSet = append(newParamsSet, name)
	return
}

// SprintModifiedSolverSettings pretty-prints the values of the solver fields in paramsSet (as returned by
// ParseSolverSettings), sorted and without duplicates.
func SprintModifiedSolverSettings(s *solver.Solver, paramsSet []string) string {
	fields := s.Fields()
	paramsSet = slices.Clone(paramsSet)
	slices.Sort(paramsSet)
	paramsSet = slices.Compact(paramsSet)
	parts := make([]string, 0, len(paramsSet))
	for _, name := range paramsSet {
		field, found := fields[name]
		if !found {
			continue
		}
		switch v := field.(type) {
		case *string:
			parts = append(parts, fmt.Sprintf("\t%q: %q", name, *v))
		case *float64:
			parts = append(parts, fmt.Sprintf("\t%q: %g", name, *v))
		case *int:
			parts = append(parts, fmt.Sprintf("\t%q: %d", name, *v))
		case *int64:
			parts = append(parts, fmt.Sprintf("\t%q: %d", name, *v))
		}
	}
	return strings.Join(parts, "\n")
}
