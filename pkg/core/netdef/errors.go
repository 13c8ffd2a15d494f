// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package netdef

import (
	"fmt"

	"github.com/pkg/errors"
)

// MalformedDefinitionError is returned when a definition doesn't conform to the persisted schema:
// syntax errors, missing required fields, type mismatches or broken naming invariants.
type MalformedDefinitionError struct {
	// File identifies the offending definition. It may be empty for in-memory graphs.
	File string

	// Detail describes what is wrong.
	Detail string
}

// Error implements error.
func (e *MalformedDefinitionError) Error() string {
	if e.File == "" {
		return "malformed definition: " + e.Detail
	}
	return fmt.Sprintf("malformed definition %q: %s", e.File, e.Detail)
}

func malformedf(file, format string, args ...any) error {
	return errors.WithStack(&MalformedDefinitionError{File: file, Detail: fmt.Sprintf(format, args...)})
}

// withFile sets the File of a MalformedDefinitionError that doesn't have one yet.
func withFile(err error, file string) error {
	var malformed *MalformedDefinitionError
	if errors.As(err, &malformed) && malformed.File == "" {
		malformed.File = file
	}
	return err
}
