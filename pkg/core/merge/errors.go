// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package merge

import (
	"fmt"

	"github.com/pkg/errors"
)

// NameCollisionError is returned when the renaming scheme still produces a duplicate name, or when
// there are more graphs than the index width can represent.
type NameCollisionError struct {
	// Name that collided, as it would appear in the merged graph.
	Name string

	// FirstGraph and SecondGraph are the graphs owning the colliding names.
	FirstGraph, SecondGraph GraphID

	// Detail is an optional explanation.
	Detail string
}

// Error implements error.
func (e *NameCollisionError) Error() string {
	msg := fmt.Sprintf("name collision on %q between graph %s and graph %s", e.Name, e.FirstGraph, e.SecondGraph)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// EmptyInputError is returned when merging fewer than one graph.
type EmptyInputError struct{}

// Error implements error.
func (e *EmptyInputError) Error() string {
	return "merge requires at least one graph, none given"
}

// PhaseBindingError is returned when the TRAIN/TEST binding of a data source is ambiguous.
type PhaseBindingError struct {
	// Graph where the ambiguity was found.
	Graph GraphID

	// Operation is the name of the ambiguous data source.
	Operation string

	// Detail explains the ambiguity.
	Detail string
}

// Error implements error.
func (e *PhaseBindingError) Error() string {
	return fmt.Sprintf("ambiguous phase binding for data source %q in graph %s: %s", e.Operation, e.Graph, e.Detail)
}

// ReservedTokenError is returned when an input operation or tensor name already contains the ReservedToken.
type ReservedTokenError struct {
	// Graph containing the offending name.
	Graph GraphID

	// Operation where the name was found.
	Operation string

	// Name that contains the reserved token: either the operation name or one of its tensor names.
	Name string
}

// Error implements error.
func (e *ReservedTokenError) Error() string {
	if e.Name == e.Operation {
		return fmt.Sprintf("operation %q in graph %s uses the reserved token %q in its name",
			e.Operation, e.Graph, ReservedToken)
	}
	return fmt.Sprintf("operation %q in graph %s references tensor %q, which uses the reserved token %q",
		e.Operation, e.Graph, e.Name, ReservedToken)
}

func phaseBindingf(graph GraphID, operation, format string, args ...any) error {
	return errors.WithStack(&PhaseBindingError{Graph: graph, Operation: operation, Detail: fmt.Sprintf(format, args...)})
}

// Kind returns a short name for the category of a merge failure, used by command-line tools to report
// errors: "MalformedDefinition", "NameCollisionError", "EmptyInputError", "PhaseBindingError",
// "ReservedTokenError", or "" for any other error.
func Kind(err error) string {
	var (
		collision *NameCollisionError
		empty     *EmptyInputError
		binding   *PhaseBindingError
		reserved  *ReservedTokenError
	)
	switch {
	case isMalformed(err):
		return "MalformedDefinition"
	case errors.As(err, &collision):
		return "NameCollisionError"
	case errors.As(err, &empty):
		return "EmptyInputError"
	case errors.As(err, &binding):
		return "PhaseBindingError"
	case errors.As(err, &reserved):
		return "ReservedTokenError"
	}
	return ""
}
