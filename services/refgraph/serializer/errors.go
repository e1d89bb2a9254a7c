// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package serializer

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/AleutianAI/refgraph/services/refgraph/registry"
)

var (
	// ErrValueCycle is returned when a pointer cycle passes only through
	// types without an identity field. Such a graph has no finite tree form.
	ErrValueCycle = errors.New("pointer cycle through value types")

	// ErrIdentityCollision is returned when two distinct instances of one
	// type report the same identity key.
	ErrIdentityCollision = errors.New("identity collision")

	// ErrUnsupportedValue is returned for Go values with no encoded form.
	ErrUnsupportedValue = errors.New("unsupported value")

	// ErrSharedValue is returned when an identity instance held by value
	// is encountered more than once. Only pointers can be shared.
	ErrSharedValue = errors.New("identity instance held by value is shared")
)

// IdentityCollisionError reports two distinct instances sharing a key.
type IdentityCollisionError struct {
	Type      string
	Key       string
	FirstPath string
	Path      string
}

func (e *IdentityCollisionError) Error() string {
	return fmt.Sprintf("identity collision: %s %q at %s was first emitted at %s",
		e.Type, e.Key, displayPath(e.Path), displayPath(e.FirstPath))
}

// Is reports whether target is ErrIdentityCollision.
func (e *IdentityCollisionError) Is(target error) bool {
	return target == ErrIdentityCollision
}

// SharedValueError reports an identity instance that is stored by value
// (a struct field, slice element or map value) and is reached a second
// time. A decoded copy could not alias the other occurrence, so the graph
// is rejected instead of losing the sharing.
type SharedValueError struct {
	Type      string
	Key       string
	FirstPath string
	Path      string
}

func (e *SharedValueError) Error() string {
	return fmt.Sprintf("shared value: %s %q at %s was first emitted at %s; hold it by pointer",
		e.Type, e.Key, displayPath(e.Path), displayPath(e.FirstPath))
}

// Is reports whether target is ErrSharedValue.
func (e *SharedValueError) Is(target error) bool {
	return target == ErrSharedValue
}

// UnsupportedValueError reports a value with no encoded form, such as a
// func, a channel, a map with non-string keys or an integer too large for
// a float64.
type UnsupportedValueError struct {
	Path   string
	GoType reflect.Type
	Reason string
}

func (e *UnsupportedValueError) Error() string {
	msg := fmt.Sprintf("unsupported value of type %v at %s", e.GoType, displayPath(e.Path))
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Is reports whether target is ErrUnsupportedValue.
func (e *UnsupportedValueError) Is(target error) bool {
	return target == ErrUnsupportedValue
}

func displayPath(path string) string {
	if path == "" {
		return "<root>"
	}
	return path
}

func errorReason(err error) string {
	switch {
	case errors.Is(err, registry.ErrUnregisteredType):
		return "unregistered_type"
	case errors.Is(err, ErrIdentityCollision):
		return "identity_collision"
	case errors.Is(err, ErrSharedValue):
		return "shared_value"
	case errors.Is(err, ErrValueCycle):
		return "value_cycle"
	case errors.Is(err, ErrUnsupportedValue):
		return "unsupported_value"
	default:
		return "other"
	}
}
