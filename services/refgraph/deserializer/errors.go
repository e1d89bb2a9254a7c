// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package deserializer

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/AleutianAI/refgraph/services/refgraph/registry"
)

var (
	// ErrDanglingReference is returned when a Ref path does not resolve.
	ErrDanglingReference = errors.New("dangling reference")

	// ErrTypeMismatch is returned when an encoded value cannot populate
	// the Go type it is decoded into.
	ErrTypeMismatch = errors.New("type mismatch")

	// ErrInvalidTarget is returned by DeserializeInto for non-pointer or
	// nil targets.
	ErrInvalidTarget = errors.New("invalid decode target")

	// ErrFactory is returned when a type's factory fails or returns a value
	// of the wrong type.
	ErrFactory = errors.New("factory failed")
)

// DanglingReferenceError reports a Ref whose path has no value.
type DanglingReferenceError struct {
	Path string
}

func (e *DanglingReferenceError) Error() string {
	return fmt.Sprintf("dangling reference to %q", e.Path)
}

// Is reports whether target is ErrDanglingReference.
func (e *DanglingReferenceError) Is(target error) bool {
	return target == ErrDanglingReference
}

// TypeMismatchError reports an encoded value that does not fit its target.
type TypeMismatchError struct {
	Path string
	Want reflect.Type
	Got  string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("cannot decode %s into %v at %s", e.Got, e.Want, displayPath(e.Path))
}

// Is reports whether target is ErrTypeMismatch.
func (e *TypeMismatchError) Is(target error) bool {
	return target == ErrTypeMismatch
}

func displayPath(path string) string {
	if path == "" {
		return "<root>"
	}
	return path
}

func errorReason(err error) string {
	switch {
	case errors.Is(err, registry.ErrUnknownType):
		return "unknown_type"
	case errors.Is(err, ErrDanglingReference):
		return "dangling_reference"
	case errors.Is(err, ErrTypeMismatch):
		return "type_mismatch"
	case errors.Is(err, ErrFactory):
		return "factory"
	case errors.Is(err, ErrInvalidTarget):
		return "invalid_target"
	default:
		return "other"
	}
}
