// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"errors"
	"fmt"
	"reflect"
)

// Sentinel errors. The typed errors below match these with errors.Is.
var (
	// ErrUnknownType is returned when a type name has no descriptor.
	ErrUnknownType = errors.New("unknown type")

	// ErrUnregisteredType is returned when a Go type has no descriptor.
	ErrUnregisteredType = errors.New("unregistered type")

	// ErrDuplicateField is returned when a type declares a field twice.
	ErrDuplicateField = errors.New("duplicate field")

	// ErrInvalidSpec is returned when a TypeSpec is structurally invalid.
	ErrInvalidSpec = errors.New("invalid type spec")
)

// UnknownTypeError reports a type name that the registry does not know.
//
// Raised by Resolve, which the deserializer calls for every tagged node.
// It is fatal for the whole decode: the data names a type this process
// was never told about.
type UnknownTypeError struct {
	Name string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown type %q", e.Name)
}

// Is reports whether target is ErrUnknownType.
func (e *UnknownTypeError) Is(target error) bool {
	return target == ErrUnknownType
}

// UnregisteredTypeError reports a Go type with no registered descriptor.
type UnregisteredTypeError struct {
	GoType reflect.Type
}

func (e *UnregisteredTypeError) Error() string {
	return fmt.Sprintf("unregistered type %v", e.GoType)
}

// Is reports whether target is ErrUnregisteredType.
func (e *UnregisteredTypeError) Is(target error) bool {
	return target == ErrUnregisteredType
}

// DuplicateFieldError reports two fields of one declaring type that share
// a Go name or an encoded key.
type DuplicateFieldError struct {
	Type  string
	Field string
}

func (e *DuplicateFieldError) Error() string {
	return fmt.Sprintf("type %q declares field %q more than once", e.Type, e.Field)
}

// Is reports whether target is ErrDuplicateField.
func (e *DuplicateFieldError) Is(target error) bool {
	return target == ErrDuplicateField
}
