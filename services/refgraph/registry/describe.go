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
	"fmt"
	"reflect"
	"strings"
)

// TagName is the struct tag read by Describe.
const TagName = "graph"

// DescribeOption adjusts a TypeSpec built by Describe.
type DescribeOption func(*TypeSpec)

// WithExtends sets the base type name.
func WithExtends(base string) DescribeOption {
	return func(s *TypeSpec) { s.Extends = base }
}

// WithFactory sets the reconstruction convention and its factory.
func WithFactory(r Reconstruction, f Factory) DescribeOption {
	return func(s *TypeSpec) {
		s.Reconstruction = r
		s.Factory = f
	}
}

// WithIdentity overrides the identity field.
func WithIdentity(field string) DescribeOption {
	return func(s *TypeSpec) { s.Identity = field }
}

// Describe builds a TypeSpec from the struct tags of sample.
//
// Description:
//
//	Every exported, non-embedded field is persisted in declaration order.
//	The tag `graph:"key"` renames the encoded key, `graph:",identity"` or
//	`graph:"key,identity"` marks the identity field, and `graph:"-"` skips
//	the field. Embedded structs are not flattened; declare them as bases
//	with WithExtends.
//
// Inputs:
//   - name: The stable type name.
//   - sample: A value or pointer of the struct type.
//   - opts: Adjustments applied after tag parsing.
//
// Outputs:
//   - TypeSpec: Ready for Register.
//   - error: ErrInvalidSpec for non-struct samples or two identity fields.
func Describe(name string, sample any, opts ...DescribeOption) (TypeSpec, error) {
	t := reflect.TypeOf(sample)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return TypeSpec{}, fmt.Errorf("%w: describe %q: %v is not a struct", ErrInvalidSpec, name, t)
	}

	spec := TypeSpec{Name: name, GoType: t}
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if sf.Anonymous || !sf.IsExported() {
			continue
		}
		tag := sf.Tag.Get(TagName)
		if tag == "-" {
			continue
		}
		key, flags, _ := strings.Cut(tag, ",")
		if key == "" {
			key = sf.Name
		}
		for _, flag := range strings.Split(flags, ",") {
			if strings.TrimSpace(flag) != "identity" {
				continue
			}
			if spec.Identity != "" {
				return TypeSpec{}, fmt.Errorf("%w: describe %q: identity on both %q and %q",
					ErrInvalidSpec, name, spec.Identity, sf.Name)
			}
			spec.Identity = sf.Name
		}
		spec.Fields = append(spec.Fields, FieldSpec{Name: sf.Name, Key: key})
	}

	for _, opt := range opts {
		opt(&spec)
	}
	return spec, nil
}
