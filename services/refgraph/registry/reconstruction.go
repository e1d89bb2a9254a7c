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
	"strings"
)

// Reconstruction selects how the deserializer builds an instance from its
// decoded field values.
type Reconstruction int

const (
	// ReconstructFields allocates a zero instance and assigns each decoded
	// field reflectively. No factory is needed.
	ReconstructFields Reconstruction = iota

	// ReconstructContextFirst calls Factory(ctx, f1, ..., fn) with the
	// caller's extra context first and the fields in FieldsOf order.
	ReconstructContextFirst

	// ReconstructFieldMap calls Factory(map[string]any) with the decoded
	// fields keyed by encoded key.
	ReconstructFieldMap

	// ReconstructContextLast calls Factory(f1, ..., fn, ctx).
	ReconstructContextLast
)

var reconstructionNames = map[Reconstruction]string{
	ReconstructFields:       "fields",
	ReconstructContextFirst: "context-first",
	ReconstructFieldMap:     "field-map",
	ReconstructContextLast:  "context-last",
}

// String returns the canonical name.
func (r Reconstruction) String() string {
	if s, ok := reconstructionNames[r]; ok {
		return s
	}
	return fmt.Sprintf("Reconstruction(%d)", int(r))
}

// IsValid reports whether r is one of the declared conventions.
func (r Reconstruction) IsValid() bool {
	_, ok := reconstructionNames[r]
	return ok
}

// NeedsFactory reports whether the convention calls a Factory.
func (r Reconstruction) NeedsFactory() bool {
	return r != ReconstructFields
}

// ParseReconstruction parses a canonical name, case-insensitively.
func ParseReconstruction(s string) (Reconstruction, error) {
	want := strings.ToLower(strings.TrimSpace(s))
	for r, name := range reconstructionNames {
		if name == want {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown reconstruction %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (r Reconstruction) MarshalText() ([]byte, error) {
	if !r.IsValid() {
		return nil, fmt.Errorf("invalid reconstruction %d", int(r))
	}
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Reconstruction) UnmarshalText(text []byte) error {
	parsed, err := ParseReconstruction(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Factory builds an instance from arguments assembled per Reconstruction.
// It returns either T or *T for the registered struct type T.
type Factory func(args ...any) (any, error)
