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

var defaultRegistry = New()

// Default returns the process-wide registry.
func Default() *Registry {
	return defaultRegistry
}

// Register registers spec with the process-wide registry.
func Register(spec TypeSpec) (*TypeDescriptor, error) {
	return defaultRegistry.Register(spec)
}

// MustRegister is Register for package initialization. It panics on error.
func MustRegister(spec TypeSpec) *TypeDescriptor {
	desc, err := defaultRegistry.Register(spec)
	if err != nil {
		panic(err)
	}
	return desc
}

// Resolve resolves name against the process-wide registry.
func Resolve(name string) (*TypeDescriptor, error) {
	return defaultRegistry.Resolve(name)
}
