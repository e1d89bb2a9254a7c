// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry maps stable type names to Go struct types and their
// persisted field metadata.
//
// # Description
//
// Every struct type that may appear in a serialized graph is registered
// once at startup with a TypeSpec. The registry answers three questions
// for the serializer and deserializer: which descriptor belongs to a name
// (Resolve), which descriptor belongs to a live instance (TypeOf), and in
// which order the persisted fields of an instance are visited (FieldsOf).
//
// # Inheritance
//
// A type may extend another registered type by embedding the base struct
// by value and naming it in TypeSpec.Extends. Field order is the derived
// type's own fields first, then each base level in turn. A base field whose
// key is already taken by a more-derived level is kept and encoded under
// "Declaring.key".
//
// # Thread Safety
//
// Registry is safe for concurrent use. Registering types while a
// serialization is in flight is unsupported: callers populate the registry
// before encoding or decoding anything.
package registry

import (
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"

	"github.com/AleutianAI/refgraph/services/refgraph/encoded"
)

// -----------------------------------------------------------------------------
// Specs and Descriptors
// -----------------------------------------------------------------------------

// FieldSpec declares one persisted field.
type FieldSpec struct {
	// Name is the Go struct field name. Must be exported.
	Name string

	// Key is the encoded key. Defaults to Name.
	Key string
}

// TypeSpec is the registration input for one struct type.
type TypeSpec struct {
	// Name is the stable type name written into encoded nodes.
	Name string

	// GoType is the struct type. If nil it is taken from Sample.
	GoType reflect.Type

	// Sample is a value or pointer of the struct type.
	Sample any

	// Fields lists the persisted fields declared by this type itself, in
	// declaration order. Inherited fields come from Extends.
	Fields []FieldSpec

	// Identity names the Go field holding the identity key. Empty means
	// value semantics unless a base type declares one.
	Identity string

	// Extends names a registered base type embedded by value.
	Extends string

	// Reconstruction selects how instances are rebuilt on decode.
	Reconstruction Reconstruction

	// Factory is required for every Reconstruction except ReconstructFields.
	Factory Factory
}

// FieldDescriptor describes one persisted field.
type FieldDescriptor struct {
	// Name is the Go field name.
	Name string

	// Key is the encoded key.
	Key string

	// Declaring is the type name that declares the field.
	Declaring string

	// Index is the declaration index within Declaring, starting at 0.
	Index int

	// Type is the Go type of the field.
	Type reflect.Type

	path []int
}

// ValueIn returns the field within structVal, which must be a value of
// the type the descriptor was obtained for.
func (f FieldDescriptor) ValueIn(structVal reflect.Value) reflect.Value {
	return structVal.FieldByIndex(f.path)
}

// TypeDescriptor is the registered metadata for one type.
type TypeDescriptor struct {
	Name           string
	GoType         reflect.Type
	Fields         []FieldDescriptor
	Identity       string
	Base           string
	Reconstruction Reconstruction
	Factory        Factory
}

// HasIdentity reports whether instances are reference-shared entities.
func (d *TypeDescriptor) HasIdentity() bool {
	return d.Identity != ""
}

// Layout is the full field layout of a type, inherited fields included.
type Layout struct {
	Type   *TypeDescriptor
	Fields []FieldDescriptor

	// Identity indexes Fields, or is -1 for value types.
	Identity int
}

// IdentityField returns the identity field, if any.
func (l *Layout) IdentityField() (FieldDescriptor, bool) {
	if l.Identity < 0 {
		return FieldDescriptor{}, false
	}
	return l.Fields[l.Identity], true
}

// -----------------------------------------------------------------------------
// Registry
// -----------------------------------------------------------------------------

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Registry is a table of type descriptors keyed by name and Go type.
//
// Thread Safety: Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*TypeDescriptor
	byType map[reflect.Type]*TypeDescriptor
	logger *slog.Logger
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		byName: make(map[string]*TypeDescriptor),
		byType: make(map[reflect.Type]*TypeDescriptor),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register validates spec and stores its descriptor.
//
// Description:
//
//	Registration is idempotent and last-wins: a later spec with the same
//	name replaces the earlier descriptor, and a later spec for the same Go
//	type under a new name retires the old name. A base type named in
//	Extends must already be registered and embedded by value. A type that
//	declares no Identity inherits its base's.
//
// Inputs:
//   - spec: The registration input.
//
// Outputs:
//   - *TypeDescriptor: The stored descriptor.
//   - error: DuplicateFieldError, UnknownTypeError for a missing base, or
//     ErrInvalidSpec for anything else.
func (r *Registry) Register(spec TypeSpec) (*TypeDescriptor, error) {
	desc, err := buildDescriptor(spec)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if desc.Base != "" {
		base, ok := r.byName[desc.Base]
		if !ok {
			return nil, fmt.Errorf("register %q: base: %w", desc.Name, &UnknownTypeError{Name: desc.Base})
		}
		if base.Name == desc.Name {
			return nil, fmt.Errorf("%w: %q extends itself", ErrInvalidSpec, desc.Name)
		}
		if desc.Identity == "" {
			desc.Identity = base.Identity
		}
	}

	layout, err := r.layoutLocked(desc)
	if err != nil {
		return nil, fmt.Errorf("register %q: %w", desc.Name, err)
	}
	if desc.Identity != "" {
		if layout.Identity < 0 {
			return nil, fmt.Errorf("%w: %q: identity field %q is not persisted", ErrInvalidSpec, desc.Name, desc.Identity)
		}
		if !identityKind(layout.Fields[layout.Identity].Type.Kind()) {
			return nil, fmt.Errorf("%w: %q: identity field %q must be a string, integer or bool",
				ErrInvalidSpec, desc.Name, desc.Identity)
		}
	}

	if old, ok := r.byName[desc.Name]; ok && old.GoType != desc.GoType {
		if r.byType[old.GoType] == old {
			delete(r.byType, old.GoType)
		}
		r.logger.Debug("registry: type name rebound",
			slog.String("type", desc.Name),
			slog.String("old_go_type", old.GoType.String()),
			slog.String("go_type", desc.GoType.String()))
	}
	if old, ok := r.byType[desc.GoType]; ok && old.Name != desc.Name {
		delete(r.byName, old.Name)
		r.logger.Debug("registry: go type renamed",
			slog.String("old_type", old.Name),
			slog.String("type", desc.Name))
	}
	r.byName[desc.Name] = desc
	r.byType[desc.GoType] = desc

	r.logger.Debug("registry: type registered",
		slog.String("type", desc.Name),
		slog.Int("fields", len(layout.Fields)),
		slog.String("identity", desc.Identity),
		slog.String("reconstruction", desc.Reconstruction.String()))
	return desc, nil
}

// Resolve returns the descriptor registered under name.
func (r *Registry) Resolve(name string) (*TypeDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.byName[name]
	if !ok {
		return nil, &UnknownTypeError{Name: name}
	}
	return desc, nil
}

// Lookup returns the descriptor for a struct type, or for the struct a
// pointer type points to.
func (r *Registry) Lookup(t reflect.Type) (*TypeDescriptor, bool) {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.byType[t]
	return desc, ok
}

// TypeOf returns the descriptor of a live instance.
func (r *Registry) TypeOf(instance any) (*TypeDescriptor, error) {
	t := reflect.TypeOf(instance)
	desc, ok := r.Lookup(t)
	if !ok {
		return nil, &UnregisteredTypeError{GoType: t}
	}
	return desc, nil
}

// LayoutOf returns the full field layout of desc.
func (r *Registry) LayoutOf(desc *TypeDescriptor) (*Layout, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.layoutLocked(desc)
}

// FieldsOf returns the persisted fields of instance, most-derived level
// first and declaration order within each level.
func (r *Registry) FieldsOf(instance any) ([]FieldDescriptor, error) {
	desc, err := r.TypeOf(instance)
	if err != nil {
		return nil, err
	}
	layout, err := r.LayoutOf(desc)
	if err != nil {
		return nil, err
	}
	return layout.Fields, nil
}

// IdentityField returns the identity field of desc, if it has one.
func (r *Registry) IdentityField(desc *TypeDescriptor) (FieldDescriptor, bool) {
	layout, err := r.LayoutOf(desc)
	if err != nil {
		return FieldDescriptor{}, false
	}
	return layout.IdentityField()
}

// Names returns the registered type names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered types.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

// Unregister removes name. It reports whether the name was registered.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	desc, ok := r.byName[name]
	if !ok {
		return false
	}
	delete(r.byName, name)
	if r.byType[desc.GoType] == desc {
		delete(r.byType, desc.GoType)
	}
	return true
}

// Reset removes every registration.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName = make(map[string]*TypeDescriptor)
	r.byType = make(map[reflect.Type]*TypeDescriptor)
}

// -----------------------------------------------------------------------------
// Internal
// -----------------------------------------------------------------------------

func buildDescriptor(spec TypeSpec) (*TypeDescriptor, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("%w: empty type name", ErrInvalidSpec)
	}
	t := spec.GoType
	if t == nil && spec.Sample != nil {
		t = reflect.TypeOf(spec.Sample)
	}
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: %q: Go type %v is not a struct", ErrInvalidSpec, spec.Name, t)
	}
	if !spec.Reconstruction.IsValid() {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidSpec, spec.Name, spec.Reconstruction)
	}
	if spec.Reconstruction.NeedsFactory() && spec.Factory == nil {
		return nil, fmt.Errorf("%w: %q: reconstruction %s needs a factory",
			ErrInvalidSpec, spec.Name, spec.Reconstruction)
	}

	desc := &TypeDescriptor{
		Name:           spec.Name,
		GoType:         t,
		Fields:         make([]FieldDescriptor, 0, len(spec.Fields)),
		Identity:       spec.Identity,
		Base:           spec.Extends,
		Reconstruction: spec.Reconstruction,
		Factory:        spec.Factory,
	}

	names := make(map[string]bool, len(spec.Fields))
	keys := make(map[string]bool, len(spec.Fields))
	for i, fs := range spec.Fields {
		key := fs.Key
		if key == "" {
			key = fs.Name
		}
		if names[fs.Name] {
			return nil, &DuplicateFieldError{Type: spec.Name, Field: fs.Name}
		}
		if keys[key] {
			return nil, &DuplicateFieldError{Type: spec.Name, Field: key}
		}
		names[fs.Name] = true
		keys[key] = true

		if key == encoded.TypeKey || key == encoded.RefKey {
			return nil, fmt.Errorf("%w: %q: field key %q is reserved", ErrInvalidSpec, spec.Name, key)
		}
		sf, ok := t.FieldByName(fs.Name)
		if !ok || len(sf.Index) != 1 || sf.Anonymous {
			return nil, fmt.Errorf("%w: %q: %v has no direct field %q", ErrInvalidSpec, spec.Name, t, fs.Name)
		}
		if !sf.IsExported() {
			return nil, fmt.Errorf("%w: %q: field %q is unexported", ErrInvalidSpec, spec.Name, fs.Name)
		}
		desc.Fields = append(desc.Fields, FieldDescriptor{
			Name:      fs.Name,
			Key:       key,
			Declaring: spec.Name,
			Index:     i,
			Type:      sf.Type,
			path:      sf.Index,
		})
	}
	return desc, nil
}

// layoutLocked flattens desc and its bases. Caller holds r.mu.
func (r *Registry) layoutLocked(desc *TypeDescriptor) (*Layout, error) {
	layout := &Layout{Type: desc, Identity: -1}
	taken := make(map[string]bool)
	var prefix []int
	cur, curType := desc, desc.GoType

	for depth := 0; ; depth++ {
		if depth > len(r.byName)+1 {
			return nil, fmt.Errorf("%w: inheritance cycle at %q", ErrInvalidSpec, cur.Name)
		}
		for _, f := range cur.Fields {
			fd := f
			fd.path = append(append([]int(nil), prefix...), f.path...)
			if taken[fd.Key] {
				fd.Key = cur.Name + "." + f.Key
				if taken[fd.Key] {
					return nil, &DuplicateFieldError{Type: cur.Name, Field: fd.Key}
				}
			}
			taken[fd.Key] = true
			if layout.Identity < 0 && desc.Identity != "" && fd.Name == desc.Identity {
				layout.Identity = len(layout.Fields)
			}
			layout.Fields = append(layout.Fields, fd)
		}

		if cur.Base == "" {
			return layout, nil
		}
		base, ok := r.byName[cur.Base]
		if !ok {
			return nil, &UnknownTypeError{Name: cur.Base}
		}
		idx, ok := embedIndex(curType, base.GoType)
		if !ok {
			return nil, fmt.Errorf("%w: %v does not embed %v (base %q)", ErrInvalidSpec, curType, base.GoType, base.Name)
		}
		prefix = append(prefix, idx)
		cur, curType = base, base.GoType
	}
}

func embedIndex(derived, base reflect.Type) (int, bool) {
	for i := 0; i < derived.NumField(); i++ {
		sf := derived.Field(i)
		if sf.Anonymous && sf.IsExported() && sf.Type == base {
			return i, true
		}
	}
	return 0, false
}

func identityKind(k reflect.Kind) bool {
	switch k {
	case reflect.String, reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	}
	return false
}
