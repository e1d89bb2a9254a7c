// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package serializer converts a live Go object graph into an encoded tree.
//
// Instances of types with an identity field are emitted once per call; every
// later encounter becomes an encoded.Ref to the first emission. Instances of
// types without an identity field are value-like and are copied inline at
// every occurrence.
//
// Sharing needs pointers. An identity instance stored by value may appear
// once; a second encounter is a SharedValueError. Integers must fit a
// float64 exactly (magnitude at most 2^53).
package serializer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"reflect"
	"sort"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/refgraph/services/refgraph/encoded"
	"github.com/AleutianAI/refgraph/services/refgraph/registry"
)

// DefaultPrecision is the number of decimals kept for non-integral numbers.
const DefaultPrecision = 2

// maxExactInt is the largest magnitude a float64 holds without rounding.
const maxExactInt = 1 << 53

const inexactReason = "integer magnitude exceeds 2^53"

// Option configures a Serializer.
type Option func(*Serializer)

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Serializer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithPrecision sets the decimals kept for non-integral numbers. A
// negative value disables rounding.
func WithPrecision(decimals int) Option {
	return func(s *Serializer) {
		s.precision = decimals
	}
}

// Serializer encodes object graphs using a registry.
//
// Thread Safety: Safe for concurrent use. All traversal state is per call.
type Serializer struct {
	reg       *registry.Registry
	precision int
	scale     float64
	logger    *slog.Logger
}

// New creates a Serializer over reg. A nil reg uses registry.Default().
func New(reg *registry.Registry, opts ...Option) *Serializer {
	if reg == nil {
		reg = registry.Default()
	}
	s := &Serializer{
		reg:       reg,
		precision: DefaultPrecision,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.precision >= 0 {
		s.scale = math.Pow10(s.precision)
	}
	return s
}

// Registry returns the registry used for type lookups.
func (s *Serializer) Registry() *registry.Registry {
	return s.reg
}

// Precision returns the configured rounding precision.
func (s *Serializer) Precision() int {
	return s.precision
}

// Serialize encodes the graph reachable from root.
//
// Description:
//
//	Walks root depth-first in field declaration order. The identity map
//	that turns repeat encounters into Refs lives only for this call, so
//	two calls never cross-reference each other.
//
// Inputs:
//   - ctx: Carries the parent span. Not used for cancellation.
//   - root: Any value; typically a pointer to a registered struct.
//
// Outputs:
//   - encoded.Value: The encoded tree.
//   - error: registry.UnregisteredTypeError, IdentityCollisionError,
//     SharedValueError, ErrValueCycle or UnsupportedValueError, wrapped
//     with the failing path. The tree is nil whenever the error is non-nil.
func (s *Serializer) Serialize(ctx context.Context, root any) (encoded.Value, error) {
	ctx, span := tracer.Start(ctx, "serializer.Serialize")
	defer span.End()
	logger := loggerWithTrace(ctx, s.logger)

	start := time.Now()
	w := &walker{
		s:       s,
		ids:     make(map[string]identityEntry),
		active:  make(map[visitKey]bool),
		layouts: make(map[*registry.TypeDescriptor]*registry.Layout),
	}
	out, err := w.visit(reflect.ValueOf(root), "")
	elapsed := time.Since(start)
	serializeDuration.Observe(elapsed.Seconds())

	if err != nil {
		reason := errorReason(err)
		serializeErrors.WithLabelValues(reason).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, reason)
		logger.Warn("serialize failed",
			slog.String("reason", reason),
			slog.String("error", err.Error()))
		return nil, err
	}

	serializeNodes.Observe(float64(w.nodes))
	serializeRefs.Add(float64(w.refs))
	span.SetAttributes(
		attribute.Int("refgraph.nodes", w.nodes),
		attribute.Int("refgraph.refs", w.refs),
	)
	logger.Debug("serialized graph",
		slog.Int("nodes", w.nodes),
		slog.Int("refs", w.refs),
		slog.Duration("duration", elapsed))
	return out, nil
}

// Serialize encodes root with the process-wide registry and default
// options.
func Serialize(ctx context.Context, root any) (encoded.Value, error) {
	return New(registry.Default()).Serialize(ctx, root)
}

// round applies the configured precision to non-integral finite numbers.
func (s *Serializer) round(f float64) float64 {
	if s.precision < 0 || math.IsNaN(f) || math.IsInf(f, 0) || f == math.Trunc(f) {
		return f
	}
	return math.Round(f*s.scale) / s.scale
}

// -----------------------------------------------------------------------------
// Walker
// -----------------------------------------------------------------------------

type identityEntry struct {
	path    string
	ptr     uintptr
	byValue bool
}

type visitKey struct {
	ptr uintptr
	typ reflect.Type
}

// walker holds the state of one Serialize call.
type walker struct {
	s       *Serializer
	ids     map[string]identityEntry
	active  map[visitKey]bool
	layouts map[*registry.TypeDescriptor]*registry.Layout
	nodes   int
	refs    int
}

func (w *walker) visit(v reflect.Value, path string) (encoded.Value, error) {
	if !v.IsValid() {
		return nil, nil
	}

	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return nil, nil
		}
		return w.visit(v.Elem(), path)

	case reflect.Pointer:
		if v.IsNil() {
			return nil, nil
		}
		if v.Elem().Kind() == reflect.Struct {
			return w.visitStruct(v.Elem(), v.Pointer(), false, path)
		}
		leave, err := w.enter(v, path)
		if err != nil {
			return nil, err
		}
		defer leave()
		return w.visit(v.Elem(), path)

	case reflect.Bool:
		return v.Bool(), nil
	case reflect.String:
		return v.String(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n := v.Int()
		if n > maxExactInt || n < -maxExactInt {
			return nil, &UnsupportedValueError{Path: path, GoType: v.Type(), Reason: inexactReason}
		}
		return float64(n), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		n := v.Uint()
		if n > maxExactInt {
			return nil, &UnsupportedValueError{Path: path, GoType: v.Type(), Reason: inexactReason}
		}
		return float64(n), nil
	case reflect.Float32, reflect.Float64:
		return w.s.round(v.Float()), nil

	case reflect.Slice:
		if v.IsNil() {
			return nil, nil
		}
		if v.Len() > 0 {
			leave, err := w.enter(v, path)
			if err != nil {
				return nil, err
			}
			defer leave()
		}
		return w.visitSequence(v, path)
	case reflect.Array:
		return w.visitSequence(v, path)

	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return nil, &UnsupportedValueError{Path: path, GoType: v.Type()}
		}
		if v.IsNil() {
			return nil, nil
		}
		leave, err := w.enter(v, path)
		if err != nil {
			return nil, err
		}
		defer leave()
		return w.visitMap(v, path)

	case reflect.Struct:
		var ptr uintptr
		if v.CanAddr() {
			ptr = v.Addr().Pointer()
		}
		return w.visitStruct(v, ptr, true, path)
	}

	return nil, &UnsupportedValueError{Path: path, GoType: v.Type()}
}

// enter marks a reference-like value as being on the traversal stack.
func (w *walker) enter(v reflect.Value, path string) (func(), error) {
	key := visitKey{ptr: v.Pointer(), typ: v.Type()}
	if w.active[key] {
		return nil, fmt.Errorf("serialize %s: %w", displayPath(path), ErrValueCycle)
	}
	w.active[key] = true
	return func() { delete(w.active, key) }, nil
}

func (w *walker) visitSequence(v reflect.Value, path string) (encoded.Value, error) {
	arr := &encoded.Array{Items: make([]encoded.Value, v.Len())}
	for i := 0; i < v.Len(); i++ {
		item, err := w.visit(v.Index(i), encoded.JoinIndex(path, i))
		if err != nil {
			return nil, err
		}
		arr.Items[i] = item
	}
	return arr, nil
}

func (w *walker) visitMap(v reflect.Value, path string) (encoded.Value, error) {
	keys := v.MapKeys()
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	node := &encoded.Node{Fields: make([]encoded.Field, 0, len(keys))}
	for _, k := range keys {
		key := k.String()
		if key == encoded.TypeKey || key == encoded.RefKey {
			return nil, fmt.Errorf("serialize %s: map key %q is reserved: %w",
				displayPath(path), key, ErrUnsupportedValue)
		}
		item, err := w.visit(v.MapIndex(k), encoded.Join(path, key))
		if err != nil {
			return nil, err
		}
		node.Fields = append(node.Fields, encoded.Field{Key: key, Value: item})
	}
	return node, nil
}

// visitStruct encodes a registered struct. ptr is the instance address, or
// 0 when v is not addressable. byValue is set when v was not reached
// through a pointer; such an entity cannot be shared.
func (w *walker) visitStruct(v reflect.Value, ptr uintptr, byValue bool, path string) (encoded.Value, error) {
	desc, ok := w.s.reg.Lookup(v.Type())
	if !ok {
		return nil, fmt.Errorf("serialize %s: %w", displayPath(path), &registry.UnregisteredTypeError{GoType: v.Type()})
	}
	layout, err := w.layout(desc)
	if err != nil {
		return nil, fmt.Errorf("serialize %s: %w", displayPath(path), err)
	}

	if idField, ok := layout.IdentityField(); ok {
		idValue := identityString(idField.ValueIn(v))
		key := desc.Name + "\x00" + idValue
		if first, seen := w.ids[key]; seen {
			if ptr != 0 && first.ptr != 0 && ptr != first.ptr {
				return nil, &IdentityCollisionError{
					Type:      desc.Name,
					Key:       idValue,
					FirstPath: first.path,
					Path:      path,
				}
			}
			if byValue || first.byValue {
				return nil, &SharedValueError{
					Type:      desc.Name,
					Key:       idValue,
					FirstPath: first.path,
					Path:      path,
				}
			}
			w.refs++
			return encoded.Ref{Path: first.path}, nil
		}
		w.ids[key] = identityEntry{path: path, ptr: ptr, byValue: byValue}
	} else if ptr != 0 {
		vk := visitKey{ptr: ptr, typ: v.Type()}
		if w.active[vk] {
			return nil, fmt.Errorf("serialize %s: %s: %w", displayPath(path), desc.Name, ErrValueCycle)
		}
		w.active[vk] = true
		defer delete(w.active, vk)
	}

	w.nodes++
	node := &encoded.Node{Type: desc.Name, Fields: make([]encoded.Field, 0, len(layout.Fields))}
	for _, f := range layout.Fields {
		child, err := w.visit(f.ValueIn(v), encoded.Join(path, f.Key))
		if err != nil {
			return nil, err
		}
		node.Fields = append(node.Fields, encoded.Field{Key: f.Key, Value: child})
	}
	return node, nil
}

func (w *walker) layout(desc *registry.TypeDescriptor) (*registry.Layout, error) {
	if l, ok := w.layouts[desc]; ok {
		return l, nil
	}
	l, err := w.s.reg.LayoutOf(desc)
	if err != nil {
		return nil, err
	}
	w.layouts[desc] = l
	return l, nil
}

func identityString(v reflect.Value) string {
	switch v.Kind() {
	case reflect.String:
		return v.String()
	case reflect.Bool:
		return strconv.FormatBool(v.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(v.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(v.Uint(), 10)
	}
	return fmt.Sprint(v.Interface())
}

func loggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return logger
	}
	return logger.With(
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()),
	)
}
