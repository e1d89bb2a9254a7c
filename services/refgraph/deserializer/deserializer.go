// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package deserializer rebuilds a live Go object graph from an encoded tree.
//
// # Description
//
// Each call indexes the encoded tree into an encoded.Arena, then decodes
// it forwards. Refs resolve through the arena before any type-specific
// work. Decoded instances are cached by the identity of the encoded node
// they came from, and the cache entry is installed before the instance's
// fields are decoded, so a node reached twice (through Refs or a cycle)
// yields the same Go pointer both times.
//
// # Thread Safety
//
// A Deserializer is safe for concurrent use; all decode state is per call.
package deserializer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"reflect"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/refgraph/services/refgraph/encoded"
	"github.com/AleutianAI/refgraph/services/refgraph/registry"
)

var (
	anyType      = reflect.TypeOf((*any)(nil)).Elem()
	sliceAnyType = reflect.TypeOf([]any(nil))
	mapAnyType   = reflect.TypeOf(map[string]any(nil))
)

// Option configures a Deserializer.
type Option func(*Deserializer)

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(d *Deserializer) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// Deserializer decodes encoded trees using a registry.
type Deserializer struct {
	reg    *registry.Registry
	logger *slog.Logger
}

// New creates a Deserializer over reg. A nil reg uses registry.Default().
func New(reg *registry.Registry, opts ...Option) *Deserializer {
	if reg == nil {
		reg = registry.Default()
	}
	d := &Deserializer{reg: reg, logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Deserialize decodes enc without a target type.
//
// Description:
//
//	Tagged nodes become pointers to their registered struct, untagged
//	nodes become map[string]any, arrays become []any and numbers float64.
//	extra is handed to factories whose reconstruction convention takes a
//	context argument.
//
// Outputs:
//   - any: The reconstructed root.
//   - error: registry.UnknownTypeError, DanglingReferenceError,
//     TypeMismatchError or ErrFactory. The result is nil on error.
func (d *Deserializer) Deserialize(ctx context.Context, enc encoded.Value, extra any) (any, error) {
	out, err := d.run(ctx, enc, anyType, extra)
	if err != nil {
		return nil, err
	}
	return out.Interface(), nil
}

// DeserializeInto decodes enc into the value target points to.
//
// A root that is a tagged node decoded into a struct target is copied into
// *target; pass a pointer-to-pointer to keep self-references pointing at
// the returned instance.
func (d *Deserializer) DeserializeInto(ctx context.Context, enc encoded.Value, target any, extra any) error {
	rv := reflect.ValueOf(target)
	if !rv.IsValid() || rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("%w: need a non-nil pointer, got %T", ErrInvalidTarget, target)
	}
	out, err := d.run(ctx, enc, rv.Type().Elem(), extra)
	if err != nil {
		return err
	}
	rv.Elem().Set(out)
	return nil
}

// Decode decodes enc as a T.
func Decode[T any](ctx context.Context, d *Deserializer, enc encoded.Value, extra any) (T, error) {
	var zero T
	out, err := d.run(ctx, enc, reflect.TypeOf((*T)(nil)).Elem(), extra)
	if err != nil {
		return zero, err
	}
	v, _ := out.Interface().(T)
	return v, nil
}

func (d *Deserializer) run(ctx context.Context, enc encoded.Value, t reflect.Type, extra any) (reflect.Value, error) {
	ctx, span := tracer.Start(ctx, "deserializer.Deserialize",
		trace.WithAttributes(attribute.String("refgraph.target", t.String())))
	defer span.End()
	logger := loggerWithTrace(ctx, d.logger)

	start := time.Now()
	dc := &decoder{
		d:          d,
		arena:      encoded.Index(enc),
		extra:      extra,
		instances:  make(map[*encoded.Node]reflect.Value),
		handedOut:  make(map[*encoded.Node]bool),
		composites: make(map[cacheKey]reflect.Value),
		layouts:    make(map[*registry.TypeDescriptor]*registry.Layout),
	}
	out, err := dc.decode(enc, t, "")
	elapsed := time.Since(start)
	deserializeDuration.Observe(elapsed.Seconds())

	if err != nil {
		reason := errorReason(err)
		deserializeErrors.WithLabelValues(reason).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, reason)
		logger.Warn("deserialize failed",
			slog.String("reason", reason),
			slog.String("error", err.Error()))
		return reflect.Value{}, err
	}

	deserializeInstances.Observe(float64(dc.count))
	span.SetAttributes(attribute.Int("refgraph.instances", dc.count))
	logger.Debug("deserialized graph",
		slog.Int("instances", dc.count),
		slog.Int("values", dc.arena.Len()),
		slog.Duration("duration", elapsed))
	return out, nil
}

// -----------------------------------------------------------------------------
// Decoder
// -----------------------------------------------------------------------------

type cacheKey struct {
	src any
	typ reflect.Type
}

// decoder holds the state of one decode call.
type decoder struct {
	d          *Deserializer
	arena      *encoded.Arena
	extra      any
	instances  map[*encoded.Node]reflect.Value
	handedOut  map[*encoded.Node]bool
	composites map[cacheKey]reflect.Value
	layouts    map[*registry.TypeDescriptor]*registry.Layout
	count      int
}

// decode returns a value of exactly type t.
func (dc *decoder) decode(v encoded.Value, t reflect.Type, path string) (reflect.Value, error) {
	v, path, err := dc.deref(v, path)
	if err != nil {
		return reflect.Value{}, err
	}
	if encoded.KindOf(v) == encoded.KindNull {
		return reflect.Zero(t), nil
	}

	switch t.Kind() {
	case reflect.Interface:
		return dc.decodeInterface(v, t, path)

	case reflect.Pointer:
		return dc.decodePointer(v, t, path)

	case reflect.Struct:
		// The slot receives a copy. The serializer never emits a Ref to an
		// instance held by value, so no pointer can expect to alias it.
		node, ok := v.(*encoded.Node)
		if !ok || !node.Tagged() {
			return reflect.Value{}, mismatch(path, t, v)
		}
		inst, err := dc.instance(node, path)
		if err != nil {
			return reflect.Value{}, err
		}
		if inst.Type().Elem() != t {
			return reflect.Value{}, mismatch(path, t, v)
		}
		return inst.Elem(), nil

	case reflect.Slice:
		arr, ok := v.(*encoded.Array)
		if !ok {
			return reflect.Value{}, mismatch(path, t, v)
		}
		return dc.decodeSlice(arr, t, path)

	case reflect.Array:
		arr, ok := v.(*encoded.Array)
		if !ok || arr.Len() != t.Len() {
			return reflect.Value{}, mismatch(path, t, v)
		}
		out := reflect.New(t).Elem()
		for i, item := range arr.Items {
			val, err := dc.decode(item, t.Elem(), encoded.JoinIndex(path, i))
			if err != nil {
				return reflect.Value{}, err
			}
			out.Index(i).Set(val)
		}
		return out, nil

	case reflect.Map:
		node, ok := v.(*encoded.Node)
		if !ok || node.Tagged() || t.Key().Kind() != reflect.String {
			return reflect.Value{}, mismatch(path, t, v)
		}
		return dc.decodeMap(node, t, path)

	case reflect.Bool:
		b, ok := v.(bool)
		if !ok {
			return reflect.Value{}, mismatch(path, t, v)
		}
		out := reflect.New(t).Elem()
		out.SetBool(b)
		return out, nil

	case reflect.String:
		s, ok := v.(string)
		if !ok {
			return reflect.Value{}, mismatch(path, t, v)
		}
		out := reflect.New(t).Elem()
		out.SetString(s)
		return out, nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64:
		return decodeNumber(v, t, path)
	}

	return reflect.Value{}, mismatch(path, t, v)
}

// deref follows Refs through the arena. The returned path is the path of
// the value actually decoded.
func (dc *decoder) deref(v encoded.Value, path string) (encoded.Value, string, error) {
	for hops := 0; ; hops++ {
		ref, ok := v.(encoded.Ref)
		if !ok {
			return v, path, nil
		}
		target, found := dc.arena.Resolve(ref.Path)
		if !found || hops > dc.arena.Len() {
			return nil, path, fmt.Errorf("deserialize %s: %w", displayPath(path), &DanglingReferenceError{Path: ref.Path})
		}
		v, path = target, ref.Path
	}
}

func (dc *decoder) decodeInterface(v encoded.Value, t reflect.Type, path string) (reflect.Value, error) {
	var natural reflect.Value
	var err error
	switch x := v.(type) {
	case bool, float64, string:
		natural = reflect.ValueOf(x)
	case *encoded.Node:
		if x.Tagged() {
			natural, err = dc.instance(x, path)
		} else {
			natural, err = dc.decodeMap(x, mapAnyType, path)
		}
	case *encoded.Array:
		natural, err = dc.decodeSlice(x, sliceAnyType, path)
	default:
		return reflect.Value{}, mismatch(path, t, v)
	}
	if err != nil {
		return reflect.Value{}, err
	}

	if !natural.Type().AssignableTo(t) {
		if natural.Kind() != reflect.Pointer || !natural.Elem().Type().AssignableTo(t) {
			return reflect.Value{}, mismatch(path, t, v)
		}
		natural = natural.Elem()
	}
	out := reflect.New(t).Elem()
	out.Set(natural)
	return out, nil
}

func (dc *decoder) decodePointer(v encoded.Value, t reflect.Type, path string) (reflect.Value, error) {
	if node, ok := v.(*encoded.Node); ok && node.Tagged() {
		inst, err := dc.instance(node, path)
		if err != nil {
			return reflect.Value{}, err
		}
		if inst.Type() != t {
			return reflect.Value{}, mismatch(path, t, v)
		}
		return inst, nil
	}
	if t.Elem().Kind() == reflect.Struct {
		return reflect.Value{}, mismatch(path, t, v)
	}

	p := reflect.New(t.Elem())
	val, err := dc.decode(v, t.Elem(), path)
	if err != nil {
		return reflect.Value{}, err
	}
	p.Elem().Set(val)
	return p, nil
}

func (dc *decoder) decodeSlice(arr *encoded.Array, t reflect.Type, path string) (reflect.Value, error) {
	key := cacheKey{src: arr, typ: t}
	if s, ok := dc.composites[key]; ok {
		return s, nil
	}
	s := reflect.MakeSlice(t, len(arr.Items), len(arr.Items))
	dc.composites[key] = s
	for i, item := range arr.Items {
		val, err := dc.decode(item, t.Elem(), encoded.JoinIndex(path, i))
		if err != nil {
			return reflect.Value{}, err
		}
		s.Index(i).Set(val)
	}
	return s, nil
}

func (dc *decoder) decodeMap(node *encoded.Node, t reflect.Type, path string) (reflect.Value, error) {
	key := cacheKey{src: node, typ: t}
	if m, ok := dc.composites[key]; ok {
		return m, nil
	}
	m := reflect.MakeMapWithSize(t, node.Len())
	dc.composites[key] = m
	for _, f := range node.Fields {
		val, err := dc.decode(f.Value, t.Elem(), encoded.Join(path, f.Key))
		if err != nil {
			return reflect.Value{}, err
		}
		m.SetMapIndex(reflect.ValueOf(f.Key).Convert(t.Key()), val)
	}
	return m, nil
}

// instance returns the *T built for a tagged node, building it on first
// use.
func (dc *decoder) instance(node *encoded.Node, path string) (reflect.Value, error) {
	if inst, ok := dc.instances[node]; ok {
		dc.handedOut[node] = true
		return inst, nil
	}

	desc, err := dc.d.reg.Resolve(node.Type)
	if err != nil {
		return reflect.Value{}, fmt.Errorf("deserialize %s: %w", displayPath(path), err)
	}
	layout, ok := dc.layouts[desc]
	if !ok {
		layout, err = dc.d.reg.LayoutOf(desc)
		if err != nil {
			return reflect.Value{}, fmt.Errorf("deserialize %s: %w", displayPath(path), err)
		}
		dc.layouts[desc] = layout
	}

	ptr := reflect.New(desc.GoType)
	dc.instances[node] = ptr
	dc.count++

	values := make([]reflect.Value, len(layout.Fields))
	for i, f := range layout.Fields {
		raw, present := node.Get(f.Key)
		if !present {
			values[i] = reflect.Zero(f.Type)
			continue
		}
		val, err := dc.decode(raw, f.Type, encoded.Join(path, f.Key))
		if err != nil {
			return reflect.Value{}, err
		}
		values[i] = val
	}

	if desc.Reconstruction == registry.ReconstructFields {
		elem := ptr.Elem()
		for i, f := range layout.Fields {
			f.ValueIn(elem).Set(values[i])
		}
		return ptr, nil
	}

	built, err := dc.construct(desc, layout, values, path)
	if err != nil {
		return reflect.Value{}, err
	}
	if dc.handedOut[node] {
		// Something already holds the placeholder; keep it and fill it in.
		ptr.Elem().Set(built.Elem())
		return ptr, nil
	}
	dc.instances[node] = built
	return built, nil
}

// construct calls the type's factory per its reconstruction convention and
// returns a *T.
func (dc *decoder) construct(desc *registry.TypeDescriptor, layout *registry.Layout, values []reflect.Value, path string) (reflect.Value, error) {
	var args []any
	switch desc.Reconstruction {
	case registry.ReconstructContextFirst:
		args = append(args, dc.extra)
		for _, v := range values {
			args = append(args, v.Interface())
		}
	case registry.ReconstructContextLast:
		for _, v := range values {
			args = append(args, v.Interface())
		}
		args = append(args, dc.extra)
	case registry.ReconstructFieldMap:
		fields := make(map[string]any, len(values))
		for i, f := range layout.Fields {
			fields[f.Key] = values[i].Interface()
		}
		args = []any{fields}
	}

	out, err := desc.Factory(args...)
	if err != nil {
		return reflect.Value{}, fmt.Errorf("deserialize %s: %w: %s: %w", displayPath(path), ErrFactory, desc.Name, err)
	}
	rv := reflect.ValueOf(out)
	switch {
	case !rv.IsValid():
	case rv.Type() == reflect.PointerTo(desc.GoType) && !rv.IsNil():
		return rv, nil
	case rv.Type() == desc.GoType:
		p := reflect.New(desc.GoType)
		p.Elem().Set(rv)
		return p, nil
	}
	return reflect.Value{}, fmt.Errorf("deserialize %s: %w: %s factory returned %T, want %v",
		displayPath(path), ErrFactory, desc.Name, out, desc.GoType)
}

func decodeNumber(v encoded.Value, t reflect.Type, path string) (reflect.Value, error) {
	f, ok := v.(float64)
	if !ok {
		return reflect.Value{}, mismatch(path, t, v)
	}
	out := reflect.New(t).Elem()
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 || out.OverflowInt(int64(f)) {
			return reflect.Value{}, mismatch(path, t, v)
		}
		out.SetInt(int64(f))
	case reflect.Float32, reflect.Float64:
		if t.Kind() == reflect.Float32 && out.OverflowFloat(f) {
			return reflect.Value{}, mismatch(path, t, v)
		}
		out.SetFloat(f)
	default:
		if f != math.Trunc(f) || f < 0 || f >= math.MaxUint64 || out.OverflowUint(uint64(f)) {
			return reflect.Value{}, mismatch(path, t, v)
		}
		out.SetUint(uint64(f))
	}
	return out, nil
}

func mismatch(path string, want reflect.Type, v encoded.Value) error {
	got := encoded.KindOf(v).String()
	if node, ok := v.(*encoded.Node); ok && node.Tagged() {
		got = "node " + node.Type
	}
	return &TypeMismatchError{Path: path, Want: want, Got: got}
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
