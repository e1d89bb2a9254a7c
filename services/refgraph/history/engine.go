// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history implements undo/redo over a document's encoded states.
//
// # Description
//
// The Engine keeps an ordered list of checkpoints plus a base state at
// index -1, and a cursor in [-1, Len()-1]. RecordStep serializes the live
// document, truncates any redo-able future, appends, and evicts the oldest
// checkpoints once the list exceeds its capacity. Undo and Redo move the
// cursor and return a freshly deserialized document; the caller replaces
// its root with it. The engine never mutates or retains the live graph.
//
// Two strategies store the checkpoints: ModeSnapshot keeps a full tree per
// checkpoint, ModeDelta keeps the diff from the previous one. Switching
// mode discards history and starts again from the current document.
//
// # Thread Safety
//
// Engine is not safe for concurrent use. Confine one engine to the
// goroutine that owns its document, or serialize access externally.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/refgraph/services/refgraph/deserializer"
	"github.com/AleutianAI/refgraph/services/refgraph/encoded"
	"github.com/AleutianAI/refgraph/services/refgraph/serializer"
)

// DefaultCapacity is the default maximum number of retained checkpoints.
const DefaultCapacity = 100

// Config configures an Engine.
type Config struct {
	// Mode is the initial history mode.
	Mode Mode `yaml:"mode" json:"mode"`

	// Capacity is the maximum number of retained checkpoints.
	Capacity int `yaml:"capacity" json:"capacity"`

	// Logger receives engine logs. Nil uses slog.Default().
	Logger *slog.Logger `yaml:"-" json:"-"`
}

// DefaultConfig returns delta mode with DefaultCapacity.
func DefaultConfig() Config {
	return Config{Mode: ModeDelta, Capacity: DefaultCapacity}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if !c.Mode.IsValid() {
		return fmt.Errorf("%w: mode %d", ErrInvalidConfig, int(c.Mode))
	}
	if c.Capacity < 1 {
		return fmt.Errorf("%w: capacity must be at least 1, got %d", ErrInvalidConfig, c.Capacity)
	}
	return nil
}

// Engine is the history of one document.
type Engine struct {
	ser        *serializer.Serializer
	deser      *deserializer.Deserializer
	strategies map[Mode]Strategy
	active     Strategy
	cursor     int
	capacity   int
	logger     *slog.Logger
}

// NewEngine creates an engine with an empty history and a null base.
//
// Description:
//
//	Call ClearHistory with the live document before recording so that
//	undoing the first step returns the document as it was loaded.
//
// Inputs:
//   - ser: Encodes the live document on every step. Must not be nil.
//   - deser: Decodes states on undo/redo/get. Must not be nil.
//   - cfg: Mode, capacity and logger.
//
// Outputs:
//   - *Engine: Ready for use.
//   - error: ErrInvalidConfig.
func NewEngine(ser *serializer.Serializer, deser *deserializer.Deserializer, cfg Config) (*Engine, error) {
	if ser == nil || deser == nil {
		return nil, fmt.Errorf("%w: serializer and deserializer are required", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		ser:   ser,
		deser: deser,
		strategies: map[Mode]Strategy{
			ModeSnapshot: newSnapshotStrategy(),
			ModeDelta:    newDeltaStrategy(),
		},
		cursor:   -1,
		capacity: cfg.Capacity,
		logger:   logger,
	}
	e.active = e.strategies[cfg.Mode]
	return e, nil
}

// Serializer returns the serializer used for every step.
func (e *Engine) Serializer() *serializer.Serializer { return e.ser }

// Deserializer returns the deserializer used for undo, redo and Get.
func (e *Engine) Deserializer() *deserializer.Deserializer { return e.deser }

// Cursor returns the current checkpoint index; -1 is the base state.
func (e *Engine) Cursor() int { return e.cursor }

// Len returns the number of retained checkpoints.
func (e *Engine) Len() int { return e.active.Len() }

// Mode returns the active mode.
func (e *Engine) Mode() Mode { return e.active.Mode() }

// Capacity returns the maximum number of retained checkpoints.
func (e *Engine) Capacity() int { return e.capacity }

// CanUndo reports whether Undo would move the cursor.
func (e *Engine) CanUndo() bool { return e.cursor > -1 }

// CanRedo reports whether Redo would move the cursor.
func (e *Engine) CanRedo() bool { return e.cursor < e.active.Len()-1 }

// Checkpoints returns metadata for every retained checkpoint.
func (e *Engine) Checkpoints() []CheckpointInfo { return e.active.Checkpoints() }

// RecordStep records the current state of root as a new checkpoint.
//
// Description:
//
//	Serializes root first; on failure nothing changes. Checkpoints after
//	the cursor are then always dropped. In delta mode a state equal to
//	the checkpoint under the cursor is not appended. Otherwise the state
//	is appended, the cursor moves to it, and the oldest checkpoints are
//	evicted while Len exceeds the capacity.
//
// Outputs:
//   - bool: True if a checkpoint was appended.
//   - error: The serialization error, or an eviction failure. A failed
//     eviction removes the appended checkpoint and restores the cursor.
func (e *Engine) RecordStep(ctx context.Context, root any) (bool, error) {
	mode := e.active.Mode().String()
	ctx, span := tracer.Start(ctx, "history.RecordStep",
		trace.WithAttributes(attribute.String("refgraph.mode", mode)))
	defer span.End()
	logger := loggerWithTrace(ctx, e.logger)

	state, err := e.ser.Serialize(ctx, root)
	if err != nil {
		stepsTotal.WithLabelValues(mode, "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "serialize failed")
		return false, fmt.Errorf("record step: %w", err)
	}

	recorded, evicted, err := e.record(state)
	if err != nil {
		stepsTotal.WithLabelValues(mode, "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "record failed")
		logger.Error("history record failed",
			slog.String("mode", mode),
			slog.String("error", err.Error()))
		return false, fmt.Errorf("record step: %w", err)
	}
	checkpointsGauge.WithLabelValues(mode).Set(float64(e.active.Len()))
	if !recorded {
		stepsTotal.WithLabelValues(mode, "noop").Inc()
		span.SetAttributes(attribute.Bool("refgraph.noop", true))
		logger.Debug("history step unchanged, not recorded",
			slog.String("mode", mode),
			slog.Int("cursor", e.cursor))
		return false, nil
	}

	stepsTotal.WithLabelValues(mode, "recorded").Inc()
	span.SetAttributes(
		attribute.Int("refgraph.cursor", e.cursor),
		attribute.Int("refgraph.evicted", evicted),
	)
	logger.Debug("history step recorded",
		slog.String("mode", mode),
		slog.Int("cursor", e.cursor),
		slog.Int("checkpoints", e.active.Len()),
		slog.Int("evicted", evicted))
	return true, nil
}

// record truncates the redo future, appends state and evicts down to the
// capacity. A failed eviction drops the appended checkpoint and restores
// the cursor; the truncation stays.
func (e *Engine) record(state encoded.Value) (bool, int, error) {
	e.active.Truncate(e.cursor + 1)
	added, err := e.active.Append(state)
	if err != nil || !added {
		return false, 0, err
	}
	prevCursor := e.cursor
	e.cursor = e.active.Len() - 1

	evicted := 0
	for e.active.Len() > e.capacity {
		if err := e.active.Evict(); err != nil {
			// Evict leaves the strategy untouched on error, so the new
			// checkpoint is still the tail.
			e.active.Truncate(e.active.Len() - 1)
			e.cursor = prevCursor - evicted
			e.clampCursor()
			return false, evicted, err
		}
		e.cursor--
		evicted++
	}
	if evicted > 0 {
		evictionsTotal.WithLabelValues(e.active.Mode().String()).Add(float64(evicted))
	}
	e.clampCursor()
	return true, evicted, nil
}

func (e *Engine) clampCursor() {
	if e.cursor > e.active.Len()-1 {
		e.cursor = e.active.Len() - 1
	}
	if e.cursor < -1 {
		e.cursor = -1
	}
}

// Undo moves the cursor back one checkpoint and returns the document there.
//
// Outputs:
//   - any: The freshly deserialized document at the new cursor.
//   - bool: False when already at the base state; nothing changes.
//   - error: A materialize or deserialize failure; the cursor is unchanged.
func (e *Engine) Undo(ctx context.Context, extra any) (any, bool, error) {
	return e.move(ctx, "undo", -1, extra)
}

// Redo moves the cursor forward one checkpoint and returns the document
// there. It mirrors Undo.
func (e *Engine) Redo(ctx context.Context, extra any) (any, bool, error) {
	return e.move(ctx, "redo", +1, extra)
}

func (e *Engine) move(ctx context.Context, direction string, step int, extra any) (any, bool, error) {
	ctx, span := tracer.Start(ctx, "history."+capitalize(direction),
		trace.WithAttributes(
			attribute.String("refgraph.mode", e.active.Mode().String()),
			attribute.Int("refgraph.cursor", e.cursor),
		))
	defer span.End()
	logger := loggerWithTrace(ctx, e.logger)

	target := e.cursor + step
	if target < -1 || target > e.active.Len()-1 {
		navigationTotal.WithLabelValues(direction, "bound").Inc()
		return nil, false, nil
	}

	doc, err := e.get(ctx, target, extra)
	if err != nil {
		navigationTotal.WithLabelValues(direction, "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, direction+" failed")
		logger.Warn("history navigation failed",
			slog.String("direction", direction),
			slog.Int("cursor", e.cursor),
			slog.Int("target", target),
			slog.String("error", err.Error()))
		return nil, false, fmt.Errorf("%s: %w", direction, err)
	}

	e.cursor = target
	navigationTotal.WithLabelValues(direction, "moved").Inc()
	logger.Debug("history cursor moved",
		slog.String("direction", direction),
		slog.Int("cursor", e.cursor))
	return doc, true, nil
}

// Get returns a freshly deserialized document at checkpoint i without
// moving the cursor.
func (e *Engine) Get(ctx context.Context, i int, extra any) (any, error) {
	return e.get(ctx, i, extra)
}

func (e *Engine) get(ctx context.Context, i int, extra any) (any, error) {
	start := time.Now()
	state, err := e.active.view(i)
	materializeDuration.WithLabelValues(e.active.Mode().String()).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	return e.deser.Deserialize(ctx, state, extra)
}

// State returns a copy of the encoded state at checkpoint i.
func (e *Engine) State(i int) (encoded.Value, error) {
	return e.active.Materialize(i)
}

// ClearHistory discards every checkpoint and makes root the new base.
//
// Call after persisting the document so that undo stops at the saved
// state. On serialization failure the history is left untouched.
func (e *Engine) ClearHistory(ctx context.Context, root any) error {
	ctx, span := tracer.Start(ctx, "history.ClearHistory")
	defer span.End()

	base, err := e.ser.Serialize(ctx, root)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "serialize failed")
		return fmt.Errorf("clear history: %w", err)
	}
	e.resetAll(base)
	checkpointsGauge.WithLabelValues(e.active.Mode().String()).Set(0)
	loggerWithTrace(ctx, e.logger).Debug("history cleared",
		slog.String("mode", e.active.Mode().String()))
	return nil
}

// SetMode discards both strategies' histories and activates mode with
// root as the new base.
func (e *Engine) SetMode(ctx context.Context, mode Mode, root any) error {
	ctx, span := tracer.Start(ctx, "history.SetMode",
		trace.WithAttributes(attribute.String("refgraph.mode", mode.String())))
	defer span.End()

	next, ok := e.strategies[mode]
	if !ok {
		err := fmt.Errorf("set mode: %w: %d", ErrInvalidMode, int(mode))
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid mode")
		return err
	}
	base, err := e.ser.Serialize(ctx, root)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "serialize failed")
		return fmt.Errorf("set mode: %w", err)
	}

	previous := e.active.Mode()
	e.resetAll(base)
	e.active = next
	loggerWithTrace(ctx, e.logger).Info("history mode switched",
		slog.String("from", previous.String()),
		slog.String("to", mode.String()))
	return nil
}

func (e *Engine) resetAll(base encoded.Value) {
	for _, s := range e.strategies {
		s.Reset(encoded.Clone(base))
	}
	e.cursor = -1
}

// Export returns a deep copy of the history for durable storage.
func (e *Engine) Export() (*Snapshot, error) {
	return &Snapshot{
		Mode:     e.active.Mode(),
		Capacity: e.capacity,
		Cursor:   e.cursor,
		Base:     e.active.Base(),
		Entries:  e.active.entries(),
	}, nil
}

// Import replaces the history with snap.
//
// Description:
//
//	The snapshot's mode becomes the active mode and the other strategy is
//	cleared. The engine keeps its own capacity: surplus checkpoints are
//	evicted oldest first, moving the cursor with them. The engine takes
//	ownership of snap's delta payloads.
func (e *Engine) Import(snap *Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	target := e.strategies[snap.Mode]
	if err := target.restore(snap.Base, snap.Entries); err != nil {
		return err
	}
	for mode, s := range e.strategies {
		if mode != snap.Mode {
			s.Reset(encoded.Clone(snap.Base))
		}
	}
	e.active = target
	e.cursor = snap.Cursor

	for e.active.Len() > e.capacity {
		if err := e.active.Evict(); err != nil {
			return fmt.Errorf("import: %w", err)
		}
		e.cursor--
	}
	e.clampCursor()
	checkpointsGauge.WithLabelValues(e.active.Mode().String()).Set(float64(e.active.Len()))
	return nil
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
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
