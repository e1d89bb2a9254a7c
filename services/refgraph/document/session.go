// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package document holds a live document root together with its history.
//
// # Description
//
// A Session owns the root of one live object graph and the history.Engine
// that records it. Undo and Redo replace the root with the freshly
// deserialized instance; they never patch the old graph. Save persists
// the document, then makes the saved state the new undo origin.
//
// # Thread Safety
//
// Session methods lock an internal mutex, so a Session may be shared
// between goroutines. The root returned by Root must only be mutated
// inside Mutate.
package document

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/refgraph/services/refgraph/archive"
	"github.com/AleutianAI/refgraph/services/refgraph/encoded"
	"github.com/AleutianAI/refgraph/services/refgraph/history"
)

var (
	// ErrNoStore is returned by Save and Checkpoint on a session without
	// a store.
	ErrNoStore = errors.New("document session has no store")

	// ErrNilEngine is returned when a session is created without an engine.
	ErrNilEngine = errors.New("history engine must not be nil")
)

var tracer = otel.Tracer("refgraph.document")

// savesTotal counts Save and Checkpoint calls by kind and status
var savesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "refgraph_document_saves_total",
	Help: "Total document saves by kind (save, checkpoint) and status",
}, []string{"kind", "status"})

// Store persists documents and their histories. *archive.Store implements it.
type Store interface {
	SaveDocument(ctx context.Context, id string, doc encoded.Value) error
	LoadDocument(ctx context.Context, id string) (encoded.Value, error)
	SaveHistory(ctx context.Context, id string, snap *history.Snapshot) error
	LoadHistory(ctx context.Context, id string) (*history.Snapshot, error)
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger. Nil is ignored.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithStore sets the store used by Save and Checkpoint.
func WithStore(store Store) Option {
	return func(s *Session) { s.store = store }
}

// WithExtra sets the value passed to reconstruction factories on undo,
// redo and open.
func WithExtra(extra any) Option {
	return func(s *Session) { s.extra = extra }
}

// Session is one open document.
type Session struct {
	mu     sync.Mutex
	id     string
	root   any
	dirty  bool
	engine *history.Engine
	store  Store
	extra  any
	logger *slog.Logger
}

func newSession(id string, engine *history.Engine, opts []Option) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	s := &Session{id: id, engine: engine, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("document", id))
	return s
}

// New starts a session for a document that is not yet stored.
//
// Description:
//
//	The engine's history is cleared with root as the base state, so the
//	first Undo returns to root. An empty id gets a random UUID.
//
// Outputs:
//   - *Session: The session. Dirty is false.
//   - error: ErrNilEngine, or root could not be serialized.
func New(ctx context.Context, id string, root any, engine *history.Engine, opts ...Option) (*Session, error) {
	if engine == nil {
		return nil, ErrNilEngine
	}
	s := newSession(id, engine, opts)
	if err := engine.ClearHistory(ctx, root); err != nil {
		return nil, fmt.Errorf("new document %s: %w", s.id, err)
	}
	s.root = root
	return s, nil
}

// Open loads document id from store and resumes its saved history.
//
// Description:
//
//	The stored document becomes the root. A stored history, if any, is
//	imported into engine; without one the history starts empty at the
//	loaded document.
//
// Outputs:
//   - *Session: The session, bound to store for later saves.
//   - error: archive.ErrNotFound when the document does not exist, a
//     decode error, or an invalid stored history.
func Open(ctx context.Context, id string, store Store, engine *history.Engine, opts ...Option) (*Session, error) {
	if engine == nil {
		return nil, ErrNilEngine
	}
	if store == nil {
		return nil, ErrNoStore
	}
	ctx, span := tracer.Start(ctx, "document.Open", trace.WithAttributes(attribute.String("refgraph.document", id)))
	defer span.End()

	fail := func(err error) (*Session, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "open failed")
		return nil, fmt.Errorf("open document %s: %w", id, err)
	}

	s := newSession(id, engine, append([]Option{WithStore(store)}, opts...))
	enc, err := store.LoadDocument(ctx, s.id)
	if err != nil {
		return fail(err)
	}
	root, err := engine.Deserializer().Deserialize(ctx, enc, s.extra)
	if err != nil {
		return fail(err)
	}
	if err := engine.ClearHistory(ctx, root); err != nil {
		return fail(err)
	}

	snap, err := store.LoadHistory(ctx, s.id)
	switch {
	case errors.Is(err, archive.ErrNotFound):
	case err != nil:
		return fail(err)
	default:
		if err := engine.Import(snap); err != nil {
			return fail(err)
		}
	}
	s.root = root
	s.logger.Info("document opened",
		slog.String("mode", engine.Mode().String()),
		slog.Int("checkpoints", engine.Len()),
		slog.Int("cursor", engine.Cursor()))
	return s, nil
}

// ID returns the document ID.
func (s *Session) ID() string { return s.id }

// Root returns the current live root.
func (s *Session) Root() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.root
}

// Dirty reports whether the document changed since it was created,
// opened or saved.
func (s *Session) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// History returns the session's engine for read-only inspection.
func (s *Session) History() *history.Engine { return s.engine }

// Mutate runs fn against the live root and records the result.
//
// Description:
//
//	fn may modify the graph reachable from root in place. When fn returns
//	an error nothing is recorded and the error is returned; the caller is
//	responsible for any partial edits fn made.
//
// Outputs:
//   - bool: True if a checkpoint was recorded.
//   - error: fn's error or a RecordStep failure.
func (s *Session) Mutate(ctx context.Context, fn func(root any) error) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := fn(s.root); err != nil {
		return false, err
	}
	return s.recordLocked(ctx)
}

// Record records the live root after an edit made outside Mutate.
func (s *Session) Record(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordLocked(ctx)
}

func (s *Session) recordLocked(ctx context.Context) (bool, error) {
	before := s.engine.Len()
	recorded, err := s.engine.RecordStep(ctx, s.root)
	if err != nil {
		return false, err
	}
	// An unchanged delta step still drops the redo future.
	if recorded || s.engine.Len() != before {
		s.dirty = true
	}
	return recorded, nil
}

// Undo replaces the root with the previous checkpoint.
//
// Outputs:
//   - bool: False at the oldest retained state.
//   - error: Reconstruction failed; the root is unchanged.
func (s *Session) Undo(ctx context.Context) (bool, error) {
	return s.navigate(ctx, "undo", s.engine.Undo)
}

// Redo replaces the root with the next checkpoint.
func (s *Session) Redo(ctx context.Context) (bool, error) {
	return s.navigate(ctx, "redo", s.engine.Redo)
}

func (s *Session) navigate(ctx context.Context, direction string, step func(context.Context, any) (any, bool, error)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	root, moved, err := step(ctx, s.extra)
	if err != nil {
		s.logger.Error("history navigation failed, document unchanged",
			slog.String("direction", direction),
			slog.String("error", err.Error()))
		return false, err
	}
	if !moved {
		return false, nil
	}
	s.root = root
	s.dirty = true
	return true, nil
}

// SetMode switches the history mode. History restarts at the live root.
func (s *Session) SetMode(ctx context.Context, mode history.Mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.SetMode(ctx, mode, s.root)
}

// Save persists the live root and makes it the new undo origin.
//
// Description:
//
//	Writes the document, clears the history, and stores the now empty
//	history so a later Open does not resume stale checkpoints. If the
//	document write fails, history and dirty flag are unchanged.
func (s *Session) Save(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, span := tracer.Start(ctx, "document.Save", trace.WithAttributes(attribute.String("refgraph.document", s.id)))
	defer span.End()

	err := s.saveLocked(ctx)
	savesTotal.WithLabelValues("save", status(err)).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "save failed")
		return err
	}
	s.logger.Info("document saved")
	return nil
}

func (s *Session) saveLocked(ctx context.Context) error {
	if s.store == nil {
		return ErrNoStore
	}
	enc, err := s.engine.Serializer().Serialize(ctx, s.root)
	if err != nil {
		return fmt.Errorf("save document %s: %w", s.id, err)
	}
	if err := s.store.SaveDocument(ctx, s.id, enc); err != nil {
		return fmt.Errorf("save document %s: %w", s.id, err)
	}
	s.dirty = false
	if err := s.engine.ClearHistory(ctx, s.root); err != nil {
		return fmt.Errorf("save document %s: %w", s.id, err)
	}
	return s.saveHistoryLocked(ctx)
}

// Checkpoint persists the live root and the full history without
// clearing it, so Open resumes with undo available.
func (s *Session) Checkpoint(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, span := tracer.Start(ctx, "document.Checkpoint", trace.WithAttributes(attribute.String("refgraph.document", s.id)))
	defer span.End()

	err := s.checkpointLocked(ctx)
	savesTotal.WithLabelValues("checkpoint", status(err)).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "checkpoint failed")
		return err
	}
	s.logger.Debug("document checkpointed",
		slog.Int("checkpoints", s.engine.Len()),
		slog.Int("cursor", s.engine.Cursor()))
	return nil
}

func (s *Session) checkpointLocked(ctx context.Context) error {
	if s.store == nil {
		return ErrNoStore
	}
	enc, err := s.engine.Serializer().Serialize(ctx, s.root)
	if err != nil {
		return fmt.Errorf("checkpoint document %s: %w", s.id, err)
	}
	if err := s.store.SaveDocument(ctx, s.id, enc); err != nil {
		return fmt.Errorf("checkpoint document %s: %w", s.id, err)
	}
	return s.saveHistoryLocked(ctx)
}

func (s *Session) saveHistoryLocked(ctx context.Context) error {
	snap, err := s.engine.Export()
	if err != nil {
		return fmt.Errorf("export history %s: %w", s.id, err)
	}
	if err := s.store.SaveHistory(ctx, s.id, snap); err != nil {
		return fmt.Errorf("save history %s: %w", s.id, err)
	}
	return nil
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
