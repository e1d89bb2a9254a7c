// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package archive persists encoded documents and exported histories.
//
// # Description
//
// Records live in one BadgerDB keyspace:
//
//	doc/<id>                 encoded document
//	hist/<id>/meta           history mode, capacity, cursor, base, count
//	hist/<id>/cp/<%016d>     one checkpoint entry
//
// Every value is framed as [CRC32 big-endian][gzip(JSON)]. A record whose
// checksum does not match is reported as ErrCorrupted, never decoded.
//
// # Thread Safety
//
// Store is safe for concurrent use. Writes for one document are atomic:
// SaveHistory replaces the previous history in a single transaction.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/refgraph/pkg/validation"
	"github.com/AleutianAI/refgraph/services/refgraph/encoded"
	"github.com/AleutianAI/refgraph/services/refgraph/history"
	store "github.com/AleutianAI/refgraph/services/refgraph/storage/badger"
)

const (
	docPrefix  = "doc/"
	histPrefix = "hist/"
)

// DefaultCompressionLevel is the gzip level used when none is configured.
const DefaultCompressionLevel = 6

var validate = validator.New()

// Config configures a Store.
type Config struct {
	// Storage configures the underlying BadgerDB.
	Storage store.Config `yaml:"storage" json:"storage"`

	// CompressionLevel is the gzip level, 1 (fastest) to 9 (smallest).
	CompressionLevel int `yaml:"compression_level" json:"compression_level" validate:"min=1,max=9"`

	// Logger receives archive logs. Nil uses slog.Default().
	Logger *slog.Logger `yaml:"-" json:"-"`
}

// DefaultConfig returns an on-disk configuration rooted at path.
func DefaultConfig(path string) Config {
	cfg := store.DefaultConfig()
	cfg.Path = path
	return Config{Storage: cfg, CompressionLevel: DefaultCompressionLevel}
}

// InMemoryConfig returns a configuration backed by an in-memory store.
func InMemoryConfig() Config {
	return Config{Storage: store.InMemoryConfig(), CompressionLevel: DefaultCompressionLevel}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Store is the document archive.
type Store struct {
	db     *store.DB
	level  int
	logger *slog.Logger
	closed atomic.Bool
}

// Open validates cfg and opens the archive.
func Open(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	db, err := store.Open(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	logger.Info("archive opened",
		slog.String("path", db.Path()),
		slog.Bool("in_memory", db.InMemory()),
		slog.Int("compression_level", cfg.CompressionLevel))
	return &Store{db: db, level: cfg.CompressionLevel, logger: logger}, nil
}

// Close closes the underlying database. Later calls are no-ops.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func docKey(id string) []byte { return []byte(docPrefix + id) }
func histRoot(id string) []byte { return []byte(histPrefix + id + "/") }
func metaKey(id string) []byte { return []byte(histPrefix + id + "/meta") }
func cpPrefix(id string) []byte { return []byte(histPrefix + id + "/cp/") }
func cpKey(id string, i int) []byte { return []byte(fmt.Sprintf("%s%s/cp/%016d", histPrefix, id, i)) }

func checkID(id string) error {
	if err := validation.ValidateDocumentID(id); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	return nil
}

// begin starts the span, checks the store and the ID, and returns a
// finisher that records metrics and span status.
func (s *Store) begin(ctx context.Context, op, id string) (context.Context, func(error) error, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "archive."+op,
		trace.WithAttributes(attribute.String("refgraph.document", id)))
	finish := func(err error) error {
		defer span.End()
		operationsTotal.WithLabelValues(op, errorStatus(err)).Inc()
		operationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		if err != nil && !errors.Is(err, ErrNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, op+" failed")
			loggerWithTrace(ctx, s.logger).Warn("archive operation failed",
				slog.String("operation", op),
				slog.String("document", id),
				slog.String("error", err.Error()))
		}
		return err
	}
	if s.closed.Load() {
		return ctx, finish, finish(ErrClosed)
	}
	if err := checkID(id); err != nil {
		return ctx, finish, finish(err)
	}
	return ctx, finish, nil
}

// -----------------------------------------------------------------------------
// Documents
// -----------------------------------------------------------------------------

// SaveDocument stores the encoded document under id, replacing any
// previous version.
func (s *Store) SaveDocument(ctx context.Context, id string, doc encoded.Value) error {
	ctx, finish, err := s.begin(ctx, "save_document", id)
	if err != nil {
		return err
	}
	raw, err := encoded.Marshal(doc)
	if err != nil {
		return finish(fmt.Errorf("encode document %s: %w", id, err))
	}
	rec, err := frame(raw, s.level)
	if err != nil {
		return finish(fmt.Errorf("frame document %s: %w", id, err))
	}
	err = s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(docKey(id), rec)
	})
	if err != nil {
		return finish(fmt.Errorf("save document %s: %w", id, err))
	}
	bytesWritten.WithLabelValues("document").Add(float64(len(rec)))
	loggerWithTrace(ctx, s.logger).Debug("document saved",
		slog.String("document", id),
		slog.Int("raw_bytes", len(raw)),
		slog.Int("stored_bytes", len(rec)))
	return finish(nil)
}

// LoadDocument returns the encoded document stored under id.
//
// Outputs:
//   - encoded.Value: The document tree.
//   - error: ErrNotFound, ErrCorrupted, or a storage error.
func (s *Store) LoadDocument(ctx context.Context, id string) (encoded.Value, error) {
	ctx, finish, err := s.begin(ctx, "load_document", id)
	if err != nil {
		return nil, err
	}
	var rec []byte
	err = s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		rec, err = get(txn, docKey(id))
		return err
	})
	if err != nil {
		return nil, finish(fmt.Errorf("load document %s: %w", id, err))
	}
	raw, err := unframe(string(docKey(id)), rec)
	if err != nil {
		return nil, finish(err)
	}
	doc, err := encoded.Unmarshal(raw)
	if err != nil {
		return nil, finish(&CorruptedError{Key: string(docKey(id)), Reason: err.Error()})
	}
	return doc, finish(nil)
}

// Documents lists every stored document ID in ascending order.
func (s *Store) Documents(ctx context.Context) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	var ids []string
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		for _, k := range store.Keys(txn, []byte(docPrefix)) {
			ids = append(ids, strings.TrimPrefix(string(k), docPrefix))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete removes the document and its history. Deleting an unknown ID
// is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	ctx, finish, err := s.begin(ctx, "delete", id)
	if err != nil {
		return err
	}
	err = s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := txn.Delete(docKey(id)); err != nil {
			return err
		}
		_, err := store.DeletePrefix(txn, histRoot(id))
		return err
	})
	if err != nil {
		return finish(fmt.Errorf("delete document %s: %w", id, err))
	}
	return finish(nil)
}

// -----------------------------------------------------------------------------
// Histories
// -----------------------------------------------------------------------------

type historyMeta struct {
	Mode     history.Mode    `json:"mode"`
	Capacity int             `json:"capacity"`
	Cursor   int             `json:"cursor"`
	Count    int             `json:"count"`
	Base     json.RawMessage `json:"base"`
}

// SaveHistory replaces the stored history of id with snap.
//
// Description:
//
//	Checkpoint entries are encoded and compressed in parallel, then the
//	previous history is deleted and the new one written in one
//	transaction. A failure leaves the previous history intact.
func (s *Store) SaveHistory(ctx context.Context, id string, snap *history.Snapshot) error {
	ctx, finish, err := s.begin(ctx, "save_history", id)
	if err != nil {
		return err
	}
	if err := snap.Validate(); err != nil {
		return finish(fmt.Errorf("save history %s: %w", id, err))
	}

	base, err := encoded.Marshal(snap.Base)
	if err != nil {
		return finish(fmt.Errorf("encode history base %s: %w", id, err))
	}
	metaRaw, err := json.Marshal(historyMeta{
		Mode:     snap.Mode,
		Capacity: snap.Capacity,
		Cursor:   snap.Cursor,
		Count:    len(snap.Entries),
		Base:     base,
	})
	if err != nil {
		return finish(fmt.Errorf("encode history meta %s: %w", id, err))
	}
	meta, err := frame(metaRaw, s.level)
	if err != nil {
		return finish(err)
	}

	records := make([][]byte, len(snap.Entries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range snap.Entries {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			raw, err := json.Marshal(snap.Entries[i])
			if err != nil {
				return fmt.Errorf("encode checkpoint %d: %w", i, err)
			}
			rec, err := frame(raw, s.level)
			if err != nil {
				return fmt.Errorf("frame checkpoint %d: %w", i, err)
			}
			records[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return finish(fmt.Errorf("save history %s: %w", id, err))
	}

	total := len(meta)
	err = s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if _, err := store.DeletePrefix(txn, histRoot(id)); err != nil {
			return err
		}
		if err := txn.Set(metaKey(id), meta); err != nil {
			return err
		}
		for i, rec := range records {
			if err := txn.Set(cpKey(id, i), rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return finish(fmt.Errorf("save history %s: %w", id, err))
	}
	for _, rec := range records {
		total += len(rec)
	}
	bytesWritten.WithLabelValues("history").Add(float64(total))
	loggerWithTrace(ctx, s.logger).Debug("history saved",
		slog.String("document", id),
		slog.String("mode", snap.Mode.String()),
		slog.Int("checkpoints", len(records)),
		slog.Int("stored_bytes", total))
	return finish(nil)
}

// LoadHistory returns the stored history of id.
//
// Outputs:
//   - *history.Snapshot: Ready for Engine.Import.
//   - error: ErrNotFound when no history was saved, ErrCorrupted when a
//     record fails its checksum or the checkpoint count disagrees with
//     the metadata.
func (s *Store) LoadHistory(ctx context.Context, id string) (*history.Snapshot, error) {
	ctx, finish, err := s.begin(ctx, "load_history", id)
	if err != nil {
		return nil, err
	}

	var metaRec []byte
	var keys, recs [][]byte
	err = s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var err error
		if metaRec, err = get(txn, metaKey(id)); err != nil {
			return err
		}
		keys = store.Keys(txn, cpPrefix(id))
		recs = make([][]byte, len(keys))
		for i, k := range keys {
			if recs[i], err = get(txn, k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, finish(fmt.Errorf("load history %s: %w", id, err))
	}

	metaRaw, err := unframe(string(metaKey(id)), metaRec)
	if err != nil {
		return nil, finish(err)
	}
	var meta historyMeta
	if err := json.Unmarshal(metaRaw, &meta); err != nil {
		return nil, finish(&CorruptedError{Key: string(metaKey(id)), Reason: err.Error()})
	}
	if meta.Count != len(keys) {
		return nil, finish(&CorruptedError{
			Key:    string(metaKey(id)),
			Reason: fmt.Sprintf("metadata lists %d checkpoints, found %d", meta.Count, len(keys)),
		})
	}
	var base encoded.Value
	if len(meta.Base) > 0 {
		if base, err = encoded.Unmarshal(meta.Base); err != nil {
			return nil, finish(&CorruptedError{Key: string(metaKey(id)), Reason: err.Error()})
		}
	}

	entries := make([]history.Entry, len(recs))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range recs {
		g.Go(func() error {
			key := string(keys[i])
			raw, err := unframe(key, recs[i])
			if err != nil {
				return err
			}
			if err := json.Unmarshal(raw, &entries[i]); err != nil {
				return &CorruptedError{Key: key, Reason: err.Error()}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, finish(err)
	}

	snap := &history.Snapshot{
		Mode:     meta.Mode,
		Capacity: meta.Capacity,
		Cursor:   meta.Cursor,
		Base:     base,
		Entries:  entries,
	}
	if err := snap.Validate(); err != nil {
		return nil, finish(&CorruptedError{Key: string(metaKey(id)), Reason: err.Error()})
	}
	return snap, finish(nil)
}

func get(txn *badger.Txn, key []byte) ([]byte, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
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
