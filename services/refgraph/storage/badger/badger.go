// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger opens and manages the embedded BadgerDB store that holds
// saved documents and their exported histories.
//
// The archive package owns the key layout; this package only provides the
// database lifecycle, value log GC, and transaction helpers with retry on
// write conflicts.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/go-playground/validator/v10"
)

// ErrPathRequired is returned when a persistent store has no directory.
var ErrPathRequired = errors.New("path is required for persistent database")

// maxConflictRetries bounds WithTxn retries on badger.ErrConflict.
const maxConflictRetries = 3

var validate = validator.New()

// Config holds configuration for the document store.
type Config struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string `yaml:"path" json:"path" validate:"required_unless=InMemory true"`

	// InMemory keeps everything in RAM. Used by tests and dry runs.
	InMemory bool `yaml:"in_memory" json:"in_memory"`

	// SyncWrites fsyncs every commit.
	SyncWrites bool `yaml:"sync_writes" json:"sync_writes"`

	// NumVersionsToKeep is the number of versions kept per key.
	NumVersionsToKeep int `yaml:"num_versions_to_keep" json:"num_versions_to_keep" validate:"min=1"`

	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval time.Duration `yaml:"gc_interval" json:"gc_interval" validate:"gte=0"`

	// GCDiscardRatio is the garbage ratio that triggers a rewrite.
	GCDiscardRatio float64 `yaml:"gc_discard_ratio" json:"gc_discard_ratio" validate:"gte=0,lte=1"`

	// Logger receives BadgerDB's internal logs. Nil silences them.
	Logger *slog.Logger `yaml:"-" json:"-"`
}

// DefaultConfig returns durable settings for an on-disk store.
func DefaultConfig() Config {
	return Config{
		SyncWrites:        true,
		NumVersionsToKeep: 1,
		GCInterval:        5 * time.Minute,
		GCDiscardRatio:    0.5,
	}
}

// InMemoryConfig returns settings for a throwaway in-memory store.
func InMemoryConfig() Config {
	return Config{
		InMemory:          true,
		NumVersionsToKeep: 1,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if !c.InMemory && c.Path == "" {
		return ErrPathRequired
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid storage config: %w", err)
	}
	return nil
}

// slogAdapter routes BadgerDB's printf-style logs to slog.
type slogAdapter struct {
	logger *slog.Logger
}

func (l *slogAdapter) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...), slog.String("component", "badger"))
}

func (l *slogAdapter) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...), slog.String("component", "badger"))
}

func (l *slogAdapter) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...), slog.String("component", "badger"))
}

func (l *slogAdapter) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...), slog.String("component", "badger"))
}

func options(cfg Config) (badger.Options, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return opts, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(cfg.NumVersionsToKeep)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&slogAdapter{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}
	return opts, nil
}

// -----------------------------------------------------------------------------
// DB
// -----------------------------------------------------------------------------

// DB is an open store with its GC loop.
//
// Thread Safety: Safe for concurrent use.
type DB struct {
	*badger.DB
	gc        *gcLoop
	path      string
	inMemory  bool
	closeOnce sync.Once
	closeErr  error
}

// Open validates cfg, opens the store and starts value log GC when
// configured for an on-disk store.
//
// Outputs:
//   - *DB: Call Close when done.
//   - error: ErrPathRequired, a validation error, or an open failure.
func Open(cfg Config) (*DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts, err := options(cfg)
	if err != nil {
		return nil, err
	}
	raw, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	db := &DB{DB: raw, path: cfg.Path, inMemory: cfg.InMemory}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		logger := cfg.Logger
		if logger == nil {
			logger = slog.Default()
		}
		db.gc = startGC(raw, cfg.GCInterval, cfg.GCDiscardRatio, logger)
	}
	return db, nil
}

// OpenPath opens an on-disk store at path with DefaultConfig.
func OpenPath(path string) (*DB, error) {
	cfg := DefaultConfig()
	cfg.Path = path
	return Open(cfg)
}

// OpenInMemory opens an empty in-memory store.
func OpenInMemory() (*DB, error) {
	return Open(InMemoryConfig())
}

// Close stops GC and closes the store. Later calls return the first result.
func (d *DB) Close() error {
	d.closeOnce.Do(func() {
		if d.gc != nil {
			d.gc.stop()
		}
		d.closeErr = d.DB.Close()
	})
	return d.closeErr
}

// Path returns the database directory, or "" when in memory.
func (d *DB) Path() string { return d.path }

// InMemory reports whether the store is RAM-only.
func (d *DB) InMemory() bool { return d.inMemory }

// Sync flushes pending writes. A no-op in memory.
func (d *DB) Sync() error {
	if d.inMemory {
		return nil
	}
	return d.DB.Sync()
}

// WithTxn runs fn in a read-write transaction and commits when it returns
// nil. fn is re-run on badger.ErrConflict up to three times, so it must
// not have side effects outside the transaction.
func (d *DB) WithTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return fmt.Errorf("context cancelled: %w", cerr)
		}
		err = d.runTxn(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("commit after %d attempts: %w", maxConflictRetries, err)
}

func (d *DB) runTxn(fn func(txn *badger.Txn) error) error {
	txn := d.DB.NewTransaction(true)
	defer txn.Discard()
	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit()
}

// WithReadTxn runs fn in a read-only transaction.
func (d *DB) WithReadTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	txn := d.DB.NewTransaction(false)
	defer txn.Discard()
	return fn(txn)
}

// Keys returns every key under prefix in ascending order.
func Keys(txn *badger.Txn, prefix []byte) [][]byte {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys
}

// DeletePrefix deletes every key under prefix and reports how many.
func DeletePrefix(txn *badger.Txn, prefix []byte) (int, error) {
	keys := Keys(txn, prefix)
	for _, k := range keys {
		if err := txn.Delete(k); err != nil {
			return 0, fmt.Errorf("delete %q: %w", k, err)
		}
	}
	return len(keys), nil
}

// -----------------------------------------------------------------------------
// Value log GC
// -----------------------------------------------------------------------------

type gcLoop struct {
	db     *badger.DB
	ratio  float64
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

func startGC(db *badger.DB, interval time.Duration, ratio float64, logger *slog.Logger) *gcLoop {
	ctx, cancel := context.WithCancel(context.Background())
	g := &gcLoop{db: db, ratio: ratio, logger: logger, cancel: cancel, done: make(chan struct{})}
	go g.run(ctx, interval)
	return g
}

func (g *gcLoop) run(ctx context.Context, interval time.Duration) {
	defer close(g.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.once()
		}
	}
}

// once runs GC until BadgerDB reports nothing left to rewrite.
func (g *gcLoop) once() {
	rewrites := 0
	for {
		err := g.db.RunValueLogGC(g.ratio)
		if err == nil {
			rewrites++
			continue
		}
		if !errors.Is(err, badger.ErrNoRewrite) {
			g.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
		}
		break
	}
	if rewrites > 0 {
		g.logger.Debug("badger value log GC completed", slog.Int("rewrites", rewrites))
	}
}

func (g *gcLoop) stop() {
	g.cancel()
	<-g.done
}
