// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package archive

import (
	"context"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/refgraph/services/refgraph/delta"
	"github.com/AleutianAI/refgraph/services/refgraph/encoded"
	"github.com/AleutianAI/refgraph/services/refgraph/history"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleDoc(title string) encoded.Value {
	n := encoded.NewNode("Doc")
	n.Set("title", title)
	n.Set("scale", 1.5)
	item := encoded.NewNode("Item")
	item.Set("id", "a")
	item.Set("next", encoded.Ref{Path: "/items/0"})
	n.Set("items", encoded.NewArray(item))
	return n
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, InMemoryConfig().Validate())
	assert.NoError(t, DefaultConfig(t.TempDir()).Validate())

	cfg := InMemoryConfig()
	cfg.CompressionLevel = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
	cfg.CompressionLevel = 10
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	assert.ErrorIs(t, DefaultConfig("").Validate(), ErrInvalidConfig)
}

func TestFrame_RoundTripAndCorruption(t *testing.T) {
	payload := []byte(`{"_":"Doc","title":"hello"}`)
	rec, err := frame(payload, 9)
	require.NoError(t, err)

	got, err := unframe("k", rec)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	rec[len(rec)-1] ^= 0xff
	_, err = unframe("k", rec)
	assert.ErrorIs(t, err, ErrCorrupted)

	_, err = unframe("k", []byte{1, 2})
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestStore_DocumentRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	before := testutil.ToFloat64(operationsTotal.WithLabelValues("save_document", "success"))

	doc := sampleDoc("first")
	require.NoError(t, s.SaveDocument(ctx, "d1", doc))
	got, err := s.LoadDocument(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, encoded.Equal(doc, got))

	require.NoError(t, s.SaveDocument(ctx, "d1", sampleDoc("second")))
	got, err = s.LoadDocument(ctx, "d1")
	require.NoError(t, err)
	title, _ := got.(*encoded.Node).Get("title")
	assert.Equal(t, "second", title)

	assert.Equal(t, before+2, testutil.ToFloat64(operationsTotal.WithLabelValues("save_document", "success")))
}

func TestStore_NotFoundAndInvalidID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.LoadDocument(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.LoadHistory(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	for _, id := range []string{"", "a/b", "nul\x00"} {
		assert.ErrorIs(t, s.SaveDocument(ctx, id, "x"), ErrInvalidID)
	}
}

func TestStore_CorruptedDocument(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveDocument(ctx, "d", sampleDoc("x")))

	require.NoError(t, s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(docKey("d"), []byte{0, 0, 0, 0, 1, 2, 3})
	}))
	_, err := s.LoadDocument(ctx, "d")
	var ce *CorruptedError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "doc/d", ce.Key)
}

func TestStore_DocumentsAndDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"b", "a", "c"} {
		require.NoError(t, s.SaveDocument(ctx, id, sampleDoc(id)))
	}
	require.NoError(t, s.SaveHistory(ctx, "b", &history.Snapshot{Mode: history.ModeSnapshot, Capacity: 3, Cursor: -1}))

	ids, err := s.Documents(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids)

	require.NoError(t, s.Delete(ctx, "b"))
	require.NoError(t, s.Delete(ctx, "b"))
	ids, err = s.Documents(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, ids)
	_, err = s.LoadHistory(ctx, "b")
	assert.ErrorIs(t, err, ErrNotFound)
}

func deltaSnapshot(n int) *history.Snapshot {
	snap := &history.Snapshot{Mode: history.ModeDelta, Capacity: 10, Cursor: n - 1, Base: sampleDoc("t0")}
	for i := 1; i <= n; i++ {
		snap.Entries = append(snap.Entries, history.Entry{
			Delta: &delta.Delta{Ops: []delta.Op{{Kind: delta.OpReplace, Path: "/title", Value: "t" + string(rune('0'+i))}}},
		})
	}
	return snap
}

func TestStore_HistoryRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	snap := deltaSnapshot(5)
	require.NoError(t, s.SaveHistory(ctx, "d", snap))
	got, err := s.LoadHistory(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, history.ModeDelta, got.Mode)
	assert.Equal(t, 4, got.Cursor)
	assert.Equal(t, 10, got.Capacity)
	assert.True(t, encoded.Equal(snap.Base, got.Base))
	require.Len(t, got.Entries, 5)
	assert.Equal(t, "/title", got.Entries[2].Delta.Ops[0].Path)
	assert.Equal(t, "t3", got.Entries[2].Delta.Ops[0].Value)

	// A shorter history replaces every previous checkpoint.
	require.NoError(t, s.SaveHistory(ctx, "d", deltaSnapshot(2)))
	got, err = s.LoadHistory(ctx, "d")
	require.NoError(t, err)
	assert.Len(t, got.Entries, 2)
}

func TestStore_HistoryMissingCheckpoint(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveHistory(ctx, "d", deltaSnapshot(3)))

	require.NoError(t, s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Delete(cpKey("d", 1))
	}))
	_, err := s.LoadHistory(ctx, "d")
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestStore_SaveHistoryRejectsInvalidSnapshot(t *testing.T) {
	s := openTestStore(t)
	err := s.SaveHistory(context.Background(), "d", &history.Snapshot{Mode: history.ModeDelta, Cursor: 3})
	assert.ErrorIs(t, err, history.ErrInvalidSnapshot)
}

func TestStore_Closed(t *testing.T) {
	s, err := Open(InMemoryConfig())
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.SaveDocument(context.Background(), "d", "x"), ErrClosed)
	_, err = s.Documents(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
