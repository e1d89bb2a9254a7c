// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package document

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/refgraph/services/refgraph/archive"
	"github.com/AleutianAI/refgraph/services/refgraph/deserializer"
	"github.com/AleutianAI/refgraph/services/refgraph/encoded"
	"github.com/AleutianAI/refgraph/services/refgraph/history"
	"github.com/AleutianAI/refgraph/services/refgraph/registry"
	"github.com/AleutianAI/refgraph/services/refgraph/serializer"
)

type Layer struct {
	ID     string   `graph:"id,identity"`
	Name   string   `graph:"name"`
	Parent *Layer   `graph:"parent"`
	Kids   []*Layer `graph:"kids"`
}

type Canvas struct {
	Title  string   `graph:"title"`
	Layers []*Layer `graph:"layers"`
}

var testRegistry = func() *registry.Registry {
	reg := registry.New()
	for name, sample := range map[string]any{"Layer": Layer{}, "Canvas": Canvas{}} {
		spec, err := registry.Describe(name, sample)
		if err != nil {
			panic(err)
		}
		if _, err := reg.Register(spec); err != nil {
			panic(err)
		}
	}
	return reg
}()

func newEngine(t *testing.T, capacity int) *history.Engine {
	t.Helper()
	e, err := history.NewEngine(serializer.New(testRegistry), deserializer.New(testRegistry),
		history.Config{Mode: history.ModeDelta, Capacity: capacity})
	require.NoError(t, err)
	return e
}

func newCanvas() *Canvas {
	root := &Layer{ID: "root", Name: "Root"}
	child := &Layer{ID: "c1", Name: "Child", Parent: root}
	root.Kids = []*Layer{child}
	return &Canvas{Title: "untitled", Layers: []*Layer{root}}
}

func openStore(t *testing.T) *archive.Store {
	t.Helper()
	s, err := archive.Open(archive.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func canvasOf(t *testing.T, s *Session) *Canvas {
	t.Helper()
	c, ok := s.Root().(*Canvas)
	require.True(t, ok, "root is %T", s.Root())
	return c
}

func TestNew_AssignsIDAndCleanState(t *testing.T) {
	s, err := New(context.Background(), "", newCanvas(), newEngine(t, 10))
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID())
	assert.False(t, s.Dirty())
	assert.Equal(t, -1, s.History().Cursor())

	_, err = New(context.Background(), "x", newCanvas(), nil)
	assert.ErrorIs(t, err, ErrNilEngine)
}

func TestSession_MutateUndoRedo(t *testing.T) {
	ctx := context.Background()
	s, err := New(ctx, "doc", newCanvas(), newEngine(t, 10))
	require.NoError(t, err)
	original := s.Root()

	recorded, err := s.Mutate(ctx, func(root any) error {
		root.(*Canvas).Title = "renamed"
		return nil
	})
	require.NoError(t, err)
	assert.True(t, recorded)
	assert.True(t, s.Dirty())

	moved, err := s.Undo(ctx)
	require.NoError(t, err)
	require.True(t, moved)
	c := canvasOf(t, s)
	assert.NotSame(t, original, c)
	assert.Equal(t, "untitled", c.Title)
	require.Len(t, c.Layers[0].Kids, 1)
	assert.Same(t, c.Layers[0], c.Layers[0].Kids[0].Parent)

	moved, err = s.Undo(ctx)
	require.NoError(t, err)
	assert.False(t, moved)

	moved, err = s.Redo(ctx)
	require.NoError(t, err)
	require.True(t, moved)
	assert.Equal(t, "renamed", canvasOf(t, s).Title)
}

func TestSession_MutateErrorSkipsRecord(t *testing.T) {
	ctx := context.Background()
	s, err := New(ctx, "doc", newCanvas(), newEngine(t, 10))
	require.NoError(t, err)

	boom := errors.New("boom")
	recorded, err := s.Mutate(ctx, func(any) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, recorded)
	assert.Equal(t, 0, s.History().Len())
	assert.False(t, s.Dirty())
}

func TestSession_RecordUnchangedIsNotDirty(t *testing.T) {
	ctx := context.Background()
	s, err := New(ctx, "doc", newCanvas(), newEngine(t, 10))
	require.NoError(t, err)

	recorded, err := s.Record(ctx)
	require.NoError(t, err)
	assert.False(t, recorded)
	assert.False(t, s.Dirty())
}

func TestSession_RecordAfterUndoDropsRedo(t *testing.T) {
	ctx := context.Background()
	s, err := New(ctx, "doc", newCanvas(), newEngine(t, 10))
	require.NoError(t, err)
	_, err = s.Mutate(ctx, func(root any) error {
		root.(*Canvas).Title = "renamed"
		return nil
	})
	require.NoError(t, err)
	_, err = s.Undo(ctx)
	require.NoError(t, err)

	recorded, err := s.Record(ctx)
	require.NoError(t, err)
	assert.False(t, recorded)
	assert.Equal(t, 0, s.History().Len())

	moved, err := s.Redo(ctx)
	require.NoError(t, err)
	assert.False(t, moved)
	assert.Equal(t, "untitled", canvasOf(t, s).Title)
}

func TestSession_SaveWithoutStore(t *testing.T) {
	s, err := New(context.Background(), "doc", newCanvas(), newEngine(t, 10))
	require.NoError(t, err)
	assert.ErrorIs(t, s.Save(context.Background()), ErrNoStore)
	assert.ErrorIs(t, s.Checkpoint(context.Background()), ErrNoStore)
}

func TestSession_SaveThenOpen(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	s, err := New(ctx, "doc", newCanvas(), newEngine(t, 10), WithStore(store))
	require.NoError(t, err)

	_, err = s.Mutate(ctx, func(root any) error {
		root.(*Canvas).Title = "saved"
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx))
	assert.False(t, s.Dirty())
	assert.Equal(t, 0, s.History().Len())

	reopened, err := Open(ctx, "doc", store, newEngine(t, 10))
	require.NoError(t, err)
	c := canvasOf(t, reopened)
	assert.Equal(t, "saved", c.Title)
	assert.Same(t, c.Layers[0], c.Layers[0].Kids[0].Parent)
	assert.False(t, reopened.History().CanUndo())
}

func TestSession_CheckpointResumesHistory(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	s, err := New(ctx, "doc", newCanvas(), newEngine(t, 10), WithStore(store))
	require.NoError(t, err)

	for _, title := range []string{"one", "two"} {
		_, err := s.Mutate(ctx, func(root any) error {
			root.(*Canvas).Title = title
			return nil
		})
		require.NoError(t, err)
	}
	require.NoError(t, s.Checkpoint(ctx))

	reopened, err := Open(ctx, "doc", store, newEngine(t, 10))
	require.NoError(t, err)
	assert.Equal(t, "two", canvasOf(t, reopened).Title)
	assert.Equal(t, 2, reopened.History().Len())
	assert.Equal(t, 1, reopened.History().Cursor())

	moved, err := reopened.Undo(ctx)
	require.NoError(t, err)
	require.True(t, moved)
	assert.Equal(t, "one", canvasOf(t, reopened).Title)
}

func TestOpen_MissingDocument(t *testing.T) {
	_, err := Open(context.Background(), "nope", openStore(t), newEngine(t, 10))
	assert.ErrorIs(t, err, archive.ErrNotFound)
}

func TestOpen_UnknownTypeIsFatal(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	require.NoError(t, store.SaveDocument(ctx, "alien", encoded.NewNode("Martian")))

	_, err := Open(ctx, "alien", store, newEngine(t, 10))
	assert.ErrorIs(t, err, registry.ErrUnknownType)
}

type failingStore struct {
	*archive.Store
	err error
}

func (f *failingStore) SaveDocument(context.Context, string, encoded.Value) error { return f.err }

func TestSession_SaveFailureKeepsHistory(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("disk full")
	s, err := New(ctx, "doc", newCanvas(), newEngine(t, 10), WithStore(&failingStore{Store: openStore(t), err: boom}))
	require.NoError(t, err)
	_, err = s.Mutate(ctx, func(root any) error {
		root.(*Canvas).Title = "x"
		return nil
	})
	require.NoError(t, err)

	assert.ErrorIs(t, s.Save(ctx), boom)
	assert.True(t, s.Dirty())
	assert.Equal(t, 1, s.History().Len())
}

func TestSession_SetMode(t *testing.T) {
	ctx := context.Background()
	s, err := New(ctx, "doc", newCanvas(), newEngine(t, 10))
	require.NoError(t, err)
	_, err = s.Mutate(ctx, func(root any) error {
		root.(*Canvas).Title = "x"
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, s.SetMode(ctx, history.ModeSnapshot))
	assert.Equal(t, history.ModeSnapshot, s.History().Mode())
	assert.Equal(t, 0, s.History().Len())
	assert.Equal(t, "x", canvasOf(t, s).Title)
}
