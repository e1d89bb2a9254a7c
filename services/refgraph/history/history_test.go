// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/refgraph/services/refgraph/delta"
	"github.com/AleutianAI/refgraph/services/refgraph/deserializer"
	"github.com/AleutianAI/refgraph/services/refgraph/encoded"
	"github.com/AleutianAI/refgraph/services/refgraph/registry"
	"github.com/AleutianAI/refgraph/services/refgraph/serializer"
)

type Item struct {
	ID    string `graph:"id,identity"`
	Label string `graph:"label"`
	Next  *Item  `graph:"next"`
}

type Doc struct {
	Title string  `graph:"title"`
	Scale float64 `graph:"scale"`
	Items []*Item `graph:"items"`
}

type Opaque struct {
	C chan int
}

func newTestEngine(t *testing.T, mode Mode, capacity int) *Engine {
	t.Helper()
	reg := registry.New()
	for _, sample := range []struct {
		name string
		v    any
	}{{"Item", Item{}}, {"Doc", Doc{}}} {
		spec, err := registry.Describe(sample.name, sample.v)
		require.NoError(t, err)
		_, err = reg.Register(spec)
		require.NoError(t, err)
	}
	e, err := NewEngine(serializer.New(reg), deserializer.New(reg), Config{Mode: mode, Capacity: capacity})
	require.NoError(t, err)
	return e
}

func docAt(t *testing.T, v any) *Doc {
	t.Helper()
	d, ok := v.(*Doc)
	require.True(t, ok, "expected *Doc, got %T", v)
	return d
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.ErrorIs(t, Config{Mode: ModeDelta}.Validate(), ErrInvalidConfig)
	assert.ErrorIs(t, Config{Mode: Mode(9), Capacity: 1}.Validate(), ErrInvalidConfig)

	_, err := NewEngine(nil, nil, DefaultConfig())
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestMode_Text(t *testing.T) {
	for _, m := range []Mode{ModeSnapshot, ModeDelta} {
		text, err := m.MarshalText()
		require.NoError(t, err)
		var back Mode
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, m, back)
	}
	_, err := ParseMode("sideways")
	assert.ErrorIs(t, err, ErrInvalidMode)
}

func TestEngine_NewEngineIsEmpty(t *testing.T) {
	e := newTestEngine(t, ModeDelta, 10)
	assert.Equal(t, -1, e.Cursor())
	assert.Equal(t, 0, e.Len())
	assert.False(t, e.CanUndo())
	assert.False(t, e.CanRedo())
}

func TestEngine_RecordAndNavigate(t *testing.T) {
	for _, mode := range []Mode{ModeSnapshot, ModeDelta} {
		t.Run(mode.String(), func(t *testing.T) {
			ctx := context.Background()
			e := newTestEngine(t, mode, 10)
			doc := &Doc{Title: "v0"}
			require.NoError(t, e.ClearHistory(ctx, doc))

			doc.Title = "v1"
			ok, err := e.RecordStep(ctx, doc)
			require.NoError(t, err)
			require.True(t, ok)
			doc.Title = "v2"
			_, err = e.RecordStep(ctx, doc)
			require.NoError(t, err)
			assert.Equal(t, 1, e.Cursor())

			got, moved, err := e.Undo(ctx, nil)
			require.NoError(t, err)
			require.True(t, moved)
			assert.Equal(t, "v1", docAt(t, got).Title)
			assert.NotSame(t, doc, got)

			got, moved, err = e.Undo(ctx, nil)
			require.NoError(t, err)
			require.True(t, moved)
			assert.Equal(t, "v0", docAt(t, got).Title)

			_, moved, err = e.Undo(ctx, nil)
			require.NoError(t, err)
			assert.False(t, moved)
			assert.Equal(t, -1, e.Cursor())

			got, moved, err = e.Redo(ctx, nil)
			require.NoError(t, err)
			require.True(t, moved)
			assert.Equal(t, "v1", docAt(t, got).Title)
			got, _, err = e.Redo(ctx, nil)
			require.NoError(t, err)
			assert.Equal(t, "v2", docAt(t, got).Title)

			_, moved, err = e.Redo(ctx, nil)
			require.NoError(t, err)
			assert.False(t, moved)
			assert.Equal(t, 1, e.Cursor())
		})
	}
}

func TestEngine_RecordAfterUndoTruncates(t *testing.T) {
	for _, mode := range []Mode{ModeSnapshot, ModeDelta} {
		t.Run(mode.String(), func(t *testing.T) {
			ctx := context.Background()
			e := newTestEngine(t, mode, 10)
			doc := &Doc{Title: "a"}
			require.NoError(t, e.ClearHistory(ctx, doc))

			doc.Title = "b"
			_, err := e.RecordStep(ctx, doc)
			require.NoError(t, err)
			doc.Title = "c"
			_, err = e.RecordStep(ctx, doc)
			require.NoError(t, err)

			_, _, err = e.Undo(ctx, nil)
			require.NoError(t, err)
			doc.Title = "d"
			_, err = e.RecordStep(ctx, doc)
			require.NoError(t, err)

			assert.Equal(t, 2, e.Len())
			assert.Equal(t, 1, e.Cursor())
			assert.False(t, e.CanRedo())
			_, moved, err := e.Redo(ctx, nil)
			require.NoError(t, err)
			assert.False(t, moved)

			got, err := e.Get(ctx, 0, nil)
			require.NoError(t, err)
			assert.Equal(t, "b", docAt(t, got).Title)
			got, err = e.Get(ctx, 1, nil)
			require.NoError(t, err)
			assert.Equal(t, "d", docAt(t, got).Title)
		})
	}
}

func TestEngine_CapacityTwo(t *testing.T) {
	for _, mode := range []Mode{ModeSnapshot, ModeDelta} {
		t.Run(mode.String(), func(t *testing.T) {
			ctx := context.Background()
			e := newTestEngine(t, mode, 2)
			doc := &Doc{Title: "init"}
			require.NoError(t, e.ClearHistory(ctx, doc))

			for _, title := range []string{"S0", "S1", "S2"} {
				doc.Title = title
				_, err := e.RecordStep(ctx, doc)
				require.NoError(t, err)
			}
			assert.Equal(t, 2, e.Len())
			assert.Equal(t, 1, e.Cursor())

			got, _, err := e.Undo(ctx, nil)
			require.NoError(t, err)
			assert.Equal(t, "S1", docAt(t, got).Title)

			// The evicted S0 checkpoint was folded into the base.
			got, moved, err := e.Undo(ctx, nil)
			require.NoError(t, err)
			require.True(t, moved)
			assert.Equal(t, "S0", docAt(t, got).Title)

			_, moved, err = e.Undo(ctx, nil)
			require.NoError(t, err)
			assert.False(t, moved)
		})
	}
}

func TestEngine_EvictionPreservesTail(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, ModeDelta, 3)
	doc := &Doc{}
	require.NoError(t, e.ClearHistory(ctx, doc))

	for i := 0; i < 12; i++ {
		doc.Items = append(doc.Items, &Item{ID: fmt.Sprintf("i%d", i), Label: "x"})
		if i > 0 {
			doc.Items[i-1].Next = doc.Items[i]
		}
		doc.Scale = float64(i) / 4
		_, err := e.RecordStep(ctx, doc)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, e.Len())

	want, err := serializer.New(e.ser.Registry()).Serialize(ctx, doc)
	require.NoError(t, err)
	got, err := e.State(e.Cursor())
	require.NoError(t, err)
	assert.True(t, encoded.Equal(want, got))

	back, err := e.Get(ctx, e.Cursor(), nil)
	require.NoError(t, err)
	d := docAt(t, back)
	require.Len(t, d.Items, 12)
	assert.Same(t, d.Items[1], d.Items[0].Next)
}

func TestEngine_StrategyEquivalence(t *testing.T) {
	ctx := context.Background()
	snap := newTestEngine(t, ModeSnapshot, 4)
	delt := newTestEngine(t, ModeDelta, 4)

	doc := &Doc{Title: "start"}
	require.NoError(t, snap.ClearHistory(ctx, doc))
	require.NoError(t, delt.ClearHistory(ctx, doc))

	edits := []func(){
		func() { doc.Title = "one" },
		func() { doc.Items = append(doc.Items, &Item{ID: "a", Label: "A"}) },
		func() { doc.Items = append(doc.Items, &Item{ID: "b", Label: "B"}) },
		func() { doc.Items[0].Next = doc.Items[1] },
		func() { doc.Items[1].Next = doc.Items[0] },
		func() { doc.Items = doc.Items[1:] },
		func() { doc.Scale = 1.25 },
	}
	for _, edit := range edits {
		edit()
		_, err := snap.RecordStep(ctx, doc)
		require.NoError(t, err)
		_, err = delt.RecordStep(ctx, doc)
		require.NoError(t, err)
	}

	require.Equal(t, snap.Len(), delt.Len())
	for i := -1; i < snap.Len(); i++ {
		a, err := snap.State(i)
		require.NoError(t, err)
		b, err := delt.State(i)
		require.NoError(t, err)
		assert.True(t, encoded.Equal(a, b), "index %d differs", i)
	}
}

func TestEngine_SerializeFailureLeavesHistory(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, ModeDelta, 5)
	doc := &Doc{Title: "a"}
	require.NoError(t, e.ClearHistory(ctx, doc))
	doc.Title = "b"
	_, err := e.RecordStep(ctx, doc)
	require.NoError(t, err)
	_, _, err = e.Undo(ctx, nil)
	require.NoError(t, err)

	_, err = e.RecordStep(ctx, &Opaque{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, registry.ErrUnregisteredType))
	assert.Equal(t, 1, e.Len())
	assert.Equal(t, -1, e.Cursor())
	assert.True(t, e.CanRedo())

	assert.Error(t, e.ClearHistory(ctx, &Opaque{}))
	assert.Equal(t, 1, e.Len())
}

func TestEngine_DeltaUnchangedStepDropsFuture(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, ModeDelta, 5)
	doc := &Doc{Title: "a"}
	require.NoError(t, e.ClearHistory(ctx, doc))
	for _, title := range []string{"b", "c"} {
		doc.Title = title
		_, err := e.RecordStep(ctx, doc)
		require.NoError(t, err)
	}

	got, _, err := e.Undo(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, 0, e.Cursor())
	require.True(t, e.CanRedo())

	ok, err := e.RecordStep(ctx, got)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, e.Len())
	assert.Equal(t, 0, e.Cursor())
	assert.False(t, e.CanRedo())

	_, moved, err := e.Redo(ctx, nil)
	require.NoError(t, err)
	assert.False(t, moved)
	back, err := e.Get(ctx, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, "b", docAt(t, back).Title)
}

func TestEngine_FailedEvictionRollsBack(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, ModeDelta, 2)
	doc := &Doc{Title: "init"}
	require.NoError(t, e.ClearHistory(ctx, doc))
	for _, title := range []string{"S0", "S1"} {
		doc.Title = title
		_, err := e.RecordStep(ctx, doc)
		require.NoError(t, err)
	}
	before := e.Checkpoints()

	// A delta that cannot fold into the base makes the next eviction fail.
	ds := e.active.(*deltaStrategy)
	ds.deltas[0] = &delta.Delta{Ops: []delta.Op{{Kind: delta.OpRemove, Path: "/missing"}}}

	doc.Title = "S2"
	ok, err := e.RecordStep(ctx, doc)
	require.Error(t, err)
	assert.ErrorIs(t, err, delta.ErrPathNotFound)
	assert.False(t, ok)
	assert.Equal(t, 2, e.Len())
	assert.Equal(t, 1, e.Cursor())
	assert.False(t, e.CanRedo())
	assert.Equal(t, before, e.Checkpoints())
}

func TestEngine_SnapshotRecordsUnchangedStep(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, ModeSnapshot, 5)
	doc := &Doc{Title: "a"}
	require.NoError(t, e.ClearHistory(ctx, doc))

	ok, err := e.RecordStep(ctx, doc)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, e.Len())
}

func TestEngine_ClearHistory(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, ModeDelta, 5)
	doc := &Doc{Title: "a"}
	require.NoError(t, e.ClearHistory(ctx, doc))
	doc.Title = "b"
	_, err := e.RecordStep(ctx, doc)
	require.NoError(t, err)

	doc.Title = "saved"
	require.NoError(t, e.ClearHistory(ctx, doc))
	assert.Equal(t, 0, e.Len())
	assert.Equal(t, -1, e.Cursor())

	got, err := e.Get(ctx, -1, nil)
	require.NoError(t, err)
	assert.Equal(t, "saved", docAt(t, got).Title)
}

func TestEngine_SetMode(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, ModeDelta, 5)
	doc := &Doc{Title: "a"}
	require.NoError(t, e.ClearHistory(ctx, doc))
	doc.Title = "b"
	_, err := e.RecordStep(ctx, doc)
	require.NoError(t, err)

	require.NoError(t, e.SetMode(ctx, ModeSnapshot, doc))
	assert.Equal(t, ModeSnapshot, e.Mode())
	assert.Equal(t, 0, e.Len())
	assert.Equal(t, -1, e.Cursor())

	got, err := e.Get(ctx, -1, nil)
	require.NoError(t, err)
	assert.Equal(t, "b", docAt(t, got).Title)

	assert.ErrorIs(t, e.SetMode(ctx, Mode(7), doc), ErrInvalidMode)
	assert.Equal(t, ModeSnapshot, e.Mode())
}

func TestEngine_GetOutOfRange(t *testing.T) {
	e := newTestEngine(t, ModeSnapshot, 5)
	_, err := e.Get(context.Background(), 3, nil)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
	_, err = e.State(-2)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
}

func TestEngine_ExportImport(t *testing.T) {
	for _, mode := range []Mode{ModeSnapshot, ModeDelta} {
		t.Run(mode.String(), func(t *testing.T) {
			ctx := context.Background()
			src := newTestEngine(t, mode, 5)
			doc := &Doc{Title: "a"}
			require.NoError(t, src.ClearHistory(ctx, doc))
			for _, title := range []string{"b", "c", "d"} {
				doc.Title = title
				_, err := src.RecordStep(ctx, doc)
				require.NoError(t, err)
			}
			_, _, err := src.Undo(ctx, nil)
			require.NoError(t, err)

			snap, err := src.Export()
			require.NoError(t, err)
			raw, err := json.Marshal(snap)
			require.NoError(t, err)
			var back Snapshot
			require.NoError(t, json.Unmarshal(raw, &back))

			dst := newTestEngine(t, ModeSnapshot, 5)
			require.NoError(t, dst.Import(&back))
			assert.Equal(t, mode, dst.Mode())
			assert.Equal(t, src.Len(), dst.Len())
			assert.Equal(t, src.Cursor(), dst.Cursor())

			for i := -1; i < src.Len(); i++ {
				a, err := src.State(i)
				require.NoError(t, err)
				b, err := dst.State(i)
				require.NoError(t, err)
				assert.True(t, encoded.Equal(a, b), "index %d differs", i)
			}

			got, moved, err := dst.Redo(ctx, nil)
			require.NoError(t, err)
			require.True(t, moved)
			assert.Equal(t, "d", docAt(t, got).Title)
		})
	}
}

func TestEngine_ImportEvictsToCapacity(t *testing.T) {
	ctx := context.Background()
	src := newTestEngine(t, ModeDelta, 10)
	doc := &Doc{Title: "0"}
	require.NoError(t, src.ClearHistory(ctx, doc))
	for i := 1; i <= 5; i++ {
		doc.Title = fmt.Sprint(i)
		_, err := src.RecordStep(ctx, doc)
		require.NoError(t, err)
	}
	snap, err := src.Export()
	require.NoError(t, err)

	dst := newTestEngine(t, ModeDelta, 2)
	require.NoError(t, dst.Import(snap))
	assert.Equal(t, 2, dst.Len())
	assert.Equal(t, 1, dst.Cursor())
	got, err := dst.Get(ctx, -1, nil)
	require.NoError(t, err)
	assert.Equal(t, "3", docAt(t, got).Title)
}

func TestEngine_ImportRejectsBadSnapshot(t *testing.T) {
	e := newTestEngine(t, ModeDelta, 5)
	assert.ErrorIs(t, e.Import(nil), ErrInvalidSnapshot)
	assert.ErrorIs(t, e.Import(&Snapshot{Mode: ModeDelta, Cursor: 2}), ErrInvalidSnapshot)

	bad := &Snapshot{Mode: ModeDelta, Cursor: 0, Entries: []Entry{{}}}
	assert.ErrorIs(t, e.Import(bad), ErrInvalidSnapshot)

	mixed := &Snapshot{Mode: ModeSnapshot, Cursor: -1, Entries: []Entry{{Delta: &delta.Delta{}}}}
	assert.ErrorIs(t, e.Import(mixed), ErrInvalidSnapshot)
	assert.Equal(t, ModeDelta, e.Mode())

	ok := &Snapshot{Mode: ModeSnapshot, Cursor: 0, Entries: []Entry{{State: "x"}}}
	require.NoError(t, e.Import(ok))
	assert.Equal(t, ModeSnapshot, e.Mode())
	assert.Equal(t, 0, e.Cursor())
}

func TestEngine_Checkpoints(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, ModeSnapshot, 5)
	doc := &Doc{Title: "a"}
	require.NoError(t, e.ClearHistory(ctx, doc))
	_, err := e.RecordStep(ctx, doc)
	require.NoError(t, err)
	_, err = e.RecordStep(ctx, doc)
	require.NoError(t, err)

	infos := e.Checkpoints()
	require.Len(t, infos, 2)
	assert.NotEqual(t, infos[0].ID, infos[1].ID)
	assert.Positive(t, infos[0].Size)
}
