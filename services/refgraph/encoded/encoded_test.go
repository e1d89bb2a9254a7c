// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package encoded

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTree() *Node {
	return NewNode("Node",
		Field{Key: "id", Value: "1"},
		Field{Key: "pos", Value: NewNode("Point",
			Field{Key: "x", Value: 1.0},
			Field{Key: "y", Value: 2.5},
		)},
		Field{Key: "tags", Value: NewArray("a", "b/c", nil, true)},
		Field{Key: "meta", Value: NewObject(Field{Key: "k~ey", Value: 3.0})},
		Field{Key: "next", Value: Ref{Path: ""}},
	)
}

// -----------------------------------------------------------------------------
// Kind Tests
// -----------------------------------------------------------------------------

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		v    Value
		want Kind
	}{
		{"nil", nil, KindNull},
		{"bool", true, KindBool},
		{"number", 1.5, KindNumber},
		{"string", "s", KindString},
		{"array", NewArray(), KindArray},
		{"nil array", (*Array)(nil), KindNull},
		{"tagged node", NewNode("T"), KindNode},
		{"plain node", NewObject(), KindObject},
		{"ref", Ref{Path: "/a"}, KindRef},
		{"int is foreign", 3, KindInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.v))
		})
	}
}

// -----------------------------------------------------------------------------
// Node Tests
// -----------------------------------------------------------------------------

func TestNode_SetGetDelete(t *testing.T) {
	n := NewObject()
	n.Set("a", 1.0)
	n.Set("b", 2.0)
	n.Set("a", 3.0)

	assert.Equal(t, []string{"a", "b"}, n.Keys())
	v, ok := n.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 3.0, v)

	assert.True(t, n.Delete("a"))
	assert.False(t, n.Delete("a"))
	assert.Equal(t, []string{"b"}, n.Keys())
}

// -----------------------------------------------------------------------------
// Path Tests
// -----------------------------------------------------------------------------

func TestPath_EscapeRoundTrip(t *testing.T) {
	for _, tok := range []string{"plain", "a/b", "a~b", "~1", "~/~", ""} {
		assert.Equal(t, tok, UnescapeToken(EscapeToken(tok)), tok)
	}
}

func TestSplit(t *testing.T) {
	tokens, err := Split("")
	require.NoError(t, err)
	assert.Empty(t, tokens)

	tokens, err = Split("/tags/1/a~1b/c~0d")
	require.NoError(t, err)
	assert.Equal(t, []string{"tags", "1", "a/b", "c~d"}, tokens)

	_, err = Split("tags")
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestParent(t *testing.T) {
	parent, tok, err := Parent("/a/b~1c")
	require.NoError(t, err)
	assert.Equal(t, "/a", parent)
	assert.Equal(t, "b/c", tok)

	parent, tok, err = Parent("/a")
	require.NoError(t, err)
	assert.Equal(t, "", parent)
	assert.Equal(t, "a", tok)

	_, _, err = Parent("")
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestLookup(t *testing.T) {
	root := sampleTree()

	v, err := Lookup(root, "")
	require.NoError(t, err)
	assert.Same(t, root, v)

	v, err = Lookup(root, "/pos/y")
	require.NoError(t, err)
	assert.Equal(t, 2.5, v)

	v, err = Lookup(root, "/tags/1")
	require.NoError(t, err)
	assert.Equal(t, "b/c", v)

	v, err = Lookup(root, "/meta/k~0ey")
	require.NoError(t, err)
	assert.Equal(t, 3.0, v)

	_, err = Lookup(root, "/tags/9")
	assert.ErrorIs(t, err, ErrPathNotFound)

	_, err = Lookup(root, "/tags/01")
	assert.ErrorIs(t, err, ErrPathNotFound)

	_, err = Lookup(root, "/missing")
	assert.ErrorIs(t, err, ErrPathNotFound)
}

// -----------------------------------------------------------------------------
// Tree Tests
// -----------------------------------------------------------------------------

func TestClone_IsDeep(t *testing.T) {
	root := sampleTree()
	cp := Clone(root).(*Node)

	require.True(t, Equal(root, cp))

	pos, _ := cp.Get("pos")
	pos.(*Node).Set("x", 99.0)
	assert.False(t, Equal(root, cp))

	orig, _ := root.Get("pos")
	x, _ := orig.(*Node).Get("x")
	assert.Equal(t, 1.0, x)
}

func TestEqual(t *testing.T) {
	t.Run("field order is ignored", func(t *testing.T) {
		a := NewObject(Field{"a", 1.0}, Field{"b", 2.0})
		b := NewObject(Field{"b", 2.0}, Field{"a", 1.0})
		assert.True(t, Equal(a, b))
	})

	t.Run("type tag matters", func(t *testing.T) {
		assert.False(t, Equal(NewNode("A"), NewNode("B")))
		assert.False(t, Equal(NewNode("A"), NewObject()))
	})

	t.Run("array order matters", func(t *testing.T) {
		assert.False(t, Equal(NewArray(1.0, 2.0), NewArray(2.0, 1.0)))
	})

	t.Run("refs compare by path", func(t *testing.T) {
		assert.True(t, Equal(Ref{"/a"}, Ref{"/a"}))
		assert.False(t, Equal(Ref{"/a"}, Ref{""}))
	})

	t.Run("NaN equals NaN", func(t *testing.T) {
		assert.True(t, Equal(math.NaN(), math.NaN()))
	})
}

func TestWalk_DocumentOrder(t *testing.T) {
	var paths []string
	err := Walk(sampleTree(), func(path string, v Value) error {
		paths = append(paths, path)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"", "/id", "/pos", "/pos/x", "/pos/y",
		"/tags", "/tags/0", "/tags/1", "/tags/2", "/tags/3",
		"/meta", "/meta/k~0ey", "/next",
	}, paths)
	assert.Equal(t, len(paths), Count(sampleTree()))
}

func TestWalk_SkipChildrenAndStop(t *testing.T) {
	var paths []string
	err := Walk(sampleTree(), func(path string, v Value) error {
		paths = append(paths, path)
		if path == "/pos" || path == "/tags" {
			return SkipChildren
		}
		return nil
	})
	require.NoError(t, err)
	assert.NotContains(t, paths, "/pos/x")
	assert.NotContains(t, paths, "/tags/0")

	stop := errors.New("stop")
	err = Walk(sampleTree(), func(path string, v Value) error {
		if path == "/pos/x" {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
}

func TestArena(t *testing.T) {
	root := sampleTree()
	arena := Index(root)

	assert.Equal(t, Count(root), arena.Len())
	v, ok := arena.Resolve("")
	assert.True(t, ok)
	assert.Same(t, root, v)

	pos, _ := root.Get("pos")
	v, ok = arena.Resolve("/pos")
	assert.True(t, ok)
	assert.Same(t, pos, v)

	_, ok = arena.Resolve("/nope")
	assert.False(t, ok)
}

// -----------------------------------------------------------------------------
// JSON Tests
// -----------------------------------------------------------------------------

func TestMarshal_Format(t *testing.T) {
	n := NewNode("Point", Field{"x", 1.0}, Field{"y", 2.5})
	raw, err := Marshal(NewArray(n, Ref{Path: "/0"}, NewObject(Field{"k", "v"})))
	require.NoError(t, err)
	assert.Equal(t, `[{"_":"Point","x":1,"y":2.5},{"$ref":"/0"},{"k":"v"}]`, string(raw))
}

func TestMarshalUnmarshal_PreservesTree(t *testing.T) {
	root := sampleTree()
	raw, err := Marshal(root)
	require.NoError(t, err)

	back, err := Unmarshal(raw)
	require.NoError(t, err)
	assert.True(t, Equal(root, back))
	assert.Equal(t, root.Keys(), back.(*Node).Keys())
}

func TestMarshal_Rejects(t *testing.T) {
	_, err := Marshal(math.Inf(1))
	assert.Error(t, err)

	_, err = Marshal(NewObject(Field{Key: "_", Value: 1.0}))
	assert.Error(t, err)

	_, err = Marshal(42)
	assert.Error(t, err)
}

func TestUnmarshal_WideObjectDuplicateKey(t *testing.T) {
	var b strings.Builder
	b.WriteString("{")
	for i := 0; i < 5000; i++ {
		fmt.Fprintf(&b, "%q:%d,", fmt.Sprintf("k%d", i), i)
	}
	b.WriteString(`"k4999":0}`)

	_, err := Unmarshal([]byte(b.String()))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedJSON)
	assert.Contains(t, err.Error(), `"k4999"`)

	v, err := Unmarshal([]byte(strings.Replace(b.String(), `"k4999":0}`, `"extra":0}`, 1)))
	require.NoError(t, err)
	assert.Equal(t, 5001, v.(*Node).Len())
}

func TestUnmarshal_Malformed(t *testing.T) {
	cases := map[string]string{
		"bad tag":        `{"_":1}`,
		"ref with extra": `{"$ref":"/a","x":1}`,
		"ref not string": `{"$ref":3}`,
		"duplicate key":  `{"a":1,"a":2}`,
		"duplicate tag":  `{"_":"A","_":"B"}`,
		"duplicate ref":  `{"$ref":"/a","$ref":"/b"}`,
		"trailing":       `1 2`,
		"truncated":      `[1,`,
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Unmarshal([]byte(in))
			assert.ErrorIs(t, err, ErrMalformedJSON)
		})
	}
}
