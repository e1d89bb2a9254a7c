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
	"math"
)

// SkipChildren may be returned by a WalkFunc to skip the children of the
// current composite value.
var SkipChildren = errors.New("skip children")

// WalkFunc is called for every value visited by Walk.
type WalkFunc func(path string, v Value) error

// Walk visits root and all descendants in document order (pre-order,
// fields and items in sequence).
func Walk(root Value, fn WalkFunc) error {
	err := walk("", root, fn)
	if errors.Is(err, SkipChildren) {
		return nil
	}
	return err
}

func walk(path string, v Value, fn WalkFunc) error {
	if err := fn(path, v); err != nil {
		if errors.Is(err, SkipChildren) {
			return nil
		}
		return err
	}
	switch t := v.(type) {
	case *Node:
		if t == nil {
			return nil
		}
		for _, f := range t.Fields {
			if err := walk(Join(path, f.Key), f.Value, fn); err != nil {
				return err
			}
		}
	case *Array:
		if t == nil {
			return nil
		}
		for i, item := range t.Items {
			if err := walk(JoinIndex(path, i), item, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// Count returns the number of values in the tree rooted at v, v included.
func Count(v Value) int {
	n := 0
	_ = Walk(v, func(string, Value) error {
		n++
		return nil
	})
	return n
}

// Clone returns a deep copy of v. Scalars and Refs are returned as-is.
func Clone(v Value) Value {
	switch t := v.(type) {
	case *Node:
		if t == nil {
			return nil
		}
		out := &Node{Type: t.Type, Fields: make([]Field, len(t.Fields))}
		for i, f := range t.Fields {
			out.Fields[i] = Field{Key: f.Key, Value: Clone(f.Value)}
		}
		return out
	case *Array:
		if t == nil {
			return nil
		}
		out := &Array{Items: make([]Value, len(t.Items))}
		for i, item := range t.Items {
			out.Items[i] = Clone(item)
		}
		return out
	default:
		return v
	}
}

// Equal reports whether a and b are structurally equal.
//
// Node fields are compared by key regardless of order; array items are
// compared positionally; Refs are equal when their paths are equal. NaN
// compares equal to NaN so that a tree is always equal to its own clone.
func Equal(a, b Value) bool {
	ka, kb := KindOf(a), KindOf(b)
	if ka != kb {
		return false
	}
	switch ka {
	case KindNull:
		return true
	case KindBool:
		return a.(bool) == b.(bool)
	case KindNumber:
		fa, fb := a.(float64), b.(float64)
		return fa == fb || (math.IsNaN(fa) && math.IsNaN(fb))
	case KindString:
		return a.(string) == b.(string)
	case KindRef:
		return a.(Ref).Path == b.(Ref).Path
	case KindArray:
		aa, ab := a.(*Array), b.(*Array)
		if len(aa.Items) != len(ab.Items) {
			return false
		}
		for i := range aa.Items {
			if !Equal(aa.Items[i], ab.Items[i]) {
				return false
			}
		}
		return true
	case KindNode, KindObject:
		na, nb := a.(*Node), b.(*Node)
		if na.Type != nb.Type || len(na.Fields) != len(nb.Fields) {
			return false
		}
		for _, f := range na.Fields {
			other, ok := nb.Get(f.Key)
			if !ok || !Equal(f.Value, other) {
				return false
			}
		}
		return true
	}
	return false
}

// -----------------------------------------------------------------------------
// Arena
// -----------------------------------------------------------------------------

// Arena indexes every value of a tree by path.
//
// Description:
//
//	Built once per decode so that Ref resolution is a map lookup instead
//	of re-parsing and re-walking path strings for every pointer. The arena
//	holds references into the original tree; it does not copy values.
//
// Thread Safety: Immutable after Index returns.
type Arena struct {
	root    Value
	entries map[string]Value
}

// Index builds the arena for root.
func Index(root Value) *Arena {
	a := &Arena{root: root, entries: make(map[string]Value)}
	_ = Walk(root, func(path string, v Value) error {
		a.entries[path] = v
		return nil
	})
	return a
}

// Root returns the indexed tree root.
func (a *Arena) Root() Value {
	return a.root
}

// Resolve returns the value addressed by path.
func (a *Arena) Resolve(path string) (Value, bool) {
	v, ok := a.entries[path]
	return v, ok
}

// Len returns the number of indexed values.
func (a *Arena) Len() int {
	return len(a.entries)
}
