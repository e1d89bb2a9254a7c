// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package delta computes and applies structural differences between
// encoded trees.
//
// A Delta is an ordered list of add, remove and replace operations
// addressed by encoded paths. For any trees a and b:
//
//	Apply(encoded.Clone(a), Diff(a, b)) is Equal to b
//
// Refs are compared and patched as opaque scalars; a Delta never follows
// them.
package delta

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/refgraph/services/refgraph/encoded"
)

var (
	// ErrPathNotFound is returned when an op addresses a missing value.
	ErrPathNotFound = encoded.ErrPathNotFound

	// ErrInvalidOp is returned for ops with an unknown kind.
	ErrInvalidOp = errors.New("invalid delta op")
)

// OpKind is the kind of one delta operation.
type OpKind int

const (
	// OpAdd inserts a field or array item. An existing field is replaced.
	OpAdd OpKind = iota + 1

	// OpRemove deletes a field or array item.
	OpRemove

	// OpReplace overwrites an existing value.
	OpReplace
)

var opNames = map[OpKind]string{
	OpAdd:     "add",
	OpRemove:  "remove",
	OpReplace: "replace",
}

func (k OpKind) String() string {
	if s, ok := opNames[k]; ok {
		return s
	}
	return fmt.Sprintf("OpKind(%d)", int(k))
}

// MarshalText implements encoding.TextMarshaler.
func (k OpKind) MarshalText() ([]byte, error) {
	if _, ok := opNames[k]; !ok {
		return nil, fmt.Errorf("%w: kind %d", ErrInvalidOp, int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *OpKind) UnmarshalText(text []byte) error {
	s := strings.ToLower(string(text))
	for kind, name := range opNames {
		if name == s {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("%w: kind %q", ErrInvalidOp, s)
}

// Op is one operation.
type Op struct {
	Kind  OpKind
	Path  string
	Value encoded.Value
}

type opJSON struct {
	Op    OpKind          `json:"op"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

// MarshalJSON writes {"op", "path", "value"}; remove ops carry no value.
func (o Op) MarshalJSON() ([]byte, error) {
	out := opJSON{Op: o.Kind, Path: o.Path}
	if o.Kind != OpRemove {
		raw, err := encoded.Marshal(o.Value)
		if err != nil {
			return nil, fmt.Errorf("marshal op %s %q: %w", o.Kind, o.Path, err)
		}
		out.Value = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON reverses MarshalJSON.
func (o *Op) UnmarshalJSON(data []byte) error {
	var in opJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	o.Kind, o.Path, o.Value = in.Op, in.Path, nil
	if len(in.Value) > 0 {
		v, err := encoded.Unmarshal(in.Value)
		if err != nil {
			return err
		}
		o.Value = v
	}
	return nil
}

// Delta is an ordered list of operations.
type Delta struct {
	Ops []Op `json:"ops"`
}

// IsEmpty reports whether d changes nothing.
func (d *Delta) IsEmpty() bool {
	return d == nil || len(d.Ops) == 0
}

// Len returns the number of operations.
func (d *Delta) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Ops)
}

// Size returns the number of encoded values carried by d, counting one per
// op plus every value in op payloads.
func (d *Delta) Size() int {
	if d == nil {
		return 0
	}
	n := 0
	for _, op := range d.Ops {
		n++
		if op.Kind != OpRemove {
			n += encoded.Count(op.Value)
		}
	}
	return n
}

// -----------------------------------------------------------------------------
// Diff
// -----------------------------------------------------------------------------

// Diff returns the operations that turn prev into next.
//
// Description:
//
//	Nodes of the same type are compared key by key: keys missing from
//	next are removed, new keys are added, shared keys recurse. Arrays are
//	compared index by index; surplus items are removed from the tail in
//	descending index order and new items are appended. Anything else that
//	differs (kind change, type tag change, scalar or Ref change) is one
//	replace of the whole value. Op values are clones of next, so the
//	Delta never aliases either input.
func Diff(prev, next encoded.Value) *Delta {
	d := &Delta{}
	diff("", prev, next, &d.Ops)
	return d
}

func diff(path string, a, b encoded.Value, ops *[]Op) {
	ka, kb := encoded.KindOf(a), encoded.KindOf(b)
	if ka == kb {
		switch ka {
		case encoded.KindNode, encoded.KindObject:
			na, nb := a.(*encoded.Node), b.(*encoded.Node)
			if na.Type == nb.Type {
				diffNode(path, na, nb, ops)
				return
			}
		case encoded.KindArray:
			diffArray(path, a.(*encoded.Array), b.(*encoded.Array), ops)
			return
		default:
			if encoded.Equal(a, b) {
				return
			}
		}
	}
	*ops = append(*ops, Op{Kind: OpReplace, Path: path, Value: encoded.Clone(b)})
}

func diffNode(path string, a, b *encoded.Node, ops *[]Op) {
	for _, f := range a.Fields {
		if _, ok := b.Get(f.Key); !ok {
			*ops = append(*ops, Op{Kind: OpRemove, Path: encoded.Join(path, f.Key)})
		}
	}
	for _, f := range b.Fields {
		child := encoded.Join(path, f.Key)
		if old, ok := a.Get(f.Key); ok {
			diff(child, old, f.Value, ops)
			continue
		}
		*ops = append(*ops, Op{Kind: OpAdd, Path: child, Value: encoded.Clone(f.Value)})
	}
}

func diffArray(path string, a, b *encoded.Array, ops *[]Op) {
	common := min(len(a.Items), len(b.Items))
	for i := 0; i < common; i++ {
		diff(encoded.JoinIndex(path, i), a.Items[i], b.Items[i], ops)
	}
	for i := len(a.Items) - 1; i >= len(b.Items); i-- {
		*ops = append(*ops, Op{Kind: OpRemove, Path: encoded.JoinIndex(path, i)})
	}
	for i := len(a.Items); i < len(b.Items); i++ {
		*ops = append(*ops, Op{Kind: OpAdd, Path: encoded.JoinIndex(path, i), Value: encoded.Clone(b.Items[i])})
	}
}

// -----------------------------------------------------------------------------
// Apply
// -----------------------------------------------------------------------------

// Apply applies d to root and returns the patched root.
//
// Description:
//
//	Composite values inside root are modified in place; pass a clone when
//	the original must survive. Op values are cloned before insertion. On
//	error root may be partially patched and should be discarded.
//
// Outputs:
//   - encoded.Value: The new root (differs from root only when an op
//     targets path "").
//   - error: ErrPathNotFound or ErrInvalidOp, naming the failing op.
func Apply(root encoded.Value, d *Delta) (encoded.Value, error) {
	if d == nil {
		return root, nil
	}
	for i, op := range d.Ops {
		var err error
		root, err = applyOp(root, op)
		if err != nil {
			return root, fmt.Errorf("apply op %d (%s %q): %w", i, op.Kind, op.Path, err)
		}
	}
	return root, nil
}

func applyOp(root encoded.Value, op Op) (encoded.Value, error) {
	if _, ok := opNames[op.Kind]; !ok {
		return root, ErrInvalidOp
	}
	if op.Path == "" {
		if op.Kind == OpRemove {
			return nil, nil
		}
		return encoded.Clone(op.Value), nil
	}

	parentPath, token, err := encoded.Parent(op.Path)
	if err != nil {
		return root, err
	}
	parent, err := encoded.Lookup(root, parentPath)
	if err != nil {
		return root, err
	}

	switch p := parent.(type) {
	case *encoded.Node:
		if p == nil {
			break
		}
		switch op.Kind {
		case OpAdd:
			p.Set(token, encoded.Clone(op.Value))
		case OpReplace:
			if _, ok := p.Get(token); !ok {
				return root, fmt.Errorf("%w: field %q", ErrPathNotFound, token)
			}
			p.Set(token, encoded.Clone(op.Value))
		case OpRemove:
			if !p.Delete(token) {
				return root, fmt.Errorf("%w: field %q", ErrPathNotFound, token)
			}
		}
		return root, nil

	case *encoded.Array:
		if p == nil {
			break
		}
		switch op.Kind {
		case OpAdd:
			i := len(p.Items)
			if token != "-" {
				if i, err = encoded.ParseIndex(token, len(p.Items)+1); err != nil {
					return root, fmt.Errorf("%w: %v", ErrPathNotFound, err)
				}
			}
			p.Items = append(p.Items, nil)
			copy(p.Items[i+1:], p.Items[i:])
			p.Items[i] = encoded.Clone(op.Value)
		case OpReplace:
			i, err := encoded.ParseIndex(token, len(p.Items))
			if err != nil {
				return root, fmt.Errorf("%w: %v", ErrPathNotFound, err)
			}
			p.Items[i] = encoded.Clone(op.Value)
		case OpRemove:
			i, err := encoded.ParseIndex(token, len(p.Items))
			if err != nil {
				return root, fmt.Errorf("%w: %v", ErrPathNotFound, err)
			}
			p.Items = append(p.Items[:i], p.Items[i+1:]...)
		}
		return root, nil
	}
	return root, fmt.Errorf("%w: parent %q is not a container", ErrPathNotFound, parentPath)
}
