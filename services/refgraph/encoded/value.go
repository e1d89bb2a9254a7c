// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package encoded defines the portable tree form produced by the graph
// serializer and consumed by the deserializer and the history engine.
//
// # Tree Shape
//
// An encoded tree is built from a small closed set of Go values:
//
//	nil        null
//	bool       boolean scalar
//	float64    numeric scalar
//	string     string scalar
//	*Array     ordered sequence of values
//	*Node      object; tagged with a type name, or untagged for plain data
//	Ref        back-reference to an earlier value, addressed by path
//
// Shared and cyclic references in the live graph never appear as shared Go
// pointers inside an encoded tree. They are expressed as Ref values whose
// Path locates the first emission of the referenced instance, relative to
// the tree root. An encoded tree is therefore always a strict tree and can
// be cloned, compared, diffed and written as JSON without cycle handling.
//
// # Paths
//
// The root path is the empty string. Each child appends "/" plus a token:
// the field key for node fields and the decimal index for array items.
// Tokens are escaped with JSON-Pointer rules ("~" as "~0", "/" as "~1").
//
// # Thread Safety
//
// Encoded values are plain data with no internal locking. Treat a tree as
// owned by one goroutine, or as immutable once shared.
package encoded

import "fmt"

// Value is one value of an encoded tree.
//
// It holds nil, bool, float64, string, *Array, *Node or Ref. Use Kind to
// classify an arbitrary Value.
type Value = any

// TypeKey is the reserved JSON key carrying a node's type tag.
const TypeKey = "_"

// RefKey is the reserved JSON key carrying a reference pointer's path.
const RefKey = "$ref"

// Kind classifies an encoded value.
type Kind int

const (
	// KindInvalid marks a Go value that is not part of the encoded model.
	KindInvalid Kind = iota

	// KindNull is the null scalar.
	KindNull

	// KindBool is a boolean scalar.
	KindBool

	// KindNumber is a float64 scalar.
	KindNumber

	// KindString is a string scalar.
	KindString

	// KindArray is an *Array.
	KindArray

	// KindObject is an untagged *Node (plain data object).
	KindObject

	// KindNode is a tagged *Node (registered type instance).
	KindNode

	// KindRef is a Ref.
	KindRef
)

var kindNames = map[Kind]string{
	KindInvalid: "invalid",
	KindNull:    "null",
	KindBool:    "bool",
	KindNumber:  "number",
	KindString:  "string",
	KindArray:   "array",
	KindObject:  "object",
	KindNode:    "node",
	KindRef:     "ref",
}

// String returns the lowercase kind name.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// KindOf classifies v.
func KindOf(v Value) Kind {
	switch t := v.(type) {
	case nil:
		return KindNull
	case bool:
		return KindBool
	case float64:
		return KindNumber
	case string:
		return KindString
	case *Array:
		if t == nil {
			return KindNull
		}
		return KindArray
	case *Node:
		if t == nil {
			return KindNull
		}
		if t.Tagged() {
			return KindNode
		}
		return KindObject
	case Ref:
		return KindRef
	default:
		return KindInvalid
	}
}

// IsComposite reports whether v is an *Array or *Node.
func IsComposite(v Value) bool {
	switch KindOf(v) {
	case KindArray, KindObject, KindNode:
		return true
	}
	return false
}

// -----------------------------------------------------------------------------
// Ref
// -----------------------------------------------------------------------------

// Ref is a reference pointer to a value emitted earlier in the same tree.
//
// The serializer only ever points backwards in document order, so a decoder
// that walks the tree forwards can always resolve a Ref against values it
// has already seen (or is in the middle of decoding, for self-cycles).
type Ref struct {
	// Path locates the target relative to the tree root. "" is the root.
	Path string
}

// String implements fmt.Stringer.
func (r Ref) String() string {
	return fmt.Sprintf("$ref(%q)", r.Path)
}

// -----------------------------------------------------------------------------
// Array
// -----------------------------------------------------------------------------

// Array is an ordered sequence of encoded values.
type Array struct {
	Items []Value
}

// NewArray returns an array holding items.
func NewArray(items ...Value) *Array {
	if items == nil {
		items = []Value{}
	}
	return &Array{Items: items}
}

// Len returns the number of items.
func (a *Array) Len() int {
	if a == nil {
		return 0
	}
	return len(a.Items)
}

// -----------------------------------------------------------------------------
// Node
// -----------------------------------------------------------------------------

// Field is one named entry of a Node.
type Field struct {
	Key   string
	Value Value
}

// Node is the encoded form of one object.
//
// Description:
//
//	A tagged node (Type != "") is the encoding of a registered type
//	instance; Type is the stable registry name written under the "_" key.
//	An untagged node is a plain data object emitted verbatim (a Go map
//	with string keys). Fields keep their emission order so output is
//	deterministic; keys are unique within a node.
type Node struct {
	// Type is the registry type name, or "" for plain data.
	Type string

	// Fields holds the node's entries in emission order.
	Fields []Field
}

// NewNode returns a tagged node with the given fields.
func NewNode(typeName string, fields ...Field) *Node {
	return &Node{Type: typeName, Fields: fields}
}

// NewObject returns an untagged (plain data) node with the given fields.
func NewObject(fields ...Field) *Node {
	return &Node{Fields: fields}
}

// Tagged reports whether n carries a type tag.
func (n *Node) Tagged() bool {
	return n != nil && n.Type != ""
}

// Len returns the number of fields.
func (n *Node) Len() int {
	if n == nil {
		return 0
	}
	return len(n.Fields)
}

// Get returns the value stored under key.
func (n *Node) Get(key string) (Value, bool) {
	if i := n.indexOf(key); i >= 0 {
		return n.Fields[i].Value, true
	}
	return nil, false
}

// Set stores v under key, replacing an existing entry in place or
// appending a new one.
func (n *Node) Set(key string, v Value) {
	if i := n.indexOf(key); i >= 0 {
		n.Fields[i].Value = v
		return
	}
	n.Fields = append(n.Fields, Field{Key: key, Value: v})
}

// Delete removes key. It reports whether the key was present.
func (n *Node) Delete(key string) bool {
	i := n.indexOf(key)
	if i < 0 {
		return false
	}
	n.Fields = append(n.Fields[:i], n.Fields[i+1:]...)
	return true
}

// Keys returns the field keys in order.
func (n *Node) Keys() []string {
	if n == nil {
		return nil
	}
	keys := make([]string, len(n.Fields))
	for i, f := range n.Fields {
		keys[i] = f.Key
	}
	return keys
}

func (n *Node) indexOf(key string) int {
	if n == nil {
		return -1
	}
	for i := range n.Fields {
		if n.Fields[i].Key == key {
			return i
		}
	}
	return -1
}
