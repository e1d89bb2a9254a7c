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
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrMalformedJSON is returned when JSON input does not describe a valid
// encoded tree.
var ErrMalformedJSON = errors.New("malformed encoded JSON")

// Marshal writes v as JSON.
//
// Description:
//
//	Tagged nodes become objects whose first key is "_" (the type name),
//	followed by their fields in order. Plain nodes become objects. Refs
//	become {"$ref": path}. Non-finite numbers are rejected, matching what
//	encoding/json does for float64.
//
// Outputs:
//   - []byte: Compact JSON.
//   - error: Non-nil for non-finite numbers, reserved keys or foreign values.
func Marshal(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MarshalIndent is Marshal followed by json.Indent.
func MarshalIndent(v Value, prefix, indent string) ([]byte, error) {
	raw, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	if err := json.Indent(&out, raw, prefix, indent); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func writeValue(buf *bytes.Buffer, v Value) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool, string:
		raw, _ := json.Marshal(t)
		buf.Write(raw)
	case float64:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal number: %w", err)
		}
		buf.Write(raw)
	case Ref:
		buf.WriteString(`{"$ref":`)
		raw, _ := json.Marshal(t.Path)
		buf.Write(raw)
		buf.WriteByte('}')
	case *Array:
		if t == nil {
			buf.WriteString("null")
			return nil
		}
		buf.WriteByte('[')
		for i, item := range t.Items {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeValue(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case *Node:
		if t == nil {
			buf.WriteString("null")
			return nil
		}
		return writeNode(buf, t)
	default:
		return fmt.Errorf("marshal: %T is not an encoded value", v)
	}
	return nil
}

func writeNode(buf *bytes.Buffer, n *Node) error {
	buf.WriteByte('{')
	first := true
	if n.Tagged() {
		buf.WriteString(`"_":`)
		raw, _ := json.Marshal(n.Type)
		buf.Write(raw)
		first = false
	}
	for _, f := range n.Fields {
		if f.Key == TypeKey || f.Key == RefKey {
			return fmt.Errorf("marshal: field key %q is reserved", f.Key)
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false
		raw, _ := json.Marshal(f.Key)
		buf.Write(raw)
		buf.WriteByte(':')
		if err := writeValue(buf, f.Value); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

// Unmarshal parses JSON produced by Marshal, preserving field order.
func Unmarshal(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	v, err := readValue(dec)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data", ErrMalformedJSON)
	}
	return v, nil
}

func readValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}
	switch t := tok.(type) {
	case nil, bool, float64, string:
		return t, nil
	case json.Delim:
		switch t {
		case '[':
			return readArray(dec)
		case '{':
			return readObject(dec)
		}
	}
	return nil, fmt.Errorf("%w: unexpected token %v", ErrMalformedJSON, tok)
}

func readArray(dec *json.Decoder) (Value, error) {
	arr := &Array{Items: []Value{}}
	for dec.More() {
		item, err := readValue(dec)
		if err != nil {
			return nil, err
		}
		arr.Items = append(arr.Items, item)
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}
	return arr, nil
}

func readObject(dec *json.Decoder) (Value, error) {
	n := &Node{}
	var ref *string
	seen := make(map[string]struct{})
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("%w: object key %v", ErrMalformedJSON, tok)
		}
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("%w: duplicate key %q", ErrMalformedJSON, key)
		}
		seen[key] = struct{}{}
		v, err := readValue(dec)
		if err != nil {
			return nil, err
		}
		switch key {
		case TypeKey:
			name, ok := v.(string)
			if !ok || name == "" {
				return nil, fmt.Errorf("%w: type tag must be a non-empty string", ErrMalformedJSON)
			}
			n.Type = name
		case RefKey:
			p, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("%w: $ref must be a string", ErrMalformedJSON)
			}
			ref = &p
		default:
			n.Fields = append(n.Fields, Field{Key: key, Value: v})
		}
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}
	if ref != nil {
		if n.Type != "" || len(n.Fields) > 0 {
			return nil, fmt.Errorf("%w: $ref object carries extra keys", ErrMalformedJSON)
		}
		return Ref{Path: *ref}, nil
	}
	return n, nil
}
