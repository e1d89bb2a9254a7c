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
	"strconv"
	"strings"
)

var (
	// ErrInvalidPath is returned when a path string is malformed.
	ErrInvalidPath = errors.New("invalid path")

	// ErrPathNotFound is returned when a path does not resolve in a tree.
	ErrPathNotFound = errors.New("path not found")
)

var (
	tokenEscaper   = strings.NewReplacer("~", "~0", "/", "~1")
	tokenUnescaper = strings.NewReplacer("~1", "/", "~0", "~")
)

// EscapeToken escapes a single path token.
func EscapeToken(token string) string {
	if !strings.ContainsAny(token, "~/") {
		return token
	}
	return tokenEscaper.Replace(token)
}

// UnescapeToken reverses EscapeToken.
func UnescapeToken(token string) string {
	if !strings.Contains(token, "~") {
		return token
	}
	return tokenUnescaper.Replace(token)
}

// Join appends a field key to path.
func Join(path, key string) string {
	return path + "/" + EscapeToken(key)
}

// JoinIndex appends an array index to path.
func JoinIndex(path string, i int) string {
	return path + "/" + strconv.Itoa(i)
}

// Split returns the unescaped tokens of path. The root path yields no
// tokens.
func Split(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	if path[0] != '/' {
		return nil, fmt.Errorf("%w: %q must start with '/'", ErrInvalidPath, path)
	}
	raw := strings.Split(path[1:], "/")
	tokens := make([]string, len(raw))
	for i, t := range raw {
		tokens[i] = UnescapeToken(t)
	}
	return tokens, nil
}

// Parent splits path into its parent path and final token.
//
// Outputs:
//   - parent: The path of the containing value.
//   - token: The unescaped last token.
//   - error: ErrInvalidPath for the root or a malformed path.
func Parent(path string) (string, string, error) {
	if path == "" {
		return "", "", fmt.Errorf("%w: root has no parent", ErrInvalidPath)
	}
	if path[0] != '/' {
		return "", "", fmt.Errorf("%w: %q must start with '/'", ErrInvalidPath, path)
	}
	i := strings.LastIndexByte(path, '/')
	return path[:i], UnescapeToken(path[i+1:]), nil
}

// Child returns the direct child of v addressed by token.
func Child(v Value, token string) (Value, bool) {
	switch t := v.(type) {
	case *Node:
		if t == nil {
			return nil, false
		}
		return t.Get(token)
	case *Array:
		i, err := ParseIndex(token, t.Len())
		if err != nil {
			return nil, false
		}
		return t.Items[i], true
	}
	return nil, false
}

// ParseIndex parses an array index token and checks it against length.
func ParseIndex(token string, length int) (int, error) {
	i, err := strconv.Atoi(token)
	if err != nil || i < 0 || strconv.Itoa(i) != token {
		return 0, fmt.Errorf("%w: bad array index %q", ErrInvalidPath, token)
	}
	if i >= length {
		return 0, fmt.Errorf("%w: index %d out of range (len %d)", ErrPathNotFound, i, length)
	}
	return i, nil
}

// Lookup resolves path against root.
//
// Description:
//
//	Walks the tree token by token. Ref values met along the way are not
//	followed: a path addresses the literal tree, which is what the
//	serializer recorded when it emitted the pointer.
//
// Outputs:
//   - Value: The value at path.
//   - error: ErrInvalidPath or ErrPathNotFound.
func Lookup(root Value, path string) (Value, error) {
	tokens, err := Split(path)
	if err != nil {
		return nil, err
	}
	cur := root
	for i, tok := range tokens {
		next, ok := Child(cur, tok)
		if !ok {
			return nil, fmt.Errorf("%w: %q (stopped at token %d)", ErrPathNotFound, path, i)
		}
		cur = next
	}
	return cur, nil
}
