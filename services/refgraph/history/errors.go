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
	"errors"
	"fmt"
)

var (
	// ErrInvalidMode is returned for an undeclared Mode.
	ErrInvalidMode = errors.New("invalid history mode")

	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("invalid history config")

	// ErrIndexOutOfRange is returned for checkpoint indexes outside
	// [-1, Len()-1].
	ErrIndexOutOfRange = errors.New("checkpoint index out of range")

	// ErrInvalidSnapshot is returned by Import for inconsistent exports.
	ErrInvalidSnapshot = errors.New("invalid history snapshot")
)

// IndexError reports a checkpoint index outside the retained range.
type IndexError struct {
	Index int
	Len   int
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("checkpoint index %d out of range [-1, %d]", e.Index, e.Len-1)
}

// Is reports whether target is ErrIndexOutOfRange.
func (e *IndexError) Is(target error) bool {
	return target == ErrIndexOutOfRange
}

// SnapshotError reports why an exported history was rejected.
type SnapshotError struct {
	Reason string
	Index  int
}

func (e *SnapshotError) Error() string {
	if e.Index < 0 {
		return "invalid history snapshot: " + e.Reason
	}
	return fmt.Sprintf("invalid history snapshot: entry %d: %s", e.Index, e.Reason)
}

// Is reports whether target is ErrInvalidSnapshot.
func (e *SnapshotError) Is(target error) bool {
	return target == ErrInvalidSnapshot
}
