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
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates no record exists for the document.
	ErrNotFound = errors.New("archive record not found")

	// ErrCorrupted indicates a record failed its integrity check or could
	// not be decoded.
	ErrCorrupted = errors.New("archive record corrupted")

	// ErrInvalidID indicates a document ID that cannot be used as a key.
	ErrInvalidID = errors.New("invalid document id")

	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("invalid archive config")

	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("archive store is closed")
)

// CorruptedError names the key whose record was rejected.
type CorruptedError struct {
	Key    string
	Reason string
}

func (e *CorruptedError) Error() string {
	return fmt.Sprintf("archive record %q corrupted: %s", e.Key, e.Reason)
}

// Is reports whether target is ErrCorrupted.
func (e *CorruptedError) Is(target error) bool {
	return target == ErrCorrupted
}

func errorStatus(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrCorrupted):
		return "corrupted"
	default:
		return "error"
	}
}
