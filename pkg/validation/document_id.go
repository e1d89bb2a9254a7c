// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation for values that end up in
// storage keys.
//
// Document IDs are embedded verbatim in archive keys ("doc/<id>",
// "hist/<id>/cp/..."). An ID containing a separator could read or delete
// another document's records, so every ID is checked before it reaches
// the key space.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxDocumentIDLength bounds the ID portion of an archive key.
const MaxDocumentIDLength = 128

// documentIDPattern matches valid document IDs.
// Allows: letters, digits, dot, underscore, colon, hyphen.
// Must start with a letter or digit.
var documentIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:\-]*$`)

// ValidateDocumentID validates a document ID.
//
// Valid IDs:
//   - 1-128 characters
//   - Letters and digits
//   - Dots, underscores, colons and hyphens after the first character
//
// UUID strings are always valid.
//
// Example:
//
//	if err := validation.ValidateDocumentID(id); err != nil {
//	    return fmt.Errorf("open document: %w", err)
//	}
func ValidateDocumentID(id string) error {
	if id == "" {
		return fmt.Errorf("document id cannot be empty")
	}
	if len(id) > MaxDocumentIDLength {
		return fmt.Errorf("document id is %d bytes, limit is %d", len(id), MaxDocumentIDLength)
	}
	if !documentIDPattern.MatchString(id) {
		return fmt.Errorf("invalid document id %q (letters, digits, '.', '_', ':' or '-', starting with a letter or digit)", id)
	}
	return nil
}

// ValidateDocumentIDs validates multiple IDs.
// Returns an error listing all invalid IDs if any fail validation.
func ValidateDocumentIDs(ids []string) error {
	var invalid []string
	for _, id := range ids {
		if err := ValidateDocumentID(id); err != nil {
			invalid = append(invalid, id)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("invalid document ids: %q", invalid)
	}
	return nil
}

// SanitizeDocumentID trims surrounding space and validates the result.
// Use it on IDs typed by a user:
//
//	id, err := validation.SanitizeDocumentID(args[0])
//	if err != nil {
//	    return err
//	}
func SanitizeDocumentID(id string) (string, error) {
	trimmed := strings.TrimSpace(id)
	if err := ValidateDocumentID(trimmed); err != nil {
		return "", err
	}
	return trimmed, nil
}
