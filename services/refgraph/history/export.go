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
	"encoding/json"
	"fmt"

	"github.com/AleutianAI/refgraph/services/refgraph/delta"
	"github.com/AleutianAI/refgraph/services/refgraph/encoded"
)

// Entry is the exported payload of one checkpoint. Snapshot-mode entries
// carry State; delta-mode entries carry Delta.
type Entry struct {
	Info  CheckpointInfo
	State encoded.Value
	Delta *delta.Delta
}

type entryJSON struct {
	Info  CheckpointInfo  `json:"info"`
	State json.RawMessage `json:"state,omitempty"`
	Delta *delta.Delta    `json:"delta,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e Entry) MarshalJSON() ([]byte, error) {
	out := entryJSON{Info: e.Info, Delta: e.Delta}
	if e.Delta == nil {
		raw, err := encoded.Marshal(e.State)
		if err != nil {
			return nil, fmt.Errorf("marshal checkpoint %s: %w", e.Info.ID, err)
		}
		out.State = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var in entryJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	e.Info, e.Delta, e.State = in.Info, in.Delta, nil
	if in.Delta == nil && len(in.State) > 0 {
		v, err := encoded.Unmarshal(in.State)
		if err != nil {
			return fmt.Errorf("unmarshal checkpoint %s: %w", in.Info.ID, err)
		}
		e.State = v
	}
	return nil
}

// Snapshot is the portable state of an Engine: everything needed to
// resume undo/redo in another process.
type Snapshot struct {
	Mode     Mode
	Capacity int
	Cursor   int
	Base     encoded.Value
	Entries  []Entry
}

type snapshotJSON struct {
	Mode     Mode            `json:"mode"`
	Capacity int             `json:"capacity"`
	Cursor   int             `json:"cursor"`
	Base     json.RawMessage `json:"base"`
	Entries  []Entry         `json:"entries"`
}

// MarshalJSON implements json.Marshaler.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	base, err := encoded.Marshal(s.Base)
	if err != nil {
		return nil, fmt.Errorf("marshal history base: %w", err)
	}
	return json.Marshal(snapshotJSON{
		Mode:     s.Mode,
		Capacity: s.Capacity,
		Cursor:   s.Cursor,
		Base:     base,
		Entries:  s.Entries,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var in snapshotJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	var base encoded.Value
	if len(in.Base) > 0 {
		v, err := encoded.Unmarshal(in.Base)
		if err != nil {
			return fmt.Errorf("unmarshal history base: %w", err)
		}
		base = v
	}
	*s = Snapshot{
		Mode:     in.Mode,
		Capacity: in.Capacity,
		Cursor:   in.Cursor,
		Base:     base,
		Entries:  in.Entries,
	}
	return nil
}

// Validate checks internal consistency.
func (s *Snapshot) Validate() error {
	if s == nil {
		return &SnapshotError{Reason: "nil snapshot", Index: -1}
	}
	if !s.Mode.IsValid() {
		return &SnapshotError{Reason: fmt.Sprintf("mode %d", int(s.Mode)), Index: -1}
	}
	if s.Cursor < -1 || s.Cursor >= len(s.Entries) {
		return &SnapshotError{Reason: fmt.Sprintf("cursor %d outside [-1, %d]", s.Cursor, len(s.Entries)-1), Index: -1}
	}
	return nil
}
