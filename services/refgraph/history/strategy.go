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
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/refgraph/services/refgraph/encoded"
)

// CheckpointInfo describes one retained checkpoint.
type CheckpointInfo struct {
	// ID is unique per recorded checkpoint.
	ID uuid.UUID `json:"id"`

	// RecordedAt is the record time in Unix milliseconds.
	RecordedAt int64 `json:"recorded_at"`

	// Size is the number of encoded values stored for the checkpoint.
	Size int `json:"size"`
}

func newCheckpointInfo(size int) CheckpointInfo {
	return CheckpointInfo{
		ID:         uuid.New(),
		RecordedAt: time.Now().UnixMilli(),
		Size:       size,
	}
}

// Strategy stores the checkpoint list of one history mode.
//
// Description:
//
//	Index -1 is the base state; checkpoints are 0..Len()-1. A Strategy
//	owns every tree handed to it and every tree it stores. Materialize
//	returns a fresh copy the caller may keep or modify.
//
// Thread Safety: Not safe for concurrent use.
type Strategy interface {
	// Mode reports which representation the strategy uses.
	Mode() Mode

	// Reset drops every checkpoint and installs base as index -1.
	Reset(base encoded.Value)

	// Base returns a copy of the base state.
	Base() encoded.Value

	// Len returns the number of checkpoints.
	Len() int

	// Truncate keeps only the first n checkpoints.
	Truncate(n int)

	// Append adds state after the last checkpoint. It reports false when
	// the strategy chose not to record it.
	Append(state encoded.Value) (bool, error)

	// Materialize returns a copy of the state at index i, -1 <= i < Len().
	Materialize(i int) (encoded.Value, error)

	// Evict drops the oldest checkpoint, moving the base forward to it.
	Evict() error

	// Checkpoints returns metadata for every retained checkpoint.
	Checkpoints() []CheckpointInfo

	// view is Materialize without the defensive copy.
	view(i int) (encoded.Value, error)

	// entries exports the checkpoint payloads.
	entries() []Entry

	// restore replaces the strategy contents from an export.
	restore(base encoded.Value, entries []Entry) error
}

// NewStrategy returns an empty strategy for mode.
func NewStrategy(mode Mode) (Strategy, error) {
	switch mode {
	case ModeSnapshot:
		return newSnapshotStrategy(), nil
	case ModeDelta:
		return newDeltaStrategy(), nil
	}
	return nil, ErrInvalidMode
}

func checkIndex(i, n int) error {
	if i < -1 || i >= n {
		return &IndexError{Index: i, Len: n}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Snapshot Strategy
// -----------------------------------------------------------------------------

// snapshotStrategy keeps a full tree per checkpoint: O(1) materialize,
// O(n) memory.
type snapshotStrategy struct {
	base   encoded.Value
	states []encoded.Value
	infos  []CheckpointInfo
}

func newSnapshotStrategy() *snapshotStrategy {
	return &snapshotStrategy{}
}

func (s *snapshotStrategy) Mode() Mode { return ModeSnapshot }

func (s *snapshotStrategy) Reset(base encoded.Value) {
	s.base = base
	s.states = nil
	s.infos = nil
}

func (s *snapshotStrategy) Base() encoded.Value { return encoded.Clone(s.base) }

func (s *snapshotStrategy) Len() int { return len(s.states) }

func (s *snapshotStrategy) Truncate(n int) {
	if n < 0 || n >= len(s.states) {
		return
	}
	clear(s.states[n:])
	s.states = s.states[:n]
	s.infos = s.infos[:n]
}

func (s *snapshotStrategy) Append(state encoded.Value) (bool, error) {
	s.states = append(s.states, state)
	s.infos = append(s.infos, newCheckpointInfo(encoded.Count(state)))
	return true, nil
}

func (s *snapshotStrategy) view(i int) (encoded.Value, error) {
	if err := checkIndex(i, len(s.states)); err != nil {
		return nil, err
	}
	if i == -1 {
		return s.base, nil
	}
	return s.states[i], nil
}

func (s *snapshotStrategy) Materialize(i int) (encoded.Value, error) {
	v, err := s.view(i)
	if err != nil {
		return nil, err
	}
	return encoded.Clone(v), nil
}

// Evict drops the oldest copy. The base moves to it so index -1 keeps
// meaning "the oldest reachable state" in both modes.
func (s *snapshotStrategy) Evict() error {
	if len(s.states) == 0 {
		return nil
	}
	s.base = s.states[0]
	s.states[0] = nil
	s.states = s.states[1:]
	s.infos = s.infos[1:]
	return nil
}

func (s *snapshotStrategy) Checkpoints() []CheckpointInfo {
	return append([]CheckpointInfo(nil), s.infos...)
}

func (s *snapshotStrategy) entries() []Entry {
	out := make([]Entry, len(s.states))
	for i, st := range s.states {
		out[i] = Entry{Info: s.infos[i], State: encoded.Clone(st)}
	}
	return out
}

func (s *snapshotStrategy) restore(base encoded.Value, entries []Entry) error {
	states := make([]encoded.Value, len(entries))
	infos := make([]CheckpointInfo, len(entries))
	for i, e := range entries {
		if e.Delta != nil {
			return &SnapshotError{Reason: "snapshot history entry carries a delta", Index: i}
		}
		states[i] = encoded.Clone(e.State)
		infos[i] = e.Info
	}
	s.base, s.states, s.infos = encoded.Clone(base), states, infos
	return nil
}
