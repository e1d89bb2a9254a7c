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
	"fmt"

	"github.com/AleutianAI/refgraph/services/refgraph/delta"
	"github.com/AleutianAI/refgraph/services/refgraph/encoded"
)

// deltaStrategy keeps the diff between consecutive checkpoints.
//
// Description:
//
//	Checkpoint i is base with deltas 0..i applied in order. Materializing
//	is O(i) from the base; the most recently materialized state is cached
//	so that walking forwards (redo, or diffing against the tail on
//	Append) only applies the deltas past the cached index. Evicting the
//	oldest checkpoint folds its delta into the base.
type deltaStrategy struct {
	base   encoded.Value
	deltas []*delta.Delta
	infos  []CheckpointInfo

	// cache holds the materialized state at cacheIdx when cacheOK.
	cache    encoded.Value
	cacheIdx int
	cacheOK  bool
}

func newDeltaStrategy() *deltaStrategy {
	return &deltaStrategy{}
}

func (s *deltaStrategy) Mode() Mode { return ModeDelta }

func (s *deltaStrategy) Reset(base encoded.Value) {
	s.base = base
	s.deltas = nil
	s.infos = nil
	s.invalidate()
}

func (s *deltaStrategy) Base() encoded.Value { return encoded.Clone(s.base) }

func (s *deltaStrategy) Len() int { return len(s.deltas) }

func (s *deltaStrategy) Truncate(n int) {
	if n < 0 || n >= len(s.deltas) {
		return
	}
	clear(s.deltas[n:])
	s.deltas = s.deltas[:n]
	s.infos = s.infos[:n]
	if s.cacheOK && s.cacheIdx >= n {
		s.invalidate()
	}
}

// Append records the diff from the current tail to state. An empty diff
// is not recorded.
func (s *deltaStrategy) Append(state encoded.Value) (bool, error) {
	prev, err := s.view(len(s.deltas) - 1)
	if err != nil {
		return false, err
	}
	d := delta.Diff(prev, state)
	if d.IsEmpty() {
		return false, nil
	}
	s.deltas = append(s.deltas, d)
	s.infos = append(s.infos, newCheckpointInfo(d.Size()))
	s.cache, s.cacheIdx, s.cacheOK = state, len(s.deltas)-1, true
	return true, nil
}

func (s *deltaStrategy) view(i int) (encoded.Value, error) {
	if err := checkIndex(i, len(s.deltas)); err != nil {
		return nil, err
	}
	if i == -1 {
		return s.base, nil
	}
	if s.cacheOK && s.cacheIdx == i {
		return s.cache, nil
	}

	from, cur := -1, s.base
	if s.cacheOK && s.cacheIdx < i {
		from, cur = s.cacheIdx, s.cache
	}
	cur = encoded.Clone(cur)
	for j := from + 1; j <= i; j++ {
		next, err := delta.Apply(cur, s.deltas[j])
		if err != nil {
			return nil, fmt.Errorf("materialize checkpoint %d: %w", i, err)
		}
		cur = next
	}
	s.cache, s.cacheIdx, s.cacheOK = cur, i, true
	return cur, nil
}

func (s *deltaStrategy) Materialize(i int) (encoded.Value, error) {
	v, err := s.view(i)
	if err != nil {
		return nil, err
	}
	return encoded.Clone(v), nil
}

// Evict folds the oldest delta into the base.
func (s *deltaStrategy) Evict() error {
	if len(s.deltas) == 0 {
		return nil
	}
	folded, err := delta.Apply(encoded.Clone(s.base), s.deltas[0])
	if err != nil {
		return fmt.Errorf("fold oldest delta: %w", err)
	}
	s.base = folded
	s.deltas[0] = nil
	s.deltas = s.deltas[1:]
	s.infos = s.infos[1:]
	if s.cacheOK {
		s.cacheIdx--
		if s.cacheIdx < 0 {
			s.invalidate()
		}
	}
	return nil
}

func (s *deltaStrategy) Checkpoints() []CheckpointInfo {
	return append([]CheckpointInfo(nil), s.infos...)
}

func (s *deltaStrategy) entries() []Entry {
	out := make([]Entry, len(s.deltas))
	for i, d := range s.deltas {
		ops := make([]delta.Op, len(d.Ops))
		for j, op := range d.Ops {
			ops[j] = delta.Op{Kind: op.Kind, Path: op.Path, Value: encoded.Clone(op.Value)}
		}
		out[i] = Entry{Info: s.infos[i], Delta: &delta.Delta{Ops: ops}}
	}
	return out
}

func (s *deltaStrategy) restore(base encoded.Value, entries []Entry) error {
	deltas := make([]*delta.Delta, len(entries))
	infos := make([]CheckpointInfo, len(entries))
	for i, e := range entries {
		if e.Delta.IsEmpty() {
			return &SnapshotError{Reason: "delta history entry carries no operations", Index: i}
		}
		deltas[i] = e.Delta
		infos[i] = e.Info
	}

	// Replay once so a broken chain is rejected before it is installed.
	cur := encoded.Clone(base)
	for i, d := range deltas {
		next, err := delta.Apply(cur, d)
		if err != nil {
			return &SnapshotError{Reason: err.Error(), Index: i}
		}
		cur = next
	}

	s.base, s.deltas, s.infos = encoded.Clone(base), deltas, infos
	s.invalidate()
	if len(deltas) > 0 {
		s.cache, s.cacheIdx, s.cacheOK = cur, len(deltas)-1, true
	}
	return nil
}

func (s *deltaStrategy) invalidate() {
	s.cache, s.cacheIdx, s.cacheOK = nil, 0, false
}
