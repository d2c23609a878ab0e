// SPDX-FileCopyrightText: Copyright (C) 2025 the groupwire authors
// SPDX-License-Identifier: AGPL-3.0-only

package mlsassist

import (
	"bytes"
	"time"
)

// PastGroupState is a retained ratchet tree snapshot for one epoch,
// together with the signature keys of the clients whose welcome points at
// that epoch. Joiners fetch the snapshot to build their local tree.
type PastGroupState struct {
	Tree             *RatchetTree
	PotentialJoiners [][]byte
	CreatedAt        time.Time
}

// PastGroupStates retains recent epoch snapshots keyed by epoch.
type PastGroupStates struct {
	States map[Epoch]*PastGroupState
}

// NewPastGroupStates returns an empty snapshot store.
func NewPastGroupStates() *PastGroupStates {
	return &PastGroupStates{States: make(map[Epoch]*PastGroupState)}
}

// Add retains the given tree for the given epoch on behalf of the listed
// joiner signature keys.
func (p *PastGroupStates) Add(epoch Epoch, tree *RatchetTree, joinerKeys [][]byte) {
	keys := make([][]byte, len(joinerKeys))
	for i, k := range joinerKeys {
		keys[i] = bytes.Clone(k)
	}
	p.States[epoch] = &PastGroupState{
		Tree:             tree.Clone(),
		PotentialJoiners: keys,
		CreatedAt:        time.Now().UTC(),
	}
}

// ForJoiner returns the retained tree for the given epoch if the given
// signature key is among its potential joiners.
func (p *PastGroupStates) ForJoiner(epoch Epoch, joinerKey []byte) (*RatchetTree, bool) {
	state, ok := p.States[epoch]
	if !ok {
		return nil, false
	}
	for _, k := range state.PotentialJoiners {
		if bytes.Equal(k, joinerKey) {
			return state.Tree, true
		}
	}
	return nil, false
}

// PruneExpired drops snapshots older than the retention period.
func (p *PastGroupStates) PruneExpired(retention time.Duration) {
	cutoff := time.Now().UTC().Add(-retention)
	for epoch, state := range p.States {
		if state.CreatedAt.Before(cutoff) {
			delete(p.States, epoch)
		}
	}
}
