// SPDX-FileCopyrightText: Copyright (C) 2025 the groupwire authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package memstate implements the group state provider interface backed
// by memory, for tests and ephemeral deployments.
package memstate

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/groupwire/groupwire/ds/state"
	"github.com/groupwire/groupwire/wire"
)

type memProvider struct {
	mu sync.Mutex

	groups map[uuid.UUID]*state.StorableGroupData
	locks  map[uuid.UUID]bool
}

// New creates an empty in-memory provider.
func New() state.Provider {
	return &memProvider{
		groups: make(map[uuid.UUID]*state.StorableGroupData),
		locks:  make(map[uuid.UUID]bool),
	}
}

func (p *memProvider) Reserve(_ context.Context, id uuid.UUID) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.groups[id]; ok {
		return false, nil
	}
	p.groups[id] = &state.StorableGroupData{GroupUUID: id}
	return true, nil
}

func (p *memProvider) Claim(_ context.Context, id uuid.UUID) (state.ReservedGroupID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	data, ok := p.groups[id]
	if !ok || data.Classify() != state.LoadReserved {
		return state.ReservedGroupID{}, state.ErrUnreserved
	}
	return state.NewReservedGroupID(id), nil
}

func (p *memProvider) Load(_ context.Context, id uuid.UUID) (*state.StorableGroupData, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	data, ok := p.groups[id]
	if !ok {
		return nil, state.ErrNotFound
	}
	clone := cloneData(data)
	return clone, nil
}

func (p *memProvider) Store(_ context.Context, rid state.ReservedGroupID, data *state.StorableGroupData) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	existing, ok := p.groups[rid.UUID()]
	if !ok || existing.Classify() != state.LoadReserved {
		// The reservation disappeared or was claimed concurrently.
		return nil
	}
	p.groups[rid.UUID()] = cloneData(data)
	return nil
}

func (p *memProvider) Update(_ context.Context, data *state.StorableGroupData) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.groups[data.GroupUUID]; !ok {
		return state.ErrNotFound
	}
	p.groups[data.GroupUUID] = cloneData(data)
	return nil
}

func (p *memProvider) Delete(_ context.Context, data *state.StorableGroupData) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	tombstone := cloneData(data)
	tombstone.Ciphertext = nil
	p.groups[data.GroupUUID] = tombstone
	return nil
}

func (p *memProvider) Lock(_ context.Context, id uuid.UUID) (func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.locks[id] {
		return nil, state.ErrGroupBusy
	}
	p.locks[id] = true
	var once sync.Once
	release := func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			delete(p.locks, id)
		})
	}
	return release, nil
}

func (p *memProvider) Close() {}

func cloneData(d *state.StorableGroupData) *state.StorableGroupData {
	clone := &state.StorableGroupData{
		GroupUUID:  d.GroupUUID,
		Ciphertext: append([]byte(nil), d.Ciphertext...),
		LastUsed:   d.LastUsed,
	}
	for _, q := range d.DeletedQueues {
		ref := append(wire.SealedClientReference(nil), q...)
		clone.DeletedQueues = append(clone.DeletedQueues, ref)
	}
	return clone
}
