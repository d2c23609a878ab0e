// SPDX-FileCopyrightText: Copyright (C) 2025 the groupwire authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package boltstate implements the group state provider interface backed
// by a bolt database file, for single process deployments.
package boltstate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/groupwire/groupwire/ds/state"
)

const (
	groupsBucket   = "groups"
	metadataBucket = "metadata"
	versionKey     = "version"
)

type boltProvider struct {
	db *bolt.DB

	mu    sync.Mutex
	locks map[uuid.UUID]bool
}

// New opens or creates the group state database at the given path.
func New(dbFile string) (state.Provider, error) {
	db, err := bolt.Open(dbFile, 0600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(groupsBucket)); err != nil {
			return err
		}
		if b := bkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != 0 {
				return fmt.Errorf("boltstate: incompatible version: %d", b)
			}
			return nil
		}
		return bkt.Put([]byte(versionKey), []byte{0})
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &boltProvider{
		db:    db,
		locks: make(map[uuid.UUID]bool),
	}, nil
}

func (p *boltProvider) Reserve(_ context.Context, id uuid.UUID) (bool, error) {
	reserved := false
	err := p.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(groupsBucket))
		if bkt.Get(id[:]) != nil {
			return nil
		}
		placeholder := &state.StorableGroupData{GroupUUID: id}
		b, err := placeholder.Marshal()
		if err != nil {
			return err
		}
		reserved = true
		return bkt.Put(id[:], b)
	})
	return reserved, wrapStorage(err)
}

func (p *boltProvider) Claim(_ context.Context, id uuid.UUID) (state.ReservedGroupID, error) {
	var rid state.ReservedGroupID
	err := p.db.View(func(tx *bolt.Tx) error {
		data, err := getGroup(tx, id)
		if err != nil {
			return state.ErrUnreserved
		}
		if data.Classify() != state.LoadReserved {
			return state.ErrUnreserved
		}
		rid = state.NewReservedGroupID(id)
		return nil
	})
	return rid, wrapStorage(err)
}

func (p *boltProvider) Load(_ context.Context, id uuid.UUID) (*state.StorableGroupData, error) {
	var data *state.StorableGroupData
	err := p.db.View(func(tx *bolt.Tx) error {
		var err error
		data, err = getGroup(tx, id)
		return err
	})
	return data, wrapStorage(err)
}

func (p *boltProvider) Store(_ context.Context, rid state.ReservedGroupID, data *state.StorableGroupData) error {
	id := rid.UUID()
	return wrapStorage(p.db.Update(func(tx *bolt.Tx) error {
		existing, err := getGroup(tx, id)
		if err != nil || existing.Classify() != state.LoadReserved {
			return nil
		}
		b, err := data.Marshal()
		if err != nil {
			return err
		}
		return tx.Bucket([]byte(groupsBucket)).Put(id[:], b)
	}))
}

func (p *boltProvider) Update(_ context.Context, data *state.StorableGroupData) error {
	return wrapStorage(p.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(groupsBucket))
		if bkt.Get(data.GroupUUID[:]) == nil {
			return state.ErrNotFound
		}
		b, err := data.Marshal()
		if err != nil {
			return err
		}
		return bkt.Put(data.GroupUUID[:], b)
	}))
}

func (p *boltProvider) Delete(_ context.Context, data *state.StorableGroupData) error {
	tombstone := &state.StorableGroupData{
		GroupUUID:     data.GroupUUID,
		LastUsed:      data.LastUsed,
		DeletedQueues: data.DeletedQueues,
	}
	return wrapStorage(p.db.Update(func(tx *bolt.Tx) error {
		b, err := tombstone.Marshal()
		if err != nil {
			return err
		}
		return tx.Bucket([]byte(groupsBucket)).Put(data.GroupUUID[:], b)
	}))
}

func (p *boltProvider) Lock(_ context.Context, id uuid.UUID) (func(), error) {
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

func (p *boltProvider) Close() {
	p.db.Sync()
	p.db.Close()
}

// wrapStorage tags backend and decode failures with state.ErrStorage
// while leaving the provider sentinels intact.
func wrapStorage(err error) error {
	if err == nil || errors.Is(err, state.ErrNotFound) ||
		errors.Is(err, state.ErrUnreserved) || errors.Is(err, state.ErrGroupBusy) {
		return err
	}
	return fmt.Errorf("%w: %v", state.ErrStorage, err)
}

func getGroup(tx *bolt.Tx, id uuid.UUID) (*state.StorableGroupData, error) {
	raw := tx.Bucket([]byte(groupsBucket)).Get(id[:])
	if raw == nil {
		return nil, state.ErrNotFound
	}
	data := new(state.StorableGroupData)
	if err := data.Unmarshal(raw); err != nil {
		return nil, err
	}
	return data, nil
}
