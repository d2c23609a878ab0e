// SPDX-FileCopyrightText: Copyright (C) 2025 the groupwire authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package state defines the persistence interface for encrypted group
// state and the error taxonomy shared by its implementations.
package state

import (
	"context"
	"errors"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/groupwire/groupwire/wire"
)

var (
	// ErrNotFound is returned when no row exists for a group id.
	ErrNotFound = errors.New("state: group not found")

	// ErrUnreserved is returned when a claim targets a group id that was
	// never reserved or is already claimed.
	ErrUnreserved = errors.New("state: group id not reserved")

	// ErrGroupBusy is returned when another request holds the group's
	// lock. Requests fail fast rather than queue.
	ErrGroupBusy = errors.New("state: group busy")

	// ErrStorage wraps backend failures: a provider could not reach its
	// database or a stored row could not be decoded.
	ErrStorage = errors.New("state: storage failure")
)

// GroupStateExpiration is how long a group state survives without being
// used before it is considered expired.
const GroupStateExpiration = 90 * 24 * time.Hour

// LoadState classifies the result of loading a group.
type LoadState uint8

const (
	// LoadNotFound means no row exists for the group id.
	LoadNotFound LoadState = iota

	// LoadReserved means the group id is reserved but carries no state
	// yet.
	LoadReserved

	// LoadSuccess means live group state was found.
	LoadSuccess

	// LoadExpired means state exists but has not been used within the
	// expiration period.
	LoadExpired
)

// StorableGroupData is one persisted group row. Ciphertext holds the
// serialized encrypted group state; an empty ciphertext marks a reserved
// but unclaimed group id. DeletedQueues survives group deletion so late
// fan-out can be suppressed.
type StorableGroupData struct {
	GroupUUID     uuid.UUID
	Ciphertext    []byte
	LastUsed      wire.TimeStamp
	DeletedQueues []wire.SealedClientReference
}

// Classify derives the load state of a row. A nil row is LoadNotFound.
func (d *StorableGroupData) Classify() LoadState {
	if d == nil {
		return LoadNotFound
	}
	if len(d.Ciphertext) == 0 {
		// A tombstone left by group deletion is not a reservation.
		if len(d.DeletedQueues) != 0 {
			return LoadNotFound
		}
		return LoadReserved
	}
	if d.LastUsed.HasExpired(GroupStateExpiration) {
		return LoadExpired
	}
	return LoadSuccess
}

// Marshal serializes the row.
func (d *StorableGroupData) Marshal() ([]byte, error) {
	return cbor.Marshal(d)
}

// Unmarshal deserializes the row.
func (d *StorableGroupData) Unmarshal(b []byte) error {
	return cbor.Unmarshal(b, d)
}

// ReservedGroupID witnesses a successful claim of a reserved group id. It
// can only be obtained through a provider's Claim.
type ReservedGroupID struct {
	id uuid.UUID
}

// UUID returns the claimed group id.
func (r ReservedGroupID) UUID() uuid.UUID { return r.id }

// NewReservedGroupID is used by provider implementations to mint the
// claim witness.
func NewReservedGroupID(id uuid.UUID) ReservedGroupID {
	return ReservedGroupID{id: id}
}

// Provider is the persistence backend for encrypted group state.
type Provider interface {
	// Reserve records the group id as reserved. It returns false if the
	// id already exists, reserved or live.
	Reserve(ctx context.Context, id uuid.UUID) (bool, error)

	// Claim converts a reservation into a claim witness. It fails with
	// ErrUnreserved if the id was never reserved or already carries
	// state.
	Claim(ctx context.Context, id uuid.UUID) (ReservedGroupID, error)

	// Load returns the row for the group id, or ErrNotFound.
	Load(ctx context.Context, id uuid.UUID) (*StorableGroupData, error)

	// Store writes initial group state into a claimed reservation. It is
	// a no-op if the reservation disappeared meanwhile.
	Store(ctx context.Context, rid ReservedGroupID, data *StorableGroupData) error

	// Update overwrites the row for an existing group.
	Update(ctx context.Context, data *StorableGroupData) error

	// Delete removes the group's state but keeps a tombstone row holding
	// the deleted queue references.
	Delete(ctx context.Context, data *StorableGroupData) error

	// Lock acquires the per-group processing lock, failing fast with
	// ErrGroupBusy. The returned release function must be called exactly
	// once.
	Lock(ctx context.Context, id uuid.UUID) (func(), error)

	// Close releases backend resources.
	Close()
}
