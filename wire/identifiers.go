// SPDX-FileCopyrightText: Copyright (C) 2025 the groupwire authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package wire defines the messages exchanged between clients and the
// delivery service, and the identifiers shared across the backend.
package wire

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// Fqdn is the fully qualified domain name of a homeserver.
type Fqdn string

// Validate returns an error if the domain is obviously malformed.
func (f Fqdn) Validate() error {
	if f == "" {
		return errors.New("wire: empty domain")
	}
	if strings.ContainsAny(string(f), " /") {
		return fmt.Errorf("wire: invalid domain: '%v'", f)
	}
	return nil
}

// QualifiedGroupID globally identifies an MLS group: a group UUID plus the
// domain of the delivery service that owns the group.
type QualifiedGroupID struct {
	GroupUUID    uuid.UUID
	OwningDomain Fqdn
}

// Bytes returns the canonical serialization used as the MLS-level group id.
func (q *QualifiedGroupID) Bytes() []byte {
	b, err := cbor.Marshal(q)
	if err != nil {
		// A uuid and a string always serialize.
		panic(err)
	}
	return b
}

// QualifiedGroupIDFromBytes parses an MLS-level group id.
func QualifiedGroupIDFromBytes(b []byte) (*QualifiedGroupID, error) {
	q := new(QualifiedGroupID)
	if err := cbor.Unmarshal(b, q); err != nil {
		return nil, fmt.Errorf("wire: malformed group id: %w", err)
	}
	if err := q.OwningDomain.Validate(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *QualifiedGroupID) String() string {
	return fmt.Sprintf("%v@%v", q.GroupUUID, q.OwningDomain)
}

// UserKeyHashSize is the size of a user key hash in bytes.
const UserKeyHashSize = sha256.Size

// UserKeyHash identifies a user within a group by the hash of their user
// auth verifying key. It deliberately does not identify the user across
// groups.
type UserKeyHash [UserKeyHashSize]byte

// UserKeyHashFromKey hashes a raw user auth verifying key.
func UserKeyHashFromKey(verifyingKey []byte) UserKeyHash {
	return sha256.Sum256(verifyingKey)
}

// SealedClientReference is a sealed reference to a client's message queue.
// Only the queue service that minted it can open it; the delivery service
// stores and forwards it unmodified.
type SealedClientReference []byte

// QsClientReference locates a client's queue: the homeserver that hosts the
// queue plus the sealed reference the queue service resolves internally.
type QsClientReference struct {
	Homeserver Fqdn
	Reference  SealedClientReference
}

// Marshal serializes the reference.
func (r *QsClientReference) Marshal() ([]byte, error) {
	return cbor.Marshal(r)
}

// Unmarshal deserializes the reference.
func (r *QsClientReference) Unmarshal(b []byte) error {
	return cbor.Unmarshal(b, r)
}
