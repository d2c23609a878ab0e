// SPDX-FileCopyrightText: Copyright (C) 2025 the groupwire authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package qs holds the delivery service's view of queue services: the
// connector used to dispatch fan-out messages and fetch verifying keys,
// and the key package batches queue services issue.
package qs

import (
	"context"
	"errors"
	"time"

	"github.com/fxamacker/cbor/v2"
	eddsa "github.com/katzenpost/hpqc/sign/ed25519"

	"github.com/groupwire/groupwire/mlsassist"
	"github.com/groupwire/groupwire/wire"
)

var (
	// ErrInvalidBatch is returned when a key package batch fails
	// signature verification or does not match its key packages.
	ErrInvalidBatch = errors.New("qs: invalid key package batch")

	// ErrStaleBatch is returned when a key package batch is past its
	// validity period.
	ErrStaleBatch = errors.New("qs: stale key package batch")
)

// Connector is the delivery service's handle on local and remote queue
// services.
type Connector interface {
	// Dispatch forwards one fan-out message to the queue service of the
	// homeserver named in the message's client reference.
	Dispatch(ctx context.Context, msg *wire.FanOutMessage) error

	// VerifyingKey returns the key package batch signing key of the
	// given homeserver's queue service.
	VerifyingKey(ctx context.Context, domain wire.Fqdn) (*eddsa.PublicKey, error)
}

// KeyPackageBatch is a queue service's attestation that it handed out the
// referenced key packages together, at the stated time.
type KeyPackageBatch struct {
	Homeserver     wire.Fqdn
	KeyPackageRefs []mlsassist.KeyPackageRef
	IssuedAt       wire.TimeStamp
	Signature      []byte
}

type keyPackageBatchTBS struct {
	Homeserver     wire.Fqdn
	KeyPackageRefs []mlsassist.KeyPackageRef
	IssuedAt       wire.TimeStamp
}

func (b *KeyPackageBatch) tbs() ([]byte, error) {
	return cbor.Marshal(&keyPackageBatchTBS{
		Homeserver:     b.Homeserver,
		KeyPackageRefs: b.KeyPackageRefs,
		IssuedAt:       b.IssuedAt,
	})
}

// Sign signs the batch in place. Used by the queue service side and by
// tests.
func (b *KeyPackageBatch) Sign(key *eddsa.PrivateKey) error {
	msg, err := b.tbs()
	if err != nil {
		return err
	}
	b.Signature = key.SignMessage(msg)
	return nil
}

// Marshal serializes the batch.
func (b *KeyPackageBatch) Marshal() ([]byte, error) {
	return cbor.Marshal(b)
}

// Unmarshal deserializes the batch.
func (b *KeyPackageBatch) Unmarshal(raw []byte) error {
	return cbor.Unmarshal(raw, b)
}

// VerifiedBatch is a key package batch that passed signature and
// freshness checks. It can only be obtained through Verify.
type VerifiedBatch struct {
	homeserver wire.Fqdn
	refs       []mlsassist.KeyPackageRef
}

// Homeserver returns the issuing homeserver.
func (v *VerifiedBatch) Homeserver() wire.Fqdn { return v.homeserver }

// Refs returns the attested key package references in batch order.
func (v *VerifiedBatch) Refs() []mlsassist.KeyPackageRef { return v.refs }

// Verify checks the batch signature against the issuing queue service's
// verifying key and rejects batches older than maxAge.
func (b *KeyPackageBatch) Verify(key *eddsa.PublicKey, maxAge time.Duration) (*VerifiedBatch, error) {
	msg, err := b.tbs()
	if err != nil {
		return nil, err
	}
	if !key.Verify(b.Signature, msg) {
		return nil, ErrInvalidBatch
	}
	if b.IssuedAt.HasExpired(maxAge) {
		return nil, ErrStaleBatch
	}
	return &VerifiedBatch{homeserver: b.Homeserver, refs: b.KeyPackageRefs}, nil
}
