// SPDX-FileCopyrightText: Copyright (C) 2025 the groupwire authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package ear implements the encryption-at-rest scheme used to protect
// persisted group state. Clients provide the group state EAR key with every
// request; the delivery service never stores it.
package ear

import (
	"crypto/sha256"
	"errors"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/chacha20poly1305"
	"github.com/katzenpost/hpqc/rand"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of a group state EAR key in bytes.
	KeySize = chacha20poly1305.KeySize
)

var (
	// ErrDecrypt is returned when a ciphertext fails authentication.
	ErrDecrypt = errors.New("ear: decryption failure")

	// ErrInvalidKeySize is returned when a key has the wrong length.
	ErrInvalidKeySize = errors.New("ear: invalid key size")

	earInfo = []byte("groupwire-group-state-ear")
)

// GroupStateEarKey is the symmetric key under which a group's state is
// encrypted at rest.
type GroupStateEarKey [KeySize]byte

// NewGroupStateEarKey generates a fresh random EAR key.
func NewGroupStateEarKey() *GroupStateEarKey {
	k := new(GroupStateEarKey)
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		panic(err)
	}
	return k
}

// GroupStateEarKeyFromBytes builds a key from raw bytes.
func GroupStateEarKeyFromBytes(b []byte) (*GroupStateEarKey, error) {
	if len(b) != KeySize {
		return nil, ErrInvalidKeySize
	}
	k := new(GroupStateEarKey)
	copy(k[:], b)
	return k, nil
}

// Bytes returns the raw key material.
func (k *GroupStateEarKey) Bytes() []byte {
	return k[:]
}

// aeadKey derives the actual AEAD key from the client-provided key and a
// domain separator, so that the same client key can never collide across
// uses.
func (k *GroupStateEarKey) aeadKey(context []byte) ([]byte, error) {
	h := hkdf.New(sha256.New, k[:], context, earInfo)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Ciphertext is an EAR ciphertext together with its nonce.
type Ciphertext struct {
	Nonce      []byte
	Ciphertext []byte
}

// Marshal serializes the ciphertext.
func (c *Ciphertext) Marshal() ([]byte, error) {
	return cbor.Marshal(c)
}

// Unmarshal deserializes the ciphertext.
func (c *Ciphertext) Unmarshal(b []byte) error {
	return cbor.Unmarshal(b, c)
}

// Encrypt seals plaintext under the key, bound to the given context (the
// group id for group state).
func (k *GroupStateEarKey) Encrypt(context, plaintext []byte) (*Ciphertext, error) {
	key, err := k.aeadKey(context)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return &Ciphertext{
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, context),
	}, nil
}

// Decrypt opens a ciphertext produced by Encrypt with the same context.
func (k *GroupStateEarKey) Decrypt(context []byte, ct *Ciphertext) ([]byte, error) {
	key, err := k.aeadKey(context)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	if len(ct.Nonce) != aead.NonceSize() {
		return nil, ErrDecrypt
	}
	plaintext, err := aead.Open(nil, ct.Nonce, ct.Ciphertext, context)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
