// SPDX-FileCopyrightText: Copyright (C) 2025 the groupwire authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package seal implements asymmetric sealing of small payloads to a
// recipient's init key. It is used to hand new joiners the group state EAR
// key and their joiner information without the delivery service learning
// either.
package seal

import (
	"errors"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/kem/mkem"
	"github.com/katzenpost/hpqc/nike"
	ecdh "github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/rand"
)

var (
	// ErrUnseal is returned when a sealed payload cannot be opened.
	ErrUnseal = errors.New("seal: unable to open sealed payload")

	// Scheme is the NIKE scheme init keys are expected to use.
	Scheme nike.Scheme = ecdh.Scheme(rand.Reader)

	mkemScheme = mkem.NewScheme(Scheme)
)

// Sealed is a payload sealed to a single recipient init key.
type Sealed struct {
	SenderPublicKey []byte
	DEK             *[mkem.DEKSize]byte
	Envelope        []byte
}

// Marshal serializes the sealed payload.
func (s *Sealed) Marshal() ([]byte, error) {
	return cbor.Marshal(s)
}

// Unmarshal deserializes the sealed payload.
func (s *Sealed) Unmarshal(b []byte) error {
	return cbor.Unmarshal(b, s)
}

// GenerateKeyPair generates a recipient init key pair.
func GenerateKeyPair() (nike.PublicKey, nike.PrivateKey, error) {
	return Scheme.GenerateKeyPair()
}

// ToRecipient seals payload to the given raw init key.
func ToRecipient(initKey []byte, payload []byte) (*Sealed, error) {
	pub, err := Scheme.UnmarshalBinaryPublicKey(initKey)
	if err != nil {
		return nil, err
	}
	senderPriv, ct := mkemScheme.Encapsulate([]nike.PublicKey{pub}, payload)
	return &Sealed{
		SenderPublicKey: senderPriv.Public().Bytes(),
		DEK:             ct.DEKCiphertexts[0],
		Envelope:        ct.Envelope,
	}, nil
}

// Open opens a sealed payload with the recipient's init private key.
func Open(priv nike.PrivateKey, s *Sealed) ([]byte, error) {
	senderPub, err := Scheme.UnmarshalBinaryPublicKey(s.SenderPublicKey)
	if err != nil {
		return nil, ErrUnseal
	}
	ct := &mkem.Ciphertext{
		EphemeralPublicKey: senderPub,
		DEKCiphertexts:     []*[mkem.DEKSize]byte{s.DEK},
		Envelope:           s.Envelope,
	}
	payload, err := mkemScheme.Decapsulate(priv, ct)
	if err != nil {
		return nil, ErrUnseal
	}
	return payload, nil
}
