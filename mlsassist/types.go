// SPDX-FileCopyrightText: Copyright (C) 2025 the groupwire authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package mlsassist tracks the public state of an MLS group on behalf of a
// server that is not a group member. It validates commits and proposals
// against the group's ratchet tree and group context, but never sees a
// group secret: application payloads and path secrets stay opaque.
package mlsassist

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	eddsa "github.com/katzenpost/hpqc/sign/ed25519"
)

var (
	// ErrInvalidSignature is returned when a signature check fails.
	ErrInvalidSignature = errors.New("mlsassist: invalid signature")

	// ErrLibrary is returned on internal serialization failures.
	ErrLibrary = errors.New("mlsassist: internal error")
)

// LeafIndex addresses a leaf of the ratchet tree.
type LeafIndex uint32

// Epoch is an MLS group epoch.
type Epoch uint64

// GroupID is the MLS-level group identifier, opaque at this layer.
type GroupID []byte

// ExtensionTypeQueueConfig is the key package extension carrying the
// serialized queue reference of the client publishing the key package.
const ExtensionTypeQueueConfig uint16 = 0xff00

// Extension is an opaque key package extension.
type Extension struct {
	ExtensionType uint16
	ExtensionData []byte
}

// LeafNode is the public portion of a group member's leaf: a signature
// key, an encryption key and an opaque credential, signed by the
// signature key.
type LeafNode struct {
	SignatureKey  []byte
	EncryptionKey []byte
	Credential    []byte
	Signature     []byte
}

type leafNodeTBS struct {
	SignatureKey  []byte
	EncryptionKey []byte
	Credential    []byte
}

func (l *LeafNode) tbs() ([]byte, error) {
	return cbor.Marshal(&leafNodeTBS{
		SignatureKey:  l.SignatureKey,
		EncryptionKey: l.EncryptionKey,
		Credential:    l.Credential,
	})
}

// Sign signs the leaf node in place.
func (l *LeafNode) Sign(key *eddsa.PrivateKey) error {
	msg, err := l.tbs()
	if err != nil {
		return err
	}
	l.Signature = key.SignMessage(msg)
	return nil
}

// Verify checks the leaf node's self signature.
func (l *LeafNode) Verify() error {
	msg, err := l.tbs()
	if err != nil {
		return err
	}
	return verifyRaw(l.SignatureKey, l.Signature, msg)
}

// Clone returns a deep copy of the leaf node.
func (l *LeafNode) Clone() *LeafNode {
	return &LeafNode{
		SignatureKey:  bytes.Clone(l.SignatureKey),
		EncryptionKey: bytes.Clone(l.EncryptionKey),
		Credential:    bytes.Clone(l.Credential),
		Signature:     bytes.Clone(l.Signature),
	}
}

// KeyPackageRefSize is the size of a key package reference in bytes.
const KeyPackageRefSize = sha256.Size

// KeyPackageRef uniquely references a key package by hash.
type KeyPackageRef [KeyPackageRefSize]byte

// KeyPackage is a client's pre-published join material: an init key for
// welcome encryption, the leaf node to be inserted into the tree, and
// extensions. Signed by the leaf signature key.
type KeyPackage struct {
	InitKey    []byte
	LeafNode   LeafNode
	Extensions []Extension
	Signature  []byte
}

type keyPackageTBS struct {
	InitKey    []byte
	LeafNode   LeafNode
	Extensions []Extension
}

func (k *KeyPackage) tbs() ([]byte, error) {
	return cbor.Marshal(&keyPackageTBS{
		InitKey:    k.InitKey,
		LeafNode:   k.LeafNode,
		Extensions: k.Extensions,
	})
}

// Sign signs the key package in place.
func (k *KeyPackage) Sign(key *eddsa.PrivateKey) error {
	msg, err := k.tbs()
	if err != nil {
		return err
	}
	k.Signature = key.SignMessage(msg)
	return nil
}

// Verify checks the key package signature and the embedded leaf node's
// self signature.
func (k *KeyPackage) Verify() error {
	if err := k.LeafNode.Verify(); err != nil {
		return err
	}
	msg, err := k.tbs()
	if err != nil {
		return err
	}
	return verifyRaw(k.LeafNode.SignatureKey, k.Signature, msg)
}

// Ref computes the key package's reference.
func (k *KeyPackage) Ref() (KeyPackageRef, error) {
	b, err := cbor.Marshal(k)
	if err != nil {
		return KeyPackageRef{}, err
	}
	return sha256.Sum256(b), nil
}

// Extension returns the data of the extension with the given type, if
// present.
func (k *KeyPackage) Extension(extensionType uint16) ([]byte, bool) {
	for _, ext := range k.Extensions {
		if ext.ExtensionType == extensionType {
			return ext.ExtensionData, true
		}
	}
	return nil, false
}

func verifyRaw(rawKey, sig, msg []byte) error {
	pk := new(eddsa.PublicKey)
	if err := pk.FromBytes(rawKey); err != nil {
		return fmt.Errorf("mlsassist: malformed signature key: %w", err)
	}
	if !pk.Verify(sig, msg) {
		return ErrInvalidSignature
	}
	return nil
}
