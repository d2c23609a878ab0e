// SPDX-FileCopyrightText: Copyright (C) 2025 the groupwire authors
// SPDX-License-Identifier: AGPL-3.0-only

package mlsassist

import (
	"crypto/sha256"
	"errors"

	"github.com/fxamacker/cbor/v2"
	eddsa "github.com/katzenpost/hpqc/sign/ed25519"
)

// ProposalType enumerates the proposal kinds this layer understands.
type ProposalType uint8

const (
	ProposalTypeAdd ProposalType = iota
	ProposalTypeRemove
	ProposalTypeUpdate
)

// Proposal is a single group mutation proposal. Exactly the field selected
// by ProposalType is set.
type Proposal struct {
	ProposalType ProposalType
	Add          *AddProposal
	Remove       *RemoveProposal
	Update       *UpdateProposal
}

// AddProposal proposes adding the client owning the key package.
type AddProposal struct {
	KeyPackage KeyPackage
}

// RemoveProposal proposes blanking the leaf at Removed.
type RemoveProposal struct {
	Removed LeafIndex
}

// UpdateProposal proposes replacing the sender's leaf node.
type UpdateProposal struct {
	LeafNode LeafNode
}

// ProposalRef references a previously queued proposal by hash of the
// public message that carried it.
type ProposalRef [32]byte

// ProposalOrRef is either an inline proposal or a reference to a queued
// one.
type ProposalOrRef struct {
	Proposal  *Proposal
	Reference *ProposalRef
}

// SenderKind enumerates how a public message's sender is addressed.
type SenderKind uint8

const (
	// SenderMember is a current member addressed by leaf index.
	SenderMember SenderKind = iota

	// SenderNewMemberCommit is a non-member joining through an external
	// commit. The commit's update path carries its leaf node.
	SenderNewMemberCommit
)

// MessageSender identifies the sender of a public message.
type MessageSender struct {
	Kind      SenderKind
	LeafIndex LeafIndex
}

// ContentType enumerates public message payloads.
type ContentType uint8

const (
	ContentTypeProposal ContentType = iota
	ContentTypeCommit
)

// Commit is the public part of an MLS commit: the covered proposals plus
// an optional update path leaf node.
type Commit struct {
	Proposals []ProposalOrRef
	Path      *LeafNode
}

// PublicMessage is a handshake message visible to the delivery service: a
// proposal or commit bound to a group and epoch, signed by its sender.
type PublicMessage struct {
	GroupID           GroupID
	Epoch             Epoch
	Sender            MessageSender
	ContentType       ContentType
	AuthenticatedData []byte
	Proposal          *Proposal
	Commit            *Commit
	ConfirmationTag   []byte
	Signature         []byte
}

type publicMessageTBS struct {
	GroupID           GroupID
	Epoch             Epoch
	Sender            MessageSender
	ContentType       ContentType
	AuthenticatedData []byte
	Proposal          *Proposal
	Commit            *Commit
	ConfirmationTag   []byte
}

func (m *PublicMessage) tbs() ([]byte, error) {
	return cbor.Marshal(&publicMessageTBS{
		GroupID:           m.GroupID,
		Epoch:             m.Epoch,
		Sender:            m.Sender,
		ContentType:       m.ContentType,
		AuthenticatedData: m.AuthenticatedData,
		Proposal:          m.Proposal,
		Commit:            m.Commit,
		ConfirmationTag:   m.ConfirmationTag,
	})
}

// Sign signs the message in place.
func (m *PublicMessage) Sign(key *eddsa.PrivateKey) error {
	msg, err := m.tbs()
	if err != nil {
		return err
	}
	m.Signature = key.SignMessage(msg)
	return nil
}

// VerifyWithKey checks the message signature against a raw verifying key.
func (m *PublicMessage) VerifyWithKey(rawKey []byte) error {
	msg, err := m.tbs()
	if err != nil {
		return err
	}
	return verifyRaw(rawKey, m.Signature, msg)
}

// Ref computes the proposal reference of a proposal message.
func (m *PublicMessage) Ref() (ProposalRef, error) {
	b, err := cbor.Marshal(m)
	if err != nil {
		return ProposalRef{}, err
	}
	return sha256.Sum256(b), nil
}

// GroupInfo is the public group context published alongside every commit
// so that the delivery service and external joiners can track the group.
// It is signed by the committer.
type GroupInfo struct {
	GroupID         GroupID
	Epoch           Epoch
	TreeHash        [32]byte
	ConfirmationTag []byte
	SignerIndex     LeafIndex
	Signature       []byte
}

type groupInfoTBS struct {
	GroupID         GroupID
	Epoch           Epoch
	TreeHash        [32]byte
	ConfirmationTag []byte
	SignerIndex     LeafIndex
}

func (g *GroupInfo) tbs() ([]byte, error) {
	return cbor.Marshal(&groupInfoTBS{
		GroupID:         g.GroupID,
		Epoch:           g.Epoch,
		TreeHash:        g.TreeHash,
		ConfirmationTag: g.ConfirmationTag,
		SignerIndex:     g.SignerIndex,
	})
}

// Sign signs the group info in place.
func (g *GroupInfo) Sign(key *eddsa.PrivateKey) error {
	msg, err := g.tbs()
	if err != nil {
		return err
	}
	g.Signature = key.SignMessage(msg)
	return nil
}

// VerifyWithKey checks the group info signature against a raw verifying
// key.
func (g *GroupInfo) VerifyWithKey(rawKey []byte) error {
	msg, err := g.tbs()
	if err != nil {
		return err
	}
	return verifyRaw(rawKey, g.Signature, msg)
}

// Clone returns a deep copy of the group info.
func (g *GroupInfo) Clone() *GroupInfo {
	c := *g
	return &c
}

// Marshal serializes the group info.
func (g *GroupInfo) Marshal() ([]byte, error) {
	return cbor.Marshal(g)
}

// Unmarshal deserializes the group info.
func (g *GroupInfo) Unmarshal(b []byte) error {
	return cbor.Unmarshal(b, g)
}

// MessageKind distinguishes handshake messages from opaque application
// ciphertext.
type MessageKind uint8

const (
	MessageKindPublic MessageKind = iota
	MessageKindPrivate
)

// AssistedMessage is the unit handed to the delivery service for
// processing: either a public handshake message, with the committer's
// group info attached for commits, or an opaque private application
// message.
type AssistedMessage struct {
	Kind      MessageKind
	Public    *PublicMessage
	GroupInfo *GroupInfo
	Private   []byte
}

// Marshal serializes the message.
func (m *AssistedMessage) Marshal() ([]byte, error) {
	return cbor.Marshal(m)
}

// Unmarshal deserializes the message.
func (m *AssistedMessage) Unmarshal(b []byte) error {
	return cbor.Unmarshal(b, m)
}

// Validate checks structural well-formedness.
func (m *AssistedMessage) Validate() error {
	switch m.Kind {
	case MessageKindPublic:
		if m.Public == nil {
			return errors.New("mlsassist: public message missing")
		}
		switch m.Public.ContentType {
		case ContentTypeProposal:
			if m.Public.Proposal == nil {
				return errors.New("mlsassist: proposal content missing")
			}
		case ContentTypeCommit:
			if m.Public.Commit == nil {
				return errors.New("mlsassist: commit content missing")
			}
		default:
			return errors.New("mlsassist: unknown content type")
		}
	case MessageKindPrivate:
		if len(m.Private) == 0 {
			return errors.New("mlsassist: private message missing")
		}
	default:
		return errors.New("mlsassist: unknown message kind")
	}
	return nil
}

// EncryptedGroupSecrets is the per-joiner portion of a welcome, addressed
// by the joiner's key package reference.
type EncryptedGroupSecrets struct {
	KeyPackageRef KeyPackageRef
	Ciphertext    []byte
}

// Welcome carries the encrypted group secrets for every client added by a
// commit.
type Welcome struct {
	Secrets []EncryptedGroupSecrets
}

// Joiners returns the key package references addressed by the welcome.
func (w *Welcome) Joiners() []KeyPackageRef {
	refs := make([]KeyPackageRef, 0, len(w.Secrets))
	for _, s := range w.Secrets {
		refs = append(refs, s.KeyPackageRef)
	}
	return refs
}

// Marshal serializes the welcome.
func (w *Welcome) Marshal() ([]byte, error) {
	return cbor.Marshal(w)
}

// Unmarshal deserializes the welcome.
func (w *Welcome) Unmarshal(b []byte) error {
	return cbor.Unmarshal(b, w)
}
