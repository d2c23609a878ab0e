// SPDX-FileCopyrightText: Copyright (C) 2025 the groupwire authors
// SPDX-License-Identifier: AGPL-3.0-only

package mlsassist

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	eddsa "github.com/katzenpost/hpqc/sign/ed25519"
)

// This file provides the client-side construction helpers mirroring what a
// full MLS client would produce. The server never calls them; they exist
// so that group state can be driven end to end from Go code.

// NewLeafNode builds and signs a leaf node.
func NewLeafNode(signer *eddsa.PrivateKey, encryptionKey, credential []byte) (*LeafNode, error) {
	leaf := &LeafNode{
		SignatureKey:  signer.PublicKey().Bytes(),
		EncryptionKey: encryptionKey,
		Credential:    credential,
	}
	if err := leaf.Sign(signer); err != nil {
		return nil, err
	}
	return leaf, nil
}

// NewKeyPackage builds and signs a key package.
func NewKeyPackage(signer *eddsa.PrivateKey, initKey, encryptionKey, credential []byte, extensions []Extension) (*KeyPackage, error) {
	leaf, err := NewLeafNode(signer, encryptionKey, credential)
	if err != nil {
		return nil, err
	}
	kp := &KeyPackage{
		InitKey:    initKey,
		LeafNode:   *leaf,
		Extensions: extensions,
	}
	if err := kp.Sign(signer); err != nil {
		return nil, err
	}
	return kp, nil
}

// CreateGroupInfo builds the epoch zero group info for a fresh group whose
// tree contains only the creator's leaf.
func CreateGroupInfo(signer *eddsa.PrivateKey, groupID GroupID, creatorLeaf *LeafNode) (*GroupInfo, error) {
	tree := &RatchetTree{Leaves: []*LeafNode{creatorLeaf.Clone()}}
	treeHash, err := tree.Hash()
	if err != nil {
		return nil, err
	}
	info := &GroupInfo{
		GroupID:         groupID,
		Epoch:           0,
		TreeHash:        treeHash,
		ConfirmationTag: confirmationTag(groupID, 0, treeHash),
		SignerIndex:     0,
	}
	if err := info.Sign(signer); err != nil {
		return nil, err
	}
	return info, nil
}

// NewProposalMessage builds a signed proposal message from the member at
// senderIndex.
func (g *Group) NewProposalMessage(signer *eddsa.PrivateKey, senderIndex LeafIndex, proposal Proposal, aad []byte) (*AssistedMessage, error) {
	pub := &PublicMessage{
		GroupID:           g.groupID,
		Epoch:             g.epoch,
		Sender:            MessageSender{Kind: SenderMember, LeafIndex: senderIndex},
		ContentType:       ContentTypeProposal,
		AuthenticatedData: aad,
		Proposal:          &proposal,
	}
	if err := pub.Sign(signer); err != nil {
		return nil, err
	}
	return &AssistedMessage{Kind: MessageKindPublic, Public: pub}, nil
}

// CommitBuilder assembles a commit and its group info against a group's
// current state.
type CommitBuilder struct {
	group  *Group
	sender MessageSender
	commit Commit
	aad    []byte
}

// NewCommitBuilder starts a commit from the member at senderIndex.
func (g *Group) NewCommitBuilder(senderIndex LeafIndex) *CommitBuilder {
	return &CommitBuilder{
		group:  g,
		sender: MessageSender{Kind: SenderMember, LeafIndex: senderIndex},
	}
}

// NewExternalCommitBuilder starts an external commit by a non-member whose
// leaf node rides in the update path.
func (g *Group) NewExternalCommitBuilder(path *LeafNode) *CommitBuilder {
	b := &CommitBuilder{
		group:  g,
		sender: MessageSender{Kind: SenderNewMemberCommit},
	}
	b.commit.Path = path.Clone()
	return b
}

// Add appends an inline add proposal.
func (b *CommitBuilder) Add(kp *KeyPackage) *CommitBuilder {
	p := &Proposal{ProposalType: ProposalTypeAdd, Add: &AddProposal{KeyPackage: *kp}}
	b.commit.Proposals = append(b.commit.Proposals, ProposalOrRef{Proposal: p})
	return b
}

// Remove appends an inline remove proposal.
func (b *CommitBuilder) Remove(index LeafIndex) *CommitBuilder {
	p := &Proposal{ProposalType: ProposalTypeRemove, Remove: &RemoveProposal{Removed: index}}
	b.commit.Proposals = append(b.commit.Proposals, ProposalOrRef{Proposal: p})
	return b
}

// Reference appends a reference to a previously queued proposal.
func (b *CommitBuilder) Reference(ref ProposalRef) *CommitBuilder {
	r := ref
	b.commit.Proposals = append(b.commit.Proposals, ProposalOrRef{Reference: &r})
	return b
}

// WithPath sets the committer's new leaf node.
func (b *CommitBuilder) WithPath(leaf *LeafNode) *CommitBuilder {
	b.commit.Path = leaf.Clone()
	return b
}

// WithAad sets the authenticated data of the carrying message.
func (b *CommitBuilder) WithAad(aad []byte) *CommitBuilder {
	b.aad = aad
	return b
}

// Build stages the commit against the group, derives the matching group
// info and signs both with the given key. The signer must hold the key the
// commit verifies under: the committer's current leaf key, or the path
// leaf key when a path is present.
func (b *CommitBuilder) Build(signer *eddsa.PrivateKey) (*AssistedMessage, error) {
	staged, err := b.group.stageCommit(b.sender, &b.commit)
	if err != nil {
		return nil, fmt.Errorf("mlsassist: commit staging failed: %w", err)
	}
	treeHash, err := staged.NewTree.Hash()
	if err != nil {
		return nil, err
	}
	tag := confirmationTag(b.group.groupID, staged.NewEpoch, treeHash)

	pub := &PublicMessage{
		GroupID:           b.group.groupID,
		Epoch:             b.group.epoch,
		Sender:            b.sender,
		ContentType:       ContentTypeCommit,
		AuthenticatedData: b.aad,
		Commit:            &b.commit,
		ConfirmationTag:   tag,
	}
	if err := pub.Sign(signer); err != nil {
		return nil, err
	}
	info := &GroupInfo{
		GroupID:         b.group.groupID,
		Epoch:           staged.NewEpoch,
		TreeHash:        treeHash,
		ConfirmationTag: tag,
		SignerIndex:     staged.CommitterIndex,
	}
	if err := info.Sign(signer); err != nil {
		return nil, err
	}
	return &AssistedMessage{Kind: MessageKindPublic, Public: pub, GroupInfo: info}, nil
}

// NewWelcome builds a welcome addressing every given key package.
func NewWelcome(keyPackages []*KeyPackage, ciphertexts [][]byte) (*Welcome, error) {
	if len(ciphertexts) != 0 && len(ciphertexts) != len(keyPackages) {
		return nil, fmt.Errorf("mlsassist: ciphertext count mismatch")
	}
	w := new(Welcome)
	for i, kp := range keyPackages {
		ref, err := kp.Ref()
		if err != nil {
			return nil, err
		}
		egs := EncryptedGroupSecrets{KeyPackageRef: ref}
		if len(ciphertexts) != 0 {
			egs.Ciphertext = ciphertexts[i]
		}
		w.Secrets = append(w.Secrets, egs)
	}
	return w, nil
}

func confirmationTag(groupID GroupID, epoch Epoch, treeHash [32]byte) []byte {
	h := sha256.New()
	h.Write([]byte("confirmation"))
	h.Write(groupID)
	var e [8]byte
	binary.BigEndian.PutUint64(e[:], uint64(epoch))
	h.Write(e[:])
	h.Write(treeHash[:])
	return h.Sum(nil)
}
