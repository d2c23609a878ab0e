// SPDX-FileCopyrightText: Copyright (C) 2025 the groupwire authors
// SPDX-License-Identifier: AGPL-3.0-only

package mlsassist

import (
	"fmt"
	"time"
)

// ProcessedContentKind enumerates what a processed message contained.
type ProcessedContentKind uint8

const (
	ContentCommit ProcessedContentKind = iota
	ContentProposal
	ContentPrivate
)

// QueuedAddProposal is an add covered by a staged commit, with the leaf
// index the new member was assigned.
type QueuedAddProposal struct {
	Sender        MessageSender
	KeyPackage    KeyPackage
	AssignedIndex LeafIndex
}

// QueuedRemoveProposal is a remove covered by a staged commit.
type QueuedRemoveProposal struct {
	Sender  MessageSender
	Removed LeafIndex
}

// QueuedUpdateProposal is an update covered by a staged commit.
type QueuedUpdateProposal struct {
	Sender   MessageSender
	LeafNode LeafNode
}

// StagedCommit is a fully validated commit that has not yet been merged
// into the group state.
type StagedCommit struct {
	Adds           []QueuedAddProposal
	Removes        []QueuedRemoveProposal
	Updates        []QueuedUpdateProposal
	NewEpoch       Epoch
	NewTree        *RatchetTree
	CommitterIndex LeafIndex
	GroupInfo      *GroupInfo
}

// ProcessedMessage is the result of validating an assisted message against
// the group state. Commits and proposals are staged; Accept merges them.
type ProcessedMessage struct {
	Kind              ProcessedContentKind
	Sender            MessageSender
	AuthenticatedData []byte
	Commit            *StagedCommit
	Proposal          *QueuedProposal
	Private           []byte
}

// Process validates an assisted message against the current group state
// without mutating it.
func (g *Group) Process(msg *AssistedMessage) (*ProcessedMessage, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	if msg.Kind == MessageKindPrivate {
		return &ProcessedMessage{Kind: ContentPrivate, Private: msg.Private}, nil
	}

	pub := msg.Public
	if string(pub.GroupID) != string(g.groupID) {
		return nil, ErrInconsistentGroupContext
	}
	if pub.Epoch != g.epoch {
		return nil, ErrWrongEpoch
	}

	switch pub.ContentType {
	case ContentTypeProposal:
		return g.processProposal(pub)
	case ContentTypeCommit:
		return g.processCommit(pub, msg.GroupInfo)
	default:
		return nil, ErrLibrary
	}
}

func (g *Group) processProposal(pub *PublicMessage) (*ProcessedMessage, error) {
	if pub.Sender.Kind != SenderMember {
		return nil, ErrUnknownSender
	}
	leaf := g.tree.Leaf(pub.Sender.LeafIndex)
	if leaf == nil {
		return nil, ErrUnknownSender
	}
	if err := pub.VerifyWithKey(leaf.SignatureKey); err != nil {
		return nil, err
	}
	ref, err := pub.Ref()
	if err != nil {
		return nil, err
	}
	return &ProcessedMessage{
		Kind:              ContentProposal,
		Sender:            pub.Sender,
		AuthenticatedData: pub.AuthenticatedData,
		Proposal: &QueuedProposal{
			Proposal: *pub.Proposal,
			Sender:   pub.Sender,
			Ref:      ref,
		},
	}, nil
}

func (g *Group) processCommit(pub *PublicMessage, info *GroupInfo) (*ProcessedMessage, error) {
	if info == nil {
		return nil, fmt.Errorf("%w: commit without group info", ErrInvalidCommit)
	}
	commit := pub.Commit

	// Establish the signature key the commit and its group info must
	// verify under. A committer that sends an update path signs with the
	// key of the new leaf.
	var signerKey []byte
	switch pub.Sender.Kind {
	case SenderMember:
		leaf := g.tree.Leaf(pub.Sender.LeafIndex)
		if leaf == nil {
			return nil, ErrUnknownSender
		}
		signerKey = leaf.SignatureKey
		if commit.Path != nil {
			if err := commit.Path.Verify(); err != nil {
				return nil, err
			}
			signerKey = commit.Path.SignatureKey
		}
	case SenderNewMemberCommit:
		if commit.Path == nil {
			return nil, fmt.Errorf("%w: external commit without update path", ErrInvalidCommit)
		}
		if err := commit.Path.Verify(); err != nil {
			return nil, err
		}
		signerKey = commit.Path.SignatureKey
	default:
		return nil, ErrUnknownSender
	}

	if err := pub.VerifyWithKey(signerKey); err != nil {
		return nil, err
	}

	staged, err := g.stageCommit(pub.Sender, commit)
	if err != nil {
		return nil, err
	}

	newHash, err := staged.NewTree.Hash()
	if err != nil {
		return nil, err
	}
	switch {
	case string(info.GroupID) != string(g.groupID),
		info.Epoch != staged.NewEpoch,
		info.TreeHash != newHash,
		string(info.ConfirmationTag) != string(pub.ConfirmationTag),
		info.SignerIndex != staged.CommitterIndex:
		return nil, ErrInconsistentGroupContext
	}
	if err := info.VerifyWithKey(signerKey); err != nil {
		return nil, err
	}
	staged.GroupInfo = info.Clone()

	return &ProcessedMessage{
		Kind:              ContentCommit,
		Sender:            pub.Sender,
		AuthenticatedData: pub.AuthenticatedData,
		Commit:            staged,
	}, nil
}

// stageCommit resolves the commit's proposals and applies them to a copy
// of the tree. It performs structural validation only; signature checks on
// the carrying message happen in the caller.
func (g *Group) stageCommit(sender MessageSender, commit *Commit) (*StagedCommit, error) {
	staged := &StagedCommit{NewEpoch: g.epoch + 1}

	for _, por := range commit.Proposals {
		var proposal Proposal
		proposalSender := sender
		switch {
		case por.Reference != nil:
			queued, ok := g.proposals[*por.Reference]
			if !ok {
				return nil, ErrUnknownProposal
			}
			proposal = queued.Proposal
			proposalSender = queued.Sender
		case por.Proposal != nil:
			proposal = *por.Proposal
		default:
			return nil, fmt.Errorf("%w: empty proposal entry", ErrInvalidCommit)
		}

		switch proposal.ProposalType {
		case ProposalTypeAdd:
			if proposal.Add == nil {
				return nil, fmt.Errorf("%w: add proposal missing body", ErrInvalidCommit)
			}
			if err := proposal.Add.KeyPackage.Verify(); err != nil {
				return nil, err
			}
			staged.Adds = append(staged.Adds, QueuedAddProposal{
				Sender:     proposalSender,
				KeyPackage: proposal.Add.KeyPackage,
			})
		case ProposalTypeRemove:
			if proposal.Remove == nil {
				return nil, fmt.Errorf("%w: remove proposal missing body", ErrInvalidCommit)
			}
			staged.Removes = append(staged.Removes, QueuedRemoveProposal{
				Sender:  proposalSender,
				Removed: proposal.Remove.Removed,
			})
		case ProposalTypeUpdate:
			if proposal.Update == nil {
				return nil, fmt.Errorf("%w: update proposal missing body", ErrInvalidCommit)
			}
			if err := proposal.Update.LeafNode.Verify(); err != nil {
				return nil, err
			}
			staged.Updates = append(staged.Updates, QueuedUpdateProposal{
				Sender:   proposalSender,
				LeafNode: proposal.Update.LeafNode,
			})
		default:
			return nil, fmt.Errorf("%w: unknown proposal type", ErrInvalidCommit)
		}
	}

	tree := g.tree.Clone()

	for _, update := range staged.Updates {
		if update.Sender.Kind != SenderMember {
			return nil, fmt.Errorf("%w: update from non-member", ErrInvalidCommit)
		}
		leaf := update.LeafNode
		if err := tree.SetLeaf(update.Sender.LeafIndex, &leaf); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCommit, err)
		}
	}
	for _, remove := range staged.Removes {
		if err := tree.BlankLeaf(remove.Removed); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCommit, err)
		}
	}
	for i := range staged.Adds {
		leaf := staged.Adds[i].KeyPackage.LeafNode
		staged.Adds[i].AssignedIndex = tree.AddLeaf(&leaf)
	}

	switch sender.Kind {
	case SenderMember:
		staged.CommitterIndex = sender.LeafIndex
		if commit.Path != nil {
			if err := tree.SetLeaf(sender.LeafIndex, commit.Path.Clone()); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidCommit, err)
			}
		}
	case SenderNewMemberCommit:
		staged.CommitterIndex = tree.AddLeaf(commit.Path.Clone())
	}

	staged.NewTree = tree
	return staged, nil
}

// Accept merges a processed message into the group state. For commits the
// outgoing tree is snapshotted for the new epoch so that the added clients
// can fetch it, and snapshots older than the retention period are pruned.
func (g *Group) Accept(pm *ProcessedMessage, retention time.Duration) {
	switch pm.Kind {
	case ContentProposal:
		g.proposals[pm.Proposal.Ref] = pm.Proposal
	case ContentCommit:
		staged := pm.Commit
		joinerKeys := make([][]byte, 0, len(staged.Adds))
		for _, add := range staged.Adds {
			joinerKeys = append(joinerKeys, add.KeyPackage.LeafNode.SignatureKey)
		}
		g.pastStates.Add(staged.NewEpoch, staged.NewTree, joinerKeys)
		g.pastStates.PruneExpired(retention)
		g.tree = staged.NewTree
		g.epoch = staged.NewEpoch
		g.groupInfo = staged.GroupInfo
		g.proposals = make(map[ProposalRef]*QueuedProposal)
	case ContentPrivate:
	}
}
