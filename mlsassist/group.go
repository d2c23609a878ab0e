// SPDX-FileCopyrightText: Copyright (C) 2025 the groupwire authors
// SPDX-License-Identifier: AGPL-3.0-only

package mlsassist

import (
	"errors"

	"github.com/fxamacker/cbor/v2"
)

var (
	// ErrWrongEpoch is returned when a message targets an epoch other
	// than the group's current one.
	ErrWrongEpoch = errors.New("mlsassist: message epoch does not match group epoch")

	// ErrUnknownSender is returned when a message sender does not
	// resolve to an occupied leaf.
	ErrUnknownSender = errors.New("mlsassist: unknown sender")

	// ErrUnknownProposal is returned when a commit references a proposal
	// that was never queued.
	ErrUnknownProposal = errors.New("mlsassist: referenced proposal not found")

	// ErrInvalidCommit is returned when a commit is structurally invalid
	// or cannot be applied to the current tree.
	ErrInvalidCommit = errors.New("mlsassist: invalid commit")

	// ErrInconsistentGroupContext is returned when the group info
	// attached to a commit disagrees with the group state that results
	// from applying the commit.
	ErrInconsistentGroupContext = errors.New("mlsassist: group info inconsistent with resulting group state")
)

// QueuedProposal is a validated proposal held until a commit covers it.
type QueuedProposal struct {
	Proposal Proposal
	Sender   MessageSender
	Ref      ProposalRef
}

// Group tracks the public state of one MLS group.
type Group struct {
	groupID    GroupID
	epoch      Epoch
	tree       *RatchetTree
	groupInfo  *GroupInfo
	proposals  map[ProposalRef]*QueuedProposal
	pastStates *PastGroupStates
}

// NewGroup creates group state from the creator's group info and initial
// leaf node. The creator occupies leaf zero of a fresh tree at epoch zero.
func NewGroup(groupInfo *GroupInfo, creatorLeaf *LeafNode) (*Group, error) {
	if err := creatorLeaf.Verify(); err != nil {
		return nil, err
	}
	if groupInfo.Epoch != 0 || groupInfo.SignerIndex != 0 {
		return nil, ErrInconsistentGroupContext
	}
	tree := &RatchetTree{Leaves: []*LeafNode{creatorLeaf.Clone()}}
	treeHash, err := tree.Hash()
	if err != nil {
		return nil, err
	}
	if treeHash != groupInfo.TreeHash {
		return nil, ErrInconsistentGroupContext
	}
	if err := groupInfo.VerifyWithKey(creatorLeaf.SignatureKey); err != nil {
		return nil, err
	}
	return &Group{
		groupID:    groupInfo.GroupID,
		epoch:      0,
		tree:       tree,
		groupInfo:  groupInfo.Clone(),
		proposals:  make(map[ProposalRef]*QueuedProposal),
		pastStates: NewPastGroupStates(),
	}, nil
}

// GroupID returns the group identifier.
func (g *Group) GroupID() GroupID { return g.groupID }

// Epoch returns the current epoch.
func (g *Group) Epoch() Epoch { return g.epoch }

// GroupInfo returns the group info of the most recent commit.
func (g *Group) GroupInfo() *GroupInfo { return g.groupInfo.Clone() }

// Leaf returns the leaf at the given index, or nil if blank.
func (g *Group) Leaf(index LeafIndex) *LeafNode { return g.tree.Leaf(index) }

// Members returns all occupied leaves.
func (g *Group) Members() []Member { return g.tree.Members() }

// MemberCount returns the number of occupied leaves.
func (g *Group) MemberCount() int { return len(g.tree.Members()) }

// FreeIndices returns the leaf indices the next additions would occupy.
func (g *Group) FreeIndices() []LeafIndex { return g.tree.FreeIndices() }

// ExportRatchetTree returns a copy of the current tree.
func (g *Group) ExportRatchetTree() *RatchetTree { return g.tree.Clone() }

// PastTreeForJoiner returns the retained tree snapshot for the given epoch
// if joinerKey is registered as a potential joiner of that epoch.
func (g *Group) PastTreeForJoiner(epoch Epoch, joinerKey []byte) (*RatchetTree, bool) {
	return g.pastStates.ForJoiner(epoch, joinerKey)
}

type groupState struct {
	GroupID    GroupID
	Epoch      Epoch
	Tree       *RatchetTree
	GroupInfo  *GroupInfo
	Proposals  []*QueuedProposal
	PastStates *PastGroupStates
}

// Marshal serializes the group state.
func (g *Group) Marshal() ([]byte, error) {
	state := &groupState{
		GroupID:    g.groupID,
		Epoch:      g.epoch,
		Tree:       g.tree,
		GroupInfo:  g.groupInfo,
		PastStates: g.pastStates,
	}
	for _, p := range g.proposals {
		state.Proposals = append(state.Proposals, p)
	}
	return cbor.Marshal(state)
}

// UnmarshalGroup deserializes group state.
func UnmarshalGroup(b []byte) (*Group, error) {
	state := new(groupState)
	if err := cbor.Unmarshal(b, state); err != nil {
		return nil, err
	}
	if state.Tree == nil || state.GroupInfo == nil {
		return nil, errors.New("mlsassist: truncated group state")
	}
	g := &Group{
		groupID:    state.GroupID,
		epoch:      state.Epoch,
		tree:       state.Tree,
		groupInfo:  state.GroupInfo,
		proposals:  make(map[ProposalRef]*QueuedProposal),
		pastStates: state.PastStates,
	}
	if g.pastStates == nil {
		g.pastStates = NewPastGroupStates()
	}
	if g.pastStates.States == nil {
		g.pastStates.States = make(map[Epoch]*PastGroupState)
	}
	for _, p := range state.Proposals {
		g.proposals[p.Ref] = p
	}
	return g, nil
}
