// SPDX-FileCopyrightText: Copyright (C) 2025 the groupwire authors
// SPDX-License-Identifier: AGPL-3.0-only

package mlsassist

import (
	"testing"
	"time"

	"github.com/katzenpost/hpqc/rand"
	eddsa "github.com/katzenpost/hpqc/sign/ed25519"
	"github.com/stretchr/testify/require"
)

const testRetention = time.Hour

func newSigner(t *testing.T) *eddsa.PrivateKey {
	priv, _, err := eddsa.NewKeypair(rand.Reader)
	require.NoError(t, err)
	return priv
}

func newTestGroup(t *testing.T) (*Group, *eddsa.PrivateKey) {
	require := require.New(t)
	signer := newSigner(t)
	leaf, err := NewLeafNode(signer, []byte("creator-enc-key"), []byte("creator-cred"))
	require.NoError(err)
	info, err := CreateGroupInfo(signer, GroupID("test-group"), leaf)
	require.NoError(err)
	group, err := NewGroup(info, leaf)
	require.NoError(err)
	return group, signer
}

func newTestKeyPackage(t *testing.T, credential string) (*KeyPackage, *eddsa.PrivateKey) {
	require := require.New(t)
	signer := newSigner(t)
	kp, err := NewKeyPackage(signer, []byte("init-key"), []byte("enc-key"), []byte(credential), nil)
	require.NoError(err)
	return kp, signer
}

func TestNewGroup(t *testing.T) {
	require := require.New(t)
	group, _ := newTestGroup(t)
	require.Equal(Epoch(0), group.Epoch())
	require.Equal(1, group.MemberCount())
	require.NotNil(group.Leaf(0))
}

func TestNewGroupRejectsForeignGroupInfo(t *testing.T) {
	require := require.New(t)
	signer := newSigner(t)
	other := newSigner(t)
	leaf, err := NewLeafNode(signer, []byte("enc"), []byte("cred"))
	require.NoError(err)
	info, err := CreateGroupInfo(other, GroupID("g"), leaf)
	require.NoError(err)
	_, err = NewGroup(info, leaf)
	require.ErrorIs(err, ErrInvalidSignature)
}

func TestAddCommit(t *testing.T) {
	require := require.New(t)
	group, creator := newTestGroup(t)
	kp, _ := newTestKeyPackage(t, "joiner-cred")

	msg, err := group.NewCommitBuilder(0).Add(kp).Build(creator)
	require.NoError(err)

	pm, err := group.Process(msg)
	require.NoError(err)
	require.Equal(ContentCommit, pm.Kind)
	require.Len(pm.Commit.Adds, 1)
	require.Equal(LeafIndex(1), pm.Commit.Adds[0].AssignedIndex)

	group.Accept(pm, testRetention)
	require.Equal(Epoch(1), group.Epoch())
	require.Equal(2, group.MemberCount())
	require.Equal(kp.LeafNode.SignatureKey, group.Leaf(1).SignatureKey)
}

func TestCommitWrongEpoch(t *testing.T) {
	require := require.New(t)
	group, creator := newTestGroup(t)
	kp, _ := newTestKeyPackage(t, "cred")

	msg, err := group.NewCommitBuilder(0).Add(kp).Build(creator)
	require.NoError(err)
	pm, err := group.Process(msg)
	require.NoError(err)
	group.Accept(pm, testRetention)

	// Replaying against the advanced epoch must fail.
	_, err = group.Process(msg)
	require.ErrorIs(err, ErrWrongEpoch)
}

func TestCommitTamperedGroupInfo(t *testing.T) {
	require := require.New(t)
	group, creator := newTestGroup(t)
	kp, _ := newTestKeyPackage(t, "cred")

	msg, err := group.NewCommitBuilder(0).Add(kp).Build(creator)
	require.NoError(err)
	msg.GroupInfo.Epoch = 7
	_, err = group.Process(msg)
	require.Error(err)
}

func TestCommitRequiresGroupInfo(t *testing.T) {
	require := require.New(t)
	group, creator := newTestGroup(t)
	kp, _ := newTestKeyPackage(t, "cred")

	msg, err := group.NewCommitBuilder(0).Add(kp).Build(creator)
	require.NoError(err)
	msg.GroupInfo = nil
	_, err = group.Process(msg)
	require.ErrorIs(err, ErrInvalidCommit)
}

func TestProposalAndCommitByReference(t *testing.T) {
	require := require.New(t)
	group, creator := newTestGroup(t)
	kp, joinerSigner := newTestKeyPackage(t, "cred")

	addMsg, err := group.NewCommitBuilder(0).Add(kp).Build(creator)
	require.NoError(err)
	pm, err := group.Process(addMsg)
	require.NoError(err)
	group.Accept(pm, testRetention)

	// The joiner proposes its own removal.
	removeProposal := Proposal{
		ProposalType: ProposalTypeRemove,
		Remove:       &RemoveProposal{Removed: 1},
	}
	propMsg, err := group.NewProposalMessage(joinerSigner, 1, removeProposal, nil)
	require.NoError(err)
	propPm, err := group.Process(propMsg)
	require.NoError(err)
	require.Equal(ContentProposal, propPm.Kind)
	group.Accept(propPm, testRetention)

	// The creator commits the queued proposal by reference.
	commitMsg, err := group.NewCommitBuilder(0).Reference(propPm.Proposal.Ref).Build(creator)
	require.NoError(err)
	commitPm, err := group.Process(commitMsg)
	require.NoError(err)
	require.Len(commitPm.Commit.Removes, 1)
	require.Equal(LeafIndex(1), commitPm.Commit.Removes[0].Removed)

	group.Accept(commitPm, testRetention)
	require.Equal(1, group.MemberCount())
	require.Nil(group.Leaf(1))
}

func TestCommitUnknownReference(t *testing.T) {
	require := require.New(t)
	group, creator := newTestGroup(t)

	var ref ProposalRef
	copy(ref[:], []byte("no such proposal ref, padded....."))
	_, err := group.NewCommitBuilder(0).Reference(ref).Build(creator)
	require.ErrorIs(err, ErrUnknownProposal)
}

func TestExternalCommitJoin(t *testing.T) {
	require := require.New(t)
	group, _ := newTestGroup(t)

	joinerSigner := newSigner(t)
	joinerLeaf, err := NewLeafNode(joinerSigner, []byte("enc"), []byte("joiner-cred"))
	require.NoError(err)

	msg, err := group.NewExternalCommitBuilder(joinerLeaf).Build(joinerSigner)
	require.NoError(err)
	pm, err := group.Process(msg)
	require.NoError(err)
	require.Equal(SenderNewMemberCommit, pm.Sender.Kind)
	require.Equal(LeafIndex(1), pm.Commit.CommitterIndex)

	group.Accept(pm, testRetention)
	require.Equal(2, group.MemberCount())
	require.Equal(joinerLeaf.SignatureKey, group.Leaf(1).SignatureKey)
}

func TestExternalCommitResync(t *testing.T) {
	require := require.New(t)
	group, creator := newTestGroup(t)
	kp, _ := newTestKeyPackage(t, "cred")

	addMsg, err := group.NewCommitBuilder(0).Add(kp).Build(creator)
	require.NoError(err)
	pm, err := group.Process(addMsg)
	require.NoError(err)
	group.Accept(pm, testRetention)

	// The joiner resyncs: a fresh leaf replaces the stale one through an
	// external commit that removes leaf 1.
	freshSigner := newSigner(t)
	freshLeaf, err := NewLeafNode(freshSigner, []byte("enc2"), []byte("cred"))
	require.NoError(err)
	resyncMsg, err := group.NewExternalCommitBuilder(freshLeaf).Remove(1).Build(freshSigner)
	require.NoError(err)
	resyncPm, err := group.Process(resyncMsg)
	require.NoError(err)
	require.Equal(LeafIndex(1), resyncPm.Commit.CommitterIndex)

	group.Accept(resyncPm, testRetention)
	require.Equal(2, group.MemberCount())
	require.Equal(freshLeaf.SignatureKey, group.Leaf(1).SignatureKey)
}

func TestUpdateCommitWithPath(t *testing.T) {
	require := require.New(t)
	group, _ := newTestGroup(t)

	newSignerKey := newSigner(t)
	newLeaf, err := NewLeafNode(newSignerKey, []byte("rotated-enc"), []byte("creator-cred"))
	require.NoError(err)

	msg, err := group.NewCommitBuilder(0).WithPath(newLeaf).Build(newSignerKey)
	require.NoError(err)
	pm, err := group.Process(msg)
	require.NoError(err)
	group.Accept(pm, testRetention)

	require.Equal(newLeaf.SignatureKey, group.Leaf(0).SignatureKey)
	require.Equal(Epoch(1), group.Epoch())
}

func TestPastTreeForJoiner(t *testing.T) {
	require := require.New(t)
	group, creator := newTestGroup(t)
	kp, _ := newTestKeyPackage(t, "cred")

	msg, err := group.NewCommitBuilder(0).Add(kp).Build(creator)
	require.NoError(err)
	pm, err := group.Process(msg)
	require.NoError(err)
	group.Accept(pm, testRetention)

	tree, ok := group.PastTreeForJoiner(1, kp.LeafNode.SignatureKey)
	require.True(ok)
	require.Equal(2, len(tree.Leaves))

	_, ok = group.PastTreeForJoiner(1, []byte("some other key"))
	require.False(ok)
	_, ok = group.PastTreeForJoiner(9, kp.LeafNode.SignatureKey)
	require.False(ok)
}

func TestGroupSerialization(t *testing.T) {
	require := require.New(t)
	group, creator := newTestGroup(t)
	kp, _ := newTestKeyPackage(t, "cred")

	msg, err := group.NewCommitBuilder(0).Add(kp).Build(creator)
	require.NoError(err)
	pm, err := group.Process(msg)
	require.NoError(err)
	group.Accept(pm, testRetention)

	b, err := group.Marshal()
	require.NoError(err)
	restored, err := UnmarshalGroup(b)
	require.NoError(err)

	require.Equal(group.Epoch(), restored.Epoch())
	require.Equal(group.MemberCount(), restored.MemberCount())
	treeHash, err := group.ExportRatchetTree().Hash()
	require.NoError(err)
	restoredHash, err := restored.ExportRatchetTree().Hash()
	require.NoError(err)
	require.Equal(treeHash, restoredHash)

	// Past states survive the round trip.
	_, ok := restored.PastTreeForJoiner(1, kp.LeafNode.SignatureKey)
	require.True(ok)
}

func TestKeyPackageTampering(t *testing.T) {
	require := require.New(t)
	kp, _ := newTestKeyPackage(t, "cred")
	require.NoError(kp.Verify())
	kp.InitKey = []byte("swapped")
	require.ErrorIs(kp.Verify(), ErrInvalidSignature)
}

func TestTreeFreeIndices(t *testing.T) {
	require := require.New(t)
	tree := &RatchetTree{}
	leafA := &LeafNode{SignatureKey: []byte("a")}
	leafB := &LeafNode{SignatureKey: []byte("b")}
	require.Equal(LeafIndex(0), tree.AddLeaf(leafA))
	require.Equal(LeafIndex(1), tree.AddLeaf(leafB))
	require.NoError(tree.BlankLeaf(0))
	free := tree.FreeIndices()
	require.Equal(LeafIndex(0), free[0])
	// The freed leaf is reused first.
	leafC := &LeafNode{SignatureKey: []byte("c")}
	require.Equal(LeafIndex(0), tree.AddLeaf(leafC))
}
