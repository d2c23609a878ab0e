// SPDX-FileCopyrightText: Copyright (C) 2025 the groupwire authors
// SPDX-License-Identifier: AGPL-3.0-only

package ds

import (
	"bytes"
	"fmt"

	"github.com/groupwire/groupwire/mlsassist"
	"github.com/groupwire/groupwire/wire"
)

// createGroupState builds the state of a new group from the creator's
// material. The group id inside the MLS group info must match the claimed
// qualified group id.
func createGroupState(params *wire.CreateGroupParams, groupID *wire.QualifiedGroupID) (*GroupState, error) {
	if !bytes.Equal(params.GroupInfo.GroupID, groupID.Bytes()) {
		return nil, fmt.Errorf("%w: group info id does not match request", ErrInvalidMessage)
	}
	group, err := mlsassist.NewGroup(&params.GroupInfo, &params.LeafNode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProcessing, err)
	}
	if err := params.CreatorQueueRef.Homeserver.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if len(params.CreatorUserKey) == 0 {
		return nil, fmt.Errorf("%w: missing creator user auth key", ErrInvalidMessage)
	}
	return NewGroupState(group, params.CreatorUserKey, params.CreatorCredential, params.CreatorQueueRef), nil
}

// welcomeInfo serves the tree snapshot for the epoch a welcomed client
// joins at. The requesting key must be registered as a potential joiner
// of that epoch.
func (g *GroupState) welcomeInfo(params *wire.WelcomeInfoParams) ([]byte, error) {
	tree, ok := g.group.PastTreeForJoiner(params.Epoch, params.JoinerKey)
	if !ok {
		return nil, ErrNoWelcomeInfoFound
	}
	b, err := tree.Marshal()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLibrary, err)
	}
	return b, nil
}

// externalCommitInfo serves the material an external joiner needs: the
// current group info, the current tree, and the members' encrypted
// credentials.
func (g *GroupState) externalCommitInfo() (*wire.ExternalCommitInfoOut, error) {
	info, err := g.group.GroupInfo().Marshal()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLibrary, err)
	}
	tree, err := g.group.ExportRatchetTree().Marshal()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLibrary, err)
	}
	return &wire.ExternalCommitInfoOut{
		GroupInfo:            info,
		RatchetTree:          tree,
		EncryptedCredentials: g.clientCredentials(),
	}, nil
}

// connectionGroupInfo is externalCommitInfo restricted to connection
// groups. It is unauthenticated, which is safe only while the group has a
// single member.
func (g *GroupState) connectionGroupInfo() (*wire.ExternalCommitInfoOut, error) {
	if !g.isConnectionGroup() {
		return nil, ErrNotAConnectionGroup
	}
	return g.externalCommitInfo()
}

// sendMessage validates an application message from the client at
// senderIndex. The payload stays opaque; only sender liveness is tracked.
func (g *GroupState) sendMessage(params *wire.SendMessageParams, senderIndex mlsassist.LeafIndex) error {
	if params.Message.Kind != mlsassist.MessageKindPrivate {
		return fmt.Errorf("%w: application messages must be private", ErrInvalidMessage)
	}
	if err := params.Message.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if _, ok := g.clientProfiles[senderIndex]; !ok {
		return ErrUnknownSender
	}
	g.registerActivity(senderIndex)
	return nil
}
