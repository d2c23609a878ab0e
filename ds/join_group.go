// SPDX-FileCopyrightText: Copyright (C) 2025 the groupwire authors
// SPDX-License-Identifier: AGPL-3.0-only

package ds

import (
	"fmt"

	"github.com/groupwire/groupwire/mlsassist"
	"github.com/groupwire/groupwire/wire"
)

// joinGroup applies an external commit through which an existing user
// joins one of their new clients to the group. The commit may remove
// leaves only if they belong to the sender's own user.
func (g *GroupState) joinGroup(params *wire.JoinGroupParams, senderHash wire.UserKeyHash) error {
	profile, ok := g.userProfiles[senderHash]
	if !ok {
		return ErrUnknownSender
	}
	pm, err := g.processCommit(&params.ExternalCommit)
	if err != nil {
		return err
	}
	staged := pm.Commit
	if pm.Sender.Kind != mlsassist.SenderNewMemberCommit {
		return fmt.Errorf("%w: join requires an external commit", ErrInvalidMessage)
	}
	if len(staged.Adds) != 0 {
		return fmt.Errorf("%w: external join must not add members", ErrInvalidMessage)
	}
	removed := make(map[mlsassist.LeafIndex]bool, len(staged.Removes))
	for _, rm := range staged.Removes {
		hash, ok := g.userOfLeaf(rm.Removed)
		if !ok || hash != senderHash {
			return fmt.Errorf("%w: removed leaf not owned by sender", ErrInvalidMessage)
		}
		removed[rm.Removed] = true
	}

	// The commit must account for every existing client of the user:
	// each is either declared kept or removed, never silently dropped
	// from the declaration.
	keep := make(map[mlsassist.LeafIndex]bool, len(params.OwnLeavesToKeep))
	for _, index := range params.OwnLeavesToKeep {
		if hash, ok := g.userOfLeaf(index); !ok || hash != senderHash {
			return fmt.Errorf("%w: kept leaf not owned by sender", ErrInvalidMessage)
		}
		if removed[index] {
			return fmt.Errorf("%w: leaf both kept and removed", ErrInvalidMessage)
		}
		keep[index] = true
	}
	for _, client := range profile.Clients {
		if !keep[client] && !removed[client] {
			return fmt.Errorf("%w: client neither kept nor removed", ErrInvalidMessage)
		}
	}

	var aad wire.JoinGroupAad
	if err := wire.DecodeAad(pm.AuthenticatedData, wire.AadJoinGroup, &aad); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := params.QsClientRef.Homeserver.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	g.group.Accept(pm, pastStateRetention)
	for _, rm := range staged.Removes {
		g.removeLeafFromLedgers(rm.Removed)
	}
	newIndex := staged.CommitterIndex
	profile.Clients = append(profile.Clients, newIndex)
	g.clientProfiles[newIndex] = &ClientProfile{
		LeafIndex:      newIndex,
		CredentialInfo: aad.CredentialInfo,
		QueueConfig:    params.QsClientRef,
		ActivityTime:   wire.Now(),
		ActivityEpoch:  staged.NewEpoch,
	}
	return nil
}
