// SPDX-FileCopyrightText: Copyright (C) 2025 the groupwire authors
// SPDX-License-Identifier: AGPL-3.0-only

package ds

import (
	"fmt"

	"github.com/groupwire/groupwire/mlsassist"
	"github.com/groupwire/groupwire/wire"
)

// deleteGroup applies a commit that removes every member other than the
// sender's own clients. It returns the queue references of all members
// before deletion; they form the tombstone that suppresses late fan-out.
func (g *GroupState) deleteGroup(params *wire.DeleteGroupParams, senderHash wire.UserKeyHash) ([]wire.SealedClientReference, error) {
	pm, err := g.processCommit(&params.Commit)
	if err != nil {
		return nil, err
	}
	staged := pm.Commit
	if hash, ok := g.userOfLeaf(staged.CommitterIndex); !ok || hash != senderHash {
		return nil, ErrUnknownSender
	}
	if len(staged.Adds) != 0 {
		return nil, fmt.Errorf("%w: delete commit must not add members", ErrInvalidMessage)
	}

	// The commit must remove every occupied leaf that does not belong to
	// the sender.
	removed := make(map[mlsassist.LeafIndex]bool, len(staged.Removes))
	for _, rm := range staged.Removes {
		removed[rm.Removed] = true
	}
	senderClients := make(map[mlsassist.LeafIndex]bool)
	if profile, ok := g.userProfiles[senderHash]; ok {
		for _, client := range profile.Clients {
			senderClients[client] = true
		}
	}
	for _, member := range g.group.Members() {
		if senderClients[member.Index] {
			continue
		}
		if !removed[member.Index] {
			return nil, ErrIncompleteRemoval
		}
	}

	deletedQueues := make([]wire.SealedClientReference, 0, len(g.clientProfiles))
	for _, ref := range g.allQueueReferences() {
		deletedQueues = append(deletedQueues, ref.Reference)
	}

	g.group.Accept(pm, pastStateRetention)
	for index := range removed {
		g.removeLeafFromLedgers(index)
	}
	return deletedQueues, nil
}
