// SPDX-FileCopyrightText: Copyright (C) 2025 the groupwire authors
// SPDX-License-Identifier: AGPL-3.0-only

package ds

import (
	"fmt"

	"github.com/groupwire/groupwire/mlsassist"
	"github.com/groupwire/groupwire/wire"
)

// removeUsers applies a remove-users commit. Removals operate on whole
// users: when a commit removes any client of a user it must remove all of
// them, merged or unmerged.
func (g *GroupState) removeUsers(params *wire.RemoveUsersParams, senderHash wire.UserKeyHash) error {
	pm, err := g.processCommit(&params.Commit)
	if err != nil {
		return err
	}
	staged := pm.Commit
	if len(staged.Removes) == 0 {
		return fmt.Errorf("%w: remove-users commit without removes", ErrInvalidMessage)
	}
	if len(staged.Adds) != 0 || len(staged.Updates) != 0 {
		return fmt.Errorf("%w: remove-users commit with inline adds or updates", ErrInvalidMessage)
	}
	if hash, ok := g.userOfLeaf(staged.CommitterIndex); !ok || hash != senderHash {
		return ErrUnknownSender
	}

	removed := make(map[mlsassist.LeafIndex]bool, len(staged.Removes))
	for _, rm := range staged.Removes {
		removed[rm.Removed] = true
	}
	if err := g.removalCoversWholeUsers(removed); err != nil {
		return err
	}

	g.group.Accept(pm, pastStateRetention)
	for index := range removed {
		g.removeLeafFromLedgers(index)
	}
	g.registerActivity(staged.CommitterIndex)
	return nil
}

// removalCoversWholeUsers checks that the removed set is a union of
// complete per-user client sets.
func (g *GroupState) removalCoversWholeUsers(removed map[mlsassist.LeafIndex]bool) error {
	for _, profile := range g.userProfiles {
		if err := allOrNothing(profile.Clients, removed); err != nil {
			return err
		}
	}
	for _, clients := range g.unmergedUsers {
		if err := allOrNothing(clients, removed); err != nil {
			return err
		}
	}
	return nil
}

func allOrNothing(clients []mlsassist.LeafIndex, removed map[mlsassist.LeafIndex]bool) error {
	hits := 0
	for _, client := range clients {
		if removed[client] {
			hits++
		}
	}
	if hits != 0 && hits != len(clients) {
		return ErrIncompleteRemoval
	}
	return nil
}
