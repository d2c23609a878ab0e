// SPDX-FileCopyrightText: Copyright (C) 2025 the groupwire authors
// SPDX-License-Identifier: AGPL-3.0-only

package ds

import (
	"fmt"

	"github.com/groupwire/groupwire/wire"
)

// removeClients applies a remove-clients commit: the sender removes some
// of their own user's clients. The user auth key is rotated so that the
// removed clients can no longer authenticate as the user.
func (g *GroupState) removeClients(params *wire.RemoveClientsParams, senderHash wire.UserKeyHash) error {
	pm, err := g.processCommit(&params.Commit)
	if err != nil {
		return err
	}
	staged := pm.Commit
	if len(staged.Removes) == 0 {
		return fmt.Errorf("%w: remove-clients commit without removes", ErrInvalidMessage)
	}
	if len(staged.Adds) != 0 || len(staged.Updates) != 0 {
		return fmt.Errorf("%w: remove-clients commit with inline adds or updates", ErrInvalidMessage)
	}
	if hash, ok := g.userOfLeaf(staged.CommitterIndex); !ok || hash != senderHash {
		return ErrUnknownSender
	}
	if len(params.NewUserAuthKey) == 0 {
		return fmt.Errorf("%w: missing new user auth key", ErrInvalidMessage)
	}

	profile := g.userProfiles[senderHash]
	for _, rm := range staged.Removes {
		hash, ok := g.userOfLeaf(rm.Removed)
		if !ok || hash != senderHash {
			return fmt.Errorf("%w: removed leaf not owned by sender", ErrInvalidMessage)
		}
		if rm.Removed == staged.CommitterIndex {
			return fmt.Errorf("%w: sender cannot remove itself here", ErrInvalidMessage)
		}
	}

	newHash := wire.UserKeyHashFromKey(params.NewUserAuthKey)
	if newHash != senderHash && g.userAuthKeyTaken(newHash, &senderHash) {
		return ErrUserAuthKeyCollision
	}

	g.group.Accept(pm, pastStateRetention)
	for _, rm := range staged.Removes {
		g.removeLeafFromLedgers(rm.Removed)
	}
	// removeLeafFromLedgers drops the user profile only when no clients
	// remain; the sender's own leaf always remains here.
	delete(g.userProfiles, senderHash)
	profile.UserAuthKey = append([]byte(nil), params.NewUserAuthKey...)
	g.userProfiles[newHash] = profile
	g.registerActivity(staged.CommitterIndex)
	return nil
}
