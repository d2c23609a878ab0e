// SPDX-FileCopyrightText: Copyright (C) 2025 the groupwire authors
// SPDX-License-Identifier: AGPL-3.0-only

package ds

import (
	"fmt"

	"github.com/groupwire/groupwire/mlsassist"
	"github.com/groupwire/groupwire/wire"
)

// updateClient applies an update commit from the client at senderIndex.
// The first update of an unmerged user's client promotes the whole user
// to full membership by registering the supplied user auth key.
func (g *GroupState) updateClient(params *wire.UpdateClientParams, senderIndex mlsassist.LeafIndex) error {
	pm, err := g.processCommit(&params.Commit)
	if err != nil {
		return err
	}
	staged := pm.Commit
	if staged.CommitterIndex != senderIndex {
		return fmt.Errorf("%w: commit not sent by the request sender", ErrInvalidMessage)
	}
	if len(staged.Adds) != 0 || len(staged.Removes) != 0 {
		return fmt.Errorf("%w: update commit must not add or remove", ErrInvalidMessage)
	}

	var aad wire.UpdateClientAad
	if len(pm.AuthenticatedData) != 0 {
		if err := wire.DecodeAad(pm.AuthenticatedData, wire.AadUpdateClient, &aad); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
	}

	if _, merged := g.userOfLeaf(senderIndex); !merged {
		// Promotion path: the sender's user is still unmerged.
		pos, ok := g.unmergedUserOfLeaf(senderIndex)
		if !ok {
			return ErrUnknownSender
		}
		if len(params.NewUserAuthKey) == 0 {
			return fmt.Errorf("%w: unmerged user update without user auth key", ErrInvalidMessage)
		}
		newHash := wire.UserKeyHashFromKey(params.NewUserAuthKey)
		if g.userAuthKeyTaken(newHash, nil) {
			return ErrUserAuthKeyCollision
		}
		clients := g.unmergedUsers[pos]
		g.unmergedUsers = append(g.unmergedUsers[:pos], g.unmergedUsers[pos+1:]...)
		g.userProfiles[newHash] = &UserProfile{
			Clients:     append([]mlsassist.LeafIndex(nil), clients...),
			UserAuthKey: append([]byte(nil), params.NewUserAuthKey...),
		}
	} else if len(params.NewUserAuthKey) != 0 {
		senderHash, _ := g.userOfLeaf(senderIndex)
		newHash := wire.UserKeyHashFromKey(params.NewUserAuthKey)
		if newHash != senderHash {
			if g.userAuthKeyTaken(newHash, &senderHash) {
				return ErrUserAuthKeyCollision
			}
			profile := g.userProfiles[senderHash]
			delete(g.userProfiles, senderHash)
			profile.UserAuthKey = append([]byte(nil), params.NewUserAuthKey...)
			g.userProfiles[newHash] = profile
		}
	}

	g.group.Accept(pm, pastStateRetention)
	if aad.OptionCredentialInfo != nil {
		if profile, ok := g.clientProfiles[senderIndex]; ok {
			profile.CredentialInfo = *aad.OptionCredentialInfo
		}
	}
	g.registerActivity(senderIndex)
	return nil
}

// updateQueueConfig points the sender's client profile at a new queue.
func (g *GroupState) updateQueueConfig(params *wire.UpdateQsClientReferenceParams, senderIndex mlsassist.LeafIndex) error {
	profile, ok := g.clientProfiles[senderIndex]
	if !ok {
		return ErrUnknownSender
	}
	if err := params.NewQueueRef.Homeserver.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	profile.QueueConfig = params.NewQueueRef
	g.registerActivity(senderIndex)
	return nil
}
