// SPDX-FileCopyrightText: Copyright (C) 2025 the groupwire authors
// SPDX-License-Identifier: AGPL-3.0-only

package ds

import (
	"fmt"

	"github.com/groupwire/groupwire/mlsassist"
	"github.com/groupwire/groupwire/wire"
)

// resyncClient rebinds a client that lost its group state: an external
// commit removes the client's stale leaf and inserts a fresh one. The
// rebinding is authorized by the user auth key alone; the stale leaf's
// credential is not re-verified because the client can no longer produce
// it.
func (g *GroupState) resyncClient(params *wire.ResyncClientParams, senderHash wire.UserKeyHash) error {
	if _, ok := g.userProfiles[senderHash]; !ok {
		return ErrUnknownSender
	}
	if hash, ok := g.userOfLeaf(params.OwnLeafToRemove); !ok || hash != senderHash {
		return fmt.Errorf("%w: resynced leaf not owned by sender", ErrInvalidMessage)
	}
	staleProfile, ok := g.clientProfiles[params.OwnLeafToRemove]
	if !ok {
		return ErrUnknownSender
	}

	pm, err := g.processCommit(&params.ExternalCommit)
	if err != nil {
		return err
	}
	staged := pm.Commit
	if pm.Sender.Kind != mlsassist.SenderNewMemberCommit {
		return fmt.Errorf("%w: resync requires an external commit", ErrInvalidMessage)
	}
	if len(staged.Adds) != 0 {
		return fmt.Errorf("%w: resync must not add members", ErrInvalidMessage)
	}
	if len(staged.Removes) != 1 || staged.Removes[0].Removed != params.OwnLeafToRemove {
		return fmt.Errorf("%w: resync must remove exactly the stale leaf", ErrInvalidMessage)
	}

	credentialInfo := staleProfile.CredentialInfo
	queueRef := staleProfile.QueueConfig
	var aad wire.ResyncClientAad
	if len(pm.AuthenticatedData) != 0 {
		if err := wire.DecodeAad(pm.AuthenticatedData, wire.AadResyncClient, &aad); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		credentialInfo = aad.CredentialInfo
	}

	authKey := append([]byte(nil), g.userProfiles[senderHash].UserAuthKey...)
	g.group.Accept(pm, pastStateRetention)
	g.removeLeafFromLedgers(params.OwnLeafToRemove)
	newIndex := staged.CommitterIndex
	profile, ok := g.userProfiles[senderHash]
	if !ok {
		// The stale leaf was the user's only client; recreate the
		// profile under the same auth key.
		profile = &UserProfile{UserAuthKey: authKey}
		g.userProfiles[senderHash] = profile
	}
	profile.Clients = append(profile.Clients, newIndex)
	g.clientProfiles[newIndex] = &ClientProfile{
		LeafIndex:      newIndex,
		CredentialInfo: credentialInfo,
		QueueConfig:    queueRef,
		ActivityTime:   wire.Now(),
		ActivityEpoch:  staged.NewEpoch,
	}
	return nil
}
