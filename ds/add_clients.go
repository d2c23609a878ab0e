// SPDX-FileCopyrightText: Copyright (C) 2025 the groupwire authors
// SPDX-License-Identifier: AGPL-3.0-only

package ds

import (
	"fmt"

	"github.com/groupwire/groupwire/crypto/ear"
	"github.com/groupwire/groupwire/wire"
)

// addClients applies an add-clients commit: the sender adds further
// clients of their own user. The new leaves join the sender's user
// profile directly, no key package batches are involved.
func (g *GroupState) addClients(params *wire.AddClientsParams, senderHash wire.UserKeyHash, earKey *ear.GroupStateEarKey, groupID *wire.QualifiedGroupID) ([]*wire.FanOutMessage, error) {
	pm, err := g.processCommit(&params.Commit)
	if err != nil {
		return nil, err
	}
	staged := pm.Commit
	if len(staged.Adds) == 0 {
		return nil, fmt.Errorf("%w: add-clients commit without adds", ErrInvalidMessage)
	}
	if len(staged.Removes) != 0 || len(staged.Updates) != 0 {
		return nil, fmt.Errorf("%w: add-clients commit with inline removes or updates", ErrInvalidMessage)
	}
	if hash, ok := g.userOfLeaf(staged.CommitterIndex); !ok || hash != senderHash {
		return nil, ErrUnknownSender
	}

	var aad wire.AddClientsAad
	if err := wire.DecodeAad(pm.AuthenticatedData, wire.AadAddClients, &aad); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := welcomeCovers(&params.Welcome, staged.Adds); err != nil {
		return nil, err
	}
	for i := range staged.Adds {
		if g.addedLeafIsExistingMember(&staged.Adds[i].KeyPackage) {
			return nil, fmt.Errorf("%w: added leaf already a member", ErrInvalidMessage)
		}
	}

	g.group.Accept(pm, pastStateRetention)
	if err := g.registerAddedClients(staged.Adds, aad.CredentialInfos, staged.NewEpoch); err != nil {
		return nil, err
	}
	profile := g.userProfiles[senderHash]
	for _, add := range staged.Adds {
		profile.Clients = append(profile.Clients, add.AssignedIndex)
	}
	g.registerActivity(staged.CommitterIndex)

	attributions := []wire.EncryptedWelcomeAttributionInfo{params.AttributionInfo}
	return g.welcomeBundlesFor(staged.Adds, attributions, params.EncryptedWelcome, earKey, groupID)
}
