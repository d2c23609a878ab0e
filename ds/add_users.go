// SPDX-FileCopyrightText: Copyright (C) 2025 the groupwire authors
// SPDX-License-Identifier: AGPL-3.0-only

package ds

import (
	"context"
	"fmt"

	eddsa "github.com/katzenpost/hpqc/sign/ed25519"

	"github.com/groupwire/groupwire/crypto/ear"
	"github.com/groupwire/groupwire/mlsassist"
	"github.com/groupwire/groupwire/qs"
	"github.com/groupwire/groupwire/wire"
)

// addUsers applies an add-users commit: every added key package must be
// attested by a fresh key package batch from its owner's queue service,
// the welcome must cover every added client, and the commit's
// authenticated data must carry encrypted credential material for each
// add. Each batch's clients become one unmerged user until a client of
// that user promotes the user with its first update.
func (g *GroupState) addUsers(ctx context.Context, params *wire.AddUsersParams, senderHash wire.UserKeyHash, earKey *ear.GroupStateEarKey, groupID *wire.QualifiedGroupID, connector qs.Connector) ([]*wire.FanOutMessage, error) {
	pm, err := g.processCommit(&params.Commit)
	if err != nil {
		return nil, err
	}
	staged := pm.Commit
	if len(staged.Adds) == 0 {
		return nil, fmt.Errorf("%w: add-users commit without adds", ErrInvalidMessage)
	}
	if len(staged.Removes) != 0 || len(staged.Updates) != 0 {
		return nil, fmt.Errorf("%w: add-users commit with inline removes or updates", ErrInvalidMessage)
	}
	if hash, ok := g.userOfLeaf(staged.CommitterIndex); !ok || hash != senderHash {
		return nil, ErrUnknownSender
	}

	var aad wire.AddUsersAad
	if err := wire.DecodeAad(pm.AuthenticatedData, wire.AadAddUsers, &aad); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := welcomeCovers(&params.Welcome, staged.Adds); err != nil {
		return nil, err
	}

	// Each key package batch attests the clients of one added user.
	// Every add proposal must be covered by exactly one batch issued by
	// the homeserver its queue config points at.
	addsByRef := make(map[mlsassist.KeyPackageRef]*mlsassist.QueuedAddProposal, len(staged.Adds))
	for i := range staged.Adds {
		ref, err := staged.Adds[i].KeyPackage.Ref()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLibrary, err)
		}
		if _, dup := addsByRef[ref]; dup {
			return nil, ErrDuplicatedUserAddition
		}
		addsByRef[ref] = &staged.Adds[i]
	}

	verifyingKeys := make(map[wire.Fqdn]*eddsa.PublicKey)
	covered := make(map[mlsassist.KeyPackageRef]bool)
	var unmerged [][]mlsassist.LeafIndex
	for _, rawBatch := range params.KeyPackageBatches {
		batch := new(qs.KeyPackageBatch)
		if err := batch.Unmarshal(rawBatch); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKeyPackageBatch, err)
		}
		key, ok := verifyingKeys[batch.Homeserver]
		if !ok {
			if key, err = connector.VerifyingKey(ctx, batch.Homeserver); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrVerifyingKeyUnavailable, err)
			}
			verifyingKeys[batch.Homeserver] = key
		}
		verified, err := batch.Verify(key, keyPackageBatchMaxAge)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKeyPackageBatch, err)
		}
		var userClients []mlsassist.LeafIndex
		for _, ref := range verified.Refs() {
			add, ok := addsByRef[ref]
			if !ok {
				return nil, fmt.Errorf("%w: batch covers unknown key package", ErrInvalidKeyPackageBatch)
			}
			if covered[ref] {
				return nil, ErrDuplicatedUserAddition
			}
			covered[ref] = true
			if g.addedLeafIsExistingMember(&add.KeyPackage) {
				return nil, ErrDuplicatedUserAddition
			}
			queueRef, err := queueConfigOf(&add.KeyPackage)
			if err != nil {
				return nil, err
			}
			if queueRef.Homeserver != verified.Homeserver() {
				return nil, fmt.Errorf("%w: queue config domain does not match batch issuer", ErrInvalidKeyPackageBatch)
			}
			userClients = append(userClients, add.AssignedIndex)
		}
		if len(userClients) == 0 {
			return nil, fmt.Errorf("%w: empty batch", ErrInvalidKeyPackageBatch)
		}
		unmerged = append(unmerged, userClients)
	}
	if len(covered) != len(staged.Adds) {
		return nil, fmt.Errorf("%w: adds not covered by any batch", ErrInvalidKeyPackageBatch)
	}

	g.group.Accept(pm, pastStateRetention)
	if err := g.registerAddedClients(staged.Adds, aad.CredentialInfos, staged.NewEpoch); err != nil {
		return nil, err
	}
	g.unmergedUsers = append(g.unmergedUsers, unmerged...)
	g.registerActivity(staged.CommitterIndex)

	return g.welcomeBundlesFor(staged.Adds, params.AttributionInfos, params.EncryptedWelcome, earKey, groupID)
}
