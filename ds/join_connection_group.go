// SPDX-FileCopyrightText: Copyright (C) 2025 the groupwire authors
// SPDX-License-Identifier: AGPL-3.0-only

package ds

import (
	"fmt"

	"github.com/groupwire/groupwire/mlsassist"
	"github.com/groupwire/groupwire/wire"
)

// joinConnectionGroup applies the external commit through which the
// second party joins a connection group. It is only valid while the group
// still has exactly one member, and it registers the joiner as a new
// user.
func (g *GroupState) joinConnectionGroup(params *wire.JoinConnectionGroupParams) error {
	if !g.isConnectionGroup() {
		return ErrNotAConnectionGroup
	}
	pm, err := g.processCommit(&params.ExternalCommit)
	if err != nil {
		return err
	}
	staged := pm.Commit
	if pm.Sender.Kind != mlsassist.SenderNewMemberCommit {
		return fmt.Errorf("%w: join requires an external commit", ErrInvalidMessage)
	}
	if len(staged.Adds) != 0 || len(staged.Removes) != 0 {
		return fmt.Errorf("%w: connection group join must not add or remove", ErrInvalidMessage)
	}
	if len(params.UserAuthKey) == 0 {
		return fmt.Errorf("%w: missing user auth key", ErrInvalidMessage)
	}
	newHash := wire.UserKeyHashFromKey(params.UserAuthKey)
	if g.userAuthKeyTaken(newHash, nil) {
		return ErrUserAuthKeyCollision
	}

	var aad wire.JoinConnectionGroupAad
	if err := wire.DecodeAad(pm.AuthenticatedData, wire.AadJoinConnectionGroup, &aad); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := params.QsClientRef.Homeserver.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	g.group.Accept(pm, pastStateRetention)
	newIndex := staged.CommitterIndex
	g.userProfiles[newHash] = &UserProfile{
		Clients:     []mlsassist.LeafIndex{newIndex},
		UserAuthKey: append([]byte(nil), params.UserAuthKey...),
	}
	g.clientProfiles[newIndex] = &ClientProfile{
		LeafIndex:      newIndex,
		CredentialInfo: aad.CredentialInfo,
		QueueConfig:    params.QsClientRef,
		ActivityTime:   wire.Now(),
		ActivityEpoch:  staged.NewEpoch,
	}
	return nil
}
