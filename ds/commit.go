// SPDX-FileCopyrightText: Copyright (C) 2025 the groupwire authors
// SPDX-License-Identifier: AGPL-3.0-only

package ds

import (
	"bytes"
	"fmt"

	"github.com/groupwire/groupwire/crypto/ear"
	"github.com/groupwire/groupwire/crypto/seal"
	"github.com/groupwire/groupwire/mlsassist"
	"github.com/groupwire/groupwire/wire"
)

// processCommit validates an assisted message and requires it to stage a
// commit.
func (g *GroupState) processCommit(msg *mlsassist.AssistedMessage) (*mlsassist.ProcessedMessage, error) {
	pm, err := g.group.Process(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProcessing, err)
	}
	if pm.Kind != mlsassist.ContentCommit {
		return nil, fmt.Errorf("%w: expected a commit", ErrInvalidMessage)
	}
	return pm, nil
}

// queueConfigOf extracts the queue reference a key package carries in its
// queue config extension.
func queueConfigOf(kp *mlsassist.KeyPackage) (wire.QsClientReference, error) {
	var ref wire.QsClientReference
	data, ok := kp.Extension(mlsassist.ExtensionTypeQueueConfig)
	if !ok {
		return ref, ErrMissingQueueConfig
	}
	if err := ref.Unmarshal(data); err != nil {
		return ref, fmt.Errorf("%w: malformed queue config", ErrMissingQueueConfig)
	}
	if err := ref.Homeserver.Validate(); err != nil {
		return ref, fmt.Errorf("%w: %v", ErrMissingQueueConfig, err)
	}
	return ref, nil
}

// welcomeCovers checks that the welcome addresses every added key package.
func welcomeCovers(welcome *mlsassist.Welcome, adds []mlsassist.QueuedAddProposal) error {
	joiners := make(map[mlsassist.KeyPackageRef]bool, len(welcome.Secrets))
	for _, ref := range welcome.Joiners() {
		joiners[ref] = true
	}
	for i := range adds {
		ref, err := adds[i].KeyPackage.Ref()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrLibrary, err)
		}
		if !joiners[ref] {
			return ErrIncompleteWelcome
		}
	}
	return nil
}

// addedLeafIsExistingMember checks whether an added leaf reuses the
// signature key of a leaf already in the tree.
func (g *GroupState) addedLeafIsExistingMember(kp *mlsassist.KeyPackage) bool {
	for _, member := range g.group.Members() {
		if bytes.Equal(member.LeafNode.SignatureKey, kp.LeafNode.SignatureKey) {
			return true
		}
	}
	return false
}

// registerAddedClients creates the client profiles for the adds covered
// by a staged commit. Credential infos come from the commit's
// authenticated data, in add proposal order.
func (g *GroupState) registerAddedClients(adds []mlsassist.QueuedAddProposal, infos []wire.ClientCredentialInfo, epoch mlsassist.Epoch) error {
	if len(infos) != len(adds) {
		return fmt.Errorf("%w: credential count does not match add proposals", ErrInvalidMessage)
	}
	for i, add := range adds {
		queueRef, err := queueConfigOf(&add.KeyPackage)
		if err != nil {
			return err
		}
		g.clientProfiles[add.AssignedIndex] = &ClientProfile{
			LeafIndex:      add.AssignedIndex,
			CredentialInfo: infos[i],
			QueueConfig:    queueRef,
			ActivityTime:   wire.Now(),
			ActivityEpoch:  epoch,
		}
	}
	return nil
}

// welcomeBundlesFor seals the joiner information to every added key
// package's init key and wraps the encrypted welcome for delivery to the
// added clients' queues.
func (g *GroupState) welcomeBundlesFor(adds []mlsassist.QueuedAddProposal, attributions []wire.EncryptedWelcomeAttributionInfo, encryptedWelcome []byte, earKey *ear.GroupStateEarKey, groupID *wire.QualifiedGroupID) ([]*wire.FanOutMessage, error) {
	if len(attributions) != 1 && len(attributions) != len(adds) {
		return nil, fmt.Errorf("%w: attribution count does not match add proposals", ErrInvalidMessage)
	}
	tree, err := g.group.ExportRatchetTree().Marshal()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLibrary, err)
	}
	joinerInfo := &wire.JoinerInformation{
		GroupStateEarKey:           earKey.Bytes(),
		EncryptedClientCredentials: g.clientCredentials(),
		RatchetTree:                tree,
	}
	plaintext, err := joinerInfo.Marshal()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLibrary, err)
	}
	var bundles []*wire.FanOutMessage
	for i, add := range adds {
		sealed, err := seal.ToRecipient(add.KeyPackage.InitKey, plaintext)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLibrary, err)
		}
		sealedBytes, err := sealed.Marshal()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLibrary, err)
		}
		attribution := attributions[0]
		if len(attributions) == len(adds) {
			attribution = attributions[i]
		}
		queueRef, err := queueConfigOf(&add.KeyPackage)
		if err != nil {
			return nil, err
		}
		bundles = append(bundles, &wire.FanOutMessage{
			PayloadType: wire.FanOutWelcomeBundle,
			Welcome: &wire.WelcomeBundle{
				EncryptedWelcome: encryptedWelcome,
				AttributionInfo:  attribution,
				SealedJoinerInfo: sealedBytes,
				QualifiedGroupID: *groupID,
			},
			ClientRef: queueRef,
		})
	}
	return bundles, nil
}
