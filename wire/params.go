// SPDX-FileCopyrightText: Copyright (C) 2025 the groupwire authors
// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/groupwire/groupwire/mlsassist"
)

// EncryptedClientCredential is a client credential encrypted under the
// credential encryption key shared among the group's members, opaque to
// the backend.
type EncryptedClientCredential []byte

// EncryptedSignatureEarKey is a leaf signature encryption-at-rest key
// encrypted for the group's members, opaque to the backend.
type EncryptedSignatureEarKey []byte

// ClientCredentialInfo pairs the encrypted credential material tracked per
// leaf.
type ClientCredentialInfo struct {
	Credential      EncryptedClientCredential
	SignatureEarKey EncryptedSignatureEarKey
}

// EncryptedWelcomeAttributionInfo attributes a welcome to its sender,
// encrypted for the joiner.
type EncryptedWelcomeAttributionInfo []byte

// CreateGroupParams creates a new group from a previously reserved group
// id. The sender signature is checked against the creator's user auth key.
type CreateGroupParams struct {
	GroupID           QualifiedGroupID
	LeafNode          mlsassist.LeafNode
	GroupInfo         mlsassist.GroupInfo
	CreatorCredential ClientCredentialInfo
	CreatorQueueRef   QsClientReference
	CreatorUserKey    []byte
}

// DeleteGroupParams deletes the group with a commit that removes every
// member other than the sender's clients.
type DeleteGroupParams struct {
	Commit mlsassist.AssistedMessage
}

// WelcomeInfoParams fetches the ratchet tree snapshot a welcomed client
// needs to join at the given epoch. The sender signature is checked
// against JoinerKey, which must be registered as a potential joiner.
type WelcomeInfoParams struct {
	Epoch     mlsassist.Epoch
	JoinerKey []byte
}

// ExternalCommitInfoParams fetches the current group info and tree for an
// external join.
type ExternalCommitInfoParams struct{}

// ConnectionGroupInfoParams fetches the current group info and tree of a
// connection group. Unauthenticated, but only valid on groups with a
// single member.
type ConnectionGroupInfoParams struct{}

// UpdateQsClientReferenceParams points the sender's leaf at a new queue.
type UpdateQsClientReferenceParams struct {
	NewQueueRef QsClientReference
}

// AddUsersParams adds the clients of one or more users with a commit. The
// welcome must address every added key package, and every added key
// package must be attested by one of the serialized key package batches,
// each issued by the added user's queue service.
type AddUsersParams struct {
	Commit            mlsassist.AssistedMessage
	Welcome           mlsassist.Welcome
	EncryptedWelcome  []byte
	AttributionInfos  []EncryptedWelcomeAttributionInfo
	KeyPackageBatches [][]byte
}

// RemoveUsersParams removes all clients of one or more users with a
// commit.
type RemoveUsersParams struct {
	Commit mlsassist.AssistedMessage
}

// AddClientsParams adds clients of the sender's own user with a commit.
type AddClientsParams struct {
	Commit           mlsassist.AssistedMessage
	Welcome          mlsassist.Welcome
	EncryptedWelcome []byte
	AttributionInfo  EncryptedWelcomeAttributionInfo
}

// RemoveClientsParams removes clients of the sender's own user with a
// commit. A new user auth key replaces the old one so that removed
// clients lose authentication.
type RemoveClientsParams struct {
	Commit         mlsassist.AssistedMessage
	NewUserAuthKey []byte
}

// UpdateClientParams updates the sender's own leaf with a commit. An
// unmerged user's first update promotes the user to full membership and
// must carry the user auth key to register.
type UpdateClientParams struct {
	Commit         mlsassist.AssistedMessage
	NewUserAuthKey []byte
}

// JoinGroupParams joins an existing user's new client to the group with an
// external commit. The external commit must remove no leaves other than
// those listed, all of which must belong to the sender's user.
type JoinGroupParams struct {
	ExternalCommit  mlsassist.AssistedMessage
	QsClientRef     QsClientReference
	OwnLeavesToKeep []mlsassist.LeafIndex
}

// JoinConnectionGroupParams joins a connection group with an external
// commit. Valid only while the group has exactly one member.
type JoinConnectionGroupParams struct {
	ExternalCommit mlsassist.AssistedMessage
	QsClientRef    QsClientReference
	UserAuthKey    []byte
}

// ResyncClientParams replaces one of the sender's own leaves with an
// external commit after the client lost its group state. The rebinding is
// authenticated by the user auth key, not the stale leaf credential.
type ResyncClientParams struct {
	ExternalCommit  mlsassist.AssistedMessage
	OwnLeafToRemove mlsassist.LeafIndex
}

// SelfRemoveClientParams queues a remove proposal for the sender's own
// leaf, to be committed by a remaining member.
type SelfRemoveClientParams struct {
	RemoveProposal mlsassist.AssistedMessage
}

// SendMessageParams fans out an application message to the other members.
type SendMessageParams struct {
	Message mlsassist.AssistedMessage
}

// RequestGroupIDParams reserves a fresh group id.
type RequestGroupIDParams struct{}

// DecodeParams unmarshals a payload into the given parameter struct.
func DecodeParams(payload []byte, out interface{}) error {
	return cbor.Unmarshal(payload, out)
}

// EncodeParams marshals a parameter struct into a request payload.
func EncodeParams(in interface{}) ([]byte, error) {
	return cbor.Marshal(in)
}
