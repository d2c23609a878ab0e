// SPDX-FileCopyrightText: Copyright (C) 2025 the groupwire authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package ds implements the delivery service: it tracks encrypted MLS
// group state, validates group operations on behalf of members, and fans
// accepted messages out to member queues.
package ds

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/groupwire/groupwire/crypto/ear"
	"github.com/groupwire/groupwire/mlsassist"
	"github.com/groupwire/groupwire/wire"
)

const (
	// pastStateRetention is how long tree snapshots for welcomed clients
	// are kept.
	pastStateRetention = 90 * 24 * time.Hour

	// keyPackageBatchMaxAge is how long a key package batch stays
	// acceptable after its queue service issued it.
	keyPackageBatchMaxAge = 30 * 24 * time.Hour
)

// UserProfile tracks one user's membership: the leaf indices of their
// clients and the auth key their requests verify under.
type UserProfile struct {
	Clients     []mlsassist.LeafIndex
	UserAuthKey []byte
}

// ClientProfile tracks one member client.
type ClientProfile struct {
	LeafIndex      mlsassist.LeafIndex
	CredentialInfo wire.ClientCredentialInfo
	QueueConfig    wire.QsClientReference
	ActivityTime   wire.TimeStamp
	ActivityEpoch  mlsassist.Epoch
}

// GroupState is the delivery service's full view of one group: the public
// MLS state plus the user and client ledgers. It only ever exists in
// plaintext while a request against the group is processed.
type GroupState struct {
	group *mlsassist.Group

	userProfiles   map[wire.UserKeyHash]*UserProfile
	unmergedUsers  [][]mlsassist.LeafIndex
	clientProfiles map[mlsassist.LeafIndex]*ClientProfile
}

// NewGroupState creates the state of a fresh group whose creator occupies
// leaf zero.
func NewGroupState(group *mlsassist.Group, creatorUserKey []byte, creatorCredential wire.ClientCredentialInfo, creatorQueueRef wire.QsClientReference) *GroupState {
	creatorProfile := &ClientProfile{
		LeafIndex:      0,
		CredentialInfo: creatorCredential,
		QueueConfig:    creatorQueueRef,
		ActivityTime:   wire.Now(),
		ActivityEpoch:  group.Epoch(),
	}
	keyHash := wire.UserKeyHashFromKey(creatorUserKey)
	return &GroupState{
		group: group,
		userProfiles: map[wire.UserKeyHash]*UserProfile{
			keyHash: {
				Clients:     []mlsassist.LeafIndex{0},
				UserAuthKey: append([]byte(nil), creatorUserKey...),
			},
		},
		clientProfiles: map[mlsassist.LeafIndex]*ClientProfile{0: creatorProfile},
	}
}

// Group returns the underlying MLS group state.
func (g *GroupState) Group() *mlsassist.Group { return g.group }

// UserProfile returns the profile of the user with the given key hash.
func (g *GroupState) UserProfile(hash wire.UserKeyHash) (*UserProfile, bool) {
	p, ok := g.userProfiles[hash]
	return p, ok
}

// ClientProfile returns the profile of the client at the given leaf.
func (g *GroupState) ClientProfile(index mlsassist.LeafIndex) (*ClientProfile, bool) {
	p, ok := g.clientProfiles[index]
	return p, ok
}

// userOfLeaf returns the key hash of the merged user owning the leaf.
func (g *GroupState) userOfLeaf(index mlsassist.LeafIndex) (wire.UserKeyHash, bool) {
	for hash, profile := range g.userProfiles {
		for _, client := range profile.Clients {
			if client == index {
				return hash, true
			}
		}
	}
	return wire.UserKeyHash{}, false
}

// isConnectionGroup reports whether the group still awaits its second
// member.
func (g *GroupState) isConnectionGroup() bool {
	return g.group.MemberCount() == 1
}

// destinationClients returns the queue references of every client except
// the one at senderIndex, in leaf order. Destinations are computed before
// a commit mutates the ledgers so removed members still receive it.
func (g *GroupState) destinationClients(senderIndex mlsassist.LeafIndex) []wire.QsClientReference {
	indices := make([]mlsassist.LeafIndex, 0, len(g.clientProfiles))
	for index := range g.clientProfiles {
		if index != senderIndex {
			indices = append(indices, index)
		}
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	refs := make([]wire.QsClientReference, 0, len(indices))
	for _, index := range indices {
		refs = append(refs, g.clientProfiles[index].QueueConfig)
	}
	return refs
}

// allQueueReferences returns every member client's queue reference.
func (g *GroupState) allQueueReferences() []wire.QsClientReference {
	return g.destinationClients(mlsassist.LeafIndex(^uint32(0)))
}

// clientCredentials returns the encrypted credential material of every
// member client in leaf order, as served to joiners.
func (g *GroupState) clientCredentials() []wire.ClientCredentialInfo {
	indices := make([]mlsassist.LeafIndex, 0, len(g.clientProfiles))
	for index := range g.clientProfiles {
		indices = append(indices, index)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	infos := make([]wire.ClientCredentialInfo, 0, len(indices))
	for _, index := range indices {
		infos = append(infos, g.clientProfiles[index].CredentialInfo)
	}
	return infos
}

// registerActivity stamps a client profile with the current time and
// epoch.
func (g *GroupState) registerActivity(index mlsassist.LeafIndex) {
	if profile, ok := g.clientProfiles[index]; ok {
		profile.ActivityTime = wire.Now()
		profile.ActivityEpoch = g.group.Epoch()
	}
}

// userAuthKeyTaken reports whether the given auth key hash is registered
// by any user other than exempt.
func (g *GroupState) userAuthKeyTaken(hash wire.UserKeyHash, exempt *wire.UserKeyHash) bool {
	for registered := range g.userProfiles {
		if exempt != nil && registered == *exempt {
			continue
		}
		if registered == hash {
			return true
		}
	}
	return false
}

// removeLeafFromLedgers drops the leaf from every profile, removing user
// profiles left without clients. It returns the removed client's queue
// reference when a profile existed.
func (g *GroupState) removeLeafFromLedgers(index mlsassist.LeafIndex) (wire.QsClientReference, bool) {
	var queueRef wire.QsClientReference
	profileExisted := false
	if profile, ok := g.clientProfiles[index]; ok {
		queueRef = profile.QueueConfig
		profileExisted = true
		delete(g.clientProfiles, index)
	}
	for hash, profile := range g.userProfiles {
		kept := profile.Clients[:0]
		for _, client := range profile.Clients {
			if client != index {
				kept = append(kept, client)
			}
		}
		profile.Clients = kept
		if len(profile.Clients) == 0 {
			delete(g.userProfiles, hash)
		}
	}
	for i, clients := range g.unmergedUsers {
		kept := clients[:0]
		for _, client := range clients {
			if client != index {
				kept = append(kept, client)
			}
		}
		g.unmergedUsers[i] = kept
	}
	g.pruneEmptyUnmerged()
	return queueRef, profileExisted
}

func (g *GroupState) pruneEmptyUnmerged() {
	kept := g.unmergedUsers[:0]
	for _, clients := range g.unmergedUsers {
		if len(clients) > 0 {
			kept = append(kept, clients)
		}
	}
	g.unmergedUsers = kept
}

// unmergedUserOfLeaf returns the position in the unmerged user list of the
// user owning the leaf.
func (g *GroupState) unmergedUserOfLeaf(index mlsassist.LeafIndex) (int, bool) {
	for i, clients := range g.unmergedUsers {
		for _, client := range clients {
			if client == index {
				return i, true
			}
		}
	}
	return 0, false
}

type storedUserProfile struct {
	KeyHash wire.UserKeyHash
	Profile UserProfile
}

type storedGroupState struct {
	SerializedGroup []byte
	UserProfiles    []storedUserProfile
	UnmergedUsers   [][]mlsassist.LeafIndex
	ClientProfiles  []*ClientProfile
}

func (g *GroupState) marshal() ([]byte, error) {
	serializedGroup, err := g.group.Marshal()
	if err != nil {
		return nil, err
	}
	stored := &storedGroupState{
		SerializedGroup: serializedGroup,
		UnmergedUsers:   g.unmergedUsers,
	}
	hashes := make([]wire.UserKeyHash, 0, len(g.userProfiles))
	for hash := range g.userProfiles {
		hashes = append(hashes, hash)
	}
	sort.Slice(hashes, func(i, j int) bool {
		return bytes.Compare(hashes[i][:], hashes[j][:]) < 0
	})
	for _, hash := range hashes {
		stored.UserProfiles = append(stored.UserProfiles, storedUserProfile{
			KeyHash: hash,
			Profile: *g.userProfiles[hash],
		})
	}
	indices := make([]mlsassist.LeafIndex, 0, len(g.clientProfiles))
	for index := range g.clientProfiles {
		indices = append(indices, index)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	for _, index := range indices {
		stored.ClientProfiles = append(stored.ClientProfiles, g.clientProfiles[index])
	}
	return cbor.Marshal(stored)
}

func unmarshalGroupState(b []byte) (*GroupState, error) {
	stored := new(storedGroupState)
	if err := cbor.Unmarshal(b, stored); err != nil {
		return nil, err
	}
	group, err := mlsassist.UnmarshalGroup(stored.SerializedGroup)
	if err != nil {
		return nil, err
	}
	g := &GroupState{
		group:          group,
		userProfiles:   make(map[wire.UserKeyHash]*UserProfile),
		unmergedUsers:  stored.UnmergedUsers,
		clientProfiles: make(map[mlsassist.LeafIndex]*ClientProfile),
	}
	for _, entry := range stored.UserProfiles {
		profile := entry.Profile
		g.userProfiles[entry.KeyHash] = &profile
	}
	for _, profile := range stored.ClientProfiles {
		g.clientProfiles[profile.LeafIndex] = profile
	}
	return g, nil
}

// Encrypt serializes and encrypts the group state under the given key,
// bound to the group id.
func (g *GroupState) Encrypt(key *ear.GroupStateEarKey, groupID *wire.QualifiedGroupID) ([]byte, error) {
	plaintext, err := g.marshal()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLibrary, err)
	}
	ct, err := key.Encrypt(groupID.Bytes(), plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLibrary, err)
	}
	b, err := ct.Marshal()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLibrary, err)
	}
	return b, nil
}

// DecryptGroupState decrypts and deserializes group state.
func DecryptGroupState(key *ear.GroupStateEarKey, groupID *wire.QualifiedGroupID, ciphertext []byte) (*GroupState, error) {
	ct := new(ear.Ciphertext)
	if err := ct.Unmarshal(ciphertext); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCouldNotDecrypt, err)
	}
	plaintext, err := key.Decrypt(groupID.Bytes(), ct)
	if err != nil {
		return nil, ErrCouldNotDecrypt
	}
	g, err := unmarshalGroupState(plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLibrary, err)
	}
	return g, nil
}
