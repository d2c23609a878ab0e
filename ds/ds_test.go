// SPDX-FileCopyrightText: Copyright (C) 2025 the groupwire authors
// SPDX-License-Identifier: AGPL-3.0-only

package ds

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/katzenpost/hpqc/nike"
	"github.com/katzenpost/hpqc/rand"
	eddsa "github.com/katzenpost/hpqc/sign/ed25519"
	"github.com/stretchr/testify/require"

	"github.com/groupwire/groupwire/core/log"
	"github.com/groupwire/groupwire/crypto/ear"
	"github.com/groupwire/groupwire/crypto/seal"
	"github.com/groupwire/groupwire/ds/state"
	"github.com/groupwire/groupwire/ds/state/memstate"
	"github.com/groupwire/groupwire/mlsassist"
	"github.com/groupwire/groupwire/qs"
	"github.com/groupwire/groupwire/wire"
)

const (
	testDomain       = "ds.example.com"
	remoteHomeserver = "hs.example.org"
)

// mockConnector is a queue service connector that records every dispatch
// and signs key package batches with a single test key.
type mockConnector struct {
	mu          sync.Mutex
	qsSigner    *eddsa.PrivateKey
	dispatched  []*wire.FanOutMessage
	failDomains map[wire.Fqdn]bool
}

func newMockConnector(t *testing.T) *mockConnector {
	signer, _, err := eddsa.NewKeypair(rand.Reader)
	require.NoError(t, err)
	return &mockConnector{
		qsSigner:    signer,
		failDomains: make(map[wire.Fqdn]bool),
	}
}

func (m *mockConnector) Dispatch(_ context.Context, msg *wire.FanOutMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failDomains[msg.ClientRef.Homeserver] {
		return errors.New("mock: dispatch refused")
	}
	m.dispatched = append(m.dispatched, msg)
	return nil
}

func (m *mockConnector) VerifyingKey(_ context.Context, _ wire.Fqdn) (*eddsa.PublicKey, error) {
	return m.qsSigner.PublicKey(), nil
}

func (m *mockConnector) take() []*wire.FanOutMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.dispatched
	m.dispatched = nil
	return out
}

// testClient is one simulated client device.
type testClient struct {
	leafSigner *eddsa.PrivateKey
	userKey    *eddsa.PrivateKey
	initPub    nike.PublicKey
	initPriv   nike.PrivateKey
	queueRef   wire.QsClientReference
	leafIndex  mlsassist.LeafIndex
}

func newTestClient(t *testing.T, homeserver string) *testClient {
	require := require.New(t)
	leafSigner, _, err := eddsa.NewKeypair(rand.Reader)
	require.NoError(err)
	userKey, _, err := eddsa.NewKeypair(rand.Reader)
	require.NoError(err)
	initPub, initPriv, err := seal.GenerateKeyPair()
	require.NoError(err)
	return &testClient{
		leafSigner: leafSigner,
		userKey:    userKey,
		initPub:    initPub,
		initPriv:   initPriv,
		queueRef: wire.QsClientReference{
			Homeserver: wire.Fqdn(homeserver),
			Reference:  wire.SealedClientReference(leafSigner.PublicKey().Bytes()),
		},
	}
}

// newDevice creates an additional device of the same user.
func (c *testClient) newDevice(t *testing.T) *testClient {
	d := newTestClient(t, string(c.queueRef.Homeserver))
	d.userKey = c.userKey
	return d
}

func (c *testClient) userKeyBytes() []byte {
	return c.userKey.PublicKey().Bytes()
}

func (c *testClient) userKeyHash() wire.UserKeyHash {
	return wire.UserKeyHashFromKey(c.userKeyBytes())
}

func (c *testClient) leafNode(t *testing.T) *mlsassist.LeafNode {
	leaf, err := mlsassist.NewLeafNode(c.leafSigner, c.initPub.Bytes(), []byte("cred"))
	require.NoError(t, err)
	return leaf
}

func (c *testClient) keyPackage(t *testing.T) *mlsassist.KeyPackage {
	require := require.New(t)
	queueConfig, err := c.queueRef.Marshal()
	require.NoError(err)
	kp, err := mlsassist.NewKeyPackage(c.leafSigner, c.initPub.Bytes(), []byte("enc"), []byte("cred"),
		[]mlsassist.Extension{{
			ExtensionType: mlsassist.ExtensionTypeQueueConfig,
			ExtensionData: queueConfig,
		}})
	require.NoError(err)
	return kp
}

type testEnv struct {
	t       *testing.T
	d       *Ds
	store   state.Provider
	conn    *mockConnector
	earKey  *ear.GroupStateEarKey
	groupID wire.QualifiedGroupID
}

func newTestEnv(t *testing.T) *testEnv {
	require := require.New(t)
	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(err)
	store := memstate.New()
	t.Cleanup(store.Close)
	conn := newMockConnector(t)
	d, err := New(logBackend, store, conn, testDomain)
	require.NoError(err)
	return &testEnv{
		t:      t,
		d:      d,
		store:  store,
		conn:   conn,
		earKey: ear.NewGroupStateEarKey(),
	}
}

// request builds a signed request envelope against the env's group.
func (e *testEnv) request(reqType wire.RequestType, sender wire.Sender, params interface{}, signer *eddsa.PrivateKey) *wire.ClientRequest {
	require := require.New(e.t)
	payload, err := wire.EncodeParams(params)
	require.NoError(err)
	req := &wire.ClientRequest{
		Version:          wire.CurrentVersion,
		GroupID:          e.groupID,
		GroupStateEarKey: e.earKey.Bytes(),
		Sender:           sender,
		RequestType:      reqType,
		Payload:          payload,
	}
	if signer != nil {
		require.NoError(req.Sign(signer))
	}
	return req
}

func (e *testEnv) process(req *wire.ClientRequest) (*wire.ProcessResponse, error) {
	return e.d.Process(context.Background(), req)
}

// reserveGroupID reserves a fresh group id and points the env at it.
func (e *testEnv) reserveGroupID() {
	require := require.New(e.t)
	req := &wire.ClientRequest{
		Version:     wire.CurrentVersion,
		Sender:      wire.Sender{Type: wire.SenderAnonymous},
		RequestType: wire.RequestGroupID,
	}
	resp, err := e.process(req)
	require.NoError(err)
	require.Equal(wire.ResponseGroupID, resp.ResponseType)
	e.groupID = wire.QualifiedGroupID{GroupUUID: resp.GroupUUID, OwningDomain: testDomain}
}

// createGroup creates the group with the given client as creator.
func (e *testEnv) createGroup(creator *testClient) {
	require := require.New(e.t)
	leaf := creator.leafNode(e.t)
	info, err := mlsassist.CreateGroupInfo(creator.leafSigner, e.groupID.Bytes(), leaf)
	require.NoError(err)
	params := &wire.CreateGroupParams{
		GroupID:   e.groupID,
		LeafNode:  *leaf,
		GroupInfo: *info,
		CreatorCredential: wire.ClientCredentialInfo{
			Credential:      []byte("creator-cred"),
			SignatureEarKey: []byte("creator-sek"),
		},
		CreatorQueueRef: creator.queueRef,
		CreatorUserKey:  creator.userKeyBytes(),
	}
	req := e.request(wire.RequestCreateGroup, wire.Sender{Type: wire.SenderAnonymous}, params, creator.userKey)
	resp, err := e.process(req)
	require.NoError(err)
	require.Equal(wire.ResponseOk, resp.ResponseType)
	creator.leafIndex = 0
}

// loadState decrypts the current server-side group state, used both for
// assertions and to build the next client message against.
func (e *testEnv) loadState() *GroupState {
	require := require.New(e.t)
	row, err := e.store.Load(context.Background(), e.groupID.GroupUUID)
	require.NoError(err)
	gs, err := DecryptGroupState(e.earKey, &e.groupID, row.Ciphertext)
	require.NoError(err)
	return gs
}

func (e *testEnv) signedBatch(clients ...*testClient) []byte {
	require := require.New(e.t)
	batch := &qs.KeyPackageBatch{
		Homeserver: clients[0].queueRef.Homeserver,
		IssuedAt:   wire.Now(),
	}
	for _, c := range clients {
		ref, err := c.keyPackage(e.t).Ref()
		require.NoError(err)
		batch.KeyPackageRefs = append(batch.KeyPackageRefs, ref)
	}
	require.NoError(batch.Sign(e.conn.qsSigner))
	b, err := batch.Marshal()
	require.NoError(err)
	return b
}

// addUser has the creator add all devices of a new user in one commit.
func (e *testEnv) addUser(creator *testClient, devices ...*testClient) {
	resp, err := e.tryAddUser(creator, devices...)
	require.NoError(e.t, err)
	require.Equal(e.t, wire.ResponseFanOutTimestamp, resp.ResponseType)
}

func (e *testEnv) tryAddUser(creator *testClient, devices ...*testClient) (*wire.ProcessResponse, error) {
	require := require.New(e.t)
	gs := e.loadState()
	group := gs.Group()

	var infos []wire.ClientCredentialInfo
	builder := group.NewCommitBuilder(creator.leafIndex)
	var kps []*mlsassist.KeyPackage
	free := group.FreeIndices()
	for i, device := range devices {
		kp := device.keyPackage(e.t)
		builder.Add(kp)
		kps = append(kps, kp)
		device.leafIndex = free[i]
		infos = append(infos, wire.ClientCredentialInfo{
			Credential:      []byte(fmt.Sprintf("cred-%d", i)),
			SignatureEarKey: []byte(fmt.Sprintf("sek-%d", i)),
		})
	}
	aad, err := wire.NewAadMessage(wire.AadAddUsers, &wire.AddUsersAad{CredentialInfos: infos})
	require.NoError(err)
	aadBytes, err := aad.Marshal()
	require.NoError(err)
	msg, err := builder.WithAad(aadBytes).Build(creator.leafSigner)
	require.NoError(err)
	welcome, err := mlsassist.NewWelcome(kps, nil)
	require.NoError(err)

	params := &wire.AddUsersParams{
		Commit:            *msg,
		Welcome:           *welcome,
		EncryptedWelcome:  []byte("encrypted-welcome"),
		AttributionInfos:  []wire.EncryptedWelcomeAttributionInfo{[]byte("attribution")},
		KeyPackageBatches: [][]byte{e.signedBatch(devices...)},
	}
	req := e.request(wire.RequestAddUsers,
		wire.Sender{Type: wire.SenderUserKeyHash, UserKeyHash: creator.userKeyHash()},
		params, creator.userKey)
	return e.process(req)
}

// promoteUser issues the device's first update commit, registering the
// user auth key.
func (e *testEnv) promoteUser(device *testClient) {
	require := require.New(e.t)
	gs := e.loadState()
	msg, err := gs.Group().NewCommitBuilder(device.leafIndex).Build(device.leafSigner)
	require.NoError(err)
	params := &wire.UpdateClientParams{
		Commit:         *msg,
		NewUserAuthKey: device.userKeyBytes(),
	}
	req := e.request(wire.RequestUpdateClient,
		wire.Sender{Type: wire.SenderLeafIndex, LeafIndex: uint32(device.leafIndex)},
		params, device.leafSigner)
	resp, err := e.process(req)
	require.NoError(err)
	require.Equal(wire.ResponseFanOutTimestamp, resp.ResponseType)
}

func TestRequestGroupID(t *testing.T) {
	require := require.New(t)
	e := newTestEnv(t)

	e.reserveGroupID()
	first := e.groupID.GroupUUID
	e.reserveGroupID()
	require.NotEqual(first, e.groupID.GroupUUID)

	row, err := e.store.Load(context.Background(), first)
	require.NoError(err)
	require.Equal(state.LoadReserved, row.Classify())
}

func TestCreateGroup(t *testing.T) {
	require := require.New(t)
	e := newTestEnv(t)
	alice := newTestClient(t, testDomain)

	e.reserveGroupID()
	e.createGroup(alice)

	gs := e.loadState()
	require.Equal(1, gs.Group().MemberCount())
	profile, ok := gs.UserProfile(alice.userKeyHash())
	require.True(ok)
	require.Equal([]mlsassist.LeafIndex{0}, profile.Clients)
	require.True(gs.isConnectionGroup())
}

func TestCreateGroupUnreserved(t *testing.T) {
	require := require.New(t)
	e := newTestEnv(t)
	alice := newTestClient(t, testDomain)

	e.reserveGroupID()
	e.createGroup(alice)

	// Creating again on the same id fails: the reservation is spent.
	leaf := alice.leafNode(t)
	info, err := mlsassist.CreateGroupInfo(alice.leafSigner, e.groupID.Bytes(), leaf)
	require.NoError(err)
	params := &wire.CreateGroupParams{
		GroupID:         e.groupID,
		LeafNode:        *leaf,
		GroupInfo:       *info,
		CreatorQueueRef: alice.queueRef,
		CreatorUserKey:  alice.userKeyBytes(),
	}
	req := e.request(wire.RequestCreateGroup, wire.Sender{Type: wire.SenderAnonymous}, params, alice.userKey)
	_, err = e.process(req)
	require.Error(err)
	require.Equal(wire.StatusUnreservedGroupID, StatusOf(err))
}

func TestGroupNotFound(t *testing.T) {
	require := require.New(t)
	e := newTestEnv(t)
	alice := newTestClient(t, testDomain)
	e.reserveGroupID()

	// The group id is reserved but carries no state yet.
	params := &wire.SendMessageParams{
		Message: mlsassist.AssistedMessage{Kind: mlsassist.MessageKindPrivate, Private: []byte("x")},
	}
	req := e.request(wire.RequestSendMessage,
		wire.Sender{Type: wire.SenderLeafIndex, LeafIndex: 0},
		params, alice.leafSigner)
	_, err := e.process(req)
	require.Equal(wire.StatusGroupNotFound, StatusOf(err))
}

func TestWrongEarKey(t *testing.T) {
	require := require.New(t)
	e := newTestEnv(t)
	alice := newTestClient(t, testDomain)
	e.reserveGroupID()
	e.createGroup(alice)

	e.earKey = ear.NewGroupStateEarKey()
	params := &wire.SendMessageParams{
		Message: mlsassist.AssistedMessage{Kind: mlsassist.MessageKindPrivate, Private: []byte("x")},
	}
	req := e.request(wire.RequestSendMessage,
		wire.Sender{Type: wire.SenderLeafIndex, LeafIndex: 0},
		params, alice.leafSigner)
	_, err := e.process(req)
	require.Equal(wire.StatusCouldNotDecrypt, StatusOf(err))
}

func TestGroupBusy(t *testing.T) {
	require := require.New(t)
	e := newTestEnv(t)
	alice := newTestClient(t, testDomain)
	e.reserveGroupID()
	e.createGroup(alice)

	release, err := e.store.Lock(context.Background(), e.groupID.GroupUUID)
	require.NoError(err)
	defer release()

	params := &wire.SendMessageParams{
		Message: mlsassist.AssistedMessage{Kind: mlsassist.MessageKindPrivate, Private: []byte("x")},
	}
	req := e.request(wire.RequestSendMessage,
		wire.Sender{Type: wire.SenderLeafIndex, LeafIndex: 0},
		params, alice.leafSigner)
	_, err = e.process(req)
	require.Equal(wire.StatusGroupBusy, StatusOf(err))
}

func TestInvalidRequestSignature(t *testing.T) {
	require := require.New(t)
	e := newTestEnv(t)
	alice := newTestClient(t, testDomain)
	mallory := newTestClient(t, testDomain)
	e.reserveGroupID()
	e.createGroup(alice)

	params := &wire.SendMessageParams{
		Message: mlsassist.AssistedMessage{Kind: mlsassist.MessageKindPrivate, Private: []byte("x")},
	}
	req := e.request(wire.RequestSendMessage,
		wire.Sender{Type: wire.SenderLeafIndex, LeafIndex: 0},
		params, mallory.leafSigner)
	_, err := e.process(req)
	require.Equal(wire.StatusInvalidSignature, StatusOf(err))
}

func TestUnsupportedVersion(t *testing.T) {
	require := require.New(t)
	e := newTestEnv(t)
	req := &wire.ClientRequest{
		Version:     wire.CurrentVersion + 1,
		Sender:      wire.Sender{Type: wire.SenderAnonymous},
		RequestType: wire.RequestGroupID,
	}
	_, err := e.process(req)
	require.Equal(wire.StatusUnsupportedVersion, StatusOf(err))
}
