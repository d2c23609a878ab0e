// SPDX-FileCopyrightText: Copyright (C) 2025 the groupwire authors
// SPDX-License-Identifier: AGPL-3.0-only

package ds

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	eddsa "github.com/katzenpost/hpqc/sign/ed25519"
	"gopkg.in/op/go-logging.v1"

	"github.com/groupwire/groupwire/core/log"
	"github.com/groupwire/groupwire/crypto/ear"
	"github.com/groupwire/groupwire/ds/state"
	"github.com/groupwire/groupwire/internal/instrument"
	"github.com/groupwire/groupwire/mlsassist"
	"github.com/groupwire/groupwire/qs"
	"github.com/groupwire/groupwire/wire"
)

// Ds is the delivery service: it owns the encrypted group state store and
// processes every client request against it.
type Ds struct {
	log        *logging.Logger
	store      state.Provider
	connector  qs.Connector
	dispatcher *Dispatcher
	domain     wire.Fqdn
}

// New creates a delivery service for the given owning domain.
func New(logBackend *log.Backend, store state.Provider, connector qs.Connector, domain wire.Fqdn) (*Ds, error) {
	if err := domain.Validate(); err != nil {
		return nil, err
	}
	return &Ds{
		log:        logBackend.GetLogger("ds"),
		store:      store,
		connector:  connector,
		dispatcher: NewDispatcher(connector, logBackend.GetLogger("ds/fanout")),
		domain:     domain,
	}, nil
}

// Process handles one client request end to end: group locking, state
// decryption, sender authentication, the operation itself, persistence
// and fan-out. The returned error maps to a stable wire status via
// StatusOf.
func (d *Ds) Process(ctx context.Context, req *wire.ClientRequest) (*wire.ProcessResponse, error) {
	start := time.Now()
	instrument.Request(req.RequestType.String())
	resp, err := d.process(ctx, req)
	instrument.RequestDuration(time.Since(start).Seconds())
	if err != nil {
		instrument.RequestFailure(req.RequestType.String(), strconv.Itoa(int(StatusOf(err))))
		d.log.Debugf("request %v failed: %v", req.RequestType, err)
	}
	return resp, err
}

func (d *Ds) process(ctx context.Context, req *wire.ClientRequest) (*wire.ProcessResponse, error) {
	if req.Version != wire.CurrentVersion {
		return nil, ErrUnsupportedVersion
	}

	if req.RequestType == wire.RequestGroupID {
		return d.reserveGroupID(ctx, req)
	}

	groupID := req.GroupID
	if err := groupID.OwningDomain.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if groupID.OwningDomain != d.domain {
		return nil, ErrGroupNotFound
	}

	// Requests against one group are strictly serialized; concurrent
	// requests fail fast rather than queue.
	release, err := d.store.Lock(ctx, groupID.GroupUUID)
	if err != nil {
		return nil, err
	}
	defer release()

	row, err := d.store.Load(ctx, groupID.GroupUUID)
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		return nil, err
	}
	loadState := row.Classify()

	if req.RequestType == wire.RequestCreateGroup {
		if loadState != state.LoadReserved {
			return nil, state.ErrUnreserved
		}
		return d.createGroup(ctx, req, &groupID)
	}

	if loadState != state.LoadSuccess {
		return nil, ErrGroupNotFound
	}

	earKey, err := ear.GroupStateEarKeyFromBytes(req.GroupStateEarKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	gs, err := DecryptGroupState(earKey, &groupID, row.Ciphertext)
	if err != nil {
		return nil, err
	}

	return d.dispatch(ctx, req, &groupID, earKey, gs, row)
}

// reserveGroupID reserves a fresh group id. Collisions with existing ids
// simply retry.
func (d *Ds) reserveGroupID(ctx context.Context, req *wire.ClientRequest) (*wire.ProcessResponse, error) {
	if req.Sender.Type != wire.SenderAnonymous {
		return nil, ErrInvalidSenderType
	}
	for {
		id := uuid.New()
		ok, err := d.store.Reserve(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			return &wire.ProcessResponse{
				ResponseType: wire.ResponseGroupID,
				GroupUUID:    id,
			}, nil
		}
	}
}

func (d *Ds) createGroup(ctx context.Context, req *wire.ClientRequest, groupID *wire.QualifiedGroupID) (*wire.ProcessResponse, error) {
	if req.Sender.Type != wire.SenderAnonymous {
		return nil, ErrInvalidSenderType
	}
	params := new(wire.CreateGroupParams)
	if err := wire.DecodeParams(req.Payload, params); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	// The envelope is signed with the creator's user auth key carried in
	// the parameters.
	if err := verifyRequest(req, params.CreatorUserKey); err != nil {
		return nil, err
	}
	earKey, err := ear.GroupStateEarKeyFromBytes(req.GroupStateEarKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	rid, err := d.store.Claim(ctx, groupID.GroupUUID)
	if err != nil {
		return nil, err
	}
	gs, err := createGroupState(params, groupID)
	if err != nil {
		return nil, err
	}
	ciphertext, err := gs.Encrypt(earKey, groupID)
	if err != nil {
		return nil, err
	}
	err = d.store.Store(ctx, rid, &state.StorableGroupData{
		GroupUUID:  groupID.GroupUUID,
		Ciphertext: ciphertext,
		LastUsed:   wire.Now(),
	})
	if err != nil {
		return nil, err
	}
	d.log.Debugf("created group %v", groupID)
	return &wire.ProcessResponse{ResponseType: wire.ResponseOk}, nil
}

func (d *Ds) dispatch(ctx context.Context, req *wire.ClientRequest, groupID *wire.QualifiedGroupID, earKey *ear.GroupStateEarKey, gs *GroupState, row *state.StorableGroupData) (*wire.ProcessResponse, error) {
	switch req.RequestType {
	case wire.RequestWelcomeInfo:
		params := new(wire.WelcomeInfoParams)
		if err := decodeAndVerifyByKey(req, params, func() []byte { return params.JoinerKey }); err != nil {
			return nil, err
		}
		tree, err := gs.welcomeInfo(params)
		if err != nil {
			return nil, err
		}
		if err := d.touch(ctx, row); err != nil {
			return nil, err
		}
		return &wire.ProcessResponse{ResponseType: wire.ResponseWelcomeInfo, RatchetTree: tree}, nil

	case wire.RequestExternalCommitInfo:
		if _, err := d.verifyUserSender(req, gs); err != nil {
			return nil, err
		}
		info, err := gs.externalCommitInfo()
		if err != nil {
			return nil, err
		}
		if err := d.touch(ctx, row); err != nil {
			return nil, err
		}
		return &wire.ProcessResponse{ResponseType: wire.ResponseExternalCommitInfo, CommitInfo: info}, nil

	case wire.RequestConnectionGroupInfo:
		if req.Sender.Type != wire.SenderAnonymous {
			return nil, ErrInvalidSenderType
		}
		info, err := gs.connectionGroupInfo()
		if err != nil {
			return nil, err
		}
		if err := d.touch(ctx, row); err != nil {
			return nil, err
		}
		return &wire.ProcessResponse{ResponseType: wire.ResponseExternalCommitInfo, CommitInfo: info}, nil

	case wire.RequestUpdateQsClientReference:
		senderIndex, err := d.verifyLeafSender(req, gs)
		if err != nil {
			return nil, err
		}
		params := new(wire.UpdateQsClientReferenceParams)
		if err := wire.DecodeParams(req.Payload, params); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		if err := gs.updateQueueConfig(params, senderIndex); err != nil {
			return nil, err
		}
		if err := d.persist(ctx, gs, earKey, groupID, row); err != nil {
			return nil, err
		}
		return &wire.ProcessResponse{ResponseType: wire.ResponseOk}, nil

	case wire.RequestAddUsers:
		senderHash, err := d.verifyUserSender(req, gs)
		if err != nil {
			return nil, err
		}
		params := new(wire.AddUsersParams)
		if err := wire.DecodeParams(req.Payload, params); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		destinations := destinationsForCommit(gs, &params.Commit)
		bundles, err := gs.addUsers(ctx, params, senderHash, earKey, groupID, d.connector)
		if err != nil {
			return nil, err
		}
		return d.finishCommit(ctx, gs, earKey, groupID, row, &params.Commit, destinations, bundles)

	case wire.RequestRemoveUsers:
		senderHash, err := d.verifyUserSender(req, gs)
		if err != nil {
			return nil, err
		}
		params := new(wire.RemoveUsersParams)
		if err := wire.DecodeParams(req.Payload, params); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		destinations := destinationsForCommit(gs, &params.Commit)
		if err := gs.removeUsers(params, senderHash); err != nil {
			return nil, err
		}
		return d.finishCommit(ctx, gs, earKey, groupID, row, &params.Commit, destinations, nil)

	case wire.RequestAddClients:
		senderHash, err := d.verifyUserSender(req, gs)
		if err != nil {
			return nil, err
		}
		params := new(wire.AddClientsParams)
		if err := wire.DecodeParams(req.Payload, params); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		destinations := destinationsForCommit(gs, &params.Commit)
		bundles, err := gs.addClients(params, senderHash, earKey, groupID)
		if err != nil {
			return nil, err
		}
		return d.finishCommit(ctx, gs, earKey, groupID, row, &params.Commit, destinations, bundles)

	case wire.RequestRemoveClients:
		senderHash, err := d.verifyUserSender(req, gs)
		if err != nil {
			return nil, err
		}
		params := new(wire.RemoveClientsParams)
		if err := wire.DecodeParams(req.Payload, params); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		destinations := destinationsForCommit(gs, &params.Commit)
		if err := gs.removeClients(params, senderHash); err != nil {
			return nil, err
		}
		return d.finishCommit(ctx, gs, earKey, groupID, row, &params.Commit, destinations, nil)

	case wire.RequestUpdateClient:
		senderIndex, err := d.verifyLeafSender(req, gs)
		if err != nil {
			return nil, err
		}
		params := new(wire.UpdateClientParams)
		if err := wire.DecodeParams(req.Payload, params); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		destinations := gs.destinationClients(senderIndex)
		if err := gs.updateClient(params, senderIndex); err != nil {
			return nil, err
		}
		return d.finishCommit(ctx, gs, earKey, groupID, row, &params.Commit, destinations, nil)

	case wire.RequestJoinGroup:
		senderHash, err := d.verifyUserSender(req, gs)
		if err != nil {
			return nil, err
		}
		params := new(wire.JoinGroupParams)
		if err := wire.DecodeParams(req.Payload, params); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		destinations := gs.allQueueReferences()
		if err := gs.joinGroup(params, senderHash); err != nil {
			return nil, err
		}
		return d.finishCommit(ctx, gs, earKey, groupID, row, &params.ExternalCommit, destinations, nil)

	case wire.RequestJoinConnectionGroup:
		params := new(wire.JoinConnectionGroupParams)
		if err := wire.DecodeParams(req.Payload, params); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		// The joiner is not yet known to the group; the envelope is
		// signed with the user auth key being registered.
		if err := verifyRequest(req, params.UserAuthKey); err != nil {
			return nil, err
		}
		destinations := gs.allQueueReferences()
		if err := gs.joinConnectionGroup(params); err != nil {
			return nil, err
		}
		return d.finishCommit(ctx, gs, earKey, groupID, row, &params.ExternalCommit, destinations, nil)

	case wire.RequestResyncClient:
		senderHash, err := d.verifyUserSender(req, gs)
		if err != nil {
			return nil, err
		}
		params := new(wire.ResyncClientParams)
		if err := wire.DecodeParams(req.Payload, params); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		destinations := gs.destinationClients(params.OwnLeafToRemove)
		if err := gs.resyncClient(params, senderHash); err != nil {
			return nil, err
		}
		return d.finishCommit(ctx, gs, earKey, groupID, row, &params.ExternalCommit, destinations, nil)

	case wire.RequestSelfRemoveClient:
		senderHash, err := d.verifyUserSender(req, gs)
		if err != nil {
			return nil, err
		}
		params := new(wire.SelfRemoveClientParams)
		if err := wire.DecodeParams(req.Payload, params); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		destinations := destinationsForCommit(gs, &params.RemoveProposal)
		if err := gs.selfRemoveClient(params, senderHash); err != nil {
			return nil, err
		}
		return d.finishCommit(ctx, gs, earKey, groupID, row, &params.RemoveProposal, destinations, nil)

	case wire.RequestSendMessage:
		senderIndex, err := d.verifyLeafSender(req, gs)
		if err != nil {
			return nil, err
		}
		params := new(wire.SendMessageParams)
		if err := wire.DecodeParams(req.Payload, params); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		destinations := gs.destinationClients(senderIndex)
		if err := gs.sendMessage(params, senderIndex); err != nil {
			return nil, err
		}
		return d.finishCommit(ctx, gs, earKey, groupID, row, &params.Message, destinations, nil)

	case wire.RequestDeleteGroup:
		senderHash, err := d.verifyUserSender(req, gs)
		if err != nil {
			return nil, err
		}
		params := new(wire.DeleteGroupParams)
		if err := wire.DecodeParams(req.Payload, params); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		destinations := destinationsForCommit(gs, &params.Commit)
		deletedQueues, err := gs.deleteGroup(params, senderHash)
		if err != nil {
			return nil, err
		}
		timestamp := wire.Now()
		row.Ciphertext = nil
		row.LastUsed = timestamp
		row.DeletedQueues = deletedQueues
		if err := d.store.Delete(ctx, row); err != nil {
			return nil, err
		}
		payload, err := params.Commit.Marshal()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLibrary, err)
		}
		if err := d.dispatcher.DistributeMessage(ctx, timestamp, payload, destinations); err != nil {
			return nil, err
		}
		d.log.Debugf("deleted group %v", groupID)
		return &wire.ProcessResponse{ResponseType: wire.ResponseFanOutTimestamp, FanOutTimestamp: timestamp}, nil

	default:
		return nil, fmt.Errorf("%w: unknown request type", ErrInvalidMessage)
	}
}

// finishCommit persists the mutated state and fans the message out, in
// that order. Fan-out failures surface to the sender but never roll back
// the persisted state.
func (d *Ds) finishCommit(ctx context.Context, gs *GroupState, earKey *ear.GroupStateEarKey, groupID *wire.QualifiedGroupID, row *state.StorableGroupData, msg *mlsassist.AssistedMessage, destinations []wire.QsClientReference, bundles []*wire.FanOutMessage) (*wire.ProcessResponse, error) {
	if err := d.persist(ctx, gs, earKey, groupID, row); err != nil {
		return nil, err
	}
	timestamp := wire.Now()
	payload, err := msg.Marshal()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLibrary, err)
	}
	if err := d.dispatcher.DistributeMessage(ctx, timestamp, payload, destinations); err != nil {
		return nil, err
	}
	if err := d.dispatcher.DistributeWelcomes(ctx, bundles); err != nil {
		return nil, err
	}
	return &wire.ProcessResponse{ResponseType: wire.ResponseFanOutTimestamp, FanOutTimestamp: timestamp}, nil
}

func (d *Ds) persist(ctx context.Context, gs *GroupState, earKey *ear.GroupStateEarKey, groupID *wire.QualifiedGroupID, row *state.StorableGroupData) error {
	ciphertext, err := gs.Encrypt(earKey, groupID)
	if err != nil {
		return err
	}
	row.Ciphertext = ciphertext
	row.LastUsed = wire.Now()
	return d.store.Update(ctx, row)
}

// touch refreshes the row's last used timestamp without re-encrypting.
func (d *Ds) touch(ctx context.Context, row *state.StorableGroupData) error {
	row.LastUsed = wire.Now()
	return d.store.Update(ctx, row)
}

// verifyUserSender authenticates a request sent under a registered user
// auth key.
func (d *Ds) verifyUserSender(req *wire.ClientRequest, gs *GroupState) (wire.UserKeyHash, error) {
	if req.Sender.Type != wire.SenderUserKeyHash {
		return wire.UserKeyHash{}, ErrInvalidSenderType
	}
	profile, ok := gs.UserProfile(req.Sender.UserKeyHash)
	if !ok {
		return wire.UserKeyHash{}, ErrUnknownSender
	}
	if err := verifyRequest(req, profile.UserAuthKey); err != nil {
		return wire.UserKeyHash{}, err
	}
	return req.Sender.UserKeyHash, nil
}

// verifyLeafSender authenticates a request sent by the client at a leaf
// index, against that leaf's signature key.
func (d *Ds) verifyLeafSender(req *wire.ClientRequest, gs *GroupState) (mlsassist.LeafIndex, error) {
	if req.Sender.Type != wire.SenderLeafIndex {
		return 0, ErrInvalidSenderType
	}
	index := mlsassist.LeafIndex(req.Sender.LeafIndex)
	leaf := gs.Group().Leaf(index)
	if leaf == nil {
		return 0, ErrUnknownSender
	}
	if err := verifyRequest(req, leaf.SignatureKey); err != nil {
		return 0, err
	}
	return index, nil
}

// verifyRequest checks the envelope signature against a raw ed25519
// verifying key.
func verifyRequest(req *wire.ClientRequest, rawKey []byte) error {
	pub := new(eddsa.PublicKey)
	if err := pub.FromBytes(rawKey); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if err := req.Verify(pub); err != nil {
		return ErrInvalidSignature
	}
	return nil
}

// decodeAndVerifyByKey decodes parameters and verifies the envelope with
// a key carried by value in both the sender and the parameters. The two
// must agree.
func decodeAndVerifyByKey(req *wire.ClientRequest, params interface{}, key func() []byte) error {
	if req.Sender.Type != wire.SenderLeafSignatureKey {
		return ErrInvalidSenderType
	}
	if err := wire.DecodeParams(req.Payload, params); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	paramsKey := key()
	if string(paramsKey) != string(req.Sender.SignatureKey) {
		return fmt.Errorf("%w: sender key does not match parameters", ErrInvalidMessage)
	}
	return verifyRequest(req, paramsKey)
}

// destinationsForCommit computes the queue references of everyone who
// must receive the message, excluding the MLS-level sender when it is a
// member. Computed before the ledgers mutate so removed members still
// receive the commit that removed them.
func destinationsForCommit(gs *GroupState, msg *mlsassist.AssistedMessage) []wire.QsClientReference {
	if msg.Kind == mlsassist.MessageKindPublic && msg.Public.Sender.Kind == mlsassist.SenderMember {
		return gs.destinationClients(msg.Public.Sender.LeafIndex)
	}
	return gs.allQueueReferences()
}
