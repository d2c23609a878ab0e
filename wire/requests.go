// SPDX-FileCopyrightText: Copyright (C) 2025 the groupwire authors
// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	eddsa "github.com/katzenpost/hpqc/sign/ed25519"
)

// ProtocolVersion is the version of the client to delivery service
// protocol. Requests carrying any other version are rejected.
type ProtocolVersion uint16

// CurrentVersion is the only protocol version this implementation speaks.
const CurrentVersion ProtocolVersion = 1

// SenderType enumerates the ways a request sender authenticates.
type SenderType uint8

const (
	// SenderLeafIndex authenticates with the signature key stored at a
	// leaf of the group's ratchet tree.
	SenderLeafIndex SenderType = iota

	// SenderLeafSignatureKey authenticates with a leaf signature key given
	// by value rather than by index. Used by external joins, where the
	// sender has no leaf yet.
	SenderLeafSignatureKey

	// SenderUserKeyHash authenticates with a user auth key registered in
	// the group's user profiles.
	SenderUserKeyHash

	// SenderAnonymous carries no authentication. Only group creation and
	// group id reservation accept it.
	SenderAnonymous
)

// Sender identifies and authenticates the originator of a request. Exactly
// the field selected by Type is meaningful.
type Sender struct {
	Type         SenderType
	LeafIndex    uint32
	SignatureKey []byte
	UserKeyHash  UserKeyHash
}

// RequestType enumerates the delivery service operations.
type RequestType uint8

const (
	RequestGroupID RequestType = iota
	RequestCreateGroup
	RequestDeleteGroup
	RequestWelcomeInfo
	RequestExternalCommitInfo
	RequestConnectionGroupInfo
	RequestUpdateQsClientReference
	RequestAddUsers
	RequestRemoveUsers
	RequestAddClients
	RequestRemoveClients
	RequestUpdateClient
	RequestJoinGroup
	RequestJoinConnectionGroup
	RequestResyncClient
	RequestSelfRemoveClient
	RequestSendMessage
)

func (t RequestType) String() string {
	switch t {
	case RequestGroupID:
		return "RequestGroupID"
	case RequestCreateGroup:
		return "CreateGroup"
	case RequestDeleteGroup:
		return "DeleteGroup"
	case RequestWelcomeInfo:
		return "WelcomeInfo"
	case RequestExternalCommitInfo:
		return "ExternalCommitInfo"
	case RequestConnectionGroupInfo:
		return "ConnectionGroupInfo"
	case RequestUpdateQsClientReference:
		return "UpdateQsClientReference"
	case RequestAddUsers:
		return "AddUsers"
	case RequestRemoveUsers:
		return "RemoveUsers"
	case RequestAddClients:
		return "AddClients"
	case RequestRemoveClients:
		return "RemoveClients"
	case RequestUpdateClient:
		return "UpdateClient"
	case RequestJoinGroup:
		return "JoinGroup"
	case RequestJoinConnectionGroup:
		return "JoinConnectionGroup"
	case RequestResyncClient:
		return "ResyncClient"
	case RequestSelfRemoveClient:
		return "SelfRemoveClient"
	case RequestSendMessage:
		return "SendMessage"
	default:
		return fmt.Sprintf("RequestType(%d)", uint8(t))
	}
}

// ClientRequest is the signed envelope around every request a client sends
// to the delivery service. Payload holds the serialized per-operation
// parameter struct, and Signature covers everything else.
type ClientRequest struct {
	Version          ProtocolVersion
	GroupID          QualifiedGroupID
	GroupStateEarKey []byte
	Sender           Sender
	RequestType      RequestType
	Payload          []byte
	Signature        []byte
}

type clientRequestTBS struct {
	Version          ProtocolVersion
	GroupID          QualifiedGroupID
	GroupStateEarKey []byte
	Sender           Sender
	RequestType      RequestType
	Payload          []byte
}

func (r *ClientRequest) tbs() ([]byte, error) {
	return cbor.Marshal(&clientRequestTBS{
		Version:          r.Version,
		GroupID:          r.GroupID,
		GroupStateEarKey: r.GroupStateEarKey,
		Sender:           r.Sender,
		RequestType:      r.RequestType,
		Payload:          r.Payload,
	})
}

// Sign signs the envelope in place.
func (r *ClientRequest) Sign(key *eddsa.PrivateKey) error {
	msg, err := r.tbs()
	if err != nil {
		return err
	}
	r.Signature = key.SignMessage(msg)
	return nil
}

// Verify checks the envelope signature with the given verifying key.
func (r *ClientRequest) Verify(key *eddsa.PublicKey) error {
	msg, err := r.tbs()
	if err != nil {
		return err
	}
	if !key.Verify(r.Signature, msg) {
		return errors.New("wire: invalid request signature")
	}
	return nil
}

// Marshal serializes the request.
func (r *ClientRequest) Marshal() ([]byte, error) {
	return cbor.Marshal(r)
}

// Unmarshal deserializes the request.
func (r *ClientRequest) Unmarshal(b []byte) error {
	return cbor.Unmarshal(b, r)
}
