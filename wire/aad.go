// SPDX-FileCopyrightText: Copyright (C) 2025 the groupwire authors
// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// AadType enumerates the typed payloads carried in the authenticated data
// of handshake messages. The authenticated data rides with the MLS message
// so members validate the same bytes the delivery service validated.
type AadType uint8

const (
	AadAddUsers AadType = iota
	AadAddClients
	AadUpdateClient
	AadJoinGroup
	AadJoinConnectionGroup
	AadResyncClient
)

// AadMessage is the versioned envelope around a typed AAD payload.
type AadMessage struct {
	Version ProtocolVersion
	AadType AadType
	Payload []byte
}

// AddUsersAad carries the encrypted credential material of every client
// added by an add-users commit, in add proposal order.
type AddUsersAad struct {
	CredentialInfos []ClientCredentialInfo
}

// AddClientsAad carries the encrypted credential material of every client
// added by an add-clients commit, in add proposal order.
type AddClientsAad struct {
	CredentialInfos []ClientCredentialInfo
}

// UpdateClientAad optionally rotates the sender's encrypted credential
// material.
type UpdateClientAad struct {
	OptionCredentialInfo *ClientCredentialInfo
}

// JoinGroupAad carries the joining client's encrypted credential material.
type JoinGroupAad struct {
	CredentialInfo ClientCredentialInfo
}

// JoinConnectionGroupAad carries the joining client's encrypted credential
// material.
type JoinConnectionGroupAad struct {
	CredentialInfo ClientCredentialInfo
}

// ResyncClientAad carries the resyncing client's encrypted credential
// material.
type ResyncClientAad struct {
	CredentialInfo ClientCredentialInfo
}

// NewAadMessage wraps a typed AAD payload.
func NewAadMessage(aadType AadType, payload interface{}) (*AadMessage, error) {
	b, err := cbor.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &AadMessage{Version: CurrentVersion, AadType: aadType, Payload: b}, nil
}

// Marshal serializes the AAD message.
func (m *AadMessage) Marshal() ([]byte, error) {
	return cbor.Marshal(m)
}

// DecodeAad parses authenticated data bytes and checks that they carry the
// expected AAD type, unmarshaling the payload into out.
func DecodeAad(aad []byte, want AadType, out interface{}) error {
	if len(aad) == 0 {
		return errors.New("wire: missing authenticated data")
	}
	m := new(AadMessage)
	if err := cbor.Unmarshal(aad, m); err != nil {
		return fmt.Errorf("wire: malformed authenticated data: %w", err)
	}
	if m.Version != CurrentVersion {
		return fmt.Errorf("wire: unsupported aad version %d", m.Version)
	}
	if m.AadType != want {
		return fmt.Errorf("wire: unexpected aad type %d, want %d", m.AadType, want)
	}
	return cbor.Unmarshal(m.Payload, out)
}
