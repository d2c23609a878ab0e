// SPDX-FileCopyrightText: Copyright (C) 2025 the groupwire authors
// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"github.com/fxamacker/cbor/v2"
)

// FanOutPayloadType enumerates the payloads fanned out to member queues.
type FanOutPayloadType uint8

const (
	// FanOutQueueMessage is a timestamped handshake or application
	// message for an existing member.
	FanOutQueueMessage FanOutPayloadType = iota

	// FanOutWelcomeBundle is the join material for a freshly added
	// client.
	FanOutWelcomeBundle
)

// QueueMessagePayload is a serialized group message stamped with the time
// the delivery service accepted it. Members use the timestamp as the
// authoritative message order.
type QueueMessagePayload struct {
	Timestamp TimeStamp
	Payload   []byte
}

// WelcomeBundle is everything a welcomed client needs: the encrypted
// welcome, the sender attribution, and the group state encryption key
// sealed to the client's init key.
type WelcomeBundle struct {
	EncryptedWelcome []byte
	AttributionInfo  EncryptedWelcomeAttributionInfo
	SealedJoinerInfo []byte
	QualifiedGroupID QualifiedGroupID
}

// JoinerInformation is the plaintext sealed into a welcome bundle's
// SealedJoinerInfo.
type JoinerInformation struct {
	GroupStateEarKey           []byte
	EncryptedClientCredentials []ClientCredentialInfo
	RatchetTree                []byte
}

// Marshal serializes the joiner information.
func (j *JoinerInformation) Marshal() ([]byte, error) {
	return cbor.Marshal(j)
}

// Unmarshal deserializes the joiner information.
func (j *JoinerInformation) Unmarshal(b []byte) error {
	return cbor.Unmarshal(b, j)
}

// FanOutMessage is one delivery to one client queue, dispatched to the
// queue service of the client's homeserver.
type FanOutMessage struct {
	PayloadType  FanOutPayloadType
	QueueMessage *QueueMessagePayload
	Welcome      *WelcomeBundle
	ClientRef    QsClientReference
}

// Marshal serializes the fan-out message.
func (m *FanOutMessage) Marshal() ([]byte, error) {
	return cbor.Marshal(m)
}

// Unmarshal deserializes the fan-out message.
func (m *FanOutMessage) Unmarshal(b []byte) error {
	return cbor.Unmarshal(b, m)
}
