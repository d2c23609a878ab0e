// SPDX-FileCopyrightText: Copyright (C) 2025 the groupwire authors
// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// StatusCode is the stable status a client receives for a failed request.
// Internal error detail never crosses the wire.
type StatusCode uint16

const (
	StatusOk StatusCode = iota
	StatusInternalError
	StatusInvalidMessage
	StatusInvalidSignature
	StatusGroupNotFound
	StatusCouldNotDecrypt
	StatusUnknownSender
	StatusInvalidSenderType
	StatusProcessingFailed
	StatusStorageFailure
	StatusDistributionFailure
	StatusMissingQueueConfig
	StatusIncompleteWelcome
	StatusInvalidKeyPackageBatch
	StatusVerifyingKeyUnavailable
	StatusDuplicatedUserAddition
	StatusIncompleteRemoval
	StatusNotAConnectionGroup
	StatusUserAuthKeyCollision
	StatusNoWelcomeInfoFound
	StatusUnreservedGroupID
	StatusGroupBusy
	StatusUnsupportedVersion
)

// ResponseType enumerates the payload variants of a successful response.
type ResponseType uint8

const (
	ResponseOk ResponseType = iota
	ResponseFanOutTimestamp
	ResponseWelcomeInfo
	ResponseExternalCommitInfo
	ResponseGroupID
)

// ExternalCommitInfoOut carries the material an external joiner needs.
type ExternalCommitInfoOut struct {
	GroupInfo            []byte
	RatchetTree          []byte
	EncryptedCredentials []ClientCredentialInfo
}

// ProcessResponse is the result of a successfully processed request.
type ProcessResponse struct {
	ResponseType    ResponseType
	FanOutTimestamp TimeStamp
	RatchetTree     []byte
	CommitInfo      *ExternalCommitInfoOut
	GroupUUID       uuid.UUID
}

// Marshal serializes the response.
func (r *ProcessResponse) Marshal() ([]byte, error) {
	return cbor.Marshal(r)
}

// Unmarshal deserializes the response.
func (r *ProcessResponse) Unmarshal(b []byte) error {
	return cbor.Unmarshal(b, r)
}
