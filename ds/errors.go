// SPDX-FileCopyrightText: Copyright (C) 2025 the groupwire authors
// SPDX-License-Identifier: AGPL-3.0-only

package ds

import (
	"errors"

	"github.com/groupwire/groupwire/ds/state"
	"github.com/groupwire/groupwire/wire"
)

var (
	// ErrLibrary marks internal serialization or crypto failures.
	ErrLibrary = errors.New("ds: internal error")

	// ErrInvalidMessage is returned for structurally invalid requests.
	ErrInvalidMessage = errors.New("ds: invalid message")

	// ErrInvalidSignature is returned when request authentication fails.
	ErrInvalidSignature = errors.New("ds: invalid signature")

	// ErrProcessing is returned when an MLS message fails validation
	// against the group state.
	ErrProcessing = errors.New("ds: message processing failed")

	// ErrGroupNotFound is returned when the target group does not exist
	// or has expired.
	ErrGroupNotFound = errors.New("ds: group not found")

	// ErrCouldNotDecrypt is returned when the supplied key does not
	// decrypt the stored group state.
	ErrCouldNotDecrypt = errors.New("ds: could not decrypt group state")

	// ErrUnknownSender is returned when the sender does not resolve to a
	// known leaf, key or user.
	ErrUnknownSender = errors.New("ds: unknown sender")

	// ErrInvalidSenderType is returned when an operation is invoked with
	// a sender type it does not accept.
	ErrInvalidSenderType = errors.New("ds: invalid sender type for request")

	// ErrMissingQueueConfig is returned when an added key package lacks
	// the queue config extension.
	ErrMissingQueueConfig = errors.New("ds: key package without queue config")

	// ErrIncompleteWelcome is returned when a welcome does not address
	// every added key package.
	ErrIncompleteWelcome = errors.New("ds: welcome does not cover all added clients")

	// ErrInvalidKeyPackageBatch is returned when a key package batch
	// fails verification or does not match the add proposals.
	ErrInvalidKeyPackageBatch = errors.New("ds: invalid key package batch")

	// ErrVerifyingKeyUnavailable is returned when the verifying key of a
	// remote queue service cannot be obtained.
	ErrVerifyingKeyUnavailable = errors.New("ds: could not obtain queue service verifying key")

	// ErrDuplicatedUserAddition is returned when an added user is
	// already a member.
	ErrDuplicatedUserAddition = errors.New("ds: user already in group")

	// ErrIncompleteRemoval is returned when a removal does not cover all
	// clients of the affected users.
	ErrIncompleteRemoval = errors.New("ds: removal does not cover all of the user's clients")

	// ErrNotAConnectionGroup is returned when a connection group
	// operation targets a group with more than one member.
	ErrNotAConnectionGroup = errors.New("ds: group is not a connection group")

	// ErrUserAuthKeyCollision is returned when a registered user auth
	// key would be reused by a different user.
	ErrUserAuthKeyCollision = errors.New("ds: user auth key already registered")

	// ErrNoWelcomeInfoFound is returned when no retained tree snapshot
	// matches a welcome info request.
	ErrNoWelcomeInfoFound = errors.New("ds: no welcome info found")

	// ErrDistribution is returned when fan-out dispatch failed for at
	// least one recipient.
	ErrDistribution = errors.New("ds: fan-out distribution failed")

	// ErrUnsupportedVersion is returned for unknown protocol versions.
	ErrUnsupportedVersion = errors.New("ds: unsupported protocol version")
)

// StatusOf maps an error to the stable wire status returned to clients.
func StatusOf(err error) wire.StatusCode {
	switch {
	case err == nil:
		return wire.StatusOk
	case errors.Is(err, ErrInvalidMessage):
		return wire.StatusInvalidMessage
	case errors.Is(err, ErrInvalidSignature):
		return wire.StatusInvalidSignature
	case errors.Is(err, ErrGroupNotFound), errors.Is(err, state.ErrNotFound):
		return wire.StatusGroupNotFound
	case errors.Is(err, ErrCouldNotDecrypt):
		return wire.StatusCouldNotDecrypt
	case errors.Is(err, ErrUnknownSender):
		return wire.StatusUnknownSender
	case errors.Is(err, ErrInvalidSenderType):
		return wire.StatusInvalidSenderType
	case errors.Is(err, ErrMissingQueueConfig):
		return wire.StatusMissingQueueConfig
	case errors.Is(err, ErrIncompleteWelcome):
		return wire.StatusIncompleteWelcome
	case errors.Is(err, ErrInvalidKeyPackageBatch):
		return wire.StatusInvalidKeyPackageBatch
	case errors.Is(err, ErrVerifyingKeyUnavailable):
		return wire.StatusVerifyingKeyUnavailable
	case errors.Is(err, ErrDuplicatedUserAddition):
		return wire.StatusDuplicatedUserAddition
	case errors.Is(err, ErrIncompleteRemoval):
		return wire.StatusIncompleteRemoval
	case errors.Is(err, ErrNotAConnectionGroup):
		return wire.StatusNotAConnectionGroup
	case errors.Is(err, ErrUserAuthKeyCollision):
		return wire.StatusUserAuthKeyCollision
	case errors.Is(err, ErrNoWelcomeInfoFound):
		return wire.StatusNoWelcomeInfoFound
	case errors.Is(err, state.ErrUnreserved):
		return wire.StatusUnreservedGroupID
	case errors.Is(err, state.ErrGroupBusy):
		return wire.StatusGroupBusy
	case errors.Is(err, ErrDistribution):
		return wire.StatusDistributionFailure
	case errors.Is(err, ErrProcessing):
		return wire.StatusProcessingFailed
	case errors.Is(err, state.ErrStorage):
		return wire.StatusStorageFailure
	case errors.Is(err, ErrUnsupportedVersion):
		return wire.StatusUnsupportedVersion
	case errors.Is(err, ErrLibrary):
		return wire.StatusInternalError
	default:
		return wire.StatusInternalError
	}
}
