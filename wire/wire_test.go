// SPDX-FileCopyrightText: Copyright (C) 2025 the groupwire authors
// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"testing"

	"github.com/google/uuid"
	"github.com/katzenpost/hpqc/rand"
	eddsa "github.com/katzenpost/hpqc/sign/ed25519"
	"github.com/stretchr/testify/require"
)

func TestQualifiedGroupIDRoundTrip(t *testing.T) {
	require := require.New(t)

	qgid := &QualifiedGroupID{
		GroupUUID:    uuid.New(),
		OwningDomain: "ds.example.com",
	}
	restored, err := QualifiedGroupIDFromBytes(qgid.Bytes())
	require.NoError(err)
	require.Equal(qgid.GroupUUID, restored.GroupUUID)
	require.Equal(qgid.OwningDomain, restored.OwningDomain)
}

func TestFqdnValidate(t *testing.T) {
	require := require.New(t)
	require.NoError(Fqdn("example.com").Validate())
	require.Error(Fqdn("").Validate())
	require.Error(Fqdn("not a domain").Validate())
}

func TestClientRequestSignVerify(t *testing.T) {
	require := require.New(t)

	signer, _, err := eddsa.NewKeypair(rand.Reader)
	require.NoError(err)

	req := &ClientRequest{
		Version:     CurrentVersion,
		GroupID:     QualifiedGroupID{GroupUUID: uuid.New(), OwningDomain: "ds.example.com"},
		Sender:      Sender{Type: SenderLeafIndex, LeafIndex: 3},
		RequestType: RequestSendMessage,
		Payload:     []byte("params"),
	}
	require.NoError(req.Sign(signer))
	require.NoError(req.Verify(signer.PublicKey()))

	// Tampering breaks the signature.
	req.Payload = []byte("other params")
	require.Error(req.Verify(signer.PublicKey()))
}

func TestClientRequestRoundTrip(t *testing.T) {
	require := require.New(t)

	signer, _, err := eddsa.NewKeypair(rand.Reader)
	require.NoError(err)
	req := &ClientRequest{
		Version:     CurrentVersion,
		GroupID:     QualifiedGroupID{GroupUUID: uuid.New(), OwningDomain: "ds.example.com"},
		Sender:      Sender{Type: SenderAnonymous},
		RequestType: RequestGroupID,
	}
	require.NoError(req.Sign(signer))

	b, err := req.Marshal()
	require.NoError(err)
	restored := new(ClientRequest)
	require.NoError(restored.Unmarshal(b))
	require.NoError(restored.Verify(signer.PublicKey()))
	require.Equal(req.RequestType, restored.RequestType)
}

func TestAadRoundTrip(t *testing.T) {
	require := require.New(t)

	payload := &AddUsersAad{
		CredentialInfos: []ClientCredentialInfo{
			{Credential: []byte("cred"), SignatureEarKey: []byte("sek")},
		},
	}
	msg, err := NewAadMessage(AadAddUsers, payload)
	require.NoError(err)
	b, err := msg.Marshal()
	require.NoError(err)

	var decoded AddUsersAad
	require.NoError(DecodeAad(b, AadAddUsers, &decoded))
	require.Len(decoded.CredentialInfos, 1)
	require.Equal(EncryptedClientCredential([]byte("cred")), decoded.CredentialInfos[0].Credential)

	// The wrong expected type is rejected.
	var wrongType AddClientsAad
	require.Error(DecodeAad(b, AadAddClients, &wrongType))
	require.Error(DecodeAad(nil, AadAddUsers, &decoded))
}
