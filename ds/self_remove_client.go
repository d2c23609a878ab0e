// SPDX-FileCopyrightText: Copyright (C) 2025 the groupwire authors
// SPDX-License-Identifier: AGPL-3.0-only

package ds

import (
	"fmt"

	"github.com/groupwire/groupwire/mlsassist"
	"github.com/groupwire/groupwire/wire"
)

// selfRemoveClient queues a remove proposal through which a client leaves
// the group. The proposal is fanned out and takes effect once a remaining
// member commits it.
func (g *GroupState) selfRemoveClient(params *wire.SelfRemoveClientParams, senderHash wire.UserKeyHash) error {
	pm, err := g.group.Process(&params.RemoveProposal)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProcessing, err)
	}
	if pm.Kind != mlsassist.ContentProposal {
		return fmt.Errorf("%w: expected a remove proposal", ErrInvalidMessage)
	}
	proposal := pm.Proposal.Proposal
	if proposal.ProposalType != mlsassist.ProposalTypeRemove {
		return fmt.Errorf("%w: expected a remove proposal", ErrInvalidMessage)
	}
	removed := proposal.Remove.Removed
	if pm.Sender.Kind != mlsassist.SenderMember || pm.Sender.LeafIndex != removed {
		return fmt.Errorf("%w: self removal must target the sender's leaf", ErrInvalidMessage)
	}
	if hash, ok := g.userOfLeaf(removed); !ok || hash != senderHash {
		return ErrUnknownSender
	}

	g.group.Accept(pm, pastStateRetention)
	g.registerActivity(removed)
	return nil
}
