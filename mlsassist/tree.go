// SPDX-FileCopyrightText: Copyright (C) 2025 the groupwire authors
// SPDX-License-Identifier: AGPL-3.0-only

package mlsassist

import (
	"crypto/sha256"
	"errors"

	"github.com/fxamacker/cbor/v2"
)

// RatchetTree is the public leaf vector of an MLS group. Blank leaves are
// nil entries; trailing blanks are truncated after every mutation so the
// tree hash is canonical.
type RatchetTree struct {
	Leaves []*LeafNode
}

// Member is a leaf index together with the public leaf stored there.
type Member struct {
	Index    LeafIndex
	LeafNode *LeafNode
}

// LeafCount returns the size of the leaf vector, blanks included.
func (t *RatchetTree) LeafCount() int {
	return len(t.Leaves)
}

// Leaf returns the leaf at the given index, or nil if the index is blank
// or out of range.
func (t *RatchetTree) Leaf(index LeafIndex) *LeafNode {
	if int(index) >= len(t.Leaves) {
		return nil
	}
	return t.Leaves[index]
}

// Members returns all occupied leaves in index order.
func (t *RatchetTree) Members() []Member {
	var members []Member
	for i, leaf := range t.Leaves {
		if leaf != nil {
			members = append(members, Member{Index: LeafIndex(i), LeafNode: leaf})
		}
	}
	return members
}

// FreeIndices returns the indices new members would be assigned, in
// assignment order: blank leaves first, then indices past the end of the
// current leaf vector.
func (t *RatchetTree) FreeIndices() []LeafIndex {
	var free []LeafIndex
	for i, leaf := range t.Leaves {
		if leaf == nil {
			free = append(free, LeafIndex(i))
		}
	}
	next := LeafIndex(len(t.Leaves))
	for i := 0; i < 8; i++ {
		free = append(free, next)
		next++
	}
	return free
}

// AddLeaf inserts the leaf at the first free index and returns that index.
func (t *RatchetTree) AddLeaf(leaf *LeafNode) LeafIndex {
	for i, existing := range t.Leaves {
		if existing == nil {
			t.Leaves[i] = leaf
			return LeafIndex(i)
		}
	}
	t.Leaves = append(t.Leaves, leaf)
	return LeafIndex(len(t.Leaves) - 1)
}

// SetLeaf replaces the leaf at the given index, which must be occupied.
func (t *RatchetTree) SetLeaf(index LeafIndex, leaf *LeafNode) error {
	if t.Leaf(index) == nil {
		return errors.New("mlsassist: no leaf at index")
	}
	t.Leaves[index] = leaf
	return nil
}

// BlankLeaf removes the leaf at the given index, which must be occupied,
// and truncates trailing blanks.
func (t *RatchetTree) BlankLeaf(index LeafIndex) error {
	if t.Leaf(index) == nil {
		return errors.New("mlsassist: no leaf at index")
	}
	t.Leaves[index] = nil
	t.truncate()
	return nil
}

func (t *RatchetTree) truncate() {
	for len(t.Leaves) > 0 && t.Leaves[len(t.Leaves)-1] == nil {
		t.Leaves = t.Leaves[:len(t.Leaves)-1]
	}
}

// Clone returns a deep copy of the tree.
func (t *RatchetTree) Clone() *RatchetTree {
	leaves := make([]*LeafNode, len(t.Leaves))
	for i, leaf := range t.Leaves {
		if leaf != nil {
			leaves[i] = leaf.Clone()
		}
	}
	return &RatchetTree{Leaves: leaves}
}

// Hash computes the tree hash committed to by group info messages.
func (t *RatchetTree) Hash() ([32]byte, error) {
	b, err := cbor.Marshal(t)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(b), nil
}

// Marshal serializes the tree.
func (t *RatchetTree) Marshal() ([]byte, error) {
	return cbor.Marshal(t)
}

// Unmarshal deserializes the tree.
func (t *RatchetTree) Unmarshal(b []byte) error {
	return cbor.Unmarshal(b, t)
}
