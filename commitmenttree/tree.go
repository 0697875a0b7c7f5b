// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/OffchainLabs/optimist/blob/master/LICENSE

package commitmenttree

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// DefaultHeight is the commitment tree height used in production.
const DefaultHeight = 32

const maxHeight = 64

var ErrTreeFull = errors.New("commitment tree is full")

// emptyLeaf pads tree positions no commitment has reached yet.
var emptyLeaf = crypto.Keccak256Hash([]byte("optimist.empty.leaf"))

// emptyHashes[i] is the hash of a complete empty subtree of height i.
var emptyHashes [maxHeight + 1]common.Hash

func init() {
	emptyHashes[0] = emptyLeaf
	for i := 0; i < maxHeight; i++ {
		emptyHashes[i+1] = crypto.Keccak256Hash(emptyHashes[i].Bytes(), emptyHashes[i].Bytes())
	}
}

// Tree is an append-only binary Merkle tree of fixed height, represented by
// its leaf count and frontier (the left-sibling hashes needed to append the
// next leaf). The root is a pure function of the ordered leaf sequence and
// the height: rebuilding from genesis with the same leaves always reproduces
// the same root, however the tree was assembled.
type Tree struct {
	height    uint64
	leafCount uint64
	frontier  []common.Hash // frontier[level], meaningful where the leafCount bit at level is set
}

func NewTree(height uint64) *Tree {
	if height == 0 || height > maxHeight {
		panic("commitment tree height out of range")
	}
	return &Tree{
		height:   height,
		frontier: make([]common.Hash, height+1),
	}
}

// FromFrontier reconstructs a tree value from a prior leaf count and
// frontier, as recorded in a snapshot.
func FromFrontier(height uint64, leafCount uint64, frontier []common.Hash) (*Tree, error) {
	tree := NewTree(height)
	if leafCount > uint64(1)<<height {
		return nil, ErrTreeFull
	}
	if len(frontier) > len(tree.frontier) {
		return nil, errors.New("frontier larger than tree height allows")
	}
	copy(tree.frontier, frontier)
	tree.leafCount = leafCount
	return tree, nil
}

func (t *Tree) Height() uint64 {
	return t.height
}

func (t *Tree) LeafCount() uint64 {
	return t.leafCount
}

// Frontier returns a copy of the sibling hashes needed to extend the tree.
func (t *Tree) Frontier() []common.Hash {
	frontier := make([]common.Hash, len(t.frontier))
	copy(frontier, t.frontier)
	return frontier
}

func (t *Tree) Clone() *Tree {
	clone := NewTree(t.height)
	clone.leafCount = t.leafCount
	copy(clone.frontier, t.frontier)
	return clone
}

func (t *Tree) appendLeaf(leaf common.Hash) error {
	if t.leafCount >= uint64(1)<<t.height {
		return ErrTreeFull
	}
	node := leaf
	index := t.leafCount
	level := uint64(0)
	for index&1 == 1 {
		node = crypto.Keccak256Hash(t.frontier[level].Bytes(), node.Bytes())
		index >>= 1
		level++
	}
	t.frontier[level] = node
	t.leafCount++
	return nil
}

// Append adds the ordered leaves to the tree, O(log n) hashes per leaf.
func (t *Tree) Append(leaves []common.Hash) error {
	for _, leaf := range leaves {
		if err := t.appendLeaf(leaf); err != nil {
			return err
		}
	}
	return nil
}

// Root folds the frontier against precomputed empty-subtree hashes.
func (t *Tree) Root() common.Hash {
	if t.leafCount == uint64(1)<<t.height {
		return t.frontier[t.height]
	}
	node := emptyLeaf
	size := t.leafCount
	for level := uint64(0); level < t.height; level++ {
		if size&1 == 1 {
			node = crypto.Keccak256Hash(t.frontier[level].Bytes(), node.Bytes())
		} else {
			node = crypto.Keccak256Hash(node.Bytes(), emptyHashes[level].Bytes())
		}
		size >>= 1
	}
	return node
}

// StatelessUpdate computes the tree that would result from appending the
// given leaves, without mutating the argument. Used to evaluate a candidate
// block's effect before committing to it.
func StatelessUpdate(t *Tree, leaves []common.Hash) (*Tree, error) {
	updated := t.Clone()
	if err := updated.Append(leaves); err != nil {
		return nil, err
	}
	return updated, nil
}
