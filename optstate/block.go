// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/OffchainLabs/optimist/blob/master/LICENSE

package optstate

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// Block is a proposed L2 block as recorded by this subsystem. All fields
// except L1Reference are immutable once stored. L1Reference is nil while the
// block is not on the canonical base-ledger chain; blocks are never deleted,
// only de-referenced, so transaction replay stays detectable.
//
// LeafCount is the commitment-tree leaf count at the start of the block,
// before its own commitments are appended. Root is the tree root after they
// are appended.
type Block struct {
	L2BlockNumber uint64
	L1Reference   *common.Hash `rlp:"nil"`
	BlockHash     common.Hash
	PrevHash      common.Hash
	Root          common.Hash
	LeafCount     uint64
	Proposer      common.Address
	TxHashes      []common.Hash
}

func (b *Block) Live() bool {
	return b.L1Reference != nil
}

type blockHashContent struct {
	L2BlockNumber uint64
	PrevHash      common.Hash
	Root          common.Hash
	LeafCount     uint64
	Proposer      common.Address
	TxHashes      []common.Hash
}

// ComputeHash derives the block hash from the immutable header fields.
// L1Reference is excluded: the same block keeps its identity when it is
// removed from and later restored to the canonical chain.
func (b *Block) ComputeHash() common.Hash {
	encoded, err := rlp.EncodeToBytes(&blockHashContent{
		L2BlockNumber: b.L2BlockNumber,
		PrevHash:      b.PrevHash,
		Root:          b.Root,
		LeafCount:     b.LeafCount,
		Proposer:      b.Proposer,
		TxHashes:      b.TxHashes,
	})
	if err != nil {
		panic(err)
	}
	return crypto.Keccak256Hash(encoded)
}
