// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/OffchainLabs/optimist/blob/master/LICENSE

package optstate

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// TxType identifies the shielded operation a transaction performs.
type TxType uint8

const (
	TxDeposit TxType = iota
	TxTransfer
	TxDoubleTransfer
	TxWithdraw
)

// Recognized reports whether the type is one of the four known kinds.
// Unknown values are kept as-is so the validity checker can flag them.
func (t TxType) Recognized() bool {
	return t <= TxWithdraw
}

func (t TxType) String() string {
	switch t {
	case TxDeposit:
		return "deposit"
	case TxTransfer:
		return "transfer"
	case TxDoubleTransfer:
		return "double-transfer"
	case TxWithdraw:
		return "withdraw"
	default:
		return "unknown"
	}
}

// Transaction is a shielded L2 transaction. Immutable once accepted.
// HistoricRoots holds the L2 block numbers whose commitment-tree roots the
// proof of a transfer or withdraw is anchored to.
type Transaction struct {
	Hash          common.Hash
	Type          TxType
	Commitments   []common.Hash
	Nullifiers    []common.Hash
	HistoricRoots []uint64
	Proof         []byte
	Fee           uint64
}

type txHashContent struct {
	Type          TxType
	Commitments   []common.Hash
	Nullifiers    []common.Hash
	HistoricRoots []uint64
	Proof         []byte
	Fee           uint64
}

// ComputeHash derives the transaction hash from its immutable content.
func (tx *Transaction) ComputeHash() common.Hash {
	encoded, err := rlp.EncodeToBytes(&txHashContent{
		Type:          tx.Type,
		Commitments:   tx.Commitments,
		Nullifiers:    tx.Nullifiers,
		HistoricRoots: tx.HistoricRoots,
		Proof:         tx.Proof,
		Fee:           tx.Fee,
	})
	if err != nil {
		// rlp encoding of a fully concrete struct cannot fail
		panic(err)
	}
	return crypto.Keccak256Hash(encoded)
}

// CommitmentCount sums the commitments of the given transactions.
func CommitmentCount(txs []*Transaction) uint64 {
	var count uint64
	for _, tx := range txs {
		count += uint64(len(tx.Commitments))
	}
	return count
}

// OrderedCommitments flattens the commitments of the given transactions,
// preserving transaction order and the ordering within each transaction.
func OrderedCommitments(txs []*Transaction) []common.Hash {
	var leaves []common.Hash
	for _, tx := range txs {
		leaves = append(leaves, tx.Commitments...)
	}
	return leaves
}

// OrderedNullifiers flattens the nullifiers of the given transactions.
func OrderedNullifiers(txs []*Transaction) []common.Hash {
	var nullifiers []common.Hash
	for _, tx := range txs {
		nullifiers = append(nullifiers, tx.Nullifiers...)
	}
	return nullifiers
}
