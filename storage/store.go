// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/OffchainLabs/optimist/blob/master/LICENSE

package storage

import (
	"encoding/binary"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/rlp"
	pkgerrors "github.com/pkg/errors"

	"github.com/offchainlabs/optimist/optstate"
)

var ErrNotFound = errors.New("not found in store")

// Store is the authoritative keyed store for blocks, transactions,
// nullifiers, tree snapshots and challenges. It is a thin schema layer over
// an abstract key-value database; it never deletes block or transaction
// records, matching the retention rules of the reconciliation protocol.
type Store struct {
	db ethdb.KeyValueStore
}

func NewStore(db ethdb.KeyValueStore) *Store {
	return &Store{db: db}
}

func NewMemoryStore() *Store {
	return NewStore(rawdb.NewMemoryDatabase())
}

func uint64ToKey(prefix []byte, x uint64) []byte {
	data := make([]byte, 8)
	binary.BigEndian.PutUint64(data, x)
	return append(prefix, data...)
}

func (s *Store) get(key []byte) ([]byte, error) {
	has, err := s.db.Has(key)
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, ErrNotFound
	}
	return s.db.Get(key)
}

// UpsertBlock writes (or overwrites) a block record and points the L2 number
// index at it when the block is live.
func (s *Store) UpsertBlock(block *optstate.Block) error {
	encoded, err := rlp.EncodeToBytes(block)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to encode block")
	}
	if err := s.db.Put(append(blockPrefix, block.BlockHash.Bytes()...), encoded); err != nil {
		return err
	}
	if block.Live() {
		return s.db.Put(uint64ToKey(l2NumberPrefix, block.L2BlockNumber), block.BlockHash.Bytes())
	}
	return nil
}

func (s *Store) BlockByHash(hash common.Hash) (*optstate.Block, error) {
	data, err := s.get(append(blockPrefix, hash.Bytes()...))
	if err != nil {
		return nil, err
	}
	var block optstate.Block
	if err := rlp.DecodeBytes(data, &block); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to decode block")
	}
	return &block, nil
}

// BlockByL2Number returns the block currently indexed at the given L2
// number. The indexed block may have been removed from the canonical chain
// since; callers that need a live block should use LiveBlockByL2Number.
func (s *Store) BlockByL2Number(number uint64) (*optstate.Block, error) {
	data, err := s.get(uint64ToKey(l2NumberPrefix, number))
	if err != nil {
		return nil, err
	}
	return s.BlockByHash(common.BytesToHash(data))
}

func (s *Store) LiveBlockByL2Number(number uint64) (*optstate.Block, error) {
	block, err := s.BlockByL2Number(number)
	if err != nil {
		return nil, err
	}
	if !block.Live() {
		return nil, ErrNotFound
	}
	return block, nil
}

// PutTransactions stores transaction records and records their owning block.
// The owner index follows the most recent block to include each transaction.
func (s *Store) PutTransactions(txs []*optstate.Transaction, blockHash common.Hash) error {
	for _, tx := range txs {
		encoded, err := rlp.EncodeToBytes(tx)
		if err != nil {
			return pkgerrors.Wrap(err, "failed to encode transaction")
		}
		if err := s.db.Put(append(txPrefix, tx.Hash.Bytes()...), encoded); err != nil {
			return err
		}
		if err := s.db.Put(append(txOwnerPrefix, tx.Hash.Bytes()...), blockHash.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) TransactionByHash(hash common.Hash) (*optstate.Transaction, error) {
	data, err := s.get(append(txPrefix, hash.Bytes()...))
	if err != nil {
		return nil, err
	}
	var tx optstate.Transaction
	if err := rlp.DecodeBytes(data, &tx); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to decode transaction")
	}
	return &tx, nil
}

func (s *Store) TransactionsByHashes(hashes []common.Hash) ([]*optstate.Transaction, error) {
	txs := make([]*optstate.Transaction, 0, len(hashes))
	for _, hash := range hashes {
		tx, err := s.TransactionByHash(hash)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

// BlockContainingTransaction returns the block that currently owns the given
// transaction hash, or ErrNotFound if the hash has never been seen.
func (s *Store) BlockContainingTransaction(txHash common.Hash) (*optstate.Block, error) {
	data, err := s.get(append(txOwnerPrefix, txHash.Bytes()...))
	if err != nil {
		return nil, err
	}
	return s.BlockByHash(common.BytesToHash(data))
}

func (s *Store) PutTreeSnapshot(leafCount uint64, data []byte) error {
	return s.db.Put(uint64ToKey(treeSnapshotPrefix, leafCount), data)
}

func (s *Store) TreeSnapshotAtLeafCount(leafCount uint64) ([]byte, error) {
	return s.get(uint64ToKey(treeSnapshotPrefix, leafCount))
}

func (s *Store) PutNullifier(hash common.Hash, data []byte) error {
	return s.db.Put(append(nullifierPrefix, hash.Bytes()...), data)
}

func (s *Store) NullifierByHash(hash common.Hash) ([]byte, error) {
	return s.get(append(nullifierPrefix, hash.Bytes()...))
}

func (s *Store) PutChallenge(commitHash common.Hash, data []byte) error {
	return s.db.Put(append(challengePrefix, commitHash.Bytes()...), data)
}

func (s *Store) ChallengeByCommitHash(commitHash common.Hash) ([]byte, error) {
	return s.get(append(challengePrefix, commitHash.Bytes()...))
}

// Challenges returns every stored challenge record, in key order.
func (s *Store) Challenges() ([][]byte, error) {
	iter := s.db.NewIterator(challengePrefix, nil)
	defer iter.Release()
	var records [][]byte
	for iter.Next() {
		value := make([]byte, len(iter.Value()))
		copy(value, iter.Value())
		records = append(records, value)
	}
	return records, iter.Error()
}

func challengeRefKey(blockHash common.Hash, code uint8) []byte {
	key := append([]byte{}, challengeRefPrefix...)
	key = append(key, blockHash.Bytes()...)
	return append(key, code)
}

// PutChallengeRef records which commit hash handles a given
// (block hash, error code) pair, making challenge production idempotent.
func (s *Store) PutChallengeRef(blockHash common.Hash, code uint8, commitHash common.Hash) error {
	return s.db.Put(challengeRefKey(blockHash, code), commitHash.Bytes())
}

func (s *Store) ChallengeRef(blockHash common.Hash, code uint8) (common.Hash, error) {
	data, err := s.get(challengeRefKey(blockHash, code))
	if err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(data), nil
}

// MarkApplied records that a block's commitments were appended to the tree.
// Blocks that failed validation are persisted without this marker, so a
// later Remove knows whether there is anything to roll back.
func (s *Store) MarkApplied(blockHash common.Hash) error {
	return s.db.Put(append(appliedPrefix, blockHash.Bytes()...), []byte{1})
}

func (s *Store) ClearApplied(blockHash common.Hash) error {
	return s.db.Delete(append(appliedPrefix, blockHash.Bytes()...))
}

func (s *Store) WasApplied(blockHash common.Hash) (bool, error) {
	_, err := s.get(append(appliedPrefix, blockHash.Bytes()...))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) SetHead(l2Number uint64) error {
	data := make([]byte, 8)
	binary.BigEndian.PutUint64(data, l2Number)
	return s.db.Put(headKey, data)
}

// Head returns the L2 number of the latest live block. ErrNotFound before
// any block has been accepted.
func (s *Store) Head() (uint64, error) {
	data, err := s.get(headKey)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(data), nil
}
