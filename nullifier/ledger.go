// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/OffchainLabs/optimist/blob/master/LICENSE

package nullifier

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	pkgerrors "github.com/pkg/errors"

	"github.com/offchainlabs/optimist/optstate"
	"github.com/offchainlabs/optimist/storage"
)

// Record associates a spent-output marker with the block that spent it.
// StampedBy is nil while no block claims the nullifier. The record is
// "live-stamped" when StampedBy is set and that block is on the canonical
// chain; at most one live stamp may exist per nullifier at any time.
type Record struct {
	Hash      common.Hash
	StampedBy *common.Hash `rlp:"nil"`
}

// Ledger reads and writes nullifier records through the authoritative store.
// Only the reconciliation loop mutates it; the validity checker reads it.
type Ledger struct {
	store *storage.Store
}

func NewLedger(store *storage.Store) *Ledger {
	return &Ledger{store: store}
}

func (l *Ledger) record(hash common.Hash) (*Record, error) {
	data, err := l.store.NullifierByHash(hash)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := rlp.DecodeBytes(data, &rec); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to decode nullifier record")
	}
	return &rec, nil
}

func (l *Ledger) putRecord(rec *Record) error {
	encoded, err := rlp.EncodeToBytes(rec)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to encode nullifier record")
	}
	return l.store.PutNullifier(rec.Hash, encoded)
}

// Stamp associates each nullifier with the block spending it. A stale stamp
// from a block no longer on the canonical chain is overwritten; the validity
// checker has already ruled out a conflicting live stamp by this point.
func (l *Ledger) Stamp(nullifiers []common.Hash, blockHash common.Hash) error {
	for _, hash := range nullifiers {
		stamped := blockHash
		if err := l.putRecord(&Record{Hash: hash, StampedBy: &stamped}); err != nil {
			return err
		}
	}
	return nil
}

// Unstamp clears the association for every nullifier stamped by the given
// block, looking the block's nullifiers up through the store. Stamps owned
// by other blocks are left untouched.
func (l *Ledger) Unstamp(blockHash common.Hash) error {
	block, err := l.store.BlockByHash(blockHash)
	if err != nil {
		return err
	}
	txs, err := l.store.TransactionsByHashes(block.TxHashes)
	if err != nil {
		return err
	}
	for _, hash := range optstate.OrderedNullifiers(txs) {
		rec, err := l.record(hash)
		if err != nil {
			return err
		}
		if rec == nil || rec.StampedBy == nil || *rec.StampedBy != blockHash {
			continue
		}
		if err := l.putRecord(&Record{Hash: hash}); err != nil {
			return err
		}
	}
	return nil
}

// LiveConflicts returns the blocks, other than the one under test, that
// currently live-stamp the nullifier. A non-empty result is a double-spend.
// The block not under evaluation is always treated as the incumbent.
func (l *Ledger) LiveConflicts(hash common.Hash, underTest common.Hash) ([]common.Hash, error) {
	rec, err := l.record(hash)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.StampedBy == nil || *rec.StampedBy == underTest {
		return nil, nil
	}
	block, err := l.store.BlockByHash(*rec.StampedBy)
	if errors.Is(err, storage.ErrNotFound) {
		// stamp refers to a block the store never saw; treat as not live
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !block.Live() {
		return nil, nil
	}
	return []common.Hash{block.BlockHash}, nil
}

// IsLive reports whether the nullifier is currently stamped by a live block.
func (l *Ledger) IsLive(hash common.Hash) (bool, error) {
	conflicts, err := l.LiveConflicts(hash, common.Hash{})
	if err != nil {
		return false, err
	}
	return len(conflicts) > 0, nil
}
