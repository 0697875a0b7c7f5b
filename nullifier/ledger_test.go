// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/OffchainLabs/optimist/blob/master/LICENSE

package nullifier

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/offchainlabs/optimist/optstate"
	"github.com/offchainlabs/optimist/storage"
	"github.com/offchainlabs/optimist/util/testhelpers"
)

// insertBlock stores a live block spending the given nullifiers and stamps
// them, the way the reconciliation loop does after a block passes checking.
func insertBlock(t *testing.T, store *storage.Store, ledger *Ledger, number uint64, nullifiers []common.Hash) *optstate.Block {
	t.Helper()
	tx := &optstate.Transaction{
		Type:       optstate.TxTransfer,
		Nullifiers: nullifiers,
		Proof:      testhelpers.RandomSlice(32),
	}
	tx.Hash = tx.ComputeHash()
	ref := testhelpers.RandomHash()
	block := &optstate.Block{
		L2BlockNumber: number,
		L1Reference:   &ref,
		Proposer:      testhelpers.RandomAddress(),
		TxHashes:      []common.Hash{tx.Hash},
	}
	block.BlockHash = block.ComputeHash()
	Require(t, store.UpsertBlock(block))
	Require(t, store.PutTransactions([]*optstate.Transaction{tx}, block.BlockHash))
	Require(t, ledger.Stamp(nullifiers, block.BlockHash))
	return block
}

func TestStampAndConflicts(t *testing.T) {
	store := storage.NewMemoryStore()
	ledger := NewLedger(store)
	spent := testhelpers.RandomHash()
	block := insertBlock(t, store, ledger, 0, []common.Hash{spent})

	live, err := ledger.IsLive(spent)
	Require(t, err)
	if !live {
		Fail(t, "stamped nullifier not live")
	}

	// a different block spending the same nullifier sees exactly one
	// conflict, naming the incumbent
	candidate := testhelpers.RandomHash()
	conflicts, err := ledger.LiveConflicts(spent, candidate)
	Require(t, err)
	if len(conflicts) != 1 || conflicts[0] != block.BlockHash {
		Fail(t, "expected the stamping block as the sole conflict", conflicts)
	}

	// the stamping block itself sees no conflict
	conflicts, err = ledger.LiveConflicts(spent, block.BlockHash)
	Require(t, err)
	if len(conflicts) != 0 {
		Fail(t, "block conflicts with its own stamp")
	}

	unknown, err := ledger.IsLive(testhelpers.RandomHash())
	Require(t, err)
	if unknown {
		Fail(t, "unknown nullifier reported live")
	}
}

func TestUnstampClearsOnlyOwnStamps(t *testing.T) {
	store := storage.NewMemoryStore()
	ledger := NewLedger(store)
	first := testhelpers.RandomHash()
	second := testhelpers.RandomHash()
	blockOne := insertBlock(t, store, ledger, 0, []common.Hash{first})
	insertBlock(t, store, ledger, 1, []common.Hash{second})

	Require(t, ledger.Unstamp(blockOne.BlockHash))

	live, err := ledger.IsLive(first)
	Require(t, err)
	if live {
		Fail(t, "unstamped nullifier still live")
	}
	live, err = ledger.IsLive(second)
	Require(t, err)
	if !live {
		Fail(t, "unrelated stamp cleared by unstamp")
	}
}

func TestStampByRemovedBlockNotLive(t *testing.T) {
	store := storage.NewMemoryStore()
	ledger := NewLedger(store)
	spent := testhelpers.RandomHash()
	block := insertBlock(t, store, ledger, 0, []common.Hash{spent})

	// the block drops off the canonical chain but its stamp record remains
	block.L1Reference = nil
	Require(t, store.UpsertBlock(block))

	live, err := ledger.IsLive(spent)
	Require(t, err)
	if live {
		Fail(t, "stamp by a removed block reported live")
	}
	conflicts, err := ledger.LiveConflicts(spent, testhelpers.RandomHash())
	Require(t, err)
	if len(conflicts) != 0 {
		Fail(t, "removed block still conflicts")
	}
}

func Require(t *testing.T, err error, printables ...interface{}) {
	t.Helper()
	testhelpers.RequireImpl(t, err, printables...)
}

func Fail(t *testing.T, printables ...interface{}) {
	t.Helper()
	testhelpers.FailImpl(t, printables...)
}
