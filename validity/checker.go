// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/OffchainLabs/optimist/blob/master/LICENSE

package validity

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/offchainlabs/optimist/commitmenttree"
	"github.com/offchainlabs/optimist/nullifier"
	"github.com/offchainlabs/optimist/optstate"
	"github.com/offchainlabs/optimist/storage"
)

// ProofOracle verifies an attached proof against a verification key and
// public inputs. Implementations may be remote; verification is the one
// expensive step of block checking.
type ProofOracle interface {
	Verify(ctx context.Context, verificationKey []byte, proof []byte, publicInputs [][]byte) (bool, error)
}

// Checker decides whether a candidate block is valid. It is a pure decision
// function: it reads the tree, the nullifier ledger and the store, and never
// mutates any of them. Checks run in a fixed order and stop at the first
// failure, so exactly one fraud class is pursued per block.
type Checker struct {
	store            *storage.Store
	ledger           *nullifier.Ledger
	oracle           ProofOracle
	verificationKeys map[optstate.TxType][]byte
}

func NewChecker(store *storage.Store, ledger *nullifier.Ledger, oracle ProofOracle, verificationKeys map[optstate.TxType][]byte) *Checker {
	return &Checker{
		store:            store,
		ledger:           ledger,
		oracle:           oracle,
		verificationKeys: verificationKeys,
	}
}

// PublicInputs derives the proof public inputs for one transaction:
// its commitments, nullifiers and the historic roots it is anchored to.
func PublicInputs(tx *optstate.Transaction, historicRoots []common.Hash) [][]byte {
	var inputs [][]byte
	for _, c := range tx.Commitments {
		inputs = append(inputs, c.Bytes())
	}
	for _, n := range tx.Nullifiers {
		inputs = append(inputs, n.Bytes())
	}
	for _, r := range historicRoots {
		inputs = append(inputs, r.Bytes())
	}
	return inputs
}

// VerifyProofs runs the proof oracle over every transaction of a candidate
// block and returns the per-transaction outcome keyed by transaction hash.
// It is safe to call concurrently for independent blocks; the result is
// handed back to Check, which folds it into the serialized decision.
func (c *Checker) VerifyProofs(ctx context.Context, txs []*optstate.Transaction) (map[common.Hash]bool, error) {
	results := make(map[common.Hash]bool, len(txs))
	for _, tx := range txs {
		roots, ok, err := c.resolveHistoricRoots(tx)
		if err != nil {
			return nil, err
		}
		if !ok {
			// the historic-root check will fail first; the proof cannot
			// be meaningfully verified against a missing root
			results[tx.Hash] = false
			continue
		}
		passed, err := c.oracle.Verify(ctx, c.verificationKeys[tx.Type], tx.Proof, PublicInputs(tx, roots))
		if err != nil {
			// a malformed proof fails verification rather than erroring
			// the checker out
			passed = false
		}
		results[tx.Hash] = passed
	}
	return results, nil
}

func (c *Checker) resolveHistoricRoots(tx *optstate.Transaction) ([]common.Hash, bool, error) {
	roots := make([]common.Hash, 0, len(tx.HistoricRoots))
	for _, number := range tx.HistoricRoots {
		block, err := c.store.LiveBlockByL2Number(number)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		roots = append(roots, block.Root)
	}
	return roots, true, nil
}

func (c *Checker) priorBlock(block *optstate.Block) (*optstate.Block, error) {
	if block.L2BlockNumber == 0 {
		return nil, nil
	}
	prior, err := c.store.LiveBlockByL2Number(block.L2BlockNumber - 1)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: no live predecessor for L2 block %d", optstate.ErrStructural, block.L2BlockNumber)
	}
	if err != nil {
		return nil, err
	}
	return prior, nil
}

// Check evaluates a candidate block against the current tree value and
// ledger. tree must be a private copy of the pre-candidate tree state.
// proofResults, if non-nil, holds precomputed oracle outcomes from
// VerifyProofs; when nil the oracle is consulted inline.
func (c *Checker) Check(
	ctx context.Context,
	block *optstate.Block,
	txs []*optstate.Transaction,
	tree *commitmenttree.Tree,
	proofResults map[common.Hash]bool,
) (Result, error) {
	prior, err := c.priorBlock(block)
	if err != nil {
		return Result{}, err
	}
	var priorHash common.Hash
	if prior != nil {
		priorHash = prior.BlockHash
	}

	// code 0: recomputed root must equal the declared root
	frontier := tree.Frontier()
	updated, err := commitmenttree.StatelessUpdate(tree, optstate.OrderedCommitments(txs))
	if err != nil {
		return Result{}, err
	}
	if computed := updated.Root(); computed != block.Root {
		return Invalid(&RootMismatch{
			PriorBlockHash: priorHash,
			DeclaredRoot:   block.Root,
			ComputedRoot:   computed,
			Frontier:       frontier,
		}), nil
	}

	// code 1: transaction hash already in another still-live block
	for i, tx := range txs {
		owner, err := c.store.BlockContainingTransaction(tx.Hash)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return Result{}, err
		}
		if owner.BlockHash == block.BlockHash || !owner.Live() {
			continue
		}
		return Invalid(&DuplicateTransaction{
			TxHash:             tx.Hash,
			TxIndex:            i,
			CompetingBlockHash: owner.BlockHash,
			CompetingTxIndex:   indexOfHash(owner.TxHashes, tx.Hash),
		}), nil
	}

	// code 2: unrecognized transaction type
	for i, tx := range txs {
		if !tx.Type.Recognized() {
			return Invalid(&UnknownTxType{TxIndex: i, Type: tx.Type}), nil
		}
	}

	// code 3: historic root reference without a recorded root
	for i, tx := range txs {
		_, ok, err := c.resolveHistoricRoots(tx)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			return Invalid(&HistoricRootInvalid{
				TxIndex:           i,
				ReferencedL2Block: firstMissingRoot(c.store, tx),
			}), nil
		}
	}

	// code 4: proof verification
	if proofResults == nil {
		proofResults, err = c.VerifyProofs(ctx, txs)
		if err != nil {
			return Result{}, err
		}
	}
	for i, tx := range txs {
		if !proofResults[tx.Hash] {
			return Invalid(&ProofFailed{TxIndex: i, Proof: tx.Proof}), nil
		}
	}

	// code 6: nullifier already live-stamped by a different block
	for i, tx := range txs {
		for _, n := range tx.Nullifiers {
			conflicts, err := c.ledger.LiveConflicts(n, block.BlockHash)
			if err != nil {
				return Result{}, err
			}
			if len(conflicts) == 0 {
				continue
			}
			competingIndex, err := c.txIndexSpending(conflicts[0], n)
			if err != nil {
				return Result{}, err
			}
			return Invalid(&DuplicateNullifier{
				Nullifier:          n,
				TxIndex:            i,
				CompetingBlockHash: conflicts[0],
				CompetingTxIndex:   competingIndex,
			}), nil
		}
	}

	// code 7: declared leaf count must extend the previous live block
	var expected uint64
	if prior != nil {
		priorTxs, err := c.store.TransactionsByHashes(prior.TxHashes)
		if err != nil {
			return Result{}, err
		}
		expected = prior.LeafCount + optstate.CommitmentCount(priorTxs)
	}
	if block.LeafCount != expected {
		return Invalid(&LeafCountMismatch{
			PriorBlockHash: priorHash,
			Declared:       block.LeafCount,
			Expected:       expected,
		}), nil
	}

	return Valid(), nil
}

func (c *Checker) txIndexSpending(blockHash common.Hash, n common.Hash) (int, error) {
	block, err := c.store.BlockByHash(blockHash)
	if err != nil {
		return 0, err
	}
	txs, err := c.store.TransactionsByHashes(block.TxHashes)
	if err != nil {
		return 0, err
	}
	for i, tx := range txs {
		for _, candidate := range tx.Nullifiers {
			if candidate == n {
				return i, nil
			}
		}
	}
	return 0, fmt.Errorf("block %v does not spend nullifier %v", blockHash, n)
}

func indexOfHash(hashes []common.Hash, hash common.Hash) int {
	for i, h := range hashes {
		if h == hash {
			return i
		}
	}
	return -1
}

func firstMissingRoot(store *storage.Store, tx *optstate.Transaction) uint64 {
	for _, number := range tx.HistoricRoots {
		if _, err := store.LiveBlockByL2Number(number); errors.Is(err, storage.ErrNotFound) {
			return number
		}
	}
	return 0
}
