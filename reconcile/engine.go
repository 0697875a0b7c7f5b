// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/OffchainLabs/optimist/blob/master/LICENSE

package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	flag "github.com/spf13/pflag"

	"github.com/offchainlabs/optimist/challenge"
	"github.com/offchainlabs/optimist/commitmenttree"
	"github.com/offchainlabs/optimist/nullifier"
	"github.com/offchainlabs/optimist/optstate"
	"github.com/offchainlabs/optimist/storage"
	"github.com/offchainlabs/optimist/util/containers"
	"github.com/offchainlabs/optimist/util/stopwaiter"
	"github.com/offchainlabs/optimist/validity"
)

var (
	eventsProcessedCounter = metrics.NewRegisteredCounter("optimist/reconcile/events", nil)
	blocksValidCounter     = metrics.NewRegisteredCounter("optimist/reconcile/valid", nil)
	blocksInvalidCounter   = metrics.NewRegisteredCounter("optimist/reconcile/invalid", nil)
	blocksRemovedCounter   = metrics.NewRegisteredCounter("optimist/reconcile/removed", nil)
	headL2BlockGauge       = metrics.NewRegisteredGauge("optimist/reconcile/l2block", nil)
)

// ErrReplayConflict signals that a transaction's hash lives in a block whose
// base-ledger reference is currently null: the block was removed in a reorg
// and the transaction is being re-mined. The caller withholds it from block
// assembly until the reference is restored; this is not a failure.
var ErrReplayConflict = errors.New("transaction pending re-inclusion of its removed block")

type Config struct {
	EventQueueSize int              `koanf:"event-queue-size"`
	ProofWorkers   int              `koanf:"proof-workers"`
	TreeHeight     uint64           `koanf:"tree-height"`
	Challenge      challenge.Config `koanf:"challenge"`
}

func ConfigAddOptions(prefix string, f *flag.FlagSet) {
	f.Int(prefix+".event-queue-size", DefaultConfig.EventQueueSize, "buffered base-ledger events awaiting the serialized loop")
	f.Int(prefix+".proof-workers", DefaultConfig.ProofWorkers, "concurrent proof-verification workers")
	f.Uint64(prefix+".tree-height", DefaultConfig.TreeHeight, "commitment tree height")
	challenge.ConfigAddOptions(prefix+".challenge", f)
}

var DefaultConfig = Config{
	EventQueueSize: 256,
	ProofWorkers:   4,
	TreeHeight:     commitmenttree.DefaultHeight,
	Challenge:      challenge.DefaultConfig,
}

type ConfigFetcher func() *Config

// queuedEvent pairs an event with the promises its ingestion waits on. The
// proofs promise is produced by a worker; the result promise by the loop.
type queuedEvent struct {
	event  *optstate.BlockEvent
	proofs *containers.Promise[map[common.Hash]bool]
	result *containers.Promise[validity.Result]
}

// Engine applies the ordered base-ledger event stream to the store, the
// commitment tree and the nullifier ledger, exactly one event at a time.
// Serialization is load-bearing: leaf count monotonicity, frontier validity
// and nullifier live-stamping are all defined relative to the state as of
// the immediately preceding event.
//
// Proof verification is the one expensive step, so it runs ahead of the
// loop on a worker pool; the loop awaits each block's own result at that
// block's turn, which keeps finalization in delivery order.
type Engine struct {
	stopwaiter.StopWaiter

	config      ConfigFetcher
	store       *storage.Store
	tree        *commitmenttree.Engine
	ledger      *nullifier.Ledger
	checker     *validity.Checker
	coordinator *challenge.Coordinator

	events    chan *queuedEvent
	proofJobs chan *queuedEvent
	fatalErr  chan error
}

func NewEngine(
	config ConfigFetcher,
	store *storage.Store,
	oracle validity.ProofOracle,
	verificationKeys map[optstate.TxType][]byte,
	agent challenge.AgentChannel,
) (*Engine, error) {
	leafCount, err := resumeLeafCount(store)
	if err != nil {
		return nil, err
	}
	tree, err := commitmenttree.NewEngine(store, config().TreeHeight, leafCount)
	if err != nil {
		return nil, err
	}
	ledger := nullifier.NewLedger(store)
	challengeConfig := func() *challenge.Config {
		return &config().Challenge
	}
	return &Engine{
		config:      config,
		store:       store,
		tree:        tree,
		ledger:      ledger,
		checker:     validity.NewChecker(store, ledger, oracle, verificationKeys),
		coordinator: challenge.NewCoordinator(challengeConfig, store, agent),
		events:      make(chan *queuedEvent, config().EventQueueSize),
		proofJobs:   make(chan *queuedEvent, config().EventQueueSize),
		fatalErr:    make(chan error, 1),
	}, nil
}

// resumeLeafCount recovers the tree position from the persisted head,
// walking past index entries whose blocks were removed since.
func resumeLeafCount(store *storage.Store) (uint64, error) {
	head, err := store.Head()
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	for number := head; ; number-- {
		block, err := store.LiveBlockByL2Number(number)
		if errors.Is(err, storage.ErrNotFound) {
			if number == 0 {
				return 0, nil
			}
			continue
		}
		if err != nil {
			return 0, err
		}
		txs, err := store.TransactionsByHashes(block.TxHashes)
		if err != nil {
			return 0, err
		}
		return block.LeafCount + optstate.CommitmentCount(txs), nil
	}
}

func (e *Engine) Start(ctxIn context.Context) error {
	e.StopWaiter.Start(ctxIn, e)
	if err := e.coordinator.Start(e.GetContext()); err != nil {
		return err
	}
	for i := 0; i < e.config().ProofWorkers; i++ {
		e.LaunchThread(e.proofWorker)
	}
	e.LaunchThread(e.eventLoop)
	return nil
}

func (e *Engine) StopAndWait() {
	e.coordinator.StopAndWait()
	e.StopWaiter.StopAndWait()
}

// FatalErr delivers at most one unrecoverable reconciliation failure, such
// as a rollback target with no snapshot. The engine halts after sending.
func (e *Engine) FatalErr() <-chan error {
	return e.fatalErr
}

// Ingest validates and enqueues one event, then waits for its outcome.
// Malformed payloads are rejected before enqueueing and wrap
// optstate.ErrStructural.
func (e *Engine) Ingest(ctx context.Context, event *optstate.BlockEvent) (validity.Result, error) {
	if err := event.Validate(); err != nil {
		return validity.Result{}, err
	}
	engineCtx := e.GetContext()
	qe := &queuedEvent{
		event:  event,
		result: containers.NewPromise[validity.Result](),
	}
	if event.Normalize() == optstate.EventInsert {
		qe.proofs = containers.NewPromise[map[common.Hash]bool]()
		select {
		case e.proofJobs <- qe:
		case <-ctx.Done():
			return validity.Result{}, ctx.Err()
		case <-engineCtx.Done():
			return validity.Result{}, errors.New("reconciliation engine stopped")
		}
	}
	select {
	case e.events <- qe:
	case <-ctx.Done():
		return validity.Result{}, ctx.Err()
	case <-engineCtx.Done():
		return validity.Result{}, errors.New("reconciliation engine stopped")
	}
	return qe.result.Await(ctx)
}

func (e *Engine) proofWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case qe := <-e.proofJobs:
			results, err := e.checker.VerifyProofs(ctx, qe.event.Transactions)
			if err != nil {
				qe.proofs.ProduceError(err)
				continue
			}
			qe.proofs.Produce(results)
		}
	}
}

func (e *Engine) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case qe := <-e.events:
			eventsProcessedCounter.Inc(1)
			if err := e.process(ctx, qe); err != nil {
				log.Error("reconciliation halted", "err", err)
				select {
				case e.fatalErr <- err:
				default:
				}
				e.StopOnly()
				return
			}
		}
	}
}

// process applies one event. A returned error is fatal to reconciliation;
// per-event failures are delivered through the event's result promise only.
func (e *Engine) process(ctx context.Context, qe *queuedEvent) error {
	if qe.event.Normalize() == optstate.EventRemove {
		return e.processRemove(qe)
	}
	return e.processInsert(ctx, qe)
}

func (e *Engine) processInsert(ctx context.Context, qe *queuedEvent) error {
	block := qe.event.Block
	txs := qe.event.Transactions

	proofs, err := qe.proofs.Await(ctx)
	if err != nil {
		qe.result.ProduceError(err)
		return nil
	}
	result, err := e.checker.Check(ctx, block, txs, e.tree.TreeCopy(), proofs)
	if err != nil {
		qe.result.ProduceError(err)
		return nil
	}

	// invalid blocks are persisted too: they are canonical on the base
	// ledger until a successful challenge removes them, and their
	// transactions must be visible to later duplicate detection
	if err := e.store.UpsertBlock(block); err != nil {
		qe.result.ProduceError(err)
		return nil
	}
	if err := e.store.PutTransactions(txs, block.BlockHash); err != nil {
		qe.result.ProduceError(err)
		return nil
	}

	if !result.Valid() {
		blocksInvalidCounter.Inc(1)
		reason := result.Reason()
		log.Warn("invalid block proposed", "block", block.BlockHash, "l2Block", block.L2BlockNumber, "err", result.Err())
		if err := e.coordinator.HandleInvalidBlock(block, txs, reason); err != nil {
			log.Error("failed to start challenge", "block", block.BlockHash, "err", err)
		}
		qe.result.Produce(result)
		return nil
	}

	if err := e.ledger.Stamp(optstate.OrderedNullifiers(txs), block.BlockHash); err != nil {
		qe.result.ProduceError(err)
		return nil
	}
	if _, err := e.tree.AppendBlock(optstate.OrderedCommitments(txs)); err != nil {
		// the ledger is already stamped; state is no longer consistent
		qe.result.ProduceError(err)
		return err
	}
	if err := e.store.MarkApplied(block.BlockHash); err != nil {
		qe.result.ProduceError(err)
		return err
	}
	if err := e.store.SetHead(block.L2BlockNumber); err != nil {
		qe.result.ProduceError(err)
		return nil
	}
	blocksValidCounter.Inc(1)
	headL2BlockGauge.Update(int64(block.L2BlockNumber))
	log.Info("block reconciled", "block", block.BlockHash, "l2Block", block.L2BlockNumber, "root", e.tree.Root(), "leafCount", e.tree.LeafCount())
	qe.result.Produce(result)
	return nil
}

func (e *Engine) processRemove(qe *queuedEvent) error {
	hash := qe.event.Block.BlockHash
	block, err := e.store.BlockByHash(hash)
	if errors.Is(err, storage.ErrNotFound) {
		// the stream promised every Remove references a known block
		qe.result.ProduceError(fmt.Errorf("%w: remove of unknown block %v", optstate.ErrStructural, hash))
		return nil
	}
	if err != nil {
		qe.result.ProduceError(err)
		return nil
	}
	if !block.Live() {
		qe.result.Produce(validity.Valid())
		return nil
	}

	block.L1Reference = nil
	if err := e.store.UpsertBlock(block); err != nil {
		qe.result.ProduceError(err)
		return nil
	}

	// a block that failed validation was persisted but never stamped or
	// appended, so removing it (the outcome of a successful challenge)
	// only nulls the reference; there is nothing to roll back
	applied, err := e.store.WasApplied(block.BlockHash)
	if err != nil {
		qe.result.ProduceError(err)
		return nil
	}
	if !applied {
		blocksRemovedCounter.Inc(1)
		log.Info("unapplied block removed", "block", hash, "l2Block", block.L2BlockNumber)
		qe.result.Produce(validity.Valid())
		return nil
	}

	if err := e.ledger.Unstamp(block.BlockHash); err != nil {
		qe.result.ProduceError(err)
		return nil
	}
	if err := e.tree.Rollback(block.LeafCount); err != nil {
		qe.result.ProduceError(err)
		if errors.Is(err, commitmenttree.ErrTreeInconsistency) {
			return err
		}
		return nil
	}
	if err := e.store.ClearApplied(block.BlockHash); err != nil {
		qe.result.ProduceError(err)
		return nil
	}
	if block.L2BlockNumber > 0 {
		if err := e.store.SetHead(block.L2BlockNumber - 1); err != nil {
			qe.result.ProduceError(err)
			return nil
		}
		headL2BlockGauge.Update(int64(block.L2BlockNumber - 1))
	}
	blocksRemovedCounter.Inc(1)
	log.Info("block removed", "block", hash, "l2Block", block.L2BlockNumber, "leafCount", e.tree.LeafCount())
	qe.result.Produce(validity.Valid())
	return nil
}

// EligibleForAssembly reports whether a transaction may be offered to the
// block assembler as new. A hash found in a live block is simply already
// included. A hash found in a removed block returns ErrReplayConflict: the
// transaction is being re-mined and must wait for the reference of its
// original block to be restored, or a second inclusion would look exactly
// like a replay to duplicate detection.
func (e *Engine) EligibleForAssembly(txHash common.Hash) (bool, error) {
	block, err := e.store.BlockContainingTransaction(txHash)
	if errors.Is(err, storage.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if block.Live() {
		return false, nil
	}
	return false, ErrReplayConflict
}

func (e *Engine) CurrentRoot() common.Hash {
	return e.tree.Root()
}

func (e *Engine) CurrentFrontier() []common.Hash {
	return e.tree.Frontier()
}

func (e *Engine) IsLive(nullifierHash common.Hash) (bool, error) {
	return e.ledger.IsLive(nullifierHash)
}

func (e *Engine) EnableChallenges() {
	e.coordinator.EnableChallenges()
}

func (e *Engine) DisableChallenges() {
	e.coordinator.DisableChallenges()
}

// ChallengesEnabled reports the current production toggle. In-flight
// challenges are unaffected by the toggle either way.
func (e *Engine) ChallengesEnabled() bool {
	return e.coordinator.Enabled()
}
