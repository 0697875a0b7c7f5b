// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/OffchainLabs/optimist/blob/master/LICENSE

package challenge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/offchainlabs/optimist/optstate"
	"github.com/offchainlabs/optimist/storage"
	"github.com/offchainlabs/optimist/util/testhelpers"
	"github.com/offchainlabs/optimist/validity"
)

// scriptedChannel is an in-memory AgentChannel with controllable readiness.
type scriptedChannel struct {
	mutex         sync.Mutex
	open          bool
	sent          chan Envelope
	confirmations chan common.Hash
}

func newScriptedChannel(open bool) *scriptedChannel {
	return &scriptedChannel{
		open:          open,
		sent:          make(chan Envelope, 16),
		confirmations: make(chan common.Hash, 16),
	}
}

func (c *scriptedChannel) IsOpen() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.open
}

func (c *scriptedChannel) setOpen(open bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.open = open
}

func (c *scriptedChannel) Send(_ context.Context, env Envelope) error {
	c.mutex.Lock()
	open := c.open
	c.mutex.Unlock()
	if !open {
		return errors.New("channel closed")
	}
	c.sent <- env
	return nil
}

func (c *scriptedChannel) Confirmations() <-chan common.Hash {
	return c.confirmations
}

func (c *scriptedChannel) waitSent(t *testing.T, timeout time.Duration) Envelope {
	t.Helper()
	select {
	case env := <-c.sent:
		return env
	case <-time.After(timeout):
		Fail(t, "timed out waiting for envelope")
		return Envelope{}
	}
}

func (c *scriptedChannel) expectNothingSent(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case env := <-c.sent:
		Fail(t, "unexpected envelope sent", env.Type)
	case <-time.After(wait):
	}
}

type coordinatorFixture struct {
	store       *storage.Store
	channel     *scriptedChannel
	coordinator *Coordinator
	block       *optstate.Block
	txs         []*optstate.Transaction
}

func fastConfig(enable bool) ConfigFetcher {
	config := DefaultConfig
	config.Enable = enable
	config.RetryInterval = 2 * time.Millisecond
	config.RetryLimit = 3
	return func() *Config { return &config }
}

// patientConfig retries slowly enough that a closed channel keeps the
// challenge in the committed state for the duration of a test.
func patientConfig() ConfigFetcher {
	config := DefaultConfig
	config.RetryInterval = time.Hour
	return func() *Config { return &config }
}

func newCoordinatorFixture(t *testing.T, open bool, config ConfigFetcher) *coordinatorFixture {
	t.Helper()
	store := storage.NewMemoryStore()
	channel := newScriptedChannel(open)
	coordinator := NewCoordinator(config, store, channel)
	Require(t, coordinator.Start(context.Background()))
	t.Cleanup(coordinator.StopAndWait)

	tx := &optstate.Transaction{
		Type:        optstate.TxTransfer,
		Commitments: testhelpers.RandomHashes(2),
		Nullifiers:  testhelpers.RandomHashes(1),
		Proof:       testhelpers.RandomSlice(32),
	}
	tx.Hash = tx.ComputeHash()
	ref := testhelpers.RandomHash()
	block := &optstate.Block{
		L2BlockNumber: 0,
		L1Reference:   &ref,
		Root:          testhelpers.RandomHash(),
		Proposer:      testhelpers.RandomAddress(),
		TxHashes:      []common.Hash{tx.Hash},
	}
	block.BlockHash = block.ComputeHash()
	Require(t, store.UpsertBlock(block))
	Require(t, store.PutTransactions([]*optstate.Transaction{tx}, block.BlockHash))

	return &coordinatorFixture{
		store:       store,
		channel:     channel,
		coordinator: coordinator,
		block:       block,
		txs:         []*optstate.Transaction{tx},
	}
}

func (f *coordinatorFixture) rootMismatch() validity.Invalidity {
	return &validity.RootMismatch{
		DeclaredRoot: f.block.Root,
		ComputedRoot: testhelpers.RandomHash(),
		Frontier:     testhelpers.RandomHashes(3),
	}
}

func TestCommitPersistedBeforeSend(t *testing.T) {
	f := newCoordinatorFixture(t, false, patientConfig())
	Require(t, f.coordinator.HandleInvalidBlock(f.block, f.txs, f.rootMismatch()))

	// the channel is closed: nothing has gone out, but the record is durable
	commitHash, err := f.store.ChallengeRef(f.block.BlockHash, uint8(validity.CodeRootMismatch))
	Require(t, err)
	rec, err := recordByCommitHash(f.store, commitHash)
	Require(t, err)
	if rec.Status != StatusCommitted {
		Fail(t, "record not persisted as committed", rec.Status)
	}
	if CommitHash(rec.Salt, rec.Payload) != rec.CommitHash {
		Fail(t, "persisted commit hash does not cover salt and payload")
	}
}

func TestCommitThenRevealOrdering(t *testing.T) {
	f := newCoordinatorFixture(t, true, fastConfig(true))
	Require(t, f.coordinator.HandleInvalidBlock(f.block, f.txs, f.rootMismatch()))

	commit := f.channel.waitSent(t, time.Second)
	if commit.Type != EnvelopeCommit {
		Fail(t, "first envelope must be the commit", commit.Type)
	}

	// no reveal may be sent before the confirmation signal arrives,
	// however long the commit has been out
	f.channel.expectNothingSent(t, 50*time.Millisecond)

	f.channel.confirmations <- common.BytesToHash(commit.Payload)
	reveal := f.channel.waitSent(t, time.Second)
	if reveal.Type != EnvelopeChallenge {
		Fail(t, "expected reveal after confirmation", reveal.Type)
	}

	var content revealContent
	Require(t, rlp.DecodeBytes(reveal.Payload, &content))
	if CommitHash(content.Salt, content.Payload) != common.BytesToHash(commit.Payload) {
		Fail(t, "reveal does not open the commitment")
	}

	rec, err := recordByCommitHash(f.store, common.BytesToHash(commit.Payload))
	Require(t, err)
	if rec.Status != StatusRevealed {
		Fail(t, "record not marked revealed", rec.Status)
	}
}

func TestDelayedConfirmationStillReveals(t *testing.T) {
	f := newCoordinatorFixture(t, true, fastConfig(true))
	Require(t, f.coordinator.HandleInvalidBlock(f.block, f.txs, f.rootMismatch()))
	commit := f.channel.waitSent(t, time.Second)

	// scripted fault injection: hold the confirmation back for a while
	time.Sleep(30 * time.Millisecond)
	f.channel.expectNothingSent(t, 10*time.Millisecond)

	f.channel.confirmations <- common.BytesToHash(commit.Payload)
	reveal := f.channel.waitSent(t, time.Second)
	if reveal.Type != EnvelopeChallenge {
		Fail(t, "reveal missing after delayed confirmation")
	}
}

func TestRetryExhaustionAbandons(t *testing.T) {
	f := newCoordinatorFixture(t, false, fastConfig(true))
	Require(t, f.coordinator.HandleInvalidBlock(f.block, f.txs, f.rootMismatch()))

	commitHash, err := f.store.ChallengeRef(f.block.BlockHash, uint8(validity.CodeRootMismatch))
	Require(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for {
		rec, err := recordByCommitHash(f.store, commitHash)
		Require(t, err)
		if rec.Status == StatusAbandoned {
			break
		}
		if time.Now().After(deadline) {
			Fail(t, "challenge not abandoned after retry cap", rec.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestIdempotentPerBlockAndCode(t *testing.T) {
	f := newCoordinatorFixture(t, true, fastConfig(true))
	inv := f.rootMismatch()
	Require(t, f.coordinator.HandleInvalidBlock(f.block, f.txs, inv))
	Require(t, f.coordinator.HandleInvalidBlock(f.block, f.txs, inv))

	first := f.channel.waitSent(t, time.Second)
	if first.Type != EnvelopeCommit {
		Fail(t, "expected commit", first.Type)
	}
	f.channel.expectNothingSent(t, 50*time.Millisecond)
}

func TestDisableSuppressesNewChallengesOnly(t *testing.T) {
	f := newCoordinatorFixture(t, true, fastConfig(true))
	Require(t, f.coordinator.HandleInvalidBlock(f.block, f.txs, f.rootMismatch()))
	commit := f.channel.waitSent(t, time.Second)

	// toggling production off must not touch the in-flight challenge
	f.coordinator.DisableChallenges()
	f.channel.confirmations <- common.BytesToHash(commit.Payload)
	reveal := f.channel.waitSent(t, time.Second)
	if reveal.Type != EnvelopeChallenge {
		Fail(t, "in-flight challenge suppressed by disable")
	}

	// but a new invalidity is ignored while disabled
	other := &validity.LeafCountMismatch{Declared: 9, Expected: 8}
	Require(t, f.coordinator.HandleInvalidBlock(f.block, f.txs, other))
	f.channel.expectNothingSent(t, 50*time.Millisecond)
	if _, err := f.store.ChallengeRef(f.block.BlockHash, uint8(validity.CodeLeafCountMismatch)); !errors.Is(err, storage.ErrNotFound) {
		Fail(t, "disabled coordinator persisted a new challenge")
	}

	f.coordinator.EnableChallenges()
	Require(t, f.coordinator.HandleInvalidBlock(f.block, f.txs, other))
	next := f.channel.waitSent(t, time.Second)
	if next.Type != EnvelopeCommit {
		Fail(t, "re-enabled coordinator did not commit")
	}
}

func TestRecoverPendingAfterRestart(t *testing.T) {
	store := storage.NewMemoryStore()
	salt := testhelpers.RandomHash()
	payload := testhelpers.RandomSlice(64)
	rec := &Record{
		CommitHash: CommitHash(salt, payload),
		BlockHash:  testhelpers.RandomHash(),
		Code:       uint8(validity.CodeProofFailed),
		Salt:       salt,
		Payload:    payload,
		Status:     StatusCommitted,
	}
	Require(t, putRecord(store, rec))
	Require(t, store.PutChallengeRef(rec.BlockHash, rec.Code, rec.CommitHash))

	channel := newScriptedChannel(true)
	coordinator := NewCoordinator(fastConfig(true), store, channel)
	Require(t, coordinator.Start(context.Background()))
	t.Cleanup(coordinator.StopAndWait)

	resent := channel.waitSent(t, time.Second)
	if resent.Type != EnvelopeCommit || common.BytesToHash(resent.Payload) != rec.CommitHash {
		Fail(t, "pending commit not re-sent after restart")
	}

	// and re-delivery of the same invalidity stays deduplicated
	block := &optstate.Block{BlockHash: rec.BlockHash}
	Require(t, coordinator.HandleInvalidBlock(block, nil, &validity.ProofFailed{}))
	channel.expectNothingSent(t, 50*time.Millisecond)
}

func Require(t *testing.T, err error, printables ...interface{}) {
	t.Helper()
	testhelpers.RequireImpl(t, err, printables...)
}

func Fail(t *testing.T, printables ...interface{}) {
	t.Helper()
	testhelpers.FailImpl(t, printables...)
}
