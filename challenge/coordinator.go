// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/OffchainLabs/optimist/blob/master/LICENSE

package challenge

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/ethereum/go-ethereum/rlp"
	flag "github.com/spf13/pflag"

	"github.com/offchainlabs/optimist/optstate"
	"github.com/offchainlabs/optimist/storage"
	"github.com/offchainlabs/optimist/util/containers"
	"github.com/offchainlabs/optimist/util/stopwaiter"
	"github.com/offchainlabs/optimist/validity"
)

var (
	challengeCommittedCounter = metrics.NewRegisteredCounter("optimist/challenge/committed", nil)
	challengeRevealedCounter  = metrics.NewRegisteredCounter("optimist/challenge/revealed", nil)
	challengeAbandonedCounter = metrics.NewRegisteredCounter("optimist/challenge/abandoned", nil)
)

// ErrChannelUnavailable means the agent channel stayed unreachable past the
// retry cap. The affected challenge attempt is abandoned; the engine lives.
var ErrChannelUnavailable = errors.New("signing agent channel unavailable past retry cap")

type Config struct {
	Enable        bool            `koanf:"enable"`
	RetryInterval time.Duration   `koanf:"retry-interval"`
	RetryLimit    int             `koanf:"retry-limit"`
	Agent         WSChannelConfig `koanf:"agent"`
}

func ConfigAddOptions(prefix string, f *flag.FlagSet) {
	f.Bool(prefix+".enable", DefaultConfig.Enable, "produce challenges for invalid blocks (disable for pure-proposer mode)")
	f.Duration(prefix+".retry-interval", DefaultConfig.RetryInterval, "poll interval while the agent channel is unavailable")
	f.Int(prefix+".retry-limit", DefaultConfig.RetryLimit, "attempts before a challenge send is abandoned")
	WSChannelConfigAddOptions(prefix+".agent", f)
}

var DefaultConfig = Config{
	Enable:        true,
	RetryInterval: 5 * time.Second,
	RetryLimit:    12,
	Agent:         DefaultWSChannelConfig,
}

type ConfigFetcher func() *Config

type challengeKey struct {
	blockHash common.Hash
	code      validity.Code
}

// revealContent is what actually goes on chain at reveal time: the payload
// plus the salt proving it matches the earlier commitment.
type revealContent struct {
	Salt    common.Hash
	Payload []byte
}

// Coordinator turns checker invalidity results into commit-reveal challenge
// exchanges with the remote signing agent. The full fraud proof is hidden
// behind a salted hash until the commit transaction is irreversibly mined,
// so a third party cannot copy it and claim the reward first.
//
// The coordinator is idempotent per (block hash, code): re-delivery of the
// same invalidity never produces a second commit.
type Coordinator struct {
	stopwaiter.StopWaiter

	config  ConfigFetcher
	store   *storage.Store
	channel AgentChannel

	enabled  atomic.Bool
	inFlight containers.SyncMap[challengeKey, struct{}]
}

func NewCoordinator(config ConfigFetcher, store *storage.Store, channel AgentChannel) *Coordinator {
	c := &Coordinator{
		config:  config,
		store:   store,
		channel: channel,
	}
	c.enabled.Store(config().Enable)
	return c
}

// Enabled reports whether new challenges may be started. In-flight
// commits and reveals always run to completion regardless.
func (c *Coordinator) Enabled() bool {
	return c.enabled.Load()
}

func (c *Coordinator) EnableChallenges() {
	c.enabled.Store(true)
}

func (c *Coordinator) DisableChallenges() {
	c.enabled.Store(false)
}

func (c *Coordinator) Start(ctxIn context.Context) error {
	c.StopWaiter.Start(ctxIn, c)
	if err := c.recoverPending(); err != nil {
		return err
	}
	c.LaunchThread(func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case commitHash := <-c.channel.Confirmations():
				c.reveal(ctx, commitHash)
			}
		}
	})
	return nil
}

// recoverPending reloads committed-but-unrevealed challenges after a
// restart and re-sends their commit messages. The agent deduplicates
// repeated commits of the same hash.
func (c *Coordinator) recoverPending() error {
	records, err := allRecords(c.store)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if rec.Status != StatusCommitted {
			continue
		}
		rec := rec
		c.inFlight.Store(challengeKey{rec.BlockHash, validity.Code(rec.Code)}, struct{}{})
		log.Info("recovered pending challenge", "commitHash", rec.CommitHash, "block", rec.BlockHash, "code", rec.Code)
		c.LaunchThread(func(ctx context.Context) {
			c.sendCommit(ctx, rec)
		})
	}
	return nil
}

// HandleInvalidBlock builds, persists and asynchronously commits a challenge
// for the given invalidity. It never blocks on the agent channel.
func (c *Coordinator) HandleInvalidBlock(block *optstate.Block, txs []*optstate.Transaction, inv validity.Invalidity) error {
	if !c.Enabled() {
		log.Debug("challenge production disabled, ignoring invalid block", "block", block.BlockHash, "code", inv.Code())
		return nil
	}
	if inv.Code() == validity.CodeReserved5 {
		return fmt.Errorf("invalidity code 5 is reserved")
	}
	key := challengeKey{block.BlockHash, inv.Code()}
	if _, loaded := c.inFlight.LoadOrStore(key, struct{}{}); loaded {
		return nil
	}
	if _, err := c.store.ChallengeRef(block.BlockHash, uint8(inv.Code())); err == nil {
		// already challenged in an earlier run
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	payload, err := BuildPayload(c.store, block, txs, inv)
	if err != nil {
		return err
	}
	var salt common.Hash
	if _, err := rand.Read(salt[:]); err != nil {
		return err
	}
	rec := &Record{
		CommitHash: CommitHash(salt, payload),
		BlockHash:  block.BlockHash,
		Code:       uint8(inv.Code()),
		Salt:       salt,
		Payload:    payload,
		Status:     StatusCommitted,
	}

	// persist before anything leaves the process
	if err := putRecord(c.store, rec); err != nil {
		return err
	}
	if err := c.store.PutChallengeRef(block.BlockHash, rec.Code, rec.CommitHash); err != nil {
		return err
	}

	log.Info("challenging invalid block", "block", block.BlockHash, "code", rec.Code, "commitHash", rec.CommitHash)
	c.LaunchThread(func(ctx context.Context) {
		c.sendCommit(ctx, rec)
	})
	return nil
}

// CommitHash computes the salted commitment over a challenge payload.
func CommitHash(salt common.Hash, payload []byte) common.Hash {
	return crypto.Keccak256Hash(salt.Bytes(), payload)
}

func (c *Coordinator) sendCommit(ctx context.Context, rec *Record) {
	env := Envelope{Type: EnvelopeCommit, Payload: rec.CommitHash.Bytes()}
	if err := c.sendWithRetry(ctx, env); err != nil {
		// a shutdown mid-send leaves the record committed so the next
		// start recovers it; only a dead channel abandons it
		if errors.Is(err, ErrChannelUnavailable) {
			c.abandon(rec, err)
		}
		return
	}
	challengeCommittedCounter.Inc(1)
}

// reveal sends the actual payload. It runs only on receipt of the matching
// commit confirmation, never before.
func (c *Coordinator) reveal(ctx context.Context, commitHash common.Hash) {
	rec, err := recordByCommitHash(c.store, commitHash)
	if errors.Is(err, storage.ErrNotFound) {
		log.Warn("confirmation for unknown commit", "commitHash", commitHash)
		return
	}
	if err != nil {
		log.Error("failed to load challenge record", "commitHash", commitHash, "err", err)
		return
	}
	if rec.Status != StatusCommitted {
		log.Debug("ignoring confirmation for settled challenge", "commitHash", commitHash, "status", rec.Status)
		return
	}
	content, err := rlp.EncodeToBytes(&revealContent{Salt: rec.Salt, Payload: rec.Payload})
	if err != nil {
		log.Error("failed to encode reveal", "commitHash", commitHash, "err", err)
		return
	}
	if err := c.sendWithRetry(ctx, Envelope{Type: EnvelopeChallenge, Payload: content}); err != nil {
		if errors.Is(err, ErrChannelUnavailable) {
			c.abandon(rec, err)
		}
		return
	}
	rec.Status = StatusRevealed
	if err := putRecord(c.store, rec); err != nil {
		log.Error("failed to persist revealed challenge", "commitHash", commitHash, "err", err)
		return
	}
	challengeRevealedCounter.Inc(1)
	log.Info("challenge revealed", "commitHash", commitHash, "block", rec.BlockHash, "code", rec.Code)
}

func (c *Coordinator) abandon(rec *Record, cause error) {
	challengeAbandonedCounter.Inc(1)
	log.Error("abandoning challenge attempt", "commitHash", rec.CommitHash, "block", rec.BlockHash, "code", rec.Code, "err", cause)
	rec.Status = StatusAbandoned
	if err := putRecord(c.store, rec); err != nil {
		log.Error("failed to persist abandoned challenge", "commitHash", rec.CommitHash, "err", err)
	}
}

// sendWithRetry polls the channel at a fixed interval up to a hard attempt
// cap. It never blocks the event-processing loop; callers run it on
// coordinator threads.
func (c *Coordinator) sendWithRetry(ctx context.Context, env Envelope) error {
	config := c.config()
	for attempt := 0; attempt < config.RetryLimit; attempt++ {
		if c.channel.IsOpen() {
			err := c.channel.Send(ctx, env)
			if err == nil {
				return nil
			}
			log.Warn("agent send failed", "type", env.Type, "attempt", attempt+1, "err", err)
		}
		if attempt == config.RetryLimit-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(config.RetryInterval):
		}
	}
	return ErrChannelUnavailable
}
