// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/OffchainLabs/optimist/blob/master/LICENSE

package challenge

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	pkgerrors "github.com/pkg/errors"

	"github.com/offchainlabs/optimist/optstate"
	"github.com/offchainlabs/optimist/storage"
	"github.com/offchainlabs/optimist/validity"
)

// One on-chain payload shape exists per invalidity class. Each payload
// carries the candidate block plus whatever historical records the on-chain
// verification of that class needs.

type rootChallenge struct {
	Block      *optstate.Block
	PriorBlock *optstate.Block `rlp:"nil"`
	Frontier   []common.Hash
}

type duplicateTxChallenge struct {
	Block            *optstate.Block
	CompetingBlock   *optstate.Block
	Transaction      *optstate.Transaction
	TxIndex          uint64
	CompetingTxIndex uint64
}

type txTypeChallenge struct {
	Block       *optstate.Block
	Transaction *optstate.Transaction
	TxIndex     uint64
}

type historicRootChallenge struct {
	Block             *optstate.Block
	Transaction       *optstate.Transaction
	TxIndex           uint64
	ReferencedL2Block uint64
}

type proofChallenge struct {
	Block          *optstate.Block
	Transaction    *optstate.Transaction
	TxIndex        uint64
	HistoricBlocks []*optstate.Block
}

type duplicateNullifierChallenge struct {
	Block                *optstate.Block
	CompetingBlock       *optstate.Block
	Transaction          *optstate.Transaction
	CompetingTransaction *optstate.Transaction
	Nullifier            common.Hash
	TxIndex              uint64
	CompetingTxIndex     uint64
}

type leafCountChallenge struct {
	Block                *optstate.Block
	PriorBlock           *optstate.Block `rlp:"nil"`
	PriorCommitmentCount uint64
}

// builderContext gives payload builders read access to the block under
// challenge and the authoritative store for auxiliary records.
type builderContext struct {
	store *storage.Store
	block *optstate.Block
	txs   []*optstate.Transaction
}

type payloadBuilder func(*builderContext, validity.Invalidity) ([]byte, error)

var payloadBuilders = map[validity.Code]payloadBuilder{
	validity.CodeRootMismatch:         buildRootChallenge,
	validity.CodeDuplicateTransaction: buildDuplicateTxChallenge,
	validity.CodeUnknownTxType:        buildTxTypeChallenge,
	validity.CodeHistoricRootInvalid:  buildHistoricRootChallenge,
	validity.CodeProofFailed:          buildProofChallenge,
	validity.CodeDuplicateNullifier:   buildDuplicateNullifierChallenge,
	validity.CodeLeafCountMismatch:    buildLeafCountChallenge,
}

// BuildPayload produces the on-chain challenge payload for the given
// invalidity, RLP encoded.
func BuildPayload(store *storage.Store, block *optstate.Block, txs []*optstate.Transaction, inv validity.Invalidity) ([]byte, error) {
	builder, ok := payloadBuilders[inv.Code()]
	if !ok {
		return nil, fmt.Errorf("no challenge payload for code %d", inv.Code())
	}
	payload, err := builder(&builderContext{store: store, block: block, txs: txs}, inv)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to build code-%d challenge payload", inv.Code())
	}
	return payload, nil
}

func (ctx *builderContext) priorBlock() (*optstate.Block, error) {
	if ctx.block.L2BlockNumber == 0 {
		return nil, nil
	}
	return ctx.store.LiveBlockByL2Number(ctx.block.L2BlockNumber - 1)
}

func buildRootChallenge(ctx *builderContext, inv validity.Invalidity) ([]byte, error) {
	meta := inv.(*validity.RootMismatch)
	prior, err := ctx.priorBlock()
	if err != nil {
		return nil, err
	}
	return rlp.EncodeToBytes(&rootChallenge{
		Block:      ctx.block,
		PriorBlock: prior,
		Frontier:   meta.Frontier,
	})
}

func buildDuplicateTxChallenge(ctx *builderContext, inv validity.Invalidity) ([]byte, error) {
	meta := inv.(*validity.DuplicateTransaction)
	competing, err := ctx.store.BlockByHash(meta.CompetingBlockHash)
	if err != nil {
		return nil, err
	}
	return rlp.EncodeToBytes(&duplicateTxChallenge{
		Block:            ctx.block,
		CompetingBlock:   competing,
		Transaction:      ctx.txs[meta.TxIndex],
		TxIndex:          uint64(meta.TxIndex),
		CompetingTxIndex: uint64(meta.CompetingTxIndex),
	})
}

func buildTxTypeChallenge(ctx *builderContext, inv validity.Invalidity) ([]byte, error) {
	meta := inv.(*validity.UnknownTxType)
	return rlp.EncodeToBytes(&txTypeChallenge{
		Block:       ctx.block,
		Transaction: ctx.txs[meta.TxIndex],
		TxIndex:     uint64(meta.TxIndex),
	})
}

func buildHistoricRootChallenge(ctx *builderContext, inv validity.Invalidity) ([]byte, error) {
	meta := inv.(*validity.HistoricRootInvalid)
	return rlp.EncodeToBytes(&historicRootChallenge{
		Block:             ctx.block,
		Transaction:       ctx.txs[meta.TxIndex],
		TxIndex:           uint64(meta.TxIndex),
		ReferencedL2Block: meta.ReferencedL2Block,
	})
}

func buildProofChallenge(ctx *builderContext, inv validity.Invalidity) ([]byte, error) {
	meta := inv.(*validity.ProofFailed)
	tx := ctx.txs[meta.TxIndex]
	historic := make([]*optstate.Block, 0, len(tx.HistoricRoots))
	for _, number := range tx.HistoricRoots {
		block, err := ctx.store.LiveBlockByL2Number(number)
		if err != nil {
			return nil, err
		}
		historic = append(historic, block)
	}
	return rlp.EncodeToBytes(&proofChallenge{
		Block:          ctx.block,
		Transaction:    tx,
		TxIndex:        uint64(meta.TxIndex),
		HistoricBlocks: historic,
	})
}

func buildDuplicateNullifierChallenge(ctx *builderContext, inv validity.Invalidity) ([]byte, error) {
	meta := inv.(*validity.DuplicateNullifier)
	competing, err := ctx.store.BlockByHash(meta.CompetingBlockHash)
	if err != nil {
		return nil, err
	}
	competingTx, err := ctx.store.TransactionByHash(competing.TxHashes[meta.CompetingTxIndex])
	if err != nil {
		return nil, err
	}
	return rlp.EncodeToBytes(&duplicateNullifierChallenge{
		Block:                ctx.block,
		CompetingBlock:       competing,
		Transaction:          ctx.txs[meta.TxIndex],
		CompetingTransaction: competingTx,
		Nullifier:            meta.Nullifier,
		TxIndex:              uint64(meta.TxIndex),
		CompetingTxIndex:     uint64(meta.CompetingTxIndex),
	})
}

func buildLeafCountChallenge(ctx *builderContext, inv validity.Invalidity) ([]byte, error) {
	prior, err := ctx.priorBlock()
	if err != nil {
		return nil, err
	}
	var priorCount uint64
	if prior != nil {
		priorTxs, err := ctx.store.TransactionsByHashes(prior.TxHashes)
		if err != nil {
			return nil, err
		}
		priorCount = optstate.CommitmentCount(priorTxs)
	}
	return rlp.EncodeToBytes(&leafCountChallenge{
		Block:                ctx.block,
		PriorBlock:           prior,
		PriorCommitmentCount: priorCount,
	})
}
