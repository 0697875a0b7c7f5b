// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/OffchainLabs/optimist/blob/master/LICENSE

package validity

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/offchainlabs/optimist/optstate"
)

// Code numbers the block invalidity classes. The numbering is part of the
// on-chain challenge protocol and must not be reordered. Code 5 is reserved.
type Code uint8

const (
	CodeRootMismatch         Code = 0
	CodeDuplicateTransaction Code = 1
	CodeUnknownTxType        Code = 2
	CodeHistoricRootInvalid  Code = 3
	CodeProofFailed          Code = 4
	CodeReserved5            Code = 5
	CodeDuplicateNullifier   Code = 6
	CodeLeafCountMismatch    Code = 7
)

// Invalidity is one detected fraud class with the metadata a challenge for
// that class needs. Exactly one variant exists per code.
type Invalidity interface {
	Code() Code
	String() string
}

// RootMismatch: the root recomputed from the block's commitments does not
// equal the declared root.
type RootMismatch struct {
	PriorBlockHash common.Hash
	DeclaredRoot   common.Hash
	ComputedRoot   common.Hash
	Frontier       []common.Hash
}

func (m *RootMismatch) Code() Code { return CodeRootMismatch }
func (m *RootMismatch) String() string {
	return fmt.Sprintf("root mismatch: declared %v computed %v", m.DeclaredRoot, m.ComputedRoot)
}

// DuplicateTransaction: a transaction hash already exists in another
// still-live block.
type DuplicateTransaction struct {
	TxHash             common.Hash
	TxIndex            int
	CompetingBlockHash common.Hash
	CompetingTxIndex   int
}

func (m *DuplicateTransaction) Code() Code { return CodeDuplicateTransaction }
func (m *DuplicateTransaction) String() string {
	return fmt.Sprintf("duplicate transaction %v at index %d, already in block %v", m.TxHash, m.TxIndex, m.CompetingBlockHash)
}

// UnknownTxType: a transaction declares a type outside the four known kinds.
type UnknownTxType struct {
	TxIndex int
	Type    optstate.TxType
}

func (m *UnknownTxType) Code() Code { return CodeUnknownTxType }
func (m *UnknownTxType) String() string {
	return fmt.Sprintf("unknown transaction type %d at index %d", m.Type, m.TxIndex)
}

// HistoricRootInvalid: a transfer or withdraw anchors its proof to an L2
// block number with no recorded root.
type HistoricRootInvalid struct {
	TxIndex           int
	ReferencedL2Block uint64
}

func (m *HistoricRootInvalid) Code() Code { return CodeHistoricRootInvalid }
func (m *HistoricRootInvalid) String() string {
	return fmt.Sprintf("transaction %d references unrecorded root at L2 block %d", m.TxIndex, m.ReferencedL2Block)
}

// ProofFailed: the attached proof fails verification.
type ProofFailed struct {
	TxIndex int
	Proof   []byte
}

func (m *ProofFailed) Code() Code { return CodeProofFailed }
func (m *ProofFailed) String() string {
	return fmt.Sprintf("proof verification failed for transaction %d", m.TxIndex)
}

// DuplicateNullifier: a nullifier is already live-stamped by another block.
type DuplicateNullifier struct {
	Nullifier          common.Hash
	TxIndex            int
	CompetingBlockHash common.Hash
	CompetingTxIndex   int
}

func (m *DuplicateNullifier) Code() Code { return CodeDuplicateNullifier }
func (m *DuplicateNullifier) String() string {
	return fmt.Sprintf("nullifier %v in transaction %d already stamped by block %v", m.Nullifier, m.TxIndex, m.CompetingBlockHash)
}

// LeafCountMismatch: the declared leaf count does not extend the previous
// live block.
type LeafCountMismatch struct {
	PriorBlockHash common.Hash
	Declared       uint64
	Expected       uint64
}

func (m *LeafCountMismatch) Code() Code { return CodeLeafCountMismatch }
func (m *LeafCountMismatch) String() string {
	return fmt.Sprintf("leaf count mismatch: declared %d expected %d", m.Declared, m.Expected)
}

// BlockInvalidError carries an Invalidity across an error-valued boundary.
// It is an expected, recoverable outcome, never a crash.
type BlockInvalidError struct {
	Invalidity Invalidity
}

func (e *BlockInvalidError) Error() string {
	return fmt.Sprintf("block invalid (code %d): %s", e.Invalidity.Code(), e.Invalidity.String())
}

// Result is the outcome of checking one candidate block: valid, or invalid
// with exactly one fraud class.
type Result struct {
	invalidity Invalidity
}

func Valid() Result {
	return Result{}
}

func Invalid(invalidity Invalidity) Result {
	return Result{invalidity: invalidity}
}

func (r Result) Valid() bool {
	return r.invalidity == nil
}

func (r Result) Reason() Invalidity {
	return r.invalidity
}

// Err returns the result as an error value: nil for a valid block, a
// BlockInvalidError otherwise.
func (r Result) Err() error {
	if r.invalidity == nil {
		return nil
	}
	return &BlockInvalidError{Invalidity: r.invalidity}
}
