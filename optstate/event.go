// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/OffchainLabs/optimist/blob/master/LICENSE

package optstate

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// ErrStructural marks a malformed event payload. Such events are rejected
// outright and must be surfaced to an operator; there is no safe default.
var ErrStructural = errors.New("structural error in block event")

type EventKind uint8

const (
	EventInsert EventKind = iota
	EventRemove
)

func (k EventKind) String() string {
	switch k {
	case EventInsert:
		return "insert"
	case EventRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// BlockEvent is one element of the ordered base-ledger event stream.
// For a reorganisation the stream delivers all Removes of the abandoned
// branch (newest first) strictly before any Inserts of the replacement.
type BlockEvent struct {
	Kind          EventKind
	L1BlockNumber uint64
	L1TxHash      common.Hash
	Removed       bool
	Block         *Block
	Transactions  []*Transaction
}

// Normalize treats Removed=true as a Remove event for the referenced block.
func (e *BlockEvent) Normalize() EventKind {
	if e.Removed {
		return EventRemove
	}
	return e.Kind
}

// Validate checks the event payload shape. Any failure wraps ErrStructural.
func (e *BlockEvent) Validate() error {
	if e.Block == nil {
		return fmt.Errorf("%w: missing block payload", ErrStructural)
	}
	if e.Normalize() == EventRemove {
		if e.Block.BlockHash == (common.Hash{}) {
			return fmt.Errorf("%w: remove event without block hash", ErrStructural)
		}
		return nil
	}
	b := e.Block
	if computed := b.ComputeHash(); b.BlockHash != computed {
		return fmt.Errorf("%w: block hash mismatch, declared %v computed %v", ErrStructural, b.BlockHash, computed)
	}
	if len(e.Transactions) != len(b.TxHashes) {
		return fmt.Errorf("%w: %d transactions for %d declared hashes", ErrStructural, len(e.Transactions), len(b.TxHashes))
	}
	for i, tx := range e.Transactions {
		if tx == nil {
			return fmt.Errorf("%w: nil transaction at index %d", ErrStructural, i)
		}
		if tx.Hash != b.TxHashes[i] {
			return fmt.Errorf("%w: transaction %d out of order or corrupt", ErrStructural, i)
		}
	}
	return nil
}
