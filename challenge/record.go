// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/OffchainLabs/optimist/blob/master/LICENSE

package challenge

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	pkgerrors "github.com/pkg/errors"

	"github.com/offchainlabs/optimist/storage"
)

type Status uint8

const (
	StatusCommitted Status = iota
	StatusRevealed
	StatusAbandoned
)

func (s Status) String() string {
	switch s {
	case StatusCommitted:
		return "committed"
	case StatusRevealed:
		return "revealed"
	case StatusAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Record is one challenge attempt. It is persisted before any message goes
// out so that a crash between commit and reveal is recoverable: the salt and
// payload needed for the reveal are already on disk.
type Record struct {
	CommitHash common.Hash
	BlockHash  common.Hash
	Code       uint8
	Salt       common.Hash
	Payload    []byte
	Status     Status
}

func putRecord(store *storage.Store, rec *Record) error {
	encoded, err := rlp.EncodeToBytes(rec)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to encode challenge record")
	}
	return store.PutChallenge(rec.CommitHash, encoded)
}

func recordByCommitHash(store *storage.Store, commitHash common.Hash) (*Record, error) {
	data, err := store.ChallengeByCommitHash(commitHash)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := rlp.DecodeBytes(data, &rec); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to decode challenge record")
	}
	return &rec, nil
}

func allRecords(store *storage.Store) ([]*Record, error) {
	raw, err := store.Challenges()
	if err != nil {
		return nil, err
	}
	records := make([]*Record, 0, len(raw))
	for _, data := range raw {
		var rec Record
		if err := rlp.DecodeBytes(data, &rec); err != nil {
			return nil, pkgerrors.Wrap(err, "failed to decode challenge record")
		}
		records = append(records, &rec)
	}
	return records, nil
}
