// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/OffchainLabs/optimist/blob/master/LICENSE

package storage

var (
	blockPrefix        []byte = []byte("b") // maps a block hash to a block record
	l2NumberPrefix     []byte = []byte("2") // maps an L2 block number to the current block hash at that number
	txPrefix           []byte = []byte("T") // maps a transaction hash to a transaction record
	txOwnerPrefix      []byte = []byte("x") // maps a transaction hash to the hash of the block containing it
	nullifierPrefix    []byte = []byte("n") // maps a nullifier hash to a nullifier record
	treeSnapshotPrefix []byte = []byte("t") // maps a leaf count to a commitment tree frontier snapshot
	challengePrefix    []byte = []byte("c") // maps a commit hash to a challenge record
	challengeRefPrefix []byte = []byte("r") // maps (block hash, error code) to a commit hash
	appliedPrefix      []byte = []byte("a") // marks a block whose commitments were appended to the tree

	headKey []byte = []byte("_head") // contains the L2 number of the latest live block
)
