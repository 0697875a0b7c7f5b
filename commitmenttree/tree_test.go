// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/OffchainLabs/optimist/blob/master/LICENSE

package commitmenttree

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/go-cmp/cmp"

	"github.com/offchainlabs/optimist/storage"
	"github.com/offchainlabs/optimist/util/testhelpers"
)

// naiveRoot builds the full padded tree, hashing level by level.
func naiveRoot(height uint64, leaves []common.Hash) common.Hash {
	level := make([]common.Hash, uint64(1)<<height)
	for i := range level {
		level[i] = emptyLeaf
	}
	copy(level, leaves)
	for h := uint64(0); h < height; h++ {
		next := make([]common.Hash, len(level)/2)
		for i := range next {
			next[i] = crypto.Keccak256Hash(level[2*i].Bytes(), level[2*i+1].Bytes())
		}
		level = next
	}
	return level[0]
}

func TestIncrementalRootMatchesNaive(t *testing.T) {
	const height = 5
	for _, count := range []int{0, 1, 2, 3, 7, 8, 15, 31, 32} {
		leaves := testhelpers.RandomHashes(count)
		tree := NewTree(height)
		Require(t, tree.Append(leaves))
		if got, want := tree.Root(), naiveRoot(height, leaves); got != want {
			Fail(t, "root mismatch", "count", count, "got", got, "want", want)
		}
	}
}

func TestEmptyTreeRootDerivation(t *testing.T) {
	want := crypto.Keccak256Hash([]byte("optimist.empty.leaf"))
	for level := uint64(0); level < 4; level++ {
		want = crypto.Keccak256Hash(want.Bytes(), want.Bytes())
	}
	if got := NewTree(4).Root(); got != want {
		Fail(t, "empty root not derived from the empty-leaf constant", "got", got, "want", want)
	}
}

func TestRootIndependentOfBatching(t *testing.T) {
	leaves := testhelpers.RandomHashes(23)

	oneShot := NewTree(DefaultHeight)
	Require(t, oneShot.Append(leaves))

	batched := NewTree(DefaultHeight)
	Require(t, batched.Append(leaves[:4]))
	Require(t, batched.Append(leaves[4:9]))
	Require(t, batched.Append(leaves[9:]))

	if oneShot.Root() != batched.Root() {
		Fail(t, "root depends on how leaves were appended")
	}
	if diff := cmp.Diff(oneShot.Frontier(), batched.Frontier()); diff != "" {
		Fail(t, "frontier depends on how leaves were appended", diff)
	}
}

func TestStatelessUpdateDoesNotMutate(t *testing.T) {
	tree := NewTree(DefaultHeight)
	Require(t, tree.Append(testhelpers.RandomHashes(6)))
	rootBefore := tree.Root()

	updated, err := StatelessUpdate(tree, testhelpers.RandomHashes(3))
	Require(t, err)
	if tree.Root() != rootBefore || tree.LeafCount() != 6 {
		Fail(t, "stateless update mutated its argument")
	}
	if updated.LeafCount() != 9 || updated.Root() == rootBefore {
		Fail(t, "stateless update produced wrong tree")
	}
}

func TestTreeFull(t *testing.T) {
	tree := NewTree(2)
	Require(t, tree.Append(testhelpers.RandomHashes(4)))
	if err := tree.Append(testhelpers.RandomHashes(1)); !errors.Is(err, ErrTreeFull) {
		Fail(t, "append past capacity should fail", err)
	}
}

func TestFromFrontierRoundTrip(t *testing.T) {
	tree := NewTree(DefaultHeight)
	Require(t, tree.Append(testhelpers.RandomHashes(11)))

	rebuilt, err := FromFrontier(DefaultHeight, tree.LeafCount(), tree.Frontier())
	Require(t, err)
	if rebuilt.Root() != tree.Root() {
		Fail(t, "rebuilt tree disagrees on root")
	}
	// both must continue identically
	extra := testhelpers.RandomHashes(5)
	Require(t, tree.Append(extra))
	Require(t, rebuilt.Append(extra))
	if rebuilt.Root() != tree.Root() {
		Fail(t, "rebuilt tree diverged on further appends")
	}
}

func TestEngineAppendAndRollback(t *testing.T) {
	store := storage.NewMemoryStore()
	engine, err := NewEngine(store, DefaultHeight, 0)
	Require(t, err)

	blockOne := testhelpers.RandomHashes(4)
	blockTwo := testhelpers.RandomHashes(4)

	rootAfterOne, err := engine.AppendBlock(blockOne)
	Require(t, err)
	frontierAfterOne := engine.Frontier()

	_, err = engine.AppendBlock(blockTwo)
	Require(t, err)
	if engine.LeafCount() != 8 {
		Fail(t, "leaf count after two blocks", engine.LeafCount())
	}

	// remove the second block: bit-identical restore of the first boundary
	Require(t, engine.Rollback(4))
	if engine.LeafCount() != 4 || engine.Root() != rootAfterOne {
		Fail(t, "rollback did not restore the prior boundary")
	}
	if diff := cmp.Diff(frontierAfterOne, engine.Frontier()); diff != "" {
		Fail(t, "rollback frontier mismatch", diff)
	}

	// a replacement block at the same boundary proceeds cleanly
	replacement := testhelpers.RandomHashes(4)
	rootAfterReplacement, err := engine.AppendBlock(replacement)
	Require(t, err)

	replay := NewTree(DefaultHeight)
	Require(t, replay.Append(blockOne))
	Require(t, replay.Append(replacement))
	if rootAfterReplacement != replay.Root() {
		Fail(t, "replacement root disagrees with genesis replay")
	}
}

func TestEngineRollbackWithoutSnapshotIsFatal(t *testing.T) {
	store := storage.NewMemoryStore()
	engine, err := NewEngine(store, DefaultHeight, 0)
	Require(t, err)
	_, err = engine.AppendBlock(testhelpers.RandomHashes(4))
	Require(t, err)

	if err := engine.Rollback(3); !errors.Is(err, ErrTreeInconsistency) {
		Fail(t, "rollback to unsnapshotted leaf count must be a tree inconsistency", err)
	}
}

func TestEngineReopenAtBoundary(t *testing.T) {
	store := storage.NewMemoryStore()
	engine, err := NewEngine(store, DefaultHeight, 0)
	Require(t, err)
	_, err = engine.AppendBlock(testhelpers.RandomHashes(7))
	Require(t, err)
	root := engine.Root()

	reopened, err := NewEngine(store, DefaultHeight, 7)
	Require(t, err)
	if reopened.Root() != root {
		Fail(t, "reopened engine disagrees on root")
	}

	if _, err := NewEngine(store, DefaultHeight, 99); !errors.Is(err, ErrTreeInconsistency) {
		Fail(t, "reopening at unknown boundary must fail", err)
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
