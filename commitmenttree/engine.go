// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/OffchainLabs/optimist/blob/master/LICENSE

package commitmenttree

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	lru "github.com/hashicorp/golang-lru/v2"
	pkgerrors "github.com/pkg/errors"

	"github.com/offchainlabs/optimist/storage"
)

// ErrTreeInconsistency means a rollback target has no stored snapshot.
// That indicates missing history, not a transient condition: the engine must
// halt rather than guess at a frontier.
var ErrTreeInconsistency = errors.New("commitment tree inconsistency: no snapshot for rollback target")

const snapshotCacheSize = 128

type snapshot struct {
	LeafCount uint64
	Frontier  []common.Hash
}

// Engine is the stateful commitment tree, persisting one frontier snapshot
// per processed block so rollback to any block boundary is a single lookup
// instead of a replay from genesis.
type Engine struct {
	mutex     sync.RWMutex
	store     *storage.Store
	tree      *Tree
	snapshots *lru.Cache[uint64, *Tree]
}

// NewEngine opens an engine positioned at the given leaf count. Leaf count
// zero starts an empty tree (recording its snapshot); any other position
// must have a stored snapshot from a previous run.
func NewEngine(store *storage.Store, height uint64, leafCount uint64) (*Engine, error) {
	cache, err := lru.New[uint64, *Tree](snapshotCacheSize)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		store:     store,
		snapshots: cache,
	}
	if leafCount == 0 {
		e.tree = NewTree(height)
		if err := e.persistSnapshot(e.tree); err != nil {
			return nil, err
		}
		return e, nil
	}
	tree, err := e.loadSnapshot(height, leafCount)
	if err != nil {
		return nil, err
	}
	e.tree = tree
	return e, nil
}

func (e *Engine) persistSnapshot(tree *Tree) error {
	encoded, err := rlp.EncodeToBytes(&snapshot{
		LeafCount: tree.LeafCount(),
		Frontier:  tree.Frontier(),
	})
	if err != nil {
		return pkgerrors.Wrap(err, "failed to encode tree snapshot")
	}
	if err := e.store.PutTreeSnapshot(tree.LeafCount(), encoded); err != nil {
		return err
	}
	e.snapshots.Add(tree.LeafCount(), tree.Clone())
	return nil
}

func (e *Engine) loadSnapshot(height uint64, leafCount uint64) (*Tree, error) {
	if cached, ok := e.snapshots.Get(leafCount); ok {
		return cached.Clone(), nil
	}
	data, err := e.store.TreeSnapshotAtLeafCount(leafCount)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: leaf count %d", ErrTreeInconsistency, leafCount)
	}
	if err != nil {
		return nil, err
	}
	var snap snapshot
	if err := rlp.DecodeBytes(data, &snap); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to decode tree snapshot")
	}
	tree, err := FromFrontier(height, snap.LeafCount, snap.Frontier)
	if err != nil {
		return nil, err
	}
	e.snapshots.Add(leafCount, tree.Clone())
	return tree, nil
}

// AppendBlock appends one block's ordered commitments and records a frontier
// snapshot at the new block boundary. Returns the new root.
func (e *Engine) AppendBlock(leaves []common.Hash) (common.Hash, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if err := e.tree.Append(leaves); err != nil {
		return common.Hash{}, err
	}
	if err := e.persistSnapshot(e.tree); err != nil {
		return common.Hash{}, err
	}
	return e.tree.Root(), nil
}

// Rollback restores the tree to the snapshot recorded at the given leaf
// count. A missing snapshot is ErrTreeInconsistency and fatal to the caller.
func (e *Engine) Rollback(targetLeafCount uint64) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if targetLeafCount == e.tree.LeafCount() {
		return nil
	}
	tree, err := e.loadSnapshot(e.tree.Height(), targetLeafCount)
	if err != nil {
		return err
	}
	e.tree = tree
	return nil
}

func (e *Engine) Root() common.Hash {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.tree.Root()
}

func (e *Engine) LeafCount() uint64 {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.tree.LeafCount()
}

func (e *Engine) Frontier() []common.Hash {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.tree.Frontier()
}

// TreeCopy returns a private copy of the current tree value, safe to pass to
// the validity checker for stateless evaluation.
func (e *Engine) TreeCopy() *Tree {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.tree.Clone()
}
