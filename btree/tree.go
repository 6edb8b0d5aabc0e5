// Package btree ties the page store, node cache, and undo log together
// into the durable concurrent B+tree the rest of the module exists to
// support: Store, Load, Delete, and Commit, with crash recovery run
// once at Open.
//
// Adapted from the teacher's btree/btree.go (the top-level BTree type:
// New/Put/Get/Delete/Close wiring a Pager underneath) generalized onto
// the node/cache/pagestore/undo split this design uses in place of the
// teacher's single flat Pager, and from btree/latch.go's latch-coupling
// idea, now expressed directly against cache.Frame's own per-frame
// latch rather than a separate page-id-keyed latch manager.
package btree

import (
	"sync"

	"github.com/arjunrao/pagestore/cache"
	"github.com/arjunrao/pagestore/common"
	"github.com/arjunrao/pagestore/node"
	"github.com/arjunrao/pagestore/pagestore"
	"github.com/arjunrao/pagestore/undo"
)

// Config controls how a Tree is opened.
type Config struct {
	Path string
	// PageSize must be a power of two; 4096 is a reasonable default and
	// matches most filesystems' native block size.
	PageSize uint32
	// MaxCachedNodes bounds the node cache's resident frame count.
	MaxCachedNodes int
	// MaxPages caps on-disk growth; 0 means unbounded.
	MaxPages uint64
}

// Tree is a durable, crash-consistent B+tree keyed by arbitrary byte
// strings.
//
// Structural mutations (Store, Delete) are serialized by mu: this
// implementation always latch-couples pessimistically, write-latching
// every node on the path from root to leaf before descending further,
// rather than classifying nodes as provably "safe" to release early.
// That keeps a single writer from ever needing to back out and retry a
// partially-released latch chain, at the cost of writers not
// overlapping each other (they still overlap readers, which only ever
// take read latches and release a parent as soon as its child is
// latched).
type Tree struct {
	store *pagestore.PageStore
	cache *cache.Cache
	coord *cache.Coordinator
	undo  *undo.Log

	mu sync.Mutex
}

var _ common.Engine = (*Tree)(nil)

// Open creates a new database file or loads an existing one, replaying
// the master undo log if the process crashed with an open transaction.
func Open(cfg Config) (*Tree, error) {
	store, err := pagestore.Open(pagestore.Config{
		Path:     cfg.Path,
		PageSize: cfg.PageSize,
		MaxPages: cfg.MaxPages,
	})
	if err != nil {
		return nil, err
	}

	maxCached := cfg.MaxCachedNodes
	if maxCached <= 0 {
		maxCached = 256
	}

	payload := store.ReadExtraCommitData()
	var rootID node.ID
	var masterBytes []byte

	if payload == nil {
		rootID, err = bootstrapRoot(store)
		if err != nil {
			store.Close()
			return nil, err
		}
	} else {
		var ok bool
		rootID, masterBytes, ok = cache.DecodeHeader(payload)
		if !ok {
			store.Close()
			return nil, common.Corruptf("unreadable commit header")
		}
	}

	c, err := cache.New(store, maxCached, rootID)
	if err != nil {
		store.Close()
		return nil, err
	}
	coord := cache.NewCoordinator(c)

	t := &Tree{store: store, cache: c, coord: coord, undo: undo.New(store)}

	if headID, ok := undo.DecodeMasterRecord(masterBytes); ok && headID != 0 {
		if err := t.recover(headID); err != nil {
			store.Close()
			return nil, err
		}
	}

	return t, nil
}

// bootstrapRoot formats and commits a brand-new empty tree: a single
// empty leaf page installed as the root.
func bootstrapRoot(store *pagestore.PageStore) (node.ID, error) {
	id, err := store.ReservePage()
	if err != nil {
		return 0, err
	}
	buf := make([]byte, store.PageSize())
	root := node.New(node.ID(id), buf, true)
	if err := store.WriteReservedPage(pagestore.PageID(id), root.Buf); err != nil {
		return 0, err
	}
	if err := store.Commit(func() ([]byte, error) {
		return cache.EncodeCommitHeader(node.ID(id), []byte{undo.OpLogCopy}), nil
	}); err != nil {
		return 0, err
	}
	return node.ID(id), nil
}

// recover replays the undo log anchored at headID against the live
// cache, undoing any in-place node mutation that reached disk before
// the process that made it could commit.
func (t *Tree) recover(headID pagestore.PageID) error {
	return undo.RecoverFromHead(t.store, headID, func(rec undo.Record) error {
		return t.applyUndo(rec)
	})
}

// Close flushes and closes the underlying page store. Any mutations
// made since the last Commit are discarded (never written back), since
// dirty frames only reach disk through the commit coordinator.
func (t *Tree) Close() error {
	return t.store.Close()
}

// --- traversal ---

// pathEntry is one latched, pinned node on the root-to-leaf path.
type pathEntry struct {
	frame      *cache.Frame
	childIndex int // index in parent.frame.Node() this entry descended through; -1 for the root
}

func (t *Tree) childIndexFor(n *node.Node, key []byte) int {
	pos := n.Search(key)
	if pos >= 0 {
		return pos + 1
	}
	return ^pos
}

// descend walks from the root to the leaf that must contain key,
// write-latching (and pinning) every node along the way when write is
// true, or read-latching (releasing the parent as soon as the child is
// latched) when it is false.
func (t *Tree) descend(key []byte, write bool) ([]pathEntry, error) {
	var path []pathEntry
	id := t.cache.RootID()
	for {
		f, err := t.cache.Fetch(id)
		if err != nil {
			return nil, err
		}
		if write {
			f.Latch.Lock()
		} else {
			f.Latch.RLock()
		}

		path = append(path, pathEntry{frame: f})

		n := f.Node()
		if n.Leaf {
			return path, nil
		}
		childIdx := t.childIndexFor(n, key)
		childID := n.ChildID(childIdx)
		path[len(path)-1].childIndex = childIdx

		if !write {
			// Latch coupling: release and unpin the parent once the
			// child is safely latched below; readers never hold more
			// than two latches at once.
			if len(path) > 1 {
				prev := path[len(path)-2]
				prev.frame.Latch.RUnlock()
				t.cache.Unpin(prev.frame)
			}
		}
		id = childID
	}
}

func (t *Tree) releasePath(path []pathEntry, write bool) {
	for _, e := range path {
		if write {
			e.frame.Latch.Unlock()
		} else {
			e.frame.Latch.RUnlock()
		}
		t.cache.Unpin(e.frame)
	}
}

// --- reads ---

// Load returns the value stored for key, or common.ErrKeyNotFound.
func (t *Tree) Load(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, common.ErrKeyEmpty
	}
	path, err := t.descend(key, false)
	if err != nil {
		return nil, err
	}
	defer t.releasePathReadTail(path)

	leaf := path[len(path)-1].frame.Node()
	pos := leaf.Search(key)
	if pos < 0 {
		return nil, common.ErrKeyNotFound
	}
	v := leaf.ValueAt(pos)
	return append([]byte(nil), v...), nil
}

// releasePathReadTail releases whatever latches a read-path descent
// still holds (always just the final one or two entries; descend
// already released everything above the current node pair as it went).
func (t *Tree) releasePathReadTail(path []pathEntry) {
	start := len(path) - 2
	if start < 0 {
		start = 0
	}
	for i := start; i < len(path); i++ {
		path[i].frame.Latch.RUnlock()
		t.cache.Unpin(path[i].frame)
	}
}

// --- writes ---

// Store inserts or overwrites the value for key.
func (t *Tree) Store(key, value []byte) error {
	if len(key) == 0 {
		return common.ErrKeyEmpty
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.store.SharedCommitLock()
	defer t.store.UnlockSharedCommit()

	mark := t.undo.ScopeEnter()
	if err := t.storeLocked(key, value); err != nil {
		_ = t.undo.ScopeRollback(mark, t.applyUndo)
		return err
	}
	t.undo.ScopeCommit(mark)
	return nil
}

// storeLocked may recurse once after making room for the entry by
// splitting the target leaf (and, transitively, propagating that split
// up the tree). The path latched by one attempt must be fully released
// before a retry re-descends, since Go's RWMutex is not reentrant and
// the retry may need to relatch some of the same nodes.
func (t *Tree) storeLocked(key, value []byte) error {
	path, err := t.descend(key, true)
	if err != nil {
		return err
	}

	leaf := path[len(path)-1].frame
	n := leaf.Node()
	pos := n.Search(key)

	if pos >= 0 {
		old := append([]byte(nil), n.ValueAt(pos)...)
		if err := n.UpdateLeafValue(pos, key, value); err != nil {
			if err != node.ErrNeedsSplitOrCompact {
				t.releasePath(path, true)
				return err
			}
			splitErr := t.makeRoom(path, leafEntrySizeHint(key, value))
			t.releasePath(path, true)
			if splitErr != nil {
				return splitErr
			}
			return t.storeLocked(key, value)
		}
		if err := t.undo.Push(undo.OpUpdate, key, old); err != nil {
			t.releasePath(path, true)
			return err
		}
		t.markDirty(leaf)
		t.releasePath(path, true)
		return nil
	}

	insertPos := ^pos
	if err := n.InsertLeaf(insertPos, key, value); err != nil {
		if err != node.ErrNeedsSplitOrCompact {
			t.releasePath(path, true)
			return err
		}
		splitErr := t.makeRoom(path, leafEntrySizeHint(key, value))
		t.releasePath(path, true)
		if splitErr != nil {
			return splitErr
		}
		return t.storeLocked(key, value)
	}
	if err := t.undo.Push(undo.OpDelete, key, nil); err != nil {
		t.releasePath(path, true)
		return err
	}
	t.markDirty(leaf)
	t.releasePath(path, true)
	return nil
}

func leafEntrySizeHint(key, value []byte) int {
	return len(key) + len(value) + 4
}

// Delete removes key if present, reporting common.ErrKeyNotFound
// otherwise.
func (t *Tree) Delete(key []byte) error {
	if len(key) == 0 {
		return common.ErrKeyEmpty
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.store.SharedCommitLock()
	defer t.store.UnlockSharedCommit()

	mark := t.undo.ScopeEnter()
	path, err := t.descend(key, true)
	if err != nil {
		return err
	}
	defer t.releasePath(path, true)

	leaf := path[len(path)-1].frame
	n := leaf.Node()
	pos := n.Search(key)
	if pos < 0 {
		return common.ErrKeyNotFound
	}
	old := append([]byte(nil), n.ValueAt(pos)...)
	// Record the undo entry before mutating: if the push itself fails
	// (the record does not fit an undo page, or spilling to a new page
	// fails), nothing has changed yet and there is nothing to roll back.
	if err := t.undo.Push(undo.OpInsert, key, old); err != nil {
		return err
	}
	if err := n.DeleteLeaf(pos); err != nil {
		return err
	}
	t.markDirty(leaf)
	t.undo.ScopeCommit(mark)
	return nil
}

// markDirty tells the cache a frame changed in the current commit
// generation, so the next Commit writes it back. The frame keeps its
// page id: its page is rewritten in place, and no page is reserved or
// freed here.
func (t *Tree) markDirty(f *cache.Frame) {
	t.cache.MarkDirty(f)
}

// applyUndo reverses one undo record directly against the live tree,
// used both for in-process rollback and for crash recovery.
func (t *Tree) applyUndo(rec undo.Record) error {
	switch rec.Opcode {
	case undo.OpDelete:
		path, err := t.descend(rec.Key, true)
		if err != nil {
			return err
		}
		defer t.releasePath(path, true)
		leaf := path[len(path)-1].frame
		n := leaf.Node()
		if pos := n.Search(rec.Key); pos >= 0 {
			if err := n.DeleteLeaf(pos); err != nil {
				return err
			}
			t.markDirty(leaf)
		}
		return nil
	case undo.OpInsert, undo.OpUpdate:
		path, err := t.descend(rec.Key, true)
		if err != nil {
			return err
		}
		defer t.releasePath(path, true)
		leaf := path[len(path)-1].frame
		n := leaf.Node()
		pos := n.Search(rec.Key)
		if pos >= 0 {
			if err := n.UpdateLeafValue(pos, rec.Key, rec.Value); err != nil {
				return err
			}
		} else if err := n.InsertLeaf(^pos, rec.Key, rec.Value); err != nil {
			return err
		}
		t.markDirty(leaf)
		return nil
	default:
		return common.Corruptf("unknown undo opcode %d", rec.Opcode)
	}
}

// Commit flushes every frame dirtied since the last commit, atomically
// installs a new root/undo-log header, and truncates the undo log (the
// mutations it recorded are now part of the durable tree and can never
// need rolling back again).
func (t *Tree) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Every mutation the undo log holds is part of this commit, so the
	// installed header records no open undo log for recovery to replay.
	extra := undo.EncodeMasterRecord(nil)
	if err := t.coord.Commit(extra); err != nil {
		return err
	}
	t.undo.Truncate()
	return nil
}

// Stats exposes the node cache's cumulative hit/miss/eviction counters.
func (t *Tree) Stats() cache.Stats { return t.cache.Stats() }
