// Package cache implements the bounded node cache that sits between the
// B+tree traversal code and the page store: a pool of frames, each
// holding a decoded node plus a latch and LRU linkage, an eviction
// policy that never evicts the pinned root, and the three-state dirty
// flag (clean / dirty-in-generation-A / dirty-in-generation-B) the
// commit coordinator uses to flush exactly the pages a generation
// touched.
//
// Adapted from the teacher's btree/pager.go (container/list LRU,
// lruMap for O(1) lookup, page cache map) generalized from a flat page
// cache into a node cache with latch-coupling support, and from
// btree/latch.go (PageLatch/LatchManager) whose per-page RWMutex now
// lives directly on each frame.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/arjunrao/pagestore/common"
	"github.com/arjunrao/pagestore/node"
	"github.com/arjunrao/pagestore/pagestore"
)

// DirtyState is the three-state flag the commit coordinator uses to
// decide which frames a generation's flush must write back.
type DirtyState int32

const (
	Clean DirtyState = iota
	DirtyA
	DirtyB
)

// Frame pairs a decoded node with the bookkeeping the cache and the
// commit coordinator need: a per-frame read/write latch (spec's latch,
// distinct from a transaction-scoped lock), an LRU handle, a pin count,
// and the dirty generation flag.
type Frame struct {
	Latch sync.RWMutex

	node *node.Node
	id   node.ID

	pins    int32
	dirty   DirtyState
	lruElem *list.Element
}

// Node returns the frame's decoded node. Callers must hold Latch.
func (f *Frame) Node() *node.Node { return f.node }

// Cache is a bounded pool of node frames backed by a PageStore.
type Cache struct {
	store *pagestore.PageStore

	mu       sync.Mutex
	frames   map[node.ID]*Frame
	lru      *list.List // front = most recently used
	rootID   node.ID
	maxFrame int

	gen int32 // current commit generation: 0 -> DirtyA is "this gen", 1 -> DirtyB

	stats struct {
		hits, misses, evictions atomic.Int64
	}
}

// New creates a node cache with room for at most maxFrames resident
// nodes, loading rootID as the tree's permanently pinned root.
func New(store *pagestore.PageStore, maxFrames int, rootID node.ID) (*Cache, error) {
	c := &Cache{
		store:    store,
		frames:   make(map[node.ID]*Frame, maxFrames),
		lru:      list.New(),
		rootID:   rootID,
		maxFrame: maxFrames,
	}
	if _, err := c.fetchLocked(rootID, true); err != nil {
		return nil, err
	}
	return c, nil
}

// Generation reports the commit coordinator's current generation
// (0 or 1), used to interpret DirtyA/DirtyB.
func (c *Cache) Generation() int32 { return atomic.LoadInt32(&c.gen) }

// FlipGeneration is called by the commit coordinator immediately after
// a successful commit; it is the sole place dirty-generation semantics
// advance (spec §4.5).
func (c *Cache) FlipGeneration() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen ^= 1
}

func (c *Cache) currentDirtyState() DirtyState {
	if c.gen == 0 {
		return DirtyA
	}
	return DirtyB
}

// Fetch returns the frame for id, pinning it, reading it from the page
// store on a cache miss, and evicting an unpinned LRU victim if the
// cache is full. The root frame is never an eviction candidate.
func (c *Cache) Fetch(id node.ID) (*Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetchLocked(id, false)
}

func (c *Cache) fetchLocked(id node.ID, pinRoot bool) (*Frame, error) {
	if f, ok := c.frames[id]; ok {
		c.stats.hits.Add(1)
		c.touch(f)
		atomic.AddInt32(&f.pins, 1)
		return f, nil
	}
	c.stats.misses.Add(1)

	if len(c.frames) >= c.maxFrame {
		if !c.evictOneLocked() {
			return nil, common.ErrCacheFull
		}
	}

	buf := make([]byte, c.store.PageSize())
	if err := c.store.ReadPage(pagestore.PageID(id), buf); err != nil {
		return nil, err
	}
	n, err := node.Load(id, buf)
	if err != nil {
		return nil, err
	}
	f := &Frame{node: n, id: id}
	if pinRoot || id == c.rootID {
		f.pins = 1 // root carries a standing pin for its whole lifetime
	}
	atomic.AddInt32(&f.pins, 1)
	f.lruElem = c.lru.PushFront(id)
	c.frames[id] = f
	return f, nil
}

// Unpin releases one reference taken by Fetch.
func (c *Cache) Unpin(f *Frame) {
	atomic.AddInt32(&f.pins, -1)
}

func (c *Cache) touch(f *Frame) {
	if f.lruElem != nil {
		c.lru.MoveToFront(f.lruElem)
	}
}

// evictOneLocked evicts the least-recently-used unpinned, clean frame.
// Dirty frames are not evicted (the commit coordinator -- not the
// cache -- is responsible for writing dirty frames back); this mirrors
// the real source's rule that only clean nodes may be reclaimed
// opportunistically.
func (c *Cache) evictOneLocked() bool {
	for e := c.lru.Back(); e != nil; e = e.Prev() {
		id := e.Value.(node.ID)
		f := c.frames[id]
		if f == nil || id == c.rootID {
			continue
		}
		if atomic.LoadInt32(&f.pins) > 0 || f.dirty != Clean {
			continue
		}
		c.lru.Remove(e)
		delete(c.frames, id)
		c.stats.evictions.Add(1)
		return true
	}
	return false
}

// AllocNode reserves a fresh page from the store, formats it as an
// empty node of the given kind, and returns its pinned frame. The new
// frame is immediately marked dirty in the current generation, since a
// freshly allocated node always needs to reach disk.
func (c *Cache) AllocNode(leaf bool) (*Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id, err := c.store.ReservePage()
	if err != nil {
		return nil, err
	}
	if len(c.frames) >= c.maxFrame {
		if !c.evictOneLocked() {
			c.store.UnreservePage(id)
			return nil, common.ErrCacheFull
		}
	}
	buf := make([]byte, c.store.PageSize())
	n := node.New(node.ID(id), buf, leaf)
	f := &Frame{node: n, id: node.ID(id), pins: 1, dirty: c.currentDirtyState()}
	f.lruElem = c.lru.PushFront(f.id)
	c.frames[f.id] = f
	return f, nil
}

// MarkDirty records that frame f was modified during the current
// generation. shouldMarkDirty is true only the first time a clean frame
// transitions within a generation -- the commit coordinator's flush
// walks exactly the frames whose dirty state matches the generation it
// is flushing, so a frame already dirty-in-this-generation need not be
// re-queued.
func (c *Cache) MarkDirty(f *Frame) (shouldMarkDirty bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	want := c.currentDirtyState()
	if f.dirty == want {
		return false
	}
	f.dirty = want
	return true
}

// DirtyState reports f's current dirty flag. Callers hold f.Latch.
func (f *Frame) DirtyState() DirtyState { return f.dirty }

// Store returns the underlying page store, for callers (the undo log,
// the commit coordinator) that need direct page I/O alongside cached
// node access.
func (c *Cache) Store() *pagestore.PageStore { return c.store }

// RootID returns the cache's pinned root node id.
func (c *Cache) RootID() node.ID { return c.rootID }

// SetRootID repoints the cache's pinned root after a root split, and
// ensures the new root's frame carries the standing pin the previous
// root had. The old root frame is left as an ordinary evictable frame.
func (c *Cache) SetRootID(id node.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rootID = id
	if f, ok := c.frames[id]; ok {
		atomic.AddInt32(&f.pins, 1)
	}
}

// Stats reports cumulative cache hit/miss/eviction counters.
type Stats struct {
	Hits, Misses, Evictions int64
}

func (c *Cache) Stats() Stats {
	return Stats{
		Hits:      c.stats.hits.Load(),
		Misses:    c.stats.misses.Load(),
		Evictions: c.stats.evictions.Load(),
	}
}
