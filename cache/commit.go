package cache

import (
	"encoding/binary"

	"github.com/arjunrao/pagestore/node"
	"github.com/arjunrao/pagestore/pagestore"
)

// Coordinator drives the two-generation commit protocol (spec §4.5):
// walk the tree from the root, flush every frame dirty in the
// generation being committed, hand the page store an atomic header
// swap, then flip to the next generation so future writers mark the
// other dirty flag.
type Coordinator struct {
	cache *Cache
}

// NewCoordinator builds a commit coordinator over cache.
func NewCoordinator(c *Cache) *Coordinator { return &Coordinator{cache: c} }

// Commit flushes every frame dirty in the generation being closed out,
// atomically installs a new commit header naming the current root and
// extra (caller-supplied, e.g. the undo log's master record location),
// and advances the cache to the next generation. It holds the page
// store's exclusive commit lock for its duration, so ordinary mutators
// (which hold the shared lock) cannot run concurrently with it.
func (co *Coordinator) Commit(extra []byte) error {
	co.cache.store.ExclusiveCommitLock()
	defer co.cache.store.UnlockExclusiveCommit()

	flushed, err := co.flushDirtyGeneration()
	if err != nil {
		return err
	}

	err = co.cache.store.Commit(func() ([]byte, error) {
		return EncodeCommitHeader(co.cache.RootID(), extra), nil
	})
	if err != nil {
		return err
	}

	for _, f := range flushed {
		f.Latch.Lock()
		f.dirty = Clean
		f.Latch.Unlock()
	}
	co.cache.FlipGeneration()
	return nil
}

// flushDirtyGeneration performs a breadth-first walk of the cached
// subtree reachable from the root, collecting and writing every frame
// whose dirty flag matches the generation currently being committed.
// Frames outside the cache (evicted, clean, never touched this
// generation) need no visit: they already match what's on disk.
func (co *Coordinator) flushDirtyGeneration() ([]*Frame, error) {
	c := co.cache
	c.mu.Lock()
	want := c.currentDirtyState()
	c.mu.Unlock()

	var flushed []*Frame
	visited := make(map[node.ID]bool)
	queue := []node.ID{c.RootID()}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true

		c.mu.Lock()
		f, ok := c.frames[id]
		c.mu.Unlock()
		if !ok {
			continue
		}

		f.Latch.RLock()
		dirty := f.dirty == want
		var children []node.ID
		if !f.node.Leaf {
			for i := 0; i < f.node.NumChildren(); i++ {
				children = append(children, f.node.ChildID(i))
			}
		}
		f.Latch.RUnlock()

		if dirty {
			if err := co.writeFrame(f); err != nil {
				return nil, err
			}
			flushed = append(flushed, f)
		}
		// A dirty internal node's children may also be dirty even if the
		// internal node's own split already resolved; always descend
		// into children so a deep dirty leaf under a clean ancestor
		// (possible right after a root swap) is still found.
		queue = append(queue, children...)
	}
	return flushed, nil
}

func (co *Coordinator) writeFrame(f *Frame) error {
	f.Latch.RLock()
	buf := append([]byte(nil), f.node.Buf...)
	id := f.id
	f.Latch.RUnlock()
	return co.cache.store.WriteReservedPage(pagestore.PageID(id), buf)
}

// headerRootSize/headerExtraLenSig describe the commit header
// payload PageStore.Commit writes through its own checksum/sequence
// wrapper: an 8-byte root id, a 2-byte extra-data length, then the
// extra bytes verbatim (the undo log's master-log location).
const (
	headerRootSize    = 8
	headerExtraLenSig = 2
)

func EncodeCommitHeader(root node.ID, extra []byte) []byte {
	buf := make([]byte, headerRootSize+headerExtraLenSig+len(extra))
	binary.BigEndian.PutUint64(buf, uint64(root))
	binary.BigEndian.PutUint16(buf[headerRootSize:], uint16(len(extra)))
	copy(buf[headerRootSize+headerExtraLenSig:], extra)
	return buf
}

// DecodeHeader parses a commit header payload as written by Commit,
// recovering the root node id and any extra data.
func DecodeHeader(payload []byte) (root node.ID, extra []byte, ok bool) {
	if len(payload) < headerRootSize+headerExtraLenSig {
		return 0, nil, false
	}
	root = node.ID(binary.BigEndian.Uint64(payload))
	n := binary.BigEndian.Uint16(payload[headerRootSize:])
	start := headerRootSize + headerExtraLenSig
	if start+int(n) > len(payload) {
		return 0, nil, false
	}
	return root, payload[start : start+int(n)], true
}
