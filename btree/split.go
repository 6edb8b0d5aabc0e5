package btree

import (
	"bytes"

	"github.com/arjunrao/pagestore/node"
)

// makeRoom is called once an Insert*/Update on the path's deepest
// (leaf) node has reported node.ErrNeedsSplitOrCompact. It first tries
// an in-place compaction -- free but for the CPU cost of rewriting the
// page -- and only resorts to an actual split, propagating the new
// separator key up through path, when compaction still wouldn't free
// enough room. All of path must already be write-latched and pinned by
// the caller; on return the caller re-descends and retries its insert
// from scratch, since makeRoom never performs the insert itself.
func (t *Tree) makeRoom(path []pathEntry, wantBytes int) error {
	leaf := path[len(path)-1].frame.Node()

	if leaf.NeedsCompaction(wantBytes) {
		scratch := make([]byte, len(leaf.Buf))
		if err := leaf.Compact(scratch); err != nil {
			return err
		}
		t.markDirty(path[len(path)-1].frame)
		if leaf.FreeBytes() >= wantBytes {
			return nil
		}
	}

	return t.splitLeafAndPropagate(path)
}

// splitLeafAndPropagate splits the leaf at the end of path and installs
// the resulting separator key into the leaf's parent, recursing up
// through internal-node splits (and growing a new root if necessary)
// until every level on the path has room for what its child's split
// produced.
func (t *Tree) splitLeafAndPropagate(path []pathEntry) error {
	idx := len(path) - 1
	leafFrame := path[idx].frame
	leaf := leafFrame.Node()

	rightFrame, err := t.cache.AllocNode(true)
	if err != nil {
		return err
	}
	right, err := leaf.Split(rightFrame.Node().ID, rightFrame.Node().Buf)
	t.cache.Unpin(rightFrame)
	if err != nil {
		return err
	}
	t.markDirty(leafFrame)
	t.markDirty(rightFrame)

	splitKey := leaf.SplitInfo.SplitKey
	rightID := leaf.SplitInfo.RightID
	leaf.ClearSplit()
	_ = right

	if idx == 0 {
		return t.growRoot(splitKey, leaf.ID, rightID)
	}
	return t.insertSeparator(path, idx-1, splitKey, rightID)
}

// insertSeparator installs key/rightChild into path[idx]'s internal
// node, splitting it (and recursing one level further up, or growing a
// new root) if it has no room.
func (t *Tree) insertSeparator(path []pathEntry, idx int, key []byte, rightChild node.ID) error {
	entry := path[idx]
	parent := entry.frame.Node()

	pos := parent.Search(key)
	if pos < 0 {
		pos = ^pos
	}
	if err := parent.InsertInternal(pos, key, rightChild); err == nil {
		t.markDirty(entry.frame)
		return nil
	} else if err != node.ErrNeedsSplitOrCompact {
		return err
	}

	rightFrame, err := t.cache.AllocNode(false)
	if err != nil {
		return err
	}
	rightParent, err := parent.Split(rightFrame.Node().ID, rightFrame.Node().Buf)
	if err != nil {
		t.cache.Unpin(rightFrame)
		return err
	}
	t.markDirty(entry.frame)
	t.markDirty(rightFrame)

	splitKey := parent.SplitInfo.SplitKey
	splitRightID := parent.SplitInfo.RightID
	parent.ClearSplit()

	// The pending (key, rightChild) insert belongs in whichever half
	// now covers it: the right half if key is >= the split key pushed up
	// to the grandparent.
	target := parent
	if bytes.Compare(key, splitKey) >= 0 {
		target = rightParent
	}
	tpos := target.Search(key)
	if tpos < 0 {
		tpos = ^tpos
	}
	if err := target.InsertInternal(tpos, key, rightChild); err != nil {
		t.cache.Unpin(rightFrame)
		return err
	}
	t.cache.Unpin(rightFrame)

	if idx == 0 {
		return t.growRoot(splitKey, parent.ID, splitRightID)
	}
	return t.insertSeparator(path, idx-1, splitKey, splitRightID)
}

// growRoot is reached when the tree's current root itself split: the
// old root's id stays put as the new root's left child (so no page
// referencing it by id needs to change), a new root page is allocated
// to hold the single separator key, and the cache's pinned root id
// moves to it.
func (t *Tree) growRoot(splitKey []byte, leftID, rightID node.ID) error {
	rootFrame, err := t.cache.AllocNode(false)
	if err != nil {
		return err
	}
	root := rootFrame.Node()
	root.SetChildID(0, leftID)
	if err := root.InsertInternal(0, splitKey, rightID); err != nil {
		t.cache.Unpin(rootFrame)
		return err
	}
	t.markDirty(rootFrame)
	t.cache.SetRootID(root.ID)
	t.cache.Unpin(rootFrame)
	return nil
}
