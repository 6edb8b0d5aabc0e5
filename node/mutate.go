package node

import "github.com/arjunrao/pagestore/common"

// InsertLeaf inserts a new key/value pair at search-vector slot pos
// (as returned by ^Search(key) for a non-existent key). It reports
// common.ErrCacheFull's sibling signal -- ErrNeedsSplitOrCompact -- when
// the node has insufficient free space, leaving the node unmodified.
func (n *Node) InsertLeaf(pos int, key, value []byte) error {
	size := leafEntrySize(key, value)
	// Room for the entry plus its new 2-byte search-vector slot.
	if int(n.rightSegTail())-int(n.childIDsEnd()) < size+2 {
		return ErrNeedsSplitOrCompact
	}
	off, ok := n.allocate(size)
	if !ok {
		return ErrNeedsSplitOrCompact
	}
	encodeLeafEntry(n.Buf, off, key, value)
	n.insertSlot(pos, uint16(off))
	return nil
}

// InsertInternal inserts a separator key and the id of the new right
// child at search-vector slot pos, shifting the child id array right.
func (n *Node) InsertInternal(pos int, key []byte, rightChild ID) error {
	size := internalEntrySize(key)
	// Room for the entry, its new search-vector slot, and one child id.
	if int(n.rightSegTail())-int(n.childIDsEnd()) < size+2+childIDSize {
		return ErrNeedsSplitOrCompact
	}
	off, ok := n.allocate(size)
	if !ok {
		return ErrNeedsSplitOrCompact
	}
	encodeInternalKey(n.Buf, off, key)
	n.insertSlot(pos, uint16(off))
	n.insertChild(pos+1, rightChild)
	return nil
}

// UpdateLeafValue replaces the value stored at slot i. If the new value
// fits in the existing entry's footprint the bytes are rewritten in
// place; otherwise the old entry is marked garbage and a fresh one is
// allocated.
func (n *Node) UpdateLeafValue(i int, key, value []byte) error {
	oldOff := int(n.entryOffset(i))
	_, _, oldSize, err := decodeLeafEntry(n.Buf, oldOff)
	if err != nil {
		return err
	}
	newSize := leafEntrySize(key, value)
	if newSize <= oldSize {
		encodeLeafEntry(n.Buf, oldOff, key, value)
		n.addGarbage(oldSize - newSize)
		return nil
	}
	off, ok := n.allocate(newSize)
	if !ok {
		return ErrNeedsSplitOrCompact
	}
	encodeLeafEntry(n.Buf, off, key, value)
	n.setEntryOffset(i, uint16(off))
	n.addGarbage(oldSize)
	return nil
}

// DeleteLeaf removes the search-vector slot at i, marking its entry's
// bytes as garbage.
func (n *Node) DeleteLeaf(i int) error {
	off := int(n.entryOffset(i))
	_, _, size, err := decodeLeafEntry(n.Buf, off)
	if err != nil {
		return err
	}
	n.removeSlot(i)
	n.addGarbage(size)
	return nil
}

// DeleteInternal removes the separator key at slot i together with the
// child id at childIdx (either i or i+1, chosen by the caller depending
// on which side was merged away). Nothing in this repository calls it;
// ordinary inserts never delete internal keys.
func (n *Node) DeleteInternal(i, childIdx int) error {
	off := int(n.entryOffset(i))
	_, size := decodeInternalKey(n.Buf, off)
	n.removeSlot(i)
	n.removeChild(childIdx)
	n.addGarbage(size)
	return nil
}

func (n *Node) addGarbage(delta int) {
	n.setGarbage(n.garbage() + uint16(delta))
}

// allocate carves size bytes out of whichever segment has room,
// preferring the left segment, and returns the absolute offset the
// entry was written at.
func (n *Node) allocate(size int) (int, bool) {
	left := n.leftSegTail()
	vs := n.searchVecStart()
	if int(vs-left) >= size {
		off := left
		n.setLeftSegTail(left + uint16(size))
		return int(off), true
	}
	right := n.rightSegTail()
	end := n.childIDsEnd()
	if int(right-end) >= size {
		newRight := right - uint16(size)
		n.setRightSegTail(newRight)
		return int(newRight), true
	}
	return 0, false
}

// insertSlot opens a slot at pos for one new offset. The vector grows
// by 2 bytes at its start when pos is 0 and the left free area has room,
// and at its end (into the right free area) otherwise; on internal nodes
// the child id array is moved along so it still follows the vector.
// The caller must already have checked that the room exists.
func (n *Node) insertSlot(pos int, off uint16) {
	numKeys := n.NumKeys()
	vs := n.searchVecStart()

	freeLeft := int(vs) - int(n.leftSegTail())
	if freeLeft >= 2 && pos == 0 {
		// The existing numKeys offsets already sit at vs, vs+2, ...; once
		// searchVecStart moves down by one slot width those same absolute
		// addresses are exactly indices 1..numKeys of the new, wider
		// vector, so the data needs no shifting at all -- only the
		// freshly uncovered low slot (the new index 0) gets written.
		newStart := vs - 2
		n.setSearchVecStart(newStart)
		n.setEntryOffset(0, off)
		return
	}
	ve := n.searchVecEnd()
	newEnd := ve + 2
	if !n.Leaf {
		start, end := int(n.childIDsStart()), int(n.childIDsEnd())
		copy(n.Buf[start+2:end+2], n.Buf[start:end])
	}
	// Shift slots [pos, numKeys) right by one slot to open a hole at pos.
	for i := numKeys; i > pos; i-- {
		n.setEntryOffset(i, n.entryOffset(i-1))
	}
	n.setSearchVecEnd(newEnd)
	n.setEntryOffset(pos, off)
}

// removeSlot deletes the search-vector entry at pos, shrinking the
// vector at its start when pos is 0 and at its end otherwise; on
// internal nodes the child id array is moved along with the vector end.
func (n *Node) removeSlot(pos int) {
	numKeys := n.NumKeys()
	if pos == 0 {
		vs := n.searchVecStart()
		n.setSearchVecStart(vs + 2)
		return
	}
	for i := pos; i < numKeys-1; i++ {
		n.setEntryOffset(i, n.entryOffset(i+1))
	}
	start, end := int(n.childIDsStart()), int(n.childIDsEnd())
	n.setSearchVecEnd(n.searchVecEnd() - 2)
	if !n.Leaf {
		copy(n.Buf[start-2:end-2], n.Buf[start:end])
	}
}

func (n *Node) insertChild(idx int, id ID) {
	numChildren := n.NumChildren()
	for i := numChildren; i > idx; i-- {
		n.SetChildID(i, n.ChildID(i-1))
	}
	n.SetChildID(idx, id)
}

func (n *Node) removeChild(idx int) {
	numChildren := n.NumChildren()
	for i := idx; i < numChildren-1; i++ {
		n.SetChildID(i, n.ChildID(i+1))
	}
}

// NeedsCompaction reports whether the node has enough reclaimable
// garbage that a fresh compaction is likely to free up the space an
// insert needs, rather than forcing an unnecessary split.
func (n *Node) NeedsCompaction(wantBytes int) bool {
	return n.FreeBytes() < wantBytes && int(n.garbage()) >= wantBytes
}

// Compact rewrites the node into scratch (a zeroed buffer the same size
// as n.Buf), packing every live entry tightly into the right segment at
// the end of the page and resetting the garbage counter to zero. The
// rebuilt page is copied back into n.Buf on return.
func (n *Node) Compact(scratch []byte) error {
	if len(scratch) != len(n.Buf) {
		return common.Constraintf("compact scratch buffer size mismatch")
	}
	numKeys := n.NumKeys()
	out := New(n.ID, scratch, n.Leaf)

	type liveEntry struct {
		key, value []byte
		child      ID
	}
	entries := make([]liveEntry, numKeys)
	for i := 0; i < numKeys; i++ {
		off := int(n.entryOffset(i))
		if n.Leaf {
			k, v, _, err := decodeLeafEntry(n.Buf, off)
			if err != nil {
				return err
			}
			entries[i] = liveEntry{key: append([]byte(nil), k...), value: append([]byte(nil), v...)}
		} else {
			k, _ := decodeInternalKey(n.Buf, off)
			entries[i] = liveEntry{key: append([]byte(nil), k...)}
		}
	}
	var children []ID
	if !n.Leaf {
		children = make([]ID, numKeys+1)
		for i := range children {
			children[i] = n.ChildID(i)
		}
	}

	for i, e := range entries {
		if n.Leaf {
			size := leafEntrySize(e.key, e.value)
			off, ok := out.allocate(size)
			if !ok {
				return common.Constraintf("compaction could not fit existing entries")
			}
			encodeLeafEntry(out.Buf, off, e.key, e.value)
			out.insertSlot(i, uint16(off))
		} else {
			size := internalEntrySize(e.key)
			off, ok := out.allocate(size)
			if !ok {
				return common.Constraintf("compaction could not fit existing entries")
			}
			encodeInternalKey(out.Buf, off, e.key)
			out.insertSlot(i, uint16(off))
		}
	}
	if !n.Leaf {
		for i, c := range children {
			out.SetChildID(i, c)
		}
	}

	copy(n.Buf, out.Buf)
	return nil
}
