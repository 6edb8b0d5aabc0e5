package node

import "errors"

// ErrNeedsSplitOrCompact is returned by the Insert* methods when a node
// has no room left for a new entry. The btree package responds by first
// trying Compact and, if that still doesn't free enough space, Split.
var ErrNeedsSplitOrCompact = errors.New("node: needs split or compaction")

// SplitInfo is the transient descriptor a node carries from the moment
// it splits until its parent has adopted the new separator key and
// right-sibling id (spec §4.4). It is never serialized.
type SplitInfo struct {
	// SplitKey is the separator key to insert into the parent.
	SplitKey []byte
	// RightID is the page id of the newly allocated right sibling.
	RightID ID
}

// Split divides n's entries roughly in half across n (kept as the left
// half) and a freshly formatted right sibling backed by rightBuf. It
// never tries to splice a pending insert in as part of the split: the
// caller retries its insert against whichever half the key now belongs
// to once the split (and any split propagation up the tree) completes.
//
// Split chooses the midpoint by entry count, not byte count: simple,
// deterministic, and -- per the corpus's own split implementation --
// good enough in practice since entries in a workload cluster tightly
// in size. It always leaves both halves with at least one key.
func (n *Node) Split(rightID ID, rightBuf []byte) (*Node, error) {
	numKeys := n.NumKeys()

	type entry struct {
		key, value []byte
		child      ID
	}
	all := make([]entry, 0, numKeys+1)
	if !n.Leaf {
		all = append(all, entry{child: n.ChildID(0)})
	}
	for i := 0; i < numKeys; i++ {
		off := int(n.entryOffset(i))
		if n.Leaf {
			k, v, _, err := decodeLeafEntry(n.Buf, off)
			if err != nil {
				return nil, err
			}
			all = append(all, entry{key: append([]byte(nil), k...), value: append([]byte(nil), v...)})
		} else {
			k, _ := decodeInternalKey(n.Buf, off)
			all = append(all, entry{key: append([]byte(nil), k...), child: n.ChildID(i + 1)})
		}
	}

	mid := len(all) / 2

	leftScratch := make([]byte, len(n.Buf))
	left := New(n.ID, leftScratch, n.Leaf)
	right := New(rightID, rightBuf, n.Leaf)

	var splitKey []byte

	if n.Leaf {
		for i := 0; i < mid; i++ {
			if err := appendLeaf(left, all[i].key, all[i].value); err != nil {
				return nil, err
			}
		}
		for i := mid; i < len(all); i++ {
			if err := appendLeaf(right, all[i].key, all[i].value); err != nil {
				return nil, err
			}
		}
		splitKey = append([]byte(nil), all[mid].key...)
	} else {
		// all[0] is the leftmost child with no key; all[i>0] pairs a
		// separator key with its right child.
		left.SetChildID(0, all[0].child)
		for i := 1; i < mid; i++ {
			if err := appendInternal(left, all[i].key, all[i].child); err != nil {
				return nil, err
			}
		}
		splitKey = append([]byte(nil), all[mid].key...)
		right.SetChildID(0, all[mid].child)
		for i := mid + 1; i < len(all); i++ {
			if err := appendInternal(right, all[i].key, all[i].child); err != nil {
				return nil, err
			}
		}
	}

	copy(n.Buf, left.Buf)
	n.SplitInfo = &SplitInfo{SplitKey: splitKey, RightID: rightID}
	return right, nil
}

func appendLeaf(n *Node, key, value []byte) error {
	size := leafEntrySize(key, value)
	off, ok := n.allocate(size)
	if !ok {
		return ErrNeedsSplitOrCompact
	}
	encodeLeafEntry(n.Buf, off, key, value)
	n.insertSlot(n.NumKeys(), uint16(off))
	return nil
}

func appendInternal(n *Node, key []byte, rightChild ID) error {
	size := internalEntrySize(key)
	off, ok := n.allocate(size)
	if !ok {
		return ErrNeedsSplitOrCompact
	}
	encodeInternalKey(n.Buf, off, key)
	pos := n.NumKeys()
	n.insertSlot(pos, uint16(off))
	n.SetChildID(pos+1, rightChild)
	return nil
}

// ClearSplit discards the transient split descriptor once the parent
// has adopted the separator key and right sibling id.
func (n *Node) ClearSplit() { n.SplitInfo = nil }
