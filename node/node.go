// Package node implements the slotted-page encoding of B+tree leaf and
// internal nodes: the header, the two growing segments, the packed
// search vector, variable-length key/value entry encoding, binary
// search, in-place mutation, compaction, and node split.
//
// Adapted from the teacher's btree/page.go (the Page type: a fixed byte
// array plus decoded header fields, grown from a cell directory into the
// two-segment slotted layout the spec requires) and btree/varint.go
// (the varint helpers here become the two-byte big/small length headers
// of §3's key/value entry encoding).
package node

import (
	"bytes"
	"encoding/binary"

	"github.com/arjunrao/pagestore/common"
)

// ID identifies a page-backed node. 0 means "no page".
type ID uint64

const (
	// HeaderSize is the fixed 12-byte node header (see spec §3).
	HeaderSize = 12

	offType           = 0
	offReserved       = 1
	offGarbage        = 2
	offLeftSegTail    = 4
	offRightSegTail   = 6
	offSearchVecStart = 8
	offSearchVecEnd   = 10

	// TypeLeaf and TypeInternal are the two node types.
	TypeLeaf     = 0
	TypeInternal = 1

	childIDSize = 8
)

// Node is the in-memory decoded view of a slotted page. It holds no
// latch of its own -- the cache package pairs a Node with a frame latch
// and LRU linkage.
type Node struct {
	ID   ID
	Buf  []byte // exactly PageSize bytes
	Leaf bool

	// SplitInfo is non-nil while this node has split and its parent has
	// not yet adopted the split key. It is a transient tagged variant,
	// never a permanent part of the node.
	SplitInfo *SplitInfo
}

// New formats buf (zeroed, PageSize bytes) as a fresh empty node.
func New(id ID, buf []byte, leaf bool) *Node {
	n := &Node{ID: id, Buf: buf, Leaf: leaf}
	if leaf {
		buf[offType] = TypeLeaf
	} else {
		buf[offType] = TypeInternal
	}
	buf[offReserved] = 0
	n.setGarbage(0)
	n.setLeftSegTail(HeaderSize)
	n.setRightSegTail(uint16(len(buf)))
	n.setSearchVecStart(HeaderSize)
	n.setSearchVecEnd(HeaderSize - 2) // empty: end == start-2
	if !leaf {
		// A freshly split-off internal node always carries one more
		// child id than key; an empty internal node is only transient
		// (root-before-first-split), so leave the child array empty too.
	}
	return n
}

// Load decodes an existing page buffer into a Node, validating the
// header invariants that must always hold (spec §8.1).
func Load(id ID, buf []byte) (*Node, error) {
	if len(buf) < HeaderSize {
		return nil, common.Corruptf("page %d shorter than header", id)
	}
	typ := buf[offType]
	if typ != TypeLeaf && typ != TypeInternal {
		return nil, common.Corruptf("page %d has invalid node type %d", id, typ)
	}
	if buf[offReserved] != 0 {
		return nil, common.Corruptf("page %d reserved byte is nonzero", id)
	}
	n := &Node{ID: id, Buf: buf, Leaf: typ == TypeLeaf}
	if err := n.validateHeader(); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *Node) validateHeader() error {
	p := uint16(len(n.Buf))
	left := n.leftSegTail()
	right := n.rightSegTail()
	vs := n.searchVecStart()
	ve := n.searchVecEnd()

	if left < HeaderSize {
		return common.Corruptf("node %d leftSegTail %d < header size", n.ID, left)
	}
	if vs < left {
		return common.Corruptf("node %d searchVecStart %d < leftSegTail %d", n.ID, vs, left)
	}
	if ve != vs-2 && (ve < vs || (ve-vs)%2 != 0) {
		return common.Corruptf("node %d searchVecEnd %d misaligned with start %d", n.ID, ve, vs)
	}
	childEnd := n.childIDsEnd()
	if right < childEnd {
		return common.Corruptf("node %d rightSegTail %d < child/vector end %d", n.ID, right, childEnd)
	}
	if right > p {
		return common.Corruptf("node %d rightSegTail %d beyond page size %d", n.ID, right, p)
	}
	return nil
}

// --- raw header accessors ---

func (n *Node) garbage() uint16         { return binary.BigEndian.Uint16(n.Buf[offGarbage:]) }
func (n *Node) setGarbage(v uint16)     { binary.BigEndian.PutUint16(n.Buf[offGarbage:], v) }
func (n *Node) leftSegTail() uint16     { return binary.BigEndian.Uint16(n.Buf[offLeftSegTail:]) }
func (n *Node) setLeftSegTail(v uint16) { binary.BigEndian.PutUint16(n.Buf[offLeftSegTail:], v) }
func (n *Node) rightSegTail() uint16    { return binary.BigEndian.Uint16(n.Buf[offRightSegTail:]) }
func (n *Node) setRightSegTail(v uint16) {
	binary.BigEndian.PutUint16(n.Buf[offRightSegTail:], v)
}
func (n *Node) searchVecStart() uint16 {
	return binary.BigEndian.Uint16(n.Buf[offSearchVecStart:])
}
func (n *Node) setSearchVecStart(v uint16) {
	binary.BigEndian.PutUint16(n.Buf[offSearchVecStart:], v)
}
func (n *Node) searchVecEnd() uint16 { return binary.BigEndian.Uint16(n.Buf[offSearchVecEnd:]) }
func (n *Node) setSearchVecEnd(v uint16) {
	binary.BigEndian.PutUint16(n.Buf[offSearchVecEnd:], v)
}

// NumKeys returns the number of keys (== number of search vector slots).
func (n *Node) NumKeys() int {
	ve, vs := int(n.searchVecEnd()), int(n.searchVecStart())
	if ve < vs {
		return 0
	}
	return (ve-vs)/2 + 1
}

// NumChildren returns NumKeys()+1 for internal nodes, 0 for leaves.
func (n *Node) NumChildren() int {
	if n.Leaf {
		return 0
	}
	return n.NumKeys() + 1
}

// childIDsStart/End bound the fixed-size child id array that immediately
// follows the search vector on internal nodes (empty range on leaves).
func (n *Node) childIDsStart() uint16 {
	return n.searchVecStart() + uint16(n.NumKeys())*2
}

func (n *Node) childIDsEnd() uint16 {
	start := n.childIDsStart()
	if n.Leaf {
		return start
	}
	return start + uint16(n.NumKeys()+1)*childIDSize
}

// entryOffset returns the absolute offset stored in search vector slot i.
func (n *Node) entryOffset(i int) uint16 {
	pos := n.searchVecStart() + uint16(i)*2
	return binary.BigEndian.Uint16(n.Buf[pos:])
}

func (n *Node) setEntryOffset(i int, off uint16) {
	pos := n.searchVecStart() + uint16(i)*2
	binary.BigEndian.PutUint16(n.Buf[pos:], off)
}

// ChildID returns the idx'th child id of an internal node (idx in
// [0, NumChildren())).
func (n *Node) ChildID(idx int) ID {
	off := n.childIDsStart() + uint16(idx)*childIDSize
	return ID(binary.BigEndian.Uint64(n.Buf[off:]))
}

func (n *Node) SetChildID(idx int, id ID) {
	off := n.childIDsStart() + uint16(idx)*childIDSize
	binary.BigEndian.PutUint64(n.Buf[off:], uint64(id))
}

// KeyAt returns the key stored at search-vector slot i.
func (n *Node) KeyAt(i int) []byte {
	off := n.entryOffset(i)
	if n.Leaf {
		k, _, _, _ := decodeLeafEntry(n.Buf, int(off))
		return k
	}
	k, _ := decodeInternalKey(n.Buf, int(off))
	return k
}

// ValueAt returns the value stored at search-vector slot i of a leaf.
// An empty value is returned as a zero-length, non-nil slice -- the
// on-disk entry omits the value header entirely in that case.
func (n *Node) ValueAt(i int) []byte {
	off := n.entryOffset(i)
	_, v, _, _ := decodeLeafEntry(n.Buf, int(off))
	return v
}

// Garbage reports the bytes lost to deletions/updates inside the segments.
func (n *Node) Garbage() int { return int(n.garbage()) }

// FreeBytes reports how much more an insert could allocate before a
// compaction (or split) becomes necessary.
func (n *Node) FreeBytes() int {
	freeLeft := int(n.searchVecStart()) - int(n.leftSegTail())
	freeRight := int(n.rightSegTail()) - int(n.childIDsEnd())
	return freeLeft + freeRight
}

// binarySearch returns the slot index where key is found, or ^pos where
// pos is the slot it would be inserted at (spec's "2-based position,
// negative result ~p means would insert at p" -- here expressed directly
// in slot-index units rather than byte offsets).
func (n *Node) binarySearch(key []byte) int {
	lo, hi := 0, n.NumKeys()-1
	for lo <= hi {
		mid := (lo + hi) / 2
		cmp := bytes.Compare(key, n.KeyAt(mid))
		switch {
		case cmp == 0:
			return mid
		case cmp < 0:
			hi = mid - 1
		default:
			lo = mid + 1
		}
	}
	return ^lo
}

// Search is the public binary search entry point used by the tree
// traversal and by insert/delete. A non-negative return is an exact
// match's slot; a negative return's complement is the insertion slot.
func (n *Node) Search(key []byte) int { return n.binarySearch(key) }
