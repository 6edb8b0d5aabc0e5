package node

import (
	"bytes"
	"fmt"
	"testing"
)

const testPageSize = 4096

func newLeaf(t *testing.T) *Node {
	t.Helper()
	return New(ID(1), make([]byte, testPageSize), true)
}

func TestEmptyLeafRoundTrip(t *testing.T) {
	n := newLeaf(t)
	if n.NumKeys() != 0 {
		t.Fatalf("expected 0 keys, got %d", n.NumKeys())
	}
	if _, err := Load(n.ID, n.Buf); err != nil {
		t.Fatalf("load of freshly formatted node failed: %v", err)
	}
}

func TestInsertFindOrder(t *testing.T) {
	n := newLeaf(t)
	keys := []string{"banana", "apple", "cherry", "date"}
	for _, k := range keys {
		pos := n.Search([]byte(k))
		if pos >= 0 {
			t.Fatalf("unexpected duplicate for %q", k)
		}
		if err := n.InsertLeaf(^pos, []byte(k), []byte("v-"+k)); err != nil {
			t.Fatalf("insert %q: %v", k, err)
		}
	}
	if n.NumKeys() != len(keys) {
		t.Fatalf("expected %d keys, got %d", len(keys), n.NumKeys())
	}
	want := []string{"apple", "banana", "cherry", "date"}
	for i, w := range want {
		if got := string(n.KeyAt(i)); got != w {
			t.Fatalf("slot %d: got %q want %q", i, got, w)
		}
	}
}

func TestUpdateInPlaceAndGrow(t *testing.T) {
	n := newLeaf(t)
	pos := n.Search([]byte("k"))
	if err := n.InsertLeaf(^pos, []byte("k"), []byte("short")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	i := n.Search([]byte("k"))
	if i < 0 {
		t.Fatalf("key not found after insert")
	}
	if err := n.UpdateLeafValue(i, []byte("k"), []byte("shorter")); err != nil {
		t.Fatalf("shrink update: %v", err)
	}
	if !bytes.Equal(n.ValueAt(i), []byte("shorter")) {
		t.Fatalf("value not updated: %q", n.ValueAt(i))
	}
	if err := n.UpdateLeafValue(i, []byte("k"), []byte("a much longer replacement value than before")); err != nil {
		t.Fatalf("grow update: %v", err)
	}
	if !bytes.Equal(n.ValueAt(i), []byte("a much longer replacement value than before")) {
		t.Fatalf("grown value mismatch: %q", n.ValueAt(i))
	}
	if n.Garbage() == 0 {
		t.Fatalf("expected garbage to accumulate from the two updates")
	}
}

func TestDeleteRemovesSlot(t *testing.T) {
	n := newLeaf(t)
	for _, k := range []string{"a", "b", "c"} {
		pos := n.Search([]byte(k))
		if err := n.InsertLeaf(^pos, []byte(k), []byte("v")); err != nil {
			t.Fatalf("insert %q: %v", k, err)
		}
	}
	i := n.Search([]byte("b"))
	if err := n.DeleteLeaf(i); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n.NumKeys() != 2 {
		t.Fatalf("expected 2 keys after delete, got %d", n.NumKeys())
	}
	if n.Search([]byte("b")) >= 0 {
		t.Fatalf("deleted key still found")
	}
	if n.Garbage() == 0 {
		t.Fatalf("expected delete to record garbage")
	}
}

func TestCompactReclaimsGarbage(t *testing.T) {
	n := newLeaf(t)
	for i := 0; i < 20; i++ {
		k := []byte(fmt.Sprintf("key-%03d", i))
		pos := n.Search(k)
		if err := n.InsertLeaf(^pos, k, bytes.Repeat([]byte{'x'}, 50)); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	for i := 0; i < 20; i += 2 {
		k := []byte(fmt.Sprintf("key-%03d", i))
		idx := n.Search(k)
		if err := n.DeleteLeaf(idx); err != nil {
			t.Fatalf("delete %d: %v", i, err)
		}
	}
	before := n.Garbage()
	if before == 0 {
		t.Fatalf("expected accumulated garbage before compaction")
	}
	scratch := make([]byte, testPageSize)
	if err := n.Compact(scratch); err != nil {
		t.Fatalf("compact: %v", err)
	}
	if n.Garbage() != 0 {
		t.Fatalf("expected zero garbage after compaction, got %d", n.Garbage())
	}
	if n.NumKeys() != 10 {
		t.Fatalf("expected 10 surviving keys, got %d", n.NumKeys())
	}
	for i := 1; i < 20; i += 2 {
		k := []byte(fmt.Sprintf("key-%03d", i))
		if n.Search(k) < 0 {
			t.Fatalf("surviving key %q missing after compaction", k)
		}
	}
}

func TestSplitDistributesEntriesAndOrdersSiblings(t *testing.T) {
	n := newLeaf(t)
	val := bytes.Repeat([]byte{'v'}, 200)
	i := 0
	for {
		k := []byte(fmt.Sprintf("key-%04d", i))
		pos := n.Search(k)
		if err := n.InsertLeaf(^pos, k, val); err != nil {
			break
		}
		i++
	}
	if i == 0 {
		t.Fatalf("expected at least one entry before forcing a split")
	}
	totalBefore := n.NumKeys()
	rightBuf := make([]byte, testPageSize)
	right, err := n.Split(ID(2), rightBuf)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if n.NumKeys()+right.NumKeys() != totalBefore {
		t.Fatalf("split lost or duplicated entries: left=%d right=%d want total=%d", n.NumKeys(), right.NumKeys(), totalBefore)
	}
	if n.SplitInfo == nil {
		t.Fatalf("expected left node to carry a split descriptor")
	}
	if n.NumKeys() == 0 || right.NumKeys() == 0 {
		t.Fatalf("split produced an empty half: left=%d right=%d", n.NumKeys(), right.NumKeys())
	}
	if bytes.Compare(n.KeyAt(n.NumKeys()-1), right.KeyAt(0)) >= 0 {
		t.Fatalf("left max key %q not below right min key %q", n.KeyAt(n.NumKeys()-1), right.KeyAt(0))
	}
	if bytes.Compare(n.SplitInfo.SplitKey, right.KeyAt(0)) > 0 {
		t.Fatalf("split key %q greater than right's first key %q", n.SplitInfo.SplitKey, right.KeyAt(0))
	}
}

func repeatKey(n int) []byte { return bytes.Repeat([]byte{'k'}, n) }

// TestLeafKeyHeaderBoundaryLengths exercises the one-/two-byte leaf key
// header crossing named by spec §8: lengths 64 and 65.
func TestLeafKeyHeaderBoundaryLengths(t *testing.T) {
	n := newLeaf(t)
	k64 := repeatKey(64)
	k65 := repeatKey(65)
	if err := n.InsertLeaf(^n.Search(k64), k64, []byte("v64")); err != nil {
		t.Fatalf("insert 64-byte key: %v", err)
	}
	if err := n.InsertLeaf(^n.Search(k65), k65, []byte("v65")); err != nil {
		t.Fatalf("insert 65-byte key: %v", err)
	}
	if leafKeyHeaderLen(64) != 1 {
		t.Fatalf("expected a 64-byte key to use the 1-byte header form")
	}
	if leafKeyHeaderLen(65) != 2 {
		t.Fatalf("expected a 65-byte key to use the 2-byte header form")
	}
	i64 := n.Search(k64)
	i65 := n.Search(k65)
	if !bytes.Equal(n.KeyAt(i64), k64) {
		t.Fatalf("64-byte key round-trip mismatch")
	}
	if !bytes.Equal(n.KeyAt(i65), k65) {
		t.Fatalf("65-byte key round-trip mismatch")
	}
	if !bytes.Equal(n.ValueAt(i64), []byte("v64")) || !bytes.Equal(n.ValueAt(i65), []byte("v65")) {
		t.Fatalf("value round-trip mismatch around the key header boundary")
	}
}

// TestValueHeaderBoundaryLengths exercises the one-/two-byte value
// header crossing named by spec §8: lengths 128 and 129.
func TestValueHeaderBoundaryLengths(t *testing.T) {
	n := newLeaf(t)
	v128 := bytes.Repeat([]byte{'x'}, 128)
	v129 := bytes.Repeat([]byte{'y'}, 129)
	if err := n.InsertLeaf(^n.Search([]byte("a")), []byte("a"), v128); err != nil {
		t.Fatalf("insert 128-byte value: %v", err)
	}
	if err := n.InsertLeaf(^n.Search([]byte("b")), []byte("b"), v129); err != nil {
		t.Fatalf("insert 129-byte value: %v", err)
	}
	if valueHeaderLen(128) != 1 {
		t.Fatalf("expected a 128-byte value to use the 1-byte header form")
	}
	if valueHeaderLen(129) != 2 {
		t.Fatalf("expected a 129-byte value to use the 2-byte header form")
	}
	if !bytes.Equal(n.ValueAt(n.Search([]byte("a"))), v128) {
		t.Fatalf("128-byte value round-trip mismatch")
	}
	if !bytes.Equal(n.ValueAt(n.Search([]byte("b"))), v129) {
		t.Fatalf("129-byte value round-trip mismatch")
	}
}

// TestInternalKeyHeaderBoundaryLengths exercises the internal key
// header's own one-/two-byte boundary, which sits at a different
// threshold (128/129) than the leaf key header's (64/65).
func TestInternalKeyHeaderBoundaryLengths(t *testing.T) {
	n := New(ID(1), make([]byte, testPageSize), false)
	k128 := repeatKey(128)
	k129 := repeatKey(129)
	n.SetChildID(0, ID(10))
	if err := n.InsertInternal(0, k128, ID(11)); err != nil {
		t.Fatalf("insert 128-byte internal key: %v", err)
	}
	if err := n.InsertInternal(1, k129, ID(12)); err != nil {
		t.Fatalf("insert 129-byte internal key: %v", err)
	}
	if internalKeyHeaderLen(128) != 1 {
		t.Fatalf("expected a 128-byte internal key to use the 1-byte header form")
	}
	if internalKeyHeaderLen(129) != 2 {
		t.Fatalf("expected a 129-byte internal key to use the 2-byte header form")
	}
	if !bytes.Equal(n.KeyAt(0), k128) {
		t.Fatalf("128-byte internal key round-trip mismatch")
	}
	if !bytes.Equal(n.KeyAt(1), k129) {
		t.Fatalf("129-byte internal key round-trip mismatch")
	}
}

// TestEmptyValueFamilyRoundTrips exercises spec §8's "zero-length values
// encoded with the 0x40/0xc0 family round-trip as empty" property, for
// both the short (<=64 byte) and long (>64 byte) leaf key header forms.
func TestEmptyValueFamilyRoundTrips(t *testing.T) {
	n := newLeaf(t)
	shortKey := []byte("short-key")
	longKey := repeatKey(100)
	if err := n.InsertLeaf(^n.Search(shortKey), shortKey, nil); err != nil {
		t.Fatalf("insert short key with empty value: %v", err)
	}
	if err := n.InsertLeaf(^n.Search(longKey), longKey, []byte{}); err != nil {
		t.Fatalf("insert long key with empty value: %v", err)
	}
	if v := n.ValueAt(n.Search(shortKey)); len(v) != 0 {
		t.Fatalf("expected empty value for short key, got %q", v)
	}
	if v := n.ValueAt(n.Search(longKey)); len(v) != 0 {
		t.Fatalf("expected empty value for long key, got %q", v)
	}
}

// TestInsertNewMinimumAfterDeletingOldMinimum guards against a
// search-vector corruption bug: deleting a leaf's smallest key only
// advances searchVecStart (never touching leftSegTail), so the next
// insert of a new, smaller key must grow the vector leftward without
// disturbing the offsets already stored there.
func TestInsertNewMinimumAfterDeletingOldMinimum(t *testing.T) {
	n := newLeaf(t)
	for _, k := range []string{"b", "c", "d"} {
		pos := n.Search([]byte(k))
		if err := n.InsertLeaf(^pos, []byte(k), []byte("v-"+k)); err != nil {
			t.Fatalf("insert %q: %v", k, err)
		}
	}
	if err := n.DeleteLeaf(n.Search([]byte("b"))); err != nil {
		t.Fatalf("delete min: %v", err)
	}
	if n.NumKeys() != 2 {
		t.Fatalf("expected 2 keys after deleting the minimum, got %d", n.NumKeys())
	}
	pos := n.Search([]byte("a"))
	if err := n.InsertLeaf(^pos, []byte("a"), []byte("v-a")); err != nil {
		t.Fatalf("insert new minimum: %v", err)
	}
	want := []string{"a", "c", "d"}
	if n.NumKeys() != len(want) {
		t.Fatalf("expected %d keys, got %d", len(want), n.NumKeys())
	}
	for i, w := range want {
		if got := string(n.KeyAt(i)); got != w {
			t.Fatalf("slot %d: got %q want %q", i, got, w)
		}
		if got := string(n.ValueAt(i)); got != "v-"+w {
			t.Fatalf("slot %d value: got %q want %q", i, got, "v-"+w)
		}
	}
}
