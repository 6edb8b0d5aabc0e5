package undo

import (
	"bytes"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/arjunrao/pagestore/pagestore"
)

func openTestStore(t *testing.T) *pagestore.PageStore {
	t.Helper()
	dir := t.TempDir()
	ps, err := pagestore.Open(pagestore.Config{
		Path:     filepath.Join(dir, "undo.db"),
		PageSize: 512,
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { ps.Close() })
	return ps
}

func TestPushAndRollbackOrder(t *testing.T) {
	store := openTestStore(t)
	l := New(store)

	if err := l.Push(OpDelete, []byte("a"), nil); err != nil {
		t.Fatalf("push 1: %v", err)
	}
	if err := l.Push(OpInsert, []byte("b"), []byte("bv")); err != nil {
		t.Fatalf("push 2: %v", err)
	}
	if err := l.Push(OpUpdate, []byte("c"), []byte("old-c")); err != nil {
		t.Fatalf("push 3: %v", err)
	}

	var seen []Record
	if err := l.Rollback(func(r Record) error {
		seen = append(seen, r)
		return nil
	}); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 records, got %d", len(seen))
	}
	// LIFO: last pushed (c) comes first.
	if seen[0].Opcode != OpUpdate || string(seen[0].Key) != "c" {
		t.Fatalf("first popped record wrong: %+v", seen[0])
	}
	if seen[1].Opcode != OpInsert || string(seen[1].Key) != "b" || !bytes.Equal(seen[1].Value, []byte("bv")) {
		t.Fatalf("second popped record wrong: %+v", seen[1])
	}
	if seen[2].Opcode != OpDelete || string(seen[2].Key) != "a" {
		t.Fatalf("third popped record wrong: %+v", seen[2])
	}
	if !l.Empty() {
		t.Fatalf("log should be empty after full rollback")
	}
}

func TestScopeRollbackOnlyUndoesSinceMark(t *testing.T) {
	store := openTestStore(t)
	l := New(store)

	if err := l.Push(OpDelete, []byte("outer"), nil); err != nil {
		t.Fatalf("push outer: %v", err)
	}
	mark := l.ScopeEnter()
	if err := l.Push(OpDelete, []byte("inner-1"), nil); err != nil {
		t.Fatalf("push inner 1: %v", err)
	}
	if err := l.Push(OpDelete, []byte("inner-2"), nil); err != nil {
		t.Fatalf("push inner 2: %v", err)
	}

	var undone []string
	if err := l.ScopeRollback(mark, func(r Record) error {
		undone = append(undone, string(r.Key))
		return nil
	}); err != nil {
		t.Fatalf("scope rollback: %v", err)
	}
	if len(undone) != 2 || undone[0] != "inner-2" || undone[1] != "inner-1" {
		t.Fatalf("unexpected scope rollback set: %v", undone)
	}
	if l.Empty() {
		t.Fatalf("outer push should survive the scoped rollback")
	}
}

func TestSpillAcrossPagesAndRecover(t *testing.T) {
	store := openTestStore(t)
	l := New(store)

	n := 200
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		val := bytes.Repeat([]byte{'v'}, 20)
		if err := l.Push(OpInsert, key, val); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	head := l.HeadPageID()
	if head == 0 {
		t.Fatalf("expected the log to have spilled at least one page")
	}

	record := EncodeMasterRecord(l)
	gotHead, ok := DecodeMasterRecord(record)
	if !ok || gotHead != head {
		t.Fatalf("master record round trip: got %d ok=%v, want %d", gotHead, ok, head)
	}

	// Simulate crash recovery: a fresh process only has the head page id
	// from the commit header, not this Log value.
	var recovered int
	if err := RecoverFromHead(store, gotHead, func(r Record) error {
		recovered++
		return nil
	}); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered != n {
		t.Fatalf("recovered %d records, want %d", recovered, n)
	}
}

func TestEmptyLogMasterRecord(t *testing.T) {
	store := openTestStore(t)
	l := New(store)
	record := EncodeMasterRecord(l)
	head, ok := DecodeMasterRecord(record)
	if !ok || head != 0 {
		t.Fatalf("expected empty-log marker, got head=%d ok=%v", head, ok)
	}
}
