// Package undo implements the per-transaction undo log (spec §4.6): a
// stack of reverse operations that lets an in-flight transaction roll
// back without touching the committed tree, spilling to page-store
// pages when it outgrows a single page, and a master undo log that
// lets recovery find and unwind transactions that were active when the
// process died.
//
// Adapted from the teacher's btree/wal.go: the same record-framing and
// page-chaining idea (a typed record, a length, a payload, fixed framing
// per page) repurposed from a physical redo log into a logical undo
// log, and btree/varint.go for payload length framing.
package undo

import (
	"encoding/binary"

	"github.com/arjunrao/pagestore/common"
	"github.com/arjunrao/pagestore/pagestore"
)

// Opcode identifies what a single undo record reverses.
type Opcode byte

const (
	// OpDelete undoes an insert: delete the key.
	OpDelete Opcode = 1
	// OpInsert undoes a delete: re-insert the key/value.
	OpInsert Opcode = 2
	// OpUpdate undoes a value update: restore the key's old value.
	OpUpdate Opcode = 3
)

const (
	pageHeaderSize = 8 + 2 // lowerPageID(8) + used(2)

	offLower = 0
	offUsed  = 8
)

// Record is one decoded undo-log entry.
type Record struct {
	Opcode Opcode
	Key    []byte
	Value  []byte // unset for OpDelete
}

// Mark is an opaque savepoint returned by ScopeEnter; ScopeRollback
// undoes everything pushed since the matching ScopeEnter, ScopeCommit
// discards the savepoint without undoing anything.
type Mark struct {
	recordCount int
}

// Log is a single transaction's undo stack. The zero value is not
// usable; construct with New.
type Log struct {
	store *pagestore.PageStore

	buf  []byte // current (topmost, partially-filled) page
	used uint16

	lowerID pagestore.PageID // page this buf will point to once spilled
	spilled []pagestore.PageID // pages already written, oldest first

	recordCount int
}

// New creates an empty undo log backed by store. No page is reserved
// until the first record is pushed.
func New(store *pagestore.PageStore) *Log {
	l := &Log{store: store}
	l.resetBuf()
	return l
}

func (l *Log) resetBuf() {
	l.buf = make([]byte, l.store.PageSize())
	l.used = 0
}

// Empty reports whether the log currently holds no records (true again
// after a full rollback or a Truncate).
func (l *Log) Empty() bool { return l.recordCount == 0 }

// Push records one reverse operation. Key and value are copied.
func (l *Log) Push(op Opcode, key, value []byte) error {
	size := 1 + varintSize(uint64(len(key))) + len(key)
	if op != OpDelete {
		size += varintSize(uint64(len(value))) + len(value)
	}
	if pageHeaderSize+int(l.used)+size > len(l.buf) {
		if err := l.spill(); err != nil {
			return err
		}
	}
	if pageHeaderSize+int(l.used)+size > len(l.buf) {
		return common.Constraintf("undo record of %d bytes too large for one page", size)
	}

	off := pageHeaderSize + int(l.used)
	l.buf[off] = byte(op)
	off++
	n := putUvarint(l.buf[off:], uint64(len(key)))
	off += n
	off += copy(l.buf[off:], key)
	if op != OpDelete {
		n = putUvarint(l.buf[off:], uint64(len(value)))
		off += n
		off += copy(l.buf[off:], value)
	}
	l.used = uint16(off - pageHeaderSize)
	l.recordCount++
	return nil
}

// spill writes the current (full) buffer to a freshly reserved page,
// chains it to whatever was previously spilled, and starts a new empty
// buffer on top of it.
func (l *Log) spill() error {
	id, err := l.store.ReservePage()
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint64(l.buf[offLower:], uint64(l.lowerID))
	binary.BigEndian.PutUint16(l.buf[offUsed:], l.used)
	if err := l.store.WriteReservedPage(id, l.buf); err != nil {
		l.store.UnreservePage(id)
		return err
	}
	l.spilled = append(l.spilled, id)
	l.lowerID = id
	l.resetBuf()
	return nil
}

// ScopeEnter returns a savepoint that a later ScopeRollback can unwind
// to, for nested operations (e.g. a single Store call that internally
// performs a split and must be able to back out of the split alone).
func (l *Log) ScopeEnter() Mark { return Mark{recordCount: l.recordCount} }

// ScopeCommit discards a savepoint: its pushed records remain part of
// the enclosing transaction's undo stack.
func (l *Log) ScopeCommit(Mark) {}

// ScopeRollback pops and applies every record pushed since mark, in
// LIFO order, invoking apply for each. It reclaims any page-store pages
// that become empty as a result.
func (l *Log) ScopeRollback(mark Mark, apply func(Record) error) error {
	for l.recordCount > mark.recordCount {
		rec, ok, err := l.popOne()
		if err != nil {
			return err
		}
		if !ok {
			return common.Constraintf("undo log exhausted before reaching savepoint")
		}
		if err := apply(rec); err != nil {
			return err
		}
	}
	return nil
}

// Rollback undoes every record in the log, oldest push last, emptying
// it entirely.
func (l *Log) Rollback(apply func(Record) error) error {
	return l.ScopeRollback(Mark{}, apply)
}

// PopAll drains every record reachable from the log's current position,
// applying each in LIFO order, without relying on an in-memory record
// count. Used by crash recovery, which reconstructs a Log anchored at a
// page id read back from the commit header and so never had a chance to
// count pushes as they happened.
func (l *Log) PopAll(apply func(Record) error) error {
	for {
		rec, ok, err := l.popOne()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := apply(rec); err != nil {
			return err
		}
	}
}

// popOne removes and decodes the most recently pushed record, crossing
// into a previously spilled page if the current buffer is empty. ok is
// false when the log has been fully drained.
func (l *Log) popOne() (rec Record, ok bool, err error) {
	for l.used == 0 {
		var id pagestore.PageID
		switch {
		case len(l.spilled) > 0:
			id = l.spilled[len(l.spilled)-1]
			l.spilled = l.spilled[:len(l.spilled)-1]
		case l.lowerID != 0:
			// Following an in-page link rather than the in-memory
			// spilled stack -- the path recovery takes, walking pages
			// that were never opened in this process.
			id = l.lowerID
		default:
			return Record{}, false, nil
		}
		if err := l.store.ReadPage(id, l.buf); err != nil {
			return Record{}, false, err
		}
		l.lowerID = pagestore.PageID(binary.BigEndian.Uint64(l.buf[offLower:]))
		l.used = binary.BigEndian.Uint16(l.buf[offUsed:])
		l.store.DeletePage(id)
	}

	recs := parsePageRecords(l.buf, int(l.used))
	last := recs[len(recs)-1]
	// Shrink used to the offset the last record started at.
	l.used = uint16(last.offset)
	l.recordCount--
	return last.Record, true, nil
}

type offsetRecord struct {
	Record
	offset int
}

// parsePageRecords forward-parses every record in buf[pageHeaderSize:pageHeaderSize+used].
func parsePageRecords(buf []byte, used int) []offsetRecord {
	var out []offsetRecord
	pos := pageHeaderSize
	end := pageHeaderSize + used
	for pos < end {
		start := pos
		op := Opcode(buf[pos])
		pos++
		klen, n := uvarint(buf[pos:])
		pos += n
		key := append([]byte(nil), buf[pos:pos+int(klen)]...)
		pos += int(klen)
		var value []byte
		if op != OpDelete {
			vlen, n := uvarint(buf[pos:])
			pos += n
			value = append([]byte(nil), buf[pos:pos+int(vlen)]...)
			pos += int(vlen)
		}
		out = append(out, offsetRecord{Record: Record{Opcode: op, Key: key, Value: value}, offset: start - pageHeaderSize})
	}
	return out
}

// HeadPageID reports the most recently spilled page id (0 if nothing
// has spilled yet), the anchor the master undo log needs to locate this
// transaction's tail on recovery. The in-memory tail buffer itself is
// not durable until spilled or until the owning transaction commits, at
// which point Truncate discards the whole log.
func (l *Log) HeadPageID() pagestore.PageID { return l.lowerID }

// Truncate discards the entire log and frees every spilled page,
// called once the owning transaction has committed or fully rolled
// back and no longer needs its undo history.
func (l *Log) Truncate() {
	for _, id := range l.spilled {
		l.store.DeletePage(id)
	}
	l.spilled = nil
	l.lowerID = 0
	l.recordCount = 0
	l.resetBuf()
}
