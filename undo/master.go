package undo

import (
	"encoding/binary"

	"github.com/arjunrao/pagestore/pagestore"
)

// Master record opcodes. The real design chains many concurrent
// transactions' undo logs into a master log; this engine runs a single
// shared undo log at a time (one writer, gated by the page store's
// exclusive commit lock), so the master record degenerates to one
// slot -- but it keeps the two-opcode shape so a future multi-writer
// revision only has to repeat this record, not redesign it.
const (
	// OpLogCopy marks an empty/absent undo log: nothing to recover.
	OpLogCopy byte = 16
	// OpLogRef marks a populated undo log, recorded by its head page id.
	OpLogRef byte = 17
)

// EncodeMasterRecord produces the bytes PageStore.Commit stores as its
// "extra" commit payload, recording whether an undo log was still open
// (and where) at the moment this generation's flush landed.
func EncodeMasterRecord(l *Log) []byte {
	if l == nil || l.Empty() {
		return []byte{OpLogCopy}
	}
	buf := make([]byte, 9)
	buf[0] = OpLogRef
	binary.BigEndian.PutUint64(buf[1:], uint64(l.HeadPageID()))
	return buf
}

// DecodeMasterRecord parses a commit's extra payload back into an
// optional undo-log head page id. ok is false for a malformed payload;
// headID is 0 whenever there is nothing to recover.
func DecodeMasterRecord(payload []byte) (headID pagestore.PageID, ok bool) {
	if len(payload) == 0 {
		return 0, true
	}
	switch payload[0] {
	case OpLogCopy:
		return 0, true
	case OpLogRef:
		if len(payload) < 9 {
			return 0, false
		}
		return pagestore.PageID(binary.BigEndian.Uint64(payload[1:])), true
	default:
		return 0, false
	}
}

// RecoverFromHead loads the undo log anchored at headID (as would have
// been recorded by a prior EncodeMasterRecord) and replays it with
// apply, in LIFO order, undoing whatever in-place node mutations were
// flushed to disk before the crash that left this log unreconciled.
func RecoverFromHead(store *pagestore.PageStore, headID pagestore.PageID, apply func(Record) error) error {
	if headID == 0 {
		return nil
	}
	l := New(store)
	l.lowerID = headID
	return l.PopAll(apply)
}
