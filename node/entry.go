package node

import "github.com/arjunrao/pagestore/common"

// Key and value entries use a compact variable-width length header so
// small keys/values (the overwhelming common case) cost a single byte
// of overhead (spec §3). Leaf keys fold the value-presence flag into
// the key header's top two bits so an empty value costs nothing beyond
// the key header itself:
//
//	leaf key header:
//	  0x00-0x3f             1 byte,  length = (h&0x3f)+1  (1..64),   value non-empty
//	  0x40-0x7f             1 byte,  length = (h&0x3f)+1  (1..64),   value empty
//	  0x80-0xbf + 1 byte    2 bytes, length = (h&0x3f)<<8|next (0..16383), value non-empty
//	  0xc0-0xff + 1 byte    2 bytes, length = (h&0x3f)<<8|next (0..16383), value empty
//
//	value header (present only when the leaf key header says non-empty):
//	  0x00-0x7f             1 byte,  length = h+1                       (1..128)
//	  0x80-0xff + 1 byte    2 bytes, length = 129 + ((h&0x7f)<<8|next)   (129..32896)
//
//	internal key header (no value-presence flag -- internal entries never
//	carry a value; child ids live in the fixed-size child array instead):
//	  0x00-0x7f             1 byte,  length = h+1                (1..128)
//	  0x80-0xff + 1 byte    2 bytes, length = (h&0x7f)<<8|next    (0..32767)
const (
	leafShortKeyMax = 64

	shortValueMax = 128
	valueLongBase = 129

	internalShortKeyMax = 128
)

func leafKeyHeaderLen(length int) int {
	if length <= leafShortKeyMax {
		return 1
	}
	return 2
}

// putLeafKeyHeader writes the leaf key header, folding in whether the
// entry's value is empty, and returns the header's byte width.
func putLeafKeyHeader(buf []byte, length int, valueEmpty bool) int {
	if length <= leafShortKeyMax {
		h := byte(length - 1)
		if valueEmpty {
			h |= 0x40
		}
		buf[0] = h
		return 1
	}
	h := 0x80 | byte(length>>8)
	if valueEmpty {
		h |= 0x40
	}
	buf[0] = h
	buf[1] = byte(length)
	return 2
}

func readLeafKeyHeader(buf []byte, off int) (length int, valueEmpty bool, headerLen int) {
	h := buf[off]
	valueEmpty = h&0x40 != 0
	if h&0x80 == 0 {
		return int(h&0x3f) + 1, valueEmpty, 1
	}
	return int(h&0x3f)<<8 | int(buf[off+1]), valueEmpty, 2
}

func valueHeaderLen(length int) int {
	if length <= shortValueMax {
		return 1
	}
	return 2
}

func putValueHeader(buf []byte, length int) int {
	if length <= shortValueMax {
		buf[0] = byte(length - 1)
		return 1
	}
	rem := length - valueLongBase
	buf[0] = 0x80 | byte(rem>>8)
	buf[1] = byte(rem)
	return 2
}

func readValueHeader(buf []byte, off int) (length, headerLen int) {
	h := buf[off]
	if h&0x80 == 0 {
		return int(h) + 1, 1
	}
	return valueLongBase + (int(h&0x7f)<<8 | int(buf[off+1])), 2
}

func internalKeyHeaderLen(length int) int {
	if length <= internalShortKeyMax {
		return 1
	}
	return 2
}

func putInternalKeyHeader(buf []byte, length int) int {
	if length <= internalShortKeyMax {
		buf[0] = byte(length - 1)
		return 1
	}
	buf[0] = 0x80 | byte(length>>8)
	buf[1] = byte(length)
	return 2
}

func readInternalKeyHeader(buf []byte, off int) (length, headerLen int) {
	h := buf[off]
	if h&0x80 == 0 {
		return int(h) + 1, 1
	}
	return int(h&0x7f)<<8 | int(buf[off+1]), 2
}

// leafEntrySize returns the total on-page byte size of a leaf key/value
// entry, before it has been written anywhere. An empty value has no
// value header at all: the key header's family bits already say so.
func leafEntrySize(key, value []byte) int {
	size := leafKeyHeaderLen(len(key)) + len(key)
	if len(value) > 0 {
		size += valueHeaderLen(len(value)) + len(value)
	}
	return size
}

// internalEntrySize returns the total on-page byte size of an internal
// separator key entry (no value).
func internalEntrySize(key []byte) int {
	return internalKeyHeaderLen(len(key)) + len(key)
}

// encodeLeafEntry writes a key/value pair at buf[off:] and returns the
// number of bytes written.
func encodeLeafEntry(buf []byte, off int, key, value []byte) int {
	n := putLeafKeyHeader(buf[off:], len(key), len(value) == 0)
	n += copy(buf[off+n:], key)
	if len(value) > 0 {
		n += putValueHeader(buf[off+n:], len(value))
		n += copy(buf[off+n:], value)
	}
	return n
}

// encodeInternalKey writes a bare separator key at buf[off:] and returns
// the number of bytes written.
func encodeInternalKey(buf []byte, off int, key []byte) int {
	n := putInternalKeyHeader(buf[off:], len(key))
	n += copy(buf[off+n:], key)
	return n
}

// decodeLeafEntry decodes the key/value pair at buf[off:]. The returned
// slices alias buf and must be copied by the caller before the page is
// reused. value is a zero-length, non-nil slice when the entry's header
// marks the value empty -- no value header is stored on disk in that case.
func decodeLeafEntry(buf []byte, off int) (key, value []byte, size int, err error) {
	if off < 0 || off >= len(buf) {
		return nil, nil, 0, common.Corruptf("entry offset %d out of range", off)
	}
	keyLen, valueEmpty, kh := readLeafKeyHeader(buf, off)
	keyStart := off + kh
	if keyLen < 0 || keyStart+keyLen > len(buf) {
		return nil, nil, 0, common.Corruptf("entry at %d has invalid key length %d", off, keyLen)
	}
	key = buf[keyStart : keyStart+keyLen]
	if valueEmpty {
		return key, buf[keyStart+keyLen : keyStart+keyLen], (keyStart + keyLen) - off, nil
	}
	valOff := keyStart + keyLen
	valLen, vh := readValueHeader(buf, valOff)
	valStart := valOff + vh
	if valLen < 0 || valStart+valLen > len(buf) {
		return nil, nil, 0, common.Corruptf("entry at %d has invalid value length %d", off, valLen)
	}
	value = buf[valStart : valStart+valLen]
	return key, value, (valStart + valLen) - off, nil
}

// decodeInternalKey decodes a bare separator key at buf[off:].
func decodeInternalKey(buf []byte, off int) (key []byte, size int) {
	keyLen, kh := readInternalKeyHeader(buf, off)
	keyStart := off + kh
	return buf[keyStart : keyStart+keyLen], (keyStart + keyLen) - off
}
