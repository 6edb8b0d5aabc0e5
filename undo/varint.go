package undo

// Variable-length integer encoding for undo record payload lengths
// (spec §4.6): values 0-127 cost one byte, larger values cost more,
// same LEB128-style scheme as Protocol Buffers.
//
// Adapted from the teacher's btree/varint.go, which framed WAL record
// lengths the same way; reused here to frame undo-log payloads instead.

func putUvarint(buf []byte, x uint64) int {
	i := 0
	for x >= 0x80 {
		buf[i] = byte(x) | 0x80
		x >>= 7
		i++
	}
	buf[i] = byte(x)
	return i + 1
}

func uvarint(buf []byte) (uint64, int) {
	var x uint64
	var s uint
	for i, b := range buf {
		if i == 9 {
			return 0, -(i + 1)
		}
		if b < 0x80 {
			if i == 9-1 && b > 1 {
				return 0, -(i + 1)
			}
			return x | uint64(b)<<s, i + 1
		}
		x |= uint64(b&0x7f) << s
		s += 7
	}
	return 0, 0
}

func varintSize(x uint64) int {
	n := 0
	for {
		n++
		x >>= 7
		if x == 0 {
			break
		}
	}
	return n
}
