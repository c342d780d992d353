// Package wire frames everything the engine writes into a provider.
// Frames are strict: a bad magic, version, kind or a length that does not
// match the buffer exactly is reported as ErrCorrupt and the caller drops
// the key.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	version   byte = 1
	kindEntry byte = 1
	kindIndex byte = 2
	kindNames byte = 3
)

var (
	ErrCorrupt = errors.New("offgrid: corrupt frame")
	magic4     = [...]byte{'O', 'F', 'F', 'G'}
)

func header(b []byte, kind byte, min int) bool {
	return len(b) >= min && bytes.Equal(b[:4], magic4[:]) && b[4] == version && b[5] == kind
}

// Entry: magic(4) | ver(1) | kind(1=entry) | gen(u64 be) | vlen(u32 be) | payload(vlen)
func EncodeEntry(gen uint64, payload []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(4 + 1 + 1 + 8 + 4 + len(payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindEntry)

	var u8 [8]byte
	var u4 [4]byte
	binary.BigEndian.PutUint64(u8[:], gen)
	buf.Write(u8[:])
	binary.BigEndian.PutUint32(u4[:], uint32(len(payload)))
	buf.Write(u4[:])

	buf.Write(payload)
	return buf.Bytes()
}

func DecodeEntry(b []byte) (gen uint64, payload []byte, err error) {
	const hdr = 4 + 1 + 1 + 8 + 4
	if !header(b, kindEntry, hdr) {
		return 0, nil, ErrCorrupt
	}
	off := 6
	gen = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen != len(b)-off {
		return 0, nil, ErrCorrupt
	}
	return gen, b[off:], nil
}

// IndexItem is one entry of a partition index: the storage key, the request
// URL it was stored for, the stored/last-used times in unix nanoseconds and
// whether the entry is pinned (precached).
type IndexItem struct {
	Key      string
	URL      string
	StoredAt int64
	UsedAt   int64
	Pinned   bool
}

const flagPinned byte = 1

// Index:
//
//	magic(4) | ver(1) | kind(2=index) | gen(u64 be) | n(u32 be)
//	( keyLen(u16 be) | key | urlLen(u16 be) | url | stored(i64 be) | used(i64 be) | flags(1) ) * n
//
// Items are kept in least-recently-used-first order.
func EncodeIndex(gen uint64, items []IndexItem) ([]byte, error) {
	total := 4 + 1 + 1 + 8 + 4
	for _, it := range items {
		total += 2 + len(it.Key) + 2 + len(it.URL) + 8 + 8 + 1
	}

	var buf bytes.Buffer
	buf.Grow(total)
	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindIndex)

	var u8 [8]byte
	var u4 [4]byte
	binary.BigEndian.PutUint64(u8[:], gen)
	buf.Write(u8[:])
	binary.BigEndian.PutUint32(u4[:], uint32(len(items)))
	buf.Write(u4[:])

	for _, it := range items {
		if err := writeString(&buf, it.Key, false); err != nil {
			return nil, err
		}
		if err := writeString(&buf, it.URL, true); err != nil {
			return nil, err
		}
		binary.BigEndian.PutUint64(u8[:], uint64(it.StoredAt))
		buf.Write(u8[:])
		binary.BigEndian.PutUint64(u8[:], uint64(it.UsedAt))
		buf.Write(u8[:])
		var flags byte
		if it.Pinned {
			flags |= flagPinned
		}
		buf.WriteByte(flags)
	}
	return buf.Bytes(), nil
}

func DecodeIndex(b []byte) (uint64, []IndexItem, error) {
	const hdr = 4 + 1 + 1 + 8 + 4
	if !header(b, kindIndex, hdr) {
		return 0, nil, ErrCorrupt
	}
	off := 6
	gen := binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	n := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4

	// every item needs at least 2+1+2+8+8+1 bytes; guards huge n from a bad frame
	if n > (len(b)-off)/22 {
		return 0, nil, ErrCorrupt
	}
	items := make([]IndexItem, 0, n)
	for i := 0; i < n; i++ {
		var it IndexItem
		var ok bool
		if it.Key, off, ok = readString(b, off, false); !ok {
			return 0, nil, ErrCorrupt
		}
		if it.URL, off, ok = readString(b, off, true); !ok {
			return 0, nil, ErrCorrupt
		}
		if off+17 > len(b) {
			return 0, nil, ErrCorrupt
		}
		it.StoredAt = int64(binary.BigEndian.Uint64(b[off : off+8]))
		it.UsedAt = int64(binary.BigEndian.Uint64(b[off+8 : off+16]))
		it.Pinned = b[off+16]&flagPinned != 0
		off += 17
		items = append(items, it)
	}
	if off != len(b) {
		return 0, nil, ErrCorrupt
	}
	return gen, items, nil
}

// Names: magic(4) | ver(1) | kind(3=names) | n(u32 be) | ( len(u16 be) | name ) * n
func EncodeNames(names []string) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindNames)
	var u4 [4]byte
	binary.BigEndian.PutUint32(u4[:], uint32(len(names)))
	buf.Write(u4[:])
	for _, n := range names {
		if err := writeString(&buf, n, false); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func DecodeNames(b []byte) ([]string, error) {
	const hdr = 4 + 1 + 1 + 4
	if !header(b, kindNames, hdr) {
		return nil, ErrCorrupt
	}
	off := 6
	n := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if n > (len(b)-off)/3 {
		return nil, ErrCorrupt
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		var s string
		var ok bool
		if s, off, ok = readString(b, off, false); !ok {
			return nil, ErrCorrupt
		}
		out = append(out, s)
	}
	if off != len(b) {
		return nil, ErrCorrupt
	}
	return out, nil
}

var errBadString = errors.New("offgrid: invalid string length in frame")

func writeString(buf *bytes.Buffer, s string, allowEmpty bool) error {
	if l := len(s); (l == 0 && !allowEmpty) || l > 0xFFFF {
		return errBadString
	}
	var u2 [2]byte
	binary.BigEndian.PutUint16(u2[:], uint16(len(s)))
	buf.Write(u2[:])
	buf.WriteString(s)
	return nil
}

func readString(b []byte, off int, allowEmpty bool) (string, int, bool) {
	if off+2 > len(b) {
		return "", off, false
	}
	l := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2
	if (l == 0 && !allowEmpty) || l > len(b)-off {
		return "", off, false
	}
	return string(b[off : off+l]), off + l, true
}
