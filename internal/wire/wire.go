// Package wire implements the framed binary encoding shared by the
// persisted analysis types.
//
// A payload starts with a 4-byte magic and a little-endian uint16 schema
// version, followed by fields encoded as uvarints, zigzag varints and
// length-prefixed strings. Decoding is strict: a wrong magic, a version
// mismatch, truncation and trailing bytes are all errors wrapping
// [ErrCorrupt] or [ErrVersion].
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"slices"
)

var (
	// ErrCorrupt indicates malformed input.
	ErrCorrupt = errors.New("wire: corrupt payload")

	// ErrVersion indicates a payload written with another schema version.
	ErrVersion = errors.New("wire: version mismatch")
)

const headerSize = 6

// maxLen bounds any declared length so corrupt input cannot force a huge
// allocation.
const maxLen = 64 << 20

// Encoder appends fields to a buffer.
type Encoder struct {
	buf []byte
}

// NewEncoder starts a payload with magic (exactly 4 bytes) and version.
func NewEncoder(magic string, version uint16) *Encoder {
	if len(magic) != 4 {
		panic("wire: magic must be 4 bytes")
	}

	buf := make([]byte, headerSize, 256)
	copy(buf, magic)
	binary.LittleEndian.PutUint16(buf[4:], version)

	return &Encoder{buf: buf}
}

// Bytes returns the encoded payload.
func (e *Encoder) Bytes() []byte { return e.buf }

func (e *Encoder) Uvarint(v uint64) { e.buf = binary.AppendUvarint(e.buf, v) }

func (e *Encoder) Varint(v int64) { e.buf = binary.AppendVarint(e.buf, v) }

func (e *Encoder) Int(v int) { e.Varint(int64(v)) }

func (e *Encoder) Bool(v bool) {
	if v {
		e.buf = append(e.buf, 1)
	} else {
		e.buf = append(e.buf, 0)
	}
}

func (e *Encoder) String(s string) {
	e.Uvarint(uint64(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *Encoder) Strings(ss []string) {
	e.Uvarint(uint64(len(ss)))

	for _, s := range ss {
		e.String(s)
	}
}

// StringMap writes m with keys in sorted order so equal maps encode equally.
func (e *Encoder) StringMap(m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	slices.Sort(keys)
	e.Uvarint(uint64(len(keys)))

	for _, k := range keys {
		e.String(k)
		e.String(m[k])
	}
}

// Decoder reads fields written by an [Encoder]. The first error sticks;
// later reads return zero values and [Decoder.Finish] reports it.
type Decoder struct {
	data []byte
	off  int
	err  error
}

// NewDecoder checks the header of data against magic and version.
func NewDecoder(data []byte, magic string, version uint16) (*Decoder, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header", ErrCorrupt, len(data))
	}

	if string(data[:4]) != magic {
		return nil, fmt.Errorf("%w: magic %q, want %q", ErrCorrupt, data[:4], magic)
	}

	if v := binary.LittleEndian.Uint16(data[4:6]); v != version {
		return nil, fmt.Errorf("%w: have %d, want %d", ErrVersion, v, version)
	}

	return &Decoder{data: data, off: headerSize}, nil
}

func (d *Decoder) fail(what string) {
	if d.err == nil {
		d.err = fmt.Errorf("%w: %s at offset %d", ErrCorrupt, what, d.off)
	}
}

func (d *Decoder) Uvarint() uint64 {
	if d.err != nil {
		return 0
	}

	v, n := binary.Uvarint(d.data[d.off:])
	if n <= 0 {
		d.fail("bad uvarint")

		return 0
	}

	d.off += n

	return v
}

func (d *Decoder) Varint() int64 {
	if d.err != nil {
		return 0
	}

	v, n := binary.Varint(d.data[d.off:])
	if n <= 0 {
		d.fail("bad varint")

		return 0
	}

	d.off += n

	return v
}

func (d *Decoder) Int() int {
	v := d.Varint()
	if v > math.MaxInt32 || v < math.MinInt32 {
		d.fail("int out of range")

		return 0
	}

	return int(v)
}

func (d *Decoder) Bool() bool {
	if d.err != nil {
		return false
	}

	if d.off >= len(d.data) {
		d.fail("truncated bool")

		return false
	}

	b := d.data[d.off]
	d.off++

	if b > 1 {
		d.fail("bad bool")

		return false
	}

	return b == 1
}

// Len reads a collection length and checks it against the remaining input,
// assuming each element takes at least one byte.
func (d *Decoder) Len() int {
	n := d.Uvarint()
	if d.err != nil {
		return 0
	}

	if n > maxLen || n > uint64(len(d.data)-d.off) {
		d.fail("length exceeds payload")

		return 0
	}

	return int(n)
}

func (d *Decoder) String() string {
	n := d.Len()
	if d.err != nil {
		return ""
	}

	s := string(d.data[d.off : d.off+n])
	d.off += n

	return s
}

func (d *Decoder) Strings() []string {
	n := d.Len()
	if d.err != nil || n == 0 {
		return nil
	}

	out := make([]string, 0, n)
	for range n {
		out = append(out, d.String())
	}

	return out
}

func (d *Decoder) StringMap() map[string]string {
	n := d.Len()
	if d.err != nil || n == 0 {
		return nil
	}

	m := make(map[string]string, n)

	for range n {
		k := d.String()
		m[k] = d.String()
	}

	return m
}

// Finish reports the first decode error, or [ErrCorrupt] if input remains.
func (d *Decoder) Finish() error {
	if d.err != nil {
		return d.err
	}

	if d.off != len(d.data) {
		return fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, len(d.data)-d.off)
	}

	return nil
}
