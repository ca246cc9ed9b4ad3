// Package wire holds the little-endian, length-prefixed binary formats shared by
// replication and transport.
package wire

import (
	"encoding/binary"
	"math"

	"github.com/zeusync/netcore/pkg/generic"
)

var writerPool = generic.NewHotPool(func() *Writer { return NewWriter(256) }, 8).
	WithReset(func(w *Writer) { w.Reset() })

// AcquireWriter takes an empty writer from the shared pool.
func AcquireWriter() *Writer {
	return writerPool.Get()
}

// ReleaseWriter returns w to the pool. w must not be used afterwards.
func ReleaseWriter(w *Writer) {
	if cap(w.buf) > 64*1024 {
		return
	}
	writerPool.Put(w)
}

// Writer appends fields to a growing buffer. The first failing call is sticky.
type Writer struct {
	buf []byte
	err error
}

func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

func (w *Writer) Reset() {
	w.buf = w.buf[:0]
	w.err = nil
}

func (w *Writer) Uint8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *Writer) Uint16(v uint16) {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

func (w *Writer) Uint32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *Writer) Uint64(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

func (w *Writer) Float32(v float32) {
	w.Uint32(math.Float32bits(v))
}

// Bytes16 writes a 16-bit length prefix followed by b.
func (w *Writer) Bytes16(b []byte) {
	if len(b) > math.MaxUint16 {
		if w.err == nil {
			w.err = ErrFieldTooLarge
		}
		return
	}
	w.Uint16(uint16(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *Writer) String16(s string) {
	if len(s) > math.MaxUint16 {
		if w.err == nil {
			w.err = ErrFieldTooLarge
		}
		return
	}
	w.Uint16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

// Raw appends b without a prefix.
func (w *Writer) Raw(b []byte) {
	w.buf = append(w.buf, b...)
}

func (w *Writer) Err() error { return w.err }

func (w *Writer) Len() int { return len(w.buf) }

// Bytes returns the internal buffer. It is only valid until the next write.
func (w *Writer) Bytes() []byte { return w.buf }

// Copy returns an owned copy of the written bytes, or the sticky error.
func (w *Writer) Copy() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	out := make([]byte, len(w.buf))
	copy(out, w.buf)
	return out, nil
}

// Reader consumes fields from a buffer. After the first short read every call
// returns zero values and Err reports ErrShortBuffer.
type Reader struct {
	buf []byte
	off int
	err error
}

func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

func (r *Reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || len(r.buf)-r.off < n {
		r.err = ErrShortBuffer
		return false
	}
	return true
}

func (r *Reader) Uint8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *Reader) Uint16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v
}

func (r *Reader) Uint32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *Reader) Uint64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

func (r *Reader) Float32() float32 {
	return math.Float32frombits(r.Uint32())
}

// Bytes16 reads a 16-bit length prefixed field and returns an owned copy.
func (r *Reader) Bytes16() []byte {
	n := int(r.Uint16())
	return r.Raw(n)
}

func (r *Reader) String16() string {
	n := int(r.Uint16())
	if !r.need(n) {
		return ""
	}
	s := string(r.buf[r.off : r.off+n])
	r.off += n
	return s
}

// Raw reads n unprefixed bytes and returns an owned copy.
func (r *Reader) Raw(n int) []byte {
	if !r.need(n) {
		return nil
	}
	out := make([]byte, n)
	copy(out, r.buf[r.off:r.off+n])
	r.off += n
	return out
}

// Rest returns an owned copy of everything not yet consumed.
func (r *Reader) Rest() []byte {
	return r.Raw(r.Remaining())
}

func (r *Reader) Remaining() int {
	if r.err != nil {
		return 0
	}
	return len(r.buf) - r.off
}

func (r *Reader) Offset() int { return r.off }

func (r *Reader) Err() error { return r.err }

// Done reports the sticky error, or ErrTrailingBytes if input remains.
func (r *Reader) Done() error {
	if r.err != nil {
		return r.err
	}
	if r.off != len(r.buf) {
		return ErrTrailingBytes
	}
	return nil
}
