package mapsync

import (
	"encoding/binary"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

const tagLength = 8

// headerLength is the tag plus the uint64 format version.
const headerLength = tagLength + 8

var (
	// ErrInvalidTag is returned when a message does not start with the expected tag.
	ErrInvalidTag = errors.New("invalid message tag")
	// ErrUnsupportedVersion is returned for a format version this decoder does not read.
	ErrUnsupportedVersion = errors.New("unsupported message version")
	// ErrTruncated is returned when a message ends before its declared content.
	ErrTruncated = errors.New("message truncated")
	// ErrTooLarge is returned when a declared count exceeds its bound.
	ErrTooLarge = errors.New("message exceeds size bound")
	// ErrCountMismatch is returned when two counts that must agree differ.
	ErrCountMismatch = errors.New("message count mismatch")
)

// writer appends little endian values to a growing buffer.
type writer struct {
	buf []byte
}

func newWriter(tag string, version uint64, sizeHint int) *writer {
	w := &writer{buf: make([]byte, 0, headerLength+sizeHint)}
	w.buf = append(w.buf, tag...)
	w.uint64(version)
	return w
}

func (w *writer) uint8(v uint8)   { w.buf = append(w.buf, v) }
func (w *writer) uint32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *writer) uint64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }
func (w *writer) float32(v float64) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, math.Float32bits(float32(v)))
}

func (w *writer) float64(v float64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, math.Float64bits(v))
}

func (w *writer) count(n int) { w.uint32(uint32(n)) }

func (w *writer) matrix(m [16]float64) {
	for _, v := range m {
		w.float64(v)
	}
}

func (w *writer) vector32(v r3.Vector) {
	w.float32(v.X)
	w.float32(v.Y)
	w.float32(v.Z)
}

func (w *writer) bytes(b []byte) { w.buf = append(w.buf, b...) }

// reader consumes little endian values. The first failure sticks; later reads return zero values
// so decoders can check the error once per block.
type reader struct {
	buf []byte
	off int
	err error
}

// newReader checks the header and positions the reader after it.
func newReader(data []byte, tag string, version uint64) (*reader, error) {
	if len(data) < headerLength {
		return nil, errors.Wrapf(ErrTruncated, "%d bytes is shorter than a header", len(data))
	}
	if got := string(data[:tagLength]); got != tag {
		return nil, errors.Wrapf(ErrInvalidTag, "want %q, got %q", tag, got)
	}
	r := &reader{buf: data, off: tagLength}
	if got := r.uint64(); got != version {
		return nil, errors.Wrapf(ErrUnsupportedVersion, "%s version %d, want %d", tag, got, version)
	}
	return r, nil
}

func (r *reader) remaining() int {
	return len(r.buf) - r.off
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > r.remaining() {
		r.err = errors.Wrapf(ErrTruncated, "need %d bytes at offset %d, have %d", n, r.off, r.remaining())
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) uint8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) uint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) float32() float64 {
	return float64(math.Float32frombits(r.uint32()))
}

func (r *reader) float64() float64 {
	return math.Float64frombits(r.uint64())
}

func (r *reader) matrix() [16]float64 {
	var m [16]float64
	for i := range m {
		m[i] = r.float64()
	}
	return m
}

func (r *reader) vector32() r3.Vector {
	return r3.Vector{X: r.float32(), Y: r.float32(), Z: r.float32()}
}

func (r *reader) point32() r2.Point {
	return r2.Point{X: r.float32(), Y: r.float32()}
}

// count reads a uint32 count and checks it against max and against the bytes left, assuming each
// element needs at least elemSize bytes. Nothing is allocated for a count that fails.
func (r *reader) count(what string, max, elemSize int) int {
	n := int(r.uint32())
	if r.err != nil {
		return 0
	}
	if n > max {
		r.err = errors.Wrapf(ErrTooLarge, "%s count %d exceeds %d", what, n, max)
		return 0
	}
	if n*elemSize > r.remaining() {
		r.err = errors.Wrapf(ErrTruncated, "%s count %d needs %d bytes, have %d", what, n, n*elemSize, r.remaining())
		return 0
	}
	return n
}

// matchingCount reads a count that must be either want or, when optional, zero.
func (r *reader) matchingCount(what string, want int, optional bool, elemSize int) int {
	n := int(r.uint32())
	if r.err != nil {
		return 0
	}
	if n != want && !(optional && n == 0) {
		r.err = errors.Wrapf(ErrCountMismatch, "%s count %d, expected %d", what, n, want)
		return 0
	}
	if n*elemSize > r.remaining() {
		r.err = errors.Wrapf(ErrTruncated, "%s needs %d bytes, have %d", what, n*elemSize, r.remaining())
		return 0
	}
	return n
}

// PeekHeader returns the tag and format version of an uncompressed message.
func PeekHeader(data []byte) (string, uint64, error) {
	if len(data) < headerLength {
		return "", 0, errors.Wrapf(ErrTruncated, "%d bytes is shorter than a header", len(data))
	}
	return string(data[:tagLength]), binary.LittleEndian.Uint64(data[tagLength:headerLength]), nil
}
