package protocol

import "encoding/binary"

// reader walks a little-endian notification payload and reports the first
// field that runs past the end of the buffer.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) remaining() int { return len(r.buf) - r.off }

// take returns the next n bytes, or nil once any read has failed.
func (r *reader) take(field string, n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.remaining() < n {
		r.err = truncated(field, r.off, n, r.remaining())
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) uint8(field string) uint8 {
	b := r.take(field, 1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) uint16(field string) uint16 {
	b := r.take(field, 2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *reader) int16(field string) int16 {
	return int16(r.uint16(field))
}

func (r *reader) uint24(field string) uint32 {
	b := r.take(field, 3)
	if b == nil {
		return 0
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

func (r *reader) uint32(field string) uint32 {
	b := r.take(field, 4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

// appendUint24 appends v as a little-endian 24-bit integer.
func appendUint24(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16))
}

func ptr[T any](v T) *T { return &v }
