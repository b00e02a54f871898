// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package packet encodes and decodes the binary payloads exchanged by
// transcend peers.
//
// A payload is a sequence of fixed-width integers, raw bytes, and fields. A
// field is a byte string prefixed by its length as an unsigned varint, in the
// format of [binary.AppendUvarint]. A field list is a varint count followed by
// that many fields.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxField is the largest field length a Reader accepts.
const MaxField = 1<<30 - 1

// ErrTooLong is reported for a field whose length prefix exceeds MaxField.
var ErrTooLong = errors.New("field too long")

// A Buf accumulates an encoded payload. The zero value is an empty payload
// ready for use.
type Buf struct {
	data []byte
}

// NewBuf returns an empty Buf with capacity for n bytes.
func NewBuf(n int) *Buf { return &Buf{data: make([]byte, 0, n)} }

// Byte appends a single byte.
func (b *Buf) Byte(v byte) { b.data = append(b.data, v) }

// Uint32 appends v in big-endian order.
func (b *Buf) Uint32(v uint32) { b.data = binary.BigEndian.AppendUint32(b.data, v) }

// Raw appends p without framing.
func (b *Buf) Raw(p []byte) { b.data = append(b.data, p...) }

// Field appends p as a length-prefixed field.
func (b *Buf) Field(p []byte) {
	b.data = binary.AppendUvarint(b.data, uint64(len(p)))
	b.data = append(b.data, p...)
}

// FieldString appends s as a length-prefixed field.
func (b *Buf) FieldString(s string) {
	b.data = binary.AppendUvarint(b.data, uint64(len(s)))
	b.data = append(b.data, s...)
}

// Fields appends a field list holding ps.
func (b *Buf) Fields(ps [][]byte) {
	b.data = binary.AppendUvarint(b.data, uint64(len(ps)))
	for _, p := range ps {
		b.Field(p)
	}
}

// Len reports the encoded length of b in bytes.
func (b *Buf) Len() int { return len(b.data) }

// Bytes returns the encoded payload. The slice is owned by b until b is no
// longer used.
func (b *Buf) Bytes() []byte { return b.data }

// A Reader consumes an encoded payload from the front. Reading past the end of
// the payload reports an error wrapping [io.ErrUnexpectedEOF]. Slices returned
// by a Reader alias its input.
type Reader struct {
	data []byte
	pos  int
}

// NewReader returns a Reader for data.
func NewReader(data []byte) *Reader { return &Reader{data: data} }

// Len reports the number of unread bytes.
func (r *Reader) Len() int { return len(r.data) - r.pos }

// Pos reports the offset of the next unread byte.
func (r *Reader) Pos() int { return r.pos }

// Rest returns the unread bytes and consumes them. It returns nil if none
// remain.
func (r *Reader) Rest() []byte {
	if r.Len() == 0 {
		return nil
	}
	out := r.data[r.pos:]
	r.pos = len(r.data)
	return out
}

// Next consumes exactly n bytes.
func (r *Reader) Next(n int) ([]byte, error) {
	if n < 0 || r.Len() < n {
		return nil, fmt.Errorf("offset %d: want %d bytes, have %d: %w", r.pos, n, r.Len(), io.ErrUnexpectedEOF)
	}
	out := r.data[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

// Byte consumes a single byte.
func (r *Reader) Byte() (byte, error) {
	p, err := r.Next(1)
	if err != nil {
		return 0, err
	}
	return p[0], nil
}

// Uint32 consumes a big-endian uint32.
func (r *Reader) Uint32() (uint32, error) {
	p, err := r.Next(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(p), nil
}

// length consumes a varint no greater than MaxField.
func (r *Reader) length() (int, error) {
	v, n := binary.Uvarint(r.data[r.pos:])
	switch {
	case n == 0:
		return 0, fmt.Errorf("offset %d: missing length: %w", r.pos, io.ErrUnexpectedEOF)
	case n < 0 || v > MaxField:
		return 0, fmt.Errorf("offset %d: %w", r.pos, ErrTooLong)
	}
	r.pos += n
	return int(v), nil
}

// Field consumes a length-prefixed field.
func (r *Reader) Field() ([]byte, error) {
	n, err := r.length()
	if err != nil {
		return nil, err
	}
	return r.Next(n)
}

// FieldString consumes a length-prefixed field as a string.
func (r *Reader) FieldString() (string, error) {
	p, err := r.Field()
	return string(p), err
}

// Fields consumes a field list.
func (r *Reader) Fields() ([][]byte, error) {
	n, err := r.length()
	if err != nil {
		return nil, err
	}
	if n > r.Len() {
		// Each field has at least a one-byte length.
		return nil, fmt.Errorf("field count %d exceeds input: %w", n, io.ErrUnexpectedEOF)
	}
	out := make([][]byte, n)
	for i := range out {
		if out[i], err = r.Field(); err != nil {
			return nil, fmt.Errorf("field %d: %w", i, err)
		}
	}
	return out, nil
}
