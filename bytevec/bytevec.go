// Package bytevec implements a fixed-capacity byte container used
// throughout the CTAPHID engine wherever a message or sub-record must be
// held without ever growing the underlying allocation past a protocol-
// mandated bound.
package bytevec

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ErrCapacityExceeded is returned when an append would grow a ByteVec past
// its fixed capacity.
var ErrCapacityExceeded = errors.New("bytevec: capacity exceeded")

// ByteVec is a byte slice bounded to a capacity fixed at construction. It
// never reallocates past that capacity; every mutating method fails closed
// with ErrCapacityExceeded rather than growing silently.
type ByteVec struct {
	buf []byte
	cap int
}

// New returns an empty ByteVec with the given fixed capacity.
func New(capacity int) *ByteVec {
	return &ByteVec{buf: make([]byte, 0, capacity), cap: capacity}
}

// FromSlice wraps an existing slice, bounding future growth to capacity.
// The slice's current length must not exceed capacity.
func FromSlice(data []byte, capacity int) (*ByteVec, error) {
	if len(data) > capacity {
		return nil, fmt.Errorf("bytevec: data length %d exceeds capacity %d: %w", len(data), capacity, ErrCapacityExceeded)
	}
	buf := make([]byte, len(data), capacity)
	copy(buf, data)
	return &ByteVec{buf: buf, cap: capacity}, nil
}

// Len returns the number of bytes currently held.
func (b *ByteVec) Len() int { return len(b.buf) }

// Cap returns the fixed capacity.
func (b *ByteVec) Cap() int { return b.cap }

// Bytes returns the held bytes. The returned slice aliases internal
// storage and must not be retained past the next mutation.
func (b *ByteVec) Bytes() []byte { return b.buf }

// Reset truncates to zero length without releasing capacity.
func (b *ByteVec) Reset() { b.buf = b.buf[:0] }

// Append extends the container by data, failing if the result would exceed
// capacity.
func (b *ByteVec) Append(data []byte) error {
	if len(b.buf)+len(data) > b.cap {
		return ErrCapacityExceeded
	}
	b.buf = append(b.buf, data...)
	return nil
}

// CopyInto writes data at the given offset, failing if it would extend
// past capacity. The container's length grows to offset+len(data) if that
// is larger than the current length.
func (b *ByteVec) CopyInto(offset int, data []byte) error {
	end := offset + len(data)
	if end > b.cap {
		return ErrCapacityExceeded
	}
	if end > len(b.buf) {
		b.buf = b.buf[:end]
	}
	copy(b.buf[offset:end], data)
	return nil
}

// MarshalCBOR encodes the ByteVec as a CBOR definite-length byte string,
// satisfying cbor.Marshaler so ByteVec can be embedded directly in wire
// records ("ordered serialisation as a CBOR byte string").
func (b *ByteVec) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(b.buf)
}

// UnmarshalCBOR decodes a CBOR byte string into the ByteVec, failing if it
// would exceed capacity.
func (b *ByteVec) UnmarshalCBOR(data []byte) error {
	var raw []byte
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("bytevec: decode: %w", err)
	}
	if len(raw) > b.cap {
		return fmt.Errorf("bytevec: decoded length %d exceeds capacity %d: %w", len(raw), b.cap, ErrCapacityExceeded)
	}
	if b.cap == 0 {
		b.cap = len(raw)
	}
	b.buf = append(b.buf[:0], raw...)
	return nil
}
