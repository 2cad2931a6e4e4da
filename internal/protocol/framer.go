package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrPayloadTooLarge is returned by Feed when a declared length exceeds MaxPayload.
var ErrPayloadTooLarge = errors.New("declared payload exceeds limit")

// maxDeclared is the largest L whose frame length still fits in an int.
// On 32-bit targets it is below the uint32 range of the prefix.
var maxDeclared uint64 = uint64(math.MaxInt - HeaderSize)

// Framer rebuilds MEs from a TCP byte stream.
// It is goroutine-local: one Framer per connection, owned by that
// connection's read loop, so it needs no locking.
type Framer struct {
	// MaxPayload caps the declared length L. Zero means unlimited.
	MaxPayload uint32

	pending   [][]byte // chunks of the message being assembled
	remaining int      // bytes still missing, length prefix included
	prefix    []byte   // leading bytes of a prefix split across reads
}

// NewFramer creates a Framer with the given payload cap (0 = unlimited).
func NewFramer(maxPayload uint32) *Framer {
	return &Framer{MaxPayload: maxPayload}
}

// Feed consumes one chunk and returns every message completed by it, in
// stream order. A chunk may finish the current message and carry any number
// of following messages, whole or partial; leftover bytes stay buffered for
// the next call.
//
// Feed copies what it keeps, so callers may reuse chunk after it returns.
// On ErrPayloadTooLarge the framer is reset and messages completed earlier in
// the same chunk are still returned.
func (f *Framer) Feed(chunk []byte) ([]Message, error) {
	var out []Message

	for len(chunk) > 0 {
		if f.remaining == 0 {
			// between messages: a prefix must be read first
			if len(f.prefix)+len(chunk) < HeaderSize {
				f.prefix = append(f.prefix, chunk...)
				return out, nil
			}

			if len(f.prefix) > 0 {
				n := HeaderSize - len(f.prefix)
				hdr := append(f.prefix, chunk[:n]...)
				chunk = chunk[n:]
				f.prefix = nil

				size := binary.LittleEndian.Uint32(hdr)
				if err := f.checkSize(size); err != nil {
					return out, err
				}
				f.pending = append(f.pending, hdr)
				f.remaining = int(size)
				if f.remaining == 0 {
					out = append(out, f.flush())
				}
				continue
			}

			size := binary.LittleEndian.Uint32(chunk[:HeaderSize])
			if err := f.checkSize(size); err != nil {
				return out, err
			}
			f.remaining = int(size) + HeaderSize
		}

		n := min(len(chunk), f.remaining)
		part := make([]byte, n)
		copy(part, chunk[:n])
		f.pending = append(f.pending, part)
		f.remaining -= n
		chunk = chunk[n:]

		if f.remaining == 0 {
			out = append(out, f.flush())
		}
	}

	return out, nil
}

// InProgress reports whether a message has been started but not completed.
func (f *Framer) InProgress() bool {
	return f.remaining > 0 || len(f.prefix) > 0
}

// Buffered returns the number of bytes held for the incomplete message.
func (f *Framer) Buffered() int {
	n := len(f.prefix)
	for _, p := range f.pending {
		n += len(p)
	}
	return n
}

// Reset drops any partially assembled message.
func (f *Framer) Reset() {
	f.pending = nil
	f.prefix = nil
	f.remaining = 0
}

func (f *Framer) checkSize(size uint32) error {
	if uint64(size) > maxDeclared {
		f.Reset()
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, size, maxDeclared)
	}
	if f.MaxPayload > 0 && size > f.MaxPayload {
		f.Reset()
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, size, f.MaxPayload)
	}
	return nil
}

// flush concatenates the pending chunks into one message and clears them.
func (f *Framer) flush() Message {
	if len(f.pending) == 1 {
		msg := Message(f.pending[0])
		f.pending = f.pending[:0]
		return msg
	}

	size := 0
	for _, p := range f.pending {
		size += len(p)
	}
	msg := make([]byte, 0, size)
	for _, p := range f.pending {
		msg = append(msg, p...)
	}
	f.pending = f.pending[:0]
	return msg
}
