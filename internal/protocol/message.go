// Package protocol defines the ME wire format relayed by the hub and the
// stream framer that rebuilds whole MEs from arbitrary TCP reads.
package protocol

import (
	"encoding/binary"
	"fmt"
	"time"
)

// HeaderSize is the length prefix size: uint32, little-endian.
const HeaderSize = 4

// ProbeOpcode is the value carried in the length field of the idle probe.
// A probe is byte-for-byte a data ME with L == 4, so peers tell the two apart
// by convention only.
const ProbeOpcode uint32 = 0x4

// ProbeSize is the total size of an idle probe on the wire.
const ProbeSize = HeaderSize + 4

// Message is one complete ME as it travels on the wire, length prefix included.
type Message []byte

// Encode frames payload as an ME.
func Encode(payload []byte) Message {
	buf := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[:HeaderSize], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf
}

// PayloadLen returns the declared payload length L.
func (m Message) PayloadLen() uint32 {
	if len(m) < HeaderSize {
		return 0
	}
	return binary.LittleEndian.Uint32(m[:HeaderSize])
}

// Payload returns the bytes following the length prefix.
func (m Message) Payload() []byte {
	if len(m) < HeaderSize {
		return nil
	}
	return m[HeaderSize:]
}

// IsProbe reports whether m has the layout of an idle probe.
func (m Message) IsProbe() bool {
	return len(m) == ProbeSize && m.PayloadLen() == ProbeOpcode
}

// ProbeThreshold decodes the idle threshold carried by a probe.
func (m Message) ProbeThreshold() (time.Duration, error) {
	if !m.IsProbe() {
		return 0, fmt.Errorf("not an idle probe: %d bytes, opcode %#x", len(m), m.PayloadLen())
	}
	ms := binary.LittleEndian.Uint32(m[HeaderSize:])
	return time.Duration(ms) * time.Millisecond, nil
}

// ProbeFrame builds the 8-byte control frame sent to idle peers:
// opcode 0x4 followed by the idle threshold in milliseconds.
func ProbeFrame(threshold time.Duration) Message {
	buf := make([]byte, ProbeSize)
	binary.LittleEndian.PutUint32(buf[0:4], ProbeOpcode)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(threshold.Milliseconds()))
	return buf
}
