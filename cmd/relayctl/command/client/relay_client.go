package client

// relay_client.go = raw TCP peer of the relay: frames payloads as MEs and
// reassembles what the relay forwards.

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/smartobjectoriented/soo/internal/protocol"
)

const readBufferSize = 64 * 1024

// RelayClient is one peer connection to the relay.
type RelayClient struct {
	serverAddr string
	conn       net.Conn
	framer     *protocol.Framer
	stats      ConnectionStats
	mu         sync.Mutex // guards conn writes and stats
}

// ConnectionStats holds connection statistics
type ConnectionStats struct {
	ConnectedAt      time.Time
	MessagesSent     int
	BytesSent        int
	MessagesReceived int
	BytesReceived    int
	ProbesReceived   int
}

// NewRelayClient creates a new relay client
func NewRelayClient(serverAddr string) *RelayClient {
	return &RelayClient{
		serverAddr: serverAddr,
		framer:     protocol.NewFramer(0),
	}
}

// Connect dials the relay.
func (c *RelayClient) Connect(timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", c.serverAddr, timeout)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.stats = ConnectionStats{ConnectedAt: time.Now()}
	c.mu.Unlock()
	return nil
}

// LocalAddr is the address the relay sees for this peer.
func (c *RelayClient) LocalAddr() net.Addr {
	if c.conn == nil {
		return nil
	}
	return c.conn.LocalAddr()
}

// Send frames payload as an ME and writes it in one call.
func (c *RelayClient) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("not connected")
	}

	msg := protocol.Encode(payload)
	if _, err := c.conn.Write(msg); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	c.stats.MessagesSent++
	c.stats.BytesSent += len(msg)
	return nil
}

// ReadLoop reads until the connection ends and hands every complete ME to
// handle, probes included. It returns nil when the relay or Close ends the
// connection.
func (c *RelayClient) ReadLoop(handle func(protocol.Message)) error {
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}

	buf := make([]byte, readBufferSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			msgs, ferr := c.framer.Feed(buf[:n])
			for _, m := range msgs {
				c.mu.Lock()
				if m.IsProbe() {
					c.stats.ProbesReceived++
				} else {
					c.stats.MessagesReceived++
					c.stats.BytesReceived += len(m)
				}
				c.mu.Unlock()
				handle(m)
			}
			if ferr != nil {
				return ferr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

// Close closes the connection; a blocked ReadLoop returns.
func (c *RelayClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// GetStats returns connection statistics
func (c *RelayClient) GetStats() ConnectionStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Preview renders at most limit payload bytes for the terminal: text as-is,
// anything else as hex.
func Preview(payload []byte, limit int) string {
	cut := payload
	suffix := ""
	if len(cut) > limit {
		cut = cut[:limit]
		suffix = "..."
	}
	if utf8.Valid(cut) && isPrintable(string(cut)) {
		return fmt.Sprintf("%q%s", cut, suffix)
	}
	return fmt.Sprintf("%x%s", cut, suffix)
}

func isPrintable(s string) bool {
	for _, r := range s {
		if r < 0x20 && r != '\n' && r != '\t' {
			return false
		}
	}
	return true
}
