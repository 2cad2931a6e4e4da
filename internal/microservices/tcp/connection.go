package tcp

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/smartobjectoriented/soo/internal/protocol"
)

// MEs are opaque and can be large (whole smart object images), so reads use
// a generous buffer; the framer copies what it keeps.
const readBufferSize = 64 * 1024

// DefaultIdleTimeout is the reference idle probe threshold (6 minutes).
const DefaultIdleTimeout = 360000 * time.Millisecond

// MessageHandler receives every complete message read from a peer, in
// arrival order, on that peer's read goroutine.
type MessageHandler func(from *PeerConnection, msg protocol.Message)

// PeerOptions tunes a single peer connection.
type PeerOptions struct {
	IdleTimeout  time.Duration // no inbound data for this long sends a probe; 0 disables
	WriteTimeout time.Duration // per-write deadline; 0 means none
	MaxPayload   uint32        // framer cap on declared length; 0 means unlimited
	Logger       *slog.Logger
	Observer     Observer
}

// PeerConnection is one accepted relay socket. Its framer is owned by the
// goroutine running Listen; writes from any goroutine go through Send.
type PeerConnection struct {
	ID          PeerID // registry key
	SessionID   string // unique per accepted socket, for logs and audit
	ConnectedAt time.Time

	conn   net.Conn
	opts   PeerOptions
	framer *protocol.Framer
	logger *slog.Logger

	writeMu sync.Mutex // one whole message per write, never interleaved

	messagesIn atomic.Int64
	bytesIn    atomic.Int64
	probesSent atomic.Int64

	closeOnce sync.Once
}

// NewPeerConnection wraps an accepted socket.
func NewPeerConnection(conn net.Conn, id PeerID, opts PeerOptions) *PeerConnection {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Observer == nil {
		opts.Observer = NopObserver{}
	}
	sessionID := uuid.NewString()
	return &PeerConnection{
		ID:          id,
		SessionID:   sessionID,
		ConnectedAt: time.Now(),
		conn:        conn,
		opts:        opts,
		framer:      protocol.NewFramer(opts.MaxPayload),
		logger:      opts.Logger.With("peer_id", id.String(), "session_id", sessionID),
	}
}

// Listen reads from the peer until it closes or fails, handing every complete
// message to onMessage. When no data arrives for IdleTimeout a probe is sent
// and the timer re-arms; the connection stays open.
//
// A nil return means the peer went away cleanly (EOF or local close).
func (c *PeerConnection) Listen(onMessage MessageHandler) error {
	c.logger.Info("peer_started_listening",
		"remote_addr", c.conn.RemoteAddr().String(),
	)

	buf := make([]byte, readBufferSize)
	var started time.Time // when the message being assembled began
	c.armIdle()

	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.armIdle()
			c.bytesIn.Add(int64(n))

			if !c.framer.InProgress() {
				started = time.Now()
			}
			msgs, ferr := c.framer.Feed(buf[:n])
			for _, msg := range msgs {
				c.messagesIn.Add(1)
				c.logger.Debug("message_assembled",
					"size", msg.PayloadLen(),
					"duration_ms", time.Since(started).Milliseconds(),
				)
				onMessage(c, msg)
				started = time.Now()
			}
			if ferr != nil {
				c.logger.Warn("message_too_large",
					"error", ferr.Error(),
					"max_size", c.opts.MaxPayload,
				)
				return ferr
			}
		}

		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				if perr := c.sendProbe(); perr != nil {
					return perr
				}
				c.armIdle()
				continue
			}
			if isClosedConnError(err) {
				if c.framer.InProgress() {
					c.logger.Info("partial_message_dropped",
						"buffered", c.framer.Buffered(),
					)
				}
				c.framer.Reset()
				return nil
			}
			c.framer.Reset()
			return fmt.Errorf("read from %s: %w", c.ID, err)
		}
	}
}

// Send writes data to the peer as one unit. A failed write leaves the peer's
// stream in an unknown framing state, so the connection is closed.
func (c *PeerConnection) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.opts.WriteTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	}
	if _, err := c.conn.Write(data); err != nil {
		c.Close()
		return fmt.Errorf("failed to write %d bytes to %s: %w", len(data), c.ID, err)
	}
	return nil
}

// Close closes the socket. Safe to call more than once.
func (c *PeerConnection) Close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
}

// Info returns the current counters for this peer.
func (c *PeerConnection) Info() PeerInfo {
	return PeerInfo{
		ID:          c.ID,
		Remote:      c.ID.String(),
		SessionID:   c.SessionID,
		ConnectedAt: c.ConnectedAt,
		MessagesIn:  c.messagesIn.Load(),
		BytesIn:     c.bytesIn.Load(),
		ProbesSent:  c.probesSent.Load(),
	}
}

// Summary closes out the session record with the reason Listen returned.
func (c *PeerConnection) Summary(reason error) SessionSummary {
	r := "closed"
	if reason != nil {
		r = reason.Error()
	}
	return SessionSummary{
		PeerInfo:       c.Info(),
		DisconnectedAt: time.Now(),
		Reason:         r,
	}
}

func (c *PeerConnection) armIdle() {
	if c.opts.IdleTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout))
	}
}

func (c *PeerConnection) sendProbe() error {
	if err := c.Send(protocol.ProbeFrame(c.opts.IdleTimeout)); err != nil {
		c.logger.Warn("idle_probe_failed", "error", err.Error())
		return err
	}
	c.probesSent.Add(1)
	c.logger.Info("idle_probe_sent",
		"idle_ms", c.opts.IdleTimeout.Milliseconds(),
	)
	c.opts.Observer.ProbeSent(c.Info())
	return nil
}

// isClosedConnError reports errors that just mean the peer or the server hung up.
// On Windows: "wsarecv: An existing connection was forcibly closed by the remote host."
// On Linux: "use of closed network connection"
func isClosedConnError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "closed network connection") ||
		strings.Contains(msg, "connection was aborted") ||
		strings.Contains(msg, "forcibly closed")
}
