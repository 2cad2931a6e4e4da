package tcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/smartobjectoriented/soo/internal/protocol"
)

// ErrServerClosed is returned by Serve after Stop.
var ErrServerClosed = errors.New("tcp: relay server closed")

// DefaultWriteTimeout bounds each write to a recipient when ServerOptions
// leaves WriteTimeout unset.
const DefaultWriteTimeout = 10 * time.Second

// ServerOptions configures the relay.
type ServerOptions struct {
	IdleTimeout  time.Duration
	WriteTimeout time.Duration // <= 0 means DefaultWriteTimeout

	MaxPayload   uint32
	AcceptRate   float64 // new connections per second; 0 disables the limiter
	AcceptBurst  int
	Logger       *slog.Logger
}

// server struct and methods
type TCPServer struct {
	Addr string
	// server address
	Manager     *ConnectionManager
	Broadcaster *Broadcaster
	Stats       *Stats

	opts     ServerOptions
	observer observers
	limiter  *rate.Limiter
	logger   *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	quitChan chan struct{}
	// shutdown signal channel
	// when closed, the accept loop stops and Serve returns ErrServerClosed
	stopOnce sync.Once
	wg       sync.WaitGroup
	// one per connection handler goroutine
}

// constructor for Server. Stats is always installed as the first observer.
func NewServer(addr string, opts ServerOptions, obs ...Observer) *TCPServer {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	// a recipient that stops reading must not hold a sender forever
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	manager := NewConnectionManager(opts.Logger)
	stats := NewStats()

	s := &TCPServer{
		Addr:        addr,
		Manager:     manager,
		Broadcaster: NewBroadcaster(manager, opts.Logger),
		Stats:       stats,
		opts:        opts,
		observer:    append(observers{stats}, obs...),
		logger:      opts.Logger,
		quitChan:    make(chan struct{}),
	}
	if opts.AcceptRate > 0 {
		burst := opts.AcceptBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.AcceptRate), burst)
	}
	return s
}

// Listen binds the relay port without accepting yet.
func (s *TCPServer) Listen() error {
	listener, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("failed to start TCP server: %w", err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("relay_listening",
		"addr", listener.Addr().String(),
		"idle_timeout_ms", s.opts.IdleTimeout.Milliseconds(),
	)
	return nil
}

// ListenAddr returns the bound address, or nil before Listen.
func (s *TCPServer) ListenAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start binds and serves until Stop.
func (s *TCPServer) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve accepts connections on the bound listener until Stop is called.
func (s *TCPServer) Serve(ctx context.Context) error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return errors.New("tcp: Serve called before Listen")
	}

	var backoff time.Duration
	for {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.quitChan:
				return ErrServerClosed
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return ErrServerClosed
			}

			// transient accept failure (fd exhaustion and the like)
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			s.logger.Warn("failed_to_accept_connection",
				"error", err.Error(),
				"retry_in", backoff.String(),
			)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		// Add and Stop's close of quitChan are ordered by mu, so Wait never
		// races a late Add
		s.mu.Lock()
		select {
		case <-s.quitChan:
			s.mu.Unlock()
			conn.Close()
			return ErrServerClosed
		default:
		}
		s.wg.Add(1)
		s.mu.Unlock()

		go func(conn net.Conn) {
			defer s.wg.Done()
			s.handleConnection(conn)
		}(conn)
	}
}

// handle the lifecycle of a single peer connection
func (s *TCPServer) handleConnection(conn net.Conn) {
	id, err := PeerIDFromAddr(conn.RemoteAddr())
	if err != nil {
		s.logger.Error("invalid_peer_address", "error", err.Error())
		conn.Close()
		return
	}

	peer := NewPeerConnection(conn, id, PeerOptions{
		IdleTimeout:  s.opts.IdleTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		MaxPayload:   s.opts.MaxPayload,
		Logger:       s.logger,
		Observer:     s.observer,
	})
	if err := s.Manager.AddConnection(peer); err != nil {
		s.logger.Warn("peer_rejected", "peer_id", id.String(), "error", err.Error())
		peer.Close()
		return
	}
	select {
	case <-s.quitChan:
		// accepted while stopping, after CloseAllConnections ran
		s.Manager.RemoveConnection(peer.ID)
		peer.Close()
		return
	default:
	}

	s.logger.Info("peer_connected",
		"peer_id", id.String(),
		"session_id", peer.SessionID,
	)
	s.observer.PeerConnected(peer.Info())

	listenErr := peer.Listen(s.relay)

	s.Manager.RemoveConnection(peer.ID)
	peer.Close()

	summary := peer.Summary(listenErr)
	if listenErr != nil {
		s.logger.Warn("peer_disconnected",
			"peer_id", id.String(),
			"session_id", peer.SessionID,
			"messages_in", summary.MessagesIn,
			"error", listenErr.Error(),
		)
	} else {
		s.logger.Info("peer_disconnected",
			"peer_id", id.String(),
			"session_id", peer.SessionID,
			"messages_in", summary.MessagesIn,
		)
	}
	s.observer.PeerDisconnected(summary)
}

// relay forwards one complete message from a peer to everybody else.
func (s *TCPServer) relay(from *PeerConnection, msg protocol.Message) {
	report := s.Broadcaster.Publish(from.ID, msg)

	s.logger.Info("message_relayed",
		"from", from.ID.String(),
		"size", msg.PayloadLen(),
		"recipients", report.Recipients,
		"delivered", report.Delivered,
		"failed", report.Failed,
	)
	s.observer.MessageRelayed(RelayEvent{
		From:      from.ID,
		SessionID: from.SessionID,
		Size:      len(msg),
		Report:    report,
		At:        time.Now(),
	})
}

// Stop closes the listener and every peer, then waits for the connection
// handlers to finish or ctx to expire.
func (s *TCPServer) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		close(s.quitChan) // signal the accept loop
		if s.listener != nil {
			s.listener.Close()
		}
		s.mu.Unlock()
		s.Manager.CloseAllConnections()
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("relay_stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for peer handlers: %w", ctx.Err())
	}
}
