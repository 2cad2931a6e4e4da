package tcp

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartobjectoriented/soo/internal/protocol"
)

// startTestServer runs a relay on a random loopback port and stops it when
// the test ends.
func startTestServer(t *testing.T, opts ServerOptions, obs ...Observer) *TCPServer {
	t.Helper()
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 2 * time.Second
	}
	srv := NewServer("127.0.0.1:0", opts, obs...)
	require.NoError(t, srv.Listen())

	served := make(chan error, 1)
	go func() { served <- srv.Serve(context.Background()) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, srv.Stop(ctx))
		assert.ErrorIs(t, <-served, ErrServerClosed)
	})
	return srv
}

// dialPeers connects n clients and waits until the server has registered them all.
func dialPeers(t *testing.T, srv *TCPServer, n int) []net.Conn {
	t.Helper()
	conns := make([]net.Conn, n)
	for i := range conns {
		c, err := net.Dial("tcp", srv.ListenAddr().String())
		require.NoError(t, err)
		t.Cleanup(func() { c.Close() })
		conns[i] = c
	}
	waitForPeers(t, srv, n)
	return conns
}

func waitForPeers(t *testing.T, srv *TCPServer, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return srv.Manager.Count() == n },
		2*time.Second, 5*time.Millisecond, "expected %d registered peers", n)
}

// readMessage reads one length-prefixed ME, prefix included.
func readMessage(t *testing.T, c net.Conn, timeout time.Duration) protocol.Message {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(timeout)))
	hdr := make([]byte, protocol.HeaderSize)
	_, err := io.ReadFull(c, hdr)
	require.NoError(t, err)
	msg := make([]byte, protocol.HeaderSize+int(binary.LittleEndian.Uint32(hdr)))
	copy(msg, hdr)
	_, err = io.ReadFull(c, msg[protocol.HeaderSize:])
	require.NoError(t, err)
	return msg
}

// assertSilent checks that nothing arrives on c for a short while.
func assertSilent(t *testing.T, c net.Conn) {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	buf := make([]byte, 1)
	n, err := c.Read(buf)
	assert.Zero(t, n, "unexpected data")
	var netErr net.Error
	if assert.True(t, errors.As(err, &netErr), "expected timeout, got %v", err) {
		assert.True(t, netErr.Timeout())
	}
}

func TestServer_BroadcastExcludesSender(t *testing.T) {
	srv := startTestServer(t, ServerOptions{})
	peers := dialPeers(t, srv, 3)
	a, b, c := peers[0], peers[1], peers[2]

	msg := protocol.Encode([]byte("hello from a"))
	_, err := a.Write(msg)
	require.NoError(t, err)

	assert.Equal(t, msg, readMessage(t, b, time.Second))
	assert.Equal(t, msg, readMessage(t, c, time.Second))
	assertSilent(t, a)
}

func TestServer_SplitWritesAreReassembled(t *testing.T) {
	srv := startTestServer(t, ServerOptions{})
	peers := dialPeers(t, srv, 2)

	msg := protocol.Encode(make([]byte, 5000))
	for _, part := range [][]byte{msg[:2], msg[2:3], msg[3:1000], msg[1000:]} {
		_, err := peers[0].Write(part)
		require.NoError(t, err)
		time.Sleep(10 * time.Millisecond) // separate TCP segments
	}

	assert.Equal(t, msg, readMessage(t, peers[1], time.Second))
}

func TestServer_SeveralMessagesInOneWrite(t *testing.T) {
	srv := startTestServer(t, ServerOptions{})
	peers := dialPeers(t, srv, 2)

	var chunk []byte
	var want []protocol.Message
	for _, p := range []string{"one", "", "three", "four!"} {
		m := protocol.Encode([]byte(p))
		want = append(want, m)
		chunk = append(chunk, m...)
	}
	_, err := peers[0].Write(chunk)
	require.NoError(t, err)

	for _, w := range want {
		assert.Equal(t, w, readMessage(t, peers[1], time.Second))
	}
}

func TestServer_SenderOrderIsPreserved(t *testing.T) {
	srv := startTestServer(t, ServerOptions{})
	peers := dialPeers(t, srv, 2)

	for i := 0; i < 50; i++ {
		_, err := peers[0].Write(protocol.Encode([]byte{byte(i)}))
		require.NoError(t, err)
	}
	for i := 0; i < 50; i++ {
		got := readMessage(t, peers[1], time.Second)
		require.Equal(t, []byte{byte(i)}, got.Payload())
	}
}

func TestServer_SinglePeerGetsNothingBack(t *testing.T) {
	srv := startTestServer(t, ServerOptions{})
	peers := dialPeers(t, srv, 1)

	_, err := peers[0].Write(protocol.Encode([]byte("alone")))
	require.NoError(t, err)

	assertSilent(t, peers[0])
	require.Eventually(t, func() bool { return srv.Stats.Snapshot().MessagesIn == 1 },
		time.Second, 5*time.Millisecond)
}

func TestServer_DisconnectMidMessageCleansUp(t *testing.T) {
	srv := startTestServer(t, ServerOptions{})
	peers := dialPeers(t, srv, 2)

	msg := protocol.Encode([]byte("never finished"))
	_, err := peers[0].Write(msg[:7])
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, peers[0].Close())

	waitForPeers(t, srv, 1)
	assertSilent(t, peers[1])

	require.Eventually(t, func() bool { return srv.Stats.Snapshot().ClosedConns == 1 },
		time.Second, 5*time.Millisecond)
	snap := srv.Stats.Snapshot()
	assert.Equal(t, int64(1), snap.ActivePeers)
	assert.Zero(t, snap.MessagesIn)
}

func TestServer_IdleProbeKeepsConnectionOpen(t *testing.T) {
	idle := 100 * time.Millisecond
	srv := startTestServer(t, ServerOptions{IdleTimeout: idle})
	peers := dialPeers(t, srv, 2)

	probe := readMessage(t, peers[0], time.Second)
	assert.Equal(t, protocol.ProbeFrame(idle), probe)
	threshold, err := probe.ProbeThreshold()
	require.NoError(t, err)
	assert.Equal(t, idle, threshold)

	// still registered, still relaying
	assert.Equal(t, 2, srv.Manager.Count())
	msg := protocol.Encode([]byte("still here"))
	_, err = peers[0].Write(msg)
	require.NoError(t, err)

	for {
		got := readMessage(t, peers[1], time.Second)
		if got.IsProbe() {
			continue // peers[1] is idle too
		}
		assert.Equal(t, msg, got)
		break
	}
	assert.GreaterOrEqual(t, srv.Stats.Snapshot().ProbesSent, int64(1))
}

func TestServer_OneProbePerIdlePeriod(t *testing.T) {
	idle := 200 * time.Millisecond
	srv := startTestServer(t, ServerOptions{IdleTimeout: idle})
	peers := dialPeers(t, srv, 1)

	readMessage(t, peers[0], time.Second)

	// the timer re-arms: the next probe takes another full period
	start := time.Now()
	readMessage(t, peers[0], time.Second)
	assert.GreaterOrEqual(t, time.Since(start), idle-20*time.Millisecond)
}

func TestServer_ChurnDuringBroadcast(t *testing.T) {
	srv := startTestServer(t, ServerOptions{})
	stable := dialPeers(t, srv, 2)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			c, err := net.Dial("tcp", srv.ListenAddr().String())
			if err != nil {
				continue
			}
			c.Close()
		}
	}()

	for i := 0; i < 100; i++ {
		_, err := stable[0].Write(protocol.Encode([]byte{byte(i)}))
		require.NoError(t, err)
	}
	for i := 0; i < 100; i++ {
		assert.Equal(t, []byte{byte(i)}, readMessage(t, stable[1], 2*time.Second).Payload())
	}

	close(stop)
	wg.Wait()
	waitForPeers(t, srv, 2)
}

func TestServer_OversizedMessageClosesPeer(t *testing.T) {
	srv := startTestServer(t, ServerOptions{MaxPayload: 16})
	peers := dialPeers(t, srv, 2)

	_, err := peers[0].Write(protocol.Encode(make([]byte, 17)))
	require.NoError(t, err)

	waitForPeers(t, srv, 1)
	assertSilent(t, peers[1])
}

type recordingObserver struct {
	NopObserver
	mu           sync.Mutex
	connected    []PeerInfo
	disconnected []SessionSummary
	relayed      []RelayEvent
}

func (r *recordingObserver) PeerConnected(info PeerInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = append(r.connected, info)
}

func (r *recordingObserver) PeerDisconnected(s SessionSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected = append(r.disconnected, s)
}

func (r *recordingObserver) MessageRelayed(ev RelayEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.relayed = append(r.relayed, ev)
}

func (r *recordingObserver) counts() (int, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.connected), len(r.disconnected), len(r.relayed)
}

func TestServer_NotifiesObservers(t *testing.T) {
	rec := &recordingObserver{}
	srv := startTestServer(t, ServerOptions{}, rec)
	peers := dialPeers(t, srv, 3)

	msg := protocol.Encode([]byte("observed"))
	_, err := peers[0].Write(msg)
	require.NoError(t, err)
	readMessage(t, peers[1], time.Second)
	readMessage(t, peers[2], time.Second)
	require.NoError(t, peers[0].Close())

	require.Eventually(t, func() bool {
		c, d, r := rec.counts()
		return c == 3 && d == 1 && r == 1
	}, 2*time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	ev := rec.relayed[0]
	assert.Equal(t, len(msg), ev.Size)
	assert.Equal(t, DeliveryReport{Recipients: 2, Delivered: 2, Bytes: 2 * len(msg)}, ev.Report)

	s := rec.disconnected[0]
	assert.Equal(t, ev.SessionID, s.SessionID)
	assert.Equal(t, int64(1), s.MessagesIn)
	assert.Equal(t, "closed", s.Reason)
	assert.False(t, s.DisconnectedAt.Before(s.ConnectedAt))
}

func TestServer_StopClosesPeers(t *testing.T) {
	srv := NewServer("127.0.0.1:0", ServerOptions{})
	require.NoError(t, srv.Listen())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(context.Background()) }()

	peers := dialPeers(t, srv, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
	assert.ErrorIs(t, <-served, ErrServerClosed)
	assert.Zero(t, srv.Manager.Count())

	for _, c := range peers {
		require.NoError(t, c.SetReadDeadline(time.Now().Add(time.Second)))
		_, err := c.Read(make([]byte, 1))
		assert.ErrorIs(t, err, io.EOF)
	}

	// second Stop is harmless
	require.NoError(t, srv.Stop(ctx))
}

func TestServer_AcceptLimiter(t *testing.T) {
	srv := startTestServer(t, ServerOptions{AcceptRate: 1000, AcceptBurst: 2})
	require.NotNil(t, srv.limiter)
	dialPeers(t, srv, 3)
}

func TestServer_ServeBeforeListen(t *testing.T) {
	srv := NewServer("127.0.0.1:0", ServerOptions{})
	assert.Error(t, srv.Serve(context.Background()))
	assert.Nil(t, srv.ListenAddr())
}

func TestServer_WritesAlwaysHaveDeadline(t *testing.T) {
	for _, d := range []time.Duration{0, -time.Second} {
		srv := NewServer("127.0.0.1:0", ServerOptions{WriteTimeout: d})
		assert.Equal(t, DefaultWriteTimeout, srv.opts.WriteTimeout, d)
	}

	srv := NewServer("127.0.0.1:0", ServerOptions{WriteTimeout: time.Second})
	assert.Equal(t, time.Second, srv.opts.WriteTimeout)
}
