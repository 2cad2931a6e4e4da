package tcp

import (
	"net"
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPeerID(port uint16) PeerID {
	return NewPeerID(netip.MustParseAddr("10.0.0.1"), port)
}

// newPipePeer builds a PeerConnection over an in-memory pipe.
func newPipePeer(t *testing.T, port uint16) *PeerConnection {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return NewPeerConnection(server, testPeerID(port), PeerOptions{})
}

func TestConnectionManager_AddRejectsDuplicate(t *testing.T) {
	m := NewConnectionManager(nil)
	first := newPipePeer(t, 1000)
	dup := newPipePeer(t, 1000)

	require.NoError(t, m.AddConnection(first))
	err := m.AddConnection(dup)

	assert.ErrorIs(t, err, ErrPeerExists)
	snap := m.Snapshot()
	require.Len(t, snap, 1)
	assert.Same(t, first, snap[0])
	assert.Equal(t, 1, m.Count())
}

func TestConnectionManager_RemoveIsIdempotent(t *testing.T) {
	m := NewConnectionManager(nil)
	p := newPipePeer(t, 1000)
	require.NoError(t, m.AddConnection(p))

	assert.True(t, m.RemoveConnection(p.ID))
	assert.False(t, m.RemoveConnection(p.ID))
	assert.Zero(t, m.Count())
	assert.Empty(t, m.Snapshot())
}

func TestConnectionManager_ForEachOtherThanSkipsSenderInConnectOrder(t *testing.T) {
	m := NewConnectionManager(nil)
	var peers []*PeerConnection
	for port := uint16(1); port <= 4; port++ {
		p := newPipePeer(t, port)
		require.NoError(t, m.AddConnection(p))
		peers = append(peers, p)
	}
	require.True(t, m.RemoveConnection(peers[1].ID))

	var visited []PeerID
	m.ForEachOtherThan(peers[2].ID, func(p *PeerConnection) {
		visited = append(visited, p.ID)
	})

	assert.Equal(t, []PeerID{peers[0].ID, peers[3].ID}, visited)
}

func TestConnectionManager_IterationUsesSnapshot(t *testing.T) {
	m := NewConnectionManager(nil)
	a, b, c := newPipePeer(t, 1), newPipePeer(t, 2), newPipePeer(t, 3)
	for _, p := range []*PeerConnection{a, b, c} {
		require.NoError(t, m.AddConnection(p))
	}

	late := newPipePeer(t, 4)
	var visited int
	m.ForEachOtherThan(a.ID, func(p *PeerConnection) {
		visited++
		// mutating the registry mid-iteration neither deadlocks nor changes the walk
		m.RemoveConnection(c.ID)
		_ = m.AddConnection(late)
	})

	assert.Equal(t, 2, visited)
	assert.Equal(t, 3, m.Count())
}

func TestConnectionManager_ConcurrentChurn(t *testing.T) {
	m := NewConnectionManager(nil)
	var wg sync.WaitGroup

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				p := newPipePeer(t, uint16(w*100+i+1))
				if err := m.AddConnection(p); err != nil {
					t.Errorf("add: %v", err)
					return
				}
				m.ForEachOtherThan(p.ID, func(*PeerConnection) {})
				_ = m.Peers()
				m.RemoveConnection(p.ID)
			}
		}(w)
	}
	wg.Wait()

	assert.Zero(t, m.Count())
	assert.Empty(t, m.Snapshot())
}

func TestConnectionManager_CloseAllConnections(t *testing.T) {
	m := NewConnectionManager(nil)
	server, client := net.Pipe()
	defer client.Close()
	p := NewPeerConnection(server, testPeerID(1), PeerOptions{})
	require.NoError(t, m.AddConnection(p))

	m.CloseAllConnections()

	assert.Zero(t, m.Count())
	_, err := client.Read(make([]byte, 1))
	assert.Error(t, err)
	// the read loop's own removal is now a no-op
	assert.False(t, m.RemoveConnection(p.ID))
}
