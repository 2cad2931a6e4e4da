package tcp

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrPeerExists is returned by AddConnection when the identity is already registered.
var ErrPeerExists = errors.New("peer already connected")

type ConnectionManager struct {
	peers map[PeerID]*PeerConnection
	// key: remote address and port, value: live connection
	order []*PeerConnection
	// connect order, so broadcasts visit peers deterministically
	mu     sync.RWMutex // read-write mutex, many broadcasts may read at once
	logger *slog.Logger
}

// constructor for ConnectionManager
func NewConnectionManager(logger *slog.Logger) *ConnectionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectionManager{
		peers:  make(map[PeerID]*PeerConnection),
		logger: logger,
	}
}

// AddConnection registers a peer. A second connection with the same identity
// is refused and the existing one is left untouched.
func (m *ConnectionManager) AddConnection(peer *PeerConnection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.peers[peer.ID]; ok {
		return fmt.Errorf("%w: %s", ErrPeerExists, peer.ID)
	}
	m.peers[peer.ID] = peer
	m.order = append(m.order, peer)

	m.logger.Info("peer_added",
		"peer_id", peer.ID.String(),
		"session_id", peer.SessionID,
		"peer_count", len(m.peers),
	)
	return nil
}

// RemoveConnection unregisters the peer with the given identity.
// Removing an unknown identity is a no-op.
func (m *ConnectionManager) RemoveConnection(id PeerID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.peers[id]; !ok {
		return false
	}
	delete(m.peers, id)
	for i, p := range m.order {
		if p.ID == id {
			// keep relative order of the rest
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}

	m.logger.Info("peer_removed",
		"peer_id", id.String(),
		"peer_count", len(m.peers),
	)
	return true
}

// Count returns the number of registered peers.
func (m *ConnectionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.peers)
}

// Snapshot returns the registered peers in connect order. The slice is a
// copy; peers added or removed afterwards do not affect it.
func (m *ConnectionManager) Snapshot() []*PeerConnection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*PeerConnection, len(m.order))
	copy(out, m.order)
	return out
}

// ForEachOtherThan calls fn for every peer except the one identified by
// exclude, in connect order. The registry lock is not held while fn runs,
// so fn may block on network writes or remove peers.
func (m *ConnectionManager) ForEachOtherThan(exclude PeerID, fn func(*PeerConnection)) {
	for _, p := range m.Snapshot() {
		if p.ID == exclude {
			continue
		}
		fn(p)
	}
}

// Peers lists the counters of every registered peer.
func (m *ConnectionManager) Peers() []PeerInfo {
	snap := m.Snapshot()
	out := make([]PeerInfo, 0, len(snap))
	for _, p := range snap {
		out = append(out, p.Info())
	}
	return out
}

// method to close all connections
func (m *ConnectionManager) CloseAllConnections() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, peer := range m.order {
		peer.Close()
		m.logger.Info("peer_connection_closed",
			"peer_id", peer.ID.String(),
		)
	}
	m.peers = make(map[PeerID]*PeerConnection)
	m.order = nil
	// reset for garbage collection; the read goroutines will find their
	// sockets closed and their RemoveConnection calls become no-ops
}
