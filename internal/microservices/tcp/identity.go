package tcp

import (
	"fmt"
	"net"
	"net/netip"
)

// PeerID identifies a peer connection by its remote address and port.
// It is compared by value, so "3.4.5.6" port 12 and "4.5.6" port 123 can
// never collide the way concatenated strings would.
type PeerID struct {
	netip.AddrPort
}

// NewPeerID builds an identity from an address and port.
func NewPeerID(addr netip.Addr, port uint16) PeerID {
	return PeerID{netip.AddrPortFrom(addr.Unmap(), port)}
}

// PeerIDFromAddr derives the identity of a remote endpoint.
// IPv4-mapped IPv6 addresses are unmapped so the same peer always maps to the
// same key regardless of the listener's address family.
func PeerIDFromAddr(addr net.Addr) (PeerID, error) {
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		ap := tcpAddr.AddrPort()
		if ap.IsValid() {
			return NewPeerID(ap.Addr(), ap.Port()), nil
		}
	}
	if addr == nil {
		return PeerID{}, fmt.Errorf("no remote address")
	}

	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return PeerID{}, fmt.Errorf("invalid remote address %q: %w", addr.String(), err)
	}
	return NewPeerID(ap.Addr(), ap.Port()), nil
}
