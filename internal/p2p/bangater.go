package p2p

import (
	"github.com/libp2p/go-libp2p/core/control"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// gater is a libp2p ConnectionGater that keeps banned peers out and caps
// inbound connections at maxPeers.
type gater struct {
	bans      *BanManager
	maxPeers  int
	peerCount func() int
}

// InterceptPeerDial rejects outbound dials to banned peers.
func (g *gater) InterceptPeerDial(p peer.ID) bool {
	return !g.bans.IsBanned(p)
}

// InterceptAddrDial allows every address; filtering is per peer.
func (g *gater) InterceptAddrDial(peer.ID, ma.Multiaddr) bool {
	return true
}

// InterceptAccept allows inbound connections before the peer is known.
func (g *gater) InterceptAccept(network.ConnMultiaddrs) bool {
	return true
}

// InterceptSecured rejects banned peers once authenticated, and inbound
// peers past the limit.
func (g *gater) InterceptSecured(dir network.Direction, p peer.ID, _ network.ConnMultiaddrs) bool {
	if g.bans.IsBanned(p) {
		return false
	}
	if dir == network.DirInbound && g.maxPeers > 0 && g.peerCount != nil && g.peerCount() >= g.maxPeers {
		return false
	}
	return true
}

// InterceptUpgraded allows fully upgraded connections.
func (g *gater) InterceptUpgraded(network.Conn) (bool, control.DisconnectReason) {
	return true, 0
}
