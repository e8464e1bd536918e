package p2p

import (
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/multiformats/go-multiaddr"
)

// connNotifier keeps the peer table in step with libp2p connections and
// starts the handshake on outbound ones.
type connNotifier struct {
	node *Node
}

// Connected is called when a new connection is opened.
func (cn *connNotifier) Connected(_ network.Network, conn network.Conn) {
	n := cn.node
	remote := conn.RemotePeer()
	if remote == n.host.ID() {
		return
	}
	source := "inbound"
	if conn.Stat().Direction == network.DirOutbound {
		source = "outbound"
	}
	n.addPeer(remote, source)

	switch {
	case !n.handshakeEnabled():
		go n.peerReady(remote, 0)
	case conn.Stat().Direction == network.DirOutbound:
		// Inbound handshakes arrive on the stream handler.
		go n.doHandshake(remote)
	}
}

// Disconnected is called when a connection closes. The peer is dropped
// once its last connection is gone.
func (cn *connNotifier) Disconnected(net network.Network, conn network.Conn) {
	remote := conn.RemotePeer()
	if len(net.ConnsToPeer(remote)) == 0 {
		cn.node.removePeer(remote)
	}
}

// Listen is called when the node starts listening on a new address.
func (cn *connNotifier) Listen(network.Network, multiaddr.Multiaddr) {}

// ListenClose is called when the node stops listening on an address.
func (cn *connNotifier) ListenClose(network.Network, multiaddr.Multiaddr) {}
