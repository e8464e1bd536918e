package p2p

import (
	"context"

	"github.com/libp2p/go-libp2p/core/peer"
)

// discoveryNotifee dials peers found over mDNS.
type discoveryNotifee struct {
	node *Node
}

// HandlePeerFound is called when a peer is discovered via mDNS.
func (d *discoveryNotifee) HandlePeerFound(pi peer.AddrInfo) {
	n := d.node
	if pi.ID == n.host.ID() || n.bans.IsBanned(pi.ID) {
		return
	}
	if n.config.MaxPeers > 0 && n.PeerCount() >= n.config.MaxPeers {
		return
	}

	ctx, cancel := context.WithTimeout(n.ctx, peerConnectTimeout)
	defer cancel()
	if err := n.host.Connect(ctx, pi); err == nil {
		n.addPeer(pi.ID, "mdns")
	}
}
