package p2p

import (
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

func TestGater_BannedPeer(t *testing.T) {
	bm := NewBanManager(nil, nil)
	g := &gater{bans: bm}
	id := peer.ID("bad-peer")

	if !g.InterceptPeerDial(id) || !g.InterceptSecured(network.DirInbound, id, nil) {
		t.Fatal("should allow a peer that is not banned")
	}

	bm.BanPeer(id, time.Hour, "genesis mismatch")
	if g.InterceptPeerDial(id) {
		t.Error("should reject banned peer dial")
	}
	if g.InterceptSecured(network.DirOutbound, id, nil) {
		t.Error("should reject banned peer on secured connection")
	}

	bm.Unban(id)
	if !g.InterceptPeerDial(id) {
		t.Error("should allow after unban")
	}
}

func TestGater_MaxPeers(t *testing.T) {
	count := 3
	g := &gater{bans: NewBanManager(nil, nil), maxPeers: 3, peerCount: func() int { return count }}

	if g.InterceptSecured(network.DirInbound, "new", nil) {
		t.Error("inbound accepted past the peer limit")
	}
	if !g.InterceptSecured(network.DirOutbound, "dialed", nil) {
		t.Error("outbound rejected by the inbound limit")
	}
	count = 2
	if !g.InterceptSecured(network.DirInbound, "new", nil) {
		t.Error("inbound rejected below the limit")
	}
}

func TestGater_AllowsUnknownStages(t *testing.T) {
	g := &gater{bans: NewBanManager(nil, nil)}
	if !g.InterceptAccept(nil) {
		t.Error("InterceptAccept should always allow")
	}
	if !g.InterceptAddrDial("x", nil) {
		t.Error("InterceptAddrDial should always allow")
	}
	allow, reason := g.InterceptUpgraded(nil)
	if !allow || reason != 0 {
		t.Errorf("InterceptUpgraded = %v, %d", allow, reason)
	}
}
