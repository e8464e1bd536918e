package p2p

import (
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// Peer represents a connected peer.
type Peer struct {
	ID          peer.ID
	ConnectedAt time.Time
	Source      string // "mdns", "seed", "gossip", "inbound"
	BestHeight  uint64 // from the handshake
	Verified    bool   // handshake completed
}
