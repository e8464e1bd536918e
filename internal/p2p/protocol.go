package p2p

import (
	"github.com/Klingon-tech/klingnet-node/pkg/block"
	"github.com/Klingon-tech/klingnet-node/pkg/tx"
	"github.com/Klingon-tech/klingnet-node/pkg/types"
	"github.com/libp2p/go-libp2p/core/protocol"
)

// GossipSub topic names.
const (
	TopicHeaders = "/klingnet/headers/1.0.0"
	TopicBlocks  = "/klingnet/block/1.0.0"
)

// Stream protocol IDs.
const (
	HandshakeProtocol = protocol.ID("/klingnet/handshake/1.0.0")
	BodyProtocol      = protocol.ID("/klingnet/body/1.0.0")
	HeadersProtocol   = protocol.ID("/klingnet/getheaders/1.0.0")
)

const (
	// ProtocolVersion is the version advertised during the handshake.
	ProtocolVersion uint32 = 1

	// MinProtocolVersion is the lowest version accepted from peers.
	MinProtocolVersion uint32 = 1

	// MaxHeadersPerMessage caps announced and served header batches.
	MaxHeadersPerMessage = 500
)

// HeadersAnnouncement carries new headers over gossip.
type HeadersAnnouncement struct {
	Headers []*block.Header `json:"headers"`
}

// BodyRequest asks a peer for the body of one block.
type BodyRequest struct {
	Hash types.Hash `json:"hash"`
}

// BodyResponse carries the requested body, or nothing when the peer does
// not have it.
type BodyResponse struct {
	Body *block.Body `json:"body,omitempty"`
}

// HeadersRequest asks for main chain headers after the first locator hash
// the peer knows.
type HeadersRequest struct {
	Locator []types.Hash `json:"locator"`
	Max     uint32       `json:"max"`
}

// HeadersResponse returns headers in ascending height order.
type HeadersResponse struct {
	Headers []*block.Header `json:"headers"`
}

func hasNilTx(txs []*tx.Transaction) bool {
	for _, t := range txs {
		if t == nil {
			return true
		}
	}
	return false
}
