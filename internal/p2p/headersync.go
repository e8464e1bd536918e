package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/Klingon-tech/klingnet-node/pkg/block"
	"github.com/Klingon-tech/klingnet-node/pkg/types"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	headersReadTimeout = 30 * time.Second

	// maxLocatorHashes bounds an incoming locator.
	maxLocatorHashes = 64
)

// registerHeadersHandler serves main chain headers for a locator.
func (n *Node) registerHeadersHandler() {
	n.host.SetStreamHandler(HeadersProtocol, func(stream network.Stream) {
		defer stream.Close()
		_ = stream.SetDeadline(time.Now().Add(headersReadTimeout))

		var req HeadersRequest
		if err := json.NewDecoder(io.LimitReader(stream, 64*1024)).Decode(&req); err != nil {
			return
		}
		if len(req.Locator) > maxLocatorHashes {
			req.Locator = req.Locator[:maxLocatorHashes]
		}
		if req.Max == 0 || req.Max > MaxHeadersPerMessage {
			req.Max = MaxHeadersPerMessage
		}

		n.mu.RLock()
		provide := n.headersProvider
		n.mu.RUnlock()

		var resp HeadersResponse
		if provide != nil {
			resp.Headers = provide(req.Locator, int(req.Max))
		}
		json.NewEncoder(stream).Encode(&resp)
	})
}

// RequestHeaders asks id for up to max main chain headers following the
// first locator hash it knows.
func (n *Node) RequestHeaders(ctx context.Context, id peer.ID, locator []types.Hash, max uint32) ([]*block.Header, error) {
	if n.host == nil {
		return nil, ErrNotStarted
	}
	stream, err := n.host.NewStream(ctx, id, HeadersProtocol)
	if err != nil {
		return nil, fmt.Errorf("open headers stream: %w", err)
	}
	defer stream.Close()

	req := HeadersRequest{Locator: locator, Max: max}
	if err := json.NewEncoder(stream).Encode(&req); err != nil {
		return nil, fmt.Errorf("send headers request: %w", err)
	}
	stream.CloseWrite()
	_ = stream.SetReadDeadline(time.Now().Add(headersReadTimeout))

	var resp HeadersResponse
	if err := json.NewDecoder(io.LimitReader(stream, int64(n.config.MaxMessageSize))).Decode(&resp); err != nil {
		return nil, fmt.Errorf("read headers response: %w", err)
	}
	if len(resp.Headers) > int(max) && max > 0 {
		return nil, fmt.Errorf("peer sent %d headers, asked for %d", len(resp.Headers), max)
	}
	for _, h := range resp.Headers {
		if h == nil {
			return nil, fmt.Errorf("peer sent a null header")
		}
	}
	return resp.Headers, nil
}
