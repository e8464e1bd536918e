package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Klingon-tech/klingnet-node/internal/log"
	"github.com/Klingon-tech/klingnet-node/pkg/block"
	"github.com/Klingon-tech/klingnet-node/pkg/types"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	bodyRequestTimeout = 30 * time.Second
	maxBodyRequestSize = 1024

	// maxInflightBodies bounds concurrent outgoing body requests.
	maxInflightBodies = 32
)

var (
	// ErrBodyUnavailable is returned when the peer does not have the body.
	ErrBodyUnavailable = errors.New("peer does not have the body")

	// ErrTooManyRequests is returned when maxInflightBodies are in flight.
	ErrTooManyRequests = errors.New("too many body requests in flight")
)

// registerBodyHandler serves bodies from the body provider.
func (n *Node) registerBodyHandler() {
	n.host.SetStreamHandler(BodyProtocol, func(stream network.Stream) {
		defer stream.Close()
		remote := stream.Conn().RemotePeer()
		_ = stream.SetDeadline(time.Now().Add(bodyRequestTimeout))

		var req BodyRequest
		if err := json.NewDecoder(io.LimitReader(stream, maxBodyRequestSize)).Decode(&req); err != nil {
			return
		}
		n.mu.RLock()
		provide := n.bodyProvider
		n.mu.RUnlock()

		var resp BodyResponse
		if provide != nil {
			body, err := provide(req.Hash)
			if err == nil {
				resp.Body = body
			} else {
				log.P2P.Debug().Err(err).Str("peer", shortID(remote)).Str("hash", req.Hash.Short()).Msg("Body not served")
			}
		}
		json.NewEncoder(stream).Encode(&resp)
	})
}

// FetchBody asks id for the body of the block hash and waits for it.
func (n *Node) FetchBody(ctx context.Context, id peer.ID, hash types.Hash) (*block.Body, error) {
	if n.host == nil {
		return nil, ErrNotStarted
	}
	stream, err := n.host.NewStream(ctx, id, BodyProtocol)
	if err != nil {
		return nil, fmt.Errorf("open body stream: %w", err)
	}
	defer stream.Close()

	if err := json.NewEncoder(stream).Encode(&BodyRequest{Hash: hash}); err != nil {
		return nil, fmt.Errorf("send body request: %w", err)
	}
	stream.CloseWrite()

	deadline := time.Now().Add(bodyRequestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = stream.SetReadDeadline(deadline)

	var resp BodyResponse
	if err := json.NewDecoder(io.LimitReader(stream, int64(n.config.MaxMessageSize))).Decode(&resp); err != nil {
		return nil, fmt.Errorf("read body response: %w", err)
	}
	if resp.Body == nil {
		return nil, ErrBodyUnavailable
	}
	if hasNilTx(resp.Body.Transactions) {
		return nil, fmt.Errorf("peer sent a null transaction")
	}
	return resp.Body, nil
}

// RequestBody asks id for a body without waiting for it. The body, once
// received, goes to the body handler. It implements chain.PeerNetwork.
func (n *Node) RequestBody(ctx context.Context, id peer.ID, hash types.Hash) error {
	if n.host == nil {
		return ErrNotStarted
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !n.inflight.TryAcquire(1) {
		return ErrTooManyRequests
	}

	go func() {
		defer n.inflight.Release(1)
		fctx, cancel := context.WithTimeout(n.ctx, bodyRequestTimeout)
		defer cancel()

		body, err := n.FetchBody(fctx, id, hash)
		if err != nil {
			log.P2P.Debug().Err(err).Str("peer", shortID(id)).Str("hash", hash.Short()).Msg("Body request failed")
			return
		}
		n.mu.RLock()
		deliver := n.bodyHandler
		n.mu.RUnlock()
		if deliver != nil {
			deliver(id, hash, body)
		}
	}()
	return nil
}
