package chain

import (
	"context"

	"github.com/Klingon-tech/klingnet-node/internal/consensus"
	"github.com/Klingon-tech/klingnet-node/internal/ledger"
	"github.com/Klingon-tech/klingnet-node/pkg/block"
	"github.com/Klingon-tech/klingnet-node/pkg/types"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Ledger is the spendable output set the chain moves between tips.
type Ledger interface {
	TipHash() types.Hash
	FetchSnapshot(ctx context.Context) (ledger.Snapshot, error)
	// Atomically runs fn as one unit: observers see the state before or
	// after, never in between, and a failing fn changes nothing.
	Atomically(fn func(ledger.Writer) error) error
}

// BodyStore holds block bodies by block hash.
type BodyStore interface {
	// FetchBody returns ErrNotFound when the body is absent.
	FetchBody(hash types.Hash) (*block.Body, error)
	StoreBody(hash types.Hash, body *block.Body) error
}

// PeerNetwork asks peers for data the chain is missing.
type PeerNetwork interface {
	RequestBody(ctx context.Context, id peer.ID, hash types.Hash) error
}

// Penalizer punishes peers that sent invalid data.
type Penalizer interface {
	Punish(id peer.ID, err *consensus.Error)
	RecordOffense(id peer.ID, points int, reason string) bool
}

type ledgerResetter interface {
	Reset() error
}
