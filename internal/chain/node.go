// Package chain tracks every known header, selects the best fully valid
// chain and moves the ledger between tips.
package chain

import (
	"math/big"

	"github.com/Klingon-tech/klingnet-node/internal/consensus"
	"github.com/Klingon-tech/klingnet-node/pkg/block"
	"github.com/Klingon-tech/klingnet-node/pkg/types"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Status is the validation progress of a header node. It only moves
// forward, and StatusInvalid is terminal.
type Status int

const (
	StatusHeaderOnly Status = iota
	StatusPartiallyValidated
	StatusFullyValidated
	StatusInvalid
)

func (s Status) String() string {
	switch s {
	case StatusHeaderOnly:
		return "header-only"
	case StatusPartiallyValidated:
		return "partially-validated"
	case StatusFullyValidated:
		return "fully-validated"
	case StatusInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// HeaderNode is one entry of the header tree. Nodes returned by the Index
// are copies; changing them has no effect on the index.
type HeaderNode struct {
	Hash       types.Hash
	ParentHash types.Hash
	Height     uint64
	Header     *block.Header
	Work       *big.Int // cumulative, including this header

	Status          Status
	InvalidReason   consensus.Reason
	InvalidAncestor bool

	HasBody  bool
	Peer     peer.ID // header supplier, empty for local blocks
	BodyPeer peer.ID // body supplier
	Seq      uint64  // first-seen order

	headerChecked bool
}

// IsInvalid reports whether the node or one of its ancestors broke a rule.
func (n *HeaderNode) IsInvalid() bool {
	return n.Status == StatusInvalid
}

// blame returns the peer that supplied the data a stage checks: the header
// for header rules, the body for everything after.
func (n *HeaderNode) blame(stage consensus.Stage) peer.ID {
	if stage == consensus.StageHeader || n.BodyPeer == "" {
		return n.Peer
	}
	return n.BodyPeer
}

func (n *HeaderNode) clone() HeaderNode {
	c := *n
	if n.Header != nil {
		h := *n.Header
		c.Header = &h
	}
	if n.Work != nil {
		c.Work = new(big.Int).Set(n.Work)
	}
	return c
}
