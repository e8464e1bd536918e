// Package block defines headers, bodies and the merkle commitment that binds
// them together.
package block

import (
	"github.com/Klingon-tech/klingnet-node/pkg/tx"
	"github.com/Klingon-tech/klingnet-node/pkg/types"
)

// Block versions.
const (
	CurrentVersion = 1
	MaxVersion     = 1
)

// Body holds the transactions of a block. Bodies travel separately from
// headers and are bound to one by the merkle root.
type Body struct {
	Transactions []*tx.Transaction `json:"transactions"`
}

// TxHashes returns the transaction IDs in body order.
func (b *Body) TxHashes() []types.Hash {
	hashes := make([]types.Hash, len(b.Transactions))
	for i, t := range b.Transactions {
		hashes[i] = t.Hash()
	}
	return hashes
}

// MerkleRoot computes the commitment a header must carry for this body.
func (b *Body) MerkleRoot() types.Hash {
	return ComputeMerkleRoot(b.TxHashes())
}

// Size returns the summed serialized size of all transactions.
func (b *Body) Size() int {
	n := 0
	for _, t := range b.Transactions {
		n += t.Size()
	}
	return n
}

// Block is a header with its body.
type Block struct {
	Header       *Header           `json:"header"`
	Transactions []*tx.Transaction `json:"transactions"`
}

// NewBlock creates a new block with the given header and transactions.
func NewBlock(header *Header, txs []*tx.Transaction) *Block {
	return &Block{Header: header, Transactions: txs}
}

// Body returns the block's transactions as a detachable body.
func (b *Block) Body() *Body {
	return &Body{Transactions: b.Transactions}
}

// Hash returns the block header hash.
func (b *Block) Hash() types.Hash {
	if b.Header == nil {
		return types.Hash{}
	}
	return b.Header.Hash()
}
