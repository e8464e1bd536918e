package consensus

import (
	"encoding/binary"

	"github.com/Klingon-tech/klingnet-node/pkg/block"
	"github.com/Klingon-tech/klingnet-node/pkg/types"
)

// MerkleRule binds the body to the header commitment.
type MerkleRule struct{}

func (MerkleRule) Name() string { return "merkle" }

func (MerkleRule) CheckBlock(ctx *BlockContext) error {
	if root := ctx.Body.MerkleRoot(); root != ctx.Header.MerkleRoot {
		return Fail(StagePartial, ReasonBadMerkleRoot, "header %s, body %s", ctx.Header.MerkleRoot.Short(), root.Short())
	}
	return nil
}

// SizeRule enforces transaction count and byte limits.
type SizeRule struct{}

func (SizeRule) Name() string { return "size" }

func (SizeRule) CheckBlock(ctx *BlockContext) error {
	n := len(ctx.Body.Transactions)
	if n == 0 || n > ctx.Params.MaxBlockTxs {
		return Fail(StagePartial, ReasonBadBlockLength, "%d transactions, want 1..%d", n, ctx.Params.MaxBlockTxs)
	}
	if size := block.HeaderSize + ctx.Body.Size(); size > ctx.Params.MaxBlockSize {
		return Fail(StagePartial, ReasonBadBlockSize, "%d bytes, max %d", size, ctx.Params.MaxBlockSize)
	}
	return nil
}

// CoinbaseRule requires exactly one coinbase, first, committing to the
// block height so coinbase IDs never repeat.
type CoinbaseRule struct{}

func (CoinbaseRule) Name() string { return "coinbase" }

func (CoinbaseRule) CheckBlock(ctx *BlockContext) error {
	txs := ctx.Body.Transactions
	if !txs[0].IsCoinbase() {
		return Fail(StagePartial, ReasonBadCoinbase, "first transaction is not a coinbase")
	}
	data := txs[0].Inputs[0].Signature
	if len(data) < 8 || binary.LittleEndian.Uint64(data[:8]) != ctx.Header.Height {
		return Fail(StagePartial, ReasonBadCoinbase, "coinbase does not commit to height %d", ctx.Header.Height)
	}
	for i, t := range txs[1:] {
		for _, in := range t.Inputs {
			if in.PrevOut.IsZero() {
				return Fail(StagePartial, ReasonBadCoinbase, "tx %d: second coinbase", i+1)
			}
		}
	}
	return nil
}

// TxSanityRule runs the context-free transaction checks.
type TxSanityRule struct{}

func (TxSanityRule) Name() string { return "tx-sanity" }

func (TxSanityRule) CheckBlock(ctx *BlockContext) error {
	for i, t := range ctx.Body.Transactions {
		if err := t.Validate(); err != nil {
			return Fail(StagePartial, ReasonBadTxns, "tx %d: %v", i, err)
		}
	}
	return nil
}

// TxOrderRule requires non-coinbase transactions sorted by ID.
type TxOrderRule struct{}

func (TxOrderRule) Name() string { return "tx-order" }

func (TxOrderRule) CheckBlock(ctx *BlockContext) error {
	txs := ctx.Body.Transactions
	for i := 2; i < len(txs); i++ {
		if txs[i-1].Hash().Compare(txs[i].Hash()) >= 0 {
			return Fail(StagePartial, ReasonBadTxOrder, "tx %d not after tx %d", i, i-1)
		}
	}
	return nil
}

// DuplicateInputRule rejects an outpoint spent twice within the block.
type DuplicateInputRule struct{}

func (DuplicateInputRule) Name() string { return "duplicate-input" }

func (DuplicateInputRule) CheckBlock(ctx *BlockContext) error {
	seen := make(map[types.Outpoint]int)
	for i, t := range ctx.Body.Transactions {
		if t.IsCoinbase() {
			continue
		}
		for _, in := range t.Inputs {
			if prev, dup := seen[in.PrevOut]; dup {
				return Fail(StagePartial, ReasonDuplicateInput, "tx %d: %s also spent by tx %d", i, in.PrevOut, prev)
			}
			seen[in.PrevOut] = i
		}
	}
	return nil
}
