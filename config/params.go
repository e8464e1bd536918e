package config

import (
	"sort"
	"time"

	"github.com/Klingon-tech/klingnet-node/pkg/block"
	"github.com/Klingon-tech/klingnet-node/pkg/tx"
	"github.com/Klingon-tech/klingnet-node/pkg/types"
)

// Denomination constants. 1 coin = 10^12 base units.
const (
	Coin      = 1_000_000_000_000
	MilliCoin = 1_000_000_000
)

// TieBreak selects how two chains of equal cumulative work are ordered.
type TieBreak string

const (
	TieBreakFirstSeen  TieBreak = "first-seen"
	TieBreakLowestHash TieBreak = "lowest-hash"
)

// Params are the consensus-critical rules of a network. All nodes on a
// network MUST agree on every field.
type Params struct {
	Name NetworkType

	// Genesis block.
	GenesisTimestamp uint64
	GenesisAlloc     map[types.Address]uint64

	// Proof of work.
	InitialDifficulty uint64
	MinDifficulty     uint64
	AdjustInterval    uint64 // blocks between retargets, 0 disables retargeting
	TargetBlockTime   uint64 // seconds
	MaxFutureDrift    time.Duration

	// Economics.
	BlockReward      uint64
	CoinbaseMaturity uint64

	// Block limits.
	MaxBlockTxs    int
	MaxBlockSize   int
	MaxBlockInputs int

	// Chain selection.
	MaxReorgDepth uint64
	TieBreak      TieBreak
}

// MainnetParams returns the mainnet parameters.
func MainnetParams() *Params {
	return &Params{
		Name:              Mainnet,
		GenesisTimestamp:  1770734103,
		GenesisAlloc:      map[types.Address]uint64{{0x4b, 0x47, 0x58}: 100_000 * Coin},
		InitialDifficulty: 1 << 20,
		MinDifficulty:     1 << 16,
		AdjustInterval:    60,
		TargetBlockTime:   30,
		MaxFutureDrift:    2 * time.Minute,
		BlockReward:       2 * Coin,
		CoinbaseMaturity:  20,
		MaxBlockTxs:       500,
		MaxBlockSize:      2_000_000,
		MaxBlockInputs:    10_000,
		MaxReorgDepth:     1000,
		TieBreak:          TieBreakFirstSeen,
	}
}

// TestnetParams returns the testnet parameters.
func TestnetParams() *Params {
	p := MainnetParams()
	p.Name = Testnet
	p.GenesisTimestamp = 1770734200
	p.InitialDifficulty = 1 << 12
	p.MinDifficulty = 1 << 8
	return p
}

// RegtestParams returns trivially minable parameters for local testing.
// Difficulty 1 makes every hash valid and retargeting is off.
func RegtestParams() *Params {
	p := MainnetParams()
	p.Name = Regtest
	p.GenesisTimestamp = 1700000000
	p.InitialDifficulty = 1
	p.MinDifficulty = 1
	p.AdjustInterval = 0
	p.CoinbaseMaturity = 2
	p.MaxReorgDepth = 100
	return p
}

// ParamsFor returns the parameters for network.
func ParamsFor(network NetworkType) *Params {
	switch network {
	case Testnet:
		return TestnetParams()
	case Regtest:
		return RegtestParams()
	default:
		return MainnetParams()
	}
}

// GenesisBlock builds the genesis block. Its coinbase pays the genesis
// allocations in address order so every node derives the same hash.
func (p *Params) GenesisBlock() *block.Block {
	addrs := make([]types.Address, 0, len(p.GenesisAlloc))
	for a := range p.GenesisAlloc {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return string(addrs[i][:]) < string(addrs[j][:]) })

	cb := &tx.Transaction{
		Version: 1,
		Inputs:  []tx.Input{{Signature: []byte(string(p.Name))}},
	}
	for _, a := range addrs {
		cb.Outputs = append(cb.Outputs, tx.Output{Value: p.GenesisAlloc[a], Script: types.P2PKHScript(a)})
	}
	if len(cb.Outputs) == 0 {
		cb.Outputs = []tx.Output{{Script: types.Script{Type: types.ScriptTypeBurn}}}
	}

	txs := []*tx.Transaction{cb}
	header := &block.Header{
		Version:    block.CurrentVersion,
		MerkleRoot: block.ComputeMerkleRoot([]types.Hash{cb.Hash()}),
		Timestamp:  p.GenesisTimestamp,
		Difficulty: p.InitialDifficulty,
	}
	return block.NewBlock(header, txs)
}

// GenesisHash returns the well-known genesis hash.
func (p *Params) GenesisHash() types.Hash {
	return p.GenesisBlock().Hash()
}
