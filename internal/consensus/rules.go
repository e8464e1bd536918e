// Package consensus defines the pluggable block validity rules and the
// proof-of-work arithmetic they share.
//
// Rules come in three tiers, run in increasing cost order:
//   - HeaderRule: needs only the header and its ancestors
//   - BlockRule: needs the body, never the ledger
//   - LedgerRule: needs the ledger state at the parent
package consensus

import (
	"time"

	"github.com/Klingon-tech/klingnet-node/config"
	"github.com/Klingon-tech/klingnet-node/internal/ledger"
	"github.com/Klingon-tech/klingnet-node/pkg/block"
	"github.com/Klingon-tech/klingnet-node/pkg/types"
)

// HeaderContext is everything a header rule may look at.
type HeaderContext struct {
	Header *block.Header
	Hash   types.Hash
	Parent *block.Header
	Params *config.Params
	Now    time.Time
	// Ancestor returns the header at height on this header's branch.
	Ancestor func(height uint64) (*block.Header, error)
}

// BlockContext is everything a partial (body) rule may look at.
type BlockContext struct {
	Header *block.Header
	Hash   types.Hash
	Body   *block.Body
	Params *config.Params
}

// LedgerContext is everything a full-validation rule may look at.
// Prevouts[i][j] is the output spent by input j of transaction i. The
// coinbase has no entry.
type LedgerContext struct {
	Header   *block.Header
	Hash     types.Hash
	Body     *block.Body
	Params   *config.Params
	Prevouts [][]ledger.UTXO
	// Fees is filled in by ValueRule and read by CoinbaseValueRule.
	Fees uint64
}

// HeaderRule validates a header against its ancestry.
type HeaderRule interface {
	Name() string
	CheckHeader(ctx *HeaderContext) error
}

// BlockRule validates a body against its header.
type BlockRule interface {
	Name() string
	CheckBlock(ctx *BlockContext) error
}

// LedgerRule validates a block against the ledger state at its parent.
type LedgerRule interface {
	Name() string
	CheckLedger(ctx *LedgerContext) error
}

// RuleSet is the ordered rule list for a network. Rules run in order and
// the first failure wins.
type RuleSet struct {
	Header []HeaderRule
	Block  []BlockRule
	Ledger []LedgerRule
}

// DefaultRules returns the built-in rule set.
func DefaultRules() *RuleSet {
	return &RuleSet{
		Header: []HeaderRule{
			VersionRule{},
			HeightRule{},
			TimestampRule{},
			DifficultyRule{},
			ProofOfWorkRule{},
		},
		Block: []BlockRule{
			MerkleRule{},
			SizeRule{},
			CoinbaseRule{},
			TxSanityRule{},
			TxOrderRule{},
			DuplicateInputRule{},
		},
		Ledger: []LedgerRule{
			InputBudgetRule{},
			ScriptRule{},
			MaturityRule{},
			SignatureRule{},
			ValueRule{},
			CoinbaseValueRule{},
		},
	}
}

// CheckHeader runs every header rule.
func (rs *RuleSet) CheckHeader(ctx *HeaderContext) error {
	for _, r := range rs.Header {
		if err := r.CheckHeader(ctx); err != nil {
			return asStageError(StageHeader, r.Name(), err)
		}
	}
	return nil
}

// CheckBlock runs every block rule.
func (rs *RuleSet) CheckBlock(ctx *BlockContext) error {
	for _, r := range rs.Block {
		if err := r.CheckBlock(ctx); err != nil {
			return asStageError(StagePartial, r.Name(), err)
		}
	}
	return nil
}

// CheckLedger runs every ledger rule.
func (rs *RuleSet) CheckLedger(ctx *LedgerContext) error {
	for _, r := range rs.Ledger {
		if err := r.CheckLedger(ctx); err != nil {
			return asStageError(StageFull, r.Name(), err)
		}
	}
	return nil
}
