package consensus

import (
	"math"

	"github.com/Klingon-tech/klingnet-node/pkg/crypto"
	"github.com/Klingon-tech/klingnet-node/pkg/types"
)

// InputBudgetRule caps the total number of inputs a block may spend.
type InputBudgetRule struct{}

func (InputBudgetRule) Name() string { return "input-budget" }

func (InputBudgetRule) CheckLedger(ctx *LedgerContext) error {
	total := 0
	for _, ins := range ctx.Prevouts {
		total += len(ins)
	}
	if total > ctx.Params.MaxBlockInputs {
		return Fail(StageFull, ReasonTooManyInputs, "%d inputs, max %d", total, ctx.Params.MaxBlockInputs)
	}
	return nil
}

// ScriptRule requires each input to satisfy the script it spends.
type ScriptRule struct{}

func (ScriptRule) Name() string { return "script" }

func (ScriptRule) CheckLedger(ctx *LedgerContext) error {
	for i, t := range ctx.Body.Transactions {
		for j, prev := range ctx.Prevouts[i] {
			switch prev.Script.Type {
			case types.ScriptTypeP2PKH:
				if len(prev.Script.Data) != types.AddressSize {
					return Fail(StageFull, ReasonBadScript, "tx %d input %d: malformed p2pkh script", i, j)
				}
				var want types.Address
				copy(want[:], prev.Script.Data)
				if crypto.AddressFromPubKey(t.Inputs[j].PubKey) != want {
					return Fail(StageFull, ReasonBadScript, "tx %d input %d: pubkey does not match %s", i, j, want)
				}
			default:
				return Fail(StageFull, ReasonBadScript, "tx %d input %d: %s output cannot be spent", i, j, prev.Script.Type)
			}
		}
	}
	return nil
}

// MaturityRule forbids spending young coinbase outputs.
type MaturityRule struct{}

func (MaturityRule) Name() string { return "coinbase-maturity" }

func (MaturityRule) CheckLedger(ctx *LedgerContext) error {
	height := ctx.Header.Height
	for i, ins := range ctx.Prevouts {
		for j, prev := range ins {
			if prev.Coinbase && prev.Height+ctx.Params.CoinbaseMaturity > height {
				return Fail(StageFull, ReasonImmatureCoinbase, "tx %d input %d: coinbase from %d spent at %d", i, j, prev.Height, height)
			}
		}
	}
	return nil
}

// SignatureRule verifies every input signature.
type SignatureRule struct{}

func (SignatureRule) Name() string { return "signature" }

func (SignatureRule) CheckLedger(ctx *LedgerContext) error {
	for i, t := range ctx.Body.Transactions {
		if t.IsCoinbase() {
			continue
		}
		id := t.Hash()
		for j, in := range t.Inputs {
			if !crypto.VerifySignature(id[:], in.Signature, in.PubKey) {
				return Fail(StageFull, ReasonBadSignature, "tx %d input %d", i, j)
			}
		}
	}
	return nil
}

// ValueRule requires inputs to cover outputs and records the block fees.
type ValueRule struct{}

func (ValueRule) Name() string { return "value" }

func (ValueRule) CheckLedger(ctx *LedgerContext) error {
	var fees uint64
	for i, t := range ctx.Body.Transactions {
		if t.IsCoinbase() {
			continue
		}
		var in uint64
		for _, prev := range ctx.Prevouts[i] {
			if in > math.MaxUint64-prev.Value {
				return Fail(StageFull, ReasonInputsBelowOut, "tx %d: input value overflow", i)
			}
			in += prev.Value
		}
		out, err := t.TotalOutputValue()
		if err != nil {
			return Fail(StageFull, ReasonBadTxns, "tx %d: %v", i, err)
		}
		if in < out {
			return Fail(StageFull, ReasonInputsBelowOut, "tx %d: inputs %d < outputs %d", i, in, out)
		}
		if fees > math.MaxUint64-(in-out) {
			return Fail(StageFull, ReasonBadTxns, "fee overflow")
		}
		fees += in - out
	}
	ctx.Fees = fees
	return nil
}

// CoinbaseValueRule caps the coinbase at subsidy plus fees.
type CoinbaseValueRule struct{}

func (CoinbaseValueRule) Name() string { return "coinbase-value" }

func (CoinbaseValueRule) CheckLedger(ctx *LedgerContext) error {
	out, err := ctx.Body.Transactions[0].TotalOutputValue()
	if err != nil {
		return Fail(StageFull, ReasonBadCoinbaseValue, "%v", err)
	}
	limit := ctx.Params.BlockReward
	if limit > math.MaxUint64-ctx.Fees {
		limit = math.MaxUint64
	} else {
		limit += ctx.Fees
	}
	if out > limit {
		return Fail(StageFull, ReasonBadCoinbaseValue, "coinbase pays %d, limit %d", out, limit)
	}
	return nil
}
