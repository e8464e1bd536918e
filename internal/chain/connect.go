package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-node/config"
	"github.com/Klingon-tech/klingnet-node/internal/consensus"
	"github.com/Klingon-tech/klingnet-node/internal/ledger"
	"github.com/Klingon-tech/klingnet-node/internal/log"
	"github.com/Klingon-tech/klingnet-node/pkg/block"
	"github.com/Klingon-tech/klingnet-node/pkg/types"
)

// Connector performs full validation: the ledger rules against the state
// at the block's parent. It produces deltas but never applies them.
type Connector struct {
	judge
	rules  *consensus.RuleSet
	params *config.Params
	bodies *fetcher
}

func newConnector(index *Index, rules *consensus.RuleSet, params *config.Params, bodies *fetcher, bans Penalizer) *Connector {
	return &Connector{
		judge:  judge{index: index, bans: bans},
		rules:  rules,
		params: params,
		bodies: bodies,
	}
}

// Connect validates node against view, which must reflect the ledger with
// node's parent as tip, and returns the delta connecting node. A rule
// violation marks node and its descendants invalid.
func (c *Connector) Connect(ctx context.Context, node HeaderNode, view ledger.View) (*ledger.Delta, error) {
	if node.IsInvalid() {
		return nil, fmt.Errorf("%w: %s (%s)", ErrInvalidBlock, node.Hash.Short(), node.InvalidReason)
	}
	if node.Status < StatusPartiallyValidated {
		return nil, fmt.Errorf("connect %s: block is %s", node.Hash.Short(), node.Status)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	body, err := c.bodies.body(ctx, node.Hash)
	if err != nil {
		return nil, fmt.Errorf("load body %s: %w", node.Hash.Short(), err)
	}

	d, prevouts, err := buildDelta(node.Hash, node.ParentHash, node.Height, body, view)
	if err != nil {
		return nil, c.reject(node, err)
	}
	lctx := &consensus.LedgerContext{
		Header:   node.Header,
		Hash:     node.Hash,
		Body:     body,
		Params:   c.params,
		Prevouts: prevouts,
	}
	if err := c.rules.CheckLedger(lctx); err != nil {
		return nil, c.reject(node, err)
	}
	d.Fees = lctx.Fees

	if err := c.index.SetStatus(node.Hash, StatusFullyValidated); err != nil {
		return nil, err
	}
	log.Chain.Trace().
		Str("hash", node.Hash.Short()).
		Uint64("height", node.Height).
		Int("spent", len(d.Spent)).
		Int("created", len(d.Created)).
		Msg("Block fully validated")
	return d, nil
}

// buildDelta resolves every input of body and computes the ledger change.
// All outputs of the block exist before any input is resolved, so a
// transaction may spend an output of any other transaction in the block.
// Outputs created and spent in the same block appear in neither list and
// burn outputs are never added.
func buildDelta(hash, parent types.Hash, height uint64, body *block.Body, view ledger.View) (*ledger.Delta, [][]ledger.UTXO, error) {
	txs := body.Transactions

	created := make(map[types.Outpoint]ledger.UTXO)
	var order []types.Outpoint
	for i, t := range txs {
		id := t.Hash()
		for j, out := range t.Outputs {
			if out.Script.Type == types.ScriptTypeBurn {
				continue
			}
			op := types.Outpoint{TxID: id, Index: uint32(j)}
			if _, dup := created[op]; dup {
				return nil, nil, consensus.Fail(consensus.StageFull, consensus.ReasonBadTxns, "tx %d: duplicate output %s", i, op)
			}
			exists, err := view.Has(op)
			if err != nil {
				return nil, nil, fmt.Errorf("read utxo %s: %w", op, err)
			}
			if exists {
				return nil, nil, consensus.Fail(consensus.StageFull, consensus.ReasonBadTxns, "tx %d: output %s already unspent", i, op)
			}
			created[op] = ledger.UTXO{
				Outpoint: op,
				Value:    out.Value,
				Script:   out.Script,
				Height:   height,
				Coinbase: t.IsCoinbase(),
			}
			order = append(order, op)
		}
	}

	prevouts := make([][]ledger.UTXO, len(txs))
	spentLocal := make(map[types.Outpoint]struct{})
	var spent []ledger.UTXO
	for i, t := range txs {
		if t.IsCoinbase() {
			continue
		}
		ins := make([]ledger.UTXO, len(t.Inputs))
		for j, in := range t.Inputs {
			op := in.PrevOut
			if u, ok := created[op]; ok {
				if _, twice := spentLocal[op]; twice {
					return nil, nil, consensus.Fail(consensus.StageFull, consensus.ReasonMissingInputs, "tx %d input %d: %s already spent", i, j, op)
				}
				spentLocal[op] = struct{}{}
				ins[j] = u
				continue
			}
			u, err := view.Get(op)
			if errors.Is(err, ledger.ErrNotFound) {
				return nil, nil, consensus.Fail(consensus.StageFull, consensus.ReasonMissingInputs, "tx %d input %d: %s", i, j, op)
			}
			if err != nil {
				return nil, nil, fmt.Errorf("read utxo %s: %w", op, err)
			}
			ins[j] = *u
			spent = append(spent, *u)
		}
		prevouts[i] = ins
	}

	d := &ledger.Delta{
		Block:   hash,
		Height:  height,
		PrevTip: parent,
		NewTip:  hash,
		Spent:   spent,
	}
	for _, op := range order {
		if _, gone := spentLocal[op]; !gone {
			d.Created = append(d.Created, created[op])
		}
	}
	return d, prevouts, nil
}

// genesisDelta creates the outputs of the genesis block.
func genesisDelta(genesis *block.Block) (*ledger.Delta, error) {
	d, _, err := buildDelta(genesis.Hash(), types.Hash{}, 0, genesis.Body(), emptyView{})
	return d, err
}

type emptyView struct{}

func (emptyView) Get(op types.Outpoint) (*ledger.UTXO, error) {
	return nil, fmt.Errorf("%w: %s", ledger.ErrNotFound, op)
}

func (emptyView) Has(types.Outpoint) (bool, error) { return false, nil }
