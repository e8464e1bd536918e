// Package ledger holds the spendable output set and applies the per-block
// deltas produced by full validation.
package ledger

import (
	"errors"

	"github.com/Klingon-tech/klingnet-node/pkg/types"
)

// Ledger errors.
var (
	ErrNotFound    = errors.New("utxo not found")
	ErrTipMismatch = errors.New("delta does not extend ledger tip")
	ErrMissingUTXO = errors.New("delta spends missing utxo")
	ErrUTXOExists  = errors.New("delta creates existing utxo")
)

// UTXO is an unspent transaction output.
type UTXO struct {
	Outpoint types.Outpoint `json:"outpoint"`
	Value    uint64         `json:"value"`
	Script   types.Script   `json:"script"`
	Height   uint64         `json:"height"`
	Coinbase bool           `json:"coinbase"`
}

// View is read access to a ledger state.
type View interface {
	// Get returns the output or ErrNotFound.
	Get(op types.Outpoint) (*UTXO, error)
	Has(op types.Outpoint) (bool, error)
}
