package ledger

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-node/pkg/types"
)

// CoinView overlays pending changes on a base view. Full validation uses it
// to stage the undo of a detached branch and the deltas of attached blocks
// without touching the ledger.
type CoinView struct {
	base    View
	entries map[types.Outpoint]*UTXO // nil marks spent
}

// NewCoinView creates an empty overlay over base.
func NewCoinView(base View) *CoinView {
	return &CoinView{base: base, entries: make(map[types.Outpoint]*UTXO)}
}

// Get returns the output as seen through the overlay.
func (v *CoinView) Get(op types.Outpoint) (*UTXO, error) {
	if u, ok := v.entries[op]; ok {
		if u == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, op)
		}
		cp := *u
		return &cp, nil
	}
	return v.base.Get(op)
}

// Has reports whether the output is spendable in the overlay.
func (v *CoinView) Has(op types.Outpoint) (bool, error) {
	_, err := v.Get(op)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Spend marks an output spent.
func (v *CoinView) Spend(op types.Outpoint) {
	v.entries[op] = nil
}

// Add makes an output spendable.
func (v *CoinView) Add(u UTXO) {
	v.entries[u.Outpoint] = &u
}

// Apply stages a delta.
func (v *CoinView) Apply(d *Delta) {
	for _, u := range d.Spent {
		v.Spend(u.Outpoint)
	}
	for _, u := range d.Created {
		v.Add(u)
	}
}

// Undo stages the inverse of a delta.
func (v *CoinView) Undo(d *Delta) {
	for _, u := range d.Created {
		v.Spend(u.Outpoint)
	}
	for _, u := range d.Spent {
		v.Add(u)
	}
}
