package ledger

import "github.com/Klingon-tech/klingnet-node/pkg/types"

// Delta is the state change produced by connecting one block. Spent carries
// the full entries so the delta can be undone without other data. Outputs
// created and spent inside the same block appear in neither list.
type Delta struct {
	Block   types.Hash `json:"block"`
	Height  uint64     `json:"height"`
	PrevTip types.Hash `json:"prev_tip"`
	NewTip  types.Hash `json:"new_tip"`
	Spent   []UTXO     `json:"spent"`
	Created []UTXO     `json:"created"`
	Fees    uint64     `json:"fees"`
}

// Writer mutates a ledger inside an atomic section.
type Writer interface {
	TipHash() types.Hash
	ApplyDelta(d *Delta) error
	UndoDelta(d *Delta) error
}
