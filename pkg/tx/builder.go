package tx

import (
	"encoding/binary"
	"fmt"

	"github.com/Klingon-tech/klingnet-node/pkg/crypto"
	"github.com/Klingon-tech/klingnet-node/pkg/types"
)

// Builder constructs transactions incrementally.
type Builder struct {
	tx *Transaction
}

// NewBuilder creates a new transaction builder.
func NewBuilder() *Builder {
	return &Builder{tx: &Transaction{Version: 1}}
}

// AddInput adds an input referencing a previous output.
func (b *Builder) AddInput(prevOut types.Outpoint) *Builder {
	b.tx.Inputs = append(b.tx.Inputs, Input{PrevOut: prevOut})
	return b
}

// AddOutput adds an output with a value and script.
func (b *Builder) AddOutput(value uint64, script types.Script) *Builder {
	b.tx.Outputs = append(b.tx.Outputs, Output{Value: value, Script: script})
	return b
}

// Sign signs every input with key (single-key spending).
func (b *Builder) Sign(key *crypto.PrivateKey) error {
	id := b.tx.Hash()
	sig, err := key.Sign(id[:])
	if err != nil {
		return fmt.Errorf("sign tx: %w", err)
	}
	pub := key.PublicKey()
	for i := range b.tx.Inputs {
		b.tx.Inputs[i].Signature = sig
		b.tx.Inputs[i].PubKey = pub
	}
	return nil
}

// Build returns the constructed transaction.
func (b *Builder) Build() *Transaction {
	return b.tx
}

// NewCoinbase returns the coinbase paying value to script at height.
func NewCoinbase(height, value uint64, script types.Script) *Transaction {
	return &Transaction{
		Version: 1,
		Inputs: []Input{{
			Signature: binary.LittleEndian.AppendUint64(nil, height),
		}},
		Outputs: []Output{{Value: value, Script: script}},
	}
}
