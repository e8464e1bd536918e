package tx

import (
	"errors"
	"testing"

	"github.com/Klingon-tech/klingnet-node/pkg/crypto"
	"github.com/Klingon-tech/klingnet-node/pkg/types"
)

func signedSpend(t *testing.T, prev types.Outpoint, value uint64) (*Transaction, *crypto.PrivateKey) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	b := NewBuilder().
		AddInput(prev).
		AddOutput(value, types.P2PKHScript(crypto.AddressFromPubKey(key.PublicKey())))
	if err := b.Sign(key); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return b.Build(), key
}

func TestHash_ExcludesSignatures(t *testing.T) {
	spend, _ := signedSpend(t, types.Outpoint{TxID: types.Hash{0x01}}, 10)
	before := spend.Hash()
	spend.Inputs[0].Signature = []byte{0xff}
	if spend.Hash() != before {
		t.Fatal("signature changed the transaction id")
	}
}

func TestCoinbase_UniquePerHeight(t *testing.T) {
	script := types.P2PKHScript(types.Address{0x01})
	a := NewCoinbase(1, 50, script)
	b := NewCoinbase(2, 50, script)
	if !a.IsCoinbase() {
		t.Fatal("NewCoinbase should build a coinbase")
	}
	if a.Hash() == b.Hash() {
		t.Fatal("coinbases at different heights share an id")
	}
}

func TestValidate(t *testing.T) {
	good, _ := signedSpend(t, types.Outpoint{TxID: types.Hash{0x01}}, 10)
	if err := good.Validate(); err != nil {
		t.Fatalf("valid tx rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Transaction)
		want   error
	}{
		{"no inputs", func(t *Transaction) { t.Inputs = nil }, ErrNoInputs},
		{"no outputs", func(t *Transaction) { t.Outputs = nil }, ErrNoOutputs},
		{"duplicate input", func(t *Transaction) { t.Inputs = append(t.Inputs, t.Inputs[0]) }, ErrDuplicateInput},
		{"missing pubkey", func(t *Transaction) { t.Inputs[0].PubKey = nil }, ErrMissingPubKey},
		{"missing sig", func(t *Transaction) { t.Inputs[0].Signature = nil }, ErrMissingSig},
		{"zero output", func(t *Transaction) { t.Outputs[0].Value = 0 }, ErrZeroOutput},
		{"unknown script", func(t *Transaction) { t.Outputs[0].Script.Type = 0x7f }, ErrUnknownScript},
		{"null input", func(t *Transaction) {
			t.Inputs = append(t.Inputs, Input{Signature: []byte{1}, PubKey: []byte{1}})
		}, ErrNullInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx, _ := signedSpend(t, types.Outpoint{TxID: types.Hash{0x02}}, 5)
			tt.mutate(tx)
			if err := tx.Validate(); !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestTotalOutputValue_Overflow(t *testing.T) {
	tx := &Transaction{Outputs: []Output{{Value: ^uint64(0)}, {Value: 1}}}
	if _, err := tx.TotalOutputValue(); !errors.Is(err, ErrValueOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
}
