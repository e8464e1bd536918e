package block

import (
	"testing"

	"github.com/Klingon-tech/klingnet-node/pkg/crypto"
	"github.com/Klingon-tech/klingnet-node/pkg/tx"
	"github.com/Klingon-tech/klingnet-node/pkg/types"
)

func TestComputeMerkleRoot(t *testing.T) {
	if !ComputeMerkleRoot(nil).IsZero() {
		t.Error("empty list should give zero root")
	}

	a := crypto.Hash([]byte("a"))
	b := crypto.Hash([]byte("b"))
	c := crypto.Hash([]byte("c"))
	if ComputeMerkleRoot([]types.Hash{a}) != a {
		t.Error("single hash should be its own root")
	}

	ab := crypto.HashConcat(a, b)
	cc := crypto.HashConcat(c, c)
	want := crypto.HashConcat(ab, cc)
	in := []types.Hash{a, b, c}
	if got := ComputeMerkleRoot(in); got != want {
		t.Errorf("odd root = %s, want %s", got.Short(), want.Short())
	}
	if len(in) != 3 || in[2] != c {
		t.Error("ComputeMerkleRoot mutated its input")
	}
}

func TestHeader_HashCoversAllFields(t *testing.T) {
	base := Header{Version: 1, Timestamp: 100, Height: 3, Difficulty: 5, Nonce: 9}
	h0 := base.Hash()

	mutations := []func(*Header){
		func(h *Header) { h.Version++ },
		func(h *Header) { h.PrevHash[0] = 1 },
		func(h *Header) { h.MerkleRoot[0] = 1 },
		func(h *Header) { h.Timestamp++ },
		func(h *Header) { h.Height++ },
		func(h *Header) { h.Difficulty++ },
		func(h *Header) { h.Nonce++ },
	}
	for i, m := range mutations {
		h := base
		m(&h)
		if h.Hash() == h0 {
			t.Errorf("mutation %d did not change the hash", i)
		}
	}
	if len(base.Bytes()) != HeaderSize {
		t.Errorf("Bytes() length = %d, want %d", len(base.Bytes()), HeaderSize)
	}
}

func TestHeader_Work(t *testing.T) {
	h := Header{Difficulty: 42}
	if h.Work().Int64() != 42 {
		t.Errorf("Work() = %s, want 42", h.Work())
	}
}

func TestBody_MerkleRootMatchesBlock(t *testing.T) {
	cb := tx.NewCoinbase(1, 50, types.P2PKHScript(types.Address{0x01}))
	blk := NewBlock(&Header{Height: 1}, []*tx.Transaction{cb})
	if blk.Body().MerkleRoot() != cb.Hash() {
		t.Error("single-tx body root should equal the tx id")
	}
	if blk.Body().Size() != cb.Size() {
		t.Error("body size mismatch")
	}
}
