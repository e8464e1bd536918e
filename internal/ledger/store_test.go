package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/Klingon-tech/klingnet-node/internal/storage"
	"github.com/Klingon-tech/klingnet-node/pkg/types"
)

func testUTXO(id byte, index uint32, value uint64) UTXO {
	return UTXO{
		Outpoint: types.Outpoint{TxID: types.Hash{id}, Index: index},
		Value:    value,
		Script:   types.P2PKHScript(types.Address{id}),
		Height:   1,
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(storage.NewMemory())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func applyOne(t *testing.T, s *Store, d *Delta) {
	t.Helper()
	if err := s.Atomically(func(w Writer) error { return w.ApplyDelta(d) }); err != nil {
		t.Fatalf("apply %s: %v", d.NewTip.Short(), err)
	}
}

func TestStore_ApplyUndo(t *testing.T) {
	s := newTestStore(t)
	genesis := &Delta{Block: types.Hash{0xa0}, NewTip: types.Hash{0xa0}, Created: []UTXO{testUTXO(1, 0, 50)}}
	applyOne(t, s, genesis)

	before, err := Commitment(s)
	if err != nil {
		t.Fatalf("commitment: %v", err)
	}

	spend := &Delta{
		Block: types.Hash{0xa1}, Height: 1,
		PrevTip: genesis.NewTip, NewTip: types.Hash{0xa1},
		Spent:   []UTXO{testUTXO(1, 0, 50)},
		Created: []UTXO{testUTXO(2, 0, 40), testUTXO(2, 1, 10)},
	}
	applyOne(t, s, spend)

	if ok, _ := s.Has(types.Outpoint{TxID: types.Hash{1}}); ok {
		t.Fatal("spent utxo still present")
	}
	if tip, h := s.Tip(); tip != spend.NewTip || h != 1 {
		t.Fatalf("tip = %s/%d", tip.Short(), h)
	}

	if err := s.Atomically(func(w Writer) error { return w.UndoDelta(spend) }); err != nil {
		t.Fatalf("undo: %v", err)
	}
	after, _ := Commitment(s)
	if before != after {
		t.Fatal("undo did not restore the previous state")
	}
}

func TestStore_ApplyChecks(t *testing.T) {
	s := newTestStore(t)
	applyOne(t, s, &Delta{NewTip: types.Hash{0xa0}, Created: []UTXO{testUTXO(1, 0, 50)}})

	tests := []struct {
		name  string
		delta *Delta
		want  error
	}{
		{"wrong parent", &Delta{PrevTip: types.Hash{0xff}, NewTip: types.Hash{0xa1}}, ErrTipMismatch},
		{"missing spend", &Delta{PrevTip: types.Hash{0xa0}, NewTip: types.Hash{0xa1}, Spent: []UTXO{testUTXO(9, 0, 1)}}, ErrMissingUTXO},
		{"duplicate create", &Delta{PrevTip: types.Hash{0xa0}, NewTip: types.Hash{0xa1}, Created: []UTXO{testUTXO(1, 0, 50)}}, ErrUTXOExists},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Atomically(func(w Writer) error { return w.ApplyDelta(tt.delta) })
			if !errors.Is(err, tt.want) {
				t.Fatalf("ApplyDelta() = %v, want %v", err, tt.want)
			}
			if s.TipHash() != (types.Hash{0xa0}) {
				t.Fatal("failed apply moved the tip")
			}
		})
	}
}

func TestStore_AtomicallyDiscardsOnError(t *testing.T) {
	s := newTestStore(t)
	applyOne(t, s, &Delta{NewTip: types.Hash{0xa0}, Created: []UTXO{testUTXO(1, 0, 50)}})
	before, _ := Commitment(s)

	boom := errors.New("boom")
	err := s.Atomically(func(w Writer) error {
		if err := w.ApplyDelta(&Delta{
			PrevTip: types.Hash{0xa0}, NewTip: types.Hash{0xa1}, Height: 1,
			Spent: []UTXO{testUTXO(1, 0, 50)}, Created: []UTXO{testUTXO(3, 0, 50)},
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Atomically() = %v, want boom", err)
	}
	after, _ := Commitment(s)
	if before != after {
		t.Fatal("failed section leaked writes")
	}
}

func TestStore_TipPersists(t *testing.T) {
	db := storage.NewMemory()
	s, _ := NewStore(db)
	applyOne(t, s, &Delta{NewTip: types.Hash{0xa0}, Created: []UTXO{testUTXO(1, 0, 50)}})

	reopened, err := NewStore(db)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.TipHash() != (types.Hash{0xa0}) {
		t.Fatalf("tip not restored: %s", reopened.TipHash().Short())
	}

	if err := reopened.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if !reopened.TipHash().IsZero() {
		t.Fatal("reset kept the tip")
	}
	if ok, _ := reopened.Has(types.Outpoint{TxID: types.Hash{1}}); ok {
		t.Fatal("reset kept utxos")
	}
}

func TestStore_FetchSnapshot(t *testing.T) {
	s := newTestStore(t)
	applyOne(t, s, &Delta{NewTip: types.Hash{0xa0}, Created: []UTXO{testUTXO(1, 0, 50)}})

	snap, err := s.FetchSnapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Tip != (types.Hash{0xa0}) {
		t.Fatalf("snapshot tip = %s", snap.Tip.Short())
	}
	if _, err := snap.View.Get(types.Outpoint{TxID: types.Hash{1}}); err != nil {
		t.Fatalf("snapshot get: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.FetchSnapshot(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled snapshot = %v", err)
	}
}

func TestCoinView_Overlay(t *testing.T) {
	s := newTestStore(t)
	applyOne(t, s, &Delta{NewTip: types.Hash{0xa0}, Created: []UTXO{testUTXO(1, 0, 50)}})

	v := NewCoinView(s)
	d := &Delta{Spent: []UTXO{testUTXO(1, 0, 50)}, Created: []UTXO{testUTXO(2, 0, 50)}}
	v.Apply(d)
	if ok, _ := v.Has(types.Outpoint{TxID: types.Hash{1}}); ok {
		t.Error("spent output visible in view")
	}
	if ok, _ := v.Has(types.Outpoint{TxID: types.Hash{2}}); !ok {
		t.Error("created output missing from view")
	}
	if ok, _ := s.Has(types.Outpoint{TxID: types.Hash{1}}); !ok {
		t.Error("view leaked into the store")
	}

	v.Undo(d)
	if ok, _ := v.Has(types.Outpoint{TxID: types.Hash{1}}); !ok {
		t.Error("undo did not restore output")
	}
	if _, err := v.Get(types.Outpoint{TxID: types.Hash{2}}); !errors.Is(err, ErrNotFound) {
		t.Errorf("undone output Get() = %v, want ErrNotFound", err)
	}
}
