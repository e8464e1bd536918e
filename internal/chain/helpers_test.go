package chain

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/Klingon-tech/klingnet-node/config"
	"github.com/Klingon-tech/klingnet-node/internal/consensus"
	"github.com/Klingon-tech/klingnet-node/internal/ledger"
	"github.com/Klingon-tech/klingnet-node/internal/storage"
	"github.com/Klingon-tech/klingnet-node/pkg/block"
	"github.com/Klingon-tech/klingnet-node/pkg/crypto"
	"github.com/Klingon-tech/klingnet-node/pkg/tx"
	"github.com/Klingon-tech/klingnet-node/pkg/types"
	"github.com/libp2p/go-libp2p/core/peer"
)

var minerScript = types.P2PKHScript(types.Address{0x6d, 0x69, 0x6e, 0x65, 0x72})

// nextBlock builds a valid regtest block on parent. tag separates
// siblings: it changes the nonce and the coinbase value so both the
// header and the coinbase ID differ.
func nextBlock(p *config.Params, parent *block.Header, tag uint64, txs ...*tx.Transaction) *block.Block {
	height := parent.Height + 1
	all := append([]*tx.Transaction{tx.NewCoinbase(height, p.BlockReward-tag, minerScript)}, txs...)
	body := &block.Body{Transactions: all}
	h := &block.Header{
		Version:    block.CurrentVersion,
		PrevHash:   parent.Hash(),
		MerkleRoot: body.MerkleRoot(),
		Timestamp:  parent.Timestamp + 10,
		Height:     height,
		Difficulty: parent.Difficulty,
		Nonce:      tag,
	}
	return block.NewBlock(h, all)
}

// branch builds n blocks on parent.
func branch(p *config.Params, parent *block.Header, n int, tag uint64) []*block.Block {
	out := make([]*block.Block, 0, n)
	for i := 0; i < n; i++ {
		b := nextBlock(p, parent, tag)
		out = append(out, b)
		parent = b.Header
	}
	return out
}

// spendTx returns a signed transaction spending op that is structurally
// valid.
func spendTx(t *testing.T, op types.Outpoint, value uint64) *tx.Transaction {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	b := tx.NewBuilder().AddInput(op).AddOutput(value, types.P2PKHScript(crypto.AddressFromPubKey(key.PublicKey())))
	if err := b.Sign(key); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return b.Build()
}

type punishment struct {
	peer peer.ID
	err  *consensus.Error
}

type recordingPenalizer struct {
	mu        sync.Mutex
	punished  []punishment
	offenses  map[peer.ID]int
	lastCause string
}

func newRecordingPenalizer() *recordingPenalizer {
	return &recordingPenalizer{offenses: make(map[peer.ID]int)}
}

func (r *recordingPenalizer) Punish(id peer.ID, err *consensus.Error) {
	r.mu.Lock()
	r.punished = append(r.punished, punishment{peer: id, err: err})
	r.mu.Unlock()
}

func (r *recordingPenalizer) RecordOffense(id peer.ID, points int, reason string) bool {
	r.mu.Lock()
	r.offenses[id] += points
	r.lastCause = reason
	r.mu.Unlock()
	return false
}

func (r *recordingPenalizer) punishments() []punishment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]punishment(nil), r.punished...)
}

func (r *recordingPenalizer) score(id peer.ID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.offenses[id]
}

type recordingNetwork struct {
	mu        sync.Mutex
	requested []types.Hash
}

func (n *recordingNetwork) RequestBody(_ context.Context, _ peer.ID, hash types.Hash) error {
	n.mu.Lock()
	n.requested = append(n.requested, hash)
	n.mu.Unlock()
	return nil
}

func (n *recordingNetwork) requests() []types.Hash {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]types.Hash(nil), n.requested...)
}

// countingHeaderRule counts header rule runs.
type countingHeaderRule struct {
	n *atomic.Int32
}

func (countingHeaderRule) Name() string { return "count" }

func (r countingHeaderRule) CheckHeader(*consensus.HeaderContext) error {
	r.n.Add(1)
	return nil
}

// failingLedger wraps a ledger store and fails to apply failOn and to
// undo failUndo.
type failingLedger struct {
	*ledger.Store
	failOn   types.Hash
	failUndo types.Hash
}

func (f *failingLedger) Atomically(fn func(ledger.Writer) error) error {
	return f.Store.Atomically(func(w ledger.Writer) error {
		return fn(&failingWriter{Writer: w, ledger: f})
	})
}

type failingWriter struct {
	ledger.Writer
	ledger *failingLedger
}

func (w *failingWriter) ApplyDelta(d *ledger.Delta) error {
	if d.Block == w.ledger.failOn {
		return errors.New("injected apply failure")
	}
	return w.Writer.ApplyDelta(d)
}

func (w *failingWriter) UndoDelta(d *ledger.Delta) error {
	if d.Block == w.ledger.failUndo {
		return errors.New("injected undo failure")
	}
	return w.Writer.UndoDelta(d)
}

// gatedLedger holds the first snapshot fetch after arm until release is
// closed or the caller's context ends.
type gatedLedger struct {
	*ledger.Store
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func newGatedLedger(s *ledger.Store) *gatedLedger {
	return &gatedLedger{Store: s, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedLedger) FetchSnapshot(ctx context.Context) (ledger.Snapshot, error) {
	if g.armed.CompareAndSwap(true, false) {
		close(g.entered)
		select {
		case <-g.release:
		case <-ctx.Done():
			return ledger.Snapshot{}, ctx.Err()
		}
	}
	return g.Store.FetchSnapshot(ctx)
}

// harness is a manager over in-memory databases that can be reopened.
type harness struct {
	t         *testing.T
	params    *config.Params
	ledgerDB  *storage.MemoryDB
	chainDB   *storage.MemoryDB
	ledger    *ledger.Store
	wrap      func(*ledger.Store) Ledger
	rules     *consensus.RuleSet
	headerRun *atomic.Int32
	bans      *recordingPenalizer
	net       *recordingNetwork
	events    chan TipEvent
	notifier  *TipNotifier
	m         *Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		params:    config.RegtestParams(),
		ledgerDB:  storage.NewMemory(),
		chainDB:   storage.NewMemory(),
		headerRun: new(atomic.Int32),
		bans:      newRecordingPenalizer(),
		net:       &recordingNetwork{},
		events:    make(chan TipEvent, 64),
	}
	h.rules = consensus.DefaultRules()
	h.rules.Header = append(h.rules.Header, countingHeaderRule{n: h.headerRun})

	h.notifier = NewTipNotifier(16)
	h.notifier.Subscribe(TipObserverFunc(func(ev TipEvent) { h.events <- ev }))
	h.notifier.Start()
	t.Cleanup(h.notifier.Stop)
	return h
}

// open creates a manager over the harness databases.
func (h *harness) open() (*Manager, error) {
	h.t.Helper()
	ls, err := ledger.NewStore(h.ledgerDB)
	if err != nil {
		h.t.Fatalf("open ledger: %v", err)
	}
	h.ledger = ls
	var l Ledger = ls
	if h.wrap != nil {
		l = h.wrap(ls)
	}
	m, err := NewManager(Config{
		Params:   h.params,
		Rules:    h.rules,
		Ledger:   l,
		Store:    NewBlockStore(h.chainDB),
		Network:  h.net,
		Bans:     h.bans,
		Notifier: h.notifier,
	})
	if err != nil {
		return nil, err
	}
	h.m = m
	return m, nil
}

func (h *harness) mustOpen() *Manager {
	h.t.Helper()
	m, err := h.open()
	if err != nil {
		h.t.Fatalf("NewManager: %v", err)
	}
	return m
}

func (h *harness) genesis() *block.Header {
	return h.params.GenesisBlock().Header
}

// feed processes blocks in order from one peer and fails on any error.
func (h *harness) feed(from peer.ID, blocks ...*block.Block) {
	h.t.Helper()
	for _, b := range blocks {
		if err := h.m.ProcessBlock(context.Background(), b, from); err != nil {
			h.t.Fatalf("ProcessBlock(height %d): %v", b.Header.Height, err)
		}
	}
}

func (h *harness) requireTip(want types.Hash) {
	h.t.Helper()
	if got := h.m.Tip().Hash; got != want {
		h.t.Fatalf("tip = %s, want %s", got.Short(), want.Short())
	}
	if got := h.ledger.TipHash(); got != want {
		h.t.Fatalf("ledger tip = %s, want %s", got.Short(), want.Short())
	}
	tip, _, ok, err := h.m.Store().GetTip()
	if err != nil || !ok {
		h.t.Fatalf("stored tip: ok=%v err=%v", ok, err)
	}
	if tip != want {
		h.t.Fatalf("stored tip = %s, want %s", tip.Short(), want.Short())
	}
}

func (h *harness) commitment() types.Hash {
	h.t.Helper()
	c, err := ledger.Commitment(h.ledger)
	if err != nil {
		h.t.Fatalf("commitment: %v", err)
	}
	return c
}

func hashes(blocks ...*block.Block) []types.Hash {
	out := make([]types.Hash, len(blocks))
	for i, b := range blocks {
		out[i] = b.Hash()
	}
	return out
}
