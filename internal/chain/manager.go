package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/Klingon-tech/klingnet-node/config"
	"github.com/Klingon-tech/klingnet-node/internal/consensus"
	"github.com/Klingon-tech/klingnet-node/internal/ledger"
	"github.com/Klingon-tech/klingnet-node/internal/log"
	"github.com/Klingon-tech/klingnet-node/internal/penalty"
	"github.com/Klingon-tech/klingnet-node/pkg/block"
	"github.com/Klingon-tech/klingnet-node/pkg/types"
	"github.com/libp2p/go-libp2p/core/peer"
)

// maxBodyRequests bounds the body requests sent per evaluation.
const maxBodyRequests = 16

// State is the chain selector's activity.
type State int32

const (
	StateIdle State = iota
	StateEvaluating
	StateReorganizing
	StateHalted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateEvaluating:
		return "evaluating"
	case StateReorganizing:
		return "reorganizing"
	case StateHalted:
		return "halted"
	default:
		return "unknown"
	}
}

// Config wires a Manager to its collaborators.
type Config struct {
	Params *config.Params
	Chain  config.ChainConfig
	Rules  *consensus.RuleSet // nil selects consensus.DefaultRules

	Ledger   Ledger
	Store    *BlockStore
	Network  PeerNetwork  // optional
	Bans     Penalizer    // optional
	Notifier *TipNotifier // optional
}

// Manager selects the chain. It accepts headers and bodies from any
// number of goroutines, validates them, and keeps the ledger on the fully
// valid chain with the most work. Full validation and ledger changes are
// serialized by ledgerMu.
type Manager struct {
	params    *config.Params
	index     *Index
	store     *BlockStore
	ledger    Ledger
	fetch     *fetcher
	partial   *PartialValidator
	connector *Connector
	reorg     *ReorgExecutor
	notifier  *TipNotifier
	bans      Penalizer

	ledgerMu sync.Mutex
	state    atomic.Int32

	evalMu     sync.Mutex
	evalWork   *big.Int
	evalCancel context.CancelFunc

	haltOnce sync.Once
	halted   chan struct{}
	haltErr  error
}

// NewManager creates a manager and restores the persisted main chain. A
// fresh store is initialized with the network's genesis block.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Params == nil {
		return nil, fmt.Errorf("network params are nil")
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("ledger is nil")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("block store is nil")
	}
	rules := cfg.Rules
	if rules == nil {
		rules = consensus.DefaultRules()
	}

	fetch, err := newFetcher(cfg.Store, cfg.Ledger, cfg.Network, cfg.Chain)
	if err != nil {
		return nil, fmt.Errorf("body fetcher: %w", err)
	}
	genesis := cfg.Params.GenesisBlock()
	index := NewIndex(genesis.Header, consensus.TieBreakerFor(cfg.Params))

	m := &Manager{
		params:    cfg.Params,
		index:     index,
		store:     cfg.Store,
		ledger:    cfg.Ledger,
		fetch:     fetch,
		partial:   newPartialValidator(index, rules, cfg.Params, fetch, cfg.Bans, cfg.Chain.PartialWorkers),
		connector: newConnector(index, rules, cfg.Params, fetch, cfg.Bans),
		reorg:     newReorgExecutor(cfg.Ledger, cfg.Store, cfg.Params.MaxReorgDepth),
		notifier:  cfg.Notifier,
		bans:      cfg.Bans,
		halted:    make(chan struct{}),
	}
	if err := m.restore(genesis); err != nil {
		return nil, err
	}
	return m, nil
}

// Index returns the header index.
func (m *Manager) Index() *Index { return m.index }

// Store returns the block store.
func (m *Manager) Store() *BlockStore { return m.store }

// Partial returns the partial validator.
func (m *Manager) Partial() *PartialValidator { return m.partial }

// Tip returns the current tip.
func (m *Manager) Tip() HeaderNode { return m.index.Tip() }

// State returns what the selector is doing.
func (m *Manager) State() State { return State(m.state.Load()) }

// Halted is closed when the manager stops after a failed rollback.
func (m *Manager) Halted() <-chan struct{} { return m.halted }

// Err returns the error that halted the manager.
func (m *Manager) Err() error {
	select {
	case <-m.halted:
		return m.haltErr
	default:
		return nil
	}
}

func (m *Manager) setState(s State) {
	if m.State() != StateHalted {
		m.state.Store(int32(s))
	}
}

func (m *Manager) halt(err error) {
	m.haltOnce.Do(func() {
		m.haltErr = err
		m.state.Store(int32(StateHalted))
		log.Chain.Error().Err(err).Msg("Ledger state could not be restored, halting chain selection")
		close(m.halted)
	})
}

func (m *Manager) checkHalted() error {
	if m.State() == StateHalted {
		return ErrHalted
	}
	return nil
}

// ProcessHeader inserts and validates a header from a peer, then selects
// the chain. A known header is not an error.
func (m *Manager) ProcessHeader(ctx context.Context, h *block.Header, from peer.ID) (HeaderNode, error) {
	if err := m.checkHalted(); err != nil {
		return HeaderNode{}, err
	}
	n, err := m.insert(h, from)
	if err != nil {
		return n, err
	}
	if err := m.partial.ValidatePartial(ctx, n.Hash); err != nil {
		return m.lookup(n), err
	}
	if err := m.evaluate(ctx); err != nil {
		return m.lookup(n), err
	}
	return m.lookup(n), nil
}

// ProcessHeaders inserts a batch of headers, validates the new branches in
// parallel and selects the chain. Headers that cannot be inserted are
// skipped; the first such error is returned after the rest of the batch is
// processed.
func (m *Manager) ProcessHeaders(ctx context.Context, hs []*block.Header, from peer.ID) error {
	if err := m.checkHalted(); err != nil {
		return err
	}
	var firstErr error
	parents := make(map[types.Hash]struct{})
	var inserted []types.Hash
	for _, h := range hs {
		n, err := m.insert(h, from)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		inserted = append(inserted, n.Hash)
		parents[n.ParentHash] = struct{}{}
	}

	var tips []types.Hash
	for _, h := range inserted {
		if _, isParent := parents[h]; !isParent {
			tips = append(tips, h)
		}
	}
	if err := m.partial.ValidateBranches(ctx, tips); err != nil {
		return err
	}
	if err := m.evaluate(ctx); err != nil {
		return err
	}
	return firstErr
}

// ProcessBlock accepts a header together with its body.
func (m *Manager) ProcessBlock(ctx context.Context, blk *block.Block, from peer.ID) error {
	if err := m.checkHalted(); err != nil {
		return err
	}
	if blk == nil || blk.Header == nil {
		return fmt.Errorf("nil block")
	}
	n, err := m.insert(blk.Header, from)
	if err != nil {
		return err
	}
	if err := m.attachBody(n, blk.Body(), from); err != nil {
		return err
	}
	if err := m.partial.ValidatePartial(ctx, n.Hash); err != nil {
		return err
	}
	return m.evaluate(ctx)
}

// AttachBody accepts the body of a known header.
func (m *Manager) AttachBody(ctx context.Context, hash types.Hash, body *block.Body, from peer.ID) error {
	if err := m.checkHalted(); err != nil {
		return err
	}
	n, ok := m.index.Lookup(hash)
	if !ok {
		m.offense(from, penalty.OffenseUnsolicited, "unknown-body")
		return fmt.Errorf("%w: %s", ErrUnknownHeader, hash.Short())
	}
	if err := m.attachBody(n, body, from); err != nil {
		return err
	}
	if err := m.partial.ValidatePartial(ctx, hash); err != nil {
		return err
	}
	return m.evaluate(ctx)
}

func (m *Manager) attachBody(n HeaderNode, body *block.Body, from peer.ID) error {
	if n.HasBody {
		return nil
	}
	if body.MerkleRoot() != n.Header.MerkleRoot {
		m.offense(from, penalty.OffenseBodyMismatch, "body-mismatch")
		return fmt.Errorf("%w: %s", ErrBodyMismatch, n.Hash.Short())
	}
	if err := m.fetch.put(n.Hash, body); err != nil {
		return fmt.Errorf("store body %s: %w", n.Hash.Short(), err)
	}
	return m.index.AttachBody(n.Hash, body, from)
}

func (m *Manager) insert(h *block.Header, from peer.ID) (HeaderNode, error) {
	n, err := m.index.InsertHeader(h, from)
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, ErrDuplicate):
		return n, nil
	case errors.Is(err, ErrMissingParent):
		m.offense(from, penalty.OffenseMissingParent, "missing-parent")
	case errors.Is(err, ErrDescendantOfInvalid):
		m.offense(from, penalty.OffenseDescendantOfInvalid, "descendant-of-invalid")
	}
	return n, err
}

func (m *Manager) offense(from peer.ID, points int, reason string) {
	if m.bans != nil {
		m.bans.RecordOffense(from, points, reason)
	}
}

func (m *Manager) lookup(n HeaderNode) HeaderNode {
	if cur, ok := m.index.Lookup(n.Hash); ok {
		return cur
	}
	return n
}

// Prune drops stale side branches more than retention blocks below the
// tip. Returns the number of headers removed.
func (m *Manager) Prune(retention uint64) int {
	tip := m.index.Tip()
	if tip.Height <= retention {
		return 0
	}
	return m.index.Prune(tip.Height - retention)
}

// evaluate moves the tip to the best connectable chain. A running
// evaluation aiming at less work than the best candidate is cancelled so
// this one can take over.
func (m *Manager) evaluate(parent context.Context) error {
	best, ok := m.index.BestCandidate()
	if !ok {
		return nil
	}
	m.evalMu.Lock()
	if m.evalCancel != nil && best.Work.Cmp(m.evalWork) > 0 {
		m.evalCancel()
	}
	m.evalMu.Unlock()

	m.ledgerMu.Lock()
	defer m.ledgerMu.Unlock()
	if err := m.checkHalted(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	defer m.setEval(nil, nil)
	defer m.setState(StateIdle)

	err := m.selectChain(ctx, cancel)
	if err != nil && parent.Err() == nil && errors.Is(err, context.Canceled) {
		// Superseded by a better candidate.
		return nil
	}
	return err
}

func (m *Manager) setEval(work *big.Int, cancel context.CancelFunc) {
	m.evalMu.Lock()
	m.evalWork, m.evalCancel = work, cancel
	m.evalMu.Unlock()
}

// selectChain repeatedly extends the tip toward the best target until no
// candidate offers more work.
func (m *Manager) selectChain(ctx context.Context, cancel context.CancelFunc) error {
	skip := make(map[types.Hash]struct{})
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		tip := m.index.Tip()
		cand, target, ok := m.nextTarget(ctx, tip, skip)
		if !ok {
			return nil
		}
		m.setEval(target.Work, cancel)

		err := m.extend(ctx, tip, target)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, ErrRollbackFailed):
			m.halt(err)
			return err
		case consensus.IsConsensusError(err), errors.Is(err, ErrRolledBack):
			// The offending block is now invalid; look again.
		case errors.Is(err, ErrReorgTooDeep):
			log.Chain.Warn().
				Str("candidate", cand.Hash.Short()).
				Uint64("tip_height", tip.Height).
				Err(err).
				Msg("Refusing deep reorg")
			skip[cand.Hash] = struct{}{}
		default:
			return err
		}
	}
}

// nextTarget picks the best candidate with more work than tip and returns
// its deepest ancestor that can be connected now: every block from the
// fork up to it has a body and passed partial validation. Missing bodies
// on the way are requested.
func (m *Manager) nextTarget(ctx context.Context, tip HeaderNode, skip map[types.Hash]struct{}) (HeaderNode, HeaderNode, bool) {
	for _, cand := range m.index.Candidates() {
		if cand.Work.Cmp(tip.Work) <= 0 {
			break
		}
		if _, ok := skip[cand.Hash]; ok {
			continue
		}
		fork, err := m.index.ForkPoint(tip.Hash, cand.Hash)
		if err != nil {
			continue
		}
		path, err := m.index.PathTo(cand.Hash, fork.Hash)
		if err != nil {
			continue
		}

		target := fork
		for i, n := range path {
			if n.HasBody && n.Status == StatusHeaderOnly {
				if err := m.partial.ValidatePartial(ctx, n.Hash); err != nil {
					break
				}
				n, _ = m.index.Lookup(n.Hash)
			}
			if !n.HasBody || n.Status < StatusPartiallyValidated || n.IsInvalid() {
				m.requestBodies(ctx, path[i:])
				break
			}
			target = n
		}
		if target.Work.Cmp(tip.Work) > 0 {
			return cand, target, true
		}
	}
	return HeaderNode{}, HeaderNode{}, false
}

func (m *Manager) requestBodies(ctx context.Context, path []HeaderNode) {
	sent := 0
	for _, n := range path {
		if sent == maxBodyRequests {
			return
		}
		if n.HasBody {
			continue
		}
		if err := m.fetch.request(ctx, n.Peer, n.Hash); err != nil {
			log.Chain.Debug().Err(err).Str("hash", n.Hash.Short()).Msg("Body request failed")
			return
		}
		sent++
	}
}

// extend fully validates the path from the fork to target and switches the
// ledger to it.
func (m *Manager) extend(ctx context.Context, tip, target HeaderNode) error {
	fork, err := m.index.ForkPoint(tip.Hash, target.Hash)
	if err != nil {
		return err
	}
	if depth := tip.Height - fork.Height; m.params.MaxReorgDepth > 0 && depth > m.params.MaxReorgDepth {
		return fmt.Errorf("%w: %d blocks, max %d", ErrReorgTooDeep, depth, m.params.MaxReorgDepth)
	}
	detach, err := m.index.PathTo(tip.Hash, fork.Hash)
	if err != nil {
		return err
	}
	attach, err := m.index.PathTo(target.Hash, fork.Hash)
	if err != nil {
		return err
	}

	m.setState(StateEvaluating)
	snap, err := m.fetch.snapshot(ctx)
	if err != nil {
		return fmt.Errorf("ledger snapshot: %w", err)
	}
	if snap.Tip != tip.Hash {
		return fmt.Errorf("ledger tip %s does not match chain tip %s", snap.Tip.Short(), tip.Hash.Short())
	}

	view := ledger.NewCoinView(snap.View)
	plan := &ReorgPlan{OldTip: tip, NewTip: target, Fork: fork}
	for i := len(detach) - 1; i >= 0; i-- {
		n := detach[i]
		d, err := m.store.GetDelta(n.Hash)
		if err != nil {
			return fmt.Errorf("detach %s: %w", n.Hash.Short(), err)
		}
		view.Undo(d)
		plan.Detach = append(plan.Detach, ReorgStep{Node: n, Delta: d})
	}
	for _, n := range attach {
		d, err := m.connector.Connect(ctx, n, view)
		if err != nil {
			return err
		}
		view.Apply(d)
		n.Status = StatusFullyValidated
		plan.Attach = append(plan.Attach, ReorgStep{Node: n, Delta: d})
	}

	m.setState(StateReorganizing)
	if err := m.reorg.Reorganize(ctx, plan); err != nil {
		if errors.Is(err, ErrRolledBack) && ctx.Err() == nil {
			bad := target.Hash
			if h, ok := failedBlock(err); ok {
				bad = h
			}
			m.index.MarkInvalid(bad, consensus.ReasonApplyFailed)
			log.Chain.Error().
				Err(err).
				Str("block", bad.Short()).
				Str("tip", tip.Hash.Short()).
				Msg("Reorg rolled back, block marked invalid")
		}
		return err
	}
	if err := m.index.SetTip(target.Hash); err != nil {
		return err
	}

	ev := TipEvent{Old: tip, New: m.lookup(target), Fork: fork}
	for _, s := range plan.Detach {
		ev.Detached = append(ev.Detached, s.Node.Hash)
	}
	for _, s := range plan.Attach {
		ev.Attached = append(ev.Attached, s.Node.Hash)
	}
	log.Chain.Info().
		Str("hash", target.Hash.Short()).
		Uint64("height", target.Height).
		Str("work", target.Work.String()).
		Int("detached", len(ev.Detached)).
		Int("attached", len(ev.Attached)).
		Msg("Tip updated")
	if m.notifier != nil {
		m.notifier.Notify(ev)
	}
	return nil
}

// restore loads the persisted main chain into the index, or writes genesis
// to a fresh store. An interrupted reorg or a ledger that disagrees with
// the store is repaired by replaying the stored deltas.
func (m *Manager) restore(genesis *block.Block) error {
	genesisHash := genesis.Hash()
	tipHash, tipHeight, ok, err := m.store.GetTip()
	if err != nil {
		return err
	}
	if !ok {
		return m.initGenesis(genesis)
	}

	stored, err := m.store.HashAtHeight(0)
	if err != nil {
		return fmt.Errorf("load genesis: %w", err)
	}
	if stored != genesisHash {
		return fmt.Errorf("%w: stored %s, network %s", ErrGenesisMismatch, stored.Short(), genesisHash.Short())
	}
	for h := uint64(1); h <= tipHeight; h++ {
		hdr, err := storedHeader(m.store, h)
		if err != nil {
			return fmt.Errorf("restore height %d: %w", h, err)
		}
		if err := m.index.restore(hdr); err != nil {
			return fmt.Errorf("restore height %d: %w", h, err)
		}
	}
	if err := m.index.SetTip(tipHash); err != nil {
		return fmt.Errorf("restore tip: %w", err)
	}

	_, interrupted, err := m.store.GetReorgCheckpoint()
	if err != nil {
		return err
	}
	if interrupted || m.ledger.TipHash() != tipHash {
		log.Chain.Warn().
			Bool("interrupted_reorg", interrupted).
			Str("ledger_tip", m.ledger.TipHash().Short()).
			Str("chain_tip", tipHash.Short()).
			Msg("Rebuilding ledger from stored blocks")
		if err := replayMainChain(m.ledger, m.store, tipHeight); err != nil {
			return fmt.Errorf("rebuild ledger: %w", err)
		}
		if err := m.store.DeleteReorgCheckpoint(); err != nil {
			return fmt.Errorf("delete reorg checkpoint: %w", err)
		}
	}

	log.Chain.Info().
		Str("tip", tipHash.Short()).
		Uint64("height", tipHeight).
		Msg("Chain restored")
	return nil
}

func (m *Manager) initGenesis(genesis *block.Block) error {
	hash := genesis.Hash()
	d, err := genesisDelta(genesis)
	if err != nil {
		return fmt.Errorf("genesis delta: %w", err)
	}
	switch tip := m.ledger.TipHash(); {
	case tip.IsZero():
		if err := m.ledger.Atomically(func(w ledger.Writer) error {
			return w.ApplyDelta(d)
		}); err != nil {
			return fmt.Errorf("apply genesis: %w", err)
		}
	case tip != hash:
		return fmt.Errorf("ledger at %s but block store is empty", tip.Short())
	}
	if err := m.store.commitGenesis(genesis, d); err != nil {
		return err
	}
	log.Chain.Info().Str("hash", hash.Short()).Msg("Chain initialized from genesis")
	return nil
}
