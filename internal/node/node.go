// Package node assembles a full node from its parts: storage, ledger,
// chain manager, penalty coordinator, networking and metrics.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Klingon-tech/klingnet-node/config"
	"github.com/Klingon-tech/klingnet-node/internal/chain"
	"github.com/Klingon-tech/klingnet-node/internal/ledger"
	klog "github.com/Klingon-tech/klingnet-node/internal/log"
	"github.com/Klingon-tech/klingnet-node/internal/metrics"
	"github.com/Klingon-tech/klingnet-node/internal/p2p"
	"github.com/Klingon-tech/klingnet-node/internal/penalty"
	"github.com/Klingon-tech/klingnet-node/internal/storage"
	"github.com/Klingon-tech/klingnet-node/pkg/block"
	"github.com/Klingon-tech/klingnet-node/pkg/types"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog"
)

const (
	syncInterval       = 30 * time.Second
	syncRequestTimeout = 30 * time.Second
	syncPeers          = 3
	notifierQueueSize  = 64
)

// Node is a fully wired chain node.
type Node struct {
	cfg    *config.Config
	params *config.Params
	logger zerolog.Logger

	// Core
	db       storage.DB
	ledger   *ledger.Store
	manager  *chain.Manager
	notifier *chain.TipNotifier
	penalty  *penalty.Coordinator
	metrics  *metrics.Metrics

	// Networking
	bans    *p2p.BanManager
	p2pNode *p2p.Node

	syncMu  sync.Mutex
	syncing map[peer.ID]struct{}

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires a node. It does not start any goroutine; call
// Start for that.
func New(cfg *config.Config) (*Node, error) {
	cfg.DataDir = expandHome(cfg.DataDir)

	// ── 1. Logger ───────────────────────────────────────────────────
	err := klog.Init(cfg.Log.Level, cfg.Log.JSON, klog.FileConfig{
		Path:       logFilePath(cfg),
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	logger := klog.Node

	// ── 2. Network parameters ───────────────────────────────────────
	params := cfg.Params()
	logger.Info().
		Str("network", string(params.Name)).
		Str("genesis", params.GenesisHash().Short()).
		Msg("Starting Klingnet node")

	// ── 3. Storage ──────────────────────────────────────────────────
	db, err := openDB(cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	logger.Info().Str("path", cfg.DBDir()).Bool("memory", cfg.MemDB).Msg("Database opened")

	ledgerStore, err := ledger.NewStore(storage.NewPrefixDB(db, prefixLedger))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	p2pDB := storage.NewPrefixDB(db, prefixP2P)

	n := &Node{
		cfg:      cfg,
		params:   params,
		logger:   logger,
		db:       db,
		ledger:   ledgerStore,
		metrics:  metrics.New(),
		notifier: chain.NewTipNotifier(notifierQueueSize),
		syncing:  make(map[peer.ID]struct{}),
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())

	// ── 4. Bans and penalties ───────────────────────────────────────
	n.bans = p2p.NewBanManager(p2p.NewBanStore(p2pDB), nil)
	n.bans.SetBanHook(n.metrics.OnBan)
	if cfg.P2P.ClearBans {
		if err := n.bans.Clear(); err != nil {
			db.Close()
			return nil, fmt.Errorf("clear bans: %w", err)
		}
		logger.Info().Msg("Persisted bans cleared")
	}
	n.penalty = penalty.NewCoordinator(n.bans, cfg.Penalty)

	// ── 5. P2P ──────────────────────────────────────────────────────
	if cfg.P2P.Enabled {
		n.p2pNode = p2p.New(p2p.Config{
			ListenAddr:  cfg.P2P.ListenAddr,
			Port:        cfg.P2P.Port,
			Seeds:       cfg.P2P.Seeds,
			MaxPeers:    cfg.P2P.MaxPeers,
			NoDiscover:  cfg.P2P.NoDiscover,
			DB:          p2pDB,
			NetworkID:   string(params.Name),
			DataDir:     cfg.ChainDataDir(),
			GenesisHash: params.GenesisHash(),
			Bans:        n.bans,
		})
	}

	// ── 6. Chain ────────────────────────────────────────────────────
	chainCfg := chain.Config{
		Params:   params,
		Chain:    cfg.Chain,
		Ledger:   ledgerStore,
		Store:    chain.NewBlockStore(storage.NewPrefixDB(db, prefixChain)),
		Bans:     n.metrics.Penalizer(n.penalty),
		Notifier: n.notifier,
	}
	if n.p2pNode != nil {
		chainCfg.Network = n.p2pNode
	}
	manager, err := chain.NewManager(chainCfg)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create chain manager: %w", err)
	}
	n.manager = manager

	n.notifier.Subscribe(n.metrics)
	n.notifier.Subscribe(chain.TipObserverFunc(n.onTipChanged))

	if n.p2pNode != nil {
		n.wireP2P()
	}

	tip := manager.Tip()
	logger.Info().
		Uint64("height", tip.Height).
		Str("tip", tip.Hash.Short()).
		Msg("Chain loaded")
	return n, nil
}

// wireP2P connects the gossip and stream protocols to the chain manager.
func (n *Node) wireP2P() {
	pn := n.p2pNode
	pn.SetHeightFn(func() uint64 { return n.manager.Tip().Height })
	pn.SetBodyProvider(n.manager.Store().FetchBody)
	pn.SetHeadersProvider(func(locator []types.Hash, max int) []*block.Header {
		headers, err := n.manager.HeadersAfter(locator, max)
		if err != nil {
			n.logger.Warn().Err(err).Msg("Serving headers failed")
			return nil
		}
		return headers
	})

	pn.SetHeadersHandler(func(from peer.ID, headers []*block.Header) {
		err := n.manager.ProcessHeaders(n.ctx, headers, from)
		n.afterPeerInput(from, err, "headers")
	})
	pn.SetBlockHandler(func(from peer.ID, b *block.Block) {
		err := n.manager.ProcessBlock(n.ctx, b, from)
		n.afterPeerInput(from, err, "block")
	})
	pn.SetBodyHandler(func(from peer.ID, hash types.Hash, body *block.Body) {
		err := n.manager.AttachBody(n.ctx, hash, body, from)
		n.afterPeerInput(from, err, "body")
	})
	pn.SetPeerReadyHandler(func(p p2p.Peer) {
		if p.BestHeight > n.manager.Tip().Height {
			n.startSync(p.ID)
		}
	})
}

// afterPeerInput logs a processing error. Data building on headers we do
// not have means we are behind the peer, so a sync with it starts.
func (n *Node) afterPeerInput(from peer.ID, err error, what string) {
	if err == nil {
		return
	}
	if errors.Is(err, chain.ErrMissingParent) {
		n.startSync(from)
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, chain.ErrHalted) {
		return
	}
	n.logger.Debug().Err(err).Str("peer", shortPeer(from)).Str("kind", what).Msg("Peer data rejected")
}

// onTipChanged announces newly connected headers and logs the change.
func (n *Node) onTipChanged(ev chain.TipEvent) {
	if ev.IsReorg() {
		n.logger.Warn().
			Uint64("fork", ev.Fork.Height).
			Int("detached", len(ev.Detached)).
			Int("attached", len(ev.Attached)).
			Str("tip", ev.New.Hash.Short()).
			Msg("Chain reorganized")
	} else {
		n.logger.Info().
			Uint64("height", ev.New.Height).
			Str("tip", ev.New.Hash.Short()).
			Msg("Tip advanced")
	}
	if n.p2pNode == nil || len(ev.Attached) == 0 {
		return
	}

	attached := ev.Attached
	if len(attached) > p2p.MaxHeadersPerMessage {
		attached = attached[len(attached)-p2p.MaxHeadersPerMessage:]
	}
	headers := make([]*block.Header, 0, len(attached))
	for _, hash := range attached {
		hn, ok := n.manager.Index().Lookup(hash)
		if !ok || hn.Header == nil {
			continue
		}
		headers = append(headers, hn.Header)
	}
	if len(headers) == 0 {
		return
	}
	if err := n.p2pNode.AnnounceHeaders(headers); err != nil && !errors.Is(err, p2p.ErrNotStarted) {
		n.logger.Debug().Err(err).Msg("Header announcement failed")
	}
}

// Start launches networking and the background loops.
func (n *Node) Start() error {
	if err := n.penalty.Start(); err != nil {
		return fmt.Errorf("start penalty coordinator: %w", err)
	}

	if n.p2pNode != nil {
		if err := n.p2pNode.Start(); err != nil {
			return fmt.Errorf("start p2p: %w", err)
		}
		n.metrics.WatchPeers(n.p2pNode.PeerCount, n.bannedCount)

		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.runSyncLoop()
		}()
	} else {
		if err := n.bans.LoadBans(); err != nil {
			return fmt.Errorf("load bans: %w", err)
		}
		n.metrics.WatchPeers(func() int { return 0 }, n.bannedCount)
		go n.bans.RunPruneLoop(n.ctx.Done())
	}
	n.notifier.Start()

	if n.cfg.Metrics.Enabled {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.metrics.Serve(n.ctx, n.cfg.Metrics.Addr); err != nil {
				n.logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	n.wg.Add(2)
	go func() {
		defer n.wg.Done()
		n.runPruneLoop()
	}()
	go func() {
		defer n.wg.Done()
		n.watchHalt()
	}()

	tip := n.manager.Tip()
	n.logger.Info().
		Uint64("height", tip.Height).
		Str("tip", tip.Hash.Short()).
		Bool("p2p", n.p2pNode != nil).
		Msg("Node started successfully")
	return nil
}

// Stop performs graceful shutdown in reverse order.
func (n *Node) Stop() {
	n.cancel()
	n.wg.Wait()

	if n.p2pNode != nil {
		n.p2pNode.Stop()
	}
	n.penalty.Stop()
	n.notifier.Stop()
	if n.db != nil {
		n.db.Close()
	}

	n.logger.Info().Msg("Goodbye!")
}

// Manager returns the chain manager.
func (n *Node) Manager() *chain.Manager { return n.manager }

// P2P returns the network node, nil when networking is disabled.
func (n *Node) P2P() *p2p.Node { return n.p2pNode }

// Bans returns the peer ban set.
func (n *Node) Bans() *p2p.BanManager { return n.bans }

// Metrics returns the node's collectors.
func (n *Node) Metrics() *metrics.Metrics { return n.metrics }

// Height returns the current chain height.
func (n *Node) Height() uint64 {
	return n.manager.Tip().Height
}

// Halted is closed when the chain manager stops on an unrecoverable
// storage error.
func (n *Node) Halted() <-chan struct{} {
	return n.manager.Halted()
}

func (n *Node) bannedCount() int {
	return len(n.bans.BanList())
}

// ── Background loops ────────────────────────────────────────────────

func (n *Node) runPruneLoop() {
	interval := n.cfg.Chain.PruneInterval
	if interval <= 0 || n.cfg.Chain.RetentionWindow == 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if removed := n.manager.Prune(n.cfg.Chain.RetentionWindow); removed > 0 {
				n.logger.Debug().Int("removed", removed).Msg("Pruned header index")
			}
		}
	}
}

func (n *Node) watchHalt() {
	select {
	case <-n.ctx.Done():
	case <-n.manager.Halted():
		n.logger.Error().Err(n.manager.Err()).Msg("Chain manager halted, node needs a restart")
	}
}

// ── Sync ────────────────────────────────────────────────────────────

// runSyncLoop periodically asks a few verified peers for headers past our
// locator, so a node that missed announcements catches up.
func (n *Node) runSyncLoop() {
	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			started := 0
			for _, p := range n.p2pNode.PeerList() {
				if !p.Verified || started == syncPeers {
					continue
				}
				n.startSync(p.ID)
				started++
			}
		}
	}
}

// startSync syncs headers from id in the background, at most once per
// peer at a time.
func (n *Node) startSync(id peer.ID) {
	if n.ctx.Err() != nil {
		return
	}
	n.syncMu.Lock()
	if _, busy := n.syncing[id]; busy {
		n.syncMu.Unlock()
		return
	}
	n.syncing[id] = struct{}{}
	n.syncMu.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer func() {
			n.syncMu.Lock()
			delete(n.syncing, id)
			n.syncMu.Unlock()
		}()
		n.syncFrom(id)
	}()
}

// syncFrom requests headers from id until it returns a short batch. The
// manager fetches the bodies of the best chain on its own.
func (n *Node) syncFrom(id peer.ID) {
	start := n.manager.Tip().Height
	syncStart := time.Now()
	total := 0

	locator, err := n.manager.Locator()
	if err != nil {
		n.logger.Warn().Err(err).Msg("Building locator failed")
		return
	}

	for n.ctx.Err() == nil {
		reqCtx, cancel := context.WithTimeout(n.ctx, syncRequestTimeout)
		headers, err := n.p2pNode.RequestHeaders(reqCtx, id, locator, p2p.MaxHeadersPerMessage)
		cancel()
		if err != nil {
			n.logger.Debug().Err(err).Str("peer", shortPeer(id)).Msg("Header request failed")
			return
		}
		if len(headers) == 0 {
			break
		}
		total += len(headers)

		if err := n.manager.ProcessHeaders(n.ctx, headers, id); err != nil {
			n.logger.Warn().Err(err).Str("peer", shortPeer(id)).Msg("Sync headers rejected")
			return
		}
		n.logger.Info().
			Uint64("height", headers[len(headers)-1].Height).
			Uint64("tip", n.manager.Tip().Height).
			Str("peer", shortPeer(id)).
			Msg("Syncing headers")

		if len(headers) < p2p.MaxHeadersPerMessage {
			break
		}
		// Our main chain only moves once bodies arrive, so continue from
		// the last header the peer sent.
		locator = append([]types.Hash{headers[len(headers)-1].Hash()}, locator...)
	}

	if total > 0 {
		n.logger.Info().
			Uint64("from", start).
			Int("headers", total).
			Dur("elapsed", time.Since(syncStart)).
			Msg("Header sync complete")
	}
}

func shortPeer(id peer.ID) string {
	s := id.String()
	if len(s) > 16 {
		return s[:16]
	}
	return s
}
