// Package p2p connects the node to its peers over libp2p: header and
// block gossip, stream protocols for bodies and headers, and peer bans.
package p2p

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Klingon-tech/klingnet-node/internal/log"
	"github.com/Klingon-tech/klingnet-node/internal/storage"
	"github.com/Klingon-tech/klingnet-node/pkg/block"
	"github.com/Klingon-tech/klingnet-node/pkg/types"
	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/lightningnetwork/lnd/clock"
	"golang.org/x/sync/semaphore"
)

const (
	// rendezvousFallback is the mDNS namespace when no NetworkID is set.
	rendezvousFallback = "klingnet-node"

	peerConnectTimeout = 5 * time.Second
	seedRetryInterval  = 10 * time.Second

	defaultMaxMessageSize = 4 << 20
)

// ErrNotStarted is returned by operations that need a running host.
var ErrNotStarted = errors.New("p2p node not started")

// Config holds P2P node configuration.
type Config struct {
	ListenAddr     string
	Port           int
	Seeds          []string
	MaxPeers       int
	NoDiscover     bool
	DB             storage.DB  // peer and ban persistence, nil disables it
	NetworkID      string      // isolates mDNS discovery per network
	DataDir        string      // where the node identity key lives
	GenesisHash    types.Hash  // zero disables the handshake
	MaxMessageSize int         // gossip and stream size limit
	Bans           *BanManager // shared ban set, built from DB when nil
	Clock          clock.Clock
}

// Node represents a P2P node built on libp2p.
type Node struct {
	host   host.Host
	pubsub *pubsub.PubSub
	config Config
	clock  clock.Clock
	ctx    context.Context
	cancel context.CancelFunc

	topicHeaders *pubsub.Topic
	topicBlock   *pubsub.Topic
	subHeaders   *pubsub.Subscription
	subBlock     *pubsub.Subscription

	// Handlers, guarded by mu.
	headersHandler  func(peer.ID, []*block.Header)
	blockHandler    func(peer.ID, *block.Block)
	bodyHandler     func(peer.ID, types.Hash, *block.Body)
	bodyProvider    func(types.Hash) (*block.Body, error)
	headersProvider func(locator []types.Hash, max int) []*block.Header
	heightFn        func() uint64
	onPeerReady     func(Peer)

	mu    sync.RWMutex
	peers map[peer.ID]*Peer

	bans       *BanManager
	peerStore  *PeerStore // nil if Config.DB is nil
	connNotify *connNotifier
	inflight   *semaphore.Weighted
}

// New creates a P2P node with the given config.
func New(cfg Config) *Node {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		config:   cfg,
		clock:    cfg.Clock,
		ctx:      ctx,
		cancel:   cancel,
		peers:    make(map[peer.ID]*Peer),
		bans:     cfg.Bans,
		inflight: semaphore.NewWeighted(maxInflightBodies),
	}
	if cfg.DB != nil {
		n.peerStore = NewPeerStore(cfg.DB)
	}
	if n.bans == nil {
		var store *BanStore
		if cfg.DB != nil {
			store = NewBanStore(cfg.DB)
		}
		n.bans = NewBanManager(store, cfg.Clock)
	}
	return n
}

// rendezvous returns the mDNS discovery namespace for this node.
func (n *Node) rendezvous() string {
	if n.config.NetworkID != "" {
		return "klingnet/" + n.config.NetworkID
	}
	return rendezvousFallback
}

// Start creates the libp2p host, joins the gossip topics and begins
// listening.
func (n *Node) Start() error {
	if err := n.bans.LoadBans(); err != nil {
		return fmt.Errorf("load bans: %w", err)
	}
	n.bans.SetDisconnect(func(id peer.ID) { n.DisconnectPeer(id) })

	addr := fmt.Sprintf("/ip4/%s/tcp/%d", n.config.ListenAddr, n.config.Port)
	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(addr),
		libp2p.ConnectionGater(&gater{bans: n.bans, maxPeers: n.config.MaxPeers, peerCount: n.PeerCount}),
	}

	// A persisted identity keeps the peer ID stable across restarts.
	if n.config.DataDir != "" {
		privKey, err := loadOrCreateIdentity(n.config.DataDir)
		if err != nil {
			return fmt.Errorf("load p2p identity: %w", err)
		}
		opts = append(opts, libp2p.Identity(privKey))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return fmt.Errorf("create libp2p host: %w", err)
	}
	n.host = h

	n.connNotify = &connNotifier{node: n}
	h.Network().Notify(n.connNotify)

	ps, err := pubsub.NewGossipSub(n.ctx, h, pubsub.WithMaxMessageSize(n.config.MaxMessageSize))
	if err != nil {
		h.Close()
		return fmt.Errorf("create pubsub: %w", err)
	}
	n.pubsub = ps

	if err := n.joinTopics(); err != nil {
		h.Close()
		return err
	}

	if n.handshakeEnabled() {
		n.registerHandshakeHandler()
	}
	n.registerBodyHandler()
	n.registerHeadersHandler()

	go n.readLoop(n.subHeaders, n.handleHeadersMessage)
	go n.readLoop(n.subBlock, n.handleBlockMessage)
	go n.bans.RunPruneLoop(n.ctx.Done())

	go n.loadPersistedPeers()

	if len(n.config.Seeds) > 0 {
		log.P2P.Info().Int("seeds", len(n.config.Seeds)).Msg("Connecting to seeds...")
	}
	n.connectSeedsOnce()
	go n.connectSeedsLoop()

	if !n.config.NoDiscover {
		n.startMDNS()
	}
	if n.peerStore != nil {
		go n.runPersistLoop()
	}

	log.P2P.Info().
		Str("id", n.host.ID().String()).
		Strs("addrs", n.Addrs()).
		Msg("P2P node started")
	return nil
}

// Stop shuts down the P2P node.
func (n *Node) Stop() error {
	n.persistPeers()

	n.cancel()
	if n.subHeaders != nil {
		n.subHeaders.Cancel()
	}
	if n.subBlock != nil {
		n.subBlock.Cancel()
	}
	if n.host != nil {
		return n.host.Close()
	}
	return nil
}

// Host returns the underlying libp2p host (nil before Start).
func (n *Node) Host() host.Host {
	return n.host
}

// Bans returns the node's ban manager.
func (n *Node) Bans() *BanManager {
	return n.bans
}

// SetHeadersHandler registers the callback for gossiped headers.
func (n *Node) SetHeadersHandler(fn func(from peer.ID, headers []*block.Header)) {
	n.mu.Lock()
	n.headersHandler = fn
	n.mu.Unlock()
}

// SetBlockHandler registers the callback for gossiped blocks.
func (n *Node) SetBlockHandler(fn func(from peer.ID, b *block.Block)) {
	n.mu.Lock()
	n.blockHandler = fn
	n.mu.Unlock()
}

// SetBodyHandler registers the callback for bodies fetched by RequestBody.
func (n *Node) SetBodyHandler(fn func(from peer.ID, hash types.Hash, body *block.Body)) {
	n.mu.Lock()
	n.bodyHandler = fn
	n.mu.Unlock()
}

// SetBodyProvider sets the lookup used to serve body requests.
func (n *Node) SetBodyProvider(fn func(hash types.Hash) (*block.Body, error)) {
	n.mu.Lock()
	n.bodyProvider = fn
	n.mu.Unlock()
}

// SetHeadersProvider sets the lookup used to serve header requests.
func (n *Node) SetHeadersProvider(fn func(locator []types.Hash, max int) []*block.Header) {
	n.mu.Lock()
	n.headersProvider = fn
	n.mu.Unlock()
}

// SetHeightFn sets the function reporting our best height in the handshake.
func (n *Node) SetHeightFn(fn func() uint64) {
	n.mu.Lock()
	n.heightFn = fn
	n.mu.Unlock()
}

// SetPeerReadyHandler registers a callback run once a peer passes the
// handshake, or on connect when the handshake is disabled.
func (n *Node) SetPeerReadyHandler(fn func(Peer)) {
	n.mu.Lock()
	n.onPeerReady = fn
	n.mu.Unlock()
}

// DisconnectPeer closes all connections to a peer.
func (n *Node) DisconnectPeer(id peer.ID) error {
	if n.host == nil {
		return ErrNotStarted
	}
	n.removePeer(id)
	return n.host.Network().ClosePeer(id)
}

// ID returns the peer ID of this node.
func (n *Node) ID() peer.ID {
	if n.host == nil {
		return ""
	}
	return n.host.ID()
}

// Addrs returns the full multiaddrs of this node.
func (n *Node) Addrs() []string {
	if n.host == nil {
		return nil
	}
	var addrs []string
	for _, a := range n.host.Addrs() {
		addrs = append(addrs, fmt.Sprintf("%s/p2p/%s", a, n.host.ID()))
	}
	return addrs
}

// PeerCount returns the number of connected peers.
func (n *Node) PeerCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.peers)
}

// PeerList returns a snapshot of connected peers.
func (n *Node) PeerList() []Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]Peer, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, *p)
	}
	return out
}

func (n *Node) addPeer(id peer.ID, source string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.peers[id]; !exists {
		n.peers[id] = &Peer{
			ID:          id,
			ConnectedAt: n.clock.Now(),
			Source:      source,
		}
	}
}

func (n *Node) removePeer(id peer.ID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.peers, id)
}

// peerReady records a completed handshake and runs the ready callback.
func (n *Node) peerReady(id peer.ID, height uint64) {
	n.mu.Lock()
	p, ok := n.peers[id]
	if !ok {
		p = &Peer{ID: id, ConnectedAt: n.clock.Now()}
		n.peers[id] = p
	}
	p.BestHeight = height
	p.Verified = true
	snapshot := *p
	fn := n.onPeerReady
	n.mu.Unlock()

	if fn != nil {
		fn(snapshot)
	}
}

func (n *Node) joinTopics() error {
	var err error
	n.topicHeaders, err = n.pubsub.Join(TopicHeaders)
	if err != nil {
		return fmt.Errorf("join headers topic: %w", err)
	}
	n.topicBlock, err = n.pubsub.Join(TopicBlocks)
	if err != nil {
		return fmt.Errorf("join block topic: %w", err)
	}
	n.subHeaders, err = n.topicHeaders.Subscribe()
	if err != nil {
		return fmt.Errorf("subscribe headers: %w", err)
	}
	n.subBlock, err = n.topicBlock.Subscribe()
	if err != nil {
		return fmt.Errorf("subscribe block: %w", err)
	}
	return nil
}

func (n *Node) readLoop(sub *pubsub.Subscription, handler func(*pubsub.Message)) {
	for {
		msg, err := sub.Next(n.ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}
		n.dispatch(msg, handler)
	}
}

// dispatch runs a message handler, containing panics from peer data.
func (n *Node) dispatch(msg *pubsub.Message, handler func(*pubsub.Message)) {
	defer func() {
		if r := recover(); r != nil {
			log.P2P.Error().
				Interface("panic", r).
				Str("peer", shortID(msg.ReceivedFrom)).
				Str("topic", msg.GetTopic()).
				Msg("Gossip handler panicked")
		}
	}()
	if n.bans.IsBanned(msg.ReceivedFrom) {
		return
	}
	n.addPeer(msg.ReceivedFrom, "gossip")
	handler(msg)
}

func (n *Node) handleHeadersMessage(msg *pubsub.Message) {
	var ann HeadersAnnouncement
	if err := json.Unmarshal(msg.Data, &ann); err != nil || len(ann.Headers) == 0 {
		log.P2P.Debug().Str("peer", shortID(msg.ReceivedFrom)).Msg("Dropping malformed headers announcement")
		return
	}
	if len(ann.Headers) > MaxHeadersPerMessage {
		log.P2P.Debug().Int("count", len(ann.Headers)).Msg("Dropping oversized headers announcement")
		return
	}
	for _, h := range ann.Headers {
		if h == nil {
			return
		}
	}
	n.mu.RLock()
	fn := n.headersHandler
	n.mu.RUnlock()
	if fn != nil {
		fn(msg.ReceivedFrom, ann.Headers)
	}
}

func (n *Node) handleBlockMessage(msg *pubsub.Message) {
	var blk block.Block
	if err := json.Unmarshal(msg.Data, &blk); err != nil || blk.Header == nil {
		log.P2P.Debug().Str("peer", shortID(msg.ReceivedFrom)).Msg("Dropping malformed block")
		return
	}
	if hasNilTx(blk.Transactions) {
		return
	}
	n.mu.RLock()
	fn := n.blockHandler
	n.mu.RUnlock()
	if fn != nil {
		fn(msg.ReceivedFrom, &blk)
	}
}

// AnnounceHeaders publishes headers to the gossip network.
func (n *Node) AnnounceHeaders(headers []*block.Header) error {
	if n.topicHeaders == nil {
		return ErrNotStarted
	}
	if len(headers) > MaxHeadersPerMessage {
		headers = headers[len(headers)-MaxHeadersPerMessage:]
	}
	data, err := json.Marshal(HeadersAnnouncement{Headers: headers})
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}
	return n.topicHeaders.Publish(n.ctx, data)
}

// BroadcastBlock publishes a block to the gossip network.
func (n *Node) BroadcastBlock(b *block.Block) error {
	if n.topicBlock == nil {
		return ErrNotStarted
	}
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal block: %w", err)
	}
	return n.topicBlock.Publish(n.ctx, data)
}

func (n *Node) startMDNS() {
	svc := mdns.NewMdnsService(n.host, n.rendezvous(), &discoveryNotifee{node: n})
	if err := svc.Start(); err != nil {
		log.P2P.Warn().Err(err).Msg("mDNS discovery unavailable")
	}
}

// connectSeedsOnce tries each seed once and reports whether any connected.
func (n *Node) connectSeedsOnce() bool {
	connected := false
	for _, addr := range n.config.Seeds {
		info, err := peer.AddrInfoFromString(addr)
		if err != nil {
			log.P2P.Warn().Str("addr", addr).Err(err).Msg("Bad seed address")
			continue
		}
		ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
		err = n.host.Connect(ctx, *info)
		cancel()
		if err != nil {
			log.P2P.Warn().Str("peer", shortID(info.ID)).Err(err).Msg("Seed connect failed")
			continue
		}
		n.addPeer(info.ID, "seed")
		log.P2P.Info().Str("peer", shortID(info.ID)).Msg("Seed connected")
		connected = true
	}
	return connected
}

// connectSeedsLoop retries the seeds while the node has no peers.
func (n *Node) connectSeedsLoop() {
	if len(n.config.Seeds) == 0 {
		return
	}
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-n.clock.TickAfter(seedRetryInterval):
			if n.PeerCount() == 0 {
				log.P2P.Info().Int("seeds", len(n.config.Seeds)).Msg("No peers, retrying seeds...")
				n.connectSeedsOnce()
			}
		}
	}
}

// --- Peer persistence ---

func (n *Node) persistPeers() {
	if n.peerStore == nil || n.host == nil {
		return
	}

	n.mu.RLock()
	snapshot := make([]Peer, 0, len(n.peers))
	for _, p := range n.peers {
		snapshot = append(snapshot, *p)
	}
	n.mu.RUnlock()

	now := n.clock.Now().Unix()
	for _, p := range snapshot {
		addrs := n.host.Peerstore().Addrs(p.ID)
		if len(addrs) == 0 {
			continue
		}
		addrStrs := make([]string, len(addrs))
		for i, a := range addrs {
			addrStrs[i] = a.String()
		}
		rec := PeerRecord{ID: p.ID.String(), Addrs: addrStrs, LastSeen: now, Source: p.Source}
		if err := n.peerStore.Save(rec); err != nil {
			log.P2P.Debug().Err(err).Str("peer", shortID(p.ID)).Msg("Failed to persist peer")
		}
	}
}

func (n *Node) loadPersistedPeers() {
	if n.peerStore == nil {
		return
	}
	n.peerStore.PruneStale(n.clock.Now().Add(-staleThreshold))

	records, err := n.peerStore.LoadAll()
	if err != nil {
		return
	}
	for _, rec := range records {
		info, ok := rec.addrInfo()
		if !ok || info.ID == n.host.ID() || n.bans.IsBanned(info.ID) {
			continue
		}
		ctx, cancel := context.WithTimeout(n.ctx, peerConnectTimeout)
		if err := n.host.Connect(ctx, info); err == nil {
			n.addPeer(info.ID, rec.Source)
		}
		cancel()
	}
}

func (n *Node) runPersistLoop() {
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-n.clock.TickAfter(persistInterval):
			n.persistPeers()
			n.peerStore.PruneStale(n.clock.Now().Add(-staleThreshold))
		}
	}
}

// loadOrCreateIdentity loads the libp2p key from dataDir, generating and
// saving a new one on first start.
func loadOrCreateIdentity(dataDir string) (libp2pcrypto.PrivKey, error) {
	keyPath := filepath.Join(dataDir, "node.key")

	data, err := os.ReadFile(keyPath)
	if err == nil {
		keyBytes, err := hex.DecodeString(string(data))
		if err != nil {
			return nil, fmt.Errorf("decode node key: %w", err)
		}
		return libp2pcrypto.UnmarshalEd25519PrivateKey(keyBytes)
	}

	priv, _, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	raw, err := priv.Raw()
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(raw)), 0o600); err != nil {
		return nil, fmt.Errorf("save node key: %w", err)
	}
	return priv, nil
}
