package p2p

import (
	"sync"
	"time"

	"github.com/Klingon-tech/klingnet-node/internal/log"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/libp2p/go-libp2p/core/peer"
)

// banPruneInterval is how often expired bans are dropped.
const banPruneInterval = 10 * time.Minute

// BanManager keeps the set of banned peers. It implements penalty.Banner:
// banning an already banned peer extends the ban and never shortens it.
type BanManager struct {
	mu    sync.RWMutex
	bans  map[peer.ID]*BanRecord
	store *BanStore // nil disables persistence
	clock clock.Clock

	disconnect func(peer.ID)
	onBan      func(BanRecord)
}

// NewBanManager creates a BanManager. store may be nil to keep bans in
// memory only; clk defaults to the wall clock.
func NewBanManager(store *BanStore, clk clock.Clock) *BanManager {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	return &BanManager{
		bans:  make(map[peer.ID]*BanRecord),
		store: store,
		clock: clk,
	}
}

// SetDisconnect registers the function used to drop a newly banned peer.
func (bm *BanManager) SetDisconnect(fn func(peer.ID)) {
	bm.mu.Lock()
	bm.disconnect = fn
	bm.mu.Unlock()
}

// SetBanHook registers a callback run for every new or extended ban.
func (bm *BanManager) SetBanHook(fn func(BanRecord)) {
	bm.mu.Lock()
	bm.onBan = fn
	bm.mu.Unlock()
}

// LoadBans restores persisted bans that are still active.
func (bm *BanManager) LoadBans() error {
	if bm.store == nil {
		return nil
	}
	now := bm.clock.Now()
	if _, err := bm.store.PruneExpired(now); err != nil {
		return err
	}

	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.store.ForEach(func(rec *BanRecord) error {
		id, err := peer.Decode(rec.ID)
		if err != nil || rec.ExpiredAt(now) {
			return nil
		}
		bm.bans[id] = rec
		return nil
	})
}

// BanPeer bans id for d. A longer ban extends an active one and replaces
// its reason; a shorter one leaves the record untouched. Non-positive
// durations are ignored.
func (bm *BanManager) BanPeer(id peer.ID, d time.Duration, reason string) {
	if id == "" || d <= 0 {
		return
	}
	now := bm.clock.Now()
	expires := now.Add(d).Unix()

	bm.mu.Lock()
	rec, active := bm.bans[id]
	if active && !rec.ExpiredAt(now) {
		if rec.ExpiresAt == 0 || rec.ExpiresAt >= expires {
			bm.mu.Unlock()
			return
		}
		rec.ExpiresAt = expires
		rec.Reason = reason
	} else {
		active = false
		rec = &BanRecord{
			ID:        id.String(),
			Reason:    reason,
			BannedAt:  now.Unix(),
			ExpiresAt: expires,
		}
		bm.bans[id] = rec
	}
	snapshot := *rec
	disconnect, hook := bm.disconnect, bm.onBan
	bm.mu.Unlock()

	if bm.store != nil {
		if err := bm.store.Put(&snapshot); err != nil {
			log.P2P.Error().Err(err).Str("peer", shortID(id)).Msg("Failed to persist ban")
		}
	}

	ev := log.P2P.Warn().
		Str("peer", shortID(id)).
		Str("reason", reason).
		Dur("duration", d)
	if active {
		ev.Msg("Peer ban extended")
	} else {
		ev.Msg("Peer banned")
	}

	if hook != nil {
		hook(snapshot)
	}
	if !active && disconnect != nil {
		go disconnect(id)
	}
}

// IsBanned reports whether id is currently banned. Expired entries are
// removed on the way.
func (bm *BanManager) IsBanned(id peer.ID) bool {
	bm.mu.RLock()
	rec, ok := bm.bans[id]
	bm.mu.RUnlock()
	if !ok {
		return false
	}
	if !rec.ExpiredAt(bm.clock.Now()) {
		return true
	}

	bm.mu.Lock()
	delete(bm.bans, id)
	bm.mu.Unlock()
	if bm.store != nil {
		bm.store.Delete(id)
	}
	return false
}

// Unban lifts a ban.
func (bm *BanManager) Unban(id peer.ID) {
	bm.mu.Lock()
	delete(bm.bans, id)
	bm.mu.Unlock()

	if bm.store != nil {
		bm.store.Delete(id)
	}
}

// Clear lifts every ban, persisted ones included.
func (bm *BanManager) Clear() error {
	bm.mu.Lock()
	bm.bans = make(map[peer.ID]*BanRecord)
	bm.mu.Unlock()

	if bm.store == nil {
		return nil
	}
	var ids []peer.ID
	err := bm.store.ForEach(func(rec *BanRecord) error {
		if id, err := peer.Decode(rec.ID); err == nil {
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := bm.store.Delete(id); err != nil {
			return err
		}
	}
	return nil
}

// BanList returns a snapshot of all active bans.
func (bm *BanManager) BanList() []BanRecord {
	now := bm.clock.Now()
	bm.mu.RLock()
	defer bm.mu.RUnlock()

	var list []BanRecord
	for _, rec := range bm.bans {
		if !rec.ExpiredAt(now) {
			list = append(list, *rec)
		}
	}
	return list
}

// RunPruneLoop drops expired bans every banPruneInterval until done is
// closed.
func (bm *BanManager) RunPruneLoop(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-bm.clock.TickAfter(banPruneInterval):
			bm.pruneExpired()
		}
	}
}

func (bm *BanManager) pruneExpired() {
	now := bm.clock.Now()
	bm.mu.Lock()
	for id, rec := range bm.bans {
		if rec.ExpiredAt(now) {
			delete(bm.bans, id)
		}
	}
	bm.mu.Unlock()

	if bm.store != nil {
		if _, err := bm.store.PruneExpired(now); err != nil {
			log.P2P.Warn().Err(err).Msg("Ban store prune failed")
		}
	}
}

func shortID(id peer.ID) string {
	s := id.String()
	if len(s) > 16 {
		return s[:16]
	}
	return s
}
