package p2p

import (
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/Klingon-tech/klingnet-node/internal/storage"
	"github.com/lightningnetwork/lnd/clock"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

var testEpoch = time.Unix(1_700_000_000, 0)

func generateTestPeerID(t *testing.T) peer.ID {
	t.Helper()
	priv, _, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		t.Fatalf("peer id from key: %v", err)
	}
	return id
}

func TestBanManager_BanAndExpire(t *testing.T) {
	clk := clock.NewTestClock(testEpoch)
	bm := NewBanManager(nil, clk)
	id := peer.ID("bad-peer")

	bm.BanPeer(id, time.Hour, "high-hash")
	if !bm.IsBanned(id) {
		t.Fatal("peer should be banned")
	}

	clk.SetTime(testEpoch.Add(59 * time.Minute))
	if !bm.IsBanned(id) {
		t.Error("ban lifted early")
	}
	clk.SetTime(testEpoch.Add(time.Hour))
	if bm.IsBanned(id) {
		t.Error("ban not lifted at expiry")
	}
	if len(bm.BanList()) != 0 {
		t.Error("expired ban still listed")
	}
}

func TestBanManager_ExtendsButNeverShortens(t *testing.T) {
	clk := clock.NewTestClock(testEpoch)
	bm := NewBanManager(nil, clk)
	id := peer.ID("repeat")

	bm.BanPeer(id, 24*time.Hour, "bad-txns")
	bm.BanPeer(id, time.Hour, "high-hash")

	list := bm.BanList()
	if len(list) != 1 {
		t.Fatalf("expected 1 ban, got %d", len(list))
	}
	if got := list[0].Remaining(clk.Now()); got != 24*time.Hour {
		t.Errorf("shorter ban replaced a longer one: %v left", got)
	}
	if list[0].Reason != "bad-txns" {
		t.Errorf("reason = %q", list[0].Reason)
	}

	clk.SetTime(testEpoch.Add(time.Hour))
	bm.BanPeer(id, 48*time.Hour, "missing-inputs")
	list = bm.BanList()
	if len(list) != 1 || list[0].Remaining(clk.Now()) != 48*time.Hour {
		t.Errorf("ban not extended: %+v", list)
	}
	if list[0].BannedAt != testEpoch.Unix() {
		t.Error("extension reset the ban start")
	}
}

func TestBanManager_IgnoresEmptyBans(t *testing.T) {
	bm := NewBanManager(nil, clock.NewTestClock(testEpoch))
	bm.BanPeer("p", 0, "zero")
	bm.BanPeer("p", -time.Second, "negative")
	bm.BanPeer("", time.Hour, "local")
	if len(bm.BanList()) != 0 {
		t.Error("empty ban recorded")
	}
}

func TestBanManager_Unban(t *testing.T) {
	bm := NewBanManager(nil, nil)
	id := peer.ID("test-peer")
	bm.BanPeer(id, time.Hour, "bad")
	if !bm.IsBanned(id) {
		t.Fatal("peer should be banned")
	}
	bm.Unban(id)
	if bm.IsBanned(id) {
		t.Error("peer should not be banned after Unban")
	}
}

func TestBanManager_DisconnectAndHook(t *testing.T) {
	bm := NewBanManager(nil, clock.NewTestClock(testEpoch))

	var mu sync.Mutex
	var hooked []BanRecord
	dropped := make(chan peer.ID, 4)
	bm.SetDisconnect(func(id peer.ID) { dropped <- id })
	bm.SetBanHook(func(rec BanRecord) {
		mu.Lock()
		hooked = append(hooked, rec)
		mu.Unlock()
	})

	bm.BanPeer("a", time.Hour, "first")
	bm.BanPeer("a", 2*time.Hour, "longer")

	select {
	case id := <-dropped:
		if id != "a" {
			t.Errorf("dropped %s", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("banned peer not disconnected")
	}
	select {
	case <-dropped:
		t.Error("extension disconnected the peer again")
	case <-time.After(100 * time.Millisecond):
	}

	mu.Lock()
	defer mu.Unlock()
	if len(hooked) != 2 {
		t.Errorf("hook ran %d times, want 2", len(hooked))
	}
}

func TestBanManager_Persistence(t *testing.T) {
	clk := clock.NewTestClock(testEpoch)
	store := NewBanStore(storage.NewMemory())
	bm := NewBanManager(store, clk)

	// Real peer IDs so String and Decode round trip.
	kept := generateTestPeerID(t)
	short := generateTestPeerID(t)
	bm.BanPeer(kept, 24*time.Hour, "bad-signature")
	bm.BanPeer(short, time.Minute, "high-hash")

	clk.SetTime(testEpoch.Add(time.Hour))
	bm2 := NewBanManager(store, clk)
	if err := bm2.LoadBans(); err != nil {
		t.Fatalf("LoadBans: %v", err)
	}
	if !bm2.IsBanned(kept) {
		t.Error("ban should survive reload from store")
	}
	if bm2.IsBanned(short) {
		t.Error("expired ban restored")
	}
	if _, err := store.Get(short); err == nil {
		t.Error("expired ban not pruned from the store")
	}
}

func TestBanManager_Clear(t *testing.T) {
	store := NewBanStore(storage.NewMemory())
	bm := NewBanManager(store, nil)
	a, b := generateTestPeerID(t), generateTestPeerID(t)
	bm.BanPeer(a, time.Hour, "x")
	bm.BanPeer(b, time.Hour, "y")

	if err := bm.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if bm.IsBanned(a) || bm.IsBanned(b) {
		t.Error("bans survived Clear")
	}
	n := 0
	store.ForEach(func(*BanRecord) error { n++; return nil })
	if n != 0 {
		t.Errorf("%d records left in the store", n)
	}
}

func TestBanManager_PruneLoop(t *testing.T) {
	clk := clock.NewTestClock(testEpoch)
	store := NewBanStore(storage.NewMemory())
	bm := NewBanManager(store, clk)
	id := generateTestPeerID(t)
	bm.BanPeer(id, time.Minute, "short")

	done := make(chan struct{})
	defer close(done)
	go bm.RunPruneLoop(done)

	// Wait for the loop to register its ticker before moving the clock.
	deadline := time.After(5 * time.Second)
	for {
		clk.SetTime(clk.Now().Add(banPruneInterval))
		if _, err := store.Get(id); err != nil {
			break
		}
		select {
		case <-deadline:
			t.Fatal("expired ban not pruned")
		case <-time.After(20 * time.Millisecond):
		}
	}
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	if _, ok := bm.bans[id]; ok {
		t.Error("expired ban kept in memory")
	}
}
