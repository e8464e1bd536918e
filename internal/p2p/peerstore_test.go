package p2p

import (
	"testing"
	"time"

	"github.com/Klingon-tech/klingnet-node/internal/storage"
)

func newTestPeerStore() *PeerStore {
	return NewPeerStore(storage.NewMemory())
}

func TestPeerStore_SaveLoad(t *testing.T) {
	ps := newTestPeerStore()
	id := generateTestPeerID(t)
	rec := PeerRecord{
		ID:       id.String(),
		Addrs:    []string{"/ip4/192.168.1.1/tcp/4001"},
		LastSeen: testEpoch.Unix(),
		Source:   "seed",
	}
	if err := ps.Save(rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := ps.Load(id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.ID != rec.ID || loaded.LastSeen != rec.LastSeen || loaded.Source != rec.Source {
		t.Errorf("record mismatch: got %+v, want %+v", loaded, rec)
	}

	info, ok := loaded.addrInfo()
	if !ok || info.ID != id || len(info.Addrs) != 1 {
		t.Errorf("addrInfo = %+v, %v", info, ok)
	}
}

func TestPeerRecord_AddrInfoRejectsGarbage(t *testing.T) {
	if _, ok := (PeerRecord{ID: "not-a-peer-id", Addrs: []string{"/ip4/1.2.3.4/tcp/1"}}).addrInfo(); ok {
		t.Error("bad peer ID accepted")
	}
	id := generateTestPeerID(t)
	if _, ok := (PeerRecord{ID: id.String(), Addrs: []string{"nonsense"}}).addrInfo(); ok {
		t.Error("record without a valid address accepted")
	}
}

func TestPeerStore_SaveOverwriteAndCap(t *testing.T) {
	ps := newTestPeerStore()
	id := generateTestPeerID(t)

	ps.Save(PeerRecord{ID: id.String(), LastSeen: 1000, Source: "mdns"})
	if err := ps.Save(PeerRecord{ID: id.String(), LastSeen: 2000, Source: "seed"}); err != nil {
		t.Fatalf("Save v2: %v", err)
	}
	loaded, err := ps.Load(id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.LastSeen != 2000 || loaded.Source != "seed" {
		t.Errorf("record not updated: %+v", loaded)
	}
	if count, _ := ps.Count(); count != 1 {
		t.Errorf("expected 1 record after overwrite, got %d", count)
	}

	for i := 1; i < maxPersistedPeers+5; i++ {
		ps.Save(PeerRecord{ID: string(rune('a'+i%26)) + string(rune(i)), LastSeen: 1})
	}
	if count, _ := ps.Count(); count != maxPersistedPeers {
		t.Errorf("store grew to %d records", count)
	}
	if err := ps.Save(PeerRecord{ID: id.String(), LastSeen: 3000}); err != nil {
		t.Fatalf("update at capacity: %v", err)
	}
	if loaded, _ := ps.Load(id); loaded.LastSeen != 3000 {
		t.Error("known peer not updated at capacity")
	}
}

func TestPeerStore_PruneStale(t *testing.T) {
	ps := newTestPeerStore()
	old, recent := generateTestPeerID(t), generateTestPeerID(t)

	ps.Save(PeerRecord{ID: old.String(), LastSeen: testEpoch.Add(-48 * time.Hour).Unix()})
	ps.Save(PeerRecord{ID: recent.String(), LastSeen: testEpoch.Add(-time.Hour).Unix()})

	pruned, err := ps.PruneStale(testEpoch.Add(-staleThreshold))
	if err != nil {
		t.Fatalf("PruneStale: %v", err)
	}
	if pruned != 1 {
		t.Errorf("expected 1 pruned, got %d", pruned)
	}
	if _, err := ps.Load(recent); err != nil {
		t.Fatalf("recent peer pruned: %v", err)
	}
	if _, err := ps.Load(old); err == nil {
		t.Error("stale peer kept")
	}

	all, err := ps.LoadAll()
	if err != nil || len(all) != 1 {
		t.Errorf("LoadAll = %d records, %v", len(all), err)
	}
	if err := ps.Delete(recent); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if count, _ := ps.Count(); count != 0 {
		t.Errorf("expected empty store, got %d", count)
	}
}
