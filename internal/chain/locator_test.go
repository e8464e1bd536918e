package chain

import (
	"testing"

	"github.com/Klingon-tech/klingnet-node/pkg/types"
)

func TestLocator(t *testing.T) {
	h := newHarness(t)
	h.mustOpen()

	loc, err := h.m.Locator()
	if err != nil {
		t.Fatalf("Locator: %v", err)
	}
	if len(loc) != 1 || loc[0] != h.genesis().Hash() {
		t.Fatalf("fresh locator = %v, want only genesis", loc)
	}

	blocks := branch(h.params, h.genesis(), 30, 0)
	h.feed("p", blocks...)

	loc, err = h.m.Locator()
	if err != nil {
		t.Fatalf("Locator: %v", err)
	}
	// Heights 30..21, then 19, 15, 7 and genesis.
	if len(loc) != 14 {
		t.Fatalf("locator length = %d, want 14", len(loc))
	}
	if loc[0] != blocks[29].Hash() {
		t.Errorf("first entry = %s, want tip", loc[0].Short())
	}
	if loc[10] != blocks[18].Hash() {
		t.Errorf("entry 10 = %s, want height 19", loc[10].Short())
	}
	if loc[len(loc)-1] != h.genesis().Hash() {
		t.Errorf("last entry = %s, want genesis", loc[len(loc)-1].Short())
	}
}

func TestHeadersAfter(t *testing.T) {
	h := newHarness(t)
	h.mustOpen()
	blocks := branch(h.params, h.genesis(), 20, 0)
	h.feed("p", blocks...)

	got, err := h.m.HeadersAfter([]types.Hash{blocks[9].Hash()}, 5)
	if err != nil {
		t.Fatalf("HeadersAfter: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("got %d headers, want 5", len(got))
	}
	for i, hdr := range got {
		if hdr.Hash() != blocks[10+i].Hash() {
			t.Errorf("header %d = height %d, want %d", i, hdr.Height, 11+i)
		}
	}

	// Unknown hashes are skipped; with no match the walk starts at genesis.
	got, err = h.m.HeadersAfter([]types.Hash{{0x01}, {0x02}}, 3)
	if err != nil {
		t.Fatalf("HeadersAfter: %v", err)
	}
	if len(got) != 3 || got[0].Height != 1 {
		t.Fatalf("fallback returned %d headers starting at %v", len(got), got)
	}

	// The first known main chain hash wins.
	got, err = h.m.HeadersAfter([]types.Hash{{0x03}, blocks[17].Hash(), blocks[2].Hash()}, 100)
	if err != nil {
		t.Fatalf("HeadersAfter: %v", err)
	}
	if len(got) != 2 || got[0].Height != 19 || got[1].Height != 20 {
		t.Fatalf("got %d headers, want heights 19 and 20", len(got))
	}

	got, err = h.m.HeadersAfter([]types.Hash{blocks[19].Hash()}, 10)
	if err != nil {
		t.Fatalf("HeadersAfter: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("peer at our tip got %d headers", len(got))
	}
}

func TestHeadersAfter_SideBranchIgnored(t *testing.T) {
	h := newHarness(t)
	h.mustOpen()
	main := branch(h.params, h.genesis(), 6, 0)
	h.feed("p", main...)
	side := branch(h.params, h.genesis(), 2, 1)
	h.feed("q", side...)
	h.requireTip(main[5].Hash())

	got, err := h.m.HeadersAfter([]types.Hash{side[1].Hash(), main[3].Hash()}, 10)
	if err != nil {
		t.Fatalf("HeadersAfter: %v", err)
	}
	if len(got) != 2 || got[0].Height != 5 {
		t.Fatalf("got %d headers, want heights 5 and 6", len(got))
	}
}
