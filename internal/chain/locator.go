package chain

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-node/pkg/block"
	"github.com/Klingon-tech/klingnet-node/pkg/types"
)

// Locator describes the main chain to a peer: the ten most recent hashes,
// then hashes at doubling distances, ending with genesis.
func (m *Manager) Locator() ([]types.Hash, error) {
	_, tipHeight, ok, err := m.store.GetTip()
	if err != nil {
		return nil, err
	}
	if !ok {
		return []types.Hash{m.index.Genesis()}, nil
	}
	var out []types.Hash
	step := uint64(1)
	for height := tipHeight; ; {
		hash, err := m.store.HashAtHeight(height)
		if err != nil {
			return nil, fmt.Errorf("locator at %d: %w", height, err)
		}
		out = append(out, hash)
		if height == 0 {
			return out, nil
		}
		if len(out) >= 10 {
			step *= 2
		}
		if step >= height {
			height = 0
		} else {
			height -= step
		}
	}
}

// HeadersAfter returns up to max main chain headers following the first
// locator hash on our main chain, or following genesis when none is.
func (m *Manager) HeadersAfter(locator []types.Hash, max int) ([]*block.Header, error) {
	start := uint64(1)
	for _, hash := range locator {
		h, err := m.store.GetHeader(hash)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if main, err := m.store.HashAtHeight(h.Height); err == nil && main == hash {
			start = h.Height + 1
			break
		}
	}

	_, tipHeight, ok, err := m.store.GetTip()
	if err != nil || !ok {
		return nil, err
	}
	var out []*block.Header
	for height := start; height <= tipHeight && len(out) < max; height++ {
		hash, err := m.store.HashAtHeight(height)
		if err != nil {
			return nil, err
		}
		h, err := m.store.GetHeader(hash)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}
