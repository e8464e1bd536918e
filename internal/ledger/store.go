package ledger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/Klingon-tech/klingnet-node/internal/log"
	"github.com/Klingon-tech/klingnet-node/internal/storage"
	"github.com/Klingon-tech/klingnet-node/pkg/types"
)

var (
	prefixUTXO = []byte("u/") // u/<txid><index> -> UTXO JSON
	keyTip     = []byte("s/tip")
)

type tipRecord struct {
	Hash   types.Hash `json:"hash"`
	Height uint64     `json:"height"`
}

// Snapshot is the committed ledger state at one tip. Its View stays
// consistent for as long as no Atomically section commits.
type Snapshot struct {
	Tip    types.Hash
	Height uint64
	View   View
}

// Store is the persistent ledger. Readers see only committed states: every
// write happens inside Atomically, which holds the write lock until its
// batch is committed or discarded.
type Store struct {
	mu     sync.RWMutex
	db     storage.DB
	tip    types.Hash
	height uint64
}

// NewStore opens the ledger over db and restores the persisted tip.
func NewStore(db storage.DB) (*Store, error) {
	s := &Store{db: db}
	data, err := db.Get(keyTip)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("load ledger tip: %w", err)
	default:
		var rec tipRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decode ledger tip: %w", err)
		}
		s.tip, s.height = rec.Hash, rec.Height
	}
	return s, nil
}

func utxoKey(op types.Outpoint) []byte {
	key := make([]byte, len(prefixUTXO)+types.HashSize+4)
	copy(key, prefixUTXO)
	copy(key[len(prefixUTXO):], op.TxID[:])
	binary.BigEndian.PutUint32(key[len(prefixUTXO)+types.HashSize:], op.Index)
	return key
}

// TipHash returns the block the committed state corresponds to. The zero
// hash means nothing has been applied yet.
func (s *Store) TipHash() types.Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tip
}

// Tip returns the committed tip hash and height.
func (s *Store) Tip() (types.Hash, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tip, s.height
}

// Get retrieves a committed UTXO.
func (s *Store) Get(op types.Outpoint) (*UTXO, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(op)
}

func (s *Store) get(op types.Outpoint) (*UTXO, error) {
	data, err := s.db.Get(utxoKey(op))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, op)
	}
	if err != nil {
		return nil, fmt.Errorf("utxo get: %w", err)
	}
	var u UTXO
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("utxo unmarshal: %w", err)
	}
	return &u, nil
}

// Has checks if a committed UTXO exists.
func (s *Store) Has(op types.Outpoint) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.Has(utxoKey(op))
}

// ForEach iterates over every committed UTXO in key order.
func (s *Store) ForEach(fn func(*UTXO) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.ForEach(prefixUTXO, func(_, value []byte) error {
		var u UTXO
		if err := json.Unmarshal(value, &u); err != nil {
			return fmt.Errorf("utxo unmarshal: %w", err)
		}
		return fn(&u)
	})
}

// FetchSnapshot returns the committed state. The context is honoured so a
// remote ledger can be substituted behind the same call.
func (s *Store) FetchSnapshot(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{Tip: s.tip, Height: s.height, View: s}, nil
}

// Atomically runs fn against a buffered writer. When fn succeeds the whole
// write set is committed in one batch. When fn fails nothing is written and
// the committed state is exactly what it was before the call.
func (s *Store) Atomically(fn func(Writer) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := &txWriter{store: s, overlay: make(map[types.Outpoint]*UTXO), tip: s.tip, height: s.height}
	if err := fn(w); err != nil {
		return err
	}
	if err := w.commit(); err != nil {
		return fmt.Errorf("commit ledger: %w", err)
	}
	if w.tip != s.tip {
		log.Ledger.Debug().
			Str("from", s.tip.Short()).
			Str("to", w.tip.Short()).
			Uint64("height", w.height).
			Int("writes", len(w.overlay)).
			Msg("Ledger tip moved")
	}
	s.tip, s.height = w.tip, w.height
	return nil
}

// Reset deletes every UTXO and the tip. Used before replaying the main
// chain after an interrupted reorg.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.db.NewBatch()
	err := s.db.ForEach(prefixUTXO, func(key, _ []byte) error {
		return batch.Delete(key)
	})
	if err != nil {
		return fmt.Errorf("scan utxos: %w", err)
	}
	if err := batch.Delete(keyTip); err != nil {
		return err
	}
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("reset ledger: %w", err)
	}
	s.tip, s.height = types.Hash{}, 0
	return nil
}

// txWriter buffers UTXO writes. A nil overlay entry marks a deletion.
type txWriter struct {
	store   *Store
	overlay map[types.Outpoint]*UTXO
	tip     types.Hash
	height  uint64
}

func (w *txWriter) TipHash() types.Hash { return w.tip }

func (w *txWriter) has(op types.Outpoint) (bool, error) {
	if u, ok := w.overlay[op]; ok {
		return u != nil, nil
	}
	return w.store.db.Has(utxoKey(op))
}

// ApplyDelta moves the tip forward by one block.
func (w *txWriter) ApplyDelta(d *Delta) error {
	if d.PrevTip != w.tip {
		return fmt.Errorf("%w: tip %s, delta parent %s", ErrTipMismatch, w.tip.Short(), d.PrevTip.Short())
	}
	if err := w.remove(d.Spent); err != nil {
		return err
	}
	if err := w.insert(d.Created); err != nil {
		return err
	}
	w.tip, w.height = d.NewTip, d.Height
	return nil
}

// UndoDelta moves the tip back by one block.
func (w *txWriter) UndoDelta(d *Delta) error {
	if d.NewTip != w.tip {
		return fmt.Errorf("%w: tip %s, undo of %s", ErrTipMismatch, w.tip.Short(), d.NewTip.Short())
	}
	if err := w.remove(d.Created); err != nil {
		return err
	}
	if err := w.insert(d.Spent); err != nil {
		return err
	}
	w.tip = d.PrevTip
	if d.Height > 0 {
		w.height = d.Height - 1
	}
	return nil
}

func (w *txWriter) remove(entries []UTXO) error {
	for i := range entries {
		op := entries[i].Outpoint
		ok, err := w.has(op)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrMissingUTXO, op)
		}
		w.overlay[op] = nil
	}
	return nil
}

func (w *txWriter) insert(entries []UTXO) error {
	for i := range entries {
		u := entries[i]
		ok, err := w.has(u.Outpoint)
		if err != nil {
			return err
		}
		if ok {
			return fmt.Errorf("%w: %s", ErrUTXOExists, u.Outpoint)
		}
		w.overlay[u.Outpoint] = &u
	}
	return nil
}

func (w *txWriter) commit() error {
	batch := w.store.db.NewBatch()
	for op, u := range w.overlay {
		if u == nil {
			if err := batch.Delete(utxoKey(op)); err != nil {
				return err
			}
			continue
		}
		data, err := json.Marshal(u)
		if err != nil {
			return fmt.Errorf("utxo marshal: %w", err)
		}
		if err := batch.Put(utxoKey(op), data); err != nil {
			return err
		}
	}
	tip, err := json.Marshal(tipRecord{Hash: w.tip, Height: w.height})
	if err != nil {
		return err
	}
	if err := batch.Put(keyTip, tip); err != nil {
		return err
	}
	return batch.Commit()
}
