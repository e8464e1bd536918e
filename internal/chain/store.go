package chain

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-node/internal/ledger"
	"github.com/Klingon-tech/klingnet-node/internal/storage"
	"github.com/Klingon-tech/klingnet-node/pkg/block"
	"github.com/Klingon-tech/klingnet-node/pkg/types"
)

// Key prefixes and state keys for the block store.
var (
	prefixHeader = []byte("h/") // h/<hash(32)> -> header JSON
	prefixBody   = []byte("b/") // b/<hash(32)> -> body JSON
	prefixDelta  = []byte("d/") // d/<hash(32)> -> ledger delta JSON
	prefixHeight = []byte("n/") // n/<height(8)> -> hash(32), main chain only

	keyTip             = []byte("s/tip")
	keyReorgCheckpoint = []byte("s/reorg")
)

type tipRecord struct {
	Hash   types.Hash `json:"hash"`
	Height uint64     `json:"height"`
}

// ReorgCheckpoint marks a reorg in progress. Finding one at startup means
// the ledger may not match the stored main chain.
type ReorgCheckpoint struct {
	Fork       types.Hash `json:"fork"`
	ForkHeight uint64     `json:"fork_height"`
	OldTip     types.Hash `json:"old_tip"`
	NewTip     types.Hash `json:"new_tip"`
}

// chainUpdate rewrites the main chain above a fork point.
type chainUpdate struct {
	forkHeight uint64
	oldHeight  uint64
	detach     []types.Hash
	attach     []*block.Header
	deltas     []*ledger.Delta // one per attached header
}

// BlockStore persists headers, bodies, ledger deltas and the main chain.
type BlockStore struct {
	db storage.DB
}

// NewBlockStore creates a block store backed by the given database.
func NewBlockStore(db storage.DB) *BlockStore {
	return &BlockStore{db: db}
}

func hashKey(prefix []byte, hash types.Hash) []byte {
	key := make([]byte, len(prefix)+types.HashSize)
	copy(key, prefix)
	copy(key[len(prefix):], hash[:])
	return key
}

func heightKey(height uint64) []byte {
	key := make([]byte, len(prefixHeight)+8)
	copy(key, prefixHeight)
	binary.BigEndian.PutUint64(key[len(prefixHeight):], height)
	return key
}

func (bs *BlockStore) getJSON(key []byte, v any) error {
	data, err := bs.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// PutHeader stores a header by hash.
func (bs *BlockStore) PutHeader(h *block.Header) error {
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("header marshal: %w", err)
	}
	if err := bs.db.Put(hashKey(prefixHeader, h.Hash()), data); err != nil {
		return fmt.Errorf("header put: %w", err)
	}
	return nil
}

// GetHeader retrieves a header by hash.
func (bs *BlockStore) GetHeader(hash types.Hash) (*block.Header, error) {
	var h block.Header
	if err := bs.getJSON(hashKey(prefixHeader, hash), &h); err != nil {
		return nil, fmt.Errorf("header get %s: %w", hash.Short(), err)
	}
	return &h, nil
}

// StoreBody stores a body under its block hash.
func (bs *BlockStore) StoreBody(hash types.Hash, body *block.Body) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("body marshal: %w", err)
	}
	if err := bs.db.Put(hashKey(prefixBody, hash), data); err != nil {
		return fmt.Errorf("body put: %w", err)
	}
	return nil
}

// FetchBody retrieves a body. Returns ErrNotFound when absent.
func (bs *BlockStore) FetchBody(hash types.Hash) (*block.Body, error) {
	var body block.Body
	if err := bs.getJSON(hashKey(prefixBody, hash), &body); err != nil {
		return nil, fmt.Errorf("body get %s: %w", hash.Short(), err)
	}
	return &body, nil
}

// HasBody reports whether a body is stored.
func (bs *BlockStore) HasBody(hash types.Hash) (bool, error) {
	return bs.db.Has(hashKey(prefixBody, hash))
}

// PutBlock stores a block's header and body.
func (bs *BlockStore) PutBlock(blk *block.Block) error {
	if err := bs.PutHeader(blk.Header); err != nil {
		return err
	}
	return bs.StoreBody(blk.Hash(), blk.Body())
}

// GetBlock retrieves a full block.
func (bs *BlockStore) GetBlock(hash types.Hash) (*block.Block, error) {
	h, err := bs.GetHeader(hash)
	if err != nil {
		return nil, err
	}
	body, err := bs.FetchBody(hash)
	if err != nil {
		return nil, err
	}
	return block.NewBlock(h, body.Transactions), nil
}

// GetDelta retrieves the ledger delta of a main chain block.
func (bs *BlockStore) GetDelta(hash types.Hash) (*ledger.Delta, error) {
	var d ledger.Delta
	if err := bs.getJSON(hashKey(prefixDelta, hash), &d); err != nil {
		return nil, fmt.Errorf("delta get %s: %w", hash.Short(), err)
	}
	return &d, nil
}

// HashAtHeight returns the main chain block hash at height.
func (bs *BlockStore) HashAtHeight(height uint64) (types.Hash, error) {
	data, err := bs.db.Get(heightKey(height))
	if errors.Is(err, storage.ErrNotFound) {
		return types.Hash{}, fmt.Errorf("height %d: %w", height, ErrNotFound)
	}
	if err != nil {
		return types.Hash{}, fmt.Errorf("height index get: %w", err)
	}
	if len(data) != types.HashSize {
		return types.Hash{}, fmt.Errorf("corrupt height index: got %d bytes, want %d", len(data), types.HashSize)
	}
	var hash types.Hash
	copy(hash[:], data)
	return hash, nil
}

// GetTip returns the persisted main chain tip. ok is false on a fresh
// store.
func (bs *BlockStore) GetTip() (hash types.Hash, height uint64, ok bool, err error) {
	var rec tipRecord
	err = bs.getJSON(keyTip, &rec)
	if errors.Is(err, ErrNotFound) {
		return types.Hash{}, 0, false, nil
	}
	if err != nil {
		return types.Hash{}, 0, false, fmt.Errorf("tip get: %w", err)
	}
	return rec.Hash, rec.Height, true, nil
}

// commitChain atomically rewrites the main chain above the fork: headers,
// deltas and height index of the attached blocks, removal of detached
// deltas and stale heights, and the new tip.
func (bs *BlockStore) commitChain(u *chainUpdate) error {
	if len(u.attach) == 0 || len(u.attach) != len(u.deltas) {
		return fmt.Errorf("commit chain: %d headers, %d deltas", len(u.attach), len(u.deltas))
	}
	batch := bs.db.NewBatch()

	for _, h := range u.detach {
		if err := batch.Delete(hashKey(prefixDelta, h)); err != nil {
			return err
		}
	}
	newHeight := u.forkHeight + uint64(len(u.attach))
	for height := newHeight + 1; height <= u.oldHeight; height++ {
		if err := batch.Delete(heightKey(height)); err != nil {
			return err
		}
	}

	var tip types.Hash
	for i, h := range u.attach {
		tip = h.Hash()
		hdr, err := json.Marshal(h)
		if err != nil {
			return fmt.Errorf("header marshal: %w", err)
		}
		delta, err := json.Marshal(u.deltas[i])
		if err != nil {
			return fmt.Errorf("delta marshal: %w", err)
		}
		if err := batch.Put(hashKey(prefixHeader, tip), hdr); err != nil {
			return err
		}
		if err := batch.Put(hashKey(prefixDelta, tip), delta); err != nil {
			return err
		}
		if err := batch.Put(heightKey(u.forkHeight+1+uint64(i)), tip[:]); err != nil {
			return err
		}
	}

	rec, err := json.Marshal(tipRecord{Hash: tip, Height: newHeight})
	if err != nil {
		return err
	}
	if err := batch.Put(keyTip, rec); err != nil {
		return err
	}
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("commit chain: %w", err)
	}
	return nil
}

// commitGenesis stores the genesis block and its delta as the main chain.
func (bs *BlockStore) commitGenesis(genesis *block.Block, d *ledger.Delta) error {
	if err := bs.PutBlock(genesis); err != nil {
		return err
	}
	hash := genesis.Hash()
	delta, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("delta marshal: %w", err)
	}
	rec, err := json.Marshal(tipRecord{Hash: hash})
	if err != nil {
		return err
	}
	batch := bs.db.NewBatch()
	if err := batch.Put(hashKey(prefixDelta, hash), delta); err != nil {
		return err
	}
	if err := batch.Put(heightKey(0), hash[:]); err != nil {
		return err
	}
	if err := batch.Put(keyTip, rec); err != nil {
		return err
	}
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("commit genesis: %w", err)
	}
	return nil
}

// PutReorgCheckpoint writes a marker indicating a reorg is in progress.
func (bs *BlockStore) PutReorgCheckpoint(cp ReorgCheckpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("checkpoint marshal: %w", err)
	}
	return bs.db.Put(keyReorgCheckpoint, data)
}

// GetReorgCheckpoint returns the checkpoint and true if a reorg was
// interrupted.
func (bs *BlockStore) GetReorgCheckpoint() (ReorgCheckpoint, bool, error) {
	var cp ReorgCheckpoint
	err := bs.getJSON(keyReorgCheckpoint, &cp)
	if errors.Is(err, ErrNotFound) {
		return ReorgCheckpoint{}, false, nil
	}
	if err != nil {
		return ReorgCheckpoint{}, false, fmt.Errorf("checkpoint get: %w", err)
	}
	return cp, true, nil
}

// DeleteReorgCheckpoint removes the reorg-in-progress marker.
func (bs *BlockStore) DeleteReorgCheckpoint() error {
	return bs.db.Delete(keyReorgCheckpoint)
}
