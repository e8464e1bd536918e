package chain

import (
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/Klingon-tech/klingnet-node/internal/consensus"
	"github.com/Klingon-tech/klingnet-node/pkg/block"
	"github.com/Klingon-tech/klingnet-node/pkg/types"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Index is the in-memory tree of every known header, rooted at genesis.
// Nodes refer to their parent by hash. Reads take the shared lock and
// return copies; only Index methods mutate nodes.
type Index struct {
	mu       sync.RWMutex
	nodes    map[types.Hash]*HeaderNode
	children map[types.Hash][]types.Hash
	leaves   map[types.Hash]struct{}
	genesis  types.Hash
	tip      types.Hash
	seq      uint64
	tie      consensus.TieBreaker
}

// NewIndex creates an index holding only the genesis header, which is the
// initial tip.
func NewIndex(genesis *block.Header, tie consensus.TieBreaker) *Index {
	if tie == nil {
		tie = consensus.FirstSeen{}
	}
	hdr := *genesis
	hash := hdr.Hash()
	root := &HeaderNode{
		Hash:          hash,
		Header:        &hdr,
		Work:          hdr.Work(),
		Status:        StatusFullyValidated,
		HasBody:       true,
		headerChecked: true,
	}
	return &Index{
		nodes:    map[types.Hash]*HeaderNode{hash: root},
		children: make(map[types.Hash][]types.Hash),
		leaves:   map[types.Hash]struct{}{hash: {}},
		genesis:  hash,
		tip:      hash,
		tie:      tie,
	}
}

// Genesis returns the genesis hash.
func (idx *Index) Genesis() types.Hash {
	return idx.genesis
}

// Len returns the number of nodes.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.nodes)
}

// InsertHeader places a header under its parent. Height and cumulative
// work are computed here, once. The tip never moves.
//
// A header whose parent is invalid is still recorded, as invalid, so its
// own children are rejected without running any rule. A known header
// returns the existing node together with ErrDuplicate.
func (idx *Index) InsertHeader(h *block.Header, from peer.ID) (HeaderNode, error) {
	hdr := *h
	hash := hdr.Hash()

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if n, ok := idx.nodes[hash]; ok {
		return n.clone(), &HeaderError{Kind: ErrDuplicate, Hash: hash}
	}
	parent, ok := idx.nodes[hdr.PrevHash]
	if !ok {
		return HeaderNode{}, &HeaderError{Kind: ErrMissingParent, Hash: hash}
	}

	idx.seq++
	n := &HeaderNode{
		Hash:       hash,
		ParentHash: hdr.PrevHash,
		Height:     parent.Height + 1,
		Header:     &hdr,
		Work:       new(big.Int).Add(parent.Work, hdr.Work()),
		Peer:       from,
		Seq:        idx.seq,
	}
	if parent.Status == StatusInvalid {
		n.Status = StatusInvalid
		n.InvalidAncestor = true
		n.InvalidReason = consensus.ReasonInvalidAncestor
	}
	idx.link(n)

	if n.Status == StatusInvalid {
		return n.clone(), &HeaderError{Kind: ErrDescendantOfInvalid, Hash: hash}
	}
	return n.clone(), nil
}

// restore inserts a header from the persisted main chain as fully
// validated with its body present.
func (idx *Index) restore(h *block.Header) error {
	hdr := *h
	hash := hdr.Hash()

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, ok := idx.nodes[hash]; ok {
		return nil
	}
	parent, ok := idx.nodes[hdr.PrevHash]
	if !ok {
		return &HeaderError{Kind: ErrMissingParent, Hash: hash}
	}
	idx.seq++
	idx.link(&HeaderNode{
		Hash:          hash,
		ParentHash:    hdr.PrevHash,
		Height:        parent.Height + 1,
		Header:        &hdr,
		Work:          new(big.Int).Add(parent.Work, hdr.Work()),
		Status:        StatusFullyValidated,
		HasBody:       true,
		Seq:           idx.seq,
		headerChecked: true,
	})
	return nil
}

func (idx *Index) link(n *HeaderNode) {
	idx.nodes[n.Hash] = n
	idx.children[n.ParentHash] = append(idx.children[n.ParentHash], n.Hash)
	delete(idx.leaves, n.ParentHash)
	idx.leaves[n.Hash] = struct{}{}
}

// AttachBody records that the body of a known header is available. The
// body must match the header's merkle commitment.
func (idx *Index) AttachBody(hash types.Hash, body *block.Body, from peer.ID) error {
	root := body.MerkleRoot()

	idx.mu.Lock()
	defer idx.mu.Unlock()

	n, ok := idx.nodes[hash]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHeader, hash.Short())
	}
	if n.Header.MerkleRoot != root {
		return fmt.Errorf("%w: %s", ErrBodyMismatch, hash.Short())
	}
	n.HasBody = true
	n.BodyPeer = from
	return nil
}

// Lookup returns a copy of the node.
func (idx *Index) Lookup(hash types.Hash) (HeaderNode, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	n, ok := idx.nodes[hash]
	if !ok {
		return HeaderNode{}, false
	}
	return n.clone(), true
}

// Tip returns the current tip.
func (idx *Index) Tip() HeaderNode {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.nodes[idx.tip].clone()
}

// SetTip moves the tip. The node must be fully validated.
func (idx *Index) SetTip(hash types.Hash) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	n, ok := idx.nodes[hash]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHeader, hash.Short())
	}
	if n.Status != StatusFullyValidated {
		return fmt.Errorf("%w: %s is %s", ErrNotValidated, hash.Short(), n.Status)
	}
	idx.tip = hash
	return nil
}

// SetStatus advances a node's status. Moving backwards is a no-op and an
// invalid node cannot be revived; use MarkInvalid to invalidate.
func (idx *Index) SetStatus(hash types.Hash, s Status) error {
	if s == StatusInvalid {
		return fmt.Errorf("set status %s: use MarkInvalid", hash.Short())
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	n, ok := idx.nodes[hash]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHeader, hash.Short())
	}
	if n.Status == StatusInvalid {
		return fmt.Errorf("%w: %s", ErrInvalidBlock, hash.Short())
	}
	if s > n.Status {
		n.Status = s
	}
	if s >= StatusPartiallyValidated {
		n.headerChecked = true
	}
	return nil
}

func (idx *Index) markHeaderChecked(hash types.Hash) {
	idx.mu.Lock()
	if n, ok := idx.nodes[hash]; ok && n.Status != StatusInvalid {
		n.headerChecked = true
	}
	idx.mu.Unlock()
}

// MarkInvalid marks a node invalid with reason and every descendant
// invalid as a descendant. Returns the number of nodes newly marked.
func (idx *Index) MarkInvalid(hash types.Hash, reason consensus.Reason) int {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	n, ok := idx.nodes[hash]
	if !ok || n.Status == StatusInvalid {
		return 0
	}
	n.Status = StatusInvalid
	n.InvalidReason = reason
	marked := 1

	stack := append([]types.Hash(nil), idx.children[hash]...)
	for len(stack) > 0 {
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		c, ok := idx.nodes[h]
		if !ok || c.Status == StatusInvalid {
			continue
		}
		c.Status = StatusInvalid
		c.InvalidAncestor = true
		c.InvalidReason = consensus.ReasonInvalidAncestor
		marked++
		stack = append(stack, idx.children[h]...)
	}
	return marked
}

// better orders nodes by cumulative work, then by the tie-breaker.
func (idx *Index) better(a, b *HeaderNode) bool {
	if c := a.Work.Cmp(b.Work); c != 0 {
		return c > 0
	}
	return idx.tie.Prefer(
		consensus.Contender{Hash: a.Hash, Seq: a.Seq},
		consensus.Contender{Hash: b.Hash, Seq: b.Seq},
	)
}

// candidateNodes returns the valid ends of all branches: valid nodes with
// no valid child. Caller holds the lock.
func (idx *Index) candidateNodes() []*HeaderNode {
	seen := make(map[types.Hash]struct{}, len(idx.leaves))
	var out []*HeaderNode
	for h := range idx.leaves {
		n := idx.nodes[h]
		for n != nil && n.Status == StatusInvalid {
			n = idx.nodes[n.ParentHash]
		}
		if n == nil {
			continue
		}
		if _, dup := seen[n.Hash]; dup || idx.hasValidChild(n.Hash) {
			continue
		}
		seen[n.Hash] = struct{}{}
		out = append(out, n)
	}
	return out
}

func (idx *Index) hasValidChild(hash types.Hash) bool {
	for _, h := range idx.children[hash] {
		if c, ok := idx.nodes[h]; ok && c.Status != StatusInvalid {
			return true
		}
	}
	return false
}

// Candidates returns every valid branch end, best first.
func (idx *Index) Candidates() []HeaderNode {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	nodes := idx.candidateNodes()
	sort.Slice(nodes, func(i, j int) bool { return idx.better(nodes[i], nodes[j]) })
	out := make([]HeaderNode, len(nodes))
	for i, n := range nodes {
		out[i] = n.clone()
	}
	return out
}

// BestCandidate returns the valid branch end with the most work.
func (idx *Index) BestCandidate() (HeaderNode, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var best *HeaderNode
	for _, n := range idx.candidateNodes() {
		if best == nil || idx.better(n, best) {
			best = n
		}
	}
	if best == nil {
		return HeaderNode{}, false
	}
	return best.clone(), true
}

func (idx *Index) parentOf(n *HeaderNode) (*HeaderNode, error) {
	p, ok := idx.nodes[n.ParentHash]
	if !ok {
		return nil, fmt.Errorf("%w: parent %s of %s", ErrUnknownHeader, n.ParentHash.Short(), n.Hash.Short())
	}
	return p, nil
}

// ForkPoint returns the last common ancestor of a and b. Every branch
// shares genesis, so the walk always terminates.
func (idx *Index) ForkPoint(a, b types.Hash) (HeaderNode, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	na, ok := idx.nodes[a]
	if !ok {
		return HeaderNode{}, fmt.Errorf("%w: %s", ErrUnknownHeader, a.Short())
	}
	nb, ok := idx.nodes[b]
	if !ok {
		return HeaderNode{}, fmt.Errorf("%w: %s", ErrUnknownHeader, b.Short())
	}

	var err error
	for na.Height > nb.Height {
		if na, err = idx.parentOf(na); err != nil {
			return HeaderNode{}, err
		}
	}
	for nb.Height > na.Height {
		if nb, err = idx.parentOf(nb); err != nil {
			return HeaderNode{}, err
		}
	}
	for na.Hash != nb.Hash {
		if na, err = idx.parentOf(na); err != nil {
			return HeaderNode{}, err
		}
		if nb, err = idx.parentOf(nb); err != nil {
			return HeaderNode{}, err
		}
	}
	return na.clone(), nil
}

// PathTo returns the nodes after ancestor up to and including hash, in
// ascending height order.
func (idx *Index) PathTo(hash, ancestor types.Hash) ([]HeaderNode, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	stop, ok := idx.nodes[ancestor]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHeader, ancestor.Short())
	}
	n, ok := idx.nodes[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHeader, hash.Short())
	}
	if n.Height < stop.Height {
		return nil, fmt.Errorf("%s is not an ancestor of %s", ancestor.Short(), hash.Short())
	}

	path := make([]HeaderNode, n.Height-stop.Height)
	for i := len(path) - 1; i >= 0; i-- {
		path[i] = n.clone()
		var err error
		if n, err = idx.parentOf(n); err != nil {
			return nil, err
		}
	}
	if n.Hash != ancestor {
		return nil, fmt.Errorf("%s is not an ancestor of %s", ancestor.Short(), hash.Short())
	}
	return path, nil
}

// AncestorAt returns the node at height on hash's branch.
func (idx *Index) AncestorAt(hash types.Hash, height uint64) (HeaderNode, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	n, ok := idx.nodes[hash]
	if !ok {
		return HeaderNode{}, fmt.Errorf("%w: %s", ErrUnknownHeader, hash.Short())
	}
	if height > n.Height {
		return HeaderNode{}, fmt.Errorf("height %d above %s at %d", height, hash.Short(), n.Height)
	}
	var err error
	for n.Height > height {
		if n, err = idx.parentOf(n); err != nil {
			return HeaderNode{}, err
		}
	}
	return n.clone(), nil
}

// Ancestors returns up to count ancestors of hash, parent first.
func (idx *Index) Ancestors(hash types.Hash, count int) []HeaderNode {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	n, ok := idx.nodes[hash]
	if !ok {
		return nil
	}
	var out []HeaderNode
	for len(out) < count {
		p, ok := idx.nodes[n.ParentHash]
		if !ok {
			break
		}
		out = append(out, p.clone())
		n = p
	}
	return out
}

// Prune removes nodes below belowHeight that are neither ancestors of the
// tip nor of a valid branch end at or above belowHeight, together with
// their descendants. Returns the number of nodes removed.
func (idx *Index) Prune(belowHeight uint64) int {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	keep := make(map[types.Hash]struct{})
	mark := func(h types.Hash) {
		for {
			n, ok := idx.nodes[h]
			if !ok {
				return
			}
			if _, done := keep[h]; done {
				return
			}
			keep[h] = struct{}{}
			h = n.ParentHash
		}
	}
	mark(idx.tip)
	for _, c := range idx.candidateNodes() {
		if c.Height >= belowHeight {
			mark(c.Hash)
		}
	}

	var roots []types.Hash
	for h, n := range idx.nodes {
		if _, ok := keep[h]; !ok && n.Height < belowHeight {
			roots = append(roots, h)
		}
	}
	removed := 0
	for _, h := range roots {
		removed += idx.removeSubtree(h)
	}
	return removed
}

// removeSubtree deletes a node and all its descendants. Caller holds the
// lock.
func (idx *Index) removeSubtree(hash types.Hash) int {
	root, ok := idx.nodes[hash]
	if !ok {
		return 0
	}

	removed := 0
	stack := []types.Hash{hash}
	for len(stack) > 0 {
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := idx.nodes[h]; !ok {
			continue
		}
		stack = append(stack, idx.children[h]...)
		delete(idx.nodes, h)
		delete(idx.children, h)
		delete(idx.leaves, h)
		removed++
	}

	if _, ok := idx.nodes[root.ParentHash]; ok {
		siblings := idx.children[root.ParentHash]
		kept := siblings[:0]
		for _, s := range siblings {
			if s != hash {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			delete(idx.children, root.ParentHash)
			idx.leaves[root.ParentHash] = struct{}{}
		} else {
			idx.children[root.ParentHash] = kept
		}
	}
	return removed
}
