package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Klingon-tech/klingnet-node/config"
	"github.com/Klingon-tech/klingnet-node/internal/consensus"
	"github.com/Klingon-tech/klingnet-node/internal/log"
	"github.com/Klingon-tech/klingnet-node/pkg/block"
	"github.com/Klingon-tech/klingnet-node/pkg/types"
	"golang.org/x/sync/errgroup"
)

// judge records rule violations: the node and its descendants become
// invalid and the supplying peer is punished.
type judge struct {
	index *Index
	bans  Penalizer
}

// reject handles a validation error. Rule violations are recorded and
// returned as *consensus.Error; anything else is returned untouched and
// leaves the node as it was.
func (j *judge) reject(n HeaderNode, err error) error {
	cerr, ok := consensus.AsError(err)
	if !ok {
		return err
	}
	marked := j.index.MarkInvalid(n.Hash, cerr.Reason)
	if cur, ok := j.index.Lookup(n.Hash); ok {
		n = cur
	}
	culprit := n.blame(cerr.Stage)
	log.Chain.Warn().
		Str("hash", n.Hash.Short()).
		Uint64("height", n.Height).
		Str("stage", cerr.Stage.String()).
		Str("reason", string(cerr.Reason)).
		Str("peer", culprit.String()).
		Int("invalidated", marked).
		Err(cerr.Err).
		Msg("Block rejected")
	if j.bans != nil {
		j.bans.Punish(culprit, cerr)
	}
	return cerr
}

// PartialValidator runs the rules that need no ledger state: header rules
// once per header, and body rules once the body is attached. Unrelated
// branches may be validated concurrently.
type PartialValidator struct {
	judge
	rules   *consensus.RuleSet
	params  *config.Params
	bodies  *fetcher
	workers int
	now     func() time.Time
}

func newPartialValidator(index *Index, rules *consensus.RuleSet, params *config.Params, bodies *fetcher, bans Penalizer, workers int) *PartialValidator {
	if workers <= 0 {
		workers = 1
	}
	return &PartialValidator{
		judge:   judge{index: index, bans: bans},
		rules:   rules,
		params:  params,
		bodies:  bodies,
		workers: workers,
		now:     time.Now,
	}
}

// ValidatePartial validates a node as far as its data allows. Nodes that
// already passed are not checked again.
func (v *PartialValidator) ValidatePartial(ctx context.Context, hash types.Hash) error {
	n, ok := v.index.Lookup(hash)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHeader, hash.Short())
	}
	if n.IsInvalid() {
		return fmt.Errorf("%w: %s (%s)", ErrInvalidBlock, hash.Short(), n.InvalidReason)
	}
	if n.Status >= StatusPartiallyValidated {
		return nil
	}

	if !n.headerChecked {
		if err := v.checkHeader(n); err != nil {
			return err
		}
	}
	if !n.HasBody {
		return nil
	}

	body, err := v.bodies.body(ctx, hash)
	if err != nil {
		return fmt.Errorf("load body %s: %w", hash.Short(), err)
	}
	bctx := &consensus.BlockContext{
		Header: n.Header,
		Hash:   n.Hash,
		Body:   body,
		Params: v.params,
	}
	if err := v.rules.CheckBlock(bctx); err != nil {
		return v.reject(n, err)
	}
	if err := v.index.SetStatus(hash, StatusPartiallyValidated); err != nil {
		return err
	}
	log.Chain.Trace().Str("hash", hash.Short()).Uint64("height", n.Height).Msg("Block partially validated")
	return nil
}

func (v *PartialValidator) checkHeader(n HeaderNode) error {
	parent, ok := v.index.Lookup(n.ParentHash)
	if !ok {
		return fmt.Errorf("%w: parent of %s", ErrUnknownHeader, n.Hash.Short())
	}
	hctx := &consensus.HeaderContext{
		Header: n.Header,
		Hash:   n.Hash,
		Parent: parent.Header,
		Params: v.params,
		Now:    v.now(),
		Ancestor: func(height uint64) (*block.Header, error) {
			a, err := v.index.AncestorAt(n.Hash, height)
			if err != nil {
				return nil, err
			}
			return a.Header, nil
		},
	}
	if err := v.rules.CheckHeader(hctx); err != nil {
		return v.reject(n, err)
	}
	v.index.markHeaderChecked(n.Hash)
	return nil
}

// ValidateBranches validates the unvalidated part of each branch ending at
// one of tips. Branches run in parallel, each one ancestor first. Rule
// violations are recorded on the nodes and do not fail the call; the
// first other error is returned.
func (v *PartialValidator) ValidateBranches(ctx context.Context, tips []types.Hash) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.workers)
	for _, tip := range tips {
		g.Go(func() error {
			return v.validateBranch(gctx, tip)
		})
	}
	return g.Wait()
}

func (v *PartialValidator) validateBranch(ctx context.Context, tip types.Hash) error {
	var path []types.Hash
	for h := tip; ; {
		n, ok := v.index.Lookup(h)
		if !ok || !needsPartial(&n) {
			break
		}
		path = append(path, h)
		h = n.ParentHash
	}
	for i := len(path) - 1; i >= 0; i-- {
		err := v.ValidatePartial(ctx, path[i])
		if err == nil {
			continue
		}
		if consensus.IsConsensusError(err) || errors.Is(err, ErrInvalidBlock) {
			return nil
		}
		return err
	}
	return nil
}

func needsPartial(n *HeaderNode) bool {
	if n.IsInvalid() {
		return false
	}
	return !n.headerChecked || (n.HasBody && n.Status < StatusPartiallyValidated)
}
