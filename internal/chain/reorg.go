package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-node/internal/ledger"
	"github.com/Klingon-tech/klingnet-node/internal/log"
	"github.com/Klingon-tech/klingnet-node/pkg/block"
	"github.com/Klingon-tech/klingnet-node/pkg/types"
)

// ReorgStep is one block of a reorg with its ledger delta.
type ReorgStep struct {
	Node  HeaderNode
	Delta *ledger.Delta
}

// ReorgPlan moves the ledger from OldTip to NewTip through Fork. Detach
// runs from the old tip down to the block after Fork; Attach runs from the
// block after Fork up to the new tip.
type ReorgPlan struct {
	OldTip HeaderNode
	NewTip HeaderNode
	Fork   HeaderNode
	Detach []ReorgStep
	Attach []ReorgStep
}

// ReorgExecutor applies reorg plans to the ledger and the block store.
type ReorgExecutor struct {
	ledger   Ledger
	store    *BlockStore
	maxDepth uint64
}

func newReorgExecutor(l Ledger, store *BlockStore, maxDepth uint64) *ReorgExecutor {
	return &ReorgExecutor{ledger: l, store: store, maxDepth: maxDepth}
}

// Reorganize executes plan as a single ledger transaction. On any failure,
// cancellation included, the ledger is left at the old tip and the error
// wraps ErrRolledBack. ErrRollbackFailed means the old state could not be
// restored and the process must not continue.
func (r *ReorgExecutor) Reorganize(ctx context.Context, plan *ReorgPlan) error {
	if len(plan.Attach) == 0 {
		return fmt.Errorf("reorg to %s: nothing to attach", plan.NewTip.Hash.Short())
	}
	if r.maxDepth > 0 && uint64(len(plan.Detach)) > r.maxDepth {
		return fmt.Errorf("%w: %d blocks, max %d", ErrReorgTooDeep, len(plan.Detach), r.maxDepth)
	}

	cp := ReorgCheckpoint{
		Fork:       plan.Fork.Hash,
		ForkHeight: plan.Fork.Height,
		OldTip:     plan.OldTip.Hash,
		NewTip:     plan.NewTip.Hash,
	}
	if err := r.store.PutReorgCheckpoint(cp); err != nil {
		return fmt.Errorf("write reorg checkpoint: %w", err)
	}

	if err := r.ledger.Atomically(func(w ledger.Writer) error {
		return r.switchTip(ctx, w, plan)
	}); err != nil {
		if errors.Is(err, ErrRollbackFailed) {
			return err
		}
		r.clearCheckpoint()
		if !errors.Is(err, ErrRolledBack) {
			err = fmt.Errorf("%w: %w", ErrRolledBack, err)
		}
		return err
	}

	update := &chainUpdate{
		forkHeight: plan.Fork.Height,
		oldHeight:  plan.OldTip.Height,
	}
	for _, s := range plan.Detach {
		update.detach = append(update.detach, s.Node.Hash)
	}
	for _, s := range plan.Attach {
		update.attach = append(update.attach, s.Node.Header)
		update.deltas = append(update.deltas, s.Delta)
	}
	if err := r.store.commitChain(update); err != nil {
		// The ledger already moved. Move it back so it matches the store.
		if rbErr := r.ledger.Atomically(func(w ledger.Writer) error {
			return rollback(w, plan, len(plan.Attach), len(plan.Detach))
		}); rbErr != nil {
			return fmt.Errorf("%w: store commit: %v, ledger restore: %v", ErrRollbackFailed, err, rbErr)
		}
		r.clearCheckpoint()
		return fmt.Errorf("%w: store commit: %w", ErrRolledBack, err)
	}
	r.clearCheckpoint()

	log.Chain.Info().
		Str("old_tip", plan.OldTip.Hash.Short()).
		Str("new_tip", plan.NewTip.Hash.Short()).
		Uint64("fork_height", plan.Fork.Height).
		Int("detached", len(plan.Detach)).
		Int("attached", len(plan.Attach)).
		Msg("Chain reorganized")
	return nil
}

// switchTip undoes the detach deltas and applies the attach deltas. On
// failure it restores the writer to the old tip before returning.
func (r *ReorgExecutor) switchTip(ctx context.Context, w ledger.Writer, plan *ReorgPlan) error {
	if w.TipHash() != plan.OldTip.Hash {
		return fmt.Errorf("%w: ledger tip %s, plan starts at %s", ErrRolledBack, w.TipHash().Short(), plan.OldTip.Hash.Short())
	}

	undone, applied := 0, 0
	fail := func(cause error) error {
		if err := rollback(w, plan, applied, undone); err != nil {
			return fmt.Errorf("%w: %v (after: %v)", ErrRollbackFailed, err, cause)
		}
		return fmt.Errorf("%w: %w", ErrRolledBack, cause)
	}

	for _, s := range plan.Detach {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		if err := w.UndoDelta(s.Delta); err != nil {
			return fail(fmt.Errorf("undo %s: %w", s.Node.Hash.Short(), err))
		}
		undone++
	}
	for _, s := range plan.Attach {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		if err := w.ApplyDelta(s.Delta); err != nil {
			return fail(&applyError{hash: s.Node.Hash, err: err})
		}
		applied++
	}
	return nil
}

// rollback reverses the first applied attach deltas and re-applies the
// first undone detach deltas, leaving w at the old tip.
func rollback(w ledger.Writer, plan *ReorgPlan, applied, undone int) error {
	for i := applied - 1; i >= 0; i-- {
		s := plan.Attach[i]
		if err := w.UndoDelta(s.Delta); err != nil {
			return fmt.Errorf("undo attached %s: %w", s.Node.Hash.Short(), err)
		}
	}
	for i := undone - 1; i >= 0; i-- {
		s := plan.Detach[i]
		if err := w.ApplyDelta(s.Delta); err != nil {
			return fmt.Errorf("reapply detached %s: %w", s.Node.Hash.Short(), err)
		}
	}
	return nil
}

func (r *ReorgExecutor) clearCheckpoint() {
	if err := r.store.DeleteReorgCheckpoint(); err != nil {
		log.Chain.Warn().Err(err).Msg("Failed to delete reorg checkpoint")
	}
}

// applyError identifies the attached block whose delta failed to apply.
type applyError struct {
	hash types.Hash
	err  error
}

func (e *applyError) Error() string {
	return fmt.Sprintf("apply %s: %v", e.hash.Short(), e.err)
}

func (e *applyError) Unwrap() error { return e.err }

// failedBlock returns the attached block a rolled back reorg failed on.
func failedBlock(err error) (types.Hash, bool) {
	var ae *applyError
	if errors.As(err, &ae) {
		return ae.hash, true
	}
	return types.Hash{}, false
}

// replayMainChain rebuilds the ledger from the stored deltas of the main
// chain, genesis to tip.
func replayMainChain(l Ledger, store *BlockStore, tipHeight uint64) error {
	r, ok := l.(ledgerResetter)
	if !ok {
		return errors.New("ledger cannot be reset")
	}
	if err := r.Reset(); err != nil {
		return fmt.Errorf("reset ledger: %w", err)
	}
	return l.Atomically(func(w ledger.Writer) error {
		for h := uint64(0); h <= tipHeight; h++ {
			hash, err := store.HashAtHeight(h)
			if err != nil {
				return err
			}
			d, err := store.GetDelta(hash)
			if err != nil {
				return err
			}
			if err := w.ApplyDelta(d); err != nil {
				return fmt.Errorf("replay height %d: %w", h, err)
			}
		}
		return nil
	})
}

// storedHeader loads a main chain header for restore.
func storedHeader(store *BlockStore, height uint64) (*block.Header, error) {
	hash, err := store.HashAtHeight(height)
	if err != nil {
		return nil, err
	}
	return store.GetHeader(hash)
}
