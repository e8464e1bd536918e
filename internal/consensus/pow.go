package consensus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/Klingon-tech/klingnet-node/config"
	"github.com/Klingon-tech/klingnet-node/pkg/block"
	"github.com/Klingon-tech/klingnet-node/pkg/crypto"
)

// ErrNonceExhausted is returned by Solve when no nonce meets the target.
var ErrNonceExhausted = errors.New("nonce space exhausted")

// maxUint256 is 2^256 - 1.
var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// Target returns MaxUint256 / difficulty.
func Target(difficulty uint64) *big.Int {
	if difficulty == 0 {
		return new(big.Int)
	}
	return new(big.Int).Div(maxUint256, new(big.Int).SetUint64(difficulty))
}

// MeetsTarget reports whether the header hash is at or below its target.
func MeetsTarget(h *block.Header) bool {
	if h.Difficulty == 0 {
		return false
	}
	hash := h.Hash()
	return new(big.Int).SetBytes(hash[:]).Cmp(Target(h.Difficulty)) <= 0
}

// Solve searches nonces until the header meets its target. It is meant for
// regtest and tests; production difficulty makes it impractical.
func Solve(ctx context.Context, h *block.Header) error {
	if h.Difficulty == 0 {
		return fmt.Errorf("solve: zero difficulty")
	}
	t := Target(h.Difficulty)
	buf := h.Bytes()
	nonceOff := len(buf) - 8
	hashInt := new(big.Int)
	for nonce := uint64(0); ; nonce++ {
		if nonce&0xFFFF == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		binary.LittleEndian.PutUint64(buf[nonceOff:], nonce)
		hash := crypto.Hash(buf)
		if hashInt.SetBytes(hash[:]).Cmp(t) <= 0 {
			h.Nonce = nonce
			return nil
		}
		if nonce == ^uint64(0) {
			return ErrNonceExhausted
		}
	}
}

// ShouldAdjust returns true if difficulty is recalculated at this height.
func ShouldAdjust(p *config.Params, height uint64) bool {
	return height > 0 && p.AdjustInterval > 0 && height%p.AdjustInterval == 0
}

// ExpectedDifficulty computes the difficulty a header at height must carry.
// prevDifficulty is the parent's difficulty and timestamp returns the
// timestamp of the branch ancestor at a height.
func ExpectedDifficulty(p *config.Params, height, prevDifficulty uint64, timestamp func(uint64) (uint64, error)) (uint64, error) {
	if height <= 1 || prevDifficulty == 0 {
		return p.InitialDifficulty, nil
	}
	if !ShouldAdjust(p, height) {
		return prevDifficulty, nil
	}

	start, err := timestamp(height - p.AdjustInterval)
	if err != nil {
		return 0, fmt.Errorf("retarget start: %w", err)
	}
	end, err := timestamp(height - 1)
	if err != nil {
		return 0, fmt.Errorf("retarget end: %w", err)
	}

	var actual int64
	if end > start {
		actual = math.MaxInt64
		if span := end - start; span < math.MaxInt64 {
			actual = int64(span)
		}
	}
	expected := int64(p.AdjustInterval) * int64(p.TargetBlockTime)
	next := CalcNextDifficulty(prevDifficulty, actual, expected)
	if next < p.MinDifficulty {
		next = p.MinDifficulty
	}
	return next, nil
}

// CalcNextDifficulty computes the difficulty after a retarget period.
// actualTimeSpan is clamped to [expected/4, expected*4] and the result is
// never below 1.
func CalcNextDifficulty(currentDiff uint64, actualTimeSpan, expectedTimeSpan int64) uint64 {
	if expectedTimeSpan <= 0 {
		expectedTimeSpan = 1
	}
	minSpan := expectedTimeSpan / 4
	if minSpan == 0 {
		minSpan = 1
	}
	maxSpan := expectedTimeSpan * 4
	if actualTimeSpan < minSpan {
		actualTimeSpan = minSpan
	}
	if actualTimeSpan > maxSpan {
		actualTimeSpan = maxSpan
	}

	result := new(big.Int).Mul(new(big.Int).SetUint64(currentDiff), big.NewInt(expectedTimeSpan))
	result.Div(result, big.NewInt(actualTimeSpan))
	if result.Sign() <= 0 {
		return 1
	}
	if !result.IsUint64() {
		return ^uint64(0)
	}
	return result.Uint64()
}
