package consensus

import (
	"github.com/Klingon-tech/klingnet-node/pkg/block"
)

// VersionRule rejects unknown header versions.
type VersionRule struct{}

func (VersionRule) Name() string { return "version" }

func (VersionRule) CheckHeader(ctx *HeaderContext) error {
	v := ctx.Header.Version
	if v < 1 || v > block.MaxVersion {
		return Fail(StageHeader, ReasonBadVersion, "version %d, want 1..%d", v, block.MaxVersion)
	}
	return nil
}

// HeightRule requires height == parent height + 1.
type HeightRule struct{}

func (HeightRule) Name() string { return "height" }

func (HeightRule) CheckHeader(ctx *HeaderContext) error {
	if want := ctx.Parent.Height + 1; ctx.Header.Height != want {
		return Fail(StageHeader, ReasonBadHeight, "height %d, want %d", ctx.Header.Height, want)
	}
	return nil
}

// TimestampRule bounds the timestamp by the parent and by local time.
type TimestampRule struct{}

func (TimestampRule) Name() string { return "timestamp" }

func (TimestampRule) CheckHeader(ctx *HeaderContext) error {
	ts := ctx.Header.Timestamp
	if ts < ctx.Parent.Timestamp {
		return Fail(StageHeader, ReasonTimeTooOld, "timestamp %d before parent %d", ts, ctx.Parent.Timestamp)
	}
	limit := ctx.Now.Add(ctx.Params.MaxFutureDrift).Unix()
	if limit < 0 || ts > uint64(limit) {
		return Fail(StageHeader, ReasonTimeTooNew, "timestamp %d beyond %d", ts, limit)
	}
	return nil
}

// DifficultyRule requires the retarget schedule to be followed.
type DifficultyRule struct{}

func (DifficultyRule) Name() string { return "difficulty" }

func (DifficultyRule) CheckHeader(ctx *HeaderContext) error {
	h := ctx.Header
	expected, err := ExpectedDifficulty(ctx.Params, h.Height, ctx.Parent.Difficulty, func(height uint64) (uint64, error) {
		a, err := ctx.Ancestor(height)
		if err != nil {
			return 0, err
		}
		return a.Timestamp, nil
	})
	if err != nil {
		return Fail(StageHeader, ReasonBadDifficulty, "expected difficulty: %v", err)
	}
	if h.Difficulty != expected {
		return Fail(StageHeader, ReasonBadDifficulty, "height %d has difficulty %d, want %d", h.Height, h.Difficulty, expected)
	}
	return nil
}

// ProofOfWorkRule requires the header hash to meet its target.
type ProofOfWorkRule struct{}

func (ProofOfWorkRule) Name() string { return "pow" }

func (ProofOfWorkRule) CheckHeader(ctx *HeaderContext) error {
	if ctx.Header.Difficulty == 0 {
		return Fail(StageHeader, ReasonBadDifficulty, "zero difficulty")
	}
	if !MeetsTarget(ctx.Header) {
		return Fail(StageHeader, ReasonHighHash, "hash %s above target for difficulty %d", ctx.Hash.Short(), ctx.Header.Difficulty)
	}
	return nil
}
