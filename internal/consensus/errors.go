package consensus

import (
	"errors"
	"fmt"
)

// Stage identifies which validation tier rejected a block.
type Stage int

const (
	StageHeader Stage = iota
	StagePartial
	StageFull
)

func (s Stage) String() string {
	switch s {
	case StageHeader:
		return "header"
	case StagePartial:
		return "partial"
	case StageFull:
		return "full"
	default:
		return "unknown"
	}
}

// Reason is a stable machine-readable rejection code. It is recorded on
// invalid nodes and sent along with ban decisions.
type Reason string

// Rejection reasons.
const (
	ReasonBadVersion       Reason = "bad-version"
	ReasonBadHeight        Reason = "bad-height"
	ReasonHighHash         Reason = "high-hash"
	ReasonBadDifficulty    Reason = "bad-difficulty"
	ReasonTimeTooOld       Reason = "time-too-old"
	ReasonTimeTooNew       Reason = "time-too-new"
	ReasonBadMerkleRoot    Reason = "bad-merkle-root"
	ReasonBadBlockLength   Reason = "bad-blk-length"
	ReasonBadBlockSize     Reason = "bad-blk-size"
	ReasonBadCoinbase      Reason = "bad-cb"
	ReasonBadCoinbaseValue Reason = "bad-cb-amount"
	ReasonBadTxns          Reason = "bad-txns"
	ReasonBadTxOrder       Reason = "bad-txns-order"
	ReasonDuplicateInput   Reason = "bad-txns-inputs-duplicate"
	ReasonMissingInputs    Reason = "missing-inputs"
	ReasonBadScript        Reason = "bad-txns-script"
	ReasonBadSignature     Reason = "bad-signature"
	ReasonImmatureCoinbase Reason = "immature-coinbase"
	ReasonInputsBelowOut   Reason = "bad-txns-in-belowout"
	ReasonTooManyInputs    Reason = "too-many-inputs"
	ReasonInvalidAncestor  Reason = "invalid-ancestor"
	ReasonApplyFailed      Reason = "apply-failed"
	ReasonRuleFailure      Reason = "rule-failure"
)

// Error is a consensus rule violation. It is always the peer's fault,
// unlike I/O errors which never invalidate a block.
type Error struct {
	Stage  Stage
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s validation: %s", e.Stage, e.Reason)
	}
	return fmt.Sprintf("%s validation: %s: %v", e.Stage, e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Fail builds a rule violation.
func Fail(stage Stage, reason Reason, format string, args ...any) *Error {
	return &Error{Stage: stage, Reason: reason, Err: fmt.Errorf(format, args...)}
}

// AsError extracts a consensus error from an error chain.
func AsError(err error) (*Error, bool) {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr, true
	}
	return nil, false
}

// IsConsensusError reports whether err is a rule violation.
func IsConsensusError(err error) bool {
	_, ok := AsError(err)
	return ok
}

// asStageError makes sure a rule result is a consensus error of the given
// stage. Plugged-in rules may return plain errors.
func asStageError(stage Stage, rule string, err error) *Error {
	if cerr, ok := AsError(err); ok {
		return cerr
	}
	return &Error{Stage: stage, Reason: ReasonRuleFailure, Err: fmt.Errorf("%s: %w", rule, err)}
}
