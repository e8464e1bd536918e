// Package penalty turns validation failures into peer bans.
//
// Validation code never talks to the network directly. It hands a
// BanDecision to the Coordinator, which delivers it to a Banner from its
// own goroutine so that a slow or blocked network layer can never stall
// chain selection.
package penalty

import (
	"time"

	"github.com/Klingon-tech/klingnet-node/config"
	"github.com/Klingon-tech/klingnet-node/internal/consensus"
	"github.com/libp2p/go-libp2p/core/peer"
)

// BanDecision asks the network layer to ban a peer.
type BanDecision struct {
	Peer     peer.ID
	Duration time.Duration
	Reason   string
}

// Banner enforces bans. Implementations must extend an existing ban rather
// than shorten it.
type Banner interface {
	BanPeer(id peer.ID, duration time.Duration, reason string)
}

// Offense scores for misbehaviour that is not a consensus violation.
const (
	OffenseMissingParent       = 5
	OffenseDuplicate           = 1
	OffenseDescendantOfInvalid = 20
	OffenseBodyMismatch        = 25
	OffenseUnsolicited         = 10
)

// Policy maps rule violations to ban durations.
type Policy struct {
	HeaderBan  time.Duration
	FullBan    time.Duration
	OffenseBan time.Duration
	Threshold  int
}

// PolicyFromConfig builds a policy from the penalty config section.
func PolicyFromConfig(cfg config.PenaltyConfig) Policy {
	return Policy{
		HeaderBan:  cfg.HeaderBan,
		FullBan:    cfg.FullBan,
		OffenseBan: cfg.OffenseBan,
		Threshold:  cfg.BanThreshold,
	}
}

// Decide returns the ban for a rule violation. Failures that are not the
// peer's fault (a local apply failure) and locally sourced blocks yield no
// decision.
func (p Policy) Decide(id peer.ID, err *consensus.Error) (BanDecision, bool) {
	if id == "" || err == nil || err.Reason == consensus.ReasonApplyFailed {
		return BanDecision{}, false
	}
	d := p.HeaderBan
	if err.Stage == consensus.StageFull {
		d = p.FullBan
	}
	if d <= 0 {
		return BanDecision{}, false
	}
	return BanDecision{Peer: id, Duration: d, Reason: string(err.Reason)}, true
}
