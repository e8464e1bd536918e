package consensus

import (
	"github.com/Klingon-tech/klingnet-node/config"
	"github.com/Klingon-tech/klingnet-node/pkg/types"
)

// Contender is a chain tip competing on equal cumulative work.
type Contender struct {
	Hash types.Hash
	Seq  uint64 // arrival order, lower is earlier
}

// TieBreaker orders chains of equal work. Prefer reports whether a should
// win over b.
type TieBreaker interface {
	Prefer(a, b Contender) bool
}

// FirstSeen prefers the chain whose tip arrived first.
type FirstSeen struct{}

func (FirstSeen) Prefer(a, b Contender) bool { return a.Seq < b.Seq }

// LowestHash prefers the numerically lowest tip hash. Unlike FirstSeen it
// gives every node the same answer regardless of arrival order.
type LowestHash struct{}

func (LowestHash) Prefer(a, b Contender) bool { return a.Hash.Less(b.Hash) }

// TieBreakerFor returns the policy configured by the network parameters.
func TieBreakerFor(p *config.Params) TieBreaker {
	if p.TieBreak == config.TieBreakLowestHash {
		return LowestHash{}
	}
	return FirstSeen{}
}
