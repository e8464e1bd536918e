package penalty

import (
	"sync"
	"sync/atomic"

	"github.com/Klingon-tech/klingnet-node/config"
	"github.com/Klingon-tech/klingnet-node/internal/consensus"
	"github.com/Klingon-tech/klingnet-node/internal/log"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/lightningnetwork/lnd/queue"
)

const defaultQueueSize = 64

// Coordinator collects ban decisions and offense scores and forwards bans
// to a Banner. OnBan never blocks the caller on the Banner.
type Coordinator struct {
	started atomic.Bool
	stopped atomic.Bool

	banner Banner
	policy Policy
	queue  *queue.ConcurrentQueue

	mu     sync.Mutex
	scores map[peer.ID]int

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewCoordinator creates a coordinator delivering to banner.
func NewCoordinator(banner Banner, cfg config.PenaltyConfig) *Coordinator {
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Coordinator{
		banner: banner,
		policy: PolicyFromConfig(cfg),
		queue:  queue.NewConcurrentQueue(size),
		scores: make(map[peer.ID]int),
		quit:   make(chan struct{}),
	}
}

// Policy returns the ban policy in use.
func (c *Coordinator) Policy() Policy {
	return c.policy
}

// Start launches the delivery goroutine.
func (c *Coordinator) Start() error {
	if !c.started.CompareAndSwap(false, true) {
		return nil
	}
	c.queue.Start()
	c.wg.Add(1)
	go c.deliverLoop()
	return nil
}

// Stop halts delivery and waits for the delivery goroutine. Decisions
// still queued are dropped.
func (c *Coordinator) Stop() error {
	if !c.started.Load() || !c.stopped.CompareAndSwap(false, true) {
		return nil
	}
	close(c.quit)
	c.queue.Stop()
	c.wg.Wait()
	return nil
}

// OnBan queues a ban decision.
func (c *Coordinator) OnBan(d BanDecision) {
	if d.Peer == "" || d.Duration <= 0 {
		return
	}
	if !c.started.Load() || c.stopped.Load() {
		log.Penalty.Warn().
			Str("peer", shortID(d.Peer)).
			Str("reason", d.Reason).
			Msg("Ban dropped, coordinator not running")
		return
	}
	select {
	case c.queue.ChanIn() <- d:
	case <-c.quit:
	}
}

// Punish queues the ban the policy assigns to a rule violation.
func (c *Coordinator) Punish(id peer.ID, err *consensus.Error) {
	if d, ok := c.policy.Decide(id, err); ok {
		c.OnBan(d)
	}
}

// RecordOffense adds points to a peer's score. When the score reaches the
// threshold the score is cleared and a ban is queued. Returns true if the
// offense triggered a ban.
func (c *Coordinator) RecordOffense(id peer.ID, points int, reason string) bool {
	if id == "" || points <= 0 {
		return false
	}

	c.mu.Lock()
	c.scores[id] += points
	score := c.scores[id]
	if c.policy.Threshold <= 0 || score < c.policy.Threshold {
		c.mu.Unlock()
		log.Penalty.Debug().
			Str("peer", shortID(id)).
			Str("reason", reason).
			Int("score", score).
			Msg("Offense recorded")
		return false
	}
	delete(c.scores, id)
	c.mu.Unlock()

	c.OnBan(BanDecision{Peer: id, Duration: c.policy.OffenseBan, Reason: reason})
	return true
}

// Score returns a peer's accumulated offense score.
func (c *Coordinator) Score(id peer.ID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scores[id]
}

// Forget clears a peer's score.
func (c *Coordinator) Forget(id peer.ID) {
	c.mu.Lock()
	delete(c.scores, id)
	c.mu.Unlock()
}

func (c *Coordinator) deliverLoop() {
	defer c.wg.Done()
	for {
		select {
		case item, ok := <-c.queue.ChanOut():
			if !ok {
				return
			}
			d := item.(BanDecision)
			log.Penalty.Info().
				Str("peer", shortID(d.Peer)).
				Str("reason", d.Reason).
				Dur("duration", d.Duration).
				Msg("Banning peer")
			c.banner.BanPeer(d.Peer, d.Duration, d.Reason)
		case <-c.quit:
			return
		}
	}
}

func shortID(id peer.ID) string {
	s := id.String()
	if len(s) > 16 {
		return s[:16]
	}
	return s
}
