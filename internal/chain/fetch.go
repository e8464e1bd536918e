package chain

import (
	"context"
	"errors"
	"time"

	"github.com/Klingon-tech/klingnet-node/config"
	"github.com/Klingon-tech/klingnet-node/internal/ledger"
	"github.com/Klingon-tech/klingnet-node/internal/log"
	"github.com/Klingon-tech/klingnet-node/pkg/block"
	"github.com/Klingon-tech/klingnet-node/pkg/types"
	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/time/rate"
)

const (
	defaultBodyCacheSize = 256
	// bodyRequestCooldown suppresses repeat requests for the same body.
	bodyRequestCooldown = 10 * time.Second
)

// errThrottled means the body request rate is used up for now.
var errThrottled = errors.New("body requests throttled")

// fetcher reads bodies and snapshots with retry and asks peers for
// missing bodies at a bounded rate.
type fetcher struct {
	store   BodyStore
	ledger  Ledger
	network PeerNetwork
	cfg     config.ChainConfig

	cache     *lru.Cache[types.Hash, *block.Body]
	requested *lru.Cache[types.Hash, time.Time]
	limiter   *rate.Limiter
	now       func() time.Time
}

func newFetcher(store BodyStore, l Ledger, network PeerNetwork, cfg config.ChainConfig) (*fetcher, error) {
	size := cfg.BodyCacheSize
	if size <= 0 {
		size = defaultBodyCacheSize
	}
	cache, err := lru.New[types.Hash, *block.Body](size)
	if err != nil {
		return nil, err
	}
	requested, err := lru.New[types.Hash, time.Time](size)
	if err != nil {
		return nil, err
	}
	limit := rate.Inf
	if cfg.BodyRequestRate > 0 {
		limit = rate.Limit(cfg.BodyRequestRate)
	}
	burst := cfg.BodyRequestBurst
	if burst <= 0 {
		burst = 1
	}
	return &fetcher{
		store:     store,
		ledger:    l,
		network:   network,
		cfg:       cfg,
		cache:     cache,
		requested: requested,
		limiter:   rate.NewLimiter(limit, burst),
		now:       time.Now,
	}, nil
}

func (f *fetcher) retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if f.cfg.FetchRetryMin > 0 {
		b.InitialInterval = f.cfg.FetchRetryMin
	}
	if f.cfg.FetchRetryMax > 0 {
		b.MaxInterval = f.cfg.FetchRetryMax
	}
	if f.cfg.FetchRetryTotal > 0 {
		b.MaxElapsedTime = f.cfg.FetchRetryTotal
	}
	return backoff.WithContext(b, ctx)
}

// body returns a stored body. A missing body is reported at once as
// ErrNotFound; other store errors are retried.
func (f *fetcher) body(ctx context.Context, hash types.Hash) (*block.Body, error) {
	if b, ok := f.cache.Get(hash); ok {
		return b, nil
	}
	var body *block.Body
	err := backoff.Retry(func() error {
		b, err := f.store.FetchBody(hash)
		if errors.Is(err, ErrNotFound) {
			return backoff.Permanent(err)
		}
		if err != nil {
			log.Chain.Debug().Err(err).Str("hash", hash.Short()).Msg("Body read failed, retrying")
			return err
		}
		body = b
		return nil
	}, f.retryPolicy(ctx))
	if err != nil {
		return nil, err
	}
	f.cache.Add(hash, body)
	return body, nil
}

// put stores a body and caches it.
func (f *fetcher) put(hash types.Hash, body *block.Body) error {
	if err := f.store.StoreBody(hash, body); err != nil {
		return err
	}
	f.cache.Add(hash, body)
	f.requested.Remove(hash)
	return nil
}

// snapshot fetches the ledger snapshot, retrying transient failures.
func (f *fetcher) snapshot(ctx context.Context) (ledger.Snapshot, error) {
	var snap ledger.Snapshot
	err := backoff.Retry(func() error {
		s, err := f.ledger.FetchSnapshot(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			log.Chain.Debug().Err(err).Msg("Snapshot fetch failed, retrying")
			return err
		}
		snap = s
		return nil
	}, f.retryPolicy(ctx))
	return snap, err
}

// request asks the supplying peer for a body unless it was asked recently.
// It never waits for the rate limiter; a throttled request returns
// errThrottled and is retried by a later evaluation.
func (f *fetcher) request(ctx context.Context, from peer.ID, hash types.Hash) error {
	if f.network == nil || from == "" {
		return nil
	}
	if at, ok := f.requested.Get(hash); ok && f.now().Sub(at) < bodyRequestCooldown {
		return nil
	}
	if !f.limiter.Allow() {
		return errThrottled
	}
	f.requested.Add(hash, f.now())
	return f.network.RequestBody(ctx, from, hash)
}
