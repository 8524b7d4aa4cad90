package poolstate

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"github.com/devlongs/mev-searcher/pkg/types"
)

// PoolFetcher reads a fresh snapshot of one pool
type PoolFetcher interface {
	FetchPool(ctx context.Context, pool common.Address, venue types.DEXType) (types.PoolState, error)
}

// TWAPSource reads a time-weighted reference price for one pool
type TWAPSource interface {
	TWAP(ctx context.Context, pool common.Address, window time.Duration) (float64, error)
}

type primer interface {
	Prime(pool, token0, token1 common.Address)
}

// RefreshStats summarizes one refresh pass
type RefreshStats struct {
	Refreshed int
	Failed    int
	Evicted   int
	Tracked   int
}

// RefresherConfig controls the refresh timer
type RefresherConfig struct {
	Interval   time.Duration
	MaxAge     time.Duration
	TWAPWindow time.Duration
}

// Refresher is the single writer of the Store. On every tick it replaces each
// tracked pool's snapshot and then evicts whatever has gone stale.
type Refresher struct {
	store    *Store
	book     *TWAPBook
	fetchers map[types.DEXType]PoolFetcher
	twap     TWAPSource
	targets  []Target
	cfg      RefresherConfig

	// OnRefresh, if set, is called after every pass
	OnRefresh func(RefreshStats)
}

// NewRefresher creates a refresher for targets. twap may be nil.
func NewRefresher(store *Store, book *TWAPBook, targets []Target, cfg RefresherConfig, fetchers map[types.DEXType]PoolFetcher, twap TWAPSource) *Refresher {
	for _, t := range targets {
		if t.Token0 == (common.Address{}) || t.Token1 == (common.Address{}) {
			continue
		}
		if p, ok := fetchers[t.Venue].(primer); ok {
			p.Prime(t.Address, t.Token0, t.Token1)
		}
	}
	return &Refresher{
		store:    store,
		book:     book,
		fetchers: fetchers,
		twap:     twap,
		targets:  targets,
		cfg:      cfg,
	}
}

// Run refreshes immediately and then on every interval until ctx is done
func (r *Refresher) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.RefreshOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.RefreshOnce(ctx)
		}
	}
}

// RefreshOnce runs a single refresh and eviction pass
func (r *Refresher) RefreshOnce(ctx context.Context) RefreshStats {
	var stats RefreshStats

	for _, t := range r.targets {
		if ctx.Err() != nil {
			break
		}
		fetcher, ok := r.fetchers[t.Venue]
		if !ok {
			log.Warn().Str("pool", t.Address.Hex()).Str("venue", string(t.Venue)).Msg("No fetcher for venue")
			stats.Failed++
			continue
		}

		state, err := fetcher.FetchPool(ctx, t.Address, t.Venue)
		if err != nil {
			log.Warn().Err(err).Str("pool", t.Address.Hex()).Msg("Failed to refresh pool")
			stats.Failed++
			continue
		}
		if err := r.store.Upsert(state); err != nil {
			log.Warn().Err(err).Str("pool", t.Address.Hex()).Msg("Rejected pool snapshot")
			stats.Failed++
			continue
		}
		stats.Refreshed++

		if r.twap != nil && t.Venue.IsConcentrated() && r.cfg.TWAPWindow > 0 {
			price, err := r.twap.TWAP(ctx, t.Address, r.cfg.TWAPWindow)
			if err != nil {
				log.Debug().Err(err).Str("pool", t.Address.Hex()).Msg("TWAP unavailable")
				continue
			}
			r.book.Set(t.Address, TWAPPrice{Price: price, Window: r.cfg.TWAPWindow, ObservedAt: state.Timestamp})
		}
	}

	evicted := r.store.EvictOlderThan(r.cfg.MaxAge)
	r.book.Delete(evicted...)
	stats.Evicted = len(evicted)
	stats.Tracked = r.store.Len()

	log.Debug().
		Int("refreshed", stats.Refreshed).
		Int("failed", stats.Failed).
		Int("evicted", stats.Evicted).
		Int("tracked", stats.Tracked).
		Msg("Pool refresh complete")

	if r.OnRefresh != nil {
		r.OnRefresh(stats)
	}
	return stats
}
