// Package poolstate tracks the latest known state of every liquidity pool the
// searcher watches and derives prices from it.
package poolstate

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/devlongs/mev-searcher/pkg/types"
)

// ErrUnknownVenue is returned when a pool's venue cannot be priced
var ErrUnknownVenue = errors.New("poolstate: unknown venue")

// Store is a read-mostly concurrent pool cache. Entries are replaced whole on
// every upsert and are never mutated in place, so a PoolState returned by Get
// or All stays consistent after the lock is released.
type Store struct {
	mu    sync.RWMutex
	pools map[common.Address]types.PoolState
	order []common.Address
	now   func() time.Time
}

// NewStore creates an empty pool store
func NewStore() *Store {
	return &Store{
		pools: make(map[common.Address]types.PoolState),
		now:   time.Now,
	}
}

// Upsert replaces any prior entry for the pool's address. A pool seen for the
// first time is appended to the insertion order; a replaced pool keeps its slot.
func (s *Store) Upsert(p types.PoolState) error {
	if !p.Venue.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownVenue, p.Venue)
	}
	if err := p.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pools[p.Address]; !ok {
		s.order = append(s.order, p.Address)
	}
	s.pools[p.Address] = p
	return nil
}

// Get returns the pool at address, if cached
func (s *Store) Get(address common.Address) (types.PoolState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pools[address]
	return p, ok
}

// All returns every cached pool in insertion order
func (s *Store) All() []types.PoolState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.PoolState, 0, len(s.order))
	for _, addr := range s.order {
		out = append(out, s.pools[addr])
	}
	return out
}

// Len returns the number of cached pools
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pools)
}

// EvictOlderThan removes every pool whose snapshot is older than maxAge and
// returns the evicted addresses. It is meant to run on the refresh timer.
func (s *Store) EvictOlderThan(maxAge time.Duration) []common.Address {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted []common.Address
	kept := s.order[:0]
	for _, addr := range s.order {
		if now.Sub(s.pools[addr].Timestamp) > maxAge {
			delete(s.pools, addr)
			evicted = append(evicted, addr)
			continue
		}
		kept = append(kept, addr)
	}
	s.order = kept
	return evicted
}
