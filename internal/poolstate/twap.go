package poolstate

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TWAPPrice is an external time-weighted reference price for a pool
type TWAPPrice struct {
	Price      float64
	Window     time.Duration
	ObservedAt time.Time
}

// TWAPBook holds the latest TWAP reference per pool
type TWAPBook struct {
	mu     sync.RWMutex
	prices map[common.Address]TWAPPrice
}

// NewTWAPBook creates an empty book
func NewTWAPBook() *TWAPBook {
	return &TWAPBook{prices: make(map[common.Address]TWAPPrice)}
}

// Set records the reference price for pool
func (b *TWAPBook) Set(pool common.Address, p TWAPPrice) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[pool] = p
}

// Get returns the reference price for pool, if known
func (b *TWAPBook) Get(pool common.Address) (TWAPPrice, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.prices[pool]
	return p, ok
}

// Delete drops the reference for each pool
func (b *TWAPBook) Delete(pools ...common.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range pools {
		delete(b.prices, p)
	}
}
