package arbitrage

import (
	"fmt"
	"math"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/devlongs/mev-searcher/internal/poolstate"
	"github.com/devlongs/mev-searcher/pkg/types"
)

// WETH address on mainnet
var WETH = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")

// Gas estimates per opportunity type, used until simulation measures the real figure
const (
	gasCrossDEX   = 250_000
	gasTWAP       = 350_000
	gasTriangular = 400_000
)

// PoolSource is the read side of the pool store
type PoolSource interface {
	All() []types.PoolState
}

// ReferenceSource provides TWAP reference prices
type ReferenceSource interface {
	Get(pool common.Address) (poolstate.TWAPPrice, bool)
}

// Config holds detection thresholds
type Config struct {
	MinProfitBPS      float64
	SlippageBufferBPS float64
	TWAPBufferBPS     float64
	TradeSize         *big.Int
	EnableTriangular  bool

	// Quote is the token trades start and end in. Its USD price, if set,
	// is used to value expected profit.
	Quote types.Token
}

// Scope limits detection to opportunities touching the given tokens.
// The zero Scope matches everything.
type Scope struct {
	Tokens []common.Address
}

func (s Scope) matches(opp *types.ArbitrageOpportunity) bool {
	if len(s.Tokens) == 0 {
		return true
	}
	for _, t := range s.Tokens {
		for _, p := range opp.TokenPath {
			if p == t {
				return true
			}
		}
	}
	return false
}

// Detector scans pool state for price divergence
type Detector struct {
	cfg   Config
	pools PoolSource
	twap  ReferenceSource
	now   func() time.Time
}

// NewDetector creates a new arbitrage detector. twap may be nil.
func NewDetector(cfg Config, pools PoolSource, twap ReferenceSource) *Detector {
	return &Detector{
		cfg:   cfg,
		pools: pools,
		twap:  twap,
		now:   time.Now,
	}
}

// Detect runs every enabled strategy and keeps the opportunities inside scope
func (d *Detector) Detect(trigger *types.PendingTx, scope Scope) []*types.ArbitrageOpportunity {
	var found []*types.ArbitrageOpportunity
	found = append(found, d.DetectCrossVenue(trigger)...)
	found = append(found, d.DetectTWAP(trigger)...)
	if d.cfg.EnableTriangular {
		found = append(found, d.DetectTriangular(trigger)...)
	}

	out := found[:0]
	for _, opp := range found {
		if scope.matches(opp) {
			out = append(out, opp)
		}
	}
	return out
}

// DetectCrossVenue finds token pairs quoted on two or more pools whose prices
// diverge by more than the profit floor plus the slippage buffer
func (d *Detector) DetectCrossVenue(trigger *types.PendingTx) []*types.ArbitrageOpportunity {
	pools := d.pools.All()

	// Group pools by pair, keeping first-seen order for determinism
	groups := make(map[types.PairKey][]types.PoolState)
	var keys []types.PairKey
	for _, p := range pools {
		key := p.Pair()
		if _, ok := groups[key]; !ok {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], p)
	}

	threshold := d.cfg.MinProfitBPS + d.cfg.SlippageBufferBPS

	var opportunities []*types.ArbitrageOpportunity
	for _, key := range keys {
		group := groups[key]
		if len(group) < 2 {
			continue
		}

		base, quote := d.orient(key)

		cheap, expensive := -1, -1
		var minPrice, maxPrice float64
		for i, p := range group {
			price := priceOf(p, base)
			if price <= 0 {
				continue
			}
			// strict comparisons keep the earliest inserted pool on ties
			if cheap < 0 || price < minPrice {
				cheap, minPrice = i, price
			}
			if expensive < 0 || price > maxPrice {
				expensive, maxPrice = i, price
			}
		}
		if cheap < 0 || cheap == expensive {
			continue
		}

		divergence := poolstate.DivergenceBPS(minPrice, maxPrice)
		if divergence <= threshold {
			continue
		}

		expected := divergence - d.cfg.SlippageBufferBPS
		opp := d.newOpportunity(types.OpportunityCrossDEX, trigger, expected, divergence, d.cfg.SlippageBufferBPS)
		opp.Pools = []types.PoolState{group[cheap], group[expensive]}
		opp.TokenPath = []common.Address{quote, base, quote}
		opp.GasEstimate = gasCrossDEX

		log.Info().
			Str("opportunity", opp.ID).
			Str("pair", key.String()).
			Str("cheap", group[cheap].Address.Hex()).
			Str("expensive", group[expensive].Address.Hex()).
			Float64("divergenceBPS", divergence).
			Float64("expectedBPS", expected).
			Msg("Detected cross-venue divergence")

		opportunities = append(opportunities, opp)
	}

	return opportunities
}

// DetectTWAP finds pools whose spot price has drifted from the external
// time-weighted reference. These always require a flashloan; the amount is
// resolved later by simulation.
func (d *Detector) DetectTWAP(trigger *types.PendingTx) []*types.ArbitrageOpportunity {
	if d.twap == nil {
		return nil
	}

	threshold := d.cfg.MinProfitBPS + d.cfg.TWAPBufferBPS

	var opportunities []*types.ArbitrageOpportunity
	for _, p := range d.pools.All() {
		ref, ok := d.twap.Get(p.Address)
		if !ok || ref.Price <= 0 {
			continue
		}

		spot := poolstate.SpotPriceFloat(p)
		divergence := math.Abs(spot-ref.Price) / ref.Price * 10000
		if divergence <= threshold {
			continue
		}

		expected := divergence - d.cfg.TWAPBufferBPS
		opp := d.newOpportunity(types.OpportunityTWAP, trigger, expected, divergence, d.cfg.TWAPBufferBPS)
		opp.Pools = []types.PoolState{p}
		if spot > ref.Price {
			// token0 is rich on this pool, sell it in
			opp.TokenPath = []common.Address{p.Token0.Address, p.Token1.Address}
		} else {
			opp.TokenPath = []common.Address{p.Token1.Address, p.Token0.Address}
		}
		opp.RequiresFlashloan = true
		opp.GasEstimate = gasTWAP

		log.Info().
			Str("opportunity", opp.ID).
			Str("pool", p.Address.Hex()).
			Float64("spot", spot).
			Float64("twap", ref.Price).
			Float64("divergenceBPS", divergence).
			Msg("Detected TWAP divergence")

		opportunities = append(opportunities, opp)
	}

	return opportunities
}

type edge struct {
	pool int
	from common.Address
	to   common.Address
	rate float64 // fee-adjusted output per unit input
}

// DetectTriangular finds three-pool cycles starting and ending in the quote
// token whose fee-adjusted rate product beats the profit threshold
func (d *Detector) DetectTriangular(trigger *types.PendingTx) []*types.ArbitrageOpportunity {
	pools := d.pools.All()

	adj := make(map[common.Address][]edge)
	for i, p := range pools {
		spot := poolstate.SpotPriceFloat(p)
		if spot <= 0 {
			continue
		}
		keep := 1 - float64(p.FeeBps)/10000
		t0, t1 := p.Token0.Address, p.Token1.Address
		adj[t0] = append(adj[t0], edge{pool: i, from: t0, to: t1, rate: spot * keep})
		adj[t1] = append(adj[t1], edge{pool: i, from: t1, to: t0, rate: keep / spot})
	}

	start := d.cfg.Quote.Address
	threshold := 1 + (d.cfg.MinProfitBPS+d.cfg.SlippageBufferBPS)/10000
	seen := make(map[[3]int]bool)

	var opportunities []*types.ArbitrageOpportunity
	for _, e1 := range adj[start] {
		for _, e2 := range adj[e1.to] {
			if e2.pool == e1.pool || e2.to == start || e2.to == e1.to {
				continue
			}
			for _, e3 := range adj[e2.to] {
				if e3.to != start || e3.pool == e1.pool || e3.pool == e2.pool {
					continue
				}

				product := e1.rate * e2.rate * e3.rate
				if product <= threshold {
					continue
				}

				key := [3]int{e1.pool, e2.pool, e3.pool}
				sort.Ints(key[:])
				if seen[key] {
					continue
				}
				seen[key] = true

				gross := (product - 1) * 10000
				expected := gross - d.cfg.SlippageBufferBPS
				opp := d.newOpportunity(types.OpportunityTriangular, trigger, expected, gross, d.cfg.SlippageBufferBPS)
				opp.Pools = []types.PoolState{pools[e1.pool], pools[e2.pool], pools[e3.pool]}
				opp.TokenPath = []common.Address{start, e1.to, e2.to, start}
				opp.GasEstimate = gasTriangular

				log.Info().
					Str("opportunity", opp.ID).
					Str("path", fmt.Sprintf("%s>%s>%s", e1.to.Hex()[:10], e2.to.Hex()[:10], start.Hex()[:10])).
					Float64("product", product).
					Float64("expectedBPS", expected).
					Msg("Detected triangular cycle")

				opportunities = append(opportunities, opp)
			}
		}
	}

	return opportunities
}

func (d *Detector) newOpportunity(kind types.OpportunityType, trigger *types.PendingTx, expectedBPS, grossBPS, bufferBPS float64) *types.ArbitrageOpportunity {
	opp := &types.ArbitrageOpportunity{
		ID:                uuid.New().String(),
		Type:              kind,
		CreatedAt:         d.now(),
		Trigger:           trigger,
		ExpectedProfitBPS: expectedBPS,
		ProfitMargin:      expectedBPS / 10000,
		Confidence:        confidence(grossBPS, bufferBPS),
	}
	if d.cfg.TradeSize != nil {
		opp.AmountIn = new(big.Int).Set(d.cfg.TradeSize)
	}
	opp.ExpectedProfitUSD = d.profitUSD(opp.AmountIn, expectedBPS)
	return opp
}

// profitUSD values expectedBPS of amountIn quote units, or zero if the quote has no price
func (d *Detector) profitUSD(amountIn *big.Int, expectedBPS float64) decimal.Decimal {
	if amountIn == nil || !d.cfg.Quote.PriceUSD.Valid {
		return decimal.Zero
	}
	notional := decimal.NewFromBigInt(amountIn, -int32(d.cfg.Quote.Decimals))
	return notional.
		Mul(d.cfg.Quote.PriceUSD.Decimal).
		Mul(decimal.NewFromFloat(expectedBPS)).
		Div(decimal.NewFromInt(10000)).
		Round(2)
}

// orient picks which side of the pair is traded for which. The quote token,
// when present, is the one capital is held in.
func (d *Detector) orient(key types.PairKey) (base, quote common.Address) {
	if key.A == d.cfg.Quote.Address {
		return key.B, key.A
	}
	return key.A, key.B
}

// priceOf returns the price of base in the pool's other token
func priceOf(p types.PoolState, base common.Address) float64 {
	spot := poolstate.SpotPriceFloat(p)
	if spot <= 0 {
		return 0
	}
	if p.Token0.Address == base {
		return spot
	}
	return 1 / spot
}

// confidence is the share of the observed edge left after the safety buffer
func confidence(grossBPS, bufferBPS float64) float64 {
	if grossBPS <= 0 {
		return 0
	}
	c := 1 - bufferBPS/grossBPS
	return math.Max(0, math.Min(1, c))
}
