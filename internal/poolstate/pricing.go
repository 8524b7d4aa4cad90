package poolstate

import (
	"errors"
	"math/big"

	"github.com/devlongs/mev-searcher/pkg/types"
)

const bpsDivisor = 10000

var (
	// ErrInvalidAmount is returned for a zero or negative trade size
	ErrInvalidAmount = errors.New("poolstate: amount must be positive")
	// ErrEmptyPool is returned when a pool has no liquidity to trade against
	ErrEmptyPool = errors.New("poolstate: pool has no liquidity")
)

// q192 is 2^192, the scale of sqrtPriceX96 squared
var q192 = new(big.Float).SetInt(new(big.Int).Lsh(big.NewInt(1), 192))

// SpotPrice returns the marginal price of token0 in token1 raw units.
// Concentrated pools use sqrtPriceX96² / 2^192, constant-product pools use
// reserve1 / reserve0. A zero reserve0 yields 0.
func SpotPrice(p types.PoolState) *big.Float {
	if p.Venue.IsConcentrated() {
		if p.SqrtPriceX96 == nil {
			return new(big.Float)
		}
		sq := new(big.Int).Mul(p.SqrtPriceX96, p.SqrtPriceX96)
		return new(big.Float).Quo(new(big.Float).SetInt(sq), q192)
	}

	if p.Reserve0 == nil || p.Reserve1 == nil || p.Reserve0.Sign() == 0 {
		return new(big.Float)
	}
	return new(big.Float).Quo(new(big.Float).SetInt(p.Reserve1), new(big.Float).SetInt(p.Reserve0))
}

// SpotPriceFloat is SpotPrice as a float64
func SpotPriceFloat(p types.PoolState) float64 {
	f, _ := SpotPrice(p).Float64()
	return f
}

// SlippageForAmountIn returns the price impact in BPS of selling amountIn of token0.
//
// Constant-product pools use the exact x*y=k output, so the result equals
// amountIn / (reserve0 + amountIn). Concentrated pools use the first-order
// approximation amountIn / (2 * liquidity), which ignores tick crossings.
func SlippageForAmountIn(p types.PoolState, amountIn *big.Int) (float64, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return 0, ErrInvalidAmount
	}

	in := new(big.Float).SetInt(amountIn)

	if p.Venue.IsConcentrated() {
		if p.Liquidity == nil || p.Liquidity.Sign() == 0 {
			return 0, ErrEmptyPool
		}
		twoL := new(big.Float).SetInt(new(big.Int).Lsh(p.Liquidity, 1))
		frac, _ := new(big.Float).Quo(in, twoL).Float64()
		return frac * bpsDivisor, nil
	}

	if p.Reserve0 == nil || p.Reserve1 == nil || p.Reserve0.Sign() == 0 || p.Reserve1.Sign() == 0 {
		return 0, ErrEmptyPool
	}

	// amountOut = r1 - k / (r0 + in)
	r0 := new(big.Float).SetInt(p.Reserve0)
	r1 := new(big.Float).SetInt(p.Reserve1)
	k := new(big.Float).Mul(r0, r1)
	newR0 := new(big.Float).Add(r0, in)
	out := new(big.Float).Sub(r1, new(big.Float).Quo(k, newR0))

	spot := new(big.Float).Quo(r1, r0)
	effective := new(big.Float).Quo(out, in)
	diff := new(big.Float).Sub(spot, effective)
	frac, _ := new(big.Float).Quo(diff, spot).Float64()
	return frac * bpsDivisor, nil
}

// DivergenceBPS returns (high - low) / low in BPS, or 0 if low is not positive
func DivergenceBPS(low, high float64) float64 {
	if low <= 0 {
		return 0
	}
	return (high - low) / low * bpsDivisor
}
