package executor

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/devlongs/mev-searcher/pkg/types"
)

var (
	// ErrUnsupportedType is returned for an opportunity type with no builder
	ErrUnsupportedType = errors.New("executor: unsupported opportunity type")
	// ErrIncomplete is returned when an opportunity lacks the pools or path its builder needs
	ErrIncomplete = errors.New("executor: opportunity is missing pools or token path")
)

// Default gas limits per builder when detection gave no estimate
const (
	defaultGasSwap       = 250_000
	defaultGasFlashloan  = 350_000
	defaultGasTriangular = 400_000
	defaultGasJIT        = 500_000
)

// Searcher contract entry points. executeArbitrage returns the final amount
// of path[0] received, which is what simulation reads back.
const searcherABI = `[
{"inputs":[{"name":"pools","type":"address[]"},{"name":"path","type":"address[]"},{"name":"amountIn","type":"uint256"},{"name":"minAmountOut","type":"uint256"}],"name":"executeArbitrage","outputs":[{"name":"amountOut","type":"uint256"}],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"name":"pool","type":"address"},{"name":"tickLower","type":"int24"},{"name":"tickUpper","type":"int24"},{"name":"amount0","type":"uint256"},{"name":"amount1","type":"uint256"}],"name":"executeJIT","outputs":[{"name":"amountOut","type":"uint256"}],"stateMutability":"nonpayable","type":"function"}
]`

// Builder encodes opportunities into transactions against the searcher contract
type Builder struct {
	contract common.Address
	flash    FlashloanEncoder
	abi      abi.ABI
}

// NewBuilder creates a builder. contract may be zero, in which case
// transactions target the opportunity's primary pool. flash may be nil if no
// opportunity needs a flashloan.
func NewBuilder(contract common.Address, flash FlashloanEncoder) *Builder {
	return &Builder{
		contract: contract,
		flash:    flash,
		abi:      mustParseABI(searcherABI),
	}
}

// BuildTransaction dispatches on the opportunity type and wraps the result in
// a flashloan when the opportunity borrows its capital
func (b *Builder) BuildTransaction(ctx context.Context, opp *types.ArbitrageOpportunity) (*types.TxRequest, error) {
	tx, err := b.BuildCall(ctx, opp)
	if err != nil {
		return nil, err
	}
	if opp.Flashloaned() {
		return b.wrapFlashloan(opp, tx)
	}
	return tx, nil
}

// BuildCall encodes the searcher contract call alone, without any flashloan
// wrapper. Its return data is the realized output amount.
func (b *Builder) BuildCall(_ context.Context, opp *types.ArbitrageOpportunity) (*types.TxRequest, error) {
	switch opp.Type {
	case types.OpportunityCrossDEX:
		return b.buildCrossDEX(opp)
	case types.OpportunityTWAP:
		return b.buildTWAP(opp)
	case types.OpportunityTriangular:
		return b.buildTriangular(opp)
	case types.OpportunityJIT:
		return b.buildJIT(opp)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, opp.Type)
}

// buildCrossDEX buys on the cheap pool and sells on the expensive one
func (b *Builder) buildCrossDEX(opp *types.ArbitrageOpportunity) (*types.TxRequest, error) {
	if len(opp.Pools) != 2 || len(opp.TokenPath) != 3 {
		return nil, ErrIncomplete
	}
	return b.swapPath(opp, defaultGasSwap)
}

// buildTWAP trades the drifted pool back toward its reference
func (b *Builder) buildTWAP(opp *types.ArbitrageOpportunity) (*types.TxRequest, error) {
	if len(opp.Pools) != 1 || len(opp.TokenPath) != 2 {
		return nil, ErrIncomplete
	}
	return b.swapPath(opp, defaultGasFlashloan)
}

// buildTriangular routes through every pool of the cycle in order
func (b *Builder) buildTriangular(opp *types.ArbitrageOpportunity) (*types.TxRequest, error) {
	if len(opp.Pools) < 3 || len(opp.TokenPath) != len(opp.Pools)+1 {
		return nil, ErrIncomplete
	}
	return b.swapPath(opp, defaultGasTriangular)
}

// buildJIT adds liquidity one tick spacing either side of the current tick
// and removes it after the target swap
func (b *Builder) buildJIT(opp *types.ArbitrageOpportunity) (*types.TxRequest, error) {
	pool, ok := opp.PrimaryPool()
	if !ok || !pool.Venue.IsConcentrated() {
		return nil, fmt.Errorf("%w: jit needs a concentrated-liquidity pool", ErrIncomplete)
	}

	spacing := tickSpacing(pool.FeeBps)
	lower := floorDiv(pool.Tick, spacing) * spacing
	upper := lower + spacing

	data, err := b.abi.Pack("executeJIT", pool.Address,
		big.NewInt(int64(lower)), big.NewInt(int64(upper)),
		amountOrZero(opp.AmountIn), new(big.Int))
	if err != nil {
		return nil, fmt.Errorf("pack executeJIT: %w", err)
	}
	return &types.TxRequest{
		To:       b.target(opp),
		Value:    new(big.Int),
		GasLimit: gasOr(opp.GasEstimate, defaultGasJIT),
		Data:     data,
	}, nil
}

func (b *Builder) swapPath(opp *types.ArbitrageOpportunity, gas uint64) (*types.TxRequest, error) {
	pools := make([]common.Address, len(opp.Pools))
	for i, p := range opp.Pools {
		pools[i] = p.Address
	}
	amountIn := amountOrZero(opp.AmountIn)

	// the contract reverts unless it ends with at least what it started with
	data, err := b.abi.Pack("executeArbitrage", pools, opp.TokenPath, amountIn, amountIn)
	if err != nil {
		return nil, fmt.Errorf("pack executeArbitrage: %w", err)
	}
	return &types.TxRequest{
		To:       b.target(opp),
		Value:    new(big.Int),
		GasLimit: gasOr(opp.GasEstimate, gas),
		Data:     data,
	}, nil
}

// wrapFlashloan turns inner into the callback payload of a flashloan of the first path token
func (b *Builder) wrapFlashloan(opp *types.ArbitrageOpportunity, inner *types.TxRequest) (*types.TxRequest, error) {
	if b.flash == nil {
		return nil, errors.New("executor: opportunity requires a flashloan but no provider is configured")
	}
	if len(opp.TokenPath) == 0 {
		return nil, ErrIncomplete
	}

	data, err := b.flash.Encode(b.target(opp), opp.TokenPath[0], opp.LoanAmount(), inner.Data)
	if err != nil {
		return nil, fmt.Errorf("encode %s flashloan: %w", b.flash.Provider(), err)
	}
	return &types.TxRequest{
		To:       b.flash.Address(),
		Value:    new(big.Int),
		GasLimit: inner.GasLimit,
		Data:     data,
	}, nil
}

func (b *Builder) target(opp *types.ArbitrageOpportunity) common.Address {
	if b.contract != (common.Address{}) {
		return b.contract
	}
	if p, ok := opp.PrimaryPool(); ok {
		return p.Address
	}
	return common.Address{}
}

// tickSpacing maps a V3 fee tier (in BPS) to its tick spacing
func tickSpacing(feeBps uint32) int32 {
	switch feeBps {
	case 1:
		return 1
	case 5:
		return 10
	case 100:
		return 200
	default:
		return 60
	}
}

func floorDiv(a, b int32) int32 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

func amountOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func gasOr(estimate, fallback uint64) uint64 {
	if estimate > 0 {
		return estimate
	}
	return fallback
}
