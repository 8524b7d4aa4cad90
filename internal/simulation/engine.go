// Package simulation replays opportunities against forked chain state before
// anything is signed.
package simulation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"github.com/devlongs/mev-searcher/internal/poolstate"
	"github.com/devlongs/mev-searcher/pkg/types"
)

// MaxStateDeviationBPS is the largest pool state drift tolerated between
// detection and simulation
const MaxStateDeviationBPS = 200

// FlashloanFeeDivisor models the provider fee as amount / 1000
const FlashloanFeeDivisor = 1000

var (
	// ErrNoSimulator is returned when the engine has no simulator at all
	ErrNoSimulator = errors.New("simulation: no simulator configured")
	// ErrUnavailable is returned when every simulator failed to answer
	ErrUnavailable = errors.New("simulation: all simulators failed")
	// ErrMalformedOutput is returned when a successful call does not return an amount
	ErrMalformedOutput = errors.New("simulation: call returned no amount")
)

// Outcome is what a simulator reports for a single transaction
type Outcome struct {
	Reverted     bool
	RevertReason string
	ReturnData   []byte
	GasUsed      uint64
}

// Simulator executes a transaction against a fork without broadcasting it
type Simulator interface {
	Name() string
	Simulate(ctx context.Context, from common.Address, tx *types.TxRequest) (*Outcome, error)
}

// Builder turns an opportunity into the transaction that would execute it.
// BuildCall is the same contract call without any flashloan wrapper.
type Builder interface {
	BuildTransaction(ctx context.Context, opp *types.ArbitrageOpportunity) (*types.TxRequest, error)
	BuildCall(ctx context.Context, opp *types.ArbitrageOpportunity) (*types.TxRequest, error)
}

// GasPricer quotes the current gas price
type GasPricer interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// Config holds engine settings
type Config struct {
	Timeout time.Duration
	From    common.Address
}

// Engine runs the primary simulator and falls back to the secondary one on
// any transport, auth or decoding failure
type Engine struct {
	cfg      Config
	builder  Builder
	gas      GasPricer
	primary  Simulator
	fallback Simulator
	state    map[types.DEXType]poolstate.PoolFetcher

	// OnFallback, if set, is called each time the fallback simulator is used
	OnFallback func()
}

// NewEngine creates a simulation engine. Either simulator may be nil, but not both.
func NewEngine(cfg Config, builder Builder, gas GasPricer, primary, fallback Simulator) (*Engine, error) {
	if primary == nil && fallback == nil {
		return nil, ErrNoSimulator
	}
	if primary == nil {
		primary, fallback = fallback, nil
	}
	return &Engine{
		cfg:      cfg,
		builder:  builder,
		gas:      gas,
		primary:  primary,
		fallback: fallback,
	}, nil
}

// WithStateReaders enables deviation measurement by re-reading each pool at simulation time
func (e *Engine) WithStateReaders(readers map[types.DEXType]poolstate.PoolFetcher) *Engine {
	e.state = readers
	return e
}

// Simulate replays opp and attaches the result to it. A revert is a negative
// result, not an error; an error means no simulator could answer.
func (e *Engine) Simulate(ctx context.Context, opp *types.ArbitrageOpportunity) (*types.SimulationResult, error) {
	tx, err := e.builder.BuildTransaction(ctx, opp)
	if err != nil {
		return nil, fmt.Errorf("build transaction: %w", err)
	}

	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	// flashloan entry points return nothing, the amount comes from the call they wrap
	flashloaned := opp.Flashloaned()
	outcome, provider, err := e.run(ctx, tx, !flashloaned)
	if err != nil {
		return nil, err
	}
	if flashloaned && !outcome.Reverted {
		outcome, err = e.callbackOutput(ctx, opp, outcome)
		if err != nil {
			return nil, err
		}
	}

	var result *types.SimulationResult
	if outcome.Reverted {
		result = reverted(provider, outcome.RevertReason)
	} else {
		gasPrice, err := e.gas.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("suggest gas price: %w", err)
		}
		result = e.settle(opp, provider, outcome, gasPrice)
		result.Deviations = e.deviations(ctx, opp)
	}

	if err := opp.AttachSimulation(result); err != nil {
		return nil, err
	}

	log.Debug().
		Str("opportunity", opp.ID).
		Str("provider", provider).
		Bool("success", result.Success).
		Float64("netBPS", result.NetProfitBPS).
		Str("revert", result.RevertReason).
		Msg("Simulation complete")

	return result, nil
}

// callbackOutput replays the contract call a flashloan wraps to read the
// realized amount. Gas comes from the wrapped transaction.
func (e *Engine) callbackOutput(ctx context.Context, opp *types.ArbitrageOpportunity, wrapped *Outcome) (*Outcome, error) {
	call, err := e.builder.BuildCall(ctx, opp)
	if err != nil {
		return nil, fmt.Errorf("build contract call: %w", err)
	}
	inner, _, err := e.run(ctx, call, true)
	if err != nil {
		return nil, err
	}
	if inner.Reverted {
		return inner, nil
	}
	return &Outcome{ReturnData: inner.ReturnData, GasUsed: wrapped.GasUsed}, nil
}

func (e *Engine) run(ctx context.Context, tx *types.TxRequest, needOutput bool) (*Outcome, string, error) {
	outcome, err := e.try(ctx, e.primary, tx, needOutput)
	if err == nil {
		return outcome, e.primary.Name(), nil
	}
	if e.fallback == nil {
		return nil, "", fmt.Errorf("%w: %s: %v", ErrUnavailable, e.primary.Name(), err)
	}

	log.Warn().Err(err).Str("primary", e.primary.Name()).Str("fallback", e.fallback.Name()).Msg("Primary simulator failed, falling back")
	if e.OnFallback != nil {
		e.OnFallback()
	}

	outcome, ferr := e.try(ctx, e.fallback, tx, needOutput)
	if ferr != nil {
		return nil, "", fmt.Errorf("%w: %s: %v; %s: %v", ErrUnavailable, e.primary.Name(), err, e.fallback.Name(), ferr)
	}
	return outcome, e.fallback.Name(), nil
}

func (e *Engine) try(ctx context.Context, sim Simulator, tx *types.TxRequest, needOutput bool) (*Outcome, error) {
	outcome, err := sim.Simulate(ctx, e.cfg.From, tx)
	if err != nil {
		return nil, err
	}
	if needOutput && !outcome.Reverted && len(outcome.ReturnData) < 32 {
		return nil, ErrMalformedOutput
	}
	return outcome, nil
}

// settle derives profit figures from a successful outcome
func (e *Engine) settle(opp *types.ArbitrageOpportunity, provider string, outcome *Outcome, gasPrice *big.Int) *types.SimulationResult {
	amountIn := new(big.Int)
	if opp.AmountIn != nil {
		amountIn.Set(opp.AmountIn)
	}
	amountOut := new(big.Int).SetBytes(outcome.ReturnData[:32])

	gross := new(big.Int).Sub(amountOut, amountIn)
	if gross.Sign() < 0 {
		gross.SetInt64(0)
	}
	gasCost := new(big.Int).Mul(new(big.Int).SetUint64(outcome.GasUsed), gasPrice)
	net := new(big.Int).Sub(gross, gasCost)
	if net.Sign() < 0 {
		net.SetInt64(0)
	}

	grossBPS := bpsOf(gross, amountIn)
	gasBPS := bpsOf(gasCost, amountIn)

	fee := new(big.Int)
	var loan *big.Int
	if opp.Flashloaned() {
		loan = new(big.Int).Set(opp.LoanAmount())
		fee.Div(loan, big.NewInt(FlashloanFeeDivisor))
	}

	return &types.SimulationResult{
		Success:         true,
		Provider:        provider,
		AmountOut:       amountOut,
		GrossProfit:     gross,
		GrossProfitBPS:  grossBPS,
		NetProfit:       net,
		NetProfitBPS:    grossBPS - gasBPS,
		GasUsed:         outcome.GasUsed,
		GasCost:         gasCost,
		GasCostBPS:      gasBPS,
		FlashloanFee:    fee,
		FlashloanAmount: loan,
	}
}

// deviations compares the pool states the opportunity assumed against a fresh read
func (e *Engine) deviations(ctx context.Context, opp *types.ArbitrageOpportunity) []types.StateDeviation {
	if len(e.state) == 0 {
		return nil
	}

	var out []types.StateDeviation
	for _, expected := range opp.Pools {
		reader, ok := e.state[expected.Venue]
		if !ok {
			continue
		}
		actual, err := reader.FetchPool(ctx, expected.Address, expected.Venue)
		if err != nil {
			log.Debug().Err(err).Str("pool", expected.Address.Hex()).Msg("Could not re-read pool for deviation check")
			continue
		}
		out = append(out, types.StateDeviation{
			Pool:         expected.Address,
			Expected:     expected,
			Actual:       actual,
			DeviationBPS: DeviationBPS(expected, actual),
		})
	}
	return out
}

// DeviationBPS is the relative spot price move between two snapshots of a pool
func DeviationBPS(expected, actual types.PoolState) float64 {
	e := poolstate.SpotPriceFloat(expected)
	a := poolstate.SpotPriceFloat(actual)
	if e == 0 {
		if a == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return math.Abs(a-e) / e * 10000
}

func reverted(provider, reason string) *types.SimulationResult {
	if reason == "" {
		reason = "execution reverted"
	}
	return &types.SimulationResult{
		Success:      false,
		Provider:     provider,
		AmountOut:    new(big.Int),
		GrossProfit:  new(big.Int),
		NetProfit:    new(big.Int),
		GasCost:      new(big.Int),
		FlashloanFee: new(big.Int),
		RevertReason: reason,
	}
}

func bpsOf(v, notional *big.Int) float64 {
	if notional.Sign() == 0 {
		return 0
	}
	r, _ := new(big.Rat).SetFrac(new(big.Int).Mul(v, big.NewInt(10000)), notional).Float64()
	return r
}
