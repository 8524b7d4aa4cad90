package types

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// ErrSimulationAttached is returned when a second simulation result is attached to an opportunity
var ErrSimulationAttached = errors.New("simulation result already attached")

// Token represents an ERC20 token
type Token struct {
	Address  common.Address
	Symbol   string
	Decimals uint8
	PriceUSD decimal.NullDecimal
}

// NewToken creates a token without a known USD price
func NewToken(address common.Address, symbol string, decimals uint8) Token {
	return Token{Address: address, Symbol: symbol, Decimals: decimals}
}

// WithPriceUSD returns a copy of the token carrying a USD price
func (t Token) WithPriceUSD(price decimal.Decimal) Token {
	t.PriceUSD = decimal.NewNullDecimal(price)
	return t
}

// DEXType identifies the pricing model and call layout of a venue
type DEXType string

const (
	DEXUniswapV2 DEXType = "uniswap_v2"
	DEXSushiswap DEXType = "sushiswap"
	DEXUniswapV3 DEXType = "uniswap_v3"
	DEXSushiV3   DEXType = "sushiswap_v3"
)

// IsConcentrated reports whether the venue represents price via sqrtPrice and ticks
func (d DEXType) IsConcentrated() bool {
	return d == DEXUniswapV3 || d == DEXSushiV3
}

// Valid reports whether the venue is one the searcher knows how to price
func (d DEXType) Valid() bool {
	switch d {
	case DEXUniswapV2, DEXSushiswap, DEXUniswapV3, DEXSushiV3:
		return true
	}
	return false
}

// PoolState is a point-in-time snapshot of a liquidity pool.
// Constant-product venues populate Reserve0/Reserve1, concentrated venues
// populate SqrtPriceX96/Tick/Liquidity. Snapshots are replaced, never mutated.
type PoolState struct {
	Venue   DEXType
	Address common.Address
	Token0  Token
	Token1  Token

	// Constant-product
	Reserve0 *big.Int
	Reserve1 *big.Int

	// Concentrated liquidity
	SqrtPriceX96 *big.Int
	Tick         int32
	Liquidity    *big.Int

	FeeBps    uint32
	Timestamp time.Time
}

// Validate checks that exactly one price representation is populated for the venue kind
func (p PoolState) Validate() error {
	if !p.Venue.Valid() {
		return fmt.Errorf("pool %s: unknown venue %q", p.Address.Hex(), p.Venue)
	}
	hasReserves := p.Reserve0 != nil || p.Reserve1 != nil
	hasSqrt := p.SqrtPriceX96 != nil
	if p.Venue.IsConcentrated() {
		if !hasSqrt || hasReserves {
			return fmt.Errorf("pool %s: concentrated venue needs sqrtPrice and no reserves", p.Address.Hex())
		}
		if p.Liquidity == nil {
			return fmt.Errorf("pool %s: concentrated venue needs liquidity", p.Address.Hex())
		}
		return nil
	}
	if hasSqrt || p.Reserve0 == nil || p.Reserve1 == nil {
		return fmt.Errorf("pool %s: constant-product venue needs both reserves and no sqrtPrice", p.Address.Hex())
	}
	return nil
}

// Pair returns the unordered token pair key of the pool
func (p PoolState) Pair() PairKey {
	return NewPairKey(p.Token0.Address, p.Token1.Address)
}

// Age returns how long ago the snapshot was captured
func (p PoolState) Age(now time.Time) time.Duration {
	return now.Sub(p.Timestamp)
}

// PairKey identifies an unordered token pair
type PairKey struct {
	A common.Address
	B common.Address
}

// NewPairKey normalizes a pair (always smaller address first)
func NewPairKey(x, y common.Address) PairKey {
	if bytes.Compare(x.Bytes(), y.Bytes()) <= 0 {
		return PairKey{A: x, B: y}
	}
	return PairKey{A: y, B: x}
}

func (k PairKey) String() string {
	return fmt.Sprintf("%s-%s", k.A.Hex()[:10], k.B.Hex()[:10])
}

// PendingTx represents a pending transaction observed in the mempool
type PendingTx struct {
	Hash     common.Hash
	From     common.Address
	To       *common.Address
	Value    *big.Int
	Data     []byte
	GasPrice *big.Int
	GasLimit uint64
	Nonce    uint64
	SeenAt   time.Time
	Source   string
}

// CallCategory classifies a decoded call
type CallCategory string

const (
	CategorySwap       CallCategory = "swap"
	CategoryLiquidity  CallCategory = "liquidity"
	CategoryFlashLoan  CallCategory = "flash_loan"
	CategoryGovernance CallCategory = "governance"
	CategoryUnknown    CallCategory = "unknown"
)

// DecodedCall is the structured form of a pending transaction's calldata
type DecodedCall struct {
	Target   common.Address
	Function string
	Args     map[string]any
	Category CallCategory
}

// OpportunityType indicates the type of arbitrage opportunity
type OpportunityType string

const (
	OpportunityCrossDEX   OpportunityType = "cross_dex"
	OpportunityTWAP       OpportunityType = "twap"
	OpportunityTriangular OpportunityType = "triangular_cycle"
	OpportunityJIT        OpportunityType = "jit_liquidity"
)

// ArbitrageOpportunity is a candidate opportunity produced by detection.
// It is immutable after creation except for a single AttachSimulation call.
type ArbitrageOpportunity struct {
	ID        string
	Type      OpportunityType
	CreatedAt time.Time
	Trigger   *PendingTx

	// Participating pools, ordered (for cross-dex: cheap, expensive)
	Pools     []PoolState
	TokenPath []common.Address
	AmountIn  *big.Int

	ExpectedProfitUSD decimal.Decimal
	ExpectedProfitBPS float64
	ProfitMargin      float64
	GasEstimate       uint64

	RequiresFlashloan bool
	FlashloanAmount   *big.Int

	Simulation *SimulationResult
	Confidence float64
}

// AttachSimulation records the simulation result. It may be called only once.
func (o *ArbitrageOpportunity) AttachSimulation(r *SimulationResult) error {
	if o.Simulation != nil {
		return ErrSimulationAttached
	}
	o.Simulation = r
	return nil
}

// Flashloaned reports whether execution borrows its capital. TWAP trades always do.
func (o *ArbitrageOpportunity) Flashloaned() bool {
	return o.RequiresFlashloan || o.Type == OpportunityTWAP
}

// LoanAmount is the amount to borrow: the detector's figure if it set one,
// else the amount simulation resolved, else AmountIn.
func (o *ArbitrageOpportunity) LoanAmount() *big.Int {
	switch {
	case o.FlashloanAmount != nil:
		return o.FlashloanAmount
	case o.Simulation != nil && o.Simulation.FlashloanAmount != nil:
		return o.Simulation.FlashloanAmount
	case o.AmountIn != nil:
		return o.AmountIn
	}
	return new(big.Int)
}

// PrimaryPool returns the first participating pool
func (o *ArbitrageOpportunity) PrimaryPool() (PoolState, bool) {
	if len(o.Pools) == 0 {
		return PoolState{}, false
	}
	return o.Pools[0], true
}

// SimulationResult is the outcome of replaying an opportunity against forked state
type SimulationResult struct {
	Success         bool
	Provider        string
	AmountOut       *big.Int
	GrossProfit     *big.Int
	GrossProfitBPS  float64
	NetProfit       *big.Int
	NetProfitBPS    float64
	GasUsed         uint64
	GasCost         *big.Int
	GasCostBPS      float64
	FlashloanFee    *big.Int
	FlashloanAmount *big.Int // loan the fee was charged on, nil without a flashloan
	Deviations      []StateDeviation
	RevertReason    string
}

// MaxDeviationBPS returns the largest deviation recorded, or 0
func (r *SimulationResult) MaxDeviationBPS() float64 {
	worst := 0.0
	for _, d := range r.Deviations {
		if d.DeviationBPS > worst {
			worst = d.DeviationBPS
		}
	}
	return worst
}

// StateDeviation compares the pool state an opportunity assumed with the state observed at simulation
type StateDeviation struct {
	Pool         common.Address
	Expected     PoolState
	Actual       PoolState
	DeviationBPS float64
}

// SafetyCheckResult is the itemized outcome of the safety battery
type SafetyCheckResult struct {
	SimulationProfitable     bool
	NoNegativeExternality    bool
	NoFrontrunning           bool
	DeviationGuardConfigured bool
	AuditLogged              bool

	Failures []string
	Warnings []string
	Passed   bool
}

// Severity of an audit record
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// AuditLog is an append-only audit record
type AuditLog struct {
	Timestamp     time.Time      `json:"timestamp"`
	EntryType     string         `json:"entry_type"`
	OpportunityID string         `json:"opportunity_id,omitempty"`
	Payload       map[string]any `json:"payload"`
	Severity      Severity       `json:"severity"`
}

// BundleConfig holds relay parameters derived per opportunity
type BundleConfig struct {
	ProfitRecipient       common.Address
	MinProfitBPS          float64
	MaxGasBPS             float64
	RevertOnDeviation     bool
	DeviationThresholdBPS float64
	TargetBlock           uint64
}

// ExecutionStatus is the lifecycle state of a submitted execution
type ExecutionStatus string

const (
	StatusSubmitted ExecutionStatus = "submitted"
	StatusIncluded  ExecutionStatus = "included"
	StatusFailed    ExecutionStatus = "failed"
	StatusReverted  ExecutionStatus = "reverted"
)

// ExecutionResult is produced once per execution attempt
type ExecutionResult struct {
	Hash           string
	SubmittedAt    time.Time
	InclusionBlock *uint64
	RealizedProfit *big.Int
	Status         ExecutionStatus
	Error          string
}

// Failed builds a failed execution result carrying err
func Failed(err error) *ExecutionResult {
	return &ExecutionResult{
		SubmittedAt: time.Now(),
		Status:      StatusFailed,
		Error:       err.Error(),
	}
}

// TxRequest is an unsigned transaction built for an opportunity
type TxRequest struct {
	To       common.Address
	Value    *big.Int
	GasLimit uint64
	Data     []byte
}
