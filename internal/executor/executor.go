package executor

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"

	"github.com/devlongs/mev-searcher/pkg/types"
)

var (
	// ErrNotSimulated is returned when live execution is asked for an opportunity without a successful simulation
	ErrNotSimulated = errors.New("executor: opportunity has no successful simulation")
	// ErrProfitBelowFloor is returned when simulated net profit is under the execution floor
	ErrProfitBelowFloor = errors.New("executor: simulated profit below execution floor")
	// ErrNoSigner is returned when live execution has no private key
	ErrNoSigner = errors.New("executor: live execution needs a private key")
)

// Bundle parameters as fractions of the expected profit
const (
	bundleMinProfitShare = 0.8
	bundleMaxGasShare    = 0.2
)

// TxBuilder encodes an opportunity into an unsigned transaction
type TxBuilder interface {
	BuildTransaction(ctx context.Context, opp *types.ArbitrageOpportunity) (*types.TxRequest, error)
}

// ChainClient is the subset of the node client used for public-mempool submission
type ChainClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
}

// BundleSubmitter sends signed transactions to a private relay
type BundleSubmitter interface {
	SubmitBundle(ctx context.Context, txs [][]byte, cfg types.BundleConfig) *types.ExecutionResult
}

// Config holds executor settings
type Config struct {
	DryRun                bool
	MinProfitBPS          float64
	GasMultiplier         float64
	ChainID               *big.Int
	ProfitRecipient       common.Address
	DeviationThresholdBPS float64
}

// Executor signs and submits opportunities, or fabricates submissions in dry-run mode
type Executor struct {
	cfg     Config
	builder TxBuilder
	key     *ecdsa.PrivateKey
	from    common.Address
	client  ChainClient
	relay   BundleSubmitter
	now     func() time.Time
}

// New creates an executor. key, client and relay may be nil in dry-run mode.
// When relay is nil live transactions go to the public mempool through client.
func New(cfg Config, builder TxBuilder, key *ecdsa.PrivateKey, client ChainClient, relay BundleSubmitter) (*Executor, error) {
	if !cfg.DryRun {
		if key == nil {
			return nil, ErrNoSigner
		}
		if client == nil || cfg.ChainID == nil {
			return nil, errors.New("executor: live execution needs a chain client and chain id")
		}
	}
	if cfg.GasMultiplier <= 0 {
		cfg.GasMultiplier = 1
	}

	e := &Executor{
		cfg:     cfg,
		builder: builder,
		key:     key,
		client:  client,
		relay:   relay,
		now:     time.Now,
	}
	if key != nil {
		e.from = crypto.PubkeyToAddress(key.PublicKey)
	}
	return e, nil
}

// DryRun reports whether the executor fabricates submissions
func (e *Executor) DryRun() bool {
	return e.cfg.DryRun
}

// BuildTransaction delegates to the configured builder
func (e *Executor) BuildTransaction(ctx context.Context, opp *types.ArbitrageOpportunity) (*types.TxRequest, error) {
	return e.builder.BuildTransaction(ctx, opp)
}

// Execute submits the opportunity. It never returns nil; every error
// becomes a failed result.
func (e *Executor) Execute(ctx context.Context, opp *types.ArbitrageOpportunity) *types.ExecutionResult {
	if e.cfg.DryRun {
		return e.simulatedSubmission(opp)
	}

	result, err := e.submit(ctx, opp)
	if err != nil {
		log.Error().Err(err).Str("opportunity", opp.ID).Msg("Execution failed")
		return types.Failed(err)
	}
	return result
}

// simulatedSubmission derives a stable hash from the opportunity without touching the network
func (e *Executor) simulatedSubmission(opp *types.ArbitrageOpportunity) *types.ExecutionResult {
	now := e.now()
	hash := crypto.Keccak256Hash([]byte(opp.ID), big.NewInt(now.UnixNano()).Bytes())

	log.Info().
		Str("opportunity", opp.ID).
		Str("hash", hash.Hex()).
		Msg("Dry run: skipping submission")

	return &types.ExecutionResult{
		Hash:        hash.Hex(),
		SubmittedAt: now,
		Status:      types.StatusSubmitted,
	}
}

func (e *Executor) submit(ctx context.Context, opp *types.ArbitrageOpportunity) (*types.ExecutionResult, error) {
	sim := opp.Simulation
	if sim == nil || !sim.Success {
		return nil, ErrNotSimulated
	}
	if sim.NetProfitBPS < e.cfg.MinProfitBPS {
		return nil, fmt.Errorf("%w: %.2f < %.2f BPS", ErrProfitBelowFloor, sim.NetProfitBPS, e.cfg.MinProfitBPS)
	}

	req, err := e.builder.BuildTransaction(ctx, opp)
	if err != nil {
		return nil, fmt.Errorf("build transaction: %w", err)
	}

	signed, err := e.sign(ctx, req)
	if err != nil {
		return nil, err
	}

	if e.relay != nil {
		raw, err := signed.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("encode transaction: %w", err)
		}
		return e.relay.SubmitBundle(ctx, [][]byte{raw}, e.BuildBundleConfig(opp)), nil
	}

	if err := e.client.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("send transaction: %w", err)
	}

	log.Info().
		Str("opportunity", opp.ID).
		Str("hash", signed.Hash().Hex()).
		Msg("Transaction sent to public mempool")

	return &types.ExecutionResult{
		Hash:        signed.Hash().Hex(),
		SubmittedAt: e.now(),
		Status:      types.StatusSubmitted,
	}, nil
}

// sign applies the gas multiplier, fetches nonce and gas price, and signs req
func (e *Executor) sign(ctx context.Context, req *types.TxRequest) (*ethtypes.Transaction, error) {
	nonce, err := e.client.PendingNonceAt(ctx, e.from)
	if err != nil {
		return nil, fmt.Errorf("get nonce: %w", err)
	}
	gasPrice, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get gas price: %w", err)
	}

	value := req.Value
	if value == nil {
		value = new(big.Int)
	}

	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      uint64(float64(req.GasLimit) * e.cfg.GasMultiplier),
		To:       &req.To,
		Value:    value,
		Data:     req.Data,
	})

	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(e.cfg.ChainID), e.key)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	return signed, nil
}

// BuildBundleConfig derives relay parameters from the opportunity's expected profit
func (e *Executor) BuildBundleConfig(opp *types.ArbitrageOpportunity) types.BundleConfig {
	return types.BundleConfig{
		ProfitRecipient:       e.cfg.ProfitRecipient,
		MinProfitBPS:          opp.ExpectedProfitBPS * bundleMinProfitShare,
		MaxGasBPS:             opp.ExpectedProfitBPS * bundleMaxGasShare,
		RevertOnDeviation:     true,
		DeviationThresholdBPS: e.cfg.DeviationThresholdBPS,
	}
}
