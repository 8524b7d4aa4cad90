package uniswapv3

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"github.com/devlongs/mev-searcher/pkg/types"
)

// Common Uniswap V3 factory address
var UniswapV3Factory = common.HexToAddress("0x1F98431c8aD98523631AE4a59f267346ea31F984")

var (
	selectorToken0    = common.Hex2Bytes("0dfe1681")
	selectorToken1    = common.Hex2Bytes("d21220a7")
	selectorFee       = common.Hex2Bytes("ddca3f43")
	selectorSlot0     = common.Hex2Bytes("3850c7bd")
	selectorLiquidity = common.Hex2Bytes("1a686502")
)

// ErrShortWindow is returned when a TWAP window rounds to zero seconds
var ErrShortWindow = errors.New("uniswapv3: twap window must be at least one second")

const observeABI = `[{"inputs":[{"internalType":"uint32[]","name":"secondsAgos","type":"uint32[]"}],"name":"observe","outputs":[{"internalType":"int56[]","name":"tickCumulatives","type":"int56[]"},{"internalType":"uint160[]","name":"secondsPerLiquidityCumulativeX128s","type":"uint160[]"}],"stateMutability":"view","type":"function"}]`

var poolABI = mustParseABI(observeABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

// ContractCaller is the subset of the RPC client the fetcher needs
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Fetcher reads concentrated-liquidity pool state and oracle observations
type Fetcher struct {
	client ContractCaller
	now    func() time.Time

	mu        sync.Mutex
	poolCache map[common.Address]*PoolInfo
}

// PoolInfo holds cached information about a V3 pool
type PoolInfo struct {
	Token0 common.Address
	Token1 common.Address
	Fee    uint32 // hundredths of a basis point, as stored on-chain
}

// NewFetcher creates a new Uniswap V3 pool fetcher
func NewFetcher(client ContractCaller) *Fetcher {
	return &Fetcher{
		client:    client,
		now:       time.Now,
		poolCache: make(map[common.Address]*PoolInfo),
	}
}

// FetchPool returns a fresh snapshot of the pool's slot0 and active liquidity
func (f *Fetcher) FetchPool(ctx context.Context, poolAddress common.Address, venue types.DEXType) (types.PoolState, error) {
	if !venue.IsConcentrated() {
		return types.PoolState{}, fmt.Errorf("uniswapv3: venue %q is not concentrated-liquidity", venue)
	}

	info, err := f.getPoolInfo(ctx, poolAddress)
	if err != nil {
		return types.PoolState{}, fmt.Errorf("failed to get pool info: %w", err)
	}

	sqrtPriceX96, tick, err := f.Slot0(ctx, poolAddress)
	if err != nil {
		return types.PoolState{}, fmt.Errorf("failed to get slot0: %w", err)
	}

	liquidity, err := f.callUint(ctx, poolAddress, selectorLiquidity)
	if err != nil {
		return types.PoolState{}, fmt.Errorf("failed to get liquidity: %w", err)
	}

	return types.PoolState{
		Venue:        venue,
		Address:      poolAddress,
		Token0:       types.Token{Address: info.Token0},
		Token1:       types.Token{Address: info.Token1},
		SqrtPriceX96: sqrtPriceX96,
		Tick:         tick,
		Liquidity:    liquidity,
		FeeBps:       info.Fee / 100,
		Timestamp:    f.now(),
	}, nil
}

// Slot0 returns the current sqrtPriceX96 and tick
func (f *Fetcher) Slot0(ctx context.Context, poolAddress common.Address) (*big.Int, int32, error) {
	result, err := f.client.CallContract(ctx, ethereum.CallMsg{To: &poolAddress, Data: selectorSlot0}, nil)
	if err != nil {
		return nil, 0, err
	}
	if len(result) < 64 {
		return nil, 0, fmt.Errorf("invalid slot0 response")
	}

	sqrtPriceX96 := new(big.Int).SetBytes(result[0:32])

	// tick is int24, sign-extended to a full word
	tick := new(big.Int).SetBytes(result[32:64])
	if result[32]&0x80 != 0 {
		tick.Sub(tick, new(big.Int).Lsh(big.NewInt(1), 256))
	}

	return sqrtPriceX96, int32(tick.Int64()), nil
}

// TWAP returns the time-weighted price of token0 in token1 raw units over window,
// derived from the pool's tick accumulator (price = 1.0001^meanTick).
func (f *Fetcher) TWAP(ctx context.Context, poolAddress common.Address, window time.Duration) (float64, error) {
	secs := uint32(window / time.Second)
	if secs == 0 {
		return 0, ErrShortWindow
	}

	data, err := poolABI.Pack("observe", []uint32{secs, 0})
	if err != nil {
		return 0, fmt.Errorf("pack observe: %w", err)
	}

	result, err := f.client.CallContract(ctx, ethereum.CallMsg{To: &poolAddress, Data: data}, nil)
	if err != nil {
		return 0, err
	}

	out, err := poolABI.Unpack("observe", result)
	if err != nil {
		return 0, fmt.Errorf("unpack observe: %w", err)
	}
	cumulatives, ok := out[0].([]*big.Int)
	if !ok || len(cumulatives) != 2 {
		return 0, fmt.Errorf("unexpected observe response")
	}

	delta := new(big.Int).Sub(cumulatives[1], cumulatives[0])
	meanTick, _ := new(big.Float).Quo(new(big.Float).SetInt(delta), big.NewFloat(float64(secs))).Float64()

	return math.Pow(1.0001, meanTick), nil
}

// getPoolInfo fetches and caches pool information
func (f *Fetcher) getPoolInfo(ctx context.Context, poolAddress common.Address) (*PoolInfo, error) {
	f.mu.Lock()
	info, ok := f.poolCache[poolAddress]
	f.mu.Unlock()
	if ok {
		return info, nil
	}

	token0, err := f.callAddress(ctx, poolAddress, selectorToken0)
	if err != nil {
		return nil, fmt.Errorf("failed to get token0: %w", err)
	}

	token1, err := f.callAddress(ctx, poolAddress, selectorToken1)
	if err != nil {
		return nil, fmt.Errorf("failed to get token1: %w", err)
	}

	fee, err := f.callUint(ctx, poolAddress, selectorFee)
	if err != nil {
		return nil, fmt.Errorf("failed to get fee: %w", err)
	}

	info = &PoolInfo{
		Token0: token0,
		Token1: token1,
		Fee:    uint32(fee.Uint64()),
	}

	f.mu.Lock()
	f.poolCache[poolAddress] = info
	f.mu.Unlock()

	log.Debug().
		Str("pool", poolAddress.Hex()).
		Str("token0", token0.Hex()).
		Str("token1", token1.Hex()).
		Uint32("fee", info.Fee).
		Msg("Cached V3 pool info")

	return info, nil
}

func (f *Fetcher) callAddress(ctx context.Context, poolAddress common.Address, selector []byte) (common.Address, error) {
	result, err := f.client.CallContract(ctx, ethereum.CallMsg{To: &poolAddress, Data: selector}, nil)
	if err != nil {
		return common.Address{}, err
	}
	if len(result) < 32 {
		return common.Address{}, fmt.Errorf("invalid address response: %d bytes", len(result))
	}
	return common.BytesToAddress(result[12:32]), nil
}

func (f *Fetcher) callUint(ctx context.Context, poolAddress common.Address, selector []byte) (*big.Int, error) {
	result, err := f.client.CallContract(ctx, ethereum.CallMsg{To: &poolAddress, Data: selector}, nil)
	if err != nil {
		return nil, err
	}
	if len(result) < 32 {
		return nil, fmt.Errorf("invalid uint response: %d bytes", len(result))
	}
	return new(big.Int).SetBytes(result[0:32]), nil
}
