package uniswapv2

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"github.com/devlongs/mev-searcher/pkg/types"
)

// FeeBps is the swap fee charged by Uniswap V2 style pairs (0.3%)
const FeeBps = 30

// Common Uniswap V2 factory addresses
var (
	UniswapV2Factory = common.HexToAddress("0x5C69bEe701ef814a2B6a3EDD4B1652CB9cc5aA6f")
	SushiswapFactory = common.HexToAddress("0xC0AEe478e3658e2610c5F7A4A2E1777cE9e4f2Ac")
)

var (
	selectorToken0      = common.Hex2Bytes("0dfe1681")
	selectorToken1      = common.Hex2Bytes("d21220a7")
	selectorGetReserves = common.Hex2Bytes("0902f1ac")
)

// ContractCaller is the subset of the RPC client the fetcher needs
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Fetcher reads constant-product pool state from V2 style pairs
type Fetcher struct {
	client ContractCaller
	now    func() time.Time

	mu        sync.Mutex
	poolCache map[common.Address]*PoolInfo
}

// PoolInfo holds the immutable part of a V2 pair
type PoolInfo struct {
	Token0 common.Address
	Token1 common.Address
}

// NewFetcher creates a new Uniswap V2 pool fetcher
func NewFetcher(client ContractCaller) *Fetcher {
	return &Fetcher{
		client:    client,
		now:       time.Now,
		poolCache: make(map[common.Address]*PoolInfo),
	}
}

// FetchPool returns a fresh snapshot of the pair at poolAddress
func (f *Fetcher) FetchPool(ctx context.Context, poolAddress common.Address, venue types.DEXType) (types.PoolState, error) {
	if venue.IsConcentrated() {
		return types.PoolState{}, fmt.Errorf("uniswapv2: venue %q is not constant-product", venue)
	}

	info, err := f.getPoolInfo(ctx, poolAddress)
	if err != nil {
		return types.PoolState{}, fmt.Errorf("failed to get pool info: %w", err)
	}

	reserve0, reserve1, err := f.GetReserves(ctx, poolAddress)
	if err != nil {
		return types.PoolState{}, fmt.Errorf("failed to get reserves: %w", err)
	}

	return types.PoolState{
		Venue:     venue,
		Address:   poolAddress,
		Token0:    types.Token{Address: info.Token0},
		Token1:    types.Token{Address: info.Token1},
		Reserve0:  reserve0,
		Reserve1:  reserve1,
		FeeBps:    FeeBps,
		Timestamp: f.now(),
	}, nil
}

// Prime seeds the token cache for a pool already known from the registry
func (f *Fetcher) Prime(poolAddress, token0, token1 common.Address) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.poolCache[poolAddress] = &PoolInfo{Token0: token0, Token1: token1}
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

	info = &PoolInfo{Token0: token0, Token1: token1}

	f.mu.Lock()
	f.poolCache[poolAddress] = info
	f.mu.Unlock()

	log.Debug().
		Str("pool", poolAddress.Hex()).
		Str("token0", token0.Hex()).
		Str("token1", token1.Hex()).
		Msg("Cached V2 pool info")

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

// GetReserves fetches current reserves from a V2 pool
func (f *Fetcher) GetReserves(ctx context.Context, poolAddress common.Address) (*big.Int, *big.Int, error) {
	result, err := f.client.CallContract(ctx, ethereum.CallMsg{To: &poolAddress, Data: selectorGetReserves}, nil)
	if err != nil {
		return nil, nil, err
	}

	if len(result) < 64 {
		return nil, nil, fmt.Errorf("invalid getReserves response")
	}

	reserve0 := new(big.Int).SetBytes(result[0:32])
	reserve1 := new(big.Int).SetBytes(result[32:64])

	return reserve0, reserve1, nil
}
