package poolstate

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/devlongs/mev-searcher/pkg/types"
)

var (
	tokenA = common.HexToAddress("0x000000000000000000000000000000000000000a")
	tokenB = common.HexToAddress("0x000000000000000000000000000000000000000b")
)

func v2Pool(addr string, r0, r1 int64, ts time.Time) types.PoolState {
	return types.PoolState{
		Venue:     types.DEXUniswapV2,
		Address:   common.HexToAddress(addr),
		Token0:    types.Token{Address: tokenA},
		Token1:    types.Token{Address: tokenB},
		Reserve0:  big.NewInt(r0),
		Reserve1:  big.NewInt(r1),
		FeeBps:    30,
		Timestamp: ts,
	}
}

func v3Pool(addr string, sqrtPrice, liquidity *big.Int, ts time.Time) types.PoolState {
	return types.PoolState{
		Venue:        types.DEXUniswapV3,
		Address:      common.HexToAddress(addr),
		Token0:       types.Token{Address: tokenA},
		Token1:       types.Token{Address: tokenB},
		SqrtPriceX96: sqrtPrice,
		Liquidity:    liquidity,
		FeeBps:       30,
		Timestamp:    ts,
	}
}
