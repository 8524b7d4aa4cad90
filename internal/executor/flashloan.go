package executor

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Flashloan providers
const (
	ProviderAaveV3    = "aave_v3"
	ProviderBalancer  = "balancer"
	ProviderUniswapV3 = "uniswap_v3"
)

const (
	aavePoolABI      = `[{"inputs":[{"name":"receiverAddress","type":"address"},{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},{"name":"params","type":"bytes"},{"name":"referralCode","type":"uint16"}],"name":"flashLoanSimple","outputs":[],"stateMutability":"nonpayable","type":"function"}]`
	balancerVaultABI = `[{"inputs":[{"name":"recipient","type":"address"},{"name":"tokens","type":"address[]"},{"name":"amounts","type":"uint256[]"},{"name":"userData","type":"bytes"}],"name":"flashLoan","outputs":[],"stateMutability":"nonpayable","type":"function"}]`
	uniswapPoolABI   = `[{"inputs":[{"name":"recipient","type":"address"},{"name":"amount0","type":"uint256"},{"name":"amount1","type":"uint256"},{"name":"data","type":"bytes"}],"name":"flash","outputs":[],"stateMutability":"nonpayable","type":"function"}]`
)

// FlashloanEncoder wraps a callback payload in a provider-specific flashloan call
type FlashloanEncoder interface {
	Provider() string
	Address() common.Address
	Encode(receiver, asset common.Address, amount *big.Int, params []byte) ([]byte, error)
}

// NewFlashloanEncoder selects the encoder for provider. For uniswap_v3,
// address is the lending pool and token0 is that pool's token0.
func NewFlashloanEncoder(provider string, address, token0 common.Address) (FlashloanEncoder, error) {
	switch provider {
	case ProviderAaveV3:
		return &aaveEncoder{address: address, abi: mustParseABI(aavePoolABI)}, nil
	case ProviderBalancer:
		return &balancerEncoder{address: address, abi: mustParseABI(balancerVaultABI)}, nil
	case ProviderUniswapV3:
		return &uniswapEncoder{address: address, token0: token0, abi: mustParseABI(uniswapPoolABI)}, nil
	}
	return nil, fmt.Errorf("unknown flashloan provider %q", provider)
}

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

// aaveEncoder encodes Pool.flashLoanSimple
type aaveEncoder struct {
	address common.Address
	abi     abi.ABI
}

func (a *aaveEncoder) Provider() string        { return ProviderAaveV3 }
func (a *aaveEncoder) Address() common.Address { return a.address }

func (a *aaveEncoder) Encode(receiver, asset common.Address, amount *big.Int, params []byte) ([]byte, error) {
	return a.abi.Pack("flashLoanSimple", receiver, asset, amount, params, uint16(0))
}

// balancerEncoder encodes Vault.flashLoan with a single token
type balancerEncoder struct {
	address common.Address
	abi     abi.ABI
}

func (b *balancerEncoder) Provider() string        { return ProviderBalancer }
func (b *balancerEncoder) Address() common.Address { return b.address }

func (b *balancerEncoder) Encode(receiver, asset common.Address, amount *big.Int, params []byte) ([]byte, error) {
	return b.abi.Pack("flashLoan", receiver, []common.Address{asset}, []*big.Int{amount}, params)
}

// uniswapEncoder encodes UniswapV3Pool.flash, borrowing on the side matching asset
type uniswapEncoder struct {
	address common.Address
	token0  common.Address
	abi     abi.ABI
}

func (u *uniswapEncoder) Provider() string        { return ProviderUniswapV3 }
func (u *uniswapEncoder) Address() common.Address { return u.address }

func (u *uniswapEncoder) Encode(receiver, asset common.Address, amount *big.Int, params []byte) ([]byte, error) {
	amount0, amount1 := amount, new(big.Int)
	if u.token0 != (common.Address{}) && asset != u.token0 {
		amount0, amount1 = new(big.Int), amount
	}
	return u.abi.Pack("flash", receiver, amount0, amount1, params)
}
