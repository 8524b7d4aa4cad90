package decoder

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/devlongs/mev-searcher/pkg/types"
)

var (
	// ErrUnknownCall is returned for calldata whose selector is not in the table
	ErrUnknownCall = errors.New("decoder: unknown call")
	// ErrMalformedCall is returned when a known selector carries undecodable arguments
	ErrMalformedCall = errors.New("decoder: malformed calldata")
)

// Call tables by protocol. Overloaded names are kept in separate tables.
const (
	routerV2ABI = `[
{"name":"swapExactTokensForTokens","type":"function","inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}]},
{"name":"swapTokensForExactTokens","type":"function","inputs":[{"name":"amountOut","type":"uint256"},{"name":"amountInMax","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}]},
{"name":"swapExactETHForTokens","type":"function","inputs":[{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}]},
{"name":"swapExactTokensForETH","type":"function","inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}]},
{"name":"addLiquidity","type":"function","inputs":[{"name":"tokenA","type":"address"},{"name":"tokenB","type":"address"},{"name":"amountADesired","type":"uint256"},{"name":"amountBDesired","type":"uint256"},{"name":"amountAMin","type":"uint256"},{"name":"amountBMin","type":"uint256"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}]},
{"name":"removeLiquidity","type":"function","inputs":[{"name":"tokenA","type":"address"},{"name":"tokenB","type":"address"},{"name":"liquidity","type":"uint256"},{"name":"amountAMin","type":"uint256"},{"name":"amountBMin","type":"uint256"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}]}
]`

	pairV2ABI = `[
{"name":"swap","type":"function","inputs":[{"name":"amount0Out","type":"uint256"},{"name":"amount1Out","type":"uint256"},{"name":"to","type":"address"},{"name":"data","type":"bytes"}]}
]`

	routerV3ABI = `[
{"name":"exactInputSingle","type":"function","inputs":[{"name":"params","type":"tuple","components":[{"name":"tokenIn","type":"address"},{"name":"tokenOut","type":"address"},{"name":"fee","type":"uint24"},{"name":"recipient","type":"address"},{"name":"deadline","type":"uint256"},{"name":"amountIn","type":"uint256"},{"name":"amountOutMinimum","type":"uint256"},{"name":"sqrtPriceLimitX96","type":"uint160"}]}]}
]`

	poolV3ABI = `[
{"name":"swap","type":"function","inputs":[{"name":"recipient","type":"address"},{"name":"zeroForOne","type":"bool"},{"name":"amountSpecified","type":"int256"},{"name":"sqrtPriceLimitX96","type":"uint160"},{"name":"data","type":"bytes"}]},
{"name":"mint","type":"function","inputs":[{"name":"recipient","type":"address"},{"name":"tickLower","type":"int24"},{"name":"tickUpper","type":"int24"},{"name":"amount","type":"uint128"},{"name":"data","type":"bytes"}]},
{"name":"burn","type":"function","inputs":[{"name":"tickLower","type":"int24"},{"name":"tickUpper","type":"int24"},{"name":"amount","type":"uint128"}]},
{"name":"flash","type":"function","inputs":[{"name":"recipient","type":"address"},{"name":"amount0","type":"uint256"},{"name":"amount1","type":"uint256"},{"name":"data","type":"bytes"}]}
]`

	lendingABI = `[
{"name":"flashLoanSimple","type":"function","inputs":[{"name":"receiverAddress","type":"address"},{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},{"name":"params","type":"bytes"},{"name":"referralCode","type":"uint16"}]},
{"name":"flashLoan","type":"function","inputs":[{"name":"recipient","type":"address"},{"name":"tokens","type":"address[]"},{"name":"amounts","type":"uint256[]"},{"name":"userData","type":"bytes"}]}
]`

	governorABI = `[
{"name":"propose","type":"function","inputs":[{"name":"targets","type":"address[]"},{"name":"values","type":"uint256[]"},{"name":"signatures","type":"string[]"},{"name":"calldatas","type":"bytes[]"},{"name":"description","type":"string"}]},
{"name":"castVote","type":"function","inputs":[{"name":"proposalId","type":"uint256"},{"name":"support","type":"uint8"}]},
{"name":"queue","type":"function","inputs":[{"name":"proposalId","type":"uint256"}]},
{"name":"execute","type":"function","inputs":[{"name":"proposalId","type":"uint256"}]}
]`
)

var categories = map[string]types.CallCategory{
	"swapExactTokensForTokens": types.CategorySwap,
	"swapTokensForExactTokens": types.CategorySwap,
	"swapExactETHForTokens":    types.CategorySwap,
	"swapExactTokensForETH":    types.CategorySwap,
	"exactInputSingle":         types.CategorySwap,
	"swap":                     types.CategorySwap,
	"addLiquidity":             types.CategoryLiquidity,
	"removeLiquidity":          types.CategoryLiquidity,
	"mint":                     types.CategoryLiquidity,
	"burn":                     types.CategoryLiquidity,
	"flash":                    types.CategoryFlashLoan,
	"flashLoan":                types.CategoryFlashLoan,
	"flashLoanSimple":          types.CategoryFlashLoan,
	"propose":                  types.CategoryGovernance,
	"castVote":                 types.CategoryGovernance,
	"queue":                    types.CategoryGovernance,
	"execute":                  types.CategoryGovernance,
}

// Decoder maps 4-byte selectors to known DEX, lending and governance calls
type Decoder struct {
	methods map[[4]byte]abi.Method
}

// New builds the selector table
func New() *Decoder {
	d := &Decoder{methods: make(map[[4]byte]abi.Method)}
	for _, def := range []string{routerV2ABI, pairV2ABI, routerV3ABI, poolV3ABI, lendingABI, governorABI} {
		parsed, err := abi.JSON(strings.NewReader(def))
		if err != nil {
			panic(fmt.Sprintf("decoder: bad call table: %v", err))
		}
		for _, m := range parsed.Methods {
			var sel [4]byte
			copy(sel[:], m.ID)
			d.methods[sel] = m
		}
	}
	return d
}

// Decode parses calldata sent to target
func (d *Decoder) Decode(target common.Address, data []byte) (*types.DecodedCall, error) {
	if len(data) < 4 {
		return nil, ErrUnknownCall
	}
	var sel [4]byte
	copy(sel[:], data[:4])

	m, ok := d.methods[sel]
	if !ok {
		return nil, fmt.Errorf("%w: selector %x", ErrUnknownCall, sel)
	}

	args := make(map[string]any, len(m.Inputs))
	if err := m.Inputs.UnpackIntoMap(args, data[4:]); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedCall, m.RawName, err)
	}

	category, ok := categories[m.RawName]
	if !ok {
		category = types.CategoryUnknown
	}
	return &types.DecodedCall{
		Target:   target,
		Function: m.RawName,
		Args:     args,
		Category: category,
	}, nil
}

// DecodePending decodes a pending transaction. Contract creations are unknown calls.
func (d *Decoder) DecodePending(tx types.PendingTx) (*types.DecodedCall, error) {
	if tx.To == nil {
		return nil, ErrUnknownCall
	}
	return d.Decode(*tx.To, tx.Data)
}

// Tokens lists the token addresses a decoded call names in its arguments,
// without duplicates and in argument order
func Tokens(call *types.DecodedCall) []common.Address {
	var tokens []common.Address
	seen := make(map[common.Address]bool)
	add := func(a common.Address) {
		if a != (common.Address{}) && !seen[a] {
			seen[a] = true
			tokens = append(tokens, a)
		}
	}

	for _, key := range []string{"path", "tokens", "tokenA", "tokenB", "asset"} {
		switch v := call.Args[key].(type) {
		case common.Address:
			add(v)
		case []common.Address:
			for _, a := range v {
				add(a)
			}
		}
	}

	// exactInputSingle carries its tokens inside a tuple
	if params, ok := call.Args["params"]; ok {
		rv := reflect.ValueOf(params)
		if rv.Kind() == reflect.Struct {
			for _, field := range []string{"TokenIn", "TokenOut"} {
				if f := rv.FieldByName(field); f.IsValid() {
					if a, ok := f.Interface().(common.Address); ok {
						add(a)
					}
				}
			}
		}
	}
	return tokens
}
