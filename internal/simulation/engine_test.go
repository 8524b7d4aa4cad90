package simulation

import (
	"context"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugawarayuuta/sonnet"

	"github.com/devlongs/mev-searcher/internal/executor"
	"github.com/devlongs/mev-searcher/internal/poolstate"
	"github.com/devlongs/mev-searcher/pkg/types"
)

var ether = big.NewInt(1e18)

type stubBuilder struct{ err error }

func (b stubBuilder) BuildTransaction(context.Context, *types.ArbitrageOpportunity) (*types.TxRequest, error) {
	if b.err != nil {
		return nil, b.err
	}
	return &types.TxRequest{To: common.HexToAddress("0xfeed"), GasLimit: 300_000, Data: []byte{0x01, 0x02}}, nil
}

func (b stubBuilder) BuildCall(ctx context.Context, opp *types.ArbitrageOpportunity) (*types.TxRequest, error) {
	return b.BuildTransaction(ctx, opp)
}

type stubGas struct{ price *big.Int }

func (g stubGas) SuggestGasPrice(context.Context) (*big.Int, error) { return g.price, nil }

type stubSim struct {
	name    string
	outcome *Outcome
	err     error
	calls   int
}

func (s *stubSim) Name() string { return s.name }

func (s *stubSim) Simulate(context.Context, common.Address, *types.TxRequest) (*Outcome, error) {
	s.calls++
	return s.outcome, s.err
}

type stubReader struct{ state types.PoolState }

func (r stubReader) FetchPool(context.Context, common.Address, types.DEXType) (types.PoolState, error) {
	return r.state, nil
}

func amountWord(v *big.Int) []byte { return common.LeftPadBytes(v.Bytes(), 32) }

func opportunity() *types.ArbitrageOpportunity {
	return &types.ArbitrageOpportunity{
		ID:       "opp-1",
		Type:     types.OpportunityCrossDEX,
		AmountIn: new(big.Int).Set(ether),
		Pools: []types.PoolState{{
			Venue:    types.DEXUniswapV2,
			Address:  common.HexToAddress("0x01"),
			Reserve0: big.NewInt(1000),
			Reserve1: big.NewInt(2000),
		}},
	}
}

func TestSimulateProfit(t *testing.T) {
	// 1.02 ETH out for 1 ETH in, 100k gas at 20 gwei = 0.002 ETH
	out := new(big.Int).Add(ether, big.NewInt(2e16))
	primary := &stubSim{name: "remote", outcome: &Outcome{ReturnData: amountWord(out), GasUsed: 100_000}}

	engine, err := NewEngine(Config{Timeout: time.Second}, stubBuilder{}, stubGas{price: big.NewInt(20e9)}, primary, nil)
	require.NoError(t, err)

	opp := opportunity()
	res, err := engine.Simulate(context.Background(), opp)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "remote", res.Provider)
	assert.Equal(t, big.NewInt(2e16), res.GrossProfit)
	assert.InDelta(t, 200, res.GrossProfitBPS, 1e-9)
	assert.Equal(t, big.NewInt(2e15), res.GasCost)
	assert.InDelta(t, 20, res.GasCostBPS, 1e-9)
	assert.Equal(t, big.NewInt(18e15), res.NetProfit)
	assert.InDelta(t, 180, res.NetProfitBPS, 1e-9)
	assert.Equal(t, 0, res.FlashloanFee.Sign())
	assert.Same(t, res, opp.Simulation)

	// a second simulation of the same instance is refused
	_, err = engine.Simulate(context.Background(), opp)
	assert.ErrorIs(t, err, types.ErrSimulationAttached)
}

func TestSimulateLossClampsToZero(t *testing.T) {
	out := new(big.Int).Sub(ether, big.NewInt(1e16))
	primary := &stubSim{name: "remote", outcome: &Outcome{ReturnData: amountWord(out), GasUsed: 100_000}}
	engine, err := NewEngine(Config{}, stubBuilder{}, stubGas{price: big.NewInt(20e9)}, primary, nil)
	require.NoError(t, err)

	res, err := engine.Simulate(context.Background(), opportunity())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.GrossProfit.Sign())
	assert.Equal(t, 0, res.NetProfit.Sign())
	assert.Less(t, res.NetProfitBPS, 0.0)
}

func TestSimulateFlashloanFee(t *testing.T) {
	out := new(big.Int).Add(ether, big.NewInt(5e16))
	primary := &stubSim{name: "remote", outcome: &Outcome{ReturnData: amountWord(out), GasUsed: 1}}
	engine, err := NewEngine(Config{}, stubBuilder{}, stubGas{price: big.NewInt(1)}, primary, nil)
	require.NoError(t, err)

	opp := opportunity()
	opp.RequiresFlashloan = true
	res, err := engine.Simulate(context.Background(), opp)
	require.NoError(t, err)

	assert.Equal(t, big.NewInt(1e15), res.FlashloanFee)
	assert.Equal(t, ether, res.FlashloanAmount)
	assert.Equal(t, ether, opp.LoanAmount())
	// wrapped transaction plus the contract call it wraps
	assert.Equal(t, 2, primary.calls)
	// the fee is not netted here
	assert.Equal(t, new(big.Int).Sub(big.NewInt(5e16), big.NewInt(1)), res.NetProfit)
}

func TestSimulateRevert(t *testing.T) {
	primary := &stubSim{name: "remote", outcome: &Outcome{Reverted: true, RevertReason: "INSUFFICIENT_OUTPUT_AMOUNT", GasUsed: 50_000}}
	engine, err := NewEngine(Config{}, stubBuilder{}, stubGas{price: big.NewInt(1)}, primary, nil)
	require.NoError(t, err)

	res, err := engine.Simulate(context.Background(), opportunity())
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, "INSUFFICIENT_OUTPUT_AMOUNT", res.RevertReason)
	assert.Equal(t, uint64(0), res.GasUsed)
	assert.Equal(t, 0, res.NetProfit.Sign())
	assert.Equal(t, 0, res.GasCost.Sign())
	assert.Equal(t, 0.0, res.NetProfitBPS)
}

func TestSimulateFallback(t *testing.T) {
	out := new(big.Int).Add(ether, big.NewInt(1e16))
	tests := []struct {
		name    string
		primary *stubSim
	}{
		{"transport error", &stubSim{name: "remote", err: errors.New("connection refused")}},
		{"malformed output", &stubSim{name: "remote", outcome: &Outcome{ReturnData: []byte{0x01}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fallback := &stubSim{name: "fork", outcome: &Outcome{ReturnData: amountWord(out), GasUsed: 10}}
			engine, err := NewEngine(Config{}, stubBuilder{}, stubGas{price: big.NewInt(1)}, tt.primary, fallback)
			require.NoError(t, err)

			fallbacks := 0
			engine.OnFallback = func() { fallbacks++ }

			res, err := engine.Simulate(context.Background(), opportunity())
			require.NoError(t, err)
			assert.True(t, res.Success)
			assert.Equal(t, "fork", res.Provider)
			assert.Equal(t, 1, fallbacks)
			assert.Equal(t, 1, fallback.calls)
		})
	}
}

func TestSimulateAllFail(t *testing.T) {
	primary := &stubSim{name: "remote", err: errors.New("401 unauthorized")}
	fallback := &stubSim{name: "fork", err: errors.New("dial tcp: refused")}
	engine, err := NewEngine(Config{}, stubBuilder{}, stubGas{price: big.NewInt(1)}, primary, fallback)
	require.NoError(t, err)

	opp := opportunity()
	_, err = engine.Simulate(context.Background(), opp)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Nil(t, opp.Simulation)
}

func TestNewEngineNeedsSimulator(t *testing.T) {
	_, err := NewEngine(Config{}, stubBuilder{}, stubGas{}, nil, nil)
	assert.ErrorIs(t, err, ErrNoSimulator)
}

func TestSimulateMeasuresDeviation(t *testing.T) {
	out := new(big.Int).Add(ether, big.NewInt(1e16))
	primary := &stubSim{name: "remote", outcome: &Outcome{ReturnData: amountWord(out), GasUsed: 1}}
	engine, err := NewEngine(Config{}, stubBuilder{}, stubGas{price: big.NewInt(1)}, primary, nil)
	require.NoError(t, err)

	opp := opportunity()
	moved := opp.Pools[0]
	moved.Reserve1 = big.NewInt(2100)
	engine.WithStateReaders(map[types.DEXType]poolstate.PoolFetcher{types.DEXUniswapV2: stubReader{state: moved}})

	res, err := engine.Simulate(context.Background(), opp)
	require.NoError(t, err)
	require.Len(t, res.Deviations, 1)
	assert.InDelta(t, 500, res.Deviations[0].DeviationBPS, 1e-6)
	assert.InDelta(t, 500, res.MaxDeviationBPS(), 1e-6)
}

func TestFilterProfitable(t *testing.T) {
	withSim := func(sim *types.SimulationResult) *types.ArbitrageOpportunity {
		opp := opportunity()
		opp.Simulation = sim
		return opp
	}

	good := withSim(&types.SimulationResult{Success: true, NetProfitBPS: 120, GasCostBPS: 10})
	noSim := withSim(nil)
	failed := withSim(&types.SimulationResult{Success: false})
	thin := withSim(&types.SimulationResult{Success: true, NetProfitBPS: 40, GasCostBPS: 10})
	gassy := withSim(&types.SimulationResult{Success: true, NetProfitBPS: 120, GasCostBPS: 900})
	drifted := withSim(&types.SimulationResult{Success: true, NetProfitBPS: 120, GasCostBPS: 10,
		Deviations: []types.StateDeviation{{DeviationBPS: 50}, {DeviationBPS: 201}}})
	edge := withSim(&types.SimulationResult{Success: true, NetProfitBPS: 80, GasCostBPS: 500,
		Deviations: []types.StateDeviation{{DeviationBPS: 200}}})

	kept := FilterProfitable([]*types.ArbitrageOpportunity{good, noSim, failed, thin, gassy, drifted, edge}, 80, 500)
	assert.Equal(t, []*types.ArbitrageOpportunity{good, edge}, kept)

	assert.Empty(t, FilterProfitable([]*types.ArbitrageOpportunity{noSim}, 0, 1e9))
}

func TestWithinSlippage(t *testing.T) {
	opp := opportunity()
	opp.AmountIn = big.NewInt(10) // 10 / 1010 ≈ 99 BPS
	assert.True(t, WithinSlippage(opp, 200))
	assert.False(t, WithinSlippage(opp, 50))
}

func TestRemoteSimulator(t *testing.T) {
	out := new(big.Int).Add(ether, big.NewInt(1e16))

	var got simulateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/simulate", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-Access-Key"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, sonnet.Unmarshal(body, &got))

		_, _ = w.Write([]byte(`{"transaction":{"status":true,"gas_used":123456,"transaction_info":{"call_trace":{"output":"` +
			hexutil.Encode(amountWord(out)) + `"}}}}`))
	}))
	defer srv.Close()

	sim := NewRemoteSimulator(srv.URL+"/", "secret", "1", time.Second)
	outcome, err := sim.Simulate(context.Background(), common.HexToAddress("0xbeef"), &types.TxRequest{
		To: common.HexToAddress("0xfeed"), GasLimit: 300_000, Data: []byte{0xaa},
	})
	require.NoError(t, err)

	assert.False(t, outcome.Reverted)
	assert.Equal(t, uint64(123456), outcome.GasUsed)
	assert.Equal(t, amountWord(out), outcome.ReturnData)
	assert.Equal(t, "1", got.NetworkID)
	assert.Equal(t, "0xaa", got.Input)
	assert.Equal(t, "0", got.Value)
}

func TestRemoteSimulatorErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		revert  bool
		wantErr bool
	}{
		{"unauthorized", http.StatusUnauthorized, `{"error":{"message":"invalid key"}}`, false, true},
		{"garbage", http.StatusOK, `not json`, false, true},
		{"no transaction", http.StatusOK, `{}`, false, true},
		{"api error", http.StatusOK, `{"error":{"message":"rate limited"}}`, false, true},
		{"revert", http.StatusOK, `{"transaction":{"status":false,"error_message":"execution reverted: K"}}`, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			outcome, err := NewRemoteSimulator(srv.URL, "k", "1", time.Second).
				Simulate(context.Background(), common.Address{}, &types.TxRequest{})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.revert, outcome.Reverted)
			assert.Equal(t, "execution reverted: K", outcome.RevertReason)
		})
	}
}

type revertError struct{ data string }

func (e revertError) Error() string          { return "execution reverted" }
func (e revertError) ErrorData() interface{} { return e.data }

type stubFork struct {
	callErr error
	out     []byte
	gas     uint64
}

func (f stubFork) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return f.out, f.callErr
}

func (f stubFork) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return f.gas, nil
}

func TestForkSimulator(t *testing.T) {
	stringType, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	packed, err := abi.Arguments{{Type: stringType}}.Pack("UniswapV2: K")
	require.NoError(t, err)
	revertData := append(common.Hex2Bytes("08c379a0"), packed...)

	t.Run("success", func(t *testing.T) {
		out := amountWord(ether)
		outcome, err := NewForkSimulator(stubFork{out: out, gas: 21000}).Simulate(context.Background(), common.Address{}, &types.TxRequest{})
		require.NoError(t, err)
		assert.Equal(t, out, outcome.ReturnData)
		assert.Equal(t, uint64(21000), outcome.GasUsed)
	})

	t.Run("revert with reason", func(t *testing.T) {
		sim := NewForkSimulator(stubFork{callErr: revertError{data: hexutil.Encode(revertData)}})
		outcome, err := sim.Simulate(context.Background(), common.Address{}, &types.TxRequest{})
		require.NoError(t, err)
		assert.True(t, outcome.Reverted)
		assert.Equal(t, "UniswapV2: K", outcome.RevertReason)
	})

	t.Run("transport error", func(t *testing.T) {
		_, err := NewForkSimulator(stubFork{callErr: errors.New("dial tcp: refused")}).
			Simulate(context.Background(), common.Address{}, &types.TxRequest{})
		assert.Error(t, err)
	})
}

// routedNode answers eth_call per target address
type routedNode struct {
	replies map[common.Address]nodeReply
	gas     uint64
}

type nodeReply struct {
	out []byte
	err error
}

func (n routedNode) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	r, ok := n.replies[*msg.To]
	if !ok {
		return nil, errors.New("unexpected call target " + msg.To.Hex())
	}
	return r.out, r.err
}

func (n routedNode) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return n.gas, nil
}

func TestSimulateBuiltTransactions(t *testing.T) {
	var (
		searcher  = common.HexToAddress("0x5ea2c4e2")
		aavePool  = common.HexToAddress("0x87870bca3f3fd6335c3f4ce8392d69350b4fa4e2")
		tokenA    = common.HexToAddress("0x0a")
		tokenB    = common.HexToAddress("0x0b")
		tokenC    = common.HexToAddress("0x0c")
		poolOne   = types.PoolState{Venue: types.DEXUniswapV2, Address: common.HexToAddress("0x01"), Reserve0: big.NewInt(1000), Reserve1: big.NewInt(2000)}
		poolTwo   = types.PoolState{Venue: types.DEXUniswapV2, Address: common.HexToAddress("0x02"), Reserve0: big.NewInt(1000), Reserve1: big.NewInt(1600)}
		poolThree = types.PoolState{Venue: types.DEXUniswapV2, Address: common.HexToAddress("0x03"), Reserve0: big.NewInt(1000), Reserve1: big.NewInt(1000)}
		out       = new(big.Int).Add(ether, big.NewInt(3e16))
	)

	flash, err := executor.NewFlashloanEncoder(executor.ProviderAaveV3, aavePool, common.Address{})
	require.NoError(t, err)
	builder := executor.NewBuilder(searcher, flash)

	tests := []struct {
		name     string
		opp      *types.ArbitrageOpportunity
		replies  map[common.Address]nodeReply
		success  bool
		wantLoan *big.Int
	}{
		{
			name: "cross dex",
			opp: &types.ArbitrageOpportunity{
				Type: types.OpportunityCrossDEX, Pools: []types.PoolState{poolTwo, poolOne},
				TokenPath: []common.Address{tokenA, tokenB, tokenA}, AmountIn: new(big.Int).Set(ether),
			},
			replies: map[common.Address]nodeReply{searcher: {out: amountWord(out)}},
			success: true,
		},
		{
			name: "twap through flashloan",
			opp: &types.ArbitrageOpportunity{
				Type: types.OpportunityTWAP, Pools: []types.PoolState{poolOne},
				TokenPath: []common.Address{tokenA, tokenB}, AmountIn: new(big.Int).Set(ether),
				RequiresFlashloan: true,
			},
			replies: map[common.Address]nodeReply{
				aavePool: {out: []byte{}},
				searcher: {out: amountWord(out)},
			},
			success:  true,
			wantLoan: ether,
		},
		{
			name: "triangular",
			opp: &types.ArbitrageOpportunity{
				Type: types.OpportunityTriangular, Pools: []types.PoolState{poolOne, poolTwo, poolThree},
				TokenPath: []common.Address{tokenA, tokenB, tokenC, tokenA}, AmountIn: new(big.Int).Set(ether),
			},
			replies: map[common.Address]nodeReply{searcher: {out: amountWord(out)}},
			success: true,
		},
		{
			name: "flashloan reverts",
			opp: &types.ArbitrageOpportunity{
				Type: types.OpportunityTWAP, Pools: []types.PoolState{poolOne},
				TokenPath: []common.Address{tokenA, tokenB}, AmountIn: new(big.Int).Set(ether),
				RequiresFlashloan: true,
			},
			replies: map[common.Address]nodeReply{aavePool: {err: errors.New("execution reverted")}},
			success: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fork := NewForkSimulator(routedNode{replies: tt.replies, gas: 200_000})
			engine, err := NewEngine(Config{}, builder, stubGas{price: big.NewInt(1)}, nil, fork)
			require.NoError(t, err)

			res, err := engine.Simulate(context.Background(), tt.opp)
			require.NoError(t, err)
			require.Same(t, res, tt.opp.Simulation)
			assert.Equal(t, "fork", res.Provider)
			assert.Equal(t, tt.success, res.Success)
			if !tt.success {
				return
			}

			assert.Equal(t, out, res.AmountOut)
			assert.Equal(t, uint64(200_000), res.GasUsed)
			assert.Equal(t, tt.wantLoan, res.FlashloanAmount)
			if tt.wantLoan != nil {
				assert.Equal(t, new(big.Int).Div(tt.wantLoan, big.NewInt(FlashloanFeeDivisor)), res.FlashloanFee)
			}
		})
	}
}
