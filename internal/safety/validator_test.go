package safety

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devlongs/mev-searcher/internal/audit"
	"github.com/devlongs/mev-searcher/internal/simulation"
	"github.com/devlongs/mev-searcher/pkg/types"
)

var executor = common.HexToAddress("0x00000000000000000000000000000000000000ee")

func config() Config {
	return Config{
		MinProfitBPS:          80,
		DeviationThresholdBPS: 50,
		ExecutorAddress:       executor,
	}
}

func profitableSim(netBPS float64) *types.SimulationResult {
	return &types.SimulationResult{
		Success:        true,
		Provider:       "remote",
		AmountOut:      big.NewInt(1_020_000),
		GrossProfit:    big.NewInt(20_000),
		GrossProfitBPS: netBPS + 10,
		NetProfit:      big.NewInt(19_000),
		NetProfitBPS:   netBPS,
		GasCost:        big.NewInt(1_000),
		FlashloanFee:   big.NewInt(0),
	}
}

func opportunity(sim *types.SimulationResult) *types.ArbitrageOpportunity {
	return &types.ArbitrageOpportunity{
		ID:                "opp-1",
		Type:              types.OpportunityCrossDEX,
		ExpectedProfitBPS: 120,
		AmountIn:          big.NewInt(1_000_000),
		Pools: []types.PoolState{
			{Venue: types.DEXUniswapV2, Address: common.HexToAddress("0x01"), Reserve0: big.NewInt(1000), Reserve1: big.NewInt(2000)},
			{Venue: types.DEXSushiswap, Address: common.HexToAddress("0x02"), Reserve0: big.NewInt(1000), Reserve1: big.NewInt(1600)},
		},
		Simulation: sim,
	}
}

func hasFailure(res *types.SafetyCheckResult, prefix string) bool {
	for _, f := range res.Failures {
		if strings.HasPrefix(f, prefix) {
			return true
		}
	}
	return false
}

func TestValidatePasses(t *testing.T) {
	sink := audit.NewMemoryLog()
	v := NewValidator(config(), sink)

	res := v.Validate(context.Background(), opportunity(profitableSim(120)))

	assert.True(t, res.Passed)
	assert.True(t, res.SimulationProfitable)
	assert.True(t, res.NoNegativeExternality)
	assert.True(t, res.NoFrontrunning)
	assert.True(t, res.DeviationGuardConfigured)
	assert.True(t, res.AuditLogged)
	assert.Empty(t, res.Failures)

	entries := sink.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, EntryType, entries[0].EntryType)
	assert.Equal(t, "opp-1", entries[0].OpportunityID)
	assert.Equal(t, types.SeverityInfo, entries[0].Severity)
	assert.Equal(t, true, entries[0].Payload["passed"])
	assert.Equal(t, "cross_dex", entries[0].Payload["opportunity_type"])
}

func TestValidateFailedSimulation(t *testing.T) {
	sink := audit.NewMemoryLog()
	v := NewValidator(config(), sink)

	sim := &types.SimulationResult{Success: false, RevertReason: "UniswapV2: K"}
	res := v.Validate(context.Background(), opportunity(sim))

	assert.False(t, res.Passed)
	assert.False(t, res.SimulationProfitable)
	assert.True(t, hasFailure(res, "simulation profitability"))
	// the other checks still ran
	assert.True(t, res.NoFrontrunning)
	assert.True(t, res.DeviationGuardConfigured)
	assert.Equal(t, types.SeverityWarning, sink.Entries()[0].Severity)
	assert.False(t, v.IsCompliant(opportunity(sim)))
}

func TestValidateNoSimulation(t *testing.T) {
	v := NewValidator(config(), audit.NewMemoryLog())

	res := v.Validate(context.Background(), opportunity(nil))
	assert.False(t, res.Passed)
	assert.Contains(t, res.Failures, "simulation profitability: no simulation attached")
	assert.False(t, v.IsCompliant(opportunity(nil)))
}

func TestProfitabilityBoundaryIsInclusive(t *testing.T) {
	v := NewValidator(config(), audit.NewMemoryLog())

	res := v.Validate(context.Background(), opportunity(profitableSim(80)))
	assert.True(t, res.SimulationProfitable)
	assert.True(t, res.Passed)
	assert.True(t, v.IsCompliant(opportunity(profitableSim(80))))

	res = v.Validate(context.Background(), opportunity(profitableSim(79.99)))
	assert.False(t, res.SimulationProfitable)
	assert.False(t, v.IsCompliant(opportunity(profitableSim(79.99))))
}

func TestFlashloanFeeConsumesMargin(t *testing.T) {
	v := NewValidator(config(), audit.NewMemoryLog())

	sim := profitableSim(120)
	sim.FlashloanFee = big.NewInt(19_000) // gross 20k - gas 1k - fee 19k = 0
	res := v.Validate(context.Background(), opportunity(sim))

	assert.False(t, res.SimulationProfitable)
	assert.False(t, res.Passed)
	assert.True(t, hasFailure(res, "simulation profitability: gas and flashloan fee"))
}

func TestDeviationGuard(t *testing.T) {
	tests := []struct {
		name      string
		threshold float64
		pass      bool
	}{
		{"configured", 50, true},
		{"at limit", 500, true},
		{"too permissive", 600, false},
		{"missing", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config()
			cfg.DeviationThresholdBPS = tt.threshold
			res := NewValidator(cfg, audit.NewMemoryLog()).Validate(context.Background(), opportunity(profitableSim(120)))

			assert.Equal(t, tt.pass, res.DeviationGuardConfigured)
			assert.Equal(t, tt.pass, res.Passed)
			assert.True(t, res.SimulationProfitable)
			if !tt.pass {
				assert.True(t, hasFailure(res, "deviation guard"))
			}
		})
	}

	cfg := config()
	cfg.DeviationThresholdBPS = 600
	res := NewValidator(cfg, audit.NewMemoryLog()).Validate(context.Background(), opportunity(profitableSim(120)))
	assert.Equal(t, []string{"deviation guard: threshold 600 BPS is too high (max 500 BPS)"}, res.Failures)
}

func TestExternality(t *testing.T) {
	t.Run("reserve ratio", func(t *testing.T) {
		opp := opportunity(profitableSim(120))
		opp.Pools[1].Reserve1 = big.NewInt(100_001) // 1000:100001 is beyond 1:100
		res := NewValidator(config(), audit.NewMemoryLog()).Validate(context.Background(), opp)
		assert.False(t, res.NoNegativeExternality)
		assert.False(t, res.Passed)

		opp.Pools[1].Reserve1 = big.NewInt(100_000) // exactly 1:100 is fine
		res = NewValidator(config(), audit.NewMemoryLog()).Validate(context.Background(), opp)
		assert.True(t, res.NoNegativeExternality)
	})

	t.Run("state deviation", func(t *testing.T) {
		sim := profitableSim(120)
		sim.Deviations = []types.StateDeviation{{Pool: common.HexToAddress("0x01"), DeviationBPS: 250}}
		res := NewValidator(config(), audit.NewMemoryLog()).Validate(context.Background(), opportunity(sim))
		assert.False(t, res.NoNegativeExternality)
		assert.True(t, hasFailure(res, "negative externality"))
	})

	t.Run("third party trigger", func(t *testing.T) {
		opp := opportunity(profitableSim(120))
		opp.Trigger = &types.PendingTx{Hash: common.HexToHash("0x1234"), From: common.HexToAddress("0xabc")}

		lenient := NewValidator(config(), audit.NewMemoryLog()).Validate(context.Background(), opp)
		assert.True(t, lenient.NoNegativeExternality)
		assert.True(t, lenient.Passed)
		assert.Len(t, lenient.Warnings, 1)

		cfg := config()
		cfg.StrictAttribution = true
		strict := NewValidator(cfg, audit.NewMemoryLog()).Validate(context.Background(), opp)
		assert.False(t, strict.NoNegativeExternality)
		assert.False(t, strict.Passed)

		opp.Trigger.From = executor
		own := NewValidator(cfg, audit.NewMemoryLog()).Validate(context.Background(), opp)
		assert.True(t, own.NoNegativeExternality)
		assert.Empty(t, own.Warnings)
	})
}

func TestStateDeviationMatchesSimulationFilter(t *testing.T) {
	tests := []struct {
		name      string
		deviation float64
		pass      bool
	}{
		{"at limit", simulation.MaxStateDeviationBPS, true},
		{"past limit", simulation.MaxStateDeviationBPS + 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := profitableSim(120)
			sim.Deviations = []types.StateDeviation{{Pool: common.HexToAddress("0x01"), DeviationBPS: tt.deviation}}
			opp := opportunity(sim)

			kept := simulation.FilterProfitable([]*types.ArbitrageOpportunity{opp}, 0, 10_000)
			res := NewValidator(config(), audit.NewMemoryLog()).Validate(context.Background(), opp)
			assert.Equal(t, tt.pass, len(kept) == 1)
			assert.Equal(t, tt.pass, res.NoNegativeExternality)
		})
	}
}

func TestFrontrunningSignature(t *testing.T) {
	opp := opportunity(profitableSim(120))
	opp.Trigger = &types.PendingTx{From: executor, Data: make([]byte, MaxCalldataBytes)}
	res := NewValidator(config(), audit.NewMemoryLog()).Validate(context.Background(), opp)
	assert.True(t, res.NoFrontrunning)

	opp.Trigger.Data = make([]byte, MaxCalldataBytes+1)
	res = NewValidator(config(), audit.NewMemoryLog()).Validate(context.Background(), opp)
	assert.False(t, res.NoFrontrunning)
	assert.False(t, res.Passed)
}

func TestValidateIsIdempotent(t *testing.T) {
	sink := audit.NewMemoryLog()
	v := NewValidator(config(), sink)

	for _, sim := range []*types.SimulationResult{profitableSim(120), profitableSim(10), nil} {
		opp := opportunity(sim)
		first := v.Validate(context.Background(), opp)
		second := v.Validate(context.Background(), opp)
		assert.Equal(t, first, second)
	}
	assert.Len(t, sink.Entries(), 6)
}

func TestAuditFailureIsRecordedSeparately(t *testing.T) {
	sink := audit.NewMemoryLog()
	sink.Err = errors.New("disk full")

	res := NewValidator(config(), sink).Validate(context.Background(), opportunity(profitableSim(120)))
	assert.False(t, res.AuditLogged)
	assert.True(t, res.Passed)
	assert.Empty(t, res.Failures)
	assert.Len(t, res.Warnings, 1)
}
