package simulation

import (
	"github.com/devlongs/mev-searcher/internal/poolstate"
	"github.com/devlongs/mev-searcher/pkg/types"
)

// FilterProfitable keeps opportunities with a successful simulation whose net
// profit clears minNetProfitBPS, whose gas spend stays within maxGasSpendBPS
// of the input notional, and whose pools moved no more than MaxStateDeviationBPS.
func FilterProfitable(opps []*types.ArbitrageOpportunity, minNetProfitBPS, maxGasSpendBPS float64) []*types.ArbitrageOpportunity {
	var out []*types.ArbitrageOpportunity
	for _, opp := range opps {
		sim := opp.Simulation
		switch {
		case sim == nil, !sim.Success:
			continue
		case sim.NetProfitBPS < minNetProfitBPS:
			continue
		case sim.GasCostBPS > maxGasSpendBPS:
			continue
		case sim.MaxDeviationBPS() > MaxStateDeviationBPS:
			continue
		}
		out = append(out, opp)
	}
	return out
}

// WithinSlippage reports whether trading the opportunity's input through each
// of its pools stays under maxSlippageBPS of price impact
func WithinSlippage(opp *types.ArbitrageOpportunity, maxSlippageBPS float64) bool {
	if opp.AmountIn == nil || opp.AmountIn.Sign() == 0 {
		return true
	}
	for _, p := range opp.Pools {
		s, err := poolstate.SlippageForAmountIn(p, opp.AmountIn)
		if err != nil || s > maxSlippageBPS {
			return false
		}
	}
	return true
}
