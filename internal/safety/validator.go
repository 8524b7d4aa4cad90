// Package safety gates simulated opportunities through a fixed battery of
// checks and records every decision in the audit log.
package safety

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"github.com/devlongs/mev-searcher/internal/audit"
	"github.com/devlongs/mev-searcher/internal/simulation"
	"github.com/devlongs/mev-searcher/pkg/types"
)

// EntryType is the audit entry type written for every validation
const EntryType = "safety_check"

const (
	// MaxCalldataBytes is the triggering calldata size treated as a complex MEV signature
	MaxCalldataBytes = 10_000
	// MaxDeviationGuardBPS is the loosest deviation guard still considered meaningful
	MaxDeviationGuardBPS = 500
	// MaxReserveRatio bounds reserve0:reserve1 in either direction
	MaxReserveRatio = 100
)

// Config holds the validator settings
type Config struct {
	MinProfitBPS          float64
	DeviationThresholdBPS float64 // zero means no guard configured
	ExecutorAddress       common.Address

	// StrictAttribution fails the externality check when a triggering
	// transaction was not sent by ExecutorAddress. Otherwise it only warns.
	StrictAttribution bool
}

// Validator runs the safety battery
type Validator struct {
	cfg   Config
	audit audit.Log
	now   func() time.Time
}

// NewValidator creates a validator writing to sink
func NewValidator(cfg Config, sink audit.Log) *Validator {
	return &Validator{
		cfg:   cfg,
		audit: sink,
		now:   time.Now,
	}
}

// Validate runs every check (none short-circuits), appends one audit record
// and returns the itemized result. The result depends only on the
// opportunity and the configuration.
func (v *Validator) Validate(ctx context.Context, opp *types.ArbitrageOpportunity) *types.SafetyCheckResult {
	res := &types.SafetyCheckResult{
		Failures: []string{},
		Warnings: []string{},
	}

	res.SimulationProfitable = v.checkProfitability(opp, res)
	res.NoNegativeExternality = v.checkExternality(opp, res)
	res.NoFrontrunning = v.checkFrontrunning(opp, res)
	res.DeviationGuardConfigured = v.checkDeviationGuard(res)

	res.Passed = len(res.Failures) == 0 && res.SimulationProfitable

	if err := v.record(ctx, opp, res); err != nil {
		log.Error().Err(err).Str("opportunity", opp.ID).Msg("Failed to write audit record")
		res.Warnings = append(res.Warnings, fmt.Sprintf("audit record not written: %v", err))
	} else {
		res.AuditLogged = true
	}

	return res
}

// IsCompliant is a fast secondary gate: a successful simulation that clears the profit floor
func (v *Validator) IsCompliant(opp *types.ArbitrageOpportunity) bool {
	sim := opp.Simulation
	return sim != nil && sim.Success && sim.NetProfitBPS >= v.cfg.MinProfitBPS
}

func (v *Validator) checkProfitability(opp *types.ArbitrageOpportunity, res *types.SafetyCheckResult) bool {
	sim := opp.Simulation
	if sim == nil {
		res.Failures = append(res.Failures, "simulation profitability: no simulation attached")
		return false
	}
	if !sim.Success {
		res.Failures = append(res.Failures, fmt.Sprintf("simulation profitability: simulation failed: %s", sim.RevertReason))
		return false
	}

	ok := true
	if sim.NetProfitBPS < v.cfg.MinProfitBPS {
		res.Failures = append(res.Failures, fmt.Sprintf(
			"simulation profitability: net profit %.2f BPS below minimum %.2f BPS", sim.NetProfitBPS, v.cfg.MinProfitBPS))
		ok = false
	}

	margin := new(big.Int)
	if sim.GrossProfit != nil {
		margin.Set(sim.GrossProfit)
	}
	if sim.GasCost != nil {
		margin.Sub(margin, sim.GasCost)
	}
	if sim.FlashloanFee != nil {
		margin.Sub(margin, sim.FlashloanFee)
	}
	if margin.Sign() <= 0 {
		res.Failures = append(res.Failures, fmt.Sprintf(
			"simulation profitability: gas and flashloan fee consume the margin (remaining %s wei)", margin))
		ok = false
	}
	return ok
}

func (v *Validator) checkExternality(opp *types.ArbitrageOpportunity, res *types.SafetyCheckResult) bool {
	ok := true

	if trigger := opp.Trigger; trigger != nil && trigger.From != v.cfg.ExecutorAddress {
		msg := fmt.Sprintf("negative externality: triggering transaction %s from %s is not attributable to the executor",
			trigger.Hash.Hex(), trigger.From.Hex())
		if v.cfg.StrictAttribution {
			res.Failures = append(res.Failures, msg)
			ok = false
		} else {
			res.Warnings = append(res.Warnings, msg)
		}
	}

	for _, p := range opp.Pools {
		if p.Venue.IsConcentrated() || p.Reserve0 == nil || p.Reserve1 == nil {
			continue
		}
		if reserveRatioOutOfBounds(p.Reserve0, p.Reserve1) {
			res.Failures = append(res.Failures, fmt.Sprintf(
				"negative externality: pool %s reserve ratio %s:%s outside 1:%d..%d:1",
				p.Address.Hex(), p.Reserve0, p.Reserve1, MaxReserveRatio, MaxReserveRatio))
			ok = false
		}
	}

	if opp.Simulation != nil {
		for _, d := range opp.Simulation.Deviations {
			if d.DeviationBPS > simulation.MaxStateDeviationBPS {
				res.Failures = append(res.Failures, fmt.Sprintf(
					"negative externality: pool %s moved %.2f BPS since detection (max %d)",
					d.Pool.Hex(), d.DeviationBPS, simulation.MaxStateDeviationBPS))
				ok = false
			}
		}
	}
	return ok
}

// reserveRatioOutOfBounds reports r0/r1 > 100 or r0/r1 < 1/100. An empty side counts as out of bounds.
func reserveRatioOutOfBounds(r0, r1 *big.Int) bool {
	if r0.Sign() == 0 || r1.Sign() == 0 {
		return true
	}
	limit := big.NewInt(MaxReserveRatio)
	if r0.Cmp(new(big.Int).Mul(r1, limit)) > 0 {
		return true
	}
	return r1.Cmp(new(big.Int).Mul(r0, limit)) > 0
}

func (v *Validator) checkFrontrunning(opp *types.ArbitrageOpportunity, res *types.SafetyCheckResult) bool {
	if opp.Trigger != nil && len(opp.Trigger.Data) > MaxCalldataBytes {
		res.Failures = append(res.Failures, fmt.Sprintf(
			"frontrunning signature: triggering calldata is %d bytes (max %d)", len(opp.Trigger.Data), MaxCalldataBytes))
		return false
	}
	return true
}

func (v *Validator) checkDeviationGuard(res *types.SafetyCheckResult) bool {
	switch t := v.cfg.DeviationThresholdBPS; {
	case t <= 0:
		res.Failures = append(res.Failures, "deviation guard: no deviation threshold configured")
		return false
	case t > MaxDeviationGuardBPS:
		res.Failures = append(res.Failures, fmt.Sprintf(
			"deviation guard: threshold %.0f BPS is too high (max %d BPS)", t, MaxDeviationGuardBPS))
		return false
	}
	return true
}

func (v *Validator) record(ctx context.Context, opp *types.ArbitrageOpportunity, res *types.SafetyCheckResult) error {
	severity := types.SeverityInfo
	if len(res.Failures) > 0 {
		severity = types.SeverityWarning
	}

	payload := map[string]any{
		"opportunity_type":    string(opp.Type),
		"expected_profit_bps": opp.ExpectedProfitBPS,
		"expected_profit_usd": opp.ExpectedProfitUSD.String(),
		"checks": map[string]bool{
			"simulation_profitable":      res.SimulationProfitable,
			"no_negative_externality":    res.NoNegativeExternality,
			"no_frontrunning":            res.NoFrontrunning,
			"deviation_guard_configured": res.DeviationGuardConfigured,
		},
		"failures": res.Failures,
		"warnings": res.Warnings,
		"passed":   res.Passed,
	}
	if opp.Simulation != nil {
		payload["net_profit_bps"] = opp.Simulation.NetProfitBPS
		payload["simulation_provider"] = opp.Simulation.Provider
	}
	if opp.Trigger != nil {
		payload["trigger"] = opp.Trigger.Hash.Hex()
	}

	return v.audit.Append(ctx, types.AuditLog{
		Timestamp:     v.now(),
		EntryType:     EntryType,
		OpportunityID: opp.ID,
		Payload:       payload,
		Severity:      severity,
	})
}
