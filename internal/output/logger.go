package output

import (
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/devlongs/mev-searcher/internal/config"
	"github.com/devlongs/mev-searcher/pkg/types"
)

// Logger handles pipeline log output and keeps the aggregate counters
type Logger struct {
	stats *Stats
}

// Stats tracks pipeline counters. Every field is safe for concurrent update.
type Stats struct {
	TxProcessed        atomic.Uint64
	TxDropped          atomic.Uint64
	OpportunitiesFound atomic.Uint64
	Simulated          atomic.Uint64
	Approved           atomic.Uint64
	Rejected           atomic.Uint64
	Executed           atomic.Uint64
	Included           atomic.Uint64
	ExecutionFailed    atomic.Uint64

	mu             sync.Mutex
	totalProfitWei *big.Int

	StartTime time.Time
}

// Snapshot is a point-in-time copy of Stats
type Snapshot struct {
	TxProcessed        uint64
	TxDropped          uint64
	OpportunitiesFound uint64
	Simulated          uint64
	Approved           uint64
	Rejected           uint64
	Executed           uint64
	Included           uint64
	ExecutionFailed    uint64
	TotalProfitWei     *big.Int
	Uptime             time.Duration
}

// NewLogger configures the global zerolog logger and creates the stats
func NewLogger(cfg config.LoggingConfig) *Logger {
	switch cfg.Format {
	case "json":
		// Default JSON output
	case "console":
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "15:04:05",
		})
	}

	switch cfg.Level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	}

	return &Logger{
		stats: &Stats{
			totalProfitWei: big.NewInt(0),
			StartTime:      time.Now(),
		},
	}
}

// LogTransaction counts an inbound transaction. dropped marks it as filtered before detection.
func (l *Logger) LogTransaction(tx types.PendingTx, dropped bool, reason string) {
	l.stats.TxProcessed.Add(1)
	if dropped {
		l.stats.TxDropped.Add(1)
		log.Debug().
			Str("txHash", tx.Hash.Hex()).
			Str("reason", reason).
			Msg("Transaction dropped")
	}
}

// LogOpportunity logs a detected opportunity
func (l *Logger) LogOpportunity(opp *types.ArbitrageOpportunity) {
	l.stats.OpportunitiesFound.Add(1)

	ev := log.Info().
		Str("opportunity", opp.ID).
		Str("type", string(opp.Type)).
		Float64("expectedBps", opp.ExpectedProfitBPS).
		Str("expectedUsd", opp.ExpectedProfitUSD.StringFixed(2)).
		Float64("confidence", opp.Confidence).
		Str("path", buildPathString(opp.TokenPath)).
		Int("pools", len(opp.Pools))
	if opp.Trigger != nil {
		ev = ev.Str("trigger", opp.Trigger.Hash.Hex())
	}
	ev.Msg("OPPORTUNITY DETECTED")
}

// LogSimulation logs the simulation outcome attached to opp
func (l *Logger) LogSimulation(opp *types.ArbitrageOpportunity) {
	l.stats.Simulated.Add(1)

	sim := opp.Simulation
	if sim == nil {
		log.Warn().Str("opportunity", opp.ID).Msg("Simulation unavailable")
		return
	}
	if !sim.Success {
		log.Info().
			Str("opportunity", opp.ID).
			Str("provider", sim.Provider).
			Str("revert", sim.RevertReason).
			Msg("Simulation reverted")
		return
	}
	log.Info().
		Str("opportunity", opp.ID).
		Str("provider", sim.Provider).
		Float64("grossBps", sim.GrossProfitBPS).
		Float64("netBps", sim.NetProfitBPS).
		Uint64("gasUsed", sim.GasUsed).
		Float64("maxDeviationBps", sim.MaxDeviationBPS()).
		Msg("Simulation complete")
}

// LogSafety logs the validator verdict
func (l *Logger) LogSafety(opp *types.ArbitrageOpportunity, res *types.SafetyCheckResult) {
	if res.Passed {
		l.stats.Approved.Add(1)
		log.Info().
			Str("opportunity", opp.ID).
			Strs("warnings", res.Warnings).
			Msg("Safety checks passed")
		return
	}
	l.stats.Rejected.Add(1)
	log.Warn().
		Str("opportunity", opp.ID).
		Strs("failures", res.Failures).
		Strs("warnings", res.Warnings).
		Msg("Safety checks failed")
}

// LogExecution logs an execution result and accumulates realized profit
func (l *Logger) LogExecution(opp *types.ArbitrageOpportunity, res *types.ExecutionResult) {
	switch res.Status {
	case types.StatusFailed, types.StatusReverted:
		l.stats.ExecutionFailed.Add(1)
		log.Error().
			Str("opportunity", opp.ID).
			Str("status", string(res.Status)).
			Str("error", res.Error).
			Msg("Execution failed")
		return
	case types.StatusIncluded:
		l.stats.Included.Add(1)
	default:
		l.stats.Executed.Add(1)
	}

	if res.RealizedProfit != nil {
		l.stats.mu.Lock()
		l.stats.totalProfitWei.Add(l.stats.totalProfitWei, res.RealizedProfit)
		l.stats.mu.Unlock()
	}

	log.Info().
		Str("opportunity", opp.ID).
		Str("hash", res.Hash).
		Str("status", string(res.Status)).
		Msg("EXECUTION")
}

// LogStats logs current statistics
func (l *Logger) LogStats() {
	s := l.Snapshot()
	txPerSec := float64(s.TxProcessed) / s.Uptime.Seconds()

	log.Info().
		Uint64("txProcessed", s.TxProcessed).
		Uint64("txDropped", s.TxDropped).
		Uint64("opportunities", s.OpportunitiesFound).
		Uint64("simulated", s.Simulated).
		Uint64("approved", s.Approved).
		Uint64("rejected", s.Rejected).
		Uint64("executed", s.Executed).
		Uint64("included", s.Included).
		Uint64("failed", s.ExecutionFailed).
		Str("totalProfit", weiToEther(s.TotalProfitWei)+" ETH").
		Float64("txPerSec", txPerSec).
		Dur("uptime", s.Uptime).
		Msg("MEV Searcher Stats")
}

// LogError logs an error
func (l *Logger) LogError(err error, context string) {
	log.Error().
		Err(err).
		Str("context", context).
		Msg("Error occurred")
}

// Snapshot returns a consistent copy of the counters
func (l *Logger) Snapshot() Snapshot {
	l.stats.mu.Lock()
	profit := new(big.Int).Set(l.stats.totalProfitWei)
	l.stats.mu.Unlock()

	return Snapshot{
		TxProcessed:        l.stats.TxProcessed.Load(),
		TxDropped:          l.stats.TxDropped.Load(),
		OpportunitiesFound: l.stats.OpportunitiesFound.Load(),
		Simulated:          l.stats.Simulated.Load(),
		Approved:           l.stats.Approved.Load(),
		Rejected:           l.stats.Rejected.Load(),
		Executed:           l.stats.Executed.Load(),
		Included:           l.stats.Included.Load(),
		ExecutionFailed:    l.stats.ExecutionFailed.Load(),
		TotalProfitWei:     profit,
		Uptime:             time.Since(l.stats.StartTime),
	}
}

// weiToEther converts wei to ether string with 6 decimal places
func weiToEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}

	// 1 ETH = 10^18 wei
	ether := new(big.Float).SetInt(wei)
	divisor := new(big.Float).SetInt(big.NewInt(1e18))
	ether.Quo(ether, divisor)

	return fmt.Sprintf("%.6f", ether)
}

// buildPathString renders a token path with shortened addresses
func buildPathString(path []common.Address) string {
	parts := make([]string, len(path))
	for i, a := range path {
		parts[i] = a.Hex()[:10]
	}
	return strings.Join(parts, " -> ")
}
