// Package orchestrator runs the opportunity lifecycle for every pending
// transaction: decode, detect, simulate, validate, execute.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/devlongs/mev-searcher/internal/arbitrage"
	"github.com/devlongs/mev-searcher/internal/audit"
	"github.com/devlongs/mev-searcher/internal/decoder"
	"github.com/devlongs/mev-searcher/internal/metrics"
	"github.com/devlongs/mev-searcher/internal/output"
	"github.com/devlongs/mev-searcher/internal/simulation"
	"github.com/devlongs/mev-searcher/pkg/types"
)

// TxSource feeds pending transactions until it fails or ctx ends
type TxSource interface {
	Run(ctx context.Context, out chan<- types.PendingTx) error
}

// CallDecoder turns a pending transaction into a structured call
type CallDecoder interface {
	DecodePending(tx types.PendingTx) (*types.DecodedCall, error)
}

// PoolLookup resolves a pool address to its cached state
type PoolLookup interface {
	Get(address common.Address) (types.PoolState, bool)
}

// Detector finds opportunities in cached pool state
type Detector interface {
	Detect(trigger *types.PendingTx, scope arbitrage.Scope) []*types.ArbitrageOpportunity
}

// Simulator attaches a simulation result to an opportunity
type Simulator interface {
	Simulate(ctx context.Context, opp *types.ArbitrageOpportunity) (*types.SimulationResult, error)
}

// Validator runs the safety battery
type Validator interface {
	Validate(ctx context.Context, opp *types.ArbitrageOpportunity) *types.SafetyCheckResult
}

// Executor submits approved opportunities
type Executor interface {
	Execute(ctx context.Context, opp *types.ArbitrageOpportunity) *types.ExecutionResult
	DryRun() bool
}

// StatusChecker polls a relay for bundle inclusion
type StatusChecker interface {
	CheckBundleStatus(ctx context.Context, hash string) (types.ExecutionStatus, error)
}

// Config holds pipeline settings
type Config struct {
	Workers     int
	QueueSize   int
	DedupWindow time.Duration
	DedupSize   int
	StatsPeriod time.Duration
	StatusDelay time.Duration

	MinProfitBPS   float64
	MaxSlippageBPS float64
	MaxGasBPS      float64
}

// Deps are the pipeline stages. Relay and Metrics may be nil.
type Deps struct {
	Source    TxSource
	Decoder   CallDecoder
	Pools     PoolLookup
	Detector  Detector
	Simulator Simulator
	Validator Validator
	Executor  Executor
	Relay     StatusChecker
	Audit     audit.Log
	Logger    *output.Logger
	Metrics   *metrics.Metrics
}

// Orchestrator owns the worker pool, the dedup window and the audit log lifecycle
type Orchestrator struct {
	cfg  Config
	deps Deps

	dedupMu sync.Mutex
	seen    *lru.Cache[common.Hash, time.Time]

	polls sync.WaitGroup
	now   func() time.Time
}

// New wires the pipeline
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Decoder == nil, deps.Detector == nil, deps.Simulator == nil,
		deps.Validator == nil, deps.Executor == nil, deps.Logger == nil:
		return nil, errors.New("orchestrator: decoder, detector, simulator, validator, executor and logger are required")
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	if cfg.DedupSize < 1 {
		cfg.DedupSize = 1
	}
	return &Orchestrator{
		cfg:  cfg,
		deps: deps,
		seen: lru.NewCache[common.Hash, time.Time](cfg.DedupSize),
		now:  time.Now,
	}, nil
}

// Run reads the source into a bounded queue served by a fixed worker pool.
// It returns nil on cancellation and the source's error if the stream is lost.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.deps.Source == nil {
		return errors.New("orchestrator: no transaction source")
	}

	log.Info().
		Int("workers", o.cfg.Workers).
		Int("queueSize", o.cfg.QueueSize).
		Bool("dryRun", o.deps.Executor.DryRun()).
		Msg("Starting MEV searcher...")

	queue := make(chan types.PendingTx, o.cfg.QueueSize)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(queue)
		return o.deps.Source.Run(gctx, queue)
	})

	for i := 0; i < o.cfg.Workers; i++ {
		g.Go(func() error {
			for tx := range queue {
				if o.deps.Metrics != nil {
					o.deps.Metrics.QueueDepth.Set(float64(len(queue)))
				}
				o.Process(gctx, tx)
			}
			return nil
		})
	}

	stopStats := make(chan struct{})
	if o.cfg.StatsPeriod > 0 {
		go o.reportStats(stopStats)
	}

	err := g.Wait()
	close(stopStats)
	o.polls.Wait()
	o.deps.Logger.LogStats()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (o *Orchestrator) reportStats(stop <-chan struct{}) {
	ticker := time.NewTicker(o.cfg.StatsPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			o.deps.Logger.LogStats()
		}
	}
}

// Process runs one transaction through the whole pipeline. Failures are
// terminal for the opportunities involved and never stop the pipeline.
func (o *Orchestrator) Process(ctx context.Context, tx types.PendingTx) {
	start := o.now()
	outcome := o.process(ctx, tx)
	if o.deps.Metrics != nil {
		o.deps.Metrics.PipelineDuration.WithLabelValues(outcome).Observe(o.now().Sub(start).Seconds())
	}
}

func (o *Orchestrator) process(ctx context.Context, tx types.PendingTx) string {
	if o.deps.Metrics != nil {
		o.deps.Metrics.TxReceived.WithLabelValues(tx.Source).Inc()
	}

	if o.duplicate(tx.Hash) {
		o.drop(tx, "duplicate")
		return "duplicate"
	}

	call, err := o.deps.Decoder.DecodePending(tx)
	if err != nil || call.Category == types.CategoryUnknown {
		o.drop(tx, "undecodable")
		return "undecodable"
	}
	o.deps.Logger.LogTransaction(tx, false, "")

	opps := o.deps.Detector.Detect(&tx, o.scope(call))
	if len(opps) == 0 {
		return "no_opportunity"
	}

	outcome := "rejected"
	for _, opp := range opps {
		if o.handle(ctx, opp) {
			outcome = "executed"
		}
	}
	return outcome
}

// handle takes one opportunity from simulation to execution and reports whether it was submitted
func (o *Orchestrator) handle(ctx context.Context, opp *types.ArbitrageOpportunity) bool {
	o.deps.Logger.LogOpportunity(opp)
	if o.deps.Metrics != nil {
		o.deps.Metrics.OpportunitiesFound.WithLabelValues(string(opp.Type)).Inc()
	}

	if !simulation.WithinSlippage(opp, o.cfg.MaxSlippageBPS) {
		log.Debug().Str("opportunity", opp.ID).Msg("Opportunity exceeds slippage limit")
		return false
	}

	sim, err := o.deps.Simulator.Simulate(ctx, opp)
	o.deps.Logger.LogSimulation(opp)
	if err != nil {
		o.deps.Logger.LogError(err, "simulating "+opp.ID)
		o.countSimulation("none", "unavailable")
		return false
	}
	o.countSimulation(sim.Provider, simOutcome(sim))

	profitable := len(simulation.FilterProfitable([]*types.ArbitrageOpportunity{opp}, o.cfg.MinProfitBPS, o.cfg.MaxGasBPS)) == 1

	// unprofitable simulations are still validated and audited
	verdict := o.deps.Validator.Validate(ctx, opp)
	o.deps.Logger.LogSafety(opp, verdict)
	if o.deps.Metrics != nil {
		o.deps.Metrics.SafetyVerdicts.WithLabelValues(verdictLabel(verdict.Passed)).Inc()
	}
	if !verdict.Passed || !profitable {
		return false
	}

	result := o.deps.Executor.Execute(ctx, opp)
	o.deps.Logger.LogExecution(opp, result)
	if o.deps.Metrics != nil {
		o.deps.Metrics.Executions.WithLabelValues(string(result.Status)).Inc()
	}
	if result.Status != types.StatusSubmitted {
		return false
	}

	if o.deps.Relay != nil && !o.deps.Executor.DryRun() && o.cfg.StatusDelay > 0 {
		o.polls.Add(1)
		go o.pollStatus(ctx, opp, result)
	}
	return true
}

// pollStatus checks inclusion once after StatusDelay
func (o *Orchestrator) pollStatus(ctx context.Context, opp *types.ArbitrageOpportunity, submitted *types.ExecutionResult) {
	defer o.polls.Done()

	t := time.NewTimer(o.cfg.StatusDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return
	case <-t.C:
	}

	status, err := o.deps.Relay.CheckBundleStatus(ctx, submitted.Hash)
	if err != nil {
		o.deps.Logger.LogError(err, "checking bundle "+submitted.Hash)
		return
	}
	if status != types.StatusIncluded {
		log.Info().Str("opportunity", opp.ID).Str("bundle", submitted.Hash).Msg("Bundle not included")
		return
	}

	included := &types.ExecutionResult{
		Hash:        submitted.Hash,
		SubmittedAt: submitted.SubmittedAt,
		Status:      types.StatusIncluded,
	}
	if opp.Simulation != nil {
		included.RealizedProfit = opp.Simulation.NetProfit
	}
	o.deps.Logger.LogExecution(opp, included)
	if o.deps.Metrics != nil {
		o.deps.Metrics.Executions.WithLabelValues(string(types.StatusIncluded)).Inc()
	}
}

// scope narrows detection to the tokens the call touches. A call naming
// nothing recognizable scans the whole store.
func (o *Orchestrator) scope(call *types.DecodedCall) arbitrage.Scope {
	tokens := decoder.Tokens(call)
	if o.deps.Pools != nil {
		if pool, ok := o.deps.Pools.Get(call.Target); ok {
			tokens = append(tokens, pool.Token0.Address, pool.Token1.Address)
		}
	}
	return arbitrage.Scope{Tokens: tokens}
}

// duplicate reports whether hash was seen inside the dedup window, and records it
func (o *Orchestrator) duplicate(hash common.Hash) bool {
	if o.cfg.DedupWindow <= 0 {
		return false
	}
	now := o.now()

	o.dedupMu.Lock()
	defer o.dedupMu.Unlock()
	if seenAt, ok := o.seen.Get(hash); ok && now.Sub(seenAt) < o.cfg.DedupWindow {
		return true
	}
	o.seen.Add(hash, now)
	return false
}

func (o *Orchestrator) drop(tx types.PendingTx, reason string) {
	o.deps.Logger.LogTransaction(tx, true, reason)
	if o.deps.Metrics != nil {
		o.deps.Metrics.TxDropped.WithLabelValues(reason).Inc()
	}
}

func (o *Orchestrator) countSimulation(provider, outcome string) {
	if o.deps.Metrics != nil {
		o.deps.Metrics.Simulations.WithLabelValues(provider, outcome).Inc()
	}
}

// Stats returns the aggregate counters
func (o *Orchestrator) Stats() output.Snapshot {
	return o.deps.Logger.Snapshot()
}

// Close waits for outstanding status polls and flushes the audit log
func (o *Orchestrator) Close() error {
	o.polls.Wait()
	if o.deps.Audit == nil {
		return nil
	}
	return o.deps.Audit.Close()
}

func simOutcome(sim *types.SimulationResult) string {
	if sim.Success {
		return "success"
	}
	return "reverted"
}

func verdictLabel(passed bool) string {
	if passed {
		return "approved"
	}
	return "rejected"
}
