package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/devlongs/mev-searcher/internal/arbitrage"
	"github.com/devlongs/mev-searcher/internal/audit"
	"github.com/devlongs/mev-searcher/internal/config"
	"github.com/devlongs/mev-searcher/internal/decoder"
	"github.com/devlongs/mev-searcher/internal/dex/uniswapv2"
	"github.com/devlongs/mev-searcher/internal/dex/uniswapv3"
	"github.com/devlongs/mev-searcher/internal/eth"
	"github.com/devlongs/mev-searcher/internal/executor"
	"github.com/devlongs/mev-searcher/internal/metrics"
	"github.com/devlongs/mev-searcher/internal/orchestrator"
	"github.com/devlongs/mev-searcher/internal/output"
	"github.com/devlongs/mev-searcher/internal/poolstate"
	"github.com/devlongs/mev-searcher/internal/relay"
	"github.com/devlongs/mev-searcher/internal/safety"
	"github.com/devlongs/mev-searcher/internal/simulation"
	"github.com/devlongs/mev-searcher/internal/stream"
	"github.com/devlongs/mev-searcher/pkg/types"
)

// Searcher owns every long-lived component of the pipeline
type Searcher struct {
	cfg      *config.Config
	client   *eth.Client
	fork     *eth.Client
	registry *poolstate.SQLiteRegistry

	refresher *poolstate.Refresher
	orch      *orchestrator.Orchestrator

	registerer *prometheus.Registry
	metrics    *metrics.Metrics
}

// meteredRelay counts submissions per backend and outcome
type meteredRelay struct {
	*relay.Submitter
	m *metrics.Metrics
}

func (r meteredRelay) SubmitBundle(ctx context.Context, txs [][]byte, cfg types.BundleConfig) *types.ExecutionResult {
	res := r.Submitter.SubmitBundle(ctx, txs, cfg)
	r.m.RelaySubmissions.WithLabelValues(string(r.Backend()), string(res.Status)).Inc()
	return res
}

// NewSearcher wires the pipeline from configuration
func NewSearcher(ctx context.Context, cfg *config.Config) (*Searcher, error) {
	s := &Searcher{cfg: cfg, registerer: prometheus.NewRegistry()}
	s.metrics = metrics.New(s.registerer, cfg.Metrics.Namespace)
	logger := output.NewLogger(cfg.Logging)

	client, err := eth.NewClient(cfg.RPC)
	if err != nil {
		return nil, err
	}
	s.client = client

	ok := false
	defer func() {
		if !ok {
			s.Close()
		}
	}()

	// Pool state
	targets, err := s.loadTargets(ctx)
	if err != nil {
		return nil, err
	}
	v2 := uniswapv2.NewFetcher(client)
	v3 := uniswapv3.NewFetcher(client)
	fetchers := map[types.DEXType]poolstate.PoolFetcher{
		types.DEXUniswapV2: v2,
		types.DEXSushiswap: v2,
		types.DEXUniswapV3: v3,
		types.DEXSushiV3:   v3,
	}
	store := poolstate.NewStore()
	book := poolstate.NewTWAPBook()
	s.refresher = poolstate.NewRefresher(store, book, targets, poolstate.RefresherConfig{
		Interval:   cfg.Pools.RefreshInterval,
		MaxAge:     cfg.Pools.MaxAge,
		TWAPWindow: cfg.Pools.TWAPWindow,
	}, fetchers, v3)
	s.refresher.OnRefresh = func(st poolstate.RefreshStats) {
		s.metrics.PoolsTracked.Set(float64(st.Tracked))
		s.metrics.PoolRefreshes.WithLabelValues("ok").Add(float64(st.Refreshed))
		s.metrics.PoolRefreshes.WithLabelValues("failed").Add(float64(st.Failed))
		s.metrics.PoolRefreshes.WithLabelValues("evicted").Add(float64(st.Evicted))
	}

	// Detection
	detCfg, err := detectorConfig(cfg.Strategy)
	if err != nil {
		return nil, err
	}
	detector := arbitrage.NewDetector(detCfg, store, book)

	// Execution building blocks
	var key *ecdsa.PrivateKey
	if cfg.Execution.PrivateKey != "" {
		key, err = crypto.HexToECDSA(trimHex(cfg.Execution.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("parse execution.private_key: %w", err)
		}
	}
	flash, err := executor.NewFlashloanEncoder(cfg.Flashloan.Provider,
		common.HexToAddress(cfg.Flashloan.Address), common.HexToAddress(cfg.Flashloan.Token0))
	if err != nil {
		return nil, err
	}
	builder := executor.NewBuilder(common.HexToAddress(cfg.Execution.ContractAddress), flash)

	operator := common.HexToAddress(cfg.Safety.ExecutorAddress)
	if key != nil {
		operator = crypto.PubkeyToAddress(key.PublicKey)
	}

	// Simulation
	engine, err := s.simulationEngine(builder, operator, fetchers)
	if err != nil {
		return nil, err
	}

	// Audit and safety
	sink, err := openAudit(ctx, cfg.Audit)
	if err != nil {
		return nil, err
	}
	validator := safety.NewValidator(safety.Config{
		MinProfitBPS:          cfg.Strategy.MinProfitBPS,
		DeviationThresholdBPS: cfg.Safety.DeviationThresholdBPS,
		ExecutorAddress:       operator,
		StrictAttribution:     cfg.Safety.StrictAttribution,
	}, sink)

	// Relay
	var submitter *relay.Submitter
	if cfg.Relay.Backend != "" {
		submitter, err = relay.NewSubmitter(relay.Backend(cfg.Relay.Backend), cfg.Relay.URL,
			cfg.Relay.AuthKey, cfg.Relay.Timeout, client)
		if err != nil {
			sink.Close()
			return nil, err
		}
	}

	var bundles executor.BundleSubmitter
	var status orchestrator.StatusChecker
	if submitter != nil {
		bundles = meteredRelay{Submitter: submitter, m: s.metrics}
		status = submitter
	}

	exec, err := executor.New(executor.Config{
		DryRun:                !cfg.Execution.Enabled,
		MinProfitBPS:          cfg.Execution.MinProfitBPS,
		GasMultiplier:         cfg.Execution.GasMultiplier,
		ChainID:               client.ChainID(),
		ProfitRecipient:       operator,
		DeviationThresholdBPS: cfg.Safety.DeviationThresholdBPS,
	}, builder, key, client, bundles)
	if err != nil {
		sink.Close()
		return nil, err
	}

	// Mempool feed
	listener := stream.NewListener(s.txSource(), stream.Config{
		BaseDelay:      cfg.Stream.BaseDelay,
		MaxReconnects:  cfg.Stream.MaxReconnects,
		ConnectTimeout: cfg.Stream.ConnectTimeout,
	})
	listener.OnReconnect = func(int, time.Duration) {
		s.metrics.StreamReconnects.Inc()
	}

	s.orch, err = orchestrator.New(orchestrator.Config{
		Workers:        cfg.Orchestrator.Workers,
		QueueSize:      cfg.Orchestrator.QueueSize,
		DedupWindow:    cfg.Orchestrator.DedupWindow,
		DedupSize:      cfg.Orchestrator.DedupSize,
		StatsPeriod:    cfg.Orchestrator.StatsPeriod,
		StatusDelay:    cfg.Relay.StatusDelay,
		MinProfitBPS:   cfg.Strategy.MinProfitBPS,
		MaxSlippageBPS: cfg.Strategy.MaxSlippageBPS,
		MaxGasBPS:      cfg.Simulation.MaxGasBPS,
	}, orchestrator.Deps{
		Source:    listener,
		Decoder:   decoder.New(),
		Pools:     store,
		Detector:  detector,
		Simulator: engine,
		Validator: validator,
		Executor:  exec,
		Relay:     status,
		Audit:     sink,
		Logger:    logger,
		Metrics:   s.metrics,
	})
	if err != nil {
		sink.Close()
		return nil, err
	}

	log.Info().
		Int("pools", len(targets)).
		Bool("dryRun", exec.DryRun()).
		Str("relay", cfg.Relay.Backend).
		Str("stream", cfg.Stream.Source).
		Msg("Searcher initialized")

	ok = true
	return s, nil
}

// loadTargets merges configured pools into the registry, if one is configured
func (s *Searcher) loadTargets(ctx context.Context) ([]poolstate.Target, error) {
	targets, err := poolstate.ParseTargets(s.cfg.Pools.Addresses)
	if err != nil {
		return nil, err
	}
	if s.cfg.Pools.RegistryPath == "" {
		return targets, nil
	}

	reg, err := poolstate.OpenRegistry(s.cfg.Pools.RegistryPath)
	if err != nil {
		return nil, err
	}
	s.registry = reg
	for _, t := range targets {
		if err := reg.Add(ctx, t); err != nil {
			return nil, err
		}
	}
	return reg.Load(ctx)
}

// simulationEngine uses the hosted simulator when configured and always keeps
// a fork simulator behind it
func (s *Searcher) simulationEngine(builder simulation.Builder, from common.Address, readers map[types.DEXType]poolstate.PoolFetcher) (*simulation.Engine, error) {
	cfg := s.cfg.Simulation
	if cfg.FromAddress != "" {
		from = common.HexToAddress(cfg.FromAddress)
	}

	forkClient := s.client
	if cfg.ForkURL != "" {
		forkRPC := s.cfg.RPC
		forkRPC.URL = cfg.ForkURL
		forkRPC.RetryAttempts = 1
		fc, err := eth.NewClient(forkRPC)
		if err != nil {
			return nil, fmt.Errorf("connect fork node: %w", err)
		}
		s.fork = fc
		forkClient = fc
	}
	fork := simulation.NewForkSimulator(forkClient)

	var primary simulation.Simulator
	if cfg.RemoteURL != "" {
		primary = simulation.NewRemoteSimulator(cfg.RemoteURL, cfg.RemoteKey, cfg.NetworkID, cfg.Timeout)
	}

	engine, err := simulation.NewEngine(simulation.Config{Timeout: cfg.Timeout, From: from}, builder, s.client, primary, fork)
	if err != nil {
		return nil, err
	}
	engine.OnFallback = s.metrics.SimulationFallback.Inc
	return engine.WithStateReaders(readers), nil
}

func (s *Searcher) txSource() stream.Source {
	c := s.cfg.Stream
	url := c.URL
	if url == "" {
		url = s.cfg.RPC.WSUrl
	}
	if c.Source == "websocket" {
		return stream.NewWSSource(url, c.AuthHeader)
	}
	return stream.NewGethSource(url, c.AuthHeader, s.client.ChainID())
}

// Start runs the pool refresher, the metrics listener and the pipeline until
// ctx is cancelled or the mempool feed is lost
func (s *Searcher) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	// seed the store before the first transaction arrives
	s.refresher.RefreshOnce(gctx)

	g.Go(func() error { return s.refresher.Run(gctx) })
	if addr := s.cfg.Metrics.ListenAddr; addr != "" {
		g.Go(func() error { return metrics.Serve(gctx, addr, s.registerer) })
	}
	g.Go(func() error {
		if err := s.orch.Run(gctx); err != nil {
			return err
		}
		// the feed ended cleanly, stop the rest
		return context.Canceled
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close flushes the audit log and releases connections
func (s *Searcher) Close() {
	if s.orch != nil {
		if err := s.orch.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close audit log")
		}
	}
	if s.registry != nil {
		s.registry.Close()
	}
	if s.fork != nil {
		s.fork.Close()
	}
	if s.client != nil {
		s.client.Close()
	}
}

func detectorConfig(c config.StrategyConfig) (arbitrage.Config, error) {
	size, ok := new(big.Int).SetString(c.TradeSizeWei, 10)
	if !ok || size.Sign() <= 0 {
		return arbitrage.Config{}, fmt.Errorf("invalid strategy.trade_size_wei %q", c.TradeSizeWei)
	}

	quote := types.NewToken(common.HexToAddress(c.QuoteToken), "QUOTE", 18)
	if common.HexToAddress(c.QuoteToken) == arbitrage.WETH {
		quote.Symbol = "WETH"
	}
	if c.QuotePriceUSD != "" {
		price, err := decimal.NewFromString(c.QuotePriceUSD)
		if err != nil {
			return arbitrage.Config{}, fmt.Errorf("invalid strategy.quote_price_usd: %w", err)
		}
		quote = quote.WithPriceUSD(price)
	}

	return arbitrage.Config{
		MinProfitBPS:      c.MinProfitBPS,
		SlippageBufferBPS: c.SlippageBufferBPS,
		TWAPBufferBPS:     c.TWAPBufferBPS,
		TradeSize:         size,
		EnableTriangular:  c.EnableTriangular,
		Quote:             quote,
	}, nil
}

func openAudit(ctx context.Context, c config.AuditConfig) (audit.Log, error) {
	file, err := audit.OpenFile(c.Path)
	if err != nil {
		return nil, err
	}
	if c.PostgresDSN == "" {
		return file, nil
	}
	pg, err := audit.OpenPostgres(ctx, c.PostgresDSN)
	if err != nil {
		file.Close()
		return nil, err
	}
	return audit.Multi{file, pg}, nil
}

func trimHex(s string) string {
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		return s[2:]
	}
	return s
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	// Setup signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	searcher, err := NewSearcher(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create searcher")
	}

	runErr := searcher.Start(ctx)
	searcher.Close()
	if runErr != nil {
		log.Fatal().Err(runErr).Msg("Searcher error")
	}

	log.Info().Msg("MEV Searcher stopped")
}
