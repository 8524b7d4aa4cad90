package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

var (
	// ErrMissingRPC is returned when no RPC endpoint is configured
	ErrMissingRPC = errors.New("config: rpc.url is required")
	// ErrMissingKey is returned when live execution is enabled without a signing key
	ErrMissingKey = errors.New("config: execution.private_key is required when execution.enabled is set")
)

// Config holds all configuration for the searcher
type Config struct {
	RPC          RPCConfig
	Stream       StreamConfig
	Pools        PoolsConfig
	Strategy     StrategyConfig
	Simulation   SimulationConfig
	Safety       SafetyConfig
	Audit        AuditConfig
	Execution    ExecutionConfig
	Flashloan    FlashloanConfig
	Relay        RelayConfig
	Orchestrator OrchestratorConfig
	Logging      LoggingConfig
	Metrics      MetricsConfig
}

// RPCConfig holds Ethereum RPC configuration
type RPCConfig struct {
	URL            string
	WSUrl          string
	RetryAttempts  int
	RetryDelay     time.Duration
	RequestTimeout time.Duration
}

// StreamConfig selects and configures the pending transaction feed
type StreamConfig struct {
	Source         string // "geth" or "websocket"
	URL            string
	AuthHeader     string
	BaseDelay      time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// PoolsConfig controls which pools are tracked and how fresh they must be
type PoolsConfig struct {
	RegistryPath    string   // sqlite database with a pools table
	Addresses       []string // "venue:0xaddress"
	MaxAge          time.Duration
	RefreshInterval time.Duration
	TWAPWindow      time.Duration
}

// StrategyConfig holds detection thresholds
type StrategyConfig struct {
	MinProfitBPS      float64
	MaxSlippageBPS    float64
	SlippageBufferBPS float64
	TWAPBufferBPS     float64
	TradeSizeWei      string
	EnableTriangular  bool
	QuoteToken        string // token trades start and end in
	QuotePriceUSD     string // decimal, optional
}

// SimulationConfig holds simulator endpoints
type SimulationConfig struct {
	Timeout     time.Duration
	RemoteURL   string
	RemoteKey   string
	NetworkID   string
	ForkURL     string
	FromAddress string
	MaxGasBPS   float64
}

// SafetyConfig holds the safety validator settings
type SafetyConfig struct {
	DeviationThresholdBPS float64
	ExecutorAddress       string
	StrictAttribution     bool
}

// AuditConfig holds audit sink settings
type AuditConfig struct {
	Path        string
	PostgresDSN string
}

// ExecutionConfig controls live execution
type ExecutionConfig struct {
	Enabled         bool
	PrivateKey      string
	ContractAddress string
	MinProfitBPS    float64
	GasMultiplier   float64
}

// FlashloanConfig selects the flashloan provider
type FlashloanConfig struct {
	Provider string // "aave_v3", "balancer", "uniswap_v3"
	Address  string
	Token0   string // uniswap_v3 only: token0 of the lending pool
}

// RelayConfig selects the bundle relay backend
type RelayConfig struct {
	Backend     string // "flashbots", "bloxroute", "custom", or "" for public mempool
	URL         string
	AuthKey     string
	Timeout     time.Duration
	StatusDelay time.Duration
}

// OrchestratorConfig holds pipeline concurrency settings
type OrchestratorConfig struct {
	Workers     int
	QueueSize   int
	DedupWindow time.Duration
	DedupSize   int
	StatsPeriod time.Duration
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string // "json" or "console"
}

// MetricsConfig holds the prometheus listener
type MetricsConfig struct {
	ListenAddr string
	Namespace  string
}

// Load reads configuration from .env, environment and config file
func Load() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	// Environment variable support
	v.SetEnvPrefix("MEV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file support
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.mev-searcher")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	return fromViper(v), nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("rpc.url", "")
	v.SetDefault("rpc.ws_url", "")
	v.SetDefault("rpc.retry_attempts", 3)
	v.SetDefault("rpc.retry_delay", "1s")
	v.SetDefault("rpc.request_timeout", "30s")

	v.SetDefault("stream.source", "geth")
	v.SetDefault("stream.url", "")
	v.SetDefault("stream.auth_header", "")
	v.SetDefault("stream.base_delay", "1s")
	v.SetDefault("stream.max_reconnects", 5)
	v.SetDefault("stream.connect_timeout", "10s")

	v.SetDefault("pools.registry_path", "")
	v.SetDefault("pools.addresses", []string{})
	v.SetDefault("pools.max_age", "60s")
	v.SetDefault("pools.refresh_interval", "12s")
	v.SetDefault("pools.twap_window", "30m")

	v.SetDefault("strategy.min_profit_bps", 80)
	v.SetDefault("strategy.max_slippage_bps", 200)
	v.SetDefault("strategy.slippage_buffer_bps", 100)
	v.SetDefault("strategy.twap_buffer_bps", 150)
	v.SetDefault("strategy.trade_size_wei", "1000000000000000000")
	v.SetDefault("strategy.enable_triangular", true)
	v.SetDefault("strategy.quote_token", "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	v.SetDefault("strategy.quote_price_usd", "")

	v.SetDefault("simulation.timeout", "5s")
	v.SetDefault("simulation.remote_url", "")
	v.SetDefault("simulation.remote_key", "")
	v.SetDefault("simulation.network_id", "1")
	v.SetDefault("simulation.fork_url", "")
	v.SetDefault("simulation.from_address", "")
	v.SetDefault("simulation.max_gas_bps", 5000)

	v.SetDefault("safety.deviation_threshold_bps", 50)
	v.SetDefault("safety.executor_address", "")
	v.SetDefault("safety.strict_attribution", false)

	v.SetDefault("audit.path", "audit.jsonl")
	v.SetDefault("audit.postgres_dsn", "")

	v.SetDefault("execution.enabled", false)
	v.SetDefault("execution.private_key", "")
	v.SetDefault("execution.contract_address", "")
	v.SetDefault("execution.min_profit_bps", 50)
	v.SetDefault("execution.gas_multiplier", 1.2)

	v.SetDefault("flashloan.provider", "aave_v3")
	v.SetDefault("flashloan.address", "0x87870Bca3F3fD6335C3F4ce8392D69350B4fA4E2")
	v.SetDefault("flashloan.token0", "")

	v.SetDefault("relay.backend", "")
	v.SetDefault("relay.url", "")
	v.SetDefault("relay.auth_key", "")
	v.SetDefault("relay.timeout", "10s")
	v.SetDefault("relay.status_delay", "0s")

	v.SetDefault("orchestrator.workers", 4)
	v.SetDefault("orchestrator.queue_size", 256)
	v.SetDefault("orchestrator.dedup_window", "2m")
	v.SetDefault("orchestrator.dedup_size", 65536)
	v.SetDefault("orchestrator.stats_period", "30s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("metrics.listen_addr", "")
	v.SetDefault("metrics.namespace", "mev_searcher")
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		RPC: RPCConfig{
			URL:            v.GetString("rpc.url"),
			WSUrl:          v.GetString("rpc.ws_url"),
			RetryAttempts:  v.GetInt("rpc.retry_attempts"),
			RetryDelay:     v.GetDuration("rpc.retry_delay"),
			RequestTimeout: v.GetDuration("rpc.request_timeout"),
		},
		Stream: StreamConfig{
			Source:         v.GetString("stream.source"),
			URL:            v.GetString("stream.url"),
			AuthHeader:     v.GetString("stream.auth_header"),
			BaseDelay:      v.GetDuration("stream.base_delay"),
			MaxReconnects:  v.GetInt("stream.max_reconnects"),
			ConnectTimeout: v.GetDuration("stream.connect_timeout"),
		},
		Pools: PoolsConfig{
			RegistryPath:    v.GetString("pools.registry_path"),
			Addresses:       v.GetStringSlice("pools.addresses"),
			MaxAge:          v.GetDuration("pools.max_age"),
			RefreshInterval: v.GetDuration("pools.refresh_interval"),
			TWAPWindow:      v.GetDuration("pools.twap_window"),
		},
		Strategy: StrategyConfig{
			MinProfitBPS:      v.GetFloat64("strategy.min_profit_bps"),
			MaxSlippageBPS:    v.GetFloat64("strategy.max_slippage_bps"),
			SlippageBufferBPS: v.GetFloat64("strategy.slippage_buffer_bps"),
			TWAPBufferBPS:     v.GetFloat64("strategy.twap_buffer_bps"),
			TradeSizeWei:      v.GetString("strategy.trade_size_wei"),
			EnableTriangular:  v.GetBool("strategy.enable_triangular"),
			QuoteToken:        v.GetString("strategy.quote_token"),
			QuotePriceUSD:     v.GetString("strategy.quote_price_usd"),
		},
		Simulation: SimulationConfig{
			Timeout:     v.GetDuration("simulation.timeout"),
			RemoteURL:   v.GetString("simulation.remote_url"),
			RemoteKey:   v.GetString("simulation.remote_key"),
			NetworkID:   v.GetString("simulation.network_id"),
			ForkURL:     v.GetString("simulation.fork_url"),
			FromAddress: v.GetString("simulation.from_address"),
			MaxGasBPS:   v.GetFloat64("simulation.max_gas_bps"),
		},
		Safety: SafetyConfig{
			DeviationThresholdBPS: v.GetFloat64("safety.deviation_threshold_bps"),
			ExecutorAddress:       v.GetString("safety.executor_address"),
			StrictAttribution:     v.GetBool("safety.strict_attribution"),
		},
		Audit: AuditConfig{
			Path:        v.GetString("audit.path"),
			PostgresDSN: v.GetString("audit.postgres_dsn"),
		},
		Execution: ExecutionConfig{
			Enabled:         v.GetBool("execution.enabled"),
			PrivateKey:      v.GetString("execution.private_key"),
			ContractAddress: v.GetString("execution.contract_address"),
			MinProfitBPS:    v.GetFloat64("execution.min_profit_bps"),
			GasMultiplier:   v.GetFloat64("execution.gas_multiplier"),
		},
		Flashloan: FlashloanConfig{
			Provider: v.GetString("flashloan.provider"),
			Address:  v.GetString("flashloan.address"),
			Token0:   v.GetString("flashloan.token0"),
		},
		Relay: RelayConfig{
			Backend:     v.GetString("relay.backend"),
			URL:         v.GetString("relay.url"),
			AuthKey:     v.GetString("relay.auth_key"),
			Timeout:     v.GetDuration("relay.timeout"),
			StatusDelay: v.GetDuration("relay.status_delay"),
		},
		Orchestrator: OrchestratorConfig{
			Workers:     v.GetInt("orchestrator.workers"),
			QueueSize:   v.GetInt("orchestrator.queue_size"),
			DedupWindow: v.GetDuration("orchestrator.dedup_window"),
			DedupSize:   v.GetInt("orchestrator.dedup_size"),
			StatsPeriod: v.GetDuration("orchestrator.stats_period"),
		},
		Logging: LoggingConfig{
			Level:  v.GetString("logging.level"),
			Format: v.GetString("logging.format"),
		},
		Metrics: MetricsConfig{
			ListenAddr: v.GetString("metrics.listen_addr"),
			Namespace:  v.GetString("metrics.namespace"),
		},
	}
}

// Validate checks that the configuration is usable. Any error here is fatal at startup.
func (c *Config) Validate() error {
	if c.RPC.URL == "" {
		return ErrMissingRPC
	}
	if c.Execution.Enabled && c.Execution.PrivateKey == "" {
		return ErrMissingKey
	}
	switch c.Relay.Backend {
	case "", "flashbots", "bloxroute", "custom":
	default:
		return fmt.Errorf("config: unknown relay.backend %q", c.Relay.Backend)
	}
	if c.Relay.Backend != "" && c.Relay.URL == "" {
		return fmt.Errorf("config: relay.url is required for backend %q", c.Relay.Backend)
	}
	switch c.Flashloan.Provider {
	case "aave_v3", "balancer", "uniswap_v3":
	default:
		return fmt.Errorf("config: unknown flashloan.provider %q", c.Flashloan.Provider)
	}
	switch c.Stream.Source {
	case "geth", "websocket":
	default:
		return fmt.Errorf("config: unknown stream.source %q", c.Stream.Source)
	}
	if c.Orchestrator.Workers < 1 || c.Orchestrator.QueueSize < 1 {
		return errors.New("config: orchestrator.workers and orchestrator.queue_size must be positive")
	}
	return nil
}
