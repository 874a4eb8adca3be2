package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"reflect"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"dexarb/internal/builder"
	"dexarb/internal/logging"
	"dexarb/internal/pipeline"
	"dexarb/internal/protocol"
	"dexarb/internal/stream"
)

// Config materialises application configuration.
type Config struct {
	App            AppConfig          `mapstructure:"app"`
	Logging        logging.Config     `mapstructure:"logging"`
	Database       DatabaseConfig     `mapstructure:"database"`
	Scheduler      SchedulerConfig    `mapstructure:"scheduler"`
	Stream         StreamConfig       `mapstructure:"stream"`
	Pools          []PoolConfig       `mapstructure:"pools"`
	Filter         FilterConfig       `mapstructure:"filter"`
	Profit         ProfitConfig       `mapstructure:"profit"`
	Features       FeatureConfig      `mapstructure:"features"`
	Backpressure   BackpressureConfig `mapstructure:"backpressure"`
	DebounceWindow time.Duration      `mapstructure:"debounce_window"`
	Pipeline       PipelineConfig     `mapstructure:"pipeline"`
	Manifest       ManifestConfig     `mapstructure:"manifest"`
	Builder        BuilderConfig      `mapstructure:"builder"`
	Alerting       AlertingConfig     `mapstructure:"alerting"`
	Export         ExportConfig       `mapstructure:"export"`
	Metrics        MetricsConfig      `mapstructure:"metrics"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN disables
// the event sink.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// SchedulerConfig governs periodic housekeeping.
type SchedulerConfig struct {
	PruneInterval   time.Duration `mapstructure:"prune_interval"`
	MetricsInterval time.Duration `mapstructure:"metrics_interval"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// StreamConfig lists websocket endpoints and the reconnect policy.
type StreamConfig struct {
	Endpoints        []stream.Endpoint  `mapstructure:"endpoints"`
	Retry            stream.RetryPolicy `mapstructure:"retry"`
	HandshakeTimeout time.Duration      `mapstructure:"handshake_timeout"`
	LogBuffer        int                `mapstructure:"log_buffer"`
}

// PoolConfig is a pool to subscribe to at startup.
type PoolConfig struct {
	Address common.Address `mapstructure:"address"`
	Dex     string         `mapstructure:"dex"`
	Token0  common.Address `mapstructure:"token0"`
	Token1  common.Address `mapstructure:"token1"`
	Fee     uint32         `mapstructure:"fee"`
}

// FilterConfig holds the event filter thresholds.
type FilterConfig struct {
	MinLiquidity   *big.Int        `mapstructure:"min_liquidity"`
	MaxPriceImpact decimal.Decimal `mapstructure:"max_price_impact"`
	MinPriceDelta  decimal.Decimal `mapstructure:"min_price_delta"`
}

// ProfitConfig is passed through to opportunity evaluators.
type ProfitConfig struct {
	MinProfitWei *big.Int `mapstructure:"min_profit_wei"`
	MinProfitBps uint32   `mapstructure:"min_profit_bps"`
}

// FeatureConfig toggles the built-in protocols.
type FeatureConfig struct {
	UniswapV2 bool `mapstructure:"uniswap_v2"`
	UniswapV3 bool `mapstructure:"uniswap_v3"`
	SushiSwap bool `mapstructure:"sushiswap"`
	Camelot   bool `mapstructure:"camelot"`
	Aave      bool `mapstructure:"aave"`
}

// BackpressureConfig bounds the pipeline queue.
type BackpressureConfig struct {
	MaxQueueSize int                   `mapstructure:"max_queue_size"`
	DropStrategy pipeline.DropStrategy `mapstructure:"drop_strategy"`
}

// PipelineConfig tunes the pipeline loops.
type PipelineConfig struct {
	Window          time.Duration `mapstructure:"window"`
	EmitInterval    time.Duration `mapstructure:"emit_interval"`
	MetricsInterval time.Duration `mapstructure:"metrics_interval"`
	OutputBuffer    int           `mapstructure:"output_buffer"`
}

// ManifestConfig locates the per-chain pool manifest.
type ManifestConfig struct {
	Dir     string        `mapstructure:"dir"`
	ChainID uint64        `mapstructure:"chain_id"`
	MaxAge  time.Duration `mapstructure:"max_age"`
}

// BuilderConfig is the transaction builder policy.
type BuilderConfig struct {
	SlippageBps    uint32         `mapstructure:"slippage_bps"`
	TitheRecipient common.Address `mapstructure:"tithe_recipient"`
	TitheBps       uint16         `mapstructure:"tithe_bps"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled      bool           `mapstructure:"enabled"`
	HighPriority bool           `mapstructure:"high_priority"`
	Cooldown     time.Duration  `mapstructure:"cooldown"`
	Telegram     TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram bot used for alerts.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// MetricsConfig controls the prometheus scrape endpoint. An empty Listen
// disables it.
type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
	Path   string `mapstructure:"path"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("DEXARB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "dexarb")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("scheduler.prune_interval", "1h")
	v.SetDefault("scheduler.metrics_interval", "1m")
	v.SetDefault("scheduler.advisory_lock_key", int64(0x64657861))
	v.SetDefault("scheduler.startup_delay", "0s")

	retry := stream.DefaultRetryPolicy()
	v.SetDefault("stream.retry.max_attempts", retry.MaxAttempts)
	v.SetDefault("stream.retry.base_delay", retry.BaseDelay.String())
	v.SetDefault("stream.retry.max_delay", retry.MaxDelay.String())
	v.SetDefault("stream.retry.backoff_multiplier", retry.BackoffMultiplier)
	v.SetDefault("stream.handshake_timeout", "10s")
	v.SetDefault("stream.log_buffer", 1024)

	v.SetDefault("filter.min_liquidity", "0")
	v.SetDefault("filter.max_price_impact", "0.05")
	v.SetDefault("filter.min_price_delta", "0.001")

	v.SetDefault("profit.min_profit_wei", "0")
	v.SetDefault("profit.min_profit_bps", 10)

	v.SetDefault("features.uniswap_v2", true)
	v.SetDefault("features.uniswap_v3", true)
	v.SetDefault("features.sushiswap", true)
	v.SetDefault("features.camelot", true)
	v.SetDefault("features.aave", true)

	v.SetDefault("backpressure.max_queue_size", pipeline.DefaultMaxQueueSize)
	v.SetDefault("backpressure.drop_strategy", string(pipeline.DropOldest))
	v.SetDefault("debounce_window", "0s")

	v.SetDefault("pipeline.window", pipeline.DefaultWindow.String())
	v.SetDefault("pipeline.emit_interval", pipeline.DefaultEmitInterval.String())
	v.SetDefault("pipeline.metrics_interval", pipeline.DefaultMetricsInterval.String())
	v.SetDefault("pipeline.output_buffer", 256)

	v.SetDefault("manifest.dir", "data")
	v.SetDefault("manifest.chain_id", protocol.ChainArbitrum)
	v.SetDefault("manifest.max_age", protocol.DefaultPoolMaxAge.String())

	v.SetDefault("builder.slippage_bps", 50)
	v.SetDefault("builder.tithe_bps", 0)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.high_priority", false)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 10000)

	v.SetDefault("metrics.listen", "")
	v.SetDefault("metrics.path", "/metrics")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			stringToAddressHook(),
			toBigIntHook(),
			toDecimalHook(),
		)
	}
}

var (
	addressType = reflect.TypeOf(common.Address{})
	bigIntType  = reflect.TypeOf((*big.Int)(nil))
	decimalType = reflect.TypeOf(decimal.Decimal{})
)

func stringToAddressHook() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data interface{}) (interface{}, error) {
		if from.Kind() != reflect.String || to != addressType {
			return data, nil
		}
		s := strings.TrimSpace(data.(string))
		if s == "" {
			return common.Address{}, nil
		}
		if !common.IsHexAddress(s) {
			return nil, fmt.Errorf("invalid address %q", s)
		}
		return common.HexToAddress(s), nil
	}
}

func toBigIntHook() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data interface{}) (interface{}, error) {
		if to != bigIntType {
			return data, nil
		}
		switch from.Kind() {
		case reflect.String:
			s := strings.TrimSpace(data.(string))
			if s == "" {
				return (*big.Int)(nil), nil
			}
			v, ok := new(big.Int).SetString(s, 0)
			if !ok {
				return nil, fmt.Errorf("invalid integer %q", s)
			}
			return v, nil
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return big.NewInt(reflect.ValueOf(data).Int()), nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return new(big.Int).SetUint64(reflect.ValueOf(data).Uint()), nil
		}
		return data, nil
	}
}

func toDecimalHook() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data interface{}) (interface{}, error) {
		if to != decimalType {
			return data, nil
		}
		switch from.Kind() {
		case reflect.String:
			return decimal.NewFromString(strings.TrimSpace(data.(string)))
		case reflect.Float32, reflect.Float64:
			return decimal.NewFromFloat(reflect.ValueOf(data).Float()), nil
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return decimal.NewFromInt(reflect.ValueOf(data).Int()), nil
		}
		return data, nil
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if err := c.Stream.Retry.Validate(); err != nil {
		return fmt.Errorf("stream.retry: %w", err)
	}
	for i, ep := range c.Stream.Endpoints {
		if ep.URL == "" {
			return fmt.Errorf("stream.endpoints[%d].url must be set", i)
		}
	}
	if err := c.PipelineOptions().Validate(); err != nil {
		return err
	}
	if c.Filter.MaxPriceImpact.IsNegative() {
		return fmt.Errorf("filter.max_price_impact cannot be negative")
	}
	if c.Backpressure.MaxQueueSize <= 0 {
		return fmt.Errorf("backpressure.max_queue_size must be greater than zero")
	}
	if c.Builder.SlippageBps > 10_000 {
		return fmt.Errorf("builder.slippage_bps must be within [0, 10000]")
	}
	if c.Builder.TitheBps > 10_000 {
		return fmt.Errorf("builder.tithe_bps must be within [0, 10000]")
	}
	if c.Manifest.ChainID == 0 {
		return fmt.Errorf("manifest.chain_id must be set")
	}
	if c.Manifest.MaxAge <= 0 {
		return fmt.Errorf("manifest.max_age must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.PruneInterval <= 0 || c.Scheduler.MetricsInterval <= 0 {
		return fmt.Errorf("scheduler intervals must be greater than zero")
	}
	if c.Metrics.Path != "" && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}
	for i, p := range c.Pools {
		if p.Address == (common.Address{}) {
			return fmt.Errorf("pools[%d].address must be set", i)
		}
		if p.Fee > protocol.MaxFee {
			return fmt.Errorf("pools[%d].fee exceeds uint24", i)
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token must be set")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id must be set")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// StreamOptions maps the stream section onto manager options.
func (c *Config) StreamOptions() stream.Options {
	return stream.Options{
		Endpoints: c.Stream.Endpoints,
		Retry:     c.Stream.Retry,
		LogBuffer: c.Stream.LogBuffer,
	}
}

// PipelineOptions maps filter, backpressure and pipeline settings.
func (c *Config) PipelineOptions() pipeline.Options {
	return pipeline.Options{
		MinLiquidity:    c.Filter.MinLiquidity,
		MaxPriceImpact:  c.Filter.MaxPriceImpact,
		MinPriceDelta:   c.Filter.MinPriceDelta,
		MaxQueueSize:    c.Backpressure.MaxQueueSize,
		DropStrategy:    c.Backpressure.DropStrategy,
		DebounceWindow:  c.DebounceWindow,
		Window:          c.Pipeline.Window,
		EmitInterval:    c.Pipeline.EmitInterval,
		MetricsInterval: c.Pipeline.MetricsInterval,
		OutputBuffer:    c.Pipeline.OutputBuffer,
	}
}

// EnabledProtocols maps feature toggles to registry protocol names.
func (c *Config) EnabledProtocols() map[string]bool {
	return map[string]bool{
		protocol.UniswapV2: c.Features.UniswapV2,
		protocol.UniswapV3: c.Features.UniswapV3,
		protocol.SushiSwap: c.Features.SushiSwap,
		protocol.Camelot:   c.Features.Camelot,
		protocol.AaveV3:    c.Features.Aave,
	}
}

// Registry builds the protocol registry honouring feature toggles.
func (c *Config) Registry() *protocol.Registry {
	return protocol.EnabledRegistry(c.EnabledProtocols())
}

// BuilderConfig returns the builder policy bound to reg.
func (c *Config) BuilderConfig(reg *protocol.Registry) builder.Config {
	return builder.Config{
		SlippageBps:    c.Builder.SlippageBps,
		TitheRecipient: c.Builder.TitheRecipient,
		TitheBps:       c.Builder.TitheBps,
		Registry:       reg,
	}
}
