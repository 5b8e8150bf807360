package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Bybit struct {
		APIKey       string `yaml:"api_key"`
		APISecret    string `yaml:"api_secret"`
		RESTEndpoint string `yaml:"rest_endpoint"`
		WSEndpoint   string `yaml:"ws_endpoint"`
	} `yaml:"bybit"`

	Trading struct {
		Symbols           []string  `yaml:"symbols"`
		MinLiquidationUSD float64   `yaml:"min_liquidation_usd"`
		MaxPositions      int       `yaml:"max_positions"`
		OrderUSD          float64   `yaml:"order_usd"`
		Leverage          int       `yaml:"leverage"`
		MinPctOfBalance   float64   `yaml:"min_pct_of_balance"`
		Splits            []float64 `yaml:"splits"` // ascending, sums to 1.0
		PassiveEntry      bool      `yaml:"passive_entry"`
		SettleWindow      int       `yaml:"settle_window_sec"`
		RiskPctOfBalance  float64   `yaml:"risk_pct_of_balance"`
		ATRStopMult       float64   `yaml:"atr_stop_mult"`
		ATRTrailingMult   float64   `yaml:"atr_trailing_mult"`
		FallbackTPPct     float64   `yaml:"fallback_tp_pct"`
		MinProfitPct      float64   `yaml:"min_profit_pct"`
		FeeBufferPct      float64   `yaml:"fee_buffer_pct"`
		DCABandStdDevs    float64   `yaml:"dca_band_stddevs"`
		MinImprovementPct float64   `yaml:"min_improvement_pct"`
	} `yaml:"trading"`

	Reconcile struct {
		IntervalSec         int `yaml:"interval_sec"`
		GraceSec            int `yaml:"grace_sec"`
		DedupSec            int `yaml:"dedup_sec"`
		BackfillIntervalSec int `yaml:"backfill_interval_sec"`
		MatchAttempts       int `yaml:"match_attempts"`
		MatchDelaySec       int `yaml:"match_delay_sec"`
		ProtectionGraceSec  int `yaml:"protection_grace_sec"`
	} `yaml:"reconcile"`

	Storage struct {
		DBPath      string `yaml:"db_path"`
		SnapshotDir string `yaml:"snapshot_dir"`
	} `yaml:"storage"`

	Logging struct {
		Level    string `yaml:"level"`
		TradeLog string `yaml:"trade_log"`
	} `yaml:"logging"`

	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`
}

// Load reads the yaml config and overlays credentials from the environment
// (optionally seeded from a .env file).
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}

	// .env is optional; real env vars win either way.
	_ = godotenv.Load()
	if v := os.Getenv("BYBIT_API_KEY"); v != "" {
		cfg.Bybit.APIKey = v
	}
	if v := os.Getenv("BYBIT_API_SECRET"); v != "" {
		cfg.Bybit.APISecret = v
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Bybit.RESTEndpoint == "" {
		c.Bybit.RESTEndpoint = "https://api.bybit.com"
	}
	if c.Bybit.WSEndpoint == "" {
		c.Bybit.WSEndpoint = "wss://stream.bybit.com/v5/public/linear"
	}
	if c.Trading.MaxPositions == 0 {
		c.Trading.MaxPositions = 5
	}
	if c.Trading.Leverage == 0 {
		c.Trading.Leverage = 10
	}
	if len(c.Trading.Splits) == 0 {
		c.Trading.Splits = []float64{0.1, 0.15, 0.25, 0.5}
	}
	if c.Trading.SettleWindow == 0 {
		c.Trading.SettleWindow = 5
	}
	if c.Trading.RiskPctOfBalance == 0 {
		c.Trading.RiskPctOfBalance = 0.02
	}
	if c.Trading.ATRStopMult == 0 {
		c.Trading.ATRStopMult = 2.0
	}
	if c.Trading.ATRTrailingMult == 0 {
		c.Trading.ATRTrailingMult = 1.5
	}
	if c.Trading.FallbackTPPct == 0 {
		c.Trading.FallbackTPPct = 0.01
	}
	if c.Trading.MinProfitPct == 0 {
		c.Trading.MinProfitPct = 0.003
	}
	if c.Trading.FeeBufferPct == 0 {
		c.Trading.FeeBufferPct = 0.0012 // taker round trip
	}
	if c.Trading.DCABandStdDevs == 0 {
		c.Trading.DCABandStdDevs = 1.0
	}
	if c.Trading.MinImprovementPct == 0 {
		c.Trading.MinImprovementPct = 0.005
	}
	if c.Reconcile.IntervalSec == 0 {
		c.Reconcile.IntervalSec = 5
	}
	if c.Reconcile.GraceSec == 0 {
		c.Reconcile.GraceSec = 15
	}
	if c.Reconcile.DedupSec == 0 {
		c.Reconcile.DedupSec = 10
	}
	if c.Reconcile.BackfillIntervalSec == 0 {
		c.Reconcile.BackfillIntervalSec = 600
	}
	if c.Reconcile.MatchAttempts == 0 {
		c.Reconcile.MatchAttempts = 5
	}
	if c.Reconcile.MatchDelaySec == 0 {
		c.Reconcile.MatchDelaySec = 3
	}
	if c.Reconcile.ProtectionGraceSec == 0 {
		c.Reconcile.ProtectionGraceSec = 10
	}
	if c.Storage.DBPath == "" {
		c.Storage.DBPath = "bot.db"
	}
	if c.Storage.SnapshotDir == "" {
		c.Storage.SnapshotDir = "state"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
}

func (c *Config) validate() error {
	if c.Trading.MinLiquidationUSD <= 0 {
		return fmt.Errorf("trading.min_liquidation_usd must be positive")
	}
	if c.Trading.OrderUSD <= 0 {
		return fmt.Errorf("trading.order_usd must be positive")
	}
	var sum float64
	for i, s := range c.Trading.Splits {
		if s <= 0 {
			return fmt.Errorf("trading.splits[%d] must be positive", i)
		}
		if i > 0 && s < c.Trading.Splits[i-1] {
			return fmt.Errorf("trading.splits must be ascending")
		}
		sum += s
	}
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("trading.splits must sum to 1.0, got %f", sum)
	}
	return nil
}

func (c *Config) SettleWindowDuration() time.Duration {
	return time.Duration(c.Trading.SettleWindow) * time.Second
}
