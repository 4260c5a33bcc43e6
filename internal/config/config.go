package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	CLOB      CLOBConfig      `yaml:"clob"`
	Gamma     GammaConfig     `yaml:"gamma"`
	WS        WSConfig        `yaml:"ws"`
	State     StateConfig     `yaml:"state"`
	Market    MarketConfig    `yaml:"market"`
	Quoting   QuotingConfig   `yaml:"quoting"`
	Inventory InventoryConfig `yaml:"inventory"`
	Risk      RiskConfig      `yaml:"risk"`
	Redeem    RedeemConfig    `yaml:"redeem"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Timescale TimescaleConfig `yaml:"timescale"`
	Telegram  TelegramConfig  `yaml:"telegram"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type CLOBConfig struct {
	BaseURL   string        `yaml:"base_url"`
	Timeout   time.Duration `yaml:"timeout"`
	RateLimit float64       `yaml:"rate_limit"`
	RateBurst int           `yaml:"rate_burst"`
	ChainID   int           `yaml:"chain_id"`
}

type GammaConfig struct {
	BaseURL  string        `yaml:"base_url"`
	Timeout  time.Duration `yaml:"timeout"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

type WSConfig struct {
	URL            string        `yaml:"url"`
	ConnectBackoff time.Duration `yaml:"connect_backoff"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	ReconnectWait  time.Duration `yaml:"reconnect_wait"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type MarketConfig struct {
	ID string `yaml:"id"`
}

type QuotingConfig struct {
	BaseSpreadBPS       int           `yaml:"base_spread_bps"`
	MinSpreadBPS        int           `yaml:"min_spread_bps"`
	MaxSpreadBPS        int           `yaml:"max_spread_bps"`
	TickSize            float64       `yaml:"tick_size"`
	RefreshInterval     time.Duration `yaml:"refresh_interval"`
	OrderLifetime       time.Duration `yaml:"order_lifetime"`
	DefaultSizeUSD      float64       `yaml:"default_size_usd"`
	PriceToleranceBPS   float64       `yaml:"price_tolerance_bps"`
	VolThreshold        float64       `yaml:"vol_threshold"`
	VolMaxMultiplier    float64       `yaml:"vol_max_multiplier"`
	SkewSensitivity     float64       `yaml:"skew_sensitivity"`
	ErrBackoff          time.Duration `yaml:"err_backoff"`
	ShutdownCancelGrace time.Duration `yaml:"shutdown_cancel_grace"`
}

type InventoryConfig struct {
	MaxExposureUSD float64 `yaml:"max_exposure_usd"`
	MinExposureUSD float64 `yaml:"min_exposure_usd"`
	TargetBalance  float64 `yaml:"target_balance"`
}

type RiskConfig struct {
	MaxPositionSizeUSD float64 `yaml:"max_position_size_usd"`
	SkewLimit          float64 `yaml:"skew_limit"`
	StopLossPct        float64 `yaml:"stop_loss_pct"`
	HedgeThreshold     float64 `yaml:"hedge_threshold"`
}

type RedeemConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Interval     time.Duration `yaml:"interval"`
	ThresholdUSD float64       `yaml:"threshold_usd"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.CLOB.BaseURL == "" {
		cfg.CLOB.BaseURL = "https://clob.polymarket.com"
	}
	if cfg.CLOB.Timeout == 0 {
		cfg.CLOB.Timeout = 10 * time.Second
	}
	if cfg.CLOB.RateLimit == 0 {
		cfg.CLOB.RateLimit = 10
	}
	if cfg.CLOB.RateBurst == 0 {
		cfg.CLOB.RateBurst = 20
	}
	if cfg.CLOB.ChainID == 0 {
		cfg.CLOB.ChainID = 137
	}
	if cfg.Gamma.BaseURL == "" {
		cfg.Gamma.BaseURL = "https://gamma-api.polymarket.com"
	}
	if cfg.Gamma.Timeout == 0 {
		cfg.Gamma.Timeout = 10 * time.Second
	}
	if cfg.Gamma.CacheTTL == 0 {
		cfg.Gamma.CacheTTL = 5 * time.Second
	}
	if cfg.WS.URL == "" {
		cfg.WS.URL = "wss://ws-subscriptions-clob.polymarket.com/ws/market"
	}
	if cfg.WS.ConnectBackoff == 0 {
		cfg.WS.ConnectBackoff = 5 * time.Second
	}
	if cfg.WS.ReadTimeout == 0 {
		cfg.WS.ReadTimeout = 30 * time.Second
	}
	if cfg.WS.ReconnectWait == 0 {
		cfg.WS.ReconnectWait = 2 * time.Second
	}
	if cfg.WS.PingInterval == 0 {
		cfg.WS.PingInterval = 20 * time.Second
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/pm-spread-bot.db"
	}
	if cfg.Quoting.BaseSpreadBPS == 0 {
		cfg.Quoting.BaseSpreadBPS = 10
	}
	if cfg.Quoting.MinSpreadBPS == 0 {
		cfg.Quoting.MinSpreadBPS = 5
	}
	if cfg.Quoting.MaxSpreadBPS == 0 {
		cfg.Quoting.MaxSpreadBPS = 500
	}
	if cfg.Quoting.TickSize == 0 {
		cfg.Quoting.TickSize = 0.001
	}
	if cfg.Quoting.RefreshInterval == 0 {
		cfg.Quoting.RefreshInterval = time.Second
	}
	if cfg.Quoting.OrderLifetime == 0 {
		cfg.Quoting.OrderLifetime = 3 * time.Second
	}
	if cfg.Quoting.DefaultSizeUSD == 0 {
		cfg.Quoting.DefaultSizeUSD = 100
	}
	if cfg.Quoting.PriceToleranceBPS == 0 {
		cfg.Quoting.PriceToleranceBPS = 10
	}
	if cfg.Quoting.VolThreshold == 0 {
		cfg.Quoting.VolThreshold = 0.3
	}
	if cfg.Quoting.VolMaxMultiplier == 0 {
		cfg.Quoting.VolMaxMultiplier = 4.0
	}
	if cfg.Quoting.SkewSensitivity == 0 {
		cfg.Quoting.SkewSensitivity = 0.005
	}
	if cfg.Quoting.ErrBackoff == 0 {
		cfg.Quoting.ErrBackoff = 2 * time.Second
	}
	if cfg.Quoting.ShutdownCancelGrace == 0 {
		cfg.Quoting.ShutdownCancelGrace = 5 * time.Second
	}
	if cfg.Inventory.MaxExposureUSD == 0 {
		cfg.Inventory.MaxExposureUSD = 10000
	}
	if cfg.Inventory.MinExposureUSD == 0 {
		cfg.Inventory.MinExposureUSD = -10000
	}
	if cfg.Risk.MaxPositionSizeUSD == 0 {
		cfg.Risk.MaxPositionSizeUSD = 5000
	}
	if cfg.Risk.SkewLimit == 0 {
		cfg.Risk.SkewLimit = 0.3
	}
	if cfg.Risk.StopLossPct == 0 {
		cfg.Risk.StopLossPct = 10
	}
	if cfg.Risk.HedgeThreshold == 0 {
		cfg.Risk.HedgeThreshold = 0.8
	}
	if cfg.Redeem.Interval == 0 {
		cfg.Redeem.Interval = 5 * time.Minute
	}
	if cfg.Redeem.ThresholdUSD == 0 {
		cfg.Redeem.ThresholdUSD = 1
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9305"
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Timescale.QueueSize == 0 {
		cfg.Timescale.QueueSize = 256
	}
}

func validate(cfg *Config) error {
	if cfg.Market.ID == "" {
		return errors.New("market.id is required")
	}
	if cfg.Quoting.MinSpreadBPS > cfg.Quoting.MaxSpreadBPS {
		return errors.New("quoting.min_spread_bps exceeds quoting.max_spread_bps")
	}
	if cfg.Quoting.BaseSpreadBPS < cfg.Quoting.MinSpreadBPS || cfg.Quoting.BaseSpreadBPS > cfg.Quoting.MaxSpreadBPS {
		return errors.New("quoting.base_spread_bps outside [min_spread_bps, max_spread_bps]")
	}
	if cfg.Quoting.TickSize <= 0 || cfg.Quoting.TickSize >= 1 {
		return errors.New("quoting.tick_size must be in (0, 1)")
	}
	if cfg.Inventory.MaxExposureUSD <= cfg.Inventory.MinExposureUSD {
		return errors.New("inventory.max_exposure_usd must exceed inventory.min_exposure_usd")
	}
	if cfg.Risk.StopLossPct <= 0 {
		return errors.New("risk.stop_loss_pct must be > 0")
	}
	if cfg.Timescale.Enabled && cfg.Timescale.DSN == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	return nil
}
