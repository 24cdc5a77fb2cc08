package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// EngineConfig carries the economy constants shared by the API and the worker.
// Money values are in coins, rates are fractions (0.01 = 1%).
type EngineConfig struct {
	StartingBalance float64 `env:"REALM_STARTING_BALANCE" envDefault:"100"`
	SavingsCap      float64 `env:"REALM_SAVINGS_CAP" envDefault:"10000"`
	MaxBalance      float64 `env:"REALM_MAX_BALANCE" envDefault:"0"`
	TransferFeeRate float64 `env:"REALM_TRANSFER_FEE_RATE" envDefault:"0.01"`
	TradeFeeRate    float64 `env:"REALM_TRADE_FEE_RATE" envDefault:"0.005"`
	InterestRate    float64 `env:"REALM_INTEREST_RATE" envDefault:"0.001"`
	MaxTaxRate      float64 `env:"REALM_MAX_TAX_RATE" envDefault:"0.5"`
	FeeSink         string  `env:"REALM_FEE_SINK" envDefault:"system:fees"`

	OrderTTL         time.Duration `env:"REALM_ORDER_TTL" envDefault:"72h"`
	PriceFloor       float64       `env:"REALM_PRICE_FLOOR" envDefault:"0.01"`
	QuotePressure    float64       `env:"REALM_QUOTE_PRESSURE" envDefault:"0.001"`
	MarginBuy        float64       `env:"REALM_MARGIN_BUY" envDefault:"0.05"`
	MarginSell       float64       `env:"REALM_MARGIN_SELL" envDefault:"0.05"`
	DriftFactor      float64       `env:"REALM_PRICE_DRIFT" envDefault:"0.25"`
	CounterDecay     float64       `env:"REALM_COUNTER_DECAY" envDefault:"0.1"`
	FillWeight       float64       `env:"REALM_FILL_WEIGHT" envDefault:"0.1"`
	MaxPriceMultiple float64       `env:"REALM_MAX_PRICE_MULTIPLE" envDefault:"10"`

	BaseSalary         float64 `env:"REALM_BASE_SALARY" envDefault:"5"`
	EfficiencyDecay    int32   `env:"REALM_EFFICIENCY_DECAY" envDefault:"10"`
	EfficiencyRecovery int32   `env:"REALM_EFFICIENCY_RECOVERY" envDefault:"5"`
	SuspendThreshold   int32   `env:"REALM_SUSPEND_THRESHOLD" envDefault:"30"`

	CatalogPath string `env:"REALM_CATALOG_PATH"`
}

// ScheduleConfig holds the tick periods.
type ScheduleConfig struct {
	RepriceEvery  time.Duration `env:"REALM_REPRICE_EVERY" envDefault:"1h"`
	MatchEvery    time.Duration `env:"REALM_MATCH_EVERY" envDefault:"1m"`
	ExpireEvery   time.Duration `env:"REALM_EXPIRE_EVERY" envDefault:"5m"`
	ProduceEvery  time.Duration `env:"REALM_PRODUCE_EVERY" envDefault:"1h"`
	PayrollEvery  time.Duration `env:"REALM_PAYROLL_EVERY" envDefault:"24h"`
	TaxEvery      time.Duration `env:"REALM_TAX_EVERY" envDefault:"24h"`
	InterestEvery time.Duration `env:"REALM_INTEREST_EVERY" envDefault:"24h"`
}

type DBConfig struct {
	URL      string `env:"DATABASE_URL"`
	MaxConns int32  `env:"REALM_DB_MAX_CONNS" envDefault:"20"`
	MinConns int32  `env:"REALM_DB_MIN_CONNS" envDefault:"2"`
	Migrate  bool   `env:"REALM_DB_MIGRATE" envDefault:"true"`
}

type APIConfig struct {
	Addr           string        `env:"REALM_API_ADDR" envDefault:":8080"`
	Port           string        `env:"PORT"`
	StoreKind      string        `env:"REALM_STORE" envDefault:"postgres"`
	ServiceToken   string        `env:"REALM_SERVICE_TOKEN"`
	RequestTimeout time.Duration `env:"REALM_REQUEST_TIMEOUT" envDefault:"15s"`
	CacheSize      int           `env:"REALM_CACHE_SIZE" envDefault:"4096"`
	CacheTTL       time.Duration `env:"REALM_CACHE_TTL" envDefault:"30s"`

	DB     DBConfig
	Engine EngineConfig
}

type WorkerConfig struct {
	MetricsAddr string `env:"REALM_METRICS_ADDR" envDefault:":9090"`
	RunOnce     bool   `env:"REALM_WORKER_RUN_ONCE" envDefault:"false"`
	// Jobs restricts a run-once pass to these jobs; empty means every job.
	Jobs []string `env:"REALM_WORKER_JOBS" envSeparator:","`

	DB       DBConfig
	Engine   EngineConfig
	Schedule ScheduleConfig
}

type CLIConfig struct {
	APIBaseURL string `env:"REALMCTL_API_URL" envDefault:"http://localhost:8080"`
	Token      string `env:"REALM_SERVICE_TOKEN"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func LoadAPIFromEnv() (APIConfig, error) {
	var cfg APIConfig
	if err := ParseEnv(&cfg); err != nil {
		return cfg, err
	}
	if p := strings.TrimSpace(cfg.Port); p != "" {
		if !strings.HasPrefix(p, ":") {
			p = ":" + p
		}
		cfg.Addr = p
	}
	cfg.StoreKind = strings.ToLower(strings.TrimSpace(cfg.StoreKind))
	cfg.ServiceToken = strings.TrimSpace(cfg.ServiceToken)
	if cfg.ServiceToken == "" {
		return cfg, fmt.Errorf("REALM_SERVICE_TOKEN is required")
	}
	if err := validateStore(cfg.StoreKind, cfg.DB); err != nil {
		return cfg, err
	}
	if cfg.CacheSize <= 0 {
		return cfg, fmt.Errorf("REALM_CACHE_SIZE must be > 0")
	}
	return cfg, cfg.Engine.Validate()
}

func LoadWorkerFromEnv() (WorkerConfig, error) {
	var cfg WorkerConfig
	if err := ParseEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := validateStore("postgres", cfg.DB); err != nil {
		return cfg, err
	}
	if err := cfg.Schedule.Validate(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Engine.Validate()
}

func LoadCLIFromEnv() (CLIConfig, error) {
	var cfg CLIConfig
	if err := ParseEnv(&cfg); err != nil {
		return cfg, err
	}
	cfg.APIBaseURL = strings.TrimRight(strings.TrimSpace(cfg.APIBaseURL), "/")
	return cfg, nil
}

func validateStore(kind string, db DBConfig) error {
	switch kind {
	case "memory":
		return nil
	case "postgres":
		if strings.TrimSpace(db.URL) == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}
		if db.MaxConns < 1 || db.MinConns < 0 || db.MinConns > db.MaxConns {
			return fmt.Errorf("invalid pool size: min=%d max=%d", db.MinConns, db.MaxConns)
		}
		return nil
	default:
		return fmt.Errorf("REALM_STORE must be postgres or memory, got %q", kind)
	}
}

// Validate rejects constants that would break money or price invariants.
func (c EngineConfig) Validate() error {
	rates := map[string]float64{
		"REALM_TRANSFER_FEE_RATE": c.TransferFeeRate,
		"REALM_TRADE_FEE_RATE":    c.TradeFeeRate,
		"REALM_INTEREST_RATE":     c.InterestRate,
		"REALM_MAX_TAX_RATE":      c.MaxTaxRate,
		"REALM_MARGIN_SELL":       c.MarginSell,
		"REALM_PRICE_DRIFT":       c.DriftFactor,
		"REALM_COUNTER_DECAY":     c.CounterDecay,
		"REALM_FILL_WEIGHT":       c.FillWeight,
	}
	for key, v := range rates {
		if v < 0 || v >= 1 {
			return fmt.Errorf("%s must be within [0,1), got %v", key, v)
		}
	}
	if c.MarginBuy <= 0 || c.MarginBuy >= 1 {
		return fmt.Errorf("REALM_MARGIN_BUY must be within (0,1), got %v", c.MarginBuy)
	}
	if c.PriceFloor <= 0 {
		return fmt.Errorf("REALM_PRICE_FLOOR must be > 0")
	}
	if c.MaxPriceMultiple < 1 {
		return fmt.Errorf("REALM_MAX_PRICE_MULTIPLE must be >= 1")
	}
	if c.StartingBalance < 0 || c.SavingsCap < 0 || c.MaxBalance < 0 || c.BaseSalary < 0 || c.QuotePressure < 0 {
		return fmt.Errorf("money constants must not be negative")
	}
	if c.OrderTTL <= 0 {
		return fmt.Errorf("REALM_ORDER_TTL must be > 0")
	}
	if c.SuspendThreshold < 0 || c.SuspendThreshold > 100 || c.EfficiencyDecay < 0 || c.EfficiencyRecovery < 0 {
		return fmt.Errorf("efficiency settings must be within 0..100")
	}
	if !strings.HasPrefix(c.FeeSink, "system:") || len(c.FeeSink) == len("system:") {
		return fmt.Errorf("REALM_FEE_SINK must be a system: id, got %q", c.FeeSink)
	}
	return nil
}

func (s ScheduleConfig) Validate() error {
	periods := []struct {
		key string
		v   time.Duration
	}{
		{"REALM_REPRICE_EVERY", s.RepriceEvery},
		{"REALM_MATCH_EVERY", s.MatchEvery},
		{"REALM_EXPIRE_EVERY", s.ExpireEvery},
		{"REALM_PRODUCE_EVERY", s.ProduceEvery},
		{"REALM_PAYROLL_EVERY", s.PayrollEvery},
		{"REALM_TAX_EVERY", s.TaxEvery},
		{"REALM_INTEREST_EVERY", s.InterestEvery},
	}
	for _, p := range periods {
		if p.v < time.Second {
			return fmt.Errorf("%s must be at least 1s, got %s", p.key, p.v)
		}
	}
	return nil
}

// Defaults returns the engine constants as parsed from an empty environment.
func Defaults() EngineConfig {
	var cfg EngineConfig
	_ = env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{}})
	return cfg
}

// DefaultSchedule returns the tick periods as parsed from an empty environment.
func DefaultSchedule() ScheduleConfig {
	var cfg ScheduleConfig
	_ = env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{}})
	return cfg
}
