package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // TIMEZONE must resolve on hosts without zoneinfo

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"execution-core/pkg/secrets"
)

var ErrInvalid = errors.New("invalid configuration")

// Config holds settings for the execution core. Values come from defaults,
// then an optional YAML file named by CONFIG_FILE, then the environment
// (optionally via .env).
type Config struct {
	Mode string

	// Accounting
	StartingCapital   decimal.Decimal
	FeeRate           decimal.Decimal // fraction, e.g. 0.001 = 10 bps
	SlippagePct       decimal.Decimal
	MinConditionalQty decimal.Decimal
	QtyPrecision      int32

	// Risk limits
	MaxTradePct          decimal.Decimal
	MaxPositions         int
	MaxDailyTrades       int
	MaxDailyLossPct      decimal.Decimal
	MaxDrawdownPct       decimal.Decimal
	RollbackThreshold    int
	ResetLossStreakDaily bool
	Timezone             string
	Location             *time.Location

	// Database
	DBPath        string
	DBBusyTimeout time.Duration

	// Loops
	ScanInterval      time.Duration
	MonitorInterval   time.Duration
	PollInterval      time.Duration
	ReconcileInterval time.Duration
	FillTimeout       time.Duration
	FillPollInterval  time.Duration

	// Outbound gateway
	GatewayMaxRetries int
	GatewayBackoff    time.Duration
	GatewayRateLimit  float64 // requests per second
	GatewayBurst      int
	QuoteCacheTTL     time.Duration

	// HTTP / auth
	Port                 string
	JWTSecret            string
	OperatorPasswordHash string

	// Strategy
	SignalsDir string
	Symbols    []string

	LogLevel  string
	LogFormat string

	// Alpaca
	AlpacaAPIKey    string
	AlpacaAPISecret string
	AlpacaBaseURL   string
}

var defaults = map[string]any{
	"TRADING_MODE":            "paper",
	"STARTING_CAPITAL":        "10000",
	"FEE_RATE":                "0.001",
	"SLIPPAGE_PCT":            "0.0005",
	"MIN_CONDITIONAL_QTY":     "0.00001",
	"QTY_PRECISION":           8,
	"MAX_TRADE_PCT":           "0.1",
	"MAX_POSITIONS":           5,
	"MAX_DAILY_TRADES":        20,
	"MAX_DAILY_LOSS_PCT":      "0.05",
	"MAX_DRAWDOWN_PCT":        "0.15",
	"ROLLBACK_THRESHOLD":      3,
	"RESET_LOSS_STREAK_DAILY": false,
	"TIMEZONE":                "UTC",
	"DB_PATH":                 "./data/execution.db",
	"DB_BUSY_TIMEOUT":         "5s",
	"SCAN_INTERVAL":           "1m",
	"MONITOR_INTERVAL":        "15s",
	"POLL_INTERVAL":           "10s",
	"RECONCILE_INTERVAL":      "5m",
	"FILL_TIMEOUT":            "30s",
	"FILL_POLL_INTERVAL":      "500ms",
	"GATEWAY_MAX_RETRIES":     3,
	"GATEWAY_BACKOFF":         "500ms",
	"GATEWAY_RATE_LIMIT":      3.0,
	"GATEWAY_BURST":           5,
	"QUOTE_CACHE_TTL":         "2s",
	"PORT":                    "8080",
	"JWT_SECRET":              "",
	"OPERATOR_PASSWORD_HASH":  "",
	"SIGNALS_DIR":             "./data/signals",
	"SYMBOLS":                 "BTC/USD",
	"LOG_LEVEL":               "info",
	"LOG_FORMAT":              "json",
	"APCA_API_KEY_ID":         "",
	"APCA_API_SECRET_KEY":     "",
	"APCA_API_BASE_URL":       "",
}

// Load reads the configuration and validates it.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()

	if path := v.GetString("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}
	return FromViper(v)
}

// FromViper builds a validated Config from an already populated viper
// instance. Keys are the upper-case environment names.
func FromViper(v *viper.Viper) (*Config, error) {
	for k, val := range defaults {
		if !v.IsSet(k) {
			v.SetDefault(k, val)
		}
	}

	var errs []error
	dec := func(key string) decimal.Decimal {
		d, err := decimal.NewFromString(strings.TrimSpace(v.GetString(key)))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return d
	}

	cfg := &Config{
		Mode:                 strings.ToLower(strings.TrimSpace(v.GetString("TRADING_MODE"))),
		StartingCapital:      dec("STARTING_CAPITAL"),
		FeeRate:              dec("FEE_RATE"),
		SlippagePct:          dec("SLIPPAGE_PCT"),
		MinConditionalQty:    dec("MIN_CONDITIONAL_QTY"),
		QtyPrecision:         v.GetInt32("QTY_PRECISION"),
		MaxTradePct:          dec("MAX_TRADE_PCT"),
		MaxPositions:         v.GetInt("MAX_POSITIONS"),
		MaxDailyTrades:       v.GetInt("MAX_DAILY_TRADES"),
		MaxDailyLossPct:      dec("MAX_DAILY_LOSS_PCT"),
		MaxDrawdownPct:       dec("MAX_DRAWDOWN_PCT"),
		RollbackThreshold:    v.GetInt("ROLLBACK_THRESHOLD"),
		ResetLossStreakDaily: v.GetBool("RESET_LOSS_STREAK_DAILY"),
		Timezone:             strings.TrimSpace(v.GetString("TIMEZONE")),
		DBPath:               v.GetString("DB_PATH"),
		DBBusyTimeout:        v.GetDuration("DB_BUSY_TIMEOUT"),
		ScanInterval:         v.GetDuration("SCAN_INTERVAL"),
		MonitorInterval:      v.GetDuration("MONITOR_INTERVAL"),
		PollInterval:         v.GetDuration("POLL_INTERVAL"),
		ReconcileInterval:    v.GetDuration("RECONCILE_INTERVAL"),
		FillTimeout:          v.GetDuration("FILL_TIMEOUT"),
		FillPollInterval:     v.GetDuration("FILL_POLL_INTERVAL"),
		GatewayMaxRetries:    v.GetInt("GATEWAY_MAX_RETRIES"),
		GatewayBackoff:       v.GetDuration("GATEWAY_BACKOFF"),
		GatewayRateLimit:     v.GetFloat64("GATEWAY_RATE_LIMIT"),
		GatewayBurst:         v.GetInt("GATEWAY_BURST"),
		QuoteCacheTTL:        v.GetDuration("QUOTE_CACHE_TTL"),
		Port:                 v.GetString("PORT"),
		JWTSecret:            v.GetString("JWT_SECRET"),
		OperatorPasswordHash: v.GetString("OPERATOR_PASSWORD_HASH"),
		SignalsDir:           v.GetString("SIGNALS_DIR"),
		Symbols:              symbols(v.Get("SYMBOLS")),
		LogLevel:             strings.ToLower(v.GetString("LOG_LEVEL")),
		LogFormat:            strings.ToLower(v.GetString("LOG_FORMAT")),
		AlpacaAPIKey:         v.GetString("APCA_API_KEY_ID"),
		AlpacaAPISecret:      v.GetString("APCA_API_SECRET_KEY"),
		AlpacaBaseURL:        v.GetString("APCA_API_BASE_URL"),
	}
	if err := cfg.reveal(v); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects impossible limits and resolves the timezone.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }
	one := decimal.NewFromInt(1)

	if c.Mode != "paper" && c.Mode != "live" {
		bad("TRADING_MODE must be paper or live, got %q", c.Mode)
	}
	if !c.StartingCapital.IsPositive() {
		bad("STARTING_CAPITAL must be positive")
	}
	for name, d := range map[string]decimal.Decimal{"FEE_RATE": c.FeeRate, "SLIPPAGE_PCT": c.SlippagePct} {
		if d.IsNegative() || d.GreaterThanOrEqual(one) {
			bad("%s must be in [0,1), got %s", name, d)
		}
	}
	for name, d := range map[string]decimal.Decimal{
		"MAX_TRADE_PCT":      c.MaxTradePct,
		"MAX_DAILY_LOSS_PCT": c.MaxDailyLossPct,
		"MAX_DRAWDOWN_PCT":   c.MaxDrawdownPct,
	} {
		if !d.IsPositive() || d.GreaterThan(one) {
			bad("%s must be in (0,1], got %s", name, d)
		}
	}
	if c.MinConditionalQty.IsNegative() {
		bad("MIN_CONDITIONAL_QTY must not be negative")
	}
	if c.QtyPrecision < 0 || c.QtyPrecision > 18 {
		bad("QTY_PRECISION must be between 0 and 18")
	}
	for name, n := range map[string]int{
		"MAX_POSITIONS":      c.MaxPositions,
		"MAX_DAILY_TRADES":   c.MaxDailyTrades,
		"ROLLBACK_THRESHOLD": c.RollbackThreshold,
	} {
		if n <= 0 {
			bad("%s must be positive", name)
		}
	}
	for name, d := range map[string]time.Duration{
		"SCAN_INTERVAL":      c.ScanInterval,
		"MONITOR_INTERVAL":   c.MonitorInterval,
		"POLL_INTERVAL":      c.PollInterval,
		"RECONCILE_INTERVAL": c.ReconcileInterval,
		"FILL_TIMEOUT":       c.FillTimeout,
		"FILL_POLL_INTERVAL": c.FillPollInterval,
	} {
		if d <= 0 {
			bad("%s must be a positive duration", name)
		}
	}
	if c.GatewayMaxRetries < 1 {
		bad("GATEWAY_MAX_RETRIES must be at least 1")
	}
	if c.GatewayRateLimit <= 0 || c.GatewayBurst <= 0 {
		bad("GATEWAY_RATE_LIMIT and GATEWAY_BURST must be positive")
	}
	if c.DBBusyTimeout < 0 {
		bad("DB_BUSY_TIMEOUT must not be negative")
	}
	if c.QuoteCacheTTL < 0 || c.QuoteCacheTTL >= c.MonitorInterval {
		bad("QUOTE_CACHE_TTL must be non-negative and shorter than MONITOR_INTERVAL")
	}

	loc, err := time.LoadLocation(c.Timezone)
	if err != nil || c.Timezone == "" {
		bad("TIMEZONE %q is not a known zone", c.Timezone)
	} else {
		c.Location = loc
	}

	if c.Mode == "live" && (c.AlpacaAPIKey == "" || c.AlpacaAPISecret == "") {
		bad("TRADING_MODE=live needs APCA_API_KEY_ID and APCA_API_SECRET_KEY")
	}
	if c.OperatorPasswordHash != "" && c.JWTSecret == "" {
		bad("OPERATOR_PASSWORD_HASH is set but JWT_SECRET is empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// reveal opens credentials stored sealed with the master key ring.
func (c *Config) reveal(v *viper.Viper) error {
	fields := map[string]*string{
		"APCA_API_KEY_ID":     &c.AlpacaAPIKey,
		"APCA_API_SECRET_KEY": &c.AlpacaAPISecret,
		"JWT_SECRET":          &c.JWTSecret,
	}
	var ring *secrets.Ring
	var errs []error
	for key, field := range fields {
		if !secrets.Sealed(*field) {
			continue
		}
		if ring == nil {
			r, err := secrets.LoadRing(v.GetString)
			if err != nil {
				return fmt.Errorf("%s is sealed: %w", key, err)
			}
			ring = r
		}
		plain, err := ring.Open(*field)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			continue
		}
		*field = plain
	}
	return errors.Join(errs...)
}

func (c *Config) Live() bool { return c.Mode == "live" }

// symbols accepts a comma separated string or a YAML list.
func symbols(raw any) []string {
	var parts []string
	switch val := raw.(type) {
	case string:
		parts = strings.Split(val, ",")
	case []string:
		parts = val
	case []any:
		for _, p := range val {
			parts = append(parts, fmt.Sprint(p))
		}
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.ToUpper(strings.TrimSpace(p)); t != "" {
			out = append(out, t)
		}
	}
	return out
}
