package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"execution-core/pkg/secrets"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg, err := FromViper(viper.New())
	if err != nil {
		t.Fatalf("FromViper: %v", err)
	}
	if cfg.Mode != "paper" || cfg.Live() {
		t.Fatalf("mode = %q", cfg.Mode)
	}
	if !cfg.MaxTradePct.Equal(decimal.RequireFromString("0.1")) || cfg.MaxPositions != 5 {
		t.Fatalf("unexpected limits %s %d", cfg.MaxTradePct, cfg.MaxPositions)
	}
	if cfg.ScanInterval != time.Minute || cfg.FillPollInterval != 500*time.Millisecond {
		t.Fatalf("unexpected intervals %v %v", cfg.ScanInterval, cfg.FillPollInterval)
	}
	if cfg.Location != time.UTC {
		t.Fatalf("location = %v", cfg.Location)
	}
	if len(cfg.Symbols) != 1 || cfg.Symbols[0] != "BTC/USD" {
		t.Fatalf("symbols = %v", cfg.Symbols)
	}
}

func TestLoadEnvironmentOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "execution.yaml")
	body := "max_trade_pct: 0.2\nmax_positions: 8\nsymbols: [btcusd, ETHUSD]\ntimezone: America/New_York\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("MAX_POSITIONS", "3")
	t.Setenv("FILL_TIMEOUT", "45s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.MaxTradePct.Equal(decimal.RequireFromString("0.2")) {
		t.Fatalf("max trade pct = %s, want file value", cfg.MaxTradePct)
	}
	if cfg.MaxPositions != 3 {
		t.Fatalf("max positions = %d, want env value", cfg.MaxPositions)
	}
	if cfg.FillTimeout != 45*time.Second {
		t.Fatalf("fill timeout = %v", cfg.FillTimeout)
	}
	if cfg.DBBusyTimeout != 5*time.Second {
		t.Fatalf("db busy timeout = %v, want default", cfg.DBBusyTimeout)
	}
	if strings.Join(cfg.Symbols, ",") != "BTCUSD,ETHUSD" {
		t.Fatalf("symbols = %v", cfg.Symbols)
	}
	if cfg.Location.String() != "America/New_York" {
		t.Fatalf("location = %v", cfg.Location)
	}
}

func TestLoadMissingConfigFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestValidateRejectsImpossibleLimits(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value any
	}{
		{"unknown mode", "TRADING_MODE", "margin"},
		{"zero capital", "STARTING_CAPITAL", "0"},
		{"trade pct above one", "MAX_TRADE_PCT", "1.5"},
		{"zero daily loss pct", "MAX_DAILY_LOSS_PCT", "0"},
		{"negative fee", "FEE_RATE", "-0.001"},
		{"no positions", "MAX_POSITIONS", 0},
		{"unknown timezone", "TIMEZONE", "Mars/Olympus"},
		{"zero interval", "MONITOR_INTERVAL", "0s"},
		{"stale quote cache", "QUOTE_CACHE_TTL", "1m"},
		{"negative busy timeout", "DB_BUSY_TIMEOUT", "-1s"},
		{"not a number", "SLIPPAGE_PCT", "lots"},
		{"live without credentials", "TRADING_MODE", "live"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := viper.New()
			v.Set(tc.key, tc.value)
			_, err := FromViper(v)
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.key) {
				t.Fatalf("error %q does not name %s", err, tc.key)
			}
		})
	}
}

func TestSealedCredentialsAreOpened(t *testing.T) {
	key, err := secrets.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	ring, err := secrets.LoadRing(func(name string) string {
		if name == secrets.KeyEnv {
			return key
		}
		return ""
	})
	if err != nil {
		t.Fatalf("LoadRing: %v", err)
	}
	sealed, err := ring.Seal("alpaca-secret")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	v := viper.New()
	v.Set(secrets.KeyEnv, key)
	v.Set("TRADING_MODE", "live")
	v.Set("APCA_API_KEY_ID", "PK123")
	v.Set("APCA_API_SECRET_KEY", sealed)
	cfg, err := FromViper(v)
	if err != nil {
		t.Fatalf("FromViper: %v", err)
	}
	if cfg.AlpacaAPISecret != "alpaca-secret" || cfg.AlpacaAPIKey != "PK123" {
		t.Fatalf("credentials = %q %q", cfg.AlpacaAPIKey, cfg.AlpacaAPISecret)
	}

	noKey := viper.New()
	noKey.Set("APCA_API_SECRET_KEY", sealed)
	if _, err := FromViper(noKey); !errors.Is(err, ErrInvalid) || !strings.Contains(err.Error(), "APCA_API_SECRET_KEY") {
		t.Fatalf("expected sealed-without-key error, got %v", err)
	}
}
