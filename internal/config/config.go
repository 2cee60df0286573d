// Package config provides configuration management for the trading bot.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v3"
)

// Risk management defaults applied when the corresponding keys are unset.
const (
	defaultMaxTradeSizePct    = 0.10
	defaultDailyLossLimit     = 1000.0
	defaultMaxDrawdownPct     = 0.20
	defaultTakeProfitPct      = 0.30
	defaultTrailingActivation = 0.80
	defaultTrailingRetracePct = 0.08
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Risk        RiskConfig        `yaml:"risk"`
	Screener    ScreenerConfig    `yaml:"screener"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// GatewayConfig defines broker gateway connection settings.
type GatewayConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	APIKey    string `yaml:"api_key"`
	AccountID string `yaml:"account_id"`
	// CallTimeout bounds individual market-data and history requests.
	CallTimeout string `yaml:"call_timeout"`
	// BridgeTimeout bounds how long a caller waits on the owner goroutine.
	BridgeTimeout string `yaml:"bridge_timeout"`
}

// ScheduleConfig defines the cadence of the two background loops.
type ScheduleConfig struct {
	CycleInterval    string `yaml:"cycle_interval"`   // full trading cycles, default 300s
	MonitorInterval  string `yaml:"monitor_interval"` // position checks, default 10s
	TradingStart     string `yaml:"trading_start"`    // "HH:MM" Eastern
	TradingEnd       string `yaml:"trading_end"`      // "HH:MM" Eastern
	Timezone         string `yaml:"timezone"`         // e.g. "America/New_York"
	AfterHoursChecks bool   `yaml:"after_hours_checks"`
}

// RiskConfig defines risk management parameters.
type RiskConfig struct {
	InitialPortfolioValue float64            `yaml:"initial_portfolio_value"`
	MaxTradeSizePct       float64            `yaml:"max_trade_size_pct"`
	DailyLossLimit        float64            `yaml:"daily_loss_limit"`
	MaxDrawdownPct        float64            `yaml:"max_drawdown_pct"`
	StopLossPct           map[string]float64 `yaml:"stop_loss_pct"`
	TakeProfitPct         float64            `yaml:"take_profit_pct"`
	TrailingActivationPct float64            `yaml:"trailing_activation_pct"`
	TrailingRetracePct    float64            `yaml:"trailing_retrace_pct"`
	MaxContracts          int                `yaml:"max_contracts"`
}

// ScreenerConfig defines stock screening parameters.
type ScreenerConfig struct {
	MaxPerCategory int      `yaml:"max_per_category"`
	Universe       []string `yaml:"universe"`
}

// DashboardConfig defines the web dashboard settings.
type DashboardConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// Load reads the .env file (if present), then parses and validates the YAML
// configuration at configPath. ${VAR} references inside the YAML are expanded
// from the environment, so credentials can live in .env rather than the file.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	// Best effort: a missing .env just means credentials come from the
	// process environment.
	_ = godotenv.Load()

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Environment.Mode == "" {
		c.Environment.Mode = "paper"
	}
	if c.Gateway.Host == "" {
		c.Gateway.Host = "127.0.0.1"
	}
	if c.Gateway.Port == 0 {
		c.Gateway.Port = 4001
	}
	if c.Gateway.CallTimeout == "" {
		c.Gateway.CallTimeout = "10s"
	}
	if c.Gateway.BridgeTimeout == "" {
		c.Gateway.BridgeTimeout = "30s"
	}
	if c.Schedule.CycleInterval == "" {
		c.Schedule.CycleInterval = "300s"
	}
	if c.Schedule.MonitorInterval == "" {
		c.Schedule.MonitorInterval = "10s"
	}
	if c.Schedule.TradingStart == "" {
		c.Schedule.TradingStart = "09:30"
	}
	if c.Schedule.TradingEnd == "" {
		c.Schedule.TradingEnd = "16:00"
	}
	if c.Risk.MaxTradeSizePct == 0 {
		c.Risk.MaxTradeSizePct = defaultMaxTradeSizePct
	}
	if c.Risk.DailyLossLimit == 0 {
		c.Risk.DailyLossLimit = defaultDailyLossLimit
	}
	if c.Risk.MaxDrawdownPct == 0 {
		c.Risk.MaxDrawdownPct = defaultMaxDrawdownPct
	}
	if c.Risk.TakeProfitPct == 0 {
		c.Risk.TakeProfitPct = defaultTakeProfitPct
	}
	if c.Risk.TrailingActivationPct == 0 {
		c.Risk.TrailingActivationPct = defaultTrailingActivation
	}
	if c.Risk.TrailingRetracePct == 0 {
		c.Risk.TrailingRetracePct = defaultTrailingRetracePct
	}
	if len(c.Risk.StopLossPct) == 0 {
		c.Risk.StopLossPct = map[string]float64{
			"bull":     0.20,
			"bear":     0.15,
			"volatile": 0.30,
		}
	}
	if c.Risk.MaxContracts == 0 {
		c.Risk.MaxContracts = 10
	}
	if c.Screener.MaxPerCategory == 0 {
		c.Screener.MaxPerCategory = 10
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = 5001
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}

	if !c.IsPaperTrading() {
		if c.Gateway.APIKey == "" {
			return fmt.Errorf("gateway.api_key is required in live mode")
		}
		if c.Gateway.AccountID == "" {
			return fmt.Errorf("gateway.account_id is required in live mode")
		}
	}
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port must be in (0,65535]")
	}

	if c.Risk.MaxTradeSizePct <= 0 || c.Risk.MaxTradeSizePct > 1.0 {
		return fmt.Errorf("risk.max_trade_size_pct must be between 0 and 1.0")
	}
	if c.Risk.DailyLossLimit <= 0 {
		return fmt.Errorf("risk.daily_loss_limit must be > 0")
	}
	if c.Risk.MaxDrawdownPct <= 0 || c.Risk.MaxDrawdownPct >= 1.0 {
		return fmt.Errorf("risk.max_drawdown_pct must be in (0,1)")
	}
	if c.Risk.TakeProfitPct <= 0 || c.Risk.TakeProfitPct >= c.Risk.TrailingActivationPct {
		return fmt.Errorf("risk.take_profit_pct must be in (0, trailing_activation_pct)")
	}
	if c.Risk.TrailingRetracePct <= 0 || c.Risk.TrailingRetracePct >= 1.0 {
		return fmt.Errorf("risk.trailing_retrace_pct must be in (0,1)")
	}
	for kind, pct := range c.Risk.StopLossPct {
		if pct <= 0 || pct >= 1.0 {
			return fmt.Errorf("risk.stop_loss_pct[%s] must be in (0,1)", kind)
		}
	}
	if c.Risk.MaxContracts <= 0 {
		return fmt.Errorf("risk.max_contracts must be > 0")
	}

	for _, key := range []struct {
		name  string
		value string
	}{
		{"gateway.call_timeout", c.Gateway.CallTimeout},
		{"gateway.bridge_timeout", c.Gateway.BridgeTimeout},
		{"schedule.cycle_interval", c.Schedule.CycleInterval},
		{"schedule.monitor_interval", c.Schedule.MonitorInterval},
	} {
		if _, err := time.ParseDuration(key.value); err != nil {
			return fmt.Errorf("%s invalid: %w", key.name, err)
		}
	}

	tz := c.Schedule.Timezone
	if tz == "" {
		tz = "America/New_York"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		// Fallback for minimal containers
		loc = time.FixedZone("ET", -5*60*60)
	}
	s, err1 := time.ParseInLocation("15:04", c.Schedule.TradingStart, loc)
	e, err2 := time.ParseInLocation("15:04", c.Schedule.TradingEnd, loc)
	if err1 != nil || err2 != nil || (s.Hour() > e.Hour() || (s.Hour() == e.Hour() && s.Minute() >= e.Minute())) {
		return fmt.Errorf("schedule trading window invalid (start/end parse/order)")
	}

	return nil
}

// IsPaperTrading returns true if the bot is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// CycleInterval returns the configured full trading cycle interval.
func (c *Config) CycleInterval() time.Duration {
	return parseDurationOr(c.Schedule.CycleInterval, 300*time.Second)
}

// MonitorInterval returns the configured position monitor interval.
func (c *Config) MonitorInterval() time.Duration {
	return parseDurationOr(c.Schedule.MonitorInterval, 10*time.Second)
}

// CallTimeout returns the per-call gateway request timeout.
func (c *Config) CallTimeout() time.Duration {
	return parseDurationOr(c.Gateway.CallTimeout, 10*time.Second)
}

// BridgeTimeout returns the cross-goroutine bridge wait bound.
func (c *Config) BridgeTimeout() time.Duration {
	return parseDurationOr(c.Gateway.BridgeTimeout, 30*time.Second)
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// IsWithinTradingHours checks if the given time falls within configured trading hours.
func (c *Config) IsWithinTradingHours(now time.Time) bool {
	tz := c.Schedule.Timezone
	if tz == "" {
		tz = "America/New_York"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.FixedZone("ET", -5*60*60)
	}
	today := now.In(loc)

	// Only allow Monday–Friday trading
	if today.Weekday() == time.Saturday || today.Weekday() == time.Sunday {
		return false
	}

	startClock, err1 := time.ParseInLocation("15:04", c.Schedule.TradingStart, loc)
	endClock, err2 := time.ParseInLocation("15:04", c.Schedule.TradingEnd, loc)
	if err1 != nil || err2 != nil {
		// Safe defaults if misconfigured
		startClock = time.Date(0, 1, 1, 9, 30, 0, 0, loc)
		endClock = time.Date(0, 1, 1, 16, 0, 0, 0, loc)
	}
	start := time.Date(today.Year(), today.Month(), today.Day(),
		startClock.Hour(), startClock.Minute(), 0, 0, loc)
	end := time.Date(today.Year(), today.Month(), today.Day(),
		endClock.Hour(), endClock.Minute(), 0, 0, loc)

	// Inclusive start, exclusive end
	return !today.Before(start) && today.Before(end)
}
