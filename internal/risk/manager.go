// Package risk implements the portfolio risk gate, the daily loss circuit
// breaker, and the per-position exit state machine.
package risk

import (
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Schmoll86/options-trading-bot-2026/internal/config"
	"github.com/Schmoll86/options-trading-bot-2026/internal/models"
)

// Manager gates every trade against portfolio-level limits. All mutable
// state (daily loss, halted flag, open-symbol set) lives behind a single
// mutex; the portfolio value is a lone atomic so read-heavy sizing math
// never contends with the breaker path.
type Manager struct {
	cfg    config.RiskConfig
	logger *log.Logger

	portfolioValue atomic.Uint64 // float64 bits
	initialValue   float64

	mu            sync.Mutex
	dailyLoss     float64
	lossDate      time.Time // calendar day the dailyLoss accumulator belongs to
	tradingHalted bool
	openSymbols   map[string]models.StrategyKind

	now func() time.Time
}

// NewManager creates a risk gate seeded with the configured initial
// portfolio value.
func NewManager(cfg config.RiskConfig, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	m := &Manager{
		cfg:          cfg,
		logger:       logger,
		initialValue: cfg.InitialPortfolioValue,
		openSymbols:  make(map[string]models.StrategyKind),
		now:          time.Now,
	}
	m.lossDate = truncateDay(m.now())
	m.SetPortfolioValue(cfg.InitialPortfolioValue)
	return m
}

func truncateDay(t time.Time) time.Time {
	y, mo, d := t.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, t.Location())
}

// SetPortfolioValue records the latest account value. Single atomic write;
// readers never take the mutex for this.
func (m *Manager) SetPortfolioValue(v float64) {
	m.portfolioValue.Store(math.Float64bits(v))
}

// PortfolioValue returns the last recorded account value.
func (m *Manager) PortfolioValue() float64 {
	return math.Float64frombits(m.portfolioValue.Load())
}

// CalculateMaxTradeSize returns the dollar cap for the next trade. The
// primary cap is a fixed fraction of the portfolio; once the day's losses
// shrink the remaining daily budget below that, only half of what is left
// may be committed, so the envelope tightens as losses accumulate.
func (m *Manager) CalculateMaxTradeSize() float64 {
	base := m.PortfolioValue() * m.cfg.MaxTradeSizePct

	m.mu.Lock()
	remaining := m.cfg.DailyLossLimit - math.Abs(m.dailyLoss)
	m.mu.Unlock()

	if remaining <= 0 {
		return 0
	}
	if base > remaining {
		return remaining / 2
	}
	return base
}

// ValidateTradeSize reports whether the dollar amount fits the current cap.
func (m *Manager) ValidateTradeSize(amount float64) bool {
	if amount <= 0 {
		return false
	}
	max := m.CalculateMaxTradeSize()
	if amount > max {
		m.logger.Printf("risk: trade size $%.2f exceeds limit $%.2f", amount, max)
		return false
	}
	return true
}

// CanTrade is the strategy-facing gate: halted means no, otherwise the
// cost must fit the trade size cap.
func (m *Manager) CanTrade(cost float64) bool {
	if m.IsTradingHalted() {
		return false
	}
	return m.ValidateTradeSize(cost)
}

// CanOpenPosition rejects when trading is halted or when the symbol
// already has a position tracked by the gate. This is duplicate
// prevention, not a broker-side check.
func (m *Manager) CanOpenPosition(symbol string) bool {
	if m.IsTradingHalted() {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, open := m.openSymbols[symbol]; open {
		m.logger.Printf("risk: %s already has an open position, skipping", symbol)
		return false
	}
	return true
}

// CheckRiskExposure rejects opportunities whose worst-case loss exceeds
// the per-trade fraction of the portfolio.
func (m *Manager) CheckRiskExposure(opp models.Opportunity) bool {
	if opp.MaxLoss <= 0 || opp.PositionSize <= 0 {
		return false
	}
	totalRisk := opp.TotalRisk()
	cap := m.PortfolioValue() * m.cfg.MaxTradeSizePct
	if totalRisk > cap {
		m.logger.Printf("risk: %s exposure $%.2f exceeds cap $%.2f", opp.Symbol, totalRisk, cap)
		return false
	}
	return true
}

// CheckVolatilityLimits rejects opportunities whose probability estimate
// sits at the clamp floor and halves the exposure cap for volatility
// plays, which carry the widest stop.
func (m *Manager) CheckVolatilityLimits(opp models.Opportunity) bool {
	if opp.ProbabilityProfit <= 0.10 {
		m.logger.Printf("risk: %s probability %.2f at or below floor, skipping", opp.Symbol, opp.ProbabilityProfit)
		return false
	}
	if opp.Strategy == models.StrategyVolatile {
		cap := m.PortfolioValue() * m.cfg.MaxTradeSizePct / 2
		if opp.TotalRisk() > cap {
			m.logger.Printf("risk: volatile play %s exposure $%.2f exceeds reduced cap $%.2f", opp.Symbol, opp.TotalRisk(), cap)
			return false
		}
	}
	return true
}

// RegisterOpenPosition records a symbol as open so duplicate entries are
// rejected until it closes.
func (m *Manager) RegisterOpenPosition(symbol string, kind models.StrategyKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openSymbols[symbol] = kind
}

// ReleasePosition forgets a closed symbol.
func (m *Manager) ReleasePosition(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.openSymbols, symbol)
}

// OpenPositionCount returns how many symbols the gate currently tracks.
func (m *Manager) OpenPositionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.openSymbols)
}

// SyncOpenSymbols reconciles the tracked set against the symbols the
// gateway actually reports. Symbols the broker no longer holds are
// released; unknown broker symbols are adopted so duplicates stay blocked.
func (m *Manager) SyncOpenSymbols(brokerSymbols []string) {
	live := make(map[string]struct{}, len(brokerSymbols))
	for _, s := range brokerSymbols {
		live[s] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for sym := range m.openSymbols {
		if _, ok := live[sym]; !ok {
			m.logger.Printf("risk: releasing %s, no longer held at broker", sym)
			delete(m.openSymbols, sym)
		}
	}
	for sym := range live {
		if _, ok := m.openSymbols[sym]; !ok {
			m.openSymbols[sym] = ""
		}
	}
}

// UpdateDailyLoss adds a realized loss (positive dollars) to the day's
// accumulator, resetting it first when the calendar day has rolled over.
// Crossing the daily limit trips the circuit breaker. Returns true when
// this call tripped it.
func (m *Manager) UpdateDailyLoss(amount float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	today := truncateDay(m.now())
	if !today.Equal(m.lossDate) {
		m.dailyLoss = 0
		m.tradingHalted = false
		m.lossDate = today
	}

	m.dailyLoss += amount
	if m.dailyLoss >= m.cfg.DailyLossLimit && !m.tradingHalted {
		m.tradingHalted = true
		m.logger.Printf("CRITICAL risk: CIRCUIT BREAKER tripped, daily loss $%.2f >= limit $%.2f", m.dailyLoss, m.cfg.DailyLossLimit)
		return true
	}
	return false
}

// DailyLoss returns the day's accumulated loss.
func (m *Manager) DailyLoss() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dailyLoss
}

// IsTradingHalted reports whether any halt condition holds: the daily
// loss breaker, or portfolio drawdown past the configured fraction of
// the initial value. The two triggers are evaluated independently.
func (m *Manager) IsTradingHalted() bool {
	m.mu.Lock()
	halted := m.tradingHalted
	m.mu.Unlock()
	if halted {
		return true
	}
	if m.initialValue > 0 && m.cfg.MaxDrawdownPct > 0 {
		floor := m.initialValue * (1 - m.cfg.MaxDrawdownPct)
		if m.PortfolioValue() <= floor {
			return true
		}
	}
	return false
}

// Summary is a point-in-time snapshot for telemetry.
type Summary struct {
	PortfolioValue float64 `json:"portfolio_value"`
	MaxTradeSize   float64 `json:"max_trade_size"`
	DailyLoss      float64 `json:"daily_loss"`
	DailyLossLimit float64 `json:"daily_loss_limit"`
	TradingHalted  bool    `json:"trading_halted"`
	OpenPositions  int     `json:"open_positions"`
}

// GetSummary snapshots the gate's state for health reporting.
func (m *Manager) GetSummary() Summary {
	maxSize := m.CalculateMaxTradeSize()
	halted := m.IsTradingHalted()

	m.mu.Lock()
	defer m.mu.Unlock()
	return Summary{
		PortfolioValue: m.PortfolioValue(),
		MaxTradeSize:   maxSize,
		DailyLoss:      m.dailyLoss,
		DailyLossLimit: m.cfg.DailyLossLimit,
		TradingHalted:  halted,
		OpenPositions:  len(m.openSymbols),
	}
}
