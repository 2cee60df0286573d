package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Schmoll86/options-trading-bot-2026/internal/broker"
	"github.com/Schmoll86/options-trading-bot-2026/internal/models"
	"github.com/Schmoll86/options-trading-bot-2026/internal/risk"
	"github.com/Schmoll86/options-trading-bot-2026/internal/strategy"
)

// OrderPlacer submits close orders; satisfied by the retry client.
type OrderPlacer interface {
	PlaceOrderWithRetry(ctx context.Context, contract broker.Contract, order broker.Order) (string, error)
}

// Monitor watches open positions on a short cadence and closes them
// when the exit tracker says so. It also refreshes the portfolio value
// the risk gate works from.
type Monitor struct {
	client broker.Client
	gate   *risk.Manager
	exits  *risk.ExitTracker
	orders OrderPlacer
	sink   Sink
	logger *log.Logger

	positionInterval  time.Duration
	portfolioInterval time.Duration
	hoursOpen         func(time.Time) bool
	strategies        []strategy.Strategy

	mu     sync.Mutex
	trades map[string]models.Trade
}

func NewMonitor(
	client broker.Client,
	gate *risk.Manager,
	exits *risk.ExitTracker,
	orders OrderPlacer,
	positionInterval time.Duration,
	logger *log.Logger,
) *Monitor {
	if logger == nil {
		logger = log.Default()
	}
	return &Monitor{
		client:            client,
		gate:              gate,
		exits:             exits,
		orders:            orders,
		logger:            logger,
		positionInterval:  positionInterval,
		portfolioInterval: 60 * time.Second,
		trades:            make(map[string]models.Trade),
	}
}

// SetSink wires the telemetry sink in; may stay nil.
func (m *Monitor) SetSink(s Sink) { m.sink = s }

// SetTradingHours restricts position checks to the given window.
// Portfolio refreshes keep running regardless.
func (m *Monitor) SetTradingHours(open func(time.Time) bool) { m.hoursOpen = open }

// SetStrategies lets strategy-level exit bands manage positions that
// have no tracked entry, such as legs found after a restart.
func (m *Monitor) SetStrategies(strategies []strategy.Strategy) { m.strategies = strategies }

// Track records an opened trade so later exit checks use its entry
// price instead of the broker's average cost.
func (m *Monitor) Track(trade models.Trade) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades[trade.Symbol] = trade
}

// TrackedCount returns the number of trades under management.
func (m *Monitor) TrackedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.trades)
}

// Run checks positions and refreshes the portfolio value until the
// context is canceled. Portfolio refreshes continue while trading is
// halted; position checks do not.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Printf("monitor: starting, positions every %v, portfolio every %v",
		m.positionInterval, m.portfolioInterval)

	posTicker := time.NewTicker(m.positionInterval)
	defer posTicker.Stop()
	pvTicker := time.NewTicker(m.portfolioInterval)
	defer pvTicker.Stop()

	m.refreshPortfolioValue()
	for {
		select {
		case <-ctx.Done():
			m.logger.Println("monitor: stopped")
			return nil
		case <-pvTicker.C:
			m.refreshPortfolioValue()
		case <-posTicker.C:
			if m.hoursOpen != nil && !m.hoursOpen(time.Now()) {
				continue
			}
			m.CheckPositions(ctx)
		}
	}
}

func (m *Monitor) refreshPortfolioValue() {
	value, err := m.client.GetAccountValue(broker.TagNetLiquidation)
	if err != nil {
		m.logger.Printf("monitor: portfolio value refresh failed: %v", err)
		return
	}
	m.gate.SetPortfolioValue(value)
	if m.sink != nil {
		m.sink.UpdatePortfolioValue(value)
		m.sink.UpdateRiskMetrics(m.gate.DailyLoss(), m.gate.IsTradingHalted(), m.gate.OpenPositionCount())
	}
}

// CheckPositions runs one pass over the broker's open positions,
// reconciling the risk gate's registry and acting on exit signals.
// Gateway positions are per option leg; all bookkeeping here happens
// per underlying, with a spread's legs grouped back together.
func (m *Monitor) CheckPositions(ctx context.Context) {
	if m.gate.IsTradingHalted() {
		m.logger.Println("monitor: trading halted, skipping position checks")
		return
	}

	positions, err := m.client.GetPositions()
	if err != nil {
		m.logger.Printf("monitor: could not fetch positions: %v", err)
		return
	}

	groups := make(map[string][]broker.Position)
	for _, p := range positions {
		if p.Quantity == 0 {
			continue
		}
		underlying := broker.UnderlyingSymbol(p.Symbol)
		groups[underlying] = append(groups[underlying], p)
	}

	underlyings := make([]string, 0, len(groups))
	for u := range groups {
		underlyings = append(underlyings, u)
	}
	m.gate.SyncOpenSymbols(underlyings)
	m.pruneTracked(underlyings)

	var untracked []broker.Position
	for underlying, legs := range groups {
		if _, tracked := m.lookup(underlying); !tracked && len(m.strategies) > 0 {
			untracked = append(untracked, legs...)
			continue
		}
		m.checkTrade(ctx, underlying, legs)
	}
	m.manageUntracked(ctx, untracked)
}

// manageUntracked runs strategy exit bands over positions the monitor
// has no entry record for. Untracked legs cannot be attributed to the
// strategy that opened them, so the first exit signal wins.
func (m *Monitor) manageUntracked(ctx context.Context, positions []broker.Position) {
	if len(positions) == 0 {
		return
	}

	open := make(map[string]broker.Position, len(positions))
	for _, p := range positions {
		open[p.Symbol] = p
	}

	for _, st := range m.strategies {
		for _, action := range st.ManagePositions(positions) {
			p, ok := open[action.Trade.Symbol]
			if !ok {
				continue
			}
			current := p.MarketValue / absQuantity(p.Quantity)
			m.logger.Printf("monitor: %s exit for untracked %s: %s",
				st.Kind(), p.Symbol, action.Reason)
			m.closeTrade(ctx, broker.UnderlyingSymbol(p.Symbol), []broker.Position{p},
				p.Symbol, p.AvgCost, current, absQuantity(p.Quantity), action.Reason)
			delete(open, p.Symbol)
		}
	}
}

// checkTrade evaluates one underlying's legs against the exit rules.
// Leg marks are netted into a single per-spread price so the comparison
// runs in the same units as the tracked entry debit. Net credit trades
// carry a negative entry and a negative mark.
func (m *Monitor) checkTrade(ctx context.Context, underlying string, legs []broker.Position) {
	trade, tracked := m.lookup(underlying)

	contracts := spreadContracts(legs)
	if contracts == 0 {
		return
	}

	tradeID := underlying
	entry := netPerSpread(legs, contracts, func(p broker.Position) float64 {
		return p.AvgCost * p.Quantity
	})
	var kind models.StrategyKind
	if tracked {
		tradeID = trade.ID
		entry = trade.EntryPrice
		kind = trade.Strategy
	}

	current := netPerSpread(legs, contracts, func(p broker.Position) float64 {
		return p.MarketValue
	})

	shouldExit, reason := m.exits.CheckExitConditions(tradeID, entry, current, kind)
	if !shouldExit || !reason.Closes() {
		return
	}

	m.logger.Printf("monitor: exit signal for %s: %s (entry %.2f current %.2f)",
		underlying, reason, entry, current)
	m.closeTrade(ctx, underlying, legs, tradeID, entry, current, contracts, reason)
}

// closeTrade unwinds every leg of an underlying's position and books the
// realized result once. When a leg fails to close the remaining legs are
// left for the next pass and no state is released, so the retry sees the
// whole spread again.
func (m *Monitor) closeTrade(ctx context.Context, underlying string, legs []broker.Position,
	tradeID string, entry, current, contracts float64, reason models.ExitReason) {
	for _, p := range legs {
		action := broker.ActionSell
		if p.Quantity < 0 {
			action = broker.ActionBuy
		}
		contract := broker.Contract{Symbol: p.Symbol, SecType: p.SecType}
		order := broker.Order{
			Action:    action,
			Quantity:  int(absQuantity(p.Quantity)),
			OrderType: "market",
			Duration:  "day",
			Tag:       string(reason),
		}

		orderID, err := m.orders.PlaceOrderWithRetry(ctx, contract, order)
		if err != nil {
			m.logger.Printf("monitor: close failed for %s leg %s: %v", underlying, p.Symbol, err)
			if m.sink != nil {
				m.sink.AddError(fmt.Sprintf("close failed for %s: %v", p.Symbol, err))
			}
			return
		}
		m.logger.Printf("monitor: close order %s placed for %s", orderID, p.Symbol)
	}

	realized := (current - entry) * contracts * models.ContractMultiplier
	if realized < 0 {
		m.gate.UpdateDailyLoss(-realized)
	}

	m.exits.CleanupTrade(tradeID)
	m.gate.ReleasePosition(underlying)
	m.untrack(underlying)

	if m.sink != nil {
		m.sink.AddTradeAction("close", underlying, string(reason))
	}
	m.logger.Printf("monitor: closed %s via %s, realized $%.2f", underlying, reason, realized)
}

// spreadContracts is the spread count of a leg group, the largest
// absolute leg quantity.
func spreadContracts(legs []broker.Position) float64 {
	var n float64
	for _, p := range legs {
		if q := absQuantity(p.Quantity); q > n {
			n = q
		}
	}
	return n
}

func netPerSpread(legs []broker.Position, contracts float64, value func(broker.Position) float64) float64 {
	var total float64
	for _, p := range legs {
		total += value(p)
	}
	return total / contracts
}

func (m *Monitor) lookup(symbol string) (models.Trade, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	trade, ok := m.trades[symbol]
	return trade, ok
}

func (m *Monitor) untrack(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.trades, symbol)
}

// pruneTracked drops trades whose positions vanished at the broker,
// cleaning their trailing state with them.
func (m *Monitor) pruneTracked(brokerSymbols []string) {
	present := make(map[string]struct{}, len(brokerSymbols))
	for _, s := range brokerSymbols {
		present[s] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for symbol, trade := range m.trades {
		if _, ok := present[symbol]; !ok {
			m.exits.CleanupTrade(trade.ID)
			delete(m.trades, symbol)
			m.logger.Printf("monitor: %s no longer at broker, dropped from tracking", symbol)
		}
	}
}

func absQuantity(q float64) float64 {
	if q < 0 {
		return -q
	}
	return q
}
