package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Schmoll86/options-trading-bot-2026/internal/broker"
	"github.com/Schmoll86/options-trading-bot-2026/internal/mock"
	"github.com/Schmoll86/options-trading-bot-2026/internal/models"
	"github.com/Schmoll86/options-trading-bot-2026/internal/risk"
	"github.com/Schmoll86/options-trading-bot-2026/internal/strategy"
)

// positionsClient stubs the account side of the broker interface.
type positionsClient struct {
	mu            sync.Mutex
	positions     []broker.Position
	positionCalls int
	netLiq        float64
}

var _ broker.Client = (*positionsClient)(nil)

func (c *positionsClient) setPrice(symbol, secType string, qty, perContract float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.positions {
		if c.positions[i].Symbol == symbol {
			c.positions[i].MarketValue = perContract * qty
			return
		}
	}
	c.positions = append(c.positions, broker.Position{
		Symbol:      symbol,
		SecType:     secType,
		Quantity:    qty,
		MarketValue: perContract * qty,
	})
}

func (c *positionsClient) remove(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.positions[:0]
	for _, p := range c.positions {
		if p.Symbol != symbol {
			out = append(out, p)
		}
	}
	c.positions = out
}

func (c *positionsClient) GetPositions() ([]broker.Position, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.positionCalls++
	return append([]broker.Position(nil), c.positions...), nil
}

func (c *positionsClient) GetAccountValue(string) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.netLiq, nil
}

func (c *positionsClient) Connect(context.Context) error               { return nil }
func (c *positionsClient) Disconnect() error                           { return nil }
func (c *positionsClient) GetMarketData(string) (*broker.Quote, error) { return &broker.Quote{}, nil }
func (c *positionsClient) GetHistoricalData(string, time.Duration, string) ([]broker.Bar, error) {
	return nil, nil
}
func (c *positionsClient) GetOptionsChain(string, string) ([]broker.ChainEntry, error) {
	return nil, nil
}
func (c *positionsClient) GetContractDetails(broker.Contract) (*broker.ContractDetails, error) {
	return nil, nil
}
func (c *positionsClient) IsTradingHalted(string) (bool, error) { return false, nil }
func (c *positionsClient) PlaceOrder(broker.Contract, broker.Order) (string, error) {
	return "", nil
}

// closeRecorder captures close orders the monitor submits.
type closeRecorder struct {
	mu     sync.Mutex
	orders []broker.Order
}

func (r *closeRecorder) PlaceOrderWithRetry(_ context.Context, _ broker.Contract, order broker.Order) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders = append(r.orders, order)
	return "close-1", nil
}

func (r *closeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.orders)
}

func (r *closeRecorder) all() []broker.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]broker.Order(nil), r.orders...)
}

func (r *closeRecorder) last() broker.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.orders[len(r.orders)-1]
}

func newTestMonitor(client *positionsClient, gate *risk.Manager) (*Monitor, *risk.ExitTracker, *closeRecorder) {
	exits := risk.NewExitTracker(testRiskConfig(), quietLogger())
	orders := &closeRecorder{}
	m := NewMonitor(client, gate, exits, orders, 10*time.Millisecond, quietLogger())
	return m, exits, orders
}

func TestMonitorClosesOnStopLoss(t *testing.T) {
	client := &positionsClient{netLiq: 100000}
	gate := testGate()
	m, _, orders := newTestMonitor(client, gate)

	m.Track(models.Trade{ID: "t1", Symbol: "SPY", Strategy: models.StrategyBull, EntryPrice: 100, Quantity: 1})
	gate.RegisterOpenPosition("SPY", models.StrategyBull)
	client.setPrice("SPY", "OPT", 1, 79) // -21%, past the 20% bull stop

	m.CheckPositions(context.Background())

	if orders.count() != 1 {
		t.Fatalf("placed %d close orders, want 1", orders.count())
	}
	order := orders.last()
	if order.Action != broker.ActionSell || order.OrderType != "market" || order.Quantity != 1 {
		t.Errorf("close order = %+v, want a market sell of 1", order)
	}
	if order.Tag != string(models.ExitStopLoss) {
		t.Errorf("close tag = %q, want stop_loss", order.Tag)
	}
	if got := gate.DailyLoss(); !floatNear(got, 2100, 1e-6) {
		t.Errorf("DailyLoss() = %v, want 2100 from a 21 point loss on 1 contract", got)
	}
	if gate.OpenPositionCount() != 0 {
		t.Errorf("position still registered after close")
	}
	if m.TrackedCount() != 0 {
		t.Errorf("trade still tracked after close")
	}
}

func TestMonitorClosesOnTakeProfit(t *testing.T) {
	client := &positionsClient{netLiq: 100000}
	gate := testGate()
	m, _, orders := newTestMonitor(client, gate)

	m.Track(models.Trade{ID: "t1", Symbol: "SPY", Strategy: models.StrategyBull, EntryPrice: 100, Quantity: 2})
	gate.RegisterOpenPosition("SPY", models.StrategyBull)
	client.setPrice("SPY", "OPT", 2, 130) // +30%

	m.CheckPositions(context.Background())

	if orders.count() != 1 {
		t.Fatalf("placed %d close orders, want 1", orders.count())
	}
	if orders.last().Tag != string(models.ExitTakeProfit) {
		t.Errorf("close tag = %q, want take_profit", orders.last().Tag)
	}
	if got := gate.DailyLoss(); got != 0 {
		t.Errorf("DailyLoss() = %v after a winning close, want 0", got)
	}
}

func TestMonitorTrailingStopLifecycle(t *testing.T) {
	client := &positionsClient{netLiq: 100000}
	gate := testGate()
	m, exits, orders := newTestMonitor(client, gate)

	m.Track(models.Trade{ID: "t1", Symbol: "SPY", Strategy: models.StrategyBull, EntryPrice: 100, Quantity: 1})
	gate.RegisterOpenPosition("SPY", models.StrategyBull)

	// +81% arms the trailing stop instead of taking profit.
	client.setPrice("SPY", "OPT", 1, 181)
	m.CheckPositions(context.Background())
	if orders.count() != 0 {
		t.Fatal("closed while the trailing stop was arming")
	}
	if stop, ok := exits.StopPrice("t1"); !ok || !floatNear(stop, 166.52, 1e-9) {
		t.Fatalf("StopPrice() = %v, %v; want 166.52 armed", stop, ok)
	}

	// A higher peak ratchets the stop up.
	client.setPrice("SPY", "OPT", 1, 200)
	m.CheckPositions(context.Background())
	if stop, _ := exits.StopPrice("t1"); !floatNear(stop, 184.00, 1e-9) {
		t.Fatalf("StopPrice() = %v, want 184.00 after the 200 peak", stop)
	}

	// Falling through the stop closes the position.
	client.setPrice("SPY", "OPT", 1, 183)
	m.CheckPositions(context.Background())
	if orders.count() != 1 {
		t.Fatalf("placed %d close orders, want 1 after the trailing stop hit", orders.count())
	}
	if orders.last().Tag != string(models.ExitTrailingStop) {
		t.Errorf("close tag = %q, want trailing_stop", orders.last().Tag)
	}
	if got := gate.DailyLoss(); got != 0 {
		t.Errorf("DailyLoss() = %v after a profitable trailing exit, want 0", got)
	}
	if _, ok := exits.StopPrice("t1"); ok {
		t.Error("trailing state survived the close")
	}
}

func TestMonitorSkipsChecksWhileHalted(t *testing.T) {
	client := &positionsClient{netLiq: 100000}
	gate := testGate()
	gate.UpdateDailyLoss(1500)
	m, _, orders := newTestMonitor(client, gate)

	m.Track(models.Trade{ID: "t1", Symbol: "SPY", Strategy: models.StrategyBull, EntryPrice: 100, Quantity: 1})
	client.setPrice("SPY", "OPT", 1, 50)

	m.CheckPositions(context.Background())

	if client.positionCalls != 0 {
		t.Error("fetched positions while halted")
	}
	if orders.count() != 0 {
		t.Error("placed close orders while halted")
	}
}

func TestMonitorPrunesVanishedPositions(t *testing.T) {
	client := &positionsClient{netLiq: 100000}
	gate := testGate()
	m, exits, _ := newTestMonitor(client, gate)

	m.Track(models.Trade{ID: "t1", Symbol: "SPY", Strategy: models.StrategyBull, EntryPrice: 100, Quantity: 1})
	client.setPrice("SPY", "OPT", 1, 181)
	m.CheckPositions(context.Background()) // arms trailing state

	client.remove("SPY")
	m.CheckPositions(context.Background())

	if m.TrackedCount() != 0 {
		t.Error("vanished position still tracked")
	}
	if _, ok := exits.StopPrice("t1"); ok {
		t.Error("trailing state survived the position vanishing")
	}
}

func TestMonitorStrategyBandsCloseUntracked(t *testing.T) {
	client := &positionsClient{netLiq: 100000}
	gate := testGate()
	m, _, orders := newTestMonitor(client, gate)

	// One leg the monitor has no entry record for, one tracked trade
	// that must stay with the exit tracker.
	const occ = "AAPL261002C00200000"
	client.setPrice(occ, "OPT", 2, 15)
	m.Track(models.Trade{ID: "t1", Symbol: "SPY", Strategy: models.StrategyBull, EntryPrice: 100, Quantity: 1})
	gate.RegisterOpenPosition("SPY", models.StrategyBull)
	client.setPrice("SPY", "OPT", 1, 100) // flat, no tracker exit

	st := &scriptedStrategy{kind: models.StrategyBull, manageActions: []models.CloseAction{
		{Trade: models.Trade{ID: occ, Symbol: occ}, Reason: models.ExitTakeProfit},
		{Trade: models.Trade{ID: "SPY", Symbol: "SPY"}, Reason: models.ExitStopLoss},
	}}
	m.SetStrategies([]strategy.Strategy{st})

	m.CheckPositions(context.Background())

	// Only the untracked leg closes; the tracked SPY action is ignored.
	if orders.count() != 1 {
		t.Fatalf("placed %d close orders, want 1", orders.count())
	}
	order := orders.last()
	if order.Quantity != 2 || order.Tag != string(models.ExitTakeProfit) {
		t.Errorf("close order = %+v, want quantity 2 tagged take_profit", order)
	}
}

func TestMonitorTracksSpreadByUnderlying(t *testing.T) {
	// The paper broker reports positions under OCC option symbols; the
	// monitor must still recognize them as the tracked AAPL trade.
	client := mock.NewClient(100000, quietLogger())
	gate := testGate()
	exits := risk.NewExitTracker(testRiskConfig(), quietLogger())
	orders := &closeRecorder{}
	m := NewMonitor(client, gate, exits, orders, 10*time.Millisecond, quietLogger())

	expiry := time.Now().AddDate(0, 0, 45).Format("2006-01-02")
	long := broker.Contract{Symbol: "AAPL", SecType: "OPT", Strike: 200, Right: broker.RightCall, Expiry: expiry}
	short := broker.Contract{Symbol: "AAPL", SecType: "OPT", Strike: 210, Right: broker.RightCall, Expiry: expiry}
	if _, err := client.PlaceOrder(long, broker.Order{Action: broker.ActionBuy, Quantity: 2, OrderType: "limit", LimitPrice: 4.00}); err != nil {
		t.Fatalf("opening long leg: %v", err)
	}
	if _, err := client.PlaceOrder(short, broker.Order{Action: broker.ActionSell, Quantity: 2, OrderType: "limit", LimitPrice: 1.50}); err != nil {
		t.Fatalf("opening short leg: %v", err)
	}

	gate.RegisterOpenPosition("AAPL", models.StrategyBull)
	m.Track(models.Trade{ID: "t1", Symbol: "AAPL", Strategy: models.StrategyBull, EntryPrice: 2.50, Quantity: 2})

	m.CheckPositions(context.Background())
	m.CheckPositions(context.Background())

	if m.TrackedCount() != 1 {
		t.Errorf("TrackedCount() = %d after monitor passes, want the spread still tracked", m.TrackedCount())
	}
	if gate.CanOpenPosition("AAPL") {
		t.Error("CanOpenPosition(AAPL) = true while the AAPL spread is still held")
	}
	if orders.count() != 0 {
		t.Errorf("placed %d close orders on a flat spread, want 0", orders.count())
	}
}

func TestMonitorClosesAllSpreadLegs(t *testing.T) {
	client := &positionsClient{netLiq: 100000}
	gate := testGate()
	m, _, orders := newTestMonitor(client, gate)

	const longLeg = "AAPL261016C00200000"
	const shortLeg = "AAPL261016C00210000"
	m.Track(models.Trade{ID: "t1", Symbol: "AAPL", Strategy: models.StrategyBull, EntryPrice: 4.0, Quantity: 2})
	gate.RegisterOpenPosition("AAPL", models.StrategyBull)

	// Net spread mark (6.0 - 2.0) / 2 = 2.0 against the 4.0 entry
	// debit: a 50% loss, past the 20% bull stop.
	client.setPrice(longLeg, "OPT", 2, 3.0)
	client.setPrice(shortLeg, "OPT", -2, 1.0)

	m.CheckPositions(context.Background())

	if orders.count() != 2 {
		t.Fatalf("placed %d close orders, want both legs closed", orders.count())
	}
	var sells, buys int
	for _, order := range orders.all() {
		if order.Tag != string(models.ExitStopLoss) {
			t.Errorf("close tag = %q, want stop_loss", order.Tag)
		}
		if order.Quantity != 2 {
			t.Errorf("close quantity = %d, want 2", order.Quantity)
		}
		switch order.Action {
		case broker.ActionSell:
			sells++
		case broker.ActionBuy:
			buys++
		}
	}
	if sells != 1 || buys != 1 {
		t.Errorf("close actions = %d sells %d buys, want the long sold and the short bought back", sells, buys)
	}
	if got := gate.DailyLoss(); !floatNear(got, 400, 1e-6) {
		t.Errorf("DailyLoss() = %v, want 400 from a 2 point loss on 2 spreads", got)
	}
	if m.TrackedCount() != 0 {
		t.Error("trade still tracked after the spread closed")
	}
	if gate.OpenPositionCount() != 0 {
		t.Error("position still registered after the spread closed")
	}
}

func TestMonitorRefreshesPortfolioValue(t *testing.T) {
	client := &positionsClient{netLiq: 87500}
	gate := testGate()
	m, _, _ := newTestMonitor(client, gate)

	m.refreshPortfolioValue()

	if got := gate.PortfolioValue(); got != 87500 {
		t.Errorf("PortfolioValue() = %v, want 87500", got)
	}
}

func floatNear(a, b, tol float64) bool {
	if a > b {
		return a-b <= tol
	}
	return b-a <= tol
}
