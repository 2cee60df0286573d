package strategy

import (
	"context"
	"io"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/Schmoll86/options-trading-bot-2026/internal/broker"
	"github.com/Schmoll86/options-trading-bot-2026/internal/config"
	"github.com/Schmoll86/options-trading-bot-2026/internal/risk"
)

// placedOrder records one PlaceOrder call on the stub.
type placedOrder struct {
	contract broker.Contract
	order    broker.Order
}

// marketStub is a canned-data broker client for strategy tests.
type marketStub struct {
	mu sync.Mutex

	quote    *broker.Quote
	quoteErr error
	bars     []broker.Bar
	barsErr  error
	chain    []broker.ChainEntry
	chainErr error
	halted   bool
	placeErr error

	placed []placedOrder
	nextID int
}

var _ broker.Client = (*marketStub)(nil)

func (s *marketStub) Connect(context.Context) error { return nil }
func (s *marketStub) Disconnect() error             { return nil }

func (s *marketStub) GetAccountValue(string) (float64, error)  { return 0, nil }
func (s *marketStub) GetPositions() ([]broker.Position, error) { return nil, nil }
func (s *marketStub) IsTradingHalted(string) (bool, error)     { return s.halted, nil }
func (s *marketStub) GetContractDetails(broker.Contract) (*broker.ContractDetails, error) {
	return &broker.ContractDetails{}, nil
}

func (s *marketStub) GetMarketData(symbol string) (*broker.Quote, error) {
	if s.quoteErr != nil {
		return nil, s.quoteErr
	}
	if s.quote == nil {
		return &broker.Quote{Symbol: symbol}, nil
	}
	q := *s.quote
	q.Symbol = symbol
	return &q, nil
}

func (s *marketStub) GetHistoricalData(string, time.Duration, string) ([]broker.Bar, error) {
	if s.barsErr != nil {
		return nil, s.barsErr
	}
	return s.bars, nil
}

func (s *marketStub) GetOptionsChain(string, string) ([]broker.ChainEntry, error) {
	if s.chainErr != nil {
		return nil, s.chainErr
	}
	return s.chain, nil
}

func (s *marketStub) PlaceOrder(contract broker.Contract, order broker.Order) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.placeErr != nil {
		return "", s.placeErr
	}
	s.placed = append(s.placed, placedOrder{contract: contract, order: order})
	s.nextID++
	return "order-" + strconv.Itoa(s.nextID), nil
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// newGate builds a risk manager with a fresh $100k portfolio and no
// losses on the books.
func newGate() *risk.Manager {
	m := risk.NewManager(config.RiskConfig{
		InitialPortfolioValue: 100000,
		MaxTradeSizePct:       0.10,
		DailyLossLimit:        1000,
		MaxDrawdownPct:        0.20,
		StopLossPct:           map[string]float64{"bull": 0.20, "bear": 0.15, "volatile": 0.30},
		TakeProfitPct:         0.30,
		TrailingActivationPct: 0.80,
		TrailingRetracePct:    0.08,
		MaxContracts:          10,
	}, quietLogger())
	m.SetPortfolioValue(100000)
	return m
}

// closes builds a price series from a start value and a repeated list
// of day-over-day deltas.
func closesFrom(start float64, n int, deltas ...float64) []float64 {
	out := make([]float64, 0, n)
	price := start
	out = append(out, price)
	for i := 1; i < n; i++ {
		price += deltas[(i-1)%len(deltas)]
		out = append(out, price)
	}
	return out
}

func barsFromCloses(closes []float64) []broker.Bar {
	bars := make([]broker.Bar, len(closes))
	for i, c := range closes {
		bars[i] = broker.Bar{Close: c, Volume: 1000000}
	}
	return bars
}

func callEntry(strike, bid, ask float64) broker.ChainEntry {
	return broker.ChainEntry{Strike: strike, Call: &broker.OptionQuote{Bid: bid, Ask: ask}}
}

func putEntry(strike, bid, ask float64) broker.ChainEntry {
	return broker.ChainEntry{Strike: strike, Put: &broker.OptionQuote{Bid: bid, Ask: ask}}
}

func straddleEntry(strike, callBid, callAsk, putBid, putAsk float64) broker.ChainEntry {
	return broker.ChainEntry{
		Strike: strike,
		Call:   &broker.OptionQuote{Bid: callBid, Ask: callAsk},
		Put:    &broker.OptionQuote{Bid: putBid, Ask: putAsk},
	}
}
