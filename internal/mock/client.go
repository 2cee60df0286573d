// Package mock is a paper-trading broker: synthetic quotes, bars and
// chains, with simulated fills held in memory. It lets the whole bot
// run end to end with no gateway process and no money.
package mock

import (
	"context"
	"crypto/rand"
	"log"
	"math"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/Schmoll86/options-trading-bot-2026/internal/broker"
	"github.com/Schmoll86/options-trading-bot-2026/internal/util"
)

// secureFloat64 generates a cryptographically secure random float64 between 0 and 1
func secureFloat64() float64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		return 0.5
	}
	return float64(n.Int64()) / (1 << 53)
}

func secureInt63n(n int64) int64 {
	r, err := rand.Int(rand.Reader, big.NewInt(n))
	if err != nil {
		return n / 2
	}
	return r.Int64()
}

// Client implements the broker interface against generated data.
type Client struct {
	logger *log.Logger

	mu        sync.Mutex
	cash      float64
	prices    map[string]float64
	closes    map[string]float64
	positions map[string]broker.Position
	orderSeq  int
	connected bool
}

var _ broker.Client = (*Client)(nil)

func NewClient(initialCash float64, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Default()
	}
	return &Client{
		logger:    logger,
		cash:      initialCash,
		prices:    make(map[string]float64),
		closes:    make(map[string]float64),
		positions: make(map[string]broker.Position),
	}
}

func (c *Client) Connect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	c.logger.Println("mock: paper session connected")
	return nil
}

func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.logger.Println("mock: paper session disconnected")
	return nil
}

// price returns the symbol's walked price, seeding it on first sight.
// Callers hold c.mu.
func (c *Client) price(symbol string) float64 {
	p, ok := c.prices[symbol]
	if !ok {
		switch symbol {
		case "SPY":
			p = 560 + secureFloat64()*10
		case "VIX":
			p = 14 + secureFloat64()*10
		default:
			p = 50 + secureFloat64()*450
		}
		c.prices[symbol] = p
		c.closes[symbol] = p * (1 - 0.01 + secureFloat64()*0.02)
	}
	return p
}

func (c *Client) GetMarketData(symbol string) (*broker.Quote, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.price(symbol)
	p *= 1 + (secureFloat64()-0.5)*0.004
	c.prices[symbol] = p

	prevClose := c.closes[symbol]
	spread := p * 0.0004
	change := 0.0
	if prevClose != 0 {
		change = (p - prevClose) / prevClose * 100
	}

	return &broker.Quote{
		Symbol:        symbol,
		Last:          p,
		Bid:           p - spread/2,
		Ask:           p + spread/2,
		Close:         prevClose,
		PrevClose:     prevClose,
		Volume:        secureInt63n(50_000_000),
		AverageVolume: 30_000_000,
		ChangePct:     change,
	}, nil
}

func (c *Client) GetHistoricalData(symbol string, duration time.Duration, barSize string) ([]broker.Bar, error) {
	c.mu.Lock()
	end := c.price(symbol)
	c.mu.Unlock()

	step := 24 * time.Hour
	if barSize == "hourly" {
		step = time.Hour
	}
	n := int(duration / step)
	if n < 2 {
		n = 2
	}

	// Walk backwards from the live price so the series ends where the
	// quote is.
	closes := make([]float64, n)
	closes[n-1] = end
	for i := n - 2; i >= 0; i-- {
		closes[i] = closes[i+1] / (1 + (secureFloat64()-0.5)*0.03)
	}

	bars := make([]broker.Bar, n)
	now := time.Now()
	for i, cl := range closes {
		openPrice := cl * (1 + (secureFloat64()-0.5)*0.01)
		bars[i] = broker.Bar{
			Date:   now.Add(-time.Duration(n-1-i) * step).Format("2006-01-02"),
			Open:   openPrice,
			High:   math.Max(openPrice, cl) * 1.005,
			Low:    math.Min(openPrice, cl) * 0.995,
			Close:  cl,
			Volume: secureInt63n(10_000_000),
		}
	}
	return bars, nil
}

func (c *Client) GetOptionsChain(symbol, expiry string) ([]broker.ChainEntry, error) {
	c.mu.Lock()
	p := c.price(symbol)
	c.mu.Unlock()

	expDate, err := time.Parse("2006-01-02", expiry)
	if err != nil {
		return nil, err
	}
	dte := time.Until(expDate).Hours() / 24
	if dte < 1 {
		dte = 1
	}

	// Flat 25% vol surface is close enough for paper fills.
	const vol = 0.25
	timeValueATM := p * vol * math.Sqrt(dte/365) * 0.4

	interval := util.RoundToTick(p/50, 0.5)
	if interval < 0.5 {
		interval = 0.5
	}
	start := util.FloorToTick(p*0.8, interval)

	var chain []broker.ChainEntry
	for strike := start; strike <= p*1.2; strike += interval {
		distance := math.Abs(strike-p) / p
		timeValue := timeValueATM * math.Exp(-distance*8)

		callMid := math.Max(0, p-strike) + timeValue
		putMid := math.Max(0, strike-p) + timeValue

		chain = append(chain, broker.ChainEntry{
			Strike: strike,
			Call:   c.optionQuote(symbol, expiry, strike, broker.RightCall, callMid, p),
			Put:    c.optionQuote(symbol, expiry, strike, broker.RightPut, putMid, p),
		})
	}
	return chain, nil
}

func (c *Client) optionQuote(symbol, expiry string, strike float64, right broker.Right, mid, underlying float64) *broker.OptionQuote {
	contract := broker.Contract{Symbol: symbol, SecType: "OPT", Strike: strike, Right: right, Expiry: expiry}

	delta := 0.5 * math.Exp(-math.Abs(strike-underlying)/underlying*8)
	if (right == broker.RightCall && strike < underlying) || (right == broker.RightPut && strike > underlying) {
		delta = 1 - delta
	}
	if right == broker.RightPut {
		delta = -delta
	}

	halfSpread := math.Max(0.01, mid*0.02)
	return &broker.OptionQuote{
		Symbol:       contract.OptionSymbol(),
		Bid:          util.FloorToTick(math.Max(0.01, mid-halfSpread), 0.01),
		Ask:          util.CeilToTick(mid+halfSpread, 0.01),
		Last:         util.RoundToTick(mid, 0.01),
		Volume:       secureInt63n(5000),
		OpenInterest: secureInt63n(20000),
		Delta:        delta,
		ImpliedVol:   0.25,
	}
}

func (c *Client) GetContractDetails(contract broker.Contract) (*broker.ContractDetails, error) {
	return &broker.ContractDetails{
		Contract:      contract,
		MinTick:       0.01,
		Multiplier:    100,
		TradingHours:  "09:30-16:00",
		LongName:      contract.Symbol,
		MarketName:    "PAPER",
		ValidExchange: "SMART",
	}, nil
}

func (c *Client) IsTradingHalted(string) (bool, error) { return false, nil }

func (c *Client) GetAccountValue(tag string) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch tag {
	case broker.TagTotalCash:
		return c.cash, nil
	case broker.TagBuyingPower:
		return c.cash * 2, nil
	default:
		total := c.cash
		for _, p := range c.positions {
			total += p.MarketValue
		}
		return total, nil
	}
}

// GetPositions drifts each held position a little before reporting it,
// so exits have something to react to.
func (c *Client) GetPositions() ([]broker.Position, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]broker.Position, 0, len(c.positions))
	for key, p := range c.positions {
		p.MarketValue *= 1 + (secureFloat64()-0.5)*0.02
		p.UnrealizedPL = p.MarketValue - p.AvgCost*math.Abs(p.Quantity)
		c.positions[key] = p
		out = append(out, p)
	}
	return out, nil
}

// PlaceOrder fills immediately at the limit price (or the synthetic mid
// for market orders) and books the position.
func (c *Client) PlaceOrder(contract broker.Contract, order broker.Order) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fill := order.LimitPrice
	if order.OrderType != "limit" || fill == 0 {
		fill = c.price(contract.Symbol) * 0.01 // nominal per-contract price
	}

	key := contract.OptionSymbol()
	qty := float64(order.Quantity)
	if order.Action == broker.ActionSell {
		qty = -qty
	}
	cost := fill * qty * 100

	pos, held := c.positions[key]
	if held {
		pos.Quantity += qty
	} else {
		pos = broker.Position{
			Symbol:   key,
			SecType:  contract.SecType,
			Quantity: qty,
			AvgCost:  fill,
		}
	}
	if pos.Quantity == 0 {
		delete(c.positions, key)
	} else {
		pos.MarketValue = pos.AvgCost * pos.Quantity
		c.positions[key] = pos
	}
	c.cash -= cost

	c.orderSeq++
	id := "paper-" + strconv.Itoa(c.orderSeq)
	c.logger.Printf("mock: filled %s %d %s @ %.2f (order %s)", order.Action, order.Quantity, key, fill, id)
	return id, nil
}
