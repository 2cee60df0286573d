// Package strategy implements the directional option strategies the
// trading cycle dispatches to: bull call spreads, bear put spreads, and
// long volatility plays.
package strategy

import (
	"fmt"
	"log"
	"time"

	"github.com/Schmoll86/options-trading-bot-2026/internal/broker"
	"github.com/Schmoll86/options-trading-bot-2026/internal/models"
	"github.com/Schmoll86/options-trading-bot-2026/internal/risk"
)

// Strategy is implemented once per strategy kind. ScanOpportunities and
// ManagePositions must isolate per-symbol failures internally; ExecuteTrade
// returns an empty order id without error when a risk gate skips the trade.
type Strategy interface {
	Kind() models.StrategyKind
	ScanOpportunities(symbols []string) []models.Opportunity
	ExecuteTrade(opp models.Opportunity) (string, error)
	ManagePositions(positions []broker.Position) []models.CloseAction
}

// Shared scan parameters.
const (
	optimalDaysToExpiry = 45
	maxSymbolsPerScan   = 10
	topOpportunities    = 3

	// slippageAllowance widens leg limit prices so fills do not hang on
	// the exact mid.
	slippageAllowance = 0.02

	// timeExitDTE closes directional spreads before theta decay
	// dominates in the final stretch.
	timeExitDTE = 10
)

// base carries the collaborators every strategy shares.
type base struct {
	client broker.Client
	gate   *risk.Manager
	logger *log.Logger
}

// optimalExpiry returns the target expiration date, daysOut from now.
func optimalExpiry(daysOut int) string {
	return time.Now().AddDate(0, 0, daysOut).Format("2006-01-02")
}

// mid returns the bid/ask midpoint, or false when either side is missing.
func mid(q *broker.OptionQuote) (float64, bool) {
	if q == nil || q.Bid == 0 || q.Ask == 0 {
		return 0, false
	}
	return (q.Bid + q.Ask) / 2, true
}

// leg is one side of a multi-leg order.
type leg struct {
	contract broker.Contract
	action   broker.OrderAction
	limit    float64
}

// placeLegs qualifies and submits each leg in order and returns the first
// leg's order id. A failed later leg is logged but does not undo earlier
// fills; the monitor reconciles partial spreads on its next pass.
func (b *base) placeLegs(symbol string, quantity int, legs []leg) (string, error) {
	for _, l := range legs {
		if _, err := b.client.GetContractDetails(l.contract); err != nil {
			return "", fmt.Errorf("qualifying %s %s %.2f: %w", symbol, l.contract.Right, l.contract.Strike, err)
		}
	}

	var firstID string
	for i, l := range legs {
		order := broker.Order{
			Action:     l.action,
			Quantity:   quantity,
			OrderType:  "limit",
			LimitPrice: l.limit,
			Duration:   "gtc",
		}
		id, err := b.client.PlaceOrder(l.contract, order)
		if err != nil {
			if i > 0 {
				b.logger.Printf("strategy: leg %d of %s failed after earlier fills: %v", i+1, symbol, err)
			}
			return firstID, fmt.Errorf("placing %s leg for %s: %w", l.action, symbol, err)
		}
		if firstID == "" {
			firstID = id
		}
	}
	return firstID, nil
}

// optionContract builds an option contract for one leg.
func optionContract(symbol, expiry string, strike float64, right broker.Right) broker.Contract {
	return broker.Contract{
		Symbol:   symbol,
		SecType:  "OPT",
		Strike:   strike,
		Right:    right,
		Expiry:   expiry,
		Exchange: "SMART",
		Currency: "USD",
	}
}

// positionPnLPct is the percent gain or loss of a gateway position
// relative to its average cost.
func positionPnLPct(p broker.Position) float64 {
	if p.AvgCost == 0 || p.Quantity == 0 {
		return 0
	}
	current := p.MarketValue / absFloat(p.Quantity)
	return (current - p.AvgCost) / p.AvgCost * 100
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// tradeFromPosition adapts a raw gateway position into the close-action
// payload; entry context beyond average cost is not available here.
// daysToExpiry recovers the expiry from an OCC-style option symbol
// (root + YYMMDD + C/P + 8-digit strike). Returns false for equity
// symbols or anything it cannot parse.
func daysToExpiry(symbol string) (int, bool) {
	if len(symbol) < 16 {
		return 0, false
	}
	expiry, err := time.Parse("060102", symbol[len(symbol)-15:len(symbol)-9])
	if err != nil {
		return 0, false
	}
	return int(time.Until(expiry).Hours() / 24), true
}

func tradeFromPosition(p broker.Position, kind models.StrategyKind) models.Trade {
	return models.Trade{
		ID:         p.Symbol,
		Symbol:     p.Symbol,
		Strategy:   kind,
		EntryPrice: p.AvgCost,
		Quantity:   int(absFloat(p.Quantity)),
	}
}
