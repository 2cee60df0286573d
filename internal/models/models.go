// Package models holds the domain types shared across the bot: scored
// opportunities, open trades, and exit lifecycle states.
package models

import (
	"fmt"
	"time"
)

// ContractMultiplier is the share count behind one equity option contract.
const ContractMultiplier = 100

// StrategyKind names the directional strategy that produced a trade.
type StrategyKind string

const (
	StrategyBull     StrategyKind = "bull"
	StrategyBear     StrategyKind = "bear"
	StrategyVolatile StrategyKind = "volatile"
)

// Valid reports whether the kind is one the bot knows how to manage.
func (k StrategyKind) Valid() bool {
	switch k {
	case StrategyBull, StrategyBear, StrategyVolatile:
		return true
	}
	return false
}

// Opportunity is a scored candidate trade produced by a strategy scan.
type Opportunity struct {
	Symbol            string
	Strategy          StrategyKind
	Score             float64
	ProbabilityProfit float64
	MaxProfit         float64
	MaxLoss           float64
	PositionSize      int
	Strikes           []float64
	LegPrices         []float64 // mid price per leg, parallel to Strikes
	Expiry            string
	Debit             float64
}

// TotalRisk is the worst-case dollar loss of the sized trade.
func (o Opportunity) TotalRisk() float64 {
	return o.MaxLoss * float64(o.PositionSize) * ContractMultiplier
}

// Trade is an open position as tracked by the bot (distinct from the
// gateway's raw position record, which has no entry context).
type Trade struct {
	ID         string
	Symbol     string
	Strategy   StrategyKind
	EntryPrice float64
	Quantity   int
	Strikes    []float64
	Expiry     string
	OrderID    string
	OpenedAt   time.Time
}

// ExitState is the lifecycle state of an open trade.
type ExitState string

const (
	StateHolding        ExitState = "holding"
	StateTrailingActive ExitState = "trailing_active"
	StateClosed         ExitState = "closed"
)

// ExitReason is the outcome of an exit check.
type ExitReason string

const (
	ExitHold           ExitReason = "hold"
	ExitStopLoss       ExitReason = "stop_loss"
	ExitTakeProfit     ExitReason = "take_profit"
	ExitTrailingActive ExitReason = "trailing_active"
	ExitTrailingStop   ExitReason = "trailing_stop"
	ExitTimeLimit      ExitReason = "time_exit"
)

// Closes reports whether the reason terminates the trade.
func (r ExitReason) Closes() bool {
	switch r {
	case ExitStopLoss, ExitTakeProfit, ExitTrailingStop, ExitTimeLimit:
		return true
	}
	return false
}

// CloseAction instructs the executor to close a trade.
type CloseAction struct {
	Trade  Trade
	Reason ExitReason
	Price  float64
}

func (a CloseAction) String() string {
	return fmt.Sprintf("close %s (%s) at %.2f: %s", a.Trade.Symbol, a.Trade.Strategy, a.Price, a.Reason)
}
