package broker

import (
	"fmt"
	"time"
)

// APIError represents a non-2xx response from the gateway.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway API error: status=%d body=%s", e.Status, e.Body)
}

// Quote is a market data snapshot for a single symbol.
type Quote struct {
	Symbol        string  `json:"symbol"`
	Last          float64 `json:"last"`
	Bid           float64 `json:"bid"`
	Ask           float64 `json:"ask"`
	Close         float64 `json:"close"`
	PrevClose     float64 `json:"prev_close"`
	Volume        int64   `json:"volume"`
	AverageVolume int64   `json:"average_volume"`
	ChangePct     float64 `json:"change_percentage"`
}

// Bar is a single historical price bar.
type Bar struct {
	Date   string  `json:"date"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

// OptionQuote carries the tradable prices for one side of a strike.
type OptionQuote struct {
	Symbol       string  `json:"symbol"`
	Bid          float64 `json:"bid"`
	Ask          float64 `json:"ask"`
	Last         float64 `json:"last"`
	Volume       int64   `json:"volume"`
	OpenInterest int64   `json:"open_interest"`
	Delta        float64 `json:"delta"`
	ImpliedVol   float64 `json:"implied_vol"`
}

// ChainEntry is one strike row of an options chain: the call and put
// quotes at that strike for a single expiry.
type ChainEntry struct {
	Strike float64      `json:"strike"`
	Call   *OptionQuote `json:"call,omitempty"`
	Put    *OptionQuote `json:"put,omitempty"`
}

// Right identifies the option side of a contract.
type Right string

const (
	RightCall Right = "call"
	RightPut  Right = "put"
)

// Contract identifies a tradable instrument. Strike, Right and Expiry
// are zero-valued for plain equity contracts.
type Contract struct {
	Symbol   string  `json:"symbol"`
	SecType  string  `json:"sec_type"` // "STK" or "OPT"
	Strike   float64 `json:"strike,omitempty"`
	Right    Right   `json:"right,omitempty"`
	Expiry   string  `json:"expiry,omitempty"` // YYYY-MM-DD
	Exchange string  `json:"exchange,omitempty"`
	Currency string  `json:"currency,omitempty"`
}

// OptionSymbol renders the OCC-style option symbol for the contract,
// or the plain ticker for equities.
func (c Contract) OptionSymbol() string {
	if c.SecType != "OPT" {
		return c.Symbol
	}
	t, err := time.Parse("2006-01-02", c.Expiry)
	if err != nil {
		return c.Symbol
	}
	side := "C"
	if c.Right == RightPut {
		side = "P"
	}
	return fmt.Sprintf("%s%s%s%08d", c.Symbol, t.Format("060102"), side, int(c.Strike*1000))
}

// UnderlyingSymbol recovers the ticker from an OCC-style option symbol,
// the inverse of OptionSymbol. Anything that does not parse as an
// option symbol is returned unchanged, so equity tickers pass through.
func UnderlyingSymbol(symbol string) string {
	if len(symbol) < 16 {
		return symbol
	}
	tail := symbol[len(symbol)-9:]
	if tail[0] != 'C' && tail[0] != 'P' {
		return symbol
	}
	for _, d := range tail[1:] {
		if d < '0' || d > '9' {
			return symbol
		}
	}
	if _, err := time.Parse("060102", symbol[len(symbol)-15:len(symbol)-9]); err != nil {
		return symbol
	}
	return symbol[:len(symbol)-15]
}

// OrderAction is the order side.
type OrderAction string

const (
	ActionBuy  OrderAction = "buy"
	ActionSell OrderAction = "sell"
)

// Order describes how to trade a Contract.
type Order struct {
	Action     OrderAction `json:"action"`
	Quantity   int         `json:"quantity"`
	OrderType  string      `json:"type"`                  // "limit" or "market"
	LimitPrice float64     `json:"limit_price,omitempty"` // per contract, not per share
	Duration   string      `json:"duration,omitempty"`    // "day" or "gtc"
	Tag        string      `json:"tag,omitempty"`
}

// Position is an open position reported by the gateway.
type Position struct {
	Symbol       string  `json:"symbol"`
	SecType      string  `json:"sec_type"`
	Quantity     float64 `json:"quantity"`
	AvgCost      float64 `json:"avg_cost"`
	MarketValue  float64 `json:"market_value"`
	UnrealizedPL float64 `json:"unrealized_pl"`
}

// ContractDetails carries exchange-level metadata about a contract.
type ContractDetails struct {
	Contract      Contract `json:"contract"`
	MinTick       float64  `json:"min_tick"`
	Multiplier    int      `json:"multiplier"`
	TradingHours  string   `json:"trading_hours"`
	LongName      string   `json:"long_name"`
	MarketName    string   `json:"market_name"`
	ValidExchange string   `json:"valid_exchanges"`
}

// AccountValueTags understood by GetAccountValue.
const (
	TagNetLiquidation = "NetLiquidation"
	TagBuyingPower    = "BuyingPower"
	TagTotalCash      = "TotalCashValue"
)
