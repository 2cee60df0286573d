// Package news derives the market regime the trading cycle keys off:
// bullish, bearish, neutral, or volatile.
package news

import (
	"log"

	"github.com/Schmoll86/options-trading-bot-2026/internal/broker"
)

// Condition is the overall market regime for a cycle.
type Condition string

const (
	ConditionBullish  Condition = "bullish"
	ConditionBearish  Condition = "bearish"
	ConditionNeutral  Condition = "neutral"
	ConditionVolatile Condition = "volatile"
)

// Thresholds for regime classification. SPY moves under half a percent
// are treated as noise; VIX above 20 marks an elevated-volatility regime
// regardless of direction.
const (
	spyChangeThreshold = 0.005
	vixVolatileLevel   = 20.0
)

// Sentiment is the analyzed market state for one cycle.
type Sentiment struct {
	Condition    Condition `json:"condition"`
	SPYPrice     float64   `json:"spy_price"`
	SPYChangePct float64   `json:"spy_change_pct"`
	VIXLevel     float64   `json:"vix_level"`
}

func (s Sentiment) Bullish() bool  { return s.Condition == ConditionBullish }
func (s Sentiment) Bearish() bool  { return s.Condition == ConditionBearish }
func (s Sentiment) Volatile() bool { return s.Condition == ConditionVolatile }
func (s Sentiment) Neutral() bool  { return s.Condition == ConditionNeutral }

// Analyzer classifies the market using SPY direction and the VIX level.
type Analyzer struct {
	client broker.Client
	logger *log.Logger
}

// NewAnalyzer creates a sentiment analyzer reading through the given client.
func NewAnalyzer(client broker.Client, logger *log.Logger) *Analyzer {
	if logger == nil {
		logger = log.Default()
	}
	return &Analyzer{client: client, logger: logger}
}

// MarketSentiment classifies the current regime. Any data failure
// degrades to neutral rather than erroring: a cycle without sentiment
// simply scans nothing directional.
func (a *Analyzer) MarketSentiment() Sentiment {
	s := Sentiment{Condition: ConditionNeutral}

	spy, err := a.client.GetMarketData("SPY")
	if err != nil || spy == nil || spy.Last == 0 {
		a.logger.Printf("news: no SPY data, defaulting to neutral: %v", err)
		return s
	}
	s.SPYPrice = spy.Last

	if spy.Close != 0 && spy.Close != spy.Last {
		changePct := (spy.Last - spy.Close) / spy.Close
		s.SPYChangePct = changePct
		switch {
		case changePct > spyChangeThreshold:
			s.Condition = ConditionBullish
		case changePct < -spyChangeThreshold:
			s.Condition = ConditionBearish
		}
	}

	// VIX is best-effort; a volatile regime overrides the trend read.
	vix, err := a.client.GetMarketData("VIX")
	if err == nil && vix != nil && vix.Last > 0 {
		s.VIXLevel = vix.Last
		if vix.Last > vixVolatileLevel {
			a.logger.Printf("news: high volatility regime, VIX=%.2f", vix.Last)
			s.Condition = ConditionVolatile
		}
	}

	a.logger.Printf("news: sentiment=%s spy=%.2f change=%.3f%% vix=%.2f",
		s.Condition, s.SPYPrice, s.SPYChangePct*100, s.VIXLevel)
	return s
}
