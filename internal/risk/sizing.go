package risk

import "github.com/Schmoll86/options-trading-bot-2026/internal/util"

// kellyCap bounds the Kelly fraction so a hot streak never concentrates
// more than a quarter of the portfolio in one trade.
const kellyCap = 0.25

// maxContractsDefault is the absolute per-trade contract ceiling.
const maxContractsDefault = 10

// KellyFraction is the simplified Kelly criterion used for sizing,
// clamped to [0, kellyCap]. winAmount and lossAmount are per-contract
// dollar figures.
func KellyFraction(winProb, winAmount, lossAmount float64) float64 {
	if winAmount <= 0 {
		return 0
	}
	lossProb := 1 - winProb
	f := (winProb*winAmount - lossProb*lossAmount) / winAmount
	return util.Clamp(f, 0, kellyCap)
}

// PositionSize blends a risk-capital bound with a Kelly bound and takes
// the smaller, capped at maxContracts and floored at one contract.
// availableCapital is the dollar budget for this trade, maxLoss the
// per-contract worst case.
func PositionSize(availableCapital, portfolioValue, maxLoss, winProb, maxProfit float64, maxContracts int) int {
	if maxContracts <= 0 {
		maxContracts = maxContractsDefault
	}
	if maxLoss <= 0 {
		return 1
	}

	byRisk := int(availableCapital / maxLoss)
	kelly := KellyFraction(winProb, maxProfit, maxLoss)
	byKelly := int((portfolioValue * kelly) / maxLoss)

	size := byRisk
	if byKelly < size {
		size = byKelly
	}
	if size > maxContracts {
		size = maxContracts
	}
	if size < 1 {
		size = 1
	}
	return size
}
