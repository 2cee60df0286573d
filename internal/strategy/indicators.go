package strategy

import "math"

// tradingDaysPerYear annualizes daily return volatility.
const tradingDaysPerYear = 252

// sma is the simple moving average of the trailing window. A window
// longer than the series averages the whole series.
func sma(closes []float64, window int) float64 {
	if len(closes) == 0 {
		return 0
	}
	if window > len(closes) {
		window = len(closes)
	}
	var sum float64
	for _, c := range closes[len(closes)-window:] {
		sum += c
	}
	return sum / float64(window)
}

// rsi is the relative strength index over the trailing period, computed
// from simple averages of gains and losses. Returns the neutral 50 when
// the series is too short.
func rsi(closes []float64, period int) float64 {
	if len(closes) < period+1 {
		return 50
	}

	var gains, losses float64
	start := len(closes) - period
	for i := start; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			gains += delta
		} else {
			losses -= delta
		}
	}
	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)

	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// historicalVolatility is the annualized standard deviation of daily
// returns over the trailing window.
func historicalVolatility(closes []float64, window int) float64 {
	if len(closes) < 2 {
		return 0
	}

	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] != 0 {
			returns = append(returns, (closes[i]-closes[i-1])/closes[i-1])
		}
	}
	if len(returns) == 0 {
		return 0
	}
	if window < len(returns) {
		returns = returns[len(returns)-window:]
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns))

	return math.Sqrt(variance) * math.Sqrt(tradingDaysPerYear)
}

// normCDF is the standard normal cumulative distribution function.
func normCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}

// expectedMove is the one-standard-deviation price move over daysOut
// calendar days at the given annualized volatility.
func expectedMove(price, volatility float64, daysOut int) float64 {
	return price * volatility * math.Sqrt(float64(daysOut)/365)
}

// downtrendDays counts consecutive lower closes at the end of the series.
func downtrendDays(closes []float64) int {
	count := 0
	for i := len(closes) - 1; i > 0; i-- {
		if closes[i] < closes[i-1] {
			count++
		} else {
			break
		}
	}
	return count
}
