package risk

import "testing"

func TestKellyFraction(t *testing.T) {
	tests := []struct {
		name     string
		winProb  float64
		win      float64
		loss     float64
		expected float64
	}{
		{"positive edge", 0.60, 300, 200, (0.6*300 - 0.4*200) / 300},
		{"no edge clamps to zero", 0.30, 100, 300, 0},
		{"huge edge caps at quarter", 0.90, 1000, 10, 0.25},
		{"zero win amount", 0.50, 0, 100, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := KellyFraction(tt.winProb, tt.win, tt.loss)
			if got != tt.expected {
				t.Errorf("KellyFraction = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestPositionSize(t *testing.T) {
	tests := []struct {
		name         string
		capital      float64
		portfolio    float64
		maxLoss      float64
		winProb      float64
		maxProfit    float64
		maxContracts int
		want         int
	}{
		{
			// byRisk = 10000/400 = 25, kelly capped 0.25 -> byKelly = 25000/400 = 62,
			// ceiling 10 wins.
			name: "ceiling caps a large account", capital: 10000, portfolio: 100000,
			maxLoss: 400, winProb: 0.9, maxProfit: 4000, maxContracts: 10, want: 10,
		},
		{
			// byRisk = 900/400 = 2 is the binding constraint.
			name: "risk capital binds", capital: 900, portfolio: 100000,
			maxLoss: 400, winProb: 0.9, maxProfit: 4000, maxContracts: 10, want: 2,
		},
		{
			// Kelly = (0.4*300-0.6*300)/300 < 0 -> clamps to 0 -> byKelly 0 -> floor 1.
			name: "negative edge floors at one", capital: 5000, portfolio: 100000,
			maxLoss: 300, winProb: 0.4, maxProfit: 300, maxContracts: 10, want: 1,
		},
		{
			name: "degenerate max loss returns one", capital: 5000, portfolio: 100000,
			maxLoss: 0, winProb: 0.5, maxProfit: 100, maxContracts: 10, want: 1,
		},
		{
			name: "zero ceiling falls back to default", capital: 100000, portfolio: 1000000,
			maxLoss: 100, winProb: 0.9, maxProfit: 1000, maxContracts: 0, want: 10,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PositionSize(tt.capital, tt.portfolio, tt.maxLoss, tt.winProb, tt.maxProfit, tt.maxContracts)
			if got != tt.want {
				t.Errorf("PositionSize = %d, want %d", got, tt.want)
			}
		})
	}
}
