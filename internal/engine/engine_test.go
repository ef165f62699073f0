package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWindowDaysForRoundsUpToWholeDays(t *testing.T) {
	cases := []struct {
		timeframe string
		minBars   int
		want      int
	}{
		{"1h", 30, 2},
		{"1d", 5, 5},
		{"5m", 10, 1},
		{"1w", 2, 14},
	}
	for _, c := range cases {
		got := windowDaysFor(c.timeframe, c.minBars)
		assert.Equal(t, c.want, got, "%s x%d", c.timeframe, c.minBars)
	}
}

func TestWindowDaysForInvalidInputsReturnZero(t *testing.T) {
	assert.Equal(t, 0, windowDaysFor("not-a-timeframe", 10))
	assert.Equal(t, 0, windowDaysFor("1d", 0))
	assert.Equal(t, 0, windowDaysFor("1d", -5))
}

func TestRankInstancesSortsByScoreWhenPresent(t *testing.T) {
	instances := []map[string]interface{}{
		{"ticker": "AAPL", "score": 0.5},
		{"ticker": "MSFT", "score": 0.9},
		{"ticker": "TSLA", "score": 0.1},
	}
	ranked := rankInstances(instances)
	assert.Equal(t, []string{"MSFT", "AAPL", "TSLA"}, symbolsOf(ranked))
}

func TestRankInstancesFallsBackToRecencyWhenNoScores(t *testing.T) {
	instances := []map[string]interface{}{
		{"ticker": "AAPL", "timestamp": 100.0},
		{"ticker": "MSFT", "timestamp": 300.0},
		{"ticker": "TSLA", "timestamp": 200.0},
	}
	ranked := rankInstances(instances)
	assert.Equal(t, []string{"MSFT", "TSLA", "AAPL"}, symbolsOf(ranked))
}

func TestRankInstancesDerivesCurrentPriceFallbackChain(t *testing.T) {
	instances := []map[string]interface{}{
		{"ticker": "AAPL", "close": 150.0},
		{"ticker": "MSFT", "entry_price": 300.0, "close": 290.0},
	}
	ranked := rankInstances(instances)
	byTicker := map[string]RankedInstance{}
	for _, r := range ranked {
		byTicker[r.Symbol] = r
	}
	assert.Equal(t, 150.0, byTicker["AAPL"].CurrentPrice)
	assert.Equal(t, 300.0, byTicker["MSFT"].CurrentPrice)
}

func symbolsOf(ranked []RankedInstance) []string {
	out := make([]string, len(ranked))
	for i, r := range ranked {
		out[i] = r.Symbol
	}
	return out
}
