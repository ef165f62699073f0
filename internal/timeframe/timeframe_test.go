package timeframe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWorkedExamples(t *testing.T) {
	cases := []struct {
		in      string
		english string
		table   BaseTable
	}{
		{"5m", "5 minutes", TableOHLCV1Min},
		{"2h", "2 hours", TableOHLCV1Min},
		{"3w", "3 weeks", TableOHLCV1Day},
		{"7", "7 minutes", TableOHLCV1Min},
		{"2y", "2 years", TableOHLCV1Day},
	}
	for _, c := range cases {
		p, err := Parse(c.in)
		require.NoError(t, err, c.in)
		assert.Equal(t, c.english, p.English(), c.in)
		assert.Equal(t, c.table, p.BaseTable, c.in)
	}
}

func TestParseBadTimeframe(t *testing.T) {
	_, err := Parse("5xy")
	assert.ErrorIs(t, err, ErrBadTimeframe)
}

func TestParseDirectSentinel(t *testing.T) {
	p, err := Parse("1m")
	require.NoError(t, err)
	assert.True(t, p.Direct)

	p, err = Parse("1d")
	require.NoError(t, err)
	assert.True(t, p.Direct)

	p, err = Parse("2d")
	require.NoError(t, err)
	assert.False(t, p.Direct)
}

func TestParseQuarterAndYearUseDailyTable(t *testing.T) {
	for _, unit := range []string{"q", "y", "d", "w", "mo"} {
		p, err := Parse("1" + unit)
		require.NoError(t, err, unit)
		assert.Equal(t, TableOHLCV1Day, p.BaseTable, unit)
	}
	for _, unit := range []string{"m", "h"} {
		p, err := Parse("1" + unit)
		require.NoError(t, err, unit)
		assert.Equal(t, TableOHLCV1Min, p.BaseTable, unit)
	}
}

func TestMinBarsClamping(t *testing.T) {
	assert.Equal(t, 1, MinBars(0))
	assert.Equal(t, 1, MinBars(-5))
	assert.Equal(t, 10000, MinBars(20000))
	assert.Equal(t, 50, MinBars(50))
}
