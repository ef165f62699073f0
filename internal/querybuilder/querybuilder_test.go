package querybuilder

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strategyworker/internal/timeframe"
)

var withKeyword = regexp.MustCompile(`(?i)\bWITH\b`)

// assertSingleWithClause guards against regressing into two sequential
// WITH clauses (invalid Postgres syntax) — every CTE Build produces,
// including "base", must live in one comma-separated WITH list.
func assertSingleWithClause(t *testing.T, sql string) {
	t.Helper()
	assert.Len(t, withKeyword.FindAllString(sql, -1), 1, "expected exactly one WITH keyword in:\n%s", sql)
}

func TestBuildDirectRealtimeBindsTickerAndMinBars(t *testing.T) {
	tf, err := timeframe.Parse("1d")
	require.NoError(t, err)

	q, err := Build(tf, []string{"ticker", "timestamp", "open", "high", "low", "close", "volume"}, 1,
		Filters{Tickers: []string{"AAPL"}}, nil, nil)
	require.NoError(t, err)

	assert.Contains(t, q.SQL, "FROM ohlcv_1d")
	assert.Contains(t, q.SQL, "o.ticker IN ($1)")
	assert.Contains(t, q.SQL, "rn <= $2")
	require.Len(t, q.Args, 2)
	assert.Equal(t, "AAPL", q.Args[0])
	assert.Equal(t, 1, q.Args[1])
	assertSingleWithClause(t, q.SQL)
}

func TestBuildAggregatedUsesTimeBucket(t *testing.T) {
	tf, err := timeframe.Parse("3w")
	require.NoError(t, err)

	q, err := Build(tf, DefaultColumns, 5, Filters{Tickers: []string{"AAPL", "MSFT"}}, nil, nil)
	require.NoError(t, err)
	assert.Contains(t, q.SQL, "time_bucket('3 weeks'")
	assert.Contains(t, q.SQL, "FROM ohlcv_1d")
	assertSingleWithClause(t, q.SQL)
}

func TestBuildDateRangeOrdersAscendingAndBindsWindow(t *testing.T) {
	tf, err := timeframe.Parse("1d")
	require.NoError(t, err)

	start := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC)

	q, err := Build(tf, DefaultColumns, 3, Filters{Tickers: []string{"AAPL"}}, &start, &end)
	require.NoError(t, err)
	assert.Contains(t, q.SQL, "UNION ALL")
	assert.Contains(t, q.SQL, "ORDER BY ticker, ts ASC")
	assert.Contains(t, q.SQL, "rn <=")
	assertSingleWithClause(t, q.SQL)
}

func TestBuildProducesOneWithClauseRealtimeAndDateRange(t *testing.T) {
	tf, err := timeframe.Parse("1d")
	require.NoError(t, err)

	realtime, err := Build(tf, DefaultColumns, 5, Filters{Tickers: []string{"AAPL"}}, nil, nil)
	require.NoError(t, err)
	assertSingleWithClause(t, realtime.SQL)
	assert.Contains(t, realtime.SQL, "WITH base AS (")
	assert.Contains(t, realtime.SQL, "),\nranked AS (\n")

	start := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC)
	dateRange, err := Build(tf, DefaultColumns, 3, Filters{Tickers: []string{"AAPL"}}, &start, &end)
	require.NoError(t, err)
	assertSingleWithClause(t, dateRange.SQL)
	assert.Contains(t, dateRange.SQL, "WITH base AS (")
	assert.Contains(t, dateRange.SQL, "),\nin_range AS (\n")
}

func TestBuildEmptyProjectionFails(t *testing.T) {
	tf, err := timeframe.Parse("1d")
	require.NoError(t, err)

	_, err = Build(tf, []string{"not_a_real_column"}, 1, Filters{}, nil, nil)
	assert.ErrorIs(t, err, ErrBadColumn)
}

func TestBuildExtendedHoursFilterOnMinuteTable(t *testing.T) {
	tf, err := timeframe.Parse("5m")
	require.NoError(t, err)

	q, err := Build(tf, DefaultColumns, 10, Filters{ExtendedHours: false}, nil, nil)
	require.NoError(t, err)
	assert.Contains(t, q.SQL, "09:30")
	assert.Contains(t, q.SQL, "DOW FROM")

	q, err = Build(tf, DefaultColumns, 10, Filters{ExtendedHours: true}, nil, nil)
	require.NoError(t, err)
	assert.NotContains(t, q.SQL, "09:30")
}
