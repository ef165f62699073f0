// Package querybuilder turns a timeframe, column projection and filter
// set into parameterized SQL against the ohlcv_1m / ohlcv_1d tables.
//
// Every dynamic value is bound through a placeholder ($1, $2, ...); table
// names and the bucket interval come from timeframe.Parse's closed set,
// never from caller-controlled strings, so there is no SQL-injection
// surface here even though the statement itself is assembled with
// strings.Builder/fmt.Sprintf in the same style internal/app/strategy's
// compile.go used for its (unparameterized) CTE construction.
package querybuilder

import (
	"fmt"
	"strings"
	"time"

	"strategyworker/internal/timeframe"
)

// ErrBadColumn is returned when the requested column projection has no
// surviving columns after allow-list filtering.
var ErrBadColumn = fmt.Errorf("querybuilder: no columns survive the allow-list")

var columnAllowList = map[string]bool{
	"ticker": true, "timestamp": true, "open": true, "high": true,
	"low": true, "close": true, "volume": true, "transactions": true,
}

// DefaultColumns is the projection used when the caller omits columns.
var DefaultColumns = []string{"ticker", "timestamp", "open", "high", "low", "close", "volume"}

// Filters narrows the ticker set and toggles extended-hours inclusion.
type Filters struct {
	Tickers       []string
	ExtendedHours bool
}

// Query is a built statement plus its positional arguments.
type Query struct {
	SQL  string
	Args []interface{}
}

// Build produces the SQL for one get_bar_data call. startDate/endDate
// nil together means realtime mode; both set means date-range mode.
func Build(tf timeframe.Parsed, columns []string, minBars int, filters Filters, startDate, endDate *time.Time) (Query, error) {
	cols := filterColumns(columns)
	if len(cols) == 0 {
		return Query{}, ErrBadColumn
	}
	minBars = timeframe.MinBars(minBars)

	var args []interface{}
	bind := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	base, err := buildBaseCTE(tf, filters, bind)
	if err != nil {
		return Query{}, err
	}

	var body string
	if startDate != nil && endDate != nil {
		body = buildDateRangeBody(cols, minBars, bind, *startDate, *endDate)
	} else {
		body = buildRealtimeBody(cols, minBars, bind)
	}

	sql := fmt.Sprintf("WITH base AS (\n%s\n),\n%s", indent(base, 1), body)
	return Query{SQL: sql, Args: args}, nil
}

// Columns applies the same allow-list projection Build uses, so callers
// that need to know the resulting column order ahead of executing the
// query (e.g. to label a column-major result table) don't have to
// reimplement the filtering.
func Columns(columns []string) []string {
	return filterColumns(columns)
}

// filterColumns keeps only allow-listed columns, preserving caller order.
func filterColumns(columns []string) []string {
	if len(columns) == 0 {
		columns = DefaultColumns
	}
	out := make([]string, 0, len(columns))
	for _, c := range columns {
		if columnAllowList[c] {
			out = append(out, c)
		}
	}
	return out
}

// buildBaseCTE emits the row source: a direct select off ohlcv_1m/ohlcv_1d
// for the two direct timeframes, or a time_bucket aggregation CTE for
// everything else. Both shapes expose the same (ticker, ts, open, high,
// low, close, volume, transactions) column set so the ranking/windowing
// logic in buildRealtimeBody/buildDateRangeBody is identical either way.
func buildBaseCTE(tf timeframe.Parsed, filters Filters, bind func(interface{}) string) (string, error) {
	var where []string

	if len(filters.Tickers) > 0 {
		placeholders := make([]string, len(filters.Tickers))
		for i, t := range filters.Tickers {
			placeholders[i] = bind(t)
		}
		where = append(where, fmt.Sprintf("o.ticker IN (%s)", strings.Join(placeholders, ",")))
	}

	extendedHoursClause := ""
	if tf.BaseTable == timeframe.TableOHLCV1Min && !filters.ExtendedHours {
		extendedHoursClause = " AND (o.timestamp AT TIME ZONE 'America/New_York')::time >= '09:30' " +
			"AND (o.timestamp AT TIME ZONE 'America/New_York')::time < '16:00' " +
			"AND EXTRACT(DOW FROM o.timestamp AT TIME ZONE 'America/New_York') BETWEEN 1 AND 5"
	}

	whereClause := ""
	if len(where) > 0 {
		whereClause = "WHERE " + strings.Join(where, " AND ")
	}

	if tf.Direct {
		directWhere := whereClause
		if directWhere == "" && extendedHoursClause != "" {
			directWhere = "WHERE TRUE"
		}
		return fmt.Sprintf(
			"SELECT o.ticker AS ticker,\n"+
				"       EXTRACT(EPOCH FROM o.timestamp)::bigint AS ts,\n"+
				"       o.open/1000.0 AS open, o.high/1000.0 AS high,\n"+
				"       o.low/1000.0 AS low, o.close/1000.0 AS close,\n"+
				"       o.volume AS volume, o.transactions AS transactions\n"+
				"FROM %s o\n%s%s",
			tf.BaseTable, directWhere, extendedHoursClause,
		), nil
	}

	// Aggregated path: group the base table into buckets via TimescaleDB's
	// time_bucket(), carrying the extended-hours filter inside the CTE so
	// it applies to the rows feeding the aggregate, not to the bucket as
	// a whole.
	underlyingTable := timeframe.TableOHLCV1Min
	if tf.BaseTable == timeframe.TableOHLCV1Day {
		underlyingTable = timeframe.TableOHLCV1Day
	}

	innerWhere := whereClause
	if underlyingTable == timeframe.TableOHLCV1Min {
		if innerWhere == "" {
			innerWhere = "WHERE TRUE" + extendedHoursClause
		} else {
			innerWhere += extendedHoursClause
		}
	}

	return fmt.Sprintf(
		"SELECT o.ticker AS ticker,\n"+
			"       EXTRACT(EPOCH FROM time_bucket('%s', o.timestamp AT TIME ZONE 'America/New_York'))::bigint AS ts,\n"+
			"       first(o.open/1000.0, o.timestamp) AS open,\n"+
			"       max(o.high/1000.0) AS high,\n"+
			"       min(o.low/1000.0) AS low,\n"+
			"       last(o.close/1000.0, o.timestamp) AS close,\n"+
			"       sum(o.volume) AS volume,\n"+
			"       sum(o.transactions) AS transactions\n"+
			"FROM %s o\n%s\n"+
			"GROUP BY o.ticker, time_bucket('%s', o.timestamp AT TIME ZONE 'America/New_York')",
		tf.PGInterval(), underlyingTable, innerWhere, tf.PGInterval(),
	), nil
}

// buildRealtimeBody ranks rows per ticker by ts DESC and keeps the most
// recent minBars, dropping tickers with insufficient history. The
// returned text is a CTE-list member (no leading WITH keyword) so Build
// can splice it into the same WITH clause as the base CTE.
func buildRealtimeBody(cols []string, minBars int, bind func(interface{}) string) string {
	minBarsParam := bind(minBars)
	projection := projectColumns(cols, "ranked")
	return fmt.Sprintf(
		"ranked AS (\n"+
			"  SELECT base.*,\n"+
			"         ROW_NUMBER() OVER (PARTITION BY ticker ORDER BY ts DESC) AS rn,\n"+
			"         COUNT(*) OVER (PARTITION BY ticker) AS total_bars\n"+
			"  FROM base\n"+
			")\n"+
			"SELECT %s\n"+
			"FROM ranked\n"+
			"WHERE rn <= %s AND total_bars >= %s\n"+
			"ORDER BY ticker, ts DESC",
		projection, minBarsParam, minBarsParam,
	)
}

// buildDateRangeBody unions in-range rows with up to minBars-1 pre-roll
// rows strictly before start_date, ordered ascending. The returned text
// is a CTE-list member (no leading WITH keyword), same reason as
// buildRealtimeBody above.
func buildDateRangeBody(cols []string, minBars int, bind func(interface{}) string, start, end time.Time) string {
	startParam := bind(normalizeEST(start))
	endParam := bind(normalizeEST(end))
	prerollLimit := bind(minBars - 1)
	projection := projectColumns(cols, "combined")

	return fmt.Sprintf(
		"in_range AS (\n"+
			"  SELECT base.* FROM base WHERE ts >= EXTRACT(EPOCH FROM %s::timestamp)::bigint\n"+
			"                             AND ts <= EXTRACT(EPOCH FROM %s::timestamp)::bigint\n"+
			"),\n"+
			"preroll AS (\n"+
			"  SELECT base.*, ROW_NUMBER() OVER (PARTITION BY ticker ORDER BY ts DESC) AS rn\n"+
			"  FROM base WHERE ts < EXTRACT(EPOCH FROM %s::timestamp)::bigint\n"+
			"),\n"+
			"combined AS (\n"+
			"  SELECT * FROM in_range\n"+
			"  UNION ALL\n"+
			"  SELECT ticker, ts, open, high, low, close, volume, transactions FROM preroll WHERE rn <= %s\n"+
			")\n"+
			"SELECT %s\n"+
			"FROM combined\n"+
			"ORDER BY ticker, ts ASC",
		startParam, endParam, startParam, prerollLimit, projection,
	)
}

func projectColumns(cols []string, fromAlias string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		if c == "timestamp" {
			out[i] = fmt.Sprintf("%s.ts AS timestamp", fromAlias)
			continue
		}
		out[i] = fmt.Sprintf("%s.%s", fromAlias, c)
	}
	return strings.Join(out, ", ")
}

// normalizeEST implements the _normalize_est policy: naive datetimes are
// treated as already America/New_York; tz-aware values are converted.
func normalizeEST(t time.Time) time.Time {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return t
	}
	if t.Location() == time.UTC && t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 {
		// Date-only values (the common case for start_date/end_date) are
		// naive by construction; interpret the wall-clock fields as EST
		// directly instead of converting the UTC instant.
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, loc)
	}
	return t.In(loc)
}

func indent(s string, levels int) string {
	prefix := strings.Repeat("  ", levels)
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		if l != "" {
			lines[i] = prefix + l
		}
	}
	return strings.Join(lines, "\n")
}
