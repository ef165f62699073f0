// Package timeframe maps the textual timeframe keys strategies pass to
// get_bar_data (e.g. "5m", "1d", "3w") onto a bucket width and the base
// OHLCV table that can serve them.
package timeframe

import (
	"fmt"
	"regexp"
	"time"
)

// BaseTable names a concrete OHLCV table in Postgres.
type BaseTable string

const (
	TableOHLCV1Min BaseTable = "ohlcv_1m"
	TableOHLCV1Day BaseTable = "ohlcv_1d"
)

// ErrBadTimeframe is returned for any string that does not match the
// grammar ^(\d+)(m|h|d|w|mo|q|y)?$.
var ErrBadTimeframe = fmt.Errorf("timeframe: bad format")

var grammar = regexp.MustCompile(`^(\d+)(m|h|d|w|mo|q|y)?$`)

// Parsed is the result of parsing a timeframe string.
type Parsed struct {
	Raw string
	// BucketWidth is the duration of one bucket for units that map
	// cleanly onto a fixed duration (minute/hour/day/week). Month,
	// quarter and year buckets are calendar units and BucketWidth is
	// left at zero for them; their width is carried by BucketMonths.
	BucketWidth time.Duration
	// BucketMonths is set (>0) for "mo"/"q"/"y" units, expressed in
	// calendar months, since those units are not fixed-duration.
	BucketMonths int
	BaseTable    BaseTable
	Multiplier   int
	Unit         string
	// Direct is true for the two timeframes ("1m", "1d") that bypass
	// aggregation entirely and read straight off the base table.
	Direct bool
}

// Parse parses a timeframe string into its bucket width and base table.
//
// Sub-daily units (bare digits, "m", "h") resolve to ohlcv_1m.
// Daily-or-higher units ("d", "w", "mo", "q", "y") resolve to ohlcv_1d.
func Parse(tf string) (Parsed, error) {
	m := grammar.FindStringSubmatch(tf)
	if m == nil {
		return Parsed{}, fmt.Errorf("%w: %q", ErrBadTimeframe, tf)
	}

	var n int
	if _, err := fmt.Sscanf(m[1], "%d", &n); err != nil || n <= 0 {
		return Parsed{}, fmt.Errorf("%w: %q", ErrBadTimeframe, tf)
	}

	unit := m[2]
	if unit == "" {
		unit = "m" // missing suffix interpreted as minutes
	}

	p := Parsed{Raw: tf, Multiplier: n, Unit: unit}

	switch unit {
	case "m":
		p.BucketWidth = time.Duration(n) * time.Minute
		p.BaseTable = TableOHLCV1Min
	case "h":
		p.BucketWidth = time.Duration(n) * time.Hour
		p.BaseTable = TableOHLCV1Min
	case "d":
		p.BucketWidth = time.Duration(n) * 24 * time.Hour
		p.BaseTable = TableOHLCV1Day
	case "w":
		p.BucketWidth = time.Duration(n) * 7 * 24 * time.Hour
		p.BaseTable = TableOHLCV1Day
	case "mo":
		p.BucketMonths = n
		p.BaseTable = TableOHLCV1Day
	case "q":
		p.BucketMonths = n * 3
		p.BaseTable = TableOHLCV1Day
	case "y":
		p.BucketMonths = n * 12
		p.BaseTable = TableOHLCV1Day
	default:
		return Parsed{}, fmt.Errorf("%w: %q", ErrBadTimeframe, tf)
	}

	p.Direct = (unit == "m" && n == 1) || (unit == "d" && n == 1)
	return p, nil
}

// PGInterval renders the bucket width as a Postgres interval literal
// suitable for time_bucket()'s first argument.
func (p Parsed) PGInterval() string {
	if p.BucketMonths > 0 {
		return fmt.Sprintf("%d months", p.BucketMonths)
	}
	switch p.Unit {
	case "m":
		return fmt.Sprintf("%d minutes", p.Multiplier)
	case "h":
		return fmt.Sprintf("%d hours", p.Multiplier)
	case "d":
		return fmt.Sprintf("%d days", p.Multiplier)
	case "w":
		return fmt.Sprintf("%d weeks", p.Multiplier)
	}
	return fmt.Sprintf("%d minutes", p.Multiplier)
}

// English renders the human-readable bucket description used in the
// worked examples ("5 minutes", "2 years"), mainly useful for tests and
// log lines.
func (p Parsed) English() string {
	unitWord := map[string]string{
		"m": "minute", "h": "hour", "d": "day", "w": "week",
		"mo": "month", "q": "quarter", "y": "year",
	}[p.Unit]
	plural := unitWord + "s"
	if p.Multiplier == 1 {
		plural = unitWord
	}
	return fmt.Sprintf("%d %s", p.Multiplier, plural)
}

// MinBars clamps a requested bar count to the valid [1, 10000] range.
func MinBars(n int) int {
	if n < 1 {
		return 1
	}
	if n > 10000 {
		return 10000
	}
	return n
}
