// Package generaldata implements get_general_data: a filtered read over
// the current rows of the securities table.
package generaldata

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v4/pgxpool"
	"go.uber.org/zap"
)

var defaultColumns = []string{
	"securityid", "ticker", "name", "sector", "industry", "market",
	"primary_exchange", "active", "description", "cik", "market_cap",
	"share_class_shares_outstanding", "share_class_figi",
	"total_employees", "weighted_shares_outstanding",
}

var columnAllowList = toSet(defaultColumns)

func toSet(cols []string) map[string]bool {
	m := make(map[string]bool, len(cols))
	for _, c := range cols {
		m[c] = true
	}
	return m
}

// NumericRange is an inclusive min/max filter on a numeric column.
type NumericRange struct {
	Min *float64
	Max *float64
}

// Filters narrows the securities rows returned by Get.
type Filters struct {
	Tickers                   []string
	Active                    *bool // defaults to true when nil
	MarketCap                 NumericRange
	TotalEmployees            NumericRange
	WeightedSharesOutstanding NumericRange
	Equality                  map[string]string // categorical equality filters, e.g. sector="Technology"
}

// Accessor queries the securities table.
type Accessor struct {
	DB     *pgxpool.Pool
	Logger *zap.SugaredLogger
}

// Row is one securities record, keyed by requested column name.
type Row map[string]interface{}

// Get returns current-version security rows (maxdate IS NULL) matching
// the requested columns and filters.
func (a *Accessor) Get(ctx context.Context, columns []string, filters Filters) ([]Row, error) {
	cols := filterColumns(columns)
	if len(cols) == 0 {
		return nil, nil
	}

	active := true
	if filters.Active != nil {
		active = *filters.Active
	}

	var args []interface{}
	bind := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	where := []string{"maxdate IS NULL", fmt.Sprintf("active = %s", bind(active))}

	if len(filters.Tickers) > 0 {
		ids, err := a.resolveSecurityIDs(ctx, filters.Tickers, active)
		if err != nil {
			return nil, fmt.Errorf("resolve tickers: %w", err)
		}
		if len(ids) == 0 {
			return nil, nil
		}
		placeholders := make([]string, len(ids))
		for i, id := range ids {
			placeholders[i] = bind(id)
		}
		where = append(where, fmt.Sprintf("securityid IN (%s)", strings.Join(placeholders, ",")))
	}

	where = appendRangeClause(where, bind, "market_cap", filters.MarketCap)
	where = appendRangeClause(where, bind, "total_employees", filters.TotalEmployees)
	where = appendRangeClause(where, bind, "weighted_shares_outstanding", filters.WeightedSharesOutstanding)

	for col, val := range filters.Equality {
		if !columnAllowList[col] {
			continue
		}
		where = append(where, fmt.Sprintf("%s = %s", col, bind(val)))
	}

	query := fmt.Sprintf("SELECT %s FROM securities WHERE %s", strings.Join(cols, ", "), strings.Join(where, " AND "))

	rows, err := a.DB.Query(ctx, query, args...)
	if err != nil {
		a.Logger.Warnw("general data query failed", "error", err)
		return nil, fmt.Errorf("query securities: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		r := make(Row, len(cols))
		for i, c := range cols {
			r[c] = vals[i]
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (a *Accessor) resolveSecurityIDs(ctx context.Context, tickers []string, active bool) ([]int64, error) {
	placeholders := make([]string, len(tickers))
	args := make([]interface{}, 0, len(tickers)+1)
	for i, t := range tickers {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args = append(args, t)
	}
	args = append(args, active)

	query := fmt.Sprintf(
		"SELECT securityid FROM securities WHERE maxdate IS NULL AND active = $%d AND ticker IN (%s)",
		len(args), strings.Join(placeholders, ","),
	)
	rows, err := a.DB.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func appendRangeClause(where []string, bind func(interface{}) string, column string, r NumericRange) []string {
	if r.Min != nil {
		where = append(where, fmt.Sprintf("%s >= %s", column, bind(*r.Min)))
	}
	if r.Max != nil {
		where = append(where, fmt.Sprintf("%s <= %s", column, bind(*r.Max)))
	}
	return where
}

func filterColumns(columns []string) []string {
	if len(columns) == 0 {
		return defaultColumns
	}
	out := make([]string, 0, len(columns))
	for _, c := range columns {
		if columnAllowList[c] {
			out = append(out, c)
		}
	}
	return out
}
