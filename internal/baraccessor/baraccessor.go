// Package baraccessor implements get_bar_data: the bar-data accessor
// that decides single-shot vs. batched execution against the ticker
// universe, fans batches out concurrently, and assembles a column-major
// result table.
package baraccessor

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"strategyworker/internal/generaldata"
	"strategyworker/internal/metrics"
	"strategyworker/internal/querybuilder"
	"strategyworker/internal/timeframe"
)

// batchSize caps how many tickers one query covers before the universe
// is split across concurrent batch queries.
const batchSize = 1000

// maxConcurrentBatches bounds fan-out well below the pool's MaxConns
// (internal/data.InitConn tunes the pool to 50) so a single task's
// batch fan-out never starves the rest of the pool.
const maxConcurrentBatches = 10

// Params mirrors get_bar_data's caller-visible arguments.
type Params struct {
	Timeframe     string
	Columns       []string
	MinBars       int
	Filters       querybuilder.Filters
	AggregateMode bool
	StartDate     *time.Time
	EndDate       *time.Time
}

// Table is a rectangular bar-data result: Rows is row-major (one slice
// per returned bar, values in Columns order), matching how pgx hands
// back query results.
type Table struct {
	Columns []string
	Rows    [][]interface{}
}

// ColumnMajor transposes Rows into a map keyed by column name, the
// shape get_bar_data's caller-visible contract (SPEC_FULL.md §4.3)
// actually promises ("column-major table").
func (t Table) ColumnMajor() map[string][]interface{} {
	out := make(map[string][]interface{}, len(t.Columns))
	for ci, col := range t.Columns {
		vals := make([]interface{}, len(t.Rows))
		for ri, row := range t.Rows {
			if ci < len(row) {
				vals[ri] = row[ci]
			}
		}
		out[col] = vals
	}
	return out
}

// Accessor executes get_bar_data against Postgres.
type Accessor struct {
	DB          *pgxpool.Pool
	GeneralData *generaldata.Accessor
	Logger      *zap.SugaredLogger
	Tracer      trace.Tracer
}

// GetBarData resolves batching, executes the query (or queries), and
// concatenates results row-wise. Per-batch failures are logged and
// skipped; if every batch fails the result is the empty table.
func (a *Accessor) GetBarData(ctx context.Context, p Params) (Table, error) {
	ctx, span := a.Tracer.Start(ctx, "baraccessor.GetBarData")
	defer span.End()

	tf, err := timeframe.Parse(p.Timeframe)
	if err != nil {
		return Table{}, err
	}
	cols := querybuilder.Columns(p.Columns)
	if len(cols) == 0 {
		return Table{}, nil
	}

	useBatching := !p.AggregateMode && (len(p.Filters.Tickers) == 0 || len(p.Filters.Tickers) > batchSize)
	if !useBatching {
		rows, err := a.queryOnce(ctx, tf, cols, p)
		if err != nil {
			a.Logger.Warnw("get_bar_data query failed", "error", err)
			return Table{}, nil
		}
		return Table{Columns: cols, Rows: rows}, nil
	}

	tickers := p.Filters.Tickers
	if len(tickers) == 0 {
		tickers, err = a.resolveUniverse(ctx, p.Filters)
		if err != nil {
			return Table{}, fmt.Errorf("resolve universe: %w", err)
		}
	}

	batches := splitBatches(tickers, batchSize)
	metrics.BatchCount.Observe(float64(len(batches)))

	sem := semaphore.NewWeighted(maxConcurrentBatches)
	rowsCh := make(chan [][]interface{}, len(batches))
	for _, batch := range batches {
		batch := batch
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		go func() {
			defer sem.Release(1)
			batchFilters := p.Filters
			batchFilters.Tickers = batch
			batchParams := p
			batchParams.Filters = batchFilters
			rows, err := a.queryOnce(ctx, tf, cols, batchParams)
			if err != nil {
				a.Logger.Warnw("batch query failed, skipping", "error", err, "batch_size", len(batch))
				rowsCh <- nil
				return
			}
			rowsCh <- rows
		}()
	}

	// Wait for all in-flight batches to release the semaphore, then
	// drain the channel; acquiring the full weight blocks until every
	// goroutine above has called Release.
	if err := sem.Acquire(ctx, maxConcurrentBatches); err != nil {
		return Table{}, err
	}
	close(rowsCh)

	var all [][]interface{}
	for rows := range rowsCh {
		all = append(all, rows...)
	}
	return Table{Columns: cols, Rows: all}, nil
}

func (a *Accessor) queryOnce(ctx context.Context, tf timeframe.Parsed, cols []string, p Params) ([][]interface{}, error) {
	start := time.Now()
	q, err := querybuilder.Build(tf, cols, p.MinBars, p.Filters, p.StartDate, p.EndDate)
	if err != nil {
		return nil, err
	}

	rows, err := a.DB.Query(ctx, q.SQL, q.Args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][]interface{}
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		out = append(out, vals)
	}
	metrics.BarDataQueryDuration.Observe(time.Since(start).Seconds())
	return out, rows.Err()
}

// resolveUniverse fetches the active ticker universe from securities,
// for the case where get_bar_data is called with no explicit ticker
// list. It returns every active ticker; the caller's filters are not
// applied to the securities lookup.
func (a *Accessor) resolveUniverse(ctx context.Context, filters querybuilder.Filters) ([]string, error) {
	rows, err := a.GeneralData.Get(ctx, []string{"ticker"}, generaldata.Filters{})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		if t, ok := r["ticker"].(string); ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func splitBatches(tickers []string, size int) [][]string {
	var batches [][]string
	for i := 0; i < len(tickers); i += size {
		end := i + size
		if end > len(tickers) {
			end = len(tickers)
		}
		batches = append(batches, tickers[i:end])
	}
	if len(batches) == 0 {
		batches = [][]string{{}}
	}
	return batches
}
