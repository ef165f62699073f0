// Package sandbox is the restricted execution environment that runs
// validated strategy source and returns instances, captured stdout, and
// plot artifacts. It is the concrete mechanism SPEC_FULL.md §9 calls
// "a restricted embedded scripting interpreter (e.g. ... a Lua/
// Starlark-like VM)": source is parsed and executed directly by
// go.starlark.net/starlark, with get_bar_data/get_general_data/
// generate_equity_curve bound into the predeclared globals and every
// other Python-only construct already rejected by internal/validator
// before execution ever reaches here.
package sandbox

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
	"go.uber.org/zap"

	"strategyworker/internal/baraccessor"
	"strategyworker/internal/generaldata"
	"strategyworker/internal/querybuilder"
)

// ExecContext is the re-architected C10 Accessor Provider: SPEC_FULL.md
// §4.10/§9 call for an explicit value passed into every accessor call
// rather than a package-level singleton. The engine constructs one per
// Engine.<Mode> call (internal/engine) and this package's predeclared
// globals close over it; no mutable package state exists here.
type ExecContext struct {
	Mode      string // "validation" | "backtest" | "screening" | "alert"
	Symbols   []string
	StartDate *time.Time
	EndDate   *time.Time
}

// PlotRecord is the structured stand-in for a captured Figure.show()
// call: a JSON-ish shape carrying axis/trace data rather than a
// rendered image, per SPEC_FULL.md §4.6.
type PlotRecord struct {
	PlotID      int                    `json:"plotID"`
	Title       string                 `json:"title"`
	TitleTicker string                 `json:"titleTicker,omitempty"`
	Kind        string                 `json:"kind"`
	Data        map[string]interface{} `json:"data"`
}

// ErrorInfo is the line-level failure context extracted from a failed
// execution, per SPEC_FULL.md §4.6's error-info extraction.
type ErrorInfo struct {
	ErrorType    string
	ErrorMessage string
	LineNumber   int
	CodeContext  string
	FullTrace    string
}

// Result is everything one strategy execution produces.
type Result struct {
	Instances     []map[string]interface{}
	Prints        string
	Plots         []PlotRecord
	LimitReached  bool
	Err           *ErrorInfo
}

// Sandbox wires the data accessors and resource limits shared by every
// execution.
type Sandbox struct {
	BarData     *baraccessor.Accessor
	GeneralData *generaldata.Accessor
	Logger      *zap.SugaredLogger
}

// a-ticker-looking title prefix, e.g. "[AAPL] price vs volume".
func splitTitleTicker(title string) (string, string) {
	if !strings.HasPrefix(title, "[") {
		return title, ""
	}
	end := strings.Index(title, "]")
	if end <= 1 || end > 11 {
		return title, ""
	}
	ticker := title[1:end]
	for _, r := range ticker {
		if r < 'A' || r > 'Z' {
			return title, ""
		}
	}
	rest := strings.TrimSpace(title[end+1:])
	return rest, ticker
}

// Run executes source under the given ExecContext, enforcing the
// instance cap and (when timeout > 0) the validation-mode wall-clock
// limit. It never returns a Go error for a strategy-code failure —
// failures are reported inside Result.Err, matching the engine's
// "never propagate an exception" contract (SPEC_FULL.md §4.7/§7).
func (s *Sandbox) Run(ctx context.Context, source string, execCtx ExecContext, instanceCap int, timeout time.Duration) Result {
	var prints strings.Builder
	var plots []PlotRecord
	plotID := 0

	thread := &starlark.Thread{
		Name: "strategy",
		Print: func(_ *starlark.Thread, msg string) {
			prints.WriteString(msg)
			prints.WriteString("\n")
		},
	}

	predeclared := s.globals(ctx, execCtx, &plots, &plotID)

	type runOutcome struct {
		globals starlark.StringDict
		fn      starlark.Value
		ret     starlark.Value
		err     error
	}
	outcomeCh := make(chan runOutcome, 1)

	go func() {
		globals, err := starlark.ExecFile(thread, "<strategy>", source, predeclared)
		if err != nil {
			outcomeCh <- runOutcome{err: err}
			return
		}
		fn := resolveEntryPoint(globals)
		if fn == nil {
			outcomeCh <- runOutcome{err: errNoStrategyFunction}
			return
		}
		ret, err := starlark.Call(thread, fn, nil, nil)
		outcomeCh <- runOutcome{globals: globals, ret: ret, err: err}
	}()

	var outcome runOutcome
	if timeout > 0 {
		select {
		case outcome = <-outcomeCh:
		case <-time.After(timeout):
			return Result{Err: &ErrorInfo{
				ErrorType:    "ValidationTimeout",
				ErrorMessage: "Validation timeout – strategy may have infinite loops or performance issues",
			}}
		}
	} else {
		outcome = <-outcomeCh
	}

	if outcome.err != nil {
		return Result{Prints: prints.String(), Plots: plots, Err: classifyError(outcome.err, source)}
	}

	instances, limitReached := extractInstances(outcome.ret, instanceCap)
	return Result{
		Instances:    instances,
		Prints:       prints.String(),
		Plots:        plots,
		LimitReached: limitReached,
	}
}

var errNoStrategyFunction = fmt.Errorf("no strategy entry point found (tried strategy, strategy_function, main, run)")

func resolveEntryPoint(globals starlark.StringDict) starlark.Value {
	for _, name := range []string{"strategy", "strategy_function", "main", "run"} {
		if v, ok := globals[name]; ok {
			if _, ok := v.(starlark.Callable); ok {
				return v
			}
		}
	}
	return nil
}

// globals builds the predeclared environment: the closed builtin
// surface plus get_bar_data/get_general_data/generate_equity_curve/plot
// bound to this execution's ExecContext. Starlark's own Universe already
// supplies len/range/enumerate/float/int/str/bool/abs/max/min/
// list/dict/tuple/sorted/reversed/any/all/zip/print, so only the
// domain-specific functions are predeclared here. round and sum are
// neither in the Universe nor predeclared, so a strategy that calls
// them fails with an undefined-name error.
func (s *Sandbox) globals(ctx context.Context, execCtx ExecContext, plots *[]PlotRecord, plotID *int) starlark.StringDict {
	return starlark.StringDict{
		"get_bar_data": starlark.NewBuiltin("get_bar_data", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			return s.builtinGetBarData(ctx, execCtx, args, kwargs)
		}),
		"get_general_data": starlark.NewBuiltin("get_general_data", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			return s.builtinGetGeneralData(ctx, args, kwargs)
		}),
		"generate_equity_curve": starlark.NewBuiltin("generate_equity_curve", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			return builtinGenerateEquityCurve(args, kwargs, plots, plotID)
		}),
		"plot": starlark.NewBuiltin("plot", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			return builtinPlot(args, kwargs, plots, plotID)
		}),
	}
}

func (s *Sandbox) builtinGetBarData(ctx context.Context, execCtx ExecContext, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var timeframe starlark.String
	var columns *starlark.List
	minBars := 1
	var filters *starlark.Dict
	var aggregateMode, extendedHours starlark.Bool
	var startDate, endDate starlark.String

	if err := starlark.UnpackArgs("get_bar_data", args, kwargs,
		"timeframe", &timeframe, "columns?", &columns, "min_bars?", &minBars,
		"filters?", &filters, "aggregate_mode?", &aggregateMode, "extended_hours?", &extendedHours,
		"start_date?", &startDate, "end_date?", &endDate,
	); err != nil {
		return nil, err
	}

	cols := stringListOrNil(columns)
	qf := querybuilder.Filters{ExtendedHours: bool(extendedHours)}
	if filters != nil {
		qf.Tickers = tickersFromFilterDict(filters)
	}
	if len(qf.Tickers) == 0 && len(execCtx.Symbols) > 0 {
		qf.Tickers = execCtx.Symbols
	}

	params := baraccessor.Params{
		Timeframe:     string(timeframe),
		Columns:       cols,
		MinBars:       minBars,
		Filters:       qf,
		AggregateMode: bool(aggregateMode),
		StartDate:     dateOrNil(startDate, execCtx.StartDate),
		EndDate:       dateOrNil(endDate, execCtx.EndDate),
	}

	table, err := s.BarData.GetBarData(ctx, params)
	if err != nil {
		return nil, err
	}

	columnMajor := table.ColumnMajor()
	dict := starlark.NewDict(len(columnMajor))
	for _, col := range table.Columns {
		vals := columnMajor[col]
		elems := make([]starlark.Value, len(vals))
		for i, v := range vals {
			sv, err := toStarlark(v)
			if err != nil {
				return nil, err
			}
			elems[i] = sv
		}
		if err := dict.SetKey(starlark.String(col), starlark.NewList(elems)); err != nil {
			return nil, err
		}
	}
	return dict, nil
}

func (s *Sandbox) builtinGetGeneralData(ctx context.Context, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var columns *starlark.List
	var filters *starlark.Dict

	if err := starlark.UnpackArgs("get_general_data", args, kwargs, "columns?", &columns, "filters?", &filters); err != nil {
		return nil, err
	}

	gf := generaldata.Filters{}
	if filters != nil {
		gf.Tickers = tickersFromFilterDict(filters)
	}

	rows, err := s.GeneralData.Get(ctx, stringListOrNil(columns), gf)
	if err != nil {
		return nil, err
	}

	out := make([]starlark.Value, len(rows))
	for i, row := range rows {
		d := starlark.NewDict(len(row))
		for k, v := range row {
			sv, err := toStarlark(v)
			if err != nil {
				return nil, err
			}
			if err := d.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		out[i] = d
	}
	return starlark.NewList(out), nil
}

// builtinGenerateEquityCurve computes a cumulative running total of
// each instance's "score" (falling back to a unit count) ordered by
// timestamp, optionally grouped by a field name, and captures the
// result as a plot record.
func builtinGenerateEquityCurve(args starlark.Tuple, kwargs []starlark.Tuple, plots *[]PlotRecord, plotID *int) (starlark.Value, error) {
	var instances starlark.Iterable
	var groupColumn starlark.String
	if err := starlark.UnpackArgs("generate_equity_curve", args, kwargs, "instances", &instances, "group_column?", &groupColumn); err != nil {
		return nil, err
	}

	type point struct {
		ts    int64
		value float64
		group string
	}
	var points []point

	iter := instances.Iterate()
	defer iter.Done()
	var v starlark.Value
	for iter.Next(&v) {
		m, ok := v.(starlark.Mapping)
		if !ok {
			continue
		}
		ts := int64(0)
		if tv, found, _ := m.Get(starlark.String("timestamp")); found {
			if f, ok := starlark.AsFloat(tv); ok {
				ts = int64(f)
			}
		}
		score := 1.0
		if sv, found, _ := m.Get(starlark.String("score")); found {
			if f, ok := starlark.AsFloat(sv); ok {
				score = f
			}
		}
		group := ""
		if groupColumn != "" {
			if gv, found, _ := m.Get(groupColumn); found {
				group = gv.String()
			}
		}
		points = append(points, point{ts: ts, value: score, group: group})
	}

	sort.SliceStable(points, func(i, j int) bool { return points[i].ts < points[j].ts })

	running := map[string]float64{}
	xs := make([]interface{}, len(points))
	ys := make([]interface{}, len(points))
	for i, p := range points {
		running[p.group] += p.value
		xs[i] = p.ts
		ys[i] = running[p.group]
	}

	*plotID++
	record := PlotRecord{
		PlotID: *plotID,
		Title:  "equity curve",
		Kind:   "scatter",
		Data:   map[string]interface{}{"x": xs, "y": ys},
	}
	*plots = append(*plots, record)
	return starlark.MakeInt(record.PlotID), nil
}

// builtinPlot is the re-architected stand-in for the teacher's
// monkey-patched Figure.show() (SPEC_FULL.md §4.6/§9): strategies call
// plot(title=, x=, y=, kind=) directly instead of constructing a
// plotting-library object and calling .show() on it, since Starlark has
// no mutable classes to monkey-patch. Each call captures one
// PlotRecord with a monotonic plotID, exactly the observable contract
// SPEC_FULL.md describes.
func builtinPlot(args starlark.Tuple, kwargs []starlark.Tuple, plots *[]PlotRecord, plotID *int) (starlark.Value, error) {
	var title starlark.String
	var x, y *starlark.List
	kind := "scatter"
	if err := starlark.UnpackArgs("plot", args, kwargs, "title?", &title, "x?", &x, "y?", &y, "kind?", &kind); err != nil {
		return nil, err
	}

	displayTitle, titleTicker := splitTitleTicker(string(title))

	data := map[string]interface{}{}
	if x != nil {
		data["x"] = starlarkListToGo(x)
	}
	if y != nil {
		data["y"] = starlarkListToGo(y)
	}

	*plotID++
	record := PlotRecord{
		PlotID:      *plotID,
		Title:       displayTitle,
		TitleTicker: titleTicker,
		Kind:        kind,
		Data:        data,
	}
	*plots = append(*plots, record)
	return starlark.MakeInt(record.PlotID), nil
}

func starlarkListToGo(l *starlark.List) []interface{} {
	out := make([]interface{}, 0, l.Len())
	for i := 0; i < l.Len(); i++ {
		v, _ := fromStarlark(l.Index(i))
		out = append(out, v)
	}
	return out
}

func stringListOrNil(l *starlark.List) []string {
	if l == nil {
		return nil
	}
	out := make([]string, 0, l.Len())
	for i := 0; i < l.Len(); i++ {
		if s, ok := starlark.AsString(l.Index(i)); ok {
			out = append(out, s)
		}
	}
	return out
}

func tickersFromFilterDict(d *starlark.Dict) []string {
	for _, key := range []string{"tickers", "ticker"} {
		if v, found, _ := d.Get(starlark.String(key)); found {
			switch val := v.(type) {
			case *starlark.List:
				out := make([]string, 0, val.Len())
				for i := 0; i < val.Len(); i++ {
					if s, ok := starlark.AsString(val.Index(i)); ok {
						out = append(out, strings.ToUpper(s))
					}
				}
				return out
			case starlark.String:
				return []string{strings.ToUpper(string(val))}
			}
		}
	}
	return nil
}

func dateOrNil(s starlark.String, fallback *time.Time) *time.Time {
	if s == "" {
		return fallback
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, string(s)); err == nil {
			return &t
		}
	}
	return fallback
}

// toStarlark converts a Go value crossing the accessor boundary
// (pgx-scanned row values) into a Starlark value.
func toStarlark(v interface{}) (starlark.Value, error) {
	switch val := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(val), nil
	case string:
		return starlark.String(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int32:
		return starlark.MakeInt(int(val)), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float32:
		return starlark.Float(val), nil
	case float64:
		return starlark.Float(val), nil
	case time.Time:
		return starlark.MakeInt64(val.Unix()), nil
	default:
		return starlark.String(fmt.Sprintf("%v", val)), nil
	}
}

// fromStarlark converts a Starlark value to the output sum-type §4.6
// describes: null, bool, int, finite float, string, array, object.
func fromStarlark(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		if i, ok := val.Int64(); ok {
			return i, nil
		}
		return val.String(), nil
	case starlark.Float:
		f := float64(val)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, nil
		}
		return f, nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		out := make([]interface{}, 0, val.Len())
		for i := 0; i < val.Len(); i++ {
			elem, err := fromStarlark(val.Index(i))
			if err != nil {
				return nil, err
			}
			out = append(out, elem)
		}
		return out, nil
	case starlark.Tuple:
		out := make([]interface{}, 0, val.Len())
		for i := 0; i < val.Len(); i++ {
			elem, err := fromStarlark(val.Index(i))
			if err != nil {
				return nil, err
			}
			out = append(out, elem)
		}
		return out, nil
	case *starlark.Dict:
		out := make(map[string]interface{}, val.Len())
		for _, item := range val.Items() {
			key, ok := starlark.AsString(item[0])
			if !ok {
				key = item[0].String()
			}
			value, err := fromStarlark(item[1])
			if err != nil {
				return nil, err
			}
			out[key] = value
		}
		return out, nil
	default:
		return val.String(), nil
	}
}

// extractInstances filters a strategy's returned value down to the
// post-processed instance list: non-mapping/None entries dropped,
// entries without "ticker" dropped, a current timestamp injected when
// missing, capped at instanceCap with limitReached set when truncated.
func extractInstances(ret starlark.Value, instanceCap int) ([]map[string]interface{}, bool) {
	if ret == nil {
		return nil, false
	}
	iterable, ok := ret.(starlark.Iterable)
	if !ok {
		return nil, false
	}

	var out []map[string]interface{}
	limitReached := false

	iter := iterable.Iterate()
	defer iter.Done()
	var v starlark.Value
	for iter.Next(&v) {
		if _, isNone := v.(starlark.NoneType); isNone {
			continue
		}
		converted, err := fromStarlark(v)
		if err != nil {
			continue
		}
		m, ok := converted.(map[string]interface{})
		if !ok {
			continue
		}
		if _, hasTicker := m["ticker"]; !hasTicker {
			continue
		}
		if _, hasTS := m["timestamp"]; !hasTS {
			m["timestamp"] = time.Now().Unix()
		}

		if len(out) >= instanceCap {
			limitReached = true
			continue
		}
		out = append(out, m)
	}
	return out, limitReached
}

// classifyError walks the Starlark evaluation error chain to extract a
// line number and ±3-line code context from the user source, per
// SPEC_FULL.md §4.6's error-info extraction.
func classifyError(err error, source string) *ErrorInfo {
	info := &ErrorInfo{ErrorMessage: err.Error(), FullTrace: err.Error()}

	if evalErr, ok := err.(*starlark.EvalError); ok {
		info.FullTrace = evalErr.Backtrace()
		if frames := evalErr.CallStack; len(frames) > 0 {
			pos := frames[len(frames)-1].Pos
			info.LineNumber = int(pos.Line)
			info.CodeContext = codeContext(source, info.LineNumber, 3)
		}
		info.ErrorType = classifyErrorType(evalErr.Unwrap())
		return info
	}

	if syntaxErr, ok := err.(syntax.Error); ok {
		info.LineNumber = int(syntaxErr.Pos.Line)
		info.CodeContext = codeContext(source, info.LineNumber, 3)
		info.ErrorType = "SyntaxError"
		return info
	}

	info.ErrorType = classifyErrorType(err)
	return info
}

func classifyErrorType(err error) string {
	if err == nil {
		return "RuntimeError"
	}
	if err == errNoStrategyFunction {
		return "NoStrategyFunction"
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "undefined"):
		return "NameError"
	case strings.Contains(msg, "index out of range"):
		return "IndexError"
	case strings.Contains(msg, "division"):
		return "ZeroDivisionError"
	default:
		return "RuntimeError"
	}
}

func codeContext(source string, line, radius int) string {
	lines := strings.Split(source, "\n")
	start := line - 1 - radius
	if start < 0 {
		start = 0
	}
	end := line - 1 + radius
	if end >= len(lines) {
		end = len(lines) - 1
	}
	if start > end || line <= 0 {
		return ""
	}
	return strings.Join(lines[start:end+1], "\n")
}
