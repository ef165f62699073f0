// Package engine implements the four public strategy-execution modes
// (Backtest, Validate, Screen, Alert). Each mode builds a fresh
// sandbox.ExecContext, runs the validator then the sandbox, and shapes
// the mode-specific result envelope — the engine never lets a sandbox
// or validator error propagate as a Go error from its public methods;
// every mode returns a `{success, ...}` envelope (SPEC_FULL.md §4.7/§7).
package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"strategyworker/internal/metrics"
	"strategyworker/internal/sandbox"
	"strategyworker/internal/timeframe"
	"strategyworker/internal/validator"
)

// ExecContext names the re-architected C10 accessor-provider value.
// SPEC_FULL.md §4.10/§9 calls for an explicit value rather than a
// package-level singleton; it is defined in internal/sandbox (not
// here) because the sandbox's predeclared globals close over it
// directly and engine already imports sandbox, so defining it there
// avoids an import cycle. This alias keeps the name engine callers
// expect.
type ExecContext = sandbox.ExecContext

const (
	defaultInstanceCap     = 15000
	validationInstanceCap  = 100
	validationMaxSymbols   = 10
	validationWindowDays   = 30
	validationTimeout      = 15 * time.Second
)

// ErrorDetails is the classified failure context surfaced to callers,
// mirroring sandbox.ErrorInfo but engine-owned so the sandbox package
// doesn't need to know about the response envelope shape.
type ErrorDetails struct {
	ErrorType     string `json:"error_type"`
	ErrorMessage  string `json:"error_message"`
	LineNumber    int    `json:"line_number"`
	CodeContext   string `json:"code_context"`
	FullTraceback string `json:"full_traceback"`
}

// Engine wires the validator and sandbox together for every public mode.
type Engine struct {
	Sandbox *sandbox.Sandbox
	Logger  *zap.SugaredLogger
	Tracer  trace.Tracer
}

// BacktestResult is the Backtest mode envelope (SPEC_FULL.md §4.7).
type BacktestResult struct {
	Success              bool                     `json:"success"`
	Instances            []map[string]interface{} `json:"instances"`
	SymbolsProcessed     []string                 `json:"symbols_processed"`
	StrategyPrints       string                   `json:"strategy_prints"`
	StrategyPlots        []sandbox.PlotRecord     `json:"strategy_plots"`
	ResponseImages       []string                 `json:"response_images"`
	InstanceLimitReached bool                     `json:"instance_limit_reached"`
	Summary              BacktestSummary          `json:"summary"`
	ExecutionTimeMs      int64                    `json:"execution_time_ms"`
	Error                string                   `json:"error,omitempty"`
	ErrorDetails         *ErrorDetails            `json:"error_details,omitempty"`
}

// BacktestSummary is the Backtest mode's `summary` sub-object.
type BacktestSummary struct {
	TotalInstances   int       `json:"total_instances"`
	SymbolsProcessed int       `json:"symbols_processed"`
	DateRange        [2]string `json:"date_range"`
}

// Backtest runs a strategy over an explicit symbol list and date
// window and returns every instance it produced.
func (e *Engine) Backtest(ctx context.Context, source string, symbols []string, startDate, endDate time.Time, maxInstances int) BacktestResult {
	ctx, span := e.Tracer.Start(ctx, "engine.Backtest")
	defer span.End()
	start := time.Now()

	if maxInstances <= 0 {
		maxInstances = defaultInstanceCap
	}

	res, errDetails := e.runMode(ctx, "backtest", source, sandbox.ExecContext{
		Mode: "backtest", Symbols: symbols, StartDate: &startDate, EndDate: &endDate,
	}, maxInstances, 0)

	elapsed := time.Since(start)
	out := BacktestResult{
		ExecutionTimeMs: elapsed.Milliseconds(),
	}
	if errDetails != nil {
		out.Error = errDetails.ErrorMessage
		out.ErrorDetails = errDetails
		metrics.RecordExecution("backtest", "error", elapsed.Seconds(), 0)
		return out
	}

	out.Success = true
	out.Instances = res.Instances
	out.SymbolsProcessed = symbols
	out.StrategyPrints = res.Prints
	out.StrategyPlots = res.Plots
	out.ResponseImages = []string{}
	out.InstanceLimitReached = res.LimitReached
	out.Summary = BacktestSummary{
		TotalInstances:   len(res.Instances),
		SymbolsProcessed: len(symbols),
		DateRange:        [2]string{startDate.Format(time.RFC3339), endDate.Format(time.RFC3339)},
	}
	metrics.RecordExecution("backtest", "success", elapsed.Seconds(), len(res.Instances))
	return out
}

// ValidationResult is the Validation mode envelope.
type ValidationResult struct {
	Success                bool          `json:"success"`
	InstancesGenerated     int           `json:"instances_generated"`
	InstanceLimitReached   bool          `json:"instance_limit_reached"`
	MaxInstancesConfigured int           `json:"max_instances_configured"`
	ExecutionTimeMs        int64         `json:"execution_time_ms"`
	Message                string        `json:"message"`
	Error                  string        `json:"error,omitempty"`
	ErrorDetails           *ErrorDetails `json:"error_details,omitempty"`
}

// Validate runs the fast pre-flight path described by SPEC_FULL.md
// §4.7: no caller-supplied symbols or dates, both derived from the
// validator's extracted get_bar_data metadata, bounded to 100
// instances and a 15s wall-clock budget.
func (e *Engine) Validate(ctx context.Context, source string) ValidationResult {
	ctx, span := e.Tracer.Start(ctx, "engine.Validate")
	defer span.End()
	start := time.Now()

	vr, err := validator.Validate(source)
	if err != nil {
		elapsed := time.Since(start)
		metrics.RecordExecution("validation", "error", elapsed.Seconds(), 0)
		return ValidationResult{
			ExecutionTimeMs: elapsed.Milliseconds(),
			Error:           err.Error(),
			ErrorDetails:    classifyTopLevelError(err),
		}
	}

	universe := vr.Metadata.AlertUniverseFull
	if len(universe) == 0 {
		elapsed := time.Since(start)
		metrics.RecordExecution("validation", "error", elapsed.Seconds(), 0)
		return ValidationResult{
			ExecutionTimeMs: elapsed.Milliseconds(),
			Error:           "NoTickersForValidation",
			ErrorDetails:    &ErrorDetails{ErrorType: "NoTickersForValidation", ErrorMessage: "strategy does not reference any tickers to validate against"},
		}
	}
	symbols := universe
	if len(symbols) > validationMaxSymbols {
		symbols = symbols[:validationMaxSymbols]
	}

	windowDays := validationWindowDays
	if vr.Metadata.MaxTimeframe != "" {
		if days := windowDaysFor(vr.Metadata.MaxTimeframe, vr.Metadata.MaxTimeframeMinBars); days > 0 {
			windowDays = days
		}
	}
	endDate := time.Now()
	startDate := endDate.AddDate(0, 0, -windowDays)

	res, errDetails := e.runMode(ctx, "validation", source, sandbox.ExecContext{
		Mode: "validation", Symbols: symbols, StartDate: &startDate, EndDate: &endDate,
	}, validationInstanceCap, validationTimeout)

	elapsed := time.Since(start)
	if errDetails != nil {
		metrics.RecordExecution("validation", "error", elapsed.Seconds(), 0)
		return ValidationResult{
			ExecutionTimeMs: elapsed.Milliseconds(),
			Error:           errDetails.ErrorMessage,
			ErrorDetails:    errDetails,
		}
	}

	metrics.RecordExecution("validation", "success", elapsed.Seconds(), len(res.Instances))
	return ValidationResult{
		Success:                true,
		InstancesGenerated:     len(res.Instances),
		InstanceLimitReached:   res.LimitReached,
		MaxInstancesConfigured: validationInstanceCap,
		ExecutionTimeMs:        elapsed.Milliseconds(),
		Message:                "strategy executed successfully",
	}
}

// windowDaysFor converts `max_timeframe * min_bars` to a day count,
// rounded up, per SPEC_FULL.md §4.7/§8 scenario 4. Gaps in the
// underlying series (weekends/holidays) are not accounted for — a
// known bias carried over verbatim from SPEC_FULL.md §9.
func windowDaysFor(maxTimeframe string, minBars int) int {
	tf, err := timeframe.Parse(maxTimeframe)
	if err != nil || minBars <= 0 {
		return 0
	}
	var perBar time.Duration
	if tf.BucketMonths > 0 {
		perBar = time.Duration(tf.BucketMonths) * 30 * 24 * time.Hour
	} else {
		perBar = tf.BucketWidth
	}
	totalHours := perBar.Hours() * float64(minBars)
	days := int(math.Ceil(totalHours / 24))
	if days < 1 {
		days = 1
	}
	return days
}

// ScreeningResult is the Screening mode envelope.
type ScreeningResult struct {
	Success         bool              `json:"success"`
	RankedResults   []RankedInstance  `json:"ranked_results"`
	ExecutionTimeMs int64             `json:"execution_time_ms"`
	Error           string            `json:"error,omitempty"`
	ErrorDetails    *ErrorDetails     `json:"error_details,omitempty"`
}

// RankedInstance is one row of a Screening mode result.
type RankedInstance struct {
	Symbol       string                 `json:"symbol"`
	Score        float64                `json:"score"`
	CurrentPrice float64                `json:"current_price"`
	Sector       string                 `json:"sector"`
	Data         map[string]interface{} `json:"data"`
}

// Screen runs a strategy over a supplied universe, ranks the
// resulting instances by score (falling back to recency), and
// truncates to limit.
func (e *Engine) Screen(ctx context.Context, source string, symbols []string, limit int) ScreeningResult {
	ctx, span := e.Tracer.Start(ctx, "engine.Screen")
	defer span.End()
	start := time.Now()

	res, errDetails := e.runMode(ctx, "screening", source, sandbox.ExecContext{
		Mode: "screening", Symbols: symbols,
	}, defaultInstanceCap, 0)

	elapsed := time.Since(start)
	if errDetails != nil {
		metrics.RecordExecution("screening", "error", elapsed.Seconds(), 0)
		return ScreeningResult{ExecutionTimeMs: elapsed.Milliseconds(), Error: errDetails.ErrorMessage, ErrorDetails: errDetails}
	}

	ranked := rankInstances(res.Instances)
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	metrics.RecordExecution("screening", "success", elapsed.Seconds(), len(res.Instances))
	return ScreeningResult{Success: true, RankedResults: ranked, ExecutionTimeMs: elapsed.Milliseconds()}
}

func rankInstances(instances []map[string]interface{}) []RankedInstance {
	type scored struct {
		m         map[string]interface{}
		score     float64
		hasScore  bool
		timestamp float64
	}
	scoredList := make([]scored, 0, len(instances))
	for _, m := range instances {
		s := scored{m: m}
		if v, ok := numericField(m, "score"); ok {
			s.score, s.hasScore = v, true
		}
		if v, ok := numericField(m, "timestamp"); ok {
			s.timestamp = v
		}
		scoredList = append(scoredList, s)
	}

	anyScored := false
	for _, s := range scoredList {
		if s.hasScore {
			anyScored = true
			break
		}
	}

	sort.SliceStable(scoredList, func(i, j int) bool {
		if anyScored {
			return scoredList[i].score > scoredList[j].score
		}
		return scoredList[i].timestamp > scoredList[j].timestamp
	})

	out := make([]RankedInstance, len(scoredList))
	for i, s := range scoredList {
		price, _ := firstNumericField(s.m, "entry_price", "close", "price")
		symbol, _ := s.m["ticker"].(string)
		sector, _ := s.m["sector"].(string)
		out[i] = RankedInstance{
			Symbol:       symbol,
			Score:        s.score,
			CurrentPrice: price,
			Sector:       sector,
			Data:         s.m,
		}
	}
	return out
}

// AlertResult is the Alert mode envelope.
type AlertResult struct {
	Success         bool                              `json:"success"`
	Alerts          []AlertRecord                      `json:"alerts"`
	Signals         map[string]map[string]interface{} `json:"signals"`
	ExecutionTimeMs int64                              `json:"execution_time_ms"`
	Error           string                             `json:"error,omitempty"`
	ErrorDetails    *ErrorDetails                       `json:"error_details,omitempty"`
}

// AlertRecord is one converted strategy instance in Alert mode.
type AlertRecord struct {
	Symbol    string                 `json:"symbol"`
	Type      string                 `json:"type"`
	Message   string                 `json:"message"`
	Timestamp int64                  `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	Priority  string                 `json:"priority"`
}

// Alert runs a strategy over a supplied universe and converts every
// surviving instance into an alert record.
func (e *Engine) Alert(ctx context.Context, source string, symbols []string) AlertResult {
	ctx, span := e.Tracer.Start(ctx, "engine.Alert")
	defer span.End()
	start := time.Now()

	res, errDetails := e.runMode(ctx, "alert", source, sandbox.ExecContext{
		Mode: "alert", Symbols: symbols,
	}, defaultInstanceCap, 0)

	elapsed := time.Since(start)
	if errDetails != nil {
		metrics.RecordExecution("alert", "error", elapsed.Seconds(), 0)
		return AlertResult{ExecutionTimeMs: elapsed.Milliseconds(), Error: errDetails.ErrorMessage, ErrorDetails: errDetails}
	}

	now := time.Now().Unix()
	alerts := make([]AlertRecord, 0, len(res.Instances))
	signals := make(map[string]map[string]interface{}, len(res.Instances))
	for _, m := range res.Instances {
		symbol, _ := m["ticker"].(string)
		priority := "medium"
		score, hasScore := numericField(m, "score")
		signalStrength, hasSignal := numericField(m, "signal_strength")
		if (hasScore && score > 0.8) || (hasSignal && signalStrength > 0.8) {
			priority = "high"
		}
		alerts = append(alerts, AlertRecord{
			Symbol:    symbol,
			Type:      "strategy_signal",
			Message:   fmt.Sprintf("strategy signal for %s", symbol),
			Timestamp: now,
			Data:      m,
			Priority:  priority,
		})
		signals[symbol] = m
	}

	metrics.RecordExecution("alert", "success", elapsed.Seconds(), len(res.Instances))
	return AlertResult{Success: true, Alerts: alerts, Signals: signals, ExecutionTimeMs: elapsed.Milliseconds()}
}

// runMode validates then executes source under execCtx, returning the
// sandbox result or a classified ErrorDetails — the shared path every
// public mode funnels through.
func (e *Engine) runMode(ctx context.Context, mode, source string, execCtx sandbox.ExecContext, instanceCap int, timeout time.Duration) (sandbox.Result, *ErrorDetails) {
	vr, err := validator.Validate(source)
	if err != nil {
		return sandbox.Result{}, classifyTopLevelError(err)
	}

	res := e.Sandbox.Run(ctx, vr.Stripped, execCtx, instanceCap, timeout)
	if res.Err != nil {
		return res, &ErrorDetails{
			ErrorType:     res.Err.ErrorType,
			ErrorMessage:  res.Err.ErrorMessage,
			LineNumber:    res.Err.LineNumber,
			CodeContext:   res.Err.CodeContext,
			FullTraceback: res.Err.FullTrace,
		}
	}
	_ = mode
	return res, nil
}

func classifyTopLevelError(err error) *ErrorDetails {
	errType := "ValidationError"
	switch err.(type) {
	case *validator.SecurityError:
		errType = "SecurityError"
	case *validator.ComplianceError:
		errType = "StrategyComplianceError"
	}
	return &ErrorDetails{ErrorType: errType, ErrorMessage: err.Error()}
}

func numericField(m map[string]interface{}, key string) (float64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func firstNumericField(m map[string]interface{}, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := numericField(m, k); ok {
			return v, true
		}
	}
	return 0, false
}
