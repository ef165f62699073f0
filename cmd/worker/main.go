// Command worker is the strategy-execution worker process: it dequeues
// one task at a time from Redis, resolves the strategy source
// (inline or by id via internal/strategystore), dispatches to the
// matching internal/engine mode, and publishes heartbeat/result frames
// through internal/taskcontext — the consumer side of the
// task_queue/priority_task_queue RPush contract an upstream submitter
// is assumed to produce against (see DESIGN.md's cmd/worker entry).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"strategyworker/internal/baraccessor"
	"strategyworker/internal/data"
	"strategyworker/internal/engine"
	"strategyworker/internal/generaldata"
	"strategyworker/internal/metrics"
	"strategyworker/internal/sandbox"
	"strategyworker/internal/strategystore"
	"strategyworker/internal/taskcontext"
)

// taskData is the JSON wire shape an upstream submitter pushes onto
// task_queue/priority_task_queue (see DESIGN.md's queue.go entry).
type taskData struct {
	TaskID            string `json:"task_id"`
	TaskType          string `json:"task_type"`
	Kwargs            string `json:"kwargs"`
	CreatedAt         string `json:"created_at"`
	Priority          string `json:"priority"`
	StatusID          string `json:"status_id"`
	HeartbeatInterval int    `json:"heartbeat_interval"`
}

func main() {
	logger := mustLogger()
	defer logger.Sync()
	sugar := logger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	inContainer := data.Env("IN_CONTAINER", "") == "true"
	conn, cleanup, err := data.InitConn(ctx, sugar, inContainer)
	if err != nil {
		sugar.Fatalw("failed to connect to backing stores", "error", err)
	}
	defer cleanup()

	metricsPort := data.Env("METRICS_PORT", "9090")
	metricsServer := metrics.NewMetricsServer(metricsPort, sugar)
	if err := metricsServer.Start(); err != nil {
		sugar.Fatalw("failed to start metrics server", "error", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = metricsServer.Stop(shutdownCtx)
	}()

	tracer := otel.Tracer("strategyworker")

	gd := &generaldata.Accessor{DB: conn.DB, Logger: sugar}
	bd := &baraccessor.Accessor{DB: conn.DB, GeneralData: gd, Logger: sugar, Tracer: tracer}
	store := &strategystore.Store{DB: conn.DB, Logger: sugar}
	eng := &engine.Engine{
		Sandbox: &sandbox.Sandbox{BarData: bd, GeneralData: gd, Logger: sugar},
		Logger:  sugar,
		Tracer:  tracer,
	}

	workerID := data.Env("WORKER_ID", fmt.Sprintf("worker-%d", os.Getpid()))
	sugar.Infow("worker started", "worker_id", workerID)

	w := &worker{conn: conn, engine: eng, store: store, logger: sugar, workerID: workerID}
	w.run(ctx)

	sugar.Infow("worker shutting down")
}

func mustLogger() *zap.Logger {
	if data.Env("ENVIRONMENT", "dev") == "prod" {
		logger, err := zap.NewProduction()
		if err != nil {
			panic(err)
		}
		return logger
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	return logger
}

// queueNames are polled in priority order every iteration: a
// priority_task_queue item always wins a tie against task_queue.
var queueNames = []string{"priority_task_queue", "task_queue"}

const blockTimeout = 5 * time.Second

type worker struct {
	conn     *data.Conn
	engine   *engine.Engine
	store    *strategystore.Store
	logger   *zap.SugaredLogger
	workerID string
}

// run is the main dequeue loop: block-pop one task at a time from the
// priority queue then the normal queue, execute it to completion, and
// repeat. Exactly one task is in flight per worker, per SPEC_FULL.md §5.
func (w *worker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		result, err := w.conn.Cache.BLPop(ctx, blockTimeout, queueNames...).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			w.logger.Warnw("dequeue failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if len(result) != 2 {
			continue
		}

		var td taskData
		if err := json.Unmarshal([]byte(result[1]), &td); err != nil {
			w.logger.Warnw("dropping malformed task payload", "error", err)
			continue
		}

		metrics.ActiveTasksGauge.Set(1)
		w.execute(ctx, td)
		metrics.ActiveTasksGauge.Set(0)
	}
}

func (w *worker) execute(ctx context.Context, td taskData) {
	heartbeatInterval := time.Duration(td.HeartbeatInterval) * time.Second
	task := taskcontext.New(w.conn.Cache, w.logger, td.TaskID, td.StatusID, w.workerID, heartbeatInterval)
	defer task.Destroy()

	var args map[string]interface{}
	if err := json.Unmarshal([]byte(td.Kwargs), &args); err != nil {
		task.PublishResult(ctx, "failed", nil, err.Error())
		w.logger.Warnw("malformed task kwargs", "task_id", td.TaskID, "error", err)
		return
	}

	// create_strategy validates (engine.Validate, a capped sandbox run)
	// and persists a strategy version; python_agent (LLM-driven code generation) is an
	// explicit non-goal (spec.md §1) — this worker does not implement
	// it, it only ever receives already-generated source.
	if td.TaskType == "create_strategy" {
		w.executeCreateStrategy(ctx, task, args)
		return
	}
	if td.TaskType == "python_agent" {
		task.PublishResult(ctx, "failed", nil, "python_agent task type is not implemented by this worker (LLM code generation is an external collaborator)")
		return
	}

	source, err := w.resolveSource(ctx, args)
	if err != nil {
		task.PublishResult(ctx, "failed", nil, err.Error())
		w.logger.Warnw("could not resolve strategy source", "task_id", td.TaskID, "error", err)
		return
	}

	_ = task.Publish(ctx, taskcontext.MessageProgress, "running", nil, nil)

	var payload interface{}
	switch td.TaskType {
	case "backtest":
		symbols := stringSlice(args["symbols"])
		start, end := dateRange(args)
		maxInstances := intArg(args, "max_instances", 0)
		payload = w.engine.Backtest(ctx, source, symbols, start, end, maxInstances)
	case "validation", "validate":
		payload = w.engine.Validate(ctx, source)
	case "screening":
		symbols := stringSlice(args["symbols"])
		limit := intArg(args, "limit", 50)
		payload = w.engine.Screen(ctx, source, symbols, limit)
	case "alert":
		symbols := stringSlice(args["symbols"])
		payload = w.engine.Alert(ctx, source, symbols)
	default:
		task.PublishResult(ctx, "failed", nil, fmt.Sprintf("unknown task_type %q", td.TaskType))
		return
	}

	task.PublishResult(ctx, "completed", payload, nil)
}

// executeCreateStrategy validates the submitted source through
// engine.Validate (which runs it in the sandbox under validation caps),
// then persists it via internal/strategystore. Validation failures are
// reported the same way a bad backtest would be, and nothing is saved.
func (w *worker) executeCreateStrategy(ctx context.Context, task *taskcontext.Task, args map[string]interface{}) {
	code, _ := args["python_code"].(string)
	vr := w.engine.Validate(ctx, code)
	if !vr.Success && vr.Error != "NoTickersForValidation" {
		task.PublishResult(ctx, "failed", nil, vr.Error)
		return
	}

	var strategyID *int64
	if id := int64(intArg(args, "strategy_id", 0)); id != 0 {
		strategyID = &id
	}

	saved, err := w.store.SaveStrategy(ctx, strategystore.SaveInput{
		UserID:            int64(intArg(args, "user_id", 0)),
		Name:              stringArg(args, "name"),
		Description:       stringArg(args, "description"),
		Prompt:            stringArg(args, "prompt"),
		PythonCode:        code,
		StrategyID:        strategyID,
		MinTimeframe:      stringArg(args, "min_timeframe"),
		AlertUniverseFull: stringSlice(args["alert_universe_full"]),
	})
	if err != nil {
		task.PublishResult(ctx, "failed", nil, err.Error())
		return
	}
	task.PublishResult(ctx, "completed", saved, nil)
}

func stringArg(args map[string]interface{}, key string) string {
	s, _ := args[key].(string)
	return s
}

// resolveSource returns inline `python_code` if present, otherwise
// fetches it from internal/strategystore by `strategy_id` (+ optional
// `version`), matching the two shapes the teacher's QueueTask callers
// (QueueBacktest/QueueScreening/QueueAlert/…) are observed to send.
func (w *worker) resolveSource(ctx context.Context, args map[string]interface{}) (string, error) {
	if code, ok := args["python_code"].(string); ok && code != "" {
		return code, nil
	}

	userID := int64(intArg(args, "user_id", 0))
	strategyID := int64(intArg(args, "strategy_id", 0))
	if strategyID == 0 {
		return "", fmt.Errorf("task carries neither python_code nor strategy_id")
	}

	var version *int
	if v, ok := args["version"]; ok {
		if vi := toInt(v); vi > 0 {
			version = &vi
		}
	}

	code, _, err := w.store.FetchStrategyCode(ctx, userID, strategyID, version)
	return code, err
}

func stringSlice(v interface{}) []string {
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func intArg(args map[string]interface{}, key string, fallback int) int {
	v, ok := args[key]
	if !ok {
		return fallback
	}
	return toInt(v)
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i
		}
	}
	return 0
}

func dateRange(args map[string]interface{}) (time.Time, time.Time) {
	end := time.Now()
	start := end.AddDate(0, -1, 0)
	if s, ok := args["start_date"].(string); ok {
		if t, err := time.Parse("2006-01-02", s); err == nil {
			start = t
		}
	}
	if s, ok := args["end_date"].(string); ok {
		if t, err := time.Parse("2006-01-02", s); err == nil {
			end = t
		}
	}
	return start, end
}
