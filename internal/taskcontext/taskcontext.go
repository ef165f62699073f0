// Package taskcontext is the worker-side per-task object: it owns a
// task's identity, publishes heartbeat/progress/result frames to
// task_status:<status_id>, and watches for zero subscribers as the
// signal to cancel cooperatively. The Frame/channel-naming shape is
// grounded on the teacher's task-submission machinery (see
// DESIGN.md's C8 and queue.go entries), but everything here runs
// inside the worker executing the task, not the client that queued it.
package taskcontext

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"strategyworker/internal/metrics"
)

// ErrNoSubscribers is raised when a publish finds zero subscribers on
// task_status:<status_id> — SPEC_FULL.md §4.8 treats this as the
// caller having disconnected, which the heartbeat loop interprets as
// cancellation.
var ErrNoSubscribers = errors.New("taskcontext: no subscribers on status channel")

// MessageType enumerates the three frame kinds a task publishes.
type MessageType string

const (
	MessageProgress  MessageType = "progress"
	MessageHeartbeat MessageType = "heartbeat"
	MessageResult    MessageType = "result"
)

// Frame is the JSON payload published to task_status:<status_id>,
// matching the UnifiedMessage shape a subscribing caller expects.
type Frame struct {
	TaskID      string      `json:"task_id"`
	MessageType MessageType `json:"message_type"`
	Status      string      `json:"status"`
	Data        interface{} `json:"data,omitempty"`
	ElapsedTime float64     `json:"elapsed_time"`
	Error       interface{} `json:"error,omitempty"`
}

// Task is the per-task execution context: identity, cancellation
// state, and a background heartbeat loop. One Task exists per
// in-flight task on a worker — the worker processes tasks serially, so
// there is never more than one live Task per worker process
// (SPEC_FULL.md §5).
type Task struct {
	TaskID    string
	StatusID  string
	WorkerID  string
	StartedAt time.Time

	cache    *redis.Client
	logger   *zap.SugaredLogger
	interval time.Duration

	cancelled atomic.Bool
	stopOnce  sync.Once
	stopCh    chan struct{}
	done      chan struct{}
}

// New constructs a Task and starts its heartbeat goroutine immediately.
// Callers must call Destroy when the task finishes to stop the
// heartbeat loop; the final result frame is published separately with
// PublishResult.
func New(cache *redis.Client, logger *zap.SugaredLogger, taskID, statusID, workerID string, heartbeatInterval time.Duration) *Task {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 5 * time.Second
	}
	t := &Task{
		TaskID:    taskID,
		StatusID:  statusID,
		WorkerID:  workerID,
		StartedAt: time.Now(),
		cache:     cache,
		logger:    logger,
		interval:  heartbeatInterval,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	go t.heartbeatLoop()
	return t
}

// Cancelled reports whether a zero-subscriber publish has flipped the
// cancellation flag. Strategy code between checkpoints polls this to
// short-circuit early; the engine's runMode loop does not currently
// call it mid-execution (Starlark's tree-walking interpreter offers no
// cancellation hook mid-step, same limitation noted for the 15s
// validation timeout), but external callers driving multi-step
// pipelines around a single task can.
func (t *Task) Cancelled() bool {
	return t.cancelled.Load()
}

// CheckForCancellation returns an error once cancellation has been
// observed, the Go equivalent of the original's check_for_cancellation
// raising Cancelled.
func (t *Task) CheckForCancellation() error {
	if t.cancelled.Load() {
		return fmt.Errorf("taskcontext: task %s cancelled", t.TaskID)
	}
	return nil
}

// Publish writes one frame to task_status:<status_id>. If the publish
// reaches zero subscribers, the cancellation flag is set and
// ErrNoSubscribers is returned — SPEC_FULL.md §4.8's supplemented
// mechanism (from original_source/.../utils/context.py): the
// subscriber count is read directly off PUBLISH's own return value
// (receiver count), not a separate PUBSUB NUMSUB round trip.
func (t *Task) Publish(ctx context.Context, msgType MessageType, status string, data interface{}, errVal interface{}) error {
	frame := Frame{
		TaskID:      t.TaskID,
		MessageType: msgType,
		Status:      status,
		Data:        data,
		ElapsedTime: time.Since(t.StartedAt).Seconds(),
		Error:       errVal,
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal status frame: %w", err)
	}

	channel := fmt.Sprintf("task_status:%s", t.StatusID)
	receivers, err := t.cache.Publish(ctx, channel, payload).Result()
	if err != nil {
		return fmt.Errorf("publish status frame: %w", err)
	}
	if receivers == 0 {
		t.cancelled.Store(true)
		return ErrNoSubscribers
	}
	return nil
}

// PublishResult always attempts the final result publish exactly once;
// a NoSubscribers error here is swallowed (a late-arriving caller
// disconnect must not mutate persisted state), per SPEC_FULL.md §4.8.
func (t *Task) PublishResult(ctx context.Context, status string, data interface{}, errVal interface{}) {
	if err := t.Publish(ctx, MessageResult, status, data, errVal); err != nil && !errors.Is(err, ErrNoSubscribers) {
		t.logger.Warnw("final result publish failed", "task_id", t.TaskID, "error", err)
	}
}

// heartbeatLoop sleeps on a timer racing stopCh so Destroy can preempt
// it immediately rather than waiting out the full interval, matching
// SPEC_FULL.md §4.8's "sleeps on a condition variable" cadence
// description (stopCh plays that role here).
func (t *Task) heartbeatLoop() {
	defer close(t.done)
	timer := time.NewTimer(t.interval)
	defer timer.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := t.Publish(ctx, MessageHeartbeat, "running", nil, nil)
		cancel()
		if err != nil {
			if errors.Is(err, ErrNoSubscribers) {
				metrics.NoSubscriberCancellationsTotal.Inc()
				t.logger.Infow("heartbeat found no subscribers, cancelling task", "task_id", t.TaskID)
				return
			}
			t.logger.Warnw("heartbeat publish failed", "task_id", t.TaskID, "error", err)
		}
		timer.Reset(t.interval)
	}
}

// Destroy stops the heartbeat loop immediately and blocks until the
// loop goroutine has exited.
func (t *Task) Destroy() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	<-t.done
}

// This package has no WithTx of its own: the connection bundle's scoped
// transaction helper lives in internal/data (retry.go's WithTx), grounded on original_source/.../utils/conn.py's
// force-close-and-reconnect manager. Task callers use data.WithTx
// directly; this package does not reimplement it.
