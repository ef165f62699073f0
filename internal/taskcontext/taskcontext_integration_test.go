//go:build integration

// These tests spin up a real Redis container via testcontainers-go and
// exercise the pub/sub zero-subscriber cancellation path end to end,
// rather than mocking go-redis — the same container-backed approach
// the teacher's go.mod already pulled in (testcontainers-go/modules/redis)
// but never itself exercised with a test file.
package taskcontext

import (
	"context"
	"testing"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"
)

func newTestRedis(t *testing.T) *goredis.Client {
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	connStr, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	opts, err := goredis.ParseURL(connStr)
	require.NoError(t, err)
	return goredis.NewClient(opts)
}

func TestPublishWithSubscriberSucceeds(t *testing.T) {
	client := newTestRedis(t)
	logger := zap.NewNop().Sugar()

	task := New(client, logger, "task-1", "status-1", "worker-1", 50*time.Millisecond)
	defer task.Destroy()

	sub := client.Subscribe(context.Background(), "task_status:status-1")
	defer sub.Close()
	require.NoError(t, sub.Ping(context.Background()))

	err := task.Publish(context.Background(), MessageProgress, "running", nil, nil)
	require.NoError(t, err)
	require.False(t, task.Cancelled())
}

func TestPublishWithNoSubscribersCancels(t *testing.T) {
	client := newTestRedis(t)
	logger := zap.NewNop().Sugar()

	task := New(client, logger, "task-2", "status-2", "worker-1", time.Hour)
	defer task.Destroy()

	err := task.Publish(context.Background(), MessageHeartbeat, "running", nil, nil)
	require.ErrorIs(t, err, ErrNoSubscribers)
	require.True(t, task.Cancelled())
	require.Error(t, task.CheckForCancellation())
}

func TestHeartbeatLoopCancelsOnNoSubscribers(t *testing.T) {
	client := newTestRedis(t)
	logger := zap.NewNop().Sugar()

	task := New(client, logger, "task-3", "status-3", "worker-1", 20*time.Millisecond)
	defer task.Destroy()

	require.Eventually(t, func() bool {
		return task.Cancelled()
	}, 2*time.Second, 20*time.Millisecond)
}
