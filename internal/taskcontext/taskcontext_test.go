package taskcontext

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameMarshalsExpectedShape(t *testing.T) {
	frame := Frame{
		TaskID:      "task-1",
		MessageType: MessageHeartbeat,
		Status:      "running",
		ElapsedTime: 1.5,
	}
	payload, err := json.Marshal(frame)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, "task-1", decoded["task_id"])
	assert.Equal(t, "heartbeat", decoded["message_type"])
	assert.Equal(t, "running", decoded["status"])
	assert.NotContains(t, decoded, "data")
	assert.NotContains(t, decoded, "error")
}

func TestCheckForCancellationTracksCancelledFlag(t *testing.T) {
	task := &Task{TaskID: "t1"}
	assert.NoError(t, task.CheckForCancellation())
	assert.False(t, task.Cancelled())

	task.cancelled.Store(true)
	assert.True(t, task.Cancelled())
	assert.Error(t, task.CheckForCancellation())
}
