package omniq

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExecPublishAndPause(t *testing.T) {
	_, c := newTestClient(t)
	ctx := context.Background()
	exec := newExec(c, "parent-job")

	id, err := exec.Publish(ctx, PublishOpts{Queue: "children", Payload: map[string]int{"page": 1}})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.NoError(t, exec.Pause(ctx, "children"))
	paused, err := exec.IsPaused(ctx, "children")
	require.NoError(t, err)
	require.True(t, paused)

	require.NoError(t, exec.Resume(ctx, "children"))
	paused, err = exec.IsPaused(ctx, "children")
	require.NoError(t, err)
	require.False(t, paused)
}

func TestExecChildAckDefaultsToJobID(t *testing.T) {
	_, c := newTestClient(t)
	ctx := context.Background()
	exec := newExec(c, "job-abc")

	require.NoError(t, exec.ChildsInit(ctx, "batch:1", 2))

	remaining, err := exec.ChildAck(ctx, "batch:1", "")
	require.NoError(t, err)
	require.Equal(t, 1, remaining)

	remaining, err = exec.ChildAck(ctx, "batch:1", "explicit-child")
	require.NoError(t, err)
	require.Equal(t, 0, remaining)
}

func TestExecChildAckRequiresSomeChildID(t *testing.T) {
	_, c := newTestClient(t)
	exec := newExec(c, "")

	_, err := exec.ChildAck(context.Background(), "batch:1", "")
	require.Error(t, err)
}
