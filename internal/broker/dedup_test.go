package broker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentmesh/controlplane/internal/broker"
	brokermem "github.com/agentmesh/controlplane/internal/broker/memory"
	"github.com/agentmesh/controlplane/internal/common/logger"
	"github.com/agentmesh/controlplane/internal/queuemsg"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func TestWithDedupDropsRepeatedID(t *testing.T) {
	inner := brokermem.New(testLogger(t))
	deduped := broker.WithDedup(inner, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := deduped.GetMessages(ctx, "ns.echo")
	require.NoError(t, err)

	msg := queuemsg.New("svc", "echo", queuemsg.ActionCompletedTask, map[string]any{"task_id": "t1"})
	require.NoError(t, inner.Publish(ctx, "ns.echo", msg))
	require.NoError(t, inner.Publish(ctx, "ns.echo", msg)) // same id, duplicate delivery

	select {
	case got := <-ch:
		require.Equal(t, msg.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first delivery")
	}

	select {
	case got := <-ch:
		t.Fatalf("dedup should have dropped the duplicate, got %+v", got)
	case <-time.After(100 * time.Millisecond):
	}
}
