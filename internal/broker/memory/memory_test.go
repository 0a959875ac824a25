package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentmesh/controlplane/internal/broker"
	"github.com/agentmesh/controlplane/internal/common/logger"
	"github.com/agentmesh/controlplane/internal/queuemsg"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func TestPublishConsumeRoundTrip(t *testing.T) {
	b := New(testLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.GetMessages(ctx, "ns.control_plane")
	require.NoError(t, err)

	want := queuemsg.New("svc-a", "control_plane", queuemsg.ActionCompletedTask, map[string]any{"task_id": "t1"})
	require.NoError(t, b.Publish(ctx, "ns.control_plane", want))

	select {
	case got := <-ch:
		require.Equal(t, want, got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestRegisterConsumerDispatches(t *testing.T) {
	b := New(testLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan queuemsg.QueueMessage, 1)
	consumer := broker.ConsumerFunc(func(ctx context.Context, msg queuemsg.QueueMessage) error {
		received <- msg
		return nil
	})

	start, err := b.RegisterConsumer(ctx, "ns.sum", consumer)
	require.NoError(t, err)
	go start(ctx)

	msg := queuemsg.New("control_plane", "sum", queuemsg.ActionNewTask, map[string]any{"task_id": "t1"})
	require.NoError(t, b.Publish(ctx, "ns.sum", msg))

	select {
	case got := <-received:
		require.Equal(t, msg.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for consumer dispatch")
	}

	require.NoError(t, b.DeregisterConsumer(consumer))
}

func TestCleanupIsIdempotent(t *testing.T) {
	b := New(testLogger(t))
	ctx := context.Background()
	require.NoError(t, b.Cleanup(ctx))
	require.NoError(t, b.Cleanup(ctx))
}

func TestAsConfigReportsSimple(t *testing.T) {
	b := New(testLogger(t))
	cfg := b.AsConfig()
	require.Equal(t, "simple", cfg.Kind)
	require.NotNil(t, cfg.Simple)
}
