package controlplane_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentmesh/controlplane/internal/broker"
	brokermem "github.com/agentmesh/controlplane/internal/broker/memory"
	"github.com/agentmesh/controlplane/internal/common/logger"
	"github.com/agentmesh/controlplane/internal/controlplane"
	"github.com/agentmesh/controlplane/internal/controlplane/types"
	"github.com/agentmesh/controlplane/internal/queuemsg"
	statestoremem "github.com/agentmesh/controlplane/internal/statestore/memory"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func newTestService(t *testing.T) (*controlplane.Service, broker.Broker) {
	t.Helper()
	b := brokermem.New(testLogger(t))
	st := statestoremem.New()
	svc := controlplane.New(b, st, testLogger(t), controlplane.Options{
		TopicNamespace: "ns",
		ServicesKey:    "services",
		TasksKey:       "tasks",
		SessionKey:     "sessions",
		StepInterval:   10 * time.Millisecond,
	})
	return svc, b
}

func TestRegisterDeregisterServiceIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.RegisterService(ctx, types.ServiceDefinition{ServiceName: "echo"}))
	_, err := svc.GetService(ctx, "echo")
	require.NoError(t, err)

	require.NoError(t, svc.DeregisterService(ctx, "echo"))
	require.NoError(t, svc.DeregisterService(ctx, "echo")) // idempotent

	_, err = svc.GetService(ctx, "echo")
	require.ErrorIs(t, err, controlplane.ErrServiceNotFound)
}

func TestCreateDeleteSessionRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	sid, err := svc.CreateSession(ctx)
	require.NoError(t, err)

	session, err := svc.GetSession(ctx, sid)
	require.NoError(t, err)
	require.Equal(t, sid, session.SessionID)
	require.Empty(t, session.TaskIDs)

	require.NoError(t, svc.DeleteSession(ctx, sid))
	_, err = svc.GetSession(ctx, sid)
	require.ErrorIs(t, err, controlplane.ErrSessionNotFound)
}

func TestUpdateGetSessionStateMerges(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	sid, err := svc.CreateSession(ctx)
	require.NoError(t, err)

	require.NoError(t, svc.UpdateSessionState(ctx, sid, map[string]any{"a": 1.0}))
	require.NoError(t, svc.UpdateSessionState(ctx, sid, map[string]any{"b": 2.0}))

	state, err := svc.GetSessionState(ctx, sid)
	require.NoError(t, err)
	require.Equal(t, 1.0, state["a"])
	require.Equal(t, 2.0, state["b"])
}

func TestEmptySessionCurrentTaskNotFound(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	sid, err := svc.CreateSession(ctx)
	require.NoError(t, err)

	_, found, err := svc.CurrentTask(ctx, sid)
	require.NoError(t, err)
	require.False(t, found)
}

func TestAddTaskUnroutableRejectedBeforeMutation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	sid, err := svc.CreateSession(ctx)
	require.NoError(t, err)

	_, err = svc.AddTask(ctx, sid, types.TaskDefinition{Input: "hi"})
	require.ErrorIs(t, err, controlplane.ErrUnroutable)

	session, err := svc.GetSession(ctx, sid)
	require.NoError(t, err)
	require.Empty(t, session.TaskIDs)
}

func TestAddTaskSessionMismatchRejected(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	sid, err := svc.CreateSession(ctx)
	require.NoError(t, err)

	_, err = svc.AddTask(ctx, sid, types.TaskDefinition{Input: "hi", ServiceID: "echo", SessionID: "other"})
	require.ErrorIs(t, err, controlplane.ErrSessionMismatch)
}

// TestScenario1RegisterSubmitComplete covers registering a service,
// submitting a task, and completing it through the bus.
func TestScenario1RegisterSubmitComplete(t *testing.T) {
	svc, b := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, svc.RegisterService(ctx, types.ServiceDefinition{ServiceName: "echo"}))

	sid, err := svc.CreateSession(ctx)
	require.NoError(t, err)

	serviceCh, err := b.GetMessages(ctx, "ns.echo")
	require.NoError(t, err)

	tid, err := svc.AddTask(ctx, sid, types.TaskDefinition{Input: "ping", ServiceID: "echo"})
	require.NoError(t, err)

	var delivered queuemsg.QueueMessage
	select {
	case delivered = <-serviceCh:
	case <-time.After(time.Second):
		t.Fatal("service never received routed task")
	}
	require.Equal(t, queuemsg.ActionNewTask, delivered.Action)
	require.Equal(t, tid, delivered.Data["task_id"])

	result := types.TaskResult{TaskID: tid, Result: "pong"}
	require.NoError(t, svc.HandleServiceCompletion(ctx, result))

	got, found, err := svc.GetResult(ctx, sid, tid)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "pong", got.Result)
	require.Equal(t, tid, got.TaskID)

	session, err := svc.GetSession(ctx, sid)
	require.NoError(t, err)
	require.Contains(t, session.TaskIDs, tid)
}

// TestScenario4BadRouting covers submitting a task with no service_id: it
// must be rejected before the task id is appended to the session.
func TestScenario4BadRouting(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	sid, err := svc.CreateSession(ctx)
	require.NoError(t, err)

	_, err = svc.AddTask(ctx, sid, types.TaskDefinition{Input: "ping"})
	require.ErrorIs(t, err, controlplane.ErrUnroutable)

	session, err := svc.GetSession(ctx, sid)
	require.NoError(t, err)
	require.Empty(t, session.TaskIDs)
}

// TestScenario5SessionMismatch covers submitting a task whose session_id
// names a different session than the URL target.
func TestScenario5SessionMismatch(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	sidA, err := svc.CreateSession(ctx)
	require.NoError(t, err)
	sidB, err := svc.CreateSession(ctx)
	require.NoError(t, err)

	_, err = svc.AddTask(ctx, sidA, types.TaskDefinition{Input: "ping", ServiceID: "echo", SessionID: sidB})
	require.ErrorIs(t, err, controlplane.ErrSessionMismatch)
}

// TestScenario2StreamingOrder covers out-of-order index arrival being
// reordered for the streaming reader, and the stream terminating once the
// final result lands.
func TestScenario2StreamingOrder(t *testing.T) {
	svc, _ := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, svc.RegisterService(ctx, types.ServiceDefinition{ServiceName: "echo"}))
	sid, err := svc.CreateSession(ctx)
	require.NoError(t, err)
	tid, err := svc.AddTask(ctx, sid, types.TaskDefinition{Input: "ping", ServiceID: "echo"})
	require.NoError(t, err)

	require.NoError(t, svc.AddStreamToSession(ctx, types.TaskStream{TaskID: tid, SessionID: sid, Index: 1, Data: map[string]any{"chunk": "b"}}))
	require.NoError(t, svc.AddStreamToSession(ctx, types.TaskStream{TaskID: tid, SessionID: sid, Index: 0, Data: map[string]any{"chunk": "a"}}))

	var lines [][]byte
	streamDone := make(chan error, 1)
	go func() {
		streamDone <- svc.StreamTaskResult(ctx, sid, tid, func(line []byte) error {
			cp := append([]byte(nil), line...)
			lines = append(lines, cp)
			return nil
		})
	}()

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, svc.HandleServiceCompletion(ctx, types.TaskResult{TaskID: tid, Result: "done"}))

	select {
	case err := <-streamDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("stream never terminated after final result")
	}

	require.Len(t, lines, 2)
	require.Contains(t, string(lines[0]), `"chunk":"a"`)
	require.Contains(t, string(lines[1]), `"chunk":"b"`)
}

// TestScenario3ImplicitSessionViaBus covers a NEW_TASK message arriving on
// the control plane's own topic with no session_id, which should cause a
// session to be created implicitly.
func TestScenario3ImplicitSessionViaBus(t *testing.T) {
	svc, b := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, svc.RegisterService(ctx, types.ServiceDefinition{ServiceName: "echo"}))

	go func() {
		_ = svc.Run(ctx)
	}()

	task := types.TaskDefinition{Input: "ping", ServiceID: "echo"}
	data := map[string]any{"input": task.Input, "service_id": task.ServiceID}
	msg := queuemsg.New("external", queuemsg.ControlPlaneType, queuemsg.ActionNewTask, data)
	require.NoError(t, b.Publish(ctx, "ns.control_plane", msg))

	require.Eventually(t, func() bool {
		sessions, err := svc.ListSessions(ctx)
		if err != nil || len(sessions) != 1 {
			return false
		}
		for _, s := range sessions {
			return len(s.TaskIDs) == 1
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

// TestScenario6DeregisterIdempotence covers deregistering a service that was
// never registered, which is errorless; deregistering the same service twice
// is covered by TestRegisterDeregisterServiceIdempotent.
func TestScenario6DeregisterIdempotence(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.DeregisterService(ctx, "never-registered"))
}

func TestConcurrentAddTaskRace(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.RegisterService(ctx, types.ServiceDefinition{ServiceName: "echo"}))
	sid, err := svc.CreateSession(ctx)
	require.NoError(t, err)

	const n = 100
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.AddTask(ctx, sid, types.TaskDefinition{Input: "x", ServiceID: "echo"})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	session, err := svc.GetSession(ctx, sid)
	require.NoError(t, err)
	require.Len(t, session.TaskIDs, n)

	seen := make(map[string]struct{}, n)
	for _, tid := range session.TaskIDs {
		seen[tid] = struct{}{}
	}
	require.Len(t, seen, n)
}
