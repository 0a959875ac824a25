// Package controlplane implements the routing, session bookkeeping, and
// streaming algorithms of the control plane, grounded directly on
// llama_deploy's control_plane/server.py.
package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/controlplane/internal/broker"
	"github.com/agentmesh/controlplane/internal/common/logger"
	"github.com/agentmesh/controlplane/internal/controlplane/sessionlock"
	"github.com/agentmesh/controlplane/internal/controlplane/types"
	"github.com/agentmesh/controlplane/internal/queuemsg"
	"github.com/agentmesh/controlplane/internal/statestore"
)

// Options configures a Service's wire namespace and state store layout.
// Field names and defaults mirror ControlPlaneConfig.
type Options struct {
	TopicNamespace string
	ServicesKey    string
	TasksKey       string
	SessionKey     string
	StepInterval   time.Duration
}

// Service is the control plane's domain layer: session and service
// bookkeeping, task routing, and result/stream ingestion. It holds no HTTP
// concerns; internal/controlplane/api adapts it to gin.
type Service struct {
	broker broker.Broker
	store  statestore.Store
	log    *logger.Logger
	opts   Options
	locks  *sessionlock.Striped
}

// New constructs a Service over broker b and state store st.
func New(b broker.Broker, st statestore.Store, log *logger.Logger, opts Options) *Service {
	return &Service{
		broker: b,
		store:  st,
		log:    log,
		opts:   opts,
		locks:  sessionlock.New(),
	}
}

func (s *Service) controlPlaneTopic() string {
	return queuemsg.Topic(s.opts.TopicNamespace, queuemsg.ControlPlaneType)
}

func (s *Service) serviceTopic(serviceID string) string {
	return queuemsg.Topic(s.opts.TopicNamespace, serviceID)
}

// --- services ---------------------------------------------------------

// RegisterService upserts a service definition, matching the registration
// endpoint's replace-on-conflict semantics.
func (s *Service) RegisterService(ctx context.Context, def types.ServiceDefinition) error {
	return s.store.Put(ctx, s.opts.ServicesKey, def.ServiceName, def)
}

// DeregisterService removes a service. Deregistering an unknown service is
// a no-op, not an error: the caller's intent (service gone) already holds.
func (s *Service) DeregisterService(ctx context.Context, name string) error {
	return s.store.Delete(ctx, s.opts.ServicesKey, name)
}

func (s *Service) GetService(ctx context.Context, name string) (types.ServiceDefinition, error) {
	var def types.ServiceDefinition
	found, err := s.store.Get(ctx, s.opts.ServicesKey, name, &def)
	if err != nil {
		return types.ServiceDefinition{}, err
	}
	if !found {
		return types.ServiceDefinition{}, ErrServiceNotFound
	}
	return def, nil
}

func (s *Service) ListServices(ctx context.Context) (map[string]types.ServiceDefinition, error) {
	raw, err := s.store.GetAll(ctx, s.opts.ServicesKey)
	if err != nil {
		return nil, err
	}
	out := make(map[string]types.ServiceDefinition, len(raw))
	for name, data := range raw {
		var def types.ServiceDefinition
		if err := json.Unmarshal(data, &def); err != nil {
			return nil, err
		}
		out[name] = def
	}
	return out, nil
}

// --- sessions -----------------------------------------------------------

// CreateSession allocates a new empty session and returns its id.
func (s *Service) CreateSession(ctx context.Context) (string, error) {
	sid := uuid.NewString()
	def := types.SessionDefinition{
		SessionID: sid,
		TaskIDs:   []string{},
		State:     map[string]any{},
	}
	if err := s.store.Put(ctx, s.opts.SessionKey, sid, def); err != nil {
		return "", err
	}
	return sid, nil
}

func (s *Service) loadSession(ctx context.Context, sid string) (types.SessionDefinition, error) {
	var def types.SessionDefinition
	found, err := s.store.Get(ctx, s.opts.SessionKey, sid, &def)
	if err != nil {
		return types.SessionDefinition{}, err
	}
	if !found {
		return types.SessionDefinition{}, ErrSessionNotFound
	}
	return def, nil
}

func (s *Service) GetSession(ctx context.Context, sid string) (types.SessionDefinition, error) {
	return s.loadSession(ctx, sid)
}

func (s *Service) DeleteSession(ctx context.Context, sid string) error {
	return s.store.Delete(ctx, s.opts.SessionKey, sid)
}

func (s *Service) ListSessions(ctx context.Context) (map[string]types.SessionDefinition, error) {
	raw, err := s.store.GetAll(ctx, s.opts.SessionKey)
	if err != nil {
		return nil, err
	}
	out := make(map[string]types.SessionDefinition, len(raw))
	for sid, data := range raw {
		var def types.SessionDefinition
		if err := json.Unmarshal(data, &def); err != nil {
			return nil, err
		}
		out[sid] = def
	}
	return out, nil
}

// GetSessionState returns the session's accumulated state map.
func (s *Service) GetSessionState(ctx context.Context, sid string) (map[string]any, error) {
	session, err := s.loadSession(ctx, sid)
	if err != nil {
		return nil, err
	}
	if session.State == nil {
		return map[string]any{}, nil
	}
	return session.State, nil
}

// UpdateSessionState merges patch into the session's state under the
// session's lock, so it cannot race with task-driven state mutation.
func (s *Service) UpdateSessionState(ctx context.Context, sid string, patch map[string]any) error {
	return s.locks.With(sid, func() error {
		session, err := s.loadSession(ctx, sid)
		if err != nil {
			return err
		}
		if session.State == nil {
			session.State = map[string]any{}
		}
		for k, v := range patch {
			session.State[k] = v
		}
		return s.store.Put(ctx, s.opts.SessionKey, sid, session)
	})
}

// --- tasks ----------------------------------------------------------------

func (s *Service) loadTask(ctx context.Context, taskID string) (types.TaskDefinition, bool, error) {
	var def types.TaskDefinition
	found, err := s.store.Get(ctx, s.opts.TasksKey, taskID, &def)
	if err != nil {
		return types.TaskDefinition{}, false, err
	}
	return def, found, nil
}

// AddTask appends task to session sid, persists it, and routes it to its
// target service. It is the Go translation of send_task_to_service's
// caller path: validate, append to session.task_ids under lock, persist the
// task record, then route.
func (s *Service) AddTask(ctx context.Context, sid string, task types.TaskDefinition) (string, error) {
	if task.SessionID != "" && task.SessionID != sid {
		return "", ErrSessionMismatch
	}
	if task.ServiceID == "" {
		return "", ErrUnroutable
	}
	task.SessionID = sid
	if task.TaskID == "" {
		task.TaskID = uuid.NewString()
	}

	err := s.locks.With(sid, func() error {
		session, err := s.loadSession(ctx, sid)
		if err != nil {
			return err
		}
		session.TaskIDs = append(session.TaskIDs, task.TaskID)
		return s.store.Put(ctx, s.opts.SessionKey, sid, session)
	})
	if err != nil {
		return "", err
	}

	if err := s.store.Put(ctx, s.opts.TasksKey, task.TaskID, task); err != nil {
		return "", err
	}

	if err := s.sendTaskToService(ctx, task); err != nil {
		return "", err
	}
	return task.TaskID, nil
}

func (s *Service) GetTask(ctx context.Context, taskID string) (types.TaskDefinition, error) {
	task, found, err := s.loadTask(ctx, taskID)
	if err != nil {
		return types.TaskDefinition{}, err
	}
	if !found {
		return types.TaskDefinition{}, ErrTaskNotFound
	}
	return task, nil
}

// ListTasks returns the TaskDefinitions for every task id on the session, in
// session order.
func (s *Service) ListTasks(ctx context.Context, sid string) ([]types.TaskDefinition, error) {
	session, err := s.loadSession(ctx, sid)
	if err != nil {
		return nil, err
	}
	out := make([]types.TaskDefinition, 0, len(session.TaskIDs))
	for _, tid := range session.TaskIDs {
		task, found, err := s.loadTask(ctx, tid)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, task)
		}
	}
	return out, nil
}

// CurrentTask returns the most recently added task on the session, or
// found=false if the session has no tasks yet.
func (s *Service) CurrentTask(ctx context.Context, sid string) (types.TaskDefinition, bool, error) {
	session, err := s.loadSession(ctx, sid)
	if err != nil {
		return types.TaskDefinition{}, false, err
	}
	if len(session.TaskIDs) == 0 {
		return types.TaskDefinition{}, false, nil
	}
	task, err := s.GetTask(ctx, session.TaskIDs[len(session.TaskIDs)-1])
	if err != nil {
		return types.TaskDefinition{}, false, err
	}
	return task, true, nil
}

// sendTaskToService publishes task onto its target service's topic, unless
// a result for it is already recorded on the session (the no-op branch hit
// when HandleServiceCompletion re-invokes this after persisting the result;
// the re-invocation is kept as the extension point for post-completion
// routing).
func (s *Service) sendTaskToService(ctx context.Context, task types.TaskDefinition) error {
	session, err := s.loadSession(ctx, task.SessionID)
	if err != nil {
		return err
	}
	if _, done := session.State[types.ResultKey(task.TaskID)]; done {
		return nil
	}

	data, err := taskToMap(task)
	if err != nil {
		return err
	}
	msg := queuemsg.New(queuemsg.ControlPlaneType, task.ServiceID, queuemsg.ActionNewTask, data)
	topic := s.serviceTopic(task.ServiceID)
	if err := s.broker.Publish(ctx, topic, msg); err != nil {
		return fmt.Errorf("controlplane: route task %s to %s: %w", task.TaskID, task.ServiceID, err)
	}
	s.log.WithSessionID(task.SessionID).WithTaskID(task.TaskID).WithTopic(topic).Debug("routed task to service")

	return s.locks.With(task.SessionID, func() error {
		session, err := s.loadSession(ctx, task.SessionID)
		if err != nil {
			return err
		}
		if session.State == nil {
			session.State = map[string]any{}
		}
		if _, ok := session.State[task.TaskID]; !ok {
			session.State[task.TaskID] = map[string]any{}
		}
		return s.store.Put(ctx, s.opts.SessionKey, task.SessionID, session)
	})
}

// --- events ---------------------------------------------------------------

// SendEvent injects an out-of-band event into a running task by publishing
// it on the target service's topic. Events are not persisted; they are
// fire-and-forget signals to the service currently holding the task.
func (s *Service) SendEvent(ctx context.Context, sid, tid string, event types.EventDefinition) error {
	task := types.TaskDefinition{
		TaskID:    tid,
		SessionID: sid,
		Input:     event.EventObjStr,
		ServiceID: event.ServiceID,
	}
	data, err := taskToMap(task)
	if err != nil {
		return err
	}
	msg := queuemsg.New(queuemsg.ControlPlaneType, event.ServiceID, queuemsg.ActionSendEvent, data)
	return s.broker.Publish(ctx, s.serviceTopic(event.ServiceID), msg)
}

// --- completion and streaming ingestion ------------------------------------

// HandleServiceCompletion records a task's terminal result on its owning
// session and re-runs sendTaskToService, which now no-ops since the result
// is recorded.
func (s *Service) HandleServiceCompletion(ctx context.Context, result types.TaskResult) error {
	task, found, err := s.loadTask(ctx, result.TaskID)
	if err != nil {
		return err
	}
	if !found {
		return ErrTaskNotFound
	}

	err = s.locks.With(task.SessionID, func() error {
		session, err := s.loadSession(ctx, task.SessionID)
		if err != nil {
			return err
		}
		if session.State == nil {
			session.State = map[string]any{}
		}
		retries, _ := session.State[types.RetriesKey].(float64)
		session.State[types.RetriesKey] = retries + 1
		session.State[types.ResultKey(result.TaskID)] = result
		return s.store.Put(ctx, s.opts.SessionKey, task.SessionID, session)
	})
	if err != nil {
		return err
	}

	if err := s.store.Put(ctx, s.opts.TasksKey, task.TaskID, task); err != nil {
		return err
	}

	s.log.WithSessionID(task.SessionID).WithTaskID(task.TaskID).Debug("recorded task result")
	return s.sendTaskToService(ctx, task)
}

// AddStreamToSession appends a streamed record to its owning session's
// stream_<task_id> state list.
func (s *Service) AddStreamToSession(ctx context.Context, stream types.TaskStream) error {
	sid := stream.SessionID
	if sid == "" {
		task, found, err := s.loadTask(ctx, stream.TaskID)
		if err != nil {
			return err
		}
		if !found {
			return ErrTaskNotFound
		}
		sid = task.SessionID
	}

	return s.locks.With(sid, func() error {
		session, err := s.loadSession(ctx, sid)
		if err != nil {
			return err
		}
		if session.State == nil {
			session.State = map[string]any{}
		}
		key := types.StreamKey(stream.TaskID)
		var records []map[string]any
		if existing, ok := session.State[key]; ok {
			records, err = decodeRecords(existing)
			if err != nil {
				return err
			}
		}
		records = append(records, map[string]any{"index": stream.Index, "data": stream.Data})
		session.State[key] = records
		return s.store.Put(ctx, s.opts.SessionKey, sid, session)
	})
}

// GetResult returns the recorded TaskResult for a task, or found=false if
// the task has not completed yet.
func (s *Service) GetResult(ctx context.Context, sid, tid string) (types.TaskResult, bool, error) {
	session, err := s.loadSession(ctx, sid)
	if err != nil {
		return types.TaskResult{}, false, err
	}
	raw, ok := session.State[types.ResultKey(tid)]
	if !ok {
		return types.TaskResult{}, false, nil
	}
	result, err := decodeResult(raw)
	if err != nil {
		return types.TaskResult{}, false, err
	}
	return result, true, nil
}

// StreamTaskResult drives the NDJSON streaming read endpoint: it polls the
// session's stream_<task_id> records every StepInterval, emitting newly
// arrived records in index order, until a final result appears or ctx is
// canceled. Any mid-stream error is emitted as a single error line and the
// stream terminates; it is never returned to the HTTP layer, since response
// headers and prior lines are already on the wire.
func (s *Service) StreamTaskResult(ctx context.Context, sid, tid string, emit func(line []byte) error) error {
	lastIndex := 0
	ticker := time.NewTicker(s.opts.StepInterval)
	defer ticker.Stop()

	for {
		session, err := s.loadSession(ctx, sid)
		if err != nil {
			return emitStreamError(emit, err)
		}

		var records []map[string]any
		if raw, ok := session.State[types.StreamKey(tid)]; ok {
			records, err = decodeRecords(raw)
			if err != nil {
				return emitStreamError(emit, err)
			}
		}
		sort.SliceStable(records, func(i, j int) bool {
			return indexOf(records[i]) < indexOf(records[j])
		})

		if lastIndex < len(records) {
			for _, rec := range records[lastIndex:] {
				line, err := json.Marshal(rec["data"])
				if err != nil {
					return emitStreamError(emit, err)
				}
				if err := emit(append(line, '\n')); err != nil {
					return err
				}
			}
			lastIndex = len(records)
		}

		if _, done := session.State[types.ResultKey(tid)]; done {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func emitStreamError(emit func(line []byte) error, cause error) error {
	payload, _ := json.Marshal(map[string]string{"error": cause.Error()})
	return emit(append(payload, '\n'))
}

func indexOf(rec map[string]any) float64 {
	switch v := rec["index"].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

// --- bus consumer loop ------------------------------------------------------

// Run drains the control plane's own topic and dispatches each message by
// Action until ctx is canceled or the broker closes the channel.
func (s *Service) Run(ctx context.Context) error {
	ch, err := s.broker.GetMessages(ctx, s.controlPlaneTopic())
	if err != nil {
		return fmt.Errorf("controlplane: subscribe to control topic: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if err := s.handleBusMessage(ctx, msg); err != nil {
				s.log.WithError(err).WithTopic(s.controlPlaneTopic()).Error("consumer loop: dispatch failed")
			}
		}
	}
}

func (s *Service) handleBusMessage(ctx context.Context, msg queuemsg.QueueMessage) error {
	if msg.Data == nil {
		return ErrProtocolMessage
	}

	switch msg.Action {
	case queuemsg.ActionNewTask:
		task, err := taskFromMap(msg.Data)
		if err != nil {
			return err
		}
		sid := task.SessionID
		if sid == "" {
			created, err := s.CreateSession(ctx)
			if err != nil {
				return err
			}
			sid = created
		}
		_, err = s.AddTask(ctx, sid, task)
		return err

	case queuemsg.ActionCompletedTask:
		var result types.TaskResult
		if err := remarshal(msg.Data, &result); err != nil {
			return err
		}
		return s.HandleServiceCompletion(ctx, result)

	case queuemsg.ActionTaskStream:
		var stream types.TaskStream
		if err := remarshal(msg.Data, &stream); err != nil {
			return err
		}
		return s.AddStreamToSession(ctx, stream)

	default:
		return fmt.Errorf("%w: unrecognized action %q", ErrProtocolMessage, msg.Action)
	}
}

// --- marshaling helpers ------------------------------------------------------

func taskToMap(task types.TaskDefinition) (map[string]any, error) {
	var m map[string]any
	if err := remarshalOut(task, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func taskFromMap(data map[string]any) (types.TaskDefinition, error) {
	var task types.TaskDefinition
	if err := remarshal(data, &task); err != nil {
		return types.TaskDefinition{}, err
	}
	return task, nil
}

func remarshal(data map[string]any, dest any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}

func remarshalOut(src any, dest *map[string]any) error {
	raw, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}

func decodeRecords(raw any) ([]map[string]any, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var records []map[string]any
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func decodeResult(raw any) (types.TaskResult, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return types.TaskResult{}, err
	}
	var result types.TaskResult
	if err := json.Unmarshal(data, &result); err != nil {
		return types.TaskResult{}, err
	}
	return result, nil
}
