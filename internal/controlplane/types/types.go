// Package types holds the control plane's wire-visible entities.
package types

// ServiceDefinition describes a registered workflow service.
type ServiceDefinition struct {
	ServiceName string `json:"service_name"`
	Description string `json:"description"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
}

// SessionDefinition is a durable container for an ordered set of tasks and
// their accumulated state.
type SessionDefinition struct {
	SessionID string         `json:"session_id"`
	TaskIDs   []string       `json:"task_ids"`
	State     map[string]any `json:"state"`
}

// TaskDefinition represents a unit of work targeting one service.
type TaskDefinition struct {
	TaskID    string `json:"task_id"`
	SessionID string `json:"session_id,omitempty"`
	Input     string `json:"input"`
	ServiceID string `json:"service_id,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
}

// TaskResult is the terminal outcome of a task.
type TaskResult struct {
	TaskID  string         `json:"task_id"`
	History string         `json:"history,omitempty"`
	Result  string         `json:"result"`
	Data    map[string]any `json:"data,omitempty"`
}

// TaskStream is an intermediate streamed event, ordered by Index within a
// task. Duplicates sharing an Index are allowed; ordering is by Index, not
// arrival.
type TaskStream struct {
	TaskID    string         `json:"task_id"`
	SessionID string         `json:"session_id,omitempty"`
	Index     int            `json:"index"`
	Data      map[string]any `json:"data"`
}

// EventDefinition is an out-of-band event injected into a running task.
type EventDefinition struct {
	EventObjStr string `json:"event_obj_str"`
	ServiceID   string `json:"service_id"`
}

// ConfigView is the wire shape returned by GET / and by
// POST /services/register. Field names are preserved verbatim for wire
// compatibility.
type ConfigView struct {
	Running          bool     `json:"running"`
	StepInterval     float64  `json:"step_interval"`
	ServicesStoreKey string   `json:"services_store_key"`
	TasksStoreKey    string   `json:"tasks_store_key"`
	SessionStoreKey  string   `json:"session_store_key"`
	Host             string   `json:"host,omitempty"`
	Port             int      `json:"port,omitempty"`
	InternalHost     string   `json:"internal_host,omitempty"`
	InternalPort     int      `json:"internal_port,omitempty"`
	TopicNamespace   string   `json:"topic_namespace,omitempty"`
	CORSOrigins      []string `json:"cors_origins,omitempty"`
}

// Well-known SessionDefinition.State key helpers.

// ResultKey returns the state key under which a task's final TaskResult is stored.
func ResultKey(taskID string) string { return "result_" + taskID }

// StreamKey returns the state key under which a task's TaskStream records accumulate.
func StreamKey(taskID string) string { return "stream_" + taskID }

// RetriesKey is the state key for the monotonically incremented completions counter.
//
// Named "retries" for wire compatibility; it counts completions of any
// outcome, not failures specifically.
const RetriesKey = "retries"
