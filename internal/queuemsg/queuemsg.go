// Package queuemsg defines the wire envelope exchanged between the control
// plane and workflow services over the message bus.
package queuemsg

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Action identifies the kind of event a QueueMessage carries.
type Action string

const (
	ActionNewTask       Action = "NEW_TASK"
	ActionCompletedTask Action = "COMPLETED_TASK"
	ActionTaskStream    Action = "TASK_STREAM"
	ActionSendEvent     Action = "SEND_EVENT"
)

// Stats carries delivery bookkeeping. New stamps PublishTime when the
// message is built; no back-end adds to it.
type Stats struct {
	PublishTime string `json:"publish_time,omitempty"`
}

// QueueMessage is the immutable-once-published envelope carried on every
// topic. Type is the routing tag: the destination service name, or
// "control_plane" when the control plane itself is the recipient.
type QueueMessage struct {
	ID          string         `json:"id"`
	PublisherID string         `json:"publisher_id"`
	Type        string         `json:"type"`
	Action      Action         `json:"action"`
	Data        map[string]any `json:"data"`
	Stats       Stats          `json:"stats"`
}

// New builds a QueueMessage with a freshly generated id.
func New(publisherID, msgType string, action Action, data map[string]any) QueueMessage {
	return QueueMessage{
		ID:          uuid.New().String(),
		PublisherID: publisherID,
		Type:        msgType,
		Action:      action,
		Data:        data,
		Stats:       Stats{PublishTime: time.Now().UTC().Format(time.RFC3339Nano)},
	}
}

// ControlPlaneType is the routing tag used when a message is destined for
// the control plane rather than a named workflow service.
const ControlPlaneType = "control_plane"

var topicPattern = regexp.MustCompile(`^[^.]+\.[A-Za-z0-9_\-]+$`)

// Topic returns the fully qualified topic name "<namespace>.<msgType>".
func Topic(namespace, msgType string) string {
	return fmt.Sprintf("%s.%s", namespace, msgType)
}

// ValidTopic reports whether topic matches "<namespace>.[A-Za-z0-9_-]+".
func ValidTopic(topic string) bool {
	return topicPattern.MatchString(topic)
}
