package queuemsg

import "testing"

func TestTopic(t *testing.T) {
	got := Topic("llama_deploy", "control_plane")
	want := "llama_deploy.control_plane"
	if got != want {
		t.Fatalf("Topic() = %q, want %q", got, want)
	}
}

func TestValidTopic(t *testing.T) {
	cases := []struct {
		topic string
		valid bool
	}{
		{"llama_deploy.control_plane", true},
		{"ns.sum-service_1", true},
		{"no-namespace-separator", false},
		{"ns.has space", false},
		{"ns.", false},
	}
	for _, c := range cases {
		if got := ValidTopic(c.topic); got != c.valid {
			t.Errorf("ValidTopic(%q) = %v, want %v", c.topic, got, c.valid)
		}
	}
}

func TestNewAssignsID(t *testing.T) {
	m1 := New("svc-a", ControlPlaneType, ActionNewTask, map[string]any{"task_id": "t1"})
	m2 := New("svc-a", ControlPlaneType, ActionNewTask, map[string]any{"task_id": "t1"})
	if m1.ID == "" {
		t.Fatal("expected a non-empty id")
	}
	if m1.ID == m2.ID {
		t.Fatal("expected distinct ids across messages")
	}
	if m1.Action != ActionNewTask {
		t.Fatalf("Action = %v, want %v", m1.Action, ActionNewTask)
	}
}
