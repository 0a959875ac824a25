package controlplane

import "errors"

// Sentinel errors mapped to the error kinds of SPEC_FULL.md §7. Their
// messages are the substrings internal/controlplane/api/errors.go sniffs
// for to choose an HTTP status, so wording changes here must stay in sync
// with that package.
var (
	ErrServiceNotFound = errors.New("service not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrTaskNotFound    = errors.New("task not found")

	ErrSessionMismatch = errors.New("task session_id does not match target session: invalid request")

	ErrUnroutable = errors.New("task has no service_id: routing failed")

	ErrProtocolMessage = errors.New("bus message missing data: protocol error")
)
