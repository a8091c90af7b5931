package model

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"
)

// EventKind names a state transition streamed to subscribers.
type EventKind string

const (
	EventExecutionQueued    EventKind = "execution_queued"
	EventExecutionStarted   EventKind = "execution_started"
	EventExecutionCompleted EventKind = "execution_completed"
	EventExecutionFailed    EventKind = "execution_failed"
	EventExecutionCancelled EventKind = "execution_cancelled"
	EventTaskQueued         EventKind = "task_queued"
	EventTaskStarted        EventKind = "task_started"
	EventTaskSucceeded      EventKind = "task_succeeded"
	EventTaskFailed         EventKind = "task_failed"
	EventTaskRetrying       EventKind = "task_retrying"
	EventTaskSkipped        EventKind = "task_skipped"
)

// Terminal reports whether the event must never be dropped by a slow
// subscriber queue (completed/failed/cancelled kinds).
func (k EventKind) Terminal() bool {
	switch k {
	case EventExecutionCompleted, EventExecutionFailed, EventExecutionCancelled,
		EventTaskSucceeded, EventTaskFailed:
		return true
	}
	return false
}

// ExecutionTerminal reports whether the event finalizes its execution.
func (k EventKind) ExecutionTerminal() bool {
	switch k {
	case EventExecutionCompleted, EventExecutionFailed, EventExecutionCancelled:
		return true
	}
	return false
}

// Event is one entry of an execution's event log. Seq is assigned by the
// Store on append and is strictly increasing per execution.
type Event struct {
	ExecutionID  string    `json:"execution_id"`
	Seq          uint64    `json:"seq"`
	Timestamp    time.Time `json:"ts"`
	Kind         EventKind `json:"kind"`
	TaskName     string    `json:"task_name,omitempty"`
	Attempt      int       `json:"attempt,omitempty"`
	Error        *Error    `json:"error,omitempty"`
	OutputDigest string    `json:"output_digest,omitempty"`
}

// Marshal returns the wire JSON for SSE frames and logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// maxDigestBytes caps the inline output preview carried on events. Full
// payloads are only available through GetExecution.
const maxDigestBytes = 256

// Digest summarizes a task output for event payloads. Small outputs are
// carried verbatim; larger ones are truncated and suffixed with a content
// hash so subscribers can detect changes.
func Digest(output map[string]interface{}) string {
	if len(output) == 0 {
		return ""
	}
	b, err := json.Marshal(output)
	if err != nil {
		return ""
	}
	if len(b) <= maxDigestBytes {
		return string(b)
	}
	sum := sha256.Sum256(b)
	return fmt.Sprintf("%s... sha256:%x", b[:maxDigestBytes], sum[:8])
}
