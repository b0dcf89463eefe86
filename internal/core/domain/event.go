package domain

import "time"

// EventType enumerates the typed messages delivered on a task's subscription
// stream.
type EventType string

const (
	EventLoadingModel        EventType = "loading_model"
	EventEncoding            EventType = "encoding"
	EventProgress            EventType = "progress"
	EventTrajectoryProgress  EventType = "trajectory_progress"
	EventCompleted           EventType = "completed"
	EventTrajectoryCompleted EventType = "trajectory_completed"
	EventError               EventType = "error"
	EventCancelled           EventType = "cancelled"
)

// Event is one message on a task's progress stream. Exactly one of Progress,
// Result or Trajectory is set depending on Type; Message carries the
// human-readable error for EventError.
type Event struct {
	Type       EventType         `json:"type"`
	TaskID     string            `json:"task_id"`
	Kind       TaskKind          `json:"kind"`
	Progress   *Progress         `json:"progress,omitempty"`
	Result     *Result           `json:"result,omitempty"`
	Trajectory *TrajectoryResult `json:"trajectory,omitempty"`
	Message    string            `json:"message,omitempty"`
	At         time.Time         `json:"at"`
}

// Terminal reports whether the event ends the stream. A subscriber that sees
// a terminal event may discard any progress event it has not yet processed.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventCompleted, EventTrajectoryCompleted, EventError, EventCancelled:
		return true
	}
	return false
}
