// Package events carries orchestration events to in-process subscribers
// and into the per-project activity feed on disk.
package events

import "time"

// Type identifies what happened.
type Type string

const (
	TypeSpawn          Type = "spawn"
	TypeWorkerComplete Type = "worker_complete"
	TypeTaskComplete   Type = "task_complete"
	TypeRetryScheduled Type = "retry_scheduled"
	TypePhaseCollected Type = "phase_collected"
	TypeMergeConflict  Type = "merge_conflict"
	TypeReviewDecision Type = "review_decision"
	TypeFixRequested   Type = "fix_requested"
	TypePhaseMerged    Type = "phase_merged"
	TypePhaseAdvanced  Type = "phase_advanced"
	TypeEscalation     Type = "escalation"
	TypeWatchdogNudge  Type = "watchdog_nudge"
	TypeRunStarted     Type = "run_started"
	TypeRunCompleted   Type = "run_completed"
	TypeRunFailed      Type = "run_failed"
	TypeRunCancelled   Type = "run_cancelled"
)

// Event is a single orchestration event. RunID is empty for events that
// happen outside a run, such as project lifecycle transitions.
type Event struct {
	Type    Type           `json:"type"`
	RunID   string         `json:"runId,omitempty"`
	Project string         `json:"project,omitempty"`
	TaskID  string         `json:"taskId,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	At      time.Time      `json:"at"`
}
