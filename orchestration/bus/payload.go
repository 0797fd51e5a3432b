package bus

import "time"

// Typed payloads for the built-in message kinds. The bus itself routes by
// envelope only; these are the contract between the executor and agent
// runners.

// TaskAssignmentPayload carries one subtask to an agent. CorrelationID on
// the envelope is the subtask id; the runner echoes it on the result.
type TaskAssignmentPayload struct {
	WorkflowID       string        `json:"workflow_id"`
	SubtaskID        string        `json:"subtask_id"`
	Title            string        `json:"title"`
	Description      string        `json:"description"`
	Capabilities     []string      `json:"capabilities"`
	Input            any           `json:"input,omitempty"`
	QualityThreshold float64       `json:"quality_threshold"`
	EstimatedTime    time.Duration `json:"estimated_time"`
	Attempt          int           `json:"attempt"`
}

// TaskResultPayload is the runner's reply to an assignment.
type TaskResultPayload struct {
	SubtaskID string        `json:"subtask_id"`
	Output    any           `json:"output,omitempty"`
	Quality   float64       `json:"quality"`
	Cost      float64       `json:"cost"`
	Duration  time.Duration `json:"duration"`
	// Err is non-empty when execution failed. Transient marks the failure
	// retryable.
	Err       string `json:"error,omitempty"`
	Transient bool   `json:"transient,omitempty"`
}

// StatusUpdatePayload is an optional mid-flight progress report.
type StatusUpdatePayload struct {
	SubtaskID string  `json:"subtask_id"`
	Progress  float64 `json:"progress"`
	Note      string  `json:"note,omitempty"`
}
