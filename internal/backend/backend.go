// Package backend talks to the execution backend that performs image and
// voice likeness training. The orchestrator only submits tasks and records
// their outcome; scheduling and accelerator accounting happen on the other
// side.
package backend

import "context"

// Backend abstracts the training executor.
type Backend interface {
	// IsRunning reports whether the backend is reachable.
	IsRunning(ctx context.Context) bool

	// Submit runs one task to completion and returns its outcome. A non-nil
	// error means the outcome is unknown (transport failure, bad response).
	Submit(ctx context.Context, task Task) (Result, error)
}

// Priority hints how the backend should schedule a task.
type Priority string

const (
	PriorityInteractive Priority = "interactive"
	PriorityBackground  Priority = "background"
)

// Task is a training request.
type Task struct {
	ID               string         `json:"id"`
	Kind             string         `json:"kind"`
	ResourcePriority Priority       `json:"resourcePriority"`
	VRAMBudgetMB     int            `json:"vramBudgetMB"`
	ModelID          string         `json:"modelId"`
	ModelVRAMMB      int            `json:"modelVramMB"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// Result is the typed outcome of a task. Status is one of completed,
// failed or degraded; Tier is set for completed and degraded runs.
type Result struct {
	Status         string `json:"status"`
	Tier           string `json:"tier,omitempty"`
	Message        string `json:"message,omitempty"`
	Error          string `json:"error,omitempty"`
	CheckpointPath string `json:"checkpointPath,omitempty"`
}
