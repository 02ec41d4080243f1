package models

import "time"

// Snapshot is a captured task state permitting later resume. The state
// blob is opaque structured data serialized as JSON by the store.
type Snapshot struct {
	ID          int64
	TaskID      string
	State       map[string]any
	Description string
	CommitRef   string // optional external VCS commit handle
	CreatedAt   time.Time
}

// ToolInvocation is the audit record for one tool client RPC. Tool
// calls are tracked separately from tasks so they never pollute the
// task list.
type ToolInvocation struct {
	ID          string
	Method      string
	ParamsJSON  string
	Status      Status // running, completed, failed
	ErrorText   string
	StartedAt   time.Time
	CompletedAt *time.Time
}
