package store

import (
	"encoding/json"
	"time"
)

// CredentialRecord is the persisted shape of a credential. Data holds the
// sealed JSON payload of the typed credential material.
type CredentialRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Provider  string    `json:"provider"`
	Type      string    `json:"type"`
	Data      []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ExecutionRecord is the persisted representation of a workflow run.
type ExecutionRecord struct {
	ID          string          `json:"id"`
	WorkflowID  string          `json:"workflow_id"`
	UserID      string          `json:"user_id"`
	Success     bool            `json:"success"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       json.RawMessage `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	DurationMs  int64           `json:"duration_ms,omitempty"`
}

// ExecutionUpdate carries the terminal fields written when a run finishes.
type ExecutionUpdate struct {
	Success     bool
	Output      json.RawMessage
	Error       json.RawMessage
	CompletedAt time.Time
	DurationMs  int64
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	WorkflowID string
	UserID     string
	Since      *time.Time
	Limit      int
	Offset     int
}

// NodeResultRecord is one node outcome within an execution, ordered by
// Position in execution order.
type NodeResultRecord struct {
	ExecutionID string          `json:"execution_id"`
	NodeID      string          `json:"node_id"`
	NodeType    string          `json:"node_type"`
	Position    int             `json:"position"`
	Success     bool            `json:"success"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       json.RawMessage `json:"error,omitempty"`
	RetryCount  int             `json:"retry_count"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
	DurationMs  int64           `json:"duration_ms"`
}

// ScheduledJob is a cron-triggered workflow run.
type ScheduledJob struct {
	ID           string          `json:"id"`
	WorkflowID   string          `json:"workflow_id"`
	UserID       string          `json:"user_id"`
	CronExpr     string          `json:"cron_expr"`
	Workflow     json.RawMessage `json:"workflow"`
	TriggerInput json.RawMessage `json:"trigger_input,omitempty"`
	Enabled      bool            `json:"enabled"`
	LastRunAt    *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt    *time.Time      `json:"next_run_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// ScheduledJobUpdate carries run bookkeeping written after each firing.
type ScheduledJobUpdate struct {
	LastRunAt *time.Time
	NextRunAt *time.Time
	Enabled   *bool
}

// ScheduledJobFilter narrows ListScheduledJobs.
type ScheduledJobFilter struct {
	UserID      string
	EnabledOnly bool
	Limit       int
}
