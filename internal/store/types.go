package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/flowtree/pkg/schema"
)

// Run triggers.
const (
	TriggerManual   = "manual"
	TriggerAPI      = "api"
	TriggerSchedule = "schedule"
)

// Workflow is a saved workflow tree: an opaque save ID, a display name and the
// forward-edge document.
type Workflow struct {
	ID        string               `json:"id"`
	Name      string               `json:"name"`
	Document  *schema.NodeDocument `json:"document"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// Run is one recorded traversal. WorkflowID is empty for runs of unsaved trees.
type Run struct {
	ID          string          `json:"id"`
	WorkflowID  string          `json:"workflow_id,omitempty"`
	Trigger     string          `json:"trigger"`
	Context     json.RawMessage `json:"context,omitempty"`
	Path        json.RawMessage `json:"path,omitempty"`
	Outcome     schema.Outcome  `json:"outcome,omitempty"`
	Error       json.RawMessage `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Schedule re-runs a saved workflow against a fixed context on a cron
// expression.
type Schedule struct {
	ID             string          `json:"id"`
	WorkflowID     string          `json:"workflow_id"`
	CronExpression string          `json:"cron_expression"`
	Context        json.RawMessage `json:"context,omitempty"`
	Enabled        bool            `json:"enabled"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus  string          `json:"last_run_status,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Event is a persisted stream event with a per-workflow sequence number.
type Event struct {
	ID         int64           `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	RunID      string          `json:"run_id,omitempty"`
	NodeID     string          `json:"node_id,omitempty"`
	Type       string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
}

// --- Filter types ---

// WorkflowFilter specifies criteria for listing saved workflows.
type WorkflowFilter struct {
	// Name matches as a case-insensitive substring.
	Name   string `json:"name,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	WorkflowID string         `json:"workflow_id,omitempty"`
	Outcome    schema.Outcome `json:"outcome,omitempty"`
	Since      *time.Time     `json:"since,omitempty"`
	Limit      int            `json:"limit,omitempty"`
}

// ScheduleUpdate specifies mutable fields of a schedule.
type ScheduleUpdate struct {
	CronExpression *string         `json:"cron_expression,omitempty"`
	Context        json.RawMessage `json:"context,omitempty"`
	Enabled        *bool           `json:"enabled,omitempty"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus  string          `json:"last_run_status,omitempty"`
}

// ScheduleFilter specifies criteria for listing schedules.
type ScheduleFilter struct {
	WorkflowID string `json:"workflow_id,omitempty"`
	Enabled    *bool  `json:"enabled,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}
