// Package store is the durable-state layer: workflows, runs, node runs,
// schedules, dead letters, webhook replay, workspace quota, and OAuth
// credentials. Every multi-row mutation runs inside a single transaction.
package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunLeased    RunStatus = "leased"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
	RunDead      RunStatus = "dead"
)

// NodeRunStatus is the lifecycle state of one node execution attempt.
type NodeRunStatus string

const (
	NodeRunPending   NodeRunStatus = "pending"
	NodeRunRunning   NodeRunStatus = "running"
	NodeRunSucceeded NodeRunStatus = "succeeded"
	NodeRunFailed    NodeRunStatus = "failed"
	NodeRunSkipped   NodeRunStatus = "skipped"
)

// Workflow is the top-level automation definition a user owns.
type Workflow struct {
	ID                  uuid.UUID       `json:"id"`
	Owner               uuid.UUID       `json:"owner"`
	WorkspaceID         *uuid.UUID      `json:"workspace_id,omitempty"`
	Name                string          `json:"name"`
	Description         string          `json:"description,omitempty"`
	Graph               json.RawMessage `json:"data"`
	WebhookSalt         uuid.UUID       `json:"-"`
	RequireHMAC         bool            `json:"require_hmac"`
	HMACReplayWindowSec int             `json:"hmac_replay_window_sec"`
	EgressAllowlist     []string        `json:"egress_allowlist"`
	ConcurrencyLimit    int             `json:"concurrency_limit"`
	AutoDeadLetter      bool            `json:"auto_dead_letter"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// Run is one execution of a workflow snapshot.
type Run struct {
	ID             uuid.UUID       `json:"id"`
	WorkflowID     uuid.UUID       `json:"workflow_id"`
	Owner          uuid.UUID       `json:"owner"`
	Status         RunStatus       `json:"status"`
	Priority       int             `json:"priority"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	Snapshot       json.RawMessage `json:"snapshot,omitempty"`
	LeaseOwner     *string         `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	RecoveryCount  int             `json:"recovery_count"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
	Error          *string         `json:"error,omitempty"`
}

// NodeRun is one attempt at executing a single node within a run.
type NodeRun struct {
	RunID      uuid.UUID       `json:"run_id"`
	NodeID     string          `json:"node_id"`
	Attempt    int             `json:"attempt"`
	Status     NodeRunStatus   `json:"status"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      *string         `json:"error,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Schedule is the single trigger-timing record owned by a workflow.
type Schedule struct {
	WorkflowID uuid.UUID       `json:"workflow_id"`
	Config     json.RawMessage `json:"config"`
	LastRunAt  *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt  *time.Time      `json:"next_run_at,omitempty"`
	Enabled    bool            `json:"enabled"`
}

// DeadLetter is an immutable record of a terminally-failed run preserved for
// operator-initiated requeue.
type DeadLetter struct {
	ID          uuid.UUID       `json:"id"`
	WorkflowID  uuid.UUID       `json:"workflow_id"`
	Owner       uuid.UUID       `json:"owner"`
	SourceRunID uuid.UUID       `json:"source_run_id"`
	Reason      string          `json:"reason"`
	Snapshot    json.RawMessage `json:"snapshot,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// WorkspaceRunQuota tracks run volume against a billing period.
type WorkspaceRunQuota struct {
	WorkspaceID  uuid.UUID `json:"workspace_id"`
	PeriodStart  time.Time `json:"period_start"`
	RunCount     int       `json:"run_count"`
	OverageCount int       `json:"overage_count"`
}

// OAuthToken is a personal, encrypted OAuth credential. The encrypted fields
// never serialize into API responses.
type OAuthToken struct {
	ID           uuid.UUID       `json:"id"`
	UserID       uuid.UUID       `json:"user_id"`
	Provider     string          `json:"provider"`
	EncAccess    []byte          `json:"-"`
	EncRefresh   []byte          `json:"-"`
	ExpiresAt    time.Time       `json:"expires_at"`
	AccountEmail string          `json:"account_email"`
	Metadata     json.RawMessage `json:"-"`
	IsShared     bool            `json:"is_shared"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// WorkspaceConnection is a shared OAuth credential promoted from a personal
// token, visible to every member of the workspace.
type WorkspaceConnection struct {
	ID            uuid.UUID  `json:"id"`
	WorkspaceID   uuid.UUID  `json:"workspace_id"`
	CreatedBy     uuid.UUID  `json:"created_by"`
	SourceTokenID *uuid.UUID `json:"source_token_id,omitempty"`
	Provider      string     `json:"provider"`
	EncAccess     []byte     `json:"-"`
	EncRefresh    []byte     `json:"-"`
	ExpiresAt     time.Time  `json:"expires_at"`
	AccountEmail  string     `json:"account_email"`
	Stale         bool       `json:"stale"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// LeaseResult is returned by IncrementWorkspaceQuota.
type LeaseResult struct {
	Allowed            bool
	RunCount           int
	OverageCount       int
	OverageIncremented bool
}

// EgressBlockEvent is an immutable record of an action node refused for
// contacting a host outside its workflow's egress_allowlist.
type EgressBlockEvent struct {
	ID         uuid.UUID `json:"id"`
	WorkflowID uuid.UUID `json:"workflow_id"`
	RunID      uuid.UUID `json:"run_id"`
	NodeID     string    `json:"node_id"`
	Host       string    `json:"host"`
	CreatedAt  time.Time `json:"created_at"`
}
