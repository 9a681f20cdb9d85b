package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound signals that the requested run does not exist.
var ErrNotFound = errors.New("run record not found")

// RunStatus is the lifecycle state of a dump run.
type RunStatus string

// Run statuses.
const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed
}

// Phase names the stage a run is in.
type Phase string

// Run phases, in order.
const (
	PhaseJobs   Phase = "jobs"
	PhaseBuilds Phase = "builds"
	PhaseDone   Phase = "done"
)

// RunCounters aggregates progress of both phases.
type RunCounters struct {
	JobsResolved    int64 `json:"jobs_resolved"`
	JobsFailed      int64 `json:"jobs_failed"`
	JobsSkipped     int64 `json:"jobs_skipped"`
	BuildsTotal     int64 `json:"builds_total"`
	BuildsSucceeded int64 `json:"builds_succeeded"`
	BuildsFailed    int64 `json:"builds_failed"`
	BuildsSkipped   int64 `json:"builds_skipped"`
}

// Run describes one invocation of the dump command.
type Run struct {
	ID         string      `json:"id"`
	Resource   string      `json:"resource"`
	JenkinsURL string      `json:"jenkins_url"`
	Status     RunStatus   `json:"status"`
	Phase      Phase       `json:"phase"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Counters   RunCounters `json:"counters"`
	ErrorText  string      `json:"error,omitempty"`
}

// RunUpdate carries the mutable fields of a run.
type RunUpdate struct {
	Status    RunStatus
	Phase     Phase
	Counters  RunCounters
	ErrorText string
}

// RunRepository persists run records.
type RunRepository interface {
	CreateRun(ctx context.Context, run Run) error
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	GetRun(ctx context.Context, id string) (Run, error)
	// LatestRun returns the most recently created run.
	LatestRun(ctx context.Context) (Run, error)
}
