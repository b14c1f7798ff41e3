// Package jobs manages simulation executions as cancellable, cacheable,
// progress-reporting background jobs: bounded concurrent execution,
// content-addressed result caching with TTL eviction, and per-job progress
// streams.
package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/vestsim/vestsim/sim"
	"github.com/vestsim/vestsim/sim/montecarlo"
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Sentinel errors returned to callers. Not retried by the queue.
var (
	ErrNotFound    = errors.New("job not found")
	ErrNotReady    = errors.New("job not completed yet")
	ErrQueueClosed = errors.New("queue is shut down")
)

// Outcome is the stored result of a completed job: exactly one of the two
// fields is set, depending on whether the config requested Monte Carlo.
type Outcome struct {
	Run        *sim.Run
	MonteCarlo *montecarlo.Result
}

// Job is the queue's record of one submitted simulation. All mutation goes
// through the owning Store's lock; callers only ever see copies.
type Job struct {
	ID          string
	Fingerprint string
	Status      Status

	ProgressPct  float64
	CurrentMonth int
	TotalMonths  int

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	Outcome *Outcome
	Err     string

	cfg    *sim.Config
	cancel context.CancelFunc
}

// Handle is what Submit returns to the caller.
type Handle struct {
	JobID  string `json:"job_id"`
	Status Status `json:"status"`
	Cached bool   `json:"cached"`
}

// StatusSnapshot is a point-in-time copy of a job's externally visible
// state.
type StatusSnapshot struct {
	JobID        string  `json:"job_id"`
	Status       Status  `json:"status"`
	ProgressPct  float64 `json:"progress_pct"`
	CurrentMonth int     `json:"current_month"`
	TotalMonths  int     `json:"total_months"`
	Error        string  `json:"error,omitempty"`
}

// Stats summarizes the queue's population by state.
type Stats struct {
	TotalJobs int `json:"total_jobs"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	CacheSize int `json:"cache_size"`
}

func (j *Job) snapshot() StatusSnapshot {
	return StatusSnapshot{
		JobID:        j.ID,
		Status:       j.Status,
		ProgressPct:  j.ProgressPct,
		CurrentMonth: j.CurrentMonth,
		TotalMonths:  j.TotalMonths,
		Error:        j.Err,
	}
}
