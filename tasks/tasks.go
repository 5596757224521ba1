// Package tasks implements the async task engine: a fixed worker pool
// draining five static priority levels, FIFO within each level. Higher
// levels always drain first and may starve lower ones; that is the intended
// contract, there is no aging.
package tasks

import (
	"context"
	"time"
)

// Priority orders task execution. Workers always pick from the highest
// non-empty level.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
	PriorityCritical

	numPriorities = int(PriorityCritical) + 1
)

var priorityNames = [numPriorities]string{"low", "normal", "high", "urgent", "critical"}

func (p Priority) String() string {
	if p.valid() {
		return priorityNames[p]
	}
	return "unknown"
}

func (p Priority) valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// Status is a task lifecycle state. Terminal states are permanent.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// Func is the unit of work a task runs. Implementations must honor ctx:
// cancellation and deadlines are delivered through it.
type Func func(ctx context.Context) (any, error)

// Submission describes a task to run.
type Submission struct {
	// Name labels the task in logs and results. Optional.
	Name string
	// Func is the work to run. Required.
	Func Func
	// Priority selects the queue level. The zero value is PriorityLow.
	Priority Priority
	// Timeout bounds execution wall clock. Zero means no deadline.
	Timeout time.Duration
	// MaxRetries is how many times a failed execution is requeued.
	// Timeouts and cancellations are never retried.
	MaxRetries int
	// OwnerUserID marks the task as user-owned; its result is mirrored to
	// the cache so the owning session can poll across processes. Optional.
	OwnerUserID string
	// OwnerSpecialist records which specialist produced the task. Optional.
	OwnerSpecialist string
	// UseThread routes the task to the CPU-bound pool when one is
	// configured.
	UseThread bool
	// UseProcess routes the task to the isolated heavyweight pool when one
	// is configured.
	UseProcess bool
}

// Result is the terminal outcome of a task.
type Result struct {
	TaskID      string        `json:"task_id"`
	Name        string        `json:"name,omitempty"`
	Status      Status        `json:"status"`
	Value       any           `json:"value,omitempty"`
	Err         error         `json:"-"`
	Attempts    int           `json:"attempts"`
	StartedAt   time.Time     `json:"started_at,omitempty"`
	CompletedAt time.Time     `json:"completed_at"`
	ExecTime    time.Duration `json:"exec_time"`
}

// Stats is a point-in-time view of engine activity.
type Stats struct {
	// QueueDepths maps priority name to pending count across all pools.
	QueueDepths map[string]int `json:"queue_depths"`
	// Running is the number of tasks currently executing.
	Running int `json:"running"`
	// Completed maps terminal status to count.
	Completed map[Status]int `json:"completed"`
	// AvgExecTime averages execution wall clock over finished tasks that
	// actually ran.
	AvgExecTime time.Duration `json:"avg_exec_time"`
	// Workers is the total worker count across pools.
	Workers int `json:"workers"`
	// Uptime is the time since Start.
	Uptime time.Duration `json:"uptime"`
}
