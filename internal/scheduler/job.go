package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// JobFunc is the unit of work. A returned error is logged and the job is
// tried again on its next tick.
type JobFunc func(ctx context.Context) error

type JobStatus struct {
	Name       string    `json:"name,omitempty"`
	Running    bool      `json:"running,omitempty"`
	LastRun    time.Time `json:"last_run"`
	LastResult string    `json:"last_result,omitempty"`
	NextRun    time.Time `json:"next_run"`
}

// JobOption configures a single job.
type JobOption func(*job)

// Local marks a job that every replica runs, bypassing the manager's locker.
func Local() JobOption {
	return func(j *job) { j.local = true }
}

type job struct {
	name     string
	interval time.Duration
	handler  JobFunc
	local    bool

	registeredAt time.Time

	mu         sync.RWMutex
	running    bool
	lastRun    time.Time
	lastResult string
}

// begin flips the job into running state. It reports false when a previous
// run has not finished yet.
func (j *job) begin() bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.running {
		return false
	}
	j.running = true
	return true
}

func (j *job) finish(result string, at time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.running = false
	j.lastRun = at
	j.lastResult = result
}

func (j *job) status() JobStatus {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var next time.Time
	if j.interval > 0 {
		if !j.lastRun.IsZero() {
			next = j.lastRun.Add(j.interval)
		} else {
			next = j.registeredAt.Add(j.interval)
		}
	}

	return JobStatus{
		Name:       j.name,
		Running:    j.running,
		LastRun:    j.lastRun,
		LastResult: j.lastResult,
		NextRun:    next,
	}
}

func resultOf(err error) string {
	if err != nil {
		return fmt.Sprintf("failed: %v", err)
	}
	return "success"
}
