package model

import (
	"sync"
	"time"
)

// JobState is the run-state of a streaming job.
type JobState string

const (
	JobRunning   JobState = "running"
	JobPaused    JobState = "paused"
	JobCompleted JobState = "completed"
	JobCanceled  JobState = "canceled"
)

// Job tracks one file being streamed to a bot. At most one Job is active
// per bot at a time; the Job is released on completion, cancel or stop.
// All accessors are safe for concurrent use.
type Job struct {
	FileID string

	mu         sync.Mutex
	state      JobState
	totalLines int
	current    int
	startedAt  time.Time
	elapsed    time.Duration
	ticking    bool
}

// NewJob creates a running Job for the given file id and starts its
// elapsed-time tracker.
func NewJob(fileID string) *Job {
	return &Job{
		FileID:    fileID,
		state:     JobRunning,
		startedAt: time.Now(),
		ticking:   true,
	}
}

// State returns the current run-state.
func (j *Job) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Running reports whether the job is still in the running state.
func (j *Job) Running() bool {
	return j.State() == JobRunning
}

// SetState moves the job into the given run-state, starting or stopping
// the elapsed tracker as appropriate. Completed and canceled are final.
func (j *Job) SetState(s JobState) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state == JobCompleted || j.state == JobCanceled {
		return
	}
	switch s {
	case JobRunning:
		if !j.ticking {
			j.startedAt = time.Now()
			j.ticking = true
		}
	case JobPaused, JobCompleted, JobCanceled:
		if j.ticking {
			j.elapsed += time.Since(j.startedAt)
			j.ticking = false
		}
	}
	j.state = s
}

// Elapsed returns the accumulated active streaming time.
func (j *Job) Elapsed() time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.ticking {
		return j.elapsed + time.Since(j.startedAt)
	}
	return j.elapsed
}

// SetTotalLines records the pre-scanned line count. It is set exactly once,
// before the first command of the job is forwarded downstream.
func (j *Job) SetTotalLines(n int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.totalLines == 0 {
		j.totalLines = n
	}
}

// TotalLines returns the pre-scanned line count (0 until the scan finishes).
func (j *Job) TotalLines() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.totalLines
}

// AdvanceLine moves the line cursor forward by one. The cursor is
// monotonic and never exceeds the total line count once that is known.
func (j *Job) AdvanceLine() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.totalLines > 0 && j.current >= j.totalLines {
		return
	}
	j.current++
}

// CurrentLine returns the number of lines consumed so far.
func (j *Job) CurrentLine() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.current
}
