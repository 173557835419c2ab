package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/cwbudde/geoinvert/internal/store"
	"github.com/google/uuid"
)

// JobState represents the current state of a job
type JobState string

const (
	StatePending   JobState = "pending"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// RunConfig is an alias to avoid duplication with store.RunConfig
type RunConfig = store.RunConfig

// Job represents an inversion job
type Job struct {
	ID         string     `json:"id"`
	State      JobState   `json:"state"`
	Config     RunConfig  `json:"config"`
	Model      []float64  `json:"model,omitempty"`
	Beta       float64    `json:"beta"`
	PhiD       float64    `json:"phiD"`
	PhiM       float64    `json:"phiM"`
	Target     float64    `json:"target"`
	Iterations int        `json:"iterations"`
	StartTime  time.Time  `json:"startTime"`
	EndTime    *time.Time `json:"endTime,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// clone returns a deep copy, so snapshots handed out by the manager do not
// race with updates applied under its lock.
func (j *Job) clone() *Job {
	c := *j
	if j.Model != nil {
		c.Model = append([]float64(nil), j.Model...)
	}
	if j.EndTime != nil {
		end := *j.EndTime
		c.EndTime = &end
	}
	return &c
}

// JobManager manages the lifecycle of jobs
type JobManager struct {
	mu          sync.RWMutex
	jobs        map[string]*Job
	broadcaster *EventBroadcaster
}

// NewJobManager creates a new JobManager
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:        make(map[string]*Job),
		broadcaster: NewEventBroadcaster(),
	}
}

// CreateJob creates a new job with the given configuration
func (jm *JobManager) CreateJob(config RunConfig) *Job {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job := &Job{
		ID:        uuid.New().String(),
		State:     StatePending,
		Config:    config,
		StartTime: time.Now(),
	}

	jm.jobs[job.ID] = job
	return job.clone()
}

// GetJob retrieves a snapshot of a job by ID
func (jm *JobManager) GetJob(id string) (*Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, exists := jm.jobs[id]
	if !exists {
		return nil, false
	}
	return job.clone(), true
}

// ListJobs returns snapshots of all jobs
func (jm *JobManager) ListJobs() []*Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	jobs := make([]*Job, 0, len(jm.jobs))
	for _, job := range jm.jobs {
		jobs = append(jobs, job.clone())
	}
	return jobs
}

// UpdateJob atomically updates a job using the provided function
func (jm *JobManager) UpdateJob(id string, updateFn func(*Job)) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists {
		return fmt.Errorf("job not found: %s", id)
	}

	updateFn(job)
	return nil
}

// GetRunningJobs returns snapshots of all jobs currently in the running state
func (jm *JobManager) GetRunningJobs() []*Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	runningJobs := make([]*Job, 0)
	for _, job := range jm.jobs {
		if job.State == StateRunning {
			runningJobs = append(runningJobs, job.clone())
		}
	}
	return runningJobs
}
