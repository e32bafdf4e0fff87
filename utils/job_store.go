package utils

import (
	"sync"
	"time"

	"loyalty-backend/dtos"

	"github.com/google/uuid"
)

// JobStore keeps admin-triggered sweep jobs in memory
type JobStore struct {
	jobs map[uuid.UUID]*dtos.SweepJob
	mu   sync.RWMutex
}

// Global job store instance
var Store = NewJobStore()

func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[uuid.UUID]*dtos.SweepJob)}
}

// CleanupOldJobs removes finished jobs older than 1 hour.
func (js *JobStore) CleanupOldJobs() {
	js.mu.Lock()
	defer js.mu.Unlock()

	cutoff := time.Now().Add(-1 * time.Hour)
	for id, job := range js.jobs {
		if job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(js.jobs, id)
		}
	}
}

// CreateJob registers a pending job
func (js *JobStore) CreateJob() *dtos.SweepJob {
	js.CleanupOldJobs()

	js.mu.Lock()
	defer js.mu.Unlock()

	job := &dtos.SweepJob{
		ID:        uuid.New(),
		Status:    dtos.JobStatusPending,
		Errors:    []string{},
		StartedAt: time.Now(),
	}
	js.jobs[job.ID] = job
	return job
}

// GetJob returns a copy so callers can serialise it without holding the lock.
func (js *JobStore) GetJob(id uuid.UUID) (dtos.SweepJob, bool) {
	js.mu.RLock()
	defer js.mu.RUnlock()

	job, exists := js.jobs[id]
	if !exists {
		return dtos.SweepJob{}, false
	}
	out := *job
	out.Errors = append([]string(nil), job.Errors...)
	return out, true
}

func (js *JobStore) UpdateJob(id uuid.UUID, updates func(*dtos.SweepJob)) {
	js.mu.Lock()
	defer js.mu.Unlock()

	if job, exists := js.jobs[id]; exists {
		updates(job)
	}
}

func (js *JobStore) SetProcessing(id uuid.UUID) {
	js.UpdateJob(id, func(j *dtos.SweepJob) { j.Status = dtos.JobStatusProcessing })
}

// CompleteJob marks a job finished with the given status
func (js *JobStore) CompleteJob(id uuid.UUID, status string) {
	js.UpdateJob(id, func(j *dtos.SweepJob) {
		j.Status = status
		now := time.Now()
		j.CompletedAt = &now
	})
}
