package dtos

import (
	"time"

	"github.com/google/uuid"
)

// SweepJob tracks an expiry sweep started from the admin API
type SweepJob struct {
	ID           uuid.UUID  `json:"id"`
	Status       string     `json:"status"` // pending, processing, completed, failed
	Expired      int        `json:"expired"`
	ExpiringSoon int        `json:"expiring_soon"`
	Errors       []string   `json:"errors"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at"`
}

// JobStatus constants
const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)
