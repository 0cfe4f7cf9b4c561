package domain

import (
	"time"
)

// JobID is a unique identifier for a job.
type JobID string

// String returns the string representation of the JobID.
func (id JobID) String() string {
	return string(id)
}

// JobStatus represents the current state of a job.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
)

// Job is a queued chat message waiting to be run through the pipeline.
type Job struct {
	ID         JobID      `json:"id"`
	Text       string     `json:"text"`
	Platforms  []Platform `json:"platforms,omitempty"`
	Status     JobStatus  `json:"status"`
	Attempts   int        `json:"attempts"`
	MaxRetries int        `json:"max_retries"`
	LastError  string     `json:"last_error,omitempty"`
	Reports    []*Report  `json:"reports,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// NewJob creates a new job for a message.
func NewJob(id JobID, text string, platforms []Platform, maxRetries int) *Job {
	now := time.Now()
	return &Job{
		ID:         id,
		Text:       text,
		Platforms:  platforms,
		Status:     JobStatusQueued,
		Attempts:   0,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// CanRetry returns true if the job can be retried.
func (j *Job) CanRetry() bool {
	return j.Attempts < j.MaxRetries
}

// MarkProcessing updates the job status to processing.
func (j *Job) MarkProcessing() {
	j.Status = JobStatusProcessing
	j.UpdatedAt = time.Now()
}

// MarkCompleted records the delivered reports and completes the job.
func (j *Job) MarkCompleted(reports []*Report) {
	j.Reports = reports
	j.Status = JobStatusCompleted
	j.UpdatedAt = time.Now()
}

// MarkFailed updates the job status to failed with an error message.
func (j *Job) MarkFailed(err string) {
	j.Attempts++
	j.LastError = err
	j.UpdatedAt = time.Now()

	if j.CanRetry() {
		j.Status = JobStatusRetrying
	} else {
		j.Status = JobStatusFailed
	}
}

// PlatformSet returns the enabled platforms, nil meaning all.
func (j *Job) PlatformSet() PlatformSet {
	if len(j.Platforms) == 0 {
		return nil
	}
	return NewPlatformSet(j.Platforms...)
}

// MarkRetrying updates the job status to retrying.
func (j *Job) MarkRetrying() {
	j.Status = JobStatusRetrying
	j.UpdatedAt = time.Now()
}
