package repository

import (
	"context"

	"github.com/iconidentify/linkgrabba/internal/domain"
)

// JobRepository manages the message queue.
type JobRepository interface {
	// Enqueue adds a job to the queue.
	Enqueue(ctx context.Context, job *domain.Job) error

	// Dequeue retrieves the next pending job (FIFO).
	Dequeue(ctx context.Context) (*domain.Job, error)

	// Update modifies job state.
	Update(ctx context.Context, job *domain.Job) error

	// Get retrieves a job by ID.
	Get(ctx context.Context, id domain.JobID) (*domain.Job, error)

	// ListPending returns all pending/retrying jobs.
	ListPending(ctx context.Context) ([]*domain.Job, error)

	// Stats returns queue statistics.
	Stats(ctx context.Context) (*QueueStats, error)
}

// QueueStats contains job queue statistics.
type QueueStats struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Retrying   int `json:"retrying"`
}

// ReportRepository keeps the history of handled links.
type ReportRepository interface {
	// Save records a report.
	Save(ctx context.Context, report *domain.Report) error

	// List returns up to limit reports, newest first.
	List(ctx context.Context, limit int) ([]*domain.Report, error)

	// ListByContentID returns the reports of one content, newest first.
	ListByContentID(ctx context.Context, id domain.ContentID) ([]*domain.Report, error)

	// Close releases the underlying storage.
	Close() error
}
