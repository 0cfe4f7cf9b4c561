package repository

import (
	"context"
	"sync"

	"github.com/iconidentify/linkgrabba/internal/domain"
)

// InMemoryReportRepository keeps the most recent reports in a ring buffer.
type InMemoryReportRepository struct {
	mu      sync.RWMutex
	reports []*domain.Report
	head    int // Next write position
	count   int // Number of reports in buffer
}

// NewInMemoryReportRepository creates a repository holding up to size reports.
func NewInMemoryReportRepository(size int) *InMemoryReportRepository {
	if size <= 0 {
		size = 1000
	}
	return &InMemoryReportRepository{reports: make([]*domain.Report, size)}
}

// Save records a report, overwriting the oldest when full.
func (r *InMemoryReportRepository) Save(ctx context.Context, report *domain.Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.reports[r.head] = report
	r.head = (r.head + 1) % len(r.reports)
	if r.count < len(r.reports) {
		r.count++
	}
	return nil
}

// List returns up to limit reports, newest first. A limit <= 0 returns all.
func (r *InMemoryReportRepository) List(ctx context.Context, limit int) ([]*domain.Report, error) {
	return r.collect(limit, func(*domain.Report) bool { return true }), nil
}

// ListByContentID returns the reports of one content, newest first.
func (r *InMemoryReportRepository) ListByContentID(ctx context.Context, id domain.ContentID) ([]*domain.Report, error) {
	out := r.collect(0, func(rep *domain.Report) bool { return rep.ContentID == id })
	if len(out) == 0 {
		return nil, domain.ErrReportNotFound
	}
	return out, nil
}

// Close implements ReportRepository.
func (r *InMemoryReportRepository) Close() error {
	return nil
}

func (r *InMemoryReportRepository) collect(limit int, keep func(*domain.Report) bool) []*domain.Report {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.Report
	for i := 0; i < r.count; i++ {
		idx := (r.head - 1 - i + len(r.reports)) % len(r.reports)
		rep := r.reports[idx]
		if !keep(rep) {
			continue
		}
		out = append(out, rep)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}
