package handler

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/iconidentify/linkgrabba/internal/domain"
	"github.com/iconidentify/linkgrabba/internal/pipeline"
	"github.com/iconidentify/linkgrabba/internal/repository"
)

// testLogger returns a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockJobRepository is a test implementation of repository.JobRepository.
type mockJobRepository struct {
	repository.JobRepository
	stats    *repository.QueueStats
	statsErr error
}

func newMockJobRepository() *mockJobRepository {
	return &mockJobRepository{stats: &repository.QueueStats{}}
}

func (m *mockJobRepository) Stats(ctx context.Context) (*repository.QueueStats, error) {
	if m.statsErr != nil {
		return nil, m.statsErr
	}
	return m.stats, nil
}

// mockRunner returns fixed reports and records its input.
type mockRunner struct {
	mu      sync.Mutex
	reports []*domain.Report
	text    string
	enabled domain.PlatformSet
}

func (m *mockRunner) HandleMessage(ctx context.Context, text string, enabled domain.PlatformSet, delivery pipeline.Delivery) []*domain.Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.text = text
	m.enabled = enabled
	return m.reports
}

type fakeCache struct{ n int }

func (f fakeCache) Len() int { return f.n }

// dirStore serves artifacts from a directory laid out as <platform>/<name>.
type dirStore struct{ root string }

func (s dirStore) Root() string     { return s.root }
func (s dirStore) FreeBytes() int64 { return 1 << 30 }

func (s dirStore) Lookup(platform, name string) (string, bool) {
	p := filepath.Join(s.root, platform, filepath.Base(name))
	if _, err := os.Stat(p); err != nil {
		return "", false
	}
	return p, true
}
