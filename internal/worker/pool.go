// Package worker runs queued messages through the pipeline.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/iconidentify/linkgrabba/internal/domain"
	"github.com/iconidentify/linkgrabba/internal/pipeline"
	"github.com/iconidentify/linkgrabba/internal/repository"
)

// ErrShutdownTimeout is returned when workers don't stop within timeout.
var ErrShutdownTimeout = errors.New("worker pool shutdown timed out")

// Processor handles one message. Implemented by *pipeline.Pipeline.
type Processor interface {
	HandleMessage(ctx context.Context, text string, enabled domain.PlatformSet, delivery pipeline.Delivery) []*domain.Report
}

// Pool manages a pool of workers for processing message jobs.
type Pool struct {
	workers      int
	pollInterval time.Duration
	jobRepo      repository.JobRepository
	history      repository.ReportRepository
	processor    Processor
	delivery     pipeline.Delivery
	logger       *slog.Logger

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// Config holds worker pool configuration.
type Config struct {
	Workers      int
	PollInterval time.Duration
}

// NewPool creates a new worker pool. history and delivery may be nil.
func NewPool(
	cfg Config,
	jobRepo repository.JobRepository,
	history repository.ReportRepository,
	processor Processor,
	delivery pipeline.Delivery,
	logger *slog.Logger,
) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		workers:      cfg.Workers,
		pollInterval: cfg.PollInterval,
		jobRepo:      jobRepo,
		history:      history,
		processor:    processor,
		delivery:     delivery,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start launches all workers.
func (p *Pool) Start() {
	p.logger.Info("starting worker pool", "workers", p.workers)

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop gracefully stops all workers.
func (p *Pool) Stop(timeout time.Duration) error {
	p.logger.Info("stopping worker pool")
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
		return nil
	case <-time.After(timeout):
		return ErrShutdownTimeout
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	logger := p.logger.With("worker_id", id)
	logger.Info("worker started")

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			logger.Info("worker stopping")
			return
		case <-ticker.C:
			p.processNextJob(logger)
		}
	}
}

func (p *Pool) processNextJob(logger *slog.Logger) {
	job, err := p.jobRepo.Dequeue(p.ctx)
	if err != nil {
		if !errors.Is(err, domain.ErrNoJobs) {
			logger.Error("failed to dequeue job", "error", err)
		}
		return
	}

	logger = logger.With("job_id", job.ID, "attempt", job.Attempts+1)
	logger.Info("processing job")

	if err := p.jobRepo.Update(p.ctx, job); err != nil {
		logger.Error("failed to update job status", "error", err)
		return
	}

	reports := p.processor.HandleMessage(p.ctx, job.Text, job.PlatformSet(), p.delivery)
	p.record(logger, reports)

	if upstreamOnly(reports) {
		job.Reports = reports
		p.handleJobFailure(logger, job, errors.New(reports[0].Error))
		return
	}

	job.MarkCompleted(reports)
	if err := p.jobRepo.Update(p.ctx, job); err != nil {
		logger.Error("failed to mark job completed", "error", err)
	}

	logger.Info("job completed", "reports", len(reports))
}

// record saves reports to history. Failures are logged only.
func (p *Pool) record(logger *slog.Logger, reports []*domain.Report) {
	if p.history == nil {
		return
	}
	for _, r := range reports {
		if err := p.history.Save(p.ctx, r); err != nil {
			logger.Warn("failed to save report", "content_id", r.ContentID, "error", err)
		}
	}
}

// upstreamOnly reports whether every report failed to resolve because the
// platform was unreachable. Only then can running the job again help.
func upstreamOnly(reports []*domain.Report) bool {
	if len(reports) == 0 {
		return false
	}
	for _, r := range reports {
		if r.Status != domain.ReportFailed || r.ErrorKind != domain.KindName(domain.ErrUpstreamUnavailable) {
			return false
		}
	}
	return true
}

func (p *Pool) handleJobFailure(logger *slog.Logger, job *domain.Job, err error) {
	job.MarkFailed(err.Error())

	if job.CanRetry() {
		logger.Warn("job failed, will retry",
			"error", err,
			"attempt", job.Attempts,
			"max_retries", job.MaxRetries,
		)
	} else {
		logger.Error("job failed permanently",
			"error", err,
			"attempts", job.Attempts,
		)
	}

	if updateErr := p.jobRepo.Update(p.ctx, job); updateErr != nil {
		logger.Error("failed to update job after failure", "error", updateErr)
	}
}
