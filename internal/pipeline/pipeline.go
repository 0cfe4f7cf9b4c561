// Package pipeline turns chat messages into delivered media reports.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/iconidentify/linkgrabba/internal/cache"
	"github.com/iconidentify/linkgrabba/internal/cookies"
	"github.com/iconidentify/linkgrabba/internal/domain"
	"github.com/iconidentify/linkgrabba/internal/matcher"
	"github.com/iconidentify/linkgrabba/internal/metrics"
)

// Delivery sends a finished report to the chat side.
type Delivery interface {
	Deliver(ctx context.Context, report *domain.Report) error
}

// DeliveryFunc adapts a function to Delivery.
type DeliveryFunc func(ctx context.Context, report *domain.Report) error

// Deliver implements Delivery.
func (f DeliveryFunc) Deliver(ctx context.Context, report *domain.Report) error {
	return f(ctx, report)
}

// Resolver resolves a matched ref. Implemented by *resolver.Registry.
type Resolver interface {
	Resolve(ctx context.Context, ref domain.RawRef, cookies []*http.Cookie) (*domain.ResolvedMedia, error)
}

// Acquirer hands out leases on acquired media. Implemented by
// *cache.Coordinator.
type Acquirer interface {
	GetOrAcquire(ctx context.Context, media *domain.ResolvedMedia, policy domain.AcquisitionPolicy) (*cache.Lease, error)
}

// Pipeline wires matching, resolution, acquisition and delivery.
type Pipeline struct {
	resolver Resolver
	acquirer Acquirer
	cookies  cookies.Provider
	policy   domain.AcquisitionPolicy
	logger   *slog.Logger
}

// New creates a pipeline. cp may be nil when no cookies are available.
func New(res Resolver, acq Acquirer, cp cookies.Provider, policy domain.AcquisitionPolicy, logger *slog.Logger) *Pipeline {
	if cp == nil {
		cp = cookies.None{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		resolver: res,
		acquirer: acq,
		cookies:  cp,
		policy:   policy.Normalize(),
		logger:   logger,
	}
}

// Policy returns the acquisition policy in use.
func (p *Pipeline) Policy() domain.AcquisitionPolicy {
	return p.policy
}

// HandleMessage processes every link in text concurrently, one goroutine per
// ref. Each report is delivered as soon as its ref finishes. Refs that
// resolve to content already handled for this message are dropped. The
// returned reports follow the order of the links in text.
func (p *Pipeline) HandleMessage(ctx context.Context, text string, enabled domain.PlatformSet, delivery Delivery) []*domain.Report {
	refs := matcher.Collect(text, enabled)
	if len(refs) == 0 {
		return nil
	}
	p.logger.Debug("links matched", "count", len(refs))

	seen := &claims{ids: make(map[domain.ContentID]bool)}
	reports := make([]*domain.Report, len(refs))

	var wg sync.WaitGroup
	for i, ref := range refs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reports[i] = p.handleRef(ctx, ref, seen, delivery)
		}()
	}
	wg.Wait()

	out := reports[:0]
	for _, r := range reports {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

type claims struct {
	mu  sync.Mutex
	ids map[domain.ContentID]bool
}

func (c *claims) claim(id domain.ContentID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ids[id] {
		return false
	}
	c.ids[id] = true
	return true
}

// handleRef runs one ref to delivery. It returns nil for duplicates.
func (p *Pipeline) handleRef(ctx context.Context, ref domain.RawRef, seen *claims, delivery Delivery) *domain.Report {
	start := time.Now()
	logger := p.logger.With("platform", ref.Platform, "ref", ref.URL)

	runCtx, cancel := context.WithTimeout(ctx, p.policy.APITimeout)
	defer cancel()

	report, lease := p.run(runCtx, ref, seen, logger)
	if report == nil {
		return nil
	}
	defer lease.Release()

	// Delivery gets the caller's context so partial results still go out
	// after the acquisition timed out.
	if delivery != nil {
		if err := delivery.Deliver(ctx, report); err != nil {
			logger.Error("delivery failed", "content_id", report.ContentID, "error", err)
		}
	}

	metrics.ReportsTotal.WithLabelValues(string(ref.Platform), string(report.Status)).Inc()
	metrics.PipelineDurationSeconds.WithLabelValues(string(ref.Platform)).Observe(time.Since(start).Seconds())

	logger.Info("link handled",
		"content_id", report.ContentID,
		"status", report.Status,
		"delivered", report.Delivered(),
		"items", len(report.Items),
		"size", humanize.Bytes(uint64(report.TotalBytes)),
		"duration", time.Since(start),
	)
	return report
}

// run resolves and acquires ref. The lease is nil when nothing was acquired.
func (p *Pipeline) run(ctx context.Context, ref domain.RawRef, seen *claims, logger *slog.Logger) (*domain.Report, *cache.Lease) {
	jar, err := p.cookies.Cookies(ctx, ref.Platform)
	if err != nil {
		logger.Warn("failed to load cookies", "error", err)
		jar = nil
	}

	media, err := p.resolver.Resolve(ctx, ref, jar)
	if err != nil {
		logger.Warn("resolution failed", "error", err)
		return resolutionReport(ref, err, timedOut(ctx)), nil
	}

	if !seen.claim(media.ContentID) {
		logger.Debug("duplicate content in message", "content_id", media.ContentID)
		return nil, nil
	}

	lease, err := p.acquirer.GetOrAcquire(ctx, media, p.policy)
	if err != nil {
		logger.Error("acquisition failed", "content_id", media.ContentID, "error", err)
		r := newReport(ref, media)
		r.Error = err.Error()
		r.Status = domain.ReportFailed
		if timedOut(ctx) {
			r.Status = domain.ReportTimedOut
		}
		return r, nil
	}
	return buildReport(ref, media, lease, p.policy), lease
}

func timedOut(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.DeadlineExceeded)
}
