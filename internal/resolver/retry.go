package resolver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/iconidentify/linkgrabba/internal/domain"
	"github.com/iconidentify/linkgrabba/internal/downloader"
	"github.com/iconidentify/linkgrabba/internal/metrics"
)

// Retrying retries transient resolver failures under the acquisition retry
// schedule. NotFound, Unsupported and AuthRequired are returned at once.
type Retrying struct {
	next   Resolver
	retry  downloader.RetryConfig
	logger *slog.Logger
}

// WithRetry wraps next with the retry schedule of policy.
func WithRetry(next Resolver, policy domain.AcquisitionPolicy, logger *slog.Logger) *Retrying {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrying{
		next:   next,
		retry:  downloader.RetryConfigFromPolicy(policy),
		logger: logger.With("platform", next.Platform()),
	}
}

// Platform implements Resolver.
func (r *Retrying) Platform() domain.Platform {
	return r.next.Platform()
}

// Resolve implements Resolver.
func (r *Retrying) Resolve(ctx context.Context, ref domain.RawRef, cookies []*http.Cookie) (*domain.ResolvedMedia, error) {
	media, err := downloader.RetryWithCheck(ctx, r.retry, func(attempt int) (*domain.ResolvedMedia, error) {
		m, err := r.next.Resolve(ctx, ref, cookies)
		if err != nil && !domain.IsTerminalResolution(err) {
			r.logger.Warn("resolve attempt failed",
				"ref", ref.URL,
				"attempt", attempt+1,
				"max_attempts", r.retry.MaxAttempts,
				"error", err,
			)
		}
		return m, err
	}, func(err error) bool {
		return !domain.IsTerminalResolution(err) && ctx.Err() == nil
	})

	if err == nil {
		metrics.ResolutionsTotal.WithLabelValues(string(ref.Platform), "ok").Inc()
		return media, nil
	}

	var re *domain.ResolutionError
	if !errors.As(err, &re) {
		re = domain.NewResolutionError(ref.Platform, ref.URL, domain.ErrUpstreamUnavailable, err)
	}
	metrics.ResolutionsTotal.WithLabelValues(string(ref.Platform), domain.KindName(re.Kind)).Inc()
	return nil, re
}
