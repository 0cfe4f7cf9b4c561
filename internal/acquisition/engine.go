// Package acquisition downloads resolved media under an acquisition policy.
package acquisition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/iconidentify/linkgrabba/internal/domain"
	"github.com/iconidentify/linkgrabba/internal/downloader"
	"github.com/iconidentify/linkgrabba/internal/metrics"
)

// Store decides where artifacts live.
type Store interface {
	PathFor(id domain.ContentID, item int, variant, ext string) string
	Remove(paths ...string) error
	EnsureFree() error
}

// Muxer joins split video and audio streams.
type Muxer interface {
	Merge(ctx context.Context, videoPath, audioPath, outPath string) error
}

// ItemFunc observes item outcomes as they finish. It may be called from
// several goroutines at once.
type ItemFunc func(domain.ItemOutcome)

// Engine downloads every item of a resolved post.
type Engine struct {
	dl     downloader.Downloader
	store  Store
	muxer  Muxer
	logger *slog.Logger
}

// NewEngine creates an engine. muxer may be nil, in which case variants
// with split audio fail.
func NewEngine(dl downloader.Downloader, store Store, muxer Muxer, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		dl:     dl,
		store:  store,
		muxer:  muxer,
		logger: logger,
	}
}

var errSkip = errors.New("no variant fits")

// Acquire downloads all items of media in parallel, bounded by
// policy.ItemConcurrency. A failing item never stops its siblings. The
// result holds one outcome per item, ordered by item index.
func (e *Engine) Acquire(ctx context.Context, media *domain.ResolvedMedia, policy domain.AcquisitionPolicy, onItem ItemFunc) *domain.AcquisitionResult {
	logger := e.logger.With("content_id", media.ContentID, "platform", media.Platform)

	outcomes := make([]domain.ItemOutcome, len(media.Items))

	limit := policy.ItemConcurrency
	if limit < 1 {
		limit = 1
	}
	var g errgroup.Group
	g.SetLimit(limit)

	metrics.InflightAcquisitions.Inc()
	defer metrics.InflightAcquisitions.Dec()

	for i := range media.Items {
		g.Go(func() error {
			item := media.Items[i]
			out := e.acquireItem(ctx, media, item, policy, logger.With("item", item.Index))
			outcomes[i] = out
			metrics.ItemsTotal.WithLabelValues(string(media.Platform), string(out.Status)).Inc()
			if onItem != nil {
				onItem(out)
			}
			return nil
		})
	}
	g.Wait()

	sort.SliceStable(outcomes, func(a, b int) bool {
		return outcomes[a].Index < outcomes[b].Index
	})

	return &domain.AcquisitionResult{
		ContentID: media.ContentID,
		Items:     outcomes,
		Cancelled: ctx.Err() != nil,
	}
}

func (e *Engine) acquireItem(ctx context.Context, media *domain.ResolvedMedia, item domain.MediaItem, policy domain.AcquisitionPolicy, logger *slog.Logger) domain.ItemOutcome {
	out := domain.ItemOutcome{Index: item.Index}

	fail := func(op string, err error) domain.ItemOutcome {
		out.Status = domain.ItemFailed
		out.Err = domain.NewItemError(media.ContentID, item.Index, op, err)
		return out
	}

	if err := ctx.Err(); err != nil {
		return fail("acquire", err)
	}
	if len(item.Variants) == 0 {
		return fail("select", domain.ErrNoVariants)
	}

	variants := e.headSizes(ctx, media, item.Variants, policy)
	oversized := make(map[int]bool)
	retry := downloader.RetryConfigFromPolicy(policy)

	artifact, err := downloader.RetryWithCheck(ctx, retry, func(attempt int) (*domain.Artifact, error) {
		idx, ok := selectVariant(variants, policy, oversized)
		if !ok {
			return nil, errSkip
		}
		out.Attempts = attempt + 1

		v := variants[idx]
		a, err := e.fetchVariant(ctx, media, item, v, attempt, policy)
		if err != nil {
			if errors.Is(err, domain.ErrSizeLimitExceeded) {
				oversized[idx] = true
			}
			logger.Warn("download attempt failed",
				"attempt", attempt+1,
				"max_attempts", retry.MaxAttempts,
				"variant", v.ID,
				"error", err,
			)
			return nil, err
		}
		return a, nil
	}, shouldRetry)

	if err == nil {
		out.Status = domain.ItemSuccess
		out.Artifact = artifact
		logger.Info("item acquired",
			"variant", artifact.Variant,
			"size", humanize.Bytes(uint64(artifact.Size)),
			"attempts", out.Attempts,
		)
		return out
	}

	// A ceiling abort on the final attempt is decided the same way the next
	// attempt would have been.
	if errors.Is(err, errSkip) || errors.Is(err, domain.ErrSizeLimitExceeded) {
		if _, ok := selectVariant(variants, policy, oversized); !ok {
			out.Status = domain.ItemSkippedTooLarge
			out.Err = domain.NewItemError(media.ContentID, item.Index, "select", domain.ErrTooLarge)
			logger.Info("item skipped, too large",
				"limit", humanize.Bytes(uint64(policy.MaxBytes)),
				"best_size", humanize.Bytes(uint64(variants[0].Size)),
			)
			return out
		}
	}

	logger.Error("item failed", "attempts", out.Attempts, "error", err)
	return fail("download", err)
}

// headSizes fills unknown variant sizes from a HEAD request so that selection
// can skip oversized variants before downloading them. It returns a copy;
// resolved media may be shared through the cache. Failed HEAD requests leave the
// size unknown and the streaming ceiling still applies.
func (e *Engine) headSizes(ctx context.Context, media *domain.ResolvedMedia, variants []domain.MediaVariant, policy domain.AcquisitionPolicy) []domain.MediaVariant {
	out := make([]domain.MediaVariant, len(variants))
	copy(out, variants)
	if policy.MaxBytes <= 0 {
		return out
	}

	length := func(url string) int64 {
		res, err := e.dl.Probe(ctx, downloader.Request{URL: url, Headers: media.Headers, Cookies: media.Cookies})
		if err != nil || !res.Accessible {
			return 0
		}
		return res.ContentLength
	}

	for i := range out {
		if out[i].Size > 0 || ctx.Err() != nil {
			continue
		}
		size := length(out[i].URL)
		if size <= 0 {
			continue
		}
		if out[i].HasSplitAudio() {
			audio := length(out[i].AudioURL)
			if audio <= 0 {
				continue
			}
			size += audio
		}
		out[i].Size = size
	}
	return out
}

func shouldRetry(err error) bool {
	if errors.Is(err, errSkip) || errors.Is(err, domain.ErrMuxUnavailable) {
		return false
	}
	return downloader.IsRetryable(err)
}

func (e *Engine) fetchVariant(ctx context.Context, media *domain.ResolvedMedia, item domain.MediaItem, v domain.MediaVariant, attempt int, policy domain.AcquisitionPolicy) (*domain.Artifact, error) {
	if err := e.store.EnsureFree(); err != nil {
		return nil, err
	}

	dst := e.store.PathFor(media.ContentID, item.Index, v.ID, extension(item, v))
	req := downloader.Request{
		URL:      v.URLForAttempt(attempt),
		Headers:  media.Headers,
		Cookies:  media.Cookies,
		MaxBytes: policy.MaxBytes,
	}

	if !v.HasSplitAudio() {
		res, err := e.dl.Fetch(ctx, req, dst)
		if err != nil {
			return nil, err
		}
		return artifactFor(media, item, v, res.Path, res.Size, res.ContentType), nil
	}

	if e.muxer == nil {
		return nil, domain.ErrMuxUnavailable
	}

	videoPath, audioPath := dst+".video", dst+".audio"
	defer e.store.Remove(videoPath, audioPath)

	vres, err := e.dl.Fetch(ctx, req, videoPath)
	if err != nil {
		return nil, fmt.Errorf("video stream: %w", err)
	}

	areq := req
	areq.URL = v.AudioURL
	if policy.MaxBytes > 0 {
		areq.MaxBytes = policy.MaxBytes - vres.Size
		if areq.MaxBytes <= 0 {
			return nil, fmt.Errorf("audio stream: %w", domain.ErrSizeLimitExceeded)
		}
	}
	if _, err := e.dl.Fetch(ctx, areq, audioPath); err != nil {
		return nil, fmt.Errorf("audio stream: %w", err)
	}

	if err := e.muxer.Merge(ctx, videoPath, audioPath, dst); err != nil {
		return nil, err
	}

	info, err := os.Stat(dst)
	if err != nil {
		return nil, fmt.Errorf("stat merged file: %w", err)
	}
	if policy.MaxBytes > 0 && info.Size() > policy.MaxBytes {
		e.store.Remove(dst)
		return nil, fmt.Errorf("merged file: %w", domain.ErrSizeLimitExceeded)
	}
	return artifactFor(media, item, v, dst, info.Size(), "video/mp4"), nil
}

func artifactFor(media *domain.ResolvedMedia, item domain.MediaItem, v domain.MediaVariant, path string, size int64, contentType string) *domain.Artifact {
	return &domain.Artifact{
		ContentID:   media.ContentID,
		ItemIndex:   item.Index,
		Variant:     v.ID,
		Quality:     v.Quality,
		Path:        path,
		Size:        size,
		ContentType: contentType,
	}
}

func extension(item domain.MediaItem, v domain.MediaVariant) string {
	if v.Ext != "" {
		return v.Ext
	}
	if item.Kind == domain.MediaKindImage {
		return ".jpg"
	}
	return ".mp4"
}
