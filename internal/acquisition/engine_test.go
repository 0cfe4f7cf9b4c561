package acquisition

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iconidentify/linkgrabba/internal/domain"
	"github.com/iconidentify/linkgrabba/internal/downloader"
	"github.com/iconidentify/linkgrabba/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPolicy() domain.AcquisitionPolicy {
	return domain.AcquisitionPolicy{
		MaxBytes:             100,
		AllowQualityFallback: true,
		RetryCount:           3,
		RetryDelay:           time.Millisecond,
		MaxRetryDelay:        2 * time.Millisecond,
		ItemConcurrency:      3,
	}
}

// fakeDownloader serves bodies by URL. respond receives the 1-based call
// number for that URL.
type fakeDownloader struct {
	mu      sync.Mutex
	calls   map[string]int
	respond func(url string, call int) (string, error)

	active    atomic.Int32
	maxActive atomic.Int32
	delay     time.Duration

	// sizes is the Content-Length reported for HEAD requests. Unlisted URLs report
	// no length.
	sizes  map[string]int64
	heads  atomic.Int32
}

func newFakeDownloader(respond func(url string, call int) (string, error)) *fakeDownloader {
	return &fakeDownloader{calls: make(map[string]int), respond: respond}
}

func (f *fakeDownloader) Fetch(ctx context.Context, req downloader.Request, dst string) (*downloader.Result, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		m := f.maxActive.Load()
		if n <= m || f.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	f.calls[req.URL]++
	call := f.calls[req.URL]
	f.mu.Unlock()

	body, err := f.respond(req.URL, call)
	if err != nil {
		return nil, err
	}
	if req.MaxBytes > 0 && int64(len(body)) > req.MaxBytes {
		return nil, fmt.Errorf("%w: fake", domain.ErrSizeLimitExceeded)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(dst, []byte(body), 0644); err != nil {
		return nil, err
	}
	return &downloader.Result{Path: dst, Size: int64(len(body)), ContentType: "video/mp4"}, nil
}

func (f *fakeDownloader) Probe(ctx context.Context, req downloader.Request) (*downloader.ProbeResult, error) {
	f.heads.Add(1)
	return &downloader.ProbeResult{Accessible: true, ContentLength: f.sizes[req.URL]}, nil
}

func (f *fakeDownloader) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

type fakeMuxer struct {
	calls atomic.Int32
}

func (m *fakeMuxer) Merge(ctx context.Context, videoPath, audioPath, outPath string) error {
	m.calls.Add(1)
	v, err := os.ReadFile(videoPath)
	if err != nil {
		return err
	}
	a, err := os.ReadFile(audioPath)
	if err != nil {
		return err
	}
	return os.WriteFile(outPath, append(v, a...), 0644)
}

func newTestEngine(t *testing.T, dl downloader.Downloader, muxer Muxer) *Engine {
	t.Helper()
	store, err := storage.NewFileStore(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	return NewEngine(dl, store, muxer, testLogger())
}

func videoMedia(variants ...domain.MediaVariant) *domain.ResolvedMedia {
	return &domain.ResolvedMedia{
		ContentID: "bilibili:BV1xx411c7mD",
		Platform:  domain.PlatformBilibili,
		Items:     []domain.MediaItem{{Index: 0, Kind: domain.MediaKindVideo, Variants: variants}},
	}
}

func okBody(body string) func(string, int) (string, error) {
	return func(string, int) (string, error) { return body, nil }
}

func TestEngine_Acquire_BestVariant(t *testing.T) {
	dl := newFakeDownloader(okBody("data"))
	e := newTestEngine(t, dl, nil)

	media := videoMedia(
		domain.MediaVariant{ID: "1080", URL: "u1080", Rank: 80, Size: 90},
		domain.MediaVariant{ID: "720", URL: "u720", Rank: 64, Size: 50},
	)
	res := e.Acquire(context.Background(), media, testPolicy(), nil)

	if len(res.Items) != 1 {
		t.Fatalf("len(Items) = %d, want 1", len(res.Items))
	}
	out := res.Items[0]
	if out.Status != domain.ItemSuccess {
		t.Fatalf("Status = %q, err = %v", out.Status, out.Err)
	}
	if out.Artifact.Variant != "1080" {
		t.Errorf("Variant = %q, want 1080", out.Artifact.Variant)
	}
	if dl.callCount("u720") != 0 {
		t.Error("lower variant should not be fetched")
	}
	if _, err := os.Stat(out.Artifact.Path); err != nil {
		t.Errorf("artifact missing: %v", err)
	}
}

func TestEngine_Acquire_QualityFallback(t *testing.T) {
	dl := newFakeDownloader(okBody("data"))
	e := newTestEngine(t, dl, nil)

	media := videoMedia(
		domain.MediaVariant{ID: "4k", URL: "u4k", Rank: 120, Size: 500},
		domain.MediaVariant{ID: "1080", URL: "u1080", Rank: 80, Size: 150},
		domain.MediaVariant{ID: "720", URL: "u720", Rank: 64, Size: 80},
	)
	res := e.Acquire(context.Background(), media, testPolicy(), nil)

	out := res.Items[0]
	if out.Status != domain.ItemSuccess {
		t.Fatalf("Status = %q, err = %v", out.Status, out.Err)
	}
	if out.Artifact.Variant != "720" {
		t.Errorf("Variant = %q, want 720", out.Artifact.Variant)
	}
}

func TestEngine_Acquire_NoFallbackSkips(t *testing.T) {
	dl := newFakeDownloader(okBody("data"))
	e := newTestEngine(t, dl, nil)

	policy := testPolicy()
	policy.AllowQualityFallback = false
	media := videoMedia(
		domain.MediaVariant{ID: "1080", URL: "u1080", Rank: 80, Size: 150},
		domain.MediaVariant{ID: "720", URL: "u720", Rank: 64, Size: 80},
	)
	res := e.Acquire(context.Background(), media, policy, nil)

	out := res.Items[0]
	if out.Status != domain.ItemSkippedTooLarge {
		t.Fatalf("Status = %q, want skipped_too_large", out.Status)
	}
	if !errors.Is(out.Err, domain.ErrTooLarge) {
		t.Errorf("Err = %v, want ErrTooLarge", out.Err)
	}
	if dl.callCount("u1080")+dl.callCount("u720") != 0 {
		t.Error("nothing should be downloaded")
	}
}

func TestEngine_Acquire_AllOversizedSkips(t *testing.T) {
	e := newTestEngine(t, newFakeDownloader(okBody("x")), nil)
	media := videoMedia(
		domain.MediaVariant{ID: "a", URL: "ua", Rank: 2, Size: 300},
		domain.MediaVariant{ID: "b", URL: "ub", Rank: 1, Size: 200},
	)
	res := e.Acquire(context.Background(), media, testPolicy(), nil)
	if res.Items[0].Status != domain.ItemSkippedTooLarge {
		t.Errorf("Status = %q, want skipped_too_large", res.Items[0].Status)
	}
}

func TestEngine_Acquire_Retry(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		want      domain.ItemStatus
		wantCalls int
	}{
		{"succeeds after retry_count-1 failures", 2, domain.ItemSuccess, 3},
		{"fails after retry_count failures", 3, domain.ItemFailed, 3},
		{"first try", 0, domain.ItemSuccess, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dl := newFakeDownloader(func(url string, call int) (string, error) {
				if call <= tt.failures {
					return "", errors.New("connection reset by peer")
				}
				return "data", nil
			})
			e := newTestEngine(t, dl, nil)

			res := e.Acquire(context.Background(), videoMedia(domain.MediaVariant{ID: "v", URL: "u", Rank: 1}), testPolicy(), nil)
			out := res.Items[0]
			if out.Status != tt.want {
				t.Errorf("Status = %q, want %q (err %v)", out.Status, tt.want, out.Err)
			}
			if got := dl.callCount("u"); got != tt.wantCalls {
				t.Errorf("calls = %d, want %d", got, tt.wantCalls)
			}
			if out.Attempts != tt.wantCalls {
				t.Errorf("Attempts = %d, want %d", out.Attempts, tt.wantCalls)
			}
		})
	}
}

func TestEngine_Acquire_TerminalErrorNotRetried(t *testing.T) {
	dl := newFakeDownloader(func(string, int) (string, error) {
		return "", domain.ErrURLExpired
	})
	e := newTestEngine(t, dl, nil)

	res := e.Acquire(context.Background(), videoMedia(domain.MediaVariant{ID: "v", URL: "u", Rank: 1}), testPolicy(), nil)
	if res.Items[0].Status != domain.ItemFailed {
		t.Errorf("Status = %q, want failed", res.Items[0].Status)
	}
	if dl.callCount("u") != 1 {
		t.Errorf("calls = %d, want 1", dl.callCount("u"))
	}
	if !errors.Is(res.Items[0].Err, domain.ErrURLExpired) {
		t.Errorf("Err = %v, want ErrURLExpired", res.Items[0].Err)
	}
}

func TestEngine_Acquire_HeadSizes(t *testing.T) {
	t.Run("oversized variant skipped before download", func(t *testing.T) {
		dl := newFakeDownloader(okBody("small"))
		dl.sizes = map[string]int64{"ubig": 500, "usmall": 50}
		e := newTestEngine(t, dl, nil)

		media := videoMedia(
			domain.MediaVariant{ID: "big", URL: "ubig", Rank: 2},
			domain.MediaVariant{ID: "small", URL: "usmall", Rank: 1},
		)
		out := e.Acquire(context.Background(), media, testPolicy(), nil).Items[0]
		if out.Status != domain.ItemSuccess {
			t.Fatalf("Status = %q, err = %v", out.Status, out.Err)
		}
		if out.Artifact.Variant != "small" {
			t.Errorf("Variant = %q, want small", out.Artifact.Variant)
		}
		if out.Attempts != 1 {
			t.Errorf("Attempts = %d, want 1", out.Attempts)
		}
		if dl.callCount("ubig") != 0 {
			t.Error("oversized variant should not be fetched")
		}
		if media.Items[0].Variants[0].Size != 0 {
			t.Error("HEAD size leaked into resolved media")
		}
	})

	t.Run("split audio counts both streams", func(t *testing.T) {
		dl := newFakeDownloader(okBody("ab"))
		dl.sizes = map[string]int64{"uv": 60, "ua": 60, "uv2": 20, "ua2": 20}
		e := newTestEngine(t, dl, &fakeMuxer{})

		media := videoMedia(
			domain.MediaVariant{ID: "hi", URL: "uv", AudioURL: "ua", Rank: 2},
			domain.MediaVariant{ID: "lo", URL: "uv2", AudioURL: "ua2", Rank: 1},
		)
		out := e.Acquire(context.Background(), media, testPolicy(), nil).Items[0]
		if out.Status != domain.ItemSuccess {
			t.Fatalf("Status = %q, err = %v", out.Status, out.Err)
		}
		if out.Artifact.Variant != "lo" {
			t.Errorf("Variant = %q, want lo", out.Artifact.Variant)
		}
		if dl.callCount("uv") != 0 {
			t.Error("oversized video stream should not be fetched")
		}
	})

	t.Run("no limit sends no HEAD", func(t *testing.T) {
		dl := newFakeDownloader(okBody("data"))
		e := newTestEngine(t, dl, nil)
		policy := testPolicy()
		policy.MaxBytes = 0

		out := e.Acquire(context.Background(), videoMedia(domain.MediaVariant{ID: "a", URL: "ua", Rank: 1}), policy, nil).Items[0]
		if out.Status != domain.ItemSuccess {
			t.Fatalf("Status = %q, err = %v", out.Status, out.Err)
		}
		if n := dl.heads.Load(); n != 0 {
			t.Errorf("HEAD requests = %d, want 0", n)
		}
	})

	t.Run("known sizes send no HEAD", func(t *testing.T) {
		dl := newFakeDownloader(okBody("data"))
		e := newTestEngine(t, dl, nil)

		out := e.Acquire(context.Background(), videoMedia(domain.MediaVariant{ID: "a", URL: "ua", Rank: 1, Size: 40}), testPolicy(), nil).Items[0]
		if out.Status != domain.ItemSuccess {
			t.Fatalf("Status = %q, err = %v", out.Status, out.Err)
		}
		if n := dl.heads.Load(); n != 0 {
			t.Errorf("HEAD requests = %d, want 0", n)
		}
	})
}

func TestEngine_Acquire_StreamingCeiling(t *testing.T) {
	respond := func(url string, call int) (string, error) {
		if url == "ubig" {
			return strings.Repeat("x", 500), nil
		}
		return "small", nil
	}
	media := func() *domain.ResolvedMedia {
		// Sizes unknown, so only the stream reveals the oversize.
		return videoMedia(
			domain.MediaVariant{ID: "big", URL: "ubig", Rank: 2},
			domain.MediaVariant{ID: "small", URL: "usmall", Rank: 1},
		)
	}

	t.Run("falls back on next attempt", func(t *testing.T) {
		dl := newFakeDownloader(respond)
		e := newTestEngine(t, dl, nil)
		out := e.Acquire(context.Background(), media(), testPolicy(), nil).Items[0]
		if out.Status != domain.ItemSuccess {
			t.Fatalf("Status = %q, err = %v", out.Status, out.Err)
		}
		if out.Artifact.Variant != "small" {
			t.Errorf("Variant = %q, want small", out.Artifact.Variant)
		}
		if out.Attempts != 2 {
			t.Errorf("Attempts = %d, want 2", out.Attempts)
		}
		if dl.callCount("ubig") != 1 {
			t.Errorf("oversized variant fetched %d times, want 1", dl.callCount("ubig"))
		}
	})

	t.Run("skips without fallback", func(t *testing.T) {
		dl := newFakeDownloader(respond)
		e := newTestEngine(t, dl, nil)
		policy := testPolicy()
		policy.AllowQualityFallback = false
		out := e.Acquire(context.Background(), media(), policy, nil).Items[0]
		if out.Status != domain.ItemSkippedTooLarge {
			t.Fatalf("Status = %q, want skipped_too_large", out.Status)
		}
		if dl.callCount("usmall") != 0 {
			t.Error("fallback variant should not be fetched")
		}
	})

	t.Run("ceiling on last attempt", func(t *testing.T) {
		dl := newFakeDownloader(respond)
		e := newTestEngine(t, dl, nil)
		policy := testPolicy()
		policy.RetryCount = 1
		out := e.Acquire(context.Background(), videoMedia(domain.MediaVariant{ID: "big", URL: "ubig", Rank: 2}), policy, nil).Items[0]
		if out.Status != domain.ItemSkippedTooLarge {
			t.Errorf("Status = %q, want skipped_too_large", out.Status)
		}
	})
}

func TestEngine_Acquire_SiblingsIndependentAndOrdered(t *testing.T) {
	dl := newFakeDownloader(func(url string, call int) (string, error) {
		if url == "u1" {
			return "", domain.ErrURLExpired
		}
		return "img-" + url, nil
	})
	dl.delay = 5 * time.Millisecond
	e := newTestEngine(t, dl, nil)

	media := &domain.ResolvedMedia{
		ContentID: "xiaohongshu:abc",
		Platform:  domain.PlatformXiaohongshu,
	}
	for i := 0; i < 6; i++ {
		media.Items = append(media.Items, domain.MediaItem{
			Index:    i,
			Kind:     domain.MediaKindImage,
			Variants: []domain.MediaVariant{{ID: "default", URL: fmt.Sprintf("u%d", i), Rank: 1}},
		})
	}

	var mu sync.Mutex
	var seen []int
	policy := testPolicy()
	policy.ItemConcurrency = 2
	res := e.Acquire(context.Background(), media, policy, func(o domain.ItemOutcome) {
		mu.Lock()
		seen = append(seen, o.Index)
		mu.Unlock()
	})

	if len(res.Items) != 6 {
		t.Fatalf("len(Items) = %d, want 6", len(res.Items))
	}
	for i, out := range res.Items {
		if out.Index != i {
			t.Errorf("Items[%d].Index = %d", i, out.Index)
		}
		want := domain.ItemSuccess
		if i == 1 {
			want = domain.ItemFailed
		}
		if out.Status != want {
			t.Errorf("Items[%d].Status = %q, want %q", i, out.Status, want)
		}
	}
	if len(seen) != 6 {
		t.Errorf("onItem called %d times, want 6", len(seen))
	}
	if got := dl.maxActive.Load(); got > 2 {
		t.Errorf("max concurrent downloads = %d, want <= 2", got)
	}
	if res.Items[2].Artifact.Path == res.Items[3].Artifact.Path {
		t.Error("items with the same variant id must not share a path")
	}
}

func TestEngine_Acquire_SplitAudio(t *testing.T) {
	dl := newFakeDownloader(func(url string, call int) (string, error) {
		if url == "audio" {
			return "AUDIO", nil
		}
		return "VIDEO", nil
	})
	mux := &fakeMuxer{}
	e := newTestEngine(t, dl, mux)

	media := videoMedia(domain.MediaVariant{ID: "64-avc", URL: "video", AudioURL: "audio", Rank: 64, Size: 10})
	out := e.Acquire(context.Background(), media, testPolicy(), nil).Items[0]

	if out.Status != domain.ItemSuccess {
		t.Fatalf("Status = %q, err = %v", out.Status, out.Err)
	}
	data, _ := os.ReadFile(out.Artifact.Path)
	if string(data) != "VIDEOAUDIO" {
		t.Errorf("merged content = %q", data)
	}
	if out.Artifact.Size != 10 {
		t.Errorf("Size = %d, want 10", out.Artifact.Size)
	}
	if mux.calls.Load() != 1 {
		t.Errorf("muxer calls = %d, want 1", mux.calls.Load())
	}
	for _, suffix := range []string{".video", ".audio"} {
		if _, err := os.Stat(out.Artifact.Path + suffix); !os.IsNotExist(err) {
			t.Errorf("intermediate %s file should be removed", suffix)
		}
	}
}

func TestEngine_Acquire_SplitAudioWithoutMuxer(t *testing.T) {
	dl := newFakeDownloader(okBody("x"))
	e := newTestEngine(t, dl, nil)

	media := videoMedia(domain.MediaVariant{ID: "v", URL: "video", AudioURL: "audio", Rank: 1})
	out := e.Acquire(context.Background(), media, testPolicy(), nil).Items[0]
	if out.Status != domain.ItemFailed || !errors.Is(out.Err, domain.ErrMuxUnavailable) {
		t.Errorf("outcome = %q / %v, want failed with ErrMuxUnavailable", out.Status, out.Err)
	}
	if out.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", out.Attempts)
	}
}

func TestEngine_Acquire_Cancelled(t *testing.T) {
	e := newTestEngine(t, newFakeDownloader(okBody("x")), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := e.Acquire(ctx, videoMedia(domain.MediaVariant{ID: "v", URL: "u", Rank: 1}), testPolicy(), nil)
	if !res.Cancelled {
		t.Error("result should be marked cancelled")
	}
	if res.Items[0].Status != domain.ItemFailed {
		t.Errorf("Status = %q, want failed", res.Items[0].Status)
	}
}

func TestEngine_Acquire_NoVariants(t *testing.T) {
	e := newTestEngine(t, newFakeDownloader(okBody("x")), nil)
	out := e.Acquire(context.Background(), videoMedia(), testPolicy(), nil).Items[0]
	if out.Status != domain.ItemFailed || !errors.Is(out.Err, domain.ErrNoVariants) {
		t.Errorf("outcome = %q / %v", out.Status, out.Err)
	}
}

func TestEngine_Acquire_Mirrors(t *testing.T) {
	dl := newFakeDownloader(func(url string, call int) (string, error) {
		if url == "primary" {
			return "", errors.New("timeout")
		}
		return "from-mirror", nil
	})
	e := newTestEngine(t, dl, nil)

	media := videoMedia(domain.MediaVariant{ID: "orig", URL: "primary", Mirrors: []string{"mirror"}, Rank: 1})
	out := e.Acquire(context.Background(), media, testPolicy(), nil).Items[0]
	if out.Status != domain.ItemSuccess {
		t.Fatalf("Status = %q, err = %v", out.Status, out.Err)
	}
	if dl.callCount("primary") != 1 || dl.callCount("mirror") != 1 {
		t.Errorf("calls primary=%d mirror=%d, want 1/1", dl.callCount("primary"), dl.callCount("mirror"))
	}
}

func TestSelectVariant(t *testing.T) {
	variants := []domain.MediaVariant{{Size: 300}, {Size: 0}, {Size: 50}}
	p := domain.AcquisitionPolicy{MaxBytes: 100, AllowQualityFallback: true}

	if idx, ok := selectVariant(variants, p, nil); !ok || idx != 1 {
		t.Errorf("selectVariant = %d, %v; want 1 (unknown size fits)", idx, ok)
	}
	if idx, ok := selectVariant(variants, p, map[int]bool{1: true}); !ok || idx != 2 {
		t.Errorf("selectVariant with oversized = %d, %v; want 2", idx, ok)
	}
	if _, ok := selectVariant(variants, p, map[int]bool{1: true, 2: true}); ok {
		t.Error("selectVariant should skip when nothing fits")
	}
	if _, ok := selectVariant(nil, p, nil); ok {
		t.Error("selectVariant should fail without variants")
	}
	p.AllowQualityFallback = false
	if _, ok := selectVariant(variants, p, nil); ok {
		t.Error("selectVariant without fallback should skip an oversized best")
	}
}
