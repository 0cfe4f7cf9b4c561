package cache

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iconidentify/linkgrabba/internal/acquisition"
	"github.com/iconidentify/linkgrabba/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeAcquirer writes one file per item. When gate is set it blocks until
// the gate closes or ctx ends.
type fakeAcquirer struct {
	dir   string
	calls atomic.Int32
	gate  chan struct{}
	fail  bool
}

func (f *fakeAcquirer) Acquire(ctx context.Context, media *domain.ResolvedMedia, policy domain.AcquisitionPolicy, onItem acquisition.ItemFunc) *domain.AcquisitionResult {
	f.calls.Add(1)
	result := &domain.AcquisitionResult{ContentID: media.ContentID}
	for i := range media.Items {
		if i > 0 && f.gate != nil {
			select {
			case <-f.gate:
			case <-ctx.Done():
				result.Cancelled = true
				return result
			}
		}
		o := domain.ItemOutcome{Index: i, Attempts: 1}
		if f.fail {
			o.Status = domain.ItemFailed
		} else {
			path := filepath.Join(f.dir, string(media.ContentID.Platform())+"_"+media.Items[i].Title)
			os.WriteFile(path, []byte("data"), 0o644)
			o.Status = domain.ItemSuccess
			o.Artifact = &domain.Artifact{ContentID: media.ContentID, ItemIndex: i, Path: path, Size: 4}
		}
		onItem(o)
		result.Items = append(result.Items, o)
	}
	return result
}

type fakeStore struct {
	mu      sync.Mutex
	removed []string
}

func (s *fakeStore) Remove(paths ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range paths {
		os.Remove(p)
		s.removed = append(s.removed, p)
	}
	return nil
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.removed)
}

func testMedia(id string, items int) *domain.ResolvedMedia {
	m := &domain.ResolvedMedia{ContentID: domain.ContentID("bilibili:" + id), Platform: domain.PlatformBilibili}
	for i := 0; i < items; i++ {
		m.Items = append(m.Items, domain.MediaItem{Index: i, Title: id + "_" + string(rune('a'+i))})
	}
	return m
}

func testPolicy(delay time.Duration) domain.AcquisitionPolicy {
	p := domain.DefaultPolicy()
	p.CleanupDelay = delay
	return p
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestGetOrAcquire_SingleAcquisition(t *testing.T) {
	acq := &fakeAcquirer{dir: t.TempDir(), gate: make(chan struct{})}
	c := New(acq, &fakeStore{}, Config{}, testLogger())
	defer c.Close()

	media := testMedia("BV1", 2)
	policy := testPolicy(time.Minute)

	var wg sync.WaitGroup
	leases := make([]*Lease, 5)
	for i := range leases {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l, err := c.GetOrAcquire(context.Background(), media, policy)
			if err != nil {
				t.Errorf("GetOrAcquire failed: %v", err)
				return
			}
			leases[i] = l
		}(i)
	}

	waitFor(t, time.Second, func() bool { return acq.calls.Load() == 1 })
	time.Sleep(20 * time.Millisecond)
	close(acq.gate)
	wg.Wait()

	if got := acq.calls.Load(); got != 1 {
		t.Fatalf("Acquire called %d times, want 1", got)
	}
	shared := 0
	for _, l := range leases {
		if l == nil {
			t.Fatal("missing lease")
		}
		if !l.Complete || l.Result.Succeeded() != 2 {
			t.Errorf("lease = complete %v, succeeded %d", l.Complete, l.Result.Succeeded())
		}
		if l.Result != leases[0].Result {
			t.Error("consumers should share one result")
		}
		if l.Shared {
			shared++
		}
	}
	if shared != 4 {
		t.Errorf("shared leases = %d, want 4", shared)
	}

	// A later request is served from the cache.
	l, err := c.GetOrAcquire(context.Background(), media, policy)
	if err != nil || !l.Shared {
		t.Fatalf("expected cache hit, got %+v, %v", l, err)
	}
	if acq.calls.Load() != 1 {
		t.Error("cache hit must not acquire again")
	}
}

func TestGetOrAcquire_FailureNotCached(t *testing.T) {
	acq := &fakeAcquirer{dir: t.TempDir(), fail: true}
	c := New(acq, &fakeStore{}, Config{}, testLogger())
	defer c.Close()

	media := testMedia("BV2", 1)
	for i := 0; i < 2; i++ {
		l, err := c.GetOrAcquire(context.Background(), media, testPolicy(time.Minute))
		if err != nil {
			t.Fatalf("GetOrAcquire failed: %v", err)
		}
		if l.Result.Succeeded() != 0 {
			t.Error("expected failed result")
		}
		l.Release()
	}
	if got := acq.calls.Load(); got != 2 {
		t.Errorf("Acquire called %d times, want 2", got)
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d, want 0", c.Len())
	}
}

func TestRelease_CleanupAfterDelay(t *testing.T) {
	acq := &fakeAcquirer{dir: t.TempDir()}
	store := &fakeStore{}
	c := New(acq, store, Config{}, testLogger())
	defer c.Close()

	const delay = 150 * time.Millisecond
	media := testMedia("BV3", 1)
	l, err := c.GetOrAcquire(context.Background(), media, testPolicy(delay))
	if err != nil {
		t.Fatal(err)
	}
	path := l.Result.Items[0].Artifact.Path

	released := time.Now()
	l.Release()
	l.Release()

	deadline, ok := c.Deadline(media.ContentID)
	if !ok {
		t.Fatal("cleanup should be scheduled")
	}
	if d := deadline.Sub(released); d < delay-10*time.Millisecond || d > delay+50*time.Millisecond {
		t.Errorf("deadline %v after release, want about %v", d, delay)
	}

	time.Sleep(delay / 3)
	if !exists(path) {
		t.Fatal("artifact removed before the cleanup delay")
	}

	waitFor(t, time.Second, func() bool { return !exists(path) })
	if elapsed := time.Since(released); elapsed < delay {
		t.Errorf("artifact removed after %v, want at least %v", elapsed, delay)
	}
	if c.Len() != 0 {
		t.Error("entry should be gone after cleanup")
	}
}

func TestGetOrAcquire_ReattachCancelsCleanup(t *testing.T) {
	acq := &fakeAcquirer{dir: t.TempDir()}
	c := New(acq, &fakeStore{}, Config{}, testLogger())
	defer c.Close()

	const delay = 80 * time.Millisecond
	media := testMedia("BV4", 1)
	l, _ := c.GetOrAcquire(context.Background(), media, testPolicy(delay))
	path := l.Result.Items[0].Artifact.Path
	l.Release()

	l2, err := c.GetOrAcquire(context.Background(), media, testPolicy(delay))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Deadline(media.ContentID); ok {
		t.Error("reattaching should cancel the pending cleanup")
	}
	time.Sleep(2 * delay)
	if !exists(path) {
		t.Fatal("artifact removed while a consumer holds it")
	}
	l2.Release()
	waitFor(t, time.Second, func() bool { return !exists(path) })
}

func TestCapacityEviction(t *testing.T) {
	acq := &fakeAcquirer{dir: t.TempDir()}
	c := New(acq, &fakeStore{}, Config{MaxEntries: 2}, testLogger())
	defer c.Close()

	policy := testPolicy(time.Hour)
	lease := func(id string) *Lease {
		l, err := c.GetOrAcquire(context.Background(), testMedia(id, 1), policy)
		if err != nil {
			t.Fatal(err)
		}
		return l
	}

	a := lease("A")
	pathA := a.Result.Items[0].Artifact.Path
	a.Release()
	time.Sleep(2 * time.Millisecond)
	b := lease("B")
	b.Release()
	held := lease("C")
	defer held.Release()

	if c.Len() != 2 {
		t.Errorf("Len = %d, want 2", c.Len())
	}
	if exists(pathA) {
		t.Error("oldest idle entry should be evicted")
	}
	if _, err := c.GetOrAcquire(context.Background(), testMedia("A", 1), policy); err != nil {
		t.Fatal(err)
	}
	if acq.calls.Load() != 4 {
		t.Errorf("evicted entry should be acquired again, calls = %d", acq.calls.Load())
	}
}

func TestGetOrAcquire_ConsumerTimeout(t *testing.T) {
	acq := &fakeAcquirer{dir: t.TempDir(), gate: make(chan struct{})}
	store := &fakeStore{}
	c := New(acq, store, Config{}, testLogger())
	defer c.Close()

	media := testMedia("BV5", 3)
	policy := testPolicy(time.Minute)

	// A patient consumer keeps the acquisition alive.
	patient := make(chan *Lease, 1)
	go func() {
		l, _ := c.GetOrAcquire(context.Background(), media, policy)
		patient <- l
	}()
	waitFor(t, time.Second, func() bool { return acq.calls.Load() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	l, err := c.GetOrAcquire(ctx, media, policy)
	if err != nil {
		t.Fatalf("GetOrAcquire failed: %v", err)
	}
	if l.Complete {
		t.Fatal("lease should be incomplete after timeout")
	}
	if len(l.Result.Items) != 1 || l.Result.Items[0].Status != domain.ItemSuccess {
		t.Errorf("snapshot = %+v, want the first finished item", l.Result.Items)
	}
	l.Release()

	close(acq.gate)
	full := <-patient
	if !full.Complete || full.Result.Succeeded() != 3 {
		t.Errorf("patient consumer got %+v", full.Result)
	}
	if acq.calls.Load() != 1 {
		t.Error("a timed out consumer must not restart the acquisition")
	}
	full.Release()
}

func TestGetOrAcquire_AbandonedAcquisition(t *testing.T) {
	acq := &fakeAcquirer{dir: t.TempDir(), gate: make(chan struct{})}
	store := &fakeStore{}
	c := New(acq, store, Config{}, testLogger())
	defer c.Close()

	media := testMedia("BV6", 2)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	l, err := c.GetOrAcquire(ctx, media, testPolicy(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if l.Complete {
		t.Fatal("expected incomplete lease")
	}
	path := l.Result.Items[0].Artifact.Path

	// The owner is cancelled, so its result is not cached.
	waitFor(t, time.Second, func() bool { return c.Len() == 0 })
	if !exists(path) {
		t.Fatal("partial artifact removed while the lease is held")
	}
	l.Release()
	if exists(path) {
		t.Error("partial artifact should be removed on release")
	}
}

// lateAcquirer finishes successfully once gate closes, whatever ctx says.
type lateAcquirer struct {
	dir   string
	calls atomic.Int32
	gate  chan struct{}
}

func (f *lateAcquirer) Acquire(ctx context.Context, media *domain.ResolvedMedia, policy domain.AcquisitionPolicy, onItem acquisition.ItemFunc) *domain.AcquisitionResult {
	f.calls.Add(1)
	<-f.gate
	path := filepath.Join(f.dir, media.Items[0].Title)
	os.WriteFile(path, []byte("data"), 0o644)
	o := domain.ItemOutcome{
		Index:    0,
		Status:   domain.ItemSuccess,
		Attempts: 1,
		Artifact: &domain.Artifact{ContentID: media.ContentID, Path: path, Size: 4},
	}
	onItem(o)
	return &domain.AcquisitionResult{ContentID: media.ContentID, Items: []domain.ItemOutcome{o}}
}

func TestGetOrAcquire_LateSuccessAfterAbandon(t *testing.T) {
	gate := make(chan struct{})
	acq := &lateAcquirer{dir: t.TempDir(), gate: gate}
	c := New(acq, &fakeStore{}, Config{}, testLogger())
	defer c.Close()

	media := testMedia("BV8", 1)
	policy := testPolicy(time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	l, err := c.GetOrAcquire(ctx, media, policy)
	if err != nil {
		t.Fatal(err)
	}
	if l.Complete {
		t.Fatal("expected incomplete lease")
	}
	l.Release()

	// The owner reports success only after its last consumer left.
	close(gate)
	waitFor(t, time.Second, func() bool { return c.Len() == 0 })

	ctx2, cancel2 := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel2()
	start := time.Now()
	l2, err := c.GetOrAcquire(ctx2, media, policy)
	if err != nil {
		t.Fatalf("GetOrAcquire after abandon: %v (after %v)", err, time.Since(start))
	}
	defer l2.Release()
	if !l2.Complete || l2.Result.Succeeded() != 1 {
		t.Errorf("lease = %+v", l2.Result)
	}
	if got := acq.calls.Load(); got != 2 {
		t.Errorf("acquisitions = %d, want 2", got)
	}
}

func TestClose(t *testing.T) {
	acq := &fakeAcquirer{dir: t.TempDir(), gate: make(chan struct{})}
	c := New(acq, &fakeStore{}, Config{}, testLogger())

	done := make(chan *Lease, 1)
	go func() {
		l, _ := c.GetOrAcquire(context.Background(), testMedia("BV7", 2), testPolicy(time.Minute))
		done <- l
	}()
	waitFor(t, time.Second, func() bool { return acq.calls.Load() == 1 })

	c.Close()
	l := <-done
	if l == nil || !l.Result.Cancelled {
		t.Errorf("in-flight acquisition should be cancelled, got %+v", l)
	}
	if _, err := c.GetOrAcquire(context.Background(), testMedia("BV8", 1), testPolicy(time.Minute)); err != ErrClosed {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestFlush(t *testing.T) {
	acq := &fakeAcquirer{dir: t.TempDir()}
	c := New(acq, &fakeStore{}, Config{}, testLogger())
	defer c.Close()

	l, _ := c.GetOrAcquire(context.Background(), testMedia("BV9", 1), testPolicy(time.Hour))
	path := l.Result.Items[0].Artifact.Path
	l.Release()
	c.Flush()
	if exists(path) || c.Len() != 0 {
		t.Error("Flush should remove idle entries")
	}
}
