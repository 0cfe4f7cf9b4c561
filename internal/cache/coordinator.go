// Package cache deduplicates acquisitions per content id and schedules the
// cleanup of their artifacts.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/iconidentify/linkgrabba/internal/acquisition"
	"github.com/iconidentify/linkgrabba/internal/domain"
	"github.com/iconidentify/linkgrabba/internal/metrics"
)

// ErrClosed is returned by GetOrAcquire after Close.
var ErrClosed = errors.New("coordinator closed")

// Acquirer downloads resolved media. Implemented by *acquisition.Engine.
type Acquirer interface {
	Acquire(ctx context.Context, media *domain.ResolvedMedia, policy domain.AcquisitionPolicy, onItem acquisition.ItemFunc) *domain.AcquisitionResult
}

// Remover deletes artifact files.
type Remover interface {
	Remove(paths ...string) error
}

// Config holds coordinator options.
type Config struct {
	// MaxEntries bounds the number of ready entries. Zero means unbounded.
	MaxEntries int
}

// Coordinator runs at most one acquisition per content id and shares its
// result with every consumer until the last one releases it.
type Coordinator struct {
	acq        Acquirer
	store      Remover
	maxEntries int
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	owners sync.WaitGroup

	mu      sync.Mutex
	entries map[domain.ContentID]*entry
	closed  bool
}

type entry struct {
	id        domain.ContentID
	done      chan struct{}
	delay     time.Duration
	createdAt time.Time
	lastUsed  time.Time

	// guarded by Coordinator.mu
	result    *domain.AcquisitionResult
	partial   []domain.ItemOutcome
	ready     bool
	finished  bool
	abandoned bool
	waiters   int
	holders   int
	cancel    context.CancelFunc
	timer     *time.Timer
	timerGen  int
	deadline  time.Time
}

// New creates a coordinator.
func New(acq Acquirer, store Remover, cfg Config, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		acq:        acq,
		store:      store,
		maxEntries: cfg.MaxEntries,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		entries:    make(map[domain.ContentID]*entry),
	}
}

// Lease is one consumer's hold on acquired artifacts. Files stay on disk
// at least until Release.
type Lease struct {
	ContentID domain.ContentID
	Result    *domain.AcquisitionResult
	// Complete is false when the consumer stopped waiting and Result only
	// holds the items finished so far.
	Complete bool
	// Shared is set when the result came from another consumer's acquisition.
	Shared bool

	c    *Coordinator
	e    *entry
	once sync.Once
}

// Release detaches the consumer. Safe to call more than once.
func (l *Lease) Release() {
	if l == nil || l.c == nil {
		return
	}
	l.once.Do(func() { l.c.release(l.e) })
}

// GetOrAcquire returns the artifacts of media, acquiring them when no
// consumer has done so yet. Concurrent calls for one content id share a
// single acquisition. When ctx ends first, the returned lease holds a
// snapshot of the finished items and Complete is false.
func (c *Coordinator) GetOrAcquire(ctx context.Context, media *domain.ResolvedMedia, policy domain.AcquisitionPolicy) (*Lease, error) {
	id := media.ContentID
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrClosed
		}

		e, ok := c.entries[id]
		switch {
		case ok && e.abandoned:
			// The previous owner is winding down; wait so two acquisitions
			// never write the same files.
			done := e.done
			c.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}

		case ok && e.ready:
			c.attach(e)
			result := e.result
			c.mu.Unlock()
			metrics.CacheRequestsTotal.WithLabelValues("hit").Inc()
			c.logger.Debug("cache hit", "content_id", id)
			return &Lease{ContentID: id, Result: result, Complete: true, Shared: true, c: c, e: e}, nil

		case ok:
			c.attach(e)
			e.waiters++
			c.mu.Unlock()
			metrics.CacheRequestsTotal.WithLabelValues("join").Inc()
			c.logger.Debug("joined in-flight acquisition", "content_id", id)
			return c.wait(ctx, e, true)

		default:
			e = c.start(media, policy)
			c.mu.Unlock()
			metrics.CacheRequestsTotal.WithLabelValues("miss").Inc()
			return c.wait(ctx, e, false)
		}
	}
}

// start creates an entry and its owner goroutine. Caller holds c.mu.
func (c *Coordinator) start(media *domain.ResolvedMedia, policy domain.AcquisitionPolicy) *entry {
	now := time.Now()
	ctx, cancel := context.WithCancel(c.ctx)
	e := &entry{
		id:        media.ContentID,
		done:      make(chan struct{}),
		delay:     policy.CleanupDelay,
		createdAt: now,
		lastUsed:  now,
		waiters:   1,
		holders:   1,
		cancel:    cancel,
	}
	c.entries[e.id] = e
	metrics.CacheEntries.Set(float64(len(c.entries)))

	c.owners.Add(1)
	go func() {
		defer c.owners.Done()
		defer cancel()
		result := c.acq.Acquire(ctx, media, policy, func(o domain.ItemOutcome) {
			c.mu.Lock()
			e.partial = append(e.partial, o)
			c.mu.Unlock()
		})
		c.finish(e, result)
	}()
	return e
}

// finish records the owner's result.
func (c *Coordinator) finish(e *entry, result *domain.AcquisitionResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e.result = result
	e.finished = true
	logger := c.logger.With("content_id", e.id)

	// An abandoned entry is never cached, even when the owner finished
	// before it saw the cancellation.
	if result.Succeeded() > 0 && !result.Cancelled && !e.abandoned && !c.closed {
		e.ready = true
		e.lastUsed = time.Now()
		if e.holders == 0 {
			c.scheduleCleanup(e)
		}
		c.enforceCapacity()
		logger.Info("acquisition cached",
			"items", len(result.Items),
			"succeeded", result.Succeeded(),
		)
	} else {
		// Failures are never cached so the next request starts over.
		if c.entries[e.id] == e {
			delete(c.entries, e.id)
			metrics.CacheEntries.Set(float64(len(c.entries)))
		}
		metrics.CacheEvictionsTotal.WithLabelValues("failed").Inc()
		if e.holders == 0 {
			c.removeFiles(e)
		}
		logger.Info("acquisition not cached",
			"succeeded", result.Succeeded(),
			"cancelled", result.Cancelled,
			"abandoned", e.abandoned,
		)
	}
	close(e.done)
}

// wait blocks until the entry finishes or ctx ends.
func (c *Coordinator) wait(ctx context.Context, e *entry, shared bool) (*Lease, error) {
	select {
	case <-e.done:
		c.mu.Lock()
		e.waiters--
		result := e.result
		c.mu.Unlock()
		return &Lease{ContentID: e.id, Result: result, Complete: true, Shared: shared, c: c, e: e}, nil
	case <-ctx.Done():
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	e.waiters--

	if e.finished {
		return &Lease{ContentID: e.id, Result: e.result, Complete: true, Shared: shared, c: c, e: e}, nil
	}

	snapshot := &domain.AcquisitionResult{
		ContentID: e.id,
		Items:     append([]domain.ItemOutcome(nil), e.partial...),
		Cancelled: true,
	}
	sort.Slice(snapshot.Items, func(i, j int) bool {
		return snapshot.Items[i].Index < snapshot.Items[j].Index
	})

	if e.waiters == 0 {
		// Nobody is waiting any more.
		e.abandoned = true
		e.cancel()
		c.logger.Info("acquisition abandoned", "content_id", e.id, "finished_items", len(snapshot.Items))
	}
	return &Lease{ContentID: e.id, Result: snapshot, Complete: false, Shared: shared, c: c, e: e}, nil
}

// attach adds a holder and stops a pending cleanup. Caller holds c.mu.
func (c *Coordinator) attach(e *entry) {
	e.holders++
	e.lastUsed = time.Now()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
		e.timerGen++
		e.deadline = time.Time{}
	}
}

func (c *Coordinator) release(e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e.holders--
	e.lastUsed = time.Now()
	if e.holders > 0 {
		return
	}

	switch {
	case e.ready && c.entries[e.id] == e:
		c.scheduleCleanup(e)
	case e.finished && !e.ready:
		// A replacement entry owns the same paths.
		if _, live := c.entries[e.id]; !live {
			c.removeFiles(e)
		}
	}
}

// scheduleCleanup arms the deletion timer of an idle ready entry. Caller
// holds c.mu.
func (c *Coordinator) scheduleCleanup(e *entry) {
	if c.closed {
		return
	}
	if e.delay <= 0 {
		c.evict(e, "expired")
		return
	}
	e.timerGen++
	gen := e.timerGen
	e.deadline = time.Now().Add(e.delay)
	e.timer = time.AfterFunc(e.delay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if e.timerGen != gen || e.holders > 0 || c.entries[e.id] != e {
			return
		}
		c.evict(e, "expired")
	})
	c.logger.Debug("cleanup scheduled", "content_id", e.id, "deadline", e.deadline)
}

// enforceCapacity evicts the longest idle ready entries above MaxEntries.
// Entries in use are never evicted. Caller holds c.mu.
func (c *Coordinator) enforceCapacity() {
	if c.maxEntries <= 0 {
		return
	}
	for c.readyCount() > c.maxEntries {
		var oldest *entry
		for _, e := range c.entries {
			if !e.ready || e.holders > 0 {
				continue
			}
			if oldest == nil || e.lastUsed.Before(oldest.lastUsed) {
				oldest = e
			}
		}
		if oldest == nil {
			return
		}
		c.evict(oldest, "capacity")
	}
}

func (c *Coordinator) readyCount() int {
	n := 0
	for _, e := range c.entries {
		if e.ready {
			n++
		}
	}
	return n
}

// evict drops a ready entry and deletes its files. Caller holds c.mu.
func (c *Coordinator) evict(e *entry, reason string) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.timerGen++
	e.deadline = time.Time{}
	if c.entries[e.id] == e {
		delete(c.entries, e.id)
		metrics.CacheEntries.Set(float64(len(c.entries)))
	}
	metrics.CacheEvictionsTotal.WithLabelValues(reason).Inc()
	c.removeFiles(e)
	c.logger.Info("cache entry removed", "content_id", e.id, "reason", reason)
}

// removeFiles deletes every artifact the entry produced. Caller holds c.mu.
func (c *Coordinator) removeFiles(e *entry) {
	var paths []string
	seen := make(map[string]bool)
	add := func(items []domain.ItemOutcome) {
		for _, it := range items {
			if it.Artifact != nil && !seen[it.Artifact.Path] {
				seen[it.Artifact.Path] = true
				paths = append(paths, it.Artifact.Path)
			}
		}
	}
	if e.result != nil {
		add(e.result.Items)
	}
	add(e.partial)
	if len(paths) == 0 {
		return
	}
	if err := c.store.Remove(paths...); err != nil {
		c.logger.Warn("failed to remove artifacts", "content_id", e.id, "error", err)
	}
}

// Deadline returns when the idle entry for id is scheduled for deletion.
func (c *Coordinator) Deadline(id domain.ContentID) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok || e.deadline.IsZero() {
		return time.Time{}, false
	}
	return e.deadline, true
}

// Len returns the number of entries held, pending or ready.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Flush deletes every idle ready entry now.
func (c *Coordinator) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.ready && e.holders == 0 {
			c.evict(e, "flushed")
		}
	}
}

// Close stops pending cleanups, cancels in-flight acquisitions and waits
// for their owners to return. Files are left on disk.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for _, e := range c.entries {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		e.timerGen++
		e.deadline = time.Time{}
	}
	c.mu.Unlock()

	c.cancel()
	c.owners.Wait()
}
