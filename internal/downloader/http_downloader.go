package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/iconidentify/linkgrabba/internal/config"
	"github.com/iconidentify/linkgrabba/internal/domain"
)

// StatusError reports an unexpected HTTP status from a media host.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d", e.Code)
}

// ErrStalled is returned when no data arrives for the configured read timeout.
var ErrStalled = errors.New("download stalled")

// HTTPDownloader implements Downloader using HTTP requests.
type HTTPDownloader struct {
	// client is used for short requests (Probe, etc) with overall timeout
	client *http.Client
	// streamClient is used for streaming downloads without overall timeout
	streamClient *http.Client
	userAgent    string
	cfg          config.DownloadConfig
	logger       *slog.Logger
}

// NewHTTPDownloader creates a new HTTP-based media downloader.
func NewHTTPDownloader(cfg config.DownloadConfig) *HTTPDownloader {
	headerTimeout := cfg.HeaderTimeout
	if headerTimeout <= 0 {
		headerTimeout = 30 * time.Second
	}
	streamTransport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ResponseHeaderTimeout: headerTimeout,
		MaxIdleConnsPerHost:   8,
	}

	return &HTTPDownloader{
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		// No Timeout - stalls are detected per read instead
		streamClient: &http.Client{
			Transport: streamTransport,
		},
		userAgent: cfg.UserAgent,
		cfg:       cfg,
		logger:    slog.Default(),
	}
}

// SetLogger sets the logger for download progress reporting.
func (d *HTTPDownloader) SetLogger(logger *slog.Logger) {
	d.logger = logger
}

// Fetch performs a single download attempt. The body is streamed into a
// ".part" file next to dst and renamed once complete.
func (d *HTTPDownloader) Fetch(ctx context.Context, r Request, dst string) (*Result, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	req, err := d.newRequest(ctx, http.MethodGet, r)
	if err != nil {
		return nil, err
	}

	resp, err := d.streamClient.Do(req)
	if err != nil {
		if cause := context.Cause(ctx); errors.Is(cause, ErrStalled) {
			return nil, cause
		}
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp.StatusCode); err != nil {
		return nil, err
	}

	if r.MaxBytes > 0 && resp.ContentLength > r.MaxBytes {
		return nil, fmt.Errorf("%w: declared %s > %s", domain.ErrSizeLimitExceeded,
			humanize.Bytes(uint64(resp.ContentLength)), humanize.Bytes(uint64(r.MaxBytes)))
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	tmp := dst + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	pr := newProgressReader(resp.Body, resp.ContentLength, d.cfg.ReadTimeout, cancel, d.logger, r.URL)
	n, copyErr := copyLimited(f, pr, r.MaxBytes)
	pr.Close()
	closeErr := f.Close()

	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		os.Remove(tmp)
		if cause := context.Cause(ctx); errors.Is(cause, ErrStalled) {
			return nil, cause
		}
		return nil, copyErr
	}

	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("finalize file: %w", err)
	}

	return &Result{
		Path:        dst,
		Size:        n,
		ContentType: contentType(resp.Header.Get("Content-Type"), dst),
	}, nil
}

// copyLimited copies src to dst, failing once more than limit bytes arrive.
func copyLimited(dst io.Writer, src io.Reader, limit int64) (int64, error) {
	if limit <= 0 {
		n, err := io.Copy(dst, src)
		if err != nil {
			return n, fmt.Errorf("read body: %w", err)
		}
		return n, nil
	}

	n, err := io.Copy(dst, io.LimitReader(src, limit+1))
	if err != nil {
		return n, fmt.Errorf("read body: %w", err)
	}
	if n > limit {
		return n, fmt.Errorf("%w: streamed more than %s", domain.ErrSizeLimitExceeded, humanize.Bytes(uint64(limit)))
	}
	return n, nil
}

// Probe checks URL accessibility without downloading full content.
func (d *HTTPDownloader) Probe(ctx context.Context, r Request) (*ProbeResult, error) {
	req, err := d.newRequest(ctx, http.MethodHead, r)
	if err != nil {
		return nil, err
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return &ProbeResult{
			Accessible: false,
			Error:      err.Error(),
		}, nil
	}
	defer resp.Body.Close()

	result := &ProbeResult{
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: resp.ContentLength,
		Accessible:    resp.StatusCode == http.StatusOK,
	}

	if !result.Accessible {
		result.Error = fmt.Sprintf("status code %d", resp.StatusCode)
	}

	return result, nil
}

func (d *HTTPDownloader) newRequest(ctx context.Context, method string, r Request) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, r.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("User-Agent", d.userAgent)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8")
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	for _, c := range r.Cookies {
		req.AddCookie(c)
	}
	return req, nil
}

func checkStatus(code int) error {
	switch {
	case code == http.StatusOK || code == http.StatusPartialContent:
		return nil
	case code == http.StatusForbidden || code == http.StatusUnauthorized || code == http.StatusGone:
		return domain.ErrURLExpired
	case code == http.StatusTooManyRequests:
		return domain.ErrRateLimited
	default:
		return &StatusError{Code: code}
	}
}

// IsRetryable reports whether another attempt may succeed.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, domain.ErrURLExpired), errors.Is(err, domain.ErrStorageFull):
		return false
	case errors.Is(err, domain.ErrRateLimited), errors.Is(err, domain.ErrSizeLimitExceeded), errors.Is(err, ErrStalled):
		return true
	}

	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusRequestTimeout || se.Code == http.StatusTooEarly || se.Code >= 500
	}
	// Network errors are retryable
	return true
}

func contentType(header, path string) string {
	if header != "" {
		if mt, _, err := mime.ParseMediaType(header); err == nil && mt != "application/octet-stream" {
			return mt
		}
	}
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// progressReader wraps an io.ReadCloser to track download progress
// and cancel the transfer when no data arrives for readTimeout.
type progressReader struct {
	reader      io.ReadCloser
	total       int64
	downloaded  int64
	readTimeout time.Duration
	lastRead    time.Time
	lastLog     time.Time
	logger      *slog.Logger
	url         string
	mu          sync.Mutex
	closed      bool
	done        chan struct{}
}

func newProgressReader(r io.ReadCloser, total int64, readTimeout time.Duration, cancel context.CancelCauseFunc, logger *slog.Logger, url string) *progressReader {
	now := time.Now()
	p := &progressReader{
		reader:      r,
		total:       total,
		readTimeout: readTimeout,
		lastRead:    now,
		lastLog:     now,
		logger:      logger,
		url:         url,
		done:        make(chan struct{}),
	}
	if readTimeout > 0 {
		go p.watch(cancel)
	}
	return p
}

func (p *progressReader) watch(cancel context.CancelCauseFunc) {
	interval := p.readTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.mu.Lock()
			idle := time.Since(p.lastRead)
			p.mu.Unlock()
			if idle > p.readTimeout {
				cancel(fmt.Errorf("%w: no data received for %v", ErrStalled, p.readTimeout))
				return
			}
		}
	}
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.reader.Read(buf)

	p.mu.Lock()
	defer p.mu.Unlock()

	if n > 0 {
		p.downloaded += int64(n)
		p.lastRead = time.Now()

		if time.Since(p.lastLog) > 30*time.Second {
			p.logProgress()
			p.lastLog = time.Now()
		}
	}

	return n, err
}

func (p *progressReader) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	return nil
}

func (p *progressReader) logProgress() {
	if p.total > 0 {
		pct := float64(p.downloaded) / float64(p.total) * 100
		p.logger.Info("download progress",
			"url", p.url,
			"downloaded", humanize.Bytes(uint64(p.downloaded)),
			"total", humanize.Bytes(uint64(p.total)),
			"percent", fmt.Sprintf("%.1f%%", pct),
		)
	} else {
		p.logger.Info("download progress",
			"url", p.url,
			"downloaded", humanize.Bytes(uint64(p.downloaded)),
		)
	}
}
