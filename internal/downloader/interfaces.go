package downloader

import (
	"context"
	"net/http"
)

// Downloader fetches media content into local files.
type Downloader interface {
	// Fetch performs one download attempt of req into dst. The file appears
	// at dst only when the transfer completed within req.MaxBytes.
	Fetch(ctx context.Context, req Request, dst string) (*Result, error)

	// Probe checks URL accessibility without downloading full content.
	Probe(ctx context.Context, req Request) (*ProbeResult, error)
}

// Request describes one media URL to fetch.
type Request struct {
	URL     string
	Headers map[string]string
	Cookies []*http.Cookie
	// MaxBytes aborts the transfer once exceeded. Zero disables the ceiling.
	MaxBytes int64
}

// Result describes a completed download.
type Result struct {
	Path        string
	Size        int64
	ContentType string
}

// ProbeResult contains information about a media URL.
type ProbeResult struct {
	ContentType   string
	ContentLength int64
	Accessible    bool
	Error         string
}
