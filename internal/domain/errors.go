package domain

import (
	"errors"
	"strconv"
	"strings"
)

// Resolution error kinds.
var (
	// ErrNotFound is returned when the content does not exist or was removed.
	ErrNotFound = errors.New("content not found")

	// ErrUnsupported is returned for links the platform resolver cannot handle.
	ErrUnsupported = errors.New("unsupported content")

	// ErrAuthRequired is returned when the content needs a logged-in session.
	ErrAuthRequired = errors.New("authentication required")

	// ErrUpstreamUnavailable is returned when the platform cannot be reached.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// Domain errors.
var (
	// ErrUnknownPlatform is returned when a platform name is not recognized.
	ErrUnknownPlatform = errors.New("unknown platform")

	// ErrJobNotFound is returned when a job cannot be found.
	ErrJobNotFound = errors.New("job not found")

	// ErrNoJobs is returned when there are no jobs to process.
	ErrNoJobs = errors.New("no jobs available")

	// ErrReportNotFound is returned when no stored report matches.
	ErrReportNotFound = errors.New("report not found")

	// ErrNoVariants is returned when an item carries no downloadable variant.
	ErrNoVariants = errors.New("no media variants")

	// ErrTooLarge is returned when no variant fits the size ceiling.
	ErrTooLarge = errors.New("media exceeds size limit")

	// ErrSizeLimitExceeded is returned when a download streams past the ceiling.
	ErrSizeLimitExceeded = errors.New("download exceeded size limit")

	// ErrURLExpired is returned when the media URL has expired or is forbidden.
	ErrURLExpired = errors.New("media URL has expired")

	// ErrRateLimited is returned when rate limited by external services.
	ErrRateLimited = errors.New("rate limited")

	// ErrStorageFull is returned when there is insufficient storage space.
	ErrStorageFull = errors.New("insufficient storage space")

	// ErrMuxUnavailable is returned when split audio needs ffmpeg and none is installed.
	ErrMuxUnavailable = errors.New("muxer unavailable")

	// ErrInvalidAPIKey is returned when the API key is invalid.
	ErrInvalidAPIKey = errors.New("invalid API key")
)

// ResolutionError wraps a resolver failure with its kind and the failing ref.
type ResolutionError struct {
	Platform Platform
	Ref      string
	Kind     error
	Err      error
}

func (e *ResolutionError) Error() string {
	var b strings.Builder
	b.WriteString("resolve ")
	b.WriteString(string(e.Platform))
	if e.Ref != "" {
		b.WriteString(" [" + e.Ref + "]")
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.Err != nil && e.Err != e.Kind {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause to errors.Is.
func (e *ResolutionError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewResolutionError creates a ResolutionError. A nil or unknown kind
// becomes ErrUpstreamUnavailable.
func NewResolutionError(p Platform, ref string, kind, err error) *ResolutionError {
	switch kind {
	case ErrNotFound, ErrUnsupported, ErrAuthRequired, ErrUpstreamUnavailable:
	default:
		kind = ErrUpstreamUnavailable
	}
	return &ResolutionError{Platform: p, Ref: ref, Kind: kind, Err: err}
}

// ResolutionKind returns the resolution kind carried by err, or nil.
func ResolutionKind(err error) error {
	var re *ResolutionError
	if errors.As(err, &re) {
		return re.Kind
	}
	for _, k := range []error{ErrNotFound, ErrUnsupported, ErrAuthRequired, ErrUpstreamUnavailable} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// KindName returns a short machine name for a resolution kind.
func KindName(kind error) string {
	switch kind {
	case ErrNotFound:
		return "not_found"
	case ErrUnsupported:
		return "unsupported"
	case ErrAuthRequired:
		return "auth_required"
	case ErrUpstreamUnavailable:
		return "upstream_unavailable"
	}
	return ""
}

// IsTerminalResolution reports whether retrying the resolution cannot help.
func IsTerminalResolution(err error) bool {
	switch ResolutionKind(err) {
	case ErrNotFound, ErrUnsupported, ErrAuthRequired:
		return true
	}
	return false
}

// ItemError wraps an acquisition failure with item context.
type ItemError struct {
	ContentID ContentID
	Index     int
	Op        string
	Err       error
}

func (e *ItemError) Error() string {
	return e.Op + " [" + e.ContentID.String() + "#" + strconv.Itoa(e.Index) + "]: " + e.Err.Error()
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

// NewItemError creates a new ItemError.
func NewItemError(id ContentID, index int, op string, err error) *ItemError {
	return &ItemError{
		ContentID: id,
		Index:     index,
		Op:        op,
		Err:       err,
	}
}
