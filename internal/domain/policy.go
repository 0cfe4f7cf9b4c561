package domain

import "time"

// MinAPITimeout is the lower bound applied to AcquisitionPolicy.APITimeout.
const MinAPITimeout = 60 * time.Second

// AcquisitionPolicy is the read-only snapshot of limits that govern one
// acquisition. It is built once from configuration and never mutated.
type AcquisitionPolicy struct {
	// MaxBytes is the size ceiling for a single artifact. Zero disables it.
	MaxBytes             int64
	AllowQualityFallback bool

	// RetryCount is the total number of attempts per download or resolution.
	RetryCount    int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration

	APITimeout   time.Duration
	CleanupDelay time.Duration

	// ItemConcurrency bounds parallel item downloads within one content.
	ItemConcurrency int

	EnableMultiPage bool
	MultiPageMax    int
	DouyinMaxMedia  int
	XHSMaxMedia     int

	BilibiliMergeSend bool
	DouyinMergeSend   bool
	XHSMergeSend      bool
	// XHSAutoUnmergeThreshold disables merged delivery of Xiaohongshu image
	// notes larger than this many bytes. Zero disables the check.
	XHSAutoUnmergeThreshold int64
}

// DefaultPolicy returns the policy used when no configuration is supplied.
func DefaultPolicy() AcquisitionPolicy {
	return AcquisitionPolicy{
		MaxBytes:                200 << 20,
		AllowQualityFallback:    true,
		RetryCount:              3,
		RetryDelay:              time.Second,
		MaxRetryDelay:           30 * time.Second,
		APITimeout:              600 * time.Second,
		CleanupDelay:            60 * time.Second,
		ItemConcurrency:         3,
		EnableMultiPage:         true,
		MultiPageMax:            3,
		DouyinMaxMedia:          9,
		XHSMaxMedia:             15,
		BilibiliMergeSend:       false,
		DouyinMergeSend:         false,
		XHSMergeSend:            false,
		XHSAutoUnmergeThreshold: 20 << 20,
	}
}

// Normalize clamps out-of-range values to usable bounds.
func (p AcquisitionPolicy) Normalize() AcquisitionPolicy {
	if p.RetryCount < 1 {
		p.RetryCount = 1
	}
	if p.APITimeout < MinAPITimeout {
		p.APITimeout = MinAPITimeout
	}
	if p.CleanupDelay < 0 {
		p.CleanupDelay = 0
	}
	if p.ItemConcurrency < 1 {
		p.ItemConcurrency = 1
	}
	if p.MultiPageMax < 1 {
		p.MultiPageMax = 1
	}
	if p.DouyinMaxMedia < 1 {
		p.DouyinMaxMedia = 1
	}
	if p.XHSMaxMedia < 1 {
		p.XHSMaxMedia = 1
	}
	if p.MaxRetryDelay < p.RetryDelay {
		p.MaxRetryDelay = p.RetryDelay
	}
	return p
}

// Fits reports whether size is within the ceiling. Unknown sizes fit.
func (p AcquisitionPolicy) Fits(size int64) bool {
	return p.MaxBytes <= 0 || size <= 0 || size <= p.MaxBytes
}
