package acquisition

import "github.com/iconidentify/linkgrabba/internal/domain"

// selectVariant picks the variant to download next. variants must be sorted
// best-first. Variants in oversized already streamed past the ceiling and
// never fit again. ok is false when the item must be skipped as too large.
func selectVariant(variants []domain.MediaVariant, p domain.AcquisitionPolicy, oversized map[int]bool) (int, bool) {
	if len(variants) == 0 {
		return 0, false
	}

	fits := func(i int) bool {
		return !oversized[i] && p.Fits(variants[i].Size)
	}

	if fits(0) {
		return 0, true
	}
	if !p.AllowQualityFallback {
		return 0, false
	}
	for i := 1; i < len(variants); i++ {
		if fits(i) {
			return i, true
		}
	}
	return 0, false
}
