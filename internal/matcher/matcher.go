// Package matcher finds supported platform links in free text.
package matcher

import (
	"iter"
	"regexp"
	"sort"
	"strings"

	"github.com/iconidentify/linkgrabba/internal/domain"
)

type rule struct {
	platform domain.Platform
	re       *regexp.Regexp
	// bare rules match ids without a host and are yielded unchanged.
	bare bool
}

var rules = []rule{
	// Bilibili
	{platform: domain.PlatformBilibili, re: regexp.MustCompile(`(?i)(?:https?://)?(?:(?:www|m)\.)?bilibili\.com/video/(?:BV[0-9A-Za-z]{10}|av\d+)[A-Za-z0-9._?%&+\-=/#]*`)},
	{platform: domain.PlatformBilibili, re: regexp.MustCompile(`(?i)(?:https?://)?(?:b23\.tv|bili2233\.cn)/[A-Za-z0-9._?%&+\-=/#]+`)},
	{platform: domain.PlatformBilibili, re: regexp.MustCompile(`\bBV[0-9A-Za-z]{10}\b`), bare: true},
	{platform: domain.PlatformBilibili, re: regexp.MustCompile(`\bav[1-9]\d{2,}\b`), bare: true},

	// Douyin
	{platform: domain.PlatformDouyin, re: regexp.MustCompile(`(?i)(?:https?://)?(?:v|jx)\.douyin\.com/[A-Za-z0-9_\-]+/?`)},
	{platform: domain.PlatformDouyin, re: regexp.MustCompile(`(?i)(?:https?://)?(?:www\.)?douyin\.com/(?:video|note)/\d+[A-Za-z0-9._?%&+\-=/#]*`)},
	{platform: domain.PlatformDouyin, re: regexp.MustCompile(`(?i)(?:https?://)?(?:www\.)?iesdouyin\.com/share/(?:slides|video|note)/\d+[A-Za-z0-9._?%&+\-=/#]*`)},
	{platform: domain.PlatformDouyin, re: regexp.MustCompile(`(?i)(?:https?://)?m\.douyin\.com/share/(?:slides|video|note)/\d+[A-Za-z0-9._?%&+\-=/#]*`)},
	{platform: domain.PlatformDouyin, re: regexp.MustCompile(`(?i)(?:https?://)?jingxuan\.douyin\.com/m/(?:slides|video|note)/\d+[A-Za-z0-9._?%&+\-=/#]*`)},

	// Xiaohongshu
	{platform: domain.PlatformXiaohongshu, re: regexp.MustCompile(`(?i)(?:https?://)?(?:www\.)?xhslink\.com/[A-Za-z0-9._?%&+=/#@\-]+`)},
	{platform: domain.PlatformXiaohongshu, re: regexp.MustCompile(`(?i)(?:https?://)?(?:www\.)?xiaohongshu\.com/(?:explore|discovery/item)/[0-9A-Za-z]+[A-Za-z0-9._?%&+=/#@\-]*`)},
}

type match struct {
	start, end int
	ref        domain.RawRef
}

// Match returns the links in text belonging to enabled platforms, in order of
// appearance. A nil set enables every platform. The sequence is computed on
// each iteration and can be ranged over more than once.
func Match(text string, enabled domain.PlatformSet) iter.Seq[domain.RawRef] {
	return func(yield func(domain.RawRef) bool) {
		for _, m := range find(text, enabled) {
			if !yield(m.ref) {
				return
			}
		}
	}
}

// Collect returns every match as a slice.
func Collect(text string, enabled domain.PlatformSet) []domain.RawRef {
	var out []domain.RawRef
	for ref := range Match(text, enabled) {
		out = append(out, ref)
	}
	return out
}

func find(text string, enabled domain.PlatformSet) []match {
	if text == "" {
		return nil
	}

	var all []match
	for _, r := range rules {
		if !enabled.Has(r.platform) {
			continue
		}
		for _, loc := range r.re.FindAllStringIndex(text, -1) {
			raw := trimTrailing(text[loc[0]:loc[1]])
			if raw == "" {
				continue
			}
			url := raw
			if !r.bare {
				url = normalize(raw)
			}
			all = append(all, match{
				start: loc[0],
				end:   loc[0] + len(raw),
				ref:   domain.RawRef{Platform: r.platform, URL: url},
			})
		}
	}

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].start != all[j].start {
			return all[i].start < all[j].start
		}
		return all[i].end > all[j].end
	})

	out := all[:0]
	seen := make(map[domain.RawRef]struct{})
	lastEnd := -1
	for _, m := range all {
		if m.start < lastEnd {
			continue
		}
		lastEnd = m.end
		if _, dup := seen[m.ref]; dup {
			continue
		}
		seen[m.ref] = struct{}{}
		out = append(out, m)
	}
	return out
}

// trimTrailing drops punctuation that commonly follows a link in chat.
func trimTrailing(s string) string {
	return strings.TrimRight(s, ".,;:!?#&")
}

func normalize(raw string) string {
	lower := strings.ToLower(raw)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return raw
	}
	return "https://" + raw
}
