package domain

import (
	"net/http"
	"sort"
	"time"
)

// MediaKind describes what a media item contains.
type MediaKind string

const (
	MediaKindVideo     MediaKind = "video"
	MediaKindImage     MediaKind = "image"
	MediaKindLivePhoto MediaKind = "live_photo"
)

// MediaVariant is one downloadable rendition of a media item.
type MediaVariant struct {
	ID      string `json:"id"`
	Quality string `json:"quality"`
	// Rank orders variants; higher is better.
	Rank int64 `json:"rank"`
	// Size is the known or estimated byte size, 0 when unknown.
	Size int64  `json:"size,omitempty"`
	URL  string `json:"url"`
	// AudioURL is set when audio is delivered as a separate stream.
	AudioURL string `json:"audio_url,omitempty"`
	// Mirrors are alternative hosts of the same rendition, tried on later attempts.
	Mirrors []string `json:"mirrors,omitempty"`
	Codec   string   `json:"codec,omitempty"`
	Width   int      `json:"width,omitempty"`
	Height  int      `json:"height,omitempty"`
	FPS     float64  `json:"fps,omitempty"`
	// Ext is the file extension of the final artifact, including the dot.
	Ext string `json:"ext,omitempty"`
}

// HasSplitAudio reports whether the variant needs muxing after download.
func (v MediaVariant) HasSplitAudio() bool {
	return v.AudioURL != ""
}

// URLForAttempt returns the URL to use for a zero-based attempt, cycling mirrors.
func (v MediaVariant) URLForAttempt(attempt int) string {
	if len(v.Mirrors) == 0 || attempt <= 0 {
		return v.URL
	}
	n := attempt % (len(v.Mirrors) + 1)
	if n == 0 {
		return v.URL
	}
	return v.Mirrors[n-1]
}

// MediaItem is one downloadable unit of a post: a video part or an image.
type MediaItem struct {
	Index    int            `json:"index"`
	Kind     MediaKind      `json:"kind"`
	Title    string         `json:"title,omitempty"`
	Duration time.Duration  `json:"duration,omitempty"`
	Variants []MediaVariant `json:"variants"`
}

// Best returns the highest ranked variant.
func (m MediaItem) Best() (MediaVariant, bool) {
	if len(m.Variants) == 0 {
		return MediaVariant{}, false
	}
	return m.Variants[0], true
}

// SortVariants orders variants best-first by rank. Equal ranks keep their order.
func SortVariants(variants []MediaVariant) {
	sort.SliceStable(variants, func(i, j int) bool {
		return variants[i].Rank > variants[j].Rank
	})
}

// Series describes the position of content in a multi-part upload.
type Series struct {
	Part  int `json:"part"`
	Total int `json:"total"`
}

// ResolvedMedia is the result of resolving a RawRef.
type ResolvedMedia struct {
	ContentID ContentID   `json:"content_id"`
	Platform  Platform    `json:"platform"`
	Title     string      `json:"title"`
	Author    string      `json:"author,omitempty"`
	SourceURL string      `json:"source_url"`
	Items     []MediaItem `json:"items"`
	Series    *Series     `json:"series,omitempty"`
	// RequiresAuth is set when the content was only reachable with cookies.
	RequiresAuth bool `json:"requires_auth,omitempty"`
	// Headers are sent with every media download for this content.
	Headers map[string]string `json:"-"`
	// Cookies are sent with media downloads when the platform checks them.
	Cookies  []*http.Cookie    `json:"-"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// IsImagePost reports whether every item is a still image or live photo.
func (m *ResolvedMedia) IsImagePost() bool {
	if len(m.Items) == 0 {
		return false
	}
	for _, it := range m.Items {
		if it.Kind == MediaKindVideo {
			return false
		}
	}
	return true
}

// Artifact is a downloaded file on local storage.
type Artifact struct {
	ContentID   ContentID `json:"content_id"`
	ItemIndex   int       `json:"item_index"`
	Variant     string    `json:"variant"`
	Quality     string    `json:"quality,omitempty"`
	Path        string    `json:"path"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type,omitempty"`
}
