package domain

import (
	"fmt"
	"strings"
)

// Platform identifies a supported upstream content platform.
type Platform string

const (
	PlatformBilibili    Platform = "bilibili"
	PlatformDouyin      Platform = "douyin"
	PlatformXiaohongshu Platform = "xiaohongshu"
)

// AllPlatforms lists every supported platform in dispatch order.
var AllPlatforms = []Platform{PlatformBilibili, PlatformDouyin, PlatformXiaohongshu}

// String returns the string representation of the Platform.
func (p Platform) String() string {
	return string(p)
}

// Valid reports whether p is one of the supported platforms.
func (p Platform) Valid() bool {
	switch p {
	case PlatformBilibili, PlatformDouyin, PlatformXiaohongshu:
		return true
	}
	return false
}

// ParsePlatform converts a name such as "bilibili" or "xhs" into a Platform.
func ParsePlatform(s string) (Platform, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bilibili", "bili", "b23":
		return PlatformBilibili, nil
	case "douyin", "dy":
		return PlatformDouyin, nil
	case "xiaohongshu", "xhs", "rednote":
		return PlatformXiaohongshu, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPlatform, s)
}

// PlatformSet is the set of platforms enabled for a message.
type PlatformSet map[Platform]struct{}

// NewPlatformSet builds a set from the given platforms.
func NewPlatformSet(platforms ...Platform) PlatformSet {
	s := make(PlatformSet, len(platforms))
	for _, p := range platforms {
		s[p] = struct{}{}
	}
	return s
}

// Has reports whether p is enabled. A nil set enables every platform.
func (s PlatformSet) Has(p Platform) bool {
	if s == nil {
		return true
	}
	_, ok := s[p]
	return ok
}

// RawRef is a platform link found in free text.
type RawRef struct {
	Platform Platform `json:"platform"`
	// URL is the normalized link, or a bare video id for Bilibili.
	URL string `json:"url"`
}

// String returns "platform:url".
func (r RawRef) String() string {
	return string(r.Platform) + ":" + r.URL
}

// ContentID is the canonical identity of a piece of content: "<platform>:<id>".
type ContentID string

// NewContentID joins a platform and its stable id.
func NewContentID(p Platform, id string) ContentID {
	return ContentID(string(p) + ":" + id)
}

// String returns the string representation of the ContentID.
func (id ContentID) String() string {
	return string(id)
}

// Platform returns the platform prefix of the id.
func (id ContentID) Platform() Platform {
	p, _, _ := strings.Cut(string(id), ":")
	return Platform(p)
}
