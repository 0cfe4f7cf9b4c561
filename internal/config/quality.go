package config

import (
	"fmt"
	"strings"
)

// Special quality ceilings.
const (
	// QualityOriginal places no ceiling on the selected quality.
	QualityOriginal = 0
	// QualityLowest always selects the lowest offered quality.
	QualityLowest = -1
)

// Bilibili quality ids by label.
var qualityIDs = map[string]int{
	"8K":      127,
	"DOLBY":   126,
	"HDR":     125,
	"4K":      120,
	"1080P60": 116,
	"1080P+":  112,
	"1080P":   80,
	"720P60":  74,
	"720P":    64,
	"480P":    32,
	"360P":    16,
	"240P":    6,
}

// ParseQuality converts a label such as "720P" or "ORIGINAL" into a
// Bilibili quality id ceiling.
func ParseQuality(label string) (int, error) {
	l := strings.ToUpper(strings.TrimSpace(label))
	switch l {
	case "", "ORIGINAL", "BEST", "HIGHEST":
		return QualityOriginal, nil
	case "LOWEST", "WORST":
		return QualityLowest, nil
	}
	if id, ok := qualityIDs[l]; ok {
		return id, nil
	}
	return 0, fmt.Errorf("unknown bilibili quality %q", label)
}

// ParseCodecs splits a comma separated codec preference list such as
// "HEVC,AVC".
func ParseCodecs(s string) []string {
	var out []string
	for _, c := range strings.Split(s, ",") {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}
