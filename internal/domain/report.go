package domain

import "time"

// ReportStatus summarizes how a single link was handled.
type ReportStatus string

const (
	ReportSuccess  ReportStatus = "success"
	ReportPartial  ReportStatus = "partial"
	ReportFailed   ReportStatus = "failed"
	ReportTimedOut ReportStatus = "timed_out"
)

// ItemReport is the delivery view of one item outcome.
type ItemReport struct {
	Index    int        `json:"index"`
	Kind     MediaKind  `json:"kind,omitempty"`
	Title    string     `json:"title,omitempty"`
	Status   ItemStatus `json:"status"`
	Artifact *Artifact  `json:"artifact,omitempty"`
	Attempts int        `json:"attempts,omitempty"`
	Error    string     `json:"error,omitempty"`
}

// Report is what the pipeline hands to delivery for one link.
type Report struct {
	Ref       RawRef       `json:"ref"`
	ContentID ContentID    `json:"content_id,omitempty"`
	Platform  Platform     `json:"platform"`
	Title     string       `json:"title,omitempty"`
	Author    string       `json:"author,omitempty"`
	SourceURL string       `json:"source_url,omitempty"`
	Series    *Series      `json:"series,omitempty"`
	Items     []ItemReport `json:"items"`
	Status    ReportStatus `json:"status"`
	// Error carries the resolution failure when no item could be attempted.
	Error      string `json:"error,omitempty"`
	ErrorKind  string `json:"error_kind,omitempty"`
	TotalBytes int64  `json:"total_bytes"`
	// Merge tells delivery to bundle items into one message.
	Merge     bool      `json:"merge"`
	CreatedAt time.Time `json:"created_at"`
}

// Delivered returns the number of items with an artifact.
func (r *Report) Delivered() int {
	n := 0
	for _, it := range r.Items {
		if it.Status == ItemSuccess {
			n++
		}
	}
	return n
}

// Artifacts returns the delivered artifacts in index order.
func (r *Report) Artifacts() []*Artifact {
	var out []*Artifact
	for _, it := range r.Items {
		if it.Artifact != nil {
			out = append(out, it.Artifact)
		}
	}
	return out
}
