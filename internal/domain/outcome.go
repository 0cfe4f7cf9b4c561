package domain

// ItemStatus is the terminal state of one media item.
type ItemStatus string

const (
	ItemSuccess         ItemStatus = "success"
	ItemSkippedTooLarge ItemStatus = "skipped_too_large"
	ItemFailed          ItemStatus = "failed"
)

// ItemOutcome is the result of acquiring one media item.
type ItemOutcome struct {
	Index    int        `json:"index"`
	Status   ItemStatus `json:"status"`
	Artifact *Artifact  `json:"artifact,omitempty"`
	Attempts int        `json:"attempts"`
	Err      error      `json:"-"`
}

// Error returns the failure message, empty on success.
func (o ItemOutcome) Error() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// AcquisitionResult holds every item outcome for one content, ordered by index.
type AcquisitionResult struct {
	ContentID ContentID     `json:"content_id"`
	Items     []ItemOutcome `json:"items"`
	// Cancelled is set when the acquisition stopped before every item finished.
	Cancelled bool `json:"cancelled,omitempty"`
}

// Succeeded returns the number of items with an artifact.
func (r *AcquisitionResult) Succeeded() int {
	n := 0
	for _, it := range r.Items {
		if it.Status == ItemSuccess {
			n++
		}
	}
	return n
}

// Artifacts returns the artifacts of successful items in index order.
func (r *AcquisitionResult) Artifacts() []*Artifact {
	out := make([]*Artifact, 0, len(r.Items))
	for _, it := range r.Items {
		if it.Status == ItemSuccess && it.Artifact != nil {
			out = append(out, it.Artifact)
		}
	}
	return out
}

// TotalBytes sums the sizes of every artifact.
func (r *AcquisitionResult) TotalBytes() int64 {
	var n int64
	for _, a := range r.Artifacts() {
		n += a.Size
	}
	return n
}
