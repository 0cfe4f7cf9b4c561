package pipeline

import (
	"time"

	"github.com/iconidentify/linkgrabba/internal/cache"
	"github.com/iconidentify/linkgrabba/internal/domain"
)

const errUnfinished = "acquisition timed out"

func newReport(ref domain.RawRef, media *domain.ResolvedMedia) *domain.Report {
	return &domain.Report{
		Ref:       ref,
		ContentID: media.ContentID,
		Platform:  media.Platform,
		Title:     media.Title,
		Author:    media.Author,
		SourceURL: media.SourceURL,
		Series:    media.Series,
		CreatedAt: time.Now(),
	}
}

func resolutionReport(ref domain.RawRef, err error, timedOut bool) *domain.Report {
	r := &domain.Report{
		Ref:       ref,
		Platform:  ref.Platform,
		Status:    domain.ReportFailed,
		Error:     err.Error(),
		ErrorKind: domain.KindName(domain.ResolutionKind(err)),
		CreatedAt: time.Now(),
	}
	if timedOut {
		r.Status = domain.ReportTimedOut
	}
	return r
}

// buildReport joins the acquisition outcomes with the resolved items, in
// item index order. Items a timed out lease never saw are reported failed.
func buildReport(ref domain.RawRef, media *domain.ResolvedMedia, lease *cache.Lease, policy domain.AcquisitionPolicy) *domain.Report {
	r := newReport(ref, media)

	outcomes := make(map[int]domain.ItemOutcome, len(lease.Result.Items))
	for _, o := range lease.Result.Items {
		outcomes[o.Index] = o
	}

	for _, item := range media.Items {
		ir := domain.ItemReport{Index: item.Index, Kind: item.Kind, Title: item.Title}
		o, ok := outcomes[item.Index]
		if !ok {
			ir.Status = domain.ItemFailed
			ir.Error = errUnfinished
			r.Items = append(r.Items, ir)
			continue
		}
		ir.Status = o.Status
		ir.Attempts = o.Attempts
		ir.Error = o.Error()
		if o.Status == domain.ItemSuccess {
			ir.Artifact = o.Artifact
			if o.Artifact != nil {
				r.TotalBytes += o.Artifact.Size
			}
		}
		r.Items = append(r.Items, ir)
	}

	r.Status = status(r, lease.Complete)
	r.Merge = shouldMerge(media, r.TotalBytes, policy)
	return r
}

func status(r *domain.Report, complete bool) domain.ReportStatus {
	if !complete {
		return domain.ReportTimedOut
	}
	delivered := r.Delivered()
	switch {
	case len(r.Items) > 0 && delivered == len(r.Items):
		return domain.ReportSuccess
	case delivered > 0:
		return domain.ReportPartial
	default:
		return domain.ReportFailed
	}
}

// shouldMerge decides whether delivery bundles the items into one message.
func shouldMerge(media *domain.ResolvedMedia, totalBytes int64, policy domain.AcquisitionPolicy) bool {
	switch media.Platform {
	case domain.PlatformBilibili:
		return policy.BilibiliMergeSend || len(media.Items) > 1
	case domain.PlatformDouyin:
		if media.IsImagePost() {
			return true
		}
		return policy.DouyinMergeSend
	case domain.PlatformXiaohongshu:
		if media.IsImagePost() {
			return policy.XHSAutoUnmergeThreshold <= 0 || totalBytes <= policy.XHSAutoUnmergeThreshold
		}
		return policy.XHSMergeSend
	}
	return false
}
