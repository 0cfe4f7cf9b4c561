package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/iconidentify/linkgrabba/internal/domain"
	"github.com/iconidentify/linkgrabba/internal/repository"
)

func successReport() *domain.Report {
	id := domain.NewContentID(domain.PlatformBilibili, "BV1xx411c7mD")
	return &domain.Report{
		Ref:       domain.RawRef{Platform: domain.PlatformBilibili, URL: "BV1xx411c7mD"},
		ContentID: id,
		Platform:  domain.PlatformBilibili,
		Title:     "test video",
		Status:    domain.ReportSuccess,
		Items: []domain.ItemReport{{
			Index:  0,
			Kind:   domain.MediaKindVideo,
			Status: domain.ItemSuccess,
			Artifact: &domain.Artifact{
				ContentID: id,
				Path:      "/data/bilibili/BV1xx411c7mD_0.mp4",
				Size:      1024,
			},
		}},
		TotalBytes: 1024,
		CreatedAt:  time.Now(),
	}
}

type messageFixture struct {
	handler *MessageHandler
	runner  *mockRunner
	jobs    *repository.InMemoryJobRepository
	history *repository.InMemoryReportRepository
	dir     string
}

func newMessageFixture(t *testing.T, enabled domain.PlatformSet) *messageFixture {
	t.Helper()
	f := &messageFixture{
		runner:  &mockRunner{reports: []*domain.Report{successReport()}},
		jobs:    repository.NewInMemoryJobRepository(),
		history: repository.NewInMemoryReportRepository(10),
		dir:     t.TempDir(),
	}
	f.handler = NewMessageHandler(
		MessageHandlerConfig{Enabled: enabled, MaxRetries: 3, ListLimit: 50},
		f.runner, f.jobs, f.history, dirStore{root: f.dir}, testLogger(),
	)
	return f
}

func post(t *testing.T, h http.HandlerFunc, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	w := httptest.NewRecorder()
	h(w, req)
	return w
}

// withURLParams attaches chi route params to the request.
func withURLParams(r *http.Request, kv ...string) *http.Request {
	rctx := chi.NewRouteContext()
	for i := 0; i+1 < len(kv); i += 2 {
		rctx.URLParams.Add(kv[i], kv[i+1])
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func TestMessageHandler_Resolve(t *testing.T) {
	f := newMessageFixture(t, nil)

	w := post(t, f.handler.Resolve, `{"text":"看这个 https://b23.tv/XXXXXX"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}

	var resp ResolveResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Reports) != 1 {
		t.Fatalf("reports = %d, want 1", len(resp.Reports))
	}
	got := resp.Reports[0]
	if got.Status != domain.ReportSuccess || got.ContentID != "bilibili:BV1xx411c7mD" {
		t.Errorf("report = %+v", got.Report)
	}
	if len(got.Links) != 1 || got.Links[0] != "/api/v1/artifacts/bilibili/BV1xx411c7mD_0.mp4" {
		t.Errorf("links = %v", got.Links)
	}
	if f.runner.text != "看这个 https://b23.tv/XXXXXX" {
		t.Errorf("runner text = %q", f.runner.text)
	}

	saved, _ := f.history.List(context.Background(), 0)
	if len(saved) != 1 {
		t.Errorf("history holds %d reports, want 1", len(saved))
	}
}

func TestMessageHandler_BadRequests(t *testing.T) {
	enabled := domain.NewPlatformSet(domain.PlatformBilibili, domain.PlatformDouyin)
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{`},
		{"empty text", `{"text":""}`},
		{"unknown platform", `{"text":"x","platforms":["youtube"]}`},
		{"platform not enabled", `{"text":"x","platforms":["xiaohongshu"]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newMessageFixture(t, enabled)
			for name, h := range map[string]http.HandlerFunc{"resolve": f.handler.Resolve, "enqueue": f.handler.Enqueue} {
				w := post(t, h, tt.body)
				if w.Code != http.StatusBadRequest {
					t.Errorf("%s: status = %d, want 400", name, w.Code)
				}
			}
		})
	}
}

func TestMessageHandler_PlatformFilter(t *testing.T) {
	enabled := domain.NewPlatformSet(domain.PlatformBilibili, domain.PlatformDouyin)
	f := newMessageFixture(t, enabled)

	w := post(t, f.handler.Resolve, `{"text":"x","platforms":["douyin","xiaohongshu"]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	got := f.runner.enabled
	if !got.Has(domain.PlatformDouyin) || got.Has(domain.PlatformBilibili) || got.Has(domain.PlatformXiaohongshu) {
		t.Errorf("enabled = %v, want only douyin", got)
	}

	w = post(t, f.handler.Resolve, `{"text":"x"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := f.runner.enabled; len(got) != 2 || got.Has(domain.PlatformXiaohongshu) {
		t.Errorf("default enabled = %v, want server set", got)
	}
}

func TestMessageHandler_EnqueueAndGetJob(t *testing.T) {
	f := newMessageFixture(t, domain.NewPlatformSet(domain.PlatformDouyin))

	w := post(t, f.handler.Enqueue, `{"text":"https://v.douyin.com/abc/"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	var queued JobResponse
	if err := json.NewDecoder(w.Body).Decode(&queued); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if queued.JobID == "" || queued.Status != string(domain.JobStatusQueued) {
		t.Fatalf("job = %+v", queued)
	}

	job, err := f.jobs.Get(context.Background(), domain.JobID(queued.JobID))
	if err != nil {
		t.Fatalf("job not stored: %v", err)
	}
	if len(job.Platforms) != 1 || job.Platforms[0] != domain.PlatformDouyin || job.MaxRetries != 3 {
		t.Errorf("stored job = %+v", job)
	}

	req := withURLParams(httptest.NewRequest(http.MethodGet, "/", nil), "jobID", queued.JobID)
	w = httptest.NewRecorder()
	f.handler.GetJob(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	var got JobResponse
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.JobID != queued.JobID {
		t.Errorf("job id = %q, want %q", got.JobID, queued.JobID)
	}
}

func TestMessageHandler_GetJob_NotFound(t *testing.T) {
	f := newMessageFixture(t, nil)

	req := withURLParams(httptest.NewRequest(http.MethodGet, "/", nil), "jobID", "missing")
	w := httptest.NewRecorder()
	f.handler.GetJob(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestMessageHandler_ListReports(t *testing.T) {
	f := newMessageFixture(t, nil)
	ctx := context.Background()
	f.history.Save(ctx, successReport())
	other := successReport()
	other.ContentID = domain.NewContentID(domain.PlatformDouyin, "7301234567890123456")
	other.Platform = domain.PlatformDouyin
	f.history.Save(ctx, other)

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"all", "", 2},
		{"limit", "?limit=1", 1},
		{"by content", "?content_id=douyin:7301234567890123456", 1},
		{"unknown content", "?content_id=douyin:0", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/reports"+tt.query, nil)
			w := httptest.NewRecorder()
			f.handler.ListReports(w, req)

			if w.Code != http.StatusOK {
				t.Fatalf("status = %d", w.Code)
			}
			var resp struct {
				Reports []ReportResponse `json:"reports"`
			}
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(resp.Reports) != tt.want {
				t.Errorf("reports = %d, want %d", len(resp.Reports), tt.want)
			}
		})
	}
}

func TestMessageHandler_ServeArtifact(t *testing.T) {
	f := newMessageFixture(t, nil)
	content := []byte("fake mp4 payload")
	if err := os.MkdirAll(filepath.Join(f.dir, "bilibili"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(f.dir, "bilibili", "BV1_0.mp4"), content, 0644); err != nil {
		t.Fatal(err)
	}

	req := withURLParams(httptest.NewRequest(http.MethodGet, "/", nil), "platform", "bilibili", "name", "BV1_0.mp4")
	w := httptest.NewRecorder()
	f.handler.ServeArtifact(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body, _ := io.ReadAll(w.Body)
	if !bytes.Equal(body, content) {
		t.Errorf("body = %q", body)
	}

	req = withURLParams(httptest.NewRequest(http.MethodGet, "/", nil), "platform", "bilibili", "name", "missing.mp4")
	w = httptest.NewRecorder()
	f.handler.ServeArtifact(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing artifact status = %d, want 404", w.Code)
	}
}
