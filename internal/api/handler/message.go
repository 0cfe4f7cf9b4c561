package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/iconidentify/linkgrabba/internal/domain"
	"github.com/iconidentify/linkgrabba/internal/pipeline"
	"github.com/iconidentify/linkgrabba/internal/repository"
)

// Runner handles one message synchronously. Implemented by *pipeline.Pipeline.
type Runner interface {
	HandleMessage(ctx context.Context, text string, enabled domain.PlatformSet, delivery pipeline.Delivery) []*domain.Report
}

// ArtifactStore maps public artifact names to files.
type ArtifactStore interface {
	Lookup(platform, name string) (string, bool)
}

// MessageHandler serves the pipeline over HTTP.
type MessageHandler struct {
	runner     Runner
	jobRepo    repository.JobRepository
	history    repository.ReportRepository
	store      ArtifactStore
	enabled    domain.PlatformSet
	maxRetries int
	listLimit  int
	logger     *slog.Logger
}

// MessageHandlerConfig holds MessageHandler options.
type MessageHandlerConfig struct {
	// Enabled is the set of platforms the server resolves.
	Enabled    domain.PlatformSet
	MaxRetries int
	// ListLimit is the default and maximum page size of report listings.
	ListLimit int
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(
	cfg MessageHandlerConfig,
	runner Runner,
	jobRepo repository.JobRepository,
	history repository.ReportRepository,
	store ArtifactStore,
	logger *slog.Logger,
) *MessageHandler {
	if cfg.ListLimit <= 0 {
		cfg.ListLimit = 100
	}
	return &MessageHandler{
		runner:     runner,
		jobRepo:    jobRepo,
		history:    history,
		store:      store,
		enabled:    cfg.Enabled,
		maxRetries: cfg.MaxRetries,
		listLimit:  cfg.ListLimit,
		logger:     logger,
	}
}

// MessageRequest is the JSON request body for message submission.
type MessageRequest struct {
	Text      string   `json:"text"`
	Platforms []string `json:"platforms,omitempty"`
}

// ReportResponse is a report plus download links for its artifacts.
type ReportResponse struct {
	*domain.Report
	Links []string `json:"links,omitempty"`
}

// ResolveResponse is returned by a synchronous resolve.
type ResolveResponse struct {
	Reports []ReportResponse `json:"reports"`
}

// JobResponse describes a queued message.
type JobResponse struct {
	JobID     string           `json:"job_id"`
	Status    string           `json:"status"`
	Attempts  int              `json:"attempts"`
	LastError string           `json:"last_error,omitempty"`
	Reports   []ReportResponse `json:"reports,omitempty"`
}

// Resolve handles POST /api/v1/resolve
func (h *MessageHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	req, enabled, ok := h.decode(w, r)
	if !ok {
		return
	}

	reports := h.runner.HandleMessage(r.Context(), req.Text, enabled, nil)
	for _, rep := range reports {
		h.record(r.Context(), rep)
	}

	writeJSON(w, http.StatusOK, ResolveResponse{Reports: h.views(reports)})
}

// Enqueue handles POST /api/v1/messages
func (h *MessageHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	req, enabled, ok := h.decode(w, r)
	if !ok {
		return
	}

	platforms := make([]domain.Platform, 0, len(enabled))
	for _, p := range domain.AllPlatforms {
		if enabled.Has(p) {
			platforms = append(platforms, p)
		}
	}

	job := domain.NewJob(domain.JobID(uuid.New().String()), req.Text, platforms, h.maxRetries)
	if err := h.jobRepo.Enqueue(r.Context(), job); err != nil {
		h.logger.Error("enqueue failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to queue message")
		return
	}

	h.logger.Info("message queued", "job_id", job.ID)
	writeJSON(w, http.StatusAccepted, JobResponse{
		JobID:  job.ID.String(),
		Status: string(job.Status),
	})
}

// GetJob handles GET /api/v1/jobs/{jobID}
func (h *MessageHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := domain.JobID(chi.URLParam(r, "jobID"))

	job, err := h.jobRepo.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		h.logger.Error("get job failed", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	writeJSON(w, http.StatusOK, JobResponse{
		JobID:     job.ID.String(),
		Status:    string(job.Status),
		Attempts:  job.Attempts,
		LastError: job.LastError,
		Reports:   h.views(job.Reports),
	})
}

// ListReports handles GET /api/v1/reports
func (h *MessageHandler) ListReports(w http.ResponseWriter, r *http.Request) {
	limit := h.listLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= h.listLimit {
			limit = parsed
		}
	}

	var (
		reports []*domain.Report
		err     error
	)
	if id := r.URL.Query().Get("content_id"); id != "" {
		reports, err = h.history.ListByContentID(r.Context(), domain.ContentID(id))
		if errors.Is(err, domain.ErrReportNotFound) {
			reports, err = nil, nil
		}
	} else {
		reports, err = h.history.List(r.Context(), limit)
	}
	if err != nil {
		h.logger.Error("list reports failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list reports")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"reports": h.views(reports),
		"limit":   limit,
	})
}

// ServeArtifact handles GET /api/v1/artifacts/{platform}/{name}
func (h *MessageHandler) ServeArtifact(w http.ResponseWriter, r *http.Request) {
	path, ok := h.store.Lookup(chi.URLParam(r, "platform"), chi.URLParam(r, "name"))
	if !ok {
		writeError(w, http.StatusNotFound, "artifact not found")
		return
	}
	http.ServeFile(w, r, path)
}

// decode parses a message request and resolves the platforms it may use.
func (h *MessageHandler) decode(w http.ResponseWriter, r *http.Request) (MessageRequest, domain.PlatformSet, bool) {
	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return req, nil, false
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return req, nil, false
	}

	if len(req.Platforms) == 0 {
		return req, h.enabled, true
	}
	enabled := domain.NewPlatformSet()
	for _, name := range req.Platforms {
		p, err := domain.ParsePlatform(name)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return req, nil, false
		}
		if h.enabled.Has(p) {
			enabled[p] = struct{}{}
		}
	}
	if len(enabled) == 0 {
		writeError(w, http.StatusBadRequest, "none of the requested platforms is enabled")
		return req, nil, false
	}
	return req, enabled, true
}

func (h *MessageHandler) record(ctx context.Context, rep *domain.Report) {
	if h.history == nil {
		return
	}
	if err := h.history.Save(ctx, rep); err != nil {
		h.logger.Warn("failed to save report", "content_id", rep.ContentID, "error", err)
	}
}

func (h *MessageHandler) views(reports []*domain.Report) []ReportResponse {
	out := make([]ReportResponse, 0, len(reports))
	for _, rep := range reports {
		view := ReportResponse{Report: rep}
		for _, a := range rep.Artifacts() {
			view.Links = append(view.Links, ArtifactLink(a))
		}
		out = append(out, view)
	}
	return out
}

// ArtifactLink returns the API path serving a.
func ArtifactLink(a *domain.Artifact) string {
	return "/api/v1/artifacts/" + url.PathEscape(string(a.ContentID.Platform())) + "/" + url.PathEscape(filepath.Base(a.Path))
}
