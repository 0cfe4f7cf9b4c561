package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/iconidentify/linkgrabba/internal/repository"
)

var startTime = time.Now()

// CacheStats reports the size of the acquisition cache.
type CacheStats interface {
	Len() int
}

// StorageStats reports on the artifact volume.
type StorageStats interface {
	Root() string
	FreeBytes() int64
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	jobRepo repository.JobRepository
	cache   CacheStats
	storage StorageStats
}

// NewHealthHandler creates a new health handler. cache and storage may be nil.
func NewHealthHandler(jobRepo repository.JobRepository, cache CacheStats, storage StorageStats) *HealthHandler {
	return &HealthHandler{
		jobRepo: jobRepo,
		cache:   cache,
		storage: storage,
	}
}

// HealthResponse is the JSON response for health checks.
type HealthResponse struct {
	Status       string                 `json:"status"`
	Timestamp    string                 `json:"timestamp"`
	Queue        *repository.QueueStats `json:"queue,omitempty"`
	CacheEntries *int                   `json:"cache_entries,omitempty"`
}

// Live handles GET /health - liveness probe.
func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Ready handles GET /ready - readiness probe.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	// Check job repository is accessible
	stats, err := h.jobRepo.Stats(ctx)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{
			Status:    "error",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
		return
	}

	resp := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Queue:     stats,
	}
	if h.cache != nil {
		n := h.cache.Len()
		resp.CacheEntries = &n
	}
	writeJSON(w, http.StatusOK, resp)
}

// SystemStats contains system resource statistics.
type SystemStats struct {
	Uptime        int64  `json:"uptime_seconds"`
	UptimeHuman   string `json:"uptime_human"`
	MemAllocMB    int64  `json:"mem_alloc_mb"`
	MemSysMB      int64  `json:"mem_sys_mb"`
	NumGoroutines int    `json:"num_goroutines"`
	NumCPU        int    `json:"num_cpu"`
	StoragePath   string `json:"storage_path,omitempty"`
	DiskFreeBytes int64  `json:"disk_free_bytes"`
	DiskFreeHuman string `json:"disk_free_human,omitempty"`
}

// Stats handles GET /api/v1/stats - system statistics.
func (h *HealthHandler) Stats(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	uptime := time.Since(startTime)

	stats := SystemStats{
		Uptime:        int64(uptime.Seconds()),
		UptimeHuman:   formatUptime(uptime),
		MemAllocMB:    int64(m.Alloc / 1024 / 1024),
		MemSysMB:      int64(m.Sys / 1024 / 1024),
		NumGoroutines: runtime.NumGoroutine(),
		NumCPU:        runtime.NumCPU(),
		DiskFreeBytes: -1,
	}

	if h.storage != nil {
		stats.StoragePath = h.storage.Root()
		stats.DiskFreeBytes = h.storage.FreeBytes()
		if stats.DiskFreeBytes >= 0 {
			stats.DiskFreeHuman = humanize.Bytes(uint64(stats.DiskFreeBytes))
		}
	}

	writeJSON(w, http.StatusOK, stats)
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
