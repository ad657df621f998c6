package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/conductor/internal/domain"
	"github.com/ashureev/conductor/internal/identity"
)

// JobsHandler lists and cancels the caller's scheduled jobs.
type JobsHandler struct {
	jobs Jobs
}

// NewJobsHandler creates the jobs handler.
func NewJobsHandler(jobs Jobs) *JobsHandler {
	return &JobsHandler{jobs: jobs}
}

// RegisterRoutes registers job routes.
func (h *JobsHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/jobs", h.List)
	r.Delete("/api/jobs/{id}", h.Cancel)
}

// List returns the caller's unsent jobs.
func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	ownerID := identity.OwnerIDFromContext(r.Context())
	if ownerID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	jobs, err := h.jobs.Pending(r.Context(), ownerID)
	if err != nil {
		slog.Error("Failed to list jobs", "owner_id", ownerID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []*domain.ScheduledJob{}
	}
	JSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// Cancel removes one of the caller's jobs.
func (h *JobsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	ownerID := identity.OwnerIDFromContext(r.Context())
	if ownerID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	jobID := chi.URLParam(r, "id")
	ok, err := h.jobs.Cancel(r.Context(), ownerID, jobID)
	if err != nil {
		slog.Error("Failed to cancel job", "owner_id", ownerID, "job_id", jobID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}
	if !ok {
		Error(w, http.StatusNotFound, "job not found")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "cancelled", "job_id": jobID})
}

// CapabilitiesHandler exposes registry search.
type CapabilitiesHandler struct {
	catalog Catalog
}

// NewCapabilitiesHandler creates the capabilities handler.
func NewCapabilitiesHandler(catalog Catalog) *CapabilitiesHandler {
	return &CapabilitiesHandler{catalog: catalog}
}

// RegisterRoutes registers capability routes.
func (h *CapabilitiesHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/capabilities", h.Search)
}

type capabilityView struct {
	Name        string `json:"name"`
	Domain      string `json:"domain"`
	Description string `json:"description"`
}

// Search returns the capabilities most relevant to q, or all of them when q
// is empty.
func (h *CapabilitiesHandler) Search(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 100 {
			Error(w, http.StatusBadRequest, "limit must be between 1 and 100")
			return
		}
		limit = n
	}

	var descs []domain.CapabilityDescriptor
	if q == "" {
		descs = h.catalog.All()
	} else {
		var err error
		descs, err = h.catalog.Search(r.Context(), q, limit)
		if err != nil {
			slog.Error("Capability search failed", "error", err)
			Error(w, http.StatusServiceUnavailable, "capability search unavailable")
			return
		}
	}

	out := make([]capabilityView, 0, len(descs))
	for _, d := range descs {
		out = append(out, capabilityView{Name: d.Name, Domain: d.Domain, Description: d.Description})
	}
	JSON(w, http.StatusOK, map[string]any{"capabilities": out})
}
