package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-lifecycle/internal/config"
	"github.com/prn-tf/alexander-lifecycle/internal/service"
)

// AdminHandler serves job, archive, restore and record endpoints.
type AdminHandler struct {
	runner   *service.JobRunner
	admin    *service.AdminService
	archive  *service.ArchiveService
	compress *service.CompressService
	logger   zerolog.Logger
}

// AdminConfig contains the services behind the admin handler.
type AdminConfig struct {
	Runner   *service.JobRunner
	Admin    *service.AdminService
	Archive  *service.ArchiveService
	Compress *service.CompressService
	Logger   zerolog.Logger
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(cfg AdminConfig) *AdminHandler {
	return &AdminHandler{
		runner:   cfg.Runner,
		admin:    cfg.Admin,
		archive:  cfg.Archive,
		compress: cfg.Compress,
		logger:   cfg.Logger.With().Str("handler", "admin").Logger(),
	}
}

// RegisterRoutes registers admin routes.
func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Get("/jobs", h.handleListJobs)
	r.Post("/jobs/{name}/run", h.handleRunJob)

	r.Post("/archive/projects/{projectId}", h.handleArchiveProject)
	r.Get("/archive/projects/{projectId}/archivable", h.handleArchivable)

	r.Post("/restore", h.handleRestore)

	r.Get("/records/archive/{sha256}", h.handleGetArchiveRecord)
	r.Get("/records/compress/{sha256}", h.handleGetCompressRecord)
}

func (h *AdminHandler) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"jobs": h.runner.Jobs()})
}

func (h *AdminHandler) handleRunJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	result, err := h.runner.RunOnce(r.Context(), name)
	if err != nil && result == nil {
		h.fail(w, err)
		return
	}
	if err != nil {
		// the run happened or was skipped; report it together with the error
		e := mapError(err)
		writeJSON(w, e.HTTPStatusCode, map[string]any{"error": e, "result": result})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *AdminHandler) handleArchiveProject(w http.ResponseWriter, r *http.Request) {
	days, ok := intParam(w, r, "days", 0)
	if !ok {
		return
	}
	result, err := h.admin.ArchiveProject(r.Context(), chi.URLParam(r, "projectId"), days)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *AdminHandler) handleArchivable(w http.ResponseWriter, r *http.Request) {
	days, ok := intParam(w, r, "days", 0)
	if !ok {
		return
	}
	minSize, ok := intParam(w, r, "minSize", 0)
	if !ok {
		return
	}
	out, err := h.admin.ArchivableSize(r.Context(), chi.URLParam(r, "projectId"), days, int64(minSize))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *AdminHandler) handleRestore(w http.ResponseWriter, r *http.Request) {
	var input service.RestoreInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, ErrBadRequest)
		return
	}
	out, err := h.admin.RestoreByPrefix(r.Context(), input)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, out)
}

func (h *AdminHandler) handleGetArchiveRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.archive.GetArchiveRecord(r.Context(), chi.URLParam(r, "sha256"), credentialsKey(r))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *AdminHandler) handleGetCompressRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.compress.GetCompressRecord(r.Context(), chi.URLParam(r, "sha256"), credentialsKey(r))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *AdminHandler) fail(w http.ResponseWriter, err error) {
	e := mapError(err)
	if e.HTTPStatusCode >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Msg("admin request failed")
	}
	writeError(w, e)
}

// credentialsKey reads the credentialsKey query parameter. "default" and an
// empty value both select the default storage.
func credentialsKey(r *http.Request) string {
	key := r.URL.Query().Get("credentialsKey")
	if key == config.DefaultCredentialsName {
		return ""
	}
	return key
}

func intParam(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		writeError(w, APIError{Code: "InvalidArgument", Message: "invalid " + name, HTTPStatusCode: http.StatusBadRequest})
		return 0, false
	}
	return v, true
}
