package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/sqlrecall/sqlrecall/internal/auth"
	"github.com/sqlrecall/sqlrecall/internal/schema"
)

type maintenanceRequest struct {
	Fingerprint schema.Fingerprint `json:"fingerprint"`
}

func handlePruneRun(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	fp, ok := maintenanceTarget(deps, w, r)
	if !ok {
		return
	}
	summary, err := deps.Maintenance.RunPruneOnce(r.Context(), fp)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "PRUNE_FAILED", "prune run failed", true, map[string]any{
			"details": err.Error(),
			"summary": summary,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "completed",
		"summary": summary,
	})
}

func handleExportRun(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	fp, ok := maintenanceTarget(deps, w, r)
	if !ok {
		return
	}
	summary, err := deps.Maintenance.RunExportOnce(r.Context(), fp)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "EXPORT_FAILED", "export run failed", true, map[string]any{
			"details": err.Error(),
			"summary": summary,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "completed",
		"summary": summary,
	})
}

// maintenanceTarget reads the optional fingerprint. An empty body targets
// every fingerprint.
func maintenanceTarget(deps Dependencies, w http.ResponseWriter, r *http.Request) (schema.Fingerprint, bool) {
	if deps.Maintenance == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "MAINTENANCE_NOT_CONFIGURED", "maintenance service is not configured", false, nil)
		return "", false
	}
	if !requireRole(w, r, auth.RolePatternAdmin) {
		return "", false
	}
	var req maintenanceRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid maintenance request body", false, map[string]any{"details": err.Error()})
		return "", false
	}
	fp := schema.Fingerprint(strings.TrimSpace(string(req.Fingerprint)))
	if fp != "" && !fp.Valid() {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_FINGERPRINT", "fingerprint must be 64 lowercase hex characters", false, map[string]any{"fingerprint": fp})
		return "", false
	}
	return fp, true
}
