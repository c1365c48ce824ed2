package api

import (
	"net/http"
	"strings"

	"github.com/sqlrecall/sqlrecall/internal/auth"
	"github.com/sqlrecall/sqlrecall/internal/schema"
)

type fingerprintRequest struct {
	Tables []schema.Table `json:"tables"`
}

type validateRequest struct {
	SQL string `json:"sql"`
}

type searchRequest struct {
	Question    string             `json:"question"`
	Fingerprint schema.Fingerprint `json:"fingerprint"`
	Tables      []schema.Table     `json:"tables"`
	K           int                `json:"k"`
}

func handleFingerprint(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, auth.RolePatternReader) {
		return
	}
	var req fingerprintRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid fingerprint request body", false, map[string]any{"details": err.Error()})
		return
	}
	if len(req.Tables) == 0 {
		writeError(r.Context(), w, http.StatusBadRequest, "TABLES_REQUIRED", "at least one table is required", false, nil)
		return
	}
	fp := schema.Compute(req.Tables)
	writeJSON(w, http.StatusOK, map[string]any{
		"fingerprint": fp,
		"short":       fp.Short(),
	})
}

func handleValidate(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Assistant == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "VALIDATOR_NOT_CONFIGURED", "sql validation is not configured", false, nil)
		return
	}
	if !requireRole(w, r, auth.RolePatternReader) {
		return
	}
	var req validateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid validate request body", false, map[string]any{"details": err.Error()})
		return
	}
	// Rejections are a normal answer here, not an error.
	writeJSON(w, http.StatusOK, deps.Assistant.Validate(req.SQL))
}

func handleSearchPatterns(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Assistant == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "RETRIEVAL_NOT_CONFIGURED", "pattern retrieval is not configured", false, nil)
		return
	}
	if !requireRole(w, r, auth.RolePatternReader) {
		return
	}
	var req searchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid search request body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "QUESTION_REQUIRED", "question is required", false, nil)
		return
	}
	fp, ok := resolveFingerprint(w, r, req.Fingerprint, req.Tables)
	if !ok {
		return
	}
	if req.K < 0 || req.K > 100 {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_K", "k must be between 0 and 100", false, map[string]any{"k": req.K})
		return
	}

	matches := deps.Assistant.Retrieve(r.Context(), req.Question, fp, req.K)
	writeJSON(w, http.StatusOK, map[string]any{
		"fingerprint": fp,
		"matches":     matches,
	})
}

func handleListPatterns(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Patterns == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "STORE_NOT_CONFIGURED", "pattern store is not configured", false, nil)
		return
	}
	if !requireRole(w, r, auth.RolePatternReader) {
		return
	}
	fp, ok := resolveFingerprint(w, r, schema.Fingerprint(strings.TrimSpace(r.URL.Query().Get("fingerprint"))), nil)
	if !ok {
		return
	}
	items, err := deps.Patterns.Candidates(r.Context(), fp)
	if err != nil {
		writeServiceError(w, r, err, map[string]any{"fingerprint": fp})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"fingerprint": fp,
		"patterns":    items,
	})
}

// resolveFingerprint prefers tables over an explicit fingerprint.
func resolveFingerprint(w http.ResponseWriter, r *http.Request, fp schema.Fingerprint, tables []schema.Table) (schema.Fingerprint, bool) {
	if len(tables) > 0 {
		return schema.Compute(tables), true
	}
	if !fp.Valid() {
		writeError(r.Context(), w, http.StatusBadRequest, "FINGERPRINT_REQUIRED", "tables or a valid fingerprint are required", false, map[string]any{"fingerprint": fp})
		return "", false
	}
	return fp, true
}
