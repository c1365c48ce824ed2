package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/sqlrecall/sqlrecall/internal/assist"
	"github.com/sqlrecall/sqlrecall/internal/auth"
	"github.com/sqlrecall/sqlrecall/internal/feedback"
	"github.com/sqlrecall/sqlrecall/internal/patterns"
	"github.com/sqlrecall/sqlrecall/internal/query"
	"github.com/sqlrecall/sqlrecall/internal/sqlguard"
)

func decodeJSON(r *http.Request, dst any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return err
	}
	if decoder.More() {
		return fmt.Errorf("request body must contain a single JSON object")
	}
	return nil
}

func requireRole(w http.ResponseWriter, r *http.Request, role string) bool {
	if err := auth.Require(r.Context(), role); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return false
	}
	return true
}

// writeServiceError maps domain errors onto the HTTP error envelope.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error, extra map[string]any) {
	ctx := r.Context()
	if extra == nil {
		extra = map[string]any{}
	}
	extra["details"] = err.Error()

	var rejection *sqlguard.RejectionError
	switch {
	case errors.As(err, &rejection):
		extra["code"] = rejection.Code
		if rejection.Keyword != "" {
			extra["keyword"] = rejection.Keyword
		}
		writeError(ctx, w, http.StatusUnprocessableEntity, "SQL_REJECTED", rejection.Reason, false, extra)
	case errors.Is(err, feedback.ErrInvalidSQL), errors.Is(err, sqlguard.ErrRejected), errors.Is(err, query.ErrNotReadOnly):
		writeError(ctx, w, http.StatusUnprocessableEntity, "SQL_REJECTED", "sql was rejected by the validator", false, extra)
	case errors.Is(err, assist.ErrInvalidRequest),
		errors.Is(err, feedback.ErrUnknownVerdict),
		errors.Is(err, feedback.ErrMissingSQL),
		errors.Is(err, patterns.ErrInvalidPattern):
		writeError(ctx, w, http.StatusBadRequest, "INVALID_REQUEST", "request is invalid", false, extra)
	case errors.Is(err, patterns.ErrNotFound):
		writeError(ctx, w, http.StatusNotFound, "PATTERN_NOT_FOUND", "pattern was not found", false, extra)
	case errors.Is(err, patterns.ErrStoreUnavailable):
		writeError(ctx, w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "pattern store is unavailable", true, extra)
	case errors.Is(err, assist.ErrNoSQL):
		writeError(ctx, w, http.StatusNotImplemented, "TRANSLATE_NOT_CONFIGURED", "no learned pattern matches and query translation is not configured", false, extra)
	case errors.Is(err, assist.ErrNoEngine):
		writeError(ctx, w, http.StatusNotImplemented, "QUERY_NOT_CONFIGURED", "query execution is not configured", false, extra)
	case errors.Is(err, assist.ErrTranslation):
		writeError(ctx, w, http.StatusBadGateway, "TRANSLATION_FAILED", "query translation failed", true, extra)
	case errors.Is(err, assist.ErrExecution):
		writeError(ctx, w, http.StatusBadRequest, "QUERY_EXECUTION_FAILED", "query execution failed", false, extra)
	default:
		writeError(ctx, w, http.StatusInternalServerError, "INTERNAL", "request failed", true, extra)
	}
}
