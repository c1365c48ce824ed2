package api

import (
	"errors"
	"net/http"

	"github.com/sqlrecall/sqlrecall/internal/assist"
	"github.com/sqlrecall/sqlrecall/internal/auth"
	"github.com/sqlrecall/sqlrecall/internal/feedback"
	"github.com/sqlrecall/sqlrecall/internal/query"
	"github.com/sqlrecall/sqlrecall/internal/schema"
	"github.com/sqlrecall/sqlrecall/internal/sqlguard"
)

type feedbackRequest struct {
	Question      string             `json:"question"`
	Fingerprint   schema.Fingerprint `json:"fingerprint"`
	Tables        []schema.Table     `json:"tables"`
	GeneratedSQL  string             `json:"generated_sql"`
	Verdict       string             `json:"verdict"`
	SeedPatternID string             `json:"seed_pattern_id"`
	CorrectedSQL  string             `json:"corrected_sql"`
}

type askRequest struct {
	Question string            `json:"question"`
	Tables   []schema.Table    `json:"tables"`
	Files    []query.TableFile `json:"files"`
	Execute  bool              `json:"execute"`
}

func handleFeedback(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Assistant == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "FEEDBACK_NOT_CONFIGURED", "feedback processing is not configured", false, nil)
		return
	}
	if !requireRole(w, r, auth.RoleFeedbackWriter) {
		return
	}
	var req feedbackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid feedback request body", false, map[string]any{"details": err.Error()})
		return
	}
	verdict, err := feedback.ParseVerdict(req.Verdict)
	if err != nil {
		writeServiceError(w, r, err, nil)
		return
	}

	result, err := deps.Assistant.Feedback(r.Context(), assist.FeedbackRequest{
		Question:     req.Question,
		Fingerprint:  req.Fingerprint,
		Tables:       req.Tables,
		GeneratedSQL: req.GeneratedSQL,
		Event: feedback.Event{
			Verdict:       verdict,
			SeedPatternID: req.SeedPatternID,
			CorrectedSQL:  req.CorrectedSQL,
		},
	})
	if err != nil {
		writeServiceError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "recorded",
		"result": result,
	})
}

func handleAsk(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Assistant == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "ASSIST_NOT_CONFIGURED", "question answering is not configured", false, nil)
		return
	}
	if !requireRole(w, r, auth.RolePatternReader) {
		return
	}
	var req askRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid ask request body", false, map[string]any{"details": err.Error()})
		return
	}

	result, err := deps.Assistant.Ask(r.Context(), assist.AskRequest{
		Question: req.Question,
		Tables:   req.Tables,
		Files:    req.Files,
		Execute:  req.Execute,
	})
	if err != nil {
		extra := map[string]any{}
		if result.Fingerprint != "" {
			extra["fingerprint"] = result.Fingerprint
		}
		if errors.Is(err, sqlguard.ErrRejected) {
			extra["sql"] = result.SQL
			extra["source"] = result.Source
		}
		writeServiceError(w, r, err, extra)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
