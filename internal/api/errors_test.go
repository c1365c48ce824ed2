package api

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sqlrecall/sqlrecall/internal/assist"
	"github.com/sqlrecall/sqlrecall/internal/query"
)

func TestWriteServiceErrorMapsEngineParserRefusal(t *testing.T) {
	rr := httptest.NewRecorder()
	err := fmt.Errorf("%w: %w", assist.ErrExecution, fmt.Errorf("%w: parser found 2 statements", query.ErrNotReadOnly))
	writeServiceError(rr, httptest.NewRequest(http.MethodPost, "/v1/ask", nil), err, nil)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	assertErrorCode(t, rr, "SQL_REJECTED")
}
