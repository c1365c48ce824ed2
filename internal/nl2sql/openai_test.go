package nl2sql

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sqlrecall/sqlrecall/internal/schema"
)

func TestStripMarkdownSQL(t *testing.T) {
	got := stripMarkdownSQL("```sql\nSELECT 1;\n```")
	if got != "SELECT 1;" {
		t.Fatalf("stripMarkdownSQL() = %q", got)
	}
}

func TestParsePlan(t *testing.T) {
	sql, explanation := parsePlan("```json\n{\"sql\": \"SELECT 1\", \"explanation\": \"constant\"}\n```")
	if sql != "SELECT 1" || explanation != "constant" {
		t.Fatalf("parsePlan(json) = %q, %q", sql, explanation)
	}
	sql, explanation = parsePlan("SELECT region FROM sales")
	if sql != "SELECT region FROM sales" || explanation != "" {
		t.Fatalf("parsePlan(bare) = %q, %q", sql, explanation)
	}
}

func TestCompactExamples(t *testing.T) {
	in := []Example{
		{Question: "a", SQL: "SELECT 1"},
		{Question: "", SQL: "SELECT 2"},
		{Question: "c", SQL: "SELECT 3"},
		{Question: "d", SQL: "SELECT 4"},
	}
	got := CompactExamples(in, 2)
	if len(got) != 2 || got[0].Question != "a" || got[1].Question != "c" {
		t.Fatalf("CompactExamples() = %+v", got)
	}
}

func TestTranslateSendsExamplesAndCatalog(t *testing.T) {
	var captured struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message": map[string]string{
					"content": `{"sql": "SELECT region, SUM(amount) FROM sales GROUP BY region", "explanation": "sum per region"}`,
				},
			}},
		})
	}))
	defer server.Close()

	translator, err := NewOpenAITranslator(OpenAIConfig{BaseURL: server.URL + "/", APIKey: "secret", Model: "test-model"})
	if err != nil {
		t.Fatalf("NewOpenAITranslator() error = %v", err)
	}

	result, err := translator.Translate(context.Background(), Request{
		Question: "total sales by region",
		Tables: []TableContext{{Name: "sales", Columns: []schema.Column{
			{Name: "region", Type: "VARCHAR"},
			{Name: "amount", Type: "DOUBLE"},
		}}},
		Examples: []Example{{Question: "sales by region", SQL: "SELECT region, COUNT(*) FROM sales GROUP BY region"}},
	})
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if result.SQL != "SELECT region, SUM(amount) FROM sales GROUP BY region" || result.Explanation != "sum per region" {
		t.Fatalf("Translate() = %+v", result)
	}
	if captured.Model != "test-model" || len(captured.Messages) != 4 {
		t.Fatalf("captured request = %+v", captured)
	}
	if !strings.Contains(captured.Messages[1].Content, "sales by region") {
		t.Fatalf("examples message = %q", captured.Messages[1].Content)
	}
	if !strings.Contains(captured.Messages[2].Content, `"amount"`) {
		t.Fatalf("catalog message = %q", captured.Messages[2].Content)
	}
}

func TestTranslateReportsUpstreamFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer server.Close()

	translator, err := NewOpenAITranslator(OpenAIConfig{BaseURL: server.URL, APIKey: "secret"})
	if err != nil {
		t.Fatalf("NewOpenAITranslator() error = %v", err)
	}
	if _, err := translator.Translate(context.Background(), Request{Question: "q"}); err == nil {
		t.Fatal("expected error for 429 response")
	}
}
