package sqlrecallctl

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type captured struct {
	method string
	path   string
	query  string
	apiKey string
	body   string
}

func newServer(t *testing.T, status int, response string) (*httptest.Server, *captured) {
	t.Helper()
	got := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.method = r.Method
		got.path = r.URL.Path
		got.query = r.URL.RawQuery
		got.apiKey = r.Header.Get("X-API-Key")
		payload, _ := io.ReadAll(r.Body)
		got.body = string(payload)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func TestRunValidateCommand(t *testing.T) {
	srv, got := newServer(t, http.StatusOK, `{"accepted":true,"normalized_sql":"SELECT 1 LIMIT 1000"}`)

	var stdout, stderr bytes.Buffer
	code := Run(context.Background(), []string{
		"-base-url", srv.URL,
		"-api-key", "k1",
		"validate", "SELECT", "1",
	}, Options{Stdout: &stdout, Stderr: &stderr, Timeout: 2 * time.Second})
	if code != 0 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}
	if got.method != http.MethodPost || got.path != "/v1/validate" || got.apiKey != "k1" {
		t.Fatalf("request = %+v", got)
	}
	var body map[string]string
	if err := json.Unmarshal([]byte(got.body), &body); err != nil {
		t.Fatalf("request body = %q: %v", got.body, err)
	}
	if body["sql"] != "SELECT 1" {
		t.Fatalf("sql = %q", body["sql"])
	}
	if !strings.Contains(stdout.String(), "normalized_sql") {
		t.Fatalf("stdout = %s", stdout.String())
	}
}

func TestRunValidateExitsNonZeroOnRejection(t *testing.T) {
	srv, _ := newServer(t, http.StatusOK, `{"accepted":false,"code":"forbidden_keyword"}`)
	code := Run(context.Background(), []string{"-base-url", srv.URL, "validate", "DROP TABLE t"}, Options{})
	if code != 1 {
		t.Fatalf("exit code = %d", code)
	}
}

func TestRunPatternsCommandEncodesFingerprint(t *testing.T) {
	srv, got := newServer(t, http.StatusOK, `{"patterns":[]}`)
	fp := strings.Repeat("ab", 32)
	code := Run(context.Background(), []string{"-base-url", srv.URL, "patterns", fp}, Options{})
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if got.method != http.MethodGet || got.path != "/v1/patterns" || got.query != "fingerprint="+fp {
		t.Fatalf("request = %+v", got)
	}
}

func TestRunPruneCommand(t *testing.T) {
	srv, got := newServer(t, http.StatusOK, `{"status":"completed"}`)
	code := Run(context.Background(), []string{"-base-url", srv.URL, "prune-run"}, Options{})
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if got.method != http.MethodPost || got.path != "/v1/patterns/prune" || got.body != "{}" {
		t.Fatalf("request = %+v", got)
	}
}

func TestRunExportCommandWithFingerprint(t *testing.T) {
	srv, got := newServer(t, http.StatusOK, `{"status":"completed"}`)
	fp := strings.Repeat("cd", 32)
	code := Run(context.Background(), []string{"-base-url", srv.URL, "export-run", fp}, Options{})
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if got.path != "/v1/patterns/export" || !strings.Contains(got.body, fp) {
		t.Fatalf("request = %+v", got)
	}
}

func TestRunAskReadsDataFromFileAndStdin(t *testing.T) {
	srv, got := newServer(t, http.StatusOK, `{"sql":"SELECT 1"}`)
	payload := `{"question":"how many users","tables":[{"name":"users","columns":[{"name":"id","type":"BIGINT"}]}]}`

	path := filepath.Join(t.TempDir(), "ask.json")
	if err := os.WriteFile(path, []byte(payload), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if code := Run(context.Background(), []string{"-base-url", srv.URL, "-data", "@" + path, "ask"}, Options{}); code != 0 {
		t.Fatalf("file exit code = %d", code)
	}
	if got.path != "/v1/ask" || got.body != payload {
		t.Fatalf("request = %+v", got)
	}

	if code := Run(context.Background(), []string{"-base-url", srv.URL, "-data", "-", "feedback"}, Options{Stdin: strings.NewReader(payload)}); code != 0 {
		t.Fatalf("stdin exit code = %d", code)
	}
	if got.path != "/v1/feedback" || got.body != payload {
		t.Fatalf("request = %+v", got)
	}
}

func TestRunAskRequiresData(t *testing.T) {
	var stderr bytes.Buffer
	code := Run(context.Background(), []string{"ask"}, Options{Stderr: &stderr})
	if code != 2 {
		t.Fatalf("exit code = %d", code)
	}
	if !strings.Contains(stderr.String(), "-data is required") {
		t.Fatalf("stderr = %s", stderr.String())
	}
}

func TestRunReturnsErrorOnHTTPFailure(t *testing.T) {
	srv, _ := newServer(t, http.StatusForbidden, `{"error_code":"FORBIDDEN"}`)

	var stderr bytes.Buffer
	code := Run(context.Background(), []string{"-base-url", srv.URL, "prune-run"}, Options{Stderr: &stderr})
	if code != 1 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}
	if !strings.Contains(stderr.String(), "http 403") {
		t.Fatalf("stderr = %s", stderr.String())
	}
}

func TestRunUnknownCommand(t *testing.T) {
	var stderr bytes.Buffer
	code := Run(context.Background(), []string{"unknown"}, Options{Stderr: &stderr})
	if code != 2 {
		t.Fatalf("exit code = %d", code)
	}
	if !strings.Contains(stderr.String(), "export-run") {
		t.Fatalf("usage output = %s", stderr.String())
	}
}
