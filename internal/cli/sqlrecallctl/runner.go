package sqlrecallctl

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

type Options struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdin      io.Reader
	Stdout     io.Writer
	Stderr     io.Writer
}

type command struct {
	method string
	path   string
	// body builds the request payload from the positional arguments and
	// the -data flag. nil means the request has no body.
	body func(args []string, data []byte) ([]byte, error)
	help string
}

var commands = map[string]command{
	"health": {method: http.MethodGet, path: "/v1/health", help: "GET /v1/health"},
	"ready":  {method: http.MethodGet, path: "/v1/ready", help: "GET /v1/ready"},
	"validate": {method: http.MethodPost, path: "/v1/validate", help: "POST /v1/validate <sql>", body: func(args []string, data []byte) ([]byte, error) {
		if len(data) > 0 {
			return data, nil
		}
		if len(args) == 0 {
			return nil, fmt.Errorf("validate requires a SQL argument or -data")
		}
		return json.Marshal(map[string]string{"sql": strings.Join(args, " ")})
	}},
	"fingerprint": {method: http.MethodPost, path: "/v1/fingerprint", help: "POST /v1/fingerprint -data {\"tables\":[...]}", body: requireData},
	"search":      {method: http.MethodPost, path: "/v1/patterns/search", help: "POST /v1/patterns/search -data {...}", body: requireData},
	"ask":         {method: http.MethodPost, path: "/v1/ask", help: "POST /v1/ask -data {...}", body: requireData},
	"feedback":    {method: http.MethodPost, path: "/v1/feedback", help: "POST /v1/feedback -data {...}", body: requireData},
	"patterns":    {method: http.MethodGet, path: "/v1/patterns", help: "GET /v1/patterns?fingerprint=<fingerprint>"},
	"prune-run":   {method: http.MethodPost, path: "/v1/patterns/prune", help: "POST /v1/patterns/prune [fingerprint]", body: maintenanceBody},
	"export-run":  {method: http.MethodPost, path: "/v1/patterns/export", help: "POST /v1/patterns/export [fingerprint]", body: maintenanceBody},
}

var commandOrder = []string{"health", "ready", "validate", "fingerprint", "search", "ask", "feedback", "patterns", "prune-run", "export-run"}

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	fs := flag.NewFlagSet("sqlrecallctl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	baseURL := fs.String("base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "sqlrecall API base URL")
	apiKey := fs.String("api-key", defaults.APIKey, "API key for authenticated requests")
	timeout := fs.Duration("timeout", durationOr(defaults.Timeout, 30*time.Second), "HTTP timeout (e.g. 10s)")
	data := fs.String("data", "", "JSON request body, @file to read a file, or - for stdin")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		writeUsage(stderr)
		return 2
	}

	name := strings.TrimSpace(fs.Arg(0))
	cmd, ok := commands[name]
	if !ok {
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n", name)
		writeUsage(stderr)
		return 2
	}
	rest := fs.Args()[1:]

	payload, err := readData(*data, defaults.Stdin)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "read -data: %v\n", err)
		return 2
	}
	var body []byte
	if cmd.body != nil {
		body, err = cmd.body(rest, payload)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "%s: %v\n", name, err)
			return 2
		}
	}

	endpoint := strings.TrimRight(*baseURL, "/") + cmd.path
	if name == "patterns" {
		if len(rest) != 1 {
			_, _ = fmt.Fprintln(stderr, "patterns requires exactly one fingerprint argument")
			return 2
		}
		endpoint += "?" + url.Values{"fingerprint": {strings.TrimSpace(rest[0])}}.Encode()
	}

	client := defaults.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: *timeout}
	}
	code, responseBody, err := doRequest(ctx, client, cmd.method, endpoint, *apiKey, body)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "request failed: %v\n", err)
		return 1
	}

	if code >= 400 {
		_, _ = fmt.Fprintf(stderr, "http %d: %s\n", code, strings.TrimSpace(string(responseBody)))
		return 1
	}

	if pretty, ok := prettyJSON(responseBody); ok {
		_, _ = fmt.Fprintln(stdout, pretty)
	} else if len(responseBody) > 0 {
		_, _ = fmt.Fprintln(stdout, string(responseBody))
	}
	if name == "validate" && !accepted(responseBody) {
		return 1
	}
	return 0
}

func requireData(_ []string, data []byte) ([]byte, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("-data is required")
	}
	return data, nil
}

func maintenanceBody(args []string, data []byte) ([]byte, error) {
	if len(data) > 0 {
		return data, nil
	}
	if len(args) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]string{"fingerprint": strings.TrimSpace(args[0])})
}

func readData(raw string, stdin io.Reader) ([]byte, error) {
	switch {
	case raw == "":
		return nil, nil
	case raw == "-":
		if stdin == nil {
			return nil, fmt.Errorf("stdin is not available")
		}
		return io.ReadAll(stdin)
	case strings.HasPrefix(raw, "@"):
		return os.ReadFile(strings.TrimPrefix(raw, "@"))
	default:
		return []byte(raw), nil
	}
}

func doRequest(ctx context.Context, client *http.Client, method, url, apiKey string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(apiKey) != "" {
		req.Header.Set("X-API-Key", strings.TrimSpace(apiKey))
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, responseBody, nil
}

func accepted(raw []byte) bool {
	var verdict struct {
		Accepted bool `json:"accepted"`
	}
	if err := json.Unmarshal(raw, &verdict); err != nil {
		return false
	}
	return verdict.Accepted
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: sqlrecallctl [flags] <command> [args]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	for _, name := range commandOrder {
		_, _ = fmt.Fprintf(w, "  %-12s %s\n", name, commands[name].help)
	}
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
