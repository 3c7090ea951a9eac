package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/invoketrace/invoketrace/internal/record"
)

// clearModelEnv blanks every environment variable the config loader reads,
// so ambient developer credentials cannot change test behavior.
func clearModelEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{
		"OPENAI_API_KEY",
		"OPENAI_BASE_URL",
		"INVOKETRACE_MODEL_UPSTREAM",
		"INVOKETRACE_MODEL",
		"INVOKETRACE_STORAGE_DRIVER",
		"INVOKETRACE_STORAGE_PATH",
		"INVOKETRACE_STORAGE_DSN",
		"INVOKETRACE_BINDER",
		"INVOKETRACE_DELAY_MS",
		"INVOKETRACE_DELAYED_FUNCTION",
		"OTEL_EXPORTER_OTLP_ENDPOINT",
		"OTEL_SDK_DISABLED",
	} {
		t.Setenv(key, "")
	}
}

// newReproUpstream fakes the chat completion endpoint, echoing the user
// prompt as the assistant message. hold, when non-nil, runs before each
// response so tests can keep all calls in flight at once.
func newReproUpstream(t *testing.T, hold func()) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read upstream request body: %v", err)
			return
		}
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("decode upstream request body: %v", err)
			return
		}

		if hold != nil {
			hold()
		}

		prompt := ""
		if len(req.Messages) > 0 {
			prompt = req.Messages[len(req.Messages)-1].Content
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{
			"id":"chatcmpl-test",
			"object":"chat.completion",
			"created":1700000000,
			"model":%q,
			"choices":[{"index":0,"message":{"role":"assistant","content":%q},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":5,"completion_tokens":4,"total_tokens":9}
		}`, req.Model, "echo: "+prompt)
	}))
}

func reproConfig(t *testing.T, upstreamURL, extra string) string {
	t.Helper()

	return writeConfigFile(t, fmt.Sprintf(`
model:
  upstream: %q
  api_key: "sk-test-key"
storage:
  driver: "none"
%s`, upstreamURL+"/v1", extra))
}

func TestRunReproRejectsInvalidConfig(t *testing.T) {
	clearModelEnv(t)

	configPath := writeConfigFile(t, `
repro:
  binder: "thread-local"
`)

	var out, errOut bytes.Buffer
	code := runRepro([]string{"--config", configPath}, &out, &errOut)
	if code != 1 {
		t.Fatalf("repro exit=%d, want 1", code)
	}
	if !strings.Contains(errOut.String(), "config is invalid") {
		t.Fatalf("stderr=%q, want config validation failure", errOut.String())
	}
}

func TestRunReproRequiresAPIKey(t *testing.T) {
	clearModelEnv(t)

	configPath := writeConfigFile(t, `
storage:
  driver: "none"
`)

	var out, errOut bytes.Buffer
	code := runRepro([]string{"--config", configPath}, &out, &errOut)
	if code != 1 {
		t.Fatalf("repro exit=%d, want 1", code)
	}
	if !strings.Contains(errOut.String(), "api key is required") {
		t.Fatalf("stderr=%q, want api key requirement", errOut.String())
	}
}

func TestRunReproContextBinderKeepsIsolation(t *testing.T) {
	clearModelEnv(t)

	arrived := make(chan struct{}, len(reproInvocations))
	release := make(chan struct{})
	upstream := newReproUpstream(t, func() {
		arrived <- struct{}{}
		<-release
	})
	defer upstream.Close()

	go func() {
		for i := 0; i < len(reproInvocations); i++ {
			select {
			case <-arrived:
			case <-time.After(10 * time.Second):
				return
			}
		}
		close(release)
	}()

	configPath := reproConfig(t, upstream.URL, "")

	var out, errOut bytes.Buffer
	code := runRepro([]string{"--config", configPath, "--binder", "context"}, &out, &errOut)
	if code != 0 {
		t.Fatalf("repro exit=%d, want 0\nstdout: %s\nstderr: %s", code, out.String(), errOut.String())
	}
	if !strings.Contains(out.String(), "kept their own trace identity") {
		t.Fatalf("stdout=%q, want isolation confirmation", out.String())
	}
	for _, spec := range reproInvocations {
		if !strings.Contains(out.String(), spec.FunctionID) {
			t.Fatalf("stdout missing %s row: %s", spec.FunctionID, out.String())
		}
	}
}

func TestRunReproDelayedInvocationKeepsIdentityThroughBothBindingPaths(t *testing.T) {
	clearModelEnv(t)

	// With a delay configured, the delayed invocation is begun and ended by
	// the harness while its peers carry their identity in the request
	// telemetry config. Both paths must resolve to their own records.
	arrived := make(chan struct{}, len(reproInvocations))
	release := make(chan struct{})
	upstream := newReproUpstream(t, func() {
		arrived <- struct{}{}
		<-release
	})
	defer upstream.Close()

	go func() {
		for i := 0; i < len(reproInvocations); i++ {
			select {
			case <-arrived:
			case <-time.After(10 * time.Second):
				return
			}
		}
		close(release)
	}()

	configPath := reproConfig(t, upstream.URL, "")

	var out, errOut bytes.Buffer
	code := runRepro([]string{
		"--config", configPath,
		"--binder", "context",
		"--delay", "30ms",
		"--delayed-function", "color-generation",
	}, &out, &errOut)
	if code != 0 {
		t.Fatalf("repro exit=%d, want 0\nstdout: %s\nstderr: %s", code, out.String(), errOut.String())
	}
	if !strings.Contains(out.String(), "kept their own trace identity") {
		t.Fatalf("stdout=%q, want isolation confirmation", out.String())
	}
	for _, spec := range reproInvocations {
		if !strings.Contains(out.String(), spec.FunctionID) {
			t.Fatalf("stdout missing %s row: %s", spec.FunctionID, out.String())
		}
	}
}

func TestRunReproSharedSlotBinderDetectsContamination(t *testing.T) {
	clearModelEnv(t)

	// Hold every model call until all three invocations have begun, so the
	// shared slot is overwritten before any invocation ends.
	arrived := make(chan struct{}, len(reproInvocations))
	release := make(chan struct{})
	upstream := newReproUpstream(t, func() {
		arrived <- struct{}{}
		<-release
	})
	defer upstream.Close()

	go func() {
		for i := 0; i < len(reproInvocations); i++ {
			select {
			case <-arrived:
			case <-time.After(10 * time.Second):
				return
			}
		}
		close(release)
	}()

	configPath := reproConfig(t, upstream.URL, "")

	var out, errOut bytes.Buffer
	code := runRepro([]string{"--config", configPath, "--binder", "shared-slot"}, &out, &errOut)
	if code != 1 {
		t.Fatalf("repro exit=%d, want 1\nstdout: %s\nstderr: %s", code, out.String(), errOut.String())
	}
	if !strings.Contains(out.String(), "trace contamination detected") {
		t.Fatalf("stdout=%q, want contamination summary", out.String())
	}
	if !strings.Contains(out.String(), "contaminated: traced as") {
		t.Fatalf("stdout=%q, want per-invocation contamination rows", out.String())
	}
}

func TestRunReproPersistsRecordsWithSQLite(t *testing.T) {
	clearModelEnv(t)

	upstream := newReproUpstream(t, nil)
	defer upstream.Close()

	dbPath := filepath.Join(t.TempDir(), "invoketrace.db")
	configPath := writeConfigFile(t, fmt.Sprintf(`
model:
  upstream: %q
  api_key: "sk-test-key"
storage:
  driver: "sqlite"
  path: %q
`, upstream.URL+"/v1", dbPath))

	var out, errOut bytes.Buffer
	code := runRepro([]string{"--config", configPath}, &out, &errOut)
	if code != 0 {
		t.Fatalf("repro exit=%d, want 0\nstdout: %s\nstderr: %s", code, out.String(), errOut.String())
	}

	store, err := record.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("open record store: %v", err)
	}
	defer store.Close()

	result, err := store.QueryRecords(context.Background(), record.RecordFilter{})
	if err != nil {
		t.Fatalf("query records: %v", err)
	}
	if len(result.Items) != len(reproInvocations) {
		t.Fatalf("persisted records=%d, want %d", len(result.Items), len(reproInvocations))
	}

	functions := map[string]bool{}
	for _, item := range result.Items {
		functions[item.FunctionID] = true
		if item.InvocationID == "" {
			t.Fatalf("record %s has empty invocation id", item.ID)
		}
	}
	for _, spec := range reproInvocations {
		if !functions[spec.FunctionID] {
			t.Fatalf("no persisted record for %s", spec.FunctionID)
		}
	}
}
