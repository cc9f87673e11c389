package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/tunedesk/internal/registry"
)

// fakeRegistry is an in-memory service registry.
type fakeRegistry struct {
	mu       sync.Mutex
	services []registry.Service
	calls    atomic.Int32
	nextID   int
}

func (f *fakeRegistry) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/services":
		_ = json.NewEncoder(w).Encode(f.services)
	case r.Method == http.MethodPost && r.URL.Path == "/services":
		var req registry.CreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.nextID++
		svc := registry.Service{ID: "svc-" + string(rune('0'+f.nextID)), Name: req.Name, URL: req.URL, Metadata: req.Metadata}
		f.services = append(f.services, svc)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(svc)
	case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/services/"):
		id := strings.TrimPrefix(r.URL.Path, "/services/")
		for i, s := range f.services {
			if s.ID == id {
				f.services = append(f.services[:i], f.services[i+1:]...)
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"Service not found"}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

// TestFullWorkflow drives the CLI in-process against fake upstreams.
func TestFullWorkflow(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("TUNEDESK_REGISTRY_URL", "")
	t.Setenv("MAINTENANCE_SERVER", "")

	workers := http.NewServeMux()
	workers.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	workers.HandleFunc("/fail", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	workerSrv := httptest.NewServer(workers)
	defer workerSrv.Close()

	reg := &fakeRegistry{}
	regSrv := httptest.NewServer(reg)
	defer regSrv.Close()

	t.Run("Version", func(t *testing.T) {
		out, err := execute(t, "version")
		require.NoError(t, err)
		assert.Contains(t, out, "tunedesk "+version)
	})

	t.Run("Init", func(t *testing.T) {
		cfgPath := filepath.Join(t.TempDir(), "config.yaml")
		out, err := execute(t, "init", "--config", cfgPath)
		require.NoError(t, err)
		assert.Contains(t, out, "created default config")
		content, err := os.ReadFile(cfgPath)
		require.NoError(t, err)
		assert.Contains(t, string(content), "timeout_ms: 15000")

		out, err = execute(t, "init", "--config", cfgPath)
		require.NoError(t, err)
		assert.Contains(t, out, "already exists")
	})

	t.Run("Check_NothingToTest", func(t *testing.T) {
		out, err := execute(t, "check", "--registry", regSrv.URL, "--pace", "0s")
		require.NoError(t, err)
		assert.Contains(t, out, "No services to test")
	})

	t.Run("Services", func(t *testing.T) {
		_, err := execute(t, "services", "add", "--registry", regSrv.URL, "--name", "worker-up", "--url", workerSrv.URL+"/ok", "--meta", "region=eu")
		require.NoError(t, err)
		_, err = execute(t, "services", "add", "--registry", regSrv.URL, "--name", "worker-down", "--url", workerSrv.URL+"/fail")
		require.NoError(t, err)

		out, err := execute(t, "services", "ls", "--registry", regSrv.URL)
		require.NoError(t, err)
		assert.Contains(t, out, "worker-up")
		assert.Contains(t, out, "worker-down")
		assert.Contains(t, out, `{"region":"eu"}`)
	})

	t.Run("Services_RejectedLocally", func(t *testing.T) {
		before := reg.calls.Load()
		_, err := execute(t, "services", "add", "--registry", regSrv.URL, "--name", "bad", "--url", "not a url")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Please enter a valid URL")

		_, err = execute(t, "services", "add", "--registry", regSrv.URL, "--name", "dup", "--url", workerSrv.URL, "--meta", "a=1", "--meta", "a=2")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Duplicate keys are not allowed")
		assert.Equal(t, before, reg.calls.Load())
	})

	t.Run("Check", func(t *testing.T) {
		out, err := execute(t, "check", "--registry", regSrv.URL, "--pace", "0s")
		require.NoError(t, err)
		assert.Contains(t, out, "[1/2] worker-up: testing")
		assert.Contains(t, out, "[1/2] worker-up: up")
		assert.Contains(t, out, "[2/2] worker-down: down")
		assert.Contains(t, out, "HTTP 500")
		assert.True(t, strings.HasSuffix(strings.TrimSpace(out), "1 up, 1 down"))
	})

	t.Run("Checks_History", func(t *testing.T) {
		out, err := execute(t, "checks", "history")
		require.NoError(t, err)
		lines := strings.Split(strings.TrimSpace(out), "\n")
		require.Len(t, lines, 2)
		runID := strings.Fields(lines[1])[0]

		out, err = execute(t, "checks", "show", runID)
		require.NoError(t, err)
		assert.Contains(t, out, "worker-up")
		assert.Contains(t, out, "HTTP 500")

		_, err = execute(t, "checks", "show", "missing")
		assert.Error(t, err)
	})

	t.Run("Services_Remove", func(t *testing.T) {
		out, err := execute(t, "services", "rm", "--registry", regSrv.URL, "svc-1")
		require.NoError(t, err)
		assert.Contains(t, out, "deleted svc-1")

		_, err = execute(t, "services", "rm", "--registry", regSrv.URL, "svc-9")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Service not found")
	})

	t.Run("Albums", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "albums.json")
		require.NoError(t, os.WriteFile(file, []byte(`[
			{"id":"a1","name":"Blue","image":"","label":null,"release":null},
			{"id":"a2","name":"Amber","image":"","label":"Warp","release":"2026-01-10T00:00:00Z"}
		]`), 0o600))

		out, err := execute(t, "albums", "import", file)
		require.NoError(t, err)
		assert.Contains(t, out, "imported 2 albums")

		out, err = execute(t, "albums", "ls")
		require.NoError(t, err)
		assert.Less(t, strings.Index(out, "Amber"), strings.Index(out, "Blue"))

		out, err = execute(t, "albums", "ls", "--without-label")
		require.NoError(t, err)
		assert.Contains(t, out, "Blue")
		assert.NotContains(t, out, "Amber")

		out, err = execute(t, "albums", "release-date", "a1", "2026-02-01")
		require.NoError(t, err)
		assert.Contains(t, out, "Release date updated successfully")

		out, err = execute(t, "albums", "ls", "--pending-release")
		require.NoError(t, err)
		assert.Contains(t, out, "2026-02-01")

		_, err = execute(t, "albums", "release-date", "a1", "soon")
		assert.Error(t, err)
	})

	t.Run("NoRegistry", func(t *testing.T) {
		_, err := execute(t, "services", "ls")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "registry URL not configured")
	})
}
