package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aphelion-data/transient.watch/internal/scan"
	"github.com/aphelion-data/transient.watch/internal/scandb"
)

// TestHealthHandler tests the /health endpoint
func TestHealthHandler(t *testing.T) {
	server, _ := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	server.handleHealth(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("Expected status ok, got %q", resp["status"])
	}
	if resp["service"] != "scan" {
		t.Errorf("Expected service scan, got %q", resp["service"])
	}
}

// TestStartScanHandler tests the /api/scan endpoint
func TestStartScanHandler(t *testing.T) {
	server, _ := setupTestServer(t)

	t.Run("POST_empty_directory", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/scan", nil)
		w := httptest.NewRecorder()

		server.startScan(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
		}
		var state scan.RunState
		if err := json.NewDecoder(w.Body).Decode(&state); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
		if state.RunID == "" {
			t.Error("Expected a run ID in the scan state")
		}
		if state.Total != 0 {
			t.Errorf("Expected 0 triplets in an empty directory, got %d", state.Total)
		}

		server.runner.Wait()
		if got := server.runner.State().Status; got != scan.RunStatusComplete {
			t.Errorf("Expected run status complete, got %q", got)
		}
	})

	t.Run("POST_with_explicit_directory", func(t *testing.T) {
		dir := t.TempDir()
		writeTriplet(t, dir, "m31_001")

		body, _ := json.Marshal(map[string]string{"dir": dir})
		req := httptest.NewRequest(http.MethodPost, "/api/scan", bytes.NewReader(body))
		w := httptest.NewRecorder()

		server.startScan(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
		}
		var state scan.RunState
		if err := json.NewDecoder(w.Body).Decode(&state); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
		if state.Total != 1 {
			t.Errorf("Expected 1 triplet, got %d", state.Total)
		}

		// The test extractor rejects every triplet, so the run completes
		// with the image counted unreadable rather than scored.
		server.runner.Wait()
		final := server.runner.State()
		if final.Status != scan.RunStatusComplete {
			t.Errorf("Expected run status complete, got %q", final.Status)
		}
		if final.Failed != 1 {
			t.Errorf("Expected 1 unreadable image, got %d", final.Failed)
		}
	})

	t.Run("POST_missing_directory", func(t *testing.T) {
		body := strings.NewReader(`{"dir": "/does/not/exist"}`)
		req := httptest.NewRequest(http.MethodPost, "/api/scan", body)
		w := httptest.NewRecorder()

		server.startScan(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected status 400, got %d", w.Code)
		}
		if !strings.Contains(w.Body.String(), "Failed to read image directory") {
			t.Errorf("Expected directory error, got: %s", w.Body.String())
		}
	})

	t.Run("POST_relative_traversal_rejected", func(t *testing.T) {
		body := strings.NewReader(`{"dir": "../outside"}`)
		req := httptest.NewRequest(http.MethodPost, "/api/scan", body)
		w := httptest.NewRecorder()

		server.startScan(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected status 400, got %d", w.Code)
		}
		if !strings.Contains(w.Body.String(), "Invalid scan directory") {
			t.Errorf("Expected traversal error, got: %s", w.Body.String())
		}
	})

	t.Run("POST_malformed_body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/scan", strings.NewReader("{nope"))
		w := httptest.NewRecorder()

		server.startScan(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected status 400, got %d", w.Code)
		}
	})

	t.Run("GET_method_not_allowed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/scan", nil)
		w := httptest.NewRecorder()

		server.startScan(w, req)

		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("Expected status 405, got %d", w.Code)
		}
	})
}

// TestStartScanConflict tests that a second start while a run is in
// flight is refused.
func TestStartScanConflict(t *testing.T) {
	server, gate := setupGatedServer(t, 1)

	req := httptest.NewRequest(http.MethodPost, "/api/scan", nil)
	w := httptest.NewRecorder()
	server.startScan(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/api/scan", nil)
	w = httptest.NewRecorder()
	server.startScan(w, req)
	if w.Code != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "already in progress") {
		t.Errorf("Expected already-running error, got: %s", w.Body.String())
	}

	close(gate)
	server.runner.Wait()
}

// TestStopScanHandler tests the /api/scan/stop endpoint
func TestStopScanHandler(t *testing.T) {
	// More triplets than workers, so the submit loop is still feeding
	// the pool when the stop lands.
	server, gate := setupGatedServer(t, 6)

	t.Run("GET_method_not_allowed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/scan/stop", nil)
		w := httptest.NewRecorder()

		server.stopScan(w, req)

		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("Expected status 405, got %d", w.Code)
		}
	})

	t.Run("POST_cancels_running_scan", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/scan", nil)
		w := httptest.NewRecorder()
		server.startScan(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
		}
		if !server.runner.Running() {
			t.Fatal("Expected a running scan")
		}

		req = httptest.NewRequest(http.MethodPost, "/api/scan/stop", nil)
		w = httptest.NewRecorder()
		server.stopScan(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("Expected status 200, got %d", w.Code)
		}
		var state scan.RunState
		if err := json.NewDecoder(w.Body).Decode(&state); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
		if state.RunID == "" {
			t.Error("Expected a run ID in the scan state")
		}

		close(gate)
		server.runner.Wait()

		final := server.runner.State()
		if final.Status != scan.RunStatusError {
			t.Errorf("Expected run status error after stop, got %q", final.Status)
		}
		if !strings.Contains(final.Error, "scan stopped") {
			t.Errorf("Expected stop error, got %q", final.Error)
		}
	})
}

// TestScanStatusHandler tests the /api/scan/status endpoint
func TestScanStatusHandler(t *testing.T) {
	server, _ := setupTestServer(t)

	t.Run("GET_idle_state", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/scan/status", nil)
		w := httptest.NewRecorder()

		server.showScanStatus(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("Expected status 200, got %d", w.Code)
		}
		var resp struct {
			Status        string `json:"status"`
			PendingWrites *int   `json:"pending_writes"`
		}
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
		if resp.Status != string(scan.RunStatusIdle) {
			t.Errorf("Expected idle status, got %q", resp.Status)
		}
		if resp.PendingWrites == nil {
			t.Error("Expected pending_writes in the response")
		}
	})

	t.Run("POST_method_not_allowed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/scan/status", nil)
		w := httptest.NewRecorder()

		server.showScanStatus(w, req)

		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("Expected status 405, got %d", w.Code)
		}
	})
}

// TestParamsHandler tests reading and updating the live detection params
func TestParamsHandler(t *testing.T) {
	server, _ := setupTestServer(t)

	t.Run("GET_returns_defaults", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/params", nil)
		w := httptest.NewRecorder()

		server.handleParams(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("Expected status 200, got %d", w.Code)
		}
		var resp paramsResponse
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
		if resp.Params != scan.DefaultParams() {
			t.Errorf("Expected default params, got %+v", resp.Params)
		}
		if resp.ParamsHash != scan.DefaultParams().Fingerprint() {
			t.Errorf("Expected the default fingerprint, got %s", resp.ParamsHash)
		}
	})

	t.Run("POST_merges_partial_update", func(t *testing.T) {
		body := strings.NewReader(`{"thresh": 120, "workers": 8}`)
		req := httptest.NewRequest(http.MethodPost, "/api/params", body)
		w := httptest.NewRecorder()

		server.handleParams(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
		}
		var resp paramsResponse
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
		if resp.Params.Thresh != 120 {
			t.Errorf("Expected thresh 120, got %v", resp.Params.Thresh)
		}
		if resp.Params.Workers != 8 {
			t.Errorf("Expected workers 8, got %d", resp.Params.Workers)
		}
		if resp.Params.MinArea != scan.DefaultParams().MinArea {
			t.Errorf("Expected min_area untouched, got %v", resp.Params.MinArea)
		}
		if resp.ParamsHash == scan.DefaultParams().Fingerprint() {
			t.Error("Expected the fingerprint to change with thresh")
		}
		if got := server.Params().Thresh; got != 120 {
			t.Errorf("Expected live thresh 120, got %v", got)
		}
	})

	t.Run("POST_rejects_invalid_params", func(t *testing.T) {
		body := strings.NewReader(`{"max_area": 1}`)
		req := httptest.NewRequest(http.MethodPost, "/api/params", body)
		w := httptest.NewRecorder()

		server.handleParams(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected status 400, got %d", w.Code)
		}
		if !strings.Contains(w.Body.String(), "Invalid params") {
			t.Errorf("Expected validation error, got: %s", w.Body.String())
		}
		if got := server.Params().MaxArea; got != scan.DefaultParams().MaxArea {
			t.Errorf("Expected max_area unchanged after rejection, got %v", got)
		}
	})

	t.Run("POST_rejects_malformed_body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/params", strings.NewReader("{nope"))
		w := httptest.NewRecorder()

		server.handleParams(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected status 400, got %d", w.Code)
		}
	})

	t.Run("DELETE_method_not_allowed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, "/api/params", nil)
		w := httptest.NewRecorder()

		server.handleParams(w, req)

		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("Expected status 405, got %d", w.Code)
		}
	})
}

// TestServeMuxRoutes tests that the mux resolves the registered paths
func TestServeMuxRoutes(t *testing.T) {
	server, _ := setupTestServer(t)
	mux := server.ServeMux()

	for _, path := range []string{
		"/health",
		"/api/scan",
		"/api/scan/stop",
		"/api/scan/status",
		"/api/images",
		"/api/images/m31_001",
		"/api/stats",
		"/api/runs",
		"/api/runs/some-id",
		"/api/cache/clear",
		"/api/params",
	} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		_, pattern := mux.Handler(req)
		if pattern == "" {
			t.Errorf("Expected a handler for %s, got none", path)
		}
	}
}

// stubClassifier scores every patch with the same value.
type stubClassifier struct {
	score float64
}

func (c *stubClassifier) Scores(ps []scan.Patch) ([]float64, error) {
	out := make([]float64, len(ps))
	for i := range out {
		out[i] = c.score
	}
	return out, nil
}

func (c *stubClassifier) VerifyReady() error { return nil }
func (c *stubClassifier) Close() error       { return nil }

// setupTestServer builds a Server over a real store in a temp directory.
// The extractor rejects every triplet, so scans run end to end without
// image decoding.
func setupTestServer(t *testing.T) (*Server, *scandb.Store) {
	t.Helper()

	extract := func(tr scan.ImageTriplet, p scan.Params) (*scan.Extraction, error) {
		return nil, errors.New("no decoder in tests")
	}
	return newTestServer(t, extract, 0)
}

// setupGatedServer is setupTestServer with an extractor that blocks until
// gate is closed, and the given number of fixture triplets in the images
// directory. Used to hold a run in flight.
func setupGatedServer(t *testing.T, triplets int) (*Server, chan struct{}) {
	t.Helper()

	gate := make(chan struct{})
	extract := func(tr scan.ImageTriplet, p scan.Params) (*scan.Extraction, error) {
		<-gate
		return nil, errors.New("no decoder in tests")
	}
	server, _ := newTestServer(t, extract, triplets)

	t.Cleanup(func() {
		select {
		case <-gate:
		default:
			close(gate)
		}
		server.runner.Wait()
	})
	return server, gate
}

func newTestServer(t *testing.T, extract scan.Extractor, triplets int) (*Server, *scandb.Store) {
	t.Helper()

	dbInst, err := scandb.New(filepath.Join(t.TempDir(), "api_test.db"))
	if err != nil {
		t.Fatalf("Failed to create test DB: %v", err)
	}
	store := scandb.NewStore(dbInst)
	t.Cleanup(func() { store.Close() })

	imagesDir := filepath.Join(t.TempDir(), "images")
	if err := os.MkdirAll(imagesDir, 0o755); err != nil {
		t.Fatalf("Failed to create images dir: %v", err)
	}
	for i := 0; i < triplets; i++ {
		writeTriplet(t, imagesDir, fmt.Sprintf("img_%03d", i))
	}

	runner := scan.NewBatchRunner(store, &stubClassifier{score: 0.9}, extract)
	return NewServer(store, runner, imagesDir, scan.DefaultParams()), store
}

// writeTriplet drops the three frame files for one stem. The contents are
// junk; only the names matter to triplet discovery.
func writeTriplet(t *testing.T, dir, stem string) {
	t.Helper()
	for _, suffix := range []string{"a", "b", "c"} {
		path := filepath.Join(dir, stem+suffix+".png")
		if err := os.WriteFile(path, []byte("not a real png"), 0o644); err != nil {
			t.Fatalf("Failed to write fixture %s: %v", path, err)
		}
	}
}

func seedRecord(t *testing.T, store *scandb.Store, rec *scan.CacheRecord) {
	t.Helper()
	if err := store.UpsertRecord(rec); err != nil {
		t.Fatalf("Failed to seed record %s: %v", rec.Stem, err)
	}
}

func scorePtr(f float64) *float64 {
	return &f
}
