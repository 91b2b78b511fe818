package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"

	"github.com/aphelion-data/transient.watch/internal/scan"
	"github.com/aphelion-data/transient.watch/internal/security"
)

// startScan launches a batch run over the configured image directory,
// or over the directory named in the request body. One run at a time.
func (s *Server) startScan(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req struct {
		Dir string `json:"dir"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		s.writeJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	dir := req.Dir
	if dir == "" {
		dir = s.imagesDir
	} else if !filepath.IsAbs(dir) {
		// Relative directories resolve under the configured images root
		// and must stay inside it
		dir = filepath.Join(s.imagesDir, dir)
		if err := security.ValidatePathWithinDirectory(dir, s.imagesDir); err != nil {
			s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid scan directory: %v", err))
			return
		}
	}

	triplets, err := scan.FindTriplets(dir)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Failed to read image directory: %v", err))
		return
	}

	// The run must outlive this request; shutdown stops it through the
	// runner, not through a request context.
	if err := s.runner.Start(context.Background(), triplets, s.Params()); err != nil {
		if errors.Is(err, scan.ErrAlreadyRunning) {
			s.writeJSONError(w, http.StatusConflict, err.Error())
			return
		}
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Failed to start scan: %v", err))
		return
	}

	if err := json.NewEncoder(w).Encode(s.runner.State()); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write scan state")
	}
}

// stopScan requests cooperative cancellation of the running batch. The
// response is a state snapshot; poll /api/scan/status for teardown.
func (s *Server) stopScan(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	s.runner.Stop()

	if err := json.NewEncoder(w).Encode(s.runner.State()); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write scan state")
	}
}

func (s *Server) showScanStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	resp := struct {
		scan.RunState
		PendingWrites int `json:"pending_writes"`
	}{s.runner.State(), s.store.PendingCount()}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write scan status")
	}
}

type paramsResponse struct {
	Params     scan.Params `json:"params"`
	ParamsHash string      `json:"params_hash"`
}

// handleParams reads or replaces the live detection params. POST merges
// the request body over the current set, so partial updates are safe;
// runs already in flight keep the params they started with.
func (s *Server) handleParams(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		p := s.Params()
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		if err := p.Validate(); err != nil {
			s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid params: %v", err))
			return
		}
		s.setParams(p)
	default:
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	p := s.Params()
	if err := json.NewEncoder(w).Encode(paramsResponse{Params: p, ParamsHash: p.Fingerprint()}); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write params")
	}
}
