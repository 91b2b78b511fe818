package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/aphelion-data/transient.watch/internal/scan"
	"github.com/aphelion-data/transient.watch/internal/scandb"
	"github.com/aphelion-data/transient.watch/internal/security"
)

// listImages returns record summaries, optionally filtered by review
// status and minimum AI score.
func (s *Server) listImages(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	q := scandb.ListQuery{Status: r.URL.Query().Get("status")}
	if v := r.URL.Query().Get("min_ai"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 1 {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'min_ai' parameter")
			return
		}
		q.MinAI = f
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'limit' parameter")
			return
		}
		q.Limit = n
	}

	sums, err := s.store.ListSummaries(q)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to list images: %v", err))
		return
	}
	if sums == nil {
		sums = []scan.RecordSummary{}
	}
	if err := json.NewEncoder(w).Encode(sums); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write images")
	}
}

// handleImage routes /api/images/{stem} and its subresources.
func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	rest := strings.TrimPrefix(r.URL.Path, "/api/images/")
	stem, action, _ := strings.Cut(rest, "/")
	if stem == "" {
		s.writeJSONError(w, http.StatusNotFound, "Image not found")
		return
	}

	switch action {
	case "":
		switch r.Method {
		case http.MethodGet:
			s.showImage(w, stem)
		case http.MethodDelete:
			s.deleteImage(w, stem)
		default:
			s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	case "verdict":
		if r.Method != http.MethodPost {
			s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		s.setVerdict(w, r, stem)
	case "candidates":
		if r.Method != http.MethodPost {
			s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		s.addCandidate(w, r, stem)
	case "status":
		if r.Method != http.MethodPost {
			s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		s.setStatus(w, r, stem)
	default:
		if frame, ok := strings.CutPrefix(action, "frames/"); ok {
			s.serveFrame(w, r, stem, frame)
			return
		}
		s.writeJSONError(w, http.StatusNotFound, "Unknown image action")
	}
}

// serveFrame streams one frame file of a triplet (suffix a, b or c) out
// of the images directory, so a reviewer can eyeball the pixels behind
// a candidate.
func (s *Server) serveFrame(w http.ResponseWriter, r *http.Request, stem, frame string) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if frame != "a" && frame != "b" && frame != "c" {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid frame %q", frame))
		return
	}

	for _, ext := range []string{".jpg", ".jpeg", ".png"} {
		path := filepath.Join(s.imagesDir, stem+frame+ext)
		if err := security.ValidatePathWithinDirectory(path, s.imagesDir); err != nil {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid image path")
			return
		}
		if _, err := os.Stat(path); err != nil {
			continue
		}
		// Let ServeFile pick the content type from the extension.
		w.Header().Del("Content-Type")
		http.ServeFile(w, r, path)
		return
	}
	s.writeJSONError(w, http.StatusNotFound, "Frame file not found")
}

func (s *Server) showImage(w http.ResponseWriter, stem string) {
	rec, err := s.store.GetRecord(stem)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to read record: %v", err))
		return
	}
	if rec == nil {
		s.writeJSONError(w, http.StatusNotFound, "Image not found")
		return
	}
	if err := json.NewEncoder(w).Encode(rec); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write record")
	}
}

func (s *Server) deleteImage(w http.ResponseWriter, stem string) {
	rec, err := s.store.GetRecord(stem)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to read record: %v", err))
		return
	}
	if rec == nil {
		s.writeJSONError(w, http.StatusNotFound, "Image not found")
		return
	}
	if err := s.store.DeleteRecord(stem); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to delete record: %v", err))
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"deleted": stem})
}

// setVerdict assigns (or clears) the reviewer verdict on the candidate
// at the given coordinates. Verdict-bearing candidates become saved, so
// recomputation cannot drop them. The record keeps its params hash:
// review work is not a recomputation.
func (s *Server) setVerdict(w http.ResponseWriter, r *http.Request, stem string) {
	var req struct {
		X       int    `json:"x"`
		Y       int    `json:"y"`
		Verdict string `json:"verdict"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Verdict != scan.VerdictNone && req.Verdict != scan.VerdictReal && req.Verdict != scan.VerdictBogus {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid verdict %q", req.Verdict))
		return
	}

	s.editMu.Lock()
	defer s.editMu.Unlock()

	rec, err := s.store.GetRecord(stem)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to read record: %v", err))
		return
	}
	if rec == nil {
		s.writeJSONError(w, http.StatusNotFound, "Image not found")
		return
	}

	idx := -1
	for i := range rec.Candidates {
		if rec.Candidates[i].X == req.X && rec.Candidates[i].Y == req.Y {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.writeJSONError(w, http.StatusNotFound, "Candidate not found")
		return
	}

	rec.Candidates[idx].Verdict = req.Verdict
	if req.Verdict != scan.VerdictNone {
		rec.Candidates[idx].IsSaved = true
	}

	if err := s.store.UpsertRecord(rec); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to save record: %v", err))
		return
	}
	json.NewEncoder(w).Encode(rec)
}

// addCandidate inserts a reviewer-marked candidate. Manual candidates
// carry sentinel feature values and a zero AI score so they sort at the
// bottom of score-ordered views until the next run scores them.
func (s *Server) addCandidate(w http.ResponseWriter, r *http.Request, stem string) {
	var req struct {
		X int `json:"x"`
		Y int `json:"y"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	s.editMu.Lock()
	defer s.editMu.Unlock()

	rec, err := s.store.GetRecord(stem)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to read record: %v", err))
		return
	}
	if rec == nil {
		s.writeJSONError(w, http.StatusNotFound, "Image not found")
		return
	}

	for i := range rec.Candidates {
		if rec.Candidates[i].X == req.X && rec.Candidates[i].Y == req.Y {
			s.writeJSONError(w, http.StatusConflict, "Candidate already exists at that position")
			return
		}
	}

	zero := 0.0
	rec.Candidates = append(rec.Candidates, scan.Candidate{
		X:         req.X,
		Y:         req.Y,
		Area:      999,
		Sharpness: 9.9,
		Contrast:  100,
		Rise:      999,
		AIScore:   &zero,
		IsManual:  true,
	})

	if err := s.store.UpsertRecord(rec); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to save record: %v", err))
		return
	}
	json.NewEncoder(w).Encode(rec)
}

func (s *Server) setStatus(w http.ResponseWriter, r *http.Request, stem string) {
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Status != scan.StatusUnseen && req.Status != scan.StatusProcessed {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid status %q", req.Status))
		return
	}

	rec, err := s.store.GetRecord(stem)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to read record: %v", err))
		return
	}
	if rec == nil {
		s.writeJSONError(w, http.StatusNotFound, "Image not found")
		return
	}

	if err := s.store.MarkStatus(stem, req.Status); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to update status: %v", err))
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"stem": stem, "status": req.Status})
}

func (s *Server) showStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	stats, err := s.store.Stats()
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve stats: %v", err))
		return
	}
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write stats")
	}
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'limit' parameter")
			return
		}
		limit = n
	}

	runs, err := s.store.ListRuns(limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to list runs: %v", err))
		return
	}
	if runs == nil {
		runs = []scandb.ScanRun{}
	}
	if err := json.NewEncoder(w).Encode(runs); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write runs")
	}
}

func (s *Server) showRun(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/runs/")
	if id == "" {
		s.writeJSONError(w, http.StatusNotFound, "Run not found")
		return
	}

	run, err := s.store.GetRun(id)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to read run: %v", err))
		return
	}
	if run == nil {
		s.writeJSONError(w, http.StatusNotFound, "Run not found")
		return
	}
	if err := json.NewEncoder(w).Encode(run); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write run")
	}
}

// clearCache wipes every cached record. Refused while a scan is
// running: the writer would interleave deletes with fresh upserts.
func (s *Server) clearCache(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.runner.Running() {
		s.writeJSONError(w, http.StatusConflict, "cannot clear the cache while a scan is running")
		return
	}

	if err := s.store.ClearAll(); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to clear cache: %v", err))
		return
	}
	json.NewEncoder(w).Encode(map[string]bool{"cleared": true})
}
