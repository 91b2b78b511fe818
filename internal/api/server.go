// Package api serves the scan service's JSON HTTP interface: batch run
// control, cached image records and review edits, run history, stats,
// and live detection parameters.
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/aphelion-data/transient.watch/internal/scan"
	"github.com/aphelion-data/transient.watch/internal/scandb"
	"github.com/aphelion-data/transient.watch/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Server wires the HTTP handlers to the store and the batch runner.
// Detection params are held here so the params endpoint and scan starts
// agree on one live set.
type Server struct {
	store     *scandb.Store
	runner    *scan.BatchRunner
	imagesDir string

	mu     sync.Mutex
	params scan.Params

	// editMu serialises read-modify-write record edits (verdicts,
	// manual candidates) so concurrent reviewers cannot lose updates.
	editMu sync.Mutex
}

func NewServer(store *scandb.Store, runner *scan.BatchRunner, imagesDir string, params scan.Params) *Server {
	return &Server{
		store:     store,
		runner:    runner,
		imagesDir: imagesDir,
		params:    params,
	}
}

// Params returns a copy of the live detection params.
func (s *Server) Params() scan.Params {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

func (s *Server) setParams(p scan.Params) {
	s.mu.Lock()
	s.params = p
	s.mu.Unlock()
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/scan", s.startScan)
	mux.HandleFunc("/api/scan/stop", s.stopScan)
	mux.HandleFunc("/api/scan/status", s.showScanStatus)
	mux.HandleFunc("/api/images", s.listImages)
	mux.HandleFunc("/api/images/", s.handleImage)
	mux.HandleFunc("/api/stats", s.showStats)
	mux.HandleFunc("/api/runs", s.listRuns)
	mux.HandleFunc("/api/runs/", s.showRun)
	mux.HandleFunc("/api/cache/clear", s.clearCache)
	mux.HandleFunc("/api/params", s.handleParams)
	return mux
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":    "ok",
		"service":   "scan",
		"version":   version.String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
