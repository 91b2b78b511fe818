package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aphelion-data/transient.watch/internal/api"
	"github.com/aphelion-data/transient.watch/internal/config"
	"github.com/aphelion-data/transient.watch/internal/scan"
	"github.com/aphelion-data/transient.watch/internal/scan/monitor"
	"github.com/aphelion-data/transient.watch/internal/scandb"
	"github.com/aphelion-data/transient.watch/internal/version"
)

var (
	listen     = flag.String("listen", "", "HTTP listen address (overrides config)")
	dbFile     = flag.String("db", "", "Path to the SQLite scan cache (overrides config)")
	imagesDir  = flag.String("images", "", "Directory containing image triplets (overrides config)")
	modelPath  = flag.String("model", "", "Path to the ONNX classifier model (overrides config)")
	configFile = flag.String("config", "", "Path to a JSON scan config file")
	workers    = flag.Int("workers", 0, "Concurrent extraction workers (overrides config)")
	migrateCmd = flag.String("migrate", "", `Run a migration command and exit: "up", "down", "version", "goto N", "force N"`)
	runOnce    = flag.Bool("run-once", false, "Run one batch over the images directory and exit")
	makePlots  = flag.Bool("plots", false, "Render score report plots after each completed run")
)

// renderRunPlots writes the score report PNGs for one run's results.
func renderRunPlots(plotter *monitor.ScorePlotter, results map[string]scan.ImageResult, dir string) {
	if len(results) == 0 {
		return
	}
	if err := plotter.Start(dir); err != nil {
		log.Printf("failed to start score plotter: %v", err)
		return
	}
	plotter.SampleResults(results)
	plotter.Stop()

	count, err := plotter.GeneratePlots()
	if err != nil {
		log.Printf("failed to generate score plots: %v", err)
		return
	}
	if count > 0 {
		log.Printf("wrote %d score plots to %s", count, dir)
	}
}

// watchRuns renders score plots into a fresh timestamped directory each
// time a run completes.
func watchRuns(ctx context.Context, runner *scan.BatchRunner, plotter *monitor.ScorePlotter, baseDir string) {
	var lastPlotted string
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			st := runner.State()
			if st.Status != scan.RunStatusComplete || st.RunID == "" || st.RunID == lastPlotted {
				continue
			}
			lastPlotted = st.RunID
			dir := filepath.Join(baseDir, time.Now().Format("20060102_150405"))
			renderRunPlots(plotter, runner.LastResults(), dir)
		case <-ctx.Done():
			return
		}
	}
}

// Main
func main() {
	flag.Parse()
	log.Printf("transient.watch scan %s", version.String())

	cfg := config.Empty()
	if *configFile != "" {
		var err error
		cfg, err = config.Load(*configFile)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}

	// Flags override the config file; unset flags fall back to it
	if *listen == "" {
		*listen = cfg.GetListenAddr()
	}
	if *dbFile == "" {
		*dbFile = cfg.GetDBPath()
	}
	if *imagesDir == "" {
		*imagesDir = cfg.GetImagesDir()
	}
	if *modelPath == "" {
		*modelPath = cfg.GetModelPath()
	}
	if *workers == 0 {
		*workers = cfg.GetWorkers()
	}

	if *migrateCmd != "" {
		scandb.RunMigrateCommand(strings.Fields(*migrateCmd), *dbFile)
		return
	}

	if *listen == "" {
		log.Fatal("HTTP listen address is required")
	}

	params := cfg.ToParams()
	params.ModelPath = *modelPath
	params.Workers = *workers
	if err := params.Validate(); err != nil {
		log.Fatalf("Invalid scan parameters: %v", err)
	}

	database, err := scandb.New(*dbFile)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	store := scandb.NewStore(database)
	defer store.Close()

	// Seed an empty cache from the flat-file cache of the previous
	// tooling, conventionally kept next to the database.
	legacyPath := filepath.Join(filepath.Dir(*dbFile), "candidates.json")
	if n, err := store.ImportLegacyJSON(legacyPath); err != nil {
		log.Printf("legacy import failed, continuing with an empty cache: %v", err)
	} else if n > 0 {
		log.Printf("imported %d legacy records from %s", n, legacyPath)
	}

	var classifier scan.Classifier = scan.UnconfiguredClassifier{}
	if params.ModelPath != "" {
		onnx, err := scan.NewONNXClassifier(scan.ONNXConfig{ModelPath: params.ModelPath})
		if err != nil {
			log.Fatalf("Failed to load ONNX model: %v", err)
		}
		if err := onnx.VerifyReady(); err != nil {
			log.Fatalf("Classifier failed readiness check: %v", err)
		}
		classifier = onnx
		log.Printf("classifier ready (%s)", params.ModelPath)
	} else {
		log.Println("No classifier model configured (use -model to enable scanning)")
	}
	defer classifier.Close()

	runner := scan.NewBatchRunner(store, classifier, scan.ExtractTriplet)
	runner.SetRunStore(store)

	plotter := monitor.NewScorePlotter()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Headless mode: one batch over the images directory, then exit.
	// Any run failure exits non-zero.
	if *runOnce {
		triplets, err := scan.FindTriplets(*imagesDir)
		if err != nil {
			log.Fatalf("Failed to read image directory: %v", err)
		}
		log.Printf("scanning %d triplets in %s", len(triplets), *imagesDir)

		results, err := runner.RunOnce(ctx, triplets, params)
		if err != nil {
			log.Fatalf("Scan failed: %v", err)
		}
		st := runner.State()
		log.Printf("scan complete: %d images (%d from cache, %d unreadable)", st.Done, st.Skipped, st.Failed)

		if *makePlots {
			dir := filepath.Join(cfg.GetPlotsDir(), time.Now().Format("20060102_150405"))
			renderRunPlots(plotter, results, dir)
		}
		return
	}

	// Create a wait group for the HTTP server and the run watcher
	var wg sync.WaitGroup

	if *makePlots {
		wg.Add(1)
		go func() {
			defer wg.Done()
			watchRuns(ctx, runner, plotter, cfg.GetPlotsDir())
			log.Print("plot watcher routine terminated")
		}()
	}

	// Stop any in-flight run on shutdown so the deferred store close
	// drains a quiet writer
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		runner.Stop()
		runner.Wait()
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		// mount the scan API handlers plus the admin and chart routes
		mux := api.NewServer(store, runner, *imagesDir, params).ServeMux()

		if err := database.AttachAdminRoutes(mux); err != nil {
			log.Fatalf("Failed to attach admin routes: %v", err)
		}
		monitor.NewCharts(store).AttachChartRoutes(mux)

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			log.Printf("Starting HTTP server on %s", *listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			// Force close the server if graceful shutdown fails
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}

		log.Printf("HTTP server routine stopped")
	}()

	// Wait for all goroutines to finish
	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
