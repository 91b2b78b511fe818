package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrAlreadyRunning is returned by Start while a batch run is in
// progress.
var ErrAlreadyRunning = errors.New("scan already in progress")

// RecordStore is the slice of the persistent cache the pipeline needs.
// GetRecord returns (nil, nil) when no record exists.
type RecordStore interface {
	GetRecord(stem string) (*CacheRecord, error)
	UpdateRecord(stem string, cands []Candidate, crop *CropRect, paramsHash string) error
	LoadSummaries() (map[string]RecordSummary, error)
}

// RunStore keeps one bookkeeping row per batch run.
type RunStore interface {
	StartRun(id string, startedAt time.Time, total int, paramsHash string) error
	FinishRun(id string, completedAt time.Time, done, skipped, failed int, errMsg string) error
}

// ProgressFunc observes per-image progress: images handled so far, batch
// total, and the stem just handled.
type ProgressFunc func(done, total int, stem string)

// RunStatus is the lifecycle state of a batch run.
type RunStatus string

const (
	RunStatusIdle     RunStatus = "idle"
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusError    RunStatus = "error"
)

// RunState is the queryable snapshot of the current or most recent run.
type RunState struct {
	RunID       string     `json:"run_id,omitempty"`
	Status      RunStatus  `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Total       int        `json:"total"`
	Done        int        `json:"done"`
	Skipped     int        `json:"skipped"` // served from cache
	Failed      int        `json:"failed"`  // unreadable inputs, skipped
	CurrentStem string     `json:"current_stem,omitempty"`
	ParamsHash  string     `json:"params_hash,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// BatchRunner orchestrates one batch scan at a time: bounded parallel
// extraction, cross-image batched inference, result merging, and cache
// updates. Construct once and reuse across runs.
type BatchRunner struct {
	store      RecordStore
	classifier Classifier
	extract    Extractor

	runs     RunStore     // optional
	progress ProgressFunc // optional

	mu     sync.RWMutex
	state  RunState
	cancel context.CancelFunc
	doneCh chan struct{}
	last   map[string]ImageResult
	runErr error
}

func NewBatchRunner(store RecordStore, classifier Classifier, extract Extractor) *BatchRunner {
	return &BatchRunner{
		store:      store,
		classifier: classifier,
		extract:    extract,
		state:      RunState{Status: RunStatusIdle},
	}
}

// SetRunStore attaches run bookkeeping. Call before Start.
func (r *BatchRunner) SetRunStore(rs RunStore) { r.runs = rs }

// SetProgress attaches a progress observer. Call before Start.
func (r *BatchRunner) SetProgress(f ProgressFunc) { r.progress = f }

// State returns a copy of the current run state.
func (r *BatchRunner) State() RunState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Running reports whether a batch run is in progress.
func (r *BatchRunner) Running() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Status == RunStatusRunning
}

// LastResults returns a copy of the completion map of the most recent
// successful run.
func (r *BatchRunner) LastResults() map[string]ImageResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]ImageResult, len(r.last))
	for k, v := range r.last {
		out[k] = v
	}
	return out
}

// Start launches a batch run in the background. It fails when a run is
// already in progress or the parameters are invalid.
func (r *BatchRunner) Start(ctx context.Context, triplets []ImageTriplet, p Params) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	hash := p.Fingerprint()

	r.mu.Lock()
	if r.state.Status == RunStatusRunning {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	runID := uuid.New().String()
	now := time.Now()
	r.state = RunState{
		RunID:      runID,
		Status:     RunStatusRunning,
		StartedAt:  &now,
		Total:      len(triplets),
		ParamsHash: hash,
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	doneCh := make(chan struct{})
	r.doneCh = doneCh
	r.last = nil
	r.runErr = nil
	r.mu.Unlock()

	opsf("run %s: %d triplets, params %s", runID, len(triplets), hash[:8])

	go func() {
		defer close(doneCh)
		defer cancel()
		results, err := r.run(runCtx, runID, triplets, p, hash)
		r.finish(runID, results, err)
	}()
	return nil
}

// Stop requests cooperative cancellation of the running batch. It
// returns immediately; use Wait to block until teardown completes.
func (r *BatchRunner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

// Wait blocks until the current run, if any, has finished.
func (r *BatchRunner) Wait() {
	r.mu.RLock()
	doneCh := r.doneCh
	r.mu.RUnlock()
	if doneCh != nil {
		<-doneCh
	}
}

// RunOnce performs a complete batch synchronously and returns the
// completion map. A failed run returns zero results and the error.
func (r *BatchRunner) RunOnce(ctx context.Context, triplets []ImageTriplet, p Params) (map[string]ImageResult, error) {
	if err := r.Start(ctx, triplets, p); err != nil {
		return nil, err
	}
	r.Wait()
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last, r.runErr
}

func (r *BatchRunner) finish(runID string, results map[string]ImageResult, err error) {
	now := time.Now()
	r.mu.Lock()
	r.state.CompletedAt = &now
	r.state.CurrentStem = ""
	if err != nil {
		r.state.Status = RunStatusError
		r.state.Error = err.Error()
		r.runErr = err
	} else {
		r.state.Status = RunStatusComplete
		r.last = results
	}
	done, skipped, failed := r.state.Done, r.state.Skipped, r.state.Failed
	errMsg := r.state.Error
	r.mu.Unlock()

	if r.runs != nil {
		if ferr := r.runs.FinishRun(runID, now, done, skipped, failed, errMsg); ferr != nil {
			opsf("run %s: record finish: %v", runID, ferr)
		}
	}
	if err != nil {
		opsf("run %s failed: %v", runID, err)
		return
	}
	opsf("run %s complete: %d images (%d from cache, %d unreadable)", runID, done, skipped, failed)
}

type extractionOut struct {
	stem    string
	crop    *CropRect
	cands   []Candidate
	patches []Patch
	err     error
}

func (r *BatchRunner) run(ctx context.Context, runID string, triplets []ImageTriplet, p Params, hash string) (map[string]ImageResult, error) {
	if r.runs != nil {
		if err := r.runs.StartRun(runID, time.Now(), len(triplets), hash); err != nil {
			opsf("run %s: record start: %v", runID, err)
		}
	}

	// Fail fast before any image work is queued.
	if err := r.classifier.VerifyReady(); err != nil {
		return nil, err
	}

	summaries, err := r.store.LoadSummaries()
	if err != nil {
		return nil, fmt.Errorf("load cache summaries: %w", err)
	}

	results := make(map[string]ImageResult)

	finalize := func(stem string, cands []Candidate, crop *CropRect) {
		applyCrowdPenalty(cands, p)
		final := mergePrior(cands, r.priorCandidates(stem), p.MatchTolerance)
		r.persist(stem, final, crop, hash)
		results[stem] = ImageResult{Candidates: final, Status: StatusUnseen, CropRect: crop}
		r.noteDone(stem, false)
	}
	batcher := NewBatcher(r.classifier, p.InferChunk, finalize)

	// Extraction pool: p.Workers goroutines, at most 2×workers extracted
	// bundles in flight between extraction and inference.
	maxInFlight := 2 * p.Workers
	jobs := make(chan ImageTriplet)
	extracted := make(chan extractionOut, maxInFlight)
	var wg sync.WaitGroup
	for i := 0; i < p.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range jobs {
				extracted <- r.extractOne(t, p)
			}
		}()
	}

	inFlight := 0

	// collect handles one extraction result. Unreadable inputs are
	// reported and skipped; only inference errors come back as errors.
	collect := func() error {
		out := <-extracted
		inFlight--
		if out.err != nil {
			opsf("run %s: skipping %s: %v", runID, out.stem, out.err)
			r.noteFailed(out.stem)
			return nil
		}
		if len(out.cands) == 0 {
			kept := protectedPriors(r.priorCandidates(out.stem))
			r.persist(out.stem, kept, out.crop, hash)
			results[out.stem] = ImageResult{Candidates: kept, Status: StatusUnseen, CropRect: out.crop}
			r.noteDone(out.stem, false)
			return nil
		}
		return batcher.Add(out.stem, out.cands, out.crop, out.patches)
	}

	var runErr error
	stopped := false

submit:
	for _, t := range triplets {
		select {
		case <-ctx.Done():
			stopped = true
			break submit
		default:
		}

		// Cache skip: scored candidates cached under the current
		// fingerprint are served without recomputation.
		if s, ok := summaries[t.Stem]; ok && s.HasAI && s.CandidatesCount > 0 && s.ParamsHash == hash {
			rec, err := r.store.GetRecord(t.Stem)
			if err != nil {
				opsf("run %s: read cached %s: %v (recomputing)", runID, t.Stem, err)
			} else if rec != nil {
				results[t.Stem] = ImageResult{Candidates: rec.Candidates, Status: rec.Status, CropRect: rec.CropRect}
				r.noteDone(t.Stem, true)
				continue
			}
		}

		for inFlight >= maxInFlight && runErr == nil {
			runErr = collect()
		}
		if runErr != nil {
			break submit
		}

		select {
		case <-ctx.Done():
			stopped = true
			break submit
		case jobs <- t:
			inFlight++
		}
	}
	close(jobs)

	// Drain the pool. After an error or stop the remaining extractions
	// are received and discarded so the workers can exit.
	for inFlight > 0 {
		if runErr != nil || stopped {
			<-extracted
			inFlight--
			continue
		}
		runErr = collect()
	}
	wg.Wait()

	if runErr != nil {
		return nil, runErr
	}
	if stopped {
		return nil, fmt.Errorf("scan stopped: %w", ctx.Err())
	}
	if err := batcher.FlushAll(); err != nil {
		return nil, err
	}
	return results, nil
}

// extractOne runs the whole per-image CPU stage: decode, crop and blob
// detection, cheap scoring, top-K selection, patch construction.
func (r *BatchRunner) extractOne(t ImageTriplet, p Params) extractionOut {
	ex, err := r.extract(t, p)
	if err != nil {
		return extractionOut{stem: t.Stem, err: err}
	}
	ComputeCheapScores(ex.Candidates, p.CheapMode)
	selected := SelectTopK(ex.Candidates, p)
	patches := make([]Patch, len(selected))
	for i, c := range selected {
		patches[i] = BuildPatch(ex.Diff, ex.New, ex.Ref, c.X, c.Y, p.PatchSize)
	}
	tracef("stage A %s: %d raw, %d selected", t.Stem, ex.RawCount, len(selected))
	return extractionOut{stem: t.Stem, crop: ex.CropRect, cands: selected, patches: patches}
}

// priorCandidates returns the stored candidate list for stem, or nil. A
// read failure is logged and treated as no priors.
func (r *BatchRunner) priorCandidates(stem string) []Candidate {
	rec, err := r.store.GetRecord(stem)
	if err != nil {
		opsf("read prior record %s: %v", stem, err)
		return nil
	}
	if rec == nil {
		return nil
	}
	return rec.Candidates
}

func (r *BatchRunner) persist(stem string, cands []Candidate, crop *CropRect, hash string) {
	if err := r.store.UpdateRecord(stem, cands, crop, hash); err != nil {
		opsf("persist %s: %v", stem, err)
	}
}

func (r *BatchRunner) noteDone(stem string, fromCache bool) {
	r.mu.Lock()
	r.state.Done++
	if fromCache {
		r.state.Skipped++
	}
	r.state.CurrentStem = stem
	done, total := r.state.Done, r.state.Total
	r.mu.Unlock()

	if r.progress != nil {
		r.progress(done, total, stem)
	}
	if fromCache {
		diagf("cache hit %s (%d/%d)", stem, done, total)
	} else if done%5 == 0 || done == total {
		opsf("scored %s (%d/%d)", stem, done, total)
	}
}

func (r *BatchRunner) noteFailed(stem string) {
	r.mu.Lock()
	r.state.Done++
	r.state.Failed++
	r.state.CurrentStem = stem
	done, total := r.state.Done, r.state.Total
	r.mu.Unlock()

	if r.progress != nil {
		r.progress(done, total, stem)
	}
}
