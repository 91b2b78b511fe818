package scan

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// memStore is an in-memory RecordStore with the same upsert semantics as
// the sqlite store: status survives updates and a nil crop rect never
// clears a stored one.
type memStore struct {
	mu      sync.Mutex
	records map[string]*CacheRecord
	updates int
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]*CacheRecord)}
}

func (m *memStore) GetRecord(stem string) (*CacheRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[stem]
	if !ok {
		return nil, nil
	}
	cp := *rec
	cp.Candidates = append([]Candidate(nil), rec.Candidates...)
	return &cp, nil
}

func (m *memStore) UpdateRecord(stem string, cands []Candidate, crop *CropRect, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	status := StatusUnseen
	if old, ok := m.records[stem]; ok {
		status = old.Status
		if crop == nil {
			crop = old.CropRect
		}
	}
	m.records[stem] = &CacheRecord{
		Stem:       stem,
		Status:     status,
		Candidates: append([]Candidate(nil), cands...),
		CropRect:   crop,
		ParamsHash: hash,
		UpdatedAt:  time.Now(),
	}
	m.updates++
	return nil
}

func (m *memStore) LoadSummaries() (map[string]RecordSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]RecordSummary, len(m.records))
	for stem, rec := range m.records {
		out[stem] = RecordSummary{
			Stem:            stem,
			Status:          rec.Status,
			CandidatesCount: len(rec.Candidates),
			HasAI:           rec.MaxAI() != nil,
			ParamsHash:      rec.ParamsHash,
			UpdatedAt:       rec.UpdatedAt,
		}
	}
	return out, nil
}

// constClassifier scores every patch with the same value.
type constClassifier struct {
	score     float64
	err       error
	verifyErr error

	mu    sync.Mutex
	calls int
}

func (c *constClassifier) Scores(ps []Patch) ([]float64, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	out := make([]float64, len(ps))
	for i := range out {
		out[i] = c.score
	}
	return out, nil
}

func (c *constClassifier) VerifyReady() error { return c.verifyErr }
func (c *constClassifier) Close() error       { return nil }

// mapExtractor serves canned candidates per stem; unknown stems are
// unreadable.
func mapExtractor(cands map[string][]Candidate, calls *int64) Extractor {
	return func(t ImageTriplet, p Params) (*Extraction, error) {
		if calls != nil {
			atomic.AddInt64(calls, 1)
		}
		cs, ok := cands[t.Stem]
		if !ok {
			return nil, fmt.Errorf("read diff frame %s: unreadable", t.Stem)
		}
		return &Extraction{
			Stem:       t.Stem,
			CropRect:   &CropRect{W: 200, H: 200},
			Diff:       NewFrame(200, 200),
			New:        NewFrame(200, 200),
			Ref:        NewFrame(200, 200),
			Candidates: append([]Candidate(nil), cs...),
			RawCount:   len(cs),
		}, nil
	}
}

func trip(stems ...string) []ImageTriplet {
	out := make([]ImageTriplet, len(stems))
	for i, s := range stems {
		out[i] = ImageTriplet{Stem: s}
	}
	return out
}

func testParams() Params {
	p := DefaultParams()
	p.Workers = 2
	p.InferChunk = 4
	return p
}

func TestRunnerEndToEnd(t *testing.T) {
	store := newMemStore()
	cls := &constClassifier{score: 0.9}
	var calls int64
	ext := mapExtractor(map[string][]Candidate{
		"field1": {{X: 10, Y: 10, Rise: 50}, {X: 40, Y: 40, Rise: 60}},
		"field2": {}, // detects nothing
	}, &calls)

	r := NewBatchRunner(store, cls, ext)
	var progressed int64
	r.SetProgress(func(done, total int, stem string) { atomic.AddInt64(&progressed, 1) })

	p := testParams()
	results, err := r.RunOnce(context.Background(), trip("field1", "field2"), p)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d images, want 2", len(results))
	}

	f1 := results["field1"]
	if len(f1.Candidates) != 2 {
		t.Fatalf("field1 candidates = %d, want 2", len(f1.Candidates))
	}
	for i, c := range f1.Candidates {
		if c.AIScore == nil || *c.AIScore != 0.9 {
			t.Fatalf("field1 candidate %d score = %v, want 0.9", i, c.AIScore)
		}
	}
	if f1.CropRect == nil || f1.CropRect.W != 200 {
		t.Fatalf("field1 crop rect = %+v", f1.CropRect)
	}
	if got := results["field2"]; len(got.Candidates) != 0 {
		t.Fatalf("field2 candidates = %d, want 0", len(got.Candidates))
	}

	// Both images persisted under the current fingerprint.
	for _, stem := range []string{"field1", "field2"} {
		rec, _ := store.GetRecord(stem)
		if rec == nil {
			t.Fatalf("%s not persisted", stem)
		}
		if rec.ParamsHash != p.Fingerprint() {
			t.Fatalf("%s hash = %s, want current fingerprint", stem, rec.ParamsHash)
		}
	}

	if progressed != 2 {
		t.Errorf("progress events = %d, want 2", progressed)
	}
	st := r.State()
	if st.Status != RunStatusComplete || st.Done != 2 || st.Skipped != 0 || st.Failed != 0 {
		t.Errorf("state = %+v", st)
	}
}

func TestRunnerIdempotentOnFingerprintMatch(t *testing.T) {
	store := newMemStore()
	p := testParams()
	hash := p.Fingerprint()

	score := 0.7
	for _, stem := range []string{"a", "b"} {
		store.records[stem] = &CacheRecord{
			Stem:       stem,
			Status:     StatusProcessed,
			Candidates: []Candidate{{X: 5, Y: 5, AIScore: &score}},
			CropRect:   &CropRect{W: 100, H: 100},
			ParamsHash: hash,
			UpdatedAt:  time.Now(),
		}
	}

	var calls int64
	sentinel := func(t ImageTriplet, p Params) (*Extraction, error) {
		atomic.AddInt64(&calls, 1)
		return nil, errors.New("extraction must not run on cache hit")
	}
	r := NewBatchRunner(store, &constClassifier{score: 0.9}, sentinel)

	results, err := r.RunOnce(context.Background(), trip("a", "b"), p)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if calls != 0 {
		t.Fatalf("extractor invoked %d times on cache hits", calls)
	}
	if store.updates != 0 {
		t.Fatalf("store written %d times on cache hits", store.updates)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d images, want 2", len(results))
	}
	if got := results["a"]; got.Status != StatusProcessed || len(got.Candidates) != 1 {
		t.Fatalf("cached result not served verbatim: %+v", got)
	}
	if st := r.State(); st.Skipped != 2 {
		t.Errorf("skipped = %d, want 2", st.Skipped)
	}
}

func TestRunnerRecomputesOnFingerprintChange(t *testing.T) {
	store := newMemStore()
	p := testParams()

	score := 0.7
	store.records["a"] = &CacheRecord{
		Stem:       "a",
		Status:     StatusUnseen,
		Candidates: []Candidate{{X: 5, Y: 5, AIScore: &score}},
		ParamsHash: "stale-fingerprint",
		UpdatedAt:  time.Now(),
	}

	var calls int64
	ext := mapExtractor(map[string][]Candidate{"a": {{X: 30, Y: 30}}}, &calls)
	r := NewBatchRunner(store, &constClassifier{score: 0.9}, ext)

	if _, err := r.RunOnce(context.Background(), trip("a"), p); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if calls != 1 {
		t.Fatalf("extractor calls = %d, want 1", calls)
	}
	rec, _ := store.GetRecord("a")
	if rec.ParamsHash != p.Fingerprint() {
		t.Fatalf("hash not refreshed: %s", rec.ParamsHash)
	}
}

func TestRunnerPreservesManualAndVerdicts(t *testing.T) {
	store := newMemStore()
	p := testParams()

	old := 0.99
	store.records["a"] = &CacheRecord{
		Stem:   "a",
		Status: StatusUnseen,
		Candidates: []Candidate{
			{X: 150, Y: 150, IsManual: true},
			{X: 160, Y: 160, Verdict: VerdictReal, IsSaved: true},
			{X: 170, Y: 170, AIScore: &old}, // plain auto candidate, not protected
		},
		ParamsHash: "stale-fingerprint",
		UpdatedAt:  time.Now(),
	}

	ext := mapExtractor(map[string][]Candidate{"a": {{X: 10, Y: 10}}}, nil)
	r := NewBatchRunner(store, &constClassifier{score: 0.9}, ext)

	results, err := r.RunOnce(context.Background(), trip("a"), p)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	cands := results["a"].Candidates
	if len(cands) != 3 {
		t.Fatalf("candidates = %d, want fresh + manual + verdict", len(cands))
	}
	if cands[0].X != 10 || cands[0].AIScore == nil {
		t.Fatalf("fresh candidate wrong: %+v", cands[0])
	}
	if !cands[1].IsManual || cands[2].Verdict != VerdictReal {
		t.Fatalf("protected candidates lost: %+v", cands[1:])
	}

	rec, _ := store.GetRecord("a")
	if len(rec.Candidates) != 3 {
		t.Fatalf("persisted %d candidates, want 3", len(rec.Candidates))
	}
}

func TestRunnerZeroCandidatesKeepsProtected(t *testing.T) {
	store := newMemStore()
	p := testParams()

	store.records["a"] = &CacheRecord{
		Stem:   "a",
		Status: StatusUnseen,
		Candidates: []Candidate{
			{X: 150, Y: 150, IsManual: true},
			{X: 170, Y: 170}, // unprotected
		},
		ParamsHash: "stale-fingerprint",
		UpdatedAt:  time.Now(),
	}

	cls := &constClassifier{score: 0.9}
	ext := mapExtractor(map[string][]Candidate{"a": {}}, nil)
	r := NewBatchRunner(store, cls, ext)

	results, err := r.RunOnce(context.Background(), trip("a"), p)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	cands := results["a"].Candidates
	if len(cands) != 1 || !cands[0].IsManual {
		t.Fatalf("zero-candidate image kept %+v, want only the manual candidate", cands)
	}
	if cls.calls != 0 {
		t.Errorf("classifier called %d times for empty image", cls.calls)
	}
}

func TestRunnerCrowdPenaltyOnFinalization(t *testing.T) {
	store := newMemStore()
	p := testParams()
	p.CrowdHighScore = 0.85
	p.CrowdHighCount = 10
	p.CrowdHighPenalty = 0.50
	p.TopKCheap, p.TopKRise, p.TopKContrast = 20, 20, 20

	var cands []Candidate
	for i := 0; i < 12; i++ {
		cands = append(cands, Candidate{X: 10 * i, Y: 10 * i})
	}
	ext := mapExtractor(map[string][]Candidate{"a": cands}, nil)
	r := NewBatchRunner(store, &constClassifier{score: 0.9}, ext)

	results, err := r.RunOnce(context.Background(), trip("a"), p)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	got := results["a"].Candidates
	if len(got) != 12 {
		t.Fatalf("candidates = %d, want 12", len(got))
	}
	for i, c := range got {
		if c.AIScore == nil || *c.AIScore != 0.4 {
			t.Fatalf("candidate %d score = %v, want 0.4 after crowd penalty", i, c.AIScore)
		}
	}
}

func TestRunnerSkipsUnreadableImages(t *testing.T) {
	store := newMemStore()
	ext := mapExtractor(map[string][]Candidate{
		"good": {{X: 10, Y: 10}},
	}, nil)
	r := NewBatchRunner(store, &constClassifier{score: 0.9}, ext)

	results, err := r.RunOnce(context.Background(), trip("good", "corrupt"), testParams())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if _, ok := results["corrupt"]; ok {
		t.Fatal("unreadable image must not appear in results")
	}
	if _, ok := results["good"]; !ok {
		t.Fatal("readable image missing from results")
	}
	if rec, _ := store.GetRecord("corrupt"); rec != nil {
		t.Fatal("unreadable image must not be persisted")
	}
	st := r.State()
	if st.Status != RunStatusComplete || st.Failed != 1 {
		t.Fatalf("state = %+v, want complete with 1 failed", st)
	}
}

func TestRunnerInferenceErrorAbortsWithZeroResults(t *testing.T) {
	store := newMemStore()
	cls := &constClassifier{score: 0.9, err: errors.New("tensor shape mismatch")}
	ext := mapExtractor(map[string][]Candidate{"a": {{X: 1, Y: 1}}}, nil)
	r := NewBatchRunner(store, cls, ext)

	p := testParams()
	p.InferChunk = 1
	results, err := r.RunOnce(context.Background(), trip("a"), p)
	if err == nil {
		t.Fatal("RunOnce returned nil error for failing classifier")
	}
	if !errors.Is(err, cls.err) {
		t.Fatalf("error %v does not wrap classifier error", err)
	}
	if results != nil {
		t.Fatalf("failed run must report zero results, got %d", len(results))
	}
	if st := r.State(); st.Status != RunStatusError || st.Error == "" {
		t.Fatalf("state = %+v", st)
	}
}

func TestRunnerVerifyReadyFailureAbortsBeforeWork(t *testing.T) {
	store := newMemStore()
	cls := &constClassifier{verifyErr: errors.New("model missing")}
	var calls int64
	ext := mapExtractor(map[string][]Candidate{"a": {{X: 1, Y: 1}}}, &calls)
	r := NewBatchRunner(store, cls, ext)

	_, err := r.RunOnce(context.Background(), trip("a"), testParams())
	if err == nil || !errors.Is(err, cls.verifyErr) {
		t.Fatalf("err = %v, want dry-run failure", err)
	}
	if calls != 0 {
		t.Fatalf("extractor invoked %d times after failed dry-run", calls)
	}
}

func TestRunnerRejectsConcurrentStart(t *testing.T) {
	store := newMemStore()
	gate := make(chan struct{})
	ext := func(t ImageTriplet, p Params) (*Extraction, error) {
		<-gate
		return nil, errors.New("unreadable")
	}
	r := NewBatchRunner(store, &constClassifier{score: 0.9}, ext)

	if err := r.Start(context.Background(), trip("a"), testParams()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Start(context.Background(), trip("b"), testParams()); err == nil {
		t.Fatal("second Start while running must fail")
	} else if !strings.Contains(err.Error(), "in progress") {
		t.Fatalf("unexpected error: %v", err)
	}
	close(gate)
	r.Wait()
	if r.Running() {
		t.Fatal("runner still running after Wait")
	}
}

func TestRunnerStopCancelsRun(t *testing.T) {
	store := newMemStore()
	gate := make(chan struct{})
	started := make(chan struct{}, 64)
	ext := func(t ImageTriplet, p Params) (*Extraction, error) {
		started <- struct{}{}
		<-gate
		return nil, errors.New("unreadable")
	}
	r := NewBatchRunner(store, &constClassifier{score: 0.9}, ext)

	if err := r.Start(context.Background(), trip(
		"a", "b", "c", "d", "e", "f", "g", "h", "i", "j",
	), testParams()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	<-started // at least one extraction underway
	r.Stop()
	close(gate)
	r.Wait()

	st := r.State()
	if st.Status != RunStatusError {
		t.Fatalf("status = %s, want error after stop", st.Status)
	}
	if !strings.Contains(st.Error, "stopped") {
		t.Fatalf("error = %q, want stop message", st.Error)
	}
}

// fakeRunStore records run bookkeeping calls.
type fakeRunStore struct {
	mu       sync.Mutex
	startID  string
	total    int
	finishID string
	done     int
	skipped  int
	failed   int
	errMsg   string
}

func (f *fakeRunStore) StartRun(id string, _ time.Time, total int, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startID = id
	f.total = total
	return nil
}

func (f *fakeRunStore) FinishRun(id string, _ time.Time, done, skipped, failed int, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finishID = id
	f.done = done
	f.skipped = skipped
	f.failed = failed
	f.errMsg = errMsg
	return nil
}

func TestRunnerRecordsRunRows(t *testing.T) {
	store := newMemStore()
	ext := mapExtractor(map[string][]Candidate{"a": {{X: 1, Y: 1}}}, nil)
	r := NewBatchRunner(store, &constClassifier{score: 0.9}, ext)
	runs := &fakeRunStore{}
	r.SetRunStore(runs)

	if _, err := r.RunOnce(context.Background(), trip("a", "broken"), testParams()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	runs.mu.Lock()
	defer runs.mu.Unlock()
	if runs.startID == "" || runs.startID != runs.finishID {
		t.Fatalf("run ids: start %q finish %q", runs.startID, runs.finishID)
	}
	if runs.total != 2 || runs.done != 2 || runs.failed != 1 || runs.errMsg != "" {
		t.Fatalf("run row: %+v", runs)
	}
}
