package scandb

import (
	"testing"
	"time"
)

// TestStartAndFinishRun checks the run log round trip.
func TestStartAndFinishRun(t *testing.T) {
	s := newTestStore(t)

	started := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	if err := s.StartRun("run-1", started, 40, "hash-a"); err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}

	run, err := s.GetRun("run-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run == nil {
		t.Fatal("run missing after start")
	}
	if run.Total != 40 || run.ParamsHash != "hash-a" {
		t.Errorf("run = %+v", run)
	}
	if run.CompletedAt != nil {
		t.Errorf("completed at = %v before finish", run.CompletedAt)
	}
	if run.StartedAt.Unix() != started.Unix() {
		t.Errorf("started at = %v, want %v", run.StartedAt, started)
	}

	completed := started.Add(5 * time.Minute)
	if err := s.FinishRun("run-1", completed, 30, 8, 2, "2 images unreadable"); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}

	run, err = s.GetRun("run-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Done != 30 || run.Skipped != 8 || run.Failed != 2 {
		t.Errorf("counters = %d/%d/%d", run.Done, run.Skipped, run.Failed)
	}
	if run.Error != "2 images unreadable" {
		t.Errorf("error = %q", run.Error)
	}
	if run.CompletedAt == nil || run.CompletedAt.Unix() != completed.Unix() {
		t.Errorf("completed at = %v, want %v", run.CompletedAt, completed)
	}
}

// TestListRunsNewestFirst checks ordering and the limit.
func TestListRunsNewestFirst(t *testing.T) {
	s := newTestStore(t)

	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"run-1", "run-2", "run-3"} {
		if err := s.StartRun(id, base.Add(time.Duration(i)*time.Hour), 10, "h"); err != nil {
			t.Fatalf("StartRun failed: %v", err)
		}
	}

	runs, err := s.ListRuns(0)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("listed %d runs, want 3", len(runs))
	}
	if runs[0].RunID != "run-3" || runs[2].RunID != "run-1" {
		t.Errorf("order = %s, %s, %s", runs[0].RunID, runs[1].RunID, runs[2].RunID)
	}

	runs, err = s.ListRuns(2)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 2 || runs[0].RunID != "run-3" {
		t.Errorf("limited list = %+v", runs)
	}
}

// TestGetRunMissing checks the (nil, nil) contract.
func TestGetRunMissing(t *testing.T) {
	s := newTestStore(t)

	run, err := s.GetRun("nope")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run != nil {
		t.Fatalf("GetRun = %+v, want nil", run)
	}
}

// TestFinishRunUnknown checks that finishing a run that was never
// started reports an error instead of silently updating nothing.
func TestFinishRunUnknown(t *testing.T) {
	s := newTestStore(t)

	if err := s.FinishRun("ghost", time.Now(), 0, 0, 0, ""); err == nil {
		t.Fatal("FinishRun on unknown run did not error")
	}
}
