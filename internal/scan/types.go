// Package scan implements the transient-candidate detection pipeline:
// per-image blob extraction and feature scoring, cross-image batched
// classifier inference, result merging, and batch orchestration over a
// parameter-aware persistent cache.
package scan

import "time"

// Image status values persisted in the cache.
const (
	StatusUnseen    = "unseen"
	StatusProcessed = "processed"
)

// Verdict values a reviewer can assign to a candidate. The empty string
// means no verdict has been entered.
const (
	VerdictNone  = ""
	VerdictReal  = "real"
	VerdictBogus = "bogus"
)

// CropRect is the working sub-region of a frame in full-frame pixel
// coordinates. Candidate coordinates are relative to its origin, so a
// record's crop rect must be reused for every later coordinate reference.
type CropRect struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// ImageTriplet groups the three co-registered frames for one sky field.
// Suffix convention on disk: <stem>a = difference frame, <stem>b = new
// epoch, <stem>c = reference.
type ImageTriplet struct {
	Stem     string
	DiffPath string
	NewPath  string
	RefPath  string
}

// Candidate is one transient candidate inside an image triplet. X,Y are
// crop-frame coordinates. AIScore is nil until the classifier has scored
// the candidate. Manual and verdict-bearing candidates are durable ground
// truth: recomputation must never drop them.
type Candidate struct {
	X int `json:"x"`
	Y int `json:"y"`

	Area      float64 `json:"area"`
	Sharpness float64 `json:"sharpness"`
	Contrast  float64 `json:"contrast"`
	Rise      float64 `json:"rise"`
	Extent    float64 `json:"extent"`
	Aspect    float64 `json:"aspect"`

	CheapScore float64  `json:"cheap_score"`
	AIScore    *float64 `json:"ai_score,omitempty"`

	IsManual bool   `json:"is_manual,omitempty"`
	Verdict  string `json:"verdict,omitempty"`
	IsSaved  bool   `json:"is_saved,omitempty"`
}

// HasVerdict reports whether a reviewer has classified the candidate.
func (c *Candidate) HasVerdict() bool {
	return c.Verdict == VerdictReal || c.Verdict == VerdictBogus
}

// Protected reports whether the candidate must survive recomputation.
func (c *Candidate) Protected() bool {
	return c.IsManual || c.HasVerdict()
}

// CacheRecord is the persisted per-image state. Records are created on
// first successful computation and mutated on recomputation or manual
// edits; they are deleted only by explicit user action or a full reset.
type CacheRecord struct {
	Stem       string      `json:"stem"`
	Status     string      `json:"status"`
	Candidates []Candidate `json:"candidates"`
	CropRect   *CropRect   `json:"crop_rect,omitempty"`
	ParamsHash string      `json:"params_hash"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// MaxAI returns the highest AI score among the record's candidates, or
// nil when none have been scored.
func (r *CacheRecord) MaxAI() *float64 {
	var max *float64
	for i := range r.Candidates {
		s := r.Candidates[i].AIScore
		if s == nil {
			continue
		}
		if max == nil || *s > *max {
			v := *s
			max = &v
		}
	}
	return max
}

// RecordSummary is the slim per-image view used for cache-skip checks and
// listings. HasAI means at least one candidate carries an AI score.
type RecordSummary struct {
	Stem            string    `json:"stem"`
	Status          string    `json:"status"`
	CandidatesCount int       `json:"candidates_count"`
	HasAI           bool      `json:"has_ai"`
	MaxAI           *float64  `json:"max_ai,omitempty"`
	ParamsHash      string    `json:"params_hash"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ImageResult is the finalized outcome for one image, delivered through
// the batch completion event.
type ImageResult struct {
	Candidates []Candidate `json:"candidates"`
	Status     string      `json:"status"`
	CropRect   *CropRect   `json:"crop_rect,omitempty"`
}
