package scan

import (
	"crypto/sha1"
	"encoding/json"
	"fmt"
)

// Cheap-score modes.
const (
	CheapModeRobustZ = "robust_z"
	CheapModeSimple  = "simple"
)

// Params bundles the detection knobs together with the pipeline sizing
// knobs. Start from DefaultParams; the zero value is not useful.
type Params struct {
	// Extraction.
	Thresh        float64 `json:"thresh"`         // binarisation threshold on the blurred diff frame
	DynamicThresh bool    `json:"dynamic_thresh"` // treat Thresh as an offset above the diff median
	MinArea       float64 `json:"min_area"`
	MaxArea       float64 `json:"max_area"`
	SharpnessMin  float64 `json:"sharpness_min"`
	SharpnessMax  float64 `json:"sharpness_max"`
	ContrastMin   float64 `json:"contrast_min"`
	EdgeMargin    int     `json:"edge_margin"` // px; candidates this close to the crop edge are rejected
	KillFlat      bool    `json:"kill_flat"`
	KillDipole    bool    `json:"kill_dipole"`
	AutoCrop      bool    `json:"auto_crop"`

	// Selection.
	CheapMode    string `json:"cheap_mode"`
	TopKCheap    int    `json:"topk_cheap"`
	TopKRise     int    `json:"topk_rise"`
	TopKContrast int    `json:"topk_contrast"`
	TopKUnion    bool   `json:"topk_union"`

	// Finalisation.
	CrowdHighScore   float64 `json:"crowd_high_score"`
	CrowdHighCount   int     `json:"crowd_high_count"`
	CrowdHighPenalty float64 `json:"crowd_high_penalty"`
	MatchTolerance   int     `json:"match_tolerance"` // px box for re-injection coordinate matching

	// Inference.
	ModelPath  string `json:"model_path"`
	PatchSize  int    `json:"patch_size"`
	InferChunk int    `json:"infer_chunk"`

	// Scheduling.
	Workers int `json:"workers"`
}

// DefaultParams returns the tuned defaults.
func DefaultParams() Params {
	return Params{
		Thresh:        80,
		DynamicThresh: false,
		MinArea:       6,
		MaxArea:       600,
		SharpnessMin:  1.2,
		SharpnessMax:  5.0,
		ContrastMin:   15,
		EdgeMargin:    10,
		KillFlat:      true,
		KillDipole:    true,
		AutoCrop:      true,

		CheapMode:    CheapModeRobustZ,
		TopKCheap:    20,
		TopKRise:     20,
		TopKContrast: 20,
		TopKUnion:    true,

		CrowdHighScore:   0.85,
		CrowdHighCount:   10,
		CrowdHighPenalty: 0.50,
		MatchTolerance:   5,

		PatchSize:  80,
		InferChunk: 512,

		Workers: 4,
	}
}

// fingerprintKey is the subset of Params that changes which candidates
// are detected. AutoCrop and the crowd/tolerance knobs do not
// participate: cached results stay valid across changes to them.
type fingerprintKey struct {
	Thresh        float64 `json:"thresh"`
	DynamicThresh bool    `json:"dynamic_thresh"`
	MinArea       float64 `json:"min_area"`
	MaxArea       float64 `json:"max_area"`
	SharpnessMin  float64 `json:"sharpness_min"`
	SharpnessMax  float64 `json:"sharpness_max"`
	ContrastMin   float64 `json:"contrast_min"`
	EdgeMargin    int     `json:"edge_margin"`
	KillFlat      bool    `json:"kill_flat"`
	KillDipole    bool    `json:"kill_dipole"`
	CheapMode     string  `json:"cheap_mode"`
	Model         string  `json:"model"`
	TopKCheap     int     `json:"topk_cheap"`
	TopKRise      int     `json:"topk_rise"`
	TopKContrast  int     `json:"topk_contrast"`
	TopKUnion     bool    `json:"topk_union"`
}

// Fingerprint returns a stable hash of the detection-relevant parameters.
// Records cached under a different fingerprint are recomputed on the next
// run.
func (p Params) Fingerprint() string {
	key := fingerprintKey{
		Thresh:        p.Thresh,
		DynamicThresh: p.DynamicThresh,
		MinArea:       p.MinArea,
		MaxArea:       p.MaxArea,
		SharpnessMin:  p.SharpnessMin,
		SharpnessMax:  p.SharpnessMax,
		ContrastMin:   p.ContrastMin,
		EdgeMargin:    p.EdgeMargin,
		KillFlat:      p.KillFlat,
		KillDipole:    p.KillDipole,
		CheapMode:     p.CheapMode,
		Model:         p.ModelPath,
		TopKCheap:     p.TopKCheap,
		TopKRise:      p.TopKRise,
		TopKContrast:  p.TopKContrast,
		TopKUnion:     p.TopKUnion,
	}
	raw, _ := json.Marshal(key)
	sum := sha1.Sum(raw)
	return fmt.Sprintf("%x", sum)
}

// Validate reports the first nonsensical parameter value.
func (p Params) Validate() error {
	if p.MinArea < 0 {
		return fmt.Errorf("min_area must be >= 0, got %v", p.MinArea)
	}
	if p.MaxArea <= p.MinArea {
		return fmt.Errorf("max_area (%v) must exceed min_area (%v)", p.MaxArea, p.MinArea)
	}
	if p.EdgeMargin < 0 {
		return fmt.Errorf("edge_margin must be >= 0, got %d", p.EdgeMargin)
	}
	if p.SharpnessMax < p.SharpnessMin {
		return fmt.Errorf("sharpness_max (%v) below sharpness_min (%v)", p.SharpnessMax, p.SharpnessMin)
	}
	if p.CheapMode != CheapModeRobustZ && p.CheapMode != CheapModeSimple {
		return fmt.Errorf("unknown cheap_mode %q", p.CheapMode)
	}
	if p.TopKCheap < 0 || p.TopKRise < 0 || p.TopKContrast < 0 {
		return fmt.Errorf("top-K values must be >= 0")
	}
	if p.CrowdHighScore < 0 || p.CrowdHighScore > 1 {
		return fmt.Errorf("crowd_high_score must be in [0,1], got %v", p.CrowdHighScore)
	}
	if p.MatchTolerance < 0 {
		return fmt.Errorf("match_tolerance must be >= 0, got %d", p.MatchTolerance)
	}
	if p.PatchSize <= 0 {
		return fmt.Errorf("patch_size must be > 0, got %d", p.PatchSize)
	}
	if p.InferChunk <= 0 {
		return fmt.Errorf("infer_chunk must be > 0, got %d", p.InferChunk)
	}
	if p.Workers <= 0 {
		return fmt.Errorf("workers must be > 0, got %d", p.Workers)
	}
	return nil
}
