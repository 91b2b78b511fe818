// Package config loads the scan service configuration. The JSON schema
// matches the /api/params endpoint so the same file works for startup
// configuration and for seeding runtime updates.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aphelion-data/transient.watch/internal/scan"
)

// defaults backs every Get* fallback so the file, the flags and the
// live-params endpoint all agree on one set of tuned values.
var defaults = scan.DefaultParams()

// ScanConfig is the root configuration. All fields are optional;
// omitted fields fall back to the tuned defaults via the Get* methods,
// so partial configs are safe.
type ScanConfig struct {
	// Extraction params
	Thresh        *float64 `json:"thresh,omitempty"`
	DynamicThresh *bool    `json:"dynamic_thresh,omitempty"`
	MinArea       *float64 `json:"min_area,omitempty"`
	MaxArea       *float64 `json:"max_area,omitempty"`
	SharpnessMin  *float64 `json:"sharpness_min,omitempty"`
	SharpnessMax  *float64 `json:"sharpness_max,omitempty"`
	ContrastMin   *float64 `json:"contrast_min,omitempty"`
	EdgeMargin    *int     `json:"edge_margin,omitempty"`
	KillFlat      *bool    `json:"kill_flat,omitempty"`
	KillDipole    *bool    `json:"kill_dipole,omitempty"`
	AutoCrop      *bool    `json:"auto_crop,omitempty"`

	// Selection params
	CheapMode    *string `json:"cheap_mode,omitempty"`
	TopKCheap    *int    `json:"topk_cheap,omitempty"`
	TopKRise     *int    `json:"topk_rise,omitempty"`
	TopKContrast *int    `json:"topk_contrast,omitempty"`
	TopKUnion    *bool   `json:"topk_union,omitempty"`

	// Finalisation params
	CrowdHighScore   *float64 `json:"crowd_high_score,omitempty"`
	CrowdHighCount   *int     `json:"crowd_high_count,omitempty"`
	CrowdHighPenalty *float64 `json:"crowd_high_penalty,omitempty"`
	MatchTolerance   *int     `json:"match_tolerance,omitempty"`

	// Inference params
	ModelPath  *string `json:"model_path,omitempty"`
	PatchSize  *int    `json:"patch_size,omitempty"`
	InferChunk *int    `json:"infer_chunk,omitempty"`

	// Service params (flags override these in the binaries)
	Workers    *int    `json:"workers,omitempty"`
	ListenAddr *string `json:"listen_addr,omitempty"`
	DBPath     *string `json:"db_path,omitempty"`
	ImagesDir  *string `json:"images_dir,omitempty"`
	PlotsDir   *string `json:"plots_dir,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// Empty returns a ScanConfig with all fields unset.
func Empty() *ScanConfig {
	return &ScanConfig{}
}

// Load reads a ScanConfig from a JSON file. The file must have a .json
// extension and stay under the size cap. Fields omitted from the file
// keep their defaults.
func Load(path string) (*ScanConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Empty()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks the set fields for values the pipeline would reject.
func (c *ScanConfig) Validate() error {
	if c.MinArea != nil && *c.MinArea < 0 {
		return fmt.Errorf("min_area must be >= 0, got %v", *c.MinArea)
	}
	if c.MaxArea != nil && *c.MaxArea <= c.GetMinArea() {
		return fmt.Errorf("max_area (%v) must exceed min_area (%v)", *c.MaxArea, c.GetMinArea())
	}
	if c.EdgeMargin != nil && *c.EdgeMargin < 0 {
		return fmt.Errorf("edge_margin must be >= 0, got %d", *c.EdgeMargin)
	}
	if c.CheapMode != nil && *c.CheapMode != scan.CheapModeRobustZ && *c.CheapMode != scan.CheapModeSimple {
		return fmt.Errorf("unknown cheap_mode %q", *c.CheapMode)
	}
	if c.CrowdHighScore != nil && (*c.CrowdHighScore < 0 || *c.CrowdHighScore > 1) {
		return fmt.Errorf("crowd_high_score must be between 0 and 1, got %v", *c.CrowdHighScore)
	}
	if c.MatchTolerance != nil && *c.MatchTolerance < 0 {
		return fmt.Errorf("match_tolerance must be >= 0, got %d", *c.MatchTolerance)
	}
	if c.PatchSize != nil && *c.PatchSize <= 0 {
		return fmt.Errorf("patch_size must be positive, got %d", *c.PatchSize)
	}
	if c.InferChunk != nil && *c.InferChunk <= 0 {
		return fmt.Errorf("infer_chunk must be positive, got %d", *c.InferChunk)
	}
	if c.Workers != nil && *c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", *c.Workers)
	}
	return nil
}

// ToParams assembles the detection params from the config, with
// defaults filling every unset field.
func (c *ScanConfig) ToParams() scan.Params {
	return scan.Params{
		Thresh:        c.GetThresh(),
		DynamicThresh: c.GetDynamicThresh(),
		MinArea:       c.GetMinArea(),
		MaxArea:       c.GetMaxArea(),
		SharpnessMin:  c.GetSharpnessMin(),
		SharpnessMax:  c.GetSharpnessMax(),
		ContrastMin:   c.GetContrastMin(),
		EdgeMargin:    c.GetEdgeMargin(),
		KillFlat:      c.GetKillFlat(),
		KillDipole:    c.GetKillDipole(),
		AutoCrop:      c.GetAutoCrop(),

		CheapMode:    c.GetCheapMode(),
		TopKCheap:    c.GetTopKCheap(),
		TopKRise:     c.GetTopKRise(),
		TopKContrast: c.GetTopKContrast(),
		TopKUnion:    c.GetTopKUnion(),

		CrowdHighScore:   c.GetCrowdHighScore(),
		CrowdHighCount:   c.GetCrowdHighCount(),
		CrowdHighPenalty: c.GetCrowdHighPenalty(),
		MatchTolerance:   c.GetMatchTolerance(),

		ModelPath:  c.GetModelPath(),
		PatchSize:  c.GetPatchSize(),
		InferChunk: c.GetInferChunk(),

		Workers: c.GetWorkers(),
	}
}

// GetThresh returns the thresh value or the default.
func (c *ScanConfig) GetThresh() float64 {
	if c.Thresh == nil {
		return defaults.Thresh
	}
	return *c.Thresh
}

// GetDynamicThresh returns the dynamic_thresh value or the default.
func (c *ScanConfig) GetDynamicThresh() bool {
	if c.DynamicThresh == nil {
		return defaults.DynamicThresh
	}
	return *c.DynamicThresh
}

// GetMinArea returns the min_area value or the default.
func (c *ScanConfig) GetMinArea() float64 {
	if c.MinArea == nil {
		return defaults.MinArea
	}
	return *c.MinArea
}

// GetMaxArea returns the max_area value or the default.
func (c *ScanConfig) GetMaxArea() float64 {
	if c.MaxArea == nil {
		return defaults.MaxArea
	}
	return *c.MaxArea
}

// GetSharpnessMin returns the sharpness_min value or the default.
func (c *ScanConfig) GetSharpnessMin() float64 {
	if c.SharpnessMin == nil {
		return defaults.SharpnessMin
	}
	return *c.SharpnessMin
}

// GetSharpnessMax returns the sharpness_max value or the default.
func (c *ScanConfig) GetSharpnessMax() float64 {
	if c.SharpnessMax == nil {
		return defaults.SharpnessMax
	}
	return *c.SharpnessMax
}

// GetContrastMin returns the contrast_min value or the default.
func (c *ScanConfig) GetContrastMin() float64 {
	if c.ContrastMin == nil {
		return defaults.ContrastMin
	}
	return *c.ContrastMin
}

// GetEdgeMargin returns the edge_margin value or the default.
func (c *ScanConfig) GetEdgeMargin() int {
	if c.EdgeMargin == nil {
		return defaults.EdgeMargin
	}
	return *c.EdgeMargin
}

// GetKillFlat returns the kill_flat value or the default.
func (c *ScanConfig) GetKillFlat() bool {
	if c.KillFlat == nil {
		return defaults.KillFlat
	}
	return *c.KillFlat
}

// GetKillDipole returns the kill_dipole value or the default.
func (c *ScanConfig) GetKillDipole() bool {
	if c.KillDipole == nil {
		return defaults.KillDipole
	}
	return *c.KillDipole
}

// GetAutoCrop returns the auto_crop value or the default.
func (c *ScanConfig) GetAutoCrop() bool {
	if c.AutoCrop == nil {
		return defaults.AutoCrop
	}
	return *c.AutoCrop
}

// GetCheapMode returns the cheap_mode value or the default.
func (c *ScanConfig) GetCheapMode() string {
	if c.CheapMode == nil {
		return defaults.CheapMode
	}
	return *c.CheapMode
}

// GetTopKCheap returns the topk_cheap value or the default.
func (c *ScanConfig) GetTopKCheap() int {
	if c.TopKCheap == nil {
		return defaults.TopKCheap
	}
	return *c.TopKCheap
}

// GetTopKRise returns the topk_rise value or the default.
func (c *ScanConfig) GetTopKRise() int {
	if c.TopKRise == nil {
		return defaults.TopKRise
	}
	return *c.TopKRise
}

// GetTopKContrast returns the topk_contrast value or the default.
func (c *ScanConfig) GetTopKContrast() int {
	if c.TopKContrast == nil {
		return defaults.TopKContrast
	}
	return *c.TopKContrast
}

// GetTopKUnion returns the topk_union value or the default.
func (c *ScanConfig) GetTopKUnion() bool {
	if c.TopKUnion == nil {
		return defaults.TopKUnion
	}
	return *c.TopKUnion
}

// GetCrowdHighScore returns the crowd_high_score value or the default.
func (c *ScanConfig) GetCrowdHighScore() float64 {
	if c.CrowdHighScore == nil {
		return defaults.CrowdHighScore
	}
	return *c.CrowdHighScore
}

// GetCrowdHighCount returns the crowd_high_count value or the default.
func (c *ScanConfig) GetCrowdHighCount() int {
	if c.CrowdHighCount == nil {
		return defaults.CrowdHighCount
	}
	return *c.CrowdHighCount
}

// GetCrowdHighPenalty returns the crowd_high_penalty value or the default.
func (c *ScanConfig) GetCrowdHighPenalty() float64 {
	if c.CrowdHighPenalty == nil {
		return defaults.CrowdHighPenalty
	}
	return *c.CrowdHighPenalty
}

// GetMatchTolerance returns the match_tolerance value or the default.
func (c *ScanConfig) GetMatchTolerance() int {
	if c.MatchTolerance == nil {
		return defaults.MatchTolerance
	}
	return *c.MatchTolerance
}

// GetModelPath returns the model_path value or the default (none).
func (c *ScanConfig) GetModelPath() string {
	if c.ModelPath == nil {
		return defaults.ModelPath
	}
	return *c.ModelPath
}

// GetPatchSize returns the patch_size value or the default.
func (c *ScanConfig) GetPatchSize() int {
	if c.PatchSize == nil {
		return defaults.PatchSize
	}
	return *c.PatchSize
}

// GetInferChunk returns the infer_chunk value or the default.
func (c *ScanConfig) GetInferChunk() int {
	if c.InferChunk == nil {
		return defaults.InferChunk
	}
	return *c.InferChunk
}

// GetWorkers returns the workers value or the default.
func (c *ScanConfig) GetWorkers() int {
	if c.Workers == nil {
		return defaults.Workers
	}
	return *c.Workers
}

// GetListenAddr returns the listen_addr value or the default.
func (c *ScanConfig) GetListenAddr() string {
	if c.ListenAddr == nil {
		return ":8080"
	}
	return *c.ListenAddr
}

// GetDBPath returns the db_path value or the default.
func (c *ScanConfig) GetDBPath() string {
	if c.DBPath == nil {
		return "scan.db"
	}
	return *c.DBPath
}

// GetImagesDir returns the images_dir value or the default.
func (c *ScanConfig) GetImagesDir() string {
	if c.ImagesDir == nil {
		return "images"
	}
	return *c.ImagesDir
}

// GetPlotsDir returns the plots_dir value or the default.
func (c *ScanConfig) GetPlotsDir() string {
	if c.PlotsDir == nil {
		return "plots"
	}
	return *c.PlotsDir
}
