package scandb

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"time"

	"github.com/aphelion-data/transient.watch/internal/scan"
)

// legacyCandidate is the candidate shape the previous tooling wrote:
// short feature keys and bare manual/saved flags. Fields it carried
// that the pipeline no longer scores (peak value, frame samples) are
// dropped on import.
type legacyCandidate struct {
	X        int      `json:"x"`
	Y        int      `json:"y"`
	Area     float64  `json:"area"`
	Sharp    float64  `json:"sharp"`
	Contrast float64  `json:"contrast"`
	Rise     float64  `json:"rise"`
	Extent   float64  `json:"extent"`
	Aspect   float64  `json:"aspect"`
	Cheap    float64  `json:"cheap_score"`
	AIScore  *float64 `json:"ai_score"`
	Manual   bool     `json:"manual"`
	Saved    *bool    `json:"saved"`
	Verdict  string   `json:"verdict"`
}

type legacyRecord struct {
	Status     string            `json:"status"`
	Candidates []legacyCandidate `json:"candidates"`
	CropRect   *[4]int           `json:"crop_rect"`
	ParamsHash string            `json:"params_hash"`
	Timestamp  float64           `json:"timestamp"`
}

// ImportLegacyJSON seeds an empty images table from the JSON cache file
// of the previous tooling ({stem: {status, candidates, crop_rect,
// params_hash, timestamp}}). It is a no-op when the table already has
// rows or the file does not exist. The import is one transaction: on
// failure nothing is kept and the caller proceeds with an empty cache.
func (s *Store) ImportLegacyJSON(path string) (int, error) {
	var existing int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM images`).Scan(&existing); err != nil {
		return 0, fmt.Errorf("failed to count images: %w", err)
	}
	if existing > 0 {
		return 0, nil
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read legacy cache: %w", err)
	}

	var legacy map[string]legacyRecord
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return 0, fmt.Errorf("failed to parse legacy cache: %w", err)
	}

	log.Printf("importing legacy cache %s: %d stems", path, len(legacy))

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin import: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO images (
			stem, status, candidates_json, candidates_count,
			has_ai, max_ai, crop_rect, params_hash, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare import: %w", err)
	}
	defer stmt.Close()

	now := timeToUnix(time.Now())
	for stem, lrec := range legacy {
		cands := make([]scan.Candidate, len(lrec.Candidates))
		for i, lc := range lrec.Candidates {
			cands[i] = importCandidate(lc)
		}
		candJSON, count, hasAI, maxAI, err := encodeCandidates(cands)
		if err != nil {
			return 0, fmt.Errorf("failed to encode candidates for %s: %w", stem, err)
		}

		var crop *scan.CropRect
		if lrec.CropRect != nil {
			crop = &scan.CropRect{
				X: lrec.CropRect[0], Y: lrec.CropRect[1],
				W: lrec.CropRect[2], H: lrec.CropRect[3],
			}
		}
		cropJSON, err := encodeCrop(crop)
		if err != nil {
			return 0, fmt.Errorf("failed to encode crop rect for %s: %w", stem, err)
		}

		status := lrec.Status
		if status == "" {
			status = scan.StatusUnseen
		}
		updated := lrec.Timestamp
		if updated <= 0 {
			updated = now
		}

		if _, err := stmt.Exec(stem, status, candJSON, count, hasAI, maxAI, cropJSON, lrec.ParamsHash, updated); err != nil {
			return 0, fmt.Errorf("failed to import %s: %w", stem, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit import: %w", err)
	}
	return len(legacy), nil
}

// importCandidate translates one legacy candidate. A saved flag the old
// tool never wrote defaults to true for verdict-bearing candidates, the
// way its merge treated them.
func importCandidate(lc legacyCandidate) scan.Candidate {
	saved := lc.Verdict != ""
	if lc.Saved != nil {
		saved = *lc.Saved
	}
	var score *float64
	if lc.AIScore != nil {
		v := *lc.AIScore
		score = &v
	}
	return scan.Candidate{
		X:          lc.X,
		Y:          lc.Y,
		Area:       lc.Area,
		Sharpness:  lc.Sharp,
		Contrast:   lc.Contrast,
		Rise:       lc.Rise,
		Extent:     lc.Extent,
		Aspect:     lc.Aspect,
		CheapScore: lc.Cheap,
		AIScore:    score,
		IsManual:   lc.Manual,
		Verdict:    lc.Verdict,
		IsSaved:    saved,
	}
}
