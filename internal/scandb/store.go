package scandb

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/aphelion-data/transient.watch/internal/scan"
)

var _ scan.RecordStore = (*Store)(nil)

// Store is the parameter-aware result cache over one images table.
// Mutations go through the async writer in submission order; point
// reads are served from an in-memory cache that is updated before each
// write is queued, so readers never observe the commit lag.
type Store struct {
	db *DB
	w  *Writer

	mu sync.RWMutex
	// recs caches full records by stem. A nil value marks a stem known
	// to have no row, which keeps repeated prior-candidate lookups for
	// fresh images off the database.
	recs map[string]*scan.CacheRecord
}

// NewStore wraps an opened database and starts the async writer. Close
// drains the writer and closes the database.
func NewStore(db *DB) *Store {
	s := &Store{
		db:   db,
		w:    NewWriter(db),
		recs: make(map[string]*scan.CacheRecord),
	}
	s.w.Start()
	return s
}

// DB exposes the underlying handle for the run log and admin routes.
func (s *Store) DB() *DB {
	return s.db
}

// Close drains pending writes and closes the database.
func (s *Store) Close() error {
	s.w.Stop()
	return s.db.Close()
}

// Flush blocks until all pending writes are committed.
func (s *Store) Flush() {
	s.w.Sync()
}

// PendingCount reports writes accepted but not yet committed.
func (s *Store) PendingCount() int {
	return s.w.PendingCount()
}

// GetRecord returns a copy of the record for stem, or (nil, nil) when
// none exists.
func (s *Store) GetRecord(stem string) (*scan.CacheRecord, error) {
	s.mu.RLock()
	rec, ok := s.recs[stem]
	s.mu.RUnlock()
	if ok {
		return cloneRecord(rec), nil
	}

	rec, err := s.readRecord(stem)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.recs[stem] = cloneRecord(rec)
	s.mu.Unlock()
	return rec, nil
}

// UpdateRecord upserts the computed candidate set for stem. On update
// the review status survives and a nil crop rect keeps the stored one;
// new rows start unseen.
func (s *Store) UpdateRecord(stem string, cands []scan.Candidate, crop *scan.CropRect, paramsHash string) error {
	candJSON, count, hasAI, maxAI, err := encodeCandidates(cands)
	if err != nil {
		return fmt.Errorf("failed to encode candidates for %s: %w", stem, err)
	}
	cropJSON, err := encodeCrop(crop)
	if err != nil {
		return fmt.Errorf("failed to encode crop rect for %s: %w", stem, err)
	}

	rec := &scan.CacheRecord{
		Stem:       stem,
		Status:     scan.StatusUnseen,
		Candidates: append([]scan.Candidate(nil), cands...),
		CropRect:   cloneCrop(crop),
		ParamsHash: paramsHash,
		UpdatedAt:  time.Now(),
	}
	if prev := s.prior(stem); prev != nil {
		rec.Status = prev.Status
		if rec.CropRect == nil {
			rec.CropRect = prev.CropRect
		}
	}
	s.mu.Lock()
	s.recs[stem] = rec
	s.mu.Unlock()

	query := `
		INSERT INTO images (
			stem, status, candidates_json, candidates_count,
			has_ai, max_ai, crop_rect, params_hash, updated_at
		) VALUES (?, 'unseen', ?, ?, ?, ?, ?, ?, UNIXEPOCH('subsec'))
		ON CONFLICT(stem) DO UPDATE SET
			candidates_json  = excluded.candidates_json,
			candidates_count = excluded.candidates_count,
			has_ai           = excluded.has_ai,
			max_ai           = excluded.max_ai,
			crop_rect        = COALESCE(excluded.crop_rect, images.crop_rect),
			params_hash      = excluded.params_hash,
			updated_at       = excluded.updated_at
	`
	return s.w.Do("update record "+stem, func(tx *sql.Tx) error {
		_, err := tx.Exec(query, stem, candJSON, count, hasAI, maxAI, cropJSON, paramsHash)
		return err
	})
}

// UpsertRecord writes a full record including its status. Used by the
// review surface (verdicts, manual candidates); the pipeline goes
// through UpdateRecord.
func (s *Store) UpsertRecord(rec *scan.CacheRecord) error {
	candJSON, count, hasAI, maxAI, err := encodeCandidates(rec.Candidates)
	if err != nil {
		return fmt.Errorf("failed to encode candidates for %s: %w", rec.Stem, err)
	}
	cropJSON, err := encodeCrop(rec.CropRect)
	if err != nil {
		return fmt.Errorf("failed to encode crop rect for %s: %w", rec.Stem, err)
	}

	cl := cloneRecord(rec)
	if cl.Status == "" {
		cl.Status = scan.StatusUnseen
	}
	cl.UpdatedAt = time.Now()
	if cl.CropRect == nil {
		if prev := s.prior(rec.Stem); prev != nil {
			cl.CropRect = prev.CropRect
		}
	}
	s.mu.Lock()
	s.recs[rec.Stem] = cl
	s.mu.Unlock()

	query := `
		INSERT INTO images (
			stem, status, candidates_json, candidates_count,
			has_ai, max_ai, crop_rect, params_hash, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, UNIXEPOCH('subsec'))
		ON CONFLICT(stem) DO UPDATE SET
			status           = excluded.status,
			candidates_json  = excluded.candidates_json,
			candidates_count = excluded.candidates_count,
			has_ai           = excluded.has_ai,
			max_ai           = excluded.max_ai,
			crop_rect        = COALESCE(excluded.crop_rect, images.crop_rect),
			params_hash      = excluded.params_hash,
			updated_at       = excluded.updated_at
	`
	stem, status, hash := rec.Stem, cl.Status, rec.ParamsHash
	return s.w.Do("upsert record "+stem, func(tx *sql.Tx) error {
		_, err := tx.Exec(query, stem, status, candJSON, count, hasAI, maxAI, cropJSON, hash)
		return err
	})
}

// MarkStatus updates the review status of an existing record. Unknown
// stems are a no-op.
func (s *Store) MarkStatus(stem, status string) error {
	if rec := s.prior(stem); rec != nil {
		rec.Status = status
		rec.UpdatedAt = time.Now()
		s.mu.Lock()
		s.recs[stem] = rec
		s.mu.Unlock()
	}
	return s.w.Do("mark status "+stem, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`UPDATE images SET status = ?, updated_at = UNIXEPOCH('subsec') WHERE stem = ?`,
			status, stem,
		)
		return err
	})
}

// DeleteRecord removes one record.
func (s *Store) DeleteRecord(stem string) error {
	s.mu.Lock()
	s.recs[stem] = nil
	s.mu.Unlock()
	return s.w.Do("delete record "+stem, func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM images WHERE stem = ?`, stem)
		return err
	})
}

// ClearAll removes every record. It blocks until the delete is
// committed so a scan started right after sees an empty cache.
func (s *Store) ClearAll() error {
	err := s.w.Do("clear cache", func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM images`)
		return err
	})
	s.w.Sync()
	s.mu.Lock()
	s.recs = make(map[string]*scan.CacheRecord)
	s.mu.Unlock()
	return err
}

// LoadSummaries returns the per-stem summary map used for cache-skip
// checks. Pending writes are flushed first so the map reflects every
// update submitted before the call.
func (s *Store) LoadSummaries() (map[string]scan.RecordSummary, error) {
	s.w.Sync()
	rows, err := s.db.Query(`
		SELECT stem, status, candidates_count, has_ai, max_ai, params_hash, updated_at
		FROM images
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query summaries: %w", err)
	}
	defer rows.Close()

	out := make(map[string]scan.RecordSummary)
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out[sum.Stem] = sum
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating summaries: %w", err)
	}
	return out, nil
}

// ListQuery filters ListSummaries. Zero values mean no filter.
type ListQuery struct {
	Status string
	MinAI  float64
	Limit  int
}

// ListSummaries returns summaries most recently updated first.
func (s *Store) ListSummaries(q ListQuery) ([]scan.RecordSummary, error) {
	s.w.Sync()

	query := `
		SELECT stem, status, candidates_count, has_ai, max_ai, params_hash, updated_at
		FROM images
	`
	var where []string
	var args []interface{}
	if q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, q.Status)
	}
	if q.MinAI > 0 {
		where = append(where, "max_ai >= ?")
		args = append(args, q.MinAI)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC, stem ASC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query images: %w", err)
	}
	defer rows.Close()

	var out []scan.RecordSummary
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating images: %w", err)
	}
	return out, nil
}

// CacheStats summarizes the store for the stats endpoint and the
// report tool.
type CacheStats struct {
	Images        int            `json:"images"`
	ByStatus      map[string]int `json:"by_status"`
	WithAI        int            `json:"with_ai"`
	Candidates    int            `json:"candidates"`
	Manual        int            `json:"manual"`
	Verdicts      map[string]int `json:"verdicts"`
	PendingWrites int            `json:"pending_writes"`
}

// Stats tallies the cache contents.
func (s *Store) Stats() (*CacheStats, error) {
	s.w.Sync()

	stats := &CacheStats{
		ByStatus: make(map[string]int),
		Verdicts: make(map[string]int),
	}

	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM images GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats.ByStatus[status] = count
		stats.Images += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	row := s.db.QueryRow(`
		SELECT COUNT(CASE WHEN has_ai = 1 THEN 1 END), COALESCE(SUM(candidates_count), 0)
		FROM images
	`)
	if err := row.Scan(&stats.WithAI, &stats.Candidates); err != nil {
		return nil, fmt.Errorf("failed to tally candidates: %w", err)
	}

	// Verdict and manual tallies live inside the candidate JSON.
	candRows, err := s.db.Query(`SELECT candidates_json FROM images WHERE candidates_count > 0`)
	if err != nil {
		return nil, fmt.Errorf("failed to query candidates: %w", err)
	}
	defer candRows.Close()
	for candRows.Next() {
		var raw string
		if err := candRows.Scan(&raw); err != nil {
			return nil, err
		}
		var cands []scan.Candidate
		if err := json.Unmarshal([]byte(raw), &cands); err != nil {
			log.Printf("scan store: stats: bad candidates json: %v", err)
			continue
		}
		for i := range cands {
			if cands[i].IsManual {
				stats.Manual++
			}
			if cands[i].HasVerdict() {
				stats.Verdicts[cands[i].Verdict]++
			}
		}
	}
	if err := candRows.Err(); err != nil {
		return nil, err
	}

	stats.PendingWrites = s.w.PendingCount()
	return stats, nil
}

// prior returns the cached or stored record for stem; read failures are
// logged and treated as no prior.
func (s *Store) prior(stem string) *scan.CacheRecord {
	rec, err := s.GetRecord(stem)
	if err != nil {
		log.Printf("scan store: read prior %s: %v", stem, err)
		return nil
	}
	return rec
}

func (s *Store) readRecord(stem string) (*scan.CacheRecord, error) {
	var (
		rec      scan.CacheRecord
		candJSON string
		cropJSON sql.NullString
		updated  float64
	)
	err := s.db.QueryRow(`
		SELECT status, candidates_json, crop_rect, params_hash, updated_at
		FROM images WHERE stem = ?
	`, stem).Scan(&rec.Status, &candJSON, &cropJSON, &rec.ParamsHash, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record %s: %w", stem, err)
	}

	rec.Stem = stem
	rec.UpdatedAt = unixToTime(updated)
	if err := json.Unmarshal([]byte(candJSON), &rec.Candidates); err != nil {
		return nil, fmt.Errorf("failed to decode candidates for %s: %w", stem, err)
	}
	if cropJSON.Valid {
		var cr scan.CropRect
		if err := json.Unmarshal([]byte(cropJSON.String), &cr); err != nil {
			return nil, fmt.Errorf("failed to decode crop rect for %s: %w", stem, err)
		}
		rec.CropRect = &cr
	}
	return &rec, nil
}

// scanner lets scanSummary work on both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSummary(row scanner) (scan.RecordSummary, error) {
	var (
		sum     scan.RecordSummary
		hasAI   int
		maxAI   sql.NullFloat64
		updated float64
	)
	if err := row.Scan(&sum.Stem, &sum.Status, &sum.CandidatesCount, &hasAI, &maxAI, &sum.ParamsHash, &updated); err != nil {
		return sum, fmt.Errorf("failed to scan summary: %w", err)
	}
	sum.HasAI = hasAI == 1
	if maxAI.Valid {
		v := maxAI.Float64
		sum.MaxAI = &v
	}
	sum.UpdatedAt = unixToTime(updated)
	return sum, nil
}

// encodeCandidates serializes the candidate list and derives the
// denormalized columns: count, whether any candidate is scored, and the
// highest score.
func encodeCandidates(cands []scan.Candidate) (candJSON string, count int, hasAI bool, maxAI *float64, err error) {
	if cands == nil {
		cands = []scan.Candidate{}
	}
	raw, err := json.Marshal(cands)
	if err != nil {
		return "", 0, false, nil, err
	}
	for i := range cands {
		s := cands[i].AIScore
		if s == nil {
			continue
		}
		hasAI = true
		if maxAI == nil || *s > *maxAI {
			v := *s
			maxAI = &v
		}
	}
	return string(raw), len(cands), hasAI, maxAI, nil
}

// encodeCrop serializes the crop rect, keeping nil nil so the upsert's
// COALESCE preserves the stored value.
func encodeCrop(crop *scan.CropRect) (*string, error) {
	if crop == nil {
		return nil, nil
	}
	raw, err := json.Marshal(crop)
	if err != nil {
		return nil, err
	}
	s := string(raw)
	return &s, nil
}

func cloneRecord(rec *scan.CacheRecord) *scan.CacheRecord {
	if rec == nil {
		return nil
	}
	out := *rec
	out.Candidates = append([]scan.Candidate(nil), rec.Candidates...)
	out.CropRect = cloneCrop(rec.CropRect)
	return &out
}

func cloneCrop(crop *scan.CropRect) *scan.CropRect {
	if crop == nil {
		return nil
	}
	cr := *crop
	return &cr
}

func unixToTime(f float64) time.Time {
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

func timeToUnix(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
