// Package nichestore persists niche identification jobs and their results
// in a local SQLite database. Jobs survive process restarts: queued jobs
// are re-run and jobs left in "running" are marked failed on startup.
package nichestore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nichemap/server/internal/niche"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a job id does not exist.
var ErrNotFound = errors.New("nichestore: job not found")

// Job statuses.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// JobParams are the clustering parameters recorded with a job.
type JobParams struct {
	LabelColumn string   `json:"label_column,omitempty"`
	FOVs        []string `json:"fovs,omitempty"`
	KNeighbors  int      `json:"k_neighbors"`
	KNiches     int      `json:"k_niches"`
	Seed        int64    `json:"seed"`
	MaxIter     int      `json:"max_iterations,omitempty"`
	IncludeSelf bool     `json:"include_self,omitempty"`
}

// Job is one niche identification request and its lifecycle state.
type Job struct {
	ID         string
	Dataset    string
	Params     JobParams
	Status     string
	Phase      string
	Error      string
	Converged  bool
	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
}

// CellNiche is one persisted assignment row.
type CellNiche struct {
	FOV     string `json:"fov"`
	CellKey string `json:"cell_key"`
	Niche   int    `json:"niche"`
}

// Store wraps the SQLite database. *sql.DB is safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open niche store: %w", err)
	}
	// modernc.org/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent job execution.
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS niche_jobs (
		id          TEXT PRIMARY KEY,
		dataset     TEXT NOT NULL,
		params      TEXT NOT NULL,
		status      TEXT NOT NULL,
		phase       TEXT NOT NULL DEFAULT '',
		error       TEXT NOT NULL DEFAULT '',
		converged   INTEGER NOT NULL DEFAULT 0,
		created_at  INTEGER NOT NULL,
		started_at  INTEGER,
		finished_at INTEGER
	);
	CREATE TABLE IF NOT EXISTS niche_results (
		job_id   TEXT NOT NULL,
		seq      INTEGER NOT NULL,
		fov      TEXT NOT NULL,
		cell_key TEXT NOT NULL,
		niche    INTEGER NOT NULL,
		PRIMARY KEY (job_id, fov, seq)
	);
	CREATE TABLE IF NOT EXISTS niche_profiles (
		job_id TEXT NOT NULL,
		fov    TEXT NOT NULL,
		niche  INTEGER NOT NULL,
		cells  INTEGER NOT NULL,
		labels TEXT NOT NULL,
		mean   TEXT NOT NULL,
		PRIMARY KEY (job_id, fov, niche)
	);
	CREATE INDEX IF NOT EXISTS idx_niche_jobs_status ON niche_jobs(status);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply niche store schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// CreateJob inserts a new job in the queued state.
func (s *Store) CreateJob(id, dataset string, params JobParams) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode job params: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO niche_jobs (id, dataset, params, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, dataset, string(raw), StatusQueued, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("create job %s: %w", id, err)
	}
	return nil
}

// GetJob fetches one job by id.
func (s *Store) GetJob(id string) (*Job, error) {
	row := s.db.QueryRow(
		`SELECT id, dataset, params, status, phase, error, converged, created_at, started_at, finished_at
		 FROM niche_jobs WHERE id = ?`, id)
	return scanJob(row)
}

// ListJobs returns all jobs for a dataset, newest first.
func (s *Store) ListJobs(dataset string) ([]*Job, error) {
	rows, err := s.db.Query(
		`SELECT id, dataset, params, status, phase, error, converged, created_at, started_at, finished_at
		 FROM niche_jobs WHERE dataset = ? ORDER BY created_at DESC, id`, dataset)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ListQueuedJobs returns queued jobs oldest first, for restart recovery.
func (s *Store) ListQueuedJobs() ([]*Job, error) {
	rows, err := s.db.Query(
		`SELECT id, dataset, params, status, phase, error, converged, created_at, started_at, finished_at
		 FROM niche_jobs WHERE status = ? ORDER BY created_at, id`, StatusQueued)
	if err != nil {
		return nil, fmt.Errorf("list queued jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// MarkRunningAsFailed fails every job stuck in the running state. Called
// once at startup; a job can only be running if a previous process died
// mid-execution.
func (s *Store) MarkRunningAsFailed() (int64, error) {
	res, err := s.db.Exec(
		`UPDATE niche_jobs SET status = ?, error = ?, finished_at = ? WHERE status = ?`,
		StatusFailed, "interrupted by server restart", time.Now().Unix(), StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("mark running jobs failed: %w", err)
	}
	return res.RowsAffected()
}

// MarkStarted moves a job to running and records the start time.
func (s *Store) MarkStarted(id string) error {
	return s.exec(
		`UPDATE niche_jobs SET status = ?, started_at = ? WHERE id = ?`,
		StatusRunning, time.Now().Unix(), id)
}

// SetPhase records the execution phase for progress reporting.
func (s *Store) SetPhase(id, phase string) error {
	return s.exec(`UPDATE niche_jobs SET phase = ? WHERE id = ?`, phase, id)
}

// MarkCompleted finishes a job successfully. converged is false when
// clustering exhausted its iteration budget on any field of view.
func (s *Store) MarkCompleted(id string, converged bool) error {
	return s.exec(
		`UPDATE niche_jobs SET status = ?, converged = ?, phase = '', finished_at = ? WHERE id = ?`,
		StatusCompleted, boolInt(converged), time.Now().Unix(), id)
}

// MarkFailed finishes a job with an error message.
func (s *Store) MarkFailed(id, msg string) error {
	return s.exec(
		`UPDATE niche_jobs SET status = ?, error = ?, finished_at = ? WHERE id = ?`,
		StatusFailed, msg, time.Now().Unix(), id)
}

// InsertAssignment persists one field of view's assignment and its niche
// profiles in a single transaction.
func (s *Store) InsertAssignment(jobID string, a *niche.Assignment, profiles []niche.Profile) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("insert assignment: %w", err)
	}
	defer tx.Rollback()

	resStmt, err := tx.Prepare(
		`INSERT INTO niche_results (job_id, seq, fov, cell_key, niche) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("insert assignment: %w", err)
	}
	defer resStmt.Close()
	for i, key := range a.Keys {
		if _, err := resStmt.Exec(jobID, i, a.FOV, key, a.Niches[i]); err != nil {
			return fmt.Errorf("insert result row %d: %w", i, err)
		}
	}

	// Label order differs per field of view (only observed labels form the
	// axes), so each profile row carries its own label list.
	labels, err := json.Marshal(a.Labels)
	if err != nil {
		return fmt.Errorf("encode profile labels: %w", err)
	}
	profStmt, err := tx.Prepare(
		`INSERT INTO niche_profiles (job_id, fov, niche, cells, labels, mean) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("insert profiles: %w", err)
	}
	defer profStmt.Close()
	for _, p := range profiles {
		mean, err := json.Marshal(p.Mean)
		if err != nil {
			return fmt.Errorf("encode profile mean: %w", err)
		}
		if _, err := profStmt.Exec(jobID, a.FOV, p.Niche, p.Cells, string(labels), string(mean)); err != nil {
			return fmt.Errorf("insert profile %d: %w", p.Niche, err)
		}
	}

	return tx.Commit()
}

// QueryResults pages a job's assignment rows in insertion order. fov is
// optional; limit <= 0 returns all remaining rows.
func (s *Store) QueryResults(jobID, fov string, offset, limit int) ([]CellNiche, error) {
	q := `SELECT fov, cell_key, niche FROM niche_results WHERE job_id = ?`
	args := []any{jobID}
	if fov != "" {
		q += ` AND fov = ?`
		args = append(args, fov)
	}
	q += ` ORDER BY fov, seq`
	if limit > 0 {
		q += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	var out []CellNiche
	for rows.Next() {
		var r CellNiche
		if err := rows.Scan(&r.FOV, &r.CellKey, &r.Niche); err != nil {
			return nil, fmt.Errorf("scan result row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// FOVProfiles is one field of view's niche profiles together with the label
// order its mean vectors are expressed in.
type FOVProfiles struct {
	Labels []string        `json:"labels"`
	Niches []niche.Profile `json:"niches"`
}

// QueryProfiles returns a job's niche profiles keyed by fov, optionally
// filtered to one fov. Each entry carries the fov's own label order.
func (s *Store) QueryProfiles(jobID, fov string) (map[string]*FOVProfiles, error) {
	q := `SELECT fov, niche, cells, labels, mean FROM niche_profiles WHERE job_id = ?`
	args := []any{jobID}
	if fov != "" {
		q += ` AND fov = ?`
		args = append(args, fov)
	}
	q += ` ORDER BY fov, niche`

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*FOVProfiles)
	for rows.Next() {
		var fovID, labels, mean string
		var p niche.Profile
		if err := rows.Scan(&fovID, &p.Niche, &p.Cells, &labels, &mean); err != nil {
			return nil, fmt.Errorf("scan profile row: %w", err)
		}
		if err := json.Unmarshal([]byte(mean), &p.Mean); err != nil {
			return nil, fmt.Errorf("decode profile mean: %w", err)
		}
		fp := out[fovID]
		if fp == nil {
			fp = &FOVProfiles{}
			if err := json.Unmarshal([]byte(labels), &fp.Labels); err != nil {
				return nil, fmt.Errorf("decode profile labels: %w", err)
			}
			out[fovID] = fp
		}
		fp.Niches = append(fp.Niches, p)
	}
	return out, rows.Err()
}

// DeleteJob removes a job and all of its rows.
func (s *Store) DeleteJob(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM niche_jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(`DELETE FROM niche_results WHERE job_id = ?`, id); err != nil {
		return fmt.Errorf("delete job results: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM niche_profiles WHERE job_id = ?`, id); err != nil {
		return fmt.Errorf("delete job profiles: %w", err)
	}
	return tx.Commit()
}

// DeleteExpiredJobs removes finished jobs older than maxAge, with their
// result and profile rows. Returns the number of jobs removed.
func (s *Store) DeleteExpiredJobs(maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	rows, err := s.db.Query(
		`SELECT id FROM niche_jobs WHERE status IN (?, ?) AND finished_at IS NOT NULL AND finished_at < ?`,
		StatusCompleted, StatusFailed, cutoff)
	if err != nil {
		return 0, fmt.Errorf("find expired jobs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var removed int64
	for _, id := range ids {
		if err := s.DeleteJob(id); err != nil {
			// A concurrent delete may have raced us; that job was not
			// removed here, so it does not count.
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (s *Store) exec(q string, args ...any) error {
	res, err := s.db.Exec(q, args...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var params string
	var converged int
	var created int64
	var started, finished sql.NullInt64
	err := row.Scan(&job.ID, &job.Dataset, &params, &job.Status, &job.Phase,
		&job.Error, &converged, &created, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	if err := json.Unmarshal([]byte(params), &job.Params); err != nil {
		return nil, fmt.Errorf("decode job params: %w", err)
	}
	job.Converged = converged != 0
	job.CreatedAt = time.Unix(created, 0)
	if started.Valid {
		job.StartedAt = time.Unix(started.Int64, 0)
	}
	if finished.Valid {
		job.FinishedAt = time.Unix(finished.Int64, 0)
	}
	return &job, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
