// Package ledger is the durable local store of job records. Every
// mutation is a whole-collection read-modify-write under one lock, so
// concurrent submissions and poll passes cannot lose each other's
// updates.
package ledger

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hpcrun/hpcrun/internal/models"
)

// ErrJobNotFound is surfaced as-is when an operation names a job the
// ledger does not hold.
var ErrJobNotFound = errors.New("job not found in ledger")

type Store struct {
	conn *sql.DB

	// serializes all ledger writes (read-modify-write of the whole
	// collection)
	mu sync.Mutex
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating ledger directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, fmt.Errorf("setting wal mode: %w", err)
	}

	return &Store{conn: db}, nil
}

func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) Init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		source_file TEXT NOT NULL,
		input_files_json TEXT NOT NULL,
		resources_json TEXT NOT NULL,
		params_json TEXT NOT NULL,
		remote_dir TEXT NOT NULL,
		scheduler_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		submitted_at DATETIME NOT NULL,
		snapshot_json TEXT
	);

	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		at DATETIME NOT NULL,
		type TEXT NOT NULL,
		job_id TEXT,
		payload_json TEXT
	);
	`

	if _, err := s.conn.Exec(schema); err != nil {
		return fmt.Errorf("initializing ledger schema: %w", err)
	}
	return nil
}

// Begin exposes a transaction for the event recorder's batched writes.
func (s *Store) Begin() (*sql.Tx, error) {
	return s.conn.Begin()
}

// Append persists a newly submitted job.
func (s *Store) Append(job models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insert(s.conn, job)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func (s *Store) insert(e execer, job models.Job) error {
	inputs, err := json.Marshal(job.InputFiles)
	if err != nil {
		return err
	}
	resources, err := json.Marshal(job.Resources)
	if err != nil {
		return err
	}
	params, err := json.Marshal(job.Params)
	if err != nil {
		return err
	}
	var snapshot *string
	if job.Snapshot != nil {
		b, err := json.Marshal(job.Snapshot)
		if err != nil {
			return err
		}
		str := string(b)
		snapshot = &str
	}

	_, err = e.Exec(`
		INSERT INTO jobs (id, name, source_file, input_files_json, resources_json, params_json,
			remote_dir, scheduler_id, status, submitted_at, snapshot_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.Name, job.SourceFile, string(inputs), string(resources), string(params),
		job.RemoteDir, job.SchedulerID, string(job.Status), job.SubmittedAt.UTC(), snapshot)
	if err != nil {
		return fmt.Errorf("appending job %s: %w", job.ID, err)
	}
	return nil
}

// Jobs returns all records ordered by id (and therefore by submission
// time, since ids sort chronologically).
func (s *Store) Jobs() ([]models.Job, error) {
	rows, err := s.conn.Query(`
		SELECT id, name, source_file, input_files_json, resources_json, params_json,
			remote_dir, scheduler_id, status, submitted_at, snapshot_json
		FROM jobs ORDER BY id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(rows *sql.Rows) (models.Job, error) {
	var (
		job       models.Job
		inputs    string
		resources string
		params    string
		status    string
		submitted time.Time
		snapshot  *string
	)
	if err := rows.Scan(&job.ID, &job.Name, &job.SourceFile, &inputs, &resources, &params,
		&job.RemoteDir, &job.SchedulerID, &status, &submitted, &snapshot); err != nil {
		return job, err
	}
	if err := json.Unmarshal([]byte(inputs), &job.InputFiles); err != nil {
		return job, fmt.Errorf("decoding input files for %s: %w", job.ID, err)
	}
	if err := json.Unmarshal([]byte(resources), &job.Resources); err != nil {
		return job, fmt.Errorf("decoding resources for %s: %w", job.ID, err)
	}
	if err := json.Unmarshal([]byte(params), &job.Params); err != nil {
		return job, fmt.Errorf("decoding params for %s: %w", job.ID, err)
	}
	if snapshot != nil {
		job.Snapshot = &models.StatusSnapshot{}
		if err := json.Unmarshal([]byte(*snapshot), job.Snapshot); err != nil {
			return job, fmt.Errorf("decoding snapshot for %s: %w", job.ID, err)
		}
	}
	job.Status = models.JobStatus(status)
	job.SubmittedAt = submitted
	return job, nil
}

// Get returns one job by id.
func (s *Store) Get(id string) (models.Job, error) {
	jobs, err := s.Jobs()
	if err != nil {
		return models.Job{}, err
	}
	for _, j := range jobs {
		if j.ID == id {
			return j, nil
		}
	}
	return models.Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
}

// Mutate runs fn over the full collection and writes the result back
// atomically. This is the single critical section all status updates
// go through.
func (s *Store) Mutate(fn func(jobs []models.Job) []models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := s.Jobs()
	if err != nil {
		return err
	}
	jobs = fn(jobs)

	tx, err := s.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM jobs"); err != nil {
		return err
	}
	for _, job := range jobs {
		if err := s.insert(tx, job); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Delete removes a ledger record. Purely local: the remote job
// directory is untouched.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.conn.Exec("DELETE FROM jobs WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return nil
}

// Events returns the audit trail for one job, oldest first.
func (s *Store) Events(jobID string) ([]models.JobEvent, error) {
	rows, err := s.conn.Query(`
		SELECT id, at, type, job_id, payload_json FROM events
		WHERE job_id = ? ORDER BY rowid ASC
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.JobEvent
	for rows.Next() {
		var e models.JobEvent
		if err := rows.Scan(&e.ID, &e.At, &e.Type, &e.JobID, &e.PayloadJSON); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
