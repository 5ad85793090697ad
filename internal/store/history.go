// Package store persists pipeline Action Logs in SQLite so past runs can be
// listed and replayed.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"scriptloop/internal/conversation"
	"scriptloop/internal/journal"
	"scriptloop/internal/logging"
)

// ErrUnknownPipeline is returned for a pipeline ID with no rows.
var ErrUnknownPipeline = errors.New("unknown pipeline")

// Pipeline status values.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Pipeline summarises one stored run.
type Pipeline struct {
	ID           string
	Mission      string
	Conversation string
	Status       string
	Error        string
	StartedAt    time.Time
	FinishedAt   time.Time
	Records      int
}

// History is the SQLite-backed run history.
type History struct {
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// Open initializes the database at path. ":memory:" is accepted.
func Open(path string) (*History, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			logging.StoreError("Failed to create directory %s: %v", dir, err)
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		logging.StoreError("Failed to open database at %s: %v", path, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	h := &History{db: db, path: path}
	if err := h.initialize(); err != nil {
		logging.StoreError("Failed to initialize schema: %v", err)
		db.Close()
		return nil, err
	}
	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	logging.Store("History opened at %s", path)
	return h, nil
}

func (h *History) initialize() error {
	pipelines := `
	CREATE TABLE IF NOT EXISTS pipelines (
		id TEXT PRIMARY KEY,
		mission TEXT NOT NULL,
		conversation TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		finished_at DATETIME
	);`
	actions := `
	CREATE TABLE IF NOT EXISTS actions (
		pipeline_id TEXT NOT NULL REFERENCES pipelines(id),
		seq INTEGER NOT NULL,
		recorded_at DATETIME NOT NULL,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		PRIMARY KEY (pipeline_id, seq)
	);`
	for _, stmt := range []string{pipelines, actions} {
		if _, err := h.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (h *History) Close() error {
	return h.db.Close()
}

// Path returns the database location.
func (h *History) Path() string { return h.path }

// StartPipeline registers a new run and returns its ID.
func (h *History) StartPipeline(mission, conv string) (string, error) {
	id := uuid.NewString()
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.db.Exec(
		`INSERT INTO pipelines (id, mission, conversation, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, mission, conv, StatusRunning, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to start pipeline: %w", err)
	}
	logging.StoreDebug("Pipeline %s started", id)
	return id, nil
}

// FinishPipeline marks a run as finished. A nil cause means success.
func (h *History) FinishPipeline(id string, cause error) error {
	status, msg := StatusSucceeded, ""
	if cause != nil {
		status, msg = StatusFailed, cause.Error()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	res, err := h.db.Exec(
		`UPDATE pipelines SET status = ?, error = ?, finished_at = ? WHERE id = ?`,
		status, msg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to finish pipeline: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownPipeline, id)
	}
	return nil
}

// SaveRecord stores one journal record of pipeline id.
func (h *History) SaveRecord(id string, r journal.Record) error {
	payload, err := json.Marshal(r.Action)
	if err != nil {
		return fmt.Errorf("failed to encode action %d: %w", r.Seq, err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.db.Exec(
		`INSERT INTO actions (pipeline_id, seq, recorded_at, kind, conversation, payload) VALUES (?, ?, ?, ?, ?, ?)`,
		id, r.Seq, r.Time.UTC(), string(r.Action.Kind), r.Action.Conversation, string(payload))
	if err != nil {
		return fmt.Errorf("failed to save action %d: %w", r.Seq, err)
	}
	return nil
}

// Records loads the Action Log of pipeline id in sequence order.
func (h *History) Records(id string) ([]journal.Record, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rows, err := h.db.Query(
		`SELECT seq, recorded_at, payload FROM actions WHERE pipeline_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query actions: %w", err)
	}
	defer rows.Close()

	var out []journal.Record
	for rows.Next() {
		var (
			rec     journal.Record
			payload string
		)
		if err := rows.Scan(&rec.Seq, &rec.Time, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &rec.Action); err != nil {
			return nil, fmt.Errorf("failed to decode action %d: %w", rec.Seq, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		if _, err := h.pipeline(id); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Pipeline returns the summary of one run.
func (h *History) Pipeline(id string) (Pipeline, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pipeline(id)
}

const pipelineColumns = `p.id, p.mission, p.conversation, p.status, p.error, p.started_at, p.finished_at,
	(SELECT COUNT(*) FROM actions a WHERE a.pipeline_id = p.id)`

func (h *History) pipeline(id string) (Pipeline, error) {
	row := h.db.QueryRow(`SELECT `+pipelineColumns+` FROM pipelines p WHERE p.id = ?`, id)
	p, err := scanPipeline(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Pipeline{}, fmt.Errorf("%w: %s", ErrUnknownPipeline, id)
	}
	return p, err
}

// Pipelines lists the most recent runs first. A limit of zero lists all.
func (h *History) Pipelines(limit int) ([]Pipeline, error) {
	query := `SELECT ` + pipelineColumns + ` FROM pipelines p ORDER BY p.started_at DESC, p.rowid DESC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	rows, err := h.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pipelines: %w", err)
	}
	defer rows.Close()

	var out []Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPipeline(s scanner) (Pipeline, error) {
	var (
		p        Pipeline
		errText  sql.NullString
		finished sql.NullTime
	)
	if err := s.Scan(&p.ID, &p.Mission, &p.Conversation, &p.Status, &errText, &p.StartedAt, &finished, &p.Records); err != nil {
		return Pipeline{}, err
	}
	p.Error = errText.String
	if finished.Valid {
		p.FinishedAt = finished.Time
	}
	return p, nil
}

// Recorder mirrors journal records of one pipeline into the history.
type Recorder struct {
	history  *History
	pipeline string
	mu       sync.Mutex
	err      error
}

// Recorder returns a journal observer storing records under pipeline id.
func (h *History) Recorder(id string) *Recorder {
	return &Recorder{history: h, pipeline: id}
}

// OnRecord implements journal.Observer. Failures are logged and kept; the
// first one is reported by Err.
func (r *Recorder) OnRecord(rec journal.Record, _ *conversation.Conversation) {
	if err := r.history.SaveRecord(r.pipeline, rec); err != nil {
		logging.StoreError("pipeline %s: %v", r.pipeline, err)
		r.mu.Lock()
		if r.err == nil {
			r.err = err
		}
		r.mu.Unlock()
	}
}

// Err returns the first storage failure, if any.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}
