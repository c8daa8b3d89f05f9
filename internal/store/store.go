package store

import (
	"database/sql"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/23skdu/quarrel-rename/internal/decoder"
	"github.com/23skdu/quarrel-rename/internal/metrics"
)

const schema = `
CREATE TABLE IF NOT EXISTS decode_runs (
	run_id        TEXT PRIMARY KEY,
	model_path    TEXT NOT NULL,
	beam_size     INTEGER NOT NULL,
	independent   INTEGER NOT NULL,
	created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS renames (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id        TEXT NOT NULL,
	function_idx  INTEGER NOT NULL,
	function_name TEXT NOT NULL,
	old_name      TEXT NOT NULL,
	new_name      TEXT NOT NULL,
	score         REAL,
	probability   REAL NOT NULL,
	FOREIGN KEY (run_id) REFERENCES decode_runs(run_id)
);

CREATE INDEX IF NOT EXISTS renames_run ON renames(run_id, function_idx);

CREATE TABLE IF NOT EXISTS diagnostics (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id        TEXT NOT NULL,
	function_idx  INTEGER NOT NULL,
	function_name TEXT NOT NULL,
	reason        TEXT NOT NULL,
	created_at    TEXT NOT NULL,
	FOREIGN KEY (run_id) REFERENCES decode_runs(run_id)
);
`

// Run describes one decode invocation.
type Run struct {
	ID          string
	ModelPath   string
	BeamSize    int
	Independent bool
	CreatedAt   time.Time
}

// RenameRecord is one persisted variable prediction. A nil Score means the
// function fell back to its original names.
type RenameRecord struct {
	Function     int
	FunctionName string
	OldName      string
	NewName      string
	Score        *float64
	Probability  float64
}

// Store persists decode runs, predictions and fallback diagnostics in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// PRAGMA foreign_keys is per connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// CreateRun registers a new run and returns it with a fresh id.
func (s *Store) CreateRun(modelPath string, beamSize int, independent bool) (Run, error) {
	run := Run{
		ID:          uuid.New().String(),
		ModelPath:   modelPath,
		BeamSize:    beamSize,
		Independent: independent,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := s.db.Exec(
		`INSERT INTO decode_runs (run_id, model_path, beam_size, independent, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.ModelPath, run.BeamSize, run.Independent, run.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Run{}, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// GetRun reads a run by id.
func (s *Store) GetRun(id string) (Run, error) {
	var run Run
	var created string
	err := s.db.QueryRow(
		`SELECT run_id, model_path, beam_size, independent, created_at FROM decode_runs WHERE run_id = ?`, id,
	).Scan(&run.ID, &run.ModelPath, &run.BeamSize, &run.Independent, &created)
	if err != nil {
		return Run{}, fmt.Errorf("get run %s: %w", id, err)
	}
	if run.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return Run{}, fmt.Errorf("parse created_at of run %s: %w", id, err)
	}
	return run, nil
}

// SaveRun persists every result of a batch atomically. Diagnostics carried
// by the results are stored alongside their identity renames.
func (s *Store) SaveRun(runID string, results []decoder.Result) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	renames, diags := 0, 0
	for _, r := range results {
		for _, old := range orderedNames(r) {
			p := r.Renames[old]
			var score sql.NullFloat64
			if !math.IsInf(p.Score, 0) && !math.IsNaN(p.Score) {
				score = sql.NullFloat64{Float64: p.Score, Valid: true}
			}
			_, err := tx.Exec(
				`INSERT INTO renames (run_id, function_idx, function_name, old_name, new_name, score, probability)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				runID, r.Function, r.Name, old, p.NewName, score, p.Probability,
			)
			if err != nil {
				return fmt.Errorf("insert rename %s/%s: %w", r.Name, old, err)
			}
			renames++
		}
		if r.Diagnostic != nil {
			if err := insertDiagnostic(tx, runID, *r.Diagnostic, now); err != nil {
				return err
			}
			diags++
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	metrics.RecordStoreWrite("renames", renames)
	metrics.RecordStoreWrite("diagnostics", diags)
	return nil
}

// SaveDiagnostic records a diagnostic outside of a batch, e.g. a function
// the encoder had no encoding for.
func (s *Store) SaveDiagnostic(runID string, d decoder.Diagnostic) error {
	if err := insertDiagnostic(s.db, runID, d, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return err
	}
	metrics.RecordStoreWrite("diagnostics", 1)
	return nil
}

// Renames returns a run's predictions ordered by function then insertion.
func (s *Store) Renames(runID string) ([]RenameRecord, error) {
	rows, err := s.db.Query(
		`SELECT function_idx, function_name, old_name, new_name, score, probability
		 FROM renames WHERE run_id = ? ORDER BY function_idx, id`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query renames: %w", err)
	}
	defer rows.Close()

	var out []RenameRecord
	for rows.Next() {
		var rec RenameRecord
		var score sql.NullFloat64
		if err := rows.Scan(&rec.Function, &rec.FunctionName, &rec.OldName, &rec.NewName, &score, &rec.Probability); err != nil {
			return nil, fmt.Errorf("scan rename: %w", err)
		}
		if score.Valid {
			v := score.Float64
			rec.Score = &v
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Diagnostics returns a run's diagnostics in insertion order.
func (s *Store) Diagnostics(runID string) ([]decoder.Diagnostic, error) {
	rows, err := s.db.Query(
		`SELECT function_idx, function_name, reason FROM diagnostics WHERE run_id = ? ORDER BY id`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query diagnostics: %w", err)
	}
	defer rows.Close()

	var out []decoder.Diagnostic
	for rows.Next() {
		var d decoder.Diagnostic
		if err := rows.Scan(&d.Function, &d.Name, &d.Reason); err != nil {
			return nil, fmt.Errorf("scan diagnostic: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func insertDiagnostic(db execer, runID string, d decoder.Diagnostic, now string) error {
	_, err := db.Exec(
		`INSERT INTO diagnostics (run_id, function_idx, function_name, reason, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		runID, d.Function, d.Name, d.Reason, now,
	)
	if err != nil {
		return fmt.Errorf("insert diagnostic %s: %w", d.Name, err)
	}
	return nil
}

// orderedNames lists a result's variables in declaration order, then any
// rename keys the declaration list does not cover.
func orderedNames(r decoder.Result) []string {
	names := make([]string, 0, len(r.Renames))
	seen := make(map[string]bool, len(r.Renames))
	for _, v := range r.Variables {
		if _, ok := r.Renames[v]; ok && !seen[v] {
			names = append(names, v)
			seen[v] = true
		}
	}
	var extra []string
	for k := range r.Renames {
		if !seen[k] {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	return append(names, extra...)
}
