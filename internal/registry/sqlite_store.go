package registry

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS runs (
	seq               INTEGER NOT NULL,
	exp_name          TEXT PRIMARY KEY,
	job_id            TEXT NOT NULL,
	remote_run_dir    TEXT NOT NULL,
	log_path          TEXT NOT NULL DEFAULT '',
	params            TEXT NOT NULL DEFAULT '{}',
	submitted_at      TEXT NOT NULL,
	state             TEXT NOT NULL,
	fetched           INTEGER NOT NULL DEFAULT 0,
	local_results_dir TEXT NOT NULL DEFAULT ''
)`

// SQLiteStore keeps the collection in a single-table sqlite database.
// Save replaces all rows inside one transaction.
type SQLiteStore struct {
	path string
	db   *sql.DB
}

func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA journal_mode = WAL", sqliteSchema} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init %s: %w", path, err)
		}
	}
	return &SQLiteStore{path: path, db: db}, nil
}

func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) Load() ([]RunRecord, error) {
	rows, err := s.db.Query(`SELECT exp_name, job_id, remote_run_dir, log_path, params, submitted_at, state, fetched, local_results_dir FROM runs ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			rec       RunRecord
			params    string
			submitted string
			state     string
			fetched   int
		)
		if err := rows.Scan(&rec.ExpName, &rec.JobID, &rec.RemoteRunDir, &rec.LogPath, &params, &submitted, &state, &fetched, &rec.LocalResultsDir); err != nil {
			return nil, err
		}
		if params != "" && params != "{}" {
			if err := json.Unmarshal([]byte(params), &rec.Params); err != nil {
				return nil, fmt.Errorf("decode params for %s: %w", rec.ExpName, err)
			}
		}
		if rec.SubmittedAt, err = time.Parse(time.RFC3339Nano, submitted); err != nil {
			return nil, fmt.Errorf("decode submitted_at for %s: %w", rec.ExpName, err)
		}
		rec.State = ParseState(state)
		rec.Fetched = fetched != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Save(records []RunRecord) (err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.Exec(`DELETE FROM runs`); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO runs (seq, exp_name, job_id, remote_run_dir, log_path, params, submitted_at, state, fetched, local_results_dir) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, rec := range records {
		params := []byte("{}")
		if len(rec.Params) > 0 {
			if params, err = json.Marshal(rec.Params); err != nil {
				return err
			}
		}
		fetched := 0
		if rec.Fetched {
			fetched = 1
		}
		if _, err = stmt.Exec(i, rec.ExpName, rec.JobID, rec.RemoteRunDir, rec.LogPath, string(params),
			rec.SubmittedAt.UTC().Format(time.RFC3339Nano), string(rec.State), fetched, rec.LocalResultsDir); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
