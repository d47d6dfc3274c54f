// Package store persists record sets and dataset record versions in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Sternrassler/dataset-extractor/pkg/record"
)

// ErrNotFound is returned when a record set or record does not exist.
var ErrNotFound = record.ErrNotFound

// timeLayout is fixed-width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store manages the extraction database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Store{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS dataset_record_sets (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			provider TEXT NOT NULL,
			job_id TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_record_sets_provider ON dataset_record_sets(provider)`,
		`CREATE TABLE IF NOT EXISTS dataset_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			provider TEXT NOT NULL,
			dataset_id TEXT NOT NULL,
			doi TEXT,
			modified_token TEXT,
			source TEXT NOT NULL,
			source_md5 TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_lookup ON dataset_records(provider, dataset_id, modified_token)`,
		`CREATE TABLE IF NOT EXISTS dataset_record_set_records (
			record_set_id INTEGER NOT NULL REFERENCES dataset_record_sets(id) ON DELETE CASCADE,
			record_id INTEGER NOT NULL REFERENCES dataset_records(id),
			position INTEGER NOT NULL,
			PRIMARY KEY (record_set_id, position)
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("executing schema statement: %w", err)
		}
	}
	return nil
}

// SaveRecordSet inserts set and its records in one transaction and assigns
// their ids and timestamps. Every record gets its own row; stored rows are
// never rewritten.
func (s *Store) SaveRecordSet(ctx context.Context, set *record.RecordSet) error {
	if set.ID != 0 {
		return fmt.Errorf("record set %d is already persisted", set.ID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	stamp := now.Format(timeLayout)

	var jobID sql.NullString
	if id, ok := set.JobID(); ok {
		jobID = sql.NullString{String: id, Valid: true}
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO dataset_record_sets (provider, job_id, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		string(set.Provider()), jobID, stamp, stamp)
	if err != nil {
		return fmt.Errorf("inserting record set: %w", err)
	}
	setID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("record set id: %w", err)
	}

	ids := make([]int64, 0, set.Len())

	for pos, rec := range set.Records() {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO dataset_records (provider, dataset_id, doi, modified_token, source, source_md5, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			string(rec.Provider), rec.DatasetID, rec.DOI, rec.ModifiedToken,
			string(rec.Source()), rec.SourceMD5(), stamp, stamp,
		)
		if err != nil {
			return fmt.Errorf("inserting record %s/%s: %w", rec.Provider, rec.DatasetID, err)
		}
		recID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("record id of %s/%s: %w", rec.Provider, rec.DatasetID, err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO dataset_record_set_records (record_set_id, record_id, position) VALUES (?, ?, ?)`,
			setID, recID, pos); err != nil {
			return fmt.Errorf("linking record %s/%s: %w", rec.Provider, rec.DatasetID, err)
		}

		ids = append(ids, recID)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	set.ID, set.CreatedAt, set.UpdatedAt = setID, now, now
	for i, rec := range set.Records() {
		rec.ID = ids[i]
		rec.CreatedAt, rec.UpdatedAt = now, now
	}
	return nil
}

// AttachJobID sets the job id of a stored record set. It succeeds at most
// once per set.
func (s *Store) AttachJobID(ctx context.Context, setID int64, jobID string) error {
	if jobID == "" {
		return record.ErrEmptyJobID
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE dataset_record_sets SET job_id = ?, updated_at = ? WHERE id = ? AND job_id IS NULL`,
		jobID, s.now().Format(timeLayout), setID)
	if err != nil {
		return fmt.Errorf("attaching job id: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("attaching job id: %w", err)
	}
	if n == 1 {
		return nil
	}

	var existing sql.NullString
	err = s.db.QueryRowContext(ctx, `SELECT job_id FROM dataset_record_sets WHERE id = ?`, setID).Scan(&existing)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("record set %d: %w", setID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("attaching job id: %w", err)
	}
	return fmt.Errorf("%w: record set %d has job %q", record.ErrJobIDAlreadySet, setID, existing.String)
}

// RecordSet loads a stored record set with its records in order.
func (s *Store) RecordSet(ctx context.Context, id int64) (*record.RecordSet, error) {
	var (
		provider, created, updated string
		jobID                      sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT provider, job_id, created_at, updated_at FROM dataset_record_sets WHERE id = ?`, id,
	).Scan(&provider, &jobID, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record set %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading record set %d: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.provider, r.dataset_id, r.doi, r.modified_token, r.source, r.source_md5, r.created_at, r.updated_at
		FROM dataset_record_set_records l
		JOIN dataset_records r ON r.id = l.record_id
		WHERE l.record_set_id = ?
		ORDER BY l.position`, id)
	if err != nil {
		return nil, fmt.Errorf("loading records of set %d: %w", id, err)
	}
	defer rows.Close()

	var records []*record.DatasetRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loading records of set %d: %w", id, err)
	}

	createdAt, err := time.Parse(timeLayout, created)
	if err != nil {
		return nil, fmt.Errorf("record set %d created_at: %w", id, err)
	}
	updatedAt, err := time.Parse(timeLayout, updated)
	if err != nil {
		return nil, fmt.Errorf("record set %d updated_at: %w", id, err)
	}

	return record.RestoreRecordSet(id, record.Provider(provider), jobID.String, createdAt, updatedAt, records)
}

// Summary describes a stored record set without its records.
type Summary struct {
	ID        int64           `json:"id" yaml:"id"`
	Provider  record.Provider `json:"provider" yaml:"provider"`
	JobID     string          `json:"job_id,omitempty" yaml:"job_id,omitempty"`
	Records   int             `json:"records" yaml:"records"`
	CreatedAt time.Time       `json:"created_at" yaml:"created_at"`
}

// RecordSets lists the most recent record sets, newest first. An empty
// provider lists all providers; limit <= 0 lists every set.
func (s *Store) RecordSets(ctx context.Context, provider record.Provider, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.provider, s.job_id, s.created_at,
			(SELECT count(*) FROM dataset_record_set_records l WHERE l.record_set_id = s.id)
		FROM dataset_record_sets s
		WHERE ? = '' OR s.provider = ?
		ORDER BY s.id DESC
		LIMIT ?`, string(provider), string(provider), limit)
	if err != nil {
		return nil, fmt.Errorf("listing record sets: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sum     Summary
			prov    string
			jobID   sql.NullString
			created string
		)
		if err := rows.Scan(&sum.ID, &prov, &jobID, &created, &sum.Records); err != nil {
			return nil, fmt.Errorf("scanning record set: %w", err)
		}
		sum.Provider = record.Provider(prov)
		sum.JobID = jobID.String
		if sum.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
			return nil, fmt.Errorf("record set %d created_at: %w", sum.ID, err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// FindRecord returns the most recently stored version of a dataset carrying
// modifiedToken.
func (s *Store) FindRecord(ctx context.Context, provider record.Provider, datasetID, modifiedToken string) (*record.DatasetRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, provider, dataset_id, doi, modified_token, source, source_md5, created_at, updated_at
		FROM dataset_records
		WHERE provider = ? AND dataset_id = ? AND modified_token = ?
		ORDER BY updated_at DESC, id DESC
		LIMIT 1`, string(provider), datasetID, modifiedToken)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %s/%s@%s: %w", provider, datasetID, modifiedToken, ErrNotFound)
	}
	return rec, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*record.DatasetRecord, error) {
	var (
		id                               int64
		provider, datasetID, source, md5 string
		doi, token                       sql.NullString
		created, updated                 string
	)
	if err := row.Scan(&id, &provider, &datasetID, &doi, &token, &source, &md5, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning record: %w", err)
	}

	createdAt, err := time.Parse(timeLayout, created)
	if err != nil {
		return nil, fmt.Errorf("record %d created_at: %w", id, err)
	}
	updatedAt, err := time.Parse(timeLayout, updated)
	if err != nil {
		return nil, fmt.Errorf("record %d updated_at: %w", id, err)
	}

	return record.RestoreDatasetRecord(id, record.Provider(provider), datasetID, doi.String, token.String, []byte(source), md5, createdAt, updatedAt)
}
