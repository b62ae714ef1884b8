// Package store persists parsed results against samples that were
// registered beforehand. It never creates samples.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/riri/astm"
)

// ErrSampleNotFound is returned when no sample is registered under an id.
var ErrSampleNotFound = errors.New("sample not found")

// StoredSample is a registered sample row.
type StoredSample struct {
	ID          string
	PatientID   string
	Results     map[string]astm.Result
	ImportBatch string
	UpdatedAt   time.Time
}

// SampleStore is what the importer needs from persistence: look a sample up
// and replace its results.
type SampleStore interface {
	FindSample(ctx context.Context, id string) (*StoredSample, error)
	UpdateResults(ctx context.Context, id string, results map[string]astm.Result, batchID string) error
}

const schema = `
CREATE TABLE IF NOT EXISTS samples (
	sample_id    TEXT PRIMARY KEY,
	patient_id   TEXT NOT NULL DEFAULT '',
	test_details TEXT NOT NULL DEFAULT '{}',
	import_batch TEXT NOT NULL DEFAULT '',
	created_at   TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at   TEXT NOT NULL DEFAULT ''
);
`

// SQLiteStore is a SampleStore backed by SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Register adds an empty sample row so later imports can fill it. It is the
// only way rows are created.
func (s *SQLiteStore) Register(ctx context.Context, id, patientID string) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO samples (sample_id, patient_id) VALUES (?, ?)`, id, patientID,
	); err != nil {
		return fmt.Errorf("failed to register sample %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) FindSample(ctx context.Context, id string) (*StoredSample, error) {
	var (
		out     StoredSample
		details string
		updated string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT sample_id, patient_id, test_details, import_batch, updated_at FROM samples WHERE sample_id = ?`, id,
	).Scan(&out.ID, &out.PatientID, &details, &out.ImportBatch, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSampleNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query sample %s: %w", id, err)
	}

	if err := json.Unmarshal([]byte(details), &out.Results); err != nil {
		return nil, fmt.Errorf("failed to decode results of sample %s: %w", id, err)
	}
	if updated != "" {
		if out.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
			return nil, fmt.Errorf("failed to decode update time of sample %s: %w", id, err)
		}
	}

	return &out, nil
}

// UpdateResults replaces the stored results of a registered sample.
func (s *SQLiteStore) UpdateResults(ctx context.Context, id string, results map[string]astm.Result, batchID string) error {
	details, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("failed to encode results of sample %s: %w", id, err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE samples SET test_details = ?, import_batch = ?, updated_at = ? WHERE sample_id = ?`,
		string(details), batchID, s.now().UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update sample %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrSampleNotFound, id)
	}
	return nil
}

// Report summarises one import.
type Report struct {
	BatchID  string   `json:"batch_id"`
	Updated  []string `json:"updated"`
	NotFound []string `json:"not_found"`
}

// Apply writes the results of every parsed sample whose id is registered in
// st. Unknown ids are collected in the report rather than created. Any
// other store error aborts the import.
func Apply(ctx context.Context, st SampleStore, samples []astm.Sample, log *zap.Logger) (Report, error) {
	if log == nil {
		log = zap.NewNop()
	}
	rep := Report{BatchID: uuid.NewString()}
	log = log.With(zap.String("batch_id", rep.BatchID))

	for _, sample := range samples {
		id := sample.ID()
		if id == "" {
			continue
		}

		if _, err := st.FindSample(ctx, id); err != nil {
			if errors.Is(err, ErrSampleNotFound) {
				log.Warn("sample not registered", zap.String("sample_id", id))
				rep.NotFound = append(rep.NotFound, id)
				continue
			}
			return rep, err
		}

		if err := st.UpdateResults(ctx, id, sample.Results, rep.BatchID); err != nil {
			return rep, err
		}
		log.Info("updated sample", zap.String("sample_id", id), zap.Int("results", len(sample.Results)))
		rep.Updated = append(rep.Updated, id)
	}

	return rep, nil
}
