package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoreg/api/schemas"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Schema creates the tables the store needs. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS field_templates (
    manufacturer_key TEXT PRIMARY KEY,
    manufacturer     TEXT NOT NULL,
    rules_version    TEXT NOT NULL DEFAULT '',
    url_pattern      TEXT NOT NULL DEFAULT '',
    entries          JSONB NOT NULL,
    updated_at       TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS registration_results (
    run_id            TEXT PRIMARY KEY,
    job_id            TEXT NOT NULL DEFAULT '',
    status            TEXT NOT NULL,
    error_type        TEXT NOT NULL DEFAULT '',
    confirmation_code TEXT NOT NULL DEFAULT '',
    attempt_number    INTEGER NOT NULL,
    duration_ms       BIGINT NOT NULL,
    target_url        TEXT NOT NULL,
    finished_at       TIMESTAMPTZ NOT NULL,
    payload           JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS registration_results_job_idx ON registration_results (job_id, finished_at DESC);
`

// Store persists field templates and run results in PostgreSQL. The engine
// itself never writes here; the CLI and the job API do.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if pool == nil {
		return nil, errors.New("database pool cannot be nil")
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// Migrate applies Schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

const sqlUpsertTemplate = `
        INSERT INTO field_templates (manufacturer_key, manufacturer, rules_version, url_pattern, entries, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (manufacturer_key) DO UPDATE SET
            manufacturer = EXCLUDED.manufacturer,
            rules_version = EXCLUDED.rules_version,
            url_pattern = EXCLUDED.url_pattern,
            entries = EXCLUDED.entries,
            updated_at = EXCLUDED.updated_at;
    `

// PutTemplates upserts every mapping in one transaction.
func (s *Store) PutTemplates(ctx context.Context, mappings []*schemas.FieldMapping) error {
	if len(mappings) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	batch := &pgx.Batch{}
	now := time.Now().UTC()
	for _, m := range mappings {
		entries, err := json.Marshal(m.Entries)
		if err != nil {
			return fmt.Errorf("failed to encode entries for %s: %w", m.Manufacturer, err)
		}
		batch.Queue(sqlUpsertTemplate, schemas.ManufacturerKey(m.Manufacturer), m.Manufacturer, m.RulesVersion, m.URLPattern, entries, now)
	}

	br := tx.SendBatch(ctx, batch)
	if br == nil {
		return fmt.Errorf("failed to send batch: batch results is nil")
	}
	for i := range mappings {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("failed to upsert template %s (index %d): %w", mappings[i].Manufacturer, i, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("failed to close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Info("Templates stored.", zap.Int("count", len(mappings)))
	return nil
}

const sqlSelectTemplate = `
        SELECT manufacturer, rules_version, url_pattern, entries
        FROM field_templates
        WHERE manufacturer_key = $1;
    `

// Lookup returns the template stored for manufacturer, or nil when there is none.
func (s *Store) Lookup(ctx context.Context, manufacturer string) (*schemas.FieldMapping, error) {
	var m schemas.FieldMapping
	var entries []byte
	err := s.pool.QueryRow(ctx, sqlSelectTemplate, schemas.ManufacturerKey(manufacturer)).
		Scan(&m.Manufacturer, &m.RulesVersion, &m.URLPattern, &entries)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query template for %s: %w", manufacturer, err)
	}
	if err := json.Unmarshal(entries, &m.Entries); err != nil {
		return nil, fmt.Errorf("failed to decode template entries for %s: %w", manufacturer, err)
	}
	return &m, nil
}

const sqlUpsertResult = `
        INSERT INTO registration_results (run_id, job_id, status, error_type, confirmation_code, attempt_number, duration_ms, target_url, finished_at, payload)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (run_id) DO UPDATE SET
            status = EXCLUDED.status,
            error_type = EXCLUDED.error_type,
            confirmation_code = EXCLUDED.confirmation_code,
            attempt_number = EXCLUDED.attempt_number,
            duration_ms = EXCLUDED.duration_ms,
            finished_at = EXCLUDED.finished_at,
            payload = EXCLUDED.payload;
    `

// SaveResult records a finished run. The full result is kept as JSON next to
// the columns used for querying.
func (s *Store) SaveResult(ctx context.Context, res *schemas.RegistrationResult) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to encode result %s: %w", res.RunID, err)
	}
	_, err = s.pool.Exec(ctx, sqlUpsertResult,
		res.RunID, res.JobID, string(res.Status), string(res.ErrorType), res.ConfirmationCode,
		res.AttemptNumber, res.DurationMs, res.TargetURL, res.FinishedAt.UTC(), payload)
	if err != nil {
		return fmt.Errorf("failed to save result %s: %w", res.RunID, err)
	}
	return nil
}

const sqlSelectResultByJob = `
        SELECT payload
        FROM registration_results
        WHERE job_id = $1
        ORDER BY finished_at DESC
        LIMIT 1;
    `

// ResultByJob returns the latest result recorded for a job.
func (s *Store) ResultByJob(ctx context.Context, jobID string) (*schemas.RegistrationResult, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, sqlSelectResultByJob, jobID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query result for job %s: %w", jobID, err)
	}
	var res schemas.RegistrationResult
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, fmt.Errorf("failed to decode result for job %s: %w", jobID, err)
	}
	return &res, nil
}

const sqlSelectRecent = `
        SELECT payload
        FROM registration_results
        WHERE ($1 = '' OR status = $1)
        ORDER BY finished_at DESC
        LIMIT $2;
    `

// RecentResults lists the latest results, optionally filtered by status.
func (s *Store) RecentResults(ctx context.Context, status schemas.RunStatus, limit int) ([]schemas.RegistrationResult, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, sqlSelectRecent, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	defer rows.Close()

	var out []schemas.RegistrationResult
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan result row: %w", err)
		}
		var res schemas.RegistrationResult
		if err := json.Unmarshal(payload, &res); err != nil {
			return nil, fmt.Errorf("failed to decode result row: %w", err)
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}
