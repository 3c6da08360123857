package benchmark

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Store archives summary rows so sweeps of different shapes and models stay
// queryable after the job's log directory is gone.
type Store struct {
	db *sql.DB
}

// NewStore creates a new results store over an open database handle.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate results tables: %w", err)
	}
	return s, nil
}

// migrate creates the results table if it doesn't exist.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS summary_rows (
			job_id TEXT NOT NULL,
			model TEXT NOT NULL,
			shape TEXT NOT NULL,
			isl INTEGER NOT NULL,
			osl INTEGER NOT NULL,
			concurrency INTEGER NOT NULL,

			request_throughput_req_s REAL,
			total_token_throughput_tok_s REAL,
			mean_e2e_latency_ms REAL,
			p50_e2e_latency_ms REAL,
			p90_e2e_latency_ms REAL,
			p99_e2e_latency_ms REAL,
			mean_ttft_ms REAL,
			mean_itl_ms REAL,

			full_row_json TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,

			PRIMARY KEY (job_id, concurrency)
		);

		CREATE INDEX IF NOT EXISTS idx_summary_model ON summary_rows(model);
		CREATE INDEX IF NOT EXISTS idx_summary_shape ON summary_rows(shape);
	`)
	return err
}

// Save archives the rows of one job. Re-saving the same (job, concurrency)
// replaces the prior row, which keeps a re-parse after log recovery
// idempotent.
func (s *Store) Save(ctx context.Context, jobID string, rows []SummaryRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, r := range rows {
		fullJSON, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal row: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO summary_rows (
				job_id, model, shape, isl, osl, concurrency,
				request_throughput_req_s, total_token_throughput_tok_s,
				mean_e2e_latency_ms, p50_e2e_latency_ms, p90_e2e_latency_ms,
				p99_e2e_latency_ms, mean_ttft_ms, mean_itl_ms,
				full_row_json
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			jobID, r.Model, r.Shape, r.InputLen, r.OutputLen, r.Concurrency,
			nullable(r.RequestThroughput), nullable(r.TotalTokThroughput),
			nullable(r.MeanE2EMs), nullable(r.P50E2EMs), nullable(r.P90E2EMs),
			nullable(r.P99E2EMs), nullable(r.MeanTTFTMs), nullable(r.MeanITLMs),
			string(fullJSON),
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListByJob returns a job's archived rows ordered by concurrency.
func (s *Store) ListByJob(ctx context.Context, jobID string) ([]SummaryRow, error) {
	return s.query(ctx, `
		SELECT full_row_json FROM summary_rows
		WHERE job_id = ?
		ORDER BY concurrency ASC
	`, jobID)
}

// ListByModel returns all archived rows for a model, newest jobs first.
func (s *Store) ListByModel(ctx context.Context, model string) ([]SummaryRow, error) {
	return s.query(ctx, `
		SELECT full_row_json FROM summary_rows
		WHERE model = ?
		ORDER BY created_at DESC, concurrency ASC
	`, model)
}

// RecentJobs returns the most recently archived job IDs.
func (s *Store) RecentJobs(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, MAX(created_at) AS latest FROM summary_rows
		GROUP BY job_id
		ORDER BY latest DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []string
	for rows.Next() {
		var jobID string
		var latest time.Time
		if err := rows.Scan(&jobID, &latest); err != nil {
			return nil, err
		}
		jobs = append(jobs, jobID)
	}
	return jobs, rows.Err()
}

// query is a helper to run a query and decode archived rows.
func (s *Store) query(ctx context.Context, query string, args ...interface{}) ([]SummaryRow, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SummaryRow
	for rows.Next() {
		var fullJSON string
		if err := rows.Scan(&fullJSON); err != nil {
			return nil, err
		}
		var row SummaryRow
		if err := json.Unmarshal([]byte(fullJSON), &row); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func nullable(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
