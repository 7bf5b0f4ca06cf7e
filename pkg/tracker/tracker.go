package tracker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pario-ai/relay/pkg/models"
)

// Tracker records and queries per-request usage.
type Tracker interface {
	// Record stores a usage record.
	Record(ctx context.Context, rec models.UsageRecord) error
	// QueryByUser returns usage records for a user since a given time.
	QueryByUser(ctx context.Context, userID string, since time.Time) ([]models.UsageRecord, error)
	// CostSince returns the total cost of a provider's calls since a given time.
	CostSince(ctx context.Context, provider models.Provider, since time.Time) (float64, error)
	// SpendSince returns the total cost of a provider's calls since a given
	// time and the time of the earliest of them. The time is zero when there
	// are none.
	SpendSince(ctx context.Context, provider models.Provider, since time.Time) (float64, time.Time, error)
	// Summary returns aggregated usage summaries, optionally filtered by provider.
	Summary(ctx context.Context, provider models.Provider) ([]models.UsageSummary, error)
	// Close releases resources.
	Close() error
}

// SQLiteTracker implements Tracker with a SQLite database.
type SQLiteTracker struct {
	db *sql.DB
}

const createTable = `
CREATE TABLE IF NOT EXISTS usage_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id TEXT NOT NULL,
	user_id TEXT NOT NULL DEFAULT '',
	task TEXT NOT NULL DEFAULT '',
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	tokens INTEGER NOT NULL DEFAULT 0,
	cost REAL NOT NULL DEFAULT 0,
	latency_ms INTEGER NOT NULL DEFAULT 0,
	outcome TEXT NOT NULL DEFAULT 'ok',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_usage_provider_time ON usage_records(provider, created_at);
CREATE INDEX IF NOT EXISTS idx_usage_user_time ON usage_records(user_id, created_at);
`

// New creates a SQLiteTracker and runs auto-migration.
func New(dbPath string) (*SQLiteTracker, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open tracker db: %w", err)
	}

	if _, err := db.Exec(createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate tracker db: %w", err)
	}

	return &SQLiteTracker{db: db}, nil
}

// Record stores a usage record. A zero CreatedAt means now.
func (t *SQLiteTracker) Record(ctx context.Context, rec models.UsageRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if rec.Outcome == "" {
		rec.Outcome = models.OutcomeOK
	}
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO usage_records (request_id, user_id, task, provider, model, tokens, cost, latency_ms, outcome, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.UserID, string(rec.Task), string(rec.Provider), rec.Model,
		rec.Tokens, rec.Cost, rec.LatencyMs, string(rec.Outcome), rec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// QueryByUser returns usage records for a user since a given time, newest first.
func (t *SQLiteTracker) QueryByUser(ctx context.Context, userID string, since time.Time) ([]models.UsageRecord, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT id, request_id, user_id, task, provider, model, tokens, cost, latency_ms, outcome, created_at
		 FROM usage_records WHERE user_id = ? AND created_at >= ? ORDER BY created_at DESC`,
		userID, since.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	var records []models.UsageRecord
	for rows.Next() {
		var r models.UsageRecord
		var task, provider, outcome string
		if err := rows.Scan(&r.ID, &r.RequestID, &r.UserID, &task, &provider, &r.Model,
			&r.Tokens, &r.Cost, &r.LatencyMs, &outcome, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		r.Task = models.TaskCategory(task)
		r.Provider = models.Provider(provider)
		r.Outcome = models.Outcome(outcome)
		records = append(records, r)
	}
	return records, rows.Err()
}

// CostSince returns the total cost of a provider's calls since a given time.
func (t *SQLiteTracker) CostSince(ctx context.Context, provider models.Provider, since time.Time) (float64, error) {
	var total float64
	err := t.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost), 0) FROM usage_records WHERE provider = ? AND created_at >= ?`,
		string(provider), since.UTC(),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("total cost: %w", err)
	}
	return total, nil
}

// SpendSince returns the total cost of a provider's calls since a given time
// and when the earliest of them happened.
func (t *SQLiteTracker) SpendSince(ctx context.Context, provider models.Provider, since time.Time) (float64, time.Time, error) {
	var first time.Time
	err := t.db.QueryRowContext(ctx,
		`SELECT created_at FROM usage_records WHERE provider = ? AND created_at >= ?
		 ORDER BY created_at ASC LIMIT 1`,
		string(provider), since.UTC(),
	).Scan(&first)
	if err == sql.ErrNoRows {
		return 0, time.Time{}, nil
	}
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("first spend: %w", err)
	}

	total, err := t.CostSince(ctx, provider, since)
	if err != nil {
		return 0, time.Time{}, err
	}
	return total, first, nil
}

// Summary returns aggregated usage grouped by provider and model.
func (t *SQLiteTracker) Summary(ctx context.Context, provider models.Provider) ([]models.UsageSummary, error) {
	query := `SELECT provider, model, COUNT(*), COALESCE(SUM(tokens), 0), COALESCE(SUM(cost), 0),
		 COALESCE(AVG(latency_ms), 0), COALESCE(SUM(CASE WHEN outcome != 'ok' THEN 1 ELSE 0 END), 0)
		 FROM usage_records`
	var args []any
	if provider != "" {
		query += ` WHERE provider = ?`
		args = append(args, string(provider))
	}
	query += ` GROUP BY provider, model ORDER BY provider, model`

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	defer rows.Close()

	var summaries []models.UsageSummary
	for rows.Next() {
		var s models.UsageSummary
		var p string
		if err := rows.Scan(&p, &s.Model, &s.RequestCount, &s.TotalTokens, &s.TotalCost, &s.AvgLatencyMs, &s.Failures); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		s.Provider = models.Provider(p)
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// Close releases the database connection.
func (t *SQLiteTracker) Close() error {
	return t.db.Close()
}
