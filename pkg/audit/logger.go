package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pario-ai/relay/pkg/models"
	_ "modernc.org/sqlite"
)

// Logger writes and queries audit entries in a dedicated SQLite database.
type Logger struct {
	db      *sql.DB
	cfg     models.AuditConfig
	logger  *slog.Logger
	done    chan struct{}
	wg      sync.WaitGroup
	include map[string]bool
	exclude map[string]bool
}

// New opens the audit SQLite database and creates the schema.
func New(cfg models.AuditConfig, logger *slog.Logger) (*Logger, error) {
	db, err := sql.Open("sqlite", cfg.DBPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}

	inc := make(map[string]bool)
	for _, v := range cfg.Include {
		inc[v] = true
	}
	exc := make(map[string]bool)
	for _, v := range cfg.ExcludeModels {
		exc[v] = true
	}

	l := &Logger{
		db:      db,
		cfg:     cfg,
		logger:  logger,
		done:    make(chan struct{}),
		include: inc,
		exclude: exc,
	}

	l.wg.Add(1)
	go l.retentionLoop()

	return l, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS audit_log (
		request_id   TEXT PRIMARY KEY,
		user_hash    TEXT NOT NULL,
		user_prefix  TEXT NOT NULL,
		task         TEXT,
		model        TEXT NOT NULL,
		provider     TEXT NOT NULL,
		reason       TEXT,
		prompt       TEXT,
		response     TEXT,
		outcome      TEXT,
		error        TEXT,
		tokens_used  INTEGER,
		cost         REAL,
		latency_ms   INTEGER,
		created_at   DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_model ON audit_log(model)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_prefix ON audit_log(user_prefix)`)
	return err
}

// Log inserts an audit entry, respecting include/exclude configuration.
func (l *Logger) Log(ctx context.Context, entry models.AuditEntry) error {
	if l == nil || l.db == nil {
		return nil
	}
	if l.exclude[entry.Model] {
		return nil
	}

	prompt := entry.Prompt
	response := entry.Response

	if !l.include["prompts"] {
		prompt = ""
	}
	if !l.include["responses"] {
		response = ""
	}

	if l.cfg.MaxBodySize > 0 {
		if len(prompt) > l.cfg.MaxBodySize {
			prompt = prompt[:l.cfg.MaxBodySize]
		}
		if len(response) > l.cfg.MaxBodySize {
			response = response[:l.cfg.MaxBodySize]
		}
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO audit_log
		(request_id, user_hash, user_prefix, task, model, provider, reason,
		 prompt, response, outcome, error,
		 tokens_used, cost, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.RequestID, entry.UserHash, entry.UserPrefix,
		string(entry.Task), entry.Model, string(entry.Provider), entry.Reason,
		prompt, response, string(entry.Outcome), entry.Error,
		entry.TokensUsed, entry.Cost, entry.LatencyMs, entry.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("audit log: %w", err)
	}
	return nil
}

// Query returns audit entries matching the given options.
func (l *Logger) Query(ctx context.Context, opts models.AuditQueryOpts) ([]models.AuditEntry, error) {
	q := `SELECT request_id, user_hash, user_prefix, task, model, provider, reason,
		prompt, response, outcome, error,
		tokens_used, cost, latency_ms, created_at
		FROM audit_log WHERE 1=1`
	var args []any

	if opts.RequestID != "" {
		q += " AND request_id = ?"
		args = append(args, opts.RequestID)
	}
	if opts.Model != "" {
		q += " AND model = ?"
		args = append(args, opts.Model)
	}
	if opts.Provider != "" {
		q += " AND provider = ?"
		args = append(args, string(opts.Provider))
	}
	if !opts.Since.IsZero() {
		q += " AND created_at >= ?"
		args = append(args, opts.Since.UTC())
	}
	if opts.UserPrefix != "" {
		q += " AND user_prefix = ?"
		args = append(args, opts.UserPrefix)
	}

	q += " ORDER BY created_at DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var task, provider, reason, prompt, response, outcome, errText sql.NullString
		var tokens, latency sql.NullInt64
		var cost sql.NullFloat64
		if err := rows.Scan(
			&e.RequestID, &e.UserHash, &e.UserPrefix, &task, &e.Model, &provider, &reason,
			&prompt, &response, &outcome, &errText,
			&tokens, &cost, &latency, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		e.Task = models.TaskCategory(task.String)
		e.Provider = models.Provider(provider.String)
		e.Reason = reason.String
		e.Prompt = prompt.String
		e.Response = response.String
		e.Outcome = models.Outcome(outcome.String)
		e.Error = errText.String
		e.TokensUsed = int(tokens.Int64)
		e.Cost = cost.Float64
		e.LatencyMs = latency.Int64
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Stats returns aggregate counts grouped by provider, model and day.
func (l *Logger) Stats(ctx context.Context) ([]models.AuditStat, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT provider, model, date(created_at) as day, count(*) as cnt
		 FROM audit_log GROUP BY provider, model, day ORDER BY day DESC, provider, model`)
	if err != nil {
		return nil, fmt.Errorf("audit stats: %w", err)
	}
	defer rows.Close()

	var stats []models.AuditStat
	for rows.Next() {
		var s models.AuditStat
		var provider string
		var day sql.NullString
		if err := rows.Scan(&provider, &s.Model, &day, &s.Count); err != nil {
			return nil, fmt.Errorf("scan audit stat: %w", err)
		}
		s.Provider = models.Provider(provider)
		s.Day = day.String
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// Cleanup deletes entries older than the configured retention period.
func (l *Logger) Cleanup(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -l.cfg.RetentionDays)
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM audit_log WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("audit cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close stops the retention goroutine and closes the database.
func (l *Logger) Close() error {
	close(l.done)
	l.wg.Wait()
	return l.db.Close()
}

func (l *Logger) retentionLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			n, err := l.Cleanup(context.Background())
			if err != nil {
				l.logger.Warn("audit retention sweep failed", "error", err)
				continue
			}
			if n > 0 {
				l.logger.Debug("audit retention sweep", "deleted", n)
			}
		}
	}
}

// HashUserID returns the SHA-256 hex hash and 8-char prefix for a user id.
// Empty ids hash to "anonymous".
func HashUserID(userID string) (hash, prefix string) {
	if userID == "" {
		userID = "anonymous"
	}
	h := sha256.Sum256([]byte(userID))
	hash = hex.EncodeToString(h[:])
	if len(userID) > 8 {
		prefix = userID[:8]
	} else {
		prefix = userID
	}
	return hash, prefix
}
