package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/miradorstack/mirador-heal/internal/models"
	"github.com/miradorstack/mirador-heal/internal/utils"
)

// ErrNotFound signals that a row addressed by id does not exist or is no longer eligible.
var ErrNotFound = errors.New("not found")

// PostgresConfig holds connection pool settings.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// PostgresStore persists patterns, fixes, the remediation log, error events and jobs.
type PostgresStore struct {
	db      *sql.DB
	maxIdle int
	clock   utils.Clock
	logger  *slog.Logger
}

// NewPostgresStore opens a pool. The connection is established lazily; call Ping to verify.
func NewPostgresStore(cfg PostgresConfig, logger *slog.Logger) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("database dsn is required")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return NewPostgresStoreFromDB(db, cfg.MaxIdleConns, logger, nil), nil
}

// NewPostgresStoreFromDB wraps an existing pool.
func NewPostgresStoreFromDB(db *sql.DB, maxIdle int, logger *slog.Logger, clock utils.Clock) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = utils.SystemClock{}
	}
	return &PostgresStore{db: db, maxIdle: maxIdle, clock: clock, logger: logger}
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ReleaseIdle closes every idle connection in the pool and restores the idle limit. It returns
// the number of idle connections at the time of the call.
func (s *PostgresStore) ReleaseIdle(context.Context) (int, error) {
	idle := s.db.Stats().Idle
	s.db.SetMaxIdleConns(0)
	s.db.SetMaxIdleConns(s.maxIdle)
	s.logger.Info("released idle database connections", slog.Int("idle", idle))
	return idle, nil
}

// PoolStats reports pool counters.
func (s *PostgresStore) PoolStats() sql.DBStats {
	return s.db.Stats()
}

// CreateTables creates the tables the engine reads and writes.
func (s *PostgresStore) CreateTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS error_patterns (
			id BIGSERIAL PRIMARY KEY,
			name VARCHAR(255) NOT NULL UNIQUE,
			description TEXT NOT NULL DEFAULT '',
			regex TEXT NOT NULL,
			error_type VARCHAR(64) NOT NULL DEFAULT '',
			severity VARCHAR(16) NOT NULL DEFAULT 'medium',
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			threshold_count INTEGER NOT NULL DEFAULT 1,
			threshold_window_minutes INTEGER NOT NULL DEFAULT 5,
			cooldown_minutes INTEGER NOT NULL DEFAULT 5,
			match_count BIGINT NOT NULL DEFAULT 0,
			last_matched_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS remediation_fixes (
			id BIGSERIAL PRIMARY KEY,
			pattern_id BIGINT NOT NULL REFERENCES error_patterns(id) ON DELETE CASCADE,
			fix_type VARCHAR(64) NOT NULL,
			config JSONB NOT NULL DEFAULT '{}',
			priority INTEGER NOT NULL DEFAULT 100,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			success_count BIGINT NOT NULL DEFAULT 0,
			failure_count BIGINT NOT NULL DEFAULT 0,
			last_applied_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS remediation_fixes_pattern_idx ON remediation_fixes (pattern_id, priority)`,
		`CREATE TABLE IF NOT EXISTS remediation_log (
			id BIGSERIAL PRIMARY KEY,
			pattern_id BIGINT REFERENCES error_patterns(id) ON DELETE SET NULL,
			fix_id BIGINT REFERENCES remediation_fixes(id) ON DELETE SET NULL,
			outcome VARCHAR(16) NOT NULL,
			details JSONB NOT NULL DEFAULT '{}',
			duration_ms BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id BIGSERIAL PRIMARY KEY,
			type VARCHAR(64) NOT NULL,
			payload JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS events_type_created_idx ON events (type, created_at, id)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id VARCHAR(255) PRIMARY KEY,
			kind VARCHAR(64) NOT NULL,
			status VARCHAR(32) NOT NULL,
			error TEXT,
			started_at TIMESTAMPTZ,
			finished_at TIMESTAMPTZ
		)`,
	}

	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

const patternColumns = `id, name, description, regex, error_type, severity, enabled,
	threshold_count, threshold_window_minutes, cooldown_minutes`

// EnabledPatterns returns enabled patterns in id order, which is the registry's match order.
func (s *PostgresStore) EnabledPatterns(ctx context.Context) ([]models.ErrorPattern, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+patternColumns+` FROM error_patterns WHERE enabled = TRUE ORDER BY id`)
	if err != nil {
		return nil, utils.NewAppError("repo.EnabledPatterns", "query enabled patterns", err)
	}
	defer rows.Close()

	var out []models.ErrorPattern
	for rows.Next() {
		var (
			p        models.ErrorPattern
			severity string
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Regex, &p.ErrorType, &severity, &p.Enabled,
			&p.ThresholdCount, &p.ThresholdWindowMinutes, &p.CooldownMinutes); err != nil {
			return nil, utils.NewAppError("repo.EnabledPatterns", "scan pattern", err)
		}
		p.Severity = models.ParseSeverity(severity)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.NewAppError("repo.EnabledPatterns", "iterate patterns", err)
	}
	return out, nil
}

// IncrementMatchCount adds n to a pattern's match counter.
func (s *PostgresStore) IncrementMatchCount(ctx context.Context, patternID int64, n int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE error_patterns SET match_count = match_count + $2, last_matched_at = $3 WHERE id = $1`,
		patternID, n, s.clock.Now())
	if err != nil {
		return utils.NewAppError("repo.IncrementMatchCount", fmt.Sprintf("pattern %d", patternID), err)
	}
	return nil
}

// FixForPattern returns the lowest-priority enabled fix, or nil when the pattern has none.
func (s *PostgresStore) FixForPattern(ctx context.Context, patternID int64) (*models.RemediationFix, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, pattern_id, fix_type, config, priority, enabled,
		success_count, failure_count, last_applied_at
		FROM remediation_fixes
		WHERE pattern_id = $1 AND enabled = TRUE
		ORDER BY priority ASC, id ASC
		LIMIT 1`, patternID)

	var (
		fix       models.RemediationFix
		fixType   string
		rawConfig []byte
		applied   sql.NullTime
	)
	err := row.Scan(&fix.ID, &fix.PatternID, &fixType, &rawConfig, &fix.Priority, &fix.Enabled,
		&fix.SuccessCount, &fix.FailureCount, &applied)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, utils.NewAppError("repo.FixForPattern", fmt.Sprintf("pattern %d", patternID), err)
	}

	ft, err := models.ParseFixType(fixType)
	if err != nil {
		return nil, utils.NewAppError("repo.FixForPattern", fmt.Sprintf("fix %d", fix.ID), err)
	}
	fix.FixType = ft
	if len(rawConfig) > 0 {
		if err := json.Unmarshal(rawConfig, &fix.Config); err != nil {
			return nil, utils.NewAppError("repo.FixForPattern", fmt.Sprintf("decode config of fix %d", fix.ID), err)
		}
	}
	if applied.Valid {
		t := applied.Time
		fix.LastAppliedAt = &t
	}
	return &fix, nil
}

// IncrementFixCounter bumps the success or failure counter and stamps the apply time.
func (s *PostgresStore) IncrementFixCounter(ctx context.Context, fixID int64, success bool, at time.Time) error {
	query := `UPDATE remediation_fixes SET failure_count = failure_count + 1, last_applied_at = $2 WHERE id = $1`
	if success {
		query = `UPDATE remediation_fixes SET success_count = success_count + 1, last_applied_at = $2 WHERE id = $1`
	}
	if _, err := s.db.ExecContext(ctx, query, fixID, at); err != nil {
		return utils.NewAppError("repo.IncrementFixCounter", fmt.Sprintf("fix %d", fixID), err)
	}
	return nil
}

// InsertAudit appends a remediation log row.
func (s *PostgresStore) InsertAudit(ctx context.Context, rec models.AuditRecord) error {
	details := rec.Details
	if details == nil {
		details = map[string]any{}
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return utils.NewAppError("repo.InsertAudit", "encode details", err)
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.clock.Now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO remediation_log (pattern_id, fix_id, outcome, details, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		nullInt64(rec.PatternID), nullInt64(rec.FixID), string(rec.Outcome), raw, rec.DurationMS, createdAt)
	if err != nil {
		return utils.NewAppError("repo.InsertAudit", "insert remediation log", err)
	}
	return nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

// ErrorEventsAfter returns "error" events positioned after the (since, afterID) cursor, oldest first.
// Rows at exactly since are included when their id is greater than afterID.
func (s *PostgresStore) ErrorEventsAfter(ctx context.Context, since time.Time, afterID int64, limit int) ([]models.ErrorEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, COALESCE(payload->>'error', ''), created_at FROM events
		WHERE type = 'error' AND (created_at > $1 OR (created_at = $1 AND id > $2))
		ORDER BY created_at ASC, id ASC
		LIMIT $3`, since, afterID, limit)
	if err != nil {
		return nil, utils.NewAppError("repo.ErrorEventsAfter", "query error events", err)
	}
	defer rows.Close()

	var out []models.ErrorEvent
	for rows.Next() {
		var ev models.ErrorEvent
		if err := rows.Scan(&ev.ID, &ev.Message, &ev.CreatedAt); err != nil {
			return nil, utils.NewAppError("repo.ErrorEventsAfter", "scan event", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.NewAppError("repo.ErrorEventsAfter", "iterate events", err)
	}
	return out, nil
}

// RunawayJobs lists running jobs started more than maxRuntime ago, oldest first.
func (s *PostgresStore) RunawayJobs(ctx context.Context, maxRuntime time.Duration, limit int) ([]models.Job, error) {
	cutoff := s.clock.Now().Add(-maxRuntime)
	rows, err := s.db.QueryContext(ctx, `SELECT id, kind, status, started_at FROM jobs
		WHERE status = $1 AND started_at < $2
		ORDER BY started_at ASC
		LIMIT $3`, models.JobStatusRunning, cutoff, limit)
	if err != nil {
		return nil, utils.NewAppError("repo.RunawayJobs", "query running jobs", err)
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		var j models.Job
		if err := rows.Scan(&j.ID, &j.Kind, &j.Status, &j.StartedAt); err != nil {
			return nil, utils.NewAppError("repo.RunawayJobs", "scan job", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.NewAppError("repo.RunawayJobs", "iterate jobs", err)
	}
	return out, nil
}

// MarkJobFailed moves a running job to the terminal failed status.
func (s *PostgresStore) MarkJobFailed(ctx context.Context, jobID, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = $2, error = $3, finished_at = $4 WHERE id = $1 AND status = $5`,
		jobID, models.JobStatusFailed, reason, s.clock.Now(), models.JobStatusRunning)
	if err != nil {
		return utils.NewAppError("repo.MarkJobFailed", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return utils.NewAppError("repo.MarkJobFailed", jobID, err)
	}
	if n == 0 {
		return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	return nil
}
