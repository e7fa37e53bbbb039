// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/script-cpu-analyzer/internal/analysis"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

//go:embed schema.sql
var schemaSQL string

// Config controls the Postgres connection pool and table names.
type Config struct {
	DSN             string
	PagesTable      string
	AnalysesTable   string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Ping(context.Context) error
	Close()
}

// PageStore implements analysis.PageStore on Postgres.
type PageStore struct {
	pool     pool
	pages    string
	analyses string
}

// NewPageStore connects to Postgres using the provided config.
func NewPageStore(ctx context.Context, cfg Config) (*PageStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewPageStoreWithPool(p, cfg.PagesTable, cfg.AnalysesTable)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewPageStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewPageStoreWithPool(p pool, pagesTable, analysesTable string) (*PageStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if pagesTable == "" {
		pagesTable = "pages"
	}
	if analysesTable == "" {
		analysesTable = "daily_analyses"
	}
	for _, table := range []string{pagesTable, analysesTable} {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	return &PageStore{pool: p, pages: pagesTable, analyses: analysesTable}, nil
}

// Close releases the underlying pool resources.
func (s *PageStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *PageStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	return nil
}

// Migrate creates the tables when missing. Only valid with the default table names.
func (s *PageStore) Migrate(ctx context.Context) error {
	if s.pages != "pages" || s.analyses != "daily_analyses" {
		return fmt.Errorf("migrate requires default table names")
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// CountPages returns the number of pages.
func (s *PageStore) CountPages(ctx context.Context) (int, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.pages)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pages: %w", err)
	}
	return int(n), nil
}

// CountAnalysesSince returns the number of daily analyses created at or after since.
func (s *PageStore) CountAnalysesSince(ctx context.Context, since time.Time) (int, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE created_at >= $1`, s.analyses)
	var n int64
	if err := s.pool.QueryRow(ctx, query, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("count analyses: %w", err)
	}
	return int(n), nil
}

const pageColumns = `id,
	url,
	COALESCE(script_url, ''),
	COALESCE(self_hosting_url, ''),
	COALESCE(cookie_consent_code, ''),
	COALESCE(consent_strategy, ''),
	last_analyzed_at,
	last_attempted_at,
	failure_count,
	last_error`

// SelectCandidates returns eligible pages, least recently analyzed first.
func (s *PageStore) SelectCandidates(
	ctx context.Context,
	policy analysis.SchedulingPolicy,
	now time.Time,
	limit int,
) ([]analysis.Page, error) {
	if limit <= 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE (last_analyzed_at IS NULL OR last_analyzed_at < $1)
	AND (last_attempted_at IS NULL OR last_attempted_at < $2)
	AND (failure_count < $3 OR last_attempted_at IS NULL OR last_attempted_at < $4)
ORDER BY last_analyzed_at ASC NULLS FIRST
LIMIT $5`, pageColumns, s.pages)

	rows, err := s.pool.Query(ctx, query,
		policy.StaleBefore(now),
		policy.RetryBefore(now),
		policy.MaxFailures,
		policy.CooldownBefore(now),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select candidates: %w", err)
	}
	defer rows.Close()

	var pages []analysis.Page
	for rows.Next() {
		page, err := scanPage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		pages = append(pages, page)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candidates: %w", err)
	}
	return pages, nil
}

// GetPage loads a page by id.
func (s *PageStore) GetPage(ctx context.Context, id string) (analysis.Page, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, pageColumns, s.pages)
	page, err := scanPage(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return analysis.Page{}, analysis.ErrPageNotFound
	}
	if err != nil {
		return analysis.Page{}, fmt.Errorf("get page: %w", err)
	}
	return page, nil
}

func scanPage(row pgx.Row) (analysis.Page, error) {
	var (
		page     analysis.Page
		strategy string
		failures int
	)
	err := row.Scan(
		&page.ID,
		&page.URL,
		&page.ScriptURL,
		&page.SelfHostingURL,
		&page.CookieConsentCode,
		&strategy,
		&page.LastAnalyzedAt,
		&page.LastAttemptedAt,
		&failures,
		&page.LastError,
	)
	if err != nil {
		return analysis.Page{}, err
	}
	page.ConsentStrategy = analysis.ConsentStrategy(strategy)
	page.FailureCount = failures
	return page, nil
}

// RecordSuccess upserts the day's analysis and resets the page failure state in one transaction.
// A second write for the same (page, date, tool) overwrites the first.
func (s *PageStore) RecordSuccess(ctx context.Context, outcome analysis.Outcome) error {
	a := outcome.Analysis
	upsert := fmt.Sprintf(`
INSERT INTO %s (
	page_id,
	date,
	tool,
	desktop_cpu_avg,
	mobile_cpu_avg,
	run_count,
	created_at,
	updated_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$7
)
ON CONFLICT (page_id, date, tool) DO UPDATE SET
	desktop_cpu_avg = EXCLUDED.desktop_cpu_avg,
	mobile_cpu_avg = EXCLUDED.mobile_cpu_avg,
	run_count = EXCLUDED.run_count,
	updated_at = EXCLUDED.updated_at`, s.analyses)

	update := fmt.Sprintf(`
UPDATE %s
SET last_analyzed_at = $2,
	last_attempted_at = $2,
	failure_count = 0,
	last_error = NULL
WHERE id = $1`, s.pages)

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, upsert,
			a.PageID,
			a.Date,
			string(a.Tool),
			a.DesktopCPUAvg,
			a.MobileCPUAvg,
			a.RunCount,
			outcome.CompletedAt,
		); err != nil {
			return fmt.Errorf("upsert daily analysis: %w", err)
		}
		tag, err := tx.Exec(ctx, update, a.PageID, outcome.CompletedAt)
		if err != nil {
			return fmt.Errorf("update page: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return analysis.ErrPageNotFound
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record success: %w", err)
	}
	return nil
}

// RecordFailure bumps the failure counter and stores the error.
func (s *PageStore) RecordFailure(ctx context.Context, pageID string, errText string, at time.Time) error {
	query := fmt.Sprintf(`
UPDATE %s
SET failure_count = failure_count + 1,
	last_error = $2,
	last_attempted_at = $3
WHERE id = $1`, s.pages)
	tag, err := s.pool.Exec(ctx, query, pageID, errText, at)
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return analysis.ErrPageNotFound
	}
	return nil
}

// GetDailyAnalysis loads the analysis row for a page, day and tool.
func (s *PageStore) GetDailyAnalysis(
	ctx context.Context,
	pageID string,
	date time.Time,
	tool analysis.Tool,
) (analysis.DailyAnalysis, error) {
	query := fmt.Sprintf(`
SELECT page_id, date, tool, desktop_cpu_avg, mobile_cpu_avg, run_count, created_at, updated_at
FROM %s
WHERE page_id = $1 AND date = $2 AND tool = $3`, s.analyses)

	var (
		out     analysis.DailyAnalysis
		toolStr string
	)
	err := s.pool.QueryRow(ctx, query, pageID, date, string(tool)).Scan(
		&out.PageID,
		&out.Date,
		&toolStr,
		&out.DesktopCPUAvg,
		&out.MobileCPUAvg,
		&out.RunCount,
		&out.CreatedAt,
		&out.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return analysis.DailyAnalysis{}, analysis.ErrAnalysisNotFound
	}
	if err != nil {
		return analysis.DailyAnalysis{}, fmt.Errorf("get daily analysis: %w", err)
	}
	out.Tool = analysis.Tool(toolStr)
	return out, nil
}
