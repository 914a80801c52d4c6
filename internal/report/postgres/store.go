// Package postgres persists run reports to Postgres.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/mdscrape/internal/download"
	"github.com/JakeFAU/mdscrape/internal/report"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the connection pool and table names.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	RunsTable       string        `mapstructure:"runs_table"`
	OutcomesTable   string        `mapstructure:"outcomes_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

const (
	defaultRunsTable     = "scrape_runs"
	defaultOutcomesTable = "scrape_outcomes"
)

// outcomeColumns is the CopyFrom column order.
var outcomeColumns = []string{
	"run_id", "target_index", "origin", "locator", "destination",
	"status", "failure_kind", "skip_reason", "message", "bytes", "digest",
	"elapsed_ms",
}

type beginCloser interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Store writes one row per run and one row per outcome in a single
// transaction.
type Store struct {
	pool          beginCloser
	runsTable     string
	outcomesTable string
}

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("report.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWithPool(pool, cfg.RunsTable, cfg.OutcomesTable)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool beginCloser, runsTable, outcomesTable string) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if runsTable == "" {
		runsTable = defaultRunsTable
	}
	if outcomesTable == "" {
		outcomesTable = defaultOutcomesTable
	}
	for _, name := range []string{runsTable, outcomesTable} {
		if !validTableName.MatchString(name) {
			return nil, fmt.Errorf("invalid table name %q", name)
		}
	}
	return &Store{pool: pool, runsTable: runsTable, outcomesTable: outcomesTable}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Publish implements report.Publisher.
func (s *Store) Publish(ctx context.Context, doc report.Document) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin report transaction: %w", err)
	}
	if err := s.write(ctx, tx, doc); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit report: %w", err)
	}
	return nil
}

func (s *Store) write(ctx context.Context, tx pgx.Tx, doc report.Document) error {
	query := fmt.Sprintf(`
INSERT INTO %s (
	run_id,
	mode,
	resource_id,
	started_at,
	finished_at,
	cancelled,
	total,
	succeeded,
	failed_transient,
	failed_permanent,
	skipped,
	bytes
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
)`, s.runsTable)
	sum := doc.Summary
	args := []any{
		doc.RunID,
		doc.Mode,
		doc.ResourceID,
		doc.StartedAt,
		doc.FinishedAt,
		doc.Cancelled,
		sum.Total,
		sum.Succeeded,
		sum.FailedTransient,
		sum.FailedPermanent,
		sum.Skipped,
		sum.Bytes,
	}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	rows := make([][]any, 0, len(doc.Outcomes))
	for _, o := range doc.Outcomes {
		rows = append(rows, outcomeRow(doc, o))
	}
	if len(rows) == 0 {
		return nil
	}
	n, err := tx.CopyFrom(ctx, pgx.Identifier{s.outcomesTable}, outcomeColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("copy outcomes: %w", err)
	}
	if n != int64(len(rows)) {
		return fmt.Errorf("copy outcomes: wrote %d of %d rows", n, len(rows))
	}
	return nil
}

// outcomeRow lays o out in outcomeColumns order.
func outcomeRow(doc report.Document, o download.Outcome) []any {
	return []any{
		doc.RunID,
		o.Index,
		string(o.Target.Origin),
		o.Target.Locator,
		o.Target.Destination,
		string(o.Status),
		string(o.FailureKind),
		o.SkipReason,
		o.Message,
		o.Bytes,
		o.Digest,
		o.Elapsed.Milliseconds(),
	}
}
