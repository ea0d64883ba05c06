// internal/store/store.go

// Package store persists finished runs to PostgreSQL when a database URL is
// configured. Persistence is strictly optional and strictly after the fact:
// the session loop never touches the database, so a missing or broken store
// can cost history but never a verdict.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/xkilldash9x/droidprobe/internal/reporting"
)

// uuidNewString is swapped in tests for deterministic session row ids.
var uuidNewString = uuid.NewString

// DBPool abstracts the pgxpool.Pool surface the store uses, so tests can
// substitute pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store writes runs, their per-test sessions, and every recorded step.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a store and verifies the connection is alive.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// schemaStatements bootstrap the three tables. Idempotent so every run can
// call EnsureSchema unconditionally.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS runs (
        id TEXT PRIMARY KEY,
        suite_name TEXT,
        app_package TEXT NOT NULL,
        run_dir TEXT,
        started_at TIMESTAMPTZ NOT NULL,
        ended_at TIMESTAMPTZ NOT NULL,
        total INT NOT NULL,
        passed INT NOT NULL,
        failed INT NOT NULL,
        errors INT NOT NULL,
        unexpected INT NOT NULL
    );`,
	`CREATE TABLE IF NOT EXISTS sessions (
        id TEXT PRIMARY KEY,
        run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
        test_id TEXT NOT NULL,
        test_name TEXT,
        serial TEXT,
        should_pass BOOLEAN NOT NULL,
        status TEXT NOT NULL,
        verdict TEXT,
        summary TEXT,
        goal JSONB NOT NULL,
        steps_used INT NOT NULL,
        crashes JSONB NOT NULL,
        harness_error TEXT,
        started_at TIMESTAMPTZ,
        ended_at TIMESTAMPTZ
    );`,
	`CREATE TABLE IF NOT EXISTS steps (
        session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
        idx INT NOT NULL,
        started_at TIMESTAMPTZ,
        duration_ms BIGINT NOT NULL,
        action TEXT,
        outcome TEXT,
        failure TEXT,
        retries INT NOT NULL,
        PRIMARY KEY (session_id, idx)
    );`,
}

// EnsureSchema creates the tables when they do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to bootstrap schema: %w", err)
		}
	}
	return nil
}

const sqlInsertRun = `
    INSERT INTO runs (id, suite_name, app_package, run_dir, started_at, ended_at, total, passed, failed, errors, unexpected)
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11);
`

const sqlInsertSession = `
    INSERT INTO sessions (id, run_id, test_id, test_name, serial, should_pass, status, verdict, summary, goal, steps_used, crashes, harness_error, started_at, ended_at)
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15);
`

var stepColumns = []string{"session_id", "idx", "started_at", "duration_ms", "action", "outcome", "failure", "retries"}

// SaveReport writes one finished run in a single transaction: the run row,
// one session row per test result (batched), and the flattened step rows
// copied in bulk.
func (s *Store) SaveReport(ctx context.Context, report *reporting.Report) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	summary := report.Summarize()
	if _, err := tx.Exec(ctx, sqlInsertRun,
		report.RunID, report.SuiteName, report.AppPackage, report.RunDir,
		report.StartedAt.UTC(), report.EndedAt.UTC(),
		summary.Total, summary.Passed, summary.Failed, summary.Errors, summary.Unexpected,
	); err != nil {
		return fmt.Errorf("failed to insert run %s: %w", report.RunID, err)
	}

	sessionIDs := make([]string, len(report.Results))
	batch := &pgx.Batch{}
	for i, res := range report.Results {
		sessionIDs[i] = uuidNewString()
		args, err := sessionArgs(sessionIDs[i], report.RunID, res)
		if err != nil {
			return err
		}
		batch.Queue(sqlInsertSession, args...)
	}
	if batch.Len() > 0 {
		if err := s.sendSessionBatch(ctx, tx, batch, report); err != nil {
			return err
		}
	}

	if err := s.copySteps(ctx, tx, sessionIDs, report); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Info("Run persisted",
		zap.String("run_id", report.RunID),
		zap.Int("sessions", len(report.Results)))
	return nil
}

func (s *Store) sendSessionBatch(ctx context.Context, tx pgx.Tx, batch *pgx.Batch, report *reporting.Report) error {
	br := tx.SendBatch(ctx, batch)
	if br == nil {
		return errors.New("failed to send session batch: batch results is nil")
	}
	defer func() {
		_ = br.Close()
	}()
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to insert session for test %q: %w", report.Results[i].TestID, err)
		}
	}
	return nil
}

// sessionArgs flattens one test result into the sessions insert. Goal and
// crashes land as JSONB; the step detail lives in the steps table.
func sessionArgs(sessionID, runID string, res reporting.TestResult) ([]any, error) {
	goalJSON := json.RawMessage("{}")
	crashesJSON := json.RawMessage("[]")
	var verdict, summary string
	// Untyped so a missing session lands as SQL NULL, not a typed nil pointer.
	var startedAt, endedAt any
	stepsUsed := 0

	if res.Session != nil {
		var err error
		if goalJSON, err = json.Marshal(res.Session.Goal); err != nil {
			return nil, fmt.Errorf("failed to encode goal for test %q: %w", res.TestID, err)
		}
		verdict = string(res.Session.Verdict)
		summary = res.Session.Summary
		stepsUsed = res.Session.StepsUsed
		startedAt, endedAt = res.Session.StartedAt.UTC(), res.Session.EndedAt.UTC()
	}
	if len(res.Crashes) > 0 {
		var err error
		if crashesJSON, err = json.Marshal(res.Crashes); err != nil {
			return nil, fmt.Errorf("failed to encode crashes for test %q: %w", res.TestID, err)
		}
	}

	return []any{
		sessionID, runID, res.TestID, res.Name, res.Serial, res.ShouldPass,
		string(res.Status()), verdict, summary, goalJSON, stepsUsed,
		crashesJSON, res.Error, startedAt, endedAt,
	}, nil
}

func (s *Store) copySteps(ctx context.Context, tx pgx.Tx, sessionIDs []string, report *reporting.Report) error {
	var rows [][]any
	for i, res := range report.Results {
		if res.Session == nil {
			continue
		}
		for _, step := range res.Session.Steps {
			rows = append(rows, []any{
				sessionIDs[i], step.Index, step.StartedAt.UTC(),
				step.Duration.Milliseconds(),
				step.ActionSummary(), step.OutcomeSummary(),
				string(step.Failure), step.Retries,
			})
		}
	}
	if len(rows) == 0 {
		return nil
	}

	copied, err := tx.CopyFrom(ctx, pgx.Identifier{"steps"}, stepColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy steps: %w", err)
	}
	if int(copied) != len(rows) {
		return fmt.Errorf("mismatch in copied step count: expected %d, got %d", len(rows), copied)
	}
	return nil
}
