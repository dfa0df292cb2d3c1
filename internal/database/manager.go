package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	// ARCHITECTURAL DISCOVERY: Import SQLite driver but only reference in connection string
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	dbconfig "matchprobe/pkg/database"
	"matchprobe/pkg/interfaces"
	"matchprobe/pkg/types"
)

// Manager implements the OutcomeStore interface on SQLite
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation // TECHNICAL: Single-writer pattern for SQLite
	shutdown     chan struct{}
	loopDone     chan struct{} // closed once the write loop has returned
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex // TECHNICAL: Protect closed status
	retryDelay   time.Duration
	logger       zerolog.Logger
}

// writeOperation represents a database write operation
type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the results database, applies migrations and starts the writer
func NewManager(config *dbconfig.Config, logger zerolog.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// FUNCTIONAL DISCOVERY: Connection pool configuration critical for concurrent reads
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	migrations := dbconfig.NewMigrationManager(db)
	if err := migrations.ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	if err := migrations.ValidateSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("invalid database schema: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, 100), // TECHNICAL: Buffer for write operations prevents blocking
		shutdown:     make(chan struct{}),
		loopDone:     make(chan struct{}),
		retryDelay:   5 * time.Second,
		logger:       logger.With().Str("module", "database").Logger(),
	}

	// ARCHITECTURAL DISCOVERY: Single-writer goroutine prevents SQLite write contention
	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop processes all write operations in a single goroutine
func (m *Manager) writeLoop() {
	defer m.wg.Done()
	defer close(m.loopDone)

	for {
		select {
		case op := <-m.writeChannel:
			// FUNCTIONAL DISCOVERY: a failed write is retried exactly once
			err := op.operation(m.db)
			if err != nil {
				m.logger.Warn().Err(err).Dur("retry_in", m.retryDelay).Msg("database write failed, retrying")
				time.Sleep(m.retryDelay)
				err = op.operation(m.db)
				if err != nil {
					m.logger.Error().Err(err).Msg("database write failed after retry")
				}
			}
			op.result <- err

		case <-m.shutdown:
			m.logger.Debug().Msg("database write loop shutting down")
			m.rejectQueued()
			return
		}
	}
}

// rejectQueued answers operations still buffered at shutdown
func (m *Manager) rejectQueued() {
	for {
		select {
		case op := <-m.writeChannel:
			op.result <- ErrManagerClosed
		default:
			return
		}
	}
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	return m.submit(operation)
}

// submit hands an operation to the write loop and waits for its answer
// TECHNICAL DISCOVERY: an operation queued after the loop's final drain is
// never answered, so waiting also ends when the loop is gone
func (m *Manager) submit(operation func(*sql.DB) error) error {
	result := make(chan error, 1)

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-time.After(30 * time.Second):
		return ErrWriteTimeout
	case <-m.shutdown:
		return ErrManagerClosed
	}

	select {
	case err := <-result:
		return err
	case <-m.loopDone:
		// The loop answers before it exits; prefer a result already sent
		select {
		case err := <-result:
			return err
		default:
			return ErrManagerClosed
		}
	}
}

// CreateRun inserts a run in the running state
func (m *Manager) CreateRun(ctx context.Context, run *types.RunRecord) error {
	if run == nil || run.ID == "" {
		return ErrInvalidRun
	}

	return m.executeWrite(func(db *sql.DB) error {
		query := `
			INSERT INTO runs (id, scenario, target_url, vus, duration, started_at, status)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`
		_, err := db.ExecContext(ctx, query,
			run.ID,
			run.Scenario,
			run.TargetURL,
			run.VUs,
			run.Duration,
			run.StartedAt,
			types.RunStatusRunning,
		)
		if err != nil {
			return fmt.Errorf("failed to insert run: %w", err)
		}
		return nil
	})
}

// SaveOutcomes stores a batch of outcomes and their checks in one transaction
func (m *Manager) SaveOutcomes(ctx context.Context, runID string, outcomes []*types.IterationOutcome) error {
	if len(outcomes) == 0 {
		return nil
	}

	return m.executeWrite(func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }() // TECHNICAL: Always rollback unless commit succeeds

		iterStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO iterations (id, run_id, vu, started_at, ended_at, duration_ms, handshake_status, status, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare iteration insert: %w", err)
		}
		defer iterStmt.Close()

		checkStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO checks (run_id, iteration_id, seq, name, passed, cause, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare check insert: %w", err)
		}
		defer checkStmt.Close()

		for _, o := range outcomes {
			_, err := iterStmt.ExecContext(ctx,
				o.ID,
				runID,
				o.VU,
				o.Start,
				o.End,
				o.Duration().Milliseconds(),
				o.HandshakeStatus,
				string(o.Status),
				nullString(o.Error),
			)
			if err != nil {
				return fmt.Errorf("failed to insert iteration %s: %w", o.ID, err)
			}

			for seq, c := range o.Checks {
				_, err := checkStmt.ExecContext(ctx, runID, o.ID, seq, c.Name, c.Passed, nullString(c.Cause), c.Timestamp)
				if err != nil {
					return fmt.Errorf("failed to insert check %q of iteration %s: %w", c.Name, o.ID, err)
				}
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit outcomes: %w", err)
		}
		return nil
	})
}

// FinishRun records the final status and totals of a run
func (m *Manager) FinishRun(ctx context.Context, run *types.RunRecord) error {
	if run == nil || run.ID == "" {
		return ErrInvalidRun
	}

	return m.executeWrite(func(db *sql.DB) error {
		completedAt := time.Now()
		if run.CompletedAt != nil {
			completedAt = *run.CompletedAt
		}

		query := `
			UPDATE runs
			SET completed_at = ?, status = ?, passes = ?, fails = ?, iterations = ?
			WHERE id = ?
		`
		result, err := db.ExecContext(ctx, query,
			completedAt,
			run.Status,
			run.Passes,
			run.Fails,
			run.Iterations,
			run.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update run: %w", err)
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get affected rows: %w", err)
		}
		if rows == 0 {
			return interfaces.ErrRunNotFound
		}
		return nil
	})
}

// GetRun retrieves a run by ID
func (m *Manager) GetRun(ctx context.Context, runID string) (*types.RunRecord, error) {
	// ARCHITECTURAL DISCOVERY: Read operations can be concurrent - no need for writeChannel
	query := `
		SELECT id, scenario, target_url, vus, duration, started_at, completed_at, status, passes, fails, iterations
		FROM runs
		WHERE id = ?
	`
	run, err := scanRun(m.db.QueryRowContext(ctx, query, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrRunNotFound
		}
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	return run, nil
}

// ListRuns returns the most recent runs first
func (m *Manager) ListRuns(ctx context.Context, limit int) ([]*types.RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT id, scenario, target_url, vus, duration, started_at, completed_at, status, passes, fails, iterations
		FROM runs
		ORDER BY started_at DESC
		LIMIT ?
	`
	rows, err := m.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	runs := make([]*types.RunRecord, 0, limit)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// GetRunOutcomes returns the stored outcomes of a run ordered by start time,
// each with its checks in recording order
func (m *Manager) GetRunOutcomes(ctx context.Context, runID string) ([]*types.IterationOutcome, error) {
	if _, err := m.GetRun(ctx, runID); err != nil {
		return nil, err
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT id, vu, started_at, ended_at, handshake_status, status, error
		FROM iterations
		WHERE run_id = ?
		ORDER BY started_at ASC, id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query iterations: %w", err)
	}

	var outcomes []*types.IterationOutcome
	byID := make(map[string]*types.IterationOutcome)
	for rows.Next() {
		var o types.IterationOutcome
		var status string
		var errText sql.NullString
		if err := rows.Scan(&o.ID, &o.VU, &o.Start, &o.End, &o.HandshakeStatus, &status, &errText); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan iteration: %w", err)
		}
		o.Status = types.IterationStatus(status)
		o.Error = errText.String
		outcomes = append(outcomes, &o)
		byID[o.ID] = &o
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("error iterating iterations: %w", err)
	}
	_ = rows.Close()

	checkRows, err := m.db.QueryContext(ctx, `
		SELECT iteration_id, name, passed, cause, recorded_at
		FROM checks
		WHERE run_id = ?
		ORDER BY iteration_id ASC, seq ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query checks: %w", err)
	}
	defer func() { _ = checkRows.Close() }()

	for checkRows.Next() {
		var c types.CheckResult
		var cause sql.NullString
		if err := checkRows.Scan(&c.IterationID, &c.Name, &c.Passed, &cause, &c.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan check: %w", err)
		}
		c.Cause = cause.String
		if o, ok := byID[c.IterationID]; ok {
			o.Checks = append(o.Checks, c)
		}
	}
	if err := checkRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checks: %w", err)
	}

	return outcomes, nil
}

// CheckSummary aggregates the stored checks of a run
func (m *Manager) CheckSummary(ctx context.Context, runID string) (*types.Summary, error) {
	if _, err := m.GetRun(ctx, runID); err != nil {
		return nil, err
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT name, SUM(passed), COUNT(*) - SUM(passed)
		FROM checks
		WHERE run_id = ?
		GROUP BY name
		ORDER BY name
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query check summary: %w", err)
	}
	defer func() { _ = rows.Close() }()

	summary := &types.Summary{ByName: make(map[string]types.CheckCount)}
	for rows.Next() {
		var name string
		var count types.CheckCount
		if err := rows.Scan(&name, &count.Passes, &count.Fails); err != nil {
			return nil, fmt.Errorf("failed to scan check summary: %w", err)
		}
		summary.ByName[name] = count
		summary.Passes += count.Passes
		summary.Fails += count.Fails
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating check summary: %w", err)
	}
	return summary, nil
}

// HealthCheck verifies database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	// FUNCTIONAL DISCOVERY: Health check validates both connectivity and basic operations
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// Close shuts down the manager. Safe to call more than once.
func (m *Manager) Close() error {
	// TECHNICAL DISCOVERY: Prevent multiple close operations
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait() // Wait for write loop to finish processing

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*types.RunRecord, error) {
	var run types.RunRecord
	var completedAt sql.NullTime

	err := row.Scan(
		&run.ID,
		&run.Scenario,
		&run.TargetURL,
		&run.VUs,
		&run.Duration,
		&run.StartedAt,
		&completedAt,
		&run.Status,
		&run.Passes,
		&run.Fails,
		&run.Iterations,
	)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return &run, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
