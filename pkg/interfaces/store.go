package interfaces

import (
	"context"

	"matchprobe/pkg/types"
)

// OutcomeStore persists runs and their iteration outcomes
// ARCHITECTURAL DISCOVERY: Single interface for all persistence operations
// keeps the collector and CLI independent of the sqlite implementation
type OutcomeStore interface {
	// CreateRun inserts a run in the running state
	CreateRun(ctx context.Context, run *types.RunRecord) error

	// SaveOutcomes stores a batch of outcomes and their checks atomically
	SaveOutcomes(ctx context.Context, runID string, outcomes []*types.IterationOutcome) error

	// FinishRun records the final status and totals of a run
	FinishRun(ctx context.Context, run *types.RunRecord) error

	// GetRun retrieves a run by ID
	GetRun(ctx context.Context, runID string) (*types.RunRecord, error)

	// ListRuns returns the most recent runs first
	ListRuns(ctx context.Context, limit int) ([]*types.RunRecord, error)

	// GetRunOutcomes returns the outcomes of a run ordered by start time
	GetRunOutcomes(ctx context.Context, runID string) ([]*types.IterationOutcome, error)

	// CheckSummary aggregates the stored checks of a run
	CheckSummary(ctx context.Context, runID string) (*types.Summary, error)

	// HealthCheck verifies connectivity
	HealthCheck(ctx context.Context) error

	// Close releases resources
	Close() error
}
