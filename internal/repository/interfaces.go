package repository

import (
	"context"
	"time"

	"github.com/rpattn/s3pgload/internal/domain"

	"github.com/google/uuid"
)

// ExecutionRepository persists the execution ledger shared by both phases.
type ExecutionRepository interface {
	RecordIngestion(ctx context.Context, execution domain.IngestionExecution) error
	RecordLoad(ctx context.Context, execution domain.LoadExecution) error

	// LastSuccessfulFetchHour returns the latest hour fetched without failure,
	// or nil when no such run exists.
	LastSuccessfulFetchHour(ctx context.Context) (*time.Time, error)

	// StagedFilePath returns the staged file written by a successful ingestion
	// that fetched at least one file, or nil when there is none.
	StagedFilePath(ctx context.Context, workflowID uuid.UUID) (*string, error)

	// ListIngestions and ListLoads return a workflow's records in execution
	// order; uuid.Nil lists every workflow.
	ListIngestions(ctx context.Context, workflowID uuid.UUID) ([]domain.IngestionExecution, error)
	ListLoads(ctx context.Context, workflowID uuid.UUID) ([]domain.LoadExecution, error)
}

// WarehouseRepository writes normalized rows into entity tables.
type WarehouseRepository interface {
	TableExists(ctx context.Context, table string) (bool, error)

	// Upsert inserts rows keyed by surrogate key, overwriting the non-key
	// columns of rows that already exist. It returns the number of rows written.
	Upsert(ctx context.Context, table string, columns []string, rows []domain.NormalizedRow) (int, error)
}
