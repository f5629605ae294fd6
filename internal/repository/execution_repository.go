package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rpattn/s3pgload/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

type executionRepository struct {
	pool *pgxpool.Pool
}

// NewExecutionRepository wires a ledger repository backed by pgxpool.
func NewExecutionRepository(pool *pgxpool.Pool) ExecutionRepository {
	return &executionRepository{pool: pool}
}

func (r *executionRepository) RecordIngestion(ctx context.Context, execution domain.IngestionExecution) error {
	if r.pool == nil {
		return fmt.Errorf("execution repository not initialized")
	}

	_, err := r.pool.Exec(
		ctx,
		`INSERT INTO ingestion_executions
		   (workflow_id, execution_id, executed_at, fetched_hour, files_fetched, destination_path, failure_detail)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		execution.WorkflowID,
		execution.ExecutionID,
		execution.ExecutedAt,
		execution.FetchedHour,
		execution.FilesFetched,
		execution.DestinationPath,
		execution.Failure,
	)
	if err != nil {
		return fmt.Errorf("failed to record ingestion execution: %w", err)
	}
	return nil
}

func (r *executionRepository) RecordLoad(ctx context.Context, execution domain.LoadExecution) error {
	if r.pool == nil {
		return fmt.Errorf("execution repository not initialized")
	}

	_, err := r.pool.Exec(
		ctx,
		`INSERT INTO load_executions
		   (workflow_id, execution_id, executed_at, source_path, entity_name, destination_table, records_inserted, failure_detail)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		execution.WorkflowID,
		execution.ExecutionID,
		execution.ExecutedAt,
		execution.SourcePath,
		execution.Entity,
		execution.DestinationTable,
		execution.RecordsInserted,
		execution.Failure,
	)
	if err != nil {
		return fmt.Errorf("failed to record load execution: %w", err)
	}
	return nil
}

func (r *executionRepository) LastSuccessfulFetchHour(ctx context.Context) (*time.Time, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("execution repository not initialized")
	}

	var hour pgtype.Timestamptz
	err := r.pool.QueryRow(
		ctx,
		`SELECT MAX(fetched_hour) FROM ingestion_executions WHERE failure_detail IS NULL`,
	).Scan(&hour)
	if err != nil {
		return nil, fmt.Errorf("failed to read last fetched hour: %w", err)
	}
	if !hour.Valid {
		return nil, nil
	}
	value := hour.Time.UTC()
	return &value, nil
}

func (r *executionRepository) StagedFilePath(ctx context.Context, workflowID uuid.UUID) (*string, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("execution repository not initialized")
	}

	var path string
	err := r.pool.QueryRow(
		ctx,
		`SELECT destination_path
		 FROM ingestion_executions
		 WHERE workflow_id = $1
		   AND failure_detail IS NULL
		   AND files_fetched > 0
		   AND destination_path IS NOT NULL
		 ORDER BY executed_at DESC
		 LIMIT 1`,
		workflowID,
	).Scan(&path)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up staged file: %w", err)
	}
	return &path, nil
}

func (r *executionRepository) ListIngestions(ctx context.Context, workflowID uuid.UUID) ([]domain.IngestionExecution, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("execution repository not initialized")
	}

	rows, err := r.pool.Query(
		ctx,
		`SELECT workflow_id, execution_id, executed_at, fetched_hour, files_fetched, destination_path, failure_detail
		 FROM ingestion_executions
		 WHERE $1::uuid = '00000000-0000-0000-0000-000000000000' OR workflow_id = $1
		 ORDER BY executed_at, id`,
		workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list ingestion executions: %w", err)
	}
	defer rows.Close()

	executions := []domain.IngestionExecution{}
	for rows.Next() {
		var (
			execution   domain.IngestionExecution
			executedAt  pgtype.Timestamptz
			fetchedHour pgtype.Timestamptz
			files       pgtype.Int4
		)
		if scanErr := rows.Scan(
			&execution.WorkflowID,
			&execution.ExecutionID,
			&executedAt,
			&fetchedHour,
			&files,
			&execution.DestinationPath,
			&execution.Failure,
		); scanErr != nil {
			return nil, fmt.Errorf("failed to scan ingestion execution: %w", scanErr)
		}

		if executedAt.Valid {
			execution.ExecutedAt = executedAt.Time.UTC()
		}
		if fetchedHour.Valid {
			hour := fetchedHour.Time.UTC()
			execution.FetchedHour = &hour
		}
		if files.Valid {
			count := int(files.Int32)
			execution.FilesFetched = &count
		}
		executions = append(executions, execution)
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate ingestion executions: %w", rowsErr)
	}
	return executions, nil
}

func (r *executionRepository) ListLoads(ctx context.Context, workflowID uuid.UUID) ([]domain.LoadExecution, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("execution repository not initialized")
	}

	rows, err := r.pool.Query(
		ctx,
		`SELECT workflow_id, execution_id, executed_at, source_path, entity_name, destination_table, records_inserted, failure_detail
		 FROM load_executions
		 WHERE $1::uuid = '00000000-0000-0000-0000-000000000000' OR workflow_id = $1
		 ORDER BY executed_at, id`,
		workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list load executions: %w", err)
	}
	defer rows.Close()

	executions := []domain.LoadExecution{}
	for rows.Next() {
		var (
			execution  domain.LoadExecution
			executedAt pgtype.Timestamptz
			inserted   pgtype.Int4
		)
		if scanErr := rows.Scan(
			&execution.WorkflowID,
			&execution.ExecutionID,
			&executedAt,
			&execution.SourcePath,
			&execution.Entity,
			&execution.DestinationTable,
			&inserted,
			&execution.Failure,
		); scanErr != nil {
			return nil, fmt.Errorf("failed to scan load execution: %w", scanErr)
		}

		if executedAt.Valid {
			execution.ExecutedAt = executedAt.Time.UTC()
		}
		if inserted.Valid {
			count := int(inserted.Int32)
			execution.RecordsInserted = &count
		}
		executions = append(executions, execution)
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate load executions: %w", rowsErr)
	}
	return executions, nil
}
