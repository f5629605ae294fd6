package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/rpattn/s3pgload/internal/db"
	"github.com/rpattn/s3pgload/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultUpsertBatchSize = 500

type warehouseRepository struct {
	pool      *pgxpool.Pool
	schema    string
	batchSize int
}

// NewWarehouseRepository wires the entity table writer. Tables are resolved
// inside schema, which defaults to "public".
func NewWarehouseRepository(pool *pgxpool.Pool, schema string) WarehouseRepository {
	if strings.TrimSpace(schema) == "" {
		schema = "public"
	}
	return &warehouseRepository{pool: pool, schema: schema, batchSize: defaultUpsertBatchSize}
}

func (r *warehouseRepository) TableExists(ctx context.Context, table string) (bool, error) {
	if r.pool == nil {
		return false, fmt.Errorf("warehouse repository not initialized")
	}

	var exists bool
	err := r.pool.QueryRow(
		ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM information_schema.tables
		   WHERE table_schema = $1 AND table_name = $2
		 )`,
		r.schema,
		table,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check table %s: %w", table, err)
	}
	return exists, nil
}

// Upsert writes all rows of one entity in a single transaction so a failure
// leaves the table untouched.
func (r *warehouseRepository) Upsert(ctx context.Context, table string, columns []string, rows []domain.NormalizedRow) (int, error) {
	if r.pool == nil {
		return 0, fmt.Errorf("warehouse repository not initialized")
	}
	if len(rows) == 0 {
		return 0, nil
	}

	statement := buildUpsertSQL(r.schema, table, columns)

	written := 0
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		for start := 0; start < len(rows); start += r.batchSize {
			end := min(start+r.batchSize, len(rows))

			batch := &pgx.Batch{}
			for _, row := range rows[start:end] {
				batch.Queue(statement, row.Args()...)
			}
			results := tx.SendBatch(ctx, batch)
			for i := start; i < end; i++ {
				if _, execErr := results.Exec(); execErr != nil {
					results.Close()
					return fmt.Errorf("failed to upsert row %d into %s: %w", i, table, execErr)
				}
			}
			if closeErr := results.Close(); closeErr != nil {
				return fmt.Errorf("failed to flush upsert batch into %s: %w", table, closeErr)
			}
			written += end - start
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

// buildUpsertSQL renders the idempotent insert for one entity table. The
// surrogate key is the conflict target; every other column is overwritten.
func buildUpsertSQL(schema, table string, columns []string) string {
	quoted := make([]string, 0, len(columns)+1)
	placeholders := make([]string, 0, len(columns)+1)
	updates := make([]string, 0, len(columns))

	key := pgx.Identifier{domain.SurrogateKeyColumn}.Sanitize()
	quoted = append(quoted, key)
	placeholders = append(placeholders, "$1")

	for i, column := range columns {
		name := pgx.Identifier{column}.Sanitize()
		quoted = append(quoted, name)
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+2))
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", name, name))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) ",
		pgx.Identifier{schema, table}.Sanitize(),
		strings.Join(quoted, ", "),
		strings.Join(placeholders, ", "),
		key,
	)
	if len(updates) == 0 {
		sb.WriteString("DO NOTHING")
	} else {
		sb.WriteString("DO UPDATE SET ")
		sb.WriteString(strings.Join(updates, ", "))
	}
	return sb.String()
}
