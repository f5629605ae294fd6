package domain

import (
	"time"

	"github.com/google/uuid"
)

// Phase names the pipeline step an execution belongs to.
type Phase string

const (
	PhaseIngestion Phase = "ingestion"
	PhaseLoad      Phase = "load"
)

// IngestionExecution is the ledger record written once per ingestion run.
type IngestionExecution struct {
	WorkflowID      uuid.UUID  `json:"workflow_id"`
	ExecutionID     uuid.UUID  `json:"execution_id"`
	ExecutedAt      time.Time  `json:"executed_at"`
	FetchedHour     *time.Time `json:"fetched_hour,omitempty"`
	FilesFetched    *int       `json:"files_fetched,omitempty"`
	DestinationPath *string    `json:"destination_path,omitempty"`
	Failure         *string    `json:"failure,omitempty"`
}

// Succeeded reports whether the run recorded no failure.
func (e IngestionExecution) Succeeded() bool {
	return e.Failure == nil
}

// LoadExecution is the ledger record written per entity of a load run, or once
// at run level when Entity is nil.
type LoadExecution struct {
	WorkflowID       uuid.UUID `json:"workflow_id"`
	ExecutionID      uuid.UUID `json:"execution_id"`
	ExecutedAt       time.Time `json:"executed_at"`
	SourcePath       *string   `json:"source_path,omitempty"`
	Entity           *string   `json:"entity,omitempty"`
	DestinationTable *string   `json:"destination_table,omitempty"`
	RecordsInserted  *int      `json:"records_inserted,omitempty"`
	Failure          *string   `json:"failure,omitempty"`
}

// Succeeded reports whether the record captured no failure.
func (e LoadExecution) Succeeded() bool {
	return e.Failure == nil
}

// ForEntity returns a copy scoped to one entity and its destination table.
func (e LoadExecution) ForEntity(entity Entity) LoadExecution {
	name, table := entity.Name, entity.Table
	scoped := e
	scoped.Entity = &name
	scoped.DestinationTable = &table
	scoped.RecordsInserted = nil
	scoped.Failure = nil
	return scoped
}

// FailureDetail renders err for storage in a ledger record.
func FailureDetail(err error) *string {
	if err == nil {
		return nil
	}
	detail := err.Error()
	return &detail
}
