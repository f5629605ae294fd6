package load

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rpattn/s3pgload/internal/domain"
	"github.com/rpattn/s3pgload/internal/metrics"
	"github.com/rpattn/s3pgload/internal/normalize"
	"github.com/rpattn/s3pgload/internal/objectstore"
	"github.com/rpattn/s3pgload/internal/repository"
	"github.com/rpattn/s3pgload/internal/schema"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Service loads a staged file into the warehouse, one entity at a time.
type Service struct {
	registry      *schema.Registry
	normalizer    *normalize.Normalizer
	staging       objectstore.Store
	stagingBucket string
	ledger        repository.ExecutionRepository
	warehouse     repository.WarehouseRepository
	metrics       *metrics.Collector
	logger        *zap.Logger
	now           func() time.Time
	newID         func() uuid.UUID
}

// Option configures the service.
type Option func(*Service)

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics attaches a metrics collector.
func WithMetrics(collector *metrics.Collector) Option {
	return func(s *Service) { s.metrics = collector }
}

// WithNormalizer replaces the default normalizer.
func WithNormalizer(n *normalize.Normalizer) Option {
	return func(s *Service) {
		if n != nil {
			s.normalizer = n
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator overrides execution id generation.
func WithIDGenerator(newID func() uuid.UUID) Option {
	return func(s *Service) {
		if newID != nil {
			s.newID = newID
		}
	}
}

// NewService creates a new load service.
func NewService(
	registry *schema.Registry,
	staging objectstore.Store,
	stagingBucket string,
	ledger repository.ExecutionRepository,
	warehouse repository.WarehouseRepository,
	opts ...Option,
) *Service {
	s := &Service{
		registry:      registry,
		normalizer:    normalize.New(),
		staging:       staging,
		stagingBucket: stagingBucket,
		ledger:        ledger,
		warehouse:     warehouse,
		logger:        zap.NewNop(),
		now:           time.Now,
		newID:         uuid.New,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EntityOutcome reports the load of one entity.
type EntityOutcome struct {
	Entity           string `json:"entity"`
	Table            string `json:"table"`
	Records          int    `json:"records"`
	RowsUpserted     int    `json:"rowsUpserted"`
	Duplicates       int    `json:"duplicates"`
	NullsSubstituted int    `json:"nullsSubstituted"`
	Failure          string `json:"failure,omitempty"`
	Err              error  `json:"-"`
}

// Summary reports what one load run did.
type Summary struct {
	WorkflowID   uuid.UUID       `json:"workflowId"`
	ExecutionID  uuid.UUID       `json:"executionId"`
	SourcePath   string          `json:"sourcePath,omitempty"`
	NoStagedFile bool            `json:"noStagedFile"`
	Entities     []EntityOutcome `json:"entities"`
	Unrecognized map[string]int  `json:"unrecognized,omitempty"`
}

// Failed returns the outcomes of entities that did not load.
func (s Summary) Failed() []EntityOutcome {
	var failed []EntityOutcome
	for _, outcome := range s.Entities {
		if outcome.Err != nil {
			failed = append(failed, outcome)
		}
	}
	return failed
}

// Run loads the staged file produced by the workflow's ingestion. Entities are
// processed in registry order and each gets its own ledger record; a failing
// entity does not stop the others. Failures outside any entity are recorded
// once at run level.
func (s *Service) Run(ctx context.Context, workflowID uuid.UUID) (Summary, error) {
	started := s.now().UTC()
	base := domain.LoadExecution{
		WorkflowID:  workflowID,
		ExecutionID: s.newID(),
		ExecutedAt:  started,
	}
	summary := Summary{WorkflowID: workflowID, ExecutionID: base.ExecutionID}
	defer func() { s.metrics.ObserveRun(string(domain.PhaseLoad), s.now().Sub(started)) }()

	logger := s.logger.With(
		zap.String("workflow_id", workflowID.String()),
		zap.String("execution_id", base.ExecutionID.String()))
	logger.Info("load started", zap.Time("executed_at", started))

	if err := s.validate(ctx); err != nil {
		return summary, s.abort(ctx, logger, base, err)
	}

	path, err := s.ledger.StagedFilePath(ctx, workflowID)
	if err != nil {
		return summary, s.abort(ctx, logger, base, fmt.Errorf("failed to resolve staged file: %w", err))
	}
	if path == nil {
		logger.Error("no staged file found for workflow, nothing to load")
		summary.NoStagedFile = true
		return summary, nil
	}
	base.SourcePath = path
	summary.SourcePath = *path

	records, err := s.readStaged(ctx, *path)
	if err != nil {
		return summary, s.abort(ctx, logger, base, err)
	}

	batch := domain.PartitionByEntity(records, s.registry.Names())
	if unknown := batch.UnrecognizedTags(); len(unknown) > 0 {
		summary.Unrecognized = unknown
		logger.Warn("records with unrecognized entity tags were not loaded", zap.Any("tags", unknown))
	}

	var failures []error
	for _, entity := range s.registry.Entities() {
		outcome := s.loadEntity(ctx, entity, batch.Known[entity.Name])
		if outcome.Err != nil {
			outcome.Failure = outcome.Err.Error()
		}
		summary.Entities = append(summary.Entities, outcome)

		execution := base.ForEntity(entity)
		if outcome.Err != nil {
			execution.Failure = domain.FailureDetail(outcome.Err)
			failures = append(failures, outcome.Err)
			s.metrics.EntityFailed(entity.Name)
			logger.Error("entity load failed", zap.String("entity", entity.Name), zap.Error(outcome.Err))
		} else {
			inserted := outcome.RowsUpserted
			execution.RecordsInserted = &inserted
			logger.Info("entity loaded",
				zap.String("entity", entity.Name),
				zap.String("table", entity.Table),
				zap.Int("rows", inserted),
				zap.Int("duplicates", outcome.Duplicates))
		}

		if recErr := s.ledger.RecordLoad(context.WithoutCancel(ctx), execution); recErr != nil {
			logger.Error("failed to record load execution", zap.String("entity", entity.Name), zap.Error(recErr))
			failures = append(failures, recErr)
		}
	}

	if len(failures) > 0 {
		return summary, errors.Join(failures...)
	}
	logger.Info("load finished", zap.Int("entities", len(summary.Entities)))
	return summary, nil
}

// validate checks the staging bucket and every declared table before any data
// is read.
func (s *Service) validate(ctx context.Context) error {
	if err := objectstore.EnsureBucket(ctx, s.staging, s.stagingBucket); err != nil {
		return &domain.FatalAbort{Scope: "load", Err: fmt.Errorf("%w: %v", domain.ErrConfiguration, err)}
	}

	var missing []string
	for _, table := range s.registry.Tables() {
		exists, err := s.warehouse.TableExists(ctx, table)
		if err != nil {
			return err
		}
		if !exists {
			missing = append(missing, table)
		}
	}
	if len(missing) > 0 {
		return &domain.FatalAbort{Scope: "load", Err: fmt.Errorf("%w: target tables do not exist: %v", domain.ErrConfiguration, missing)}
	}
	return nil
}

func (s *Service) readStaged(ctx context.Context, path string) ([]domain.RawRecord, error) {
	bucket, key, err := objectstore.ParsePath(path)
	if err != nil {
		return nil, err
	}
	payload, err := s.staging.GetObject(ctx, bucket, key)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch staged file %s: %w", path, err)
	}

	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()
	var objects []map[string]any
	if err := decoder.Decode(&objects); err != nil {
		return nil, fmt.Errorf("failed to decode staged file %s: %w", path, err)
	}

	records := make([]domain.RawRecord, 0, len(objects))
	for _, object := range objects {
		records = append(records, domain.NewRawRecord(object))
	}
	return records, nil
}

// loadEntity normalizes and upserts one entity. Any failure, including a
// panic, stays scoped to the entity.
func (s *Service) loadEntity(ctx context.Context, entity domain.Entity, records []domain.RawRecord) (outcome EntityOutcome) {
	outcome = EntityOutcome{Entity: entity.Name, Table: entity.Table, Records: len(records)}
	defer func() {
		if p := recover(); p != nil {
			outcome.Err = &domain.EntityFailure{Entity: entity.Name, Err: fmt.Errorf("panic: %v", p)}
		}
	}()

	if len(records) == 0 {
		return outcome
	}

	result, err := s.normalizer.Normalize(records, entity)
	if err != nil {
		outcome.Err = err
		return outcome
	}
	outcome.Duplicates = result.Duplicates
	outcome.NullsSubstituted = result.RecoveredNulls()
	s.metrics.NullsSubstituted(entity.Name, outcome.NullsSubstituted)

	written, err := s.warehouse.Upsert(ctx, entity.Table, result.Columns, result.Rows)
	if err != nil {
		outcome.Err = &domain.EntityFailure{Entity: entity.Name, Err: err}
		return outcome
	}
	outcome.RowsUpserted = written
	s.metrics.RowsUpserted(entity.Name, written)
	return outcome
}

// abort writes the run-level record for a failure outside any entity.
func (s *Service) abort(ctx context.Context, logger *zap.Logger, base domain.LoadExecution, err error) error {
	base.Failure = domain.FailureDetail(err)
	logger.Error("load aborted", zap.Error(err))
	if recErr := s.ledger.RecordLoad(context.WithoutCancel(ctx), base); recErr != nil {
		logger.Error("failed to record load execution", zap.Error(recErr))
		return errors.Join(err, recErr)
	}
	return err
}
