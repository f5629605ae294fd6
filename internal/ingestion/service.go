package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rpattn/s3pgload/internal/domain"
	"github.com/rpattn/s3pgload/internal/metrics"
	"github.com/rpattn/s3pgload/internal/objectstore"
	"github.com/rpattn/s3pgload/internal/repository"
	"github.com/rpattn/s3pgload/internal/watermark"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const stagedNameLayout = "20060102T150405Z"

// ErrPartitionOpen is returned when the next partition has not ended yet.
// The attempt is recorded as a failure so the watermark does not move.
var ErrPartitionOpen = errors.New("partition is still open")

// Service moves one hour partition from the source bucket into the staging
// bucket and records the outcome in the execution ledger.
type Service struct {
	cursor        *watermark.Cursor
	fetcher       *Fetcher
	staging       objectstore.Store
	stagingBucket string
	ledger        repository.ExecutionRepository
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

// NewService creates a new ingestion service.
func NewService(
	cursor *watermark.Cursor,
	fetcher *Fetcher,
	staging objectstore.Store,
	stagingBucket string,
	ledger repository.ExecutionRepository,
	opts ...Option,
) *Service {
	s := &Service{
		cursor:        cursor,
		fetcher:       fetcher,
		staging:       staging,
		stagingBucket: stagingBucket,
		ledger:        ledger,
		logger:        zap.NewNop(),
		now:           time.Now,
		newID:         uuid.New,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Summary reports what one ingestion run did.
type Summary struct {
	WorkflowID    uuid.UUID `json:"workflowId"`
	ExecutionID   uuid.UUID `json:"executionId"`
	FetchedHour   time.Time `json:"fetchedHour"`
	FilesFetched  int       `json:"filesFetched"`
	RecordsStaged int       `json:"recordsStaged"`
	SkippedLines  int       `json:"skippedLines"`
	StagedPath    string    `json:"stagedPath,omitempty"`
}

// Run ingests the partition after the watermark. Every invocation leaves
// exactly one ledger record; a failure is recorded first and then returned.
func (s *Service) Run(ctx context.Context, workflowID uuid.UUID) (summary Summary, err error) {
	started := s.now().UTC()
	execution := domain.IngestionExecution{
		WorkflowID:  workflowID,
		ExecutionID: s.newID(),
		ExecutedAt:  started,
	}
	summary.WorkflowID = workflowID
	summary.ExecutionID = execution.ExecutionID

	logger := s.logger.With(
		zap.String("workflow_id", workflowID.String()),
		zap.String("execution_id", execution.ExecutionID.String()))
	logger.Info("ingestion started", zap.Time("executed_at", started))

	defer func() {
		if p := recover(); p != nil {
			detail := fmt.Sprintf("panic: %v", p)
			execution.Failure = &detail
			if recErr := s.ledger.RecordIngestion(context.WithoutCancel(ctx), execution); recErr != nil {
				logger.Error("failed to record ingestion execution", zap.Error(recErr))
			}
			panic(p)
		}
	}()

	summary, runErr := s.run(ctx, logger, &execution, summary)
	execution.Failure = domain.FailureDetail(runErr)

	if recErr := s.ledger.RecordIngestion(context.WithoutCancel(ctx), execution); recErr != nil {
		logger.Error("failed to record ingestion execution", zap.Error(recErr))
		runErr = errors.Join(runErr, recErr)
	}
	s.metrics.ObserveRun(string(domain.PhaseIngestion), s.now().Sub(started))

	if runErr != nil {
		logger.Error("ingestion failed", zap.Error(runErr))
		return summary, runErr
	}
	logger.Info("ingestion finished",
		zap.Time("fetched_hour", summary.FetchedHour),
		zap.Int("files", summary.FilesFetched),
		zap.Int("records", summary.RecordsStaged),
		zap.String("staged_path", summary.StagedPath))
	return summary, nil
}

func (s *Service) run(ctx context.Context, logger *zap.Logger, execution *domain.IngestionExecution, summary Summary) (Summary, error) {
	if err := objectstore.EnsureBucket(ctx, s.staging, s.stagingBucket); err != nil {
		return summary, &domain.FatalAbort{Scope: "ingestion", Err: fmt.Errorf("%w: %v", domain.ErrConfiguration, err)}
	}

	hour, err := s.cursor.NextPartition(ctx)
	if err != nil {
		return summary, err
	}
	execution.FetchedHour = &hour
	summary.FetchedHour = hour
	if end := hour.Add(watermark.Partition); end.After(s.now()) {
		return summary, fmt.Errorf("%w: %s ends at %s", ErrPartitionOpen,
			hour.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	logger.Info("fetching partition", zap.Time("hour", hour), zap.String("bucket", s.fetcher.Bucket()))

	partition, err := s.fetcher.FetchHour(ctx, hour)
	if err != nil {
		return summary, err
	}
	files := len(partition.Files)
	execution.FilesFetched = &files
	summary.FilesFetched = files
	summary.SkippedLines = partition.Skipped
	s.metrics.FilesFetched(files)

	records := Merge(partition.Batches)
	if files == 0 || len(records) == 0 {
		logger.Info("no records for partition", zap.Time("hour", hour), zap.Int("files", files))
		s.metrics.Watermark(hour)
		return summary, nil
	}

	payload, err := json.Marshal(records)
	if err != nil {
		return summary, fmt.Errorf("failed to encode staged file: %w", err)
	}
	key := fmt.Sprintf("%s_%s.json", execution.ExecutionID, execution.ExecutedAt.UTC().Format(stagedNameLayout))
	if err := s.staging.PutObject(ctx, s.stagingBucket, key, payload); err != nil {
		return summary, fmt.Errorf("failed to stage %s: %w", key, err)
	}

	path := objectstore.FormatPath(s.stagingBucket, key)
	execution.DestinationPath = &path
	summary.StagedPath = path
	summary.RecordsStaged = len(records)
	s.metrics.RecordsStaged(len(records))
	s.metrics.Watermark(hour)
	return summary, nil
}
