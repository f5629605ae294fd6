package cli

import (
	"context"
	"fmt"

	"github.com/rpattn/s3pgload/internal/config"
	"github.com/rpattn/s3pgload/internal/db"
	"github.com/rpattn/s3pgload/internal/ingestion"
	"github.com/rpattn/s3pgload/internal/load"
	"github.com/rpattn/s3pgload/internal/metrics"
	"github.com/rpattn/s3pgload/internal/normalize"
	"github.com/rpattn/s3pgload/internal/objectstore"
	"github.com/rpattn/s3pgload/internal/pipeline"
	"github.com/rpattn/s3pgload/internal/repository"
	"github.com/rpattn/s3pgload/internal/schema"
	"github.com/rpattn/s3pgload/internal/watermark"

	"go.uber.org/zap"
)

// dependencies are the collaborators built for one invocation.
type dependencies struct {
	ingester pipeline.Ingester
	loader   pipeline.Loader
	metrics  *metrics.Collector
	closers  []func()
}

func (d *dependencies) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

// wire builds only what the selected step needs: ingestion never touches the
// data database and loading never touches the source bucket.
func wire(ctx context.Context, cfg config.Config, step pipeline.Step, logger *zap.Logger) (*dependencies, error) {
	deps := &dependencies{metrics: metrics.NewCollector(cfg.Metrics, logger)}
	ok := false
	defer func() {
		if !ok {
			deps.Close()
		}
	}()

	source, staging, err := buildStores(cfg)
	if err != nil {
		return nil, err
	}

	monitor, err := db.NewConnection(ctx, cfg.Database.Monitor(), logger)
	if err != nil {
		return nil, fmt.Errorf("monitor database: %w", err)
	}
	deps.closers = append(deps.closers, monitor.Close)
	ledger := repository.NewExecutionRepository(monitor.Pool)

	if step == pipeline.StepAll || step == pipeline.StepIngest {
		cursor := watermark.NewCursor(ledger, cfg.Pipeline.EpochStart)
		fetcher := ingestion.NewFetcher(source, cfg.Source.Bucket, cfg.Source.Prefix, logger.Named("fetcher"))
		deps.ingester = ingestion.NewService(cursor, fetcher, staging, cfg.Staging.Bucket, ledger,
			ingestion.WithLogger(logger.Named("ingestion")),
			ingestion.WithMetrics(deps.metrics))
	}

	if step == pipeline.StepAll || step == pipeline.StepLoad {
		registry, err := schema.LoadRegistry(cfg.Pipeline.SchemaPath)
		if err != nil {
			return nil, err
		}
		loc, err := cfg.Pipeline.Location()
		if err != nil {
			return nil, err
		}
		policy, err := normalize.ParseDedupPolicy(cfg.Pipeline.DedupPolicy)
		if err != nil {
			return nil, err
		}

		data, err := db.NewConnection(ctx, cfg.Database.Data(), logger)
		if err != nil {
			return nil, fmt.Errorf("data database: %w", err)
		}
		deps.closers = append(deps.closers, data.Close)

		normalizer := normalize.New(
			normalize.WithLocation(loc),
			normalize.WithDedupPolicy(policy),
			normalize.WithLogger(logger.Named("normalize")))
		deps.loader = load.NewService(registry, staging, cfg.Staging.Bucket, ledger,
			repository.NewWarehouseRepository(data.Pool, cfg.Database.TableSchema),
			load.WithNormalizer(normalizer),
			load.WithLogger(logger.Named("load")),
			load.WithMetrics(deps.metrics))
	}

	ok = true
	return deps, nil
}

// buildStores returns the source and staging stores. A local store root
// serves both buckets from disk.
func buildStores(cfg config.Config) (objectstore.Store, objectstore.Store, error) {
	if cfg.Pipeline.LocalStoreRoot != "" {
		local := objectstore.NewLocalStore(cfg.Pipeline.LocalStoreRoot)
		return local, local, nil
	}

	source, err := objectstore.NewS3Client(cfg.Source.Config)
	if err != nil {
		return nil, nil, fmt.Errorf("source store: %w", err)
	}
	staging, err := objectstore.NewS3Client(cfg.Staging.Config)
	if err != nil {
		return nil, nil, fmt.Errorf("staging store: %w", err)
	}
	return source, staging, nil
}
