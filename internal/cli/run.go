package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/rpattn/s3pgload/internal/pipeline"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRunCommand(stdout io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the ingest and/or load step",
		Long: `Run one or both pipeline steps.

  --step all     ingest the next hour partition, then load it (new workflow id)
  --step ingest  ingest only (new workflow id)
  --step load    load the staged file of --workflow`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rawStep, _ := cmd.Flags().GetString("step")
			workflow, _ := cmd.Flags().GetString("workflow")

			// Inputs are checked before any configuration or I/O.
			step, err := pipeline.ParseStep(rawStep)
			if err != nil {
				return err
			}
			plan, err := pipeline.CheckInputs(step, workflow, uuid.New)
			if err != nil {
				return err
			}

			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx := cmd.Context()
			deps, err := wire(ctx, cfg, plan.Step, logger)
			if err != nil {
				return err
			}
			defer deps.Close()

			result, runErr := pipeline.NewExecutor(deps.ingester, deps.loader, logger).Execute(ctx, plan)
			if pushErr := deps.metrics.Push(ctx); pushErr != nil {
				logger.Warn("metrics push failed", zap.Error(pushErr))
			}

			encoder := json.NewEncoder(stdout)
			encoder.SetIndent("", "  ")
			if err := encoder.Encode(result); err != nil {
				logger.Warn("failed to print run summary", zap.Error(err))
			}
			if runErr != nil {
				return fmt.Errorf("workflow %s failed: %w", plan.WorkflowID, runErr)
			}
			return nil
		},
	}
	cmd.Flags().String("step", "all", "Step to run: all, ingest (alias ingestor) or load (alias handler)")
	cmd.Flags().String("workflow", "", "Workflow id whose staged file is loaded; only valid with --step load")
	return cmd
}
