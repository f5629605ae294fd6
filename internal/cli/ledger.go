package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rpattn/s3pgload/internal/db"
	"github.com/rpattn/s3pgload/internal/domain"
	"github.com/rpattn/s3pgload/internal/export"
	"github.com/rpattn/s3pgload/internal/repository"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newLedgerCommand(stdout io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the execution ledger",
	}
	cmd.AddCommand(newLedgerExportCommand(stdout))
	return cmd
}

func newLedgerExportCommand(stdout io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write ingestion and load executions as CSV or XLSX",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rawFormat, _ := cmd.Flags().GetString("format")
			workflow, _ := cmd.Flags().GetString("workflow")
			out, _ := cmd.Flags().GetString("out")

			format, err := export.ParseFormat(rawFormat)
			if err != nil {
				return err
			}
			workflowID := uuid.Nil
			if strings.TrimSpace(workflow) != "" {
				if workflowID, err = uuid.Parse(strings.TrimSpace(workflow)); err != nil {
					return fmt.Errorf("%w: workflow %q is not a valid UUID", domain.ErrConfiguration, workflow)
				}
			}
			if format == export.FormatXLSX && out == "" {
				return fmt.Errorf("%w: --out is required for xlsx", domain.ErrConfiguration)
			}

			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx := cmd.Context()
			monitor, err := db.NewConnection(ctx, cfg.Database.Monitor(), logger)
			if err != nil {
				return fmt.Errorf("monitor database: %w", err)
			}
			defer monitor.Close()

			w := stdout
			if out != "" {
				file, err := os.Create(out)
				if err != nil {
					return fmt.Errorf("create %s: %w", out, err)
				}
				defer file.Close()
				buffered := bufio.NewWriterSize(file, 1<<20)
				defer buffered.Flush()
				w = buffered
			}

			service := export.NewService(repository.NewExecutionRepository(monitor.Pool))
			counts, err := service.Export(ctx, workflowID, format, w)
			if err != nil {
				return err
			}
			logger.Info("ledger exported",
				zap.String("format", string(format)),
				zap.String("out", out),
				zap.Int("ingestions", counts.Ingestions),
				zap.Int("loads", counts.Loads))
			return nil
		},
	}
	cmd.Flags().String("format", "csv", "Report format: csv or xlsx")
	cmd.Flags().String("workflow", "", "Only export this workflow (default: all)")
	cmd.Flags().String("out", "", "Output file (default: stdout, csv only)")
	return cmd
}
