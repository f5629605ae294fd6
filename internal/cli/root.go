package cli

import (
	"io"

	"github.com/rpattn/s3pgload/internal/config"
	"github.com/rpattn/s3pgload/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// NewRootCommand builds the s3pgload command tree. Invoked without a
// subcommand it runs the pipeline.
func NewRootCommand(stdout, stderr io.Writer) *cobra.Command {
	rc := &cobra.Command{
		Use:   "s3pgload",
		Short: "Incrementally ingest hourly JSON partitions from S3 and load them into Postgres.",
		Long: `s3pgload moves hourly partitions of newline-delimited JSON from a source bucket
into a staging bucket (ingest), then normalizes the staged records against the
schema registry and upserts them into Postgres (load). Every run is recorded in
the execution ledger, which also drives the ingestion watermark.`,
		SilenceUsage: true,
	}
	rc.PersistentFlags().StringP("config", "c", ".", "Config file, or directory containing config.yaml.")

	run := newRunCommand(stdout)
	rc.RunE = run.RunE
	rc.Flags().AddFlagSet(run.Flags())

	rc.AddCommand(run)
	rc.AddCommand(newMigrateCommand())
	rc.AddCommand(newLedgerCommand(stdout))

	rc.SetOut(stdout)
	rc.SetErr(stderr)
	return rc
}

// setup loads configuration and builds the logger for a command.
func setup(cmd *cobra.Command) (config.Config, *zap.Logger, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return config.Config{}, nil, err
	}
	cfg, source, err := config.Load(path)
	if err != nil {
		return cfg, nil, err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return cfg, nil, err
	}
	if source != "" {
		logger.Info("loaded configuration", zap.String("file", source))
	} else {
		logger.Info("no config file found, using defaults and environment")
	}
	return cfg, logger, nil
}
