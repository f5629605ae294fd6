package cli

import (
	"github.com/rpattn/s3pgload/internal/db"

	"github.com/spf13/cobra"
)

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the execution ledger tables in the monitor database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			steps, _ := cmd.Flags().GetInt("steps")

			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			return db.RunMigrations(cfg.Database.Monitor(), steps, logger)
		},
	}
	cmd.Flags().Int("steps", 0, "Migrations to apply (negative rolls back); 0 applies all")
	return cmd
}
