package cli

import (
	"github.com/spf13/cobra"

	"github.com/itbali/vpn-validator-bot/internal/config"
	"github.com/itbali/vpn-validator-bot/internal/migrate"
	"github.com/itbali/vpn-validator-bot/internal/repository/sqlite"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending ledger migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load(false)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			backend, err := cfg.Database.Backend()
			if err != nil {
				return err
			}
			switch backend {
			case config.BackendPostgres:
				err = migrate.Up(cmd.Context(), cfg.Database.DSN)
			default:
				var db *sqlite.DB
				// Open applies migrations.
				if db, err = sqlite.Open(cmd.Context(), cfg.Database.SQLitePath()); err == nil {
					err = db.Close()
				}
			}
			if err != nil {
				return err
			}
			log.Info("migrations applied")
			return nil
		},
	}
}
