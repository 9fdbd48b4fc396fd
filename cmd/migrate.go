package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/tetherhq/tether/internal/config"
	"github.com/tetherhq/tether/internal/database"
	"github.com/tetherhq/tether/internal/logging"
)

// MigrateCommand returns the CLI command that applies schema migrations.
// serve also migrates at boot; this exists for deployments that migrate
// as a separate release step. River's queue tables are created with the
// river CLI (`river migrate-up`), not here.
func MigrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply database schema migrations",
		Action: func(c *cli.Context) error {
			cfg, err := config.LoadConfig(c.String("config"))
			if err != nil {
				return err
			}
			logging.Setup(cfg.Log.Level, cfg.Log.Format)

			db, err := database.NewDB(cfg.DatabaseURL())
			if err != nil {
				return err
			}
			defer db.Close()

			if err := database.Migrate(c.Context, db); err != nil {
				return err
			}

			fmt.Println("Migrations applied")
			return nil
		},
	}
}
