package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"

	"github.com/streamhive/relay/internal/config"
	"github.com/streamhive/relay/internal/store/pg"
)

var migrationsDir string

var migrateCmd = &cobra.Command{
	Use:   "migrate [up|down|version|force N]",
	Short: "Run Postgres schema migrations (managed mode only)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigrate(args)
	},
}

func init() {
	migrateCmd.Flags().StringVar(&migrationsDir, "dir", "migrations", "migrations directory")
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(args []string) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Database.PostgresDSN == "" {
		return errors.New("RELAY_POSTGRES_DSN is not set; migrations apply to managed mode only")
	}

	db, err := pg.OpenDB(cfg.Database.PostgresDSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+migrationsDir, "pgx", driver)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	switch args[0] {
	case "up":
		err = m.Up()
	case "down":
		err = m.Steps(-1)
	case "version":
		v, dirty, verr := m.Version()
		if verr != nil {
			return verr
		}
		fmt.Printf("version=%d dirty=%v\n", v, dirty)
		return nil
	case "force":
		if len(args) < 2 {
			return errors.New("force requires a version number")
		}
		v, perr := strconv.Atoi(args[1])
		if perr != nil {
			return fmt.Errorf("invalid version %q", args[1])
		}
		err = m.Force(v)
	default:
		return fmt.Errorf("unknown migrate action %q", args[0])
	}

	if errors.Is(err, migrate.ErrNoChange) {
		slog.Info("migrate.no_change")
		return nil
	}
	if err != nil {
		return fmt.Errorf("migrate %s: %w", args[0], err)
	}
	slog.Info("migrate.applied", "action", args[0])
	return nil
}
