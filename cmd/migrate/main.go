package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/liamcoop/programrules/internal/logger"
	"github.com/liamcoop/programrules/metadata"
)

// databaseEnv is read when --database is not given.
const databaseEnv = "PROGRAMRULES_METADATA_DATABASE_URL"

var (
	databaseURL    string
	migrationsPath string
	logLevel       string
)

var rootCmd = &cobra.Command{
	Use:           "migrate",
	Short:         "Manage the program rules database schema",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger.Setup(cmd.Context(), logger.Options{Level: logLevel, Format: logger.FormatText, Output: cmd.ErrOrStderr()})
		if databaseURL == "" {
			databaseURL = os.Getenv(databaseEnv)
		}
		if databaseURL == "" {
			return fmt.Errorf("database URL is required: use --database or %s", databaseEnv)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&databaseURL, "database", "", "database URL (postgres://...)")
	rootCmd.PersistentFlags().StringVar(&migrationsPath, "path", "migrations", "path to the migrations directory")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(upCmd, downCmd, versionCmd, forceCmd, seedCmd)
}

func newMigrate() (*migrate.Migrate, error) {
	m, err := migrate.New(fmt.Sprintf("file://%s", migrationsPath), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration instance: %w", err)
	}
	return m, nil
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := newMigrate()
		if err != nil {
			return err
		}
		defer m.Close()

		err = m.Up()
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Logger.Info("no migrations to run")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		logger.Logger.Info("migrations applied")
		return nil
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back every migration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := newMigrate()
		if err != nil {
			return err
		}
		defer m.Close()

		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("failed to roll back migrations: %w", err)
		}
		logger.Logger.Info("rollback completed")
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the current schema version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := newMigrate()
		if err != nil {
			return err
		}
		defer m.Close()

		version, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			fmt.Fprintln(cmd.OutOrStdout(), "no migrations applied")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to get version: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %v)\n", version, dirty)
		return nil
	},
}

var forceCmd = &cobra.Command{
	Use:   "force <version>",
	Short: "Set the schema version without running migrations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		version, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[0], err)
		}

		m, err := newMigrate()
		if err != nil {
			return err
		}
		defer m.Close()

		if err := m.Force(version); err != nil {
			return fmt.Errorf("failed to force version: %w", err)
		}
		logger.Logger.Info("forced schema version", "version", version)
		return nil
	},
}

var fixturePath string

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Import a YAML metadata fixture",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fixture, err := metadata.ReadFixtureFile(fixturePath)
		if err != nil {
			return err
		}

		db, err := sql.Open("postgres", databaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()

		if err := metadata.NewPostgresStore(db).Import(cmd.Context(), fixture); err != nil {
			return err
		}
		logger.Logger.Info("fixture imported", "path", fixturePath,
			"rules", len(fixture.Rules), "enrollments", len(fixture.Enrollments), "events", len(fixture.Events))
		return nil
	},
}

func init() {
	seedCmd.Flags().StringVar(&fixturePath, "fixture", "", "path to the YAML fixture")
	_ = seedCmd.MarkFlagRequired("fixture")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
