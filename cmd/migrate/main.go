// Package main applies the Postgres schema migrations.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/muaviaUsmani/sellerpilot/internal/logger"
	"github.com/muaviaUsmani/sellerpilot/internal/store"
)

func main() {
	var databaseURL, migrationsPath, command string
	flag.StringVar(&databaseURL, "database", "", "Database URL (defaults to DATABASE_URL)")
	flag.StringVar(&migrationsPath, "path", "migrations", "Path to migrations directory")
	flag.StringVar(&command, "command", "up", "Migration command: up, down, steps, version, force")
	flag.Parse()

	_ = godotenv.Load()
	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}

	logCfg := logger.DefaultConfig()
	logCfg.Format = logger.FormatText
	base, err := logger.NewLogger(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	log := base.WithComponent(logger.ComponentStore)

	code := migrate(databaseURL, migrationsPath, command, log)
	// flush the console buffer before exiting
	_ = base.Close()
	os.Exit(code)
}

func migrate(databaseURL, migrationsPath, command string, log logger.Logger) int {
	if databaseURL == "" {
		log.Error("Database URL is required, use -database or DATABASE_URL")
		return 1
	}

	m, err := store.NewMigrator(migrationsPath, databaseURL)
	if err != nil {
		log.Error("Failed to create migrator", "error", err)
		return 1
	}
	defer m.Close()

	if err := run(m, command, flag.Args(), log); err != nil {
		log.Error("Migration failed", "command", command, "error", err)
		return 1
	}
	return 0
}

func run(m *store.Migrator, command string, args []string, log logger.Logger) error {
	switch command {
	case "up":
		changed, err := m.Up()
		if err != nil {
			return err
		}
		if !changed {
			log.Info("No migrations to run, database is up to date")
			return nil
		}
		log.Info("Migrations applied")

	case "down":
		if err := m.Down(); err != nil {
			return err
		}
		log.Info("All migrations rolled back")

	case "steps", "force":
		if len(args) < 1 {
			return fmt.Errorf("%s needs a number: -command %s <n>", command, command)
		}
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid number %q: %w", args[0], err)
		}
		if command == "steps" {
			err = m.Steps(n)
		} else {
			err = m.Force(n)
		}
		if err != nil {
			return err
		}
		log.Info("Migration command done", "command", command, "n", n)

	case "version":
		version, dirty, err := m.Version()
		if err != nil {
			return err
		}
		log.Info("Current schema version", "version", version, "dirty", dirty)

	default:
		return fmt.Errorf("unknown command %q (use: up, down, steps, version, force)", command)
	}
	return nil
}
