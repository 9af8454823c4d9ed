package server

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// Migrate applies database migrations from the given directory.
// dir example: file://migrations
func Migrate(dir string, dsn string, direction string, steps int) error {
	if dir == "" {
		dir = "file://migrations"
	}
	if dsn == "" {
		return fmt.Errorf("migrate: dsn is required")
	}
	m, err := migrate.New(dir, dsn)
	if err != nil {
		return err
	}
	var runErr error
	switch direction {
	case "up":
		if steps > 0 {
			runErr = m.Steps(steps)
		} else {
			runErr = m.Up()
		}
	case "down":
		if steps > 0 {
			runErr = m.Steps(-steps)
		} else {
			runErr = m.Down()
		}
	default:
		return fmt.Errorf("unknown direction: %s", direction)
	}
	if errors.Is(runErr, migrate.ErrNoChange) {
		return nil
	}
	return runErr
}
