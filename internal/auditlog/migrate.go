// migrate.go applies the audit schema using golang-migrate, the same way
// the teacher's database/migrate.go does: SQL files under migrations/,
// tracked in a schema_migrations table, applied once at startup.
package auditlog

import (
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file source driver
	"github.com/sirupsen/logrus"
)

// RunMigrations applies all pending migrations under migrationsPath.
func (s *Store) RunMigrations(migrationsPath string, log *logrus.Logger) error {
	if log == nil {
		log = logrus.StandardLogger()
	}

	driver, err := postgres.WithInstance(s.DB.DB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("auditlog: migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("auditlog: new migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("auditlog: migrate up: %w", err)
	} else if err == migrate.ErrNoChange {
		log.Debug("auditlog: no new migrations to apply")
	} else {
		version, dirty, _ := m.Version()
		log.WithFields(logrus.Fields{"version": version, "dirty": dirty}).Info("auditlog: migrated schema")
	}

	return nil
}
