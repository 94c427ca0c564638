package database

import (
	"net/url"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/pkg/errors"

	"github.com/CMSgov/claimfin/log"
)

const migrationsTable = "migrations_claimfin"

// Migrate applies every pending migration found under path to the database
// at dsn.
func Migrate(dsn, path string) error {
	target, err := withMigrationsTable(dsn, migrationsTable)
	if err != nil {
		return err
	}

	m, err := migrate.New("file://"+path, target)
	if err != nil {
		return errors.Wrap(err, "failed to initialize migrations")
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil || dbErr != nil {
			log.Engine.Warnf("failed to close migrations source=%v db=%v", srcErr, dbErr)
		}
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "failed to apply migrations")
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return errors.Wrap(err, "failed to read migration version")
	}
	log.Engine.WithField("dirty", dirty).Infof("Database schema at version %d", version)
	return nil
}

func withMigrationsTable(dsn, table string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", errors.Wrap(err, "failed to parse database url")
	}
	q := u.Query()
	q.Set("x-migrations-table", table)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
