package migrate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"panopticon/migrations"
)

// Dialect selects the migration set and the goose dialect.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// goose keeps its settings in package globals.
var gooseMu sync.Mutex

// Apply runs any pending SQL migrations bundled with the binary.
func Apply(ctx context.Context, db *sqlx.DB, dialect Dialect, logger *slog.Logger) error {
	gooseDialect, dir, err := resolve(dialect)
	if err != nil {
		return err
	}

	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations.Files)
	goose.SetLogger(gooseSlogLogger{logger: logger})
	if err := goose.SetDialect(gooseDialect); err != nil {
		return fmt.Errorf("migrate: set goose dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db.DB, dir); err != nil {
		return fmt.Errorf("migrate: goose up: %w", err)
	}

	version, err := goose.GetDBVersionContext(ctx, db.DB)
	if err != nil {
		return fmt.Errorf("migrate: check goose version: %w", err)
	}
	if logger != nil {
		logger.Info("database migrated", "dialect", string(dialect), "version", version)
	}

	return nil
}

func resolve(dialect Dialect) (gooseDialect, dir string, err error) {
	switch dialect {
	case DialectPostgres:
		return "postgres", "postgres", nil
	case DialectSQLite:
		return "sqlite3", "sqlite", nil
	default:
		return "", "", fmt.Errorf("migrate: unsupported dialect %q", dialect)
	}
}
