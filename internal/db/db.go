// Package db owns the gateway's persistence plumbing: connection setup for
// the two supported drivers, embedded schema migrations, and the at-rest
// encryption of session material. SQLite (modernc, CGO-free) is the
// single-binary default; PostgreSQL backs multi-instance deployments, where
// the ownership lock inside the session blob actually earns its keep.
package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	gormpostgres "gorm.io/driver/postgres"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	// modernc pure-Go SQLite driver, registered as "sqlite" in database/sql.
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config holds what it takes to open the gateway store. Driver defaults to
// "sqlite" when empty.
type Config struct {
	Driver   string // "sqlite" or "postgres"
	DSN      string
	Logger   *zap.Logger
	LogLevel gormlogger.LogLevel
}

// New opens the store, applies pending migrations, and returns the ready
// *gorm.DB.
func New(cfg Config) (*gorm.DB, error) {
	if cfg.Logger == nil {
		return nil, errors.New("db: logger is required")
	}
	gormCfg := &gorm.Config{Logger: newQueryLogger(cfg.Logger, cfg.LogLevel)}

	driver := cfg.Driver
	if driver == "" {
		driver = "sqlite"
	}

	var (
		database *gorm.DB
		sqlDB    *sql.DB
		err      error
	)
	switch driver {
	case "sqlite":
		database, sqlDB, err = openSQLite(cfg.DSN, gormCfg)
	case "postgres":
		database, sqlDB, err = openPostgres(cfg.DSN, gormCfg)
	default:
		err = fmt.Errorf("db: unknown driver %q (want sqlite or postgres)", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := migrateUp(sqlDB, driver); err != nil {
		return nil, fmt.Errorf("db: migrations: %w", err)
	}
	cfg.Logger.Info("database ready", zap.String("driver", driver))
	return database, nil
}

// openSQLite opens the modernc handle through database/sql and hands the
// existing *sql.DB to GORM so only one driver ever touches the file. The
// single open connection is SQLite's one-writer rule made explicit; WAL
// keeps the webhook drain's reads from queueing behind send-path writes.
func openSQLite(dsn string, gormCfg *gorm.Config) (*gorm.DB, *sql.DB, error) {
	sqlDB, err := sql.Open("sqlite", sqliteDSN(dsn))
	if err != nil {
		return nil, nil, fmt.Errorf("db: open sqlite: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	database, err := gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, gormCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("db: gorm over sqlite: %w", err)
	}
	return database, sqlDB, nil
}

// sqliteDSN appends the gateway's pragmas unless the DSN already carries its
// own query string.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "?") {
		return dsn
	}
	return dsn + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

func openPostgres(dsn string, gormCfg *gorm.Config) (*gorm.DB, *sql.DB, error) {
	database, err := gorm.Open(gormpostgres.Open(dsn), gormCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("db: open postgres: %w", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		return nil, nil, fmt.Errorf("db: unwrap sql.DB: %w", err)
	}
	// Sized for one gateway process: the webhook worker, the cron tasks, and
	// the API share this pool.
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	return database, sqlDB, nil
}

// Ping verifies that the store connection is still alive. Surfaced by the
// health endpoint.
func Ping(ctx context.Context, database *gorm.DB) error {
	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("db: unwrap sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// migrateUp applies pending up-migrations from the embedded SQL files.
// ErrNoChange is success: an already-current schema is the common case.
func migrateUp(sqlDB *sql.DB, driver string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	var drv migratedb.Driver
	switch driver {
	case "sqlite":
		drv, err = migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
	case "postgres":
		drv, err = migratepg.WithInstance(sqlDB, &migratepg.Config{})
	}
	if err != nil {
		return fmt.Errorf("%s migrate driver: %w", driver, err)
	}

	m, err := migrate.NewWithInstance("iofs", src, driver, drv)
	if err != nil {
		return fmt.Errorf("migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply: %w", err)
	}
	return nil
}
