// Package db provides database connectivity, schema migrations and the
// transactional host writer for hostsweep. PostgreSQL is the production
// backend; SQLite (pure Go, via modernc.org/sqlite) serves single-node runs
// and tests. Queries are written with '?' placeholders and rebound per driver.
package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/anstrom/hostsweep/internal/errors"
	"github.com/anstrom/hostsweep/internal/logging"
)

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

const (
	defaultPostgresPort    = 5432
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 5 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
	sqliteBusyTimeoutMS    = 5000
	sqliteDirPerm          = 0750
)

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// sanitizeDBError converts raw driver errors into DatabaseErrors that don't
// expose SQL details or credentials. The original error is kept as Cause.
func sanitizeDBError(operation string, err error) error {
	if err == nil {
		return nil
	}

	var already *errors.DatabaseError
	if stderrors.As(err, &already) {
		return err
	}

	if stderrors.Is(err, sql.ErrNoRows) {
		return errors.NewDatabaseError(errors.CodeNotFound, "resource not found").WithOperation(operation)
	}
	if stderrors.Is(err, context.Canceled) {
		return errors.WrapDatabaseError(errors.CodeCanceled, "database operation was canceled", err).
			WithOperation(operation)
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.WrapDatabaseError(errors.CodeTimeout, "database operation timed out", err).
			WithOperation(operation)
	}

	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		var dbErr *errors.DatabaseError
		switch pqErr.Code {
		case "23505": // unique_violation
			dbErr = errors.NewDatabaseError(errors.CodeConflict, "resource already exists")
		case "23503": // foreign_key_violation
			dbErr = errors.NewDatabaseError(errors.CodeValidation, "referenced resource does not exist")
		case "23502": // not_null_violation
			dbErr = errors.NewDatabaseError(errors.CodeValidation, "required field is missing")
		case "23514": // check_violation
			dbErr = errors.NewDatabaseError(errors.CodeValidation, "data validation failed")
		case "57014": // query_canceled
			dbErr = errors.NewDatabaseError(errors.CodeCanceled, "database operation was canceled")
		case "57P01", "08000", "08003", "08006":
			dbErr = errors.NewDatabaseError(errors.CodeDatabaseConnection, "database connection error")
		default:
			dbErr = errors.NewDatabaseError(errors.CodeDatabaseQuery, "database operation failed")
		}
		dbErr.Operation = operation
		dbErr.Cause = err
		return dbErr
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return errors.WrapDatabaseError(errors.CodeConflict, "resource already exists", err).WithOperation(operation)
	case strings.Contains(msg, "CHECK constraint failed"), strings.Contains(msg, "NOT NULL constraint failed"),
		strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return errors.WrapDatabaseError(errors.CodeValidation, "data validation failed", err).WithOperation(operation)
	}

	return errors.WrapDatabaseError(errors.CodeDatabaseQuery, "database operation failed", err).
		WithOperation(operation)
}

// DB wraps sqlx.DB with the driver it was opened with.
type DB struct {
	*sqlx.DB
	driver string
}

// Config holds database configuration.
type Config struct {
	Driver          string        `yaml:"driver" json:"driver" validate:"omitempty,oneof=postgres sqlite"`
	Host            string        `yaml:"host" json:"host"`
	Port            int           `yaml:"port" json:"port" validate:"omitempty,min=1,max=65535"`
	Database        string        `yaml:"database" json:"database"`
	Username        string        `yaml:"username" json:"username"`
	Password        string        `yaml:"password" json:"-"`
	SSLMode         string        `yaml:"ssl_mode" json:"ssl_mode" validate:"omitempty,oneof=disable allow prefer require verify-ca verify-full"`
	Path            string        `yaml:"path" json:"path"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns" validate:"min=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`
}

// DefaultConfig returns the default database configuration.
// Database name, username, and password must be explicitly configured for postgres.
func DefaultConfig() Config {
	return Config{
		Driver:          DriverPostgres,
		Host:            "localhost",
		Port:            defaultPostgresPort,
		SSLMode:         "disable",
		Path:            "hostsweep.db",
		MaxOpenConns:    defaultMaxOpenConns,
		MaxIdleConns:    defaultMaxIdleConns,
		ConnMaxLifetime: defaultConnMaxLifetime,
		ConnMaxIdleTime: defaultConnMaxIdleTime,
	}
}

// Connect opens the configured backend and verifies the connection.
// Returned errors never include the DSN.
func Connect(ctx context.Context, config *Config) (*DB, error) {
	switch config.Driver {
	case DriverSQLite:
		return connectSQLite(ctx, config)
	case "", DriverPostgres:
		return connectPostgres(ctx, config)
	default:
		return nil, errors.ErrConfigInvalid("database.driver", config.Driver)
	}
}

func connectPostgres(ctx context.Context, config *Config) (*DB, error) {
	// lib/pq escapes values in key=value form.
	dsn := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		config.Host, config.Port, config.Database,
		config.Username, config.Password, config.SSLMode,
	)

	db, err := sqlx.ConnectContext(ctx, DriverPostgres, dsn)
	if err != nil {
		return nil, errors.ErrDatabaseConnection(err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	logging.InfoDatabase("connected to database",
		"driver", DriverPostgres, "host", config.Host, "port", config.Port, "database", config.Database)
	return &DB{DB: db, driver: DriverPostgres}, nil
}

func connectSQLite(ctx context.Context, config *Config) (*DB, error) {
	path := config.Path
	if path == "" {
		return nil, errors.ErrConfigMissing("database.path")
	}
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), sqliteDirPerm); err != nil {
			return nil, errors.ErrDatabaseConnection(err)
		}
	}

	db, err := sqlx.ConnectContext(ctx, DriverSQLite, path)
	if err != nil {
		return nil, errors.ErrDatabaseConnection(err)
	}

	// One writer connection. This also keeps a ":memory:" database alive for
	// the lifetime of the pool.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", sqliteBusyTimeoutMS),
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, errors.ErrDatabaseConnection(err)
		}
	}

	logging.InfoDatabase("connected to database", "driver", DriverSQLite, "path", path)
	return &DB{DB: db, driver: DriverSQLite}, nil
}

// Wrap adopts an existing sqlx handle, e.g. one backed by sqlmock.
func Wrap(db *sqlx.DB) *DB {
	driver := db.DriverName()
	if driver != DriverSQLite {
		driver = DriverPostgres
	}
	return &DB{DB: db, driver: driver}
}

// Driver returns the backend name.
func (db *DB) Driver() string {
	return db.driver
}

// BeginTx starts a transaction with the driver's default isolation.
func (db *DB) BeginTx(ctx context.Context) (*sqlx.Tx, error) {
	return db.BeginTxx(ctx, nil)
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
