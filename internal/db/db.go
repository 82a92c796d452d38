package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"io/fs"
	"strconv"
	"strings"
	"time"
)

// DB wraps sql.DB with the driver name so queries can be rebound
type DB struct {
	*sql.DB
	driver string
}

// Tx wraps sql.Tx with the owning DB
type Tx struct {
	*sql.Tx
	db *DB
}

// Config holds database connection configuration
type Config struct {
	Driver          string        `toml:"driver"`
	DSN             string        `toml:"dsn"`
	MaxOpenConns    int           `toml:"max_open_conns"`
	MaxIdleConns    int           `toml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `toml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `toml:"conn_max_idle_time"`
	MigrationsDir   string        `toml:"migrations_dir"` // empty = embedded migrations
	SkipMigrations  bool          `toml:"skip_migrations"`
}

// Supported drivers
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// Standard errors
var (
	ErrNotFound   = errors.New("db: not found")
	ErrDuplicate  = errors.New("db: duplicate key")
	ErrForeignKey = errors.New("db: foreign key violation")
	ErrRunActive  = errors.New("db: run still active")
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Migrations returns the schema migrations compiled into the binary.
func Migrations() fs.FS {
	sub, err := fs.Sub(embeddedMigrations, "migrations")
	if err != nil {
		// Only possible if the embed pattern above is wrong.
		panic(err)
	}
	return sub
}

// Open creates a new database connection
func Open(driver, dsn string) (*DB, error) {
	if driver == DriverSQLite {
		dsn = sqliteDSN(dsn)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}

	// SQLite allows a single writer; serialising through one connection
	// avoids SQLITE_BUSY between the pipeline, keepalive and HTTP readers.
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	return &DB{
		DB:     db,
		driver: driver,
	}, nil
}

// sqliteDSN turns on foreign keys for every connection the pool opens,
// unless the DSN already says otherwise.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_foreign_keys=") || strings.Contains(dsn, "_fk=") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&_foreign_keys=on"
	}
	return dsn + "?_foreign_keys=on"
}

// OpenWithConfig creates a connection with pool settings applied. SQLite
// keeps its single connection for the life of the pool.
func OpenWithConfig(config Config) (*DB, error) {
	db, err := Open(config.Driver, config.DSN)
	if err != nil {
		return nil, err
	}
	if config.Driver == DriverSQLite {
		return db, nil
	}

	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	}
	if config.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	}

	return db, nil
}

// Driver returns the database driver name
func (db *DB) Driver() string {
	return db.driver
}

// rebind rewrites ? placeholders to $n for Postgres
func (db *DB) rebind(query string) string {
	if db.driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (db *DB) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.ExecContext(ctx, db.rebind(query), args...)
}

func (db *DB) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return db.QueryRowContext(ctx, db.rebind(query), args...)
}

func (db *DB) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.QueryContext(ctx, db.rebind(query), args...)
}

// Begin starts a new transaction
func (db *DB) Begin(ctx context.Context) (*Tx, error) {
	tx, err := db.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	return &Tx{
		Tx: tx,
		db: db,
	}, nil
}

func (tx *Tx) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return tx.ExecContext(ctx, tx.db.rebind(query), args...)
}

// WithTransaction executes fn within a transaction.
// Commits on success, rolls back on error or panic.
func (db *DB) WithTransaction(ctx context.Context, fn func(*Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// expectRows maps a zero-row update to ErrNotFound
func expectRows(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Error classification functions

// IsNotFound checks if error is a not found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, sql.ErrNoRows)
}

// IsDuplicate checks if error is a duplicate key error
func IsDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDuplicate) {
		return true
	}

	errMsg := err.Error()
	return strings.Contains(errMsg, "UNIQUE constraint failed") ||
		strings.Contains(errMsg, "duplicate key")
}

// IsForeignKey checks if error is a foreign key error
func IsForeignKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrForeignKey) {
		return true
	}

	errMsg := err.Error()
	return strings.Contains(errMsg, "FOREIGN KEY constraint failed") ||
		strings.Contains(errMsg, "violates foreign key constraint")
}
