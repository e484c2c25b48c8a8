package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/vrabby/vrabby/internal/db/dialect"
)

// Config selects the backing database driver and its location.
type Config struct {
	// Driver is "sqlite" or "postgres"; empty defaults to sqlite.
	Driver string

	// SQLitePath is the database file path for the sqlite driver.
	SQLitePath string

	// PostgresDSN is the connection string for the postgres driver.
	PostgresDSN string

	// MaxConns caps pooled connections: the shared pool for postgres, the
	// read-only pool for sqlite. MinConns is the postgres idle floor.
	MaxConns int
	MinConns int
}

// Open builds a Pool for the configured driver. SQLite gets a single-writer
// plus read-only reader pair; Postgres shares one pgx pool for both sides.
func Open(cfg Config) (*Pool, error) {
	switch cfg.Driver {
	case "", "sqlite":
		writer, err := OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		reader, err := OpenSQLiteReader(cfg.SQLitePath, cfg.MaxConns)
		if err != nil {
			_ = writer.Close()
			return nil, err
		}
		return NewPool(
			sqlx.NewDb(writer, dialect.SQLite3),
			sqlx.NewDb(reader, dialect.SQLite3),
		), nil
	case "postgres":
		conn, err := OpenPostgres(cfg.PostgresDSN, cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, err
		}
		x := sqlx.NewDb(conn, dialect.PGX)
		return NewPool(x, x), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", cfg.Driver)
	}
}
