package db

import (
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

func init() {
	// modernc registers itself as "sqlite"; teach sqlx its placeholder style.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// StoreConfig selects the storage backend.
type StoreConfig struct {
	Type string // "sqlite" or "postgres"
	DSN  string // file path for SQLite, connection string for Postgres
}

// NewStore opens a Store for the configured backend.
func NewStore(config StoreConfig) (Store, error) {
	switch strings.ToLower(config.Type) {
	case "postgres", "postgresql":
		if config.DSN == "" {
			return nil, fmt.Errorf("postgres connection string is required")
		}
		db, err := sqlx.Open("postgres", config.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		return NewSQLStore(db)
	case "sqlite", "sqlite3", "":
		dsn := config.DSN
		if dsn == "" {
			dsn = ".devos.db"
		}
		db, err := sqlx.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		// modernc sqlite is single-writer; serialize access through one
		// connection to avoid SQLITE_BUSY under concurrent tasks.
		db.SetMaxOpenConns(1)
		return NewSQLStore(db)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}
