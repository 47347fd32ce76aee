package sink

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"time"

	devenv "crawlcompose/dev/env"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"
)

// Dialect is the flavor of SQL spoken by a database.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

func (d Dialect) placeholder(i int) string {
	if d == DialectPostgres {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

const schema = `CREATE TABLE IF NOT EXISTS items (
	key TEXT PRIMARY KEY,
	stage TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at BIGINT NOT NULL
)`

type Config struct {
	// one of "sqlite", "libsql" or "pgx"
	Driver string `json:"driver"`
	// sqlite database file, may start with <dev_state>
	File string `json:"file"`
	// libsql or postgres connection url
	URL       string `json:"url"`
	AuthToken string `json:"auth_token"`
}

// SQL stores items in a database table, writing an item whose key is
// already stored is a no-op.
type SQL struct {
	db         *sql.DB
	dialect    Dialect
	insert     string
	written    int64
	duplicates int64
}

// Open connects to the database described by cfg and creates the items
// table.
func Open(ctx context.Context, cfg Config) (*SQL, error) {
	db, dialect, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	s, err := NewSQL(ctx, db, dialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func openDB(cfg Config) (*sql.DB, Dialect, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "sqlite":
		db, err := openSQLite(cfg.File)
		return db, DialectSQLite, err
	case "libsql":
		if cfg.URL == "" {
			return nil, 0, fmt.Errorf("sink: libsql requires a url")
		}
		dsn := cfg.URL
		if cfg.AuthToken != "" {
			parsed, err := url.Parse(cfg.URL)
			if err != nil {
				return nil, 0, fmt.Errorf("sink: parse libsql url: %w", err)
			}
			query := parsed.Query()
			query.Set("authToken", cfg.AuthToken)
			parsed.RawQuery = query.Encode()
			dsn = parsed.String()
		}
		db, err := sql.Open("libsql", dsn)
		return db, DialectSQLite, err
	case "pgx", "postgres":
		if cfg.URL == "" {
			return nil, 0, fmt.Errorf("sink: postgres requires a url")
		}
		db, err := sql.Open("pgx", cfg.URL)
		return db, DialectPostgres, err
	}
	return nil, 0, fmt.Errorf("sink: unknown driver %q", cfg.Driver)
}

func openSQLite(file string) (*sql.DB, error) {
	if file == "" {
		return nil, fmt.Errorf("sink: a path was not specified")
	}
	dbpath := file
	if file != ":memory:" {
		var err error
		dbpath, err = devenv.ResolvePath(file)
		if err != nil {
			return nil, err
		}
		_, statErr := os.Stat(dbpath)
		if os.IsNotExist(statErr) {
			f, err := os.Create(dbpath)
			if err != nil {
				return nil, err
			}
			f.Close()
		}
	}

	db, err := sql.Open("sqlite", dbpath)
	if err != nil {
		return nil, err
	}
	// sqlite only allows a single writer
	db.SetMaxOpenConns(1)
	if file != ":memory:" {
		_, err = db.Exec("PRAGMA journal_mode=WAL")
		if err != nil {
			db.Close()
			return nil, err
		}
	}
	return db, nil
}

// NewSQL uses an already opened database.
func NewSQL(ctx context.Context, db *sql.DB, dialect Dialect) (*SQL, error) {
	_, err := db.ExecContext(ctx, schema)
	if err != nil {
		return nil, fmt.Errorf("sink: create schema: %w", err)
	}
	insert := fmt.Sprintf(
		"INSERT INTO items (key, stage, payload, created_at) VALUES (%s, %s, %s, %s) ON CONFLICT (key) DO NOTHING",
		dialect.placeholder(1), dialect.placeholder(2), dialect.placeholder(3), dialect.placeholder(4),
	)
	return &SQL{db: db, dialect: dialect, insert: insert}, nil
}

func (s *SQL) Write(ctx context.Context, stage string, item any) error {
	key, payload, err := encode(stage, item)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.insert, key, stage, string(payload), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("sink: insert item: %w", err)
	}
	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		atomic.AddInt64(&s.duplicates, 1)
		return nil
	}
	atomic.AddInt64(&s.written, 1)
	return nil
}

// Counts returns the number of items written and the number of duplicates
// ignored since the sink was opened.
func (s *SQL) Counts() (written, duplicates int64) {
	return atomic.LoadInt64(&s.written), atomic.LoadInt64(&s.duplicates)
}

// Items returns every stored item, oldest first.
func (s *SQL) Items(ctx context.Context) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, stage, payload, created_at FROM items ORDER BY created_at, key")
	if err != nil {
		return nil, fmt.Errorf("sink: query items: %w", err)
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		var item Item
		var payload string
		var created int64
		err := rows.Scan(&item.Key, &item.Stage, &payload, &created)
		if err != nil {
			return nil, fmt.Errorf("sink: scan item: %w", err)
		}
		item.Payload = []byte(payload)
		item.CreatedAt = time.Unix(created, 0)
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *SQL) Close() error {
	return s.db.Close()
}
