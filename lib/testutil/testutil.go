package testutil

import (
	"database/sql"
	"fmt"
	"strings"
	"testing"

	devenv "crawlcompose/dev/env"
	"crawlcompose/lib/telemetry"

	_ "modernc.org/sqlite"
)

type DBParams struct {
	Name string
	// if unspecified, the database is left empty
	Schema string
	// if unspecified, it will use `:memory:`
	Path string
}

// SetupDB sets up telemetry for the test and opens a sqlite database, the
// returned cleanup closes both.
func SetupDB(t testing.TB, params DBParams) (*sql.DB, func()) {
	t.Helper()
	cleanup := telemetry.SetupForTesting(t, fmt.Sprintf("test:%s", params.Name))

	dbpath := ":memory:"
	if params.Path != "" && params.Path != ":memory:" {
		var err error
		dbpath, err = devenv.ResolvePath(params.Path)
		if err != nil {
			t.Fatal(err)
		}
	}
	db, err := sql.Open("sqlite", dbpath)
	if err != nil {
		t.Fatal(err)
	}
	// every connection to :memory: is its own database
	db.SetMaxOpenConns(1)

	if params.Schema != "" {
		_, err = db.Exec(params.Schema)
		if err != nil && !strings.Contains(err.Error(), "already exists") {
			t.Fatal(err)
		}
	}

	return db, func() {
		db.Close()
		cleanup()
	}
}
