// Package migrations embeds the goose SQL migrations so binaries and tests
// do not depend on the working directory.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"sync"

	"github.com/pressly/goose/v3"
)

//go:embed *.sql
var FS embed.FS

// goose keeps its base FS and dialect in package globals.
var mu sync.Mutex

// Run executes a goose command (up, down, status, version, redo, up-to,
// down-to) against db using the embedded migrations.
func Run(ctx context.Context, db *sql.DB, command string, args ...string) error {
	mu.Lock()
	defer mu.Unlock()

	goose.SetBaseFS(FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.RunContext(ctx, command, db, ".", args...)
}

// Up applies all pending migrations.
func Up(ctx context.Context, db *sql.DB) error {
	return Run(ctx, db, "up")
}
