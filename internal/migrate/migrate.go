// Package migrate applies the embedded goose migrations to PostgreSQL.
// SQLite stores create their own tables through Migrate methods.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"sync"

	"github.com/mbd888/outreach/migrations"
	"github.com/pressly/goose/v3"
)

// Commands lists what Run accepts, for usage text.
var Commands = []string{"up", "up-by-one", "up-to", "down", "down-to", "redo", "reset", "status", "version"}

// goose keeps its base FS and dialect in package globals.
var gooseMu sync.Mutex

// Run executes a goose command (see Commands) against db.
func Run(ctx context.Context, db *sql.DB, command string, args ...string) error {
	if !knownCommand(command) {
		return fmt.Errorf("migrate: unknown command %q (want one of %s)", command, strings.Join(Commands, ", "))
	}

	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations.FS)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if err := goose.RunContext(ctx, command, db, ".", args...); err != nil {
		return fmt.Errorf("migrate: %s: %w", command, err)
	}
	return nil
}

// Files returns the embedded migration file names in apply order.
func Files() ([]string, error) {
	names, err := fs.Glob(migrations.FS, "*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func knownCommand(cmd string) bool {
	for _, c := range Commands {
		if c == cmd {
			return true
		}
	}
	return false
}
