package stats

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"pkt.systems/pslog"
)

// OpenSQLite opens (creating if needed) a SQLite stats database at path.
func OpenSQLite(ctx context.Context, path string, logger pslog.Logger) (*SQLStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("stats: empty sqlite path")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("stats: create sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("stats: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("stats: sqlite journal_mode=wal: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("stats: sqlite busy_timeout: %w", err)
	}
	store, err := newSQLStore(ctx, db, sqliteDialect, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}
