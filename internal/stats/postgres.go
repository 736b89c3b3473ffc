package stats

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"pkt.systems/pslog"
)

const postgresPingTimeout = 5 * time.Second

// OpenPostgres connects to a PostgreSQL stats database. A failed initial ping
// is reported as ErrUnavailable.
func OpenPostgres(ctx context.Context, dsn string, logger pslog.Logger) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("stats: empty postgres dsn")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("stats: open postgres: %w", err)
	}
	db.SetMaxOpenConns(8)
	pingCtx, cancel := context.WithTimeout(ctx, postgresPingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: postgres ping: %v", ErrUnavailable, err)
	}
	store, err := newSQLStore(ctx, db, postgresDialect, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}
