package stats

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
	sqlite3 "modernc.org/sqlite"
	"pkt.systems/pslog"

	"pkt.systems/predictd/internal/loggingutil"
)

// dialect carries the SQL that differs between backends.
type dialect struct {
	name   string
	schema string
	bind   func(n int) string
}

var sqliteDialect = dialect{
	name: "sqlite",
	schema: `
CREATE TABLE IF NOT EXISTS players (
  id    INTEGER PRIMARY KEY AUTOINCREMENT,
  login TEXT NOT NULL UNIQUE
);
CREATE TABLE IF NOT EXISTS player_stats (
  player_id   INTEGER PRIMARY KEY REFERENCES players(id),
  visits      REAL NOT NULL DEFAULT 0,
  play_time   REAL NOT NULL DEFAULT 0,
  finishes    REAL NOT NULL DEFAULT 0,
  locals      REAL NOT NULL DEFAULT 0,
  wins        REAL NOT NULL DEFAULT 0,
  score       REAL NOT NULL DEFAULT 0,
  ladder_rank REAL NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS local_records (
  player_id INTEGER NOT NULL REFERENCES players(id),
  map_id    INTEGER NOT NULL,
  position  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS personal_bests (
  player_id INTEGER NOT NULL REFERENCES players(id),
  map_id    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_local_records_player ON local_records(player_id);
CREATE INDEX IF NOT EXISTS idx_personal_bests_player ON personal_bests(player_id);
`,
	bind: func(int) string { return "?" },
}

var postgresDialect = dialect{
	name: "postgres",
	schema: `
CREATE TABLE IF NOT EXISTS players (
  id    BIGSERIAL PRIMARY KEY,
  login TEXT NOT NULL UNIQUE
);
CREATE TABLE IF NOT EXISTS player_stats (
  player_id   BIGINT PRIMARY KEY REFERENCES players(id),
  visits      DOUBLE PRECISION NOT NULL DEFAULT 0,
  play_time   DOUBLE PRECISION NOT NULL DEFAULT 0,
  finishes    DOUBLE PRECISION NOT NULL DEFAULT 0,
  locals      DOUBLE PRECISION NOT NULL DEFAULT 0,
  wins        DOUBLE PRECISION NOT NULL DEFAULT 0,
  score       DOUBLE PRECISION NOT NULL DEFAULT 0,
  ladder_rank DOUBLE PRECISION NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS local_records (
  player_id BIGINT NOT NULL REFERENCES players(id),
  map_id    BIGINT NOT NULL,
  position  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS personal_bests (
  player_id BIGINT NOT NULL REFERENCES players(id),
  map_id    BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_local_records_player ON local_records(player_id);
CREATE INDEX IF NOT EXISTS idx_personal_bests_player ON personal_bests(player_id);
`,
	bind: func(n int) string { return fmt.Sprintf("$%d", n) },
}

// SQLStore serves stats from a relational database. The lookup joins players
// with their stats row; the record average and personal best count are
// aggregated on demand.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	logger  pslog.Logger
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect, logger pslog.Logger) (*SQLStore, error) {
	s := &SQLStore{
		db:      db,
		dialect: d,
		logger:  loggingutil.WithSubsystem(loggingutil.EnsureLogger(logger), "stats."+d.name),
	}
	if _, err := db.ExecContext(ctx, d.schema); err != nil {
		return nil, s.wrap("init schema", err)
	}
	return s, nil
}

// Lookup implements Store.
func (s *SQLStore) Lookup(ctx context.Context, login string, features []Feature) (Stats, error) {
	st := Stats{Login: login}
	query := `SELECT p.id, s.visits, s.play_time, s.finishes, s.locals, s.wins, s.score, s.ladder_rank
FROM players p INNER JOIN player_stats s ON s.player_id = p.id
WHERE p.login = ` + s.dialect.bind(1)
	err := s.db.QueryRowContext(ctx, query, login).Scan(
		&st.ID, &st.Visits, &st.PlayTime, &st.Finishes, &st.Locals, &st.Wins, &st.Score, &st.Rank,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Stats{}, ErrNotFound
	}
	if err != nil {
		return Stats{}, s.wrap("lookup", err)
	}
	if wants(features, FeatureRecordRankAvg) {
		var avg sql.NullFloat64
		q := "SELECT AVG(position) FROM local_records WHERE player_id = " + s.dialect.bind(1)
		if err := s.db.QueryRowContext(ctx, q, st.ID).Scan(&avg); err != nil {
			return Stats{}, s.wrap("record average", err)
		}
		if avg.Valid {
			st.RecordRankAvg = avg.Float64
		}
	}
	if wants(features, FeatureNumPBs) {
		var count int64
		q := "SELECT COUNT(*) FROM personal_bests WHERE player_id = " + s.dialect.bind(1)
		if err := s.db.QueryRowContext(ctx, q, st.ID).Scan(&count); err != nil {
			return Stats{}, s.wrap("personal bests", err)
		}
		st.NumPBs = float64(count)
	}
	s.logger.Trace("predictd.stats.lookup", "login", login, "player_id", st.ID)
	return st, nil
}

// Put inserts or replaces the player row and stats row for st.Login.
func (s *SQLStore) Put(ctx context.Context, st Stats) error {
	id, err := s.playerID(ctx, st.Login, true)
	if err != nil {
		return err
	}
	b := s.dialect.bind
	q := fmt.Sprintf(`INSERT INTO player_stats (player_id, visits, play_time, finishes, locals, wins, score, ladder_rank)
VALUES (%s, %s, %s, %s, %s, %s, %s, %s)
ON CONFLICT (player_id) DO UPDATE SET
  visits = excluded.visits, play_time = excluded.play_time, finishes = excluded.finishes,
  locals = excluded.locals, wins = excluded.wins, score = excluded.score, ladder_rank = excluded.ladder_rank`,
		b(1), b(2), b(3), b(4), b(5), b(6), b(7), b(8))
	if _, err := s.db.ExecContext(ctx, q, id, st.Visits, st.PlayTime, st.Finishes, st.Locals, st.Wins, st.Score, st.Rank); err != nil {
		return s.wrap("put stats", err)
	}
	return nil
}

// AddLocalRecord records a local record at position on mapID for login.
func (s *SQLStore) AddLocalRecord(ctx context.Context, login string, mapID int64, position int) error {
	id, err := s.playerID(ctx, login, false)
	if err != nil {
		return err
	}
	q := fmt.Sprintf("INSERT INTO local_records (player_id, map_id, position) VALUES (%s, %s, %s)",
		s.dialect.bind(1), s.dialect.bind(2), s.dialect.bind(3))
	if _, err := s.db.ExecContext(ctx, q, id, mapID, position); err != nil {
		return s.wrap("add local record", err)
	}
	return nil
}

// AddPersonalBest records a personal best on mapID for login.
func (s *SQLStore) AddPersonalBest(ctx context.Context, login string, mapID int64) error {
	id, err := s.playerID(ctx, login, false)
	if err != nil {
		return err
	}
	q := fmt.Sprintf("INSERT INTO personal_bests (player_id, map_id) VALUES (%s, %s)",
		s.dialect.bind(1), s.dialect.bind(2))
	if _, err := s.db.ExecContext(ctx, q, id, mapID); err != nil {
		return s.wrap("add personal best", err)
	}
	return nil
}

func (s *SQLStore) playerID(ctx context.Context, login string, create bool) (int64, error) {
	login = strings.TrimSpace(login)
	if login == "" {
		return 0, errors.New("stats: empty login")
	}
	if create {
		q := "INSERT INTO players (login) VALUES (" + s.dialect.bind(1) + ") ON CONFLICT (login) DO NOTHING"
		if _, err := s.db.ExecContext(ctx, q, login); err != nil {
			return 0, s.wrap("put player", err)
		}
	}
	var id int64
	q := "SELECT id FROM players WHERE login = " + s.dialect.bind(1)
	err := s.db.QueryRowContext(ctx, q, login).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, s.wrap("player id", err)
	}
	return id, nil
}

// Close implements Store.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) wrap(op string, err error) error {
	if isTransient(err) {
		s.logger.Warn("predictd.stats.unavailable", "op", op, "error", err)
		return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, s.dialect.name, op, err)
	}
	return fmt.Errorf("stats: %s %s: %w", s.dialect.name, op, err)
}

// isTransient reports whether err means the store could not be reached, as
// opposed to a query that reached it and failed.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 is connection exception; 57P01-57P03 are shutdown states.
		return strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57P")
	}
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		// Extended result codes carry the primary code in the low byte.
		switch sqliteErr.Code() & 0xff {
		case 5, 6, 10, 14: // BUSY, LOCKED, IOERR, CANTOPEN
			return true
		}
	}
	return false
}
