// Package archive keeps a durable record of ended sessions in PostgreSQL.
package archive

import (
	"context"
	"time"

	crerr "github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/victornm/speedrun/internal/domain"
	"github.com/victornm/speedrun/internal/errors"
)

// DB is the subset of *pgxpool.Pool the repository needs.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Record is an ended session as archived.
type Record struct {
	SessionID string
	Mode      domain.Mode
	OwnerID   string
	Duration  time.Duration
	CreatedAt time.Time
	StartedAt time.Time
	EndedAt   time.Time
	Standings []domain.LeaderboardEntry
}

type Repository struct {
	db DB
}

func NewRepository(db DB) *Repository {
	return &Repository{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS speedrun_sessions (
	session_id  TEXT PRIMARY KEY,
	mode        TEXT NOT NULL,
	created_by  TEXT NOT NULL,
	duration_ms BIGINT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	started_at  TIMESTAMPTZ,
	ended_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS speedrun_sessions_created_by_idx ON speedrun_sessions (created_by);
CREATE INDEX IF NOT EXISTS speedrun_sessions_mode_idx ON speedrun_sessions (mode, ended_at DESC);
CREATE INDEX IF NOT EXISTS speedrun_sessions_ended_at_idx ON speedrun_sessions (ended_at);

CREATE TABLE IF NOT EXISTS speedrun_standings (
	session_id TEXT NOT NULL REFERENCES speedrun_sessions (session_id),
	user_id    TEXT NOT NULL,
	score      BIGINT NOT NULL,
	rank       BIGINT NOT NULL,
	PRIMARY KEY (session_id, user_id)
);`

func (r *Repository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schema); err != nil {
		return unavailable(err, "ensure archive schema")
	}
	return nil
}

// Save stores a record with its standings. Saving a session twice keeps the
// first record; saved reports whether this call wrote it.
func (r *Repository) Save(ctx context.Context, rec Record) (saved bool, err error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, unavailable(err, "begin transaction")
	}
	defer func() {
		if err != nil {
			err = crerr.CombineErrors(err, tx.Rollback(ctx))
		}
	}()

	const (
		insSessionStmt = `
INSERT INTO speedrun_sessions (session_id, mode, created_by, duration_ms, created_at, started_at, ended_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (session_id) DO NOTHING;`
		insStandingStmt = `INSERT INTO speedrun_standings (session_id, user_id, score, rank) VALUES ($1, $2, $3, $4);`
	)

	tag, err := tx.Exec(ctx, insSessionStmt,
		rec.SessionID, string(rec.Mode), rec.OwnerID, rec.Duration.Milliseconds(),
		rec.CreatedAt, nullTime(rec.StartedAt), rec.EndedAt,
	)
	if err != nil {
		return false, unavailable(err, "insert session")
	}
	if tag.RowsAffected() == 0 {
		if err = tx.Commit(ctx); err != nil {
			return false, unavailable(err, "commit")
		}
		return false, nil
	}

	b := &pgx.Batch{}
	for _, e := range rec.Standings {
		b.Queue(insStandingStmt, rec.SessionID, e.UserID, e.Score, e.Rank)
	}
	if err = tx.SendBatch(ctx, b).Close(); err != nil {
		return false, unavailable(err, "insert standings")
	}

	if err = tx.Commit(ctx); err != nil {
		return false, unavailable(err, "commit")
	}
	return true, nil
}

const selectSessions = `
SELECT session_id, mode, created_by, duration_ms, created_at, started_at, ended_at
FROM speedrun_sessions`

// FindBySessionID returns an archived session with its standings.
func (r *Repository) FindBySessionID(ctx context.Context, sessionID string) (*Record, bool, error) {
	rows, err := r.db.Query(ctx, selectSessions+` WHERE session_id = $1;`, sessionID)
	if err != nil {
		return nil, false, unavailable(err, "query session")
	}

	recs, err := pgx.CollectRows(rows, scanRecord)
	if err != nil {
		return nil, false, errors.Internal(crerr.Wrap(err, "scan session"))
	}
	if len(recs) == 0 {
		return nil, false, nil
	}

	rec := recs[0]
	rec.Standings, err = r.standings(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}

	return &rec, true, nil
}

// ListByOwner returns the sessions created by a user, latest first.
func (r *Repository) ListByOwner(ctx context.Context, ownerID string) ([]Record, error) {
	return r.list(ctx, selectSessions+` WHERE created_by = $1 ORDER BY ended_at DESC;`, ownerID)
}

// ListByMode returns one page of the sessions of a mode, latest first. Pages start at 0.
func (r *Repository) ListByMode(ctx context.Context, mode domain.Mode, page, size int) ([]Record, error) {
	if page < 0 {
		page = 0
	}
	if size <= 0 {
		size = 20
	}
	return r.list(ctx, selectSessions+` WHERE mode = $1 ORDER BY ended_at DESC LIMIT $2 OFFSET $3;`,
		string(mode), size, page*size)
}

// ListEndedBetween returns the sessions that ended in [from, to).
func (r *Repository) ListEndedBetween(ctx context.Context, from, to time.Time) ([]Record, error) {
	return r.list(ctx, selectSessions+` WHERE ended_at >= $1 AND ended_at < $2 ORDER BY ended_at;`, from, to)
}

func (r *Repository) CountByOwner(ctx context.Context, ownerID string) (int64, error) {
	var n int64
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM speedrun_sessions WHERE created_by = $1;`, ownerID).Scan(&n); err != nil {
		return 0, unavailable(err, "count sessions")
	}
	return n, nil
}

func (r *Repository) list(ctx context.Context, stmt string, args ...any) ([]Record, error) {
	rows, err := r.db.Query(ctx, stmt, args...)
	if err != nil {
		return nil, unavailable(err, "query sessions")
	}

	recs, err := pgx.CollectRows(rows, scanRecord)
	if err != nil {
		return nil, errors.Internal(crerr.Wrap(err, "scan sessions"))
	}
	return recs, nil
}

func (r *Repository) standings(ctx context.Context, sessionID string) ([]domain.LeaderboardEntry, error) {
	const stmt = `
SELECT user_id, score, rank
FROM speedrun_standings
WHERE session_id = $1
ORDER BY rank;`

	rows, err := r.db.Query(ctx, stmt, sessionID)
	if err != nil {
		return nil, unavailable(err, "query standings")
	}

	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.LeaderboardEntry, error) {
		var e domain.LeaderboardEntry
		err := row.Scan(&e.UserID, &e.Score, &e.Rank)
		return e, err
	})
	if err != nil {
		return nil, errors.Internal(crerr.Wrap(err, "scan standings"))
	}
	return entries, nil
}

func scanRecord(row pgx.CollectableRow) (Record, error) {
	var (
		rec       Record
		mode      string
		durMillis int64
		started   *time.Time
	)
	if err := row.Scan(&rec.SessionID, &mode, &rec.OwnerID, &durMillis, &rec.CreatedAt, &started, &rec.EndedAt); err != nil {
		return Record{}, err
	}

	rec.Mode = domain.Mode(mode)
	rec.Duration = time.Duration(durMillis) * time.Millisecond
	if started != nil {
		rec.StartedAt = *started
	}
	return rec, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func unavailable(err error, op string) error {
	return errors.Unavailable(crerr.Wrap(err, op))
}
