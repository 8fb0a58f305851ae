package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/tunnelmon/internal/history"
)

// tsLayout sorts lexically in time order.
const tsLayout = "2006-01-02 15:04:05.000000000"

// Sink writes history events to SQLite database.
type Sink struct {
	db *sql.DB
}

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// a second connection to :memory: would see an empty database
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + history.TableName + `(
			occurred_at TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
			event TEXT NOT NULL,
			session_id TEXT NOT NULL,
			pid INTEGER NOT NULL,
			target_url TEXT NOT NULL,
			tunnel_url TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tunnel_history_session ON ` + history.TableName + `(session_id);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	rec := e.Record
	var errText any
	if rec.Error != "" {
		errText = rec.Error
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO `+history.TableName+`(occurred_at, event, session_id, pid, target_url, tunnel_url, status, error)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?);`,
		e.OccurredAt.UTC().Format(tsLayout), string(e.Type), rec.SessionID, rec.PID,
		rec.TargetURL, rec.TunnelURL, rec.Status, errText)
	return err
}

// Recent returns up to limit events, newest first.
func (s *Sink) Recent(ctx context.Context, limit int) ([]history.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT occurred_at, event, session_id, pid, target_url, tunnel_url, status, COALESCE(error, '')
		FROM `+history.TableName+`
		ORDER BY occurred_at DESC, rowid DESC
		LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []history.Event
	for rows.Next() {
		var (
			e  history.Event
			ts any
			et string
		)
		if err := rows.Scan(&ts, &et, &e.Record.SessionID, &e.Record.PID, &e.Record.TargetURL,
			&e.Record.TunnelURL, &e.Record.Status, &e.Record.Error); err != nil {
			return nil, err
		}
		e.Type = history.EventType(et)
		e.OccurredAt = parseTS(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// parseTS accepts the driver's view of a TIMESTAMP column, which is either
// already a time.Time or the stored text.
func parseTS(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case string:
		ts, _ := time.Parse(tsLayout, t)
		return ts
	case []byte:
		ts, _ := time.Parse(tsLayout, string(t))
		return ts
	}
	return time.Time{}
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
