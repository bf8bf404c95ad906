package logging

import (
	"database/sql"
	"encoding/json"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jingkaihe/ivibench/internal/errx"
	"github.com/jingkaihe/ivibench/pkg/storedb"
)

const journalModule = "journal"

func journalMigrations() []storedb.Migration {
	return []storedb.Migration{
		{
			Version: 1,
			Name:    "create_events",
			SQL: `
CREATE TABLE IF NOT EXISTS events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  ts TEXT NOT NULL,
  run_id TEXT NOT NULL,
  bench TEXT NOT NULL,
  event_type TEXT NOT NULL,
  summary TEXT NOT NULL,
  component TEXT,
  tags TEXT,
  data TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, id);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type, id);
`,
		},
	}
}

// Journal is a Sink that stores events in SQLite so they can be queried
// across runs.
type Journal struct {
	mu sync.Mutex
	db *sql.DB
}

func OpenJournal(path string) (*Journal, error) {
	db, err := storedb.Open(storedb.OpenOptions{
		Path:       path,
		Module:     journalModule,
		Migrations: journalMigrations(),
	})
	if err != nil {
		return nil, errx.Wrap(ErrOpenJournal, err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Write(event *Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	var data sql.NullString
	if len(event.Data) > 0 {
		data = sql.NullString{String: string(event.Data), Valid: true}
	}
	_, err := j.db.Exec(
		`INSERT INTO events(ts, run_id, bench, event_type, summary, component, tags, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.Timestamp.UTC().Format(time.RFC3339Nano),
		event.RunID,
		event.Bench,
		event.EventType,
		event.Summary,
		event.Component,
		strings.Join(event.Tags, ","),
		data,
	)
	if err != nil {
		return errx.Wrap(ErrWriteEvent, err)
	}
	return nil
}

// Query filters events for the `ivibench events` command. Empty fields
// match everything.
type Query struct {
	RunID     string
	EventType string
	Limit     int
}

// Events returns matching events, newest last. Without a limit the last
// 100 events are returned.
func (j *Journal) Events(q Query) ([]Event, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	var (
		where []string
		args  []any
	)
	if q.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, q.RunID)
	}
	if q.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, q.EventType)
	}
	stmt := `SELECT ts, run_id, bench, event_type, summary, component, tags, data FROM events`
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}
	stmt += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := j.db.Query(stmt, args...)
	if err != nil {
		return nil, errx.Wrap(ErrQueryJournal, err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev                    Event
			ts                    string
			component, tags, data sql.NullString
		)
		if err := rows.Scan(&ts, &ev.RunID, &ev.Bench, &ev.EventType, &ev.Summary, &component, &tags, &data); err != nil {
			return nil, errx.Wrap(ErrQueryJournal, err)
		}
		ev.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		ev.Component = component.String
		if tags.String != "" {
			ev.Tags = strings.Split(tags.String, ",")
		}
		if data.Valid {
			ev.Data = json.RawMessage(data.String)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, errx.Wrap(ErrQueryJournal, err)
	}

	slices.Reverse(out)
	return out, nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.db.Close(); err != nil {
		return errx.Wrap(ErrCloseWriter, err)
	}
	return nil
}
