package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteSink persists entries to an audit_log table.
type SQLiteSink struct {
	db    *sql.DB
	owned bool
}

// OpenSQLite opens (or creates) the database at path and returns a
// sink that closes it on Close.
func OpenSQLite(path string) (*SQLiteSink, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create audit dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	s, err := NewSQLiteSink(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewSQLiteSink wraps an existing database, creating the schema if
// needed. The caller keeps ownership of db.
func NewSQLiteSink(db *sql.DB) (*SQLiteSink, error) {
	s := &SQLiteSink{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate audit database: %w", err)
	}
	return s, nil
}

func (s *SQLiteSink) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_log (
			id          TEXT PRIMARY KEY,
			timestamp   TEXT NOT NULL,
			type        TEXT NOT NULL,
			server      TEXT NOT NULL,
			target      TEXT NOT NULL DEFAULT '',
			success     INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			error       TEXT NOT NULL DEFAULT '',
			metadata    TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp);
		CREATE INDEX IF NOT EXISTS idx_audit_server ON audit_log(server);
		CREATE INDEX IF NOT EXISTS idx_audit_type ON audit_log(type);
	`)
	return err
}

// Name implements [Sink].
func (s *SQLiteSink) Name() string { return "sqlite" }

// Write implements [Sink].
func (s *SQLiteSink) Write(ctx context.Context, e Entry) error {
	var md sql.NullString
	if len(e.Metadata) > 0 {
		data, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		md = sql.NullString{String: string(data), Valid: true}
	}
	success := 0
	if e.Success {
		success = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO audit_log
			(id, timestamp, type, server, target, success, duration_ms, error, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp.UTC().Format(time.RFC3339Nano), string(e.Type), e.Server,
		e.Target, success, e.Duration.Milliseconds(), e.Error, md,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// ServerSummary aggregates persisted entries for one server.
type ServerSummary struct {
	Server        string  `json:"server"`
	Total         int     `json:"total"`
	Failed        int     `json:"failed"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
}

// Summary aggregates entries recorded in [start, end) per server.
func (s *SQLiteSink) Summary(ctx context.Context, start, end time.Time) ([]ServerSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT server,
		       COUNT(*),
		       COALESCE(SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END), 0),
		       COALESCE(AVG(duration_ms), 0)
		FROM audit_log
		WHERE timestamp >= ? AND timestamp < ?
		GROUP BY server
		ORDER BY server`,
		start.UTC().Format(time.RFC3339Nano), end.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("query audit summary: %w", err)
	}
	defer rows.Close()

	var out []ServerSummary
	for rows.Next() {
		var ss ServerSummary
		if err := rows.Scan(&ss.Server, &ss.Total, &ss.Failed, &ss.AvgDurationMS); err != nil {
			return nil, fmt.Errorf("scan audit summary: %w", err)
		}
		out = append(out, ss)
	}
	return out, rows.Err()
}

// Close implements [Sink]. The database is closed only when the sink
// opened it.
func (s *SQLiteSink) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}
