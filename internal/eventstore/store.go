// Package eventstore archives transcription sessions in SQLite: one row per
// session, the reconciled segment log, and a timeline of status changes.
package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
	_ "modernc.org/sqlite"
)

// Event represents a recorded timeline entry.
type Event struct {
	ID        int64
	SessionID string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Segment is an archived transcript segment.
type Segment struct {
	SessionID  string
	SegmentID  string
	OffsetMS   int64
	Text       string
	IsFinal    bool
	Confidence *float64
	Speaker    string
	UpdatedAt  time.Time
}

// Store wraps a SQLite-backed session archive. In ephemeral mode it has no
// database and every write is a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.ArchiveConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the archive according to config.
func Open(ctx context.Context, cfg config.ArchiveConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "archive"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("archive vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("archive prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    transport TEXT,
    status TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS segments (
    session_id TEXT NOT NULL,
    segment_id TEXT NOT NULL,
    offset_ms INTEGER NOT NULL,
    text TEXT NOT NULL,
    is_final INTEGER NOT NULL,
    confidence REAL,
    speaker TEXT,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY(session_id, segment_id),
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    event_type TEXT,
    payload BLOB,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordSession ensures a session row exists and updates its last status.
func (s *Store) RecordSession(ctx context.Context, sessionID, transport, status string) error {
	if s.disabled() {
		return nil
	}
	now := s.clock().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, transport, status, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET status=excluded.status, updated_at=excluded.updated_at`,
		sessionID, transport, status, now, now)
	return err
}

// RecordSegment stores seg keyed by its id, so redelivered or updated
// segments overwrite their earlier row. Any other pending interim row is
// dropped, mirroring the reconciler's single interim slot. A committed final
// row is never overwritten.
func (s *Store) RecordSegment(ctx context.Context, sessionID string, seg transcript.Segment) error {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var committed bool
	err = tx.QueryRowContext(ctx,
		`SELECT is_final FROM segments WHERE session_id = ? AND segment_id = ?`,
		sessionID, seg.ID).Scan(&committed)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if committed {
		return nil
	}

	now := s.clock().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions(session_id, status, created_at, updated_at) VALUES(?, '', ?, ?)
		 ON CONFLICT(session_id) DO NOTHING`, sessionID, now, now); err != nil {
		return err
	}
	// a session holds at most one interim segment
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM segments WHERE session_id = ? AND is_final = 0 AND segment_id <> ?`,
		sessionID, seg.ID); err != nil {
		return err
	}
	var confidence sql.NullFloat64
	if seg.Confidence != nil {
		confidence = sql.NullFloat64{Float64: *seg.Confidence, Valid: true}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO segments(session_id, segment_id, offset_ms, text, is_final, confidence, speaker, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id, segment_id) DO UPDATE SET
		   offset_ms=excluded.offset_ms, text=excluded.text, is_final=excluded.is_final,
		   confidence=excluded.confidence, speaker=excluded.speaker, updated_at=excluded.updated_at`,
		sessionID, seg.ID, seg.TimestampMS(), seg.Text, seg.IsFinal, confidence, seg.Speaker, now); err != nil {
		return err
	}
	return tx.Commit()
}

// ListSegments returns a session's segments in transcript order: finals as
// first stored, then the interim segment if one is pending.
func (s *Store) ListSegments(ctx context.Context, sessionID string) ([]Segment, error) {
	if s.disabled() {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, segment_id, offset_ms, text, is_final, confidence, speaker, updated_at
		 FROM segments WHERE session_id = ? ORDER BY is_final DESC, rowid ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Segment
	for rows.Next() {
		var seg Segment
		var confidence sql.NullFloat64
		var speaker sql.NullString
		var updated string
		if err := rows.Scan(&seg.SessionID, &seg.SegmentID, &seg.OffsetMS, &seg.Text, &seg.IsFinal, &confidence, &speaker, &updated); err != nil {
			return nil, err
		}
		if confidence.Valid {
			c := confidence.Float64
			seg.Confidence = &c
		}
		seg.Speaker = speaker.String
		seg.UpdatedAt = parseTime(updated)
		out = append(out, seg)
	}
	return out, rows.Err()
}

// AppendEvent writes an event into the timeline.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(session_id, event_type, payload, created_at) VALUES(?, ?, ?, ?)`,
		evt.SessionID, evt.Type, evt.Payload, evt.CreatedAt)
	return err
}

// ListSessionEvents retrieves up to limit events for a session ordered ascending by time.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, event_type, payload, created_at
		 FROM events WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTime(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC()
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// EndSession applies the session retention mode: the archive only keeps a
// session while it is live, so its rows are removed once it ends.
func (s *Store) EndSession(ctx context.Context, sessionID string) error {
	if s.disabled() || s.cfg.RetentionMode != "session" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	return err
}

func parseTime(v string) time.Time {
	if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return ts
	}
	return time.Time{}
}
