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

	"github.com/loqalabs/loqa-narrator/internal/config"
	_ "modernc.org/sqlite"
)

// Narration lifecycle event types.
const (
	EventAccepted      = "narration.accepted"
	EventChunked       = "narration.chunked"
	EventDegradedSplit = "narration.degraded_split"
	EventCompleted     = "narration.completed"
	EventFailed        = "narration.failed"
)

// Request status values.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Request is the journal row for one narration request.
type Request struct {
	RequestID  string
	VoiceID    string
	VoiceClass string
	TextChars  int
	ChunkCount int
	Status     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Event represents a recorded timeline entry.
type Event struct {
	ID        int64
	RequestID string
	TraceID   string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Store wraps a SQLite-backed narration journal.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
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
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS requests (
    request_id TEXT PRIMARY KEY,
    voice_id TEXT,
    voice_class TEXT NOT NULL,
    text_chars INTEGER NOT NULL DEFAULT 0,
    chunk_count INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    request_id TEXT NOT NULL,
    trace_id TEXT,
    event_type TEXT,
    payload BLOB,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(request_id) REFERENCES requests(request_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_request_created ON events(request_id, created_at);
CREATE INDEX IF NOT EXISTS idx_requests_status ON requests(status);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// AppendRequest ensures a request row exists.
func (s *Store) AppendRequest(ctx context.Context, req Request) error {
	if s.disabled() {
		return nil
	}
	now := s.clock().UTC()
	if req.Status == "" {
		req.Status = StatusPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO requests(request_id, voice_id, voice_class, text_chars, chunk_count, status, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(request_id) DO UPDATE SET voice_id=excluded.voice_id, voice_class=excluded.voice_class,
		   text_chars=excluded.text_chars, status=excluded.status, updated_at=excluded.updated_at`,
		req.RequestID, req.VoiceID, req.VoiceClass, req.TextChars, req.ChunkCount, req.Status, now, now)
	return err
}

// FinishRequest records the terminal status and chunk count of a request.
func (s *Store) FinishRequest(ctx context.Context, requestID, status string, chunkCount int) error {
	if s.disabled() {
		return nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE requests SET status = ?, chunk_count = ?, updated_at = ? WHERE request_id = ?`,
		status, chunkCount, s.clock().UTC(), requestID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("request %s not found", requestID)
	}
	return nil
}

// GetRequest loads one request row. It returns sql.ErrNoRows when absent.
func (s *Store) GetRequest(ctx context.Context, requestID string) (Request, error) {
	if s.disabled() {
		return Request{}, sql.ErrNoRows
	}
	var (
		r       Request
		voiceID sql.NullString
		created string
		updated string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT request_id, voice_id, voice_class, text_chars, chunk_count, status, created_at, updated_at
		 FROM requests WHERE request_id = ?`, requestID).
		Scan(&r.RequestID, &voiceID, &r.VoiceClass, &r.TextChars, &r.ChunkCount, &r.Status, &created, &updated)
	if err != nil {
		return Request{}, err
	}
	r.VoiceID = voiceID.String
	if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
		r.CreatedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, updated); err == nil {
		r.UpdatedAt = ts
	}
	return r, nil
}

// AppendEvent writes an event into the store.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(request_id, trace_id, event_type, payload, created_at)
		 VALUES(?, ?, ?, ?, ?)`,
		evt.RequestID, evt.TraceID, evt.Type, evt.Payload, evt.CreatedAt)
	return err
}

// ListRequestEvents retrieves up to limit events for a request ordered ascending by time.
func (s *Store) ListRequestEvents(ctx context.Context, requestID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_id, trace_id, event_type, payload, created_at
		 FROM events WHERE request_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, requestID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			traceID sql.NullString
			created string
		)
		if err := rows.Scan(&e.ID, &e.RequestID, &traceID, &e.Type, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.TraceID = traceID.String
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.CreatedAt = ts
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) error {
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

	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		// nothing to prune
		return tx.Commit()
	}
	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM requests WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxRequests > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM requests WHERE request_id IN (
			SELECT request_id FROM requests ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxRequests)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// Ensure supplies a no-op store when persistence disabled.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
