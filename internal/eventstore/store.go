// Package eventstore implements the append-only SQLite event log backing
// the memory engine. The database is opened in WAL mode so the broker's
// group-commit batches fold many appends into one fsync while readers
// proceed concurrently.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/ensembleai/ensemble/internal/embeddings"
	"github.com/ensembleai/ensemble/pkg/models"
)

// Store is the append-only event log plus the shared database handle for
// the other memory tables.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// CorruptionError marks a row that could not be decoded. Corrupt rows are
// skipped and logged; the agent loop never crashes on one.
type CorruptionError struct {
	EventID string
	Cause   error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("corrupt event row %s: %v", e.EventID, e.Cause)
}

func (e *CorruptionError) Unwrap() error { return e.Cause }

// Sentinel errors for append validation.
var (
	ErrNotFound        = errors.New("eventstore: event not found")
	ErrParentNotFound  = errors.New("eventstore: parent event not in session")
	ErrParentMismatch  = errors.New("eventstore: tool_result parent must be a tool_call")
	ErrMissingToolName = errors.New("eventstore: tool events require a tool name")
)

// Open opens (or creates) the event database at path and applies
// migrations. Use ":memory:" for tests.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// The modernc driver serializes writes; a single writer connection
	// avoids SQLITE_BUSY under concurrent group commits.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA synchronous=NORMAL`,
		`PRAGMA foreign_keys=ON`,
		`PRAGMA busy_timeout=5000`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, logger: logger}, nil
}

// DB exposes the underlying handle for the sibling stores (knowledge,
// summary, learning, rooms) that share memory.db.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Append persists a single event in its own transaction. Events written
// through the broker should use AppendBatch instead so the whole group
// shares one fsync.
func (s *Store) Append(ctx context.Context, ev *models.Event) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin append: %w", err)
	}
	defer rollback(tx)

	if err := s.appendInTx(ctx, tx, ev); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit append: %w", err)
	}
	return ev.ID, nil
}

// AppendBatch persists a group of events in one transaction. This is the
// broker's group-commit path: one fsync covers the whole batch.
func (s *Store) AppendBatch(ctx context.Context, evs []*models.Event) error {
	if len(evs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer rollback(tx)

	for _, ev := range evs {
		if err := s.appendInTx(ctx, tx, ev); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) appendInTx(ctx context.Context, tx *sql.Tx, ev *models.Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if ev.Extraction == "" {
		ev.Extraction = models.ExtractionPending
	}
	if ev.Relevance == 0 {
		ev.Relevance = 1.0
	}

	if (ev.Type == models.EventToolCall || ev.Type == models.EventToolResult) && ev.ToolName == "" {
		return ErrMissingToolName
	}

	if ev.ParentID != "" {
		var parentType string
		err := tx.QueryRowContext(ctx,
			`SELECT type FROM events WHERE id = ? AND session_key = ?`,
			ev.ParentID, ev.SessionKey).Scan(&parentType)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrParentNotFound
		}
		if err != nil {
			return fmt.Errorf("check parent: %w", err)
		}
		if ev.Type == models.EventToolResult && parentType != string(models.EventToolCall) {
			return ErrParentMismatch
		}
	}

	// Per-session monotonic sequence, independent of wall clock.
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE session_key = ?`,
		ev.SessionKey).Scan(&ev.Seq); err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}

	var botName, botRole string
	if ev.Bot != nil {
		botName, botRole = ev.Bot.Name, ev.Bot.Role
	}
	metadata, err := json.Marshal(ev.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	// Inbound room messages enter the broker's dispatch ledger; every
	// other event is born handled.
	dispatched := 1
	if ev.Direction == models.DirectionInbound && strings.HasPrefix(ev.SessionKey, "room:") {
		dispatched = 0
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (id, seq, session_key, channel, direction, type, content,
			parent_id, bot_name, bot_role, tool_name, embedding, extraction,
			relevance, last_accessed, reasoning_content, metadata, created_at, dispatched)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Seq, ev.SessionKey, ev.Channel, ev.Direction, ev.Type, ev.Content,
		nullString(ev.ParentID), nullString(botName), nullString(botRole),
		nullString(ev.ToolName), embeddings.EncodeBlob(ev.Embedding), ev.Extraction,
		ev.Relevance, nullTime(ev.LastAccessed), nullString(ev.ReasoningContent),
		string(metadata), ev.CreatedAt, dispatched)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// UndispatchedInbound returns inbound room events no dispatcher has
// handled yet, oldest first. The broker replays them on startup.
func (s *Store) UndispatchedInbound(ctx context.Context) ([]*models.Event, error) {
	return s.queryEvents(ctx,
		selectEvents+` WHERE dispatched = 0 ORDER BY created_at ASC, seq ASC`)
}

// MarkDispatched checks events off the dispatch ledger.
func (s *Store) MarkDispatched(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mark dispatched: %w", err)
	}
	defer rollback(tx)
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE events SET dispatched = 1 WHERE id = ?`, id); err != nil {
			return fmt.Errorf("mark dispatched %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// Get returns one event by id.
func (s *Store) Get(ctx context.Context, id string) (*models.Event, error) {
	row := s.db.QueryRowContext(ctx, selectEvents+` WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ev, err
}

// ListBySession returns events of a session in append order (by the
// per-session sequence, not wall clock). since is an exclusive lower
// bound on seq; limit <= 0 means no limit.
func (s *Store) ListBySession(ctx context.Context, sessionKey string, limit int, since int64) ([]*models.Event, error) {
	q := selectEvents + ` WHERE session_key = ? AND seq > ? ORDER BY seq ASC`
	args := []any{sessionKey, since}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryEvents(ctx, q, args...)
}

// TailBySession returns the last n events of a session in append order.
func (s *Store) TailBySession(ctx context.Context, sessionKey string, n int) ([]*models.Event, error) {
	evs, err := s.queryEvents(ctx,
		selectEvents+` WHERE session_key = ? ORDER BY seq DESC LIMIT ?`, sessionKey, n)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(evs)-1; i < j; i, j = i+1, j-1 {
		evs[i], evs[j] = evs[j], evs[i]
	}
	return evs, nil
}

// PendingExtraction returns up to limit events awaiting background
// extraction, oldest first.
func (s *Store) PendingExtraction(ctx context.Context, limit int) ([]*models.Event, error) {
	return s.queryEvents(ctx,
		selectEvents+` WHERE extraction = ? ORDER BY created_at ASC LIMIT ?`,
		models.ExtractionPending, limit)
}

// MarkExtraction updates an event's extraction status. The event content
// itself is never mutated.
func (s *Store) MarkExtraction(ctx context.Context, id string, status models.ExtractionStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET extraction = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("mark extraction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetEmbedding attaches a vector to an event.
func (s *Store) SetEmbedding(ctx context.Context, id string, v *models.Vector) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE events SET embedding = ? WHERE id = ?`, embeddings.EncodeBlob(v), id)
	return err
}

// TouchRelevance re-boosts an event's relevance on access.
func (s *Store) TouchRelevance(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE events SET last_accessed = ?, relevance = MIN(1.0, relevance + 0.1) WHERE id = ?`,
		time.Now().UTC(), id)
	return err
}

// TimeRange returns events created within [from, to), oldest first.
func (s *Store) TimeRange(ctx context.Context, from, to time.Time) ([]*models.Event, error) {
	return s.queryEvents(ctx,
		selectEvents+` WHERE created_at >= ? AND created_at < ? ORDER BY created_at ASC`, from, to)
}

// CountBySession returns the number of events in a session.
func (s *Store) CountBySession(ctx context.Context, sessionKey string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE session_key = ?`, sessionKey).Scan(&n)
	return n, err
}

const selectEvents = `SELECT id, seq, session_key, channel, direction, type, content,
	parent_id, bot_name, bot_role, tool_name, embedding, extraction, relevance,
	last_accessed, reasoning_content, metadata, created_at FROM events`

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]*models.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []*models.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			var corrupt *CorruptionError
			if errors.As(err, &corrupt) {
				s.logger.Warn("skipping corrupt event row", "event_id", corrupt.EventID, "error", corrupt.Cause)
				continue
			}
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*models.Event, error) {
	var ev models.Event
	var parentID, botName, botRole, toolName, reasoning, metadata sql.NullString
	var lastAccessed sql.NullTime
	var blob []byte

	err := row.Scan(&ev.ID, &ev.Seq, &ev.SessionKey, &ev.Channel, &ev.Direction,
		&ev.Type, &ev.Content, &parentID, &botName, &botRole, &toolName, &blob,
		&ev.Extraction, &ev.Relevance, &lastAccessed, &reasoning, &metadata, &ev.CreatedAt)
	if err != nil {
		return nil, err
	}

	ev.ParentID = parentID.String
	ev.ToolName = toolName.String
	ev.ReasoningContent = reasoning.String
	if botName.String != "" {
		ev.Bot = &models.BotRef{Name: botName.String, Role: botRole.String}
	}
	if lastAccessed.Valid {
		ev.LastAccessed = lastAccessed.Time
	}
	if len(blob) > 0 {
		v, err := embeddings.DecodeBlob(blob)
		if err != nil {
			return nil, &CorruptionError{EventID: ev.ID, Cause: err}
		}
		ev.Embedding = v
	}
	if metadata.String != "" && metadata.String != "null" {
		if err := json.Unmarshal([]byte(metadata.String), &ev.Metadata); err != nil {
			return nil, &CorruptionError{EventID: ev.ID, Cause: err}
		}
	}
	return &ev, nil
}

func rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		_ = err
	}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
