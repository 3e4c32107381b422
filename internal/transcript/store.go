package transcript

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"chatstream/internal/client"
)

// ErrTurnNotFound is returned when a turn id has no recording.
var ErrTurnNotFound = errors.New("turn not found")

// Outcomes recorded when a turn ends.
const (
	OutcomeOpen      = "open"
	OutcomeDone      = "done"
	OutcomeEOF       = "eof"
	OutcomeError     = "error"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// Turn is the metadata of one recorded submission.
type Turn struct {
	ID         string
	Model      string
	SessionID  string
	UserText   string
	Outcome    string
	StartedAt  time.Time
	FinishedAt time.Time
	Frames     int
}

// Store records the raw lines of every turn in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the transcript database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open transcript db: %w", err)
	}
	// Single writer; frames are appended from one turn goroutine.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate transcript db: %w", err)
	}
	return &Store{db: db}, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS turns (
		id          TEXT PRIMARY KEY,
		model       TEXT NOT NULL DEFAULT '',
		session_id  TEXT NOT NULL DEFAULT '',
		user_text   TEXT NOT NULL DEFAULT '',
		outcome     TEXT NOT NULL DEFAULT 'open',
		started_at  TEXT NOT NULL,
		finished_at TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS frames (
		turn_id TEXT NOT NULL,
		seq     INTEGER NOT NULL,
		line    TEXT NOT NULL,
		PRIMARY KEY (turn_id, seq)
	)`,
}

func migrate(db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// StartTurn registers a new turn.
func (s *Store) StartTurn(ctx context.Context, t Turn) error {
	if t.ID == "" {
		return errors.New("turn id must not be empty")
	}
	started := t.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO turns (id, model, session_id, user_text, outcome, started_at) VALUES (?, ?, ?, ?, ?, ?)",
		t.ID, t.Model, t.SessionID, t.UserText, OutcomeOpen, started.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert turn %s: %w", t.ID, err)
	}
	return nil
}

// AppendFrame stores the next raw line of a turn.
func (s *Store) AppendFrame(ctx context.Context, turnID, line string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO frames (turn_id, seq, line)
		 SELECT ?, COALESCE(MAX(seq), -1) + 1, ? FROM frames WHERE turn_id = ?`,
		turnID, line, turnID,
	)
	if err != nil {
		return fmt.Errorf("insert frame for turn %s: %w", turnID, err)
	}
	return nil
}

// FinishTurn records how a turn ended and the session it ran under.
func (s *Store) FinishTurn(ctx context.Context, turnID, outcome, sessionID string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE turns SET outcome = ?, session_id = ?, finished_at = ? WHERE id = ?",
		outcome, sessionID, time.Now().UTC().Format(time.RFC3339Nano), turnID,
	)
	if err != nil {
		return fmt.Errorf("finish turn %s: %w", turnID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrTurnNotFound, turnID)
	}
	return nil
}

const turnColumns = `t.id, t.model, t.session_id, t.user_text, t.outcome, t.started_at, t.finished_at,
	(SELECT COUNT(*) FROM frames f WHERE f.turn_id = t.id)`

// Turn loads one turn's metadata.
func (s *Store) Turn(ctx context.Context, id string) (Turn, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+turnColumns+" FROM turns t WHERE t.id = ?", id)
	t, err := scanTurn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Turn{}, fmt.Errorf("%w: %s", ErrTurnNotFound, id)
	}
	return t, err
}

// Turns lists the most recent turns first. A non-positive limit lists all.
func (s *Store) Turns(ctx context.Context, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+turnColumns+" FROM turns t ORDER BY t.started_at DESC, t.id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// Frames returns a turn's raw lines in arrival order.
func (s *Store) Frames(ctx context.Context, turnID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT line FROM frames WHERE turn_id = ? ORDER BY seq", turnID)
	if err != nil {
		return nil, fmt.Errorf("load frames for turn %s: %w", turnID, err)
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTurn(row scanner) (Turn, error) {
	var (
		t                 Turn
		started, finished string
	)
	if err := row.Scan(&t.ID, &t.Model, &t.SessionID, &t.UserText, &t.Outcome, &started, &finished, &t.Frames); err != nil {
		return Turn{}, err
	}
	t.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
	if finished != "" {
		t.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
	}
	return t, nil
}

// Source replays a recorded turn as if the backend were streaming it.
type Source struct {
	store  *Store
	turnID string
}

// Source returns a replay source for turnID.
func (s *Store) Source(turnID string) *Source {
	return &Source{store: s, turnID: turnID}
}

// Stream returns the recorded lines of the turn. The request is ignored.
func (src *Source) Stream(ctx context.Context, _ client.Request) (io.ReadCloser, error) {
	if _, err := src.store.Turn(ctx, src.turnID); err != nil {
		return nil, err
	}
	lines, err := src.store.Frames(ctx, src.turnID)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	for _, line := range lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return io.NopCloser(strings.NewReader(b.String())), nil
}
