// Package store persists chat sessions and messages to PostgreSQL. It is a
// thin record adapter: ordered reads, inserts, and conditional state
// updates, with no conversation logic of its own.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koobs1993/mindwell/chat"
)

// querier is the common interface satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// sessionCols is the standard SELECT column list for scanning sessions.
const sessionCols = `session_id, user_id, title, status, started_at, ended_at, summary`

// messageCols is the standard SELECT column list for scanning messages.
const messageCols = `message_id, session_id, role, content, sent_at, metadata`

// messageOrder keeps reads consistent with insertion order: sent_at first,
// message_id as the tiebreaker for rows committed in the same instant.
const messageOrder = `ORDER BY sent_at ASC, message_id ASC`

// Postgres implements chat.Store on a pgx connection pool.
//
// Postgres is safe for concurrent use by multiple goroutines.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a Postgres store.
func New(pool *pgxpool.Pool, logger *slog.Logger) (*Postgres, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{pool: pool, logger: logger}, nil
}

// CreateSession inserts the session row and its priming system message in
// one transaction, so a session never becomes visible without its first
// message.
func (s *Postgres) CreateSession(ctx context.Context, ownerID uuid.UUID, priming string) (*chat.Session, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Debug("transaction rollback", "error", rbErr)
		}
	}()

	sess := &chat.Session{OwnerID: ownerID, Status: chat.StatusActive}
	err = tx.QueryRow(ctx,
		`INSERT INTO chatsessions (user_id, status)
		 VALUES ($1, 'active')
		 RETURNING session_id, started_at`,
		ownerID,
	).Scan(&sess.ID, &sess.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting session: %w", err)
	}

	primingMsg, err := insertMessage(ctx, tx, sess.ID, chat.RoleSystem, priming, nil)
	if err != nil {
		return nil, fmt.Errorf("inserting priming message: %w", err)
	}
	sess.Messages = []chat.Message{*primingMsg}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing session: %w", err)
	}

	s.logger.Debug("created session", "session_id", sess.ID, "owner_id", ownerID)
	return sess, nil
}

// SaveMessage appends one message to a session. Messages are immutable
// once persisted; sent_at is assigned by the database.
func (s *Postgres) SaveMessage(ctx context.Context, sessionID int64, role chat.Role, content string, metadata map[string]string) (*chat.Message, error) {
	msg, err := insertMessage(ctx, s.pool, sessionID, role, content, metadata)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("saved message", "session_id", sessionID, "message_id", msg.ID, "role", role)
	return msg, nil
}

// insertMessage inserts a message using the provided querier (pool or tx).
func insertMessage(ctx context.Context, q querier, sessionID int64, role chat.Role, content string, metadata map[string]string) (*chat.Message, error) {
	var metaJSON []byte
	if len(metadata) > 0 {
		var err error
		metaJSON, err = json.Marshal(metadata)
		if err != nil {
			return nil, fmt.Errorf("encoding metadata: %w", err)
		}
	}

	msg := &chat.Message{
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Metadata:  metadata,
	}
	err := q.QueryRow(ctx,
		`INSERT INTO chatmessages (session_id, role, content, metadata)
		 VALUES ($1, $2, $3, $4)
		 RETURNING message_id, sent_at`,
		sessionID, string(role), content, metaJSON,
	).Scan(&msg.ID, &msg.SentAt)
	if err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}
	return msg, nil
}

// Session returns one session with its full ordered transcript.
//
// A session row with no messages is a dangling session: its priming insert
// was lost. Session repairs it by inserting the priming message before
// returning, so the first-message invariant holds for every caller.
func (s *Postgres) Session(ctx context.Context, sessionID int64) (*chat.Session, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionCols+` FROM chatsessions WHERE session_id = $1`,
		sessionID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: session %d", chat.ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("selecting session %d: %w", sessionID, err)
	}

	messages, err := s.Messages(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if len(messages) == 0 {
		s.logger.Warn("repairing dangling session without priming message", "session_id", sessionID)
		priming, err := s.SaveMessage(ctx, sessionID, chat.RoleSystem, chat.PrimingPrompt, nil)
		if err != nil {
			return nil, fmt.Errorf("repairing session %d: %w", sessionID, err)
		}
		messages = []chat.Message{*priming}
	}

	sess.Messages = messages
	return sess, nil
}

// Messages returns a session's transcript in insertion order.
func (s *Postgres) Messages(ctx context.Context, sessionID int64) ([]chat.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageCols+` FROM chatmessages WHERE session_id = $1 `+messageOrder,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("selecting messages for session %d: %w", sessionID, err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// Sessions lists an owner's sessions newest-first by start timestamp, each
// hydrated with its transcript. Pagination is limit/offset; the caller
// (history.Service) pages with a fixed size.
func (s *Postgres) Sessions(ctx context.Context, ownerID uuid.UUID, limit, offset int32) ([]*chat.Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionCols+`
		 FROM chatsessions
		 WHERE user_id = $1
		 ORDER BY started_at DESC, session_id DESC
		 LIMIT $2 OFFSET $3`,
		ownerID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*chat.Session
	byID := make(map[int64]*chat.Session)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, sess)
		byID[sess.ID] = sess
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	if len(sessions) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(sessions))
	for i, sess := range sessions {
		ids[i] = sess.ID
	}

	msgRows, err := s.pool.Query(ctx,
		`SELECT `+messageCols+`
		 FROM chatmessages
		 WHERE session_id = ANY($1)
		 ORDER BY session_id ASC, sent_at ASC, message_id ASC`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("hydrating session messages: %w", err)
	}
	defer msgRows.Close()

	messages, err := scanMessages(msgRows)
	if err != nil {
		return nil, err
	}
	for _, msg := range messages {
		if sess, ok := byID[msg.SessionID]; ok {
			sess.Messages = append(sess.Messages, msg)
		}
	}

	s.logger.Debug("listed sessions", "owner_id", ownerID, "count", len(sessions))
	return sessions, nil
}

// SetTitle records a human-readable session title.
func (s *Postgres) SetTitle(ctx context.Context, sessionID int64, title string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE chatsessions SET title = $2 WHERE session_id = $1`,
		sessionID, title,
	)
	if err != nil {
		return fmt.Errorf("setting title for session %d: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: session %d", chat.ErrSessionNotFound, sessionID)
	}
	return nil
}

// EndSession transitions an active session to ended. The conditional WHERE
// makes racing callers safe across processes: only one transition wins,
// the loser gets chat.ErrInvalidState.
func (s *Postgres) EndSession(ctx context.Context, sessionID int64, summary string, endedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE chatsessions
		 SET status = 'ended', ended_at = $2, summary = NULLIF($3, '')
		 WHERE session_id = $1 AND status = 'active'`,
		sessionID, endedAt, summary,
	)
	if err != nil {
		return fmt.Errorf("ending session %d: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return s.stateConflict(ctx, sessionID, "end")
	}
	return nil
}

// ArchiveSession transitions an ended session to archived. Archiving an
// already-archived session is a no-op, so the operation is idempotent.
func (s *Postgres) ArchiveSession(ctx context.Context, sessionID int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE chatsessions
		 SET status = 'archived'
		 WHERE session_id = $1 AND status IN ('ended', 'archived')`,
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("archiving session %d: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return s.stateConflict(ctx, sessionID, "archive")
	}
	return nil
}

// stateConflict distinguishes a missing session from one in the wrong
// lifecycle state after a conditional update matched zero rows.
func (s *Postgres) stateConflict(ctx context.Context, sessionID int64, op string) error {
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT status FROM chatsessions WHERE session_id = $1`,
		sessionID,
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: session %d", chat.ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return fmt.Errorf("looking up session %d: %w", sessionID, err)
	}
	return fmt.Errorf("%w: cannot %s session %d in state %q", chat.ErrInvalidState, op, sessionID, status)
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanSession reads one session from the standard column set.
func scanSession(row rowScanner) (*chat.Session, error) {
	sess := &chat.Session{}
	var title, summary *string
	var status string
	if err := row.Scan(
		&sess.ID, &sess.OwnerID, &title, &status,
		&sess.StartedAt, &sess.EndedAt, &summary,
	); err != nil {
		return nil, err
	}
	sess.Status = chat.Status(status)
	if title != nil {
		sess.Title = *title
	}
	if summary != nil {
		sess.Summary = *summary
	}
	return sess, nil
}

// scanMessages reads messages from pgx.Rows (standard column set).
func scanMessages(rows pgx.Rows) ([]chat.Message, error) {
	var messages []chat.Message
	for rows.Next() {
		var msg chat.Message
		var role string
		var metaJSON []byte
		if err := rows.Scan(
			&msg.ID, &msg.SessionID, &role, &msg.Content, &msg.SentAt, &metaJSON,
		); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msg.Role = chat.Role(role)
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &msg.Metadata); err != nil {
				return nil, fmt.Errorf("decoding message %d metadata: %w", msg.ID, err)
			}
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return messages, nil
}
