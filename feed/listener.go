// Package feed delivers newly committed chat messages to subscribers.
//
// The production implementation is Listener, which rides PostgreSQL
// LISTEN/NOTIFY: an insert trigger on chatmessages publishes the new row's
// identifiers, and the listener fetches the full row before dispatching it
// to the subscriptions registered for that session. Broker is the
// in-memory implementation used by tests and single-process deployments.
//
// Each subscription deduplicates by message ID, so a redelivered
// notification invokes the callback at most once per message.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koobs1993/mindwell/chat"
)

// channel is the NOTIFY channel the chatmessages insert trigger publishes
// on. Must match the trigger installed by the migrations.
const channel = "chatmessages_insert"

// reconnectDelay paces reconnection attempts after the listening
// connection drops.
const reconnectDelay = 2 * time.Second

// notifyPayload is the trigger's JSON payload. Identifiers only: NOTIFY
// payloads are capped at 8000 bytes, so the message body is fetched by ID.
type notifyPayload struct {
	MessageID int64 `json:"message_id"`
	SessionID int64 `json:"session_id"`
}

// Listener is a chat.Feed backed by PostgreSQL LISTEN/NOTIFY. One Listener
// serves any number of session subscriptions over a single dedicated
// connection.
type Listener struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	mu   sync.Mutex
	subs map[int64]map[*subscription]struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// NewListener acquires a dedicated connection from the pool, issues LISTEN,
// and starts the notification loop. The loop runs until Close; if the
// connection drops it reconnects and re-issues LISTEN, logging each
// attempt. Notifications raised while disconnected are lost, which the
// at-least-once contract permits.
func NewListener(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) (*Listener, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		pool:   pool,
		logger: logger,
		subs:   make(map[int64]map[*subscription]struct{}),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	conn, err := l.listen(ctx)
	if err != nil {
		cancel()
		close(l.done)
		return nil, err
	}

	go l.loop(loopCtx, conn)
	return l, nil
}

// listen acquires a connection and subscribes it to the notify channel.
func (l *Listener) listen(ctx context.Context) (*pgxpool.Conn, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, `LISTEN `+channel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listening on %s: %w", channel, err)
	}
	return conn, nil
}

// Subscribe registers fn for one session's inserts. fn is invoked from the
// listener's notification goroutine and must return quickly; the chat
// engine hands off to a buffered channel for exactly this reason.
func (l *Listener) Subscribe(sessionID int64, fn func(chat.Message)) (chat.Subscription, error) {
	if fn == nil {
		return nil, fmt.Errorf("callback is required")
	}

	sub := &subscription{
		listener:  l,
		sessionID: sessionID,
		fn:        fn,
		seen:      make(map[int64]struct{}),
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.subs == nil {
		return nil, fmt.Errorf("listener is closed")
	}
	set, ok := l.subs[sessionID]
	if !ok {
		set = make(map[*subscription]struct{})
		l.subs[sessionID] = set
	}
	set[sub] = struct{}{}

	l.logger.Debug("feed subscription registered", "session_id", sessionID)
	return sub, nil
}

// loop waits for notifications and dispatches them until ctx is canceled.
func (l *Listener) loop(ctx context.Context, conn *pgxpool.Conn) {
	defer close(l.done)
	defer func() {
		if conn != nil {
			conn.Release()
		}
	}()

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Warn("notification wait failed, reconnecting", "error", err)
			conn.Release()
			conn = nil
			for conn == nil {
				select {
				case <-ctx.Done():
					return
				case <-time.After(reconnectDelay):
				}
				conn, err = l.listen(ctx)
				if err != nil {
					l.logger.Warn("reconnect failed", "error", err)
					conn = nil
				}
			}
			continue
		}
		l.dispatch(ctx, n.Payload)
	}
}

// dispatch decodes one notification, fetches the message row, and fans it
// out to the session's subscriptions.
func (l *Listener) dispatch(ctx context.Context, payload string) {
	var p notifyPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		l.logger.Warn("discarding malformed feed notification", "error", err)
		return
	}

	l.mu.Lock()
	set := l.subs[p.SessionID]
	targets := make([]*subscription, 0, len(set))
	for sub := range set {
		targets = append(targets, sub)
	}
	l.mu.Unlock()

	if len(targets) == 0 {
		return
	}

	msg, err := l.fetchMessage(ctx, p.MessageID)
	if err != nil {
		l.logger.Warn("fetching notified message",
			"message_id", p.MessageID, "session_id", p.SessionID, "error", err)
		return
	}

	for _, sub := range targets {
		sub.deliver(*msg)
	}
}

// fetchMessage loads the notified row. The trigger fires after commit from
// the inserter's perspective, but a notification can still race a replica
// read; here we read the primary via the same pool that wrote the row.
func (l *Listener) fetchMessage(ctx context.Context, messageID int64) (*chat.Message, error) {
	msg := &chat.Message{}
	var role string
	var metaJSON []byte
	err := l.pool.QueryRow(ctx,
		`SELECT message_id, session_id, role, content, sent_at, metadata
		 FROM chatmessages WHERE message_id = $1`,
		messageID,
	).Scan(&msg.ID, &msg.SessionID, &role, &msg.Content, &msg.SentAt, &metaJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("message %d not found", messageID)
	}
	if err != nil {
		return nil, err
	}
	msg.Role = chat.Role(role)
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &msg.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata: %w", err)
		}
	}
	return msg, nil
}

// Close stops the notification loop and releases the dedicated connection.
// Registered subscriptions receive no further deliveries.
func (l *Listener) Close() {
	l.cancel()
	<-l.done

	l.mu.Lock()
	l.subs = nil
	l.mu.Unlock()
}

// subscription is one session-scoped registration on a Listener.
type subscription struct {
	listener  *Listener
	sessionID int64
	fn        func(chat.Message)

	mu     sync.Mutex
	seen   map[int64]struct{}
	closed bool
}

// deliver invokes the callback unless the subscription has been closed or
// the message ID was already delivered. Holding mu across fn means
// Unsubscribe blocks until an in-flight delivery returns, so fn is never
// invoked after Unsubscribe completes.
func (s *subscription) deliver(msg chat.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, ok := s.seen[msg.ID]; ok {
		return
	}
	s.seen[msg.ID] = struct{}{}
	s.fn(msg)
}

// Unsubscribe removes the registration. Safe to call more than once.
func (s *subscription) Unsubscribe() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	l := s.listener
	l.mu.Lock()
	defer l.mu.Unlock()
	if set, ok := l.subs[s.sessionID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(l.subs, s.sessionID)
		}
	}
}
