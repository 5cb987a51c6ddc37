package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMinResponseDelay is the minimum perceived latency for an assistant
// turn. When the completion call returns faster than this, the turn is held
// until the floor elapses so the reply never feels instantaneous. Measured
// from the start of the completion call, not from the user's send.
const DefaultMinResponseDelay = time.Second

// feedBuffer is the capacity of the hand-off channel between feed
// deliveries and the engine. Deliveries that would overflow it are dropped;
// direct reads restore consistency.
const feedBuffer = 128

// Store persists sessions and messages. Implementations must guarantee
// ordered reads (SentAt ascending, ID as tiebreaker) and return
// ErrSessionNotFound / ErrInvalidState from conditional updates that find
// the row missing or in the wrong state.
type Store interface {
	// CreateSession inserts a session row and its priming system message
	// atomically: both succeed or both are rolled back.
	CreateSession(ctx context.Context, ownerID uuid.UUID, priming string) (*Session, error)

	// SaveMessage appends one immutable message to a session.
	SaveMessage(ctx context.Context, sessionID int64, role Role, content string, metadata map[string]string) (*Message, error)

	// Session returns one session with its full ordered transcript.
	Session(ctx context.Context, sessionID int64) (*Session, error)

	// Sessions lists an owner's sessions newest-first by start timestamp,
	// each with its transcript.
	Sessions(ctx context.Context, ownerID uuid.UUID, limit, offset int32) ([]*Session, error)

	// SetTitle records a human-readable session title.
	SetTitle(ctx context.Context, sessionID int64, title string) error

	// EndSession transitions an active session to ended, recording the end
	// timestamp and the (possibly empty) summary.
	EndSession(ctx context.Context, sessionID int64, summary string, endedAt time.Time) error

	// ArchiveSession transitions an ended session to archived. Archiving an
	// already-archived session is a no-op.
	ArchiveSession(ctx context.Context, sessionID int64) error
}

// Completer is the assistant backend: one request/response exchange with a
// text-completion service. The production implementation is
// completion.Client, which also enforces global request pacing.
type Completer interface {
	Complete(ctx context.Context, turns []Turn) (string, error)
}

// Feed delivers newly committed messages for one session.
//
// Implementations must filter strictly to the subscribed session and must
// not invoke fn after Unsubscribe has returned.
type Feed interface {
	Subscribe(sessionID int64, fn func(Message)) (Subscription, error)
}

// Subscription is one active change-feed registration.
type Subscription interface {
	Unsubscribe()
}

// Config carries the dependencies and knobs for an Engine.
type Config struct {
	Store     Store
	Completer Completer
	Feed      Feed // optional: nil disables live delivery (poll-only)
	Logger    *slog.Logger
	OwnerID   uuid.UUID

	// MinResponseDelay overrides DefaultMinResponseDelay when positive.
	MinResponseDelay time.Duration
}

func (cfg Config) validate() error {
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Completer == nil {
		return errors.New("completer is required")
	}
	if cfg.OwnerID == uuid.Nil {
		return errors.New("owner ID is required")
	}
	return nil
}

// Engine coordinates the full lifecycle of one conversation at a time.
//
// An Engine is owned by a single logical conversation context. Its public
// methods may be called from multiple goroutines (they serialize through
// one mutex), but it never runs more than one assistant turn at a time, and
// a caller racing a lifecycle transition observes the post-transition state.
type Engine struct {
	store     Store
	completer Completer
	feed      Feed
	logger    *slog.Logger
	ownerID   uuid.UUID
	minDelay  time.Duration

	// Injectable for tests.
	now   func() time.Time
	sleep func(context.Context, time.Duration) error

	mu        sync.Mutex
	session   *Session
	messages  []Message
	seen      map[int64]struct{}
	sub       Subscription
	events    chan Message
	drainDone chan struct{}
}

// NewEngine creates an Engine in the no-session state.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	minDelay := cfg.MinResponseDelay
	if minDelay <= 0 {
		minDelay = DefaultMinResponseDelay
	}

	return &Engine{
		store:     cfg.Store,
		completer: cfg.Completer,
		feed:      cfg.Feed,
		logger:    logger,
		ownerID:   cfg.OwnerID,
		minDelay:  minDelay,
		now:       time.Now,
		sleep:     sleepContext,
	}, nil
}

// Start creates a new session: the session row and its priming system
// message are persisted atomically, and a change-feed subscription scoped
// to the session is registered.
//
// If the feed registration fails, Start still returns the session, usable
// without live push, together with an error wrapping ErrSubscription.
func (e *Engine) Start(ctx context.Context) (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session != nil && e.session.Status == StatusActive {
		return nil, fmt.Errorf("%w: session %d is still active", ErrInvalidState, e.session.ID)
	}

	sess, err := e.store.CreateSession(ctx, e.ownerID, PrimingPrompt)
	if err != nil {
		return nil, fmt.Errorf("%w: creating session: %w", ErrPersistence, err)
	}

	e.session = sess
	e.messages = append([]Message(nil), sess.Messages...)
	e.seen = make(map[int64]struct{}, 8)
	for _, m := range e.messages {
		e.seen[m.ID] = struct{}{}
	}

	e.logger.Debug("session started", "session_id", sess.ID, "owner_id", e.ownerID)

	if e.feed == nil {
		return sess, nil
	}

	events := make(chan Message, feedBuffer)
	sub, err := e.feed.Subscribe(sess.ID, func(msg Message) {
		select {
		case events <- msg:
		default:
			e.logger.Warn("feed delivery dropped, hand-off buffer full",
				"session_id", msg.SessionID, "message_id", msg.ID)
		}
	})
	if err != nil {
		e.logger.Warn("feed subscription failed, session is poll-only",
			"session_id", sess.ID, "error", err)
		return sess, fmt.Errorf("%w: %w", ErrSubscription, err)
	}

	e.sub = sub
	e.events = events
	e.drainDone = make(chan struct{})
	go e.drain(events, e.drainDone)

	return sess, nil
}

// Send persists the user's message and then runs exactly one assistant
// turn. On success the transcript grows by two messages and the assistant
// reply is returned. If the completion call fails, the user message is
// already persisted, no assistant message is written, the session stays
// active, and the classified completion error is returned. The user may
// retry by sending again.
func (e *Engine) Send(ctx context.Context, text string) (*Message, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: message text is empty", ErrValidation)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session == nil || e.session.Status != StatusActive {
		return nil, fmt.Errorf("%w: no active session", ErrInvalidState)
	}

	userMsg, err := e.store.SaveMessage(ctx, e.session.ID, RoleUser, trimmed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: saving user message: %w", ErrPersistence, err)
	}
	e.ingestLocked(*userMsg)

	if e.session.Title == "" {
		title := deriveTitle(trimmed)
		if err := e.store.SetTitle(ctx, e.session.ID, title); err != nil {
			e.logger.Warn("setting session title", "session_id", e.session.ID, "error", err)
		} else {
			e.session.Title = title
		}
	}

	return e.assistantTurnLocked(ctx)
}

// assistantTurnLocked runs one completion over the full ordered transcript
// and persists the result as an assistant message. Must be called with
// e.mu held.
func (e *Engine) assistantTurnLocked(ctx context.Context) (*Message, error) {
	turns := make([]Turn, len(e.messages))
	for i, m := range e.messages {
		turns[i] = Turn{Role: m.Role, Content: m.Content}
	}

	started := e.now()
	reply, err := e.completer.Complete(ctx, turns)
	if err != nil {
		return nil, fmt.Errorf("assistant turn: %w", err)
	}

	// Hold the turn until the perceived-latency floor elapses.
	if remaining := e.minDelay - e.now().Sub(started); remaining > 0 {
		if err := e.sleep(ctx, remaining); err != nil {
			return nil, fmt.Errorf("assistant turn: %w", err)
		}
	}

	msg, err := e.store.SaveMessage(ctx, e.session.ID, RoleAssistant, reply, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: saving assistant message: %w", ErrPersistence, err)
	}
	e.ingestLocked(*msg)

	e.logger.Debug("assistant turn completed",
		"session_id", e.session.ID, "message_id", msg.ID, "reply_length", len(reply))
	return msg, nil
}

// End transitions the active session to ended. It asks the assistant for a
// closing summary, persists it with the end timestamp, and releases the
// change-feed subscription.
//
// Summarization is best-effort: if the completion call fails, the session
// is still ended with an empty summary and the returned error wraps
// ErrSummaryUnavailable.
func (e *Engine) End(ctx context.Context) (string, error) {
	summary, done, err := e.endAndRelease(ctx)
	if done != nil {
		<-done
	}
	return summary, err
}

func (e *Engine) endAndRelease(ctx context.Context) (string, chan struct{}, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session == nil || e.session.Status != StatusActive {
		return "", nil, fmt.Errorf("%w: no active session", ErrInvalidState)
	}

	turns := make([]Turn, 0, len(e.messages)+1)
	for _, m := range e.messages {
		turns = append(turns, Turn{Role: m.Role, Content: m.Content})
	}
	turns = append(turns, Turn{Role: RoleSystem, Content: SummaryPrompt})

	summary, cerr := e.completer.Complete(ctx, turns)
	if cerr != nil {
		e.logger.Warn("summary generation failed, ending without summary",
			"session_id", e.session.ID, "error", cerr)
		summary = ""
	}

	endedAt := e.now()
	if err := e.store.EndSession(ctx, e.session.ID, summary, endedAt); err != nil {
		// Ending did not take effect; the session stays active.
		return "", nil, fmt.Errorf("%w: ending session: %w", ErrPersistence, err)
	}

	e.session.Status = StatusEnded
	e.session.EndedAt = &endedAt
	e.session.Summary = summary

	done := e.releaseFeedLocked()
	e.logger.Debug("session ended", "session_id", e.session.ID, "summary_length", len(summary))

	if cerr != nil {
		return "", done, fmt.Errorf("%w: %w", ErrSummaryUnavailable, cerr)
	}
	return summary, done, nil
}

// Archive relabels an ended session as archived. Archiving an
// already-archived session is a no-op; archiving an active session returns
// ErrInvalidState. Message history is unaffected.
func (e *Engine) Archive(ctx context.Context, sessionID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.store.ArchiveSession(ctx, sessionID); err != nil {
		return err
	}
	if e.session != nil && e.session.ID == sessionID {
		e.session.Status = StatusArchived
	}
	return nil
}

// Close releases the engine's change-feed subscription without ending the
// session. Discarding an Engine without calling End must still go through
// Close so the feed registration does not outlive the engine.
func (e *Engine) Close() {
	done := e.closeAndRelease()
	if done != nil {
		<-done
	}
}

func (e *Engine) closeAndRelease() chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.releaseFeedLocked()
}

// releaseFeedLocked unsubscribes and stops the drain goroutine. Returns the
// goroutine's done channel; the caller must wait on it after releasing
// e.mu (the drain loop takes e.mu per delivery).
func (e *Engine) releaseFeedLocked() chan struct{} {
	if e.sub != nil {
		e.sub.Unsubscribe()
		e.sub = nil
	}
	var done chan struct{}
	if e.events != nil {
		close(e.events)
		e.events = nil
		done = e.drainDone
		e.drainDone = nil
	}
	return done
}

// drain funnels feed deliveries into the engine-owned transcript. Only this
// goroutine and the engine's own operations mutate e.messages, both under
// e.mu. The feed callback never touches engine state directly.
func (e *Engine) drain(events <-chan Message, done chan<- struct{}) {
	defer close(done)
	for msg := range events {
		e.mu.Lock()
		e.ingestLocked(msg)
		e.mu.Unlock()
	}
}

// ingestLocked appends a message to the in-memory transcript, deduplicating
// by message identity. Must be called with e.mu held.
func (e *Engine) ingestLocked(msg Message) {
	if e.session == nil || msg.SessionID != e.session.ID {
		return
	}
	if _, ok := e.seen[msg.ID]; ok {
		return
	}
	e.seen[msg.ID] = struct{}{}
	e.messages = append(e.messages, msg)
}

// Session returns a copy of the current session, or nil when no session
// has been started.
func (e *Engine) Session() *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil
	}
	sess := *e.session
	sess.Messages = append([]Message(nil), e.messages...)
	return &sess
}

// Messages returns a copy of the in-memory transcript in append order.
// Display order is by SentAt; feed deliveries that arrive out of commit
// order are the caller's to sort.
func (e *Engine) Messages() []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Message(nil), e.messages...)
}

// sleepContext sleeps for d or until ctx is done, whichever comes first.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
