package testutil

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/koobs1993/mindwell/chat"
)

// MemStore is an in-memory chat.Store with the same observable semantics
// as the PostgreSQL adapter: monotonic IDs, ordered reads, and sentinel
// errors from conditional updates.
//
// Error fields inject failures per operation. Safe for concurrent use.
type MemStore struct {
	mu       sync.Mutex
	sessions map[int64]*chat.Session
	messages map[int64][]chat.Message
	nextSess int64
	nextMsg  int64

	// Now supplies timestamps; defaults to time.Now.
	Now func() time.Time

	CreateErr  error
	SaveErr    error
	TitleErr   error
	EndErr     error
	ArchiveErr error
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		sessions: make(map[int64]*chat.Session),
		messages: make(map[int64][]chat.Message),
		Now:      time.Now,
	}
}

func (s *MemStore) CreateSession(_ context.Context, ownerID uuid.UUID, priming string) (*chat.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CreateErr != nil {
		return nil, s.CreateErr
	}

	s.nextSess++
	sess := &chat.Session{
		ID:        s.nextSess,
		OwnerID:   ownerID,
		Status:    chat.StatusActive,
		StartedAt: s.Now(),
	}
	s.sessions[sess.ID] = sess

	msg := s.appendLocked(sess.ID, chat.RoleSystem, priming, nil)
	out := *sess
	out.Messages = []chat.Message{msg}
	return &out, nil
}

func (s *MemStore) SaveMessage(_ context.Context, sessionID int64, role chat.Role, content string, metadata map[string]string) (*chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SaveErr != nil {
		return nil, s.SaveErr
	}
	if _, ok := s.sessions[sessionID]; !ok {
		return nil, fmt.Errorf("%w: session %d", chat.ErrSessionNotFound, sessionID)
	}
	msg := s.appendLocked(sessionID, role, content, metadata)
	return &msg, nil
}

func (s *MemStore) appendLocked(sessionID int64, role chat.Role, content string, metadata map[string]string) chat.Message {
	s.nextMsg++
	msg := chat.Message{
		ID:        s.nextMsg,
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		SentAt:    s.Now(),
		Metadata:  metadata,
	}
	s.messages[sessionID] = append(s.messages[sessionID], msg)
	return msg
}

func (s *MemStore) Session(_ context.Context, sessionID int64) (*chat.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: session %d", chat.ErrSessionNotFound, sessionID)
	}
	out := *sess
	out.Messages = slices.Clone(s.messages[sessionID])
	return &out, nil
}

func (s *MemStore) Sessions(_ context.Context, ownerID uuid.UUID, limit, offset int32) ([]*chat.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var owned []*chat.Session
	for _, sess := range s.sessions {
		if sess.OwnerID == ownerID {
			owned = append(owned, sess)
		}
	}
	slices.SortFunc(owned, func(a, b *chat.Session) int {
		if c := b.StartedAt.Compare(a.StartedAt); c != 0 {
			return c
		}
		return int(b.ID - a.ID)
	})

	lo := int(offset)
	if lo >= len(owned) {
		return nil, nil
	}
	hi := min(lo+int(limit), len(owned))

	out := make([]*chat.Session, 0, hi-lo)
	for _, sess := range owned[lo:hi] {
		cp := *sess
		cp.Messages = slices.Clone(s.messages[sess.ID])
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemStore) SetTitle(_ context.Context, sessionID int64, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.TitleErr != nil {
		return s.TitleErr
	}
	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: session %d", chat.ErrSessionNotFound, sessionID)
	}
	sess.Title = title
	return nil
}

func (s *MemStore) EndSession(_ context.Context, sessionID int64, summary string, endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.EndErr != nil {
		return s.EndErr
	}
	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: session %d", chat.ErrSessionNotFound, sessionID)
	}
	if sess.Status != chat.StatusActive {
		return fmt.Errorf("%w: cannot end session %d in state %q", chat.ErrInvalidState, sessionID, sess.Status)
	}
	sess.Status = chat.StatusEnded
	sess.EndedAt = &endedAt
	sess.Summary = summary
	return nil
}

func (s *MemStore) ArchiveSession(_ context.Context, sessionID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ArchiveErr != nil {
		return s.ArchiveErr
	}
	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: session %d", chat.ErrSessionNotFound, sessionID)
	}
	if sess.Status == chat.StatusActive {
		return fmt.Errorf("%w: cannot archive session %d in state %q", chat.ErrInvalidState, sessionID, sess.Status)
	}
	sess.Status = chat.StatusArchived
	return nil
}
