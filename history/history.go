// Package history exposes past sessions for review: newest-first listing
// with lazy pagination, and archival of ended sessions.
package history

import (
	"context"
	"fmt"
	"iter"
	"log/slog"

	"github.com/google/uuid"

	"github.com/koobs1993/mindwell/chat"
)

// PageSize is the number of sessions fetched per store round trip.
const PageSize = 50

// Store is the slice of the session store the history service needs.
type Store interface {
	Sessions(ctx context.Context, ownerID uuid.UUID, limit, offset int32) ([]*chat.Session, error)
	ArchiveSession(ctx context.Context, sessionID int64) error
}

// Service lists and archives an owner's past sessions.
type Service struct {
	store  Store
	logger *slog.Logger
}

// New creates a Service.
func New(store Store, logger *slog.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}, nil
}

// List returns the owner's sessions newest-first as a lazy sequence. Pages
// of PageSize are fetched as the caller iterates; stopping early stops
// fetching. The sequence is restartable: ranging over it again re-reads
// from the store.
//
// A page fetch failure yields (nil, err) once and ends the sequence.
func (s *Service) List(ctx context.Context, ownerID uuid.UUID) iter.Seq2[*chat.Session, error] {
	return func(yield func(*chat.Session, error) bool) {
		var offset int32
		for {
			page, err := s.store.Sessions(ctx, ownerID, PageSize, offset)
			if err != nil {
				yield(nil, fmt.Errorf("listing sessions at offset %d: %w", offset, err))
				return
			}
			for _, sess := range page {
				if !yield(sess, nil) {
					return
				}
			}
			if len(page) < PageSize {
				return
			}
			offset += PageSize
		}
	}
}

// Archive relabels an ended session as archived. Archiving an
// already-archived session succeeds; archiving an active session returns
// chat.ErrInvalidState.
func (s *Service) Archive(ctx context.Context, sessionID int64) error {
	if err := s.store.ArchiveSession(ctx, sessionID); err != nil {
		return err
	}
	s.logger.Debug("session archived", "session_id", sessionID)
	return nil
}
