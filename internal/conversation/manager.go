package conversation

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/suPer8Hu/chatgate/internal/ai"
)

// ErrInvalidState is returned when appending to a chat that has no session yet.
var ErrInvalidState = errors.New("conversation: no session established")

// Manager serializes all mutations of one chat's history and runs compaction
// when an append pushes the history over the size limit.
type Manager struct {
	store        Store
	compactor    *Compactor
	systemPrompt string
	maxAge       time.Duration
	locks        *keyLock
	now          func() time.Time
}

type Option func(*Manager)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(store Store, compactor *Compactor, systemPrompt string, maxAge time.Duration, opts ...Option) *Manager {
	m := &Manager{
		store:        store,
		compactor:    compactor,
		systemPrompt: systemPrompt,
		maxAge:       maxAge,
		locks:        newKeyLock(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetOrCreate returns the chat's session, starting a fresh one when none
// exists, the stored one cannot be read, or it has been idle longer than the
// configured max age. The last-activity timestamp is refreshed.
func (m *Manager) GetOrCreate(ctx context.Context, chatID int64) *Session {
	unlock := m.locks.Lock(chatID)
	defer unlock()

	now := m.now()
	s, err := m.store.Load(ctx, chatID)
	switch {
	case errors.Is(err, ErrNotFound):
		s = newSession(chatID, m.systemPrompt, now)
	case err != nil:
		log.Error().Err(err).Int64("chat_id", chatID).Msg("load session failed, starting a new one")
		s = newSession(chatID, m.systemPrompt, now)
	case !s.valid():
		log.Warn().Int64("chat_id", chatID).Msg("stored session has no system message, resetting")
		s = newSession(chatID, m.systemPrompt, now)
	case m.stale(s, m.maxAge, now):
		log.Info().Int64("chat_id", chatID).Time("last_updated", s.LastUpdated).Msg("conversation expired, resetting")
		s = newSession(chatID, m.systemPrompt, now)
	}

	s.LastUpdated = now
	if err := m.store.Save(ctx, s); err != nil {
		log.Error().Err(err).Int64("chat_id", chatID).Msg("save session failed")
	}
	return s.clone()
}

// IsStale reports whether the chat has been idle longer than maxAge. A chat
// without history is not stale; an unreadable one is.
func (m *Manager) IsStale(ctx context.Context, chatID int64, maxAge time.Duration) bool {
	s, err := m.store.Load(ctx, chatID)
	if errors.Is(err, ErrNotFound) {
		return false
	}
	if err != nil {
		log.Error().Err(err).Int64("chat_id", chatID).Msg("load session failed")
		return true
	}
	return m.stale(s, maxAge, m.now())
}

func (m *Manager) stale(s *Session, maxAge time.Duration, now time.Time) bool {
	return s.LastUpdated.Before(now.Add(-maxAge))
}

func (m *Manager) Append(ctx context.Context, chatID int64, role ai.Role, content string) error {
	return m.AppendTurn(ctx, chatID, ai.Message{Role: role, Content: content})
}

// AppendTurn appends msgs in order under one lock, then compacts once if the
// history exceeds the limit.
func (m *Manager) AppendTurn(ctx context.Context, chatID int64, msgs ...ai.Message) error {
	unlock := m.locks.Lock(chatID)
	defer unlock()

	s, err := m.store.Load(ctx, chatID)
	if errors.Is(err, ErrNotFound) {
		return ErrInvalidState
	}
	if err != nil {
		return errors.Wrap(err, "load session")
	}
	if !s.valid() {
		return ErrInvalidState
	}

	s.Messages = append(s.Messages, msgs...)
	if m.compactor != nil && m.compactor.NeedsCompaction(len(s.Messages)) {
		log.Info().Int64("chat_id", chatID).Int("messages", len(s.Messages)).Msg("history too long, compacting")
		s.Messages, _ = m.compactor.Compact(ctx, chatID, s.Messages)
	}
	s.LastUpdated = m.now()

	return errors.Wrap(m.store.Save(ctx, s), "save session")
}

// Reset replaces the chat's history with the system message alone.
func (m *Manager) Reset(ctx context.Context, chatID int64) error {
	unlock := m.locks.Lock(chatID)
	defer unlock()

	return errors.Wrap(m.store.Save(ctx, newSession(chatID, m.systemPrompt, m.now())), "reset session")
}
