// Package conversation keeps per-chat message history bounded in size and age.
package conversation

import (
	"time"

	"github.com/suPer8Hu/chatgate/internal/ai"
)

// Session is the history of one chat. Messages[0] is always the system prompt.
type Session struct {
	ChatID      int64        `json:"chat_id"`
	Messages    []ai.Message `json:"messages"`
	LastUpdated time.Time    `json:"last_updated"`
}

func newSession(chatID int64, systemPrompt string, now time.Time) *Session {
	return &Session{
		ChatID:      chatID,
		Messages:    []ai.Message{{Role: ai.RoleSystem, Content: systemPrompt}},
		LastUpdated: now,
	}
}

func (s *Session) clone() *Session {
	out := *s
	out.Messages = append([]ai.Message(nil), s.Messages...)
	return &out
}

func (s *Session) valid() bool {
	return len(s.Messages) > 0 && s.Messages[0].Role == ai.RoleSystem
}
