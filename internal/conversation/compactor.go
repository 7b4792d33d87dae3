package conversation

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/suPer8Hu/chatgate/internal/ai"
)

const (
	summaryCharBudget  = 700
	summaryTemperature = 0.4
)

var errEmptySummary = errors.New("summary is empty")

// Compactor shrinks a history that grew past maxHistory messages. It asks the
// provider for a short summary and falls back to dropping the oldest messages.
type Compactor struct {
	provider   ai.Provider
	maxHistory int
}

func NewCompactor(provider ai.Provider, maxHistory int) *Compactor {
	return &Compactor{provider: provider, maxHistory: maxHistory}
}

func (c *Compactor) NeedsCompaction(n int) bool {
	return n > c.maxHistory
}

// Compact returns the shrunk history and whether the summary path was taken.
// msgs[0] must be the system message; it survives both paths.
func (c *Compactor) Compact(ctx context.Context, chatID int64, msgs []ai.Message) ([]ai.Message, bool) {
	summary, err := c.summarize(ctx, msgs)
	if err == nil {
		return []ai.Message{msgs[0], {Role: ai.RoleAssistant, Content: summary}}, true
	}

	out := c.truncate(msgs)
	log.Warn().Err(err).
		Int64("chat_id", chatID).
		Int("before", len(msgs)).
		Int("after", len(out)).
		Msg("history summarization failed, truncating")
	return out, false
}

func (c *Compactor) summarize(ctx context.Context, msgs []ai.Message) (string, error) {
	if c.provider == nil {
		return "", errors.New("no summarization provider")
	}

	var sb strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&sb, "[%s]: %s\n", m.Role, m.Content)
	}

	resp, err := c.provider.Chat(ctx, ai.ChatRequest{
		Messages: []ai.Message{
			{Role: ai.RoleAssistant, Content: fmt.Sprintf("Summarize this conversation in %d characters or less", summaryCharBudget)},
			{Role: ai.RoleUser, Content: sb.String()},
		},
		Params: ai.Params{Temperature: summaryTemperature},
	})
	if err != nil {
		return "", errors.Wrap(err, "summarize history")
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Content) == "" {
		return "", errEmptySummary
	}
	return resp.Choices[0].Content, nil
}

// truncate keeps the system message plus the newest maxHistory-1 messages.
func (c *Compactor) truncate(msgs []ai.Message) []ai.Message {
	if len(msgs) <= c.maxHistory {
		return msgs
	}
	keep := c.maxHistory - 1
	if keep < 0 {
		keep = 0
	}
	out := make([]ai.Message, 0, keep+1)
	out = append(out, msgs[0])
	out = append(out, msgs[len(msgs)-keep:]...)
	return out
}
