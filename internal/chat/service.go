// Package chat runs one user turn: entitlement check, history, completion
// and reply formatting.
package chat

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/suPer8Hu/chatgate/internal/ai"
	"github.com/suPer8Hu/chatgate/internal/conversation"
	"github.com/suPer8Hu/chatgate/internal/entitlement"
)

var ErrEmptyQuery = errors.New("chat: message is empty")

// Ledger decides whether a chat may take a turn and charges it.
type Ledger interface {
	Consume(ctx context.Context, chatID int64) (entitlement.Decision, error)
}

// Conversations owns per-chat history.
type Conversations interface {
	GetOrCreate(ctx context.Context, chatID int64) *conversation.Session
	AppendTurn(ctx context.Context, chatID int64, msgs ...ai.Message) error
	Reset(ctx context.Context, chatID int64) error
}

type Options struct {
	Params    ai.Params
	ShowUsage bool
}

// Reply is what the user sees for one turn. Allowed is false when the chat
// has no entitlement; Text then holds the upsell prompt.
type Reply struct {
	Text     string           `json:"text"`
	Allowed  bool             `json:"allowed"`
	Tier     entitlement.Tier `json:"tier"`
	Notice   string           `json:"notice,omitempty"`
	Degraded bool             `json:"degraded,omitempty"`
	Usage    *ai.Usage        `json:"usage,omitempty"`
}

type Service struct {
	ledger   Ledger
	convs    Conversations
	provider ai.Provider
	opts     Options
}

func NewService(ledger Ledger, convs Conversations, provider ai.Provider, opts Options) *Service {
	if opts.Params.N <= 0 {
		opts.Params.N = 1
	}
	return &Service{ledger: ledger, convs: convs, provider: provider, opts: opts}
}

// SendMessage runs one turn for chatID. Denials and provider failures are
// normal replies; only an empty query or a cancelled request return an error.
func (s *Service) SendMessage(ctx context.Context, chatID int64, query string) (*Reply, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}

	d, err := s.ledger.Consume(ctx, chatID)
	if err != nil {
		log.Error().Err(err).Int64("chat_id", chatID).Msg("entitlement check failed, denying")
		d = entitlement.Decision{Tier: entitlement.TierNone}
	}
	if !d.Allowed {
		log.Warn().Int64("chat_id", chatID).Msg("chat is not allowed to use the assistant")
		return &Reply{Text: deniedText, Tier: d.Tier}, nil
	}

	reply := &Reply{Allowed: true, Tier: d.Tier}
	if d.LastFree {
		reply.Notice = freeOverText
	}

	sess := s.convs.GetOrCreate(ctx, chatID)
	userMsg := ai.Message{Role: ai.RoleUser, Content: query}
	history := append(sess.Messages, userMsg)

	log.Info().Int64("chat_id", chatID).Int("history", len(history)).Str("tier", string(d.Tier)).Msg("new prompt")

	resp, err := s.provider.Chat(ctx, ai.ChatRequest{Messages: history, Params: s.opts.Params})
	if err != nil {
		if ai.IsCanceled(err) {
			return nil, err
		}
		log.Error().Err(err).
			Int64("chat_id", chatID).
			Str("kind", string(ai.KindOf(err))).
			Msg("completion failed")
		reply.Text, reply.Degraded = apologyText, true
		return reply, nil
	}
	if len(resp.Choices) == 0 {
		log.Error().Int64("chat_id", chatID).Msg("provider returned no choices")
		reply.Text, reply.Degraded = apologyText, true
		return reply, nil
	}

	// only the first choice becomes part of the conversation
	if err := s.convs.AppendTurn(ctx, chatID, userMsg, ai.Message{Role: ai.RoleAssistant, Content: resp.Choices[0].Content}); err != nil {
		log.Error().Err(err).Int64("chat_id", chatID).Msg("append turn to history failed")
	}

	reply.Text = s.format(resp)
	if s.opts.ShowUsage {
		u := resp.Usage
		reply.Usage = &u
	}
	return reply, nil
}

// Reset clears the chat's history. It does not charge entitlement.
func (s *Service) Reset(ctx context.Context, chatID int64) (string, error) {
	if err := s.convs.Reset(ctx, chatID); err != nil {
		return "", err
	}
	return resetText, nil
}

func (s *Service) format(resp *ai.ChatResponse) string {
	var b strings.Builder
	if len(resp.Choices) > 1 && s.opts.Params.N > 1 {
		for i, c := range resp.Choices {
			fmt.Fprintf(&b, "%d⃣\n%s\n\n", i+1, c.Content)
		}
	} else {
		b.WriteString(resp.Choices[0].Content)
	}

	if s.opts.ShowUsage {
		fmt.Fprintf(&b, "\n\n---\n💰 Tokens used: %d (%d prompt, %d completion)",
			resp.Usage.TotalTokens, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	}
	return b.String()
}
