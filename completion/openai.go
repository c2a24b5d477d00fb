package completion

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/sirupsen/logrus"

	"github.com/lucasvidela/chatburst/coordinator/domain"
)

const DefaultModel = "gpt-4o-mini"

// OpenAIConfig configures the completion pipeline.
type OpenAIConfig struct {
	APIKey       string
	Model        string
	SystemPrompt string
	HistoryLimit int
}

// OpenAITrigger implements the completion trigger against the OpenAI chat
// API. It rebuilds conversation history from the message store, generates a
// reply and hands it to the responder.
type OpenAITrigger struct {
	client    openai.Client
	messages  domain.MessageRepository
	responder *Responder
	cfg       OpenAIConfig
}

func NewOpenAITrigger(messages domain.MessageRepository, responder *Responder, cfg OpenAIConfig) *OpenAITrigger {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	return &OpenAITrigger{
		client:    openai.NewClient(option.WithAPIKey(cfg.APIKey)),
		messages:  messages,
		responder: responder,
		cfg:       cfg,
	}
}

func (t *OpenAITrigger) Process(ctx context.Context, conversationID, phone, accumulatedText, sourceRef string) error {
	conv, err := t.messages.GetConversation(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}

	history, err := t.messages.ListRecent(ctx, conversationID, t.cfg.HistoryLimit)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(t.cfg.Model),
	}
	var msgs []openai.ChatCompletionMessageParamUnion
	if t.cfg.SystemPrompt != "" {
		msgs = append(msgs, openai.SystemMessage(t.cfg.SystemPrompt))
	}
	for _, h := range history {
		switch h.Role {
		case domain.RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(h.Text))
		case domain.RoleSystem:
			msgs = append(msgs, openai.SystemMessage(h.Text))
		default:
			msgs = append(msgs, openai.UserMessage(h.Text))
		}
	}
	msgs = append(msgs, openai.UserMessage(accumulatedText))
	params.Messages = msgs

	resp, err := t.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return fmt.Errorf("no response from openai")
	}
	reply := resp.Choices[0].Message.Content

	if err := t.responder.Reply(ctx, conv, sourceRef, reply); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}

	// Record the reply so the next burst sees it as history.
	assistant := &domain.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		ClientID:       conv.ClientID,
		SenderKey:      conv.SenderKey,
		Role:           domain.RoleAssistant,
		Text:           reply,
		CreatedAt:      time.Now().UTC(),
	}
	if _, _, err := t.messages.Insert(ctx, assistant); err != nil {
		logrus.WithError(err).Warn("[COMPLETION] Failed to store assistant reply")
	}

	logrus.WithFields(logrus.Fields{
		"conversation_id": conversationID,
		"model":           t.cfg.Model,
		"input_tokens":    resp.Usage.PromptTokens,
		"output_tokens":   resp.Usage.CompletionTokens,
	}).Debug("[COMPLETION] Reply generated")
	return nil
}
