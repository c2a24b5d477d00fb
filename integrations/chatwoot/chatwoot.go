// Package chatwoot translates Chatwoot webhooks into canonical arrivals and
// posts bot replies back into the originating conversation.
package chatwoot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lucasvidela/chatburst/coordinator/domain"
	"github.com/lucasvidela/chatburst/pkg/utils"
)

const httpTimeout = 15 * time.Second

var httpClient = &http.Client{Timeout: httpTimeout}

// Config identifies one Chatwoot account/inbox pair.
type Config struct {
	BaseURL      string
	AccountID    int64
	AccountToken string
}

// Client talks to the Chatwoot REST API.
type Client struct {
	cfg Config
}

func NewClient(cfg Config) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg}
}

// CreateMessage posts an outgoing message into the conversation identified by
// conversationRef (the Chatwoot conversation id carried as the unit's
// source ref).
func (c *Client) CreateMessage(ctx context.Context, conversationRef, content string) error {
	endpoint := fmt.Sprintf("%s/api/v1/accounts/%d/conversations/%s/messages",
		c.cfg.BaseURL, c.cfg.AccountID, conversationRef)

	payload, err := json.Marshal(map[string]any{
		"content":      content,
		"message_type": "outgoing",
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api_access_token", c.cfg.AccountToken)

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("chatwoot create message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("chatwoot create message: status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// --- Webhook payload ---

// WebhookPayload is the subset of Chatwoot's message_created event the
// adapter needs.
type WebhookPayload struct {
	Event        string `json:"event"`
	MessageType  string `json:"message_type"`
	Private      bool   `json:"private"`
	Content      string `json:"content"`
	ID           int64  `json:"id"`
	Conversation struct {
		ID int64 `json:"id"`
	} `json:"conversation"`
	Sender struct {
		Name        string `json:"name"`
		PhoneNumber string `json:"phone_number"`
	} `json:"sender"`
}

// ParseWebhook turns a raw webhook body into a canonical arrival. The second
// return value is false for events the coordinator should not see (outgoing
// echoes, private notes, non-message events).
func ParseWebhook(clientID string, body []byte) (domain.Arrival, bool, error) {
	var p WebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return domain.Arrival{}, false, fmt.Errorf("decode chatwoot webhook: %w", err)
	}

	if p.Event != "message_created" || p.MessageType != "incoming" || p.Private {
		return domain.Arrival{}, false, nil
	}
	text := strings.TrimSpace(p.Content)
	if text == "" {
		return domain.Arrival{}, false, nil
	}

	phone := utils.NormalizePhone(p.Sender.PhoneNumber)
	senderKey := phone
	if senderKey == "" {
		// Widget contacts have no phone; the contact name is the stable
		// fallback within the inbox. Reused names would merge conversations,
		// so Chatwoot inboxes must keep them unique per end user.
		senderKey = strings.TrimSpace(p.Sender.Name)
	}

	return domain.Arrival{
		ClientID:      clientID,
		SenderKey:     senderKey,
		Phone:         phone,
		Text:          text,
		Role:          domain.RoleUser,
		SourceChannel: domain.ChannelChatwoot,
		SourceRef:     fmt.Sprintf("%d", p.Conversation.ID),
		ExternalID:    fmt.Sprintf("chatwoot:%d", p.ID),
	}, true, nil
}
