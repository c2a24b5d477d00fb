// Package wagateway adapts an Evolution-style WhatsApp HTTP gateway: inbound
// webhook events become canonical arrivals, outbound replies go through the
// gateway's sendText endpoint.
package wagateway

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

// Config points at the gateway. The clientID doubles as the gateway instance
// name, matching how instances are provisioned per tenant.
type Config struct {
	BaseURL string
	APIKey  string
}

type Client struct {
	cfg Config
}

func NewClient(cfg Config) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg}
}

// SendText delivers a text message through the gateway instance.
func (c *Client) SendText(ctx context.Context, clientID, phone, text string) error {
	endpoint := fmt.Sprintf("%s/message/sendText/%s", c.cfg.BaseURL, clientID)

	payload, err := json.Marshal(map[string]any{
		"number": phone,
		"text":   text,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.cfg.APIKey)

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway sendText: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("gateway sendText: status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// --- Webhook payload ---

// WebhookPayload is the messages.upsert event shape the gateway posts.
type WebhookPayload struct {
	Event    string `json:"event"`
	Instance string `json:"instance"`
	Data     struct {
		Key struct {
			RemoteJid string `json:"remoteJid"`
			FromMe    bool   `json:"fromMe"`
			ID        string `json:"id"`
		} `json:"key"`
		PushName string `json:"pushName"`
		Message  struct {
			Conversation        string `json:"conversation"`
			ExtendedTextMessage struct {
				Text string `json:"text"`
			} `json:"extendedTextMessage"`
		} `json:"message"`
	} `json:"data"`
}

// ParseWebhook turns a raw gateway webhook into a canonical arrival. Returns
// false for events the coordinator should not see: own messages, groups,
// broadcasts, empty bodies.
func ParseWebhook(clientID string, body []byte) (domain.Arrival, bool, error) {
	var p WebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return domain.Arrival{}, false, fmt.Errorf("decode gateway webhook: %w", err)
	}

	if !strings.EqualFold(p.Event, "messages.upsert") {
		return domain.Arrival{}, false, nil
	}
	jid := p.Data.Key.RemoteJid
	if p.Data.Key.FromMe ||
		strings.HasSuffix(jid, "@g.us") ||
		strings.Contains(jid, "broadcast") {
		return domain.Arrival{}, false, nil
	}

	text := strings.TrimSpace(p.Data.Message.Conversation)
	if text == "" {
		text = strings.TrimSpace(p.Data.Message.ExtendedTextMessage.Text)
	}
	if text == "" {
		return domain.Arrival{}, false, nil
	}

	phone := utils.NormalizePhone(strings.SplitN(jid, "@", 2)[0])
	senderKey := phone
	if senderKey == "" {
		senderKey = strings.TrimSpace(p.Data.PushName)
	}

	return domain.Arrival{
		ClientID:      clientID,
		SenderKey:     senderKey,
		Phone:         phone,
		Text:          text,
		Role:          domain.RoleUser,
		SourceChannel: domain.ChannelWhatsApp,
		ExternalID:    p.Data.Key.ID,
	}, true, nil
}
