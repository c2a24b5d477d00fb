// Package completion turns a settled burst into a bot reply: it invokes the
// language model and routes the answer back out the channel the burst came
// from.
package completion

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/lucasvidela/chatburst/coordinator/domain"
)

// GatewaySender delivers outbound text through the WhatsApp gateway.
type GatewaySender interface {
	SendText(ctx context.Context, clientID, phone, text string) error
}

// ChatwootSender posts an outgoing message into a Chatwoot conversation.
type ChatwootSender interface {
	CreateMessage(ctx context.Context, conversationRef, content string) error
}

// Responder routes a generated reply to the conversation's source channel.
// Either sender may be nil when the deployment does not serve that channel.
type Responder struct {
	gateway  GatewaySender
	chatwoot ChatwootSender
}

func NewResponder(gateway GatewaySender, chatwoot ChatwootSender) *Responder {
	return &Responder{gateway: gateway, chatwoot: chatwoot}
}

func (r *Responder) Reply(ctx context.Context, conv domain.Conversation, sourceRef, text string) error {
	switch conv.SourceChannel {
	case domain.ChannelWhatsApp:
		if r.gateway == nil {
			return fmt.Errorf("no gateway sender configured for conversation %s", conv.ID)
		}
		return r.gateway.SendText(ctx, conv.ClientID, conv.Phone, text)
	case domain.ChannelChatwoot:
		if r.chatwoot == nil {
			return fmt.Errorf("no chatwoot sender configured for conversation %s", conv.ID)
		}
		if sourceRef == "" {
			return fmt.Errorf("conversation %s has no chatwoot reply target", conv.ID)
		}
		return r.chatwoot.CreateMessage(ctx, sourceRef, text)
	case domain.ChannelAPI:
		// Generic API callers poll the conversation; the stored assistant
		// message is the reply.
		logrus.WithField("conversation_id", conv.ID).Debug("[COMPLETION] API conversation, reply stored only")
		return nil
	default:
		return fmt.Errorf("unknown source channel %q for conversation %s", conv.SourceChannel, conv.ID)
	}
}
