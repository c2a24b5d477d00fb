package rest

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/lucasvidela/chatburst/coordinator"
	"github.com/lucasvidela/chatburst/integrations/chatwoot"
	"github.com/lucasvidela/chatburst/integrations/wagateway"
	pkgError "github.com/lucasvidela/chatburst/pkg/error"
	"github.com/lucasvidela/chatburst/pkg/utils"
)

type Webhook struct {
	Coordinator *coordinator.Coordinator
}

// InitRestWebhook mounts the per-channel webhook receivers. These live outside
// the authenticated /api group: the upstream platforms sign nothing useful, so
// the clientId path segment plus network policy is the trust boundary.
func InitRestWebhook(app fiber.Router, coord *coordinator.Coordinator) Webhook {
	handler := Webhook{Coordinator: coord}
	app.Post("/webhooks/wagateway/:clientId", handler.Wagateway)
	app.Post("/webhooks/chatwoot/:clientId", handler.Chatwoot)
	return handler
}

// Wagateway receives messages.upsert events from the WhatsApp gateway.
func (handler *Webhook) Wagateway(c *fiber.Ctx) error {
	clientID := c.Params("clientId")

	arrival, ok, err := wagateway.ParseWebhook(clientID, c.Body())
	if err != nil {
		panic(pkgError.MalformedArrivalError(err.Error()))
	}
	if !ok {
		// Own messages, groups, broadcasts, non-message events.
		return c.JSON(utils.ResponseData{
			Status:  200,
			Code:    "SKIPPED",
			Message: "Event ignored",
		})
	}

	result, err := handler.Coordinator.OnArrival(c.UserContext(), arrival)
	utils.PanicIfNeeded(err)

	logrus.WithFields(logrus.Fields{
		"client_id": clientID,
		"unit_id":   result.UnitID,
	}).Debug("[WEBHOOK] Gateway arrival accepted")

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Arrival accepted",
		Results: map[string]any{
			"unit_id":     result.UnitID,
			"was_created": result.WasCreated,
		},
	})
}

// Chatwoot receives message_created events from Chatwoot.
func (handler *Webhook) Chatwoot(c *fiber.Ctx) error {
	clientID := c.Params("clientId")

	arrival, ok, err := chatwoot.ParseWebhook(clientID, c.Body())
	if err != nil {
		panic(pkgError.MalformedArrivalError(err.Error()))
	}
	if !ok {
		// Outgoing echoes, private notes, non-message events.
		return c.JSON(utils.ResponseData{
			Status:  200,
			Code:    "SKIPPED",
			Message: "Event ignored",
		})
	}

	result, err := handler.Coordinator.OnArrival(c.UserContext(), arrival)
	utils.PanicIfNeeded(err)

	logrus.WithFields(logrus.Fields{
		"client_id": clientID,
		"unit_id":   result.UnitID,
	}).Debug("[WEBHOOK] Chatwoot arrival accepted")

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Arrival accepted",
		Results: map[string]any{
			"unit_id":     result.UnitID,
			"was_created": result.WasCreated,
		},
	})
}
