package rest

import (
	"github.com/gofiber/fiber/v2"

	"github.com/lucasvidela/chatburst/coordinator"
	"github.com/lucasvidela/chatburst/coordinator/domain"
	pkgError "github.com/lucasvidela/chatburst/pkg/error"
	"github.com/lucasvidela/chatburst/pkg/utils"
)

type Arrival struct {
	Coordinator *coordinator.Coordinator
}

func InitRestArrival(app fiber.Router, coord *coordinator.Coordinator) Arrival {
	handler := Arrival{Coordinator: coord}
	app.Post("/arrivals", handler.Create)
	return handler
}

type arrivalRequest struct {
	ClientID      string `json:"client_id"`
	SenderKey     string `json:"sender_key"`
	Phone         string `json:"phone"`
	Text          string `json:"text"`
	Role          string `json:"role"`
	SourceChannel string `json:"source_channel"`
	SourceRef     string `json:"source_ref"`
	ExternalID    string `json:"external_id"`
}

// Create ingests one arrival directly, bypassing the channel adapters. Used
// for system-prompt injection and manual testing.
func (handler *Arrival) Create(c *fiber.Ctx) error {
	var body arrivalRequest
	if err := c.BodyParser(&body); err != nil {
		panic(pkgError.MalformedArrivalError("invalid JSON body"))
	}

	role := domain.Role(body.Role)
	if role == "" {
		role = domain.RoleUser
	}

	result, err := handler.Coordinator.OnArrival(c.UserContext(), domain.Arrival{
		ClientID:      body.ClientID,
		SenderKey:     body.SenderKey,
		Phone:         body.Phone,
		Text:          body.Text,
		Role:          role,
		SourceChannel: body.SourceChannel,
		SourceRef:     body.SourceRef,
		ExternalID:    body.ExternalID,
	})
	utils.PanicIfNeeded(err)

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
