package rest

import (
	"github.com/gofiber/fiber/v2"

	"github.com/lucasvidela/chatburst/coordinator"
	pkgError "github.com/lucasvidela/chatburst/pkg/error"
	"github.com/lucasvidela/chatburst/pkg/utils"
)

type Settle struct {
	Coordinator *coordinator.Coordinator
}

// InitRestSettle mounts the manual settle endpoint. Normally checks arrive
// through the scheduler; this lets an operator force one for a unit whose
// timer was lost or that got stuck settling after a completion failure.
func InitRestSettle(app fiber.Router, coord *coordinator.Coordinator) Settle {
	handler := Settle{Coordinator: coord}
	app.Post("/internal/settle", handler.Run)
	return handler
}

type settleRequest struct {
	UnitID string `json:"unit_id"`
}

func (handler *Settle) Run(c *fiber.Ctx) error {
	var body settleRequest
	if err := c.BodyParser(&body); err != nil {
		panic(pkgError.MalformedArrivalError("invalid JSON body"))
	}
	if body.UnitID == "" {
		panic(pkgError.MalformedArrivalError("unit_id is required"))
	}

	result, err := handler.Coordinator.ForceSettle(c.UserContext(), body.UnitID)
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Settle check executed",
		Results: result,
	})
}
