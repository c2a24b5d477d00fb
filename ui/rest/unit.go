package rest

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/lucasvidela/chatburst/coordinator/domain"
	pkgError "github.com/lucasvidela/chatburst/pkg/error"
	"github.com/lucasvidela/chatburst/pkg/utils"
)

type Unit struct {
	Units domain.UnitRepository
}

func InitRestUnit(app fiber.Router, units domain.UnitRepository) Unit {
	handler := Unit{Units: units}

	group := app.Group("/units")
	group.Get("/active", handler.GetActive)
	group.Get("/:id", handler.GetByID)
	group.Post("/:id/supersede", handler.Supersede)

	return handler
}

// GetActive returns the open or settling unit for a sender, if any.
func (handler *Unit) GetActive(c *fiber.Ctx) error {
	clientID := c.Query("client_id")
	senderKey := c.Query("sender_key")
	if clientID == "" || senderKey == "" {
		panic(pkgError.MalformedArrivalError("client_id and sender_key are required"))
	}

	unit, err := handler.Units.FindActive(c.UserContext(), clientID, senderKey)
	if errors.Is(err, domain.ErrUnitNotFound) {
		panic(pkgError.NotFoundError("No active unit for sender"))
	}
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Active unit retrieved",
		Results: unit,
	})
}

func (handler *Unit) GetByID(c *fiber.Ctx) error {
	unit, err := handler.Units.GetByID(c.UserContext(), c.Params("id"))
	if errors.Is(err, domain.ErrUnitNotFound) {
		panic(pkgError.NotFoundError("Unit not found"))
	}
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Unit retrieved",
		Results: unit,
	})
}

// Supersede abandons a stuck unit so the sender's next arrival opens a fresh
// burst. Operator escape hatch for units wedged by repeated completion
// failures.
func (handler *Unit) Supersede(c *fiber.Ctx) error {
	unit, err := handler.Units.Supersede(c.UserContext(), c.Params("id"), time.Now().UTC())
	if errors.Is(err, domain.ErrUnitNotFound) {
		panic(pkgError.NotFoundError("Unit not found"))
	}
	if errors.Is(err, domain.ErrStaleUnit) {
		panic(pkgError.MalformedArrivalError("Unit is not active"))
	}
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Unit superseded",
		Results: unit,
	})
}
