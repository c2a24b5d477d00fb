package rest

import (
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/lucasvidela/chatburst/infrastructure/valkey"
	"github.com/lucasvidela/chatburst/pkg/utils"
)

type Health struct {
	DB     *gorm.DB
	Valkey *valkey.Client // nil when dedupe guard is disabled
}

func InitRestHealth(app fiber.Router, db *gorm.DB, vk *valkey.Client) Health {
	handler := Health{DB: db, Valkey: vk}
	app.Get("/health", handler.GetStatus)
	return handler
}

func (h *Health) GetStatus(c *fiber.Ctx) error {
	status := 200
	results := map[string]any{
		"database": "ok",
	}

	if h.DB != nil {
		if sqlDB, err := h.DB.DB(); err != nil || sqlDB.PingContext(c.UserContext()) != nil {
			results["database"] = "down"
			status = 503
		}
	} else {
		results["database"] = "memory"
	}

	if h.Valkey != nil {
		if h.Valkey.IsConnected() {
			results["valkey"] = "ok"
		} else {
			results["valkey"] = "down"
			// Valkey only dedupes settle checks; its loss is degraded, not fatal.
		}
	}

	code := "SUCCESS"
	if status != 200 {
		code = "UNHEALTHY"
	}
	return c.Status(status).JSON(utils.ResponseData{
		Status:  status,
		Code:    code,
		Message: "Health status retrieved",
		Results: results,
	})
}
