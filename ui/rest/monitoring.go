package rest

import (
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v2"

	"github.com/lucasvidela/chatburst/pkg/msgworker"
	"github.com/lucasvidela/chatburst/pkg/utils"
)

type Monitoring struct {
	Pool *msgworker.Pool
}

func InitRestMonitoring(app fiber.Router, pool *msgworker.Pool) Monitoring {
	handler := Monitoring{Pool: pool}

	group := app.Group("/monitoring")
	group.Get("/workers", handler.GetWorkerPoolStats)

	return handler
}

// GetWorkerPoolStats returns real-time worker pool statistics.
func (handler *Monitoring) GetWorkerPoolStats(c *fiber.Ctx) error {
	stats := handler.Pool.GetStats()
	started := time.Now().Add(-handler.Pool.Uptime())

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Worker pool stats retrieved",
		Results: map[string]any{
			"pool":    stats,
			"started": humanize.Time(started),
		},
	})
}
