package dlqadmin

import (
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"imovelbot/internal/executions"
	"imovelbot/internal/faults"
	"imovelbot/internal/stream"
)

// RegisterRoutes mounts the operator endpoints under /admin, all gated
// by the bearer admin token.
func RegisterRoutes(app *fiber.App, service *Service, archive *executions.Store, adminToken, group string, logger *zap.Logger) {
	admin := app.Group("/admin", bearerAuth(adminToken, logger))

	admin.Get("/dlq", listHandler(service))
	admin.Get("/dlq/stats", statsHandler(service, group))
	admin.Get("/dlq/analyze", analyzeHandler(service))
	admin.Get("/dlq/:id", getHandler(service))
	admin.Post("/dlq/:id/reprocess", reprocessHandler(service))
	admin.Post("/dlq/reprocess", bulkReprocessHandler(service))
	admin.Delete("/dlq", purgeHandler(service))

	if archive != nil {
		admin.Get("/executions/:conversation", executionsHandler(archive))
	}
}

func bearerAuth(token string, logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if token == "" {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"error": "admin endpoints disabled: no admin token configured",
			})
		}
		presented, _ := strings.CutPrefix(c.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			logger.Warn("admin auth rejected", zap.String("ip", c.IP()), zap.String("path", c.Path()))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
		}
		return c.Next()
	}
}

func listHandler(service *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		filter := ListFilter{
			Kind:     c.Query("kind"),
			Category: c.Query("category"),
			Limit:    int64(c.QueryInt("limit", 100)),
		}
		if v := c.Query("from"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return badRequest(c, "from must be RFC3339")
			}
			filter.From = t
		}
		if v := c.Query("to"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return badRequest(c, "to must be RFC3339")
			}
			filter.To = t
		}

		entries, err := service.List(c.UserContext(), filter)
		if err != nil {
			return serviceError(c, err)
		}
		if entries == nil {
			entries = []stream.DeadEntry{}
		}
		return c.JSON(fiber.Map{"entries": entries, "count": len(entries)})
	}
}

func getHandler(service *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		entry, err := service.Get(c.UserContext(), c.Params("id"))
		if err != nil {
			return serviceError(c, err)
		}
		return c.JSON(entry)
	}
}

type reprocessRequest struct {
	TargetQueue string `json:"target_queue"`
	ResetRetry  bool   `json:"reset_retry"`
}

func reprocessHandler(service *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req reprocessRequest
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&req); err != nil {
				return badRequest(c, "invalid request body")
			}
		}
		newID, err := service.Reprocess(c.UserContext(), c.Params("id"), req.TargetQueue, req.ResetRetry)
		if err != nil {
			return serviceError(c, err)
		}
		return c.JSON(fiber.Map{"reprocessed": true, "new_stream_id": newID})
	}
}

type bulkReprocessRequest struct {
	IDs         []string `json:"ids"`
	TargetQueue string   `json:"target_queue"`
	ResetRetry  bool     `json:"reset_retry"`
}

func bulkReprocessHandler(service *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req bulkReprocessRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid request body")
		}
		if len(req.IDs) == 0 {
			return badRequest(c, "ids must be non-empty")
		}
		if len(req.IDs) > 100 {
			return badRequest(c, "at most 100 ids per batch")
		}
		outcomes := service.BulkReprocess(c.UserContext(), req.IDs, req.TargetQueue, req.ResetRetry)
		succeeded := 0
		for _, o := range outcomes {
			if o.Success {
				succeeded++
			}
		}
		return c.JSON(fiber.Map{"outcomes": outcomes, "succeeded": succeeded, "failed": len(outcomes) - succeeded})
	}
}

func purgeHandler(service *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		days := c.QueryInt("older_than_days", 7)
		purged, err := service.Purge(c.UserContext(), days)
		if err != nil {
			return serviceError(c, err)
		}
		return c.JSON(fiber.Map{"purged": purged, "older_than_days": days})
	}
}

func analyzeHandler(service *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		analysis, err := service.Analyze(c.UserContext(), c.QueryInt("hours_back", 24))
		if err != nil {
			return serviceError(c, err)
		}
		return c.JSON(analysis)
	}
}

func statsHandler(service *Service, group string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		stats, err := service.Stats(c.UserContext(), group)
		if err != nil {
			return serviceError(c, err)
		}
		return c.JSON(stats)
	}
}

func executionsHandler(archive *executions.Store) fiber.Handler {
	return func(c *fiber.Ctx) error {
		records, err := archive.ListByConversation(c.UserContext(), c.Params("conversation"), c.QueryInt("limit", 20))
		if err != nil {
			return serviceError(c, err)
		}
		if records == nil {
			records = []executions.Record{}
		}
		return c.JSON(fiber.Map{"executions": records, "count": len(records)})
	}
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
}

func serviceError(c *fiber.Ctx, err error) error {
	var fe *faults.Error
	status := fiber.StatusInternalServerError
	if errors.As(err, &fe) {
		switch fe.Kind {
		case faults.KindValidation:
			status = fiber.StatusBadRequest
		case faults.KindNotFound:
			status = fiber.StatusNotFound
		case faults.KindConnection, faults.KindTimeout:
			status = fiber.StatusServiceUnavailable
		}
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}
