// handlers/referral_routes.go
package handlers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"confio-referral-engine/chain"
	"confio-referral-engine/middleware"
	"confio-referral-engine/models"
	"confio-referral-engine/services"
)

// SetupReferralRoutes registers the trigger, admin and user-facing routes.
// Everything sits behind the global gateway token; user routes additionally
// require the gateway-injected user context.
func SetupReferralRoutes(app *fiber.App, dispatcher *services.Dispatcher, referrals *services.ReferralService, ledger *services.LedgerService, vault chain.Vault, db *gorm.DB) {

	// --- Internal triggers (service-to-service) ---

	app.Post("/internal/triggers/first-transaction", func(c *fiber.Ctx) error {
		var req struct {
			UserID string `json:"user_id"`
		}
		if err := c.BodyParser(&req); err != nil || req.UserID == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "user_id is required"})
		}
		if err := dispatcher.OnUserFirstSettledTransaction(c.Context(), req.UserID); err != nil {
			if errors.Is(err, services.ErrDeferred) {
				return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "deferred"})
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "trigger failed", "cause": err.Error()})
		}
		return c.JSON(fiber.Map{"status": "ok"})
	})

	app.Post("/internal/webhooks/claim", func(c *fiber.Ctx) error {
		var req struct {
			Address string `json:"address"`
			TxID    string `json:"tx_id"`
		}
		if err := c.BodyParser(&req); err != nil || req.Address == "" || req.TxID == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "address and tx_id are required"})
		}
		if err := dispatcher.OnClaimWebhook(c.Context(), req.Address, req.TxID); err != nil {
			if errors.Is(err, services.ErrDeferred) {
				return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "deferred"})
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "claim webhook failed", "cause": err.Error()})
		}
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// --- Admin ---

	admin := app.Group("/admin", middleware.UserContextMiddleware(), middleware.RequireRole("admin"))

	admin.Post("/referrals/:id/deactivate", func(c *fiber.Ctx) error {
		var req struct {
			Reason string `json:"reason"`
		}
		if err := c.BodyParser(&req); err != nil || req.Reason == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "reason is required"})
		}
		if err := dispatcher.OnAdminMarkInactive(c.Context(), c.Params("id"), req.Reason); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "referral not found"})
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "deactivation failed", "cause": err.Error()})
		}
		return c.JSON(fiber.Map{"status": "inactive"})
	})

	admin.Post("/referrals/:id/retry", func(c *fiber.Ctx) error {
		var req struct {
			Role models.RewardRole `json:"role"`
		}
		if err := c.BodyParser(&req); err != nil || (req.Role != models.RoleReferee && req.Role != models.RoleReferrer) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "role must be referee or referrer"})
		}
		if err := dispatcher.OnManualRetry(c.Context(), c.Params("id"), req.Role); err != nil {
			if errors.Is(err, services.ErrIllegalTransition) {
				return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
			}
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "referral not found"})
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "retry failed", "cause": err.Error()})
		}
		return c.JSON(fiber.Map{"status": "pending"})
	})

	admin.Post("/vault/fund", func(c *fiber.Ctx) error {
		var req struct {
			AmountConfio string `json:"amount_confio"`
		}
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
		}
		amount, err := decimal.NewFromString(req.AmountConfio)
		if err != nil || !amount.IsPositive() {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "amount_confio must be a positive decimal"})
		}
		txID, err := vault.SubmitFund(c.Context(), chain.ToMicroConfio(amount))
		if err != nil {
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "fund submission failed", "cause": err.Error()})
		}
		return c.JSON(fiber.Map{"tx_id": txID})
	})

	// --- User-facing (wallet UI) ---

	secured := app.Group("/user", middleware.UserContextMiddleware())

	secured.Get("/referral", func(c *fiber.Ctx) error {
		userID := c.Locals("user_id").(string)
		ref, found, err := referrals.FindByReferee(userID)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error fetching referral", "cause": err.Error()})
		}
		if !found {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no referral for user"})
		}
		return c.JSON(ref)
	})

	secured.Get("/reward-events", func(c *fiber.Ctx) error {
		userID := c.Locals("user_id").(string)
		since := time.Time{}
		if raw := c.Query("since"); raw != "" {
			parsed, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "since must be RFC3339"})
			}
			since = parsed
		}

		events := make([]models.ReferralRewardEvent, 0, 16)
		err := ledger.StreamForUser(userID, since, func(ev models.ReferralRewardEvent) error {
			events = append(events, ev)
			return nil
		})
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error streaming events", "cause": err.Error()})
		}
		return c.JSON(fiber.Map{"events": events})
	})

	// --- Health ---

	app.Get("/healthz", func(c *fiber.Ctx) error {
		var hb models.ReconcilerHeartbeat
		status := "ok"
		if err := db.Where("id = ?", 1).First(&hb).Error; err != nil {
			status = "reconciler has not ticked yet"
		} else if time.Since(hb.LastTickAt) > 5*time.Minute {
			status = "reconciler stale"
		}
		return c.JSON(fiber.Map{
			"status":       status,
			"last_tick_at": hb.LastTickAt,
			"last_ok_at":   hb.LastOKAt,
		})
	})
}
