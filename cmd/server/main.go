package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/tipfolio-app/tipfolio/internal/admin"
	"github.com/tipfolio-app/tipfolio/internal/alerts"
	"github.com/tipfolio-app/tipfolio/internal/config"
	"github.com/tipfolio-app/tipfolio/internal/db"
	"github.com/tipfolio-app/tipfolio/internal/logging"
	mware "github.com/tipfolio-app/tipfolio/internal/middleware"
	"github.com/tipfolio-app/tipfolio/internal/monitoring"
	"github.com/tipfolio-app/tipfolio/internal/payments"
	"github.com/tipfolio-app/tipfolio/internal/purchases"
	"github.com/tipfolio-app/tipfolio/internal/settlement"
	"github.com/tipfolio-app/tipfolio/internal/subscriptions"
	"github.com/tipfolio-app/tipfolio/internal/wallet"
	"github.com/tipfolio-app/tipfolio/internal/withdrawal"
)

func main() {
	logger := logging.NewLoggerWithService("tipfolio")
	config.LoadEnv(logger)

	db.Init()
	alerts.Init()
	defer alerts.Close()
	payments.Init()

	e := echo.New()

	// Basic middleware
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())

	// Health and root routes
	e.GET("/", func(c echo.Context) error {
		return c.JSON(http.StatusOK, echo.Map{"status": "ok", "service": "tipfolio"})
	})
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
	})
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
	})
	e.GET("/ready", func(c echo.Context) error {
		if db.Conn == nil {
			return c.JSON(http.StatusServiceUnavailable, echo.Map{"status": "not_ready", "error": "db not initialized"})
		}
		if err := db.Conn.Ping(context.Background()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, echo.Map{"status": "not_ready", "error": "db unreachable"})
		}
		return c.JSON(http.StatusOK, echo.Map{"status": "ready"})
	})
	e.GET("/metrics", monitoring.Handler())

	// Gateway webhooks are authenticated by signature, not by JWT
	e.POST("/webhooks/stripe", payments.HandleStripeWebhook)

	// Protected routes
	api := e.Group("")
	api.Use(mware.JWTMiddleware)

	api.GET("/wallet/balance", wallet.Balance)
	api.GET("/wallet/ledger", wallet.Ledger)
	api.POST("/wallet/deposit", payments.DepositInit)
	api.POST("/wallet/withdraw", withdrawal.RequestWithdrawal)
	api.GET("/wallet/withdrawals", withdrawal.ListMyWithdrawals)

	api.POST("/tipsters/:id/subscribe", subscriptions.Subscribe)
	api.POST("/tipsters/:id/subscribe/checkout", subscriptions.SubscribeCheckout)
	api.GET("/subscriptions/me", subscriptions.ListMySubscriptions)

	api.POST("/tickets/:id/purchase", purchases.Purchase)
	api.POST("/tickets/:id/purchase/checkout", purchases.PurchaseCheckout)
	api.GET("/purchases/me", purchases.ListMyPurchases)

	api.GET("/notifications", alerts.ListNotifications)
	api.POST("/notifications/:id/read", alerts.MarkNotificationRead)

	// Admin routes
	adminGroup := e.Group("/admin")
	adminGroup.Use(mware.JWTMiddleware)
	adminGroup.Use(mware.AdminGuard)

	adminGroup.GET("/stats", admin.Stats)
	adminGroup.GET("/wallets", admin.ListWallets)
	adminGroup.GET("/ledger/user/:user_id", admin.UserLedger)
	adminGroup.GET("/withdrawals/pending", withdrawal.ListPendingWithdrawals)
	adminGroup.POST("/withdrawals/:id/process", withdrawal.ProcessWithdrawal)

	startMaintenanceLoop(logger)

	// Start server
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	if err := e.Start(":" + port); err != nil {
		logger.Fatalf("server error: %v", err)
	}
}

// startMaintenanceLoop runs the subscription expiry sweep and renewal
// reminders on a fixed interval.
func startMaintenanceLoop(logger logging.Logger) {
	interval := time.Duration(config.GetEnvInt("MAINTENANCE_INTERVAL_SECONDS", 300)) * time.Second
	reminderWindow := time.Duration(config.GetEnvInt("RENEWAL_REMINDER_DAYS", 3)) * 24 * time.Hour
	staleCheckoutAge := time.Duration(config.GetEnvInt("STALE_CHECKOUT_HOURS", 24)) * time.Hour

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for range ticker.C {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)

			if n, err := settlement.ExpireDueSubscriptions(ctx); err != nil {
				logger.WithError(err).Warn("Subscription expiry sweep failed")
			} else if n > 0 {
				logger.WithField("expired", n).Info("Expired lapsed subscriptions")
			}

			if n, err := settlement.CancelStaleCheckouts(ctx, staleCheckoutAge); err != nil {
				logger.WithError(err).Warn("Stale checkout sweep failed")
			} else if n > 0 {
				logger.WithField("cancelled", n).Info("Cancelled abandoned checkouts")
			}

			if n, err := settlement.SendRenewalReminders(ctx, reminderWindow); err != nil {
				logger.WithError(err).Warn("Renewal reminder sweep failed")
			} else if n > 0 {
				logger.WithField("reminded", n).Info("Sent renewal reminders")
			}

			cancel()
		}
	}()
}
