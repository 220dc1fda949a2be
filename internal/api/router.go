// Package api contains the HTTP handlers and routing for the billing service.
package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter configures the Gin router with all routes and middleware.
func SetupRouter(handler *Handler, ginMode string) *gin.Engine {
	gin.SetMode(ginMode)

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(CORSMiddleware())
	router.Use(RequestIDMiddleware())

	// Operational endpoints (no auth required)
	router.GET("/health", handler.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1 routes
	v1 := router.Group("/api/v1")
	v1.Use(ClientIdentityMiddleware())
	{
		v1.GET("/gateways", handler.ListGateways)

		invoices := v1.Group("/invoices")
		{
			invoices.POST("", handler.CreateInvoice)
			invoices.GET("/:id", handler.GetInvoice)
			invoices.POST("/:id/pay", handler.PayInvoice)
			invoices.POST("/:id/retry", handler.RetryInvoice)
			invoices.POST("/:id/cancel", handler.CancelInvoice)
			invoices.GET("/:id/payout", handler.GetPayout)
		}

		v1.POST("/orders/:ref/capture", handler.CaptureOrder)
	}

	// The browser return from checkout carries no client identity, and the
	// webhook endpoint is called by the providers themselves. Neither goes
	// through the identity middleware; webhooks are authenticated by their
	// signatures instead.
	router.GET("/api/v1/payments/return", handler.HandleReturn)
	router.POST("/webhooks/:provider", handler.HandleWebhook)

	return router
}
