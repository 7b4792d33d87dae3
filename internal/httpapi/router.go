package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/chatgate/internal/common"
	"github.com/suPer8Hu/chatgate/internal/httpapi/handlers"
	"github.com/suPer8Hu/chatgate/internal/httpapi/middleware"
)

func NewRouter(h *handlers.Handler, jwtSecret, adminKeyHash string) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.RequestID())
	r.Use(middleware.AccessLog())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.GET("/ping", h.Ping)
	r.GET("/plans", h.ListPlans)
	r.POST("/webhooks/payments", h.PaymentWebhook)

	// chat (JWT required)
	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(jwtSecret))
	authGroup.POST("/chat/messages", h.SendChatMessage)
	authGroup.POST("/chat/reset", h.ResetChat)
	authGroup.GET("/entitlements/me", h.GetEntitlement)
	authGroup.POST("/payments", h.CreatePayment)
	authGroup.POST("/payments/:payment_id/confirm", h.ConfirmPayment)

	admin := r.Group("/admin")
	admin.Use(middleware.AdminRequired(adminKeyHash))
	admin.POST("/tokens", h.IssueToken)
	admin.POST("/entitlements/:chat_id/credit", h.CreditEntitlement)
	return r
}
