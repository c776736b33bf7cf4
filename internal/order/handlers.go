package order

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/settlement/internal/apierr"
	"github.com/mbd888/settlement/internal/auth"
	"github.com/mbd888/settlement/internal/idgen"
	"github.com/mbd888/settlement/internal/ledger"
	"github.com/mbd888/settlement/internal/validation"
)

// Handler provides HTTP endpoints for orders.
type Handler struct {
	service *Service
}

// NewHandler creates a new order handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up order routes. The group must carry the auth middleware.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.Place)

	orders := r.Group("/orders/:id", validation.IDParamMiddleware("id", idgen.PrefixOrder))
	orders.GET("", h.Get)
	orders.GET("/history", h.History)
	orders.GET("/refund-attempts", h.RefundAttempts)
	orders.POST("/payment", h.RecordPayment)
	orders.POST("/confirm", h.Confirm)
	orders.POST("/delivery", h.AdvanceDelivery)
	orders.POST("/confirm-receipt", h.ConfirmReceipt)
	orders.POST("/cancel", h.Cancel)
}

// Place handles POST /v1/orders
func (h *Handler) Place(c *gin.Context) {
	var req PlaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.BadRequest(c, "Invalid request body")
		return
	}
	actor, _ := auth.ActorFrom(c)

	o, err := h.service.Place(c.Request.Context(), actor, req)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"order": o})
}

// Get handles GET /v1/orders/:id
func (h *Handler) Get(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)

	o, err := h.service.Get(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// History handles GET /v1/orders/:id/history
func (h *Handler) History(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)

	history, err := h.service.History(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": history, "count": len(history)})
}

// RefundAttempts handles GET /v1/orders/:id/refund-attempts
func (h *Handler) RefundAttempts(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)

	attempts, err := h.service.RefundAttempts(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"attempts": attempts, "count": len(attempts)})
}

// RecordPaymentRequest is the body of POST /v1/orders/:id/payment.
type RecordPaymentRequest struct {
	PaymentID string `json:"paymentId" binding:"required"`
	Succeeded bool   `json:"succeeded"`
}

// RecordPayment handles POST /v1/orders/:id/payment
func (h *Handler) RecordPayment(c *gin.Context) {
	var req RecordPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.BadRequest(c, "paymentId is required")
		return
	}
	actor, _ := auth.ActorFrom(c)

	o, err := h.service.RecordPayment(c.Request.Context(), actor, c.Param("id"), req.PaymentID, req.Succeeded)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// Confirm handles POST /v1/orders/:id/confirm
func (h *Handler) Confirm(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)

	o, err := h.service.Confirm(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// DeliveryRequest is the body of POST /v1/orders/:id/delivery.
type DeliveryRequest struct {
	Status ledger.OrderStatus `json:"status" binding:"required"`
}

// AdvanceDelivery handles POST /v1/orders/:id/delivery
func (h *Handler) AdvanceDelivery(c *gin.Context) {
	var req DeliveryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.BadRequest(c, "status is required")
		return
	}
	actor, _ := auth.ActorFrom(c)

	o, err := h.service.AdvanceDelivery(c.Request.Context(), actor, c.Param("id"), req.Status)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// ConfirmReceipt handles POST /v1/orders/:id/confirm-receipt
func (h *Handler) ConfirmReceipt(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)

	res, err := h.service.ConfirmReceipt(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// CancelRequest is the body of POST /v1/orders/:id/cancel.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// Cancel handles POST /v1/orders/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req CancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			apierr.BadRequest(c, "Invalid request body")
			return
		}
	}
	actor, _ := auth.ActorFrom(c)

	o, err := h.service.Cancel(c.Request.Context(), actor, c.Param("id"), req.Reason)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}
