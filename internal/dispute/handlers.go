package dispute

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/settlement/internal/apierr"
	"github.com/mbd888/settlement/internal/auth"
	"github.com/mbd888/settlement/internal/idgen"
	"github.com/mbd888/settlement/internal/validation"
)

// Handler provides HTTP endpoints for disputes.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up dispute routes. The group must carry the auth middleware.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/disputes", h.Open)

	disputes := r.Group("/disputes/:id", validation.IDParamMiddleware("id", idgen.PrefixDispute))
	disputes.GET("", h.Get)
	disputes.PATCH("/resolve", h.Resolve)
	disputes.PATCH("/cancel", h.Cancel)

	orders := r.Group("/orders/:id", validation.IDParamMiddleware("id", idgen.PrefixOrder))
	orders.GET("/refund-eligibility", h.CheckRefundEligibility)
	orders.GET("/disputes", h.ListByOrder)
}

// Open handles POST /v1/disputes
func (h *Handler) Open(c *gin.Context) {
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.BadRequest(c, "Invalid request body")
		return
	}
	actor, _ := auth.ActorFrom(c)

	d, err := h.service.Open(c.Request.Context(), actor, req)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// Get handles GET /v1/disputes/:id
func (h *Handler) Get(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)

	d, err := h.service.Get(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Resolve handles PATCH /v1/disputes/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.BadRequest(c, "Invalid request body")
		return
	}
	actor, _ := auth.ActorFrom(c)

	res, err := h.service.Resolve(c.Request.Context(), actor, c.Param("id"), req)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Cancel handles PATCH /v1/disputes/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)

	d, err := h.service.Cancel(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// CheckRefundEligibility handles GET /v1/orders/:id/refund-eligibility
func (h *Handler) CheckRefundEligibility(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)

	el, err := h.service.CheckRefundEligibility(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, el)
}

// ListByOrder handles GET /v1/orders/:id/disputes
func (h *Handler) ListByOrder(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)

	disputes, err := h.service.ListByOrder(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": disputes, "count": len(disputes)})
}
