package escrow

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/settlement/internal/apierr"
	"github.com/mbd888/settlement/internal/auth"
	"github.com/mbd888/settlement/internal/idgen"
	"github.com/mbd888/settlement/internal/ledger"
	"github.com/mbd888/settlement/internal/pagination"
	"github.com/mbd888/settlement/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up escrow routes. All of them require an actor;
// listing and release are further restricted by the capability table.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrow/order/:id", validation.IDParamMiddleware("id", idgen.PrefixOrder), h.GetByOrder)
	r.GET("/escrow/pending", h.ListPending)
	r.GET("/escrow/failed", h.ListFailed)
	r.POST("/escrow/:id/release", validation.IDParamMiddleware("id", idgen.PrefixEscrow), h.Release)
	r.POST("/escrow/:id/retry", validation.IDParamMiddleware("id", idgen.PrefixEscrow), h.Retry)
}

// GetByOrder handles GET /v1/escrow/order/:id
func (h *Handler) GetByOrder(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)

	e, err := h.service.GetByOrder(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// ListPending handles GET /v1/escrow/pending
func (h *Handler) ListPending(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)

	page, err := h.service.ListPending(c.Request.Context(), actor, c.Query("cursor"), limitParam(c))
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	respondPage(c, page)
}

// ListFailed handles GET /v1/escrow/failed
func (h *Handler) ListFailed(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)

	page, err := h.service.ListFailed(c.Request.Context(), actor, c.Query("cursor"), limitParam(c))
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	respondPage(c, page)
}

// Release handles POST /v1/escrow/:id/release
func (h *Handler) Release(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)

	e, err := h.service.ManualRelease(c.Request.Context(), actor, c.Param("id"))
	respondSettlement(c, e, err)
}

// Retry handles POST /v1/escrow/:id/retry
func (h *Handler) Retry(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)

	e, err := h.service.RetryRelease(c.Request.Context(), actor, c.Param("id"))
	respondSettlement(c, e, err)
}

// respondSettlement reports an idempotent repeat as success.
func respondSettlement(c *gin.Context, e *ledger.Escrow, err error) {
	if errors.Is(err, ledger.ErrAlreadyProcessed) {
		c.JSON(http.StatusOK, gin.H{"escrow": e, "alreadyProcessed": true})
		return
	}
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

func respondPage(c *gin.Context, page *Page) {
	resp := gin.H{"escrows": page.Escrows, "count": len(page.Escrows), "hasMore": page.HasMore}
	if page.NextCursor != "" {
		resp["nextCursor"] = page.NextCursor
	}
	c.JSON(http.StatusOK, resp)
}

func limitParam(c *gin.Context) int {
	return pagination.Limit(c.Query("limit"))
}
