package webhooks

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/settlement/internal/apierr"
	"github.com/mbd888/settlement/internal/auth"
	"github.com/mbd888/settlement/internal/idgen"
	"github.com/mbd888/settlement/internal/logging"
	"github.com/mbd888/settlement/internal/notify"
	"github.com/mbd888/settlement/internal/policy"
	"github.com/mbd888/settlement/internal/validation"
)

// maxPerOwner caps subscriptions per recipient.
const maxPerOwner = 10

// Handler provides HTTP endpoints for webhook management.
type Handler struct {
	store    Store
	validate URLValidator
	now      func() time.Time
}

// NewHandler creates a new webhook handler. validate may be nil to accept any URL.
func NewHandler(store Store, validate URLValidator) *Handler {
	return &Handler{store: store, validate: validate, now: time.Now}
}

// RegisterRoutes sets up webhook routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks", h.Create)
	r.GET("/webhooks", h.List)
	r.DELETE("/webhooks/:id", validation.IDParamMiddleware("id", idgen.PrefixWebhook), h.Delete)
}

// ownerFor maps an actor to the recipient id notifications are addressed to.
func ownerFor(actor policy.Actor) string {
	if actor.IsOperator() {
		return notify.Operators
	}
	return actor.ID
}

// CreateRequest registers an endpoint.
type CreateRequest struct {
	URL   string   `json:"url" binding:"required"`
	Kinds []string `json:"kinds"`
}

// Create handles POST /v1/webhooks
func (h *Handler) Create(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)
	ctx := c.Request.Context()

	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.BadRequest(c, "Invalid request body")
		return
	}

	kinds := make([]notify.Kind, 0, len(req.Kinds))
	for _, k := range req.Kinds {
		kind := notify.Kind(k)
		if !slices.Contains(Kinds, kind) {
			apierr.BadRequest(c, "Unknown notification kind: "+validation.SanitizeString(k, 32))
			return
		}
		if !slices.Contains(kinds, kind) {
			kinds = append(kinds, kind)
		}
	}

	if h.validate != nil {
		if err := h.validate(ctx, req.URL); err != nil {
			apierr.BadRequest(c, "Webhook URL rejected: "+err.Error())
			return
		}
	}

	owner := ownerFor(actor)
	existing, err := h.store.ListByOwner(ctx, owner)
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	if len(existing) >= maxPerOwner {
		c.JSON(http.StatusConflict, gin.H{"error": "limit_reached", "message": "Too many webhooks registered"})
		return
	}

	secret, err := generateSecret()
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	sub := &Subscription{
		ID:        idgen.WithPrefix(idgen.PrefixWebhook),
		OwnerID:   owner,
		URL:       req.URL,
		Secret:    secret,
		Kinds:     kinds,
		Active:    true,
		CreatedAt: h.now().UTC(),
	}
	if err := h.store.Create(ctx, sub); err != nil {
		apierr.Respond(c, err)
		return
	}
	logging.L(ctx).Info("webhook registered", "webhook_id", sub.ID, "owner_id", owner)

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret, // only returned here
		"usage": gin.H{
			"header":    HeaderSignature,
			"signature": "sha256=hex(HMAC-SHA256(body, secret))",
		},
	})
}

// List handles GET /v1/webhooks
func (h *Handler) List(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)

	subs, err := h.store.ListByOwner(c.Request.Context(), ownerFor(actor))
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": subs, "count": len(subs)})
}

// Delete handles DELETE /v1/webhooks/:id
func (h *Handler) Delete(c *gin.Context) {
	actor, _ := auth.ActorFrom(c)
	ctx := c.Request.Context()

	sub, err := h.store.Get(ctx, c.Param("id"))
	if err == nil && sub.OwnerID != ownerFor(actor) {
		// Someone else's webhook looks the same as a missing one.
		err = ErrNotFound
	}
	if err == nil {
		err = h.store.Delete(ctx, sub.ID)
	}
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Webhook not found"})
		return
	}
	if err != nil {
		apierr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
