package exchange

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mwalcott/unibazaar/internal/auth"
	"github.com/mwalcott/unibazaar/internal/listing"
	"github.com/mwalcott/unibazaar/internal/trust"
	"github.com/mwalcott/unibazaar/internal/users"
	"github.com/mwalcott/unibazaar/internal/validation"
)

// Handlers exposes the exchange request HTTP API.
type Handlers struct {
	coordinator *Coordinator
}

// NewHandlers creates exchange handlers.
func NewHandlers(coordinator *Coordinator) *Handlers {
	return &Handlers{coordinator: coordinator}
}

// RegisterRoutes registers request routes on an authenticated group.
func (h *Handlers) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/requests", h.create)
	r.GET("/requests/:id", h.get)
	r.POST("/requests/:id/events", h.applyEvent)
	r.GET("/users/:id/requests", h.listForUser)
}

type createInput struct {
	ListingID string `json:"listingId" binding:"required"`
	Message   string `json:"message"`
}

func (h *Handlers) create(c *gin.Context) {
	var in createInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	r, err := h.coordinator.CreateRequest(c.Request.Context(), in.ListingID, auth.ActorID(c), in.Message)
	if err != nil {
		respondRequestError(c, err)
		return
	}
	c.JSON(http.StatusCreated, r)
}

type eventInput struct {
	Event string `json:"event" binding:"required"`
	// IdempotencyKey may also arrive as the Idempotency-Key header.
	IdempotencyKey string `json:"idempotencyKey"`
}

func (h *Handlers) applyEvent(c *gin.Context) {
	var in eventInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	event, err := ParseEvent(in.Event)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	key := in.IdempotencyKey
	if key == "" {
		key = c.GetHeader("Idempotency-Key")
	}
	r, err := h.coordinator.ApplyEvent(c.Request.Context(), c.Param("id"), event, auth.ActorID(c), key)
	if err != nil {
		respondRequestError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *Handlers) get(c *gin.Context) {
	r, err := h.coordinator.Get(c.Request.Context(), c.Param("id"), auth.ActorID(c))
	if err != nil {
		respondRequestError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *Handlers) listForUser(c *gin.Context) {
	userID := c.Param("id")
	if userID != auth.ActorID(c) && auth.ActorRole(c) != string(users.RoleAdmin) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "can only view your own requests"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	rs, err := h.coordinator.ListForUser(c.Request.Context(), userID, limit)
	if err != nil {
		respondRequestError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": rs, "count": len(rs)})
}

func respondRequestError(c *gin.Context, err error) {
	var verrs validation.Errors
	switch {
	case errors.Is(err, ErrRequestNotFound), errors.Is(err, listing.ErrListingNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.As(err, &verrs):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation", "message": verrs.Error(), "fields": verrs})
	case errors.Is(err, ErrUnknownEvent), errors.Is(err, ErrSelfRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, trust.ErrRestricted):
		c.JSON(http.StatusForbidden, gin.H{"error": "restricted", "message": err.Error()})
	case errors.Is(err, ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_transition", "message": err.Error()})
	case errors.Is(err, ErrBusy):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusConflict, gin.H{"error": "busy", "message": err.Error(), "retryable": true})
	case errors.Is(err, ErrConflict), errors.Is(err, ErrListingClosed):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": err.Error()})
	}
}
