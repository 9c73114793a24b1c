package listing

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mwalcott/unibazaar/internal/auth"
	"github.com/mwalcott/unibazaar/internal/trust"
	"github.com/mwalcott/unibazaar/internal/validation"
)

// Handlers exposes the listing HTTP API.
type Handlers struct {
	service *Service
}

// NewHandlers creates listing handlers.
func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// RegisterRoutes registers listing routes on an authenticated group.
func (h *Handlers) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/listings", h.create)
	r.GET("/listings", h.browse)
	r.GET("/listings/:id", h.get)
	r.POST("/listings/:id/events", h.applyEvent)
	r.GET("/users/:id/listings", h.listByOwner)
}

func (h *Handlers) create(c *gin.Context) {
	var in CreateInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	l, err := h.service.Create(c.Request.Context(), auth.ActorID(c), in)
	if err != nil {
		respondListingError(c, err)
		return
	}
	c.JSON(http.StatusCreated, l)
}

type eventInput struct {
	Event string `json:"event" binding:"required"`
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
	l, err := h.service.ApplyEvent(c.Request.Context(), c.Param("id"), event, auth.ActorID(c))
	if err != nil {
		respondListingError(c, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

func (h *Handlers) get(c *gin.Context) {
	l, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondListingError(c, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

func (h *Handlers) browse(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	ls, err := h.service.Browse(c.Request.Context(), c.Query("category"), limit)
	if err != nil {
		respondListingError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"listings": ls, "count": len(ls)})
}

func (h *Handlers) listByOwner(c *gin.Context) {
	ls, err := h.service.ListByOwner(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondListingError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"listings": ls, "count": len(ls)})
}

func respondListingError(c *gin.Context, err error) {
	var verrs validation.Errors
	switch {
	case errors.Is(err, ErrListingNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.As(err, &verrs):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation", "message": verrs.Error(), "fields": verrs})
	case errors.Is(err, ErrUnknownEvent):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, trust.ErrRestricted):
		c.JSON(http.StatusForbidden, gin.H{"error": "restricted", "message": err.Error()})
	case errors.Is(err, ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_transition", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": err.Error()})
	}
}
