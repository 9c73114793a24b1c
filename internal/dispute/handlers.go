package dispute

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mwalcott/unibazaar/internal/auth"
	"github.com/mwalcott/unibazaar/internal/trust"
	"github.com/mwalcott/unibazaar/internal/users"
	"github.com/mwalcott/unibazaar/internal/validation"
)

// Handlers exposes the dispute HTTP API.
type Handlers struct {
	service *Service
}

// NewHandlers creates dispute handlers.
func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// RegisterRoutes registers member dispute routes on an authenticated group.
func (h *Handlers) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/disputes", h.create)
	r.GET("/disputes/:id", h.get)
	r.GET("/users/:id/disputes", h.listInvolving)
}

// RegisterAdminRoutes registers the adjudication routes on the admin group.
func (h *Handlers) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/disputes", h.listOpen)
	r.POST("/disputes/:id/review", h.review)
	r.POST("/disputes/:id/resolve", h.resolve)
}

func (h *Handlers) create(c *gin.Context) {
	var in CreateInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	d, err := h.service.Create(c.Request.Context(), auth.ActorID(c), in)
	if err != nil {
		respondDisputeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

func (h *Handlers) get(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"), auth.ActorID(c))
	if err != nil {
		respondDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *Handlers) listInvolving(c *gin.Context) {
	userID := c.Param("id")
	if userID != auth.ActorID(c) && auth.ActorRole(c) != string(users.RoleAdmin) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "can only view your own disputes"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	ds, err := h.service.ListInvolving(c.Request.Context(), userID, limit)
	if err != nil {
		respondDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": ds, "count": len(ds)})
}

func (h *Handlers) listOpen(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	ds, err := h.service.ListOpen(c.Request.Context(), limit)
	if err != nil {
		respondDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": ds, "count": len(ds)})
}

func (h *Handlers) review(c *gin.Context) {
	d, err := h.service.Review(c.Request.Context(), c.Param("id"), auth.ActorID(c))
	if err != nil {
		respondDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

type resolveInput struct {
	Status     string `json:"status" binding:"required"`
	Resolution string `json:"resolution" binding:"required"`
}

func (h *Handlers) resolve(c *gin.Context) {
	var in resolveInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	d, err := h.service.Resolve(c.Request.Context(), c.Param("id"), Status(in.Status), in.Resolution, auth.ActorID(c))
	if err != nil {
		respondDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func respondDisputeError(c *gin.Context, err error) {
	var verrs validation.Errors
	switch {
	case errors.Is(err, ErrDisputeNotFound), errors.Is(err, users.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.As(err, &verrs):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation", "message": verrs.Error(), "fields": verrs})
	case errors.Is(err, ErrBadStatus), errors.Is(err, ErrSelfDispute):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, trust.ErrRestricted):
		c.JSON(http.StatusForbidden, gin.H{"error": "restricted", "message": err.Error()})
	case errors.Is(err, ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, ErrClosed):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": err.Error()})
	}
}
