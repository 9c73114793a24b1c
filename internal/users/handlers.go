package users

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mwalcott/unibazaar/internal/validation"
)

// Handlers exposes the user HTTP API. The actor extractor is injected at
// wiring time because the auth package depends on this one.
type Handlers struct {
	service *Service
	actor   func(*gin.Context) string
}

// NewHandlers creates user handlers.
func NewHandlers(service *Service, actor func(*gin.Context) string) *Handlers {
	return &Handlers{service: service, actor: actor}
}

// RegisterPublicRoutes registers the self-service registration route.
func (h *Handlers) RegisterPublicRoutes(r *gin.RouterGroup) {
	r.POST("/users", h.register)
}

// RegisterRoutes registers member routes on an authenticated group.
func (h *Handlers) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/users/:id", h.get)
}

// RegisterAdminRoutes registers user management routes on the admin group.
func (h *Handlers) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/users", h.list)
	r.POST("/users/:id/deactivate", h.deactivate)
	r.POST("/users/:id/reactivate", h.reactivate)
	r.POST("/users/:id/flag", h.flag)
	r.POST("/users/:id/override", h.override)
}

func (h *Handlers) register(c *gin.Context) {
	var in RegisterInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	u, rawKey, err := h.service.Register(c.Request.Context(), in)
	if err != nil {
		respondUserError(c, err)
		return
	}
	// The raw key is shown exactly once.
	c.JSON(http.StatusCreated, gin.H{"user": u, "apiKey": rawKey})
}

func (h *Handlers) get(c *gin.Context) {
	u, err := h.service.Get(c.Request.Context(), c.Param("id"), h.actor(c))
	if err != nil {
		respondUserError(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

func (h *Handlers) list(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	us, err := h.service.List(c.Request.Context(), h.actor(c), limit)
	if err != nil {
		respondUserError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": us, "count": len(us)})
}

func (h *Handlers) deactivate(c *gin.Context) {
	u, err := h.service.Deactivate(c.Request.Context(), c.Param("id"), h.actor(c))
	if err != nil {
		respondUserError(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

func (h *Handlers) reactivate(c *gin.Context) {
	u, err := h.service.Reactivate(c.Request.Context(), c.Param("id"), h.actor(c))
	if err != nil {
		respondUserError(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

type flagInput struct {
	Reason string `json:"reason" binding:"required"`
}

func (h *Handlers) flag(c *gin.Context) {
	var in flagInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	u, err := h.service.Flag(c.Request.Context(), c.Param("id"), h.actor(c), in.Reason)
	if err != nil {
		respondUserError(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

type overrideInput struct {
	Override string `json:"override"`
	Reason   string `json:"reason"`
}

func (h *Handlers) override(c *gin.Context) {
	var in overrideInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	u, err := h.service.SetOverride(c.Request.Context(), c.Param("id"), h.actor(c), Override(in.Override), in.Reason)
	if err != nil {
		respondUserError(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

func respondUserError(c *gin.Context, err error) {
	var verrs validation.Errors
	switch {
	case errors.Is(err, ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.As(err, &verrs):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation", "message": verrs.Error(), "fields": verrs})
	case errors.Is(err, ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, ErrEmailTaken):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": err.Error()})
	}
}
