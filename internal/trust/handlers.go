package trust

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mwalcott/unibazaar/internal/auth"
	"github.com/mwalcott/unibazaar/internal/users"
)

// Handlers serves the read-only trust endpoints. A user may read their
// own standing; admins may read anyone's.
type Handlers struct {
	service *Service
	policy  auth.AdminPolicy
}

// NewHandlers creates trust handlers.
func NewHandlers(service *Service, policy auth.AdminPolicy) *Handlers {
	return &Handlers{service: service, policy: policy}
}

// RegisterRoutes registers trust routes on an authenticated group.
func (h *Handlers) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/users/:id/trust", h.getTrust)
	r.GET("/users/:id/fraud", h.getFraud)
	r.GET("/users/:id/restriction", h.getRestriction)
}

func (h *Handlers) authorize(c *gin.Context) (string, bool) {
	userID := c.Param("id")
	actor := auth.ActorID(c)
	if actor == userID {
		return userID, true
	}
	ok, err := h.policy.IsAdmin(c.Request.Context(), actor)
	if err != nil || !ok {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "can only view your own standing",
		})
		return "", false
	}
	return userID, true
}

func (h *Handlers) getTrust(c *gin.Context) {
	userID, ok := h.authorize(c)
	if !ok {
		return
	}
	score, err := h.service.TrustFor(c.Request.Context(), userID)
	if err != nil {
		respondTrustError(c, err)
		return
	}
	c.JSON(http.StatusOK, score)
}

func (h *Handlers) getFraud(c *gin.Context) {
	userID, ok := h.authorize(c)
	if !ok {
		return
	}
	result, err := h.service.FraudFor(c.Request.Context(), userID)
	if err != nil {
		respondTrustError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handlers) getRestriction(c *gin.Context) {
	userID, ok := h.authorize(c)
	if !ok {
		return
	}
	r, err := h.service.RestrictionFor(c.Request.Context(), userID)
	if err != nil {
		respondTrustError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func respondTrustError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, users.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": err.Error()})
	}
}
