package admin

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mwalcott/unibazaar/internal/recovery"
	"github.com/mwalcott/unibazaar/internal/users"
)

// Handlers exposes the admin reporting API. Everything here is mounted on
// the admin router group, which already enforces the admin policy.
type Handlers struct {
	service *Service
	sweeper *recovery.Sweeper
}

// NewHandlers creates admin handlers. The sweeper may be nil when the
// deployment runs sweeps out of process.
func NewHandlers(service *Service, sweeper *recovery.Sweeper) *Handlers {
	return &Handlers{service: service, sweeper: sweeper}
}

// RegisterRoutes registers admin reporting routes.
func (h *Handlers) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/stats", h.stats)
	r.GET("/users/:id", h.userDetail)
	r.GET("/integrity", h.integrity)
	r.GET("/fraud", h.fraudOverview)
	if h.sweeper != nil {
		r.POST("/recovery/run", h.runRecovery)
	}
}

func (h *Handlers) stats(c *gin.Context) {
	st, err := h.service.Stats(c.Request.Context())
	if err != nil {
		respondAdminError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handlers) userDetail(c *gin.Context) {
	d, err := h.service.UserDetail(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondAdminError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *Handlers) integrity(c *gin.Context) {
	issues, err := h.service.Integrity(c.Request.Context())
	if err != nil {
		respondAdminError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"issues": issues, "count": len(issues)})
}

func (h *Handlers) fraudOverview(c *gin.Context) {
	overview, err := h.service.FraudOverview(c.Request.Context())
	if err != nil {
		respondAdminError(c, err)
		return
	}
	c.JSON(http.StatusOK, overview)
}

func (h *Handlers) runRecovery(c *gin.Context) {
	report := h.sweeper.Run(c.Request.Context())
	status := http.StatusOK
	if len(report.Errors) > 0 {
		status = http.StatusMultiStatus
	}
	c.JSON(status, report)
}

func respondAdminError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, users.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": err.Error()})
	}
}
