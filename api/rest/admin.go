package rest

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/rotationd/audit"
	"github.com/kasuganosora/rotationd/cache"
	"github.com/kasuganosora/rotationd/rotation"
	"github.com/kasuganosora/rotationd/rotation/batch"
	"github.com/kasuganosora/rotationd/rotation/notify"
	"github.com/kasuganosora/rotationd/rotation/selector"
	"github.com/kasuganosora/rotationd/scheduler"
	"go.uber.org/zap"
)

// AdminHandler serves the rotation admin API.
// Routes should be protected by middleware.AdminAuth.
type AdminHandler struct {
	rot    *rotation.Service
	audit  *audit.Service
	outbox *notify.Dispatcher
	sched  *scheduler.Scheduler
	logger *zap.Logger
}

// NewAdminHandler creates an AdminHandler. audit, outbox and sched may be
// nil; their endpoints then answer 404.
func NewAdminHandler(
	rot *rotation.Service,
	auditSvc *audit.Service,
	outbox *notify.Dispatcher,
	sched *scheduler.Scheduler,
	logger *zap.Logger,
) *AdminHandler {
	return &AdminHandler{rot: rot, audit: auditSvc, outbox: outbox, sched: sched, logger: logger}
}

// Register mounts the admin routes on g.
func (h *AdminHandler) Register(g *gin.RouterGroup) {
	g.POST("/rotations/:family/tick", h.Tick)
	g.GET("/rotations/:family", h.Rotation)
	g.PATCH("/rotations/:family/config", h.UpdateConfig)
	g.GET("/rotations/:family/audit", h.AuditLog)
	g.GET("/scheduler", h.ListSchedulerTasks)
	g.GET("/outbox", h.Outbox)
	g.POST("/outbox/flush", h.FlushOutbox)
}

// rotationError maps engine errors to HTTP responses.
func (h *AdminHandler) rotationError(c *gin.Context, err error) {
	var cfgErr *selector.ConfigurationError
	switch {
	case errors.Is(err, rotation.ErrUnknownFamily):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown family"})
	case errors.Is(err, rotation.ErrInvalidUpdate):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, batch.ErrScheduleNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "schedule not bootstrapped"})
	case errors.Is(err, cache.ErrLockTimeout):
		c.JSON(http.StatusConflict, gin.H{"error": "rotation in progress, retry later"})
	case errors.As(err, &cfgErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": cfgErr.Error(), "tier": cfgErr.Tier})
	default:
		h.logger.Error("admin request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// Tick runs one rotation tick for the family.
// POST /api/admin/rotations/:family/tick
func (h *AdminHandler) Tick(c *gin.Context) {
	res, err := h.rot.Tick(c.Request.Context(), c.Param("family"))
	if err != nil {
		h.rotationError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Rotation returns the schedule, the active batch and the newest batches.
// GET /api/admin/rotations/:family?recent=5
func (h *AdminHandler) Rotation(c *gin.Context) {
	recent, err := strconv.Atoi(c.DefaultQuery("recent", "5"))
	if err != nil || recent < 0 || recent > 100 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid recent"})
		return
	}
	st, err := h.rot.Status(c.Request.Context(), c.Param("family"), recent)
	if err != nil {
		h.rotationError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

type configRequest struct {
	Period        *string        `json:"period"` // Go duration, e.g. "168h"
	ItemCount     *int           `json:"item_count"`
	History       *int           `json:"history"`
	ActiveKeyType *string        `json:"active_key_type"`
	Plan          *selector.Plan `json:"plan"`
}

// UpdateConfig changes the family schedule from the next rotation on.
// PATCH /api/admin/rotations/:family/config
func (h *AdminHandler) UpdateConfig(c *gin.Context) {
	var req configRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad request"})
		return
	}
	upd := rotation.ScheduleUpdate{
		ItemCount:     req.ItemCount,
		History:       req.History,
		ActiveKeyType: req.ActiveKeyType,
		Plan:          req.Plan,
	}
	if req.Period != nil {
		d, err := time.ParseDuration(*req.Period)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid period"})
			return
		}
		upd.Period = &d
	}

	sched, err := h.rot.UpdateSchedule(c.Request.Context(), c.Param("family"), upd)
	if err != nil {
		h.rotationError(c, err)
		return
	}
	c.JSON(http.StatusOK, sched)
}

// AuditLog lists the newest tick audit rows of a family.
// GET /api/admin/rotations/:family/audit?limit=50
func (h *AdminHandler) AuditLog(c *gin.Context) {
	if h.audit == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "audit disabled"})
		return
	}
	family := c.Param("family")
	if !rotation.ValidFamily(family) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown family"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > 500 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	rows, err := h.audit.Recent(c.Request.Context(), family, limit)
	if err != nil {
		h.rotationError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": rows, "count": len(rows)})
}

// ListSchedulerTasks returns the registered ticker tasks with run stats.
// GET /api/admin/scheduler
func (h *AdminHandler) ListSchedulerTasks(c *gin.Context) {
	if h.sched == nil {
		c.JSON(http.StatusOK, gin.H{"tasks": []scheduler.TaskInfo{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": h.sched.Tasks()})
}

// Outbox reports how many notifications await delivery.
// GET /api/admin/outbox
func (h *AdminHandler) Outbox(c *gin.Context) {
	if h.outbox == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "outbox disabled"})
		return
	}
	n, err := h.outbox.Pending(c.Request.Context())
	if err != nil {
		h.rotationError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pending": n})
}

// FlushOutbox pushes pending notifications to the sink now.
// POST /api/admin/outbox/flush
func (h *AdminHandler) FlushOutbox(c *gin.Context) {
	if h.outbox == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "outbox disabled"})
		return
	}
	n, err := h.outbox.Flush(c.Request.Context())
	if err != nil {
		h.logger.Warn("outbox flush stopped early", zap.Int("delivered", n), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "sink unavailable", "delivered": n})
		return
	}
	c.JSON(http.StatusOK, gin.H{"delivered": n})
}
