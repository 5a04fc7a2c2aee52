package rest

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/rotationd/rotation/batch"
	"github.com/kasuganosora/rotationd/rotation/progress"
	"github.com/kasuganosora/rotationd/rotation/settlement"
	"github.com/kasuganosora/rotationd/wallet"
	"go.uber.org/zap"
)

// QuestHandler lets the game backend provision, complete and claim a
// user's rotating quests.
type QuestHandler struct {
	tracker *progress.Tracker
	logger  *zap.Logger
}

// NewQuestHandler creates a QuestHandler.
func NewQuestHandler(tracker *progress.Tracker, logger *zap.Logger) *QuestHandler {
	return &QuestHandler{tracker: tracker, logger: logger}
}

// Register mounts the quest routes on g.
func (h *QuestHandler) Register(g *gin.RouterGroup) {
	g.POST("/users/:id/quests", h.Ensure)
	g.POST("/users/:id/quests/:pid/complete", h.Complete)
	g.POST("/users/:id/quests/:pid/claim", h.Claim)
}

func pathIDs(c *gin.Context, names ...string) ([]int64, bool) {
	out := make([]int64, len(names))
	for i, n := range names {
		v, err := strconv.ParseInt(c.Param(n), 10, 64)
		if err != nil || v <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + n})
			return nil, false
		}
		out[i] = v
	}
	return out, true
}

func (h *QuestHandler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, batch.ErrNoActiveBatch):
		c.JSON(http.StatusConflict, gin.H{"error": "no active quest rotation"})
	case errors.Is(err, progress.ErrNotFound), errors.Is(err, settlement.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "quest not found"})
	case errors.Is(err, settlement.ErrNotCompleted):
		c.JSON(http.StatusConflict, gin.H{"error": "quest not completed"})
	case errors.Is(err, settlement.ErrAlreadyClaimed):
		c.JSON(http.StatusConflict, gin.H{"error": "quest already claimed"})
	case errors.Is(err, wallet.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
	default:
		h.logger.Error("quest request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// Ensure creates the user's progress rows for the active quest batch.
// POST /api/admin/users/:id/quests
func (h *QuestHandler) Ensure(c *gin.Context) {
	ids, ok := pathIDs(c, "id")
	if !ok {
		return
	}
	batchID, rows, err := h.tracker.Ensure(c.Request.Context(), ids[0])
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"batch_id": batchID, "quests": rows})
}

// Complete marks a quest completed.
// POST /api/admin/users/:id/quests/:pid/complete
func (h *QuestHandler) Complete(c *gin.Context) {
	ids, ok := pathIDs(c, "id", "pid")
	if !ok {
		return
	}
	if err := h.tracker.Complete(c.Request.Context(), ids[0], ids[1], time.Now()); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Claim pays a completed quest immediately.
// POST /api/admin/users/:id/quests/:pid/claim
func (h *QuestHandler) Claim(c *gin.Context) {
	ids, ok := pathIDs(c, "id", "pid")
	if !ok {
		return
	}
	res, err := h.tracker.Claim(c.Request.Context(), ids[0], ids[1])
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"coins": res.Coins, "xp": res.XP})
}
