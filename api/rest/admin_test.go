package rest_test

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/rotationd/api/rest"
	"github.com/kasuganosora/rotationd/audit"
	"github.com/kasuganosora/rotationd/cache"
	"github.com/kasuganosora/rotationd/middleware"
	"github.com/kasuganosora/rotationd/model"
	"github.com/kasuganosora/rotationd/rotation"
	"github.com/kasuganosora/rotationd/rotation/bounty"
	"github.com/kasuganosora/rotationd/rotation/notify"
	"github.com/kasuganosora/rotationd/rotation/progress"
	"github.com/kasuganosora/rotationd/rotation/selector"
	"github.com/kasuganosora/rotationd/rotation/settlement"
	"github.com/kasuganosora/rotationd/scheduler"
	"github.com/kasuganosora/rotationd/testutil"
	"github.com/kasuganosora/rotationd/wallet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const adminKey = "test-admin-key"

func init() {
	gin.SetMode(gin.TestMode)
}

type recordingSink struct {
	mu   sync.Mutex
	sent []int64
}

func (s *recordingSink) Enqueue(_ context.Context, userID int64, _ string, _ []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, userID)
	return nil
}

type env struct {
	r     *gin.Engine
	db    *gorm.DB
	audit *audit.Service
	sink  *recordingSink
	users []int64
}

func newEnv(t *testing.T, key string) *env {
	t.Helper()
	db := testutil.SetupTestDB(t)
	c, _ := testutil.SetupTestCache(t)
	logger := testutil.Logger()

	auditSvc := audit.New(db, logger)
	t.Cleanup(func() { auditSvc.Stop(context.Background()) })

	locker := cache.NewLocker(c, time.Minute, 2*time.Second, 5*time.Millisecond)
	planner := bounty.NewTablePlanner(nil, nil)
	rot := rotation.New(db, locker, logger, rotation.Options{Bounties: planner, Audit: auditSvc})
	require.NoError(t, rot.Bootstrap(context.Background(),
		rotation.Seed{Family: model.FamilyItems, Period: 24 * time.Hour, ItemCount: 3, History: 2},
		rotation.Seed{Family: model.FamilyQuests, Period: 24 * time.Hour, ItemCount: 3},
	))

	sink := &recordingSink{}
	outbox := notify.NewDispatcher(db, sink, 100, logger)
	sched := scheduler.New(logger)
	t.Cleanup(sched.Stop)
	sched.AddTicker("rotation:items", time.Hour, func(ctx context.Context) error { return nil })

	tracker := progress.New(db, planner, settlement.New(wallet.Ledger{}, logger),
		selector.Locked(rand.New(rand.NewPCG(3, 5))), time.Now, logger)

	r := gin.New()
	r.Use(middleware.TraceID())
	g := r.Group("/api/admin")
	g.Use(middleware.AdminAuth(key, ""))
	rest.NewAdminHandler(rot, auditSvc, outbox, sched, logger).Register(g)
	rest.NewQuestHandler(tracker, logger).Register(g)

	e := &env{r: r, db: db, audit: auditSvc, sink: sink}
	for i, rarity := range []string{selector.Legendary, selector.Epic, selector.Epic, selector.Rare, selector.Rare, selector.Rare} {
		require.NoError(t, db.Create(&model.CatalogItem{
			Name: fmt.Sprintf("item-%d", i), ItemType: "skin", Rarity: rarity, Price: 50, Active: true,
		}).Error)
	}
	for i, d := range []string{selector.Hard, selector.Medium, selector.Medium, selector.Easy, selector.Easy} {
		require.NoError(t, db.Create(&model.QuestTemplate{
			Name: fmt.Sprintf("quest-%d", i), Difficulty: d, CoinReward: 100, XPReward: 15, Active: true,
		}).Error)
	}
	for i := 0; i < 2; i++ {
		u := &model.User{Name: fmt.Sprintf("user-%d", i)}
		require.NoError(t, db.Create(u).Error)
		e.users = append(e.users, u.ID)
	}
	return e
}

func (e *env) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set(middleware.AdminKeyHeader, adminKey)
	w := httptest.NewRecorder()
	e.r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func TestAdminAuth_NoKey_Disabled(t *testing.T) {
	e := newEnv(t, "")
	w := e.do(http.MethodGet, "/api/admin/rotations/items", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAdminAuth_WrongKey(t *testing.T) {
	e := newEnv(t, "another-key")
	w := e.do(http.MethodPost, "/api/admin/rotations/items/tick", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestTick_GeneratesThenIdles(t *testing.T) {
	e := newEnv(t, adminKey)

	w := e.do(http.MethodPost, "/api/admin/rotations/items/tick", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var first rotation.Result
	decode(t, w, &first)
	assert.True(t, first.Generated)
	assert.Equal(t, 3, first.ItemsGenerated)
	assert.Equal(t, 2, first.Notified)

	w = e.do(http.MethodPost, "/api/admin/rotations/items/tick", "")
	require.Equal(t, http.StatusOK, w.Code)
	var second rotation.Result
	decode(t, w, &second)
	assert.False(t, second.Generated)
	assert.Equal(t, first.BatchID, second.BatchID)
}

func TestTick_UnknownFamily(t *testing.T) {
	e := newEnv(t, adminKey)
	w := e.do(http.MethodPost, "/api/admin/rotations/pets/tick", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTick_CatalogTooSmall(t *testing.T) {
	e := newEnv(t, adminKey)
	require.NoError(t, e.db.Model(&model.QuestTemplate{}).Where("difficulty = ?", selector.Hard).
		Update("active", false).Error)

	w := e.do(http.MethodPost, "/api/admin/rotations/quests/tick", "")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	var body map[string]interface{}
	decode(t, w, &body)
	assert.Equal(t, selector.Hard, body["tier"])
}

func TestRotation_Status(t *testing.T) {
	e := newEnv(t, adminKey)
	require.Equal(t, http.StatusOK, e.do(http.MethodPost, "/api/admin/rotations/items/tick", "").Code)

	w := e.do(http.MethodGet, "/api/admin/rotations/items?recent=3", "")
	require.Equal(t, http.StatusOK, w.Code)
	var st rotation.Status
	decode(t, w, &st)
	require.NotNil(t, st.Current)
	assert.Len(t, st.Entries, 3)
	assert.Len(t, st.Recent, 1)
	assert.False(t, st.Due)

	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodGet, "/api/admin/rotations/items?recent=x", "").Code)
}

func TestUpdateConfig(t *testing.T) {
	e := newEnv(t, adminKey)

	w := e.do(http.MethodPatch, "/api/admin/rotations/items/config", `{"period":"12h","item_count":4,"active_key_type":"Premium"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var sched model.RotationSchedule
	decode(t, w, &sched)
	assert.EqualValues(t, 12*3600, sched.PeriodSeconds)
	assert.Equal(t, 4, sched.ItemCount)
	assert.Equal(t, "Premium", sched.ActiveKeyType)

	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPatch, "/api/admin/rotations/items/config", `{"period":"soon"}`).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPatch, "/api/admin/rotations/items/config", `{"item_count":0}`).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPatch, "/api/admin/rotations/items/config", `not json`).Code)
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodPatch, "/api/admin/rotations/pets/config", `{}`).Code)
}

func TestQuestLifecycle(t *testing.T) {
	e := newEnv(t, adminKey)
	uid := e.users[0]
	base := fmt.Sprintf("/api/admin/users/%d/quests", uid)

	assert.Equal(t, http.StatusConflict, e.do(http.MethodPost, base, "").Code, "no quest batch yet")

	require.Equal(t, http.StatusOK, e.do(http.MethodPost, "/api/admin/rotations/quests/tick", "").Code)

	w := e.do(http.MethodPost, base, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var ensured struct {
		BatchID string                    `json:"batch_id"`
		Quests  []model.UserQuestProgress `json:"quests"`
	}
	decode(t, w, &ensured)
	require.Len(t, ensured.Quests, 4, "three globals and one bounty")
	pid := ensured.Quests[0].ID

	claim := fmt.Sprintf("%s/%d/claim", base, pid)
	assert.Equal(t, http.StatusConflict, e.do(http.MethodPost, claim, "").Code, "not completed")
	require.Equal(t, http.StatusOK, e.do(http.MethodPost, fmt.Sprintf("%s/%d/complete", base, pid), "").Code)

	w = e.do(http.MethodPost, claim, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var paid map[string]int64
	decode(t, w, &paid)
	assert.Positive(t, paid["coins"])

	assert.Equal(t, http.StatusConflict, e.do(http.MethodPost, claim, "").Code, "already claimed")
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodPost, base+"/999999/complete", "").Code)
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/api/admin/users/abc/quests", "").Code)

	// a deleted user's quest cannot be paid
	other := fmt.Sprintf("/api/admin/users/%d/quests", e.users[1])
	w = e.do(http.MethodPost, other, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &ensured)
	opid := ensured.Quests[0].ID
	require.Equal(t, http.StatusOK, e.do(http.MethodPost, fmt.Sprintf("%s/%d/complete", other, opid), "").Code)
	require.NoError(t, e.db.Delete(&model.User{}, e.users[1]).Error)
	w = e.do(http.MethodPost, fmt.Sprintf("%s/%d/claim", other, opid), "")
	assert.Equal(t, http.StatusNotFound, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "user not found")
}

func TestOutbox_PendingAndFlush(t *testing.T) {
	e := newEnv(t, adminKey)
	require.Equal(t, http.StatusOK, e.do(http.MethodPost, "/api/admin/rotations/items/tick", "").Code)

	w := e.do(http.MethodGet, "/api/admin/outbox", "")
	require.Equal(t, http.StatusOK, w.Code)
	var pending map[string]int64
	decode(t, w, &pending)
	assert.EqualValues(t, 2, pending["pending"])

	w = e.do(http.MethodPost, "/api/admin/outbox/flush", "")
	require.Equal(t, http.StatusOK, w.Code)
	var flushed map[string]int
	decode(t, w, &flushed)
	assert.Equal(t, 2, flushed["delivered"])
	assert.ElementsMatch(t, e.users, e.sink.sent)
}

func TestAuditLog(t *testing.T) {
	e := newEnv(t, adminKey)
	tick := e.do(http.MethodPost, "/api/admin/rotations/items/tick", "")
	require.Equal(t, http.StatusOK, tick.Code)
	e.audit.Stop(context.Background())

	w := e.do(http.MethodGet, "/api/admin/rotations/items/audit", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Entries []model.RotationAudit `json:"entries"`
		Count   int                   `json:"count"`
	}
	decode(t, w, &body)
	require.Equal(t, 1, body.Count)
	assert.True(t, body.Entries[0].Generated)
	assert.Equal(t, tick.Header().Get(middleware.TraceIDHeader), body.Entries[0].TraceID)
}

func TestAuditLog_CallerTraceID(t *testing.T) {
	e := newEnv(t, adminKey)
	req := httptest.NewRequest(http.MethodPost, "/api/admin/rotations/quests/tick", nil)
	req.Header.Set(middleware.AdminKeyHeader, adminKey)
	req.Header.Set(middleware.TraceIDHeader, "cron-2026-10-16")
	w := httptest.NewRecorder()
	e.r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	e.audit.Stop(context.Background())

	rows, err := e.audit.Recent(context.Background(), model.FamilyQuests, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "cron-2026-10-16", rows[0].TraceID)
}

func TestListSchedulerTasks(t *testing.T) {
	e := newEnv(t, adminKey)
	w := e.do(http.MethodGet, "/api/admin/scheduler", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Tasks []scheduler.TaskInfo `json:"tasks"`
	}
	decode(t, w, &body)
	require.Len(t, body.Tasks, 1)
	assert.Equal(t, "rotation:items", body.Tasks[0].Name)
}
