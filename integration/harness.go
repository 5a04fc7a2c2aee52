// Package integration runs the rotation service end to end over real HTTP.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	apirest "github.com/kasuganosora/rotationd/api/rest"
	"github.com/kasuganosora/rotationd/api/sse"
	"github.com/kasuganosora/rotationd/audit"
	"github.com/kasuganosora/rotationd/cache"
	mw "github.com/kasuganosora/rotationd/middleware"
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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const (
	ServiceSecret = "integration-service-secret"
	Channel       = "rotation:notifications"
)

// TestServer wraps a real HTTP server with every subsystem wired the way
// main.go wires it.
type TestServer struct {
	DB        *gorm.DB
	Cache     cache.Cache
	PubSub    cache.PubSub
	Rotation  *rotation.Service
	Outbox    *notify.Dispatcher
	Scheduler *scheduler.Scheduler
	Server    *httptest.Server
	URL       string
	token     string
}

// NewTestServer creates a fully wired server with a small catalog.
func NewTestServer(t *testing.T) *TestServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.SetupTestDB(t)
	c, pubsub := testutil.SetupTestCache(t)
	logger := zap.NewNop()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	auditSvc := audit.New(db, logger)
	t.Cleanup(func() { auditSvc.Stop(context.Background()) })

	reg := prometheus.NewRegistry()
	planner := bounty.NewTablePlanner(nil, nil)
	locker := cache.NewLocker(c, time.Minute, 5*time.Second, 5*time.Millisecond)
	rot := rotation.New(db, locker, logger, rotation.Options{
		Bounties: planner,
		Metrics:  rotation.NewMetrics(reg),
		Audit:    auditSvc,
	})
	require.NoError(t, rot.Bootstrap(ctx,
		rotation.Seed{Family: model.FamilyItems, Period: 24 * time.Hour, ItemCount: 5, History: 2, ActiveKeyType: "Classic"},
		rotation.Seed{Family: model.FamilyQuests, Period: 24 * time.Hour, ItemCount: 5},
	))

	rng := selector.Locked(rand.New(rand.NewPCG(1, 1)))
	tracker := progress.New(db, planner, settlement.New(wallet.Ledger{}, logger), rng, time.Now, logger)
	outbox := notify.NewDispatcher(db, notify.NewPubSubSink(pubsub, Channel), 100, logger)
	sched := scheduler.New(logger)
	t.Cleanup(sched.Stop)

	r := gin.New()
	r.Use(mw.TraceID(), mw.Logger(logger, "/health", "/metrics"), mw.Recovery(logger))
	r.Use(mw.RateLimit(ctx, rate.Limit(1000), 2000))
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	allow, err := mw.IPWhitelist([]string{"127.0.0.0/8", "::1"})
	require.NoError(t, err)
	adminG := r.Group("/api/admin")
	adminG.Use(allow, mw.AdminAuth("", ServiceSecret))
	apirest.NewAdminHandler(rot, auditSvc, outbox, sched, logger).Register(adminG)
	apirest.NewQuestHandler(tracker, logger).Register(adminG)
	adminG.GET("/notifications/stream", sse.NewHandler(pubsub, Channel, logger).ServeSSE)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	token, err := mw.GenerateServiceToken("integration", mw.ScopeRotationAdmin, ServiceSecret, time.Hour)
	require.NoError(t, err)

	ts := &TestServer{
		DB: db, Cache: c, PubSub: pubsub,
		Rotation: rot, Outbox: outbox, Scheduler: sched,
		Server: srv, URL: srv.URL, token: token,
	}
	ts.seedCatalog(t)
	return ts
}

func (ts *TestServer) seedCatalog(t *testing.T) {
	tiers := map[string]int{selector.Legendary: 3, selector.Epic: 6, selector.Rare: 9}
	for rarity, n := range tiers {
		for i := 0; i < n; i++ {
			require.NoError(t, ts.DB.Create(&model.CatalogItem{
				Name: rarity, ItemType: "skin", Rarity: rarity, Price: 100, Active: true,
			}).Error)
		}
	}
	diffs := map[string]int{selector.Hard: 2, selector.Medium: 3, selector.Easy: 4}
	for d, n := range diffs {
		for i := 0; i < n; i++ {
			require.NoError(t, ts.DB.Create(&model.QuestTemplate{
				Name: d, Difficulty: d, CoinReward: 100, XPReward: 10, Active: true,
			}).Error)
		}
	}
}

// CreateUser inserts a user and returns its id.
func (ts *TestServer) CreateUser(t *testing.T, name string) int64 {
	u := &model.User{Name: name}
	require.NoError(t, ts.DB.Create(u).Error)
	return u.ID
}

// Do sends an authenticated request and decodes a JSON response into out
// when out is non-nil.
func (ts *TestServer) Do(t *testing.T, method, path string, body interface{}, out interface{}) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+ts.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}
