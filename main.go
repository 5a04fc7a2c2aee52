package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	apirest "github.com/kasuganosora/rotationd/api/rest"
	"github.com/kasuganosora/rotationd/api/sse"
	"github.com/kasuganosora/rotationd/audit"
	"github.com/kasuganosora/rotationd/cache"
	"github.com/kasuganosora/rotationd/config"
	dbadapter "github.com/kasuganosora/rotationd/db"
	mw "github.com/kasuganosora/rotationd/middleware"
	"github.com/kasuganosora/rotationd/model"
	"github.com/kasuganosora/rotationd/rotation"
	"github.com/kasuganosora/rotationd/rotation/bounty"
	"github.com/kasuganosora/rotationd/rotation/notify"
	"github.com/kasuganosora/rotationd/rotation/progress"
	"github.com/kasuganosora/rotationd/rotation/selector"
	"github.com/kasuganosora/rotationd/rotation/settlement"
	"github.com/kasuganosora/rotationd/scheduler"
	"github.com/kasuganosora/rotationd/wallet"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	cfgPath := "config/config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ---- Logger ----
	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	if cfg.Server.AdminKey == "" && cfg.Server.ServiceSecret == "" {
		logger.Warn("server.admin_key and server.service_secret are not set; admin endpoints are disabled")
	}

	// ---- Database ----
	db, err := dbadapter.Open(cfg.Database)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	if err := model.AutoMigrate(db); err != nil {
		log.Fatalf("db migrate: %v", err)
	}
	logger.Info("DB initialized", zap.String("mode", cfg.Database.Mode))

	// ---- Audit ----
	auditSvc := audit.New(db, logger)
	defer auditSvc.Stop(context.Background())

	// ---- Cache / PubSub ----
	cacheConfig := cache.CacheConfig{
		RedisAddr:       cfg.Cache.RedisAddr,
		RedisPassword:   cfg.Cache.RedisPassword,
		RedisDB:         cfg.Cache.RedisDB,
		LocalGCInterval: cfg.Cache.LocalGCInterval,
		LocalPubSubBuf:  cfg.Cache.LocalPubSubBuf,
	}
	c, err := cache.NewCache(cacheConfig)
	if err != nil {
		log.Fatalf("cache: %v", err)
	}
	defer c.Close()
	pubsub, err := cache.NewPubSub(cacheConfig)
	if err != nil {
		log.Fatalf("pubsub: %v", err)
	}
	if cfg.Cache.RedisAddr == "" {
		logger.Warn("no redis configured; rotation lease is process-local, run a single instance")
	}
	logger.Info("Cache initialized")

	// ---- Metrics ----
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// ---- Rotation ----
	var planner bounty.Planner
	if cfg.Rotation.Bounties.Enabled {
		planner = bounty.NewTablePlanner(bountyKinds(cfg.Rotation.Bounties), bountyRewards(cfg.Rotation.Bounties))
	}
	locker := cache.NewLocker(c, cfg.Rotation.LockTTL, cfg.Rotation.LockWait, cfg.Rotation.LockRetry)
	rot := rotation.New(db, locker, logger, rotation.Options{
		Bounties: planner,
		Metrics:  rotation.NewMetrics(reg),
		Audit:    auditSvc,
	})
	if err := rot.Bootstrap(ctx,
		seed(model.FamilyItems, cfg.Rotation.Store),
		seed(model.FamilyQuests, cfg.Rotation.Quests),
	); err != nil {
		log.Fatalf("rotation bootstrap: %v", err)
	}

	settle := settlement.New(wallet.Ledger{}, logger)
	rng := selector.Locked(rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), rand.Uint64())))
	tracker := progress.New(db, planner, settle, rng, time.Now, logger)

	// ---- Notification outbox ----
	sink, closeSink, err := newSink(cfg.Notify, pubsub, logger)
	if err != nil {
		log.Fatalf("notify: %v", err)
	}
	defer closeSink()
	outbox := notify.NewDispatcher(db, sink, cfg.Notify.BatchSize, logger)

	// ---- Scheduler ----
	sched := scheduler.New(logger)
	defer sched.Stop()
	for _, family := range []string{model.FamilyItems, model.FamilyQuests} {
		sched.AddTicker("rotation:"+family, cfg.Rotation.TriggerInterval, func(ctx context.Context) error {
			_, err := rot.Tick(ctx, family)
			return err
		})
	}
	sched.AddTicker("notify:dispatch", cfg.Notify.DispatchInterval, func(ctx context.Context) error {
		_, err := outbox.Flush(ctx)
		return err
	})
	// Catch up right away instead of waiting a full trigger interval.
	sched.AddDelay("rotation:boot", time.Second, func(ctx context.Context) error {
		var errs []error
		for _, family := range []string{model.FamilyItems, model.FamilyQuests} {
			if _, err := rot.Tick(ctx, family); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})

	// ---- Gin HTTP Server ----
	if !cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(mw.TraceID(), mw.Logger(logger, "/health", "/metrics"), mw.Recovery(logger))
	r.Use(mw.RateLimit(ctx, rate.Limit(cfg.Security.RateLimitRPS), cfg.Security.RateLimitBurst))

	r.GET("/health", func(c *gin.Context) {
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "db": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))

	allow, err := mw.IPWhitelist(cfg.Security.AdminAllowlist)
	if err != nil {
		log.Fatalf("security: %v", err)
	}
	adminG := r.Group("/api/admin")
	adminG.Use(allow, mw.AdminAuth(cfg.Server.AdminKey, cfg.Server.ServiceSecret))
	apirest.NewAdminHandler(rot, auditSvc, outbox, sched, logger).Register(adminG)
	apirest.NewQuestHandler(tracker, logger).Register(adminG)
	if cfg.Notify.Transport != "amqp" {
		adminG.GET("/notifications/stream", sse.NewHandler(pubsub, cfg.Notify.Channel, logger).ServeSSE)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", zap.Error(err))
	}
}

// newLogger builds the development or production zap logger and, when
// log.file is set, tees it into a size-rotated file.
func newLogger(cfg *config.Config) (*zap.Logger, error) {
	var logger *zap.Logger
	var err error
	if cfg.Server.Debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil || cfg.Log.File == "" {
		return logger, err
	}

	level := zapcore.InfoLevel
	if cfg.Server.Debug {
		level = zapcore.DebugLevel
	}
	file := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
			Compress:   true,
		}),
		level,
	)
	return logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, file)
	})), nil
}

func seed(family string, fc config.FamilyConfig) rotation.Seed {
	return rotation.Seed{
		Family:        family,
		Period:        fc.Period,
		ItemCount:     fc.ItemCount,
		History:       fc.History,
		ActiveKeyType: fc.ActiveKeyType,
		Plan:          planFromConfig(family, fc.Plan),
	}
}

// planFromConfig returns nil when no plan is configured so the family
// default applies. Quest plans are always strict.
func planFromConfig(family string, pc config.PlanConfig) *selector.Plan {
	if pc.Derived == "" && len(pc.Fixed) == 0 && len(pc.Ranged) == 0 {
		return nil
	}
	p := &selector.Plan{
		Total:   pc.Total,
		Order:   pc.Order,
		Fixed:   pc.Fixed,
		Derived: pc.Derived,
		Strict:  family == model.FamilyQuests,
	}
	if len(pc.Ranged) > 0 {
		p.Ranged = make(map[string]selector.Range, len(pc.Ranged))
		for tier, r := range pc.Ranged {
			p.Ranged[tier] = selector.Range{Min: r.Min, Max: r.Max}
		}
	}
	return p
}

func bountyKinds(bc config.BountyConfig) []bounty.Kind {
	out := make([]bounty.Kind, 0, len(bc.Kinds))
	for _, k := range bc.Kinds {
		out = append(out, bounty.Kind{
			Type:         k.Type,
			Name:         k.Name,
			Description:  k.Description,
			Difficulty:   k.Difficulty,
			Requirements: k.Requirements,
		})
	}
	return out
}

func bountyRewards(bc config.BountyConfig) map[string]bounty.Reward {
	out := make(map[string]bounty.Reward, len(bc.Rewards))
	for difficulty, r := range bc.Rewards {
		out[difficulty] = bounty.Reward{Coins: r.Coins, XP: r.XP}
	}
	return out
}

// newSink picks the notification transport. The returned func closes any
// broker connection.
func newSink(cfg config.NotifyConfig, ps cache.PubSub, logger *zap.Logger) (notify.Sink, func(), error) {
	switch cfg.Transport {
	case "", "pubsub":
		logger.Info("notifications via pub/sub", zap.String("channel", cfg.Channel))
		return notify.NewPubSubSink(ps, cfg.Channel), func() {}, nil
	case "amqp":
		conn, err := dialAMQP(cfg.AMQPURL, logger)
		if err != nil {
			return nil, nil, err
		}
		ch, err := conn.Channel()
		if err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("amqp channel: %w", err)
		}
		if err := notify.DeclareExchange(ch, cfg.AMQPExchange); err != nil {
			conn.Close()
			return nil, nil, err
		}
		logger.Info("notifications via amqp", zap.String("exchange", cfg.AMQPExchange))
		return notify.NewAMQPSink(ch, cfg.AMQPExchange, logger), func() {
			_ = ch.Close()
			_ = conn.Close()
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown notify.transport %q", cfg.Transport)
	}
}

// dialAMQP retries the broker a few times so the service can start
// alongside it.
func dialAMQP(url string, logger *zap.Logger) (*amqp.Connection, error) {
	const attempts = 5
	var err error
	for i := 0; i < attempts; i++ {
		var conn *amqp.Connection
		if conn, err = amqp.Dial(url); err == nil {
			return conn, nil
		}
		logger.Warn("amqp dial failed",
			zap.Int("attempt", i+1),
			zap.Int("max_attempts", attempts),
			zap.Error(err))
		time.Sleep(2 * time.Second)
	}
	return nil, fmt.Errorf("amqp dial: %w", err)
}
